package server

import (
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pulse-io/pulse/internal/metrics"
)

func newTestRegistry(t *testing.T) *metrics.Registry {
	t.Helper()
	reg := metrics.NewRegistry()
	reg.MustRegister(metrics.Descriptor{
		Name:   "pulse_test_requests_total",
		Help:   "Requests seen by the test.",
		Kind:   metrics.KindCounter,
		Labels: []string{"route"},
	})
	if err := reg.Add("pulse_test_requests_total", 3, "/a"); err != nil {
		t.Fatalf("failed to add: %v", err)
	}
	return reg
}

func TestExpositionHandler_TextFormat(t *testing.T) {
	reg := newTestRegistry(t)
	srv := httptest.NewServer(ExpositionHandler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") || !strings.Contains(ct, "0.0.4") {
		t.Errorf("unexpected content type %q", ct)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	text := string(body)

	for _, want := range []string{
		"# HELP pulse_test_requests_total Requests seen by the test.",
		"# TYPE pulse_test_requests_total counter",
		`pulse_test_requests_total{route="/a"} 3`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("exposition missing %q in:\n%s", want, text)
		}
	}
}

func TestExpositionHandler_Gzip(t *testing.T) {
	// gzhttp only compresses responses past its minimum size; make the
	// exposition comfortably bigger than that.
	reg := newTestRegistry(t)
	for i := 0; i < 200; i++ {
		if err := reg.Inc("pulse_test_requests_total", fmt.Sprintf("/route/%03d", i)); err != nil {
			t.Fatalf("failed to inc: %v", err)
		}
	}
	srv := httptest.NewServer(ExpositionHandler(reg))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	req.Header.Set("Accept-Encoding", "gzip")

	// Plain transport so the client does not transparently decompress.
	resp, err := (&http.Transport{DisableCompression: true}).RoundTrip(req)
	if err != nil {
		t.Fatalf("scrape failed: %v", err)
	}
	defer resp.Body.Close()

	if enc := resp.Header.Get("Content-Encoding"); enc != "gzip" {
		t.Fatalf("expected gzip encoding, got %q", enc)
	}

	zr, err := gzip.NewReader(resp.Body)
	if err != nil {
		t.Fatalf("opening gzip body: %v", err)
	}
	defer zr.Close()

	body, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("reading gzip body: %v", err)
	}
	if !strings.Contains(string(body), "pulse_test_requests_total") {
		t.Errorf("decompressed exposition missing metric:\n%s", body)
	}
}
