package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pulse-io/pulse/internal/logging"
)

// pushServer is a canned websocket endpoint emitting one metrics and one
// traces event per connection, then holding the connection open.
func pushServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		snap := Snapshot{
			TakenAt: time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC),
			Families: []Family{{
				Name: DefaultRequestsMetric,
				Kind: "counter",
				Series: []Series{{LabelValues: []string{"GET", "/a", "200"}, Value: 7}},
			}},
		}
		if err := conn.WriteJSON(map[string]any{"event": EventMetrics, "data": snap}); err != nil {
			return
		}
		spans := []Span{{TraceID: "t1", Name: "GET /a"}}
		if err := conn.WriteJSON(map[string]any{"event": EventTraces, "data": spans}); err != nil {
			return
		}

		// Hold until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func TestClient_DecodesEvents(t *testing.T) {
	srv := pushServer(t)
	defer srv.Close()

	snapCh := make(chan *Snapshot, 1)
	spanCh := make(chan []Span, 1)

	c := New("ws"+strings.TrimPrefix(srv.URL, "http"), Options{
		OnMetrics: func(s *Snapshot) {
			select {
			case snapCh <- s:
			default:
			}
		},
		OnTraces: func(s []Span) {
			select {
			case spanCh <- s:
			default:
			}
		},
		Logger: logging.Nop(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case snap := <-snapCh:
		fam := snap.Lookup(DefaultRequestsMetric)
		if fam == nil || len(fam.Series) != 1 || fam.Series[0].Value != 7 {
			t.Errorf("unexpected snapshot %+v", snap)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("metrics event never arrived")
	}

	select {
	case spans := <-spanCh:
		if len(spans) != 1 || spans[0].TraceID != "t1" {
			t.Errorf("unexpected spans %+v", spans)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("traces event never arrived")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected nil on cancellation, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestClient_BoundedReconnect(t *testing.T) {
	// A server that is already gone: every dial fails.
	srv := pushServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	c := New(url, Options{
		ReconnectAttempts: 2,
		ReconnectDelay:    10 * time.Millisecond,
		Logger:            logging.Nop(),
	})

	start := time.Now()
	err := c.Run(context.Background())
	if !errors.Is(err, ErrDisconnected) {
		t.Fatalf("expected ErrDisconnected, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("reconnect budget did not bound Run, took %v", elapsed)
	}
}

func TestClient_FeedsAggregator(t *testing.T) {
	srv := pushServer(t)
	defer srv.Close()

	agg := NewAggregator(AggregatorConfig{})
	applied := make(chan struct{}, 1)

	c := New("ws"+strings.TrimPrefix(srv.URL, "http"), Options{
		OnMetrics: func(s *Snapshot) {
			agg.ApplyMetrics(s)
			select {
			case applied <- struct{}{}:
			default:
			}
		},
		OnTraces: agg.ApplyTraces,
		Logger:   logging.Nop(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	select {
	case <-applied:
	case <-time.After(2 * time.Second):
		t.Fatal("aggregator never saw a push")
	}

	_, values := agg.RequestsPerMinute()
	if len(values) != 1 || values[0] != 7 {
		t.Errorf("expected one minute slot with 7 requests, got %v", values)
	}
}
