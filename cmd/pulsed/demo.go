package main

import (
	"encoding/json"
	"net/http"
	"time"
)

// rootApp is what serves when no application handler is mounted: a single
// status document so the daemon answers something measurable at /.
func rootApp(version string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"service": "pulse",
			"version": version,
		})
	})
	return mux
}

// demoApp is the canned-JSON application mounted by `pulsed serve --demo`.
// It stands in for the real service the pipeline instruments; the handlers
// return fixed payloads and exist only to generate measurable traffic with
// a few distinct routes and status codes.
func demoApp() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"service": "pulse-demo"})
	})

	mux.HandleFunc("GET /api/orders", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"orders": []map[string]any{
				{"id": "ord-1001", "status": "shipped", "total": 129.90},
				{"id": "ord-1002", "status": "pending", "total": 54.00},
			},
		})
	})

	mux.HandleFunc("GET /api/orders/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if id == "ord-1001" {
			writeJSON(w, http.StatusOK, map[string]any{
				"id": id, "status": "shipped", "total": 129.90,
			})
			return
		}
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "order not found"})
	})

	mux.HandleFunc("GET /api/users/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"id": r.PathValue("id"), "name": "Demo User", "joined": "2024-03-17",
		})
	})

	mux.HandleFunc("GET /api/slow", func(w http.ResponseWriter, r *http.Request) {
		// Deliberately sluggish so the duration histogram has a tail.
		select {
		case <-time.After(150 * time.Millisecond):
		case <-r.Context().Done():
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"waited": "150ms"})
	})

	mux.HandleFunc("GET /api/error", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "synthetic failure"})
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
