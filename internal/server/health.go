// Package server hosts the pulse diagnostics surface: liveness and
// readiness probes, the metric exposition endpoint, the websocket push
// channel, and pprof. Everything here is best-effort plumbing around the
// pipeline; none of it sits on the instrumented application's request path.
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pulse-io/pulse/internal/logging"
)

// ReadinessChecker is implemented by components that gate readiness. The
// telemetry lifecycle implements it directly; anything else can wrap a
// function with NewFuncChecker.
type ReadinessChecker interface {
	// Name identifies the component in the readiness response.
	Name() string

	// CheckReady returns nil when the component can do its job.
	CheckReady(ctx context.Context) error
}

// DefaultReadinessTimeout bounds each individual readiness check.
const DefaultReadinessTimeout = 5 * time.Second

// loopStaleAfter is how long a background loop may go without a beat
// before liveness reports it as stalled.
const loopStaleAfter = 30 * time.Second

// HealthServer serves /healthz, /readyz, /debug/pprof/ and any extra
// handlers mounted before Start (the exposition endpoint and the push
// channel in the daemon). Liveness degrades when a registered background
// loop stops beating; readiness follows the registered checkers and flips
// to 503 as soon as shutdown begins.
type HealthServer struct {
	mu               sync.RWMutex
	addr             string
	boundAddr        string
	server           *http.Server
	logger           *logging.Logger
	shutDown         atomic.Bool
	loops            map[string]*loopStatus
	readinessChecks  []ReadinessChecker
	readinessTimeout time.Duration
	extraHandlers    map[string]http.Handler
}

// loopStatus tracks one background loop's heartbeat.
type loopStatus struct {
	running  bool
	lastBeat time.Time
}

// HealthStatus is the probe response body.
type HealthStatus struct {
	Status string                 `json:"status"`
	Loops  map[string]bool        `json:"loops,omitempty"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of one readiness check.
type CheckResult struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

// NewHealthServer creates a HealthServer listening on addr once started.
func NewHealthServer(addr string, logger *logging.Logger) *HealthServer {
	if logger == nil {
		logger = logging.Global()
	}
	return &HealthServer{
		addr:             addr,
		logger:           logger.WithComponent("health"),
		loops:            make(map[string]*loopStatus),
		readinessTimeout: DefaultReadinessTimeout,
		extraHandlers:    make(map[string]http.Handler),
	}
}

// RegisterHandler mounts an extra handler alongside the probes. Call
// before Start; later registrations are ignored by the running mux.
func (h *HealthServer) RegisterHandler(pattern string, handler http.Handler) {
	if pattern == "" || handler == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.extraHandlers[pattern] = handler
}

// RegisterReadinessCheck adds a checker consulted on every /readyz request.
func (h *HealthServer) RegisterReadinessCheck(checker ReadinessChecker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readinessChecks = append(h.readinessChecks, checker)
}

// SetReadinessTimeout overrides the per-check timeout.
func (h *HealthServer) SetReadinessTimeout(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readinessTimeout = d
}

// RegisterLoop starts heartbeat tracking for a named background loop.
func (h *HealthServer) RegisterLoop(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.loops[name] = &loopStatus{running: true, lastBeat: time.Now()}
}

// LoopBeat records that the named loop is still making progress. Loops
// call it from their tick.
func (h *HealthServer) LoopBeat(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.loops[name]; ok {
		s.lastBeat = time.Now()
	}
}

// UnregisterLoop marks the named loop as intentionally stopped.
func (h *HealthServer) UnregisterLoop(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.loops, name)
}

// SetShuttingDown flips both probes to 503 so load balancers drain the
// instance while the daemon finishes its shutdown sequence.
func (h *HealthServer) SetShuttingDown() {
	h.shutDown.Store(true)
}

// IsShuttingDown reports whether shutdown has begun.
func (h *HealthServer) IsShuttingDown() bool {
	return h.shutDown.Load()
}

// Start binds the listener and serves in the background.
func (h *HealthServer) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealthz)
	mux.HandleFunc("/readyz", h.handleReadyz)

	h.mu.RLock()
	for pattern, handler := range h.extraHandlers {
		mux.Handle(pattern, handler)
	}
	h.mu.RUnlock()

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	h.server = &http.Server{
		Addr:         h.addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second, // readiness checks may take a while
	}

	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.boundAddr = ln.Addr().String()
	h.mu.Unlock()

	h.logger.Infof("diagnostics server listening", map[string]any{"addr": ln.Addr().String()})

	go func() {
		if err := h.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			h.logger.Errorf("diagnostics server error", map[string]any{"error": err.Error()})
		}
	}()

	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (h *HealthServer) Addr() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.boundAddr != "" {
		return h.boundAddr
	}
	return h.addr
}

// Close shuts the server down, waiting up to 5s for in-flight probes.
func (h *HealthServer) Close() error {
	if h.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.server.Shutdown(ctx)
}

func (h *HealthServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := h.checkLiveness()
	writeStatus(w, r, status)
}

func (h *HealthServer) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := h.checkReadiness(r.Context())
	writeStatus(w, r, status)
}

func writeStatus(w http.ResponseWriter, r *http.Request, status HealthStatus) {
	w.Header().Set("Content-Type", "application/json")
	if status.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	if r.Method != http.MethodHead {
		json.NewEncoder(w).Encode(status)
	}
}

// checkLiveness reports ok while the daemon is serving and every
// registered loop has beaten recently.
func (h *HealthServer) checkLiveness() HealthStatus {
	status := HealthStatus{
		Status: "ok",
		Loops:  make(map[string]bool),
		Checks: make(map[string]CheckResult),
	}

	if h.shutDown.Load() {
		status.Status = "shutting_down"
		status.Checks["shutdown"] = CheckResult{Healthy: false, Message: "daemon is shutting down"}
		return status
	}
	status.Checks["shutdown"] = CheckResult{Healthy: true, Message: "daemon is running"}

	h.mu.RLock()
	defer h.mu.RUnlock()

	allAlive := true
	for name, s := range h.loops {
		alive := s.running && time.Since(s.lastBeat) < loopStaleAfter
		status.Loops[name] = alive
		if !alive {
			allAlive = false
		}
	}

	if !allAlive {
		status.Status = "degraded"
		status.Checks["loops"] = CheckResult{Healthy: false, Message: "one or more background loops stalled"}
	} else if len(h.loops) > 0 {
		status.Checks["loops"] = CheckResult{Healthy: true, Message: "all background loops alive"}
	}

	return status
}

// CheckHealth returns the liveness status without an HTTP round trip.
func (h *HealthServer) CheckHealth() HealthStatus {
	return h.checkLiveness()
}

// checkReadiness runs every registered checker under the per-check timeout.
func (h *HealthServer) checkReadiness(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status: "ok",
		Checks: make(map[string]CheckResult),
	}

	if h.shutDown.Load() {
		status.Status = "shutting_down"
		status.Checks["shutdown"] = CheckResult{Healthy: false, Message: "daemon is shutting down"}
		return status
	}
	status.Checks["shutdown"] = CheckResult{Healthy: true, Message: "daemon is running"}

	h.mu.RLock()
	checks := make([]ReadinessChecker, len(h.readinessChecks))
	copy(checks, h.readinessChecks)
	timeout := h.readinessTimeout
	h.mu.RUnlock()

	for _, checker := range checks {
		checkCtx, cancel := context.WithTimeout(ctx, timeout)
		err := checker.CheckReady(checkCtx)
		cancel()

		if err != nil {
			status.Status = "not_ready"
			status.Checks[checker.Name()] = CheckResult{Healthy: false, Message: err.Error()}
		} else {
			status.Checks[checker.Name()] = CheckResult{Healthy: true, Message: "ready"}
		}
	}

	return status
}

// CheckReadiness returns the readiness status without an HTTP round trip.
func (h *HealthServer) CheckReadiness(ctx context.Context) HealthStatus {
	return h.checkReadiness(ctx)
}
