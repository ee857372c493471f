package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/withObsrvr/ttp-processor-demo/ledger-aggregation-gateway/ingest"
	"github.com/withObsrvr/ttp-processor-demo/ledger-aggregation-gateway/logging"
)

// StatusSource is the part of the gateway the health server reads.
type StatusSource interface {
	Status() ingest.Status
}

// Pinger checks that storage is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthServer provides health, readiness and metrics endpoints
type HealthServer struct {
	port      int
	startTime time.Time
	gateway   StatusSource
	store     Pinger
	metrics   http.Handler
	logger    *logging.ComponentLogger
	server    *http.Server
}

// HealthResponse is the JSON response for /health
type HealthResponse struct {
	Status  string        `json:"status"`
	Service string        `json:"service"`
	Version string        `json:"version"`
	Uptime  string        `json:"uptime"`
	Gateway ingest.Status `json:"gateway"`
}

// NewHealthServer creates a new health server
func NewHealthServer(port int, gateway StatusSource, store Pinger, metrics http.Handler, logger *logging.ComponentLogger) *HealthServer {
	return &HealthServer{
		port:      port,
		startTime: time.Now(),
		gateway:   gateway,
		store:     store,
		metrics:   metrics,
		logger:    logger,
	}
}

func (hs *HealthServer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hs.handleHealth)
	mux.HandleFunc("/ready", hs.handleReady)
	mux.HandleFunc("/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "live")
	})
	if hs.metrics != nil {
		mux.Handle("/metrics", hs.metrics)
	}
	return mux
}

// Start starts the health HTTP server
func (hs *HealthServer) Start() error {
	hs.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", hs.port),
		Handler:           hs.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := hs.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			hs.logger.Error().Err(err).Int("port", hs.port).Msg("Health server error")
		}
	}()

	hs.logger.Info().Int("port", hs.port).Msg("Health server listening")
	return nil
}

// Stop gracefully stops the health server
func (hs *HealthServer) Stop(ctx context.Context) error {
	if hs.server != nil {
		return hs.server.Shutdown(ctx)
	}
	return nil
}

// handleHealth handles /health endpoint
func (hs *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := hs.gateway.Status()
	resp := HealthResponse{
		Status:  overallStatus(st),
		Service: serviceName,
		Version: version,
		Uptime:  time.Since(hs.startTime).Round(time.Second).String(),
		Gateway: st,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handleReady fails while storage is unreachable.
func (hs *HealthServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := hs.store.Ping(ctx); err != nil {
		http.Error(w, fmt.Sprintf("storage unavailable: %v", err), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "ready")
}

// overallStatus is "degraded" while the commit loop keeps failing.
func overallStatus(st ingest.Status) string {
	if commit, ok := st.Loops[ingest.LoopLedgerCommit]; ok && commit.ConsecutiveErrors > 0 {
		return "degraded"
	}
	return "healthy"
}
