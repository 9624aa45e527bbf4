package indexerd

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Pinger reports whether the ledger store is reachable.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// OpsServer serves liveness and Prometheus metrics.
type OpsServer struct {
	db       Pinger
	running  atomic.Bool
	signers  map[string]string
	handler  http.Handler
	pingWait time.Duration
}

// NewOpsServer builds the ops router. signers maps a key role to its public
// address and is reported by /healthz.
func NewOpsServer(db Pinger, signers map[string]string) *OpsServer {
	s := &OpsServer{db: db, signers: signers, pingWait: 2 * time.Second}
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	s.handler = otelhttp.NewHandler(r, "indexerd.ops")
	return s
}

// SetRunning flips the listener state reported by /healthz.
func (s *OpsServer) SetRunning(running bool) { s.running.Store(running) }

// ServeHTTP implements http.Handler.
func (s *OpsServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *OpsServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]any{
		"status":   "ok",
		"listener": s.running.Load(),
		"signers":  s.signers,
	}
	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), s.pingWait)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
			body["database"] = "unreachable"
		}
	}
	if !s.running.Load() {
		status = http.StatusServiceUnavailable
		body["status"] = "degraded"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
