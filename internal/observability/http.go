package observability

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/LeonardoBeccarini/thinkiot/internal/actuators"
)

type healthHandler struct {
	status     *Status
	staleAfter time.Duration
	now        func() time.Time
}

// NewHealthHandler serves /healthz. The node is ok when link and session are
// up and a sample went out within staleAfter, degraded when only part of that
// holds, down when neither link nor session is up.
func NewHealthHandler(s *Status, staleAfter time.Duration) http.Handler {
	return &healthHandler{status: s, staleAfter: staleAfter, now: time.Now}
}

func (h *healthHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	type status struct {
		Status         string                        `json:"status"`
		LinkUp         bool                          `json:"link_up"`
		SessionUp      bool                          `json:"session_up"`
		LastSampleAgeS float64                       `json:"last_sample_age_sec"`
		Actuators      map[string]actuators.Position `json:"actuators,omitempty"`
	}
	st := status{
		LinkUp:         h.status.LinkUp(),
		SessionUp:      h.status.SessionUp(),
		Actuators:      h.status.Actuators(),
		LastSampleAgeS: -1,
	}
	fresh := false
	if last := h.status.LastSample(); !last.IsZero() {
		age := h.now().Sub(last)
		st.LastSampleAgeS = age.Seconds()
		fresh = age <= h.staleAfter
	}

	if st.LinkUp && st.SessionUp && fresh {
		st.Status = "ok"
	} else if st.LinkUp || st.SessionUp {
		st.Status = "degraded"
	} else {
		st.Status = "down"
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(st)
}

type readyHandler struct {
	status *Status
}

// NewReadyHandler serves /readyz: 200 only while link and session are up.
func NewReadyHandler(s *Status) http.Handler {
	return &readyHandler{status: s}
}

func (h *readyHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	ready := h.status.LinkUp() && h.status.SessionUp()
	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	type resp struct {
		Ready bool `json:"ready"`
	}
	_ = json.NewEncoder(w).Encode(resp{Ready: ready})
}

// NewRouter wires /metrics, /healthz and /readyz for GET and HEAD. Handler
// panics are recovered and answered with a 500.
func NewRouter(m *Metrics, s *Status, staleAfter time.Duration) http.Handler {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})).
		Methods(http.MethodGet, http.MethodHead)
	r.Handle("/healthz", NewHealthHandler(s, staleAfter)).Methods(http.MethodGet, http.MethodHead)
	r.Handle("/readyz", NewReadyHandler(s)).Methods(http.MethodGet, http.MethodHead)
	return handlers.RecoveryHandler()(r)
}

// NewGRPCServer returns a gRPC server exposing grpc.health.v1.Health, driven
// by the session state in s.
func NewGRPCServer(s *Status) *grpc.Server {
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	s.AttachGRPC(hs)
	return srv
}
