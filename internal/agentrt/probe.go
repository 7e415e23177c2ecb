package agentrt

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Probe serves the runtime's health() map over HTTP for external liveness
// and readiness checks.
type Probe struct {
	rt     *Runtime
	server *http.Server
}

// NewProbe builds a Probe bound to addr (e.g. ":8090").
func NewProbe(rt *Runtime, addr string) *Probe {
	router := mux.NewRouter()
	p := &Probe{rt: rt}

	router.HandleFunc("/healthz", p.handleLiveness).Methods(http.MethodGet)
	router.HandleFunc("/readyz", p.handleReadiness).Methods(http.MethodGet)
	router.HandleFunc("/agents", p.handleAgents).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	p.server = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	return p
}

// Start begins serving in the background. It returns immediately.
func (p *Probe) Start() {
	go func() {
		_ = p.server.ListenAndServe()
	}()
}

// Stop gracefully shuts the probe server down.
func (p *Probe) Stop(ctx context.Context) error {
	return p.server.Shutdown(ctx)
}

func (p *Probe) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// handleReadiness reports 503 if any agent is dead beyond its restart
// budget, else 200.
func (p *Probe) handleReadiness(w http.ResponseWriter, r *http.Request) {
	health := p.rt.Health()
	for _, h := range health {
		if h.State == StateDead && h.RestartCount >= p.rt.cfg.MaxRestarts {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (p *Probe) handleAgents(w http.ResponseWriter, r *http.Request) {
	health := p.rt.Health()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(health)
}
