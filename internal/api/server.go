// Package api provides the read-only HTTP status server for gpugov.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tutu-network/gpugov/internal/app/idle"
	"github.com/tutu-network/gpugov/internal/app/ledger"
	"github.com/tutu-network/gpugov/internal/app/status"
	"github.com/tutu-network/gpugov/internal/domain"
	"github.com/tutu-network/gpugov/internal/health"
	"github.com/tutu-network/gpugov/internal/infra/sqlite"
)

// Server is the gpugov HTTP API server.
type Server struct {
	db             *sqlite.DB
	reaper         *idle.Reaper
	ledger         *ledger.Service
	health         *health.Checker
	metricsEnabled bool
}

// NewServer creates a new API server.
func NewServer(db *sqlite.DB, reaper *idle.Reaper, led *ledger.Service, checker *health.Checker) *Server {
	return &Server{db: db, reaper: reaper, ledger: led, health: checker}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/machines", s.handleMachines)
		r.Get("/machines/{id}", s.handleMachine)
		r.Get("/ledger/keys", s.handleLedger(domain.ScopeKey))
		r.Get("/ledger/accounts", s.handleLedger(domain.ScopeAccount))
		r.Get("/usage", s.handleUsage)
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	checks := s.health.Statuses()
	if len(checks) == 0 {
		checks = s.health.RunOnce(r.Context())
	}
	code, state := http.StatusOK, "ok"
	if !s.health.IsHealthy() {
		code, state = http.StatusServiceUnavailable, "degraded"
	}
	writeJSON(w, code, map[string]any{"status": state, "checks": checks})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	rows, err := status.Build(s.db, s.reaper)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"machines": rows})
}

// handleMachines lists active machines, or every known machine with ?all=1.
func (s *Server) handleMachines(w http.ResponseWriter, r *http.Request) {
	var (
		machines []domain.Machine
		err      error
	)
	if r.URL.Query().Get("all") != "" {
		machines, err = s.db.ListMachines()
	} else {
		machines, err = s.db.ListActiveMachines(r.URL.Query().Get("account"))
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if machines == nil {
		machines = []domain.Machine{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"machines": machines})
}

func (s *Server) handleMachine(w http.ResponseWriter, r *http.Request) {
	m, err := s.db.GetMachine(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if m == nil {
		writeError(w, http.StatusNotFound, domain.ErrMachineNotFound.Error())
		return
	}
	row, err := status.BuildRow(s.db, s.reaper, m)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (s *Server) handleLedger(scope domain.Scope) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := s.ledger.Totals(scope)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if entries == nil {
			entries = []domain.CostEntry{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"scope": scope, "entries": entries})
	}
}

// handleUsage serves the advisory usage view: ?since=24h&by=key|account.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if v := r.URL.Query().Get("since"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "since must be a positive duration like 24h")
			return
		}
		window = d
	}
	by := domain.ScopeAccount
	if v := r.URL.Query().Get("by"); v != "" {
		by = domain.Scope(v)
	}
	usage, err := s.ledger.UsageSince(time.Now().Add(-window), by)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if usage == nil {
		usage = []domain.Usage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"since": window.String(), "by": by, "usage": usage})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    "error",
		},
	})
}
