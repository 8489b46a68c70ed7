// Package server exposes health, status and metrics over HTTP.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"arki-trader/internal/metrics"
	"arki-trader/internal/models"
	"arki-trader/internal/scheduler"
	"arki-trader/internal/trading"
)

// Engine is the read side the server reports on.
type Engine interface {
	Summary(ctx context.Context) (*trading.Summary, error)
}

// Loop is the scheduler view the server reports on.
type Loop interface {
	State() models.SchedulerState
	Running() bool
	LastTick() *scheduler.TickReport
}

// Config holds server configuration.
type Config struct {
	Addr   string
	Log    zerolog.Logger
	Engine Engine
	Loop   Loop
}

// Server is the operational HTTP endpoint.
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger
	engine Engine
	loop   Loop
}

// New creates a server with routes registered.
func New(cfg Config) *Server {
	s := &Server{
		router: chi.NewRouter(),
		log:    cfg.Log.With().Str("component", "server").Logger(),
		engine: cfg.Engine,
		loop:   cfg.Loop,
	}

	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(metrics.Middleware)

	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/status", s.handleStatus)
	s.router.Handle("/metrics", metrics.Handler())

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown. It returns http.ErrServerClosed after a clean shutdown.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{"status": "ok"}
	if s.engine != nil {
		if sum, err := s.engine.Summary(r.Context()); err == nil && sum.Halted {
			body["status"] = "halted"
			body["reason"] = sum.HaltReason
		}
	}
	writeJSON(w, http.StatusOK, body)
}

type accountView struct {
	ID        string            `json:"id"`
	Kind      string            `json:"kind"`
	Balance   string            `json:"balance"`
	Positions map[string]int64  `json:"positions,omitempty"`
	Value     string            `json:"positions_value"`
	Prices    map[string]string `json:"last_prices,omitempty"`
}

type tickView struct {
	Started    time.Time `json:"started"`
	DurationMS int64     `json:"duration_ms"`
	Skipped    bool      `json:"skipped"`
	SkipReason string    `json:"skip_reason,omitempty"`
	Deposits   int       `json:"deposits"`
	Transfer   string    `json:"transfer,omitempty"`
	Errors     []string  `json:"errors,omitempty"`
}

type statusView struct {
	Accounts        []accountView `json:"accounts"`
	PendingDeposits int           `json:"pending_deposits"`
	FailedDeposits  int           `json:"failed_deposits"`
	Halted          bool          `json:"halted"`
	HaltReason      string        `json:"halt_reason,omitempty"`
	SweepDue        bool          `json:"sweep_due"`
	SweepAmount     string        `json:"sweep_amount"`
	Scheduler       string        `json:"scheduler_state,omitempty"`
	SchedulerActive bool          `json:"scheduler_running"`
	LastTick        *tickView     `json:"last_tick,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "engine not available"})
		return
	}
	sum, err := s.engine.Summary(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to build status")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	view := statusView{
		PendingDeposits: len(sum.Pending),
		FailedDeposits:  sum.FailedDeposits,
		Halted:          sum.Halted,
		HaltReason:      sum.HaltReason,
		SweepDue:        sum.NextSweep.ShouldTransfer,
		SweepAmount:     sum.NextSweep.Amount.StringFixed(2),
	}
	for _, a := range sum.Accounts {
		av := accountView{
			ID:      a.ID,
			Kind:    string(a.Kind),
			Balance: a.Balance.StringFixed(2),
			Value:   a.PositionsValue().StringFixed(2),
		}
		if len(a.Positions) > 0 {
			av.Positions = make(map[string]int64, len(a.Positions))
			av.Prices = make(map[string]string, len(a.Positions))
			for sym, p := range a.Positions {
				av.Positions[sym] = p.Quantity
				av.Prices[sym] = p.LastPrice.String()
			}
		}
		view.Accounts = append(view.Accounts, av)
	}

	if s.loop != nil {
		view.Scheduler = string(s.loop.State())
		view.SchedulerActive = s.loop.Running()
		if t := s.loop.LastTick(); t != nil {
			tv := &tickView{
				Started:    t.Started,
				DurationMS: t.Duration.Milliseconds(),
				Skipped:    t.Skipped,
				SkipReason: t.SkipReason,
				Deposits:   len(t.Deposits),
			}
			if t.Sweep != nil && t.Sweep.Transfer != nil {
				tv.Transfer = t.Sweep.Transfer.Amount.StringFixed(2)
			}
			for _, e := range t.Errors {
				tv.Errors = append(tv.Errors, e.Error())
			}
			view.LastTick = tv
		}
	}

	writeJSON(w, http.StatusOK, view)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
