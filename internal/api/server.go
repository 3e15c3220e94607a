// Package api serves the HTTP control surface of a call-control context:
// call commands, call snapshots, stored call records, statistics and a
// websocket feed of every event the host receives.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/flowpbx/callctl/internal/api/middleware"
	"github.com/flowpbx/callctl/internal/call"
	"github.com/flowpbx/callctl/internal/callcontrol"
	"github.com/flowpbx/callctl/internal/database"
	"github.com/flowpbx/callctl/internal/message"
)

// CallController is the part of a callcontrol.Context the API drives.
type CallController interface {
	SetUpCall(partyB, partyA, alertingType string) (message.Message, error)
	AnswerCall(token string) error
	ClearCall(token string, reason message.Reason) error
	SendUserInput(token, input string, duration time.Duration) error
	Register(server, identifier string, ttl time.Duration) error
	Calls() []call.Info
	Call(token string) (call.Info, bool)
	Stats() callcontrol.Stats
}

var _ CallController = (*callcontrol.Context)(nil)

// Config holds the optional parts of the HTTP surface.
type Config struct {
	// JWTSecret enables bearer-token auth on everything except health and
	// metrics. Nil disables auth.
	JWTSecret []byte
	// RateLimit is requests per second per client IP; zero disables it.
	RateLimit float64
	RateBurst int
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router  *chi.Mux
	calls   CallController
	cdrs    database.CDRRepository
	hub     *Hub
	cfg     Config
	limiter *middleware.IPRateLimiter
	logger  *slog.Logger
}

// NewServer creates the HTTP handler with all routes mounted. Close must be
// called to stop the rate limiter.
func NewServer(calls CallController, cdrs database.CDRRepository, hub *Hub, cfg Config, logger *slog.Logger) *Server {
	s := &Server{
		router: chi.NewRouter(),
		calls:  calls,
		cdrs:   cdrs,
		hub:    hub,
		cfg:    cfg,
		logger: logger.With("component", "api"),
	}
	if cfg.RateLimit > 0 {
		s.limiter = middleware.NewIPRateLimiter(middleware.NewRateLimitConfig(cfg.RateLimit, cfg.RateBurst), s.logger)
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close releases background resources.
func (s *Server) Close() {
	if s.limiter != nil {
		s.limiter.Stop()
	}
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger(s.logger))
	r.Use(middleware.Recoverer(s.logger))
	r.Use(middleware.SecurityHeaders)

	if s.cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.cfg.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		if s.limiter != nil {
			r.Use(middleware.RateLimit(s.limiter))
		}

		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			if s.cfg.JWTSecret != nil {
				r.Use(middleware.RequireAuth(s.cfg.JWTSecret))
			}

			r.Get("/stats", s.handleStats)
			r.Get("/events", s.hub.ServeWS)

			// Tokens are "<instance>/<seq>", so they span two path segments.
			r.Route("/calls", func(r chi.Router) {
				r.Get("/", s.handleListCalls)
				r.Post("/", s.handleSetUpCall)
				r.Route("/{instance}/{seq}", func(r chi.Router) {
					r.Get("/", s.handleGetCall)
					r.Delete("/", s.handleClearCall)
					r.Post("/answer", s.handleAnswerCall)
					r.Post("/input", s.handleSendUserInput)
				})
			})

			r.Post("/registrations", s.handleRegister)

			r.Route("/cdrs", func(r chi.Router) {
				r.Get("/", s.handleListCDRs)
				r.Get("/export", s.handleExportCDRs)
				r.Get("/{instance}/{seq}", s.handleGetCDR)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}

// tokenParam rebuilds a call token from its two path segments.
func tokenParam(r *http.Request) string {
	return chi.URLParam(r, "instance") + "/" + chi.URLParam(r, "seq")
}

// handleHealth returns basic health status. Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statsResponse struct {
	Version       uint              `json:"api_version"`
	ActiveCalls   int               `json:"active_calls"`
	QueueDepth    int               `json:"queue_depth"`
	QueueCapacity int               `json:"queue_capacity"`
	Dropped       uint64            `json:"queue_dropped"`
	Cleared       map[string]uint64 `json:"cleared"`
	Registrations map[string]string `json:"registrations,omitempty"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	FeedClients   int               `json:"event_feed_clients"`
}

// handleStats returns the context counters.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st := s.calls.Stats()
	resp := statsResponse{
		Version:       st.Version,
		ActiveCalls:   st.ActiveCalls,
		QueueDepth:    st.QueueDepth,
		QueueCapacity: st.QueueCapacity,
		Dropped:       st.Dropped,
		Cleared:       make(map[string]uint64, len(st.Cleared)),
		UptimeSeconds: int64(st.Uptime.Seconds()),
		FeedClients:   s.hub.ClientCount(),
	}
	for reason, n := range st.Cleared {
		resp.Cleared[reason.String()] = n
	}
	if len(st.Registrations) > 0 {
		resp.Registrations = make(map[string]string, len(st.Registrations))
		for server, state := range st.Registrations {
			resp.Registrations[server] = state.String()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
