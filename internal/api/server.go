// SPDX-License-Identifier: MIT

// Package api is the REST surface: public queue/session endpoints and
// the key-protected admin endpoints.
package api

import (
	"crypto/subtle"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/openclaw/clawd/internal/config"
	"github.com/openclaw/clawd/internal/game"
	"github.com/openclaw/clawd/internal/health"
	"github.com/openclaw/clawd/internal/log"
	"github.com/openclaw/clawd/internal/netutil"
	"github.com/openclaw/clawd/internal/queue"
	"github.com/openclaw/clawd/internal/ratelimit"
	"github.com/openclaw/clawd/internal/ws"
)

// Server bundles the handler dependencies.
type Server struct {
	cfg     *config.Holder
	queue   *queue.Manager
	machine *game.Machine
	gate    game.Hardware
	hub     *ws.Hub
	control *ws.Control
	limiter *ratelimit.Limiter
	checker *health.Checker
	proxies []netip.Prefix
	logger  zerolog.Logger
}

// New creates the API server. trustedProxies comes pre-parsed so a bad
// CIDR fails startup, not the first request.
func New(cfg *config.Holder, q *queue.Manager, m *game.Machine, gate game.Hardware,
	hub *ws.Hub, control *ws.Control, limiter *ratelimit.Limiter,
	checker *health.Checker, proxies []netip.Prefix) *Server {
	return &Server{
		cfg:     cfg,
		queue:   q,
		machine: m,
		gate:    gate,
		hub:     hub,
		control: control,
		limiter: limiter,
		checker: checker,
		proxies: proxies,
		logger:  log.WithComponent("api"),
	}
}

// Router builds the full route tree wrapped for tracing.
func (s *Server) Router() http.Handler {
	settings := s.cfg.Current()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Use(httprate.Limit(
			settings.APIRatePerMinute,
			time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
				writeTooManyRequests(w)
			}),
		))
		r.Post("/queue/join", s.handleJoin)
		r.Delete("/queue/leave", s.handleLeave)
		r.Get("/queue/status", s.handleQueueStatus)
		r.Get("/queue", s.handleQueueList)
		r.Get("/session/me", s.handleSessionMe)
		r.Get("/history", s.handleHistory)
		r.Get("/health", s.handleHealth)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.requireAdminKey)
		r.Post("/advance", s.handleAdminAdvance)
		r.Post("/pause", s.handleAdminPause)
		r.Post("/resume", s.handleAdminResume)
		r.Post("/emergency-stop", s.handleAdminEmergencyStop)
		r.Post("/unlock", s.handleAdminUnlock)
		r.Post("/kick/{id}", s.handleAdminKick)
		r.Get("/dashboard", s.handleAdminDashboard)
		r.Get("/queue-details", s.handleAdminQueueDetails)
		r.Get("/config", s.handleAdminConfigGet)
		r.Put("/config", s.handleAdminConfigPut)
	})

	r.Get("/ws/status", s.hub.ServeHTTP)
	r.Get("/ws/control", s.control.ServeHTTP)
	r.Handle("/metrics", promhttp.Handler())

	return otelhttp.NewHandler(r, "clawd")
}

// requireAdminKey gates admin routes on a constant-time key
// comparison.
func (s *Server) requireAdminKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := s.cfg.Current().AdminAPIKey
		got := r.Header.Get("X-Admin-Key")
		if want == "" || subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			s.logger.Warn().
				Str("event", "api.admin_auth_failed").
				Str("remote", r.RemoteAddr).
				Msg("admin key rejected")
			writeUnauthorized(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP resolves the request's client address honoring the trusted
// proxy set.
func (s *Server) clientIP(r *http.Request) string {
	return netutil.ClientIP(r, s.proxies)
}
