// Package api exposes the security engine over HTTP with gin.
//
// Public routes run the facade checks (access decisions, request validation and
// sanitization) and manage the caller's own sessions. Administrative routes
// (revocation, audit, events, roles, jobs) require the X-Admin-Key header and are
// only registered when an admin key hash is configured.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lingualeap/apiguard"
	"github.com/lingualeap/apiguard/instrumentation"
	"github.com/lingualeap/apiguard/security"
	"github.com/lingualeap/apiguard/storage"
)

// AdminKeyHeader carries the administrative key
const AdminKeyHeader = "X-Admin-Key"

// JobRunner runs background jobs on demand. *scheduler.Scheduler implements it.
type JobRunner interface {
	Jobs() []string
	RunNow(ctx context.Context, name string) (int64, error)
}

// Options configures a Server
type Options struct {
	// Guard is the security engine (required)
	Guard *apiguard.Guard

	// Events backs the event listing route. Optional.
	Events storage.EventStore

	// Jobs backs the job routes. Optional.
	Jobs JobRunner

	// Proxy controls client address extraction
	Proxy security.ProxyConfig

	// AdminKeyHash is the bcrypt hash of the admin key. Empty disables admin routes.
	AdminKeyHash string

	// HSTS adds Strict-Transport-Security to every response. Enable when served over TLS.
	HSTS bool

	// Gatherer is exposed on /metrics. Optional.
	Gatherer prometheus.Gatherer

	// Ready reports whether the backends are reachable. Optional.
	Ready func(ctx context.Context) error

	Instrumentation *instrumentation.Instrumentation
	Logger          *slog.Logger
}

// Server is the HTTP front end of the engine
type Server struct {
	guard    *apiguard.Guard
	events   storage.EventStore
	jobs     JobRunner
	adminKey []byte
	ready    func(ctx context.Context) error
	logger   *slog.Logger
	engine   *gin.Engine
}

// New builds the router
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		guard:  opts.Guard,
		events: opts.Events,
		jobs:   opts.Jobs,
		ready:  opts.Ready,
		logger: logger,
	}
	if opts.AdminKeyHash != "" {
		s.adminKey = []byte(opts.AdminKeyHash)
	}

	r := gin.New()
	r.Use(
		requestID(),
		recovery(logger),
		clientIP(opts.Proxy),
		securityHeaders(opts.HSTS),
		requestLogger(logger, opts.Instrumentation),
	)
	r.NoRoute(func(c *gin.Context) {
		abortWithError(c, apiguard.NewError(apiguard.KindValidation, apiguard.ErrorCodeNotFound, "route not found"))
	})

	r.GET("/healthz", s.health)
	if opts.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := r.Group("/v1")
	v1.POST("/access/check", s.checkAccess)
	v1.POST("/requests/validate", s.validateRequest)
	v1.POST("/sanitize", s.sanitize)
	v1.POST("/sessions/validate", s.validateSession)

	authed := v1.Group("", s.authenticate(""))
	authed.POST("/sessions", s.createSession)
	authed.GET("/sessions", s.listSessions)
	authed.DELETE("/sessions/:id", s.deleteSession)
	authed.POST("/tokens/logout", s.logout)

	if s.adminKey != nil {
		admin := v1.Group("", s.requireAdmin())
		admin.POST("/tokens/revoke", s.revokeToken)
		admin.POST("/tokens/state", s.tokenState)
		admin.GET("/audit/users/:userId", s.userAuditLogs)
		admin.GET("/audit/entries/:id", s.auditEntry)
		admin.GET("/audit/entries/:id/verify", s.verifyAuditEntry)
		admin.GET("/audit/verify", s.verifyAuditRange)
		admin.GET("/audit/export", s.exportAudit)
		admin.GET("/roles/:userId", s.getRole)
		admin.PUT("/roles/:userId", s.setRole)
		if s.events != nil {
			admin.GET("/events", s.listEvents)
		}
		if s.jobs != nil {
			admin.GET("/jobs", s.listJobs)
			admin.POST("/jobs/:name/run", s.runJob)
		}
	} else {
		logger.Warn("No admin key configured, administrative routes are disabled")
	}

	s.engine = r
	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) health(c *gin.Context) {
	if s.ready != nil {
		if err := s.ready(c.Request.Context()); err != nil {
			s.logger.Warn("Health check failed", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
