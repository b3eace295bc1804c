package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/lingualeap/apiguard"
	"github.com/lingualeap/apiguard/instrumentation"
	"github.com/lingualeap/apiguard/security"
)

// gin context keys
const (
	requestIDKey = "requestID"
	decisionKey  = "accessDecision"
)

// requestID propagates a valid upstream X-Request-ID or generates one, and
// stores it in the request context so security events carry it.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(security.RequestIDHeader)
		if !security.ValidRequestID(id) {
			id = security.NewRequestID()
		}
		c.Set(requestIDKey, id)
		c.Header(security.RequestIDHeader, id)
		c.Request = c.Request.WithContext(security.WithRequestID(c.Request.Context(), id))
		c.Next()
	}
}

// clientIP attaches the caller's address to the request context
func clientIP(proxy security.ProxyConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := proxy.ClientIP(c.Request)
		c.Request = c.Request.WithContext(security.WithClientIP(c.Request.Context(), ip))
		c.Next()
	}
}

// securityHeaders sets the response headers of a JSON API that is never framed,
// never rendered and never cached
func securityHeaders(hsts bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
		if hsts {
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	}
}

// requestLogger logs each request with its request ID and records the HTTP metric.
// Routes are logged by pattern so path parameters (user ids) stay out of the logs.
func requestLogger(logger *slog.Logger, inst *instrumentation.Instrumentation) gin.HandlerFunc {
	var (
		metrics *instrumentation.Metrics
		tracer  trace.Tracer
		logIPs  bool
	)
	if inst != nil {
		metrics = inst.Metrics()
		tracer = inst.Tracer("http")
		logIPs = inst.ShouldLogClientIPs()
	}

	return func(c *gin.Context) {
		start := time.Now()
		var span trace.Span
		if tracer != nil {
			var ctx context.Context
			ctx, span = tracer.Start(c.Request.Context(), "http.request")
			c.Request = c.Request.WithContext(ctx)
		}

		c.Next()
		elapsed := time.Since(start)

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()

		if span != nil {
			instrumentation.AddHTTPAttributes(span, c.Request.Method, route, status)
			if logIPs {
				instrumentation.AddSecurityAttributes(span, security.ClientIPFromContext(c.Request.Context()))
			}
			if status >= http.StatusInternalServerError {
				instrumentation.SetSpanError(span, http.StatusText(status))
			} else {
				instrumentation.SetSpanSuccess(span)
			}
			span.End()
		}

		if metrics != nil {
			metrics.RecordHTTPRequest(c.Request.Context(), c.Request.Method, route, status, float64(elapsed.Milliseconds()))
		}

		level := slog.LevelInfo
		if status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		logger.Log(c.Request.Context(), level, "Handled request",
			"request_id", c.GetString(requestIDKey),
			"method", c.Request.Method,
			"route", route,
			"status", status,
			"duration", elapsed)
	}
}

// recovery turns a panic into a 500 response
func recovery(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Panic while handling request",
					"request_id", c.GetString(requestIDKey),
					"method", c.Request.Method,
					"route", c.FullPath(),
					"panic", r)
				abortWithError(c, apiguard.NewError(apiguard.KindInfrastructure, apiguard.ErrorCodeInternalServerError, "internal server error"))
			}
		}()
		c.Next()
	}
}

// authenticate runs the access checks on the bearer token and stores the decision
func (s *Server) authenticate(requiredRole string) gin.HandlerFunc {
	return func(c *gin.Context) {
		decision := s.guard.Authorize(c.Request.Context(), c.FullPath(), bearerToken(c.Request), requiredRole)
		if !decision.Allowed {
			abortWithError(c, decision.Err)
			return
		}
		c.Set(decisionKey, decision)
		c.Next()
	}
}

// requireAdmin checks X-Admin-Key against the configured bcrypt hash
func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(AdminKeyHeader)
		if key == "" || bcrypt.CompareHashAndPassword(s.adminKey, []byte(key)) != nil {
			ctx := c.Request.Context()
			security.Emit(ctx, s.guard.Events(), s.logger, security.Event{
				Type:     security.EventInsufficientPermissions,
				Severity: security.SeverityMedium,
				IP:       security.ClientIPFromContext(ctx),
				Details: map[string]any{
					"endpoint": c.FullPath(),
					"reason":   "invalid_admin_key",
				},
			})
			abortWithError(c, apiguard.NewError(apiguard.KindAuthorization, apiguard.ErrorCodeInvalidToken, "a valid admin key is required"))
			return
		}
		c.Next()
	}
}

// bearerToken returns the token of an "Authorization: Bearer" header, or ""
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) < 7 || !strings.EqualFold(auth[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(auth[7:])
}

func decisionFrom(c *gin.Context) apiguard.AccessDecision {
	if v, ok := c.Get(decisionKey); ok {
		if d, ok := v.(apiguard.AccessDecision); ok {
			return d
		}
	}
	return apiguard.AccessDecision{}
}

// errorResponse is the error body of every route
type errorResponse struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

// abortWithError writes err with its HTTP status. A nil err is an internal error.
func abortWithError(c *gin.Context, err *apiguard.Error) {
	if err == nil {
		err = apiguard.NewError(apiguard.KindInfrastructure, apiguard.ErrorCodeInternalServerError, "internal server error")
	}
	c.AbortWithStatusJSON(err.HTTPStatus(), errorResponse{Error: err.Code, Description: err.Description})
}

// fail classifies err, logs infrastructure errors and writes the response
func (s *Server) fail(c *gin.Context, msg string, err error) {
	e := apiguard.AsError(err)
	if errors.Is(e, apiguard.ErrInfrastructure) {
		s.logger.Error(msg,
			"request_id", c.GetString(requestIDKey),
			"error", err)
	}
	abortWithError(c, e)
}

func badRequest(c *gin.Context, description string) {
	abortWithError(c, apiguard.NewError(apiguard.KindValidation, apiguard.ErrorCodeInvalidRequest, description))
}
