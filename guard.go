package apiguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/lingualeap/apiguard/audit"
	"github.com/lingualeap/apiguard/instrumentation"
	"github.com/lingualeap/apiguard/providers"
	"github.com/lingualeap/apiguard/ratelimit"
	"github.com/lingualeap/apiguard/security"
	"github.com/lingualeap/apiguard/session"
	"github.com/lingualeap/apiguard/storage"
	"github.com/lingualeap/apiguard/tokenguard"
	"github.com/lingualeap/apiguard/validation"
)

// Access decision reasons
const (
	ReasonAllowed           = "allowed"
	ReasonMissingToken      = "missing_token"
	ReasonTokenRejected     = "token_rejected"
	ReasonInvalidToken      = "invalid_token"
	ReasonRateLimited       = "rate_limited"
	ReasonInsufficientRole  = "insufficient_role"
	ReasonInfrastructure    = "infrastructure_error"
	ReasonTokenStateUnknown = "token_state_unavailable"
)

// Stores are the backing stores of the engine. Every field is required; one
// backend may serve several of them (storage/memory and storage/sqlstore serve all).
type Stores struct {
	Events     storage.EventStore
	Blacklist  storage.BlacklistStore
	Sessions   storage.SessionStore
	Audit      storage.AuditStore
	RateLimits storage.RateLimitStore
	Roles      storage.RoleStore
}

// Backend is a store implementing every engine interface
type Backend interface {
	storage.EventStore
	storage.BlacklistStore
	storage.SessionStore
	storage.AuditStore
	storage.RateLimitStore
	storage.RoleStore
}

// StoresFrom uses b for every store
func StoresFrom(b Backend) Stores {
	return Stores{
		Events:     b,
		Blacklist:  b,
		Sessions:   b,
		Audit:      b,
		RateLimits: b,
		Roles:      b,
	}
}

func (s Stores) validate() error {
	switch {
	case s.Events == nil:
		return fmt.Errorf("event store is required")
	case s.Blacklist == nil:
		return fmt.Errorf("blacklist store is required")
	case s.Sessions == nil:
		return fmt.Errorf("session store is required")
	case s.Audit == nil:
		return fmt.Errorf("audit store is required")
	case s.RateLimits == nil:
		return fmt.Errorf("rate limit store is required")
	case s.Roles == nil:
		return fmt.Errorf("role store is required")
	}
	return nil
}

// AccessDecision is the detailed outcome of Authorize
type AccessDecision struct {
	Allowed   bool
	UserID    string
	SessionID string
	Role      string
	Reason    string
	Err       *Error
}

// Guard is the security facade. It composes the validator, rate limiter, token
// guard, session manager and audit log over one event sink.
type Guard struct {
	cfg        Config
	sink       *security.Sink
	failures   *security.FailureMonitor
	validator  *validation.Validator
	limiter    *ratelimit.Limiter
	tokens     *tokenguard.Guard
	sessions   *session.Manager
	audit      *audit.Log
	roles      storage.RoleStore
	principals tokenguard.PrincipalResolver
	clock      security.Clock
	logger     *slog.Logger

	metrics      *instrumentation.Metrics
	tracer       trace.Tracer
	logClientIPs bool
}

// New wires the engine over stores.
//
// principals maps access tokens to users; a tokenguard.JWTVerifier for signed
// tokens, or nil to resolve opaque tokens through provider. provider may be nil
// when neither rotation, refresh nor opaque tokens are used.
func New(cfg Config, stores Stores, provider providers.Provider, principals tokenguard.PrincipalResolver) (*Guard, error) {
	if err := stores.validate(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if principals == nil {
		if provider == nil {
			return nil, fmt.Errorf("a principal resolver or an identity provider is required")
		}
		principals = tokenguard.ProviderPrincipals{Provider: provider}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := security.ClockOrSystem(cfg.Clock)

	sink, err := security.NewSink(security.SinkConfig{
		Store:            stores.Events,
		Clock:            clock,
		Logger:           logger,
		SubscriberBuffer: cfg.EventBuffer,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create event sink: %w", err)
	}

	failures := security.NewFailureMonitor(sink, clock, logger, cfg.FailureThreshold, cfg.FailureWindow)

	limiter, err := ratelimit.New(cfg.RateLimit, stores.RateLimits, sink, clock, logger)
	if err != nil {
		return nil, err
	}
	limiter.SetFailureMonitor(failures)

	tokens, err := tokenguard.New(cfg.Tokens, stores.Blacklist, stores.RateLimits, provider, sink, clock, logger)
	if err != nil {
		return nil, err
	}
	tokens.SetFailureMonitor(failures)
	tokens.SetPrincipalResolver(principals)

	sessions, err := session.New(cfg.Sessions, stores.Sessions, stores.RateLimits, sink, clock, logger)
	if err != nil {
		return nil, err
	}
	sessions.SetFailureMonitor(failures)
	tokens.SetSessionInvalidator(sessions)

	auditLog, err := audit.New(cfg.Audit, stores.Audit, sink, clock, logger)
	if err != nil {
		return nil, err
	}

	return &Guard{
		cfg:        cfg,
		sink:       sink,
		failures:   failures,
		validator:  validation.New(cfg.Validation, sink, logger),
		limiter:    limiter,
		tokens:     tokens,
		sessions:   sessions,
		audit:      auditLog,
		roles:      stores.Roles,
		principals: principals,
		clock:      clock,
		logger:     logger,
	}, nil
}

// SetInstrumentation enables metrics and tracing on the facade and every component
func (g *Guard) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	g.metrics = inst.Metrics()
	g.tracer = inst.Tracer("guard")
	g.logClientIPs = inst.ShouldLogClientIPs()

	g.sink.SetInstrumentation(inst)
	g.failures.SetInstrumentation(inst)
	g.validator.SetInstrumentation(inst)
	g.limiter.SetInstrumentation(inst)
	g.tokens.SetInstrumentation(inst)
	g.sessions.SetInstrumentation(inst)
	g.audit.SetInstrumentation(inst)
}

// Close stops the event sink after draining its subscribers
func (g *Guard) Close() {
	g.sink.Close()
}

// Events returns the event sink, e.g. to Subscribe alerting
func (g *Guard) Events() *security.Sink { return g.sink }

// Validator returns the request validator
func (g *Guard) Validator() *validation.Validator { return g.validator }

// Limiter returns the rate limiter
func (g *Guard) Limiter() *ratelimit.Limiter { return g.limiter }

// Tokens returns the token guard
func (g *Guard) Tokens() *tokenguard.Guard { return g.tokens }

// Sessions returns the session manager
func (g *Guard) Sessions() *session.Manager { return g.sessions }

// Audit returns the audit log
func (g *Guard) Audit() *audit.Log { return g.audit }

// Roles returns the role store
func (g *Guard) Roles() storage.RoleStore { return g.roles }

// CheckAccess reports whether token may call endpoint. requiredRole may be empty.
// The caller's IP is read from ctx (see security.WithClientIP).
func (g *Guard) CheckAccess(ctx context.Context, endpoint, token, requiredRole string) bool {
	return g.Authorize(ctx, endpoint, token, requiredRole).Allowed
}

// Authorize runs the access checks in order and stops at the first rejection:
//  1. the token guard (blacklist, replay of rotated tokens, concurrent use)
//  2. the principal resolver (signature, expiry, claims)
//  3. the rate limiter for the IP, the user and both combined
//  4. the role store, when requiredRole is set
//
// Infrastructure errors deny access.
func (g *Guard) Authorize(ctx context.Context, endpoint, token, requiredRole string) (decision AccessDecision) {
	start := time.Now()
	ip := security.ClientIPFromContext(ctx)

	if g.tracer != nil {
		var span trace.Span
		ctx, span = g.tracer.Start(ctx, "guard.check_access", trace.WithAttributes(
			attribute.String(instrumentation.AttrRequiredRole, requiredRole),
		))
		defer func() {
			instrumentation.AddDecisionAttributes(span, endpoint, decision.Allowed, decision.Reason)
			if g.logClientIPs {
				instrumentation.AddSecurityAttributes(span, ip)
			}
			if decision.Allowed {
				instrumentation.SetSpanSuccess(span)
			} else {
				instrumentation.SetSpanError(span, decision.Reason)
			}
			span.End()
		}()
	}
	defer func() {
		if g.metrics != nil {
			g.metrics.RecordAccessCheck(ctx, decision.Allowed, decision.Reason, float64(time.Since(start).Milliseconds()))
		}
	}()

	if token == "" {
		security.Emit(ctx, g.sink, g.logger, security.Event{
			Type:     security.EventInvalidToken,
			Severity: security.SeverityLow,
			IP:       ip,
			Details: map[string]any{
				"endpoint": endpoint,
				"reason":   ReasonMissingToken,
			},
		})
		return deny(ReasonMissingToken, NewError(KindAuthorization, ErrorCodeMissingToken, "an access token is required"))
	}

	verdict := g.tokens.ValidateToken(ctx, token, ip)
	switch verdict.Status {
	case tokenguard.StatusValid:
	case tokenguard.StatusUnavailable:
		return deny(ReasonTokenStateUnknown, NewError(KindInfrastructure, ErrorCodeServiceUnavailable, "token state is temporarily unavailable"))
	case tokenguard.StatusBlacklisted:
		return deny(ReasonTokenRejected, NewError(KindAuthorization, ErrorCodeTokenRevoked, "token has been revoked"))
	case tokenguard.StatusReused:
		return deny(ReasonTokenRejected, NewError(KindAuthorization, ErrorCodeTokenReused, "token has been superseded"))
	case tokenguard.StatusConcurrentUsage:
		return deny(ReasonTokenRejected, NewError(KindAuthorization, ErrorCodeConcurrentUsage, "token is in use from too many locations"))
	default:
		return deny(ReasonTokenRejected, NewError(KindAuthorization, ErrorCodeInvalidToken, "access token is invalid"))
	}

	principal, err := g.principals.Principal(ctx, token)
	if err != nil {
		if isRejection(err) {
			security.Emit(ctx, g.sink, g.logger, security.Event{
				Type:     security.EventInvalidToken,
				Severity: security.SeverityMedium,
				IP:       ip,
				Details: map[string]any{
					"endpoint":     endpoint,
					"token_prefix": security.TokenLogPrefix(token),
				},
			})
			return deny(ReasonInvalidToken, NewError(KindAuthorization, ErrorCodeInvalidToken, "access token is invalid"))
		}
		g.failures.Observe(ctx, "guard", "resolve_principal", security.FailClosed, err)
		return deny(ReasonInfrastructure, NewError(KindInfrastructure, ErrorCodeServiceUnavailable, "identity provider is unavailable"))
	}

	decision.UserID = principal.UserID
	decision.SessionID = principal.SessionID

	if !g.limiter.CheckCombined(ctx, ip, principal.UserID, endpoint) {
		decision.Reason = ReasonRateLimited
		decision.Err = NewError(KindRateLimit, ErrorCodeRateLimitExceeded, "too many requests")
		return decision
	}

	if requiredRole != "" {
		role, ok, err := g.grants(ctx, principal.UserID, requiredRole)
		decision.Role = role
		if err != nil {
			decision.Reason = ReasonInfrastructure
			decision.Err = NewError(KindInfrastructure, ErrorCodeServiceUnavailable, "role lookup is unavailable")
			return decision
		}
		if !ok {
			security.Emit(ctx, g.sink, g.logger, security.Event{
				Type:     security.EventInsufficientPermissions,
				Severity: security.SeverityMedium,
				UserID:   principal.UserID,
				IP:       ip,
				Details: map[string]any{
					"endpoint":      endpoint,
					"required_role": requiredRole,
					"role":          role,
				},
			})
			decision.Reason = ReasonInsufficientRole
			decision.Err = NewError(KindAuthorization, ErrorCodeInsufficientRole, "insufficient role")
			return decision
		}
	}

	decision.Allowed = true
	decision.Reason = ReasonAllowed
	return decision
}

// grants looks up the role of userID and reports whether it satisfies required.
// A user without an assignment holds no role.
func (g *Guard) grants(ctx context.Context, userID, required string) (string, bool, error) {
	assignment, err := g.roles.GetRole(ctx, userID)
	switch {
	case errors.Is(err, storage.ErrRoleNotFound):
		return "", false, nil
	case err != nil:
		g.failures.Observe(ctx, "guard", "get_role", security.FailClosed, err)
		return "", false, err
	}
	return assignment.Role, assignment.Grants(required), nil
}

// ValidateRequest checks payload against rules and scans it for injection signatures
func (g *Guard) ValidateRequest(ctx context.Context, endpoint, method string, payload map[string]any, rules validation.Rules) validation.Result {
	return g.validator.Validate(ctx, endpoint, method, payload, rules)
}

// SanitizeInput returns an HTML-safe copy of value
func (g *Guard) SanitizeInput(value any) any {
	return g.validator.Sanitize(value)
}

// RotateIfNeeded exchanges token when it is close to expiry. See tokenguard.Guard.RotateIfNeeded.
func (g *Guard) RotateIfNeeded(ctx context.Context, token *oauth2.Token) (*tokenguard.RotationResult, error) {
	return g.tokens.RotateIfNeeded(ctx, token)
}

// Logout blacklists token, ends every session of its principal and records the
// action in the audit log. sessionID may be empty.
func (g *Guard) Logout(ctx context.Context, token, sessionID string) error {
	// an unverifiable token is still revoked; its sessions cannot be resolved
	principal, _ := g.principals.Principal(ctx, token)

	if err := g.tokens.Revoke(ctx, tokenguard.Revocation{
		Token:  token,
		Reason: tokenguard.ReasonLogout,
		UserID: principal.UserID,
	}); err != nil {
		return err
	}

	if sessionID != "" {
		if err := g.sessions.DestroySession(ctx, sessionID); err != nil {
			return fmt.Errorf("failed to destroy session: %w", err)
		}
	}

	if principal.UserID == "" {
		return nil
	}
	_, err := g.audit.LogAction(ctx, audit.Action{
		UserID:    principal.UserID,
		Action:    "logout",
		IPAddress: security.ClientIPFromContext(ctx),
		Metadata:  map[string]any{"session_id": sessionID},
	})
	return err
}

func deny(reason string, err *Error) AccessDecision {
	return AccessDecision{Reason: reason, Err: err}
}

// isRejection reports whether err means the token itself was refused, as opposed
// to the resolver being unreachable
func isRejection(err error) bool {
	return errors.Is(err, tokenguard.ErrInvalidJWT) || errors.Is(err, providers.ErrInvalidToken)
}
