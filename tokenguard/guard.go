package tokenguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/lingualeap/apiguard/instrumentation"
	"github.com/lingualeap/apiguard/internal/lru"
	"github.com/lingualeap/apiguard/providers"
	"github.com/lingualeap/apiguard/security"
	"github.com/lingualeap/apiguard/storage"
)

var (
	// ErrTokenRevoked is returned when an operation is attempted with a blacklisted token
	ErrTokenRevoked = errors.New("token has been revoked")

	// ErrTooManyRefreshAttempts is returned by Refresh once the attempt cap is reached
	ErrTooManyRefreshAttempts = errors.New("too many refresh attempts")

	// ErrUnavailable is returned when a check cannot be completed and the failure policy denies
	ErrUnavailable = errors.New("token state unavailable")
)

// State is the lifecycle state of a token
type State string

const (
	// StateActive means no blacklist entry exists for the token
	StateActive State = "active"

	// StateRotationPending means a rotation of the token is in flight
	StateRotationPending State = "rotation_pending"

	// StateRotated means the token was superseded by rotation
	StateRotated State = "rotated"

	// StateBlacklisted means the token was revoked for any other reason
	StateBlacklisted State = "blacklisted"

	// StatePurged means the entry outlived its TTL. The token is judged on its own
	// validity again, and reports StateActive once the sweep removes the entry.
	StatePurged State = "purged"
)

// Principal is the user (and optionally the session) a token was issued for
type Principal struct {
	UserID    string
	SessionID string
}

// PrincipalResolver maps a token to its principal.
// JWTVerifier and ProviderPrincipals implement it.
type PrincipalResolver interface {
	Principal(ctx context.Context, token string) (Principal, error)
}

// SessionInvalidator ends the sessions of a principal. session.Manager implements it.
type SessionInvalidator interface {
	InvalidateUserSessions(ctx context.Context, userID, keepSessionID string) (int64, error)
}

// Revocation describes one blacklisting
type Revocation struct {
	Token  string
	Reason string

	// UserID is the principal whose sessions end. Resolved from the token when empty.
	UserID string

	// KeepSessionID survives the invalidation, e.g. the session performing the revocation
	KeepSessionID string
}

// Guard manages the lifecycle of access tokens: blacklisting, rotation, the refresh
// attempt cap and detection of shared or replayed tokens.
//
// Tokens are only ever stored and cached by their SHA-256 fingerprint.
type Guard struct {
	cfg        Config
	blacklist  storage.BlacklistStore
	counters   storage.RateLimitStore
	provider   providers.Provider
	recorder   security.Recorder
	clock      security.Clock
	logger     *slog.Logger
	failures   *security.FailureMonitor
	sessions   SessionInvalidator
	principals PrincipalResolver
	metrics    *instrumentation.Metrics
	tracer     trace.Tracer

	mu       sync.Mutex
	revoked  *lru.Cache[*storage.BlacklistEntry] // fingerprint -> active entry
	usage    *lru.Cache[*ipSightings]            // fingerprint -> IPs presenting the token
	inflight map[string]*rotation                // fingerprint -> pending rotation
}

// New creates a Guard. provider may be nil when rotation and refresh are not used.
func New(cfg Config, blacklist storage.BlacklistStore, counters storage.RateLimitStore, provider providers.Provider,
	recorder security.Recorder, clock security.Clock, logger *slog.Logger) (*Guard, error) {
	if blacklist == nil {
		return nil, fmt.Errorf("blacklist store is required")
	}
	if counters == nil {
		return nil, fmt.Errorf("counter store is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid token guard config: %w", err)
	}
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	return &Guard{
		cfg:       cfg,
		blacklist: blacklist,
		counters:  counters,
		provider:  provider,
		recorder:  recorder,
		clock:     security.ClockOrSystem(clock),
		logger:    logger,
		revoked:   lru.New[*storage.BlacklistEntry](cfg.CacheSize),
		usage:     lru.New[*ipSightings](cfg.CacheSize),
		inflight:  make(map[string]*rotation),
	}, nil
}

// SetSessionInvalidator sets the collaborator that ends sessions on blacklisting
func (g *Guard) SetSessionInvalidator(s SessionInvalidator) {
	g.sessions = s
}

// SetPrincipalResolver sets how tokens are mapped to principals when a Revocation has no UserID
func (g *Guard) SetPrincipalResolver(r PrincipalResolver) {
	g.principals = r
}

// SetFailureMonitor routes store errors to m
func (g *Guard) SetFailureMonitor(m *security.FailureMonitor) {
	g.failures = m
}

// SetInstrumentation enables token metrics and tracing
func (g *Guard) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst != nil {
		g.metrics = inst.Metrics()
		g.tracer = inst.Tracer("tokenguard")
	}
}

// Blacklist revokes token for reason and ends every session of its principal,
// except when the reason is ReasonRotated.
func (g *Guard) Blacklist(ctx context.Context, token, reason string) error {
	return g.Revoke(ctx, Revocation{Token: token, Reason: reason})
}

// Revoke blacklists rev.Token. The entry is persisted before anything else; a store
// failure is returned and nothing else happens. Sessions of the principal are then
// invalidated in the same call unless the reason is ReasonRotated.
func (g *Guard) Revoke(ctx context.Context, rev Revocation) error {
	if rev.Token == "" {
		return fmt.Errorf("token is required")
	}
	if rev.Reason == "" {
		return fmt.Errorf("blacklist reason is required")
	}

	if g.tracer != nil {
		var span trace.Span
		ctx, span = g.tracer.Start(ctx, "tokenguard.blacklist", trace.WithAttributes(
			attribute.String(instrumentation.AttrTokenFingerprint, security.TokenLogPrefix(rev.Token)),
			attribute.String(instrumentation.AttrBlacklistReason, rev.Reason),
		))
		defer span.End()
	}

	if rev.UserID == "" && g.principals != nil {
		if p, err := g.principals.Principal(ctx, rev.Token); err == nil {
			rev.UserID = p.UserID
		} else {
			g.logger.Debug("Could not resolve principal of revoked token",
				"token_prefix", security.TokenLogPrefix(rev.Token),
				"error", err)
		}
	}

	now := g.clock.Now()
	entry := &storage.BlacklistEntry{
		TokenHash:     security.TokenFingerprint(rev.Token),
		UserID:        rev.UserID,
		Reason:        rev.Reason,
		BlacklistedAt: now,
		ExpiresAt:     now.Add(g.cfg.BlacklistTTL),
	}
	if err := g.blacklist.AddToBlacklist(ctx, entry); err != nil {
		g.failures.Observe(ctx, "tokenguard", "add_to_blacklist", g.cfg.FailurePolicy, err)
		return fmt.Errorf("failed to blacklist token: %w", err)
	}

	g.mu.Lock()
	c := *entry
	g.revoked.Put(entry.TokenHash, &c)
	g.mu.Unlock()

	if g.metrics != nil {
		g.metrics.RecordTokenBlacklisted(ctx, rev.Reason)
	}

	var invalidated int64
	var invalidateErr error
	if rev.Reason != ReasonRotated && rev.UserID != "" && g.sessions != nil {
		invalidated, invalidateErr = g.sessions.InvalidateUserSessions(ctx, rev.UserID, rev.KeepSessionID)
		if invalidateErr != nil {
			g.failures.Observe(ctx, "tokenguard", "invalidate_sessions", g.cfg.FailurePolicy, invalidateErr)
		}
	}

	g.logger.Info("Token blacklisted",
		"token_prefix", security.TokenLogPrefix(rev.Token),
		"reason", rev.Reason,
		"user_id_hash", security.HashForLogging(rev.UserID),
		"sessions_invalidated", invalidated)

	security.Emit(ctx, g.recorder, g.logger, security.Event{
		Type:     security.EventTokenBlacklisted,
		Severity: security.SeverityMedium,
		UserID:   rev.UserID,
		IP:       security.ClientIPFromContext(ctx),
		Details: map[string]any{
			"reason":               rev.Reason,
			"token_prefix":         security.TokenLogPrefix(rev.Token),
			"expires_at":           entry.ExpiresAt.UTC().Format(time.RFC3339),
			"sessions_invalidated": invalidated,
		},
	})

	if g.cfg.RevokeUpstream && isCompromise(rev.Reason) && g.provider != nil {
		if err := g.provider.RevokeToken(ctx, rev.Token); err != nil {
			g.logger.Warn("Failed to revoke compromised token upstream",
				"provider", g.provider.Name(),
				"token_prefix", security.TokenLogPrefix(rev.Token),
				"error", err)
		}
	}

	if invalidateErr != nil {
		return fmt.Errorf("token blacklisted but sessions were not invalidated: %w", invalidateErr)
	}
	return nil
}

// IsBlacklisted reports whether token is currently denied. Entries are tested for both
// presence and TTL. When the store cannot be read the configured failure policy decides;
// by default the token is treated as blacklisted.
func (g *Guard) IsBlacklisted(ctx context.Context, token string) bool {
	entry, err := g.lookup(ctx, security.TokenFingerprint(token), g.clock.Now())
	if err != nil {
		return !g.cfg.FailurePolicy.Allows()
	}
	return entry != nil
}

// State returns the lifecycle state of token
func (g *Guard) State(ctx context.Context, token string) (State, error) {
	fp := security.TokenFingerprint(token)

	g.mu.Lock()
	_, pending := g.inflight[fp]
	g.mu.Unlock()
	if pending {
		return StateRotationPending, nil
	}

	entry, err := g.blacklist.GetBlacklistEntry(ctx, fp)
	switch {
	case errors.Is(err, storage.ErrBlacklistEntryNotFound):
		return StateActive, nil
	case err != nil:
		return "", fmt.Errorf("failed to read token state: %w", err)
	case !entry.ActiveAt(g.clock.Now()):
		return StatePurged, nil
	case entry.Reason == ReasonRotated:
		return StateRotated, nil
	default:
		return StateBlacklisted, nil
	}
}

// PurgeExpired removes blacklist entries past their TTL and forgets stale local state
func (g *Guard) PurgeExpired(ctx context.Context) (int64, error) {
	now := g.clock.Now()

	purged, err := g.blacklist.PurgeExpiredBlacklist(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to purge blacklist: %w", err)
	}

	g.mu.Lock()
	g.revoked.Prune(func(_ string, e *storage.BlacklistEntry) bool { return !e.ActiveAt(now) })
	g.usage.Prune(func(_ string, s *ipSightings) bool {
		s.forget(now, g.cfg.UsageWindow)
		return len(s.seen) == 0
	})
	g.mu.Unlock()

	if purged > 0 {
		g.logger.Debug("Purged expired blacklist entries", "purged", purged)
	}
	return purged, nil
}

// lookup returns the active blacklist entry for fp, or nil when the token is not denied.
// Only active entries are cached, so the cache can only add denials.
func (g *Guard) lookup(ctx context.Context, fp string, now time.Time) (*storage.BlacklistEntry, error) {
	g.mu.Lock()
	cached, ok := g.revoked.Get(fp)
	if ok && !cached.ActiveAt(now) {
		g.revoked.Remove(fp)
		ok = false
	}
	g.mu.Unlock()
	if ok {
		g.recordCheck(ctx, "cache_hit")
		return cached, nil
	}

	entry, err := g.blacklist.GetBlacklistEntry(ctx, fp)
	switch {
	case errors.Is(err, storage.ErrBlacklistEntryNotFound):
		g.recordCheck(ctx, "miss")
		return nil, nil
	case err != nil:
		g.failures.Observe(ctx, "tokenguard", "get_blacklist_entry", g.cfg.FailurePolicy, err)
		g.recordCheck(ctx, "error")
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	case !entry.ActiveAt(now):
		// expired but not yet purged
		g.recordCheck(ctx, "expired")
		return nil, nil
	}

	g.mu.Lock()
	g.revoked.Put(fp, entry)
	g.mu.Unlock()
	g.recordCheck(ctx, "hit")
	return entry, nil
}

func (g *Guard) recordCheck(ctx context.Context, result string) {
	if g.metrics != nil {
		g.metrics.RecordBlacklistCheck(ctx, result)
	}
}
