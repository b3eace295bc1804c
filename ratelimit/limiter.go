package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/lingualeap/apiguard/instrumentation"
	"github.com/lingualeap/apiguard/internal/lru"
	"github.com/lingualeap/apiguard/security"
	"github.com/lingualeap/apiguard/storage"
)

// ErrTampered is returned by Restore when the supplied state does not match the
// canonical derivation of its key
var ErrTampered = errors.New("rate limit state failed validation")

// Decision reasons
const (
	ReasonAccepted   = "accepted"
	ReasonExceeded   = "exceeded"
	ReasonCached     = "cached_rejection"
	ReasonTampered   = "tampered"
	ReasonStoreError = "store_error"
)

// unknownIdentifier keys requests that carry no identifier for the scope
const unknownIdentifier = "unknown"

// Decision is the detailed outcome of a single counter check
type Decision struct {
	Allowed   bool
	Key       string
	Scope     string
	RuleClass string
	Limit     int
	Remaining int
	ResetAt   time.Time
	Reason    string
}

// Stats reports limiter state for monitoring
type Stats struct {
	TrackedKeys      int   // keys with adaptive state
	StrictKeys       int   // keys currently in the strict class
	PinnedKeys       int   // keys pinned to the strictest rule after tampering
	CachedRejections int   // keys known to be over their limit
	TrackedUsers     int   // users with IP rotation tracking
	Evictions        int64 // LRU evictions across all tables
	Allowed          int64
	Rejected         int64
	StoreErrors      int64
}

// Limiter enforces fixed-window request budgets per key.
//
// Counters live in the RateLimitStore, which performs every increment atomically.
// The limiter keeps in-process tables only for adaptive strictness, bypass
// detection and a cache of keys known to be over their limit. The cache can only
// cause an extra rejection, never an extra acceptance.
type Limiter struct {
	cfg      Config
	store    storage.RateLimitStore
	recorder security.Recorder
	clock    security.Clock
	logger   *slog.Logger
	failures *security.FailureMonitor
	metrics  *instrumentation.Metrics
	tracer   trace.Tracer

	mu            sync.Mutex
	adaptive      *lru.Cache[*keyState]
	rejected      *lru.Cache[time.Time] // key -> end of the window it was rejected in
	pinned        *lru.Cache[time.Time] // key -> end of the tamper pin
	userIPs       *lru.Cache[*sightings]
	endpointPairs *lru.Cache[*sightings]

	allowed     atomic.Int64
	rejections  atomic.Int64
	storeErrors atomic.Int64
}

// New creates a Limiter. cfg zero values fall back to DefaultConfig.
func New(cfg Config, store storage.RateLimitStore, recorder security.Recorder, clock security.Clock, logger *slog.Logger) (*Limiter, error) {
	if store == nil {
		return nil, fmt.Errorf("rate limit store is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rate limit config: %w", err)
	}
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	return &Limiter{
		cfg:           cfg,
		store:         store,
		recorder:      recorder,
		clock:         security.ClockOrSystem(clock),
		logger:        logger,
		adaptive:      lru.New[*keyState](cfg.MaxTrackedKeys),
		rejected:      lru.New[time.Time](cfg.MaxTrackedKeys),
		pinned:        lru.New[time.Time](cfg.MaxTrackedKeys),
		userIPs:       lru.New[*sightings](cfg.MaxTrackedKeys),
		endpointPairs: lru.New[*sightings](cfg.MaxTrackedKeys),
	}, nil
}

// SetFailureMonitor routes store errors to m
func (l *Limiter) SetFailureMonitor(m *security.FailureMonitor) {
	l.failures = m
}

// SetInstrumentation enables rate limit metrics and tracing
func (l *Limiter) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst != nil {
		l.metrics = inst.Metrics()
		l.tracer = inst.Tracer("ratelimit")
	}
}

// Check reports whether one more request for identifier in scope may proceed.
func (l *Limiter) Check(ctx context.Context, scope, identifier, endpoint string) bool {
	return l.Evaluate(ctx, scope, identifier, endpoint).Allowed
}

// CheckCombined passes only if the IP check, the user check and, when both are
// supplied, the joint ip+user check pass. Checks stop at the first rejection.
func (l *Limiter) CheckCombined(ctx context.Context, ip, userID, endpoint string) bool {
	if ip == "" && userID == "" {
		return l.Check(ctx, ScopeIP, "", endpoint)
	}

	if ip != "" && userID != "" {
		l.detectBypass(ctx, ip, userID, endpoint)
	}

	if ip != "" && !l.Check(ctx, ScopeIP, ip, endpoint) {
		return false
	}
	if userID != "" && !l.Check(ctx, ScopeUser, userID, endpoint) {
		return false
	}
	if ip != "" && userID != "" {
		return l.Check(ctx, ScopeCombined, combinedIdentifier(ip, userID), endpoint)
	}
	return true
}

// Evaluate performs one counter check and returns the detailed decision
func (l *Limiter) Evaluate(ctx context.Context, scope, identifier, endpoint string) Decision {
	if identifier == "" {
		identifier = unknownIdentifier
	}
	key := Key(scope, identifier, endpoint)
	now := l.clock.Now()

	if l.tracer != nil {
		var span trace.Span
		ctx, span = l.tracer.Start(ctx, "ratelimit.check", trace.WithAttributes(
			attribute.String(instrumentation.AttrRateLimitScope, scope),
		))
		defer span.End()
	}

	rule := l.cfg.resolve(endpoint)

	l.mu.Lock()
	pinned := l.pinnedLocked(key, now)
	class, change := l.observeAdaptiveLocked(key, now)
	cachedUntil, cached := l.rejected.Get(key)
	if cached && !now.Before(cachedUntil) {
		l.rejected.Remove(key)
		cached = false
	}
	l.mu.Unlock()

	if pinned || class == storage.RuleClassStrict {
		rule = l.cfg.strict(rule)
	}
	if change != nil {
		l.recordClassChange(ctx, key, scope, change, rule)
	}

	decision := Decision{
		Key:       key,
		Scope:     scope,
		RuleClass: rule.RuleClass,
		Limit:     rule.MaxRequests,
	}

	if cached {
		decision.Reason = ReasonCached
		decision.ResetAt = cachedUntil
		l.reject(ctx, scope, identifier, endpoint, decision, rule)
		return decision
	}

	entry, accepted, err := l.store.IncrementWindow(ctx, key, rule, now)
	if err != nil {
		l.storeErrors.Add(1)
		l.failures.Observe(ctx, "ratelimit", "increment_window", l.cfg.FailurePolicy, err)
		if l.metrics != nil {
			l.metrics.RecordRateLimitDecision(ctx, scope, "error")
		}
		decision.Allowed = l.cfg.FailurePolicy.Allows()
		decision.Reason = ReasonStoreError
		return decision
	}

	decision.ResetAt = entry.WindowEnd()
	decision.Remaining = max(rule.MaxRequests-entry.Count, 0)

	if entry.WindowStart.After(now) {
		// a window starting in the future never elapses; only seeded state produces one
		l.tampered(ctx, key, scope, "window_in_future", now)
		decision.Reason = ReasonTampered
		decision.RuleClass = storage.RuleClassStrict
		l.rejections.Add(1)
		if l.metrics != nil {
			l.metrics.RecordRateLimitDecision(ctx, scope, "rejected")
		}
		return decision
	}

	if !accepted {
		l.mu.Lock()
		l.rejected.Put(key, entry.WindowEnd())
		l.mu.Unlock()

		decision.Reason = ReasonExceeded
		l.reject(ctx, scope, identifier, endpoint, decision, rule)
		return decision
	}

	l.allowed.Add(1)
	if l.metrics != nil {
		l.metrics.RecordRateLimitDecision(ctx, scope, "allowed")
	}
	decision.Allowed = true
	decision.Reason = ReasonAccepted
	return decision
}

// Restore seeds the counter for entry.Key from externally supplied state, such as a
// snapshot taken before a restart. The state is accepted only if it matches what
// the limiter itself would have produced for the key. Otherwise the key is pinned to
// the strictest rule, a rate_limit_key_tampering event is recorded and ErrTampered
// is returned.
func (l *Limiter) Restore(ctx context.Context, entry *storage.RateLimitEntry) error {
	if entry == nil {
		return fmt.Errorf("rate limit entry cannot be nil")
	}
	now := l.clock.Now()

	reason, scope := l.verifyEntry(entry, now)
	if reason != "" {
		l.tampered(ctx, entry.Key, scope, reason, now)
		return ErrTampered
	}

	c := *entry
	if err := l.store.PutRateLimitEntry(ctx, &c); err != nil {
		return fmt.Errorf("failed to restore rate limit entry: %w", err)
	}
	return nil
}

// verifyEntry returns a non-empty reason when entry does not match the canonical
// derivation of its key
func (l *Limiter) verifyEntry(entry *storage.RateLimitEntry, now time.Time) (reason, scope string) {
	pk, err := ParseKey(entry.Key)
	if err != nil {
		return "non_canonical_key", ""
	}

	normal := l.cfg.resolve(pk.Endpoint)
	var want storage.WindowRule
	switch entry.RuleClass {
	case storage.RuleClassNormal:
		want = normal
	case storage.RuleClassStrict:
		want = l.cfg.strict(normal)
	default:
		return "unknown_rule_class", pk.Scope
	}

	switch {
	case entry.Window != want.Window || entry.MaxRequests != want.MaxRequests:
		return "rule_mismatch", pk.Scope
	case entry.WindowStart.IsZero() || entry.WindowStart.After(now):
		return "window_in_future", pk.Scope
	case entry.Count < 0 || entry.Count > entry.MaxRequests:
		return "count_out_of_range", pk.Scope
	}
	return "", pk.Scope
}

// tampered pins key to the strictest rule, resets its counter to a fresh strict
// window and records the event
func (l *Limiter) tampered(ctx context.Context, key, scope, reason string, now time.Time) {
	pk, parseErr := ParseKey(key)

	if parseErr == nil {
		l.mu.Lock()
		l.pinned.Put(key, now.Add(l.cfg.TamperPinDuration))
		l.mu.Unlock()

		strict := l.cfg.strict(l.cfg.resolve(pk.Endpoint))
		fresh := &storage.RateLimitEntry{
			Key:         key,
			WindowStart: now,
			Window:      strict.Window,
			MaxRequests: strict.MaxRequests,
			RuleClass:   strict.RuleClass,
		}
		if err := l.store.PutRateLimitEntry(ctx, fresh); err != nil {
			l.failures.Observe(ctx, "ratelimit", "reset_tampered_entry", l.cfg.FailurePolicy, err)
		}
	}

	l.logger.Warn("Rate limit state failed validation",
		"key_hash", security.HashForLogging(key),
		"scope", scope,
		"reason", reason)

	event := security.Event{
		Type:     security.EventRateLimitKeyTampering,
		Severity: security.SeverityHigh,
		Details: map[string]any{
			"key":        key,
			"scope":      scope,
			"reason":     reason,
			"pinned":     parseErr == nil,
			"rule_class": storage.RuleClassStrict,
		},
	}
	if parseErr == nil {
		event.IP, event.UserID = principal(pk.Scope, pk.Identifier)
	}
	security.Emit(ctx, l.recorder, l.logger, event)
}

// PurgeStale removes elapsed counters from the store and forgets expired in-process state
func (l *Limiter) PurgeStale(ctx context.Context) (int64, error) {
	now := l.clock.Now()

	purged, err := l.store.PurgeStaleRateLimits(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to purge rate limit counters: %w", err)
	}

	idleAfter := l.cfg.Adaptive.CalmPeriod
	if idleAfter < l.cfg.DefaultRule.Window {
		idleAfter = l.cfg.DefaultRule.Window
	}

	l.mu.Lock()
	l.rejected.Prune(func(_ string, until time.Time) bool { return !now.Before(until) })
	l.pinned.Prune(func(_ string, until time.Time) bool { return !now.Before(until) })
	l.adaptive.Prune(func(_ string, st *keyState) bool {
		return st.class == storage.RuleClassNormal && now.Sub(st.lastSeen) > idleAfter
	})
	pruneSightings := func(window time.Duration) func(string, *sightings) bool {
		return func(_ string, s *sightings) bool {
			for m, ts := range s.seen {
				if now.Sub(ts) > window {
					delete(s.seen, m)
				}
			}
			return len(s.seen) == 0
		}
	}
	l.userIPs.Prune(pruneSightings(l.cfg.Bypass.IPWindow))
	l.endpointPairs.Prune(pruneSightings(l.cfg.Bypass.PairBurstWindow))
	l.mu.Unlock()

	if purged > 0 {
		l.logger.Debug("Purged stale rate limit counters", "purged", purged)
	}
	return purged, nil
}

// Stats returns current limiter statistics
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	strict := 0
	l.adaptive.Each(func(_ string, st *keyState) {
		if st.class == storage.RuleClassStrict {
			strict++
		}
	})

	return Stats{
		TrackedKeys:      l.adaptive.Len(),
		StrictKeys:       strict,
		PinnedKeys:       l.pinned.Len(),
		CachedRejections: l.rejected.Len(),
		TrackedUsers:     l.userIPs.Len(),
		Evictions: l.adaptive.Evictions() + l.rejected.Evictions() + l.pinned.Evictions() +
			l.userIPs.Evictions() + l.endpointPairs.Evictions(),
		Allowed:     l.allowed.Load(),
		Rejected:    l.rejections.Load(),
		StoreErrors: l.storeErrors.Load(),
	}
}

// pinnedLocked reports whether key is pinned at now. Caller must hold l.mu.
func (l *Limiter) pinnedLocked(key string, now time.Time) bool {
	until, ok := l.pinned.Get(key)
	if !ok {
		return false
	}
	if !now.Before(until) {
		l.pinned.Remove(key)
		return false
	}
	return true
}

func (l *Limiter) reject(ctx context.Context, scope, identifier, endpoint string, decision Decision, rule storage.WindowRule) {
	l.rejections.Add(1)
	if l.metrics != nil {
		l.metrics.RecordRateLimitDecision(ctx, scope, "rejected")
	}

	ip, userID := principal(scope, identifier)
	security.Emit(ctx, l.recorder, l.logger, security.Event{
		Type:     security.EventRateLimitExceeded,
		Severity: scopeSeverity(scope),
		IP:       ip,
		UserID:   userID,
		Details: map[string]any{
			"scope":          scope,
			"key":            decision.Key,
			"endpoint":       endpoint,
			"max_requests":   rule.MaxRequests,
			"window_seconds": int64(rule.Window.Seconds()),
			"rule_class":     rule.RuleClass,
			"reason":         decision.Reason,
		},
	})
}

func (l *Limiter) recordClassChange(ctx context.Context, key, scope string, change *classChange, active storage.WindowRule) {
	if l.metrics != nil {
		l.metrics.RecordRateLimitEscalation(ctx, change.from, change.to)
	}

	if change.to == storage.RuleClassNormal {
		l.logger.Info("Rate limit key returned to normal rule class",
			"key_hash", security.HashForLogging(key),
			"scope", scope)
		return
	}

	l.logger.Warn("Rate limit key promoted to strict rule class",
		"key_hash", security.HashForLogging(key),
		"scope", scope,
		"max_requests", active.MaxRequests)

	pk, _ := ParseKey(key)
	ip, userID := principal(scope, pk.Identifier)
	security.Emit(ctx, l.recorder, l.logger, security.Event{
		Type:     security.EventRateLimitEscalated,
		Severity: security.SeverityMedium,
		IP:       ip,
		UserID:   userID,
		Details: map[string]any{
			"key":          key,
			"scope":        scope,
			"from":         change.from,
			"rule_class":   change.to,
			"max_requests": active.MaxRequests,
		},
	})
}

func (l *Limiter) detectBypass(ctx context.Context, ip, userID, endpoint string) {
	now := l.clock.Now()

	l.mu.Lock()
	signals := l.observeBypassLocked(ip, userID, endpoint, now)
	l.mu.Unlock()

	for _, s := range signals {
		event := security.Event{
			Severity: security.SeverityHigh,
			IP:       ip,
			UserID:   userID,
			Details: map[string]any{
				"endpoint":       endpoint,
				"window_seconds": int64(s.window.Seconds()),
			},
		}
		if s.eventType == "ip_rotation" {
			event.Type = security.EventSuspiciousIPRotation
			event.Details["distinct_ips"] = s.distinct
			event.Details["threshold"] = l.cfg.Bypass.MaxIPsPerUser
		} else {
			event.Type = security.EventDistributedBypassAttempt
			event.Details["distinct_pairs"] = s.distinct
			event.Details["threshold"] = l.cfg.Bypass.PairBurstThreshold
		}

		l.logger.Warn("Rate limit bypass pattern detected",
			"event_type", event.Type,
			"user_id_hash", security.HashForLogging(userID),
			"distinct", s.distinct)
		security.Emit(ctx, l.recorder, l.logger, event)
	}
}

// principal maps a scope identifier to the event's IP and user fields
func principal(scope, identifier string) (ip, userID string) {
	switch scope {
	case ScopeIP:
		return identifier, ""
	case ScopeUser:
		return "", identifier
	case ScopeCombined:
		ip, userID, _ = strings.Cut(identifier, "|")
		return ip, userID
	}
	return "", ""
}

// scopeSeverity returns the severity of a rejection in scope.
// IP-wide and joint keys are the broader signals.
func scopeSeverity(scope string) security.Severity {
	switch scope {
	case ScopeIP, ScopeCombined:
		return security.SeverityHigh
	default:
		return security.SeverityMedium
	}
}
