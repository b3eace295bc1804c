package tokenguard

import (
	"context"
	"time"

	"github.com/lingualeap/apiguard/security"
)

// Verdict statuses
const (
	StatusValid           = "valid"
	StatusEmpty           = "empty"
	StatusBlacklisted     = "blacklisted"
	StatusReused          = "reused"
	StatusConcurrentUsage = "concurrent_usage"
	StatusUnavailable     = "unavailable"
)

// Verdict is the outcome of ValidateToken
type Verdict struct {
	Valid  bool
	Status string
}

// ipSightings tracks the IPs that presented one token
type ipSightings struct {
	seen      map[string]time.Time
	alertedAt time.Time
}

// forget drops sightings older than window
func (s *ipSightings) forget(now time.Time, window time.Duration) {
	for ip, ts := range s.seen {
		if now.Sub(ts) > window {
			delete(s.seen, ip)
		}
	}
}

// ValidateToken checks token as presented from ip. A blacklisted token is invalid;
// presenting one superseded by rotation is reported as reuse. A token presented from
// more than MaxConcurrentIPs distinct IPs within UsageWindow is invalid for every
// presenter until the older sightings age out, and is blacklisted when
// RevokeOnCompromise is set.
func (g *Guard) ValidateToken(ctx context.Context, token, ip string) Verdict {
	if token == "" {
		return Verdict{Status: StatusEmpty}
	}

	now := g.clock.Now()
	fp := security.TokenFingerprint(token)

	entry, err := g.lookup(ctx, fp, now)
	if err != nil && !g.cfg.FailurePolicy.Allows() {
		return Verdict{Status: StatusUnavailable}
	}
	if entry != nil {
		if entry.Reason == ReasonRotated {
			g.reuseDetected(ctx, token, ip, entry.UserID)
			return Verdict{Status: StatusReused}
		}

		security.Emit(ctx, g.recorder, g.logger, security.Event{
			Type:     security.EventBlacklistedTokenUsed,
			Severity: security.SeverityHigh,
			UserID:   entry.UserID,
			IP:       ip,
			Details: map[string]any{
				"token_prefix": security.TokenLogPrefix(token),
				"reason":       entry.Reason,
			},
		})
		return Verdict{Status: StatusBlacklisted}
	}

	if ip == "" {
		return Verdict{Valid: true, Status: StatusValid}
	}

	g.mu.Lock()
	s, ok := g.usage.Get(fp)
	if !ok {
		s = &ipSightings{seen: make(map[string]time.Time)}
		g.usage.Put(fp, s)
	}
	s.forget(now, g.cfg.UsageWindow)
	s.seen[ip] = now
	distinct := len(s.seen)
	alert := false
	if distinct > g.cfg.MaxConcurrentIPs && (s.alertedAt.IsZero() || now.Sub(s.alertedAt) >= g.cfg.UsageWindow) {
		s.alertedAt = now
		alert = true
	}
	g.mu.Unlock()

	if distinct <= g.cfg.MaxConcurrentIPs {
		return Verdict{Valid: true, Status: StatusValid}
	}

	if alert {
		g.logger.Warn("Token presented from too many IPs",
			"token_prefix", security.TokenLogPrefix(token),
			"distinct_ips", distinct)

		security.Emit(ctx, g.recorder, g.logger, security.Event{
			Type:     security.EventConcurrentTokenUsage,
			Severity: security.SeverityHigh,
			IP:       ip,
			Details: map[string]any{
				"token_prefix":   security.TokenLogPrefix(token),
				"distinct_ips":   distinct,
				"max_ips":        g.cfg.MaxConcurrentIPs,
				"window_seconds": int64(g.cfg.UsageWindow.Seconds()),
			},
		})

		if g.cfg.RevokeOnCompromise {
			if err := g.Revoke(ctx, Revocation{Token: token, Reason: ReasonConcurrentUsage}); err != nil {
				g.logger.Error("Failed to revoke token after concurrent usage", "error", err)
			}
		}
	}
	return Verdict{Status: StatusConcurrentUsage}
}

// reuseDetected handles the presentation of a token already superseded by rotation
func (g *Guard) reuseDetected(ctx context.Context, token, ip, userID string) {
	var invalidated int64
	if g.cfg.RevokeOnCompromise && userID != "" && g.sessions != nil {
		n, err := g.sessions.InvalidateUserSessions(ctx, userID, "")
		if err != nil {
			g.failures.Observe(ctx, "tokenguard", "invalidate_sessions", g.cfg.FailurePolicy, err)
		}
		invalidated = n
	}

	g.logger.Warn("Rotated token presented again",
		"token_prefix", security.TokenLogPrefix(token),
		"user_id_hash", security.HashForLogging(userID),
		"sessions_invalidated", invalidated)

	security.Emit(ctx, g.recorder, g.logger, security.Event{
		Type:     security.EventTokenReuseAttempt,
		Severity: security.SeverityHigh,
		UserID:   userID,
		IP:       ip,
		Details: map[string]any{
			"token_prefix":         security.TokenLogPrefix(token),
			"sessions_invalidated": invalidated,
		},
	})
}
