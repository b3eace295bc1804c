package tokenguard

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/oauth2"

	"github.com/lingualeap/apiguard/security"
	"github.com/lingualeap/apiguard/storage"
)

// RotationResult is the outcome of RotateIfNeeded
type RotationResult struct {
	Rotated  bool
	NewToken *oauth2.Token
}

// rotation is an in-flight exchange shared by concurrent callers presenting the same token
type rotation struct {
	done   chan struct{}
	result *RotationResult
	err    error
}

// RotateIfNeeded exchanges token through the identity provider when its remaining
// validity is under the rotation threshold. The old access token is blacklisted with
// ReasonRotated so a later presentation is detected as reuse. Concurrent calls for the
// same token share one exchange. Tokens without an expiry are never rotated.
func (g *Guard) RotateIfNeeded(ctx context.Context, token *oauth2.Token) (*RotationResult, error) {
	if token == nil || token.AccessToken == "" {
		return nil, fmt.Errorf("token is required")
	}

	now := g.clock.Now()
	if !security.IsExpiringWithin(token.Expiry, now, g.cfg.RotationThreshold) {
		return &RotationResult{}, nil
	}

	fp := security.TokenFingerprint(token.AccessToken)

	g.mu.Lock()
	if r, ok := g.inflight[fp]; ok {
		g.mu.Unlock()
		select {
		case <-r.done:
			return r.result, r.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	r := &rotation{done: make(chan struct{})}
	g.inflight[fp] = r
	g.mu.Unlock()

	r.result, r.err = g.rotate(ctx, token)

	g.mu.Lock()
	delete(g.inflight, fp)
	g.mu.Unlock()
	close(r.done)

	return r.result, r.err
}

func (g *Guard) rotate(ctx context.Context, token *oauth2.Token) (*RotationResult, error) {
	if g.provider == nil {
		return nil, fmt.Errorf("no identity provider configured for rotation")
	}

	entry, err := g.lookup(ctx, security.TokenFingerprint(token.AccessToken), g.clock.Now())
	if err != nil && !g.cfg.FailurePolicy.Allows() {
		g.recordRotation(ctx, "error")
		return nil, err
	}
	if entry != nil {
		g.recordRotation(ctx, "revoked")
		return nil, ErrTokenRevoked
	}

	fresh, err := g.Refresh(ctx, token.RefreshToken)
	if err != nil {
		g.recordRotation(ctx, "failed")
		return nil, fmt.Errorf("failed to rotate token: %w", err)
	}

	var userID string
	if g.principals != nil {
		if p, perr := g.principals.Principal(ctx, token.AccessToken); perr == nil {
			userID = p.UserID
		}
	}

	// the old token must stop working before the new one is handed out
	if err := g.Revoke(ctx, Revocation{Token: token.AccessToken, Reason: ReasonRotated, UserID: userID}); err != nil {
		g.recordRotation(ctx, "error")
		return nil, fmt.Errorf("failed to retire rotated token: %w", err)
	}

	g.recordRotation(ctx, "rotated")
	g.logger.Info("Token rotated",
		"old_token_prefix", security.TokenLogPrefix(token.AccessToken),
		"new_token_prefix", security.TokenLogPrefix(fresh.AccessToken),
		"user_id_hash", security.HashForLogging(userID))

	security.Emit(ctx, g.recorder, g.logger, security.Event{
		Type:     security.EventTokenRotated,
		Severity: security.SeverityLow,
		UserID:   userID,
		IP:       security.ClientIPFromContext(ctx),
		Details: map[string]any{
			"old_token_prefix": security.TokenLogPrefix(token.AccessToken),
			"new_token_prefix": security.TokenLogPrefix(fresh.AccessToken),
		},
	})

	return &RotationResult{Rotated: true, NewToken: fresh}, nil
}

// Refresh exchanges refreshToken through the identity provider. More than
// MaxRefreshAttempts attempts for one refresh token within RefreshWindow are refused
// with ErrTooManyRefreshAttempts before the provider is contacted, whether or not the
// credential is valid. Attempts are counted in the shared counter store.
func (g *Guard) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("refresh token is required")
	}
	if g.provider == nil {
		return nil, fmt.Errorf("no identity provider configured for refresh")
	}

	now := g.clock.Now()
	fp := security.TokenFingerprint(refreshToken)

	rule := storage.WindowRule{
		Window:      g.cfg.RefreshWindow,
		MaxRequests: g.cfg.MaxRefreshAttempts,
		RuleClass:   storage.RuleClassNormal,
	}
	counter, accepted, err := g.counters.IncrementWindow(ctx, "refresh:"+fp, rule, now)
	if err != nil {
		g.failures.Observe(ctx, "tokenguard", "count_refresh_attempt", g.cfg.FailurePolicy, err)
		if !g.cfg.FailurePolicy.Allows() {
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		accepted = true
	}
	if !accepted {
		g.logger.Warn("Refresh attempt cap reached",
			"token_prefix", security.TokenLogPrefix(refreshToken),
			"max_attempts", rule.MaxRequests)
		security.Emit(ctx, g.recorder, g.logger, security.Event{
			Type:     security.EventSuspiciousRefreshAttempts,
			Severity: security.SeverityHigh,
			IP:       security.ClientIPFromContext(ctx),
			Details: map[string]any{
				"token_prefix":   security.TokenLogPrefix(refreshToken),
				"attempts":       counter.Count + 1,
				"max_attempts":   rule.MaxRequests,
				"window_seconds": int64(rule.Window.Seconds()),
			},
		})
		return nil, ErrTooManyRefreshAttempts
	}

	entry, err := g.lookup(ctx, fp, now)
	if err != nil && !g.cfg.FailurePolicy.Allows() {
		return nil, err
	}
	if entry != nil {
		return nil, ErrTokenRevoked
	}

	fresh, err := g.provider.RefreshToken(ctx, refreshToken)
	if err != nil {
		return nil, fmt.Errorf("identity provider refused refresh: %w", err)
	}
	if fresh == nil || fresh.AccessToken == "" {
		return nil, errors.New("identity provider returned an empty token")
	}
	return fresh, nil
}

func (g *Guard) recordRotation(ctx context.Context, result string) {
	if g.metrics != nil {
		g.metrics.RecordTokenRotation(ctx, result)
	}
}
