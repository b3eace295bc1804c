// Package notify forwards severe security events to chat and mail services
// through shoutrrr. An Alerter is registered as a Sink subscriber, so alert
// delivery never blocks the request that produced the event.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/containrrr/shoutrrr"
	"github.com/containrrr/shoutrrr/pkg/types"

	"github.com/lingualeap/apiguard/redact"
	"github.com/lingualeap/apiguard/security"
)

const (
	// DefaultMinSeverity is the lowest severity that triggers an alert
	DefaultMinSeverity = security.SeverityHigh

	// DefaultCooldown suppresses repeated alerts of the same event type
	DefaultCooldown = 5 * time.Minute
)

// Sender delivers a message to every configured service.
// *router.ServiceRouter returned by shoutrrr.CreateSender implements it.
type Sender interface {
	Send(message string, params *types.Params) []error
}

// Config configures an Alerter.
type Config struct {
	// URLs are shoutrrr service URLs, e.g. "slack://token@channel" or "smtp://...".
	URLs []string `toml:"urls"`

	// MinSeverity filters events below this level. Default: high
	MinSeverity security.Severity `toml:"min_severity"`

	// Cooldown is the minimum gap between two alerts of the same event type.
	// Zero uses DefaultCooldown; a negative value disables suppression.
	Cooldown time.Duration `toml:"cooldown"`

	// Title prefixes every alert. Default: "apiguard"
	Title string `toml:"title"`

	// AllowInternalTargets permits URLs whose host is localhost or a
	// loopback, private or link-local IP literal.
	AllowInternalTargets bool `toml:"allow_internal_targets"`
}

// Alerter sends one notification per qualifying event
type Alerter struct {
	sender   Sender
	min      security.Severity
	cooldown time.Duration
	title    string
	clock    security.Clock
	logger   *slog.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time
	sent     int64
	dropped  int64
}

// New creates an Alerter that delivers through shoutrrr to cfg.URLs.
func New(cfg Config, clock security.Clock, logger *slog.Logger) (*Alerter, error) {
	if len(cfg.URLs) == 0 {
		return nil, errors.New("at least one notification URL is required")
	}
	if err := ValidateURLs(cfg.URLs, cfg.AllowInternalTargets); err != nil {
		return nil, err
	}
	sender, err := shoutrrr.CreateSender(cfg.URLs...)
	if err != nil {
		return nil, fmt.Errorf("failed to create notification sender: %w", err)
	}
	return NewWithSender(cfg, sender, clock, logger), nil
}

// ValidateURLs checks that every URL parses and, unless allowInternal is set,
// does not target an internal host.
func ValidateURLs(urls []string, allowInternal bool) error {
	for i, raw := range urls {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("notification URL %d is invalid", i)
		}
		if u.Scheme == "" {
			return fmt.Errorf("notification URL %d has no service scheme", i)
		}
		if !allowInternal && security.InternalHost(u.Hostname()) {
			return fmt.Errorf("notification URL %d targets an internal address", i)
		}
	}
	return nil
}

// NewWithSender creates an Alerter with a custom Sender.
func NewWithSender(cfg Config, sender Sender, clock security.Clock, logger *slog.Logger) *Alerter {
	if logger == nil {
		logger = slog.Default()
	}
	minSeverity := cfg.MinSeverity
	if minSeverity.Rank() == 0 {
		minSeverity = DefaultMinSeverity
	}
	cooldown := cfg.Cooldown
	if cooldown == 0 {
		cooldown = DefaultCooldown
	}
	title := cfg.Title
	if title == "" {
		title = "apiguard"
	}

	return &Alerter{
		sender:   sender,
		min:      minSeverity,
		cooldown: cooldown,
		title:    title,
		clock:    security.ClockOrSystem(clock),
		logger:   logger,
		lastSent: make(map[string]time.Time),
	}
}

// Handle is a security.Subscriber.
func (a *Alerter) Handle(_ context.Context, event security.Event) {
	if !event.Severity.AtLeast(a.min) {
		return
	}
	if !a.admit(event.Type) {
		a.logger.Debug("Alert suppressed by cooldown", "event_type", event.Type)
		return
	}

	params := types.Params{
		"title": fmt.Sprintf("[%s] %s: %s", a.title, strings.ToUpper(string(event.Severity)), event.Type),
	}
	errs := a.sender.Send(Format(event), &params)
	if err := errors.Join(errs...); err != nil {
		a.logger.Error("Failed to deliver security alert",
			"event_type", event.Type,
			"error", err)
		return
	}

	a.mu.Lock()
	a.sent++
	a.mu.Unlock()
}

// Stats returns the number of alerts sent and suppressed.
func (a *Alerter) Stats() (sent, suppressed int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sent, a.dropped
}

func (a *Alerter) admit(eventType string) bool {
	if a.cooldown < 0 {
		return true
	}
	now := a.clock.Now()

	a.mu.Lock()
	defer a.mu.Unlock()
	if last, ok := a.lastSent[eventType]; ok && now.Sub(last) < a.cooldown {
		a.dropped++
		return false
	}
	a.lastSent[eventType] = now
	return true
}

// Format renders an event as a plain-text alert body. User ids are hashed and
// details are redacted.
func Format(event security.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s security event: %s\n", strings.ToUpper(string(event.Severity)), event.Type)
	fmt.Fprintf(&b, "time: %s\n", event.Timestamp.UTC().Format(time.RFC3339))
	if event.UserID != "" {
		fmt.Fprintf(&b, "user: %s\n", security.HashForLogging(event.UserID))
	}
	if event.IP != "" {
		fmt.Fprintf(&b, "ip: %s\n", event.IP)
	}

	details := redact.Map(event.Details)
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %v\n", k, details[k])
	}
	return strings.TrimRight(b.String(), "\n")
}
