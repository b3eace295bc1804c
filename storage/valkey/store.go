package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/lingualeap/apiguard/instrumentation"
	"github.com/lingualeap/apiguard/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "apiguard:"

	// scanBatchSize is the number of keys to fetch per SCAN iteration
	scanBatchSize = 100

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// counterGrace keeps a counter around after its window closed so Restore can
	// still inspect it
	counterGrace = time.Minute

	// MaxKeyLength is the maximum allowed length of a counter key or token fingerprint
	MaxKeyLength = 512
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "apiguard:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed RateLimitStore and BlacklistStore.
//
// Sessions, events, audit entries and roles need queries Valkey does not offer
// cheaply and stay in the SQL store; this backend shares the hot request-path
// state between instances.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

var (
	_ storage.RateLimitStore = (*Store)(nil)
	_ storage.BlacklistStore = (*Store)(nil)
)

// New creates a new Valkey-backed store.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetInstrumentation enables storage spans and operation metrics.
// Call it before the store is shared between goroutines.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
}

// Ping checks that the server is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Do(ctx, s.client.B().Ping().Build()).Error()
}

// ============================================================
// Key Helpers
// ============================================================

// counterKey returns the key of a fixed-window counter: {prefix}rl:{key}
func (s *Store) counterKey(key string) string {
	return s.prefix + "rl:" + key
}

// blacklistKey returns the key of a blacklist entry: {prefix}bl:{fingerprint}
func (s *Store) blacklistKey(tokenHash string) string {
	return s.prefix + "bl:" + tokenHash
}

func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================

// luaIncrementWindow performs one fixed-window hit. It is the server-side
// rendition of storage.RateLimitEntry.Apply and must stay in step with it.
//
// KEYS[1] = counter key (e.g., "apiguard:rl:ip:203.0.113.7:/v1/lessons")
// ARGV[1] = now, Unix microseconds
// ARGV[2] = window length, microseconds
// ARGV[3] = max requests per window
// ARGV[4] = rule class
// ARGV[5] = key TTL, milliseconds
//
// Returns {count, window_start, accepted}. Timestamps are microseconds so they
// stay exact in Lua's double precision numbers.
const luaIncrementWindow = `
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])

local count = tonumber(redis.call('HGET', KEYS[1], 'count') or '0')
local start = tonumber(redis.call('HGET', KEYS[1], 'window_start') or '-1')

if start < 0 or now > start + window then
    count = 0
    start = now
end

local accepted = 0
if count < max then
    count = count + 1
    accepted = 1
end

redis.call('HSET', KEYS[1],
    'count', count,
    'window_start', start,
    'window', window,
    'max', max,
    'class', ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])

return {count, start, accepted}
`

// ============================================================
// RateLimitStore Implementation
// ============================================================

// IncrementWindow performs one fixed-window hit on key.
//
// SECURITY: This operation is atomic via Lua script - concurrent hits on the same
// key never observe the same count.
func (s *Store) IncrementWindow(ctx context.Context, key string, rule storage.WindowRule, now time.Time) (_ *storage.RateLimitEntry, _ bool, err error) {
	ctx, done := s.operation(ctx, "increment_window")
	defer func() { done(err) }()

	if key == "" || len(key) > MaxKeyLength {
		return nil, false, fmt.Errorf("invalid rate limit key")
	}

	ttl := rule.Window + counterGrace
	values, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaIncrementWindow).
			Numkeys(1).
			Key(s.counterKey(key)).
			Arg(
				strconv.FormatInt(now.UnixMicro(), 10),
				strconv.FormatInt(rule.Window.Microseconds(), 10),
				strconv.Itoa(rule.MaxRequests),
				rule.RuleClass,
				strconv.FormatInt(ttl.Milliseconds(), 10),
			).
			Build(),
	).ToArray()
	if err != nil {
		return nil, false, fmt.Errorf("failed to execute window increment: %w", err)
	}
	if len(values) != 3 {
		return nil, false, fmt.Errorf("unexpected window increment reply of %d values", len(values))
	}

	var reply [3]int64
	for i, v := range values {
		if reply[i], err = v.AsInt64(); err != nil {
			return nil, false, fmt.Errorf("failed to parse window increment reply: %w", err)
		}
	}

	entry := &storage.RateLimitEntry{
		Key:         key,
		Count:       int(reply[0]),
		WindowStart: time.UnixMicro(reply[1]).UTC(),
		Window:      rule.Window,
		MaxRequests: rule.MaxRequests,
		RuleClass:   rule.RuleClass,
	}
	return entry, reply[2] == 1, nil
}

// GetRateLimitEntry returns the counter for key
func (s *Store) GetRateLimitEntry(ctx context.Context, key string) (_ *storage.RateLimitEntry, err error) {
	ctx, done := s.operation(ctx, "get_rate_limit_entry")
	defer func() {
		if err == storage.ErrRateLimitEntryNotFound {
			done(nil)
			return
		}
		done(err)
	}()

	fields, err := s.client.Do(ctx, s.client.B().Hgetall().Key(s.counterKey(key)).Build()).AsStrMap()
	if err != nil {
		return nil, fmt.Errorf("failed to get rate limit entry: %w", err)
	}
	if len(fields) == 0 {
		return nil, storage.ErrRateLimitEntryNotFound
	}
	return parseCounter(key, fields)
}

// PutRateLimitEntry overwrites the counter for entry.Key
func (s *Store) PutRateLimitEntry(ctx context.Context, entry *storage.RateLimitEntry) (err error) {
	ctx, done := s.operation(ctx, "put_rate_limit_entry")
	defer func() { done(err) }()

	if entry == nil || entry.Key == "" || len(entry.Key) > MaxKeyLength {
		return fmt.Errorf("rate limit entry must have a valid key")
	}

	key := s.counterKey(entry.Key)
	ttl := time.Until(entry.WindowEnd()) + counterGrace
	if ttl < counterGrace {
		ttl = counterGrace
	}

	results := s.client.DoMulti(ctx,
		s.client.B().Hset().Key(key).FieldValue().
			FieldValue("count", strconv.Itoa(entry.Count)).
			FieldValue("window_start", strconv.FormatInt(entry.WindowStart.UnixMicro(), 10)).
			FieldValue("window", strconv.FormatInt(entry.Window.Microseconds(), 10)).
			FieldValue("max", strconv.Itoa(entry.MaxRequests)).
			FieldValue("class", entry.RuleClass).
			Build(),
		s.client.B().Pexpire().Key(key).Milliseconds(ttl.Milliseconds()).Build(),
	)
	for _, r := range results {
		if err := r.Error(); err != nil {
			return fmt.Errorf("failed to put rate limit entry: %w", err)
		}
	}
	return nil
}

// PurgeStaleRateLimits removes counters whose window ended before now.
// Counters also expire on their own shortly after their window closes.
func (s *Store) PurgeStaleRateLimits(ctx context.Context, now time.Time) (_ int64, err error) {
	ctx, done := s.operation(ctx, "purge_rate_limits")
	defer func() { done(err) }()

	pattern := s.counterKey("*")
	var purged int64
	var cursor uint64
	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatchSize).Build(),
		).AsScanEntry()
		if err != nil {
			return purged, fmt.Errorf("failed to scan rate limit entries: %w", err)
		}

		for _, fullKey := range result.Elements {
			fields, err := s.client.Do(ctx, s.client.B().Hgetall().Key(fullKey).Build()).AsStrMap()
			if err != nil || len(fields) == 0 {
				continue // expired between SCAN and HGETALL
			}
			entry, err := parseCounter(strings.TrimPrefix(fullKey, s.counterKey("")), fields)
			if err != nil {
				s.logger.Warn("Deleting unparseable rate limit entry", "key", fullKey, "error", err)
			} else if !entry.WindowEnd().Before(now) {
				continue
			}
			if err := s.client.Do(ctx, s.client.B().Del().Key(fullKey).Build()).Error(); err != nil {
				return purged, fmt.Errorf("failed to delete rate limit entry: %w", err)
			}
			purged++
		}

		cursor = result.Cursor
		if cursor == 0 {
			break
		}
	}
	return purged, nil
}

func parseCounter(key string, fields map[string]string) (*storage.RateLimitEntry, error) {
	num := func(name string) (int64, error) {
		v, err := strconv.ParseInt(fields[name], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid counter field %q: %w", name, err)
		}
		return v, nil
	}

	count, err := num("count")
	if err != nil {
		return nil, err
	}
	start, err := num("window_start")
	if err != nil {
		return nil, err
	}
	window, err := num("window")
	if err != nil {
		return nil, err
	}
	maxRequests, err := num("max")
	if err != nil {
		return nil, err
	}

	return &storage.RateLimitEntry{
		Key:         key,
		Count:       int(count),
		WindowStart: time.UnixMicro(start).UTC(),
		Window:      time.Duration(window) * time.Microsecond,
		MaxRequests: int(maxRequests),
		RuleClass:   fields["class"],
	}, nil
}

// ============================================================
// BlacklistStore Implementation
// ============================================================

type blacklistJSON struct {
	UserID        string `json:"user_id,omitempty"`
	Reason        string `json:"reason"`
	BlacklistedAt int64  `json:"blacklisted_at"`
	ExpiresAt     int64  `json:"expires_at"`
}

// AddToBlacklist inserts or replaces the entry for entry.TokenHash.
// The key expires with the entry; at least one second is kept so a just-expired
// entry is still readable by callers that check ExpiresAt themselves.
func (s *Store) AddToBlacklist(ctx context.Context, entry *storage.BlacklistEntry) (err error) {
	ctx, done := s.operation(ctx, "add_to_blacklist")
	defer func() { done(err) }()

	if entry == nil || entry.TokenHash == "" || len(entry.TokenHash) > MaxKeyLength {
		return fmt.Errorf("blacklist entry must have a valid token hash")
	}

	data, err := json.Marshal(blacklistJSON{
		UserID:        entry.UserID,
		Reason:        entry.Reason,
		BlacklistedAt: entry.BlacklistedAt.UnixMicro(),
		ExpiresAt:     entry.ExpiresAt.UnixMicro(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal blacklist entry: %w", err)
	}

	ttl := max(entry.ExpiresAt.Sub(entry.BlacklistedAt), time.Second)
	err = s.client.Do(ctx,
		s.client.B().Set().Key(s.blacklistKey(entry.TokenHash)).Value(string(data)).Ex(ttl).Build(),
	).Error()
	if err != nil {
		return fmt.Errorf("failed to save blacklist entry: %w", err)
	}
	return nil
}

// GetBlacklistEntry returns the entry for a token fingerprint
func (s *Store) GetBlacklistEntry(ctx context.Context, tokenHash string) (_ *storage.BlacklistEntry, err error) {
	ctx, done := s.operation(ctx, "get_blacklist_entry")
	defer func() {
		if err == storage.ErrBlacklistEntryNotFound {
			done(nil)
			return
		}
		done(err)
	}()

	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.blacklistKey(tokenHash)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrBlacklistEntryNotFound
		}
		return nil, fmt.Errorf("failed to get blacklist entry: %w", err)
	}

	var j blacklistJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal blacklist entry: %w", err)
	}
	return &storage.BlacklistEntry{
		TokenHash:     tokenHash,
		UserID:        j.UserID,
		Reason:        j.Reason,
		BlacklistedAt: time.UnixMicro(j.BlacklistedAt).UTC(),
		ExpiresAt:     time.UnixMicro(j.ExpiresAt).UTC(),
	}, nil
}

// PurgeExpiredBlacklist is a no-op: entries carry a TTL and expire on their own.
func (s *Store) PurgeExpiredBlacklist(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

// ============================================================
// Instrumentation Helpers
// ============================================================

// operation starts a span for a storage operation and returns a function that
// records its outcome
func (s *Store) operation(ctx context.Context, name string) (context.Context, func(error)) {
	if s.instrumentation == nil || s.tracer == nil {
		return ctx, func(error) {}
	}

	ctx, span := s.tracer.Start(ctx, "storage."+name)
	instrumentation.AddStorageAttributes(span, name, "valkey")
	start := time.Now()

	return ctx, func(err error) {
		result := "success"
		if err != nil {
			result = "error"
			instrumentation.RecordError(span, err)
		} else {
			instrumentation.SetSpanSuccess(span)
		}
		instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrStorageResult, result))
		span.End()
		s.instrumentation.Metrics().RecordStorageOperation(ctx, name, result, float64(time.Since(start).Milliseconds()))
	}
}
