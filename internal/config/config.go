// Package config loads the apiguard service configuration from a TOML file and
// APIGUARD_* environment variables, and converts it into component configs.
package config

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/golang-jwt/jwt/v5"

	"github.com/lingualeap/apiguard"
	"github.com/lingualeap/apiguard/audit"
	"github.com/lingualeap/apiguard/internal/logging"
	"github.com/lingualeap/apiguard/notify"
	"github.com/lingualeap/apiguard/ratelimit"
	"github.com/lingualeap/apiguard/scheduler"
	"github.com/lingualeap/apiguard/security"
	"github.com/lingualeap/apiguard/session"
	"github.com/lingualeap/apiguard/storage/valkey"
	"github.com/lingualeap/apiguard/tokenguard"
	"github.com/lingualeap/apiguard/validation"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "APIGUARD_"

// Config is the service configuration
type Config struct {
	Server    ServerConfig      `toml:"server"`
	Logging   logging.Config    `toml:"logging"`
	Storage   StorageConfig     `toml:"storage"`
	Telemetry TelemetryConfig   `toml:"telemetry"`
	JWT       JWTConfig         `toml:"jwt"`
	Engine    EngineConfig      `toml:"engine"`
	RateLimit ratelimit.Config  `toml:"rate_limit"`
	Tokens    tokenguard.Config `toml:"tokens"`
	Sessions  session.Config    `toml:"sessions"`
	Audit     AuditConfig       `toml:"audit"`
	Scheduler scheduler.Config  `toml:"scheduler"`
	Notify    notify.Config     `toml:"notify"`
}

// ServerConfig configures the HTTP listener
type ServerConfig struct {
	Addr            string        `toml:"addr"`
	ReadTimeout     time.Duration `toml:"read_timeout"`
	WriteTimeout    time.Duration `toml:"write_timeout"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`

	// TrustProxy reads the client address from X-Forwarded-For.
	// Only enable behind a reverse proxy you control.
	TrustProxy        bool `toml:"trust_proxy"`
	TrustedProxyCount int  `toml:"trusted_proxy_count"`

	// AdminKeyHash is the bcrypt hash of the key required by administrative
	// endpoints (audit, revocation, role assignment). Empty disables them.
	AdminKeyHash string `toml:"admin_key_hash"`
}

// StorageConfig selects the backends
type StorageConfig struct {
	// SQLitePath is the system of record. ":memory:" keeps everything in process.
	SQLitePath string `toml:"sqlite_path"`

	// EncryptionKey is a base64 AES-256 key sealing session tokens at rest
	EncryptionKey string `toml:"encryption_key"`

	// ValkeyAddr moves rate limit counters and the token blacklist to Valkey
	ValkeyAddr     string `toml:"valkey_addr"`
	ValkeyPassword string `toml:"valkey_password"`
	ValkeyDB       int    `toml:"valkey_db"`
	ValkeyPrefix   string `toml:"valkey_prefix"`
	ValkeyTLS      bool   `toml:"valkey_tls"`
}

// TelemetryConfig configures metrics and traces
type TelemetryConfig struct {
	// Metrics is "prometheus" or "none"
	Metrics string `toml:"metrics"`

	// Traces is "stdout" or "none"
	Traces string `toml:"traces"`

	LogClientIPs bool `toml:"log_client_ips"`
}

// JWTConfig configures access token verification. Exactly one of HMACSecret
// and PublicKeyFile must be set.
type JWTConfig struct {
	HMACSecret    string        `toml:"hmac_secret"`
	PublicKeyFile string        `toml:"public_key_file"`
	Issuer        string        `toml:"issuer"`
	Audience      string        `toml:"audience"`
	Leeway        time.Duration `toml:"leeway"`
}

// EngineConfig holds settings shared by the components
type EngineConfig struct {
	FailureThreshold   int           `toml:"failure_threshold"`
	FailureWindow      time.Duration `toml:"failure_window"`
	EventBuffer        int           `toml:"event_buffer"`
	ValidationMaxDepth int           `toml:"validation_max_depth"`
}

// AuditConfig configures the audit log
type AuditConfig struct {
	// HashKey keys the integrity digest (at most 64 bytes)
	HashKey       string `toml:"hash_key"`
	RetentionDays int    `toml:"retention_days"`
}

// Default returns the default configuration
func Default() *Config {
	engine := apiguard.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Addr:              ":8080",
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      30 * time.Second,
			ShutdownTimeout:   15 * time.Second,
			TrustedProxyCount: 1,
		},
		Logging: logging.DefaultConfig(),
		Storage: StorageConfig{
			SQLitePath:   "data/apiguard.db",
			ValkeyPrefix: valkey.DefaultKeyPrefix,
		},
		Telemetry: TelemetryConfig{
			Metrics: "prometheus",
			Traces:  "none",
		},
		Engine: EngineConfig{
			FailureThreshold: engine.FailureThreshold,
			FailureWindow:    engine.FailureWindow,
			EventBuffer:      engine.EventBuffer,
		},
		RateLimit: engine.RateLimit,
		Tokens:    engine.Tokens,
		Sessions:  engine.Sessions,
		Audit:     AuditConfig{RetentionDays: audit.DefaultRetentionDays},
		Scheduler: scheduler.DefaultConfig(),
		Notify: notify.Config{
			MinSeverity: notify.DefaultMinSeverity,
			Cooldown:    notify.DefaultCooldown,
		},
	}
}

// Load reads the configuration: defaults, then the TOML file at path (skipped when
// path is empty), then environment overrides. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := LoadTOML(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadTOML decodes the file at path over cfg. Unknown keys are rejected.
func LoadTOML(cfg *Config, path string) error {
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		return fmt.Errorf("unknown configuration keys: %s", strings.Join(keys, ", "))
	}
	return nil
}

// ApplyEnvOverrides applies APIGUARD_* environment variables
func (c *Config) ApplyEnvOverrides() error {
	strs := map[string]*string{
		"ADDR":            &c.Server.Addr,
		"ADMIN_KEY_HASH":  &c.Server.AdminKeyHash,
		"LOG_LEVEL":       &c.Logging.Level,
		"LOG_FORMAT":      &c.Logging.Format,
		"LOG_FILE":        &c.Logging.File,
		"SQLITE_PATH":     &c.Storage.SQLitePath,
		"ENCRYPTION_KEY":  &c.Storage.EncryptionKey,
		"VALKEY_ADDR":     &c.Storage.ValkeyAddr,
		"VALKEY_PASSWORD": &c.Storage.ValkeyPassword,
		"METRICS":         &c.Telemetry.Metrics,
		"TRACES":          &c.Telemetry.Traces,
		"JWT_SECRET":      &c.JWT.HMACSecret,
		"JWT_PUBLIC_KEY":  &c.JWT.PublicKeyFile,
		"JWT_ISSUER":      &c.JWT.Issuer,
		"JWT_AUDIENCE":    &c.JWT.Audience,
		"AUDIT_HASH_KEY":  &c.Audit.HashKey,
	}
	for name, dst := range strs {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			*dst = v
		}
	}

	if v, ok := os.LookupEnv(EnvPrefix + "TRUST_PROXY"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sTRUST_PROXY: %w", EnvPrefix, err)
		}
		c.Server.TrustProxy = b
	}
	if v, ok := os.LookupEnv(EnvPrefix + "VALKEY_DB"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sVALKEY_DB: %w", EnvPrefix, err)
		}
		c.Storage.ValkeyDB = n
	}
	if v, ok := os.LookupEnv(EnvPrefix + "NOTIFY_URLS"); ok {
		c.Notify.URLs = nil
		for _, u := range strings.Split(v, ",") {
			if u = strings.TrimSpace(u); u != "" {
				c.Notify.URLs = append(c.Notify.URLs, u)
			}
		}
	}
	return nil
}

// ValidationError is a single invalid setting
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the configuration and reports every invalid setting
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if c.Server.Addr == "" {
		add("server.addr", "must not be empty")
	}
	if c.Server.TrustedProxyCount < 0 {
		add("server.trusted_proxy_count", "must not be negative")
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		add("logging.level", "%v", err)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", logging.FormatJSON, logging.FormatText:
	default:
		add("logging.format", "invalid format '%s', must be one of: json, text", c.Logging.Format)
	}
	if c.Storage.SQLitePath == "" {
		add("storage.sqlite_path", "must not be empty")
	}
	if c.Storage.EncryptionKey != "" {
		if _, err := security.KeyFromBase64(c.Storage.EncryptionKey); err != nil {
			add("storage.encryption_key", "%v", err)
		}
	}
	switch c.Telemetry.Metrics {
	case "", "none", "prometheus":
	default:
		add("telemetry.metrics", "invalid exporter '%s', must be one of: prometheus, none", c.Telemetry.Metrics)
	}
	switch c.Telemetry.Traces {
	case "", "none", "stdout":
	default:
		add("telemetry.traces", "invalid exporter '%s', must be one of: stdout, none", c.Telemetry.Traces)
	}
	switch {
	case c.JWT.HMACSecret == "" && c.JWT.PublicKeyFile == "":
		add("jwt", "one of hmac_secret and public_key_file is required")
	case c.JWT.HMACSecret != "" && c.JWT.PublicKeyFile != "":
		add("jwt", "hmac_secret and public_key_file are mutually exclusive")
	case c.JWT.HMACSecret != "" && len(c.JWT.HMACSecret) < tokenguard.MinHMACSecretLength:
		add("jwt.hmac_secret", "must be at least %d bytes", tokenguard.MinHMACSecretLength)
	}
	if c.Notify.MinSeverity != "" && c.Notify.MinSeverity.Rank() == 0 {
		add("notify.min_severity", "invalid severity '%s'", c.Notify.MinSeverity)
	}
	if err := notify.ValidateURLs(c.Notify.URLs, c.Notify.AllowInternalTargets); err != nil {
		add("notify.urls", "%v", err)
	}
	if c.Scheduler.EventRetentionDays < 0 {
		add("scheduler.event_retention_days", "must not be negative")
	}

	guard := c.GuardConfig(nil, nil)
	if err := guard.Validate(); err != nil {
		add("engine", "%v", err)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// GuardConfig converts the configuration into the engine configuration
func (c *Config) GuardConfig(clock security.Clock, logger *slog.Logger) apiguard.Config {
	return apiguard.Config{
		Validation: validation.Config{MaxDepth: c.Engine.ValidationMaxDepth},
		RateLimit:  c.RateLimit,
		Tokens:     c.Tokens,
		Sessions:   c.Sessions,
		Audit: audit.Config{
			HashKey:       []byte(c.Audit.HashKey),
			RetentionDays: c.Audit.RetentionDays,
		},
		FailureThreshold: c.Engine.FailureThreshold,
		FailureWindow:    c.Engine.FailureWindow,
		EventBuffer:      c.Engine.EventBuffer,
		Clock:            clock,
		Logger:           logger,
	}
}

// Verifier builds the access token verifier
func (c *Config) Verifier(clock security.Clock) (*tokenguard.JWTVerifier, error) {
	cfg := tokenguard.JWTConfig{
		Issuer:   c.JWT.Issuer,
		Audience: c.JWT.Audience,
		Leeway:   c.JWT.Leeway,
	}
	if c.JWT.PublicKeyFile != "" {
		pem, err := os.ReadFile(c.JWT.PublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read JWT public key: %w", err)
		}
		key, err := jwt.ParseRSAPublicKeyFromPEM(pem)
		if err != nil {
			return nil, fmt.Errorf("failed to parse JWT public key: %w", err)
		}
		cfg.RSAPublicKey = key
	} else {
		cfg.HMACSecret = []byte(c.JWT.HMACSecret)
	}
	return tokenguard.NewJWTVerifier(cfg, clock)
}

// ProxyConfig returns the client address extraction settings
func (c *Config) ProxyConfig() security.ProxyConfig {
	return security.ProxyConfig{
		TrustProxy:        c.Server.TrustProxy,
		TrustedProxyCount: c.Server.TrustedProxyCount,
	}
}

// Encryptor returns the at-rest encryptor for the configured key. It is
// disabled when no key is set.
func (c *Config) Encryptor() (*security.Encryptor, error) {
	if c.Storage.EncryptionKey == "" {
		return security.NewEncryptor(nil)
	}
	key, err := security.KeyFromBase64(c.Storage.EncryptionKey)
	if err != nil {
		return nil, err
	}
	return security.NewEncryptor(key)
}

// Valkey returns the Valkey store settings, or false when Valkey is not configured
func (c *Config) Valkey(logger *slog.Logger) (valkey.Config, bool) {
	if c.Storage.ValkeyAddr == "" {
		return valkey.Config{}, false
	}
	cfg := valkey.Config{
		Address:   c.Storage.ValkeyAddr,
		Password:  c.Storage.ValkeyPassword,
		DB:        c.Storage.ValkeyDB,
		KeyPrefix: c.Storage.ValkeyPrefix,
		Logger:    logger,
	}
	if c.Storage.ValkeyTLS {
		cfg.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return cfg, true
}
