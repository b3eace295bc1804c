package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments of the engine
type Metrics struct {
	// HTTP Layer Metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Access decision metrics
	AccessChecksTotal   metric.Int64Counter
	AccessCheckDuration metric.Float64Histogram
	ValidationsTotal    metric.Int64Counter

	// Security Metrics
	SecurityEventsTotal  metric.Int64Counter
	RateLimitDecisions   metric.Int64Counter
	RateLimitEscalations metric.Int64Counter
	BlacklistChecks      metric.Int64Counter
	TokensBlacklisted    metric.Int64Counter
	TokenRotations       metric.Int64Counter
	InfrastructureErrors metric.Int64Counter

	// Session Metrics
	SessionsCreated    metric.Int64Counter
	SessionValidations metric.Int64Counter
	SessionsCleanedUp  metric.Int64Counter

	// Audit Metrics
	AuditEntriesWritten   metric.Int64Counter
	AuditRetentionDeleted metric.Int64Counter

	// Background job metrics
	JobRunsTotal metric.Int64Counter
	JobDuration  metric.Float64Histogram

	// Storage Metrics
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageSessions          metric.Int64ObservableGauge
	StorageBlacklist         metric.Int64ObservableGauge
	StorageRateLimits        metric.Int64ObservableGauge
	StorageAuditLogs         metric.Int64ObservableGauge
	StorageEvents            metric.Int64ObservableGauge

	// Provider Metrics
	ProviderAPICallsTotal metric.Int64Counter
	ProviderAPIDuration   metric.Float64Histogram
	ProviderAPIErrors     metric.Int64Counter
}

// instrumentBuilder creates instruments and keeps the first error
type instrumentBuilder struct {
	err error
}

func (b *instrumentBuilder) counter(meter metric.Meter, name, description, unit string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(description), metric.WithUnit(unit))
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("failed to create %s counter: %w", name, err)
	}
	return c
}

func (b *instrumentBuilder) histogram(meter metric.Meter, name, description, unit string) metric.Float64Histogram {
	h, err := meter.Float64Histogram(name, metric.WithDescription(description), metric.WithUnit(unit))
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("failed to create %s histogram: %w", name, err)
	}
	return h
}

func (b *instrumentBuilder) gauge(meter metric.Meter, name, description, unit string) metric.Int64ObservableGauge {
	g, err := meter.Int64ObservableGauge(name, metric.WithDescription(description), metric.WithUnit(unit))
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("failed to create %s gauge: %w", name, err)
	}
	return g
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	httpMeter := inst.Meter("http")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")
	providerMeter := inst.Meter("provider")
	jobsMeter := inst.Meter("jobs")

	b := &instrumentBuilder{}
	m := &Metrics{
		HTTPRequestsTotal:   b.counter(httpMeter, "apiguard.http.requests.total", "Total number of HTTP requests", "{request}"),
		HTTPRequestDuration: b.histogram(httpMeter, "apiguard.http.request.duration", "HTTP request duration in milliseconds", "ms"),

		AccessChecksTotal:   b.counter(securityMeter, "apiguard.access.checks.total", "Access checks by outcome", "{check}"),
		AccessCheckDuration: b.histogram(securityMeter, "apiguard.access.check.duration", "Access check duration in milliseconds", "ms"),
		ValidationsTotal:    b.counter(securityMeter, "apiguard.validation.requests.total", "Request validations by outcome", "{validation}"),

		SecurityEventsTotal:  b.counter(securityMeter, "apiguard.security.events.total", "Security events recorded", "{event}"),
		RateLimitDecisions:   b.counter(securityMeter, "apiguard.ratelimit.decisions.total", "Rate limit decisions by scope and result", "{decision}"),
		RateLimitEscalations: b.counter(securityMeter, "apiguard.ratelimit.escalations.total", "Rule class transitions of rate limit keys", "{transition}"),
		BlacklistChecks:      b.counter(securityMeter, "apiguard.token.blacklist.checks.total", "Blacklist lookups by result", "{lookup}"),
		TokensBlacklisted:    b.counter(securityMeter, "apiguard.token.blacklisted.total", "Tokens added to the blacklist", "{token}"),
		TokenRotations:       b.counter(securityMeter, "apiguard.token.rotations.total", "Token rotations by result", "{rotation}"),
		InfrastructureErrors: b.counter(securityMeter, "apiguard.infrastructure.errors.total", "Store or provider errors raised during checks", "{error}"),

		SessionsCreated:    b.counter(securityMeter, "apiguard.sessions.created.total", "Session creation attempts by result", "{session}"),
		SessionValidations: b.counter(securityMeter, "apiguard.sessions.validations.total", "Session validations by result", "{validation}"),
		SessionsCleanedUp:  b.counter(securityMeter, "apiguard.sessions.cleaned.total", "Idle sessions removed by cleanup", "{session}"),

		AuditEntriesWritten:   b.counter(securityMeter, "apiguard.audit.entries.total", "Audit entries written by result", "{entry}"),
		AuditRetentionDeleted: b.counter(securityMeter, "apiguard.audit.retention.deleted.total", "Audit entries deleted by retention", "{entry}"),

		JobRunsTotal: b.counter(jobsMeter, "apiguard.jobs.runs.total", "Background job runs by result", "{run}"),
		JobDuration:  b.histogram(jobsMeter, "apiguard.jobs.duration", "Background job duration in milliseconds", "ms"),

		StorageOperationTotal:    b.counter(storageMeter, "apiguard.storage.operations.total", "Storage operations by result", "{operation}"),
		StorageOperationDuration: b.histogram(storageMeter, "apiguard.storage.operation.duration", "Storage operation duration in milliseconds", "ms"),
		StorageSessions:          b.gauge(storageMeter, "apiguard.storage.sessions", "Stored sessions", "{session}"),
		StorageBlacklist:         b.gauge(storageMeter, "apiguard.storage.blacklist", "Stored blacklist entries", "{entry}"),
		StorageRateLimits:        b.gauge(storageMeter, "apiguard.storage.ratelimits", "Stored rate limit counters", "{counter}"),
		StorageAuditLogs:         b.gauge(storageMeter, "apiguard.storage.audit_logs", "Stored audit entries", "{entry}"),
		StorageEvents:            b.gauge(storageMeter, "apiguard.storage.events", "Stored security events", "{event}"),

		ProviderAPICallsTotal: b.counter(providerMeter, "apiguard.provider.api.calls.total", "Identity provider API calls", "{call}"),
		ProviderAPIDuration:   b.histogram(providerMeter, "apiguard.provider.api.duration", "Identity provider API call duration in milliseconds", "ms"),
		ProviderAPIErrors:     b.counter(providerMeter, "apiguard.provider.api.errors.total", "Identity provider API errors", "{error}"),
	}
	if b.err != nil {
		return nil, b.err
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
	m.HTTPRequestDuration.Record(ctx, durationMs, attrs)
}

// RecordAccessCheck records the outcome of a facade access check
func (m *Metrics) RecordAccessCheck(ctx context.Context, allowed bool, reason string, durationMs float64) {
	m.AccessChecksTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("allowed", allowed),
		attribute.String("reason", reason),
	))
	m.AccessCheckDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.Bool("allowed", allowed),
	))
}

// RecordValidation records the outcome of a request validation
func (m *Metrics) RecordValidation(ctx context.Context, valid, suspicious bool) {
	m.ValidationsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("valid", valid),
		attribute.Bool("suspicious", suspicious),
	))
}

// RecordSecurityEvent records a security event
func (m *Metrics) RecordSecurityEvent(ctx context.Context, eventType, severity string) {
	m.SecurityEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("severity", severity),
	))
}

// RecordRateLimitDecision records a rate limit decision ("allowed", "rejected", "error")
func (m *Metrics) RecordRateLimitDecision(ctx context.Context, scope, result string) {
	m.RateLimitDecisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("scope", scope),
		attribute.String("result", result),
	))
}

// RecordRateLimitEscalation records a rule class transition
func (m *Metrics) RecordRateLimitEscalation(ctx context.Context, from, to string) {
	m.RateLimitEscalations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordBlacklistCheck records a blacklist lookup ("hit", "miss", "error")
func (m *Metrics) RecordBlacklistCheck(ctx context.Context, result string) {
	m.BlacklistChecks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", result),
	))
}

// RecordTokenBlacklisted records a blacklist insertion
func (m *Metrics) RecordTokenBlacklisted(ctx context.Context, reason string) {
	m.TokensBlacklisted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// RecordTokenRotation records a rotation attempt ("rotated", "skipped", "error")
func (m *Metrics) RecordTokenRotation(ctx context.Context, result string) {
	m.TokenRotations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", result),
	))
}

// RecordInfrastructureError records a store or provider failure seen by a check
func (m *Metrics) RecordInfrastructureError(ctx context.Context, component, operation string) {
	m.InfrastructureErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("component", component),
		attribute.String("operation", operation),
	))
}

// RecordSessionCreated records a session creation attempt
func (m *Metrics) RecordSessionCreated(ctx context.Context, result string) {
	m.SessionsCreated.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", result),
	))
}

// RecordSessionValidation records a session validation
func (m *Metrics) RecordSessionValidation(ctx context.Context, result string) {
	m.SessionValidations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", result),
	))
}

// RecordSessionsCleanedUp records the number of sessions removed by a cleanup sweep
func (m *Metrics) RecordSessionsCleanedUp(ctx context.Context, count int64) {
	m.SessionsCleanedUp.Add(ctx, count)
}

// RecordAuditEntry records an audit write ("success" or "error")
func (m *Metrics) RecordAuditEntry(ctx context.Context, action, result string) {
	m.AuditEntriesWritten.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.String("result", result),
	))
}

// RecordAuditRetention records the number of audit entries removed by retention
func (m *Metrics) RecordAuditRetention(ctx context.Context, deleted int64, retentionDays int) {
	m.AuditRetentionDeleted.Add(ctx, deleted, metric.WithAttributes(
		attribute.Int("retention_days", retentionDays),
	))
}

// RecordJobRun records a background job run
func (m *Metrics) RecordJobRun(ctx context.Context, job string, err error, durationMs float64) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.JobRunsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("job", job),
		attribute.String("result", result),
	))
	m.JobDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("job", job),
	))
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// RecordProviderAPICall records a provider API call
func (m *Metrics) RecordProviderAPICall(ctx context.Context, provider, operation string, durationMs float64, err error) {
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("operation", operation),
	)

	m.ProviderAPICallsTotal.Add(ctx, 1, attrs)
	m.ProviderAPIDuration.Record(ctx, durationMs, attrs)

	if err != nil {
		m.ProviderAPIErrors.Add(ctx, 1, attrs)
	}
}
