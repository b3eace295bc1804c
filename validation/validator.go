// Package validation checks inbound payloads against field rules, scans every string
// value for injection signatures and produces HTML-safe copies of untrusted values.
//
// Rule violations are reported to the caller and never short-circuit: every
// violation of every field is returned. Signature hits never fail validation; they
// are recorded as suspicious_activity security events so the caller is not told
// which input tripped detection.
package validation

import (
	"context"
	"html"
	"log/slog"
	"regexp"
	"sort"
	"sync"

	"github.com/lingualeap/apiguard/instrumentation"
	"github.com/lingualeap/apiguard/internal/walk"
	"github.com/lingualeap/apiguard/security"
)

// Config configures a Validator
type Config struct {
	// Signatures replaces DefaultSignatures when non-empty
	Signatures []Signature

	// MaxDepth bounds the traversal of nested payloads (default: walk.DefaultMaxDepth)
	MaxDepth int
}

// Result is the outcome of Validate
type Result struct {
	IsValid bool         `json:"isValid"`
	Errors  []FieldError `json:"errors"`
}

// Messages returns the error messages of r in order
func (r Result) Messages() []string {
	out := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		out = append(out, e.Message)
	}
	return out
}

// Validator validates request payloads. It is safe for concurrent use.
type Validator struct {
	recorder   security.Recorder
	logger     *slog.Logger
	signatures []Signature
	maxDepth   int
	metrics    *instrumentation.Metrics

	patterns sync.Map // pattern string -> *regexp.Regexp or error
}

// New creates a Validator that reports suspicious input to recorder
func New(cfg Config, recorder security.Recorder, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	signatures := cfg.Signatures
	if len(signatures) == 0 {
		signatures = DefaultSignatures
	}
	maxDepth := cfg.MaxDepth
	if maxDepth <= 0 {
		maxDepth = walk.DefaultMaxDepth
	}
	return &Validator{
		recorder:   recorder,
		logger:     logger,
		signatures: signatures,
		maxDepth:   maxDepth,
	}
}

// SetInstrumentation enables validation metrics
func (v *Validator) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst != nil {
		v.metrics = inst.Metrics()
	}
}

// Validate checks payload against rules and scans it for injection signatures.
// Errors are ordered by field name.
func (v *Validator) Validate(ctx context.Context, endpoint, method string, payload map[string]any, rules Rules) Result {
	fields := make([]string, 0, len(rules))
	for field := range rules {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	var errs []FieldError
	for _, field := range fields {
		rule := rules[field]
		value, present := payload[field]
		if !present || isBlank(value) {
			if rule.Required {
				errs = append(errs, FieldError{
					Field:   field,
					Code:    CodeRequired,
					Message: field + " is required",
				})
			}
			continue
		}
		errs = v.checkField(field, value, rule, errs)
	}

	matches := v.Scan(payload)
	if len(matches) > 0 {
		v.reportSuspicious(ctx, endpoint, method, matches)
	}

	result := Result{IsValid: len(errs) == 0, Errors: errs}
	if result.Errors == nil {
		result.Errors = []FieldError{}
	}

	if v.metrics != nil {
		v.metrics.RecordValidation(ctx, result.IsValid, len(matches) > 0)
	}

	return result
}

// Scan returns the injection signature hits found in the string leaves of value
func (v *Validator) Scan(value any) []Match {
	return scan(value, v.signatures, v.maxDepth)
}

// Sanitize returns a copy of value with every string leaf HTML-escaped.
// Nil passes through; arrays keep their order and maps keep their keys.
func (v *Validator) Sanitize(value any) any {
	return sanitize(value, v.maxDepth)
}

// Sanitize is Validator.Sanitize with the default depth limit
func Sanitize(value any) any {
	return sanitize(value, walk.DefaultMaxDepth)
}

func sanitize(value any, maxDepth int) any {
	if value == nil {
		return nil
	}
	return walk.TransformDepth(value, func(_, s string) string {
		return html.EscapeString(s)
	}, maxDepth)
}

func (v *Validator) reportSuspicious(ctx context.Context, endpoint, method string, matches []Match) {
	ip := security.ClientIPFromContext(ctx)

	v.logger.Warn("Injection signature detected in request payload",
		"endpoint", endpoint,
		"method", method,
		"fields", fieldNames(matches),
		"signatures", signatureNames(matches))

	security.Emit(ctx, v.recorder, v.logger, security.Event{
		Type:     security.EventSuspiciousActivity,
		Severity: security.SeverityHigh,
		IP:       ip,
		Details: map[string]any{
			"endpoint":   endpoint,
			"method":     method,
			"signatures": signatureNames(matches),
			"fields":     fieldNames(matches),
			"matches":    len(matches),
		},
	})
}

// compile returns the cached compiled form of pattern
func (v *Validator) compile(pattern string) (*regexp.Regexp, error) {
	if cached, ok := v.patterns.Load(pattern); ok {
		if re, ok := cached.(*regexp.Regexp); ok {
			return re, nil
		}
		return nil, cached.(error)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		v.logger.Warn("Invalid validation pattern", "pattern", pattern, "error", err)
		v.patterns.Store(pattern, err)
		return nil, err
	}
	v.patterns.Store(pattern, re)
	return re, nil
}
