// Package redact masks sensitive values in nested, JSON-like data.
//
// A string leaf is masked when the name of its enclosing key contains a sensitive
// field token, or, failing that, when its value contains a sensitive pattern.
// Masks preserve just enough structure to stay useful: the domain of an email
// address and the last four digits of card, phone and social security numbers.
// Secrets are replaced wholesale.
//
// Redaction is idempotent: redacting already redacted data changes nothing.
package redact

import (
	"cmp"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/lingualeap/apiguard/internal/walk"
)

// Kind identifies the masking applied to a value.
type Kind string

const (
	KindNone   Kind = ""
	KindSecret Kind = "secret"
	KindEmail  Kind = "email"
	KindCard   Kind = "card"
	KindPhone  Kind = "phone"
	KindSSN    Kind = "ssn"
)

const (
	// SecretMask replaces passwords, tokens, secrets and API keys. Its length is fixed
	// so the original length does not leak.
	SecretMask = "********"

	// keepDigits is the number of trailing digits left visible on number masks
	keepDigits = 4
)

// fieldTokens maps normalized key fragments to the mask they select.
// Keys are normalized by lowercasing and dropping '_', '-' and spaces, so
// "api_key", "apiKey" and "API-Key" all contain "apikey".
var fieldTokens = []struct {
	token string
	kind  Kind
}{
	{"password", KindSecret},
	{"passwd", KindSecret},
	{"secret", KindSecret},
	{"token", KindSecret},
	{"apikey", KindSecret},
	{"creditcard", KindCard},
	{"cardnumber", KindCard},
	{"ssn", KindSSN},
	{"email", KindEmail},
	{"phone", KindPhone},
}

// Each pattern captures the sensitive value in group 1. The leading group requires the
// value to start the string or follow a character that cannot continue an address, a
// number or an earlier mask, so a masked value never exposes a new match.
var (
	emailPattern = regexp.MustCompile(`(?:^|[^\w.%+\-@*])([A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,})`)
	ssnPattern   = regexp.MustCompile(`(?:^|[^\w.@*\-])([0-9]{3}-[0-9]{2}-[0-9]{4})\b`)
	cardPattern  = regexp.MustCompile(`(?:^|[^\w.@*\-])((?:[0-9][ -]?){12,18}[0-9])\b`)
	phonePattern = regexp.MustCompile(`(?:^|[^\w.@*\-])((?:\+?[0-9]{1,3}[-.\s]?)?\(?[0-9]{3}\)?[-.\s]?[0-9]{3}[-.\s]?[0-9]{4})\b`)
)

// detectors run in priority order; a match overlapping an earlier one is dropped.
var detectors = []struct {
	pattern *regexp.Regexp
	accept  func(string) bool
	mask    func(string) string
}{
	{emailPattern, nil, maskEmail},
	{ssnPattern, nil, maskDigits},
	{cardPattern, luhnValid, maskDigits},
	{phonePattern, nil, maskDigits},
}

// KindForKey returns the mask selected by a field name, or KindNone
func KindForKey(key string) Kind {
	if key == "" {
		return KindNone
	}
	normalized := strings.NewReplacer("_", "", "-", "", " ", "").Replace(strings.ToLower(key))
	for _, ft := range fieldTokens {
		if strings.Contains(normalized, ft.token) {
			return ft.kind
		}
	}
	return KindNone
}

// Value redacts v and returns the redacted copy. v itself is not modified.
func Value(v any) any {
	return walk.TransformLeaves(v, redactLeaf, walk.DefaultMaxDepth)
}

// Map redacts a string-keyed map. A nil map stays nil.
func Map(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out, _ := Value(m).(map[string]any)
	return out
}

func redactLeaf(key string, leaf any, kind walk.Kind) any {
	maskKind := KindForKey(key)

	switch kind {
	case walk.KindNull:
		return leaf
	case walk.KindScalar:
		// numbers and booleans under a sensitive key are masked like strings
		if maskKind == KindNone {
			return leaf
		}
		if _, isBool := leaf.(bool); isBool {
			return leaf
		}
		return Mask(maskKind, fmt.Sprint(leaf))
	}

	s, _ := leaf.(string)
	if s == "" {
		s = fmt.Sprint(leaf)
	}
	if maskKind != KindNone {
		return Mask(maskKind, s)
	}
	return String(s)
}

// String masks every sensitive pattern found inside s.
//
// All detectors match against the same input and every accepted span is masked once.
// The pass repeats until it changes nothing, so String(String(s)) == String(s).
func String(s string) string {
	for {
		out := maskSpans(s)
		if out == s {
			return out
		}
		s = out
	}
}

type span struct {
	start, end int
	mask       func(string) string
}

func maskSpans(s string) string {
	var spans []span
	for _, d := range detectors {
		for _, m := range d.pattern.FindAllStringSubmatchIndex(s, -1) {
			start, end := m[2], m[3]
			if d.accept != nil && !d.accept(s[start:end]) {
				continue
			}
			if overlaps(spans, start, end) {
				continue
			}
			spans = append(spans, span{start: start, end: end, mask: d.mask})
		}
	}
	if len(spans) == 0 {
		return s
	}

	slices.SortFunc(spans, func(a, b span) int { return cmp.Compare(a.start, b.start) })
	var b strings.Builder
	b.Grow(len(s))
	last := 0
	for _, sp := range spans {
		b.WriteString(s[last:sp.start])
		b.WriteString(sp.mask(s[sp.start:sp.end]))
		last = sp.end
	}
	b.WriteString(s[last:])
	return b.String()
}

func overlaps(spans []span, start, end int) bool {
	for _, sp := range spans {
		if start < sp.end && sp.start < end {
			return true
		}
	}
	return false
}

// Mask applies the mask of kind to the whole value
func Mask(kind Kind, s string) string {
	switch kind {
	case KindSecret:
		if s == "" {
			return s
		}
		return SecretMask
	case KindEmail:
		if !strings.Contains(s, "@") {
			return maskAll(s)
		}
		return maskEmail(s)
	case KindCard, KindPhone, KindSSN:
		return maskDigits(s)
	default:
		return s
	}
}

// maskEmail masks the local part and keeps the domain
func maskEmail(s string) string {
	at := strings.LastIndex(s, "@")
	if at <= 0 {
		return maskAll(s)
	}
	return strings.Repeat("*", len([]rune(s[:at]))) + s[at:]
}

// maskDigits replaces every digit except the last keepDigits with '*', leaving separators in place.
// A value with keepDigits or fewer digits left is returned unchanged, which makes the mask idempotent.
func maskDigits(s string) string {
	total := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			total++
		}
	}
	if total <= keepDigits {
		return s
	}

	toMask := total - keepDigits
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' && toMask > 0 {
			b.WriteByte('*')
			toMask--
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func maskAll(s string) string {
	if s == "" {
		return s
	}
	return strings.Repeat("*", len([]rune(s)))
}

// luhnValid reports whether the digits in s pass the Luhn checksum
func luhnValid(s string) bool {
	sum := 0
	double := false
	digits := 0
	for i := len(s) - 1; i >= 0; i-- {
		c := s[i]
		if c < '0' || c > '9' {
			continue
		}
		d := int(c - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
		digits++
	}
	return digits >= 13 && sum%10 == 0
}
