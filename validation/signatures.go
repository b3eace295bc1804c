package validation

import (
	"regexp"
	"sort"
	"strings"

	"github.com/lingualeap/apiguard/internal/walk"
)

// Signature is a named injection pattern
type Signature struct {
	Name    string
	Pattern *regexp.Regexp
}

// Match is a signature hit inside a payload field
type Match struct {
	Field     string `json:"field"`
	Signature string `json:"signature"`
}

// DefaultSignatures are the injection patterns scanned on every string value
var DefaultSignatures = []Signature{
	{Name: "script_tag", Pattern: regexp.MustCompile(`(?i)<\s*/?\s*script\b`)},
	{Name: "javascript_uri", Pattern: regexp.MustCompile(`(?i)\bjavascript\s*:`)},
	{Name: "vbscript_uri", Pattern: regexp.MustCompile(`(?i)\bvbscript\s*:`)},
	{Name: "event_handler", Pattern: regexp.MustCompile(`(?i)\bon[a-z]+\s*=`)},
	{Name: "html_injection", Pattern: regexp.MustCompile(`(?i)<\s*(iframe|object|embed|svg|img)\b[^>]*>`)},
	{Name: "sql_union_select", Pattern: regexp.MustCompile(`(?i)\bunion\b(\s+all)?\s+select\b`)},
	{Name: "sql_stacked_statement", Pattern: regexp.MustCompile(`(?i);\s*(select|insert|update|delete|drop|truncate|alter|exec)\b`)},
	{Name: "sql_tautology", Pattern: regexp.MustCompile(`(?i)['"]\s*(or|and)\s+['"]?\w+['"]?\s*=\s*['"]?\w+`)},
	{Name: "sql_comment", Pattern: regexp.MustCompile(`(['";]\s*(--|#|/\*))|(/\*.*?\*/)|(--\s*$)`)},
}

// scan returns every signature hit in the string leaves of value, sorted by field
func scan(value any, signatures []Signature, maxDepth int) []Match {
	seen := make(map[Match]bool)
	var matches []Match

	walk.TransformDepth(value, func(key, s string) string {
		if s == "" {
			return s
		}
		for _, sig := range signatures {
			if !sig.Pattern.MatchString(s) {
				continue
			}
			m := Match{Field: key, Signature: sig.Name}
			if !seen[m] {
				seen[m] = true
				matches = append(matches, m)
			}
		}
		return s
	}, maxDepth)

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Field != matches[j].Field {
			return matches[i].Field < matches[j].Field
		}
		return matches[i].Signature < matches[j].Signature
	})
	return matches
}

// signatureNames returns the distinct signature names in matches
func signatureNames(matches []Match) []string {
	seen := make(map[string]bool, len(matches))
	var names []string
	for _, m := range matches {
		if !seen[m.Signature] {
			seen[m.Signature] = true
			names = append(names, m.Signature)
		}
	}
	sort.Strings(names)
	return names
}

func fieldNames(matches []Match) string {
	seen := make(map[string]bool, len(matches))
	var names []string
	for _, m := range matches {
		if !seen[m.Field] {
			seen[m.Field] = true
			names = append(names, m.Field)
		}
	}
	return strings.Join(names, ",")
}
