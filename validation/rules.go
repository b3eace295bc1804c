package validation

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/lingualeap/apiguard/internal/walk"
)

// FieldType is the expected type of a payload field
type FieldType string

const (
	TypeAny     FieldType = ""
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeInteger FieldType = "integer"
	TypeBoolean FieldType = "boolean"
	TypeArray   FieldType = "array"
	TypeObject  FieldType = "object"
	TypeEmail   FieldType = "email"
)

// Error codes reported in FieldError.Code
const (
	CodeRequired    = "required"
	CodeType        = "type"
	CodeMinLength   = "min_length"
	CodeMaxLength   = "max_length"
	CodePattern     = "pattern"
	CodeInvalidRule = "invalid_rule"
)

// FieldRule describes the constraints of one payload field.
// Zero values mean "no constraint". Lengths count characters for strings
// and elements for arrays.
type FieldRule struct {
	Type      FieldType `json:"type,omitempty" toml:"type"`
	Required  bool      `json:"required,omitempty" toml:"required"`
	MinLength int       `json:"minLength,omitempty" toml:"min_length"`
	MaxLength int       `json:"maxLength,omitempty" toml:"max_length"`
	Pattern   string    `json:"pattern,omitempty" toml:"pattern"`
}

// Rules maps field names to their rule
type Rules map[string]FieldRule

// FieldError is a single rule violation
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface
func (e FieldError) Error() string {
	return e.Message
}

var emailAddress = regexp.MustCompile(`^[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}$`)

// checkField appends every violation of rule by value to errs
func (v *Validator) checkField(field string, value any, rule FieldRule, errs []FieldError) []FieldError {
	if rule.Type != TypeAny && !matchesType(value, rule.Type) {
		errs = append(errs, FieldError{
			Field:   field,
			Code:    CodeType,
			Message: fmt.Sprintf("%s must be of type %s", field, rule.Type),
		})
	}

	if length, ok := lengthOf(value); ok {
		if rule.MinLength > 0 && length < rule.MinLength {
			errs = append(errs, FieldError{
				Field:   field,
				Code:    CodeMinLength,
				Message: fmt.Sprintf("%s must be at least %d characters", field, rule.MinLength),
			})
		}
		if rule.MaxLength > 0 && length > rule.MaxLength {
			errs = append(errs, FieldError{
				Field:   field,
				Code:    CodeMaxLength,
				Message: fmt.Sprintf("%s must be at most %d characters", field, rule.MaxLength),
			})
		}
	}

	if rule.Pattern != "" {
		s, isString := value.(string)
		re, err := v.compile(rule.Pattern)
		switch {
		case err != nil:
			errs = append(errs, FieldError{
				Field:   field,
				Code:    CodeInvalidRule,
				Message: fmt.Sprintf("%s has an invalid pattern rule", field),
			})
		case !isString || !re.MatchString(s):
			errs = append(errs, FieldError{
				Field:   field,
				Code:    CodePattern,
				Message: fmt.Sprintf("%s has an invalid format", field),
			})
		}
	}

	return errs
}

func matchesType(value any, t FieldType) bool {
	switch t {
	case TypeString:
		_, ok := value.(string)
		return ok
	case TypeEmail:
		s, ok := value.(string)
		return ok && emailAddress.MatchString(s)
	case TypeBoolean:
		_, ok := value.(bool)
		return ok
	case TypeNumber:
		_, ok := toFloat(value)
		return ok
	case TypeInteger:
		f, ok := toFloat(value)
		return ok && f == math.Trunc(f) && !math.IsInf(f, 0)
	case TypeArray:
		return walk.KindOf(value) == walk.KindSequence
	case TypeObject:
		return walk.KindOf(value) == walk.KindMapping
	default:
		return true
	}
}

func toFloat(value any) (float64, bool) {
	switch n := value.(type) {
	case float64:
		return n, !math.IsNaN(n)
	case float32:
		return float64(n), !math.IsNaN(float64(n))
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// lengthOf returns the character count of a string or the element count of an array
func lengthOf(value any) (int, bool) {
	if s, ok := value.(string); ok {
		return utf8.RuneCountInString(s), true
	}
	if arr, ok := value.([]any); ok {
		return len(arr), true
	}
	return 0, false
}

// isBlank reports whether value counts as absent for a required field
func isBlank(value any) bool {
	if value == nil {
		return true
	}
	if s, ok := value.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}
