// Package walk transforms untyped, JSON-like values through a typed visitor.
//
// Values are classified into a tagged union of null, string, scalar, sequence and
// mapping. Mappings keep their keys, sequences keep their order, and only string
// leaves are handed to the caller. Structs are mappings over their exported fields,
// named the way encoding/json names them; structs that marshal themselves as text
// (time.Time) are scalars. Traversal stops at MaxDepth and on reference
// cycles, replacing the offending node with a marker string.
package walk

import (
	"encoding"
	"encoding/json"
	"reflect"
	"strings"
)

// Kind is the tag of a visited node.
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindScalar
	KindSequence
	KindMapping
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindScalar:
		return "scalar"
	case KindSequence:
		return "sequence"
	case KindMapping:
		return "mapping"
	default:
		return "unknown"
	}
}

const (
	// DefaultMaxDepth bounds nesting of sequences and mappings
	DefaultMaxDepth = 64

	// CycleMarker replaces a container that contains itself
	CycleMarker = "[cycle]"

	// DepthMarker replaces containers nested deeper than the limit
	DepthMarker = "[max depth]"
)

// StringFunc transforms a string leaf. key is the nearest enclosing mapping key,
// inherited by sequence elements; it is empty at the top level.
type StringFunc func(key, value string) string

// LeafFunc transforms a null, string or scalar leaf. key follows the same rule as StringFunc.
type LeafFunc func(key string, leaf any, kind Kind) any

var (
	textMarshalerType = reflect.TypeFor[encoding.TextMarshaler]()
	jsonMarshalerType = reflect.TypeFor[json.Marshaler]()
)

// KindOf classifies v
func KindOf(v any) Kind {
	if v == nil {
		return KindNull
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return KindNull
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.String:
		return KindString
	case reflect.Slice:
		if rv.IsNil() {
			return KindNull
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return KindScalar
		}
		return KindSequence
	case reflect.Array:
		return KindSequence
	case reflect.Map:
		if rv.IsNil() {
			return KindNull
		}
		if rv.Type().Key().Kind() == reflect.String {
			return KindMapping
		}
		return KindScalar
	case reflect.Struct:
		if marshalsAs(rv.Type(), textMarshalerType) {
			return KindScalar
		}
		return KindMapping
	default:
		return KindScalar
	}
}

func marshalsAs(t, iface reflect.Type) bool {
	return t.Implements(iface) || reflect.PointerTo(t).Implements(iface)
}

// Transform returns a copy of v with fn applied to every string leaf.
// Mappings are returned as map[string]any and sequences as []any.
func Transform(v any, fn StringFunc) any {
	return TransformDepth(v, fn, DefaultMaxDepth)
}

// TransformDepth is Transform with an explicit depth limit
func TransformDepth(v any, fn StringFunc, maxDepth int) any {
	return TransformLeaves(v, func(key string, leaf any, kind Kind) any {
		if kind != KindString {
			return leaf
		}
		return fn(key, stringValue(leaf))
	}, maxDepth)
}

// TransformLeaves returns a copy of v with fn applied to every leaf, including
// nulls and non-string scalars. A maxDepth <= 0 uses DefaultMaxDepth.
func TransformLeaves(v any, fn LeafFunc, maxDepth int) any {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	w := &walker{
		fn:       fn,
		maxDepth: maxDepth,
		visiting: make(map[ref]bool),
	}
	return w.visit("", v, 0)
}

// Clone returns a deep copy of v with the same normalization as Transform
func Clone(v any) any {
	return Transform(v, func(_, s string) string { return s })
}

type walker struct {
	fn       LeafFunc
	maxDepth int
	visiting map[ref]bool // containers on the current path
}

type ref struct {
	ptr uintptr
	typ reflect.Type
}

func (w *walker) visit(key string, v any, depth int) any {
	if kind := KindOf(v); kind == KindNull || kind == KindString || kind == KindScalar {
		return w.fn(key, v, kind)
	}

	if depth >= w.maxDepth {
		return DepthMarker
	}

	orig := reflect.ValueOf(v)
	rv := indirect(orig)

	var r ref
	switch {
	case rv.Kind() == reflect.Map || rv.Kind() == reflect.Slice:
		r = ref{ptr: rv.Pointer(), typ: rv.Type()}
	case rv.Kind() == reflect.Struct && orig.Kind() == reflect.Pointer:
		r = ref{ptr: orig.Pointer(), typ: orig.Type()}
	}
	if r.typ != nil {
		if w.visiting[r] {
			return CycleMarker
		}
		w.visiting[r] = true
		defer delete(w.visiting, r)
	}

	switch rv.Kind() {
	case reflect.Map:
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k := iter.Key().String()
			out[k] = w.visit(k, iter.Value().Interface(), depth+1)
		}
		return out
	case reflect.Struct:
		if m, ok := v.(json.Marshaler); ok {
			if decoded, ok := decodeMarshaled(m); ok {
				return w.visit(key, decoded, depth)
			}
		}
		out := make(map[string]any, rv.NumField())
		w.structFields(rv, out, depth)
		return out
	}

	out := make([]any, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		out[i] = w.visit(key, rv.Index(i).Interface(), depth+1)
	}
	return out
}

// structFields adds the exported fields of rv to out. Fields of embedded structs are
// promoted unless a shallower field already has the name.
func (w *walker) structFields(rv reflect.Value, out map[string]any, depth int) {
	t := rv.Type()
	var embedded []reflect.Value
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name, omitEmpty, ok := fieldName(f)
		if !ok {
			continue
		}
		fv := rv.Field(i)

		if f.Anonymous && name == "" {
			inner := fv
			if inner.Kind() == reflect.Pointer {
				if inner.IsNil() {
					continue
				}
				inner = inner.Elem()
			}
			if inner.Kind() == reflect.Struct && !marshalsAs(inner.Type(), textMarshalerType) &&
				!marshalsAs(inner.Type(), jsonMarshalerType) {
				embedded = append(embedded, inner)
				continue
			}
		}
		if !f.IsExported() || !fv.CanInterface() {
			continue
		}
		if omitEmpty && isEmptyValue(fv) {
			continue
		}
		if name == "" {
			name = f.Name
		}
		out[name] = w.visit(name, fv.Interface(), depth+1)
	}

	for _, inner := range embedded {
		promoted := make(map[string]any, inner.NumField())
		w.structFields(inner, promoted, depth)
		for k, v := range promoted {
			if _, taken := out[k]; !taken {
				out[k] = v
			}
		}
	}
}

// fieldName returns the json tag name of f, empty when the tag sets none.
// ok is false for fields tagged "-".
func fieldName(f reflect.StructField) (name string, omitEmpty, ok bool) {
	tag, hasTag := f.Tag.Lookup("json")
	if tag == "-" {
		return "", false, false
	}
	if !hasTag {
		return "", false, true
	}
	name, opts, _ := strings.Cut(tag, ",")
	for _, opt := range strings.Split(opts, ",") {
		if opt == "omitempty" {
			omitEmpty = true
		}
	}
	return name, omitEmpty, true
}

func isEmptyValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.String:
		return v.Len() == 0
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64,
		reflect.Interface, reflect.Pointer:
		return v.IsZero()
	}
	return false
}

// decodeMarshaled round-trips m through its own JSON encoding into untyped values
func decodeMarshaled(m json.Marshaler) (any, bool) {
	raw, err := m.MarshalJSON()
	if err != nil {
		return nil, false
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, false
	}
	return decoded, true
}

func indirect(rv reflect.Value) reflect.Value {
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		rv = rv.Elem()
	}
	return rv
}

func stringValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return indirect(reflect.ValueOf(v)).String()
}
