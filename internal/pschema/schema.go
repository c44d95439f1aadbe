// Package pschema implements ProseQL's schema engine: a bidirectional
// decode/encode/validate contract between a collection's validated
// in-memory entity shape and its on-disk encoded shape.
//
// A Schema is a value (a tree of Field descriptors), not a Go type: checks
// are derived from data rather than from compile-time struct tags alone.
// Decode first passes the raw map through github.com/go-viper/mapstructure/v2
// (weakly typed, into a fresh map); the schema's own field walk then
// applies each field's declared Transform and checks presence, kind,
// literal unions, array element shape, and optionality.
package pschema

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-viper/mapstructure/v2"

	"github.com/simonwjackson/proseql/internal/perrors"
)

// Entity is ProseQL's document representation: a keyed bag of fields.
// Every collection's rows, every predicate target, and every populate
// result are Entity values.
type Entity = map[string]any

// Kind enumerates the structural shapes a Field may take.
type Kind int

const (
	KindString Kind = iota
	KindNumber
	KindBool
	KindArray
	KindObject
	KindUnion
	KindLiteral
	KindAny
)

// Transform is a value-level, bidirectional codec applied to a single
// field during decode/encode (e.g. "number stored as string").
type Transform interface {
	// FromStored converts the on-disk representation to the in-memory one.
	FromStored(v any) (any, error)
	// ToStored is the inverse, applied by Encode.
	ToStored(v any) (any, error)
}

// Field describes one named slot of a Schema.
type Field struct {
	Name      string
	Kind      Kind
	Optional  bool
	Elem      *Field   // KindArray: element descriptor
	Fields    []Field  // KindObject: nested fields
	Union     []Field  // KindUnion: alternatives, first structural match wins
	Literals  []any    // KindLiteral: the fixed allowed value(s)
	Transform Transform
}

// Schema is a Field-tree contract for one collection, plus the soft-delete
// flag derived from the presence of a deletedAt field.
type Schema struct {
	Version    int
	Fields     []Field
	SoftDelete bool
}

// New builds a Schema from its field list, deriving SoftDelete from the
// presence of a top-level "deletedAt" field.
func New(version int, fields []Field) *Schema {
	s := &Schema{Version: version, Fields: fields}
	for _, f := range fields {
		if f.Name == "deletedAt" {
			s.SoftDelete = true
		}
	}
	return s
}

// Decode validates raw (typically freshly-deserialized JSON/YAML/TOML, or
// a caller-supplied partial record) against the schema, applying every
// field's Transform.FromStored along the way, and returns the canonical
// in-memory Entity.
func (s *Schema) Decode(raw map[string]any) (Entity, error) {
	decoded := make(Entity, len(raw))
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &decoded,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, perrors.Wrap(perrors.KindValidation, "build decoder", err, nil)
	}
	if err := dec.Decode(raw); err != nil {
		return nil, perrors.Wrap(perrors.KindValidation, "structural decode failed", err, nil)
	}

	out := make(Entity, len(decoded))
	for k, v := range decoded {
		out[k] = v
	}

	if errs := s.walk(s.Fields, out, true); len(errs) > 0 {
		return nil, validationError(errs)
	}
	return out, nil
}

// Validate checks an already-decoded Entity structurally without applying
// any source transform — used after the engine synthesises fields such as
// createdAt/updatedAt that are already in their in-memory shape.
func (s *Schema) Validate(e Entity) error {
	if errs := s.walk(s.Fields, e, false); len(errs) > 0 {
		return validationError(errs)
	}
	return nil
}

// Encode inverts Decode: every field's Transform.ToStored is applied so
// the result round-trips through a codec back to the original on-disk
// shape (decode(encode(x)) == x).
func (s *Schema) Encode(e Entity) (map[string]any, error) {
	out := make(map[string]any, len(e))
	for _, f := range s.Fields {
		v, ok := e[f.Name]
		if !ok {
			continue
		}
		ev, err := encodeField(f, v)
		if err != nil {
			return nil, perrors.Wrap(perrors.KindSerialization, fmt.Sprintf("encode field %q", f.Name), err, map[string]any{"field": f.Name})
		}
		out[f.Name] = ev
	}
	// Pass through any field not declared in the schema (forward
	// compatibility for extra keys migrations may have left behind).
	for k, v := range e {
		if _, ok := out[k]; !ok {
			if !fieldDeclared(s.Fields, k) {
				out[k] = v
			}
		}
	}
	return out, nil
}

func fieldDeclared(fields []Field, name string) bool {
	for _, f := range fields {
		if f.Name == name {
			return true
		}
	}
	return false
}

func encodeField(f Field, v any) (any, error) {
	if f.Transform != nil {
		return f.Transform.ToStored(v)
	}
	if f.Kind == KindArray && f.Elem != nil {
		arr, ok := v.([]any)
		if !ok {
			return v, nil
		}
		out := make([]any, len(arr))
		for i, el := range arr {
			ev, err := encodeField(*f.Elem, el)
			if err != nil {
				return nil, err
			}
			out[i] = ev
		}
		return out, nil
	}
	if f.Kind == KindObject {
		m, ok := v.(map[string]any)
		if !ok {
			return v, nil
		}
		out := make(map[string]any, len(m))
		for _, nf := range f.Fields {
			if nv, present := m[nf.Name]; present {
				ev, err := encodeField(nf, nv)
				if err != nil {
					return nil, err
				}
				out[nf.Name] = ev
			}
		}
		return out, nil
	}
	return v, nil
}

// fieldErr carries a dotted field path alongside the structural complaint.
type fieldErr struct {
	Path     string
	Expected string
	Got      any
}

func (s *Schema) walk(fields []Field, entity map[string]any, applyTransform bool) []fieldErr {
	var errs []fieldErr
	for _, f := range fields {
		raw, present := entity[f.Name]
		if !present || raw == nil {
			if !f.Optional {
				errs = append(errs, fieldErr{Path: f.Name, Expected: "required", Got: nil})
			}
			continue
		}

		v := raw
		if applyTransform && f.Transform != nil {
			dv, err := f.Transform.FromStored(raw)
			if err != nil {
				errs = append(errs, fieldErr{Path: f.Name, Expected: "transformable value", Got: raw})
				continue
			}
			v = dv
			entity[f.Name] = v
		}

		if fe := checkKind(f, v, f.Name); len(fe) > 0 {
			errs = append(errs, fe...)
		}
	}
	return errs
}

func checkKind(f Field, v any, path string) []fieldErr {
	switch f.Kind {
	case KindString:
		if _, ok := v.(string); !ok {
			return []fieldErr{{Path: path, Expected: "string", Got: v}}
		}
	case KindNumber:
		switch v.(type) {
		case int, int64, float64, float32:
		default:
			return []fieldErr{{Path: path, Expected: "number", Got: v}}
		}
	case KindBool:
		if _, ok := v.(bool); !ok {
			return []fieldErr{{Path: path, Expected: "bool", Got: v}}
		}
	case KindArray:
		arr, ok := v.([]any)
		if !ok {
			return []fieldErr{{Path: path, Expected: "array", Got: v}}
		}
		if f.Elem == nil {
			return nil
		}
		var errs []fieldErr
		for i, el := range arr {
			errs = append(errs, checkKind(*f.Elem, el, fmt.Sprintf("%s[%d]", path, i))...)
		}
		return errs
	case KindObject:
		m, ok := v.(map[string]any)
		if !ok {
			return []fieldErr{{Path: path, Expected: "object", Got: v}}
		}
		var errs []fieldErr
		for _, nf := range f.Fields {
			nv, present := m[nf.Name]
			if !present || nv == nil {
				if !nf.Optional {
					errs = append(errs, fieldErr{Path: path + "." + nf.Name, Expected: "required", Got: nil})
				}
				continue
			}
			errs = append(errs, checkKind(nf, nv, path+"."+nf.Name)...)
		}
		return errs
	case KindUnion:
		for _, alt := range f.Union {
			if len(checkKind(alt, v, path)) == 0 {
				return nil
			}
		}
		return []fieldErr{{Path: path, Expected: "one of declared union shapes", Got: v}}
	case KindLiteral:
		for _, lit := range f.Literals {
			if lit == v {
				return nil
			}
		}
		return []fieldErr{{Path: path, Expected: literalList(f.Literals), Got: v}}
	case KindAny:
		return nil
	}
	return nil
}

func literalList(vals []any) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = fmt.Sprintf("%v", v)
	}
	sort.Strings(parts)
	return "one of [" + strings.Join(parts, ", ") + "]"
}

func validationError(errs []fieldErr) error {
	parts := make([]string, len(errs))
	for i, e := range errs {
		parts[i] = fmt.Sprintf("%s: expected %s, got %v", e.Path, e.Expected, e.Got)
	}
	first := errs[0]
	return perrors.New(perrors.KindValidation, strings.Join(parts, "; "), map[string]any{
		"field":    first.Path,
		"expected": first.Expected,
		"value":    first.Got,
	})
}
