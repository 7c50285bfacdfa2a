package contenthistory

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Kind tags a snapshot node.
type Kind int

// Node kinds. Documents are tree-shaped: maps and lists contain further
// values, everything else is a leaf.
const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindMap
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindMap:
		return "map"
	case KindList:
		return "list"
	}
	return "unknown"
}

// MaxDepth bounds snapshot nesting. Documents are trees by construction, but
// both the parser and the diff engine refuse to recurse past this bound so a
// malformed input fails with a diagnosable error instead of a stack overflow.
const MaxDepth = 64

// Value is a tagged recursive snapshot node: a mapping of values, a sequence
// of values, or a leaf (string, number, bool, null). Map key order is
// preserved as declared in the source document, which keeps diff output
// deterministic. Values are treated as immutable once attached to a Version.
//
// Numbers keep their exact source literal and compare by it, so "1" and
// "1.0" are distinct; equality is never fuzzy.
type Value struct {
	kind   Kind
	b      bool
	lit    string // numeric literal, verbatim
	s      string
	keys   []string
	fields map[string]*Value
	items  []*Value
}

// Null returns the null leaf.
func Null() *Value { return &Value{kind: KindNull} }

// Bool returns a boolean leaf.
func Bool(v bool) *Value { return &Value{kind: KindBool, b: v} }

// Number returns a numeric leaf from its JSON literal.
func Number(lit string) *Value { return &Value{kind: KindNumber, lit: lit} }

// Int returns a numeric leaf for an integer.
func Int(n int64) *Value { return &Value{kind: KindNumber, lit: strconv.FormatInt(n, 10)} }

// String returns a string leaf.
func String(s string) *Value { return &Value{kind: KindString, s: s} }

// NewMap returns an empty mapping node.
func NewMap() *Value {
	return &Value{kind: KindMap, fields: make(map[string]*Value)}
}

// NewList returns a sequence node over the given items.
func NewList(items ...*Value) *Value {
	return &Value{kind: KindList, items: items}
}

// Set assigns key on a mapping node, appending to the key order when the key
// is new. It returns the receiver for chained construction in tests and
// fixtures.
func (v *Value) Set(key string, child *Value) *Value {
	if v.kind != KindMap {
		panic("contenthistory: Set on non-map value")
	}
	if _, ok := v.fields[key]; !ok {
		v.keys = append(v.keys, key)
	}
	v.fields[key] = child
	return v
}

// Append adds items to a sequence node and returns the receiver.
func (v *Value) Append(items ...*Value) *Value {
	if v.kind != KindList {
		panic("contenthistory: Append on non-list value")
	}
	v.items = append(v.items, items...)
	return v
}

// Kind reports the node's tag.
func (v *Value) Kind() Kind { return v.kind }

// IsComposite reports whether the node is a map or list.
func (v *Value) IsComposite() bool { return v.kind == KindMap || v.kind == KindList }

// BoolVal returns the boolean leaf value.
func (v *Value) BoolVal() bool { return v.b }

// NumberLit returns the numeric leaf's source literal.
func (v *Value) NumberLit() string { return v.lit }

// StringVal returns the string leaf value.
func (v *Value) StringVal() string { return v.s }

// Keys returns the mapping's keys in declared order.
func (v *Value) Keys() []string {
	out := make([]string, len(v.keys))
	copy(out, v.keys)
	return out
}

// Field returns the child at key on a mapping node.
func (v *Value) Field(key string) (*Value, bool) {
	if v.kind != KindMap {
		return nil, false
	}
	child, ok := v.fields[key]
	return child, ok
}

// Len returns the number of items in a sequence node.
func (v *Value) Len() int { return len(v.items) }

// Item returns the i'th item of a sequence node.
func (v *Value) Item(i int) *Value { return v.items[i] }

// Equal reports deep value equality. Map comparison ignores key order (order
// is presentational); leaf comparison is exact.
func (v *Value) Equal(o *Value) bool {
	if v == nil || o == nil {
		return v == o
	}
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindNumber:
		return v.lit == o.lit
	case KindString:
		return v.s == o.s
	case KindMap:
		if len(v.keys) != len(o.keys) {
			return false
		}
		for k, child := range v.fields {
			other, ok := o.fields[k]
			if !ok || !child.Equal(other) {
				return false
			}
		}
		return true
	case KindList:
		if len(v.items) != len(o.items) {
			return false
		}
		for i, child := range v.items {
			if !child.Equal(o.items[i]) {
				return false
			}
		}
		return true
	}
	return false
}

// Clone returns a deep copy.
func (v *Value) Clone() *Value {
	if v == nil {
		return nil
	}
	out := &Value{kind: v.kind, b: v.b, lit: v.lit, s: v.s}
	switch v.kind {
	case KindMap:
		out.keys = make([]string, len(v.keys))
		copy(out.keys, v.keys)
		out.fields = make(map[string]*Value, len(v.fields))
		for k, child := range v.fields {
			out.fields[k] = child.Clone()
		}
	case KindList:
		out.items = make([]*Value, len(v.items))
		for i, child := range v.items {
			out.items[i] = child.Clone()
		}
	}
	return out
}

// deleteField removes a key from a mapping node. Used only by Apply on
// cloned documents.
func (v *Value) deleteField(key string) {
	if _, ok := v.fields[key]; !ok {
		return
	}
	delete(v.fields, key)
	for i, k := range v.keys {
		if k == key {
			v.keys = append(v.keys[:i], v.keys[i+1:]...)
			break
		}
	}
}

// ParseSnapshot decodes a JSON document into a Value, preserving map key
// order and exact numeric literals.
func ParseSnapshot(data []byte) (*Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := parseValue(dec, 0)
	if err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("trailing data after document")
	}
	return v, nil
}

func parseValue(dec *json.Decoder, depth int) (*Value, error) {
	if depth > MaxDepth {
		return nil, fmt.Errorf("%w (max %d)", ErrDepthExceeded, MaxDepth)
	}
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			v := NewMap()
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return nil, fmt.Errorf("unexpected object key %v", keyTok)
				}
				child, err := parseValue(dec, depth+1)
				if err != nil {
					return nil, err
				}
				v.Set(key, child)
			}
			if _, err := dec.Token(); err != nil { // consume '}'
				return nil, err
			}
			return v, nil
		case '[':
			v := NewList()
			for dec.More() {
				child, err := parseValue(dec, depth+1)
				if err != nil {
					return nil, err
				}
				v.Append(child)
			}
			if _, err := dec.Token(); err != nil { // consume ']'
				return nil, err
			}
			return v, nil
		}
		return nil, fmt.Errorf("unexpected delimiter %v", t)
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case json.Number:
		return Number(t.String()), nil
	case nil:
		return Null(), nil
	}
	return nil, fmt.Errorf("unexpected token %v", tok)
}

// MarshalJSON encodes the value with map keys in declared order and numeric
// literals verbatim.
func (v *Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v *Value) encode(buf *bytes.Buffer) error {
	switch v.kind {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		buf.WriteString(strconv.FormatBool(v.b))
	case KindNumber:
		buf.WriteString(v.lit)
	case KindString:
		b, err := json.Marshal(v.s)
		if err != nil {
			return err
		}
		buf.Write(b)
	case KindMap:
		buf.WriteByte('{')
		for i, k := range v.keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := v.fields[k].encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case KindList:
		buf.WriteByte('[')
		for i, child := range v.items {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := child.encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	}
	return nil
}

// UnmarshalJSON decodes into the receiver via ParseSnapshot.
func (v *Value) UnmarshalJSON(data []byte) error {
	parsed, err := ParseSnapshot(data)
	if err != nil {
		return err
	}
	*v = *parsed
	return nil
}

// SnapshotSchema is the structural contract a snapshot must satisfy before a
// version is committed. The engine does not own entity field validation
// beyond shape: the schema checks that required top-level sections are
// present and that media references are well-formed opaque identifiers.
type SnapshotSchema struct {
	// RequiredSections are top-level map keys that must be present.
	RequiredSections []string

	// MediaRefKeys are map keys, at any depth, whose values must be
	// non-empty opaque identifier strings (never raw binary or structures).
	MediaRefKeys []string
}

// DefaultSchema accepts any mapping-rooted document and validates fields
// named "media_ref" as media identifiers.
func DefaultSchema() SnapshotSchema {
	return SnapshotSchema{MediaRefKeys: []string{"media_ref"}}
}

// Validate checks snapshot against the schema, returning an
// *InvalidSnapshotError with path-level detail on failure.
func (s SnapshotSchema) Validate(snapshot *Value) error {
	if snapshot == nil || snapshot.Kind() != KindMap {
		return &InvalidSnapshotError{Violations: []SnapshotViolation{
			{Path: "", Reason: "snapshot root must be a mapping"},
		}}
	}
	var violations []SnapshotViolation
	for _, section := range s.RequiredSections {
		if _, ok := snapshot.Field(section); !ok {
			violations = append(violations, SnapshotViolation{
				Path:   section,
				Reason: "required section is missing",
			})
		}
	}
	violations = s.walk("", snapshot, 0, violations)
	if len(violations) > 0 {
		return &InvalidSnapshotError{Violations: violations}
	}
	return nil
}

func (s SnapshotSchema) walk(path string, v *Value, depth int, violations []SnapshotViolation) []SnapshotViolation {
	if depth > MaxDepth {
		return append(violations, SnapshotViolation{
			Path:   path,
			Reason: fmt.Sprintf("nesting exceeds %d levels", MaxDepth),
		})
	}
	switch v.Kind() {
	case KindMap:
		for _, k := range v.keys {
			child := v.fields[k]
			childPath := joinKey(path, k)
			if s.isMediaRefKey(k) {
				if reason, ok := mediaRefProblem(child); ok {
					violations = append(violations, SnapshotViolation{Path: childPath, Reason: reason})
				}
				continue
			}
			violations = s.walk(childPath, child, depth+1, violations)
		}
	case KindList:
		for i, child := range v.items {
			violations = s.walk(fmt.Sprintf("%s[%d]", path, i), child, depth+1, violations)
		}
	}
	return violations
}

func (s SnapshotSchema) isMediaRefKey(key string) bool {
	for _, k := range s.MediaRefKeys {
		if k == key {
			return true
		}
	}
	return false
}

func mediaRefProblem(v *Value) (string, bool) {
	if v.Kind() != KindString {
		return fmt.Sprintf("media reference must be a string identifier, got %s", v.Kind()), true
	}
	ref := v.StringVal()
	if ref == "" {
		return "media reference must not be empty", true
	}
	if strings.ContainsAny(ref, " \t\n\r") {
		return "media reference must not contain whitespace", true
	}
	return "", false
}

func joinKey(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "." + key
}
