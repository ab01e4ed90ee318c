// Package model holds the data types shared across the ingestion, detection,
// and correlation pipeline.
package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ValueKind identifies the concrete type held by a Value.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

// Value is a typed JSON-shaped tree used for log attributes, detection
// expressions, and notification payloads. It exists so rule predicates
// operate on a stable representation instead of walking untyped
// map[string]interface{} trees with repeated type assertions.
type Value struct {
	kind ValueKind
	b    bool
	n    float64
	s    string
	arr  []Value
	obj  map[string]Value
}

func Null() Value             { return Value{kind: KindNull} }
func Bool(b bool) Value       { return Value{kind: KindBool, b: b} }
func Number(n float64) Value  { return Value{kind: KindNumber, n: n} }
func String(s string) Value   { return Value{kind: KindString, s: s} }
func Array(vs []Value) Value  { return Value{kind: KindArray, arr: vs} }
func Object(m map[string]Value) Value {
	return Value{kind: KindObject, obj: m}
}

func (v Value) Kind() ValueKind { return v.kind }
func (v Value) IsNull() bool    { return v.kind == KindNull }

func (v Value) AsBool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

func (v Value) AsNumber() (float64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	return v.n, true
}

func (v Value) AsString() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.s, true
}

func (v Value) AsArray() ([]Value, bool) {
	if v.kind != KindArray {
		return nil, false
	}
	return v.arr, true
}

func (v Value) AsObject() (map[string]Value, bool) {
	if v.kind != KindObject {
		return nil, false
	}
	return v.obj, true
}

// String renders the value using a form suitable for substring/prefix/suffix
// matching against rule field predicates.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return ""
	case KindBool:
		if v.b {
			return "true"
		}
		return "false"
	case KindNumber:
		return trimFloat(v.n)
	case KindString:
		return v.s
	case KindArray:
		out := make([]string, len(v.arr))
		for i, e := range v.arr {
			out[i] = e.String()
		}
		return fmt.Sprintf("%v", out)
	case KindObject:
		return fmt.Sprintf("%v", v.obj)
	default:
		return ""
	}
}

func trimFloat(f float64) string {
	if f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%g", f)
}

// FromAny converts a decoded encoding/json value (as produced by
// json.Unmarshal into interface{}) into a Value tree.
func FromAny(a any) Value {
	switch t := a.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(t)
	case float64:
		return Number(t)
	case int:
		return Number(float64(t))
	case int64:
		return Number(float64(t))
	case uint64:
		return Number(float64(t))
	case json.Number:
		f, _ := t.Float64()
		return Number(f)
	case string:
		return String(t)
	case []any:
		vs := make([]Value, len(t))
		for i, e := range t {
			vs[i] = FromAny(e)
		}
		return Array(vs)
	case map[string]any:
		m := make(map[string]Value, len(t))
		for k, e := range t {
			m[k] = FromAny(e)
		}
		return Object(m)
	default:
		return String(fmt.Sprintf("%v", t))
	}
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.b)
	case KindNumber:
		return json.Marshal(v.n)
	case KindString:
		return json.Marshal(v.s)
	case KindArray:
		return json.Marshal(v.arr)
	case KindObject:
		return json.Marshal(v.obj)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	var a any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&a); err != nil {
		return err
	}
	*v = FromAny(a)
	return nil
}
