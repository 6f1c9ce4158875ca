// Package kv implements the dynamically typed key/value tree used for every
// persisted SCR metadata file (cache index, filemaps, prefix index, halt
// state, flush state, dataset summaries and redundancy shard headers).
//
// The tree is the tagged-union value type called for in the design notes:
// String | Int | Bytes | Map | List. The canonical on-disk encoding is JSON,
// which is text and endian-agnostic as the wire-format note in spec.md §6
// requires, and lets Bytes round-trip via the standard base64 string
// encoding without a bespoke format.
package kv

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// Kind identifies which alternative of the tagged union a Value holds.
type Kind int

const (
	KindMissing Kind = iota
	KindString
	KindInt
	KindBytes
	KindMap
	KindList
)

// Value is one node of a key/value tree. Only the field matching Kind is
// meaningful; accessors below return ok=false for any mismatch.
type Value struct {
	Kind  Kind
	Str   string
	Int   int64
	Bytes []byte
	Map   map[string]*Value
	List  []*Value
}

func String(s string) *Value { return &Value{Kind: KindString, Str: s} }
func Int(i int64) *Value     { return &Value{Kind: KindInt, Int: i} }
func Bin(b []byte) *Value    { return &Value{Kind: KindBytes, Bytes: b} }
func NewMap() *Value         { return &Value{Kind: KindMap, Map: make(map[string]*Value)} }
func NewList() *Value        { return &Value{Kind: KindList} }

// Get looks up a typed-value-or-missing result for key in a Map value.
func (v *Value) Get(key string) (*Value, bool) {
	if v == nil || v.Kind != KindMap {
		return nil, false
	}
	child, ok := v.Map[key]
	return child, ok
}

// Set inserts or replaces key in a Map value, initializing the map if the
// receiver was the zero Value.
func (v *Value) Set(key string, child *Value) *Value {
	if v.Kind != KindMap {
		v.Kind = KindMap
		v.Map = make(map[string]*Value)
	}
	v.Map[key] = child
	return v
}

// Append adds an element to a List value, initializing it if zero.
func (v *Value) Append(child *Value) *Value {
	if v.Kind != KindList {
		v.Kind = KindList
	}
	v.List = append(v.List, child)
	return v
}

// AsString returns the string alternative, or ok=false if the value is not
// a String (or is nil/missing).
func (v *Value) AsString() (string, bool) {
	if v == nil || v.Kind != KindString {
		return "", false
	}
	return v.Str, true
}

// AsInt returns the int alternative, or ok=false otherwise.
func (v *Value) AsInt() (int64, bool) {
	if v == nil || v.Kind != KindInt {
		return 0, false
	}
	return v.Int, true
}

// AsBytes returns the bytes alternative, or ok=false otherwise.
func (v *Value) AsBytes() ([]byte, bool) {
	if v == nil || v.Kind != KindBytes {
		return nil, false
	}
	return v.Bytes, true
}

// GetString is Get followed by AsString, for the common one-level case.
func (v *Value) GetString(key string) (string, bool) {
	child, ok := v.Get(key)
	if !ok {
		return "", false
	}
	return child.AsString()
}

// GetInt is Get followed by AsInt.
func (v *Value) GetInt(key string) (int64, bool) {
	child, ok := v.Get(key)
	if !ok {
		return 0, false
	}
	return child.AsInt()
}

// Keys returns the key set of a Map value, or nil otherwise.
func (v *Value) Keys() []string {
	if v == nil || v.Kind != KindMap {
		return nil
	}
	keys := make([]string, 0, len(v.Map))
	for k := range v.Map {
		keys = append(keys, k)
	}
	return keys
}

// wireValue is the JSON-serializable shadow of Value: a struct that
// goccy/go-json can marshal directly, with Map and List children held as raw
// JSON and decoded recursively, tagged by kind so Unmarshal can reconstruct
// the exact alternative (JSON alone can't distinguish Int from String from
// Bytes).
type wireValue struct {
	K int             `json:"k"`
	S string          `json:"s,omitempty"`
	I int64           `json:"i,omitempty"`
	B []byte          `json:"b,omitempty"`
	M map[string]json.RawMessage `json:"m,omitempty"`
	L []json.RawMessage         `json:"l,omitempty"`
}

// Marshal encodes v to its canonical text form.
func Marshal(v *Value) ([]byte, error) {
	w, err := toWire(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

func toWire(v *Value) (*wireValue, error) {
	if v == nil {
		return &wireValue{K: int(KindMissing)}, nil
	}
	w := &wireValue{K: int(v.Kind)}
	switch v.Kind {
	case KindString:
		w.S = v.Str
	case KindInt:
		w.I = v.Int
	case KindBytes:
		w.B = v.Bytes
	case KindMap:
		w.M = make(map[string]json.RawMessage, len(v.Map))
		for k, child := range v.Map {
			cw, err := toWire(child)
			if err != nil {
				return nil, err
			}
			raw, err := json.Marshal(cw)
			if err != nil {
				return nil, err
			}
			w.M[k] = raw
		}
	case KindList:
		w.L = make([]json.RawMessage, 0, len(v.List))
		for _, child := range v.List {
			cw, err := toWire(child)
			if err != nil {
				return nil, err
			}
			raw, err := json.Marshal(cw)
			if err != nil {
				return nil, err
			}
			w.L = append(w.L, raw)
		}
	}
	return w, nil
}

// Unmarshal decodes the canonical text form produced by Marshal.
func Unmarshal(data []byte) (*Value, error) {
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("kv: decode: %w", err)
	}
	return fromWire(&w)
}

func fromWire(w *wireValue) (*Value, error) {
	v := &Value{Kind: Kind(w.K)}
	switch v.Kind {
	case KindString:
		v.Str = w.S
	case KindInt:
		v.Int = w.I
	case KindBytes:
		v.Bytes = w.B
	case KindMap:
		v.Map = make(map[string]*Value, len(w.M))
		for k, raw := range w.M {
			var cw wireValue
			if err := json.Unmarshal(raw, &cw); err != nil {
				return nil, fmt.Errorf("kv: decode map member %q: %w", k, err)
			}
			child, err := fromWire(&cw)
			if err != nil {
				return nil, err
			}
			v.Map[k] = child
		}
	case KindList:
		v.List = make([]*Value, 0, len(w.L))
		for i, raw := range w.L {
			var cw wireValue
			if err := json.Unmarshal(raw, &cw); err != nil {
				return nil, fmt.Errorf("kv: decode list element %d: %w", i, err)
			}
			child, err := fromWire(&cw)
			if err != nil {
				return nil, err
			}
			v.List = append(v.List, child)
		}
	case KindMissing:
		// nothing further to decode
	default:
		return nil, fmt.Errorf("kv: unknown kind %d", w.K)
	}
	return v, nil
}
