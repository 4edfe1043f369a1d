// Package payload models the schema-less JSON parameter and output blobs
// carried by tasks and runs.
//
// Instead of passing raw map[string]any around, values are a small tagged
// union (string/number/bool/null/list/map). That keeps the blobs parseable
// and lets callers ask for typed fields without reflection games.
package payload

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

type Kind int

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindList
	KindMap
)

// Value is one node of the union. The zero value is null.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	list []Value
	m    Map
}

// Map is a string-keyed payload object, the top-level shape of
// params_json and outputs_json.
type Map map[string]Value

func Null() Value { return Value{} }
func String(s string) Value { return Value{kind: KindString, str: s} }
func Number(n float64) Value { return Value{kind: KindNumber, num: n} }
func Int(n int64) Value { return Value{kind: KindNumber, num: float64(n)} }
func Bool(v bool) Value { return Value{kind: KindBool, b: v} }
func List(vs ...Value) Value { return Value{kind: KindList, list: vs} }
func Object(m Map) Value { return Value{kind: KindMap, m: m} }

func (v Value) Kind() Kind { return v.kind }

func (v Value) Str() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.str, true
}

func (v Value) Num() (float64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	return v.num, true
}

func (v Value) BoolVal() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

func (v Value) ListVal() ([]Value, bool) {
	if v.kind != KindList {
		return nil, false
	}
	return v.list, true
}

func (v Value) MapVal() (Map, bool) {
	if v.kind != KindMap {
		return nil, false
	}
	return v.m, true
}

// GetString returns m[key] as a string, or "" if absent or not a string.
func (m Map) GetString(key string) string {
	s, _ := m[key].Str()
	return s
}

// GetInt returns m[key] as an int64 (truncating), or def.
func (m Map) GetInt(key string, def int64) int64 {
	n, ok := m[key].Num()
	if !ok || math.IsNaN(n) || math.IsInf(n, 0) {
		return def
	}
	return int64(n)
}

// GetBool returns m[key] as a bool, or def.
func (m Map) GetBool(key string, def bool) bool {
	b, ok := m[key].BoolVal()
	if !ok {
		return def
	}
	return b
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindString:
		return json.Marshal(v.str)
	case KindNumber:
		if math.IsNaN(v.num) || math.IsInf(v.num, 0) {
			return nil, fmt.Errorf("payload: number %v is not representable in JSON", v.num)
		}
		return json.Marshal(v.num)
	case KindBool:
		return json.Marshal(v.b)
	case KindList:
		if v.list == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.list)
	case KindMap:
		return json.Marshal(v.m)
	default:
		return nil, fmt.Errorf("payload: unknown kind %d", v.kind)
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	got, err := fromAny(raw)
	if err != nil {
		return err
	}
	*v = got
	return nil
}

// Parse decodes a params_json/outputs_json blob. Empty input decodes to an
// empty map so callers never deal with nil blobs.
func Parse(data []byte) (Map, error) {
	if len(data) == 0 {
		return Map{}, nil
	}
	var v Value
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("payload: %w", err)
	}
	m, ok := v.MapVal()
	if !ok {
		if v.kind == KindNull {
			return Map{}, nil
		}
		return nil, fmt.Errorf("payload: top-level value must be an object")
	}
	return m, nil
}

// Encode serializes the map. A nil map encodes as "{}".
func (m Map) Encode() ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Keys returns the map keys sorted, for stable logging and tests.
func (m Map) Keys() []string {
	ks := make([]string, 0, len(m))
	for k := range m {
		ks = append(ks, k)
	}
	sort.Strings(ks)
	return ks
}

// FromAny converts a generically-decoded JSON object (map[string]any, as
// produced by encoding/json or request binding) into a Map.
func FromAny(raw map[string]any) (Map, error) {
	if raw == nil {
		return Map{}, nil
	}
	v, err := fromAny(raw)
	if err != nil {
		return nil, err
	}
	m, _ := v.MapVal()
	return m, nil
}

func fromAny(raw any) (Value, error) {
	switch x := raw.(type) {
	case nil:
		return Null(), nil
	case string:
		return String(x), nil
	case bool:
		return Bool(x), nil
	case float64:
		return Number(x), nil
	case int:
		return Int(int64(x)), nil
	case int64:
		return Int(x), nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("payload: bad number %q: %w", x.String(), err)
		}
		return Number(f), nil
	case []any:
		list := make([]Value, 0, len(x))
		for _, item := range x {
			v, err := fromAny(item)
			if err != nil {
				return Value{}, err
			}
			list = append(list, v)
		}
		return Value{kind: KindList, list: list}, nil
	case map[string]any:
		m := make(Map, len(x))
		for k, item := range x {
			v, err := fromAny(item)
			if err != nil {
				return Value{}, err
			}
			m[k] = v
		}
		return Object(m), nil
	default:
		return Value{}, fmt.Errorf("payload: unsupported JSON value %T", raw)
	}
}
