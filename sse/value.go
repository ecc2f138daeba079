package sse

import (
	"encoding/json"
	"errors"

	"github.com/buger/jsonparser"
)

// Value is a read-only view of a JSON document. Lookups never fail: a
// missing field, a wrong type, or malformed input all produce a Value that
// reports Exists() == false or a false ok result.
type Value struct {
	raw []byte
	typ jsonparser.ValueType
}

var errInvalidJSON = errors.New("invalid JSON")

// ParseValue validates data and wraps it.
func ParseValue(data []byte) (Value, error) {
	if !json.Valid(data) {
		return Value{}, errInvalidJSON
	}
	raw, typ, _, err := jsonparser.Get(data)
	if err != nil {
		return Value{}, err
	}
	return Value{raw: raw, typ: typ}, nil
}

// Exists reports whether the value is present. JSON null counts as absent.
func (v Value) Exists() bool {
	return v.typ != jsonparser.NotExist && v.typ != jsonparser.Null && v.typ != jsonparser.Unknown
}

// IsObject reports whether the value is a JSON object.
func (v Value) IsObject() bool { return v.typ == jsonparser.Object }

// Get walks object keys. Any missing step yields an absent Value.
func (v Value) Get(keys ...string) Value {
	if v.typ != jsonparser.Object {
		return Value{}
	}
	raw, typ, _, err := jsonparser.Get(v.raw, keys...)
	if err != nil {
		return Value{}
	}
	return Value{raw: raw, typ: typ}
}

// Str returns the unescaped string.
func (v Value) Str() (string, bool) {
	if v.typ != jsonparser.String {
		return "", false
	}
	s, err := jsonparser.ParseString(v.raw)
	if err != nil {
		return "", false
	}
	return s, true
}

// StrOr returns the string or def.
func (v Value) StrOr(def string) string {
	if s, ok := v.Str(); ok {
		return s
	}
	return def
}

// Float returns a JSON number as float64.
func (v Value) Float() (float64, bool) {
	if v.typ != jsonparser.Number {
		return 0, false
	}
	f, err := jsonparser.ParseFloat(v.raw)
	if err != nil {
		return 0, false
	}
	return f, true
}

// Int returns a JSON number truncated to int64.
func (v Value) Int() (int64, bool) {
	if v.typ != jsonparser.Number {
		return 0, false
	}
	if n, err := jsonparser.ParseInt(v.raw); err == nil {
		return n, true
	}
	f, err := jsonparser.ParseFloat(v.raw)
	if err != nil {
		return 0, false
	}
	return int64(f), true
}

// Bool returns a JSON boolean.
func (v Value) Bool() (bool, bool) {
	if v.typ != jsonparser.Boolean {
		return false, false
	}
	b, err := jsonparser.ParseBoolean(v.raw)
	return b, err == nil
}

// Array returns the elements of a JSON array, or nil.
func (v Value) Array() []Value {
	if v.typ != jsonparser.Array {
		return nil
	}
	var out []Value
	_, _ = jsonparser.ArrayEach(v.raw, func(raw []byte, typ jsonparser.ValueType, _ int, err error) {
		if err == nil {
			out = append(out, Value{raw: raw, typ: typ})
		}
	})
	return out
}

// Strings returns the string elements of a JSON array, skipping others.
func (v Value) Strings() []string {
	var out []string
	for _, e := range v.Array() {
		if s, ok := e.Str(); ok {
			out = append(out, s)
		}
	}
	return out
}

// Raw returns the value re-encoded as JSON, or nil when absent.
func (v Value) Raw() json.RawMessage {
	if !v.Exists() {
		return nil
	}
	if v.typ == jsonparser.String {
		b := make([]byte, 0, len(v.raw)+2)
		b = append(b, '"')
		b = append(b, v.raw...)
		return append(b, '"')
	}
	return json.RawMessage(append([]byte(nil), v.raw...))
}
