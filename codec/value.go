// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Value is a decoded channel value. The zero Value is undefined. A defined
// Value holds one of bool, int64, uint64, float64 or string.
type Value struct {
	raw interface{}
}

// Undefined returns the value that carries no data.
func Undefined() Value { return Value{} }

func Bool(b bool) Value { return Value{raw: b} }
func Int(i int64) Value { return Value{raw: i} }
func Uint(u uint64) Value { return Value{raw: u} }
func Str(s string) Value { return Value{raw: s} }

// Float returns a float value. NaN is not a value and yields Undefined.
func Float(f float64) Value {
	if math.IsNaN(f) {
		return Value{}
	}
	return Value{raw: f}
}

// ValueOf converts a Go value, for example one decoded from JSON, into a
// Value. nil converts to Undefined.
func ValueOf(x interface{}) (Value, error) {
	switch v := x.(type) {
	case nil:
		return Undefined(), nil
	case Value:
		return v, nil
	case bool:
		return Bool(v), nil
	case int:
		return Int(int64(v)), nil
	case int8:
		return Int(int64(v)), nil
	case int16:
		return Int(int64(v)), nil
	case int32:
		return Int(int64(v)), nil
	case int64:
		return Int(v), nil
	case uint:
		return Uint(uint64(v)), nil
	case uint8:
		return Uint(uint64(v)), nil
	case uint16:
		return Uint(uint64(v)), nil
	case uint32:
		return Uint(uint64(v)), nil
	case uint64:
		return Uint(v), nil
	case float32:
		return Float(float64(v)), nil
	case float64:
		return Float(v), nil
	case string:
		return Str(v), nil
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return Int(i), nil
		}
		if u, err := strconv.ParseUint(v.String(), 10, 64); err == nil {
			return Uint(u), nil
		}
		f, err := v.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("codec: invalid number %q", v.String())
		}
		return Float(f), nil
	}
	return Value{}, fmt.Errorf("codec: unsupported value type %T", x)
}

// ParseValue parses a textual value as sent over MQTT: "true", "false",
// numbers, "null" for Undefined, anything else as a string.
func ParseValue(s string) Value {
	switch s {
	case "null":
		return Undefined()
	case "true":
		return Bool(true)
	case "false":
		return Bool(false)
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Int(i)
	}
	if u, err := strconv.ParseUint(s, 10, 64); err == nil {
		return Uint(u)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return Float(f)
	}
	return Str(s)
}

// IsDefined reports whether v carries data.
func (v Value) IsDefined() bool { return v.raw != nil }

// Interface returns the underlying Go value, nil when undefined.
func (v Value) Interface() interface{} { return v.raw }

// Float64 returns v as a float for numeric and boolean values.
func (v Value) Float64() (float64, bool) {
	switch x := v.raw.(type) {
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	case float64:
		return x, true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// AsBool returns v as a bool. Numbers are true when non-zero.
func (v Value) AsBool() (bool, bool) {
	if b, ok := v.raw.(bool); ok {
		return b, true
	}
	if f, ok := v.Float64(); ok {
		return f != 0, true
	}
	return false, false
}

// Equal reports whether both values are undefined or hold the same data.
func (v Value) Equal(o Value) bool {
	return v.raw == o.raw
}

func (v Value) String() string {
	if v.raw == nil {
		return "UNDEFINED"
	}
	return fmt.Sprint(v.raw)
}

// MarshalJSON encodes an undefined value as null.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.raw)
}

// UnmarshalJSON accepts any JSON scalar. Integers keep their full 64-bit
// precision.
func (v *Value) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var x interface{}
	if err := dec.Decode(&x); err != nil {
		return err
	}
	parsed, err := ValueOf(x)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
