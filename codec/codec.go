// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package codec

import (
	"bytes"
	"encoding/binary"
	"math"
)

const (
	float32Undefined uint32 = 0x7FC00000
	float64Undefined uint64 = 0x7FF8000000000000
)

// Decode converts raw bytes, in wire order, into a value of type t.
func Decode(t Type, order WordOrder, b []byte) (Value, error) {
	if !t.Valid() || len(b) != t.Size() {
		return Value{}, &DecodeError{Type: t, Got: len(b)}
	}
	if t.Kind == KindCoil {
		return Bool(b[0] != 0), nil
	}
	if t.Kind == KindString {
		s := bytes.TrimRight(b, "\x00")
		if len(s) == 0 {
			return Undefined(), nil
		}
		return Str(string(s)), nil
	}
	if order == LowWordFirst {
		b = swapWords(b)
	}
	switch t.Kind {
	case KindUInt16:
		u := binary.BigEndian.Uint16(b)
		if u == math.MaxUint16 {
			return Undefined(), nil
		}
		return Uint(uint64(u)), nil
	case KindInt16:
		i := int16(binary.BigEndian.Uint16(b))
		if i == math.MinInt16 {
			return Undefined(), nil
		}
		return Int(int64(i)), nil
	case KindUInt32:
		u := binary.BigEndian.Uint32(b)
		if u == math.MaxUint32 {
			return Undefined(), nil
		}
		return Uint(uint64(u)), nil
	case KindInt32:
		i := int32(binary.BigEndian.Uint32(b))
		if i == math.MinInt32 {
			return Undefined(), nil
		}
		return Int(int64(i)), nil
	case KindUInt64:
		u := binary.BigEndian.Uint64(b)
		if u == math.MaxUint64 {
			return Undefined(), nil
		}
		return Uint(u), nil
	case KindInt64:
		i := int64(binary.BigEndian.Uint64(b))
		if i == math.MinInt64 {
			return Undefined(), nil
		}
		return Int(i), nil
	case KindFloat32:
		return Float(float64(math.Float32frombits(binary.BigEndian.Uint32(b)))), nil
	case KindFloat64:
		return Float(math.Float64frombits(binary.BigEndian.Uint64(b))), nil
	}
	return Value{}, &DecodeError{Type: t, Got: len(b)}
}

// Encode converts v into raw bytes of type t in wire order. An undefined v
// encodes to the undefined pattern of t.
func Encode(t Type, order WordOrder, v Value) ([]byte, error) {
	if !t.Valid() {
		return nil, &EncodeError{Type: t, Value: v, Err: ErrTypeMismatch}
	}
	if !v.IsDefined() {
		return undefinedPattern(t, order, v)
	}
	b, err := encodeDefined(t, v)
	if err != nil {
		return nil, &EncodeError{Type: t, Value: v, Err: err}
	}
	if order == LowWordFirst && t.Kind != KindString && t.Kind != KindCoil {
		b = swapWords(b)
	}
	return b, nil
}

func encodeDefined(t Type, v Value) ([]byte, error) {
	b := make([]byte, t.Size())
	switch t.Kind {
	case KindCoil:
		on, ok := v.AsBool()
		if !ok {
			return nil, ErrTypeMismatch
		}
		if on {
			b[0] = 1
		}
	case KindUInt16:
		u, err := toUint(v, math.MaxUint16)
		if err != nil {
			return nil, err
		}
		binary.BigEndian.PutUint16(b, uint16(u))
	case KindInt16:
		i, err := toInt(v, math.MinInt16, math.MaxInt16)
		if err != nil {
			return nil, err
		}
		binary.BigEndian.PutUint16(b, uint16(int16(i)))
	case KindUInt32:
		u, err := toUint(v, math.MaxUint32)
		if err != nil {
			return nil, err
		}
		binary.BigEndian.PutUint32(b, uint32(u))
	case KindInt32:
		i, err := toInt(v, math.MinInt32, math.MaxInt32)
		if err != nil {
			return nil, err
		}
		binary.BigEndian.PutUint32(b, uint32(int32(i)))
	case KindUInt64:
		u, err := toUint(v, math.MaxUint64)
		if err != nil {
			return nil, err
		}
		binary.BigEndian.PutUint64(b, u)
	case KindInt64:
		i, err := toInt(v, math.MinInt64, math.MaxInt64)
		if err != nil {
			return nil, err
		}
		binary.BigEndian.PutUint64(b, uint64(i))
	case KindFloat32:
		f, ok := v.Float64()
		if !ok {
			return nil, ErrTypeMismatch
		}
		if !math.IsInf(f, 0) && math.Abs(f) > math.MaxFloat32 {
			return nil, ErrOutOfRange
		}
		binary.BigEndian.PutUint32(b, math.Float32bits(float32(f)))
	case KindFloat64:
		f, ok := v.Float64()
		if !ok {
			return nil, ErrTypeMismatch
		}
		binary.BigEndian.PutUint64(b, math.Float64bits(f))
	case KindString:
		s, ok := v.Interface().(string)
		if !ok {
			return nil, ErrTypeMismatch
		}
		if len(s) > len(b) {
			return nil, ErrTooLong
		}
		if len(bytes.TrimRight([]byte(s), "\x00")) == 0 {
			return nil, ErrReserved
		}
		copy(b, s)
	}
	return b, nil
}

func undefinedPattern(t Type, order WordOrder, v Value) ([]byte, error) {
	b := make([]byte, t.Size())
	switch t.Kind {
	case KindCoil:
		return nil, &EncodeError{Type: t, Value: v, Err: ErrNoSentinel}
	case KindString:
		return b, nil
	case KindUInt16, KindUInt32, KindUInt64:
		for i := range b {
			b[i] = 0xFF
		}
	case KindInt16, KindInt32, KindInt64:
		b[0] = 0x80
	case KindFloat32:
		binary.BigEndian.PutUint32(b, float32Undefined)
	case KindFloat64:
		binary.BigEndian.PutUint64(b, float64Undefined)
	}
	if order == LowWordFirst {
		b = swapWords(b)
	}
	return b, nil
}

// toUint converts v to an unsigned integer below max, which is the reserved
// pattern. Floats are rounded half away from zero.
func toUint(v Value, max uint64) (uint64, error) {
	var u uint64
	switch x := v.Interface().(type) {
	case uint64:
		u = x
	case int64:
		if x < 0 {
			return 0, ErrOutOfRange
		}
		u = uint64(x)
	case float64:
		r := math.Round(x)
		if r < 0 || r >= float64(max) {
			if r == float64(max) && max < 1<<53 {
				return 0, ErrReserved
			}
			return 0, ErrOutOfRange
		}
		u = uint64(r)
	case bool:
		if x {
			u = 1
		}
	default:
		return 0, ErrTypeMismatch
	}
	if u > max {
		return 0, ErrOutOfRange
	}
	if u == max {
		return 0, ErrReserved
	}
	return u, nil
}

// toInt converts v to a signed integer in (min, max]; min is the reserved
// pattern. Floats are rounded half away from zero.
func toInt(v Value, min, max int64) (int64, error) {
	var i int64
	switch x := v.Interface().(type) {
	case int64:
		i = x
	case uint64:
		if x > uint64(max) {
			return 0, ErrOutOfRange
		}
		i = int64(x)
	case float64:
		r := math.Round(x)
		if r < float64(min) || r >= -float64(min) {
			return 0, ErrOutOfRange
		}
		i = int64(r)
	case bool:
		if x {
			i = 1
		}
	default:
		return 0, ErrTypeMismatch
	}
	if i < min || i > max {
		return 0, ErrOutOfRange
	}
	if i == min {
		return 0, ErrReserved
	}
	return i, nil
}

// swapWords reverses the order of the 16-bit words in b.
func swapWords(b []byte) []byte {
	out := make([]byte, len(b))
	n := len(b) / 2
	for i := 0; i < n; i++ {
		j := n - 1 - i
		out[2*j] = b[2*i]
		out[2*j+1] = b[2*i+1]
	}
	return out
}
