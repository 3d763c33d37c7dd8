// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package codec

import (
	"fmt"
	"math"
	"strings"
)

// Converter maps between the value stored in a register and the value of a
// channel. Undefined values pass through unchanged in both directions.
type Converter interface {
	// ToChannel converts a decoded element value into a channel value.
	ToChannel(Value) (Value, error)
	// ToElement converts a channel value into the value to encode.
	ToElement(Value) (Value, error)
}

type direct struct{}

// Direct maps values 1:1.
var Direct Converter = direct{}

func (direct) ToChannel(v Value) (Value, error) { return v, nil }
func (direct) ToElement(v Value) (Value, error) { return v, nil }
func (direct) String() string { return "DIRECT_1_TO_1" }

// MaxScale bounds the exponent of ScaleFactor.
const MaxScale = 3

type scale struct {
	exp int
}

// ScaleFactor multiplies the raw value by 10^exp on the way to the channel.
// The way back divides and rounds half away from zero.
func ScaleFactor(exp int) (Converter, error) {
	if exp < -MaxScale || exp > MaxScale {
		return nil, fmt.Errorf("codec: scale factor %d out of range [%d,%d]", exp, -MaxScale, MaxScale)
	}
	if exp == 0 {
		return Direct, nil
	}
	return scale{exp: exp}, nil
}

// pow10 holds the integer factors of the positive scale factors.
var pow10 = [MaxScale + 1]uint64{1, 10, 100, 1000}

func (s scale) ToChannel(v Value) (Value, error) {
	if !v.IsDefined() {
		return v, nil
	}
	switch x := v.Interface().(type) {
	case int64:
		if s.exp > 0 {
			m := int64(pow10[s.exp])
			if x > math.MaxInt64/m || x < math.MinInt64/m {
				return Float(float64(x) * math.Pow10(s.exp)), nil
			}
			return Int(x * m), nil
		}
		return Float(float64(x) / math.Pow10(-s.exp)), nil
	case uint64:
		if s.exp > 0 {
			m := pow10[s.exp]
			if x > math.MaxUint64/m {
				return Float(float64(x) * math.Pow10(s.exp)), nil
			}
			return Uint(x * m), nil
		}
		return Float(float64(x) / math.Pow10(-s.exp)), nil
	case float64:
		if s.exp > 0 {
			return Float(x * math.Pow10(s.exp)), nil
		}
		return Float(x / math.Pow10(-s.exp)), nil
	}
	return Value{}, fmt.Errorf("codec: cannot scale %v", v)
}

func (s scale) ToElement(v Value) (Value, error) {
	if !v.IsDefined() {
		return v, nil
	}
	f, ok := v.Float64()
	if !ok {
		return Value{}, fmt.Errorf("codec: cannot scale %v", v)
	}
	var raw float64
	if s.exp > 0 {
		raw = f / math.Pow10(s.exp)
	} else {
		raw = f * math.Pow10(-s.exp)
	}
	return Float(math.Round(raw)), nil
}

func (s scale) String() string {
	if s.exp < 0 {
		return fmt.Sprintf("SCALE_FACTOR_MINUS_%d", -s.exp)
	}
	return fmt.Sprintf("SCALE_FACTOR_%d", s.exp)
}

type invert struct{}

// Invert negates numbers and flips booleans.
var Invert Converter = invert{}

func (invert) ToChannel(v Value) (Value, error) { return negate(v) }
func (invert) ToElement(v Value) (Value, error) { return negate(v) }
func (invert) String() string { return "INVERT" }

func negate(v Value) (Value, error) {
	switch x := v.Interface().(type) {
	case nil:
		return v, nil
	case bool:
		return Bool(!x), nil
	case int64:
		return Int(-x), nil
	case uint64:
		if x > math.MaxInt64 {
			return Value{}, fmt.Errorf("codec: cannot invert %v", v)
		}
		return Int(-int64(x)), nil
	case float64:
		return Float(-x), nil
	}
	return Value{}, fmt.Errorf("codec: cannot invert %v", v)
}

// InvertIf returns Invert when cond holds, Direct otherwise. Used for devices
// that can be mounted in reverse.
func InvertIf(cond bool) Converter {
	if cond {
		return Invert
	}
	return Direct
}

type chain []Converter

// Chain applies converters in order towards the channel and in reverse
// order towards the element.
func Chain(cs ...Converter) Converter {
	switch len(cs) {
	case 0:
		return Direct
	case 1:
		return cs[0]
	}
	return chain(cs)
}

func (c chain) ToChannel(v Value) (Value, error) {
	var err error
	for _, conv := range c {
		if v, err = conv.ToChannel(v); err != nil {
			return Value{}, err
		}
	}
	return v, nil
}

func (c chain) ToElement(v Value) (Value, error) {
	var err error
	for i := len(c) - 1; i >= 0; i-- {
		if v, err = c[i].ToElement(v); err != nil {
			return Value{}, err
		}
	}
	return v, nil
}

func (c chain) String() string {
	s := ""
	for i, conv := range c {
		if i > 0 {
			s += "_AND_"
		}
		s += fmt.Sprint(conv)
	}
	return s
}

// ParseConverter parses the names printed by the built-in converters, for
// example "SCALE_FACTOR_MINUS_2" or "SCALE_FACTOR_1_AND_INVERT". The empty
// string is Direct.
func ParseConverter(name string) (Converter, error) {
	if name == "" {
		return Direct, nil
	}
	parts := strings.Split(name, "_AND_")
	cs := make([]Converter, 0, len(parts))
	for _, p := range parts {
		var exp int
		switch {
		case p == "DIRECT_1_TO_1":
			continue
		case p == "INVERT":
			cs = append(cs, Invert)
			continue
		case strings.HasPrefix(p, "SCALE_FACTOR_MINUS_"):
			if _, err := fmt.Sscanf(p, "SCALE_FACTOR_MINUS_%d", &exp); err != nil {
				return nil, fmt.Errorf("codec: unknown converter %q", p)
			}
			exp = -exp
		case strings.HasPrefix(p, "SCALE_FACTOR_"):
			if _, err := fmt.Sscanf(p, "SCALE_FACTOR_%d", &exp); err != nil {
				return nil, fmt.Errorf("codec: unknown converter %q", p)
			}
		default:
			return nil, fmt.Errorf("codec: unknown converter %q", p)
		}
		c, err := ScaleFactor(exp)
		if err != nil {
			return nil, err
		}
		if c != Direct {
			cs = append(cs, c)
		}
	}
	return Chain(cs...), nil
}
