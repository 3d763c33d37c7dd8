// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package codec

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfRange is returned for values the type cannot represent.
	ErrOutOfRange = errors.New("value out of range")
	// ErrReserved is returned for ordinary values that would encode to the
	// undefined pattern.
	ErrReserved = errors.New("value collides with the undefined pattern")
	// ErrTooLong is returned for strings exceeding the declared registers.
	ErrTooLong = errors.New("string exceeds declared length")
	// ErrTypeMismatch is returned when the value cannot be converted to the type.
	ErrTypeMismatch = errors.New("value does not match type")
	// ErrNoSentinel is returned when an undefined value is encoded for a type
	// without an undefined pattern.
	ErrNoSentinel = errors.New("type has no undefined pattern")
)

// DecodeError reports raw data whose length does not match the element type.
type DecodeError struct {
	Type Type
	Got  int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("codec: decode %v: got %d bytes, want %d", e.Type, e.Got, e.Type.Size())
}

// EncodeError reports a value that cannot be written as the element type.
type EncodeError struct {
	Type  Type
	Value Value
	Err   error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("codec: encode %v as %v: %v", e.Value, e.Type, e.Err)
}

func (e *EncodeError) Unwrap() error {
	return e.Err
}
