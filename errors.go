// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
)

// ErrLinkDown is returned without touching the wire while a lost connection
// waits for its next reconnect attempt.
var ErrLinkDown = errors.New("modbus: link down, waiting for reconnect")

// TransportError reports a failure to exchange a frame: a timeout, a refused
// or lost connection, or a link that is still down.
type TransportError struct {
	Op  string
	Err error
	// Lost is set when the connection had to be dropped.
	Lost bool
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("modbus: transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the transaction ran into its deadline.
func (e *TransportError) Timeout() bool {
	return isTimeout(e.Err)
}

// ProtocolError reports a response that arrived but could not be accepted:
// a malformed frame, a length or function code mismatch, a checksum failure
// or an exception response of the slave.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("modbus: protocol %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// IsTransportError reports whether err is or wraps a *TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsProtocolError reports whether err is or wraps a *ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// errOpen marks a failure to open the underlying port or socket.
type errOpen struct {
	err error
}

func (e *errOpen) Error() string { return e.err.Error() }
func (e *errOpen) Unwrap() error { return e.err }

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// isConnectionLoss reports whether the connection behind err is unusable and
// must be re-established. Any failure to open is, including a dial timeout.
// Other timeouts are not: a slow slave on a shared line does not mean the line
// is gone.
func isConnectionLoss(err error) bool {
	if err == nil {
		return false
	}
	var oe *errOpen
	if errors.As(err, &oe) {
		return true
	}
	if isTimeout(err) {
		return false
	}
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ENETUNREACH),
		errors.Is(err, syscall.EHOSTUNREACH):
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}
