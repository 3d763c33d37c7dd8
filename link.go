// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	linkTimeout          = 1 * time.Second
	linkReconnectInitial = 1 * time.Second
	linkReconnectMax     = 60 * time.Second
)

// LinkState tells whether a Link currently holds a usable connection.
type LinkState int

const (
	// LinkUp means requests are put on the wire.
	LinkUp LinkState = iota
	// LinkDown means the connection was lost and requests fail fast until
	// the next reconnect attempt is due.
	LinkDown
)

func (s LinkState) String() string {
	switch s {
	case LinkUp:
		return "up"
	case LinkDown:
		return "down"
	default:
		return "unknown"
	}
}

// LinkOptions configures a Link. Zero values select the defaults.
type LinkOptions struct {
	// Timeout bounds a single request/response transaction.
	Timeout time.Duration
	// ReconnectInitial is the first delay after a connection loss.
	ReconnectInitial time.Duration
	// ReconnectMax caps the exponentially growing reconnect delay.
	ReconnectMax time.Duration
	// Logger receives connection state changes.
	Logger logger
}

// Link owns one physical connection and grants exclusive access to it. It
// implements Executor: every call is one complete transaction, and at most
// one transaction is on the wire at any time.
type Link struct {
	handler ClientHandler
	timeout time.Duration
	logger  logger

	// sem holds a token while a transaction is in flight.
	sem chan struct{}

	mu      sync.Mutex
	state   LinkState
	retryAt time.Time
	backoff *backoff.ExponentialBackOff
	now     func() time.Time
}

// NewLink creates a link on top of handler. The connection is opened lazily
// on the first transaction or by Connect.
func NewLink(handler ClientHandler, opts LinkOptions) *Link {
	if opts.Timeout <= 0 {
		opts.Timeout = linkTimeout
	}
	if opts.ReconnectInitial <= 0 {
		opts.ReconnectInitial = linkReconnectInitial
	}
	if opts.ReconnectMax < opts.ReconnectInitial {
		opts.ReconnectMax = linkReconnectMax
		if opts.ReconnectMax < opts.ReconnectInitial {
			opts.ReconnectMax = opts.ReconnectInitial
		}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.ReconnectInitial
	b.MaxInterval = opts.ReconnectMax
	b.MaxElapsedTime = 0
	b.Reset()

	return &Link{
		handler: handler,
		timeout: opts.Timeout,
		logger:  opts.Logger,
		sem:     make(chan struct{}, 1),
		state:   LinkUp,
		backoff: b,
		now:     time.Now,
	}
}

// Connect opens the connection eagerly. A failure leaves the link down with
// a reconnect scheduled.
func (l *Link) Connect(ctx context.Context) error {
	if err := l.acquire(ctx); err != nil {
		return err
	}
	defer l.release()

	if err := l.handler.Connect(); err != nil {
		l.markDown(err)
		return &TransportError{Op: "connect", Err: err, Lost: true}
	}
	l.markUp()
	return nil
}

// Close closes the underlying connection. The link reopens it on demand.
func (l *Link) Close() error {
	return l.handler.Close()
}

// State returns the current connection state.
func (l *Link) State() LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Execute performs one transaction with slaveID. The transaction is bounded by
// the link timeout and by ctx, whichever expires first.
func (l *Link) Execute(ctx context.Context, slaveID byte, request *ProtocolDataUnit) (*ProtocolDataUnit, error) {
	if err := l.acquire(ctx); err != nil {
		return nil, err
	}
	defer l.release()

	if err := l.ensureUp(); err != nil {
		return nil, err
	}

	aduRequest, err := l.handler.Encode(slaveID, request)
	if err != nil {
		return nil, err
	}

	tctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	aduResponse, err := l.handler.Send(tctx, aduRequest)
	if err != nil {
		return nil, l.transportFailure(err)
	}

	if err = l.handler.Verify(aduRequest, aduResponse); err != nil {
		return nil, &ProtocolError{Op: "verify", Err: err}
	}
	response, err := l.handler.Decode(aduResponse)
	if err != nil {
		return nil, &ProtocolError{Op: "decode", Err: err}
	}
	// Check correct function code returned (exception)
	if response.FunctionCode != request.FunctionCode {
		if response.FunctionCode == request.FunctionCode|0x80 {
			return nil, &ProtocolError{Op: "exception", Err: responseError(response)}
		}
		return nil, &ProtocolError{Op: "decode", Err: fmt.Errorf("response function code '%v' does not match request '%v'", response.FunctionCode, request.FunctionCode)}
	}
	if len(response.Data) == 0 {
		return nil, &ProtocolError{Op: "decode", Err: fmt.Errorf("response data is empty")}
	}
	return response, nil
}

func (l *Link) acquire(ctx context.Context) error {
	select {
	case l.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return &TransportError{Op: "acquire", Err: ctx.Err()}
	}
}

func (l *Link) release() {
	<-l.sem
}

// ensureUp fails fast while a lost connection waits for its next attempt and
// reconnects once the attempt is due.
func (l *Link) ensureUp() error {
	l.mu.Lock()
	state, retryAt := l.state, l.retryAt
	l.mu.Unlock()

	if state == LinkUp {
		return nil
	}
	if l.now().Before(retryAt) {
		return &TransportError{Op: "connect", Err: ErrLinkDown}
	}
	if err := l.handler.Connect(); err != nil {
		l.markDown(err)
		return &TransportError{Op: "connect", Err: err, Lost: true}
	}
	l.markUp()
	return nil
}

func (l *Link) transportFailure(err error) error {
	var lengthErr *InvalidLengthError
	var headerErr ErrTCPHeaderLength
	if errors.As(err, &lengthErr) || errors.As(err, &headerErr) {
		return &ProtocolError{Op: "read", Err: err}
	}
	if !isConnectionLoss(err) {
		return &TransportError{Op: "send", Err: err}
	}
	l.handler.Close()
	l.markDown(err)
	return &TransportError{Op: "send", Err: err, Lost: true}
}

func (l *Link) markDown(cause error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delay := l.backoff.NextBackOff()
	l.retryAt = l.now().Add(delay)
	if l.state != LinkDown {
		l.logf("modbus: link down: %v", cause)
	}
	l.logf("modbus: reconnect in %v", delay)
	l.state = LinkDown
}

func (l *Link) markUp() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == LinkDown {
		l.logf("modbus: link up")
	}
	l.state = LinkUp
	l.retryAt = time.Time{}
	l.backoff.Reset()
}

func (l *Link) logf(format string, v ...interface{}) {
	if l.logger != nil {
		l.logger.Printf(format, v...)
	}
}
