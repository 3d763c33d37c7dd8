// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedHandler answers Send with the next scripted result and counts
// connection attempts.
type scriptedHandler struct {
	tcpPackager

	mu         sync.Mutex
	connectErr error
	connects   int
	closes     int
	sends      int
	send       func(ctx context.Context, adu []byte) ([]byte, error)
}

func (h *scriptedHandler) Connect() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connects++
	return h.connectErr
}

func (h *scriptedHandler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closes++
	return nil
}

func (h *scriptedHandler) Send(ctx context.Context, adu []byte) ([]byte, error) {
	h.mu.Lock()
	h.sends++
	send := h.send
	h.mu.Unlock()
	return send(ctx, adu)
}

// echoRegisters answers a read holding registers request with quantity zero registers.
func echoRegisters(_ context.Context, adu []byte) ([]byte, error) {
	return respondTCP(adu, uint16(adu[0])<<8|uint16(adu[1]), &ProtocolDataUnit{
		FunctionCode: adu[7],
		Data:         []byte{2, 0, 0},
	}), nil
}

func readRequest() *ProtocolDataUnit {
	return &ProtocolDataUnit{FunctionCode: FuncCodeReadHoldingRegisters, Data: dataBlock(0, 1)}
}

func TestLinkExecute(t *testing.T) {
	h := &scriptedHandler{send: echoRegisters}
	l := NewLink(h, LinkOptions{})

	resp, err := l.Execute(context.Background(), 1, readRequest())
	require.NoError(t, err)
	assert.Equal(t, byte(FuncCodeReadHoldingRegisters), resp.FunctionCode)
	assert.Equal(t, []byte{2, 0, 0}, resp.Data)
	assert.Equal(t, LinkUp, l.State())
}

func TestLinkExceptionIsProtocolError(t *testing.T) {
	h := &scriptedHandler{send: func(_ context.Context, adu []byte) ([]byte, error) {
		return respondTCP(adu, uint16(adu[0])<<8|uint16(adu[1]), &ProtocolDataUnit{
			FunctionCode: adu[7] | 0x80,
			Data:         []byte{ExceptionCodeIllegalDataAddress},
		}), nil
	}}
	l := NewLink(h, LinkOptions{})

	_, err := l.Execute(context.Background(), 1, readRequest())
	require.Error(t, err)
	assert.True(t, IsProtocolError(err))
	assert.False(t, IsTransportError(err))
	var mbErr *Error
	require.True(t, errors.As(err, &mbErr))
	assert.Equal(t, byte(ExceptionCodeIllegalDataAddress), mbErr.ExceptionCode)
	assert.Equal(t, LinkUp, l.State())
}

func TestLinkTimeoutKeepsLinkUp(t *testing.T) {
	h := &scriptedHandler{send: func(ctx context.Context, _ []byte) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	l := NewLink(h, LinkOptions{Timeout: 10 * time.Millisecond})

	_, err := l.Execute(context.Background(), 1, readRequest())
	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.True(t, te.Timeout())
	assert.False(t, te.Lost)
	assert.Equal(t, LinkUp, l.State())
	assert.Zero(t, h.closes)
}

func TestLinkFailsFastWhileDown(t *testing.T) {
	h := &scriptedHandler{send: func(context.Context, []byte) ([]byte, error) {
		return nil, io.EOF
	}}
	l := NewLink(h, LinkOptions{ReconnectInitial: time.Minute, ReconnectMax: time.Hour})
	now := time.Unix(1000, 0)
	l.now = func() time.Time { return now }

	_, err := l.Execute(context.Background(), 1, readRequest())
	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.True(t, te.Lost)
	assert.Equal(t, LinkDown, l.State())
	assert.Equal(t, 1, h.closes)

	// Before the reconnect is due nothing touches the wire.
	_, err = l.Execute(context.Background(), 1, readRequest())
	assert.ErrorIs(t, err, ErrLinkDown)
	assert.Equal(t, 1, h.sends)
	assert.Zero(t, h.connects)

	// Once due, the link reconnects and serves the request.
	h.send = echoRegisters
	now = now.Add(2 * time.Hour)
	_, err = l.Execute(context.Background(), 1, readRequest())
	require.NoError(t, err)
	assert.Equal(t, 1, h.connects)
	assert.Equal(t, LinkUp, l.State())
}

type dialTimeoutError struct{}

func (dialTimeoutError) Error() string   { return "i/o timeout" }
func (dialTimeoutError) Timeout() bool   { return true }
func (dialTimeoutError) Temporary() bool { return true }

func TestLinkDialTimeoutIsConnectionLoss(t *testing.T) {
	var dials atomic.Int32
	dial := func(context.Context, string, string) (net.Conn, error) {
		dials.Add(1)
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: dialTimeoutError{}}
	}
	handler := NewTCPClientHandler("192.0.2.1:502", WithDialer(dial))
	l := NewLink(handler, LinkOptions{ReconnectInitial: time.Minute, ReconnectMax: time.Hour})
	now := time.Unix(1000, 0)
	l.now = func() time.Time { return now }

	_, err := l.Execute(context.Background(), 1, readRequest())
	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.True(t, te.Lost)
	assert.Equal(t, LinkDown, l.State())

	for i := 0; i < 2; i++ {
		_, err = l.Execute(context.Background(), 1, readRequest())
		assert.ErrorIs(t, err, ErrLinkDown)
	}
	assert.Equal(t, int32(1), dials.Load())
}

func TestLinkReconnectFailureReschedules(t *testing.T) {
	h := &scriptedHandler{connectErr: errors.New("refused")}
	l := NewLink(h, LinkOptions{ReconnectInitial: time.Second, ReconnectMax: 4 * time.Second})
	now := time.Unix(1000, 0)
	l.now = func() time.Time { return now }

	require.Error(t, l.Connect(context.Background()))
	assert.Equal(t, LinkDown, l.State())
	first := l.retryAt
	assert.True(t, first.After(now))

	now = first.Add(time.Millisecond)
	_, err := l.Execute(context.Background(), 1, readRequest())
	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.True(t, te.Lost)
	assert.Equal(t, 2, h.connects)
	assert.True(t, l.retryAt.After(now))
}

func TestLinkSerializesTransactions(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	h := &scriptedHandler{send: func(ctx context.Context, adu []byte) ([]byte, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		return echoRegisters(ctx, adu)
	}}
	l := NewLink(h, LinkOptions{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(slaveID byte) {
			defer wg.Done()
			_, err := l.Execute(context.Background(), slaveID, readRequest())
			assert.NoError(t, err)
		}(byte(i + 1))
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInFlight.Load())
}

func TestLinkAcquireHonorsContext(t *testing.T) {
	release := make(chan struct{})
	h := &scriptedHandler{send: func(ctx context.Context, adu []byte) ([]byte, error) {
		<-release
		return echoRegisters(ctx, adu)
	}}
	l := NewLink(h, LinkOptions{Timeout: time.Second})

	done := make(chan struct{})
	go func() {
		defer close(done)
		l.Execute(context.Background(), 1, readRequest())
	}()
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := l.Execute(ctx, 2, readRequest())
	assert.True(t, IsTransportError(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	<-done
}
