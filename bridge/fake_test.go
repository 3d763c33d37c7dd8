// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package bridge

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	modbus "github.com/grid-x/modbusbridge"
	"github.com/grid-x/modbusbridge/protocol"
)

// call is one request seen by fakeClient.
type call struct {
	Unit     byte
	Function byte
	Address  uint16
	Quantity uint16
	Value    []byte
}

type readKey struct {
	unit     byte
	function byte
	address  uint16
}

// fakeClient answers reads from scripted handlers and records every call.
type fakeClient struct {
	mu       sync.Mutex
	calls    []call
	reads    map[readKey]func(quantity uint16) ([]byte, error)
	writeErr map[byte]error
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		reads:    make(map[readKey]func(uint16) ([]byte, error)),
		writeErr: make(map[byte]error),
	}
}

func (c *fakeClient) onRead(unit, function byte, address uint16, fn func(quantity uint16) ([]byte, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads[readKey{unit, function, address}] = fn
}

func (c *fakeClient) failWrites(unit byte, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr[unit] = err
}

func (c *fakeClient) history() []call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]call(nil), c.calls...)
}

func (c *fakeClient) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = nil
}

func (c *fakeClient) read(unit, function byte, address, quantity uint16) ([]byte, error) {
	c.mu.Lock()
	c.calls = append(c.calls, call{Unit: unit, Function: function, Address: address, Quantity: quantity})
	fn := c.reads[readKey{unit, function, address}]
	c.mu.Unlock()
	if fn == nil {
		// zero filled registers
		if function == modbus.FuncCodeReadCoils || function == modbus.FuncCodeReadDiscreteInputs {
			return make([]byte, (quantity+7)/8), nil
		}
		return make([]byte, 2*quantity), nil
	}
	return fn(quantity)
}

func (c *fakeClient) write(unit, function byte, address, quantity uint16, value []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call{Unit: unit, Function: function, Address: address, Quantity: quantity, Value: value})
	if err := c.writeErr[unit]; err != nil {
		return nil, err
	}
	return []byte{0, 0, 0, 0}, nil
}

func (c *fakeClient) ReadCoils(_ context.Context, unit byte, address, quantity uint16) ([]byte, error) {
	return c.read(unit, modbus.FuncCodeReadCoils, address, quantity)
}

func (c *fakeClient) ReadDiscreteInputs(_ context.Context, unit byte, address, quantity uint16) ([]byte, error) {
	return c.read(unit, modbus.FuncCodeReadDiscreteInputs, address, quantity)
}

func (c *fakeClient) ReadHoldingRegisters(_ context.Context, unit byte, address, quantity uint16) ([]byte, error) {
	return c.read(unit, modbus.FuncCodeReadHoldingRegisters, address, quantity)
}

func (c *fakeClient) ReadInputRegisters(_ context.Context, unit byte, address, quantity uint16) ([]byte, error) {
	return c.read(unit, modbus.FuncCodeReadInputRegisters, address, quantity)
}

func (c *fakeClient) WriteSingleCoil(_ context.Context, unit byte, address, value uint16) ([]byte, error) {
	v := make([]byte, 2)
	binary.BigEndian.PutUint16(v, value)
	return c.write(unit, modbus.FuncCodeWriteSingleCoil, address, 1, v)
}

func (c *fakeClient) WriteMultipleCoils(_ context.Context, unit byte, address, quantity uint16, value []byte) ([]byte, error) {
	return c.write(unit, modbus.FuncCodeWriteMultipleCoils, address, quantity, value)
}

func (c *fakeClient) WriteSingleRegister(_ context.Context, unit byte, address, value uint16) ([]byte, error) {
	v := make([]byte, 2)
	binary.BigEndian.PutUint16(v, value)
	return c.write(unit, modbus.FuncCodeWriteSingleRegister, address, 1, v)
}

func (c *fakeClient) WriteMultipleRegisters(_ context.Context, unit byte, address, quantity uint16, value []byte) ([]byte, error) {
	return c.write(unit, modbus.FuncCodeWriteMultipleRegisters, address, quantity, value)
}

// testComponent supplies a fixed set of tasks.
type testComponent struct {
	id    string
	unit  byte
	tasks func() []*protocol.Task
}

func (c *testComponent) ID() string { return c.id }
func (c *testComponent) UnitID() byte { return c.unit }
func (c *testComponent) Definition() (*protocol.Definition, error) {
	return protocol.NewDefinition(c.id, c.tasks()...)
}

var errTimeout = &modbus.TransportError{Op: "send", Err: context.DeadlineExceeded}

func timeout(uint16) ([]byte, error) { return nil, errTimeout }

// float32LowWordFirst returns f as two registers, low word first.
func float32LowWordFirst(f float32) []byte {
	bits := math.Float32bits(f)
	b := make([]byte, 4)
	binary.BigEndian.PutUint16(b, uint16(bits))
	binary.BigEndian.PutUint16(b[2:], uint16(bits>>16))
	return b
}

func uint16Registers(vs ...uint16) func(uint16) ([]byte, error) {
	return func(q uint16) ([]byte, error) {
		if int(q) != len(vs) {
			return nil, fmt.Errorf("unexpected quantity %d", q)
		}
		b := make([]byte, 2*len(vs))
		for i, v := range vs {
			binary.BigEndian.PutUint16(b[2*i:], v)
		}
		return b, nil
	}
}
