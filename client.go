// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"context"
	"encoding/binary"
	"fmt"
)

type client struct {
	executor Executor
}

// NewClient creates a new modbus client on top of the given executor, usually a *Link.
func NewClient(executor Executor) Client {
	return &client{executor: executor}
}

// Request:
//
//	Function code         : 1 byte (0x01)
//	Starting address      : 2 bytes
//	Quantity of coils     : 2 bytes
//
// Response:
//
//	Function code         : 1 byte (0x01)
//	Byte count            : 1 byte
//	Coil status           : N* bytes (=N or N+1)
func (mb *client) ReadCoils(ctx context.Context, slaveID byte, address, quantity uint16) ([]byte, error) {
	return mb.readBits(ctx, slaveID, FuncCodeReadCoils, address, quantity)
}

// Request:
//
//	Function code         : 1 byte (0x02)
//	Starting address      : 2 bytes
//	Quantity of inputs    : 2 bytes
//
// Response:
//
//	Function code         : 1 byte (0x02)
//	Byte count            : 1 byte
//	Input status          : N* bytes (=N or N+1)
func (mb *client) ReadDiscreteInputs(ctx context.Context, slaveID byte, address, quantity uint16) ([]byte, error) {
	return mb.readBits(ctx, slaveID, FuncCodeReadDiscreteInputs, address, quantity)
}

// Request:
//
//	Function code         : 1 byte (0x03)
//	Starting address      : 2 bytes
//	Quantity of registers : 2 bytes
//
// Response:
//
//	Function code         : 1 byte (0x03)
//	Byte count            : 1 byte
//	Register value        : Nx2 bytes
func (mb *client) ReadHoldingRegisters(ctx context.Context, slaveID byte, address, quantity uint16) ([]byte, error) {
	return mb.readRegisters(ctx, slaveID, FuncCodeReadHoldingRegisters, address, quantity)
}

// Request:
//
//	Function code         : 1 byte (0x04)
//	Starting address      : 2 bytes
//	Quantity of registers : 2 bytes
//
// Response:
//
//	Function code         : 1 byte (0x04)
//	Byte count            : 1 byte
//	Input registers       : Nx2 bytes
func (mb *client) ReadInputRegisters(ctx context.Context, slaveID byte, address, quantity uint16) ([]byte, error) {
	return mb.readRegisters(ctx, slaveID, FuncCodeReadInputRegisters, address, quantity)
}

// Request:
//
//	Function code         : 1 byte (0x05)
//	Output address        : 2 bytes
//	Output value          : 2 bytes
//
// Response:
//
//	Function code         : 1 byte (0x05)
//	Output address        : 2 bytes
//	Output value          : 2 bytes
func (mb *client) WriteSingleCoil(ctx context.Context, slaveID byte, address, value uint16) ([]byte, error) {
	// The requested ON/OFF state can only be 0xFF00 and 0x0000
	if value != 0xFF00 && value != 0x0000 {
		return nil, fmt.Errorf("modbus: state '%v' must be either 0xFF00 (ON) or 0x0000 (OFF)", value)
	}
	return mb.writeEcho(ctx, slaveID, FuncCodeWriteSingleCoil, dataBlock(address, value), address, value, "value")
}

// Request:
//
//	Function code         : 1 byte (0x06)
//	Register address      : 2 bytes
//	Register value        : 2 bytes
//
// Response:
//
//	Function code         : 1 byte (0x06)
//	Register address      : 2 bytes
//	Register value        : 2 bytes
func (mb *client) WriteSingleRegister(ctx context.Context, slaveID byte, address, value uint16) ([]byte, error) {
	return mb.writeEcho(ctx, slaveID, FuncCodeWriteSingleRegister, dataBlock(address, value), address, value, "value")
}

// Request:
//
//	Function code         : 1 byte (0x0F)
//	Starting address      : 2 bytes
//	Quantity of outputs   : 2 bytes
//	Byte count            : 1 byte
//	Outputs value         : N* bytes
//
// Response:
//
//	Function code         : 1 byte (0x0F)
//	Starting address      : 2 bytes
//	Quantity of outputs   : 2 bytes
func (mb *client) WriteMultipleCoils(ctx context.Context, slaveID byte, address, quantity uint16, value []byte) ([]byte, error) {
	if quantity < 1 || quantity > MaxWriteCoils {
		return nil, fmt.Errorf("modbus: quantity '%v' must be between '%v' and '%v',", quantity, 1, MaxWriteCoils)
	}
	if len(value) != (int(quantity)+7)/8 {
		return nil, fmt.Errorf("modbus: coil data size '%v' does not match quantity '%v'", len(value), quantity)
	}
	return mb.writeEcho(ctx, slaveID, FuncCodeWriteMultipleCoils, dataBlockSuffix(value, address, quantity), address, quantity, "quantity")
}

// Request:
//
//	Function code         : 1 byte (0x10)
//	Starting address      : 2 bytes
//	Quantity of outputs   : 2 bytes
//	Byte count            : 1 byte
//	Registers value       : N* bytes
//
// Response:
//
//	Function code         : 1 byte (0x10)
//	Starting address      : 2 bytes
//	Quantity of registers : 2 bytes
func (mb *client) WriteMultipleRegisters(ctx context.Context, slaveID byte, address, quantity uint16, value []byte) ([]byte, error) {
	if quantity < 1 || quantity > MaxWriteRegisters {
		return nil, fmt.Errorf("modbus: quantity '%v' must be between '%v' and '%v',", quantity, 1, MaxWriteRegisters)
	}
	if len(value) != 2*int(quantity) {
		return nil, fmt.Errorf("modbus: register data size '%v' does not match quantity '%v'", len(value), quantity)
	}
	return mb.writeEcho(ctx, slaveID, FuncCodeWriteMultipleRegisters, dataBlockSuffix(value, address, quantity), address, quantity, "quantity")
}

// Helpers

func (mb *client) readBits(ctx context.Context, slaveID, functionCode byte, address, quantity uint16) ([]byte, error) {
	if quantity < 1 || quantity > MaxReadCoils {
		return nil, fmt.Errorf("modbus: quantity '%v' must be between '%v' and '%v',", quantity, 1, MaxReadCoils)
	}
	data, err := mb.readBlock(ctx, slaveID, functionCode, address, quantity)
	if err != nil {
		return nil, err
	}
	if expected := (int(quantity) + 7) / 8; len(data) != expected {
		return nil, &ProtocolError{Op: "read", Err: fmt.Errorf("response byte count '%v' does not match expected '%v'", len(data), expected)}
	}
	return data, nil
}

func (mb *client) readRegisters(ctx context.Context, slaveID, functionCode byte, address, quantity uint16) ([]byte, error) {
	if quantity < 1 || quantity > MaxReadRegisters {
		return nil, fmt.Errorf("modbus: quantity '%v' must be between '%v' and '%v',", quantity, 1, MaxReadRegisters)
	}
	data, err := mb.readBlock(ctx, slaveID, functionCode, address, quantity)
	if err != nil {
		return nil, err
	}
	if expected := 2 * int(quantity); len(data) != expected {
		return nil, &ProtocolError{Op: "read", Err: fmt.Errorf("response byte count '%v' does not match expected '%v'", len(data), expected)}
	}
	return data, nil
}

// readBlock sends a read request and strips the byte count of the response.
func (mb *client) readBlock(ctx context.Context, slaveID, functionCode byte, address, quantity uint16) ([]byte, error) {
	request := ProtocolDataUnit{
		FunctionCode: functionCode,
		Data:         dataBlock(address, quantity),
	}
	response, err := mb.executor.Execute(ctx, slaveID, &request)
	if err != nil {
		return nil, err
	}
	if len(response.Data) == 0 {
		return nil, &ProtocolError{Op: "read", Err: fmt.Errorf("response data is empty")}
	}
	count := int(response.Data[0])
	length := len(response.Data) - 1
	if count != length {
		return nil, &ProtocolError{Op: "read", Err: fmt.Errorf("response data size '%v' does not match count '%v'", length, count)}
	}
	return response.Data[1:], nil
}

// writeEcho sends a write request whose response repeats the address and a
// second word (value or quantity) of the request.
func (mb *client) writeEcho(ctx context.Context, slaveID, functionCode byte, data []byte, address, echo uint16, echoName string) ([]byte, error) {
	request := ProtocolDataUnit{
		FunctionCode: functionCode,
		Data:         data,
	}
	response, err := mb.executor.Execute(ctx, slaveID, &request)
	if err != nil {
		return nil, err
	}
	// Fixed response length
	if len(response.Data) != 4 {
		return nil, &ProtocolError{Op: "write", Err: fmt.Errorf("response data size '%v' does not match expected '%v'", len(response.Data), 4)}
	}
	respValue := binary.BigEndian.Uint16(response.Data)
	if address != respValue {
		return nil, &ProtocolError{Op: "write", Err: fmt.Errorf("response address '%v' does not match request '%v'", respValue, address)}
	}
	results := response.Data[2:]
	respValue = binary.BigEndian.Uint16(results)
	if echo != respValue {
		return nil, &ProtocolError{Op: "write", Err: fmt.Errorf("response %s '%v' does not match request '%v'", echoName, respValue, echo)}
	}
	return results, nil
}

// dataBlock creates a sequence of uint16 data.
func dataBlock(value ...uint16) []byte {
	data := make([]byte, 2*len(value))
	for i, v := range value {
		binary.BigEndian.PutUint16(data[i*2:], v)
	}
	return data
}

// dataBlockSuffix creates a sequence of uint16 data and append the suffix plus its length.
func dataBlockSuffix(suffix []byte, value ...uint16) []byte {
	length := 2 * len(value)
	data := make([]byte, length+1+len(suffix))
	for i, v := range value {
		binary.BigEndian.PutUint16(data[i*2:], v)
	}
	data[length] = uint8(len(suffix))
	copy(data[length+1:], suffix)
	return data
}

func responseError(response *ProtocolDataUnit) error {
	mbError := &Error{FunctionCode: response.FunctionCode}
	if len(response.Data) > 0 {
		mbError.ExceptionCode = response.Data[0]
	}
	return mbError
}
