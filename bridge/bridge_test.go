// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	modbus "github.com/grid-x/modbusbridge"
	"github.com/grid-x/modbusbridge/codec"
	"github.com/grid-x/modbusbridge/protocol"
)

func meter(id string, unit byte) *testComponent {
	return &testComponent{id: id, unit: unit, tasks: func() []*protocol.Task {
		return []*protocol.Task{
			protocol.FC3ReadRegisters(100, protocol.High,
				protocol.NewElement(100, codec.Float32).Order(codec.LowWordFirst).Map("ActivePower", nil)),
		}
	}}
}

func floatValue(t *testing.T, img *Image, id string, ch protocol.ChannelID) float64 {
	t.Helper()
	v, ok := img.Value(id, ch)
	require.True(t, ok, "%s/%s missing", id, ch)
	f, ok := v.Float64()
	require.True(t, ok, "%s/%s = %v", id, ch, v)
	return f
}

func boolValue(t *testing.T, img *Image, id string, ch protocol.ChannelID) bool {
	t.Helper()
	v, ok := img.Value(id, ch)
	require.True(t, ok, "%s/%s missing", id, ch)
	b, ok := v.AsBool()
	require.True(t, ok, "%s/%s = %v", id, ch, v)
	return b
}

func TestMeterBecomesDefective(t *testing.T) {
	client := newFakeClient()
	b := New(client, Options{Threshold: 3, MaxBackoff: 60})
	require.NoError(t, b.Register(meter("meter0", 1)))

	client.onRead(1, modbus.FuncCodeReadHoldingRegisters, 100, func(uint16) ([]byte, error) {
		return float32LowWordFirst(1234.5), nil
	})
	ctx := context.Background()
	b.RunCycle(ctx)
	img := b.Image()
	assert.Equal(t, 1234.5, floatValue(t, img, "meter0", "ActivePower"))
	assert.False(t, boolValue(t, img, "meter0", ChannelCommunicationFailed))

	client.onRead(1, modbus.FuncCodeReadHoldingRegisters, 100, timeout)
	for i := 0; i < 2; i++ {
		b.RunCycle(ctx)
		assert.False(t, boolValue(t, b.Image(), "meter0", ChannelCommunicationFailed))
	}
	st, err := b.Status("meter0")
	require.NoError(t, err)
	assert.Equal(t, Suspect, st.State)

	stats := b.RunCycle(ctx)
	assert.Equal(t, 1, stats.ReadFailures)
	img = b.Image()
	assert.Equal(t, 1234.5, floatValue(t, img, "meter0", "ActivePower"))
	assert.True(t, boolValue(t, img, "meter0", ChannelCommunicationFailed))
	st, err = b.Status("meter0")
	require.NoError(t, err)
	assert.Equal(t, Defective, st.State)
	assert.Equal(t, uint64(6), st.NextEligibleCycle)

	// excluded for one cycle, then probed once
	client.reset()
	b.RunCycle(ctx)
	assert.Empty(t, client.history())
	b.RunCycle(ctx)
	assert.Len(t, client.history(), 1)

	// the failed probe doubles the backoff: cycles 7 and 8 are skipped
	client.reset()
	client.onRead(1, modbus.FuncCodeReadHoldingRegisters, 100, func(uint16) ([]byte, error) {
		return float32LowWordFirst(99), nil
	})
	b.RunCycle(ctx)
	b.RunCycle(ctx)
	assert.Empty(t, client.history())
	b.RunCycle(ctx)
	assert.Len(t, client.history(), 1)

	img = b.Image()
	assert.Equal(t, uint64(9), img.Cycle())
	assert.Equal(t, 99.0, floatValue(t, img, "meter0", "ActivePower"))
	assert.False(t, boolValue(t, img, "meter0", ChannelCommunicationFailed))
	st, err = b.Status("meter0")
	require.NoError(t, err)
	assert.Equal(t, Healthy, st.State)
}

func TestStarvationIsolation(t *testing.T) {
	client := newFakeClient()
	b := New(client, Options{Threshold: 3})
	require.NoError(t, b.Register(meter("broken", 1)))
	require.NoError(t, b.Register(meter("good", 2)))

	client.onRead(1, modbus.FuncCodeReadHoldingRegisters, 100, timeout)
	for i := 0; i < 10; i++ {
		value := float32(i)
		client.onRead(2, modbus.FuncCodeReadHoldingRegisters, 100, func(uint16) ([]byte, error) {
			return float32LowWordFirst(value), nil
		})
		b.RunCycle(context.Background())
		assert.Equal(t, float64(i), floatValue(t, b.Image(), "good", "ActivePower"), "cycle %d", i+1)
	}
	st, err := b.Status("good")
	require.NoError(t, err)
	assert.Equal(t, Healthy, st.State)
}

func prioritized(id string, unit byte) *testComponent {
	return &testComponent{id: id, unit: unit, tasks: func() []*protocol.Task {
		return []*protocol.Task{
			protocol.FC3ReadRegisters(0, protocol.High, protocol.NewElement(0, codec.UInt16).Map("H", nil)),
			protocol.FC3ReadRegisters(10, protocol.Low, protocol.NewElement(10, codec.UInt16).Map("L0", nil)),
			protocol.FC3ReadRegisters(20, protocol.Low, protocol.NewElement(20, codec.UInt16).Map("L1", nil)),
		}
	}}
}

func TestHighBeforeLowRoundRobin(t *testing.T) {
	client := newFakeClient()
	b := New(client, Options{LowPriorityWindow: 1})
	require.NoError(t, b.Register(prioritized("a", 1)))
	require.NoError(t, b.Register(prioritized("b", 2)))

	b.RunCycle(context.Background())
	type req struct {
		unit    byte
		address uint16
	}
	var got []req
	for _, c := range client.history() {
		got = append(got, req{c.Unit, c.Address})
	}
	assert.Equal(t, []req{{1, 0}, {2, 0}, {1, 10}, {2, 10}, {1, 20}, {2, 20}}, got)
}

func TestDefectiveMidCycleSkipsRemainingTasks(t *testing.T) {
	client := newFakeClient()
	b := New(client, Options{Threshold: 2})
	require.NoError(t, b.Register(&testComponent{id: "c", unit: 1, tasks: func() []*protocol.Task {
		return []*protocol.Task{
			protocol.FC3ReadRegisters(0, protocol.High, protocol.NewElement(0, codec.UInt16).Map("A", nil)),
			protocol.FC3ReadRegisters(10, protocol.High, protocol.NewElement(10, codec.UInt16).Map("B", nil)),
			protocol.FC3ReadRegisters(20, protocol.High, protocol.NewElement(20, codec.UInt16).Map("C", nil)),
		}
	}}))
	for _, addr := range []uint16{0, 10, 20} {
		client.onRead(1, modbus.FuncCodeReadHoldingRegisters, addr, timeout)
	}

	stats := b.RunCycle(context.Background())
	assert.Equal(t, 2, stats.Reads)
	assert.Equal(t, 2, stats.ReadFailures)
	assert.Equal(t, 1, stats.Skipped)
	assert.Len(t, client.history(), 2)
	assert.True(t, boolValue(t, b.Image(), "c", ChannelCommunicationFailed))
}

func TestDisableDropsTasks(t *testing.T) {
	client := newFakeClient()
	b := New(client, Options{})
	require.NoError(t, b.Register(meter("a", 1)))
	require.NoError(t, b.Register(meter("b", 2)))
	ctx := context.Background()

	client.onRead(2, modbus.FuncCodeReadHoldingRegisters, 100, func(uint16) ([]byte, error) {
		return float32LowWordFirst(5), nil
	})
	b.RunCycle(ctx)

	// disabling from within the cycle drops the un-started task of b
	client.reset()
	client.onRead(1, modbus.FuncCodeReadHoldingRegisters, 100, func(q uint16) ([]byte, error) {
		require.NoError(t, b.SetEnabled("b", false))
		return make([]byte, 2*q), nil
	})
	stats := b.RunCycle(ctx)
	assert.Equal(t, 1, stats.Skipped)
	require.Len(t, client.history(), 1)
	assert.Equal(t, byte(1), client.history()[0].Unit)
	assert.Equal(t, 5.0, floatValue(t, b.Image(), "b", "ActivePower"))

	st, err := b.Status("b")
	require.NoError(t, err)
	assert.False(t, st.Enabled)

	assert.ErrorIs(t, b.SetEnabled("missing", true), ErrUnknownComponent)
}

func TestUnregister(t *testing.T) {
	client := newFakeClient()
	b := New(client, Options{})
	require.NoError(t, b.Register(meter("a", 1)))
	ctx := context.Background()
	b.RunCycle(ctx)
	assert.Equal(t, []string{"a"}, b.Image().Components())

	require.NoError(t, b.Unregister("a"))
	client.reset()
	b.RunCycle(ctx)
	assert.Empty(t, client.history())
	assert.Empty(t, b.Image().Components())
	assert.Empty(t, b.Components())
	assert.ErrorIs(t, b.Unregister("a"), ErrUnknownComponent)

	// the id is free again
	require.NoError(t, b.Register(meter("a", 1)))
}

func TestReplaceDuringCycle(t *testing.T) {
	client := newFakeClient()
	b := New(client, Options{Threshold: 1})
	require.NoError(t, b.Register(meter("a", 1)))
	client.onRead(1, modbus.FuncCodeReadHoldingRegisters, 100, func(uint16) ([]byte, error) {
		require.NoError(t, b.Unregister("a"))
		require.NoError(t, b.Register(meter("a", 2)))
		// the new registration has its own history already
		b.tracker.Failure("a", 1)
		return nil, errTimeout
	})

	stats := b.RunCycle(context.Background())
	assert.Zero(t, stats.ReadFailures)
	assert.Empty(t, b.Image().Components())
	st, err := b.Status("a")
	require.NoError(t, err)
	assert.Equal(t, byte(2), st.UnitID)
	assert.Equal(t, Defective, st.State)
	assert.Equal(t, uint64(3), st.NextEligibleCycle)
}

func TestUndecodableRecoveryReadDoublesBackoff(t *testing.T) {
	client := newFakeClient()
	b := New(client, Options{Threshold: 1, MaxBackoff: 60})
	require.NoError(t, b.Register(meter("m", 1)))
	client.onRead(1, modbus.FuncCodeReadHoldingRegisters, 100, timeout)
	ctx := context.Background()

	b.RunCycle(ctx)
	st, err := b.Status("m")
	require.NoError(t, err)
	require.Equal(t, Defective, st.State)
	require.Equal(t, uint64(3), st.NextEligibleCycle)

	// the device answers the recovery read with a short frame
	client.onRead(1, modbus.FuncCodeReadHoldingRegisters, 100, func(uint16) ([]byte, error) {
		return []byte{0, 1}, nil
	})
	b.RunCycle(ctx)
	client.reset()
	stats := b.RunCycle(ctx)
	assert.Equal(t, 1, stats.Reads)
	assert.Equal(t, 1, stats.ReadFailures)

	st, err = b.Status("m")
	require.NoError(t, err)
	assert.Equal(t, Defective, st.State)
	assert.Equal(t, uint64(2), st.Backoff)
	assert.Equal(t, uint64(6), st.NextEligibleCycle)

	// no probe until the doubled backoff elapsed
	client.reset()
	b.RunCycle(ctx)
	b.RunCycle(ctx)
	assert.Empty(t, client.history())
	assert.True(t, boolValue(t, b.Image(), "m", ChannelCommunicationFailed))
}

func TestRegisterRejectsInvalidDefinition(t *testing.T) {
	b := New(newFakeClient(), Options{})
	err := b.Register(&testComponent{id: "bad", unit: 1, tasks: func() []*protocol.Task {
		return []*protocol.Task{
			protocol.FC3ReadRegisters(0, protocol.High, protocol.NewElement(0, codec.UInt32).Map("A", nil)),
			protocol.FC3ReadRegisters(1, protocol.Low, protocol.NewElement(1, codec.UInt16).Map("B", nil)),
		}
	}})
	var defErr *protocol.DefinitionError
	require.True(t, errors.As(err, &defErr), "got %v", err)
	assert.Empty(t, b.Components())

	require.NoError(t, b.Register(meter("ok", 2)))
	assert.ErrorIs(t, b.Register(meter("ok", 3)), ErrDuplicateComponent)
}

func actuator(id string, unit byte) *testComponent {
	return &testComponent{id: id, unit: unit, tasks: func() []*protocol.Task {
		return []*protocol.Task{
			protocol.FC3ReadRegisters(200, protocol.High,
				protocol.NewElement(200, codec.UInt16).Map("SetPoint", nil),
				protocol.NewElement(201, codec.UInt16).Map("Limit", nil)),
			protocol.FC16WriteRegisters(200,
				protocol.NewElement(200, codec.UInt16).Map("SetPoint", nil),
				protocol.NewElement(201, codec.UInt16).Map("Limit", nil)),
			protocol.FC5WriteCoil(0, protocol.NewElement(0, codec.Coil).Map("Relay", nil)),
			protocol.FC15WriteCoils(10,
				protocol.NewElement(10, codec.Coil).Map("R0", nil),
				protocol.NewElement(11, codec.Coil).Map("R1", nil),
				protocol.NewElement(12, codec.Coil).Map("R2", nil)),
		}
	}}
}

func writes(calls []call) []call {
	var out []call
	for _, c := range calls {
		switch c.Function {
		case modbus.FuncCodeWriteSingleCoil, modbus.FuncCodeWriteMultipleCoils,
			modbus.FuncCodeWriteSingleRegister, modbus.FuncCodeWriteMultipleRegisters:
			out = append(out, c)
		}
	}
	return out
}

func TestWritesFollowReadsAndAreDiffed(t *testing.T) {
	client := newFakeClient()
	b := New(client, Options{})
	require.NoError(t, b.Register(actuator("inv", 3)))
	ctx := context.Background()

	b.RunCycle(ctx)
	assert.Empty(t, writes(client.history()))

	require.NoError(t, b.SetNextWriteValue("inv", "Limit", codec.Int(700)))
	require.NoError(t, b.SetNextWriteValue("inv", "Relay", codec.Bool(true)))
	require.NoError(t, b.SetNextWriteValue("inv", "R0", codec.Bool(true)))
	require.NoError(t, b.SetNextWriteValue("inv", "R1", codec.Bool(false)))
	require.NoError(t, b.SetNextWriteValue("inv", "R2", codec.Bool(true)))
	st, err := b.Status("inv")
	require.NoError(t, err)
	assert.True(t, st.PendingWrites)

	client.reset()
	stats := b.RunCycle(ctx)
	assert.Equal(t, 3, stats.Writes)
	calls := client.history()
	require.Len(t, calls, 4)
	assert.Equal(t, byte(modbus.FuncCodeReadHoldingRegisters), calls[0].Function)
	assert.Equal(t, []call{
		{Unit: 3, Function: modbus.FuncCodeWriteMultipleRegisters, Address: 201, Quantity: 1, Value: []byte{0x02, 0xBC}},
		{Unit: 3, Function: modbus.FuncCodeWriteSingleCoil, Address: 0, Quantity: 1, Value: []byte{0xFF, 0x00}},
		{Unit: 3, Function: modbus.FuncCodeWriteMultipleCoils, Address: 10, Quantity: 3, Value: []byte{0x05}},
	}, calls[1:])

	// nothing new queued, nothing written
	client.reset()
	b.RunCycle(ctx)
	assert.Empty(t, writes(client.history()))

	assert.ErrorIs(t, b.SetNextWriteValue("inv", "Missing", codec.Int(1)), protocol.ErrNotWritable)
	assert.ErrorIs(t, b.SetNextWriteValue("nobody", "Limit", codec.Int(1)), ErrUnknownComponent)
}

func TestWriteFailureIsReportedNotRetried(t *testing.T) {
	client := newFakeClient()
	b := New(client, Options{Threshold: 3})
	require.NoError(t, b.Register(actuator("inv", 3)))
	ctx := context.Background()

	client.failWrites(3, &modbus.ProtocolError{Op: "exception", Err: &modbus.Error{FunctionCode: 0x90, ExceptionCode: modbus.ExceptionCodeIllegalDataAddress}})
	require.NoError(t, b.SetNextWriteValue("inv", "SetPoint", codec.Int(1)))
	stats := b.RunCycle(ctx)
	assert.Equal(t, 1, stats.WriteFailures)
	st, err := b.Status("inv")
	require.NoError(t, err)
	assert.True(t, st.WriteFailed)
	assert.Equal(t, Suspect, st.State)

	client.reset()
	b.RunCycle(ctx)
	assert.Empty(t, writes(client.history()))
	assert.True(t, boolValue(t, b.Image(), "inv", ChannelWriteFailed))

	// a successful write clears the fault
	client.failWrites(3, nil)
	require.NoError(t, b.SetNextWriteValue("inv", "SetPoint", codec.Int(2)))
	b.RunCycle(ctx)
	b.RunCycle(ctx)
	assert.False(t, boolValue(t, b.Image(), "inv", ChannelWriteFailed))
}

func TestUnencodableWriteValue(t *testing.T) {
	client := newFakeClient()
	b := New(client, Options{})
	require.NoError(t, b.Register(actuator("inv", 3)))

	require.NoError(t, b.SetNextWriteValue("inv", "SetPoint", codec.Int(-1)))
	stats := b.RunCycle(context.Background())
	assert.Equal(t, 1, stats.WriteFailures)
	assert.Empty(t, writes(client.history()))
	st, err := b.Status("inv")
	require.NoError(t, err)
	assert.True(t, st.WriteFailed)
	assert.Equal(t, Healthy, st.State)
}

func TestDecodeErrorFailsOnlyTheTask(t *testing.T) {
	client := newFakeClient()
	b := New(client, Options{Threshold: 1})
	require.NoError(t, b.Register(meter("m", 1)))
	client.onRead(1, modbus.FuncCodeReadHoldingRegisters, 100, func(uint16) ([]byte, error) {
		return []byte{0, 1}, nil
	})
	stats := b.RunCycle(context.Background())
	assert.Equal(t, 1, stats.ReadFailures)
	st, err := b.Status("m")
	require.NoError(t, err)
	assert.Equal(t, Healthy, st.State)
}

func TestSubscribe(t *testing.T) {
	b := New(newFakeClient(), Options{})
	require.NoError(t, b.Register(meter("m", 1)))
	ch, cancel := b.Subscribe(1)

	b.RunCycle(context.Background())
	b.RunCycle(context.Background())
	img := <-ch
	assert.Equal(t, uint64(1), img.Cycle())
	select {
	case <-ch:
		t.Fatal("lagging subscriber must not queue more than its buffer")
	default:
	}

	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)
	b.RunCycle(context.Background())
}

func TestImageChanged(t *testing.T) {
	client := newFakeClient()
	b := New(client, Options{})
	require.NoError(t, b.Register(meter("m", 1)))
	ctx := context.Background()

	b.RunCycle(ctx)
	first := b.Image()
	assert.Len(t, first.Changed(nil)["m"], 3)

	b.RunCycle(ctx)
	assert.Empty(t, b.Image().Changed(first))

	client.onRead(1, modbus.FuncCodeReadHoldingRegisters, 100, func(uint16) ([]byte, error) {
		return float32LowWordFirst(1), nil
	})
	prev := b.Image()
	b.RunCycle(ctx)
	changed := b.Image().Changed(prev)
	assert.Equal(t, map[string]Values{"m": {"ActivePower": codec.Float(1)}}, changed)
}

func TestRun(t *testing.T) {
	b := New(newFakeClient(), Options{CycleTime: 10 * time.Millisecond})
	require.NoError(t, b.Register(meter("m", 1)))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, b.Run(ctx))
	assert.GreaterOrEqual(t, b.Stats().Cycle, uint64(2))
}

func TestPackCoils(t *testing.T) {
	assert.Equal(t, []byte{0xCD, 0x01}, packCoils([]byte{1, 0, 1, 1, 0, 0, 1, 1, 1}))
	assert.Empty(t, packCoils(nil))
}
