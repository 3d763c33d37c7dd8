// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

// Package bridge shares one Modbus client among many components. A Bridge
// runs fixed cycles: it reads the due tasks of every healthy component,
// publishes the decoded values as a new Image and then writes the values
// queued since the last cycle. Components that stop answering are backed
// off by the Tracker so they cannot stall the others.
package bridge

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	modbus "github.com/grid-x/modbusbridge"
	"github.com/grid-x/modbusbridge/codec"
	"github.com/grid-x/modbusbridge/protocol"
)

const defaultCycleTime = time.Second

// Options configures a Bridge. Zero values select the defaults.
type Options struct {
	// Name identifies the bridge in logs.
	Name string
	// CycleTime is the interval between cycle starts.
	CycleTime time.Duration
	// Threshold is the number of consecutive failed transactions after
	// which a component is Defective.
	Threshold int
	// MaxBackoff caps the backoff of a Defective component, in cycles.
	MaxBackoff int
	// LowPriorityWindow is the number of cycles within which every Low
	// task of a component runs once. Zero reads one Low task per cycle.
	LowPriorityWindow int
	Logger            *zap.Logger
}

// CycleStats summarizes one cycle.
type CycleStats struct {
	Cycle         uint64        `json:"cycle"`
	Started       time.Time     `json:"started"`
	Duration      time.Duration `json:"duration"`
	Reads         int           `json:"reads"`
	ReadFailures  int           `json:"readFailures"`
	Writes        int           `json:"writes"`
	WriteFailures int           `json:"writeFailures"`
	Skipped       int           `json:"skipped"`
	Overrun       bool          `json:"overrun"`
}

// ComponentStatus is the externally visible state of a component.
type ComponentStatus struct {
	ID            string `json:"id"`
	UnitID        byte   `json:"unitId"`
	Enabled       bool   `json:"enabled"`
	WriteFailed   bool   `json:"writeFailed"`
	PendingWrites bool   `json:"pendingWrites"`
	Record
}

// Bridge polls the components of one transport.
type Bridge struct {
	name      string
	client    modbus.Client
	cycleTime time.Duration
	logger    *zap.Logger
	now       func() time.Time

	registry *Registry
	tracker  *Tracker

	// cycleMu serializes cycles; cycle is guarded by it.
	cycleMu sync.Mutex
	cycle   uint64

	image        atomic.Pointer[Image]
	stats        atomic.Pointer[CycleStats]
	droppedTicks atomic.Uint64

	subsMu sync.Mutex
	subs   map[chan *Image]struct{}
}

// New creates a bridge issuing all transactions through client.
func New(client modbus.Client, opts Options) *Bridge {
	if opts.CycleTime <= 0 {
		opts.CycleTime = defaultCycleTime
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	b := &Bridge{
		name:      opts.Name,
		client:    client,
		cycleTime: opts.CycleTime,
		logger:    opts.Logger.With(zap.String("bridge", opts.Name)),
		now:       time.Now,
		registry:  NewRegistry(opts.LowPriorityWindow),
		tracker:   NewTracker(opts.Threshold, opts.MaxBackoff),
		subs:      make(map[chan *Image]struct{}),
	}
	b.image.Store(newImage())
	b.stats.Store(&CycleStats{})
	return b
}

// Name returns the bridge name.
func (b *Bridge) Name() string { return b.name }

// Register adds a component. Its tasks join the next cycle.
func (b *Bridge) Register(c Component) error {
	if err := b.registry.Register(c); err != nil {
		b.logger.Error("component not activated", zap.String("component", c.ID()), zap.Error(err))
		return err
	}
	b.logger.Info("component registered", zap.String("component", c.ID()), zap.Uint8("unit", c.UnitID()))
	return nil
}

// Unregister removes a component. Its un-started tasks are dropped.
func (b *Bridge) Unregister(id string) error {
	if err := b.registry.Unregister(id); err != nil {
		return err
	}
	b.tracker.Remove(id)
	b.logger.Info("component unregistered", zap.String("component", id))
	return nil
}

// SetEnabled enables or disables a component. Disabling drops its un-started
// tasks; its values stay in the image.
func (b *Bridge) SetEnabled(id string, enabled bool) error {
	if err := b.registry.SetEnabled(id, enabled); err != nil {
		return err
	}
	b.logger.Info("component enabled changed", zap.String("component", id), zap.Bool("enabled", enabled))
	return nil
}

// SetNextWriteValue queues v for channel ch of component id. It is written
// in the write phase of the next cycle.
func (b *Bridge) SetNextWriteValue(id string, ch protocol.ChannelID, v codec.Value) error {
	e, err := b.registry.get(id)
	if err != nil {
		return err
	}
	return e.manager.SetNextWriteValue(ch, v)
}

// Definition returns the protocol definition of component id.
func (b *Bridge) Definition(id string) (*protocol.Definition, error) {
	e, err := b.registry.get(id)
	if err != nil {
		return nil, err
	}
	return e.manager.Definition(), nil
}

// Image returns the current process image.
func (b *Bridge) Image() *Image {
	return b.image.Load()
}

// Stats returns the statistics of the last cycle.
func (b *Bridge) Stats() CycleStats {
	return *b.stats.Load()
}

// DroppedTicks returns the number of ticks skipped because the previous
// cycle was still running.
func (b *Bridge) DroppedTicks() uint64 {
	return b.droppedTicks.Load()
}

// Status returns the state of component id.
func (b *Bridge) Status(id string) (ComponentStatus, error) {
	e, err := b.registry.get(id)
	if err != nil {
		return ComponentStatus{}, err
	}
	return b.status(e), nil
}

// Components returns the state of all components in registration order.
func (b *Bridge) Components() []ComponentStatus {
	entries := b.registry.snapshot()
	out := make([]ComponentStatus, len(entries))
	for i, e := range entries {
		out[i] = b.status(e)
	}
	return out
}

func (b *Bridge) status(e *entry) ComponentStatus {
	return ComponentStatus{
		ID:            e.id,
		UnitID:        e.unitID,
		Enabled:       e.enabled.Load(),
		WriteFailed:   e.writeFailed.Load(),
		PendingWrites: e.manager.HasPendingWrites(),
		Record:        b.tracker.Record(e.id),
	}
}

// Subscribe returns a channel receiving every published image. Images are
// dropped while the buffer of size n is full. The returned function ends the
// subscription and closes the channel.
func (b *Bridge) Subscribe(n int) (<-chan *Image, func()) {
	ch := make(chan *Image, n)
	b.subsMu.Lock()
	b.subs[ch] = struct{}{}
	b.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.subsMu.Lock()
			delete(b.subs, ch)
			b.subsMu.Unlock()
			close(ch)
		})
	}
}

func (b *Bridge) broadcast(img *Image) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- img:
		default:
		}
	}
}

// Run starts cycles every CycleTime until ctx is done. Cycles execute on a
// dedicated worker; a tick arriving while a cycle still runs is dropped.
func (b *Bridge) Run(ctx context.Context) error {
	trigger := make(chan struct{}, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-trigger:
				b.RunCycle(ctx)
			}
		}
	}()

	b.logger.Info("bridge started", zap.Duration("cycle_time", b.cycleTime))
	ticker := time.NewTicker(b.cycleTime)
	defer ticker.Stop()
	trigger <- struct{}{}
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			b.logger.Info("bridge stopped")
			return nil
		case <-ticker.C:
			select {
			case trigger <- struct{}{}:
			default:
				b.droppedTicks.Add(1)
				b.logger.Warn("cycle still running, tick dropped")
			}
		}
	}
}

// RunCycle executes one complete cycle: reads, image swap and writes.
func (b *Bridge) RunCycle(ctx context.Context) CycleStats {
	b.cycleMu.Lock()
	defer b.cycleMu.Unlock()

	b.cycle++
	cycle := b.cycle
	stats := CycleStats{Cycle: cycle, Started: b.now()}

	entries := b.registry.snapshot()
	plan := planReads(entries, b.tracker, cycle)
	builder := newImageBuilder(b.image.Load(), cycle)
	for _, e := range entries {
		builder.component(e.id)
	}

	for i, s := range plan {
		if ctx.Err() != nil {
			stats.Skipped += len(plan) - i
			break
		}
		if !s.entry.active() || (!s.probe && b.tracker.State(s.entry.id) == Defective) {
			stats.Skipped++
			continue
		}
		b.executeRead(ctx, s, builder, cycle, &stats)
	}

	for _, e := range entries {
		if e.removed.Load() {
			delete(builder.next.components, e.id)
			if !b.registry.replaced(e) {
				b.tracker.Remove(e.id)
			}
			continue
		}
		vs := builder.component(e.id)
		vs[ChannelCommunicationFailed] = codec.Bool(b.tracker.State(e.id) == Defective)
		vs[ChannelWriteFailed] = codec.Bool(e.writeFailed.Load())
	}
	img := builder.publish(b.now())
	b.image.Store(img)
	b.broadcast(img)

	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		if !e.active() || b.tracker.State(e.id) == Defective {
			continue
		}
		writes := e.manager.PendingWriteTasks()
		if len(writes) == 0 {
			continue
		}
		failed := false
		for _, w := range writes {
			if !b.executeWrite(ctx, e, w, cycle, &stats) {
				failed = true
			}
		}
		e.writeFailed.Store(failed)
	}

	stats.Duration = b.now().Sub(stats.Started)
	if stats.Duration > b.cycleTime {
		stats.Overrun = true
		b.logger.Warn("cycle overran its time budget",
			zap.Uint64("cycle", cycle), zap.Duration("duration", stats.Duration))
	}
	b.stats.Store(&stats)
	b.logger.Debug("cycle done",
		zap.Uint64("cycle", cycle),
		zap.Duration("duration", stats.Duration),
		zap.Int("reads", stats.Reads),
		zap.Int("read_failures", stats.ReadFailures),
		zap.Int("writes", stats.Writes),
		zap.Int("write_failures", stats.WriteFailures),
		zap.Int("skipped", stats.Skipped))
	return stats
}

func (b *Bridge) executeRead(ctx context.Context, s step, builder *imageBuilder, cycle uint64, stats *CycleStats) {
	stats.Reads++
	id := s.entry.id
	data, err := b.read(ctx, s.entry.unitID, s.task)
	if s.entry.removed.Load() {
		// unregistered while the transaction was on the wire
		return
	}
	if err != nil {
		if ctx.Err() != nil {
			// shutdown, not the device's fault
			return
		}
		stats.ReadFailures++
		b.failure(id, cycle, "read", s.task, err)
		return
	}
	values, err := s.task.Decode(data)
	if err != nil {
		stats.ReadFailures++
		if s.probe {
			// an answer that cannot be decoded does not prove recovery
			b.failure(id, cycle, "probe", s.task, err)
			return
		}
		b.logger.Warn("decode failed", zap.String("component", id), zap.Stringer("task", s.task), zap.Error(err))
		return
	}
	if b.tracker.Success(id) {
		b.logger.Info("component recovered", zap.String("component", id))
	}
	builder.set(id, values)
}

// executeWrite sends one pending write. It reports success.
func (b *Bridge) executeWrite(ctx context.Context, e *entry, w protocol.PendingWrite, cycle uint64, stats *CycleStats) bool {
	stats.Writes++
	payload, err := w.Payload()
	if err != nil {
		stats.WriteFailures++
		b.logger.Warn("write not encodable", zap.String("component", e.id), zap.Stringer("task", w.Task), zap.Error(err))
		return false
	}
	if err = b.write(ctx, e.unitID, w, payload); err != nil {
		stats.WriteFailures++
		if ctx.Err() != nil {
			return false
		}
		b.failure(e.id, cycle, "write", w.Task, err)
		return false
	}
	if b.tracker.Success(e.id) {
		b.logger.Info("component recovered", zap.String("component", e.id))
	}
	return true
}

func (b *Bridge) failure(id string, cycle uint64, op string, t *protocol.Task, err error) {
	if b.tracker.Failure(id, cycle) {
		r := b.tracker.Record(id)
		b.logger.Warn("component defective",
			zap.String("component", id),
			zap.Int("failures", r.ConsecutiveFailures),
			zap.Uint64("next_cycle", r.NextEligibleCycle),
			zap.Error(err))
		return
	}
	b.logger.Warn(op+" failed",
		zap.String("component", id),
		zap.Stringer("task", t),
		zap.Bool("transport", modbus.IsTransportError(err)),
		zap.Error(err))
}

func (b *Bridge) read(ctx context.Context, unit byte, t *protocol.Task) ([]byte, error) {
	switch t.FunctionCode() {
	case modbus.FuncCodeReadCoils:
		return b.client.ReadCoils(ctx, unit, t.Start(), t.Quantity())
	case modbus.FuncCodeReadDiscreteInputs:
		return b.client.ReadDiscreteInputs(ctx, unit, t.Start(), t.Quantity())
	case modbus.FuncCodeReadHoldingRegisters:
		return b.client.ReadHoldingRegisters(ctx, unit, t.Start(), t.Quantity())
	case modbus.FuncCodeReadInputRegisters:
		return b.client.ReadInputRegisters(ctx, unit, t.Start(), t.Quantity())
	}
	return nil, fmt.Errorf("bridge: %v is not a read task", t)
}

func (b *Bridge) write(ctx context.Context, unit byte, w protocol.PendingWrite, payload []byte) error {
	var err error
	switch w.Task.FunctionCode() {
	case modbus.FuncCodeWriteSingleCoil:
		value := uint16(0x0000)
		if payload[0] != 0 {
			value = 0xFF00
		}
		_, err = b.client.WriteSingleCoil(ctx, unit, w.Start, value)
	case modbus.FuncCodeWriteMultipleCoils:
		_, err = b.client.WriteMultipleCoils(ctx, unit, w.Start, w.Quantity, packCoils(payload))
	case modbus.FuncCodeWriteSingleRegister:
		_, err = b.client.WriteSingleRegister(ctx, unit, w.Start, binary.BigEndian.Uint16(payload))
	case modbus.FuncCodeWriteMultipleRegisters:
		_, err = b.client.WriteMultipleRegisters(ctx, unit, w.Start, w.Quantity, payload)
	default:
		err = errors.New("bridge: not a write task")
	}
	return err
}

// packCoils packs one byte per coil into the bit layout of FC15,
// least significant bit first.
func packCoils(coils []byte) []byte {
	out := make([]byte, (len(coils)+7)/8)
	for i, c := range coils {
		if c != 0 {
			out[i/8] |= 1 << uint(i%8)
		}
	}
	return out
}
