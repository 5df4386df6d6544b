package gpusync

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/garrison/memutils"
	"github.com/vkngwrapper/garrison/native"
	"golang.org/x/exp/slog"
)

// ContextCreateFlags indicate specific context behaviors to activate or deactivate
type ContextCreateFlags int32

var contextCreateFlagsMapping = common.NewFlagStringMapping[ContextCreateFlags]()

func (f ContextCreateFlags) Register(str string) {
	contextCreateFlagsMapping.Register(f, str)
}
func (f ContextCreateFlags) String() string {
	return contextCreateFlagsMapping.FlagsToString(f)
}

const (
	// ContextCreateNoSlot prevents the context from claiming one of the MaxContextSlots slots. It
	// tracks states and references in hash tables instead.
	ContextCreateNoSlot ContextCreateFlags = 1 << iota
)

func init() {
	ContextCreateNoSlot.Register("ContextCreateNoSlot")
}

// AmbiguityPolicy decides how a requested state that combines a write with reads is resolved
type AmbiguityPolicy int32

const (
	// AmbiguityPreferWriteUnlessHinted keeps the read bits when the batch has a pending memory
	// barrier, and the write bits otherwise
	AmbiguityPreferWriteUnlessHinted AmbiguityPolicy = iota
	// AmbiguityPreferWrite always keeps the write bits
	AmbiguityPreferWrite
	// AmbiguityPreferRead always keeps the read bits
	AmbiguityPreferRead
)

var ambiguityPolicyMapping = make(map[AmbiguityPolicy]string)

func init() {
	ambiguityPolicyMapping[AmbiguityPreferWriteUnlessHinted] = "AmbiguityPreferWriteUnlessHinted"
	ambiguityPolicyMapping[AmbiguityPreferWrite] = "AmbiguityPreferWrite"
	ambiguityPolicyMapping[AmbiguityPreferRead] = "AmbiguityPreferRead"
}

func (p AmbiguityPolicy) String() string {
	return ambiguityPolicyMapping[p]
}

// BindingInvalidator is notified when RequireState is called with TransitionInvalidateBindings
type BindingInvalidator interface {
	InvalidateBindings(alloc *Allocation)
}

// ContextCreateOptions contains optional settings when creating a Context
type ContextCreateOptions struct {
	Flags ContextCreateFlags
	// Name is used in log messages
	Name               string
	AmbiguityPolicy    AmbiguityPolicy
	BindingInvalidator BindingInvalidator
}

type activeQuery struct {
	query *Query
	index uint32
}

type predicationState struct {
	buffer     *Allocation
	offset     uint64
	skipIfZero bool
}

// Context is a single logical recording stream. It owns a ring of batches and the state a single
// thread of recording needs. A Context must only be used from one thread at a time.
type Context struct {
	device *DeviceState
	logger *slog.Logger
	name   string

	id             uint64
	slot           int
	slotGeneration uint64

	states      StateTable
	pending     PendingStateSet
	policy      AmbiguityPolicy
	invalidator BindingInvalidator

	batches      []*Batch
	currentBatch int

	fixupList     native.CommandList
	barriers      []native.Barrier
	fixups        []native.Barrier
	globalScratch ResourceState

	activeQueries []activeQuery
	predication   *predicationState

	destroyed bool
}

// CreateContext creates a new logical context with its own ring of batches. The first batch is
// started immediately.
func (d *DeviceState) CreateContext(options ContextCreateOptions) (*Context, error) {
	d.logger.Debug("DeviceState::CreateContext")

	ctx := &Context{
		device:      d,
		name:        options.Name,
		policy:      options.AmbiguityPolicy,
		invalidator: options.BindingInvalidator,
		pending:     NewPendingStateSet(),
	}

	d.registerContext(ctx, options.Flags&ContextCreateNoSlot == 0)
	ctx.logger = d.logger.With(slog.Uint64("context", ctx.id))

	for i := 0; i < d.batchesPerContext; i++ {
		_, err := ctx.CreateBatch()
		if err != nil {
			ctx.destroyBatches()
			d.unregisterContext(ctx)
			return nil, err
		}
	}

	err := ctx.batches[0].Start(native.TimeoutInfinite)
	if err != nil {
		ctx.destroyBatches()
		d.unregisterContext(ctx)
		return nil, err
	}

	return ctx, nil
}

// ID returns the device-unique identifier of this context
func (c *Context) ID() uint64 {
	return c.id
}

// Name returns the debug name of this context
func (c *Context) Name() string {
	return c.name
}

// HasSlot returns true if the context uses the per-allocation fast paths
func (c *Context) HasSlot() bool {
	return c.slot != noContextSlot
}

// Device returns the DeviceState this context was created from
func (c *Context) Device() *DeviceState {
	return c.device
}

// CurrentBatch returns the batch that is currently being recorded into
func (c *Context) CurrentBatch() *Batch {
	return c.batches[c.currentBatch]
}

// Batches returns the context's batch ring
func (c *Context) Batches() []*Batch {
	return c.batches
}

// MemoryBarrier indicates that the next operation depends on memory written by earlier operations.
// It affects unordered-access hazard barriers and the resolution of ambiguous states until the next
// call to Record.
func (c *Context) MemoryBarrier() {
	c.CurrentBatch().SetPendingMemoryBarrier()
}

// Record applies all pending states and then passes the current batch's command list to the
// provided function so that a draw, dispatch, or copy can be recorded
func (c *Context) Record(record func(list native.CommandList)) error {
	if c.destroyed {
		return ErrContextDestroyed
	}

	batch := c.CurrentBatch()
	if batch.hasErrors {
		return ErrBatchHasErrors
	}
	if batch.status != BatchRecording {
		return ErrBatchNotRecording
	}

	c.applyPendingState(batch)
	record(batch.list)
	batch.clearPendingMemoryBarrier()

	return nil
}

// Flush submits the current batch and starts recording into the next batch in the ring, waiting on
// it if it is still in flight
func (c *Context) Flush() error {
	c.logger.Debug("Context::Flush")

	if c.destroyed {
		return ErrContextDestroyed
	}

	endErr := c.CurrentBatch().End()
	c.currentBatch = (c.currentBatch + 1) % len(c.batches)
	startErr := c.CurrentBatch().Start(native.TimeoutInfinite)
	memutils.DebugValidate(c)

	return errors.CombineErrors(endErr, startErr)
}

// FlushAndWait submits the current batch, waits for every submitted batch to complete, and starts
// recording into the next batch
func (c *Context) FlushAndWait() error {
	c.logger.Debug("Context::FlushAndWait")

	if c.destroyed {
		return ErrContextDestroyed
	}

	err := c.CurrentBatch().End()
	for _, batch := range c.batches {
		if batch.fenceValue != 0 && !batch.Reset(native.TimeoutInfinite) {
			err = errors.CombineErrors(err, errors.Wrapf(ErrWaitTimeout, "batch %d", batch.index))
		}
	}

	c.currentBatch = (c.currentBatch + 1) % len(c.batches)
	return errors.CombineErrors(err, c.CurrentBatch().Start(native.TimeoutInfinite))
}

// HasReference returns true if any batch of this context that has not been reset references the
// allocation. With wantWrite, any access counts; otherwise only writes count.
func (c *Context) HasReference(alloc *Allocation, wantWrite bool) bool {
	for _, batch := range c.batches {
		if batch.HasReference(alloc, wantWrite) {
			return true
		}
	}
	return false
}

// WaitForAllocation ensures no batch of this context still uses the allocation in a way that conflicts
// with CPU access. The current batch is flushed if it references the allocation. It returns false if the
// timeout elapsed before every conflicting batch completed.
func (c *Context) WaitForAllocation(alloc *Allocation, wantWrite bool, timeout time.Duration) bool {
	c.logger.Debug("Context::WaitForAllocation")

	if c.CurrentBatch().HasReference(alloc, wantWrite) {
		err := c.Flush()
		if err != nil {
			c.logger.Warn("Context::WaitForAllocation flush failed", slog.Any("error", err))
		}
	}

	current := c.CurrentBatch()
	for _, batch := range c.batches {
		if batch == current || batch.fenceValue == 0 || !batch.HasReference(alloc, wantWrite) {
			continue
		}

		if !batch.Reset(timeout) {
			return false
		}
	}

	return true
}

// BeginQuery begins a query in the current batch. Active queries are suspended at the end of every
// batch and resumed at the start of the next.
func (c *Context) BeginQuery(query *Query, index uint32) error {
	batch := c.CurrentBatch()
	if batch.hasErrors {
		return ErrBatchHasErrors
	}
	if batch.status != BatchRecording {
		return ErrBatchNotRecording
	}

	batch.list.BeginQuery(query.heap, index)
	batch.ReferenceQuery(query)
	c.activeQueries = append(c.activeQueries, activeQuery{query: query, index: index})
	return nil
}

// EndQuery ends a query started with BeginQuery
func (c *Context) EndQuery(query *Query, index uint32) error {
	batch := c.CurrentBatch()
	if batch.hasErrors {
		return ErrBatchHasErrors
	}
	if batch.status != BatchRecording {
		return ErrBatchNotRecording
	}

	for i, active := range c.activeQueries {
		if active.query == query && active.index == index {
			c.activeQueries = append(c.activeQueries[:i], c.activeQueries[i+1:]...)
			batch.list.EndQuery(query.heap, index)
			batch.ReferenceQuery(query)
			return nil
		}
	}

	return errors.Newf("query index %d is not active", index)
}

// SetPredication enables predication based on the 64-bit value at offset within the buffer. A nil
// buffer disables predication. Predication stays enabled across batches until disabled.
func (c *Context) SetPredication(buffer *Allocation, offset uint64, skipIfZero bool) error {
	batch := c.CurrentBatch()
	if buffer == nil {
		if c.predication != nil {
			c.predication.buffer.Release()
			c.predication = nil
		}
		if batch.status == BatchRecording && !batch.hasErrors {
			batch.list.SetPredication(nil, 0, false)
		}
		return nil
	}

	buffer.Reference()
	if c.predication != nil {
		c.predication.buffer.Release()
	}
	c.predication = &predicationState{buffer: buffer, offset: offset, skipIfZero: skipIfZero}

	return c.applyPredication(batch)
}

func (c *Context) applyPredication(batch *Batch) error {
	err := c.requireState(batch, c.predication.buffer, WholeResource, native.StatePredication, 0)
	if err != nil {
		return err
	}

	batch.ReferenceAllocation(c.predication.buffer, false)
	batch.list.SetPredication(c.predication.buffer.Handle(), c.predication.offset+uint64(c.predication.buffer.Offset()), c.predication.skipIfZero)
	return nil
}

// reapplyRecordingState restores the queries and predication that were active when the previous batch ended
func (c *Context) reapplyRecordingState(batch *Batch) error {
	for _, active := range c.activeQueries {
		batch.list.BeginQuery(active.query.heap, active.index)
		batch.ReferenceQuery(active.query)
	}

	if c.predication != nil {
		return c.applyPredication(batch)
	}
	return nil
}

func (c *Context) suspendQueries(batch *Batch) {
	for _, active := range c.activeQueries {
		batch.list.EndQuery(active.query.heap, active.index)
	}
}

// recordFixups records the barriers that bring allocations from their submitted state to the state
// the batch expects. It is called with the submission mutex held.
func (c *Context) recordFixups(batch *Batch, fixups []native.Barrier) (native.CommandList, error) {
	var err error
	if c.fixupList == nil {
		c.fixupList, err = c.device.device.CreateCommandList(batch.allocator)
	} else {
		err = c.fixupList.Reset(batch.allocator)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to prepare the state fixup command list")
	}

	c.fixupList.ResourceBarrier(fixups)
	err = c.fixupList.Close()
	if err != nil {
		return nil, errors.Wrap(err, "failed to close the state fixup command list")
	}

	return c.fixupList, nil
}

// Destroy submits any outstanding work, waits for all of the context's batches to complete, and
// releases everything the context holds
func (c *Context) Destroy() error {
	c.logger.Debug("Context::Destroy")

	if c.destroyed {
		return nil
	}

	var err error
	current := c.CurrentBatch()
	if current.status == BatchRecording && !current.hasErrors && current.references.count() > 0 {
		err = current.End()
	}

	c.SetPredication(nil, 0, false)
	c.activeQueries = nil
	c.pending.Drain(func(alloc *Allocation) {})

	c.destroyBatches()
	if c.fixupList != nil {
		c.fixupList.Release()
		c.fixupList = nil
	}

	c.states.Destroy()
	c.device.unregisterContext(c)
	c.destroyed = true

	return err
}

func (c *Context) destroyBatches() {
	for _, batch := range c.batches {
		batch.Destroy()
	}
	c.batches = nil
}

// Validate checks the context's bookkeeping for consistency
func (c *Context) Validate() error {
	recording := 0
	for i, batch := range c.batches {
		if batch.index != i {
			return errors.Newf("batch at ring position %d believes it is at position %d", i, batch.index)
		}
		if batch.status == BatchRecording {
			recording++
		}
	}

	if !c.destroyed && recording != 1 {
		return errors.Newf("expected exactly one recording batch, found %d", recording)
	}
	if !c.destroyed && c.CurrentBatch().status != BatchRecording {
		return errors.New("the current batch is not recording")
	}

	return nil
}
