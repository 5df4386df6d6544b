package gpusync

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/garrison/native"
	"golang.org/x/exp/slog"
)

// BatchStatus is the position of a batch in its lifecycle
type BatchStatus int32

const (
	// BatchUnsubmitted batches have been created but never started
	BatchUnsubmitted BatchStatus = iota
	// BatchRecording batches are accepting commands
	BatchRecording
	// BatchSubmitted batches have been handed to the queue and may still be executing
	BatchSubmitted
	// BatchResettable batches have finished executing and may be started again
	BatchResettable
)

var batchStatusMapping = make(map[BatchStatus]string)

func init() {
	batchStatusMapping[BatchUnsubmitted] = "BatchUnsubmitted"
	batchStatusMapping[BatchRecording] = "BatchRecording"
	batchStatusMapping[BatchSubmitted] = "BatchSubmitted"
	batchStatusMapping[BatchResettable] = "BatchResettable"
}

func (s BatchStatus) String() string {
	return batchStatusMapping[s]
}

// View is a reference-counted object, such as a shader resource view, that a batch must keep alive
// until it completes
type View interface {
	Reference()
	Release()
}

// Batch is a single unit of command recording. It owns a command allocator and list, the set of
// allocations and auxiliary objects its commands use, and the fence value it signals on completion.
type Batch struct {
	context *Context
	index   int

	allocator native.CommandAllocator
	list      native.CommandList
	listOpen  bool

	status     BatchStatus
	fenceValue uint64
	hasErrors  bool

	pendingMemoryBarrier bool
	hazardBarriers       *swiss.Map[*Allocation, struct{}]

	references referenceSet
	views      *swiss.Map[View, struct{}]
	objects    *swiss.Map[native.Resource, struct{}]
	queries    *swiss.Map[*Query, struct{}]
}

// CreateBatch adds a new batch to the context's ring
func (c *Context) CreateBatch() (*Batch, error) {
	if len(c.batches) >= MaxBatchesPerContext {
		return nil, errors.Newf("a context may not have more than %d batches", MaxBatchesPerContext)
	}

	allocator, err := c.device.device.CreateCommandAllocator()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create command allocator")
	}

	index := len(c.batches)
	batch := &Batch{
		context:        c,
		index:          index,
		allocator:      allocator,
		status:         BatchUnsubmitted,
		hazardBarriers: swiss.NewMap[*Allocation, struct{}](8),
		views:          swiss.NewMap[View, struct{}](8),
		objects:        swiss.NewMap[native.Resource, struct{}](8),
		queries:        swiss.NewMap[*Query, struct{}](8),
	}

	if c.slot != noContextSlot {
		batch.references = &slotReferenceSet{slot: c.slot, batchBit: 1 << index}
	} else {
		batch.references = newHashReferenceSet()
	}

	c.batches = append(c.batches, batch)
	return batch, nil
}

// Index returns the position of this batch in its context's ring
func (b *Batch) Index() int {
	return b.index
}

// Context returns the context this batch records for
func (b *Batch) Context() *Context {
	return b.context
}

// CommandList returns the native command list this batch records into
func (b *Batch) CommandList() native.CommandList {
	return b.list
}

// FenceValue returns the submission fence value the batch signals on completion, or 0 if it has
// never been submitted
func (b *Batch) FenceValue() uint64 {
	return b.fenceValue
}

// HasErrors returns true if a native failure occurred while starting or ending the batch. A batch
// with errors cannot record or be submitted until it is reset.
func (b *Batch) HasErrors() bool {
	return b.hasErrors
}

// Status returns the position of the batch in its lifecycle. Submitted batches report
// BatchResettable once their fence has completed.
func (b *Batch) Status() BatchStatus {
	if b.status == BatchSubmitted && b.context.device.CompletedFenceValue() >= b.fenceValue {
		return BatchResettable
	}
	return b.status
}

// Start prepares the batch for recording. If the batch is still executing, Start waits for it with
// the provided timeout: 0 polls and native.TimeoutInfinite blocks.
func (b *Batch) Start(timeout time.Duration) error {
	if b.status == BatchRecording {
		return errors.Newf("batch %d is already recording", b.index)
	}

	if !b.Reset(timeout) {
		return errors.Wrapf(ErrWaitTimeout, "batch %d fence %d", b.index, b.fenceValue)
	}

	c := b.context
	c.states.Collect()
	b.status = BatchRecording

	err := b.allocator.Reset()
	if err != nil {
		b.hasErrors = true
		return errors.Wrap(err, "failed to reset command allocator")
	}

	if b.list == nil {
		b.list, err = c.device.device.CreateCommandList(b.allocator)
	} else {
		err = b.list.Reset(b.allocator)
	}
	if err != nil {
		b.hasErrors = true
		return errors.Wrap(err, "failed to prepare command list")
	}
	b.listOpen = true

	err = c.reapplyRecordingState(b)
	if err != nil {
		b.hasErrors = true
		return err
	}

	return nil
}

// End applies pending states, closes the command list, and submits the batch
func (b *Batch) End() error {
	c := b.context
	c.logger.Debug("Batch::End", slog.Int("index", b.index))

	if b.status != BatchRecording {
		return ErrBatchNotRecording
	}
	if b.hasErrors {
		b.abandon()
		return ErrBatchHasErrors
	}

	c.applyPendingState(b)
	c.suspendQueries(b)

	err := b.list.Close()
	b.listOpen = false
	if err != nil {
		b.hasErrors = true
		b.abandon()
		return errors.Wrap(err, "failed to close command list")
	}

	err = c.device.submit(b)
	if b.status != BatchSubmitted {
		// Submission never reached the queue
		b.hasErrors = true
		b.abandon()
		return err
	}

	b.finishQueries()
	return err
}

// abandon forgets everything the batch recorded without submitting it
func (b *Batch) abandon() {
	if b.listOpen {
		_ = b.list.Close()
		b.listOpen = false
	}
	b.context.discardBatchState(b)
	b.finishQueries()
	b.status = BatchResettable
}

func (b *Batch) finishQueries() {
	b.queries.Iter(func(query *Query, _ struct{}) bool {
		if !query.release() {
			query.fenceValue.Store(b.fenceValue)
		}
		return false
	})
	b.queries.Clear()
}

// Reset waits for the batch to complete and releases everything it references. It returns false,
// having changed nothing, if the timeout elapsed first. A timeout of 0 polls.
func (b *Batch) Reset(timeout time.Duration) bool {
	if b.status == BatchSubmitted {
		done, err := b.context.device.WaitForFence(b.fenceValue, timeout)
		if err != nil {
			b.context.logger.Warn("Batch::Reset fence wait failed", slog.Int("index", b.index), slog.Any("error", err))
			return false
		}
		if !done {
			return false
		}
	}

	if b.status == BatchRecording {
		b.abandon()
	}

	b.references.clear(func(alloc *Allocation) {
		alloc.Release()
	})

	b.views.Iter(func(view View, _ struct{}) bool {
		view.Release()
		return false
	})
	b.views.Clear()

	b.objects.Iter(func(object native.Resource, _ struct{}) bool {
		object.Release()
		return false
	})
	b.objects.Clear()

	b.hazardBarriers.Clear()
	b.pendingMemoryBarrier = false
	b.hasErrors = false

	if b.status != BatchUnsubmitted {
		b.status = BatchResettable
	}
	return true
}

// Destroy waits for the batch to complete, releases its references, and releases its native objects
func (b *Batch) Destroy() {
	b.Reset(native.TimeoutInfinite)

	if b.list != nil {
		b.list.Release()
		b.list = nil
	}
	if b.allocator != nil {
		b.allocator.Release()
		b.allocator = nil
	}
	b.status = BatchUnsubmitted
}

// ReferenceAllocation keeps the allocation alive until the batch is reset and records how the
// batch accesses it. Suballocations are recorded against their base allocation.
func (b *Batch) ReferenceAllocation(alloc *Allocation, write bool) {
	base := alloc.Base()
	if b.references.add(base, write) {
		base.Reference()
	}
}

// HasReference returns true if the batch references the allocation. When wantWrite is true, the
// caller intends to write to the allocation and any access counts. Otherwise only writes count.
func (b *Batch) HasReference(alloc *Allocation, wantWrite bool) bool {
	access := b.references.access(alloc.Base())
	if wantWrite {
		return access != 0
	}
	return access&accessWrite != 0
}

// ReferenceCount returns the number of distinct allocations the batch references
func (b *Batch) ReferenceCount() int {
	return b.references.count()
}

// ReferenceView keeps the view alive until the batch is reset
func (b *Batch) ReferenceView(view View) {
	if b.views.Has(view) {
		return
	}
	view.Reference()
	b.views.Put(view, struct{}{})
}

// ReferenceObject keeps a native object alive until the batch is reset
func (b *Batch) ReferenceObject(object native.Resource) {
	if b.objects.Has(object) {
		return
	}
	object.AddRef()
	b.objects.Put(object, struct{}{})
}

// ReferenceQuery keeps the query alive until the batch ends. When the batch is submitted, the
// query records the batch's fence value.
func (b *Batch) ReferenceQuery(query *Query) {
	if b.queries.Has(query) {
		return
	}
	query.Reference()
	b.queries.Put(query, struct{}{})
}

// SetPendingMemoryBarrier indicates that the next recorded operation depends on memory written by
// earlier operations. The hint is cleared by Context.Record.
func (b *Batch) SetPendingMemoryBarrier() {
	b.pendingMemoryBarrier = true
	b.hazardBarriers.Clear()
}

func (b *Batch) clearPendingMemoryBarrier() {
	b.pendingMemoryBarrier = false
	b.hazardBarriers.Clear()
}

// markHazard returns true the first time it is called for an allocation while a memory barrier
// hint is pending
func (b *Batch) markHazard(alloc *Allocation) bool {
	if b.hazardBarriers.Has(alloc) {
		return false
	}
	b.hazardBarriers.Put(alloc, struct{}{})
	return true
}
