package gpusync

import (
	"math/bits"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/garrison/gpusync/internal/utils"
	"github.com/vkngwrapper/garrison/memutils"
	"github.com/vkngwrapper/garrison/native"
	"golang.org/x/exp/slog"
)

const noContextSlot = -1

// AllocationCreateInfo describes a native resource being handed to DeviceState.CreateAllocation
type AllocationCreateInfo struct {
	Flags AllocationCreateFlags
	// Size is the estimated number of bytes of video memory the resource occupies
	Size int
	// SubresourceCount is the number of independently-tracked subresources. 0 is treated as 1.
	SubresourceCount uint32
	// InitialState is the state the native resource was created in
	InitialState native.State

	Name     string
	UserData any
}

// DeviceState holds everything that is shared by all contexts of a single native device: the
// submission fence, the residency manager, and the context slot pool. Submission is serialized
// behind a single mutex.
type DeviceState struct {
	useMutex          bool
	logger            *slog.Logger
	device            native.Device
	queue             native.CommandQueue
	createFlags       DeviceCreateFlags
	batchesPerContext int

	submitMutex     utils.OptionalMutex
	fence           native.Fence
	fenceValue      uint64
	executionPeriod atomic.Uint64
	residency       residencyManager
	allocations     *swiss.Map[*Allocation, struct{}]
	listScratch     []native.CommandList

	contextMutex    utils.OptionalRWMutex
	contexts        *swiss.Map[uint64, *Context]
	nextContextID   uint64
	usedSlots       uint32
	slotGenerations [MaxContextSlots]uint64

	destroyed bool
}

// Destroy waits for all submitted work to complete and releases the device state's native objects.
// Every context must be destroyed first.
func (d *DeviceState) Destroy() error {
	d.logger.Debug("DeviceState::Destroy")

	d.contextMutex.RLock()
	contextCount := d.contexts.Count()
	d.contextMutex.RUnlock()
	if contextCount > 0 {
		return errors.Newf("attempted to destroy a device state with %d live contexts", contextCount)
	}

	d.submitMutex.Lock()
	defer d.submitMutex.Unlock()

	if d.destroyed {
		return nil
	}

	if d.fenceValue > 0 {
		_, err := d.fence.WaitFor(d.fenceValue, native.TimeoutInfinite)
		if err != nil {
			return errors.Wrapf(err, "failed to wait for fence %d", d.fenceValue)
		}
	}

	if d.allocations.Count() > 0 {
		d.logger.Warn("DeviceState::Destroy leaked allocations", slog.Int("count", d.allocations.Count()))
	}

	d.residency.destroy()
	d.fence.Release()
	d.destroyed = true
	return nil
}

// Device returns the native device this state drives
func (d *DeviceState) Device() native.Device {
	return d.device
}

// ExecutionPeriod returns the number of batches that have been submitted to the queue
func (d *DeviceState) ExecutionPeriod() uint64 {
	return d.executionPeriod.Load()
}

// CompletedFenceValue returns the fence value of the most recent batch known to be complete
func (d *DeviceState) CompletedFenceValue() uint64 {
	return d.fence.CompletedValue()
}

// LastSubmittedFenceValue returns the fence value of the most recently submitted batch
func (d *DeviceState) LastSubmittedFenceValue() uint64 {
	d.submitMutex.Lock()
	defer d.submitMutex.Unlock()

	return d.fenceValue
}

// WaitForFence blocks until the submission fence reaches value or the timeout elapses. It returns
// false if the timeout elapsed first. A timeout of 0 polls.
func (d *DeviceState) WaitForFence(value uint64, timeout time.Duration) (bool, error) {
	if d.fence.CompletedValue() >= value {
		return true, nil
	}
	if timeout == 0 {
		return false, nil
	}

	return d.fence.WaitFor(value, timeout)
}

// CreateAllocation begins tracking a native resource. The allocation takes ownership of one reference
// to the resource and releases it when the allocation is destroyed.
func (d *DeviceState) CreateAllocation(handle native.Resource, info AllocationCreateInfo) (*Allocation, error) {
	d.logger.Debug("DeviceState::CreateAllocation")

	if handle == nil {
		return nil, errors.New("attempted to create an allocation with a nil resource")
	}
	if info.Size < 0 {
		return nil, errors.Newf("attempted to create an allocation with a negative size: %d", info.Size)
	}
	if info.InitialState.IsAmbiguous() || info.InitialState&native.StateUnknown != 0 {
		return nil, errors.Wrapf(ErrUnclassifiableState, "initial state %s", info.InitialState)
	}

	alloc := &Allocation{}
	alloc.init(d, handle, &info)

	d.submitMutex.Lock()
	defer d.submitMutex.Unlock()

	d.allocations.Put(alloc, struct{}{})
	d.residency.track(alloc)

	return alloc, nil
}

// forgetAllocation removes all device-wide bookkeeping for a destroyed allocation
func (d *DeviceState) forgetAllocation(alloc *Allocation) {
	d.submitMutex.Lock()
	d.residency.forget(alloc)
	d.allocations.Delete(alloc)
	d.submitMutex.Unlock()

	d.contextMutex.RLock()
	defer d.contextMutex.RUnlock()

	d.contexts.Iter(func(_ uint64, ctx *Context) bool {
		ctx.states.AllocationDestroyed(alloc)
		return false
	})
}

// ReconcileResidency guarantees every allocation referenced by the batch is resident. It returns
// the residency fence value the queue must wait for before executing the batch, or 0 if no wait
// is necessary. Batch.End calls it automatically. The allocations are not marked as used by the
// next submission, so they remain evictable until the batch itself is submitted.
func (d *DeviceState) ReconcileResidency(batch *Batch) (uint64, error) {
	d.logger.Debug("DeviceState::ReconcileResidency")

	d.submitMutex.Lock()
	defer d.submitMutex.Unlock()

	nextFence := d.fenceValue + 1
	waitValue, err := d.residency.reconcile(batch.references, nextFence)

	// Last use is only recorded by a real submission
	d.residency.abandon(batch.references, nextFence, d.fenceValue)
	return waitValue, err
}

// ResidencyFence returns the fence that is signaled as allocations become resident
func (d *DeviceState) ResidencyFence() native.Fence {
	return d.residency.fence
}

// PromoteToPermanentResidency makes an allocation resident, if it is not already, and removes it
// from eviction consideration forever
func (d *DeviceState) PromoteToPermanentResidency(alloc *Allocation) error {
	d.logger.Debug("DeviceState::PromoteToPermanentResidency")

	d.submitMutex.Lock()
	defer d.submitMutex.Unlock()

	base := alloc.Base()
	err := d.residency.promoteToPermanent(base)
	memutils.DebugValidate(&d.residency.list)
	return err
}

// submit runs residency, resolves cross-batch state, and executes the batch on the queue
func (d *DeviceState) submit(batch *Batch) error {
	d.submitMutex.Lock()
	defer d.submitMutex.Unlock()

	ctx := batch.context
	nextFence := d.fenceValue + 1

	residencyWait, err := d.residency.reconcile(batch.references, nextFence)
	if err != nil {
		d.residency.abandon(batch.references, nextFence, d.fenceValue)
		return err
	}

	lists := d.listScratch[:0]
	fixups := ctx.collectFixups(batch)
	if len(fixups) > 0 {
		fixupList, err := ctx.recordFixups(batch, fixups)
		if err != nil {
			d.residency.abandon(batch.references, nextFence, d.fenceValue)
			return err
		}
		lists = append(lists, fixupList)
	}
	lists = append(lists, batch.list)

	if residencyWait > 0 {
		err = d.queue.Wait(d.residency.fence, residencyWait)
		if err != nil {
			clear(lists)
			d.listScratch = lists[:0]
			d.residency.abandon(batch.references, nextFence, d.fenceValue)
			return errors.Wrapf(err, "failed to wait for residency fence %d", residencyWait)
		}
	}

	ctx.publishSubmission(batch)

	executeErr := d.queue.ExecuteCommandLists(lists)
	clear(lists)
	d.listScratch = lists[:0]

	// The fence advances even when execution fails so the values stamped on allocations stay reachable
	d.fenceValue = nextFence
	signalErr := d.queue.Signal(d.fence, nextFence)
	d.executionPeriod.Add(1)

	batch.fenceValue = nextFence
	batch.status = BatchSubmitted

	err = errors.CombineErrors(executeErr, signalErr)
	if err != nil {
		return errors.Wrapf(err, "failed to submit batch with fence %d", nextFence)
	}

	d.logger.Debug("DeviceState::Submit", slog.Uint64("fence", nextFence), slog.Int("fixups", len(fixups)))
	return nil
}

// registerContext assigns the context an identifier, a slot if one is free and requested, and the
// matching state table
func (d *DeviceState) registerContext(ctx *Context, useSlot bool) {
	d.contextMutex.Lock()
	defer d.contextMutex.Unlock()

	d.nextContextID++
	ctx.id = d.nextContextID
	ctx.slot = noContextSlot

	if useSlot && d.usedSlots != ^uint32(0) {
		slot := bits.TrailingZeros32(^d.usedSlots)
		d.usedSlots |= 1 << slot
		d.slotGenerations[slot]++

		ctx.slot = slot
		ctx.slotGeneration = d.slotGenerations[slot]
	}

	if ctx.slot == noContextSlot {
		ctx.states = newHashStateTable(d.useMutex)
	} else {
		ctx.states = newSlotStateTable(ctx.slot, ctx.slotGeneration)
	}

	d.contexts.Put(ctx.id, ctx)
}

func (d *DeviceState) unregisterContext(ctx *Context) {
	d.contextMutex.Lock()
	defer d.contextMutex.Unlock()

	if ctx.slot != noContextSlot {
		d.usedSlots &^= 1 << ctx.slot
	}
	d.contexts.Delete(ctx.id)
}

// ContextCount returns the number of live contexts
func (d *DeviceState) ContextCount() int {
	d.contextMutex.RLock()
	defer d.contextMutex.RUnlock()

	return d.contexts.Count()
}
