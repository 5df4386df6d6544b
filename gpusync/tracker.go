package gpusync

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/garrison/native"
	"golang.org/x/exp/slog"
)

type barrierKind int

const (
	barrierNone barrierKind = iota
	barrierTransition
)

// RequireState declares the state that a range of the allocation's subresources must be in before
// the next recorded operation. Barriers are emitted into the current batch immediately unless
// TransitionAccumulate is passed, in which case they are emitted by the next ApplyPendingState.
//
// The allocation is referenced by the current batch, as a write if the resolved state is a write.
func (c *Context) RequireState(alloc *Allocation, subresources SubresourceRange, state native.State, flags TransitionFlags) error {
	if c.destroyed {
		return ErrContextDestroyed
	}

	return c.requireState(c.CurrentBatch(), alloc, subresources, state, flags)
}

func (c *Context) requireState(b *Batch, alloc *Allocation, subresources SubresourceRange, state native.State, flags TransitionFlags) error {
	if b.hasErrors {
		return ErrBatchHasErrors
	}
	if b.status != BatchRecording {
		return ErrBatchNotRecording
	}

	base := alloc.Base()
	first, count, err := subresources.resolve(base.subresourceCount)
	if err != nil {
		return err
	}

	target, err := c.resolveAmbiguity(b, alloc, state)
	if err != nil {
		return err
	}

	if flags&TransitionInvalidateBindings != 0 && c.invalidator != nil {
		c.invalidator.InvalidateBindings(alloc)
	}

	if flags&TransitionAccumulate != 0 {
		c.accumulateDesired(base, first, count, target)
		return nil
	}

	entry := c.states.Entry(base)
	if c.pending.Remove(base) {
		// Earlier accumulated states must land before this one
		c.applyDesired(b, base, entry)
		base.Release()
	}

	c.transitionRange(b, base, entry, first, count, target)
	c.emitBarriers(b)
	return nil
}

// resolveAmbiguity reduces a state that mixes write bits with read bits to one side, according to
// the context's AmbiguityPolicy
func (c *Context) resolveAmbiguity(b *Batch, alloc *Allocation, state native.State) (native.State, error) {
	if state&native.StateUnknown != 0 || state.WriteBitCount() > 1 {
		c.logger.Warn("Context::RequireState unclassifiable state",
			slog.String("allocation", alloc.name),
			slog.String("state", state.String()),
		)
		return state, errors.Wrapf(ErrUnclassifiableState, "state %s", state)
	}

	if !state.IsAmbiguous() {
		return state, nil
	}

	preferRead := false
	switch c.policy {
	case AmbiguityPreferRead:
		preferRead = true
	case AmbiguityPreferWriteUnlessHinted:
		preferRead = b.pendingMemoryBarrier
	}

	if preferRead {
		return state.ReadBits(), nil
	}
	return state.WriteBits(), nil
}

// ApplyPendingState emits the barriers for every state accumulated with TransitionAccumulate. It is
// called automatically by Record and Batch.End.
func (c *Context) ApplyPendingState() error {
	if c.destroyed {
		return ErrContextDestroyed
	}

	b := c.CurrentBatch()
	if b.hasErrors {
		return ErrBatchHasErrors
	}
	if b.status != BatchRecording {
		return ErrBatchNotRecording
	}

	c.applyPendingState(b)
	return nil
}

// PendingCount returns the number of allocations with accumulated, unapplied states
func (c *Context) PendingCount() int {
	return c.pending.Len()
}

func (c *Context) applyPendingState(b *Batch) {
	if c.pending.Len() == 0 {
		return
	}

	c.pending.Drain(func(alloc *Allocation) {
		c.applyDesired(b, alloc, c.states.Entry(alloc))
	})
	c.emitBarriers(b)
}

func (c *Context) accumulateDesired(base *Allocation, first, count uint32, target native.State) {
	entry := c.states.Entry(base)
	desired := &entry.Desired

	if first == 0 && count == base.subresourceCount && desired.homogeneous {
		desired.SetAll(mergeDesired(desired.Subresource(native.AllSubresources), target))
	} else {
		for i := first; i < first+count; i++ {
			desired.Set(i, mergeDesired(desired.Subresource(i), target))
		}
		desired.normalize()
	}

	c.pending.Add(base)
}

func mergeDesired(current SubresourceState, target native.State) SubresourceState {
	if current.State == native.StateUnknown || target.IsWrite() || current.State.IsWrite() {
		return SubresourceState{State: target}
	}

	return SubresourceState{State: current.State | target}
}

// applyDesired transitions every subresource with a desired state and clears the desired states.
// The barriers are left in the context's barrier list.
func (c *Context) applyDesired(b *Batch, base *Allocation, entry *ContextStateEntry) {
	desired := &entry.Desired

	if desired.homogeneous {
		state := desired.Subresource(native.AllSubresources).State
		if state != native.StateUnknown {
			c.transitionRange(b, base, entry, 0, base.subresourceCount, state)
		}
	} else {
		for i := uint32(0); i < base.subresourceCount; i++ {
			state := desired.Subresource(i).State
			if state != native.StateUnknown {
				c.transitionRange(b, base, entry, i, 1, state)
			}
		}
	}

	desired.Reset()
}

func (c *Context) transitionRange(b *Batch, base *Allocation, entry *ContextStateEntry, first, count uint32, target native.State) {
	b.ReferenceAllocation(base, target.IsWrite())

	concurrent := base.flags&AllocationCreateConcurrentAccess != 0
	if concurrent {
		c.seedFromGlobalState(base, entry, first, count)
	}

	if first == 0 && count == base.subresourceCount && entry.BatchEnd.homogeneous {
		c.transitionSubresource(b, base, entry, native.AllSubresources, target, concurrent)
		return
	}

	for i := first; i < first+count; i++ {
		c.transitionSubresource(b, base, entry, i, target, concurrent)
	}
	entry.BatchBegin.normalize()
	entry.BatchEnd.normalize()
}

// seedFromGlobalState gives concurrent-access subresources that have not been touched in the open
// batch the allocation's global state, after decay
func (c *Context) seedFromGlobalState(base *Allocation, entry *ContextStateEntry, first, count uint32) {
	seed := false
	if entry.BatchEnd.homogeneous {
		seed = entry.BatchEnd.subresources[0].State == native.StateUnknown
	} else {
		for i := first; i < first+count; i++ {
			if entry.BatchEnd.subresources[i].State == native.StateUnknown {
				seed = true
				break
			}
		}
	}
	if !seed {
		return
	}

	n := base.subresourceCount
	if uint32(cap(c.globalScratch.subresources)) < n {
		c.globalScratch.subresources = make([]SubresourceState, n)
	}
	c.globalScratch.subresources = c.globalScratch.subresources[:n]
	base.readGlobalState(&c.globalScratch, c.device.ExecutionPeriod())

	for i := first; i < first+count; i++ {
		if entry.BatchEnd.subresources[i].State != native.StateUnknown {
			continue
		}

		global := c.globalScratch.subresources[i]
		entry.BatchBegin.Set(i, global)
		entry.BatchEnd.Set(i, global)
	}
	entry.BatchBegin.normalize()
	entry.BatchEnd.normalize()
}

func (c *Context) transitionSubresource(b *Batch, base *Allocation, entry *ContextStateEntry, index uint32, target native.State, concurrent bool) {
	current := entry.BatchEnd.Subresource(index)
	period := c.device.ExecutionPeriod()

	if current.State == native.StateUnknown {
		// First use in this batch: the submission fixup brings the allocation into the target state
		next := SubresourceState{State: target, ExecutionID: period}
		entry.BatchBegin.Set(index, next)
		entry.BatchEnd.Set(index, next)
		return
	}

	next, kind := resolveTransition(current, target, concurrent, period)
	if kind == barrierTransition {
		c.barriers = append(c.barriers, native.TransitionBarrier(base.handle, index, current.State, next.State))
	} else if next.State == native.StateUnorderedAccess && current.State == native.StateUnorderedAccess &&
		b.pendingMemoryBarrier && b.markHazard(base) {
		c.barriers = append(c.barriers, native.UnorderedAccessBarrier(base.handle))
	}

	entry.BatchEnd.Set(index, next)
}

// resolveTransition computes the state a subresource moves into and whether a barrier is needed
// to get there
func resolveTransition(current SubresourceState, target native.State, concurrent bool, period uint64) (SubresourceState, barrierKind) {
	state := current.State

	switch {
	case state == target:
		next := current
		next.ExecutionID = period
		return next, barrierNone
	case state != native.StateCommon && target != native.StateCommon && !state.IsWrite() && !target.IsWrite() && state.Contains(target):
		next := current
		next.ExecutionID = period
		return next, barrierNone
	case concurrent && state == native.StateCommon:
		return SubresourceState{
			State:       target,
			ExecutionID: period,
			IsPromoted:  true,
			MayDecay:    !target.IsWrite(),
		}, barrierNone
	case concurrent && current.IsPromoted && !state.IsWrite() && !target.IsWrite() && target != native.StateCommon:
		return SubresourceState{
			State:       state | target,
			ExecutionID: period,
			IsPromoted:  true,
			MayDecay:    true,
		}, barrierNone
	case state != native.StateCommon && target != native.StateCommon && !state.IsWrite() && !target.IsWrite():
		return SubresourceState{State: state | target, ExecutionID: period}, barrierTransition
	}

	return SubresourceState{State: target, ExecutionID: period}, barrierTransition
}

func (c *Context) emitBarriers(b *Batch) {
	if len(c.barriers) == 0 {
		return
	}

	b.list.ResourceBarrier(c.barriers)
	clear(c.barriers)
	c.barriers = c.barriers[:0]
}

// CurrentState returns the state the subresource will be in at the end of the current batch, as far
// as this context knows. native.StateUnknown is returned for subresources this context has not
// touched in the current batch.
func (c *Context) CurrentState(alloc *Allocation, subresource uint32) native.State {
	base := alloc.Base()
	entry, ok := c.states.Find(base)
	if !ok || subresource >= base.subresourceCount {
		return native.StateUnknown
	}

	return entry.BatchEnd.Subresource(subresource).State
}
