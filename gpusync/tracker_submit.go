package gpusync

import (
	"github.com/vkngwrapper/garrison/native"
)

// collectFixups diffs the states the batch expects against the states left behind by previously
// submitted batches from every context. It returns the fixup barriers that must execute before the
// batch and changes nothing. It is called with the device submission mutex held.
func (c *Context) collectFixups(b *Batch) []native.Barrier {
	c.fixups = c.fixups[:0]

	b.references.each(func(alloc *Allocation, _ accessBits) {
		if alloc.flags&AllocationCreateConcurrentAccess != 0 {
			return
		}

		entry, ok := c.states.Find(alloc)
		if !ok {
			return
		}

		alloc.stateMutex.Lock()
		c.appendFixups(alloc, entry)
		alloc.stateMutex.Unlock()
	})

	return c.fixups
}

// publishSubmission makes the batch's final states the new global states and resets the batch
// portion of every entry it touched. It must only run once the batch is certain to reach the queue.
func (c *Context) publishSubmission(b *Batch) {
	b.references.each(func(alloc *Allocation, _ accessBits) {
		entry, ok := c.states.Find(alloc)
		if !ok {
			return
		}

		alloc.stateMutex.Lock()
		publishBatchEnd(alloc, entry)
		alloc.stateMutex.Unlock()

		entry.resetBatch()
	})
}

// appendFixups diffs the allocation's global state against the state the batch expects on entry
func (c *Context) appendFixups(alloc *Allocation, entry *ContextStateEntry) {
	global := &alloc.globalState
	begin := &entry.BatchBegin

	if global.homogeneous && begin.homogeneous {
		expected := begin.subresources[0].State
		current := global.subresources[0].State
		if expected != native.StateUnknown && expected != current {
			c.fixups = append(c.fixups, native.TransitionBarrier(alloc.handle, native.AllSubresources, current, expected))
		}
		return
	}

	for i := range begin.subresources {
		expected := begin.subresources[i].State
		current := global.subresources[i].State
		if expected != native.StateUnknown && expected != current {
			c.fixups = append(c.fixups, native.TransitionBarrier(alloc.handle, uint32(i), current, expected))
		}
	}
}

// publishBatchEnd makes the batch's final states the allocation's global states
func publishBatchEnd(alloc *Allocation, entry *ContextStateEntry) {
	global := &alloc.globalState
	end := &entry.BatchEnd

	if end.homogeneous {
		if end.subresources[0].State != native.StateUnknown {
			global.SetAll(end.subresources[0])
		}
		return
	}

	for i := range end.subresources {
		if end.subresources[i].State != native.StateUnknown {
			global.Set(uint32(i), end.subresources[i])
		}
	}
	global.normalize()
}

// discardBatchState forgets the states recorded by a batch that will never be submitted
func (c *Context) discardBatchState(b *Batch) {
	b.references.each(func(alloc *Allocation, _ accessBits) {
		entry, ok := c.states.Find(alloc)
		if ok {
			entry.resetBatch()
		}
	})
}
