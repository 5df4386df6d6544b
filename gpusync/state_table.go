package gpusync

import (
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/garrison/gpusync/internal/utils"
)

// StateTable holds a context's ContextStateEntry for every allocation the context has transitioned.
// A context picks its implementation once, when it is created.
type StateTable interface {
	// Entry returns the entry for the provided allocation, creating it if necessary
	Entry(alloc *Allocation) *ContextStateEntry
	// Find returns the entry for the provided allocation if one exists
	Find(alloc *Allocation) (*ContextStateEntry, bool)
	// AllocationDestroyed notifies the table that an allocation was destroyed. It may be called
	// from any thread.
	AllocationDestroyed(alloc *Allocation)
	// Collect drops the entries of destroyed allocations. It is called by the owning context.
	Collect()
	Destroy()
}

// slotStateTable stores entries directly on each allocation, in the slot reserved for the owning
// context. Entries left behind by a previous owner of the slot are ignored thanks to the
// generation stamp.
type slotStateTable struct {
	slot       int
	generation uint64
}

var _ StateTable = &slotStateTable{}

func newSlotStateTable(slot int, generation uint64) *slotStateTable {
	return &slotStateTable{slot: slot, generation: generation}
}

func (t *slotStateTable) Entry(alloc *Allocation) *ContextStateEntry {
	entry := alloc.contextStates[t.slot]
	if entry == nil || entry.generation != t.generation {
		entry = newContextStateEntry(alloc.subresourceCount, t.generation)
		alloc.contextStates[t.slot] = entry
	}
	return entry
}

func (t *slotStateTable) Find(alloc *Allocation) (*ContextStateEntry, bool) {
	entry := alloc.contextStates[t.slot]
	if entry == nil || entry.generation != t.generation {
		return nil, false
	}
	return entry, true
}

func (t *slotStateTable) AllocationDestroyed(alloc *Allocation) {}

func (t *slotStateTable) Collect() {}

func (t *slotStateTable) Destroy() {}

// hashStateTable stores entries in a map owned by the context. It is used by contexts that could
// not be assigned a slot.
type hashStateTable struct {
	entries *swiss.Map[*Allocation, *ContextStateEntry]

	destroyedMutex utils.OptionalMutex
	destroyed      []*Allocation
}

var _ StateTable = &hashStateTable{}

func newHashStateTable(useMutex bool) *hashStateTable {
	return &hashStateTable{
		entries:        swiss.NewMap[*Allocation, *ContextStateEntry](42),
		destroyedMutex: utils.OptionalMutex{UseMutex: useMutex},
	}
}

func (t *hashStateTable) Entry(alloc *Allocation) *ContextStateEntry {
	entry, ok := t.entries.Get(alloc)
	if !ok {
		entry = newContextStateEntry(alloc.subresourceCount, 0)
		t.entries.Put(alloc, entry)
	}
	return entry
}

func (t *hashStateTable) Find(alloc *Allocation) (*ContextStateEntry, bool) {
	return t.entries.Get(alloc)
}

func (t *hashStateTable) AllocationDestroyed(alloc *Allocation) {
	t.destroyedMutex.Lock()
	defer t.destroyedMutex.Unlock()

	t.destroyed = append(t.destroyed, alloc)
}

func (t *hashStateTable) Collect() {
	t.destroyedMutex.Lock()
	defer t.destroyedMutex.Unlock()

	for _, alloc := range t.destroyed {
		t.entries.Delete(alloc)
	}
	clear(t.destroyed)
	t.destroyed = t.destroyed[:0]
}

func (t *hashStateTable) Destroy() {
	t.Collect()
	t.entries.Clear()
}

func (t *hashStateTable) Count() int {
	return t.entries.Count()
}
