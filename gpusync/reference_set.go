package gpusync

import "github.com/dolthub/swiss"

// referenceSet records the allocations referenced by a single batch along with how they were accessed
type referenceSet interface {
	// add records an access and returns true if the allocation was not already referenced
	add(alloc *Allocation, write bool) bool
	access(alloc *Allocation) accessBits
	each(fn func(alloc *Allocation, access accessBits))
	// clear calls release for every referenced allocation and empties the set
	clear(release func(alloc *Allocation))
	count() int
}

// slotReferenceSet records references in the owning context's slot on each allocation, one bit
// per batch in the context's ring
type slotReferenceSet struct {
	slot        int
	batchBit    uint32
	allocations []*Allocation
}

var _ referenceSet = &slotReferenceSet{}

func (s *slotReferenceSet) add(alloc *Allocation, write bool) bool {
	added := false
	if alloc.localReferences[s.slot]&s.batchBit == 0 {
		alloc.localReferences[s.slot] |= s.batchBit
		s.allocations = append(s.allocations, alloc)
		added = true
	}

	if write {
		alloc.localWrites[s.slot] |= s.batchBit
	}
	return added
}

func (s *slotReferenceSet) access(alloc *Allocation) accessBits {
	return alloc.localAccess(s.slot, s.batchBit)
}

func (s *slotReferenceSet) each(fn func(alloc *Allocation, access accessBits)) {
	for _, alloc := range s.allocations {
		fn(alloc, alloc.localAccess(s.slot, s.batchBit))
	}
}

func (s *slotReferenceSet) clear(release func(alloc *Allocation)) {
	allocations := s.allocations
	s.allocations = s.allocations[:0]

	for i, alloc := range allocations {
		alloc.localReferences[s.slot] &^= s.batchBit
		alloc.localWrites[s.slot] &^= s.batchBit
		allocations[i] = nil
		release(alloc)
	}
}

func (s *slotReferenceSet) count() int {
	return len(s.allocations)
}

// hashReferenceSet records references in a map owned by the batch
type hashReferenceSet struct {
	references *swiss.Map[*Allocation, accessBits]
}

var _ referenceSet = &hashReferenceSet{}

func newHashReferenceSet() *hashReferenceSet {
	return &hashReferenceSet{references: swiss.NewMap[*Allocation, accessBits](42)}
}

func (s *hashReferenceSet) add(alloc *Allocation, write bool) bool {
	access, ok := s.references.Get(alloc)
	newAccess := access | accessRead
	if write {
		newAccess |= accessWrite
	}

	if !ok || newAccess != access {
		s.references.Put(alloc, newAccess)
	}
	return !ok
}

func (s *hashReferenceSet) access(alloc *Allocation) accessBits {
	access, _ := s.references.Get(alloc)
	return access
}

func (s *hashReferenceSet) each(fn func(alloc *Allocation, access accessBits)) {
	s.references.Iter(func(alloc *Allocation, access accessBits) bool {
		fn(alloc, access)
		return false
	})
}

func (s *hashReferenceSet) clear(release func(alloc *Allocation)) {
	var allocations []*Allocation
	s.references.Iter(func(alloc *Allocation, _ accessBits) bool {
		allocations = append(allocations, alloc)
		return false
	})
	s.references.Clear()

	for _, alloc := range allocations {
		release(alloc)
	}
}

func (s *hashReferenceSet) count() int {
	return s.references.Count()
}
