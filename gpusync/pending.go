package gpusync

import "github.com/dolthub/swiss"

// PendingStateSet is the set of allocations with accumulated, unapplied states. Allocations are
// drained in the order they were first added. Each member holds a reference to its allocation.
type PendingStateSet struct {
	order   []*Allocation
	members *swiss.Map[*Allocation, struct{}]
}

func NewPendingStateSet() PendingStateSet {
	return PendingStateSet{
		members: swiss.NewMap[*Allocation, struct{}](42),
	}
}

// Add places the allocation in the set. It returns false if it was already present.
func (s *PendingStateSet) Add(alloc *Allocation) bool {
	if s.members.Has(alloc) {
		return false
	}

	alloc.Reference()
	s.members.Put(alloc, struct{}{})
	s.order = append(s.order, alloc)
	return true
}

func (s *PendingStateSet) Contains(alloc *Allocation) bool {
	return s.members.Has(alloc)
}

func (s *PendingStateSet) Len() int {
	return len(s.order)
}

// Remove takes the allocation out of the set without applying it. The caller receives the
// set's reference and is responsible for releasing it.
func (s *PendingStateSet) Remove(alloc *Allocation) bool {
	if !s.members.Delete(alloc) {
		return false
	}

	for i, member := range s.order {
		if member == alloc {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

// Drain calls apply for every allocation in insertion order, releasing the set's reference after
// each, and leaves the set empty
func (s *PendingStateSet) Drain(apply func(alloc *Allocation)) {
	order := s.order
	s.order = nil
	s.members.Clear()

	for _, alloc := range order {
		apply(alloc)
		alloc.Release()
	}

	clear(order)
	if s.order == nil {
		s.order = order[:0]
	}
}
