package gpusync

import (
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/garrison/memutils"
)

// residencyList is the LRU list of resident allocations. Allocations are ordered by the fence value
// of the last batch that used them, and then by the time they were last used. It is guarded by the
// device submission mutex.
type residencyList struct {
	count int
	head  *Allocation
	tail  *Allocation
}

func (l *residencyList) Validate() error {
	actualCount := 0
	var prev *Allocation

	for alloc := l.head; alloc != nil; alloc = alloc.nextResident {
		actualCount++

		if alloc.prevResident != prev {
			return errors.Newf("allocation %q has a broken back link in the residency list", alloc.name)
		}
		if alloc.residencyStatus != ResidencyResident {
			return errors.Newf("allocation %q is in the residency list with status %s", alloc.name, alloc.residencyStatus)
		}
		if prev != nil && prev.lastUsedFence > alloc.lastUsedFence {
			return errors.Newf("allocation %q was used at fence %d but precedes allocation %q used at fence %d",
				prev.name, prev.lastUsedFence, alloc.name, alloc.lastUsedFence)
		}

		prev = alloc
	}

	if prev != l.tail {
		return errors.New("the residency list tail does not match the last allocation in the list")
	}

	if l.count != actualCount {
		return errors.Errorf("the listed number of resident allocations in the list (%d) does not match the actual number of allocations (%d)", l.count, actualCount)
	}

	return nil
}

func (l *residencyList) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	for alloc := l.head; alloc != nil; alloc = alloc.nextResident {
		stats.AddAllocation(alloc.size)
	}
}

func (l *residencyList) PrintDetailedMap(writer *jwriter.Writer) {
	s := writer.Array()
	defer s.End()

	for alloc := l.head; alloc != nil; alloc = alloc.nextResident {
		o := s.Object()
		alloc.printParameters(&o)
		o.End()
	}
}

func (l *residencyList) IsEmpty() bool {
	return l.count == 0
}

func (l *residencyList) Count() int {
	return l.count
}

func (l *residencyList) remove(alloc *Allocation) {
	prev := alloc.prevResident
	next := alloc.nextResident

	if prev != nil {
		prev.nextResident = next
	} else {
		l.head = next
	}

	if next != nil {
		next.prevResident = prev
	} else {
		l.tail = prev
	}

	alloc.nextResident = nil
	alloc.prevResident = nil

	l.count--
}

func (l *residencyList) pushBack(alloc *Allocation) {
	if l.count == 0 {
		l.head = alloc
		l.tail = alloc
		l.count = 1
		return
	}

	alloc.prevResident = l.tail
	l.tail.nextResident = alloc
	l.tail = alloc
	l.count++
}

func (l *residencyList) moveToBack(alloc *Allocation) {
	if l.tail == alloc {
		return
	}

	l.remove(alloc)
	l.pushBack(alloc)
}

// insertOrdered places an allocation ahead of every allocation that was used at a later fence
func (l *residencyList) insertOrdered(alloc *Allocation) {
	next := l.head
	for next != nil && next.lastUsedFence <= alloc.lastUsedFence {
		next = next.nextResident
	}

	if next == nil {
		l.pushBack(alloc)
		return
	}

	prev := next.prevResident
	alloc.prevResident = prev
	alloc.nextResident = next
	next.prevResident = alloc
	if prev != nil {
		prev.nextResident = alloc
	} else {
		l.head = alloc
	}
	l.count++
}
