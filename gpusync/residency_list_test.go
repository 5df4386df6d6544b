package gpusync

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func residentAllocation(name string, fence uint64, size int) *Allocation {
	return &Allocation{
		name:            name,
		size:            size,
		residencyStatus: ResidencyResident,
		lastUsedFence:   fence,
	}
}

func listNames(l *residencyList) []string {
	var names []string
	for alloc := l.head; alloc != nil; alloc = alloc.nextResident {
		names = append(names, alloc.name)
	}
	return names
}

func TestResidencyListOrdering(t *testing.T) {
	var list residencyList
	require.True(t, list.IsEmpty())
	require.NoError(t, list.Validate())

	a := residentAllocation("a", 1, 8)
	b := residentAllocation("b", 3, 16)
	c := residentAllocation("c", 5, 32)

	list.pushBack(a)
	list.pushBack(b)
	list.pushBack(c)
	require.Equal(t, []string{"a", "b", "c"}, listNames(&list))
	require.Equal(t, 3, list.Count())
	require.NoError(t, list.Validate())

	list.insertOrdered(residentAllocation("first", 0, 1))
	list.insertOrdered(residentAllocation("middle", 3, 1))
	list.insertOrdered(residentAllocation("last", 9, 1))
	require.Equal(t, []string{"first", "a", "b", "middle", "c", "last"}, listNames(&list))
	require.Equal(t, 6, list.Count())
	require.NoError(t, list.Validate())

	list.remove(list.head)
	list.remove(list.tail)
	list.remove(b)
	require.Equal(t, []string{"a", "middle", "c"}, listNames(&list))
	require.Nil(t, b.nextResident)
	require.Nil(t, b.prevResident)
	require.NoError(t, list.Validate())
}

func TestResidencyListMoveToBack(t *testing.T) {
	var list residencyList

	a := residentAllocation("a", 1, 8)
	b := residentAllocation("b", 1, 8)
	c := residentAllocation("c", 1, 8)
	list.pushBack(a)
	list.pushBack(b)
	list.pushBack(c)

	list.moveToBack(c)
	require.Equal(t, []string{"a", "b", "c"}, listNames(&list))

	a.lastUsedFence = 2
	list.moveToBack(a)
	require.Equal(t, []string{"b", "c", "a"}, listNames(&list))
	require.Same(t, a, list.tail)
	require.NoError(t, list.Validate())
}

func TestResidencyListStatistics(t *testing.T) {
	var list residencyList
	list.pushBack(residentAllocation("a", 1, 8))
	list.pushBack(residentAllocation("b", 2, 24))

	var stats Statistics
	stats.Clear()
	list.AddDetailedStatistics(&stats.Resident)
	require.Equal(t, 2, stats.Resident.AllocationCount)
	require.Equal(t, 32, stats.Resident.AllocationBytes)
	require.Equal(t, 8, stats.Resident.AllocationSizeMin)
	require.Equal(t, 24, stats.Resident.AllocationSizeMax)
}

func TestResidencyListValidate(t *testing.T) {
	testCases := map[string]struct {
		Corrupt func(list *residencyList, a, b *Allocation)
	}{
		"WrongStatus": {
			Corrupt: func(list *residencyList, a, b *Allocation) {
				b.residencyStatus = ResidencyEvicted
			},
		},
		"OutOfOrder": {
			Corrupt: func(list *residencyList, a, b *Allocation) {
				a.lastUsedFence = 10
			},
		},
		"BrokenBackLink": {
			Corrupt: func(list *residencyList, a, b *Allocation) {
				b.prevResident = nil
			},
		},
		"WrongTail": {
			Corrupt: func(list *residencyList, a, b *Allocation) {
				list.tail = a
			},
		},
		"WrongCount": {
			Corrupt: func(list *residencyList, a, b *Allocation) {
				list.count = 5
			},
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			var list residencyList
			a := residentAllocation("a", 1, 8)
			b := residentAllocation("b", 2, 8)
			list.pushBack(a)
			list.pushBack(b)
			require.NoError(t, list.Validate())

			testCase.Corrupt(&list, a, b)
			require.Error(t, list.Validate())
		})
	}
}
