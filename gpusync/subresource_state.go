package gpusync

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/garrison/native"
)

// SubresourceState is the tracked state of a single subresource
type SubresourceState struct {
	State native.State
	// ExecutionID is the execution period in which the state was last transitioned into or reused
	ExecutionID uint64
	// IsPromoted indicates the state was reached through implicit promotion rather than a barrier
	IsPromoted bool
	// MayDecay indicates the state falls back to native.StateCommon once an execution period
	// passes without the subresource being used
	MayDecay bool
}

var unknownSubresourceState = SubresourceState{State: native.StateUnknown}

func (s SubresourceState) decayed(executionPeriod uint64) SubresourceState {
	if s.MayDecay && s.ExecutionID < executionPeriod {
		return SubresourceState{State: native.StateCommon, ExecutionID: s.ExecutionID}
	}

	return s
}

// ResourceState holds the SubresourceState of every subresource of an allocation. When every
// subresource is in the same state the ResourceState is homogeneous, which allows barriers to cover
// the whole resource.
type ResourceState struct {
	homogeneous  bool
	subresources []SubresourceState
}

func (s *ResourceState) init(count uint32, state SubresourceState) {
	if count == 0 {
		count = 1
	}
	s.subresources = make([]SubresourceState, count)
	s.SetAll(state)
}

// Count is the number of subresources tracked by this ResourceState
func (s *ResourceState) Count() uint32 {
	return uint32(len(s.subresources))
}

// IsHomogeneous returns true if all subresources are known to share one state
func (s *ResourceState) IsHomogeneous() bool {
	return s.homogeneous
}

// Subresource retrieves the state of a single subresource. native.AllSubresources may be passed
// for homogeneous states.
func (s *ResourceState) Subresource(index uint32) SubresourceState {
	if index == native.AllSubresources {
		if !s.homogeneous {
			panic(errors.New("attempted to read a non-homogeneous resource state as a whole"))
		}
		return s.subresources[0]
	}

	return s.subresources[index]
}

// Set changes the state of a single subresource, or of every subresource when index is
// native.AllSubresources
func (s *ResourceState) Set(index uint32, state SubresourceState) {
	if index == native.AllSubresources {
		s.SetAll(state)
		return
	}

	if s.homogeneous && len(s.subresources) > 1 && s.subresources[index] != state {
		s.homogeneous = false
	}
	s.subresources[index] = state
}

func (s *ResourceState) SetAll(state SubresourceState) {
	for i := range s.subresources {
		s.subresources[i] = state
	}
	s.homogeneous = true
}

// IsUnknown returns true if no subresource has a known state
func (s *ResourceState) IsUnknown() bool {
	if s.homogeneous {
		return s.subresources[0].State == native.StateUnknown
	}

	for _, sub := range s.subresources {
		if sub.State != native.StateUnknown {
			return false
		}
	}
	return true
}

// Reset marks every subresource as native.StateUnknown
func (s *ResourceState) Reset() {
	s.SetAll(unknownSubresourceState)
}

func (s *ResourceState) copyFrom(other *ResourceState) {
	copy(s.subresources, other.subresources)
	s.homogeneous = other.homogeneous
}

// normalize restores the homogeneous flag when every subresource has converged on the same state
func (s *ResourceState) normalize() {
	if s.homogeneous {
		return
	}

	for i := 1; i < len(s.subresources); i++ {
		if s.subresources[i] != s.subresources[0] {
			return
		}
	}
	s.homogeneous = true
}

// SubresourceRange identifies a contiguous run of subresources
type SubresourceRange struct {
	First uint32
	// Count is the number of subresources in the range. native.AllSubresources indicates
	// every subresource from First onward.
	Count uint32
}

// WholeResource is the SubresourceRange that covers every subresource of an allocation
var WholeResource = SubresourceRange{First: 0, Count: native.AllSubresources}

// SingleSubresource returns a SubresourceRange covering exactly one subresource
func SingleSubresource(index uint32) SubresourceRange {
	return SubresourceRange{First: index, Count: 1}
}

func (r SubresourceRange) resolve(total uint32) (first, count uint32, err error) {
	if r.First >= total {
		return 0, 0, errors.Wrapf(ErrInvalidSubresourceRange, "first subresource %d of %d", r.First, total)
	}

	count = r.Count
	if count == native.AllSubresources {
		count = total - r.First
	}

	if count == 0 || count > total-r.First {
		return 0, 0, errors.Wrapf(ErrInvalidSubresourceRange, "subresources [%d, %d) of %d", r.First, r.First+count, total)
	}

	return r.First, count, nil
}

// ContextStateEntry is the state a single context holds about a single allocation
type ContextStateEntry struct {
	generation uint64

	// Desired holds accumulated states that have not yet been applied
	Desired ResourceState
	// BatchBegin holds the state each subresource must be in when the open batch begins executing
	BatchBegin ResourceState
	// BatchEnd holds the state each subresource will be in when the open batch finishes executing
	BatchEnd ResourceState
}

func newContextStateEntry(subresourceCount uint32, generation uint64) *ContextStateEntry {
	entry := &ContextStateEntry{generation: generation}
	entry.Desired.init(subresourceCount, unknownSubresourceState)
	entry.BatchBegin.init(subresourceCount, unknownSubresourceState)
	entry.BatchEnd.init(subresourceCount, unknownSubresourceState)
	return entry
}

func (e *ContextStateEntry) resetBatch() {
	e.BatchBegin.Reset()
	e.BatchEnd.Reset()
}
