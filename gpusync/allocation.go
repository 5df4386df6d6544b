package gpusync

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/docker/go-units"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/garrison/gpusync/internal/utils"
	"github.com/vkngwrapper/garrison/memutils"
	"github.com/vkngwrapper/garrison/native"
)

const (
	// MaxContextSlots is the number of contexts that may use the per-allocation fast paths at
	// once. Contexts created beyond this number fall back to hash tables.
	MaxContextSlots = 32
	// MaxBatchesPerContext is the largest batch ring a context may have
	MaxBatchesPerContext = 32
)

// ResidencyStatus indicates whether an allocation's memory is currently paged in
type ResidencyStatus int32

const (
	ResidencyEvicted ResidencyStatus = iota
	ResidencyResident
	ResidencyPermanentlyResident
)

var residencyStatusMapping = make(map[ResidencyStatus]string)

func init() {
	residencyStatusMapping[ResidencyEvicted] = "ResidencyEvicted"
	residencyStatusMapping[ResidencyResident] = "ResidencyResident"
	residencyStatusMapping[ResidencyPermanentlyResident] = "ResidencyPermanentlyResident"
}

func (s ResidencyStatus) String() string {
	return residencyStatusMapping[s]
}

type accessBits uint8

const (
	accessRead accessBits = 1 << iota
	accessWrite
)

// Allocation is a single GPU-visible memory allocation. It is created with one reference, owned by
// the caller, and every batch that references it holds another. The native resource is released
// once all of them are gone.
type Allocation struct {
	device           *DeviceState
	handle           native.Resource
	name             string
	userData         any
	size             int
	subresourceCount uint32
	flags            AllocationCreateFlags

	parent *Allocation
	offset int

	refs atomic.Int32

	// Residency fields are guarded by the device submission mutex
	residencyStatus   ResidencyStatus
	residencyQueued   bool
	lastUsedFence     uint64
	lastUsedTimestamp time.Time
	nextResident      *Allocation
	prevResident      *Allocation

	stateMutex  utils.OptionalMutex
	globalState ResourceState

	// Each slot is only ever touched by the context that owns it
	localReferences [MaxContextSlots]uint32
	localWrites     [MaxContextSlots]uint32
	contextStates   [MaxContextSlots]*ContextStateEntry
}

func (a *Allocation) init(device *DeviceState, handle native.Resource, info *AllocationCreateInfo) {
	a.device = device
	a.handle = handle
	a.name = info.Name
	a.userData = info.UserData
	a.size = info.Size
	a.flags = info.Flags
	a.subresourceCount = info.SubresourceCount
	if a.subresourceCount == 0 {
		a.subresourceCount = 1
	}

	a.refs.Store(1)
	a.stateMutex = utils.OptionalMutex{UseMutex: device.useMutex}
	a.globalState.init(a.subresourceCount, SubresourceState{State: info.InitialState})

	switch {
	case info.Flags&AllocationCreatePermanentlyResident != 0:
		a.residencyStatus = ResidencyPermanentlyResident
	case info.Flags&AllocationCreateResident != 0:
		a.residencyStatus = ResidencyResident
	default:
		a.residencyStatus = ResidencyEvicted
	}
}

// Name returns the debug name of this allocation
func (a *Allocation) Name() string {
	a.device.submitMutex.Lock()
	defer a.device.submitMutex.Unlock()

	return a.name
}

// SetName changes the debug name of this allocation. Statistics read it under the submission
// mutex, so it is set under the same mutex.
func (a *Allocation) SetName(name string) {
	a.device.submitMutex.Lock()
	defer a.device.submitMutex.Unlock()

	a.name = name
}

func (a *Allocation) UserData() any {
	a.device.submitMutex.Lock()
	defer a.device.submitMutex.Unlock()

	return a.userData
}

func (a *Allocation) SetUserData(userData any) {
	a.device.submitMutex.Lock()
	defer a.device.submitMutex.Unlock()

	a.userData = userData
}

// Size is the estimated number of bytes of video memory this allocation occupies
func (a *Allocation) Size() int {
	return a.size
}

// Offset is the offset of this allocation within its base allocation. It is always 0 for
// allocations that are not suballocated.
func (a *Allocation) Offset() int {
	return a.offset
}

// SubresourceCount is the number of independently-tracked subresources in the allocation
func (a *Allocation) SubresourceCount() uint32 {
	return a.Base().subresourceCount
}

// SupportsConcurrentAccess returns true if the allocation was created with AllocationCreateConcurrentAccess
func (a *Allocation) SupportsConcurrentAccess() bool {
	return a.Base().flags&AllocationCreateConcurrentAccess != 0
}

// Handle returns the native resource that backs this allocation
func (a *Allocation) Handle() native.Resource {
	return a.Base().handle
}

// Base returns the allocation that owns the native resource. Suballocations share residency
// and state tracking with their base.
func (a *Allocation) Base() *Allocation {
	if a.parent != nil {
		return a.parent
	}
	return a
}

// IsSuballocation returns true if this allocation was created with Suballocate
func (a *Allocation) IsSuballocation() bool {
	return a.parent != nil
}

// ResidencyStatus reports whether the allocation's memory is currently paged in
func (a *Allocation) ResidencyStatus() ResidencyStatus {
	base := a.Base()
	base.device.submitMutex.Lock()
	defer base.device.submitMutex.Unlock()

	return base.residencyStatus
}

// LastUsedFenceValue returns the submission fence value of the last batch that used this allocation
func (a *Allocation) LastUsedFenceValue() uint64 {
	base := a.Base()
	base.device.submitMutex.Lock()
	defer base.device.submitMutex.Unlock()

	return base.lastUsedFence
}

// RefCount returns the current number of references to this allocation
func (a *Allocation) RefCount() int {
	return int(a.refs.Load())
}

// Reference adds a reference to this allocation
func (a *Allocation) Reference() {
	a.refs.Add(1)
}

// Release removes a reference from this allocation. When the last reference is released, the
// allocation is destroyed.
func (a *Allocation) Release() {
	refs := a.refs.Add(-1)
	if refs < 0 {
		panic(errors.Newf("allocation %q reference count went negative", a.name))
	}

	if refs == 0 {
		a.destroy()
	}
}

// Suballocate creates a new allocation covering part of this allocation. The new allocation holds
// a reference to its base for as long as it lives.
func (a *Allocation) Suballocate(offset, size int, name string) (*Allocation, error) {
	if offset < 0 || size < 0 {
		return nil, errors.Wrapf(memutils.ErrOutOfRange, "suballocation [%d, %d) is negative", offset, offset+size)
	}
	err := memutils.CheckRange(offset, size, a.size, "suballocation")
	if err != nil {
		return nil, err
	}

	base := a.Base()

	base.Reference()

	child := &Allocation{
		device:           base.device,
		handle:           base.handle,
		name:             name,
		size:             size,
		subresourceCount: 1,
		flags:            base.flags,
		parent:           base,
		offset:           offset + a.offset,
	}
	child.refs.Store(1)

	return child, nil
}

func (a *Allocation) destroy() {
	if a.parent != nil {
		a.parent.Release()
		return
	}

	a.device.forgetAllocation(a)
	a.handle.Release()
}

func (a *Allocation) localAccess(slot int, batchBit uint32) accessBits {
	var access accessBits
	if a.localReferences[slot]&batchBit != 0 {
		access |= accessRead
	}
	if a.localWrites[slot]&batchBit != 0 {
		access |= accessWrite
	}
	return access
}

// readGlobalState copies the allocation's submitted state into dst, applying decay for the
// provided execution period
func (a *Allocation) readGlobalState(dst *ResourceState, executionPeriod uint64) {
	a.stateMutex.Lock()
	defer a.stateMutex.Unlock()

	dst.copyFrom(&a.globalState)
	if dst.homogeneous {
		dst.SetAll(dst.subresources[0].decayed(executionPeriod))
		return
	}

	for i := range dst.subresources {
		dst.subresources[i] = dst.subresources[i].decayed(executionPeriod)
	}
	dst.normalize()
}

// GlobalState returns the state the subresource will be in after every submitted batch has
// executed, with decay applied
func (a *Allocation) GlobalState(subresource uint32) native.State {
	base := a.Base()
	base.stateMutex.Lock()
	defer base.stateMutex.Unlock()

	index := subresource
	if base.globalState.homogeneous {
		index = native.AllSubresources
	}
	return base.globalState.Subresource(index).decayed(base.device.ExecutionPeriod()).State
}

func (a *Allocation) printParameters(json *jwriter.ObjectState) {
	json.Name("Size").Int(a.size)
	json.Name("HumanSize").String(units.BytesSize(float64(a.size)))
	json.Name("Status").String(a.residencyStatus.String())
	json.Name("LastUsedFence").Float64(float64(a.lastUsedFence))
	json.Name("Subresources").Int(int(a.subresourceCount))

	if a.flags != 0 {
		json.Name("Flags").String(a.flags.String())
	}

	if a.userData != nil {
		json.Name("CustomData").String(fmt.Sprintf("%+v", a.userData))
	}

	if a.name != "" {
		json.Name("Name").String(a.name)
	}
}
