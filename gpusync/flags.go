package gpusync

import "github.com/vkngwrapper/core/v2/common"

// TransitionFlags modify the behavior of Context.RequireState
type TransitionFlags int32

var transitionFlagsMapping = common.NewFlagStringMapping[TransitionFlags]()

func (f TransitionFlags) Register(str string) {
	transitionFlagsMapping.Register(f, str)
}
func (f TransitionFlags) String() string {
	return transitionFlagsMapping.FlagsToString(f)
}

const (
	// TransitionAccumulate merges the requested state into the allocation's desired state instead
	// of emitting barriers. The barriers are emitted by the next Context.ApplyPendingState.
	TransitionAccumulate TransitionFlags = 1 << iota
	// TransitionInvalidateBindings notifies the context's BindingInvalidator that views of the
	// allocation must be rebound
	TransitionInvalidateBindings
)

// AllocationCreateFlags indicate how a new allocation should be tracked
type AllocationCreateFlags int32

var allocationCreateFlagsMapping = common.NewFlagStringMapping[AllocationCreateFlags]()

func (f AllocationCreateFlags) Register(str string) {
	allocationCreateFlagsMapping.Register(f, str)
}
func (f AllocationCreateFlags) String() string {
	return allocationCreateFlagsMapping.FlagsToString(f)
}

const (
	// AllocationCreateConcurrentAccess marks an allocation whose native resource may be accessed by
	// several queues at once without barriers. Its states are implicitly promoted out of
	// native.StateCommon and skip cross-batch fixups.
	AllocationCreateConcurrentAccess AllocationCreateFlags = 1 << iota
	// AllocationCreateResident indicates that the native resource is already resident. Without it
	// the allocation starts out evicted and is made resident by the first batch that uses it.
	AllocationCreateResident
	// AllocationCreatePermanentlyResident indicates that the native resource is resident and must
	// never be evicted
	AllocationCreatePermanentlyResident
)

func init() {
	TransitionAccumulate.Register("TransitionAccumulate")
	TransitionInvalidateBindings.Register("TransitionInvalidateBindings")

	AllocationCreateConcurrentAccess.Register("AllocationCreateConcurrentAccess")
	AllocationCreateResident.Register("AllocationCreateResident")
	AllocationCreatePermanentlyResident.Register("AllocationCreatePermanentlyResident")
}
