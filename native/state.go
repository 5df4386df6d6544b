package native

import "github.com/vkngwrapper/core/v2/common"

// State is a bitmask of the ways the GPU may access a resource. A resource (or one of its
// subresources) is always in exactly one State, which may combine several read-only bits but
// never a write bit together with anything else.
type State uint32

var stateMapping = common.NewFlagStringMapping[State]()

func (s State) Register(str string) {
	stateMapping.Register(s, str)
}

func (s State) String() string {
	switch s {
	case StateCommon:
		return "StateCommon"
	case StateUnknown:
		return "StateUnknown"
	}
	return stateMapping.FlagsToString(s)
}

const (
	// StateCommon is the neutral state. Concurrent-access resources may be implicitly promoted
	// out of it, and decay back into it.
	StateCommon State = 0

	StateVertexAndConstantBuffer State = 1 << iota
	StateIndexBuffer
	StateRenderTarget
	StateUnorderedAccess
	StateDepthWrite
	StateDepthRead
	StateNonPixelShaderResource
	StatePixelShaderResource
	StateStreamOut
	StateIndirectArgument
	StateCopyDest
	StateCopySource
	StateResolveDest
	StateResolveSource
	StatePredication

	// StateUnknown is a sentinel that is never a real resource state. It marks subresources that
	// have not been touched in the current batch, or have no outstanding desired state.
	StateUnknown State = 1 << 31
)

const (
	// StateGenericRead is the union of all read-only states that can be used by any queue
	StateGenericRead = StateVertexAndConstantBuffer | StateIndexBuffer | StateNonPixelShaderResource |
		StatePixelShaderResource | StateIndirectArgument | StateCopySource

	// StateAllShaderResource is the union of both shader resource states
	StateAllShaderResource = StateNonPixelShaderResource | StatePixelShaderResource

	writeStates = StateRenderTarget | StateUnorderedAccess | StateDepthWrite | StateStreamOut |
		StateCopyDest | StateResolveDest
)

func init() {
	StateVertexAndConstantBuffer.Register("StateVertexAndConstantBuffer")
	StateIndexBuffer.Register("StateIndexBuffer")
	StateRenderTarget.Register("StateRenderTarget")
	StateUnorderedAccess.Register("StateUnorderedAccess")
	StateDepthWrite.Register("StateDepthWrite")
	StateDepthRead.Register("StateDepthRead")
	StateNonPixelShaderResource.Register("StateNonPixelShaderResource")
	StatePixelShaderResource.Register("StatePixelShaderResource")
	StateStreamOut.Register("StateStreamOut")
	StateIndirectArgument.Register("StateIndirectArgument")
	StateCopyDest.Register("StateCopyDest")
	StateCopySource.Register("StateCopySource")
	StateResolveDest.Register("StateResolveDest")
	StateResolveSource.Register("StateResolveSource")
	StatePredication.Register("StatePredication")
}

// WriteBits returns only the bits of this state that represent GPU writes
func (s State) WriteBits() State {
	return s & writeStates
}

// ReadBits returns only the bits of this state that represent GPU reads
func (s State) ReadBits() State {
	return s &^ (writeStates | StateUnknown)
}

// IsWrite returns true if the state contains at least one write bit
func (s State) IsWrite() bool {
	return s&writeStates != 0
}

// IsAmbiguous returns true if the state mixes a write bit with any other bit. Such states cannot be
// stored and must be resolved to one side or the other.
func (s State) IsAmbiguous() bool {
	return s.IsWrite() && s != s.WriteBits()
}

// WriteBitCount returns the number of distinct write states in this state
func (s State) WriteBitCount() int {
	count := 0
	for w := s.WriteBits(); w != 0; w &= w - 1 {
		count++
	}
	return count
}

// Contains returns true if every bit in other is also present in this state
func (s State) Contains(other State) bool {
	return s&other == other
}
