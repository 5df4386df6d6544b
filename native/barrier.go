package native

import "fmt"

// BarrierType indicates what kind of synchronization a Barrier performs
type BarrierType uint32

const (
	// BarrierTransition moves a resource or subresource from one State to another
	BarrierTransition BarrierType = iota
	// BarrierUnorderedAccess orders unordered-access reads and writes of a resource on either side of
	// the barrier without changing its state
	BarrierUnorderedAccess
)

var barrierTypeMapping = make(map[BarrierType]string)

func init() {
	barrierTypeMapping[BarrierTransition] = "BarrierTransition"
	barrierTypeMapping[BarrierUnorderedAccess] = "BarrierUnorderedAccess"
}

func (t BarrierType) String() string {
	return barrierTypeMapping[t]
}

// Barrier describes a single execution barrier
type Barrier struct {
	Type     BarrierType
	Resource Resource

	// Subresource is the index of the subresource being transitioned, or AllSubresources
	Subresource uint32
	Before      State
	After       State
}

// TransitionBarrier builds a barrier that moves the provided subresource from before to after
func TransitionBarrier(resource Resource, subresource uint32, before, after State) Barrier {
	return Barrier{
		Type:        BarrierTransition,
		Resource:    resource,
		Subresource: subresource,
		Before:      before,
		After:       after,
	}
}

// UnorderedAccessBarrier builds a hazard barrier for the provided resource
func UnorderedAccessBarrier(resource Resource) Barrier {
	return Barrier{
		Type:        BarrierUnorderedAccess,
		Resource:    resource,
		Subresource: AllSubresources,
		Before:      StateUnorderedAccess,
		After:       StateUnorderedAccess,
	}
}

func (b Barrier) String() string {
	if b.Type == BarrierUnorderedAccess {
		return "UAV barrier"
	}

	if b.Subresource == AllSubresources {
		return fmt.Sprintf("%s -> %s (all subresources)", b.Before, b.After)
	}

	return fmt.Sprintf("%s -> %s (subresource %d)", b.Before, b.After, b.Subresource)
}
