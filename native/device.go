package native

//go:generate mockgen -source device.go -destination ./mocks/device.go -package mocks

import (
	"math"
	"time"
)

// TimeoutInfinite may be passed to any wait with a timeout in order to block until the wait
// is satisfied. A timeout of 0 polls.
const TimeoutInfinite time.Duration = math.MaxInt64

// AllSubresources is the subresource index used by barriers that cover an entire resource
const AllSubresources uint32 = math.MaxUint32

// Resource is a reference-counted native object: an allocation's backing resource, a query heap,
// or any other object a batch must keep alive until the GPU is finished with it.
type Resource interface {
	AddRef()
	Release()
}

// QueryHeap is a native object that holds the results of a number of GPU queries
type QueryHeap interface {
	Resource
}

// MemoryInfo is the current video memory usage & budget reported by the device
type MemoryInfo struct {
	Usage  uint64
	Budget uint64
}

// CommandAllocator owns the memory that recorded commands are written into
type CommandAllocator interface {
	// Reset reclaims all memory used by command lists recorded from this allocator. The caller
	// must guarantee that the GPU has finished executing all of them.
	Reset() error
	Release()
}

// CommandList records commands into the memory of a CommandAllocator
type CommandList interface {
	Reset(allocator CommandAllocator) error
	Close() error
	// ResourceBarrier records the provided barriers. The slice is reused by the caller after the call
	// returns and must not be retained.
	ResourceBarrier(barriers []Barrier)
	BeginQuery(heap QueryHeap, index uint32)
	EndQuery(heap QueryHeap, index uint32)
	// SetPredication enables predication based on the value stored in the buffer at the provided offset.
	// A nil buffer disables predication.
	SetPredication(buffer Resource, offset uint64, skipIfZero bool)
	Release()
}

// Fence is a monotonically increasing GPU-signaled counter
type Fence interface {
	CompletedValue() uint64
	// WaitFor blocks until the fence reaches value or the timeout elapses. It returns false if the
	// timeout elapsed first.
	WaitFor(value uint64, timeout time.Duration) (bool, error)
	Release()
}

// CommandQueue executes closed command lists in submission order
type CommandQueue interface {
	ExecuteCommandLists(lists []CommandList) error
	// Signal instructs the queue to set the fence to value once all previously-submitted work is complete
	Signal(fence Fence, value uint64) error
	// Wait instructs the queue to wait on the GPU until the fence reaches value before executing
	// work submitted later
	Wait(fence Fence, value uint64) error
}

// Device is the native graphics device the synchronization core drives
type Device interface {
	CreateCommandAllocator() (CommandAllocator, error)
	// CreateCommandList returns a command list that is open for recording into allocator
	CreateCommandList(allocator CommandAllocator) (CommandList, error)
	CreateFence(initialValue uint64) (Fence, error)
	Queue() CommandQueue

	QueryVideoMemoryInfo() (MemoryInfo, error)
	// Evict pages the provided resources out of video memory. The resources must not be in use by the GPU.
	Evict(resources []Resource) error
	// EnqueueMakeResident requests that the provided resources be paged into video memory. The fence
	// will be signaled with value when they are resident.
	EnqueueMakeResident(resources []Resource, fence Fence, value uint64) error
}
