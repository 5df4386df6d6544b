package gpusync

import (
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/garrison/native"
	"golang.org/x/exp/slog"
)

type fakeResource struct {
	device *fakeDevice
	name   string
	size   uint64

	refs     atomic.Int32
	resident bool
}

func (r *fakeResource) AddRef() {
	r.refs.Add(1)
}

func (r *fakeResource) Release() {
	r.refs.Add(-1)
}

func (r *fakeResource) Released() bool {
	return r.refs.Load() <= 0
}

type fakeFence struct {
	device    *fakeDevice
	completed uint64
	pending   []uint64
}

func (f *fakeFence) CompletedValue() uint64 {
	return f.completed
}

func (f *fakeFence) WaitFor(value uint64, timeout time.Duration) (bool, error) {
	if f.completed >= value {
		return true, nil
	}
	if timeout != native.TimeoutInfinite {
		return false, nil
	}

	f.device.waits = append(f.device.waits, value)
	f.completeUpTo(value)
	if f.completed < value {
		return false, errors.Newf("fence value %d was never signaled", value)
	}
	return true, nil
}

func (f *fakeFence) completeUpTo(value uint64) {
	remaining := f.pending[:0]
	for _, pending := range f.pending {
		if pending <= value {
			if pending > f.completed {
				f.completed = pending
			}
		} else {
			remaining = append(remaining, pending)
		}
	}
	f.pending = remaining
}

func (f *fakeFence) Release() {
	f.device.releasedFences++
}

type fakeAllocator struct {
	device *fakeDevice
	resets int
}

func (a *fakeAllocator) Reset() error {
	if a.device.failAllocatorReset {
		return errors.New("allocator reset failed")
	}
	a.resets++
	return nil
}

func (a *fakeAllocator) Release() {}

type fakeList struct {
	device   *fakeDevice
	id       int
	open     bool
	barriers []native.Barrier
	commands []string

	predication native.Resource
}

func (l *fakeList) Reset(allocator native.CommandAllocator) error {
	if l.open {
		return errors.New("list is open")
	}
	l.open = true
	l.barriers = nil
	l.commands = nil
	return nil
}

func (l *fakeList) Close() error {
	if !l.open {
		return errors.New("list is not open")
	}
	l.open = false
	if l.device.failListClose {
		return errors.New("list close failed")
	}
	if l.device.closesBeforeFailure > 0 {
		l.device.closesBeforeFailure--
		if l.device.closesBeforeFailure == 0 {
			return errors.New("list close failed")
		}
	}
	return nil
}

func (l *fakeList) ResourceBarrier(barriers []native.Barrier) {
	l.barriers = append(l.barriers, barriers...)
	l.commands = append(l.commands, "barrier")
}

func (l *fakeList) BeginQuery(heap native.QueryHeap, index uint32) {
	l.commands = append(l.commands, "begin-query")
}

func (l *fakeList) EndQuery(heap native.QueryHeap, index uint32) {
	l.commands = append(l.commands, "end-query")
}

func (l *fakeList) SetPredication(buffer native.Resource, offset uint64, skipIfZero bool) {
	l.predication = buffer
	l.commands = append(l.commands, "predication")
}

func (l *fakeList) Release() {}

// fakeSubmission is a snapshot of the lists passed to one ExecuteCommandLists call
type fakeSubmission struct {
	lists    []int
	barriers [][]native.Barrier
}

type fakeDevice struct {
	queue native.CommandQueue

	failAllocatorReset bool
	failListClose      bool
	failQueueWait      bool
	// closesBeforeFailure makes the n-th list Close from now fail
	closesBeforeFailure int

	holdFences bool
	budget     uint64
	usage      uint64

	nextList    int
	lists       []*fakeList
	fences      []*fakeFence
	submissions []fakeSubmission
	queueWaits  []uint64
	waits       []uint64

	evicted        []string
	madeResident   []string
	releasedFences int
}

var _ native.Device = &fakeDevice{}

func (d *fakeDevice) CreateCommandAllocator() (native.CommandAllocator, error) {
	return &fakeAllocator{device: d}, nil
}

func (d *fakeDevice) CreateCommandList(allocator native.CommandAllocator) (native.CommandList, error) {
	list := &fakeList{device: d, id: d.nextList, open: true}
	d.nextList++
	d.lists = append(d.lists, list)
	return list, nil
}

func (d *fakeDevice) CreateFence(initialValue uint64) (native.Fence, error) {
	fence := &fakeFence{device: d, completed: initialValue}
	d.fences = append(d.fences, fence)
	return fence, nil
}

func (d *fakeDevice) Queue() native.CommandQueue {
	if d.queue != nil {
		return d.queue
	}
	return &fakeQueue{device: d}
}

func (d *fakeDevice) QueryVideoMemoryInfo() (native.MemoryInfo, error) {
	return native.MemoryInfo{Usage: d.usage, Budget: d.budget}, nil
}

func (d *fakeDevice) Evict(resources []native.Resource) error {
	for _, resource := range resources {
		fake := resource.(*fakeResource)
		if fake.resident {
			fake.resident = false
			d.usage -= fake.size
		}
		d.evicted = append(d.evicted, fake.name)
	}
	return nil
}

func (d *fakeDevice) EnqueueMakeResident(resources []native.Resource, fence native.Fence, value uint64) error {
	var required uint64
	for _, resource := range resources {
		fake := resource.(*fakeResource)
		if !fake.resident {
			required += fake.size
		}
	}

	if d.budget > 0 && d.usage+required > d.budget {
		return errors.New("out of budget")
	}

	for _, resource := range resources {
		fake := resource.(*fakeResource)
		if !fake.resident {
			fake.resident = true
			d.madeResident = append(d.madeResident, fake.name)
		}
	}
	d.usage += required
	fence.(*fakeFence).completed = value
	return nil
}

// completeAll signals every fence value that has been queued
func (d *fakeDevice) completeAll() {
	for _, fence := range d.fences {
		fence.completeUpTo(^uint64(0))
	}
}

func (d *fakeDevice) newResource(name string, size uint64) *fakeResource {
	resource := &fakeResource{device: d, name: name, size: size}
	resource.refs.Store(1)
	return resource
}

type fakeQueue struct {
	device *fakeDevice
}

func (q *fakeQueue) ExecuteCommandLists(lists []native.CommandList) error {
	var submission fakeSubmission
	for _, list := range lists {
		fake := list.(*fakeList)
		if fake.open {
			return errors.New("list is open")
		}
		submission.lists = append(submission.lists, fake.id)
		submission.barriers = append(submission.barriers, append([]native.Barrier(nil), fake.barriers...))
	}
	q.device.submissions = append(q.device.submissions, submission)
	return nil
}

func (q *fakeQueue) Signal(fence native.Fence, value uint64) error {
	fake := fence.(*fakeFence)
	if q.device.holdFences {
		fake.pending = append(fake.pending, value)
		return nil
	}

	fake.completed = value
	return nil
}

func (q *fakeQueue) Wait(fence native.Fence, value uint64) error {
	if q.device.failQueueWait {
		return errors.New("queue wait failed")
	}
	q.device.queueWaits = append(q.device.queueWaits, value)
	return nil
}

type DeviceSetup struct {
	Options    CreateOptions
	Budget     uint64
	HoldFences bool
	Queue      native.CommandQueue
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard))
}

func readyDevice(t *testing.T, setup DeviceSetup) (*fakeDevice, *DeviceState) {
	device := &fakeDevice{
		queue:      setup.Queue,
		budget:     setup.Budget,
		holdFences: setup.HoldFences,
	}

	state, err := New(testLogger(), device, setup.Options)
	require.NoError(t, err)

	return device, state
}

func readyContext(t *testing.T, state *DeviceState, options ContextCreateOptions) *Context {
	ctx, err := state.CreateContext(options)
	require.NoError(t, err)

	return ctx
}

type AllocationSetup struct {
	Name             string
	Size             uint64
	Flags            AllocationCreateFlags
	SubresourceCount uint32
	InitialState     native.State
}

func readyAllocation(t *testing.T, device *fakeDevice, state *DeviceState, setup AllocationSetup) (*Allocation, *fakeResource) {
	resource := device.newResource(setup.Name, setup.Size)
	if setup.Flags&(AllocationCreateResident|AllocationCreatePermanentlyResident) != 0 {
		resource.resident = true
		device.usage += setup.Size
	}

	alloc, err := state.CreateAllocation(resource, AllocationCreateInfo{
		Flags:            setup.Flags,
		Size:             int(setup.Size),
		SubresourceCount: setup.SubresourceCount,
		InitialState:     setup.InitialState,
		Name:             setup.Name,
	})
	require.NoError(t, err)

	return alloc, resource
}

// currentBarriers returns the barriers recorded so far into the context's current batch
func currentBarriers(ctx *Context) []native.Barrier {
	return ctx.CurrentBatch().list.(*fakeList).barriers
}

func destroyContext(t *testing.T, ctx *Context) {
	require.NoError(t, ctx.Destroy())
}
