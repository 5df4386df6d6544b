package halnative

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/docker/go-units"
	"github.com/gogpu/wgpu/hal"
	"github.com/vkngwrapper/garrison/native"
	"golang.org/x/exp/slog"
)

const defaultPollInterval = time.Millisecond

// ErrOutOfBudget is returned by EnqueueMakeResident when the resources do not fit in the budget
var ErrOutOfBudget = errors.New("resources do not fit in the video memory budget")

// Options contains optional settings when creating a Device
type Options struct {
	// Label is attached to every command encoder the device creates
	Label string
	// Budget is the number of bytes of video memory resources may occupy. 0 means unlimited.
	Budget uint64
	// PollInterval is how often bounded fence waits poll the queue. It defaults to one millisecond.
	PollInterval time.Duration
}

// Device implements native.Device on top of a hal device and queue. hal has no residency primitives,
// so residency is modeled in software: resources count against the budget while resident.
type Device struct {
	logger       *slog.Logger
	device       hal.Device
	queue        hal.Queue
	label        string
	pollInterval time.Duration

	mutex          sync.Mutex
	budget         uint64
	usage          uint64
	lastSubmission uint64

	commandQueue Queue
	buffers      []hal.CommandBuffer
}

var _ native.Device = &Device{}

// New wraps a hal device and the queue that batches are submitted to
func New(logger *slog.Logger, device hal.Device, queue hal.Queue, options Options) *Device {
	if options.PollInterval == 0 {
		options.PollInterval = defaultPollInterval
	}

	d := &Device{
		logger:       logger,
		device:       device,
		queue:        queue,
		label:        options.Label,
		pollInterval: options.PollInterval,
		budget:       options.Budget,
	}
	d.commandQueue.device = d
	return d
}

// HalDevice returns the wrapped hal device
func (d *Device) HalDevice() hal.Device {
	return d.device
}

func (d *Device) Queue() native.CommandQueue {
	return &d.commandQueue
}

// SetBudget changes the number of bytes of video memory resources may occupy
func (d *Device) SetBudget(budget uint64) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.budget = budget
}

func (d *Device) QueryVideoMemoryInfo() (native.MemoryInfo, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return native.MemoryInfo{Usage: d.usage, Budget: d.budget}, nil
}

// Evict removes the resources from the software resident set
func (d *Device) Evict(resources []native.Resource) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	var freed uint64
	for _, resource := range resources {
		resident, ok := resource.(residentResource)
		if !ok {
			return errors.Newf("resource of type %T does not belong to the hal device", resource)
		}

		state := resident.residency()
		if state.resident {
			state.resident = false
			freed += resident.residentSize()
		}
	}

	d.usage -= freed
	d.logger.Debug("Device::Evict", slog.Int("count", len(resources)), slog.String("freed", units.BytesSize(float64(freed))))
	return nil
}

// EnqueueMakeResident adds the resources to the software resident set and signals the fence
// immediately. It fails without changing anything if the resources do not fit in the budget.
func (d *Device) EnqueueMakeResident(resources []native.Resource, fence native.Fence, value uint64) error {
	halFence, ok := fence.(*Fence)
	if !ok {
		return errors.Newf("fence of type %T does not belong to the hal device", fence)
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	var required uint64
	for _, resource := range resources {
		resident, ok := resource.(residentResource)
		if !ok {
			return errors.Newf("resource of type %T does not belong to the hal device", resource)
		}
		if !resident.residency().resident {
			required += resident.residentSize()
		}
	}

	if d.budget > 0 && d.usage+required > d.budget {
		return errors.Wrapf(ErrOutOfBudget, "%s required with %s of %s in use",
			units.BytesSize(float64(required)), units.BytesSize(float64(d.usage)), units.BytesSize(float64(d.budget)))
	}

	for _, resource := range resources {
		resource.(residentResource).residency().resident = true
	}
	d.usage += required

	halFence.signalNow(value)
	d.logger.Debug("Device::EnqueueMakeResident", slog.Int("count", len(resources)), slog.String("size", units.BytesSize(float64(required))))
	return nil
}

// forget removes a destroyed resource from the resident set
func (d *Device) forget(resource residentResource) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	state := resource.residency()
	if state.resident {
		state.resident = false
		d.usage -= resource.residentSize()
	}
}

// Queue implements native.CommandQueue on top of the hal queue
type Queue struct {
	device *Device
}

var _ native.CommandQueue = &Queue{}

// ExecuteCommandLists submits the lists' command buffers to the hal queue in order
func (q *Queue) ExecuteCommandLists(lists []native.CommandList) error {
	d := q.device

	d.mutex.Lock()
	defer d.mutex.Unlock()

	buffers := d.buffers[:0]
	for _, list := range lists {
		halList, ok := list.(*CommandList)
		if !ok {
			return errors.Newf("command list of type %T does not belong to the hal device", list)
		}
		if halList.open || halList.buffer == nil {
			return errors.New("attempted to execute a command list that has not been closed")
		}
		buffers = append(buffers, halList.buffer)
	}

	submission, err := d.queue.Submit(buffers)
	clear(buffers)
	d.buffers = buffers[:0]
	if err != nil {
		return errors.Wrap(err, "failed to submit command buffers")
	}

	d.lastSubmission = submission
	return nil
}

// Signal sets the fence to value once everything submitted so far has completed
func (q *Queue) Signal(fence native.Fence, value uint64) error {
	halFence, ok := fence.(*Fence)
	if !ok {
		return errors.Newf("fence of type %T does not belong to the hal device", fence)
	}

	q.device.mutex.Lock()
	submission := q.device.lastSubmission
	q.device.mutex.Unlock()

	halFence.signal(submission, value)
	return nil
}

// Wait blocks until the fence reaches value. hal queues execute in submission order, so the only
// fences that can be pending here are signaled on the CPU.
func (q *Queue) Wait(fence native.Fence, value uint64) error {
	ok, err := fence.WaitFor(value, native.TimeoutInfinite)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Newf("fence never reached %d", value)
	}
	return nil
}
