package halnative

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/garrison/native"
)

type fenceSignal struct {
	submission uint64
	value      uint64
}

// Fence emulates a GPU-signaled counter on top of hal submission indices. A signal becomes visible
// once the queue reports that the submission preceding it has completed.
type Fence struct {
	device *Device

	mutex     sync.Mutex
	completed uint64
	pending   []fenceSignal
}

var _ native.Fence = &Fence{}

// CreateFence creates a fence that has already reached initialValue
func (d *Device) CreateFence(initialValue uint64) (native.Fence, error) {
	return &Fence{device: d, completed: initialValue}, nil
}

// CompletedValue returns the largest value the fence is known to have reached
func (f *Fence) CompletedValue() uint64 {
	polled := f.device.queue.PollCompleted()

	f.mutex.Lock()
	defer f.mutex.Unlock()

	done := 0
	for _, signal := range f.pending {
		if signal.submission > polled {
			break
		}
		if signal.value > f.completed {
			f.completed = signal.value
		}
		done++
	}
	if done > 0 {
		f.pending = append(f.pending[:0], f.pending[done:]...)
	}

	return f.completed
}

// WaitFor polls the queue until the fence reaches value. native.TimeoutInfinite waits for the device to
// go idle instead of polling.
func (f *Fence) WaitFor(value uint64, timeout time.Duration) (bool, error) {
	if f.CompletedValue() >= value {
		return true, nil
	}
	if timeout == 0 {
		return false, nil
	}

	if timeout == native.TimeoutInfinite {
		err := f.device.device.WaitIdle()
		if err != nil {
			return false, errors.Wrap(err, "failed to wait for the device to go idle")
		}

		if f.CompletedValue() < value {
			return false, errors.Newf("fence value %d was never signaled", value)
		}
		return true, nil
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		time.Sleep(f.device.pollInterval)
		if f.CompletedValue() >= value {
			return true, nil
		}
	}

	return false, nil
}

func (f *Fence) Release() {}

// signal records that the fence reaches value once the provided submission completes
func (f *Fence) signal(submission, value uint64) {
	if submission <= f.device.queue.PollCompleted() {
		f.signalNow(value)
		return
	}

	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.pending = append(f.pending, fenceSignal{submission: submission, value: value})
}

func (f *Fence) signalNow(value uint64) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if value > f.completed {
		f.completed = value
	}
}
