package halnative

import (
	"io"
	"testing"

	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

// recordingEncoder keeps a copy of every transition it is asked to record
type recordingEncoder struct {
	noop.CommandEncoder

	bufferBarriers  []hal.BufferBarrier
	textureBarriers []hal.TextureBarrier
	discarded       int
}

func (e *recordingEncoder) TransitionBuffers(barriers []hal.BufferBarrier) {
	e.bufferBarriers = append(e.bufferBarriers, barriers...)
}

func (e *recordingEncoder) TransitionTextures(barriers []hal.TextureBarrier) {
	e.textureBarriers = append(e.textureBarriers, barriers...)
}

func (e *recordingEncoder) DiscardEncoding() {
	e.discarded++
}

// laggingQueue reports submissions as complete only once the device has gone idle
type laggingQueue struct {
	*noop.Queue

	completed uint64
}

func (q *laggingQueue) PollCompleted() uint64 {
	return q.completed
}

type testHalDevice struct {
	*noop.Device

	queue   *laggingQueue
	encoder *recordingEncoder
}

func (d *testHalDevice) CreateCommandEncoder(_ *hal.CommandEncoderDescriptor) (hal.CommandEncoder, error) {
	return d.encoder, nil
}

func (d *testHalDevice) WaitIdle() error {
	if d.queue != nil {
		d.queue.completed = d.queue.Queue.PollCompleted()
	}
	return nil
}

type HalSetup struct {
	Options Options
	Lagging bool
}

func readyHalDevice(t *testing.T, setup HalSetup) (*Device, *testHalDevice) {
	halDevice := &testHalDevice{
		Device:  &noop.Device{},
		encoder: &recordingEncoder{},
	}

	var queue hal.Queue = &noop.Queue{}
	if setup.Lagging {
		halDevice.queue = &laggingQueue{Queue: &noop.Queue{}}
		queue = halDevice.queue
	}

	logger := slog.New(slog.NewTextHandler(io.Discard))
	return New(logger, halDevice, queue, setup.Options), halDevice
}

func readyBuffer(t *testing.T, device *Device, label string, size uint64) *Buffer {
	buffer, err := device.CreateBuffer(&hal.BufferDescriptor{Label: label, Size: size})
	require.NoError(t, err)

	return buffer
}

func readyCommandList(t *testing.T, device *Device) (*CommandAllocator, *CommandList) {
	allocator, err := device.CreateCommandAllocator()
	require.NoError(t, err)

	list, err := device.CreateCommandList(allocator)
	require.NoError(t, err)

	return allocator.(*CommandAllocator), list.(*CommandList)
}
