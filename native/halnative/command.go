package halnative

import (
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/gogpu/wgpu/hal"
	"github.com/vkngwrapper/garrison/native"
)

// CommandAllocator owns a hal command encoder and the command buffers it has produced since it was
// last reset
type CommandAllocator struct {
	device    *Device
	encoder   hal.CommandEncoder
	buffers   []hal.CommandBuffer
	recording bool
}

var _ native.CommandAllocator = &CommandAllocator{}

// CreateCommandAllocator creates a hal command encoder
func (d *Device) CreateCommandAllocator() (native.CommandAllocator, error) {
	encoder, err := d.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: d.label})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create command encoder")
	}

	return &CommandAllocator{device: d, encoder: encoder}, nil
}

// Reset recycles every command buffer recorded from the allocator
func (a *CommandAllocator) Reset() error {
	if a.recording {
		return errors.New("attempted to reset a command allocator while a command list is recording")
	}

	if len(a.buffers) > 0 {
		a.encoder.ResetAll(a.buffers)
		clear(a.buffers)
		a.buffers = a.buffers[:0]
	}
	return nil
}

func (a *CommandAllocator) Release() {
	if a.recording {
		a.encoder.DiscardEncoding()
		a.recording = false
	}

	for _, buffer := range a.buffers {
		a.device.device.FreeCommandBuffer(buffer)
	}
	a.buffers = nil
	a.encoder.Destroy()
}

// CommandList records into the hal command encoder of its allocator. Queries and predication are
// tracked on the list because hal scopes them to passes: pass encoders are expected to consult
// ActiveQueries and Predication.
type CommandList struct {
	device    *Device
	allocator *CommandAllocator
	buffer    hal.CommandBuffer
	open      bool

	bufferBarriers  []hal.BufferBarrier
	textureBarriers []hal.TextureBarrier

	activeQueries *swiss.Map[queryKey, struct{}]
	predication   *Predication
}

type queryKey struct {
	heap  *QueryHeap
	index uint32
}

// Predication describes the buffer value that decides whether predicated work runs
type Predication struct {
	Buffer     *Buffer
	Offset     uint64
	SkipIfZero bool
}

var _ native.CommandList = &CommandList{}

// CreateCommandList begins encoding into the allocator's hal command encoder
func (d *Device) CreateCommandList(allocator native.CommandAllocator) (native.CommandList, error) {
	list := &CommandList{
		device:        d,
		activeQueries: swiss.NewMap[queryKey, struct{}](8),
	}

	err := list.Reset(allocator)
	if err != nil {
		return nil, err
	}
	return list, nil
}

// Encoder returns the hal command encoder that commands should be recorded into. It is only valid
// while the list is open.
func (l *CommandList) Encoder() hal.CommandEncoder {
	if !l.open {
		return nil
	}
	return l.allocator.encoder
}

// CommandBuffer returns the hal command buffer produced by the last Close
func (l *CommandList) CommandBuffer() hal.CommandBuffer {
	return l.buffer
}

func (l *CommandList) Reset(allocator native.CommandAllocator) error {
	if l.open {
		return errors.New("attempted to reset a command list that is still open")
	}

	halAllocator, ok := allocator.(*CommandAllocator)
	if !ok {
		return errors.Newf("command allocator of type %T does not belong to the hal device", allocator)
	}
	if halAllocator.recording {
		return errors.New("command allocator is already recording another command list")
	}

	err := halAllocator.encoder.BeginEncoding(l.device.label)
	if err != nil {
		return errors.Wrap(err, "failed to begin encoding")
	}

	halAllocator.recording = true
	l.allocator = halAllocator
	l.buffer = nil
	l.open = true
	l.predication = nil
	l.activeQueries.Clear()
	return nil
}

func (l *CommandList) Close() error {
	if !l.open {
		return errors.New("attempted to close a command list that is not open")
	}

	l.open = false
	l.allocator.recording = false

	if l.activeQueries.Count() > 0 {
		l.allocator.encoder.DiscardEncoding()
		return errors.Newf("command list was closed with %d active queries", l.activeQueries.Count())
	}

	buffer, err := l.allocator.encoder.EndEncoding()
	if err != nil {
		return errors.Wrap(err, "failed to end encoding")
	}

	l.buffer = buffer
	l.allocator.buffers = append(l.allocator.buffers, buffer)
	return nil
}

// ResourceBarrier converts the barriers to hal buffer and texture transitions
func (l *CommandList) ResourceBarrier(barriers []native.Barrier) {
	for _, barrier := range barriers {
		switch resource := barrier.Resource.(type) {
		case *Buffer:
			l.bufferBarriers = append(l.bufferBarriers, hal.BufferBarrier{
				Buffer: resource.buffer,
				Usage: hal.BufferUsageTransition{
					OldUsage: BufferUsage(barrier.Before),
					NewUsage: BufferUsage(barrier.After),
				},
			})
		case *Texture:
			l.textureBarriers = append(l.textureBarriers, hal.TextureBarrier{
				Texture: resource.texture,
				Range:   resource.subresourceRange(barrier.Subresource),
				Usage: hal.TextureUsageTransition{
					OldUsage: TextureUsage(barrier.Before),
					NewUsage: TextureUsage(barrier.After),
				},
			})
		default:
			l.device.logger.Warn("CommandList::ResourceBarrier skipped a barrier for a resource that does not belong to the hal device")
		}
	}

	if len(l.bufferBarriers) > 0 {
		l.allocator.encoder.TransitionBuffers(l.bufferBarriers)
		clear(l.bufferBarriers)
		l.bufferBarriers = l.bufferBarriers[:0]
	}
	if len(l.textureBarriers) > 0 {
		l.allocator.encoder.TransitionTextures(l.textureBarriers)
		clear(l.textureBarriers)
		l.textureBarriers = l.textureBarriers[:0]
	}
}

func (l *CommandList) BeginQuery(heap native.QueryHeap, index uint32) {
	if halHeap, ok := heap.(*QueryHeap); ok {
		l.activeQueries.Put(queryKey{heap: halHeap, index: index}, struct{}{})
	}
}

func (l *CommandList) EndQuery(heap native.QueryHeap, index uint32) {
	if halHeap, ok := heap.(*QueryHeap); ok {
		l.activeQueries.Delete(queryKey{heap: halHeap, index: index})
	}
}

// ActiveQueries returns the number of queries begun on this list that have not yet ended
func (l *CommandList) ActiveQueries() int {
	return l.activeQueries.Count()
}

func (l *CommandList) SetPredication(buffer native.Resource, offset uint64, skipIfZero bool) {
	halBuffer, ok := buffer.(*Buffer)
	if !ok || halBuffer == nil {
		l.predication = nil
		return
	}

	l.predication = &Predication{Buffer: halBuffer, Offset: offset, SkipIfZero: skipIfZero}
}

// Predication returns the predication state set on this list, or nil if predication is disabled
func (l *CommandList) Predication() *Predication {
	return l.predication
}

func (l *CommandList) Release() {
	if l.open {
		l.allocator.encoder.DiscardEncoding()
		l.allocator.recording = false
		l.open = false
	}
}
