package halnative

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/vkngwrapper/garrison/native"
)

// residentResource is implemented by every resource that participates in the software residency model
type residentResource interface {
	native.Resource
	residentSize() uint64
	residency() *residencyState
}

// residencyState is guarded by the owning Device's mutex
type residencyState struct {
	resident bool
}

type refCount struct {
	refs atomic.Int32
}

func (r *refCount) addRef() {
	r.refs.Add(1)
}

// release returns true when the last reference is removed
func (r *refCount) release(name string) bool {
	refs := r.refs.Add(-1)
	if refs < 0 {
		panic(errors.Newf("%s reference count went negative", name))
	}
	return refs == 0
}

// Buffer is a reference-counted hal.Buffer
type Buffer struct {
	device *Device
	buffer hal.Buffer
	size   uint64
	label  string

	refCount
	state residencyState
}

var _ residentResource = &Buffer{}

// CreateBuffer creates a hal buffer. The returned Buffer holds one reference and starts out evicted.
func (d *Device) CreateBuffer(desc *hal.BufferDescriptor) (*Buffer, error) {
	buffer, err := d.device.CreateBuffer(desc)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create buffer %q", desc.Label)
	}

	b := &Buffer{device: d, buffer: buffer, size: desc.Size, label: desc.Label}
	b.refs.Store(1)
	return b, nil
}

// Handle returns the hal buffer
func (b *Buffer) Handle() hal.Buffer {
	return b.buffer
}

func (b *Buffer) Size() uint64 {
	return b.size
}

func (b *Buffer) AddRef() {
	b.addRef()
}

func (b *Buffer) Release() {
	if b.release("buffer " + b.label) {
		b.device.forget(b)
		b.device.device.DestroyBuffer(b.buffer)
	}
}

func (b *Buffer) residentSize() uint64 {
	return b.size
}

func (b *Buffer) residency() *residencyState {
	return &b.state
}

// Texture is a reference-counted hal.Texture. Subresource indices are ordered by mip level and then
// by array layer.
type Texture struct {
	device        *Device
	texture       hal.Texture
	size          uint64
	mipLevelCount uint32
	layerCount    uint32
	label         string

	refCount
	state residencyState
}

var _ residentResource = &Texture{}

// CreateTexture creates a hal texture. The returned Texture holds one reference and starts out
// evicted. size is the number of bytes of video memory the texture is estimated to occupy.
func (d *Device) CreateTexture(desc *hal.TextureDescriptor, size uint64) (*Texture, error) {
	texture, err := d.device.CreateTexture(desc)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create texture %q", desc.Label)
	}

	mips := desc.MipLevelCount
	if mips == 0 {
		mips = 1
	}
	layers := desc.Size.DepthOrArrayLayers
	if layers == 0 || desc.Dimension == gputypes.TextureDimension3D {
		layers = 1
	}

	t := &Texture{
		device:        d,
		texture:       texture,
		size:          size,
		mipLevelCount: mips,
		layerCount:    layers,
		label:         desc.Label,
	}
	t.refs.Store(1)
	return t, nil
}

// Handle returns the hal texture
func (t *Texture) Handle() hal.Texture {
	return t.texture
}

// SubresourceCount is the number of independently-tracked subresources in the texture
func (t *Texture) SubresourceCount() uint32 {
	return t.mipLevelCount * t.layerCount
}

func (t *Texture) subresourceRange(subresource uint32) hal.TextureRange {
	if subresource == native.AllSubresources {
		return hal.TextureRange{Aspect: gputypes.TextureAspectAll}
	}

	return hal.TextureRange{
		Aspect:          gputypes.TextureAspectAll,
		BaseMipLevel:    subresource % t.mipLevelCount,
		MipLevelCount:   1,
		BaseArrayLayer:  subresource / t.mipLevelCount,
		ArrayLayerCount: 1,
	}
}

func (t *Texture) AddRef() {
	t.addRef()
}

func (t *Texture) Release() {
	if t.release("texture " + t.label) {
		t.device.forget(t)
		t.device.device.DestroyTexture(t.texture)
	}
}

func (t *Texture) residentSize() uint64 {
	return t.size
}

func (t *Texture) residency() *residencyState {
	return &t.state
}

// QueryHeap is a reference-counted hal.QuerySet
type QueryHeap struct {
	device   *Device
	querySet hal.QuerySet
	count    uint32

	refCount
}

var _ native.QueryHeap = &QueryHeap{}

// CreateQueryHeap creates a hal query set with count queries
func (d *Device) CreateQueryHeap(queryType hal.QueryType, count uint32, label string) (*QueryHeap, error) {
	querySet, err := d.device.CreateQuerySet(&hal.QuerySetDescriptor{
		Label: label,
		Type:  queryType,
		Count: count,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create query heap %q", label)
	}

	heap := &QueryHeap{device: d, querySet: querySet, count: count}
	heap.refs.Store(1)
	return heap, nil
}

// Handle returns the hal query set
func (h *QueryHeap) Handle() hal.QuerySet {
	return h.querySet
}

func (h *QueryHeap) Count() uint32 {
	return h.count
}

func (h *QueryHeap) AddRef() {
	h.addRef()
}

func (h *QueryHeap) Release() {
	if h.release("query heap") {
		h.device.device.DestroyQuerySet(h.querySet)
	}
}
