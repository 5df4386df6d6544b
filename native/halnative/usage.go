package halnative

import (
	"github.com/gogpu/gputypes"
	"github.com/vkngwrapper/garrison/native"
)

type bufferUsageMapping struct {
	state native.State
	usage gputypes.BufferUsage
}

type textureUsageMapping struct {
	state native.State
	usage gputypes.TextureUsage
}

var bufferUsages = []bufferUsageMapping{
	{state: native.StateVertexAndConstantBuffer, usage: gputypes.BufferUsageVertex | gputypes.BufferUsageUniform},
	{state: native.StateIndexBuffer, usage: gputypes.BufferUsageIndex},
	{state: native.StateUnorderedAccess, usage: gputypes.BufferUsageStorage},
	{state: native.StateStreamOut, usage: gputypes.BufferUsageStorage},
	{state: native.StateAllShaderResource, usage: gputypes.BufferUsageStorage},
	{state: native.StateIndirectArgument, usage: gputypes.BufferUsageIndirect},
	{state: native.StatePredication, usage: gputypes.BufferUsageIndirect},
	{state: native.StateCopyDest, usage: gputypes.BufferUsageCopyDst},
	{state: native.StateCopySource, usage: gputypes.BufferUsageCopySrc},
	{state: native.StateResolveDest, usage: gputypes.BufferUsageQueryResolve},
}

var textureUsages = []textureUsageMapping{
	{state: native.StateRenderTarget | native.StateDepthWrite | native.StateDepthRead, usage: gputypes.TextureUsageRenderAttachment},
	{state: native.StateUnorderedAccess, usage: gputypes.TextureUsageStorageBinding},
	{state: native.StateAllShaderResource, usage: gputypes.TextureUsageTextureBinding},
	{state: native.StateCopyDest | native.StateResolveDest, usage: gputypes.TextureUsageCopyDst},
	{state: native.StateCopySource | native.StateResolveSource, usage: gputypes.TextureUsageCopySrc},
}

// BufferUsage converts a resource state to the buffer usages it permits
func BufferUsage(state native.State) gputypes.BufferUsage {
	var usage gputypes.BufferUsage
	for _, mapping := range bufferUsages {
		if state&mapping.state != 0 {
			usage |= mapping.usage
		}
	}
	return usage
}

// TextureUsage converts a resource state to the texture usages it permits
func TextureUsage(state native.State) gputypes.TextureUsage {
	var usage gputypes.TextureUsage
	for _, mapping := range textureUsages {
		if state&mapping.state != 0 {
			usage |= mapping.usage
		}
	}
	return usage
}
