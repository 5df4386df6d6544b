package gpusync

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/garrison/native"
)

func TestSubmissionFixups(t *testing.T) {
	testCases := map[string]struct {
		First  native.State
		Second native.State
	}{
		"WriteToRead": {
			First:  native.StateCopyDest,
			Second: native.StatePixelShaderResource,
		},
		"SameWrite": {
			First:  native.StateRenderTarget,
			Second: native.StateRenderTarget,
		},
		"ReadToOtherRead": {
			First:  native.StatePixelShaderResource,
			Second: native.StateNonPixelShaderResource,
		},
		"WriteToCommon": {
			First:  native.StateUnorderedAccess,
			Second: native.StateCommon,
		},
		"CommonToWrite": {
			First:  native.StateCommon,
			Second: native.StateDepthWrite,
		},
	}

	for tableName, flags := range stateTableFlags {
		for name, testCase := range testCases {
			t.Run(tableName+"/"+name, func(t *testing.T) {
				device, state := readyDevice(t, DeviceSetup{})
				ctx := readyContext(t, state, ContextCreateOptions{Flags: flags})
				alloc, resource := readyAllocation(t, device, state, AllocationSetup{Name: "texture", Size: 64})

				require.NoError(t, ctx.RequireState(alloc, WholeResource, testCase.First, 0))
				require.NoError(t, ctx.Flush())
				require.Equal(t, testCase.First, alloc.GlobalState(0))

				require.NoError(t, ctx.RequireState(alloc, WholeResource, testCase.Second, 0))
				require.Empty(t, currentBarriers(ctx))
				require.NoError(t, ctx.Flush())
				require.Equal(t, testCase.Second, alloc.GlobalState(0))

				require.Len(t, device.submissions, 2)
				if testCase.First == native.StateCommon {
					require.Len(t, device.submissions[0].lists, 1)
				} else {
					require.Len(t, device.submissions[0].lists, 2)
					require.Equal(t, []native.Barrier{
						native.TransitionBarrier(resource, native.AllSubresources, native.StateCommon, testCase.First),
					}, device.submissions[0].barriers[0])
				}

				second := device.submissions[1]
				if testCase.First == testCase.Second {
					require.Len(t, second.lists, 1)
					require.Empty(t, second.barriers[0])
				} else {
					require.Len(t, second.lists, 2)
					require.Equal(t, []native.Barrier{
						native.TransitionBarrier(resource, native.AllSubresources, testCase.First, testCase.Second),
					}, second.barriers[0])
					require.Empty(t, second.barriers[1])
				}

				destroyContext(t, ctx)
			})
		}
	}
}

func TestSubmissionFixupUsesStateOnEntry(t *testing.T) {
	device, state := readyDevice(t, DeviceSetup{})
	ctx := readyContext(t, state, ContextCreateOptions{})
	alloc, resource := readyAllocation(t, device, state, AllocationSetup{Name: "texture", Size: 64})

	require.NoError(t, ctx.RequireState(alloc, WholeResource, native.StateCopyDest, 0))
	require.NoError(t, ctx.RequireState(alloc, WholeResource, native.StatePixelShaderResource, 0))
	require.NoError(t, ctx.Flush())

	require.Equal(t, []native.Barrier{
		native.TransitionBarrier(resource, native.AllSubresources, native.StateCommon, native.StateCopyDest),
	}, device.submissions[0].barriers[0])
	require.Equal(t, []native.Barrier{
		native.TransitionBarrier(resource, native.AllSubresources, native.StateCopyDest, native.StatePixelShaderResource),
	}, device.submissions[0].barriers[1])
	require.Equal(t, native.StatePixelShaderResource, alloc.GlobalState(0))

	require.NoError(t, ctx.RequireState(alloc, WholeResource, native.StatePixelShaderResource, 0))
	require.NoError(t, ctx.Flush())
	require.Len(t, device.submissions[1].lists, 1)

	destroyContext(t, ctx)
}

func TestSubmissionFixupsAcrossContexts(t *testing.T) {
	device, state := readyDevice(t, DeviceSetup{})
	writer := readyContext(t, state, ContextCreateOptions{Name: "writer"})
	reader := readyContext(t, state, ContextCreateOptions{Name: "reader", Flags: ContextCreateNoSlot})
	alloc, resource := readyAllocation(t, device, state, AllocationSetup{Name: "shadow map", Size: 64})

	require.NoError(t, writer.RequireState(alloc, WholeResource, native.StateDepthWrite, 0))
	require.NoError(t, reader.RequireState(alloc, WholeResource, native.StatePixelShaderResource, 0))

	require.NoError(t, writer.Flush())
	require.NoError(t, reader.Flush())

	require.Len(t, device.submissions, 2)
	require.Equal(t, []native.Barrier{
		native.TransitionBarrier(resource, native.AllSubresources, native.StateCommon, native.StateDepthWrite),
	}, device.submissions[0].barriers[0])
	require.Equal(t, []native.Barrier{
		native.TransitionBarrier(resource, native.AllSubresources, native.StateDepthWrite, native.StatePixelShaderResource),
	}, device.submissions[1].barriers[0])
	require.Equal(t, native.StatePixelShaderResource, alloc.GlobalState(0))

	destroyContext(t, writer)
	destroyContext(t, reader)
}

func TestSubmissionFixupsPerSubresource(t *testing.T) {
	device, state := readyDevice(t, DeviceSetup{})
	ctx := readyContext(t, state, ContextCreateOptions{})
	alloc, resource := readyAllocation(t, device, state, AllocationSetup{
		Name:             "mip chain",
		Size:             256,
		SubresourceCount: 3,
	})

	require.NoError(t, ctx.RequireState(alloc, WholeResource, native.StatePixelShaderResource, 0))
	require.NoError(t, ctx.Flush())

	require.NoError(t, ctx.RequireState(alloc, SingleSubresource(1), native.StateRenderTarget, 0))
	require.NoError(t, ctx.RequireState(alloc, SingleSubresource(2), native.StatePixelShaderResource, 0))
	require.NoError(t, ctx.Flush())

	require.Equal(t, []native.Barrier{
		native.TransitionBarrier(resource, 1, native.StatePixelShaderResource, native.StateRenderTarget),
	}, device.submissions[1].barriers[0])
	require.Equal(t, native.StatePixelShaderResource, alloc.GlobalState(0))
	require.Equal(t, native.StateRenderTarget, alloc.GlobalState(1))
	require.Equal(t, native.StatePixelShaderResource, alloc.GlobalState(2))

	destroyContext(t, ctx)
}

func TestSubmissionSkipsFixupsForConcurrentAccess(t *testing.T) {
	device, state := readyDevice(t, DeviceSetup{})
	ctx := readyContext(t, state, ContextCreateOptions{})
	alloc, _ := readyAllocation(t, device, state, AllocationSetup{
		Name:  "upload",
		Size:  64,
		Flags: AllocationCreateConcurrentAccess,
	})

	require.NoError(t, ctx.RequireState(alloc, WholeResource, native.StateCopySource, 0))
	require.NoError(t, ctx.Flush())
	require.NoError(t, ctx.RequireState(alloc, WholeResource, native.StateCopyDest, 0))
	require.NoError(t, ctx.Flush())

	for _, submission := range device.submissions {
		require.Len(t, submission.lists, 1)
	}
	require.Equal(t, native.StateCopyDest, alloc.GlobalState(0))

	destroyContext(t, ctx)
}

func TestAbandonedBatchLeavesGlobalStateAlone(t *testing.T) {
	device, state := readyDevice(t, DeviceSetup{})
	ctx := readyContext(t, state, ContextCreateOptions{})
	alloc, _ := readyAllocation(t, device, state, AllocationSetup{Name: "texture", Size: 64})

	require.NoError(t, ctx.RequireState(alloc, WholeResource, native.StateRenderTarget, 0))
	device.failListClose = true
	require.Error(t, ctx.Flush())
	device.failListClose = false

	require.Empty(t, device.submissions)
	require.True(t, ctx.Batches()[0].HasErrors())
	require.Equal(t, BatchResettable, ctx.Batches()[0].Status())
	require.Equal(t, native.StateCommon, alloc.GlobalState(0))

	require.NoError(t, ctx.RequireState(alloc, WholeResource, native.StatePixelShaderResource, 0))
	require.NoError(t, ctx.Flush())
	require.Equal(t, native.StatePixelShaderResource, alloc.GlobalState(0))

	destroyContext(t, ctx)
}

func TestFailedResidencyWaitLeavesGlobalStateAlone(t *testing.T) {
	device, state := readyDevice(t, DeviceSetup{})
	ctx := readyContext(t, state, ContextCreateOptions{})
	alloc, _ := readyAllocation(t, device, state, AllocationSetup{Name: "texture", Size: 64})

	require.NoError(t, ctx.RequireState(alloc, WholeResource, native.StateRenderTarget, 0))
	device.failQueueWait = true
	require.Error(t, ctx.Flush())
	device.failQueueWait = false

	require.Empty(t, device.submissions)
	require.Equal(t, BatchResettable, ctx.Batches()[0].Status())
	require.Equal(t, native.StateCommon, alloc.GlobalState(0))
	require.Equal(t, uint64(0), alloc.LastUsedFenceValue())
	require.Equal(t, uint64(0), state.LastSubmittedFenceValue())

	require.NoError(t, ctx.RequireState(alloc, WholeResource, native.StatePixelShaderResource, 0))
	require.NoError(t, ctx.Flush())

	require.Len(t, device.submissions, 1)
	require.Equal(t, []native.Barrier{
		native.TransitionBarrier(alloc.Handle(), native.AllSubresources, native.StateCommon, native.StatePixelShaderResource),
	}, device.submissions[0].barriers[0])
	require.Equal(t, native.StatePixelShaderResource, alloc.GlobalState(0))
	require.Equal(t, uint64(1), alloc.LastUsedFenceValue())

	destroyContext(t, ctx)
}

func TestFailedFixupCloseLeavesGlobalStateAlone(t *testing.T) {
	device, state := readyDevice(t, DeviceSetup{})
	ctx := readyContext(t, state, ContextCreateOptions{})
	alloc, _ := readyAllocation(t, device, state, AllocationSetup{Name: "texture", Size: 64})

	require.NoError(t, ctx.RequireState(alloc, WholeResource, native.StateRenderTarget, 0))
	require.NoError(t, ctx.Flush())
	require.Equal(t, native.StateRenderTarget, alloc.GlobalState(0))

	require.NoError(t, ctx.RequireState(alloc, WholeResource, native.StatePixelShaderResource, 0))
	// The batch list closes, then the fixup list fails to
	device.closesBeforeFailure = 2
	require.Error(t, ctx.Flush())

	require.Len(t, device.submissions, 1)
	require.Equal(t, BatchResettable, ctx.Batches()[1].Status())
	require.Equal(t, native.StateRenderTarget, alloc.GlobalState(0))
	require.Equal(t, uint64(1), alloc.LastUsedFenceValue())

	require.NoError(t, ctx.RequireState(alloc, WholeResource, native.StateCopyDest, 0))
	require.NoError(t, ctx.Flush())

	require.Len(t, device.submissions, 2)
	require.Equal(t, []native.Barrier{
		native.TransitionBarrier(alloc.Handle(), native.AllSubresources, native.StateRenderTarget, native.StateCopyDest),
	}, device.submissions[1].barriers[0])
	require.Equal(t, native.StateCopyDest, alloc.GlobalState(0))
	require.Equal(t, uint64(2), alloc.LastUsedFenceValue())

	destroyContext(t, ctx)
}
