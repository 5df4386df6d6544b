package gpusync

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/garrison/native"
	"github.com/vkngwrapper/garrison/native/mocks"
	"go.uber.org/mock/gomock"
)

func TestNewValidatesOptions(t *testing.T) {
	testCases := map[string]struct {
		Options CreateOptions
		Valid   bool
	}{
		"Defaults": {
			Valid: true,
		},
		"SingleBatch": {
			Options: CreateOptions{BatchesPerContext: 1},
		},
		"TooManyBatches": {
			Options: CreateOptions{BatchesPerContext: MaxBatchesPerContext + 1},
		},
		"GracePeriodsReversed": {
			Options: CreateOptions{
				MinEvictionGracePeriod: time.Minute,
				MaxEvictionGracePeriod: time.Second,
			},
		},
		"TrimThresholdTooLarge": {
			Options: CreateOptions{TrimThreshold: 1},
		},
		"NegativeTrimThreshold": {
			Options: CreateOptions{TrimThreshold: -0.5},
		},
		"NegativeResidencyBatchSize": {
			Options: CreateOptions{ResidencyBatchSize: -1},
		},
		"ExternallySynchronized": {
			Options: CreateOptions{Flags: DeviceCreateExternallySynchronized},
			Valid:   true,
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			state, err := New(testLogger(), &fakeDevice{}, testCase.Options)
			if testCase.Valid {
				require.NoError(t, err)
				require.NoError(t, state.Destroy())
			} else {
				require.Error(t, err)
				require.Nil(t, state)
			}
		})
	}
}

func TestNewFenceFailure(t *testing.T) {
	ctrl := gomock.NewController(t)

	device := mocks.NewMockDevice(ctrl)
	device.EXPECT().Queue().Return(mocks.NewMockCommandQueue(ctrl))
	device.EXPECT().CreateFence(uint64(0)).Return(nil, errors.New("out of memory"))

	state, err := New(testLogger(), device, CreateOptions{})
	require.Error(t, err)
	require.Nil(t, state)
}

func TestNewResidencyFenceFailureReleasesSubmissionFence(t *testing.T) {
	ctrl := gomock.NewController(t)

	fence := mocks.NewMockFence(ctrl)
	fence.EXPECT().Release()

	device := mocks.NewMockDevice(ctrl)
	device.EXPECT().Queue().Return(mocks.NewMockCommandQueue(ctrl))
	gomock.InOrder(
		device.EXPECT().CreateFence(uint64(0)).Return(fence, nil),
		device.EXPECT().CreateFence(uint64(0)).Return(nil, errors.New("out of memory")),
	)

	state, err := New(testLogger(), device, CreateOptions{})
	require.Error(t, err)
	require.Nil(t, state)
}

func TestDeviceStateDestroyRequiresContextsDestroyed(t *testing.T) {
	device, state := readyDevice(t, DeviceSetup{HoldFences: true})
	ctx := readyContext(t, state, ContextCreateOptions{})
	alloc, _ := readyAllocation(t, device, state, AllocationSetup{Name: "buffer", Size: 64})

	require.Error(t, state.Destroy())

	require.NoError(t, ctx.RequireState(alloc, WholeResource, native.StateCopyDest, 0))
	destroyContext(t, ctx)
	alloc.Release()

	require.Equal(t, 0, state.ContextCount())
	require.NoError(t, state.Destroy())
	require.Equal(t, state.LastSubmittedFenceValue(), state.CompletedFenceValue())
	require.Equal(t, 2, device.releasedFences)

	require.NoError(t, state.Destroy())
	require.Equal(t, 2, device.releasedFences)
}

func TestDeviceStateWaitForFence(t *testing.T) {
	_, state := readyDevice(t, DeviceSetup{HoldFences: true})
	ctx := readyContext(t, state, ContextCreateOptions{})

	require.NoError(t, ctx.Flush())

	done, err := state.WaitForFence(1, 0)
	require.NoError(t, err)
	require.False(t, done)

	done, err = state.WaitForFence(1, native.TimeoutInfinite)
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, uint64(1), state.CompletedFenceValue())

	destroyContext(t, ctx)
}

func TestCreateAllocationValidation(t *testing.T) {
	testCases := map[string]struct {
		Handle native.Resource
		Info   AllocationCreateInfo
	}{
		"NilHandle": {
			Info: AllocationCreateInfo{Size: 64},
		},
		"NegativeSize": {
			Handle: &fakeResource{},
			Info:   AllocationCreateInfo{Size: -1},
		},
		"AmbiguousInitialState": {
			Handle: &fakeResource{},
			Info: AllocationCreateInfo{
				Size:         64,
				InitialState: native.StateCopyDest | native.StateCopySource,
			},
		},
		"UnknownInitialState": {
			Handle: &fakeResource{},
			Info: AllocationCreateInfo{
				Size:         64,
				InitialState: native.StateUnknown,
			},
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			_, state := readyDevice(t, DeviceSetup{})

			alloc, err := state.CreateAllocation(testCase.Handle, testCase.Info)
			require.Error(t, err)
			require.Nil(t, alloc)
		})
	}
}

func TestContextSlotAssignment(t *testing.T) {
	_, state := readyDevice(t, DeviceSetup{Options: CreateOptions{BatchesPerContext: 2}})

	var contexts []*Context
	for i := 0; i < MaxContextSlots; i++ {
		ctx := readyContext(t, state, ContextCreateOptions{})
		require.True(t, ctx.HasSlot())
		require.Equal(t, i, ctx.slot)
		contexts = append(contexts, ctx)
	}

	overflow := readyContext(t, state, ContextCreateOptions{})
	require.False(t, overflow.HasSlot())
	require.IsType(t, &hashStateTable{}, overflow.states)
	require.Equal(t, MaxContextSlots+1, state.ContextCount())

	destroyContext(t, contexts[3])
	reused := readyContext(t, state, ContextCreateOptions{})
	require.True(t, reused.HasSlot())
	require.Equal(t, 3, reused.slot)
	require.Equal(t, uint64(2), reused.slotGeneration)
	require.IsType(t, &slotStateTable{}, reused.states)

	noSlot := readyContext(t, state, ContextCreateOptions{Flags: ContextCreateNoSlot})
	require.False(t, noSlot.HasSlot())

	contexts[3] = reused
	contexts = append(contexts, overflow, noSlot)
	for _, ctx := range contexts {
		destroyContext(t, ctx)
	}
	require.Equal(t, 0, state.ContextCount())
	require.NoError(t, state.Destroy())
}

func TestReusedSlotIgnoresStaleEntries(t *testing.T) {
	device, state := readyDevice(t, DeviceSetup{})
	first := readyContext(t, state, ContextCreateOptions{})
	alloc, _ := readyAllocation(t, device, state, AllocationSetup{Name: "texture", Size: 64})

	require.NoError(t, first.RequireState(alloc, WholeResource, native.StateRenderTarget, 0))
	slot := first.slot
	destroyContext(t, first)

	second := readyContext(t, state, ContextCreateOptions{})
	require.Equal(t, slot, second.slot)
	require.Equal(t, native.StateUnknown, second.CurrentState(alloc, 0))

	require.NoError(t, second.RequireState(alloc, WholeResource, native.StatePixelShaderResource, 0))
	require.Empty(t, currentBarriers(second))
	require.NoError(t, second.Flush())
	require.Equal(t, []native.Barrier{
		native.TransitionBarrier(alloc.Handle(), native.AllSubresources, native.StateRenderTarget, native.StatePixelShaderResource),
	}, device.submissions[1].barriers[0])

	destroyContext(t, second)
}

func TestHashStateTableCollectsDestroyedAllocations(t *testing.T) {
	device, state := readyDevice(t, DeviceSetup{})
	ctx := readyContext(t, state, ContextCreateOptions{Flags: ContextCreateNoSlot})
	alloc, resource := readyAllocation(t, device, state, AllocationSetup{Name: "texture", Size: 64})

	require.NoError(t, ctx.RequireState(alloc, WholeResource, native.StateRenderTarget, 0))
	table := ctx.states.(*hashStateTable)
	require.Equal(t, 1, table.Count())

	alloc.Release()
	require.NoError(t, ctx.FlushAndWait())
	require.True(t, resource.Released())
	require.Equal(t, 0, table.Count())

	destroyContext(t, ctx)
}

func TestContextDestroySubmitsOutstandingWork(t *testing.T) {
	device, state := readyDevice(t, DeviceSetup{})
	ctx := readyContext(t, state, ContextCreateOptions{})
	alloc, resource := readyAllocation(t, device, state, AllocationSetup{Name: "texture", Size: 64})

	require.NoError(t, ctx.RequireState(alloc, WholeResource, native.StateRenderTarget, 0))
	require.NoError(t, ctx.RequireState(alloc, WholeResource, native.StatePixelShaderResource, TransitionAccumulate))
	alloc.Release()

	destroyContext(t, ctx)
	require.Len(t, device.submissions, 1)
	require.Equal(t, native.StatePixelShaderResource, alloc.GlobalState(0))
	require.True(t, resource.Released())

	destroyContext(t, ctx)
}

func TestContextValidate(t *testing.T) {
	_, state := readyDevice(t, DeviceSetup{Options: CreateOptions{BatchesPerContext: 3}})
	ctx := readyContext(t, state, ContextCreateOptions{Name: "main"})

	require.Equal(t, "main", ctx.Name())
	require.Same(t, state, ctx.Device())
	require.NoError(t, ctx.Validate())

	for i := 0; i < 5; i++ {
		require.NoError(t, ctx.Flush())
		require.NoError(t, ctx.Validate())
	}
	require.Equal(t, 5%3, ctx.CurrentBatch().Index())
	require.Same(t, ctx, ctx.CurrentBatch().Context())

	previous := ctx.Batches()[0].status
	ctx.Batches()[0].status = BatchRecording
	require.Error(t, ctx.Validate())
	ctx.Batches()[0].status = previous

	destroyContext(t, ctx)
}
