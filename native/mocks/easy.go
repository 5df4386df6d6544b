package mocks

import "go.uber.org/mock/gomock"

// EasyMockResource returns a MockResource that accepts any number of AddRef and Release calls
func EasyMockResource(ctrl *gomock.Controller) *MockResource {
	resource := NewMockResource(ctrl)
	resource.EXPECT().AddRef().AnyTimes()
	resource.EXPECT().Release().AnyTimes()

	return resource
}

// EasyMockQueryHeap returns a MockQueryHeap that accepts any number of AddRef and Release calls
func EasyMockQueryHeap(ctrl *gomock.Controller) *MockQueryHeap {
	heap := NewMockQueryHeap(ctrl)
	heap.EXPECT().AddRef().AnyTimes()
	heap.EXPECT().Release().AnyTimes()

	return heap
}

// EasyMockCommandAllocator returns a MockCommandAllocator whose Reset always succeeds
func EasyMockCommandAllocator(ctrl *gomock.Controller) *MockCommandAllocator {
	allocator := NewMockCommandAllocator(ctrl)
	allocator.EXPECT().Reset().Return(nil).AnyTimes()
	allocator.EXPECT().Release().AnyTimes()

	return allocator
}
