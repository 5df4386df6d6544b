package gpusync

import "github.com/cockroachdb/errors"

var (
	// ErrBatchHasErrors is returned when recording into or submitting a batch that has
	// already suffered a native failure. The batch must be reset before it can be used again.
	ErrBatchHasErrors = errors.New("batch has errors")
	// ErrBatchNotRecording is returned when an operation requires a batch in the recording state
	ErrBatchNotRecording = errors.New("batch is not recording")
	// ErrWaitTimeout is returned when a fence wait with a bounded timeout did not complete
	ErrWaitTimeout = errors.New("timed out waiting for fence")
	// ErrUnclassifiableState is returned by RequireState when the target state cannot be resolved
	// to a single read or write state
	ErrUnclassifiableState = errors.New("state cannot be classified as a read or a write state")
	// ErrInvalidSubresourceRange is returned when a subresource range does not fit the allocation
	ErrInvalidSubresourceRange = errors.New("invalid subresource range")
	// ErrContextDestroyed is returned from operations on a destroyed context
	ErrContextDestroyed = errors.New("context has been destroyed")
)
