package errorutil

import "errors"

// ErrDataIntegrity is a base error type to use for failures that are due to
// unrecoverable data integrity issues.
var ErrDataIntegrity = errors.New("data integrity error")

// ErrNotFound represents situations in which the requested frame, track or
// object is not available anymore.
var ErrNotFound = errors.New("not found")

// ErrCapacityExhausted is returned when a fixed-size buffer (event buffer,
// query heap, scratch memory, depth stack) can't hold another entry. The
// excess entry is dropped and recording continues.
var ErrCapacityExhausted = errors.New("capacity exhausted")

// ErrUsage is a contract violation by the caller, like an EndEvent without a
// matching BeginEvent or an unterminated region at submission.
var ErrUsage = errors.New("usage contract violation")

// ErrBackend wraps failures coming from the GPU backend or the swapchain.
var ErrBackend = errors.New("backend failure")

// ErrPipelineBacklog is reported when the GPU is more than the configured
// frame latency behind and the frame thread has to wait on the fence.
var ErrPipelineBacklog = errors.New("gpu readback backlog")
