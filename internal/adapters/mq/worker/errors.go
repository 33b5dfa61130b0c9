package worker

import "errors"

// ErrPanic wraps a panic recovered from one processing run.
var ErrPanic = errors.New("worker: processing panicked")
