package launcher

import (
	"context"
	"errors"
	"time"
)

// TraceParentEnv carries the submitting request's trace into a worker process.
const TraceParentEnv = "KMERQ_TRACEPARENT"

var ErrUnknownHandle = errors.New("unknown worker handle")

// Spec describes one worker to start.
type Spec struct {
	JobID       string
	TraceParent string
}

// WorkerLauncher starts one worker per job and lets the server signal or
// probe it later through an opaque handle.
type WorkerLauncher interface {
	Launch(ctx context.Context, spec Spec) (string, error)
	// Cancel asks the worker to stop and force-stops it once grace elapses.
	// It returns once the request has been delivered.
	Cancel(ctx context.Context, handle string, grace time.Duration) error
	Alive(handle string) bool
}
