package launcher

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ssuji15/kmerq/internal/job_tracer"
	"github.com/ssuji15/kmerq/internal/service/logger"
)

const localPrefix = "local:"

// RunFunc executes one job to completion.
type RunFunc func(ctx context.Context, jobID string) error

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// InProcessLauncher runs jobs as supervised goroutines of the server.
// Handles do not survive a restart.
type InProcessLauncher struct {
	run RunFunc

	mu    sync.Mutex
	tasks map[string]*task
	wg    sync.WaitGroup
}

func NewInProcessLauncher(run RunFunc) *InProcessLauncher {
	return &InProcessLauncher{run: run, tasks: make(map[string]*task)}
}

func (l *InProcessLauncher) Launch(ctx context.Context, spec Spec) (string, error) {
	handle := localPrefix + uuid.NewString()

	base := job_tracer.RestoreTraceContext(context.Background(), spec.TraceParent)
	base = logger.WithContext(base, logger.FromContext(ctx))
	tctx, cancel := context.WithCancel(base)
	t := &task{cancel: cancel, done: make(chan struct{})}

	l.mu.Lock()
	l.tasks[handle] = t
	l.mu.Unlock()

	log := logger.ForJob(ctx, spec.JobID)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("in-process worker panicked")
			}
			cancel()
			l.mu.Lock()
			delete(l.tasks, handle)
			l.mu.Unlock()
			close(t.done)
		}()
		if err := l.run(tctx, spec.JobID); err != nil {
			log.Warn().Err(err).Msg("in-process worker failed")
		}
	}()

	log.Info().Str("handle", handle).Msg("worker started")
	return handle, nil
}

func (l *InProcessLauncher) Alive(handle string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.tasks[handle]
	return ok
}

// Cancel cancels the task's context. Goroutines cannot be killed, so grace
// only bounds how long a stuck task is logged as lingering.
func (l *InProcessLauncher) Cancel(ctx context.Context, handle string, grace time.Duration) error {
	if !strings.HasPrefix(handle, localPrefix) {
		return fmt.Errorf("%w: %s", ErrUnknownHandle, handle)
	}
	l.mu.Lock()
	t, ok := l.tasks[handle]
	l.mu.Unlock()
	if !ok {
		return nil
	}
	t.cancel()
	go func() {
		select {
		case <-t.done:
		case <-time.After(grace):
			logger.Log.Warn().Str("handle", handle).Msg("in-process worker still running after grace period")
		}
	}()
	return nil
}

// Wait blocks until every launched task has returned.
func (l *InProcessLauncher) Wait() {
	l.wg.Wait()
}

// CancelAll interrupts every running task.
func (l *InProcessLauncher) CancelAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range l.tasks {
		t.cancel()
	}
}
