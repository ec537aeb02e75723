package launcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ssuji15/kmerq/internal/job_tracer"
	"github.com/ssuji15/kmerq/internal/service/logger"
	"github.com/ssuji15/kmerq/internal/util"
	"go.opentelemetry.io/otel/attribute"
)

const pidPrefix = "pid:"

// ProcessLauncher runs every job in its own worker process:
//
//	<binary> --job-id <id>
//
// Each worker leads its own process group so signals reach anything it
// spawned. Children are reaped by a waiting goroutine.
type ProcessLauncher struct {
	binary string
	logDir string

	mu       sync.Mutex
	children map[int]chan struct{}
}

func NewProcessLauncher(binary, logDir string) (*ProcessLauncher, error) {
	if logDir != "" {
		if err := util.EnsureDirExist(logDir); err != nil {
			return nil, err
		}
	}
	return &ProcessLauncher{
		binary:   binary,
		logDir:   logDir,
		children: make(map[int]chan struct{}),
	}, nil
}

func (l *ProcessLauncher) Launch(ctx context.Context, spec Spec) (string, error) {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Launcher/Process")
	defer span.End()
	span.SetAttributes(attribute.String("id", spec.JobID))

	cmd := exec.Command(l.binary, "--job-id", spec.JobID)
	cmd.Env = os.Environ()
	if spec.TraceParent != "" {
		cmd.Env = append(cmd.Env, TraceParentEnv+"="+spec.TraceParent)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var out io.WriteCloser
	if l.logDir != "" {
		f, err := os.OpenFile(util.GetWorkerLogPath(l.logDir, spec.JobID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			util.RecordSpanError(span, err)
			return "", fmt.Errorf("failed to open worker log: %w", err)
		}
		out = f
		cmd.Stdout = f
		cmd.Stderr = f
	} else {
		cmd.Stdout = os.Stderr
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		if out != nil {
			out.Close()
		}
		util.RecordSpanError(span, err)
		return "", fmt.Errorf("failed to start worker: %w", err)
	}

	pid := cmd.Process.Pid
	done := make(chan struct{})
	l.mu.Lock()
	l.children[pid] = done
	l.mu.Unlock()

	log := logger.ForJob(ctx, spec.JobID)
	go func() {
		err := cmd.Wait()
		if out != nil {
			out.Close()
		}
		l.mu.Lock()
		delete(l.children, pid)
		l.mu.Unlock()
		close(done)
		if err != nil {
			log.Warn().Err(err).Int("pid", pid).Msg("worker exited")
			return
		}
		log.Debug().Int("pid", pid).Msg("worker exited")
	}()

	log.Info().Int("pid", pid).Msg("worker started")
	return formatHandle(pid, procStartTime(pid)), nil
}

// formatHandle encodes pid and, when known, the process start time so a
// reused pid is not mistaken for the worker: pid:<pid>[:<start>].
func formatHandle(pid int, start uint64) string {
	h := pidPrefix + strconv.Itoa(pid)
	if start > 0 {
		h += ":" + strconv.FormatUint(start, 10)
	}
	return h
}

func parseHandle(handle string) (int, uint64, error) {
	s, ok := strings.CutPrefix(handle, pidPrefix)
	if !ok {
		return 0, 0, fmt.Errorf("%w: %s", ErrUnknownHandle, handle)
	}
	ps, ss, hasStart := strings.Cut(s, ":")
	pid, err := strconv.Atoi(ps)
	if err != nil || pid <= 0 {
		return 0, 0, fmt.Errorf("%w: %s", ErrUnknownHandle, handle)
	}
	var start uint64
	if hasStart {
		start, err = strconv.ParseUint(ss, 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("%w: %s", ErrUnknownHandle, handle)
		}
	}
	return pid, start, nil
}

// procStartTime reads field 22 of /proc/<pid>/stat (start time in clock
// ticks since boot). It returns 0 when unavailable.
func procStartTime(pid int) uint64 {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return 0
	}
	// the command name may contain spaces and parentheses
	i := bytes.LastIndexByte(b, ')')
	if i < 0 {
		return 0
	}
	fields := strings.Fields(string(b[i+1:]))
	// fields[0] is field 3 (state)
	if len(fields) < 20 {
		return 0
	}
	start, err := strconv.ParseUint(fields[19], 10, 64)
	if err != nil {
		return 0
	}
	return start
}

// isWorker reports whether pid is still the worker the handle was issued
// for: it leads its own process group and, when recorded, started at the
// same time.
func isWorker(pid int, start uint64) bool {
	pgid, err := syscall.Getpgid(pid)
	if err != nil || pgid != pid {
		return false
	}
	if start == 0 {
		return true
	}
	return procStartTime(pid) == start
}

func (l *ProcessLauncher) child(pid int) (chan struct{}, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	done, ok := l.children[pid]
	return done, ok
}

// Alive reports whether the worker behind handle is still running. Workers
// started by an earlier server are matched by process group and start time.
func (l *ProcessLauncher) Alive(handle string) bool {
	pid, start, err := parseHandle(handle)
	if err != nil {
		return false
	}
	if _, ours := l.child(pid); ours {
		return true
	}
	return isWorker(pid, start)
}

// Cancel sends SIGTERM to the worker's process group and SIGKILL after
// grace. A handle whose process is gone or no longer the worker is a no-op.
func (l *ProcessLauncher) Cancel(ctx context.Context, handle string, grace time.Duration) error {
	pid, start, err := parseHandle(handle)
	if err != nil {
		return err
	}
	done, ours := l.child(pid)
	if !ours && !isWorker(pid, start) {
		return nil
	}
	if err := signalGroup(pid, syscall.SIGTERM); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return fmt.Errorf("failed to signal worker %d: %w", pid, err)
	}

	go l.escalate(pid, start, done, grace)
	return nil
}

func (l *ProcessLauncher) escalate(pid int, start uint64, done chan struct{}, grace time.Duration) {
	if done != nil {
		select {
		case <-done:
			return
		case <-time.After(grace):
		}
	} else {
		deadline := time.Now().Add(grace)
		for time.Now().Before(deadline) {
			if !isWorker(pid, start) {
				return
			}
			time.Sleep(50 * time.Millisecond)
		}
		if !isWorker(pid, start) {
			return
		}
	}
	if err := signalGroup(pid, syscall.SIGKILL); err == nil {
		logger.Log.Warn().Int("pid", pid).Msg("worker killed after grace period")
	}
}

// signalGroup signals the worker's process group only; workers always run
// with Setpgid.
func signalGroup(pid int, sig syscall.Signal) error {
	return syscall.Kill(-pid, sig)
}
