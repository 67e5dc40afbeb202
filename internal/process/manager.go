// Package process spawns agent subprocesses, wires their stdio into the
// event parser, enforces the global concurrency ceiling, and supports
// cooperative-then-forceful cancellation. Grounded on the codebase's own
// agent process manager: same pipes-before-start ordering, same status
// model, same process-group signal escalation — adapted from a long-lived
// interactive session to a one-shot batch subprocess.
package process

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kandev/kandev/internal/eventstream"
	"github.com/kandev/kandev/internal/opserr"
	"github.com/kandev/kandev/internal/redact"
)

// SpawnRequest describes an agent subprocess invocation.
type SpawnRequest struct {
	Argv []string
	Cwd  string
	// Env, when nil, inherits the current process environment, per spec
	// §4.4 ("the subprocess environment inherits the current process
	// environment so credentials set externally propagate").
	Env []string
}

// Manager spawns and supervises agent subprocesses under a global
// concurrency ceiling.
type Manager struct {
	sem         *semaphore.Weighted
	gracePeriod time.Duration
}

// NewManager builds a Manager whose concurrency ceiling is maxConcurrency
// (CODEX_MAX_CONCURRENCY) and whose cancel grace period (SIGTERM -> SIGKILL)
// is gracePeriod.
func NewManager(maxConcurrency int, gracePeriod time.Duration) *Manager {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	return &Manager{
		sem:         semaphore.NewWeighted(int64(maxConcurrency)),
		gracePeriod: gracePeriod,
	}
}

// Acquire blocks until a concurrency slot is free (FIFO admission order,
// guaranteed by semaphore.Weighted) or ctx is done. Callers must call the
// returned release func exactly once, regardless of outcome.
func (m *Manager) Acquire(ctx context.Context) (release func(), err error) {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(func() { m.sem.Release(1) }) }, nil
}

// Spawn starts the agent subprocess described by req. The caller must have
// already called Acquire; Spawn does not itself gate on the semaphore so
// that admission (pending->working) and process start can be observed as
// distinct steps by the executor.
//
// On spawn failure (executable missing, permission denied) a *Handle is
// still returned with its exit future already resolved to a spawn-kind
// error, matching §4.4's "handle transitions to a failed terminal state
// with the OS error surfaced unchanged".
func (m *Manager) Spawn(req SpawnRequest) (*Handle, error) {
	cmd := exec.Command(req.Argv[0], req.Argv[1:]...)
	cmd.Dir = req.Cwd
	cmd.Env = req.Env // nil means inherit, matching exec.Cmd's own semantics
	setProcGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, opserr.Wrap(opserr.KindSpawn, "create stdout pipe", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, opserr.Wrap(opserr.KindSpawn, "create stderr pipe", err)
	}

	if err := cmd.Start(); err != nil {
		h := &Handle{events: newEventQueue(), exitCh: make(chan ExitResult, 1)}
		h.events.close()
		h.exitCh <- ExitResult{ExitCode: -1, Err: opserr.Wrap(opserr.KindSpawn, "start agent process", err)}
		return h, nil
	}

	h := &Handle{
		pid:    cmd.Process.Pid,
		events: newEventQueue(),
		exitCh: make(chan ExitResult, 1),
	}

	go readEvents(h, stdout)
	go readStderr(h, stderrPipe)
	go waitForExit(h, cmd)

	return h, nil
}

func readEvents(h *Handle, stdout io.Reader) {
	// Tee the raw bytes into the Handle as they're read by the event parser,
	// so LocalResult.Stdout can later report the full transcript without a
	// second read of the pipe.
	p := eventstream.New(io.TeeReader(stdout, h))
	for {
		ev, ok := p.Next()
		if !ok {
			break
		}
		h.events.push(*ev)
	}
	h.events.close()
}

func readStderr(h *Handle, stderrPipe io.Reader) {
	scanner := bufio.NewScanner(stderrPipe)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		h.appendStderr(redact.Redact(line) + "\n")
	}
}

func waitForExit(h *Handle, cmd *exec.Cmd) {
	err := cmd.Wait()
	result := ExitResult{}
	if err == nil {
		result.ExitCode = 0
	} else if exitErr, ok := err.(*exec.ExitError); ok {
		result.ExitCode = exitErr.ExitCode()
		result.Signal = exitSignal(exitErr)
	} else {
		result.ExitCode = -1
		result.Err = opserr.Wrap(opserr.KindSpawn, "wait for agent process", err)
	}
	h.exitCh <- result
}

// Cancel sends SIGTERM to the subprocess's process group and, if it has
// not exited within the Manager's grace period, escalates to SIGKILL. It
// returns once the signal(s) have been sent; callers should still await
// Handle.Exit() for the final result.
func (m *Manager) Cancel(h *Handle) {
	h.markCanceled()
	if h.pid == 0 {
		return // spawn never succeeded; nothing to signal
	}

	_ = signalProcessGroup(h.pid, syscall.SIGTERM)

	go func() {
		timer := time.NewTimer(m.gracePeriod)
		defer timer.Stop()
		select {
		case <-timer.C:
			_ = signalProcessGroup(h.pid, syscall.SIGKILL)
		case <-exitedSignal(h):
		}
	}()
}

// exitedSignal returns a channel closed once h's process has exited,
// without consuming the one value Handle.Exit() itself reads.
func exitedSignal(h *Handle) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		h.Exit()
		close(done)
	}()
	return done
}
