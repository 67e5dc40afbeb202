package process

import (
	"sync"

	"github.com/kandev/kandev/internal/redact"
	"github.com/kandev/kandev/pkg/agentcli"
)

// ExitResult is what a Handle's exit future yields once the subprocess has
// terminated.
type ExitResult struct {
	ExitCode int
	Signal   string
	Err      error // non-nil only for spawn-time failures
}

// eventQueue is an unbounded, single-producer/single-consumer FIFO of
// events: Process Manager must never drop an event under backpressure, so
// instead of a fixed-capacity channel this buffers in a plain slice behind
// a condition variable, releasing memory once the producer marks it closed
// and the consumer has drained it.
type eventQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []agentcli.Event
	closed bool
}

func newEventQueue() *eventQueue {
	q := &eventQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *eventQueue) push(ev agentcli.Event) {
	q.mu.Lock()
	q.buf = append(q.buf, ev)
	q.mu.Unlock()
	q.cond.Signal()
}

func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// next blocks until an event is available or the queue is closed and
// drained, returning (event, true) or (zero, false) respectively.
func (q *eventQueue) next() (agentcli.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.buf) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.buf) == 0 {
		return agentcli.Event{}, false
	}
	ev := q.buf[0]
	q.buf = q.buf[1:]
	return ev, true
}

// Handle is a live or terminated agent subprocess: its event stream,
// accumulated redacted stderr, and an exit future.
type Handle struct {
	pid int

	events *eventQueue
	exitCh chan ExitResult

	stderrMu  sync.Mutex
	stderrBuf []byte

	stdoutMu  sync.Mutex
	stdoutBuf []byte

	exitOnce   sync.Once
	exitResult ExitResult

	canceled   bool
	canceledMu sync.Mutex
}

// NextEvent returns the next event from the subprocess's stdout, in order,
// blocking until one is available or the stream has ended.
func (h *Handle) NextEvent() (agentcli.Event, bool) {
	return h.events.next()
}

// Stderr returns everything captured on stderr so far, redacted.
func (h *Handle) Stderr() string {
	h.stderrMu.Lock()
	defer h.stderrMu.Unlock()
	return string(h.stderrBuf)
}

func (h *Handle) appendStderr(redacted string) {
	h.stderrMu.Lock()
	h.stderrBuf = append(h.stderrBuf, []byte(redacted)...)
	h.stderrMu.Unlock()
}

// Write appends raw subprocess stdout bytes, letting Handle itself serve as
// the io.TeeReader sink the Manager tees stdout through while it is parsed
// for events, so the raw transcript survives alongside the parsed stream.
func (h *Handle) Write(p []byte) (int, error) {
	h.stdoutMu.Lock()
	h.stdoutBuf = append(h.stdoutBuf, p...)
	h.stdoutMu.Unlock()
	return len(p), nil
}

// Stdout returns everything captured on stdout so far, redacted.
func (h *Handle) Stdout() string {
	h.stdoutMu.Lock()
	defer h.stdoutMu.Unlock()
	return redact.Redact(string(h.stdoutBuf))
}

// Exit blocks until the subprocess terminates and returns its result. The
// manager sends exactly one result and closes the channel; callers after
// the first receive the same zero-cost cached value.
func (h *Handle) Exit() ExitResult {
	h.exitOnce.Do(func() {
		h.exitResult = <-h.exitCh
	})
	return h.exitResult
}

// WasCanceled reports whether Cancel was invoked on this handle.
func (h *Handle) WasCanceled() bool {
	h.canceledMu.Lock()
	defer h.canceledMu.Unlock()
	return h.canceled
}

func (h *Handle) markCanceled() {
	h.canceledMu.Lock()
	h.canceled = true
	h.canceledMu.Unlock()
}
