// Package command implements the at-most-one-active-command discipline a
// half-duplex AT interface requires: submissions queue, one runs at a time,
// and every outcome is delivered to its caller exactly once.
package command

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// ErrQueueFull is returned by Submit when the pending-command channel is
// saturated.
var ErrQueueFull = errors.New("command queue full")

// ErrTimeout is delivered to a Result when a command's deadline elapses
// before Respond is called.
var ErrTimeout = errors.New("command timed out")

// ErrNotIdle is returned by Start when a command is already active.
var ErrNotIdle = errors.New("command tracker is not idle")

// DefaultQueueCap is the default bound on the pending-submission channel.
const DefaultQueueCap = 32

// Default per-request timeouts.
const (
	SendSMSTimeout = 20 * time.Second
	DefaultTimeout = 5 * time.Second
)

// Sequence is a process-global monotonic command identifier. It wraps at the
// 32-bit boundary; this is acceptable because at most one command is ever
// active.
type Sequence uint32

var sequenceCounter uint32

// NextSequence returns the next monotonic Sequence value.
func NextSequence() Sequence {
	return Sequence(atomic.AddUint32(&sequenceCounter, 1))
}

// Request is a single outbound AT command awaiting dispatch.
type Request struct {
	Seq     Sequence
	Text    string
	Payload []byte // optional: written after a '>' prompt
	Timeout time.Duration
}

// Result is the outcome of a dispatched command: either Response is set, or
// Err is set, never both.
type Result struct {
	Seq      Sequence
	Response string
	Err      error
}

// pending couples a Request with the single-use channel its result is
// delivered on.
type pending struct {
	req  Request
	sink chan Result
}

// Tracker enforces the at-most-one-active-command invariant and delivers
// timeouts on a 1-second tick, mirroring the modem state machine's polling
// cadence.
type Tracker struct {
	mu       sync.Mutex
	queue    chan pending
	active   *pending
	deadline time.Time
	signaled bool
}

// New creates a Tracker with the default queue capacity.
func New() *Tracker {
	return NewCap(DefaultQueueCap)
}

// NewCap creates a Tracker with an explicit queue capacity.
func NewCap(cap int) *Tracker {
	if cap <= 0 {
		cap = DefaultQueueCap
	}
	return &Tracker{queue: make(chan pending, cap)}
}

// Submit enqueues a request and returns a channel that will receive exactly
// one Result. If the queue is full, it returns ErrQueueFull immediately
// without blocking.
func (t *Tracker) Submit(req Request) (<-chan Result, error) {
	sink := make(chan Result, 1)
	select {
	case t.queue <- pending{req: req, sink: sink}:
		return sink, nil
	default:
		return nil, ErrQueueFull
	}
}

// Dequeue blocks (respecting ctx) until a queued request is available, then
// calls Start on it and returns the request so the caller can write it to
// the serial port.
func (t *Tracker) Dequeue(ctx context.Context) (Request, error) {
	select {
	case p := <-t.queue:
		if err := t.start(p); err != nil {
			// Not idle: requeue at the front is not possible with a plain
			// channel, so push to the back and surface the error.
			t.queue <- p
			return Request{}, err
		}
		return p.req, nil
	case <-ctx.Done():
		return Request{}, ctx.Err()
	}
}

func (t *Tracker) start(p pending) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active != nil {
		return ErrNotIdle
	}
	timeout := p.req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	t.active = &p
	t.deadline = time.Now().Add(timeout)
	t.signaled = false
	return nil
}

// Active reports whether a command is currently in flight.
func (t *Tracker) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active != nil
}

// ActiveSequence returns the sequence of the in-flight command, if any.
func (t *Tracker) ActiveSequence() (Sequence, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active == nil {
		return 0, false
	}
	return t.active.req.Seq, true
}

// Respond signals the active command's result sink exactly once and returns
// the tracker to idle. A second call for the same command (e.g. a racing
// timeout and a late response) is a no-op.
func (t *Tracker) Respond(result Result) {
	t.mu.Lock()
	if t.active == nil || t.signaled {
		t.mu.Unlock()
		return
	}
	sink := t.active.sink
	t.signaled = true
	t.active = nil
	t.mu.Unlock()

	result.Seq = resultSeqOrZero(result)
	select {
	case sink <- result:
	default:
	}
	close(sink)
}

func resultSeqOrZero(r Result) Sequence {
	return r.Seq
}

// FailAll fails the active command (if any) and drains every queued
// command, delivering err to each. Used when the modem worker enters
// ShuttingDown.
func (t *Tracker) FailAll(err error) {
	t.Abort(err)
	for {
		select {
		case p := <-t.queue:
			select {
			case p.sink <- Result{Seq: p.req.Seq, Err: err}:
			default:
			}
			close(p.sink)
		default:
			return
		}
	}
}

// Tick checks the active command's deadline against now and, if elapsed,
// delivers ErrTimeout and returns to idle. Intended to be called once per
// second from the owning event loop.
func (t *Tracker) Tick(now time.Time) {
	t.mu.Lock()
	if t.active == nil || t.signaled || now.Before(t.deadline) {
		t.mu.Unlock()
		return
	}
	seq := t.active.req.Seq
	sink := t.active.sink
	t.signaled = true
	t.active = nil
	t.mu.Unlock()

	select {
	case sink <- Result{Seq: seq, Err: ErrTimeout}:
	default:
	}
	close(sink)
}

// Abort forcibly fails the active command with err, used when the state
// machine detects a protocol violation. No-op if nothing is active.
func (t *Tracker) Abort(err error) {
	t.mu.Lock()
	if t.active == nil || t.signaled {
		t.mu.Unlock()
		return
	}
	seq := t.active.req.Seq
	sink := t.active.sink
	t.signaled = true
	t.active = nil
	t.mu.Unlock()

	select {
	case sink <- Result{Seq: seq, Err: err}:
	default:
	}
	close(sink)
}
