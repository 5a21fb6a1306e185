// Package timer provides the cancelable single-shot timer used to drive
// T1 (outstanding I-frame) and T3 (idle keepalive) in the session package.
//
// It wraps time.AfterFunc with a small state machine (stopped, running,
// expired) and a generation counter so that a Stop racing a natural
// expiry resolves deterministically instead of double-firing the
// callback.
package timer

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrAlreadyRunning signals Start called on a RUNNING timer.
var ErrAlreadyRunning = errors.New("ax25link: timer already running")

// ErrAlreadyStopped signals Stop called on a STOPPED timer.
var ErrAlreadyStopped = errors.New("ax25link: timer already stopped")

// ErrRunning signals a timeout mutation while RUNNING.
var ErrRunning = errors.New("ax25link: cannot change timeout while running")

// State is the timer's life cycle position.
type State uint8

const (
	Stopped State = iota
	Running
	Expired
)

// String names the state.
func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Running:
		return "running"
	case Expired:
		return "expired"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Result tells a Callback why it fired.
type Result uint8

const (
	// ExpiredResult means the timeout elapsed without a Stop.
	ExpiredResult Result = iota
	// Cancelled means Stop interrupted a RUNNING timer before expiry.
	Cancelled
)

// String names the result.
func (r Result) String() string {
	switch r {
	case ExpiredResult:
		return "expired"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("result(%d)", uint8(r))
	}
}

// Callback is invoked exactly once per Start, either on natural expiry or
// on Stop. It must not block for long; the Connection FSM that owns most
// Timer instances runs its sweep on the caller's goroutine.
type Callback func(Result)

// Timer is a cancelable, single-shot timer. The zero value is not usable;
// construct with New. Safe for concurrent use.
type Timer struct {
	mu       sync.Mutex
	timeout  time.Duration
	callback Callback
	state    State
	inner    *time.Timer
	gen      uint64 // distinguishes overlapping Start/Stop races
}

// New returns a Stopped Timer with the given default timeout and callback.
func New(timeout time.Duration, callback Callback) *Timer {
	return &Timer{timeout: timeout, callback: callback, state: Stopped}
}

// State returns the current life cycle position.
func (t *Timer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Timeout returns the configured duration.
func (t *Timer) Timeout() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timeout
}

// SetTimeout changes the duration. It is an error to call this while
// Running.
func (t *Timer) SetTimeout(d time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Running {
		return ErrRunning
	}
	t.timeout = d
	return nil
}

// Start arms the timer. It is an error to call this on a Running timer.
func (t *Timer) Start() error {
	t.mu.Lock()
	if t.state == Running {
		t.mu.Unlock()
		return ErrAlreadyRunning
	}
	t.state = Running
	t.gen++
	gen := t.gen
	t.inner = time.AfterFunc(t.timeout, func() { t.fire(gen, ExpiredResult) })
	t.mu.Unlock()
	return nil
}

// Restart stops the timer if Running (discarding its Cancelled callback)
// and starts it again. This is the common "reset on activity" operation
// for T1/T3 and never itself invokes the callback.
func (t *Timer) Restart() error {
	t.mu.Lock()
	if t.state == Running {
		t.inner.Stop()
		t.gen++ // orphan the pending callback; it must not fire
	}
	t.state = Running
	t.gen++
	gen := t.gen
	t.inner = time.AfterFunc(t.timeout, func() { t.fire(gen, ExpiredResult) })
	t.mu.Unlock()
	return nil
}

// Stop disarms a Running timer, invoking the callback with Cancelled
// before returning. It is an error to call this on a Stopped timer.
func (t *Timer) Stop() error {
	t.mu.Lock()
	if t.state != Running {
		t.mu.Unlock()
		return ErrAlreadyStopped
	}
	t.inner.Stop()
	t.state = Stopped
	t.gen++ // orphan the race with a concurrent natural expiry
	cb := t.callback
	t.mu.Unlock()

	if cb != nil {
		cb(Cancelled)
	}
	return nil
}

// fire runs the expiry callback unless the timer has moved on (stopped,
// restarted, or already fired) since this particular AfterFunc was armed.
// The generation counter, mutated only while t.mu is held, is what makes
// expiry-vs-cancel races resolve deterministically: whichever side wins
// the lock first and bumps gen is the one whose outcome sticks.
func (t *Timer) fire(gen uint64, result Result) {
	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.state = Expired
	cb := t.callback
	t.mu.Unlock()

	if cb != nil {
		cb(result)
	}
}
