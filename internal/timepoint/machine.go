// Package timepoint implements the Timepoint State Machine (spec.md
// §4.B): pause/resume/retake control within one timepoint.
//
// Grounded directly on original_source's
// control/core/state_machine.py (TimepointStateMachine), translated
// from Python's threading.Lock + threading.Event pair into the
// mutex + sync.Cond idiom the teacher uses for its own blocking
// mailboxes (modules/framesupplier/internal/worker_slot.go).
package timepoint

import (
	"sync"
	"time"

	"github.com/cephla-io/squid-acquisition/internal/types"
)

// TransitionFunc is called after every state change. It runs on its own
// goroutine, outside the Machine's lock, mirroring the daemon-thread
// dispatch in state_machine.py's _notify_state_changed — so observers
// can never deadlock the state machine, and a slow observer only delays
// its own notification, never the caller.
type TransitionFunc func(old, new State)

// Machine is the thread-safe, one-per-timepoint state machine described
// by spec.md §4.B. It holds one lock plus two condition variables: one
// signaled when a pause is requested (woken by the worker's
// WaitForPause), one signaled on resume/retake/abort-from-retaking
// (woken by the worker's WaitForResume).
type Machine struct {
	mu         sync.Mutex
	pauseCond  *sync.Cond
	resumeCond *sync.Cond

	state          State
	totalFOVs      int
	fovsRemaining  int
	pauseRequested bool
	resumeSignaled bool
	retakeList     []types.FOVID

	onTransition TransitionFunc
}

// New constructs a Machine for a timepoint with totalFOVs planned
// captures, starting in the Acquiring state (spec.md §3: "Initial:
// Acquiring").
func New(totalFOVs int, onTransition TransitionFunc) *Machine {
	m := &Machine{
		state:         Acquiring,
		totalFOVs:     totalFOVs,
		fovsRemaining: totalFOVs,
		onTransition:  onTransition,
	}
	m.pauseCond = sync.NewCond(&m.mu)
	m.resumeCond = sync.NewCond(&m.mu)
	return m
}

// State returns a snapshot of the current variant.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// FOVsRemaining returns a nonneg snapshot of outstanding FOVs.
func (m *Machine) FOVsRemaining() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fovsRemaining
}

// TotalFOVs returns the fixed FOV count this Machine was constructed
// with.
func (m *Machine) TotalFOVs() int {
	return m.totalFOVs
}

// transitionTo sets the new state and dispatches onTransition on its own
// goroutine if the state actually changed. Must be called with mu held;
// it reads state under the lock but fires outside it.
func (m *Machine) transitionTo(newState State) {
	old := m.state
	m.state = newState
	if m.onTransition != nil && old != newState {
		cb := m.onTransition
		go cb(old, newState)
	}
}

// RequestPause asks the worker to pause at the next FOV boundary.
// Accepted only from Acquiring or Captured; idempotent; never itself
// changes state. Returns whether the request was accepted.
func (m *Machine) RequestPause() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != Acquiring && m.state != Captured {
		return false
	}
	m.pauseRequested = true
	m.pauseCond.Broadcast()
	return true
}

// IsPauseRequested reports whether a pause has been requested but not
// yet completed.
func (m *Machine) IsPauseRequested() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pauseRequested
}

// WaitForPause blocks the caller until the pause flag is set or timeout
// elapses. A zero or negative timeout blocks indefinitely. Returns true
// if a pause is pending, false on timeout.
func (m *Machine) WaitForPause(timeout time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pauseRequested {
		return true
	}
	return waitWithTimeout(&m.mu, m.pauseCond, timeout, func() bool { return m.pauseRequested })
}

// CompletePause atomically transitions to Paused iff the pause flag is
// set, clearing the flag. This is the only entry into Paused apart from
// CompleteRetakes and abort-from-Retaking. Returns whether the
// transition occurred.
func (m *Machine) CompletePause() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.pauseRequested {
		return false
	}
	m.pauseRequested = false
	m.transitionTo(Paused)
	return true
}

// Resume transitions out of Paused: to Acquiring if FOVs remain,
// otherwise to Captured. Valid only from Paused. Wakes any worker
// blocked in WaitForResume.
func (m *Machine) Resume() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != Paused {
		return false
	}
	if m.fovsRemaining > 0 {
		m.transitionTo(Acquiring)
	} else {
		m.transitionTo(Captured)
	}
	m.signalResumeLocked()
	return true
}

// Retake atomically stores fovs as the current retake list and
// transitions to Retaking. Valid only from Paused and with a non-empty
// fovs. Wakes any worker blocked in WaitForResume.
func (m *Machine) Retake(fovs []types.FOVID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != Paused || len(fovs) == 0 {
		return false
	}
	m.retakeList = append([]types.FOVID(nil), fovs...)
	m.transitionTo(Retaking)
	m.signalResumeLocked()
	return true
}

// GetRetakeList returns a snapshot copy of the current retake list.
func (m *Machine) GetRetakeList() []types.FOVID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.FOVID(nil), m.retakeList...)
}

// CompleteRetakes clears the retake list and transitions back to
// Paused. Valid only from Retaking.
func (m *Machine) CompleteRetakes() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != Retaking {
		return false
	}
	m.retakeList = nil
	m.transitionTo(Paused)
	return true
}

// MarkFOVCaptured decrements fovsRemaining, saturating at 0. It has no
// state-transition effect.
func (m *Machine) MarkFOVCaptured() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fovsRemaining > 0 {
		m.fovsRemaining--
	}
}

// MarkAllCaptured transitions to Captured. Valid only from Acquiring.
func (m *Machine) MarkAllCaptured() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != Acquiring {
		return false
	}
	m.transitionTo(Captured)
	return true
}

// Abort handles an abort request. From Retaking it clears the retake
// list, returns to Paused, and reports abortWholeRun=false (only the
// retake is cancelled, the timepoint survives). From any other state it
// reports accepted=true, abortWholeRun=true and leaves state untouched
// — the caller (the Worker) is responsible for propagating the abort to
// the Context and unwinding its own loop.
func (m *Machine) Abort() (accepted, abortWholeRun bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == Retaking {
		m.retakeList = nil
		m.transitionTo(Paused)
		m.signalResumeLocked()
		return true, false
	}
	return true, true
}

// signalResumeLocked wakes exactly one generation of WaitForResume
// callers. Must be called with mu held.
func (m *Machine) signalResumeLocked() {
	m.resumeSignaled = true
	m.resumeCond.Broadcast()
}

// WaitForResume blocks the caller until Resume, Retake, or
// abort-from-Retaking signals it, or timeout elapses. A zero or
// negative timeout blocks indefinitely. Returns true if signaled, false
// on timeout. The signal is consumed (cleared) on return so a later
// wait is not spuriously satisfied by a stale signal.
func (m *Machine) WaitForResume(timeout time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ok := waitWithTimeout(&m.mu, m.resumeCond, timeout, func() bool { return m.resumeSignaled })
	m.resumeSignaled = false
	return ok
}

// waitWithTimeout blocks on cond until cond.Wait wakes it and condFn
// becomes true, or timeout elapses. Must be called with mu already
// held; cond must be built on the same mutex. A non-positive timeout
// waits indefinitely.
//
// sync.Cond has no native timeout, so a timer goroutine broadcasts the
// condition variable when the deadline passes; the predicate check
// after each wake distinguishes a real signal from a timeout wake.
func waitWithTimeout(mu *sync.Mutex, cond *sync.Cond, timeout time.Duration, condFn func() bool) bool {
	if timeout <= 0 {
		for !condFn() {
			cond.Wait()
		}
		return true
	}

	deadline := time.Now().Add(timeout)
	timedOut := false

	stop := make(chan struct{})
	go func() {
		select {
		case <-time.After(timeout):
			mu.Lock()
			timedOut = true
			cond.Broadcast()
			mu.Unlock()
		case <-stop:
		}
	}()
	defer close(stop)

	for !condFn() {
		if timedOut || time.Now().After(deadline) {
			return condFn()
		}
		cond.Wait()
	}
	return true
}
