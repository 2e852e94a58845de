package worker

import (
	"context"
	"time"

	"github.com/cephla-io/squid-acquisition/internal/observer"
	"github.com/cephla-io/squid-acquisition/internal/qcpolicy"
	"github.com/cephla-io/squid-acquisition/internal/qcstore"
	"github.com/cephla-io/squid-acquisition/internal/timepoint"
	"github.com/cephla-io/squid-acquisition/internal/types"
)

// runTimepoint drives one timepoint through to `Captured` per spec.md
// §4.E's per-run outline (steps a-d; saving and releasing the Store is
// finalizeTimepoint's job). It never tears down the Machine
// or Store itself: per spec.md §3's Lifecycle, the Machine is destroyed
// "when transitioning out of `Captured`", which only happens once the
// caller (Run) is done letting the operator review/retake the
// completed timepoint and is ready to advance — see awaitCapturedReview
// and finalizeTimepoint. On an error or an abort partway through the
// FOV loop, the timepoint is finalized here instead, since there is no
// Captured state to review.
func (w *Worker) runTimepoint(ctx context.Context, t int) (machine *timepoint.Machine, store *qcstore.Store, err error) {
	planned := w.cfg.PlannedFOVs()
	store = qcstore.New(t)
	machine = timepoint.New(len(planned), w.onTransition(t))

	w.mu.Lock()
	w.machine = machine
	w.store = store
	w.mu.Unlock()

	stop := func(stopErr error) (*timepoint.Machine, *qcstore.Store, error) {
		if ferr := w.finalizeTimepoint(t, machine, store); ferr != nil && stopErr == nil {
			stopErr = ferr
		}
		return machine, store, stopErr
	}

	for _, fov := range planned {
		if w.acqCtx.IsAborted() {
			return stop(nil)
		}

		if machine.IsPauseRequested() {
			state, perr := w.pauseAndWaitForResume(ctx, t, machine, store)
			if perr != nil {
				return stop(perr)
			}
			if w.acqCtx.IsAborted() {
				return stop(nil)
			}
			if state == timepoint.Captured {
				return stop(nil)
			}
		}

		if w.acqCtx.IsAborted() {
			return stop(nil)
		}

		if cerr := w.captureFOV(ctx, fov, t); cerr != nil {
			return stop(cerr)
		}
		machine.MarkFOVCaptured()
		w.publish(observer.Event{Kind: observer.KindFOVCaptured, FOV: fov, Timepoint: t})

		if perr := w.drainResultsIntoStore(store); perr != nil {
			return stop(perr)
		}
	}

	w.runner.Drain()
	if perr := w.drainResultsIntoStore(store); perr != nil {
		return stop(perr)
	}

	decision := w.evaluateAndPublishPolicy(t, store)

	if decision.ShouldPause {
		machine.RequestPause()
		if _, perr := w.pauseAndWaitForResume(ctx, t, machine, store); perr != nil {
			return stop(perr)
		}
		if w.acqCtx.IsAborted() {
			return stop(nil)
		}
		// The operator has resolved the flagged pause, possibly by
		// retaking the flagged FOVs, which changes store's contents.
		// Re-evaluate against the current store rather than leaving
		// lastDecision stuck at ShouldPause=true, which would keep
		// QCGated progression in awaitCapturedReview from ever clearing
		// for a timepoint that was flagged.
		w.evaluateAndPublishPolicy(t, store)
	} else {
		machine.MarkAllCaptured()
	}

	if !w.acqCtx.IsAborted() {
		w.publish(observer.Event{Kind: observer.KindTimepointCaptured, Timepoint: t})
	}
	return machine, store, nil
}

// awaitCapturedReview keeps machine alive in (or returning to) Captured
// while the operator reviews the timepoint and the configured
// progression policy decides when the run may advance. A pause
// requested at any point during this window — the literal spec.md §8
// scenario 3 workflow, "after reaching Captured: pause(), then
// retake([...])" — is handled the same way a mid-loop pause is: drain,
// complete the pause, run any retakes, and wait for resume, before
// progression is reconsidered.
func (w *Worker) awaitCapturedReview(ctx context.Context, t int, machine *timepoint.Machine, store *qcstore.Store) error {
	for {
		if machine.IsPauseRequested() {
			if _, perr := w.pauseAndWaitForResume(ctx, t, machine, store); perr != nil {
				return perr
			}
			if w.acqCtx.IsAborted() {
				return nil
			}
		}

		if w.cfg.ProgressionPolicyValue() == types.ProgressionAuto {
			return nil
		}

		proceeded, perr := w.waitForProceedOrPause(ctx, machine)
		if perr != nil {
			return perr
		}
		if !proceeded {
			continue // a pause arrived while waiting; handle it and re-evaluate
		}

		if w.cfg.ProgressionPolicyValue() == types.ProgressionQCGated {
			w.mu.Lock()
			cleared := !w.lastDecision.ShouldPause
			w.mu.Unlock()
			if !cleared {
				continue
			}
		}
		return nil
	}
}

// finalizeTimepoint drains outstanding jobs, persists the Metrics
// Store, records Z history for the next timepoint's z-diff
// computation, and releases the Machine and Store — the point at
// which spec.md §3's Lifecycle considers the Machine "transitioning
// out of Captured" (or abandoning an in-progress timepoint on error).
// Idempotent per timepoint: called exactly once, from whichever path
// (error, abort, or a completed review) ends the timepoint. A failed
// drain or Save is fatal (spec.md §7) and is returned to the caller;
// the Machine and Store are still released either way.
func (w *Worker) finalizeTimepoint(t int, machine *timepoint.Machine, store *qcstore.Store) error {
	w.runner.Drain()
	drainErr := w.drainResultsIntoStore(store)
	saveErr := w.saveStore(t, store)
	w.recordZHistory(store)

	w.mu.Lock()
	if w.machine == machine {
		w.machine = nil
	}
	if w.store == store {
		w.store = nil
	}
	w.mu.Unlock()

	if drainErr != nil {
		return drainErr
	}
	return saveErr
}

// waitForProceedOrPause blocks until Proceed() is signaled, a pause is
// requested on machine, or ctx is done. Machine's pause flag has no
// native channel to select on, so it is polled on a short interval
// alongside the blocking channels — the same tolerance for a one-off
// timer the Machine's own waitWithTimeout already relies on to bridge
// sync.Cond into a timeout.
func (w *Worker) waitForProceedOrPause(ctx context.Context, machine *timepoint.Machine) (proceeded bool, err error) {
	const pollInterval = 50 * time.Millisecond
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-w.proceedCh:
			return true, nil
		case <-time.After(pollInterval):
			if machine.IsPauseRequested() {
				return false, nil
			}
		}
	}
}

// pauseAndWaitForResume implements the "pause is graceful" contract of
// spec.md §4.B/§4.E: drain outstanding jobs, complete the pause, then
// block for a resume signal. A Retake signal runs the retake
// subroutine and loops back to wait for a further signal, since
// CompleteRetakes always returns to Paused and a genuine Resume is
// still required to leave it (the spec's "continue" in step b reads
// naturally this way: a retake batch does not itself unblock the main
// loop).
func (w *Worker) pauseAndWaitForResume(ctx context.Context, t int, machine *timepoint.Machine, store *qcstore.Store) (timepoint.State, error) {
	w.runner.Drain()
	if err := w.drainResultsIntoStore(store); err != nil {
		return machine.State(), err
	}
	machine.CompletePause()
	w.publish(observer.Event{Kind: observer.KindPaused, Timepoint: t})

	for {
		machine.WaitForResume(0)
		state := machine.State()
		if state == timepoint.Paused && !w.acqCtx.IsAborted() {
			// abort() from Retaking signals resume waiters while the
			// retakes are still running; that leftover signal is not a
			// Resume, so keep waiting.
			continue
		}
		if state != timepoint.Retaking {
			return state, nil
		}
		if err := w.runRetakes(ctx, t, machine, store); err != nil {
			return machine.State(), err
		}
		if w.acqCtx.IsAborted() {
			return machine.State(), nil
		}
	}
}

// runRetakes re-captures the FOVs named by machine's current retake
// list, in the order provided (spec.md §4.E's retake subroutine).
func (w *Worker) runRetakes(ctx context.Context, t int, machine *timepoint.Machine, store *qcstore.Store) error {
	fovs := machine.GetRetakeList()
	w.publish(observer.Event{Kind: observer.KindRetakeStarted, Timepoint: t, RetakeList: fovs})

	for _, fov := range fovs {
		if w.acqCtx.IsAborted() {
			return nil
		}
		// abort() called from Retaking already transitioned the machine
		// back to Paused and cleared the list; stop here but keep the
		// timepoint alive (spec.md §4.E: "stop retakes but keep the
		// timepoint alive").
		if machine.State() != timepoint.Retaking {
			return nil
		}

		if err := w.captureFOV(ctx, fov, t); err != nil {
			return err
		}
		w.publish(observer.Event{Kind: observer.KindRetakeFOVComplete, FOV: fov, Timepoint: t})
	}

	w.runner.Drain()
	if err := w.drainResultsIntoStore(store); err != nil {
		return err
	}

	if machine.State() == timepoint.Retaking {
		machine.CompleteRetakes()
		w.publish(observer.Event{Kind: observer.KindRetakesComplete, Timepoint: t})
	}
	return nil
}

// evaluateAndPublishPolicy runs the QC policy against store's current
// contents, stores the result as lastDecision, and publishes it on the
// observer bus. Called both for the initial post-capture decision and
// again after an operator resolves a QC-triggered pause, since a
// retake in between can change the outcome.
func (w *Worker) evaluateAndPublishPolicy(t int, store *qcstore.Store) qcpolicy.Decision {
	decision := qcpolicy.CheckTimepoint(w.cfg.ToQCPolicyConfig(), store)
	w.mu.Lock()
	w.lastDecision = decision
	w.mu.Unlock()
	w.publish(observer.Event{Kind: observer.KindQCPolicyDecision, Timepoint: t, Decision: decision})
	return decision
}

// onTransition builds the timepoint.TransitionFunc that republishes
// every state change on the observer bus, tagged with t.
func (w *Worker) onTransition(t int) timepoint.TransitionFunc {
	return func(old, new timepoint.State) {
		w.publish(observer.Event{Kind: observer.KindStateTransition, Timepoint: t, OldState: old, NewState: new})
	}
}
