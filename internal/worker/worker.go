// Package worker implements the Acquisition Worker (spec.md §4.E): the
// per-FOV loop that mediates between the hardware interface, the
// Timepoint State Machine, the Job Runner, and the Metrics Store.
//
// Grounded on the teacher's
// References/orion-prototipe/internal/core/orion.go orchestration shape
// (a single owning struct with Run/Shutdown and an internal
// watchWorkers-style loop), adapted from a frame-inference pipeline to
// a capture-and-QC pipeline.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/cephla-io/squid-acquisition/internal/acqcontext"
	"github.com/cephla-io/squid-acquisition/internal/config"
	acqerrors "github.com/cephla-io/squid-acquisition/internal/errors"
	"github.com/cephla-io/squid-acquisition/internal/hardware"
	"github.com/cephla-io/squid-acquisition/internal/jobrunner"
	"github.com/cephla-io/squid-acquisition/internal/observer"
	"github.com/cephla-io/squid-acquisition/internal/qcpolicy"
	"github.com/cephla-io/squid-acquisition/internal/qcstore"
	"github.com/cephla-io/squid-acquisition/internal/timepoint"
	"github.com/cephla-io/squid-acquisition/internal/types"
)

// AutofocusHook, if set, runs before each FOV's capture and may adjust
// the hardware's focus before TriggerCapture. It is the supplemented
// feature named in SPEC_FULL.md §5.3 — not a new component, purely a
// Worker-owned extension point that delegates to the Hardware
// interface.
type AutofocusHook func(ctx context.Context, hw hardware.Interface, fov types.FOVID) error

// Worker owns one run of the Acquisition Control Core: it constructs a
// Context, then drives one Timepoint State Machine and Metrics Store
// per timepoint until the Context reports Done.
type Worker struct {
	cfg *config.Config
	hw  hardware.Interface
	bus *observer.Bus

	runner *jobrunner.Runner

	autofocus AutofocusHook

	mu           sync.Mutex
	acqCtx       *acqcontext.Context
	machine      *timepoint.Machine
	store        *qcstore.Store
	lastDecision qcpolicy.Decision
	lastZByFOV   map[types.FOVID]float64 // previous timepoint's absolute Z per FOV, for z-diff
	positions    map[types.FOVID]types.StagePosition
	proceedCh    chan struct{}
}

// SetPosition records the stage position the Worker commands before
// capturing fov. Plate geometry is out of scope (spec.md §1); callers
// (typically a geometry-aware planner) populate this before Run.
func (w *Worker) SetPosition(fov types.FOVID, pos types.StagePosition) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.positions[fov] = pos
}

func (w *Worker) positionFor(fov types.FOVID) types.StagePosition {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.positions[fov]
}

// New constructs a Worker for cfg, driving hw and publishing events on
// bus. The Job Runner is constructed from cfg's job_runner/backpressure
// blocks.
func New(cfg *config.Config, hw hardware.Interface, bus *observer.Bus, autofocus AutofocusHook) *Worker {
	return &Worker{
		cfg:       cfg,
		hw:        hw,
		bus:       bus,
		runner:    jobrunner.New(cfg.ToJobRunnerConfig()),
		autofocus: autofocus,
		acqCtx:    acqcontext.New(cfg.TotalTimepoints, cfg.ProgressionPolicyValue()),
		positions: make(map[types.FOVID]types.StagePosition),
		lastZByFOV: make(map[types.FOVID]float64),
		proceedCh: make(chan struct{}, 1),
	}
}

// Run drives the full multi-timepoint loop described by spec.md §4.E's
// per-run outline until the Context reports Done or ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	defer w.runner.Shutdown()

	for !w.acqCtx.Done() {
		if ctx.Err() != nil {
			w.acqCtx.RequestAbort()
			return ctx.Err()
		}

		t := w.acqCtx.CurrentTimepoint()
		machine, store, err := w.runTimepoint(ctx, t)
		if err != nil {
			return err
		}

		if w.acqCtx.IsAborted() {
			break
		}

		// The Machine (and its Store) stay alive through this review
		// window so a pause/retake arriving while Captured is still
		// honored (spec.md §3 Lifecycle, §8 scenario 3) before the
		// timepoint is finalized and the run advances.
		reviewErr := w.awaitCapturedReview(ctx, t, machine, store)
		if ferr := w.finalizeTimepoint(t, machine, store); ferr != nil && reviewErr == nil {
			reviewErr = ferr
		}
		if reviewErr != nil {
			return reviewErr
		}

		if w.acqCtx.IsAborted() {
			break
		}
		w.acqCtx.Advance()
	}
	return nil
}

// Pause/Resume/Retake/Abort/Proceed are the control-plane entry points
// named by spec.md §6, wired to the active Timepoint State Machine (or,
// for Proceed, to the progression-policy wait).

func (w *Worker) Pause() bool {
	m := w.currentMachine()
	if m == nil {
		return false
	}
	accepted := m.RequestPause()
	if accepted {
		w.publish(observer.Event{Kind: observer.KindPauseRequested, Timepoint: w.acqCtx.CurrentTimepoint()})
	}
	return accepted
}

func (w *Worker) Resume() bool {
	m := w.currentMachine()
	if m == nil {
		return false
	}
	accepted := m.Resume()
	if accepted {
		w.publish(observer.Event{Kind: observer.KindResumed, Timepoint: w.acqCtx.CurrentTimepoint()})
	}
	return accepted
}

func (w *Worker) Retake(fovs []types.FOVID) bool {
	m := w.currentMachine()
	if m == nil {
		return false
	}
	accepted := m.Retake(fovs)
	if accepted {
		w.publish(observer.Event{Kind: observer.KindRetakeStarted, Timepoint: w.acqCtx.CurrentTimepoint(), RetakeList: fovs})
	}
	return accepted
}

func (w *Worker) Abort() (accepted, abortWholeRun bool) {
	m := w.currentMachine()
	if m == nil {
		w.acqCtx.RequestAbort()
		return true, true
	}
	accepted, abortWholeRun = m.Abort()
	if abortWholeRun {
		w.acqCtx.RequestAbort()
	}
	return accepted, abortWholeRun
}

// Proceed unblocks a Manual or QCGated wait in awaitCapturedReview.
// Meaningless (but harmless) under Auto.
func (w *Worker) Proceed() bool {
	select {
	case w.proceedCh <- struct{}{}:
	default:
	}
	return true
}

func (w *Worker) currentMachine() *timepoint.Machine {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.machine
}

func (w *Worker) publish(ev observer.Event) {
	if w.bus == nil {
		return
	}
	w.bus.Publish(ev)
}

// timepointDir returns {experiment_path}/NNN per spec.md §6's
// persistence layout.
func (w *Worker) timepointDir(t int) string {
	return filepath.Join(w.cfg.ExperimentPath, fmt.Sprintf("%03d", t))
}

func newTraceID() string {
	return uuid.NewString()
}

func (w *Worker) hardwareErr(fov types.FOVID, op string, cause error) error {
	category := acqerrors.ClassifyHardwareError(cause)
	slog.Error("hardware operation failed", "op", op, "fov", fov.String(), "category", category.String(), "error", cause)
	return acqerrors.NewForFOV(acqerrors.HardwareError, fov, fmt.Sprintf("hardware: %s", op), cause)
}
