package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cephla-io/squid-acquisition/internal/config"
	"github.com/cephla-io/squid-acquisition/internal/hardware"
	"github.com/cephla-io/squid-acquisition/internal/observer"
	"github.com/cephla-io/squid-acquisition/internal/timepoint"
	"github.com/cephla-io/squid-acquisition/internal/types"
)

func regionConfig(experimentPath string, fovCount int) *config.Config {
	return &config.Config{
		ExperimentPath:  experimentPath,
		TotalTimepoints: 1,
		Regions:         []config.RegionConfig{{RegionID: "A", FOVCount: fovCount}},
		Channels:        []string{"bf"},
	}
}

// eventLog accumulates every event a subscription receives without ever
// discarding one, so multiple assertions can each scan the full history
// instead of racing a single destructive channel read against Worker's
// per-transition goroutine dispatch.
type eventLog struct {
	mu     sync.Mutex
	events []observer.Event
	done   chan struct{} // closed once ch is closed and fully read
}

func newEventLog(t *testing.T, ch <-chan observer.Event) *eventLog {
	log := &eventLog{done: make(chan struct{})}
	go func() {
		defer close(log.done)
		for ev := range ch {
			log.mu.Lock()
			log.events = append(log.events, ev)
			log.mu.Unlock()
		}
	}()
	return log
}

func (l *eventLog) snapshot() []observer.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]observer.Event(nil), l.events...)
}

// waitFor blocks until some event in the log matches pred, or fails the
// test after 5 seconds.
func waitFor(t *testing.T, log *eventLog, pred func(observer.Event) bool) observer.Event {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		for _, ev := range log.snapshot() {
			if pred(ev) {
				return ev
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for expected event")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func countKind(events []observer.Event, kind observer.Kind) int {
	n := 0
	for _, ev := range events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func isTransitionTo(s timepoint.State) func(observer.Event) bool {
	return func(ev observer.Event) bool { return ev.Kind == observer.KindStateTransition && ev.NewState == s }
}

func runAsync(t *testing.T, w *Worker, ctx context.Context) <-chan error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()
	return errCh
}

func waitRun(t *testing.T, errCh <-chan error) {
	t.Helper()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return")
	}
}

// TestHappyPathCapturesEveryFOVOnce verifies scenario 1: three FOVs, QC
// disabled, run to completion with exactly one timepoint_captured event
// and one fov_captured event per planned FOV, in capture order.
func TestHappyPathCapturesEveryFOVOnce(t *testing.T) {
	cfg := regionConfig(t.TempDir(), 3)
	bus := observer.New()
	log := newEventLog(t, bus.Subscribe("test", 64))
	w := New(cfg, hardware.NewMock(8, 8, 1), bus, nil)

	waitRun(t, runAsync(t, w, context.Background()))
	// Run publishes timepoint_captured shortly before it returns; close the
	// bus and wait until the log has read every published event.
	bus.Close()
	<-log.done

	var captured []types.FOVID
	for _, ev := range log.snapshot() {
		if ev.Kind == observer.KindFOVCaptured {
			captured = append(captured, ev.FOV)
		}
	}
	if len(captured) != 3 {
		t.Fatalf("captured %d FOVs, want 3: %v", len(captured), captured)
	}
	for i, fov := range captured {
		if fov.FOVIndex != i {
			t.Fatalf("capture order[%d] = %v, want FOVIndex %d", i, fov, i)
		}
	}
	if n := countKind(log.snapshot(), observer.KindTimepointCaptured); n != 1 {
		t.Fatalf("timepoint_captured events = %d, want exactly 1", n)
	}
}

// TestPauseMidTimepointThenResume verifies scenario 2: pausing after the
// 2nd of 5 FOVs transitions Acquiring -> Paused -> Acquiring -> Captured,
// and every FOV is eventually captured.
func TestPauseMidTimepointThenResume(t *testing.T) {
	cfg := regionConfig(t.TempDir(), 5)
	bus := observer.New()
	log := newEventLog(t, bus.Subscribe("test", 64))

	var w *Worker
	hook := func(ctx context.Context, hw hardware.Interface, fov types.FOVID) error {
		if fov.FOVIndex == 1 {
			w.Pause()
		}
		return nil
	}
	w = New(cfg, hardware.NewMock(8, 8, 1), bus, hook)

	errCh := runAsync(t, w, context.Background())

	waitFor(t, log, isTransitionTo(timepoint.Paused))
	if !w.Resume() {
		t.Fatal("Resume() rejected after observing Paused transition")
	}
	waitFor(t, log, isTransitionTo(timepoint.Acquiring))
	waitFor(t, log, isTransitionTo(timepoint.Captured))

	waitRun(t, errCh)

	if n := countKind(log.snapshot(), observer.KindFOVCaptured); n != 5 {
		t.Fatalf("fov_captured events = %d, want 5", n)
	}
}

// TestRetakeTwoFOVsThenResume verifies scenario 3: pausing mid-timepoint,
// retaking the two already-captured FOVs, and resuming yields the trace
// Acquiring -> Paused -> Retaking -> Paused -> Acquiring -> Captured.
func TestRetakeTwoFOVsThenResume(t *testing.T) {
	cfg := regionConfig(t.TempDir(), 5)
	bus := observer.New()
	log := newEventLog(t, bus.Subscribe("test", 64))

	var w *Worker
	hook := func(ctx context.Context, hw hardware.Interface, fov types.FOVID) error {
		if fov.FOVIndex == 1 {
			w.Pause()
		}
		return nil
	}
	w = New(cfg, hardware.NewMock(8, 8, 1), bus, hook)

	errCh := runAsync(t, w, context.Background())

	waitFor(t, log, isTransitionTo(timepoint.Paused))

	retakeFOVs := []types.FOVID{{RegionID: "A", FOVIndex: 0}, {RegionID: "A", FOVIndex: 1}}
	if !w.Retake(retakeFOVs) {
		t.Fatal("Retake() rejected from Paused")
	}
	waitFor(t, log, isTransitionTo(timepoint.Retaking))
	waitFor(t, log, func(ev observer.Event) bool { return ev.Kind == observer.KindRetakesComplete })

	// CompleteRetakes' Retaking->Paused transition is the *second*
	// Paused transition in this run; count occurrences rather than
	// reusing isTransitionTo, which cannot distinguish them.
	deadline := time.Now().Add(5 * time.Second)
	for countKind(filterNewState(log.snapshot(), timepoint.Paused), observer.KindStateTransition) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the second Paused transition")
		}
		time.Sleep(2 * time.Millisecond)
	}

	if !w.Resume() {
		t.Fatal("Resume() rejected after retakes completed")
	}
	waitFor(t, log, isTransitionTo(timepoint.Acquiring))
	waitFor(t, log, isTransitionTo(timepoint.Captured))

	waitRun(t, errCh)

	if n := countKind(log.snapshot(), observer.KindRetakeFOVComplete); n != 2 {
		t.Fatalf("retake_fov_complete events = %d, want 2", n)
	}
}

func filterNewState(events []observer.Event, s timepoint.State) []observer.Event {
	var out []observer.Event
	for _, ev := range events {
		if ev.Kind == observer.KindStateTransition && ev.NewState == s {
			out = append(out, ev)
		}
	}
	return out
}

// TestAbortDuringRetakingPreservesRun verifies scenario 5: aborting while
// Retaking cancels only the retake batch (back to Paused), leaving
// Context.IsAborted() false so the run can still be resumed to
// completion.
func TestAbortDuringRetakingPreservesRun(t *testing.T) {
	cfg := regionConfig(t.TempDir(), 3)
	bus := observer.New()
	log := newEventLog(t, bus.Subscribe("test", 64))

	// The first visit to FOV 0 requests the pause; the retake's visit to
	// FOV 0 blocks until Abort has been called, so the machine is still
	// Retaking when Abort runs.
	var w *Worker
	release := make(chan struct{})
	fov0Visits := 0
	hook := func(ctx context.Context, hw hardware.Interface, fov types.FOVID) error {
		if fov.FOVIndex == 0 {
			fov0Visits++
			if fov0Visits == 1 {
				w.Pause()
			} else {
				<-release
			}
		}
		return nil
	}
	w = New(cfg, hardware.NewMock(8, 8, 1), bus, hook)

	errCh := runAsync(t, w, context.Background())

	waitFor(t, log, func(ev observer.Event) bool { return ev.Kind == observer.KindPaused })

	if !w.Retake([]types.FOVID{{RegionID: "A", FOVIndex: 0}}) {
		t.Fatal("Retake() rejected from Paused")
	}
	waitFor(t, log, func(ev observer.Event) bool { return ev.Kind == observer.KindRetakeStarted })

	accepted, abortWholeRun := w.Abort()
	close(release)
	if !accepted {
		t.Fatal("Abort() from Retaking should be accepted")
	}
	if abortWholeRun {
		t.Fatal("Abort() from Retaking must report abortWholeRun=false")
	}

	if !w.Resume() {
		t.Fatal("Resume() rejected after abort-from-Retaking returned to Paused")
	}

	waitRun(t, errCh)
}

// TestQCGatedPauseFlagsLowFocusScoreFOV verifies scenario 4: with QC and
// the focus_score_min policy enabled, a deliberately flat (zero-sharpness)
// FOV among two sharp ones is flagged and pauses the run.
func TestQCGatedPauseFlagsLowFocusScoreFOV(t *testing.T) {
	cfg := regionConfig(t.TempDir(), 3)
	cfg.QC = config.QCConfig{Enabled: true, FocusScoreMethod: "laplacian_variance"}
	min := 50.0
	cfg.Policy = config.PolicyConfig{Enabled: true, FocusScoreMin: &min, PauseIfAnyFlagged: true}

	hw := newFakeHW()
	hw.images[0] = sharpCapturedImage(8, 8)
	hw.images[1] = flatCapturedImage(8, 8, 128) // the flagged FOV
	hw.images[2] = sharpCapturedImage(8, 8)

	bus := observer.New()
	log := newEventLog(t, bus.Subscribe("test", 64))
	w := New(cfg, hw, bus, nil)
	w.SetPosition(types.FOVID{RegionID: "A", FOVIndex: 0}, types.StagePosition{XMM: 0})
	w.SetPosition(types.FOVID{RegionID: "A", FOVIndex: 1}, types.StagePosition{XMM: 1})
	w.SetPosition(types.FOVID{RegionID: "A", FOVIndex: 2}, types.StagePosition{XMM: 2})

	errCh := runAsync(t, w, context.Background())

	decisionEv := waitFor(t, log, func(ev observer.Event) bool { return ev.Kind == observer.KindQCPolicyDecision })
	if !decisionEv.Decision.ShouldPause {
		t.Fatal("decision.ShouldPause = false, want true")
	}
	if len(decisionEv.Decision.Flagged) != 1 || decisionEv.Decision.Flagged[0].FOVIndex != 1 {
		t.Fatalf("flagged = %v, want exactly FOVIndex 1", decisionEv.Decision.Flagged)
	}

	waitFor(t, log, func(ev observer.Event) bool { return ev.Kind == observer.KindPaused })
	if !w.Resume() {
		t.Fatal("Resume() rejected after QC-triggered pause")
	}

	waitRun(t, errCh)
}
