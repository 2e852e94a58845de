package worker

import (
	"context"
	"path/filepath"
	"time"

	"github.com/cephla-io/squid-acquisition/internal/jobrunner"
	"github.com/cephla-io/squid-acquisition/internal/observer"
	"github.com/cephla-io/squid-acquisition/internal/qcstore"
	"github.com/cephla-io/squid-acquisition/internal/types"
)

// captureFOV commands the hardware to move to fov and trigger one
// capture per configured channel, dispatching a Save job (and, if QC
// is enabled, a QC job) for each captured frame. Save is always
// dispatched before QC for the same frame (spec.md §4.E, "Save-before-
// QC per FOV"). It never blocks on job completion.
func (w *Worker) captureFOV(ctx context.Context, fov types.FOVID, t int) error {
	pos := w.positionFor(fov)
	if err := w.hw.MoveTo(ctx, pos.XMM, pos.YMM, pos.ZMM); err != nil {
		return w.hardwareErr(fov, "move_to", err)
	}

	if w.autofocus != nil {
		if err := w.autofocus(ctx, w.hw, fov); err != nil {
			return w.hardwareErr(fov, "autofocus", err)
		}
	}

	for _, channel := range w.cfg.Channels {
		if err := w.hw.SetChannel(ctx, channel); err != nil {
			return w.hardwareErr(fov, "set_channel", err)
		}

		img, err := w.hw.TriggerCapture(ctx)
		if err != nil {
			return w.hardwareErr(fov, "trigger_capture", err)
		}

		piezo, err := w.hw.PiezoZUM(ctx)
		if err != nil {
			return w.hardwareErr(fov, "piezo_z_um", err)
		}

		info := types.CaptureInfo{
			FOV:        fov,
			Timepoint:  t,
			CapturedAt: time.Now(),
			Stage:      pos,
			PiezoZUM:   piezo,
			ChannelID:  channel,
			TraceID:    newTraceID(),
		}

		if err := w.dispatchJobs(img, info); err != nil {
			return err
		}
	}

	return nil
}

// dispatchJobs wraps img in a SharedImage sized to its holder count and
// dispatches the Save job, then (if enabled) the QC job, respecting the
// backpressure gate supplemented in SPEC_FULL.md §5.1.
func (w *Worker) dispatchJobs(img *types.CapturedImage, info types.CaptureInfo) error {
	qcEnabled := w.cfg.QC.Enabled
	holders := 1
	if qcEnabled {
		holders = 2
	}
	shared := jobrunner.NewSharedImage(img, holders, nil)

	outDir := filepath.Join(w.timepointDir(info.Timepoint), "images")

	w.runner.WaitForCapacity(context.Background())
	if err := w.runner.Dispatch(&jobrunner.SaveImageJob{Image: shared, Info: info, OutDir: outDir}); err != nil {
		shared.Release()
		if qcEnabled {
			shared.Release()
		}
		return err
	}

	if qcEnabled {
		var prevZ *float64
		if v, ok := w.previousZ(info.FOV); ok {
			prevZ = types.F64(v)
		}
		qcJob := &jobrunner.QCJob{
			Image:            shared,
			Info:             info,
			PrevTimepointZUM: prevZ,
			Config: jobrunner.QCConfig{
				Enabled:           true,
				ComputeFocusScore: true,
				ComputeLaserAF:    w.cfg.QC.ComputeLaserAF,
				ComputeZDiff:      w.cfg.QC.ComputeZDiff,
				FocusScoreMethod:  w.cfg.FocusScoreMethodValue(),
			},
		}
		w.runner.WaitForCapacity(context.Background())
		if err := w.runner.Dispatch(qcJob); err != nil {
			shared.Release()
			return err
		}
	}

	return nil
}

func (w *Worker) previousZ(fov types.FOVID) (float64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	v, ok := w.lastZByFOV[fov]
	return v, ok
}

// drainResultsIntoStore feeds every JobResult ready so far into store.
// A Save failure is fatal to the run (spec.md §4.C/§7) and is returned
// to the caller; a QC failure is already folded into its FOVMetrics.Error
// field and is recorded, never returned.
func (w *Worker) drainResultsIntoStore(store *qcstore.Store) error {
	for _, res := range w.runner.PollResults() {
		switch res.Kind {
		case jobrunner.KindQC:
			if res.QCMetrics != nil {
				store.Add(*res.QCMetrics)
				w.publish(observer.Event{Kind: observer.KindQCMetricsUpdated, FOV: res.FOV, Metrics: *res.QCMetrics})
			}
		case jobrunner.KindSaveImage:
			if res.Err != nil {
				w.acqCtx.RequestAbort()
				return res.Err
			}
		}
	}
	return nil
}
