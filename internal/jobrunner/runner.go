// Package jobrunner implements the Job Runner (spec.md §4.C): a
// bounded parallel executor for independent per-FOV jobs (image save,
// QC computation), with a capacity gate supplementing it from
// original_source's control/core/backpressure.py.
package jobrunner

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	acqerrors "github.com/cephla-io/squid-acquisition/internal/errors"
)

// DefaultMaxWorkers caps the worker pool size even on machines with a
// very large core count.
const DefaultMaxWorkers = 32

// Config configures a Runner's pool size and optional backpressure
// gate.
type Config struct {
	// Workers is the pool size. 0 selects runtime.NumCPU(), bounded by
	// MaxWorkers.
	Workers int
	// MaxWorkers bounds the default worker count. 0 selects
	// DefaultMaxWorkers.
	MaxWorkers int
	// QueueSize bounds the FIFO dispatch queue. 0 selects a generous
	// default so Dispatch practically never blocks the acquisition loop.
	QueueSize int

	// BackpressureEnabled turns on the capacity gate
	// (original_source's BackpressureController).
	BackpressureEnabled bool
	MaxPendingJobs      int
	MaxPendingBytes     int64
	CapacityTimeout     time.Duration
}

// Runner is the bounded worker pool described by spec.md §4.C.
// Dispatch enqueues and returns immediately; PollResults drains
// whatever has completed so far; Drain blocks until the queue and all
// in-flight jobs are empty; Shutdown stops accepting work, drains, and
// releases the pool.
type Runner struct {
	jobs    chan Job
	results chan JobResult

	workerWG    sync.WaitGroup // pool goroutines
	outstanding sync.WaitGroup // jobs dispatched but not yet completed

	shuttingDown atomic.Bool

	pendingJobs  atomic.Int64
	pendingBytes atomic.Int64
	cfg          Config

	capMu   sync.Mutex
	capCond *sync.Cond
}

// New constructs and starts a Runner's worker pool.
func New(cfg Config) *Runner {
	workers := cfg.Workers
	maxWorkers := cfg.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = DefaultMaxWorkers
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > maxWorkers {
		workers = maxWorkers
	}
	if workers < 1 {
		workers = 1
	}

	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}

	r := &Runner{
		jobs:    make(chan Job, queueSize),
		results: make(chan JobResult, queueSize),
		cfg:     cfg,
	}
	r.capCond = sync.NewCond(&r.capMu)

	for i := 0; i < workers; i++ {
		r.workerWG.Add(1)
		go r.workerLoop()
	}
	return r
}

func (r *Runner) workerLoop() {
	defer r.workerWG.Done()
	for job := range r.jobs {
		result := job.Run()
		r.releaseCapacity(job.PayloadBytes())
		r.results <- result
		r.outstanding.Done()
	}
}

// Dispatch enqueues job for background execution and returns
// immediately. Ordering between dispatches is not preserved beyond FIFO
// admission to the pool (workers may finish out of order). Returns an
// error if the Runner is shutting down.
func (r *Runner) Dispatch(job Job) error {
	if r.shuttingDown.Load() {
		return acqerrors.New(acqerrors.JobError, fmt.Sprintf("dispatch refused: runner is shutting down (job=%s)", job.Kind()), nil)
	}

	r.acquireCapacity(job.PayloadBytes())
	r.outstanding.Add(1)
	r.jobs <- job
	return nil
}

// PollResults returns a possibly-empty batch of completed JobResults
// without blocking.
func (r *Runner) PollResults() []JobResult {
	var out []JobResult
	for {
		select {
		case res := <-r.results:
			out = append(out, res)
		default:
			return out
		}
	}
}

// Drain blocks until every dispatched job has completed. Used at pause
// points and timepoint end (spec.md §5's suspension-point ii).
func (r *Runner) Drain() {
	r.outstanding.Wait()
}

// Shutdown refuses new dispatches, drains outstanding work, and
// releases the worker pool. Idempotent.
func (r *Runner) Shutdown() {
	if r.shuttingDown.Swap(true) {
		return
	}
	r.Drain()
	close(r.jobs)
	r.workerWG.Wait()
	close(r.results)
}

// WaitForCapacity blocks the acquisition loop until pending jobs/bytes
// fall under the configured backpressure limits, or until
// CapacityTimeout elapses — whichever first. It supplements spec.md
// §4.C with original_source's BackpressureController.wait_for_capacity,
// reimplemented with in-process atomics and a sync.Cond rather than
// multiprocessing.Value/Event since the Runner is a goroutine pool, not
// a subprocess. Returns false on timeout; the caller may choose to
// dispatch anyway (matching the Python controller's "continuing" log
// and non-fatal timeout).
func (r *Runner) WaitForCapacity(ctx context.Context) bool {
	if !r.cfg.BackpressureEnabled {
		return true
	}

	timeout := r.cfg.CapacityTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	deadline := time.Now().Add(timeout)

	r.capMu.Lock()
	defer r.capMu.Unlock()

	for r.shouldThrottleLocked() {
		if ctx.Err() != nil {
			return false
		}
		if time.Now().After(deadline) {
			return false
		}
		waitOnCondWithDeadline(r.capCond, deadline)
	}
	return true
}

func (r *Runner) shouldThrottleLocked() bool {
	if r.cfg.MaxPendingJobs > 0 && r.pendingJobs.Load() >= int64(r.cfg.MaxPendingJobs) {
		return true
	}
	if r.cfg.MaxPendingBytes > 0 && r.pendingBytes.Load() >= r.cfg.MaxPendingBytes {
		return true
	}
	return false
}

func (r *Runner) acquireCapacity(bytes int) {
	r.pendingJobs.Add(1)
	r.pendingBytes.Add(int64(bytes))
}

func (r *Runner) releaseCapacity(bytes int) {
	r.pendingJobs.Add(-1)
	r.pendingBytes.Add(-int64(bytes))

	r.capMu.Lock()
	r.capCond.Broadcast()
	r.capMu.Unlock()
}

// Stats is a snapshot of backpressure accounting, mirroring
// BackpressureStats from original_source's backpressure.py.
type Stats struct {
	PendingJobs     int64
	PendingBytes    int64
	MaxPendingJobs  int
	MaxPendingBytes int64
	Throttled       bool
}

func (r *Runner) Stats() Stats {
	r.capMu.Lock()
	defer r.capMu.Unlock()
	return Stats{
		PendingJobs:     r.pendingJobs.Load(),
		PendingBytes:    r.pendingBytes.Load(),
		MaxPendingJobs:  r.cfg.MaxPendingJobs,
		MaxPendingBytes: r.cfg.MaxPendingBytes,
		Throttled:       r.cfg.BackpressureEnabled && r.shouldThrottleLocked(),
	}
}

// waitOnCondWithDeadline waits on cond, waking spuriously at deadline
// even if never broadcast, by racing a timer against cond.Wait on a
// helper goroutine. cond's lock must be held by the caller.
func waitOnCondWithDeadline(cond *sync.Cond, deadline time.Time) {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return
	}

	timer := time.AfterFunc(remaining, func() {
		cond.L.Lock()
		cond.Broadcast()
		cond.L.Unlock()
	})
	defer timer.Stop()

	cond.Wait()
}
