package jobrunner

import (
	"context"
	"testing"
	"time"

	"github.com/cephla-io/squid-acquisition/internal/types"
)

type noopJob struct {
	kind  Kind
	fov   types.FOVID
	bytes int
	done  chan struct{}
}

func (j *noopJob) Kind() Kind        { return j.kind }
func (j *noopJob) FOV() types.FOVID  { return j.fov }
func (j *noopJob) PayloadBytes() int { return j.bytes }
func (j *noopJob) Run() JobResult {
	if j.done != nil {
		close(j.done)
	}
	return JobResult{Kind: j.kind, FOV: j.fov}
}

func TestDispatchAndPollResultsRoundTrip(t *testing.T) {
	r := New(Config{Workers: 2})
	defer r.Shutdown()

	fov := types.FOVID{RegionID: "A", FOVIndex: 0}
	if err := r.Dispatch(&noopJob{kind: KindSaveImage, fov: fov}); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	r.Drain()

	results := r.PollResults()
	if len(results) != 1 {
		t.Fatalf("PollResults() returned %d results, want 1", len(results))
	}
	if results[0].FOV != fov {
		t.Fatalf("result.FOV = %v, want %v", results[0].FOV, fov)
	}
}

func TestDispatchAfterShutdownIsRefused(t *testing.T) {
	r := New(Config{Workers: 1})
	r.Shutdown()

	err := r.Dispatch(&noopJob{kind: KindQC})
	if err == nil {
		t.Fatal("Dispatch() after Shutdown should return an error")
	}
}

func TestDrainWaitsForAllOutstandingJobs(t *testing.T) {
	r := New(Config{Workers: 4})
	defer r.Shutdown()

	const n = 20
	dones := make([]chan struct{}, n)
	for i := 0; i < n; i++ {
		dones[i] = make(chan struct{})
		_ = r.Dispatch(&noopJob{kind: KindSaveImage, fov: types.FOVID{RegionID: "A", FOVIndex: i}, done: dones[i]})
	}
	r.Drain()
	for i, d := range dones {
		select {
		case <-d:
		default:
			t.Fatalf("job %d had not run by the time Drain() returned", i)
		}
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	r := New(Config{Workers: 1})
	r.Shutdown()
	r.Shutdown() // must not panic or double-close a channel
}

func TestWaitForCapacityPassesThroughWhenDisabled(t *testing.T) {
	r := New(Config{Workers: 1, BackpressureEnabled: false})
	defer r.Shutdown()

	if !r.WaitForCapacity(context.Background()) {
		t.Fatal("WaitForCapacity() = false with backpressure disabled")
	}
}

func TestWaitForCapacityThrottlesOnPendingJobs(t *testing.T) {
	r := New(Config{
		Workers:             1,
		BackpressureEnabled: true,
		MaxPendingJobs:      1,
		CapacityTimeout:     50 * time.Millisecond,
	})
	defer r.Shutdown()

	block := make(chan struct{})
	_ = r.Dispatch(&blockingJob{fov: types.FOVID{RegionID: "A", FOVIndex: 0}, unblock: block})

	start := time.Now()
	ok := r.WaitForCapacity(context.Background())
	elapsed := time.Since(start)
	close(block)

	if ok {
		t.Fatal("WaitForCapacity() = true, want false (timed out while throttled)")
	}
	if elapsed < 40*time.Millisecond {
		t.Fatalf("WaitForCapacity() returned after %v, want roughly the 50ms timeout", elapsed)
	}
}

func TestWaitForCapacityUnblocksOnRelease(t *testing.T) {
	r := New(Config{
		Workers:             1,
		BackpressureEnabled: true,
		MaxPendingJobs:      1,
		CapacityTimeout:     2 * time.Second,
	})
	defer r.Shutdown()

	block := make(chan struct{})
	_ = r.Dispatch(&blockingJob{fov: types.FOVID{RegionID: "A", FOVIndex: 0}, unblock: block})

	done := make(chan bool, 1)
	go func() { done <- r.WaitForCapacity(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	close(block)

	select {
	case ok := <-done:
		if !ok {
			t.Fatal("WaitForCapacity() = false after capacity freed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForCapacity() never returned after capacity freed")
	}
}

type blockingJob struct {
	fov     types.FOVID
	unblock chan struct{}
}

func (j *blockingJob) Kind() Kind        { return KindSaveImage }
func (j *blockingJob) FOV() types.FOVID  { return j.fov }
func (j *blockingJob) PayloadBytes() int { return 0 }
func (j *blockingJob) Run() JobResult {
	<-j.unblock
	return JobResult{Kind: KindSaveImage, FOV: j.fov}
}
