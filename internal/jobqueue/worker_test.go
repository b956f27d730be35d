package jobqueue_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/jobworker/internal/broker"
	"github.com/yungbote/jobworker/internal/broker/brokertest"
	"github.com/yungbote/jobworker/internal/jobqueue"
	"github.com/yungbote/jobworker/internal/jobqueue/memjob"
	"github.com/yungbote/jobworker/internal/platform/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("production")
	require.NoError(t, err)
	return log
}

func newTestWorker(t *testing.T, store *memjob.Store, jobType string, local jobqueue.LocalListener) (*jobqueue.Worker, *brokertest.Broker) {
	t.Helper()
	fakeBroker := brokertest.NewBroker()
	registry := broker.NewRegistry(fakeBroker.Dial)
	bookkeeping, err := fakeBroker.Dial(jobType)
	require.NoError(t, err)
	w := jobqueue.NewWorker(jobType, registry, bookkeeping, store, jobqueue.NopEventBus{}, local, testLogger(t))
	return w, fakeBroker
}

// TestWorker_ClaimRunComplete covers the at-most-one-active-job path:
// a single seeded job is claimed, run, and reaches complete.
func TestWorker_ClaimRunComplete(t *testing.T) {
	store := memjob.NewStore()
	jobType := "email"
	id := store.Enqueue(jobType, 3, false, nil, false)

	var mu sync.Mutex
	completed := make(chan string, 1)
	local := jobqueue.FuncListener{
		JobComplete: func(job jobqueue.Job) {
			mu.Lock()
			defer mu.Unlock()
			completed <- job.ID()
		},
	}

	w, fake := newTestWorker(t, store, jobType, local)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w.Start(ctx, func(ctx context.Context, job jobqueue.Job, done jobqueue.DoneFunc, control jobqueue.Control) {
		done(nil, map[string]any{"ok": true})
	})

	fake.Notify(broker.NotificationListKey(jobType), broker.InactiveSetKey(jobType), id)

	select {
	case gotID := <-completed:
		assert.Equal(t, id, gotID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for job completion")
	}

	rec, ok := store.Get(id)
	require.True(t, ok)
	assert.Equal(t, memjob.StateComplete, rec.State)
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, 1, rec.UpdateCount, "a completed job should be committed via Job.Update exactly once")

	shutdownDone := make(chan struct{})
	w.Shutdown(func(error) { close(shutdownDone) }, 1000)
	<-shutdownDone
	w.Wait()
}

// TestWorker_RetryWithBackoffThenSucceed covers the failed-attempt ->
// delayed -> re-claimed -> complete path.
func TestWorker_RetryWithBackoffThenSucceed(t *testing.T) {
	store := memjob.NewStore()
	jobType := "email"
	id := store.Enqueue(jobType, 3, true, nil, false)

	var attempts int
	var mu sync.Mutex
	completed := make(chan struct{}, 1)
	failedAttempt := make(chan int, 4)
	local := jobqueue.FuncListener{
		JobComplete:      func(job jobqueue.Job) { close(completed) },
		JobFailedAttempt: func(job jobqueue.Job, n int) { failedAttempt <- n },
	}

	w, fake := newTestWorker(t, store, jobType, local)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w.Start(ctx, func(ctx context.Context, job jobqueue.Job, done jobqueue.DoneFunc, control jobqueue.Control) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 2 {
			done(fmt.Errorf("transient failure"), nil)
			return
		}
		done(nil, nil)
	})

	notifyKey := broker.NotificationListKey(jobType)
	setKey := broker.InactiveSetKey(jobType)
	fake.Notify(notifyKey, setKey, id)

	select {
	case n := <-failedAttempt:
		assert.Equal(t, 1, n)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for failed attempt event")
	}

	rec, ok := store.Get(id)
	require.True(t, ok)
	assert.Equal(t, memjob.StateDelayed, rec.State)
	assert.Equal(t, 1, rec.UpdateCount, "the retried delay should be committed via Job.Update")

	// A real broker would re-surface the delayed job once its delay
	// elapses; the fake has no delay scheduler, so the test plays that
	// role directly by re-notifying.
	fake.Notify(notifyKey, setKey, id)

	select {
	case <-completed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion on retry")
	}

	rec, ok = store.Get(id)
	require.True(t, ok)
	assert.Equal(t, memjob.StateComplete, rec.State)
	assert.Equal(t, 2, rec.Attempts)
	assert.Equal(t, 2, rec.UpdateCount, "both the retry and the final completion should each commit once")

	shutdownDone := make(chan struct{})
	w.Shutdown(func(error) { close(shutdownDone) }, 1000)
	<-shutdownDone
}

// TestWorker_PermanentFailureAfterMaxAttempts covers remaining<=0 ->
// terminal "failed" with no further retry.
func TestWorker_PermanentFailureAfterMaxAttempts(t *testing.T) {
	store := memjob.NewStore()
	jobType := "email"
	id := store.Enqueue(jobType, 1, false, nil, false)

	failed := make(chan struct{}, 1)
	local := jobqueue.FuncListener{
		JobFailed: func(job jobqueue.Job) { close(failed) },
	}

	w, fake := newTestWorker(t, store, jobType, local)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w.Start(ctx, func(ctx context.Context, job jobqueue.Job, done jobqueue.DoneFunc, control jobqueue.Control) {
		done(fmt.Errorf("permanent failure"), nil)
	})

	fake.Notify(broker.NotificationListKey(jobType), broker.InactiveSetKey(jobType), id)

	select {
	case <-failed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for permanent failure")
	}

	rec, ok := store.Get(id)
	require.True(t, ok)
	assert.Equal(t, memjob.StateFailed, rec.State)
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, 1, rec.UpdateCount, "a terminally failed job should be committed via Job.Update")

	shutdownDone := make(chan struct{})
	w.Shutdown(func(error) { close(shutdownDone) }, 1000)
	<-shutdownDone
}

// TestWorker_RemoveOnComplete covers the RemoveOnComplete contract: a
// completed job whose RemoveOnComplete is true is no longer visible
// through the loader afterward.
func TestWorker_RemoveOnComplete(t *testing.T) {
	store := memjob.NewStore()
	jobType := "email"
	id := store.Enqueue(jobType, 3, false, nil, true)

	completed := make(chan struct{}, 1)
	local := jobqueue.FuncListener{JobComplete: func(job jobqueue.Job) { close(completed) }}

	w, fake := newTestWorker(t, store, jobType, local)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w.Start(ctx, func(ctx context.Context, job jobqueue.Job, done jobqueue.DoneFunc, control jobqueue.Control) {
		done(nil, nil)
	})

	fake.Notify(broker.NotificationListKey(jobType), broker.InactiveSetKey(jobType), id)

	select {
	case <-completed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
	}

	// The record is removed after the complete event fires; waiting for
	// the claim loop to exit guarantees that removal has happened.
	shutdownDone := make(chan struct{})
	w.Shutdown(func(error) { close(shutdownDone) }, 1000)
	<-shutdownDone
	w.Wait()

	_, ok := store.Get(id)
	assert.False(t, ok, "job should have been removed after completing")
}

// TestWorker_ShutdownWhileParked covers the "worker parked on the
// blocking wait, never claimed a job" shutdown path: cb must fire
// promptly even with no job ever having been notified.
func TestWorker_ShutdownWhileParked(t *testing.T) {
	store := memjob.NewStore()
	jobType := "email"

	w, _ := newTestWorker(t, store, jobType, jobqueue.NopListener{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w.Start(ctx, func(ctx context.Context, job jobqueue.Job, done jobqueue.DoneFunc, control jobqueue.Control) {
		done(nil, nil)
	})

	// give the claim loop a moment to park on the blocking wait
	time.Sleep(50 * time.Millisecond)

	shutdownDone := make(chan error, 1)
	start := time.Now()
	w.Shutdown(func(err error) { shutdownDone <- err }, 1000)

	select {
	case err := <-shutdownDone:
		assert.NoError(t, err)
		assert.Less(t, time.Since(start), time.Second, "shutdown with nothing in flight should not wait out the grace timeout")
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown never invoked its callback")
	}
	w.Wait()
}

// TestWorker_ShutdownIsIdempotent covers calling Shutdown twice: the
// second call must invoke its callback immediately with no side
// effects.
func TestWorker_ShutdownIsIdempotent(t *testing.T) {
	store := memjob.NewStore()
	jobType := "email"

	w, _ := newTestWorker(t, store, jobType, jobqueue.NopListener{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx, func(ctx context.Context, job jobqueue.Job, done jobqueue.DoneFunc, control jobqueue.Control) {
		done(nil, nil)
	})

	first := make(chan struct{})
	w.Shutdown(func(error) { close(first) }, 1000)
	<-first
	w.Wait()

	second := make(chan struct{})
	start := time.Now()
	w.Shutdown(func(error) { close(second) }, 1000)
	select {
	case <-second:
		assert.Less(t, time.Since(start), 100*time.Millisecond, "second shutdown should be immediate")
	case <-time.After(time.Second):
		t.Fatal("second shutdown call never invoked its callback")
	}
}

// TestWorker_ShutdownForceFailsInFlightJobAfterGrace covers the grace
// timer expiring while a job is held: the in-flight job is force
// failed so teardown can proceed even though the processor never
// calls done.
func TestWorker_ShutdownForceFailsInFlightJobAfterGrace(t *testing.T) {
	store := memjob.NewStore()
	jobType := "email"
	id := store.Enqueue(jobType, 3, false, nil, false)

	failed := make(chan struct{}, 1)
	local := jobqueue.FuncListener{
		JobFailed: func(job jobqueue.Job) { close(failed) },
	}

	w, fake := newTestWorker(t, store, jobType, local)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{})
	w.Start(ctx, func(ctx context.Context, job jobqueue.Job, done jobqueue.DoneFunc, control jobqueue.Control) {
		close(started)
		// deliberately never calls done, simulating a stuck processor
	})

	fake.Notify(broker.NotificationListKey(jobType), broker.InactiveSetKey(jobType), id)
	<-started

	shutdownDone := make(chan struct{})
	w.Shutdown(func(error) { close(shutdownDone) }, 100)

	select {
	case <-shutdownDone:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown never completed despite the grace timer")
	}

	rec, ok := store.Get(id)
	require.True(t, ok)
	assert.Equal(t, memjob.StateInactive, rec.State, "a force-failed job with attempts left and no backoff is re-queued as inactive")
}

// TestWorker_PauseThenResume covers Control.Pause/Resume: pausing from
// inside a processor halts claiming, and Resume re-arms the loop.
func TestWorker_PauseThenResume(t *testing.T) {
	store := memjob.NewStore()
	jobType := "email"
	firstID := store.Enqueue(jobType, 3, false, nil, false)
	secondID := store.Enqueue(jobType, 3, false, nil, false)

	completions := make(chan string, 2)
	local := jobqueue.FuncListener{
		JobComplete: func(job jobqueue.Job) { completions <- job.ID() },
	}

	w, fake := newTestWorker(t, store, jobType, local)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var pausedControl jobqueue.Control
	var pauseOnce sync.Once
	pauseDone := make(chan struct{})

	w.Start(ctx, func(ctx context.Context, job jobqueue.Job, done jobqueue.DoneFunc, control jobqueue.Control) {
		if job.ID() == firstID {
			pauseOnce.Do(func() { pausedControl = control })
			control.Pause(func(error) { close(pauseDone) }, 1000)
		}
		done(nil, nil)
	})

	notifyKey := broker.NotificationListKey(jobType)
	setKey := broker.InactiveSetKey(jobType)
	fake.Notify(notifyKey, setKey, firstID)

	select {
	case id := <-completions:
		assert.Equal(t, firstID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("first job never completed")
	}

	select {
	case <-pauseDone:
	case <-time.After(2 * time.Second):
		t.Fatal("pause never completed")
	}

	// While paused, notifying the second job must not be observed.
	fake.Notify(notifyKey, setKey, secondID)
	select {
	case <-completions:
		t.Fatal("second job should not complete while paused")
	case <-time.After(200 * time.Millisecond):
	}

	require.NotNil(t, pausedControl)
	require.True(t, pausedControl.Resume())

	select {
	case id := <-completions:
		assert.Equal(t, secondID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("second job never completed after resume")
	}

	shutdownDone := make(chan struct{})
	w.Shutdown(func(error) { close(shutdownDone) }, 1000)
	<-shutdownDone
}
