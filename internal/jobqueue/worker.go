package jobqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/yungbote/jobworker/internal/broker"
	"github.com/yungbote/jobworker/internal/platform/logger"
)

// runState is the worker's tri-state (plus a pre-start/fully-stopped
// value) lifecycle flag.
type runState int

const (
	stateStopped runState = iota
	stateRunning
	statePaused
	stateShuttingDown
)

// currentState distinguishes "no job", "claim in progress" (the
// sentinel the shutdown grace timer inspects), and "holding a job".
type currentState int

const (
	currentNone currentState = iota
	currentReserving
	currentHolding
)

// Worker is a long-lived agent bound to one broker and one job type.
// At most one job is ever in flight per worker; claim, run, and
// terminal-transition handling are serialized onto a single
// claim-loop goroutine, with a mutex guarding the handful of fields an
// external caller (Shutdown, a processor's Control) may touch
// concurrently.
type Worker struct {
	jobType     string
	registry    *broker.Registry
	bookkeeping broker.Adapter
	claimer     *Claimer
	runner      *Runner
	log         *logger.Logger

	mu        sync.Mutex
	running   runState
	current   currentState
	handle    *runHandle
	processor Processor
	ctx       context.Context
	waiters   []chan struct{}

	loopWG sync.WaitGroup
}

// NewWorker wires a worker against its broker registry, its own
// non-blocking bookkeeping connection (used only for recovery-token
// pushes), a job loader, and the event sinks. The worker is created in
// a stopped state; call Start to begin claiming jobs.
func NewWorker(jobType string, registry *broker.Registry, bookkeeping broker.Adapter, loader JobLoader, bus EventBus, local LocalListener, log *logger.Logger) *Worker {
	w := &Worker{
		jobType:     jobType,
		registry:    registry,
		bookkeeping: bookkeeping,
		log:         log.With("component", "worker", "type", jobType),
		running:     stateStopped,
	}
	w.claimer = newClaimer(w, jobType, registry, loader, w.log.With("component", "claimer"))
	w.runner = NewRunner(w.log.With("component", "runner"), bus, local)
	return w
}

// Type reports the job type this worker claims.
func (w *Worker) Type() string { return w.jobType }

// Start sets the worker running and kicks off the claim loop. It is
// idempotent: calling it while already running is a no-op.
func (w *Worker) Start(ctx context.Context, processor Processor) {
	w.mu.Lock()
	if w.running == stateRunning {
		w.mu.Unlock()
		return
	}
	w.running = stateRunning
	w.processor = processor
	w.ctx = ctx
	w.mu.Unlock()

	w.log.Info("worker started")
	w.loopWG.Add(1)
	go w.loop(ctx)
}

// Wait blocks until the worker's claim-loop goroutine has exited,
// which happens once a shutdown (or pause) has fully drained it. It is
// mainly useful in tests.
func (w *Worker) Wait() {
	w.loopWG.Wait()
}

func (w *Worker) loop(ctx context.Context) {
	defer w.loopWG.Done()
	for {
		job, err := w.claimer.Claim(ctx)
		if !w.isRunning() {
			return
		}
		switch {
		case errors.Is(err, ErrAlreadyShutdown):
			return
		case err != nil:
			w.runner.EmitClaimError(ctx, err)
			continue
		case job == nil:
			continue
		}

		handle := newRunHandle(job)
		w.setHolding(handle)
		w.runner.Run(ctx, job, w.currentProcessor(), &control{w: w}, handle)
		w.clearHoldingAndNotify()

		if !w.isRunning() {
			return
		}
	}
}

// Resume flips a paused worker back to running and re-arms the claim
// loop. It returns false (and does nothing) if the worker was not
// paused, matching the "no change" case callers use to decide whether
// to re-arm.
func (w *Worker) Resume() bool {
	w.mu.Lock()
	if w.running != statePaused {
		w.mu.Unlock()
		return false
	}
	w.running = stateRunning
	ctx := w.ctx
	w.mu.Unlock()

	w.log.Info("worker resumed")
	w.loopWG.Add(1)
	go w.loop(ctx)
	return true
}

// Shutdown begins the graceful shutdown protocol: no further claims
// are initiated; an in-flight job is drained (or force-failed once the
// grace timeout elapses); the shared per-type connection is released;
// cb is invoked once teardown completes. A second call after shutdown
// has begun (or completed) invokes cb immediately with no side
// effects.
func (w *Worker) Shutdown(cb func(error), timeoutMillis int64) {
	w.haltFor(stateShuttingDown, cb, timeoutMillis)
}

// haltFor implements both Shutdown and the pause path reachable from a
// processor's Control: the two share the drain-then-teardown protocol
// and differ only in the state the worker lands in once drained.
func (w *Worker) haltFor(interim runState, cb func(error), timeoutMillis int64) {
	w.mu.Lock()
	if w.running == stateStopped || w.running == stateShuttingDown {
		w.mu.Unlock()
		invoke(cb, nil)
		return
	}
	if interim == statePaused && w.running != stateRunning {
		w.mu.Unlock()
		invoke(cb, nil)
		return
	}

	current := w.current
	handle := w.handle
	w.running = interim

	finalState := interim
	if interim == stateShuttingDown {
		finalState = stateStopped
	}

	if interim == stateShuttingDown {
		w.log.Info("worker shutdown requested", "current", current, "timeout_millis", timeoutMillis)
	} else {
		w.log.Info("worker pause requested", "current", current, "timeout_millis", timeoutMillis)
	}

	// A worker merely parked on the blocking wait (or holding no job
	// at all) has nothing to drain: closing its shared connection is
	// both necessary and sufficient to unblock it, so there is no
	// grace period to arm. Only a job actually in flight (Holding)
	// needs the wait-or-force-fail protocol below.
	if current == currentNone || current == currentReserving {
		w.mu.Unlock()
		w.finalize(finalState, cb)
		return
	}

	// Registering the waiter under the same critical section that read
	// `current` and set `running` is what prevents a race against
	// clearHoldingAndNotify: if the in-flight job had already finished
	// between those two events, this waiter would otherwise never be
	// woken.
	waiter := make(chan struct{})
	w.waiters = append(w.waiters, waiter)
	w.mu.Unlock()

	var timer *time.Timer
	if timeoutMillis > 0 && handle != nil {
		timer = time.AfterFunc(time.Duration(timeoutMillis)*time.Millisecond, func() {
			handle.complete(NewShutdownError(), nil)
		})
	}

	go func() {
		<-waiter
		if timer != nil {
			timer.Stop()
		}
		w.finalize(finalState, cb)
	}()
}

// finalize pushes a recovery token (so any peer parked on the shared
// notification list is released), releases the shared per-type
// connection, lands the worker in its final state, and invokes cb.
func (w *Worker) finalize(finalState runState, cb func(error)) {
	key := broker.NotificationListKey(w.jobType)
	_ = w.bookkeeping.PushToken(context.Background(), key)
	_ = w.registry.Release(w.jobType)

	w.mu.Lock()
	w.running = finalState
	w.current = currentNone
	w.handle = nil
	w.mu.Unlock()

	w.log.Info("worker halted", "final_state", finalState)
	invoke(cb, nil)
}

func invoke(cb func(error), err error) {
	if cb != nil {
		cb(err)
	}
}

func (w *Worker) isRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running == stateRunning
}

func (w *Worker) currentProcessor() Processor {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.processor
}

func (w *Worker) setCurrent(s currentState) {
	w.mu.Lock()
	w.current = s
	w.mu.Unlock()
}

func (w *Worker) setHolding(h *runHandle) {
	w.mu.Lock()
	w.current = currentHolding
	w.handle = h
	w.mu.Unlock()
}

// clearHoldingAndNotify runs after a Run() call returns (the job
// reached a terminal state), clearing the holding slot and waking any
// shutdown/pause call that registered a waiter while the job was
// in flight.
func (w *Worker) clearHoldingAndNotify() {
	w.mu.Lock()
	w.current = currentNone
	w.handle = nil
	waiters := w.waiters
	w.waiters = nil
	w.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
}

// control adapts a Worker to the Control interface handed to
// processors.
type control struct {
	w *Worker
}

func (c *control) Pause(cb func(error), timeoutMillis int64) {
	if timeoutMillis <= 0 {
		timeoutMillis = 5000
	}
	c.w.haltFor(statePaused, cb, timeoutMillis)
}

func (c *control) Resume() bool {
	return c.w.Resume()
}
