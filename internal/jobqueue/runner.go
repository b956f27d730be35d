package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/yungbote/jobworker/internal/platform/logger"
)

// DoneFunc is the single-shot completion callback a processor invokes
// exactly once. A second invocation is silently ignored — double
// invocation is undefined behavior in the source this is ported from;
// this implementation guards it rather than leaving it to chance.
type DoneFunc func(err error, result any)

// Control is the second argument handed to a processor, letting it
// pause the worker (delegating to the queue-level shutdown protocol
// for this job's type) or resume a previously paused worker.
type Control interface {
	Pause(cb func(error), timeoutMillis int64)
	Resume() bool
}

// Processor is the user-supplied callable invoked once per claimed
// job. It must eventually call done, synchronously or from a
// goroutine of its own.
type Processor func(ctx context.Context, job Job, done DoneFunc, control Control)

// doneResult is what a DoneFunc invocation, or a forced shutdown
// failure, delivers back to the Runner.
type doneResult struct {
	err    error
	result any
}

// runHandle tracks the single in-flight job a worker is holding, and
// lets both the processor's own done() call and an external grace
// timer resolve it — whichever comes first wins, the other is a no-op.
type runHandle struct {
	job    Job
	once   sync.Once
	doneCh chan doneResult
}

func newRunHandle(job Job) *runHandle {
	return &runHandle{job: job, doneCh: make(chan doneResult, 1)}
}

func (h *runHandle) complete(err error, result any) {
	h.once.Do(func() {
		h.doneCh <- doneResult{err: err, result: result}
	})
}

// Runner drives a single claimed job from active to a terminal state,
// invoking the user processor once, measuring duration, serializing
// results, triggering retries with backoff, and emitting lifecycle
// events both locally and on the shared per-job event bus.
type Runner struct {
	log   *logger.Logger
	bus   EventBus
	local LocalListener
}

func NewRunner(log *logger.Logger, bus EventBus, local LocalListener) *Runner {
	if bus == nil {
		bus = NopEventBus{}
	}
	if local == nil {
		local = NopListener{}
	}
	return &Runner{log: log, bus: bus, local: local}
}

// Run blocks the caller (the worker's own claim-loop goroutine) until
// the job reaches a terminal state. The processor itself may return
// immediately and call done from elsewhere; Run simply waits for
// whichever of the processor or a forced shutdown resolves handle
// first.
func (r *Runner) Run(ctx context.Context, job Job, processor Processor, control Control, handle *runHandle) {
	if err := job.Active(ctx); err != nil {
		r.emitError(ctx, fmt.Errorf("activate job %s: %w", job.ID(), err), job)
		return
	}

	start := time.Now()
	r.invokeProcessor(ctx, job, processor, control, handle)
	res := <-handle.doneCh

	if res.err != nil {
		r.handleFailure(ctx, job, res.err)
		return
	}
	r.handleSuccess(ctx, job, start, res.result)
}

func (r *Runner) invokeProcessor(ctx context.Context, job Job, processor Processor, control Control, handle *runHandle) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("processor panicked", "job_id", job.ID(), "panic", rec)
			handle.complete(fmt.Errorf("panic: %v", rec), nil)
		}
	}()
	processor(ctx, job, DoneFunc(handle.complete), control)
}

func (r *Runner) handleSuccess(ctx context.Context, job Job, start time.Time, result any) {
	job.SetDuration(time.Since(start))

	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			marker, _ := json.Marshal(ErrorPayload{
				Error:   true,
				Message: fmt.Sprintf("Invalid JSON Result: %v", result),
			})
			raw = marker
		}
		job.SetResult(raw)
	}

	if err := job.Complete(ctx); err != nil {
		r.emitError(ctx, fmt.Errorf("complete job %s: %w", job.ID(), err), job)
		return
	}
	if _, _, _, err := job.Attempt(ctx); err != nil {
		r.emitError(ctx, fmt.Errorf("consume attempt for job %s: %w", job.ID(), err), job)
	}
	if err := job.Update(ctx); err != nil {
		r.emitError(ctx, fmt.Errorf("persist completed job %s: %w", job.ID(), err), job)
	}

	r.local.OnJobComplete(job)
	if err := r.bus.Emit(ctx, job.ID(), "complete", result); err != nil {
		r.log.Warn("failed to emit complete event", "job_id", job.ID(), "error", err)
	}

	if job.RemoveOnComplete() {
		if err := job.Remove(ctx); err != nil {
			r.emitError(ctx, fmt.Errorf("remove completed job %s: %w", job.ID(), err), job)
		}
	}
}

func (r *Runner) handleFailure(ctx context.Context, job Job, procErr error) {
	job.SetError(procErr)
	if err := job.Failed(ctx); err != nil {
		r.emitError(ctx, fmt.Errorf("fail job %s: %w", job.ID(), err), job)
		return
	}

	remaining, attempts, _, err := job.Attempt(ctx)
	if err != nil {
		r.emitError(ctx, fmt.Errorf("consume attempt for job %s: %w", job.ID(), err), job)
		return
	}

	if remaining <= 0 {
		if err := job.Update(ctx); err != nil {
			r.emitError(ctx, fmt.Errorf("persist terminally failed job %s: %w", job.ID(), err), job)
		}
		r.local.OnJobFailed(job)
		if err := r.bus.Emit(ctx, job.ID(), "failed", nil); err != nil {
			r.log.Warn("failed to emit failed event", "job_id", job.ID(), "error", err)
		}
		return
	}

	if job.Backoff() {
		delay := job.Delay()
		if bf := job.BackoffFunc(); bf != nil {
			if d, err := bf(attempts); err != nil {
				r.emitError(ctx, fmt.Errorf("custom backoff for job %s: %w", job.ID(), err), job)
				// fall back to the job's stored delay, already in `delay`.
			} else {
				delay = d
			}
		}
		// Route the computed delay through the generic field setter
		// rather than the dedicated Delay(ms) shortcut, so the
		// update-then-commit path this spec names (set a field, then
		// persist it) has a real caller.
		if err := job.Set(ctx, "delay", delay); err != nil {
			r.emitError(ctx, fmt.Errorf("set delay for job %s: %w", job.ID(), err), job)
			return
		}
		if err := job.Delayed(ctx); err != nil {
			r.emitError(ctx, fmt.Errorf("delay job %s: %w", job.ID(), err), job)
			return
		}
	} else if err := job.Inactive(ctx); err != nil {
		r.emitError(ctx, fmt.Errorf("re-queue job %s: %w", job.ID(), err), job)
		return
	}

	if err := job.Update(ctx); err != nil {
		r.emitError(ctx, fmt.Errorf("persist retried job %s: %w", job.ID(), err), job)
	}

	r.local.OnJobFailedAttempt(job, attempts)
	if err := r.bus.Emit(ctx, job.ID(), "failed attempt", attempts); err != nil {
		r.log.Warn("failed to emit failed-attempt event", "job_id", job.ID(), "error", err)
	}
}

// EmitClaimError reports a broker failure during the claim protocol
// itself, where there is no job object to attach the error to.
func (r *Runner) EmitClaimError(ctx context.Context, err error) {
	r.log.Warn("claim error", "error", err)
	r.local.OnError(ErrorInfo{Message: err.Error()}, nil)
}

func (r *Runner) emitError(_ context.Context, err error, job Job) {
	r.log.Warn("worker error", "job_id", safeJobID(job), "error", err)
	r.local.OnError(ErrorInfo{Message: err.Error()}, job)
}

func safeJobID(job Job) string {
	if job == nil {
		return ""
	}
	return job.ID()
}
