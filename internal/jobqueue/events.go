package jobqueue

import "context"

// ErrorInfo is the payload attached to the worker-local "error" event.
// The worker core fills in Message only; Go errors carry no stack
// trace, so Stack is left empty.
type ErrorInfo struct {
	Message string
	Stack   string
}

// LocalListener receives the worker-local lifecycle events: error,
// job complete, job failed, and job failed attempt. Implementations
// must return quickly — they are invoked synchronously on the
// worker's own claim-loop goroutine.
type LocalListener interface {
	OnError(info ErrorInfo, job Job)
	OnJobComplete(job Job)
	OnJobFailed(job Job)
	OnJobFailedAttempt(job Job, attempts int)
}

// EventBus fans out per-job lifecycle events keyed by job id, e.g. via
// Redis pub/sub, so other processes awaiting a specific job's outcome
// can observe it without polling the job record. There is no ordering
// guarantee across jobs or workers; callers needing causal ordering
// must key off a single job id's stream, which Emit already does.
type EventBus interface {
	Emit(ctx context.Context, jobID string, kind string, payload any) error
}

// NopListener discards every local event.
type NopListener struct{}

func (NopListener) OnError(ErrorInfo, Job)     {}
func (NopListener) OnJobComplete(Job)          {}
func (NopListener) OnJobFailed(Job)            {}
func (NopListener) OnJobFailedAttempt(Job, int) {}

// NopEventBus discards every per-job event.
type NopEventBus struct{}

func (NopEventBus) Emit(context.Context, string, string, any) error { return nil }

// FuncListener adapts plain functions to LocalListener, in the style
// of http.HandlerFunc, for callers that only care about some events.
type FuncListener struct {
	Error            func(ErrorInfo, Job)
	JobComplete      func(Job)
	JobFailed        func(Job)
	JobFailedAttempt func(Job, int)
}

func (f FuncListener) OnError(info ErrorInfo, job Job) {
	if f.Error != nil {
		f.Error(info, job)
	}
}

func (f FuncListener) OnJobComplete(job Job) {
	if f.JobComplete != nil {
		f.JobComplete(job)
	}
}

func (f FuncListener) OnJobFailed(job Job) {
	if f.JobFailed != nil {
		f.JobFailed(job)
	}
}

func (f FuncListener) OnJobFailedAttempt(job Job, attempts int) {
	if f.JobFailedAttempt != nil {
		f.JobFailedAttempt(job, attempts)
	}
}
