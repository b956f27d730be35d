// Package memjob is a reference, process-local implementation of
// jobqueue.Job, modeled on the teacher's types.JobRun record. It backs
// the test suite and the worker-demo CLI so the claim -> run -> retry
// -> shutdown pipeline can be exercised end-to-end without a real
// persistence layer; production deployments supply their own Job
// backed by Redis-stored hashes, matching the "out of scope" job
// entity in the worker-core specification.
package memjob

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/jobworker/internal/jobqueue"
)

// State mirrors the lifecycle states the worker core observes.
type State string

const (
	StateInactive State = "inactive"
	StateActive   State = "active"
	StateComplete State = "complete"
	StateFailed   State = "failed"
	StateDelayed  State = "delayed"
)

// Record is the persisted shape of a job; Store keeps these in memory
// keyed by id.
type Record struct {
	ID               string
	Type             string
	State            State
	Attempts         int
	MaxAttempts      int
	BackoffEnabled   bool
	BackoffFn        jobqueue.BackoffFunc
	DelayMillis      int64
	Duration         time.Duration
	Result           json.RawMessage
	Error            json.RawMessage
	RemoveOnComplete bool
	Removed          bool
	UpdateCount      int
}

// Store is a process-local, mutex-guarded table of job records. It
// holds no notification list or inactive set; those live in the broker
// (Redis, or brokertest's fake).
type Store struct {
	mu      sync.Mutex
	records map[string]*Record
}

func NewStore() *Store {
	return &Store{records: make(map[string]*Record)}
}

// Enqueue creates a new inactive record and returns its id.
func (s *Store) Enqueue(jobType string, maxAttempts int, backoffEnabled bool, backoffFn jobqueue.BackoffFunc, removeOnComplete bool) string {
	id := uuid.NewString()
	s.mu.Lock()
	s.records[id] = &Record{
		ID:               id,
		Type:             jobType,
		State:            StateInactive,
		MaxAttempts:      maxAttempts,
		BackoffEnabled:   backoffEnabled,
		BackoffFn:        backoffFn,
		RemoveOnComplete: removeOnComplete,
	}
	s.mu.Unlock()
	return id
}

// Get returns a snapshot copy of a record, or false if it does not
// exist (or was removed).
func (s *Store) Get(id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok || r.Removed {
		return Record{}, false
	}
	return *r, true
}

func (s *Store) mutate(id string, fn func(*Record) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return fmt.Errorf("memjob: no record %q", id)
	}
	return fn(r)
}

// Job adapts a single Store record to jobqueue.Job.
type Job struct {
	id    string
	store *Store
}

// Load implements jobqueue.JobLoader for a Store.
func (s *Store) Load(_ context.Context, id string) (jobqueue.Job, error) {
	if _, ok := s.Get(id); !ok {
		return nil, fmt.Errorf("memjob: job %q not found", id)
	}
	return &Job{id: id, store: s}, nil
}

func (j *Job) ID() string { return j.id }

func (j *Job) Active(_ context.Context) error {
	return j.store.mutate(j.id, func(r *Record) error { r.State = StateActive; return nil })
}

func (j *Job) Complete(_ context.Context) error {
	return j.store.mutate(j.id, func(r *Record) error { r.State = StateComplete; return nil })
}

func (j *Job) Failed(_ context.Context) error {
	return j.store.mutate(j.id, func(r *Record) error { r.State = StateFailed; return nil })
}

func (j *Job) Inactive(_ context.Context) error {
	return j.store.mutate(j.id, func(r *Record) error { r.State = StateInactive; return nil })
}

func (j *Job) Delayed(_ context.Context) error {
	return j.store.mutate(j.id, func(r *Record) error { r.State = StateDelayed; return nil })
}

func (j *Job) SetError(err error) {
	_ = j.store.mutate(j.id, func(r *Record) error {
		raw, marshalErr := json.Marshal(jobqueue.ErrorPayload{Error: true, Message: err.Error()})
		if marshalErr != nil {
			return marshalErr
		}
		r.Error = raw
		return nil
	})
}

func (j *Job) Attempt(_ context.Context) (remaining, attempts, max int, err error) {
	err = j.store.mutate(j.id, func(r *Record) error {
		r.Attempts++
		attempts = r.Attempts
		max = r.MaxAttempts
		if max <= 0 {
			remaining = 0
		} else {
			remaining = max - attempts
			if remaining < 0 {
				remaining = 0
			}
		}
		return nil
	})
	return remaining, attempts, max, err
}

func (j *Job) Backoff() bool {
	rec, _ := j.store.Get(j.id)
	return rec.BackoffEnabled
}

func (j *Job) BackoffFunc() jobqueue.BackoffFunc {
	rec, _ := j.store.Get(j.id)
	return rec.BackoffFn
}

func (j *Job) Delay(ms ...int64) int64 {
	if len(ms) == 0 {
		rec, _ := j.store.Get(j.id)
		return rec.DelayMillis
	}
	_ = j.store.mutate(j.id, func(r *Record) error { r.DelayMillis = ms[0]; return nil })
	return ms[0]
}

// Update commits whatever fields Set has staged since the last
// transition. This in-memory store applies every Set immediately, so
// there is nothing left to flush; Update still counts as a real commit
// point (UpdateCount) so callers relying on "a write happened" — tests
// included — have something to observe, the way a Redis-backed Job
// would bump a version or call HSET here.
func (j *Job) Update(_ context.Context) error {
	return j.store.mutate(j.id, func(r *Record) error { r.UpdateCount++; return nil })
}

// Set assigns a single field on the record by name. Only the fields
// the worker core actually writes mid-run are supported; an unknown
// field is a no-op rather than an error, since a future field this
// store doesn't model yet shouldn't fail the run.
func (j *Job) Set(_ context.Context, field string, value any) error {
	return j.store.mutate(j.id, func(r *Record) error {
		switch field {
		case "delay":
			switch v := value.(type) {
			case int64:
				r.DelayMillis = v
			case int:
				r.DelayMillis = int64(v)
			}
		}
		return nil
	})
}

func (j *Job) Remove(_ context.Context) error {
	return j.store.mutate(j.id, func(r *Record) error { r.Removed = true; return nil })
}

func (j *Job) RemoveOnComplete() bool {
	rec, _ := j.store.Get(j.id)
	return rec.RemoveOnComplete
}

func (j *Job) SetDuration(d time.Duration) {
	_ = j.store.mutate(j.id, func(r *Record) error { r.Duration = d; return nil })
}

func (j *Job) SetResult(raw json.RawMessage) {
	_ = j.store.mutate(j.id, func(r *Record) error { r.Result = raw; return nil })
}
