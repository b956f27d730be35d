package jobqueue

import (
	"context"
	"fmt"

	"github.com/yungbote/jobworker/internal/broker"
	"github.com/yungbote/jobworker/internal/platform/logger"
)

// Claimer implements the two-phase claim protocol: a blocking
// notification wait (coarse, thundering-herd-tolerant wake-up) followed
// by an atomic sorted-set pop (the authoritative, at-most-once claim).
type Claimer struct {
	w        *Worker
	jobType  string
	registry *broker.Registry
	loader   JobLoader
	log      *logger.Logger
}

func newClaimer(w *Worker, jobType string, registry *broker.Registry, loader JobLoader, log *logger.Logger) *Claimer {
	return &Claimer{w: w, jobType: jobType, registry: registry, loader: loader, log: log}
}

// Claim blocks until either a job is available, a benign re-park is
// warranted (nil, nil), or an error/shutdown condition is reached.
func (c *Claimer) Claim(ctx context.Context) (Job, error) {
	if !c.w.isRunning() {
		return nil, ErrAlreadyShutdown
	}

	c.log.Debug("claim: attempt", "type", c.jobType)
	c.w.setCurrent(currentReserving)

	adapter, err := c.registry.Acquire(c.jobType)
	if err != nil {
		c.w.setCurrent(currentNone)
		return nil, fmt.Errorf("claim: acquire broker connection: %w", err)
	}

	listKey := broker.NotificationListKey(c.jobType)
	_, waitErr := adapter.WaitForNotification(ctx, listKey)
	if waitErr != nil || !c.w.isRunning() {
		// Push a recovery token with the worker's own bookkeeping
		// client (not the shared blocking one, which may itself be the
		// source of the error) so no peer parked on the same list is
		// left stuck.
		_ = c.w.bookkeeping.PushToken(context.Background(), listKey)
		c.w.setCurrent(currentNone)
		if waitErr != nil {
			return nil, fmt.Errorf("claim: wait for notification: %w", waitErr)
		}
		c.log.Debug("claim: abandoned by shutdown", "type", c.jobType)
		return nil, ErrAlreadyShutdown
	}
	c.log.Debug("claim: woke from notification wait", "type", c.jobType)

	setKey := broker.InactiveSetKey(c.jobType)
	id, ok, err := adapter.PopFirst(ctx, setKey)
	if err != nil {
		c.w.setCurrent(currentNone)
		return nil, fmt.Errorf("claim: pop first: %w", err)
	}
	if !ok {
		// Notification arrived but a peer already drained the set.
		// Benign: the caller re-parks without emitting any event.
		c.log.Debug("claim: re-parking, set already drained by a peer", "type", c.jobType)
		c.w.setCurrent(currentNone)
		return nil, nil
	}

	job, err := c.loader.Load(ctx, id)
	if err != nil {
		c.w.setCurrent(currentNone)
		return nil, fmt.Errorf("claim: load job %q: %w", id, err)
	}
	c.log.Debug("claim: job claimed", "type", c.jobType, "job_id", id)
	return job, nil
}
