// Package events implements jobqueue.EventBus over Redis pub/sub,
// publishing one channel per job id so a caller awaiting a specific
// job's outcome can subscribe without polling the job record.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yungbote/jobworker/internal/platform/logger"
)

// Message is the payload published on a job's channel.
type Message struct {
	JobID   string `json:"job_id"`
	Kind    string `json:"kind"`
	Payload any    `json:"payload,omitempty"`
}

// RedisBus implements jobqueue.EventBus by publishing each Emit call
// to a per-job channel.
type RedisBus struct {
	log    *logger.Logger
	rdb    *redis.Client
	prefix string
}

// NewRedisBus dials a Redis client and verifies connectivity before
// returning, matching the fail-fast construction style used elsewhere
// in this stack.
func NewRedisBus(ctx context.Context, addr, prefix string, log *logger.Logger) (*RedisBus, error) {
	if prefix == "" {
		prefix = "jobqueue:events:"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("events: redis ping: %w", err)
	}

	return &RedisBus{log: log.With("component", "event-bus"), rdb: rdb, prefix: prefix}, nil
}

func (b *RedisBus) channel(jobID string) string { return b.prefix + jobID }

func (b *RedisBus) Emit(ctx context.Context, jobID string, kind string, payload any) error {
	raw, err := json.Marshal(Message{JobID: jobID, Kind: kind, Payload: payload})
	if err != nil {
		return fmt.Errorf("events: marshal message: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel(jobID), raw).Err(); err != nil {
		return fmt.Errorf("events: publish to %q: %w", b.channel(jobID), err)
	}
	return nil
}

// Subscribe returns a channel of decoded Messages for a single job id.
// The returned function must be called to release the subscription;
// it is safe to call more than once.
func (b *RedisBus) Subscribe(ctx context.Context, jobID string) (<-chan Message, func(), error) {
	sub := b.rdb.Subscribe(ctx, b.channel(jobID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("events: subscribe to %q: %w", b.channel(jobID), err)
	}

	out := make(chan Message, 8)
	go func() {
		defer close(out)
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}
				var msg Message
				if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
					b.log.Warn("bad event payload", "channel", m.Channel, "error", err)
					continue
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	var once sync.Once
	closeFn := func() {
		once.Do(func() { _ = sub.Close() })
	}
	return out, closeFn, nil
}

func (b *RedisBus) Close() error {
	return b.rdb.Close()
}
