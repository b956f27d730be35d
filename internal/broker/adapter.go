// Package broker is a thin, purpose-built view over Redis exposing the
// two primitives the job queue core needs: a blocking wait on a
// notification list, and an atomic peek-and-remove of the lowest
// ranked member of a sorted set. Nothing here knows about jobs,
// retries, or workers — that belongs to the jobqueue package.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RecoveryToken is pushed onto a notification list during teardown to
// unblock any peer parked on the same list. Its value is never
// inspected by a waiter; the presence of any element is what matters.
const RecoveryToken = "recover"

// ErrClosed is returned by brokertest's fake connection from its
// blocking wait once that connection has been closed. RedisAdapter
// returns go-redis's own closed-client error, wrapped, instead.
var ErrClosed = errors.New("broker: adapter closed")

// Adapter is the narrow broker surface the job queue core depends on.
type Adapter interface {
	// WaitForNotification blocks indefinitely until an element is
	// available on listKey, then pops and returns it. It is a wake-up
	// signal only, never the authoritative claim.
	WaitForNotification(ctx context.Context, listKey string) (string, error)

	// PopFirst atomically reads and removes the lowest-ranked member of
	// sortedSetKey. ok is false if the set was empty.
	PopFirst(ctx context.Context, sortedSetKey string) (id string, ok bool, err error)

	// PushToken appends a non-blocking recovery token to listKey.
	PushToken(ctx context.Context, listKey string) error

	// Close terminates the underlying connection. Closing a connection
	// that is parked in WaitForNotification causes that call to return
	// an error, which is how shutdown unblocks a reserving worker.
	Close() error
}

// NotificationListKey and InactiveSetKey compute the two logical keys
// per job type that the worker core uses; key naming is otherwise
// delegated entirely to this package.
func NotificationListKey(jobType string) string { return jobType + ":jobs" }
func InactiveSetKey(jobType string) string      { return "jobs:" + jobType + ":inactive" }

// popFirstScript performs ZRANGE+ZREMRANGEBYRANK as one transaction so
// concurrent workers popping from the same sorted set can never
// observe the same id.
var popFirstScript = redis.NewScript(`
local v = redis.call('ZRANGE', KEYS[1], 0, 0)
if #v == 0 then
  return false
end
redis.call('ZREMRANGEBYRANK', KEYS[1], 0, 0)
return v[1]
`)

// RedisAdapter implements Adapter against a single *redis.Client.
// Blocking waits and bookkeeping pushes are expected to use separate
// clients (see broker.Registry and the worker's own non-blocking
// client) — RedisAdapter itself is agnostic to which role its
// underlying client plays.
type RedisAdapter struct {
	rdb *redis.Client
}

func NewRedisAdapter(rdb *redis.Client) *RedisAdapter {
	return &RedisAdapter{rdb: rdb}
}

func (a *RedisAdapter) WaitForNotification(ctx context.Context, listKey string) (string, error) {
	res, err := a.rdb.BLPop(ctx, 0, listKey).Result()
	if err != nil {
		return "", fmt.Errorf("broker: blocking wait on %q: %w", listKey, err)
	}
	if len(res) < 2 {
		return "", fmt.Errorf("broker: unexpected BLPOP reply for %q", listKey)
	}
	return res[1], nil
}

func (a *RedisAdapter) PopFirst(ctx context.Context, sortedSetKey string) (string, bool, error) {
	res, err := popFirstScript.Run(ctx, a.rdb, []string{sortedSetKey}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("broker: atomic pop on %q: %w", sortedSetKey, err)
	}
	id, ok := res.(string)
	if !ok {
		// the script's Lua false for an empty set arrives as a nil
		// reply (redis.Nil, handled above); any other non-string reply
		// is likewise treated as nothing popped.
		return "", false, nil
	}
	return id, true, nil
}

func (a *RedisAdapter) PushToken(ctx context.Context, listKey string) error {
	if err := a.rdb.RPush(ctx, listKey, RecoveryToken).Err(); err != nil {
		return fmt.Errorf("broker: push recovery token to %q: %w", listKey, err)
	}
	return nil
}

func (a *RedisAdapter) Close() error {
	return a.rdb.Close()
}

// DialTimeout is used when the registry lazily dials a per-type
// blocking connection; the blocking call itself has no timeout once
// established (spec: "blocking is indefinite, no timeout at this
// layer").
const DialTimeout = 5 * time.Second
