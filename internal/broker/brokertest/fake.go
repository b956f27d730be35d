// Package brokertest provides an in-process fake broker.Adapter so
// jobqueue tests can exercise the claim protocol's two-phase wait and
// pop without a real Redis instance.
package brokertest

import (
	"context"
	"sync"

	"github.com/yungbote/jobworker/internal/broker"
)

// Broker holds the shared lists/sets a set of fake connections observe,
// standing in for the Redis server itself. Dial returns a fresh Conn
// each call, the way a registry re-dialing after a Close would get a
// new *redis.Client over the same server.
type Broker struct {
	mu    sync.Mutex
	cond  *sync.Cond
	lists map[string][]string
	sets  map[string][]string
}

func NewBroker() *Broker {
	b := &Broker{lists: make(map[string][]string), sets: make(map[string][]string)}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Dial satisfies the registry's dial func signature, ignoring jobType
// since this fake serves a single shared server.
func (b *Broker) Dial(string) (broker.Adapter, error) { return &Conn{broker: b}, nil }

// Notify pushes a wake-up element onto listKey and appends id onto the
// sorted set, mimicking a producer enqueueing a job.
func (b *Broker) Notify(listKey, setKey, id string) {
	b.mu.Lock()
	b.sets[setKey] = append(b.sets[setKey], id)
	b.lists[listKey] = append(b.lists[listKey], "notify")
	b.mu.Unlock()
	b.cond.Broadcast()
}

// Conn is a single fake connection to a Broker. Closing a Conn only
// affects that connection's blocked callers, matching RedisAdapter's
// semantics where closing the underlying *redis.Client unblocks a
// BLPOP on that client alone.
type Conn struct {
	broker *Broker
	mu     sync.Mutex
	closed bool
}

func (c *Conn) WaitForNotification(ctx context.Context, listKey string) (string, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		if c.isClosed() {
			return "", broker.ErrClosed
		}
		if items := b.lists[listKey]; len(items) > 0 {
			v := items[0]
			b.lists[listKey] = items[1:]
			return v, nil
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		c.waitUnlocked(ctx)
	}
}

// waitUnlocked blocks on the broker's condition variable, waking early
// on ctx cancellation or this connection's own Close. Must be called
// with b.mu held.
func (c *Conn) waitUnlocked(ctx context.Context) {
	b := c.broker
	done := make(chan struct{})
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			b.cond.Broadcast()
		case <-stop:
		}
		close(done)
	}()
	b.cond.Wait()
	close(stop)
	<-done
}

func (c *Conn) PopFirst(ctx context.Context, sortedSetKey string) (string, bool, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	items := b.sets[sortedSetKey]
	if len(items) == 0 {
		return "", false, nil
	}
	id := items[0]
	b.sets[sortedSetKey] = items[1:]
	return id, true, nil
}

func (c *Conn) PushToken(ctx context.Context, listKey string) error {
	b := c.broker
	b.mu.Lock()
	b.lists[listKey] = append(b.lists[listKey], broker.RecoveryToken)
	b.mu.Unlock()
	b.cond.Broadcast()
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.broker.mu.Lock()
	c.broker.cond.Broadcast()
	c.broker.mu.Unlock()
	return nil
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
