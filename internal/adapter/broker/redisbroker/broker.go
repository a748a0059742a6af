// Package redisbroker implements the broker port on Redis.
//
// Lists back the FIFO request/result queues, sets back the in-flight
// guards and the scrape-request queue, and plain keys back the rate-limit
// registry. All operations map to single Redis commands and are therefore
// atomic.
package redisbroker

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/user-topic-pipeline/internal/domain"
)

// Broker is a domain.Broker backed by a Redis client.
type Broker struct {
	client *redis.Client
}

// New constructs a Broker for the given endpoint.
func New(addr, password string, db int) *Broker {
	return &Broker{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

// NewFromClient wraps an existing client; used by tests with miniredis.
func NewFromClient(c *redis.Client) *Broker { return &Broker{client: c} }

// Close releases the underlying client.
func (b *Broker) Close() error { return b.client.Close() }

// Ping verifies the broker is reachable.
func (b *Broker) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("op=broker.ping: %w", err)
	}
	return nil
}

// PushTail appends a value to the end of a queue.
func (b *Broker) PushTail(ctx context.Context, queue, val string) error {
	if err := b.client.RPush(ctx, queue, val).Err(); err != nil {
		return fmt.Errorf("op=broker.push_tail queue=%s: %w", queue, err)
	}
	return nil
}

// PushHead re-queues a value at the front of a queue.
func (b *Broker) PushHead(ctx context.Context, queue, val string) error {
	if err := b.client.LPush(ctx, queue, val).Err(); err != nil {
		return fmt.Errorf("op=broker.push_head queue=%s: %w", queue, err)
	}
	return nil
}

// PopHead removes and returns the first element of a queue. The second
// return is false when the queue is empty.
func (b *Broker) PopHead(ctx context.Context, queue string) (string, bool, error) {
	v, err := b.client.LPop(ctx, queue).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("op=broker.pop_head queue=%s: %w", queue, err)
	}
	return v, true, nil
}

// PeekHead returns the first element of a queue without removing it. The
// coordinator peeks, commits the store transaction, then pops, so a crash
// mid-apply leaves the result in place for replay.
func (b *Broker) PeekHead(ctx context.Context, queue string) (string, bool, error) {
	v, err := b.client.LIndex(ctx, queue, 0).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("op=broker.peek_head queue=%s: %w", queue, err)
	}
	return v, true, nil
}

// QueueLen returns the number of elements in a queue.
func (b *Broker) QueueLen(ctx context.Context, queue string) (int64, error) {
	n, err := b.client.LLen(ctx, queue).Result()
	if err != nil {
		return 0, fmt.Errorf("op=broker.queue_len queue=%s: %w", queue, err)
	}
	return n, nil
}

// SAdd adds a member to a set.
func (b *Broker) SAdd(ctx context.Context, set, member string) error {
	if err := b.client.SAdd(ctx, set, member).Err(); err != nil {
		return fmt.Errorf("op=broker.sadd set=%s: %w", set, err)
	}
	return nil
}

// SRem removes a member from a set.
func (b *Broker) SRem(ctx context.Context, set, member string) error {
	if err := b.client.SRem(ctx, set, member).Err(); err != nil {
		return fmt.Errorf("op=broker.srem set=%s: %w", set, err)
	}
	return nil
}

// SIsMember reports set membership.
func (b *Broker) SIsMember(ctx context.Context, set, member string) (bool, error) {
	ok, err := b.client.SIsMember(ctx, set, member).Result()
	if err != nil {
		return false, fmt.Errorf("op=broker.sismember set=%s: %w", set, err)
	}
	return ok, nil
}

// SPop removes and returns an arbitrary member of a set. The second return
// is false when the set is empty.
func (b *Broker) SPop(ctx context.Context, set string) (string, bool, error) {
	v, err := b.client.SPop(ctx, set).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("op=broker.spop set=%s: %w", set, err)
	}
	return v, true, nil
}

// SMembers returns all members of a set.
func (b *Broker) SMembers(ctx context.Context, set string) ([]string, error) {
	vals, err := b.client.SMembers(ctx, set).Result()
	if err != nil {
		return nil, fmt.Errorf("op=broker.smembers set=%s: %w", set, err)
	}
	return vals, nil
}

// Get returns the value of a plain key; the second return is false when
// the key is absent.
func (b *Broker) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := b.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("op=broker.get key=%s: %w", key, err)
	}
	return v, true, nil
}

// Set overwrites the value of a plain key.
func (b *Broker) Set(ctx context.Context, key, val string) error {
	if err := b.client.Set(ctx, key, val, 0).Err(); err != nil {
		return fmt.Errorf("op=broker.set key=%s: %w", key, err)
	}
	return nil
}

// Del removes the given keys (queues, sets or plain keys).
func (b *Broker) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := b.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("op=broker.del: %w", err)
	}
	return nil
}

var _ domain.Broker = (*Broker)(nil)
