package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/fairyhunter13/user-topic-pipeline/internal/domain"
)

// Registry tracks the earliest wall-clock time at which one external
// service may be called again. The value lives in the broker as an epoch
// second so every role in every process sees the same reset. Writers write
// monotone values and reads are advisory, so no locking is needed.
type Registry struct {
	broker domain.Broker
	key    string
	now    func() time.Time
}

// NewRegistry builds a registry over the given broker key. now is injected
// so tests can fake time.
func NewRegistry(broker domain.Broker, key string, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{broker: broker, key: key, now: now}
}

// TimeUntilReset returns how long until the service may be retried, zero
// if it may be called now.
func (r *Registry) TimeUntilReset(ctx context.Context) (time.Duration, error) {
	raw, ok, err := r.broker.Get(ctx, r.key)
	if err != nil {
		return 0, fmt.Errorf("op=registry.get key=%s: %w", r.key, err)
	}
	if !ok {
		return 0, nil
	}
	epoch, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("op=registry.parse key=%s val=%q: %w", r.key, raw, err)
	}
	d := time.Unix(epoch, 0).Sub(r.now())
	if d < 0 {
		return 0, nil
	}
	return d, nil
}

// SetReset records the time at which the service may be retried.
func (r *Registry) SetReset(ctx context.Context, t time.Time) error {
	if err := r.broker.Set(ctx, r.key, strconv.FormatInt(t.Unix(), 10)); err != nil {
		return fmt.Errorf("op=registry.set key=%s: %w", r.key, err)
	}
	return nil
}
