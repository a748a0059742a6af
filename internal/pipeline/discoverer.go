package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/user-topic-pipeline/internal/adapter/observability"
	"github.com/fairyhunter13/user-topic-pipeline/internal/domain"
)

// Discoverer walks the follow-graph to grow the user population. One tick
// picks one user whose following list has not been walked, pages through
// it and upserts every account the store has not seen. scraped_following
// is only set when the walk completes without error, so a rate-limited
// walk resumes from scratch on the next tick.
type Discoverer struct {
	store    domain.Store
	posts    domain.PostsAPI
	registry *Registry
	log      *slog.Logger

	backoff time.Duration
	now     func() time.Time
}

func NewDiscoverer(store domain.Store, posts domain.PostsAPI, registry *Registry, log *slog.Logger, backoff time.Duration, now func() time.Time) *Discoverer {
	if now == nil {
		now = time.Now
	}
	return &Discoverer{
		store:    store,
		posts:    posts,
		registry: registry,
		log:      log,
		backoff:  backoff,
		now:      now,
	}
}

// Tick walks at most one user's following list.
func (d *Discoverer) Tick(ctx context.Context) (Outcome, error) {
	wait, err := d.registry.TimeUntilReset(ctx)
	if err != nil {
		return Idle, fmt.Errorf("op=discoverer.tick: %w", err)
	}
	if wait > 0 {
		observability.RateLimitWaits.WithLabelValues("posts_api").Inc()
		observability.TickOutcome("discoverer", Wait.String())
		return Wait, nil
	}

	user, ok, err := d.store.NextUserToScrapeFollowing(ctx)
	if err != nil {
		return Idle, fmt.Errorf("op=discoverer.tick: %w", err)
	}
	if !ok {
		observability.TickOutcome("discoverer", Idle.String())
		return Idle, nil
	}

	discovered := 0
	err = d.posts.ForEachFollowing(ctx, user.ID, func(followed domain.User) error {
		exists, err := d.store.UserExists(ctx, followed.ID)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		if err := d.store.UpsertUser(ctx, followed); err != nil {
			return err
		}
		discovered++
		return nil
	})
	if err != nil {
		var rl *domain.RateLimitedError
		if errors.As(err, &rl) {
			reset := rl.Reset
			if reset.IsZero() {
				reset = d.now().Add(d.backoff)
			}
			if err := d.registry.SetReset(ctx, reset); err != nil {
				return Idle, fmt.Errorf("op=discoverer.tick user=%s: %w", user.ID, err)
			}
			d.log.Warn("posts api rate limited during follow walk",
				slog.String("user_id", user.ID),
				slog.Time("reset", reset))
			observability.TickOutcome("discoverer", Wait.String())
			return Wait, nil
		}
		return Idle, fmt.Errorf("op=discoverer.tick user=%s: %w", user.ID, err)
	}

	if err := d.store.SetScrapedFollowing(ctx, user.ID); err != nil {
		return Idle, fmt.Errorf("op=discoverer.tick user=%s: %w", user.ID, err)
	}
	d.log.Info("follow walk complete",
		slog.String("user_id", user.ID),
		slog.Int("discovered", discovered))
	observability.TickOutcome("discoverer", Processed.String())
	return Processed, nil
}

var _ Ticker = (*Discoverer)(nil)
