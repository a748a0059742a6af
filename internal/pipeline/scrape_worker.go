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

// ScrapeWorker consumes user-scrape requests, fetches recent posts and
// emits one scrape-result envelope per user. An empty fetch still emits a
// result so the coordinator advances last_scraped.
type ScrapeWorker struct {
	broker   domain.Broker
	posts    domain.PostsAPI
	registry *Registry
	log      *slog.Logger

	postsPerFetch int
	// Fallback when the API throttles without exposing a reset time.
	backoff time.Duration
	now     func() time.Time
}

func NewScrapeWorker(broker domain.Broker, posts domain.PostsAPI, registry *Registry, log *slog.Logger, postsPerFetch int, backoff time.Duration, now func() time.Time) *ScrapeWorker {
	if now == nil {
		now = time.Now
	}
	return &ScrapeWorker{
		broker:        broker,
		posts:         posts,
		registry:      registry,
		log:           log,
		postsPerFetch: postsPerFetch,
		backoff:       backoff,
		now:           now,
	}
}

// Tick processes at most one scrape request.
func (w *ScrapeWorker) Tick(ctx context.Context) (Outcome, error) {
	d, err := w.registry.TimeUntilReset(ctx)
	if err != nil {
		return Idle, fmt.Errorf("op=scrape_worker.tick: %w", err)
	}
	if d > 0 {
		observability.RateLimitWaits.WithLabelValues("posts_api").Inc()
		observability.TickOutcome("scrape", Wait.String())
		return Wait, nil
	}

	userID, ok, err := w.broker.SPop(ctx, SetReqScrape)
	if err != nil {
		return Idle, fmt.Errorf("op=scrape_worker.tick: %w", err)
	}
	if !ok {
		observability.TickOutcome("scrape", Idle.String())
		return Idle, nil
	}

	posts, err := w.posts.UserPosts(ctx, userID, w.postsPerFetch)
	if err != nil {
		var rl *domain.RateLimitedError
		if errors.As(err, &rl) {
			reset := rl.Reset
			if reset.IsZero() {
				reset = w.now().Add(w.backoff)
			}
			if err := w.registry.SetReset(ctx, reset); err != nil {
				return Idle, fmt.Errorf("op=scrape_worker.tick user=%s: %w", userID, err)
			}
			if err := w.broker.SAdd(ctx, SetReqScrape, userID); err != nil {
				return Idle, fmt.Errorf("op=scrape_worker.tick user=%s: %w", userID, err)
			}
			w.log.Warn("posts api rate limited",
				slog.String("user_id", userID),
				slog.Time("reset", reset))
			observability.TickOutcome("scrape", Wait.String())
			return Wait, nil
		}
		// Non-rate-limit failure: drop the request. The user stays in the
		// in-flight set until an operator releases it; automatic re-queue
		// would retry a poison record forever.
		w.log.Error("scrape failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()))
		observability.TickOutcome("scrape", "error")
		return Processed, nil
	}

	raw, err := domain.EncodeScrapeResult(domain.ScrapeResult{UserID: userID, Posts: posts})
	if err != nil {
		return Idle, fmt.Errorf("op=scrape_worker.tick user=%s: %w", userID, err)
	}
	if err := w.broker.PushTail(ctx, QueueResScrape, raw); err != nil {
		return Idle, fmt.Errorf("op=scrape_worker.tick user=%s: %w", userID, err)
	}
	observability.TickOutcome("scrape", Processed.String())
	return Processed, nil
}

var _ Ticker = (*ScrapeWorker)(nil)
