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

// EntityWorker consumes post-entity requests, runs entity extraction and
// emits entity results.
type EntityWorker struct {
	broker   domain.Broker
	nlp      domain.NLPAPI
	registry *Registry
	log      *slog.Logger

	// The NLP service does not expose a reset time; this is the
	// conservative wait applied on every throttle.
	backoff time.Duration
	now     func() time.Time
}

func NewEntityWorker(broker domain.Broker, nlp domain.NLPAPI, registry *Registry, log *slog.Logger, backoff time.Duration, now func() time.Time) *EntityWorker {
	if now == nil {
		now = time.Now
	}
	return &EntityWorker{
		broker:   broker,
		nlp:      nlp,
		registry: registry,
		log:      log,
		backoff:  backoff,
		now:      now,
	}
}

// Tick processes at most one entity request.
func (w *EntityWorker) Tick(ctx context.Context) (Outcome, error) {
	d, err := w.registry.TimeUntilReset(ctx)
	if err != nil {
		return Idle, fmt.Errorf("op=entity_worker.tick: %w", err)
	}
	if d > 0 {
		observability.RateLimitWaits.WithLabelValues("nlp_api").Inc()
		observability.TickOutcome("entity", Wait.String())
		return Wait, nil
	}

	raw, ok, err := w.broker.PopHead(ctx, QueueReqEntity)
	if err != nil {
		return Idle, fmt.Errorf("op=entity_worker.tick: %w", err)
	}
	if !ok {
		observability.TickOutcome("entity", Idle.String())
		return Idle, nil
	}
	post, err := domain.DecodePost(raw)
	if err != nil {
		return Idle, fmt.Errorf("op=entity_worker.tick: %w", err)
	}

	entities, err := w.nlp.AnalyzeEntities(ctx, post.Text)
	if err != nil {
		var rl *domain.RateLimitedError
		if errors.As(err, &rl) {
			reset := rl.Reset
			if reset.IsZero() {
				reset = w.now().Add(w.backoff)
			}
			if err := w.registry.SetReset(ctx, reset); err != nil {
				return Idle, fmt.Errorf("op=entity_worker.tick post=%s: %w", post.ID, err)
			}
			if err := w.broker.PushHead(ctx, QueueReqEntity, raw); err != nil {
				return Idle, fmt.Errorf("op=entity_worker.tick post=%s: %w", post.ID, err)
			}
			w.log.Warn("nlp api rate limited",
				slog.String("post_id", post.ID),
				slog.Time("reset", reset))
			observability.TickOutcome("entity", Wait.String())
			return Wait, nil
		}
		// Drop the request; the post stays in flight until operator
		// release.
		w.log.Error("entity analysis failed",
			slog.String("post_id", post.ID),
			slog.String("error", err.Error()))
		observability.TickOutcome("entity", "error")
		return Processed, nil
	}

	out, err := domain.EncodeEntityResult(domain.EntityResult{Post: post, Entities: entities})
	if err != nil {
		return Idle, fmt.Errorf("op=entity_worker.tick post=%s: %w", post.ID, err)
	}
	if err := w.broker.PushTail(ctx, QueueResEntity, out); err != nil {
		return Idle, fmt.Errorf("op=entity_worker.tick post=%s: %w", post.ID, err)
	}
	observability.TickOutcome("entity", Processed.String())
	return Processed, nil
}

var _ Ticker = (*EntityWorker)(nil)
