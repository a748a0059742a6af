package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fairyhunter13/user-topic-pipeline/internal/adapter/observability"
	"github.com/fairyhunter13/user-topic-pipeline/internal/domain"
)

// ClassifyWorker consumes classification requests, classifies the joined
// text of each (user, entity) group and emits classification results.
type ClassifyWorker struct {
	broker   domain.Broker
	nlp      domain.NLPAPI
	registry *Registry
	log      *slog.Logger

	backoff time.Duration
	now     func() time.Time
}

func NewClassifyWorker(broker domain.Broker, nlp domain.NLPAPI, registry *Registry, log *slog.Logger, backoff time.Duration, now func() time.Time) *ClassifyWorker {
	if now == nil {
		now = time.Now
	}
	return &ClassifyWorker{
		broker:   broker,
		nlp:      nlp,
		registry: registry,
		log:      log,
		backoff:  backoff,
		now:      now,
	}
}

// Tick processes at most one classification request.
func (w *ClassifyWorker) Tick(ctx context.Context) (Outcome, error) {
	d, err := w.registry.TimeUntilReset(ctx)
	if err != nil {
		return Idle, fmt.Errorf("op=classify_worker.tick: %w", err)
	}
	if d > 0 {
		observability.RateLimitWaits.WithLabelValues("nlp_api").Inc()
		observability.TickOutcome("classify", Wait.String())
		return Wait, nil
	}

	raw, ok, err := w.broker.PopHead(ctx, QueueReqClassify)
	if err != nil {
		return Idle, fmt.Errorf("op=classify_worker.tick: %w", err)
	}
	if !ok {
		observability.TickOutcome("classify", Idle.String())
		return Idle, nil
	}
	req, err := domain.DecodeClassificationRequest(raw)
	if err != nil {
		return Idle, fmt.Errorf("op=classify_worker.tick: %w", err)
	}

	postIDs := make([]string, 0, len(req.Posts))
	texts := make([]string, 0, len(req.Posts))
	for _, p := range req.Posts {
		postIDs = append(postIDs, p.ID)
		texts = append(texts, p.Text)
	}

	categories, err := w.nlp.ClassifyText(ctx, strings.Join(texts, "\n"))
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		// Text too short or unclassifiable. Emit an empty result so the
		// posts advance to classified instead of looping.
		w.log.Info("classification rejected as invalid, advancing posts",
			slog.String("request_id", req.ID),
			slog.String("user_id", req.UserID))
		categories = nil
	case err != nil:
		var rl *domain.RateLimitedError
		if errors.As(err, &rl) {
			reset := rl.Reset
			if reset.IsZero() {
				reset = w.now().Add(w.backoff)
			}
			if err := w.registry.SetReset(ctx, reset); err != nil {
				return Idle, fmt.Errorf("op=classify_worker.tick request=%s: %w", req.ID, err)
			}
			if err := w.broker.PushHead(ctx, QueueReqClassify, raw); err != nil {
				return Idle, fmt.Errorf("op=classify_worker.tick request=%s: %w", req.ID, err)
			}
			w.log.Warn("nlp api rate limited",
				slog.String("request_id", req.ID),
				slog.Time("reset", reset))
			observability.TickOutcome("classify", Wait.String())
			return Wait, nil
		}
		// Drop the request; the posts stay in flight until operator
		// release.
		w.log.Error("classification failed",
			slog.String("request_id", req.ID),
			slog.String("user_id", req.UserID),
			slog.String("error", err.Error()))
		observability.TickOutcome("classify", "error")
		return Processed, nil
	}

	out, err := domain.EncodeClassificationResult(domain.ClassificationResult{
		UserID:     req.UserID,
		Categories: categories,
		PostIDs:    postIDs,
	})
	if err != nil {
		return Idle, fmt.Errorf("op=classify_worker.tick request=%s: %w", req.ID, err)
	}
	if err := w.broker.PushTail(ctx, QueueResClassify, out); err != nil {
		return Idle, fmt.Errorf("op=classify_worker.tick request=%s: %w", req.ID, err)
	}
	observability.TickOutcome("classify", Processed.String())
	return Processed, nil
}

var _ Ticker = (*ClassifyWorker)(nil)
