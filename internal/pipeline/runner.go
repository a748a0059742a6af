package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Runner schedules the roles in one of two disciplines: batch runs each
// stage to completion in order and terminates; continuous round-robins
// every role forever with a small sleep between rounds.
type Runner struct {
	coord    *Coordinator
	scrape   Ticker
	entity   Ticker
	classify Ticker

	postsRegistry *Registry
	nlpRegistry   *Registry

	tick  time.Duration
	log   *slog.Logger
	sleep func(ctx context.Context, d time.Duration) error
}

func NewRunner(coord *Coordinator, scrape, entity, classify Ticker, postsRegistry, nlpRegistry *Registry, tick time.Duration, log *slog.Logger) *Runner {
	return &Runner{
		coord:         coord,
		scrape:        scrape,
		entity:        entity,
		classify:      classify,
		postsRegistry: postsRegistry,
		nlpRegistry:   nlpRegistry,
		tick:          tick,
		log:           log,
		sleep:         sleepCtx,
	}
}

// SetSleep overrides how the runner waits out rate-limit windows and
// round-robin ticks; tests pair it with a fake clock.
func (r *Runner) SetSleep(fn func(ctx context.Context, d time.Duration) error) {
	r.sleep = fn
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RunBatch drives one complete pipeline cycle: drain any leftover
// results, then for each stage enqueue its requests and tick its worker
// until the queue is empty, sleeping through rate-limit windows, then
// drain the stage's results so the next stage sees the advanced state.
func (r *Runner) RunBatch(ctx context.Context) error {
	if err := r.coord.DrainAll(ctx); err != nil {
		return err
	}

	if err := r.coord.EnqueueScrapes(ctx); err != nil {
		return err
	}
	if err := r.runStage(ctx, "scrape", r.scrape, r.postsRegistry); err != nil {
		return err
	}
	if err := r.coord.DrainScrapeResults(ctx); err != nil {
		return err
	}

	if err := r.coord.EnqueueEntityRequests(ctx); err != nil {
		return err
	}
	if err := r.runStage(ctx, "entity", r.entity, r.nlpRegistry); err != nil {
		return err
	}
	if err := r.coord.DrainEntityResults(ctx); err != nil {
		return err
	}

	if err := r.coord.EnqueueClassifyRequests(ctx); err != nil {
		return err
	}
	if err := r.runStage(ctx, "classify", r.classify, r.nlpRegistry); err != nil {
		return err
	}
	if err := r.coord.DrainClassifyResults(ctx); err != nil {
		return err
	}

	r.log.Info("batch cycle complete")
	return nil
}

// runStage ticks one worker until its request queue is empty. Wait sleeps
// until the stage's rate limit resets and retries.
func (r *Runner) runStage(ctx context.Context, role string, w Ticker, reg *Registry) error {
	for {
		outcome, err := w.Tick(ctx)
		if err != nil {
			return fmt.Errorf("op=runner.stage role=%s: %w", role, err)
		}
		switch outcome {
		case Idle:
			return nil
		case Wait:
			d, err := reg.TimeUntilReset(ctx)
			if err != nil {
				return fmt.Errorf("op=runner.stage role=%s: %w", role, err)
			}
			if d > 0 {
				r.log.Info("stage waiting for rate limit",
					slog.String("role", role),
					slog.Duration("wait", d))
				if err := r.sleep(ctx, d); err != nil {
					return err
				}
			}
		case Processed:
			// Keep going.
		}
	}
}

// RunContinuous round-robins drain, enqueue and one tick of every role
// until the context is cancelled. Rate-limited roles simply skip their
// turn; the coordinator keeps the rest of the pipeline moving.
func (r *Runner) RunContinuous(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			r.log.Info("continuous run stopped")
			return nil
		}
		if err := r.coord.DrainAll(ctx); err != nil {
			return err
		}
		if err := r.coord.EnqueueAll(ctx); err != nil {
			return err
		}
		for _, role := range []Ticker{r.scrape, r.entity, r.classify} {
			if _, err := role.Tick(ctx); err != nil {
				return err
			}
		}
		if err := r.sleep(ctx, r.tick); err != nil {
			r.log.Info("continuous run stopped")
			return nil
		}
	}
}
