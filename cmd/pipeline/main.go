// Command pipeline runs the staged work-queue pipeline and its operator
// commands.
//
// Subcommands:
//
//	run           run the pipeline in the configured mode (batch or continuous)
//	discover      walk the follow-graph to grow the user population
//	enqueue-user  make one account due for scraping (resolving it if unknown)
//	add-topic     declare a topic for a known user by hand
//	seed          enqueue users and declared topics from a YAML file
//	release       clear the in-flight sets after a crash (pipeline must be stopped)
//	stats         print queue and set depths
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/fairyhunter13/user-topic-pipeline/internal/adapter/broker/redisbroker"
	"github.com/fairyhunter13/user-topic-pipeline/internal/adapter/nlp/googlenlp"
	"github.com/fairyhunter13/user-topic-pipeline/internal/adapter/observability"
	"github.com/fairyhunter13/user-topic-pipeline/internal/adapter/posts/twitterapi"
	"github.com/fairyhunter13/user-topic-pipeline/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/user-topic-pipeline/internal/config"
	"github.com/fairyhunter13/user-topic-pipeline/internal/pipeline"
	"github.com/fairyhunter13/user-topic-pipeline/internal/usecase"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := buildDeps(ctx, cfg)
	if err != nil {
		slog.Error("startup failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer deps.close()

	if err := dispatch(ctx, cfg, deps, os.Args[1], os.Args[2:]); err != nil {
		slog.Error("command failed", slog.String("command", os.Args[1]), slog.Any("error", err))
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: pipeline <run|discover|enqueue-user|add-topic|seed|release|stats> [flags]")
}

type deps struct {
	store  *postgres.Store
	broker *redisbroker.Broker
	posts  *twitterapi.Client
	nlp    *googlenlp.Client

	closers []func()
}

func (d *deps) close() {
	for _, fn := range d.closers {
		fn()
	}
}

func buildDeps(ctx context.Context, cfg config.Config) (*deps, error) {
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		return nil, fmt.Errorf("store connect: %w", err)
	}
	broker := redisbroker.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err := broker.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("broker connect: %w", err)
	}
	return &deps{
		store:   postgres.NewStore(pool),
		broker:  broker,
		posts:   twitterapi.New(cfg.TwitterBaseURL, cfg.TwitterBearerToken),
		nlp:     googlenlp.New(cfg.GoogleNLPBaseURL, cfg.GoogleNLPAPIKey),
		closers: []func(){pool.Close, func() { _ = broker.Close() }},
	}, nil
}

func dispatch(ctx context.Context, cfg config.Config, d *deps, command string, args []string) error {
	switch command {
	case "run":
		return runPipeline(ctx, cfg, d)
	case "discover":
		return runDiscover(ctx, cfg, d, args)
	case "enqueue-user":
		return runEnqueueUser(ctx, d, args)
	case "add-topic":
		return runAddTopic(ctx, d, args)
	case "seed":
		return runSeed(ctx, d, args)
	case "release":
		return runRelease(ctx, d)
	case "stats":
		return runStats(ctx, d)
	default:
		usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

func buildRunner(cfg config.Config, d *deps) *pipeline.Runner {
	log := slog.Default()
	postsReg := pipeline.NewRegistry(d.broker, pipeline.KeyPostsAPIReset, nil)
	nlpReg := pipeline.NewRegistry(d.broker, pipeline.KeyNLPAPIReset, nil)

	coord := pipeline.NewCoordinator(d.store, d.broker, log, cfg.RescrapeAfter, cfg.ClassifyPostsPerFetch, nil)
	scrape := pipeline.NewScrapeWorker(d.broker, d.posts, postsReg, log, cfg.ScrapePostsPerFetch, cfg.PostsRateLimitBackoff, nil)
	entity := pipeline.NewEntityWorker(d.broker, d.nlp, nlpReg, log, cfg.NLPRateLimitBackoff, nil)
	classify := pipeline.NewClassifyWorker(d.broker, d.nlp, nlpReg, log, cfg.NLPRateLimitBackoff, nil)

	return pipeline.NewRunner(coord, scrape, entity, classify, postsReg, nlpReg, cfg.ContinuousTick, log)
}

func runPipeline(ctx context.Context, cfg config.Config, d *deps) error {
	if err := postgres.Migrate(ctx, d.store.Pool); err != nil {
		return err
	}
	runner := buildRunner(cfg, d)
	if cfg.ContinuousMode() {
		slog.Info("pipeline starting", slog.String("mode", "continuous"))
		return runner.RunContinuous(ctx)
	}
	slog.Info("pipeline starting", slog.String("mode", "batch"))
	return runner.RunBatch(ctx)
}

func runDiscover(ctx context.Context, cfg config.Config, d *deps, args []string) error {
	fs := flag.NewFlagSet("discover", flag.ContinueOnError)
	daemon := fs.Bool("daemon", false, "keep walking until interrupted")
	if err := fs.Parse(args); err != nil {
		return err
	}

	postsReg := pipeline.NewRegistry(d.broker, pipeline.KeyPostsAPIReset, nil)
	disc := pipeline.NewDiscoverer(d.store, d.posts, postsReg, slog.Default(), cfg.PostsRateLimitBackoff, nil)

	for {
		outcome, err := disc.Tick(ctx)
		if err != nil {
			return err
		}
		if !*daemon && outcome == pipeline.Idle {
			return nil
		}
		if outcome == pipeline.Wait || outcome == pipeline.Idle {
			wait, err := postsReg.TimeUntilReset(ctx)
			if err != nil {
				return err
			}
			if wait == 0 {
				wait = cfg.ContinuousTick
			}
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case <-t.C:
			}
		}
	}
}

func runEnqueueUser(ctx context.Context, d *deps, args []string) error {
	fs := flag.NewFlagSet("enqueue-user", flag.ContinueOnError)
	username := fs.String("username", "", "account username to enqueue")
	if err := fs.Parse(args); err != nil {
		return err
	}
	svc := usecase.NewUserService(d.store, d.posts)
	u, err := svc.EnqueueUser(ctx, *username)
	if err != nil {
		return err
	}
	slog.Info("user enqueued", slog.String("user_id", u.ID), slog.String("username", u.Username))
	return nil
}

func runAddTopic(ctx context.Context, d *deps, args []string) error {
	fs := flag.NewFlagSet("add-topic", flag.ContinueOnError)
	username := fs.String("username", "", "account username")
	topic := fs.String("topic", "", "topic name to declare")
	if err := fs.Parse(args); err != nil {
		return err
	}
	svc := usecase.NewUserService(d.store, d.posts)
	if err := svc.AddTopic(ctx, *username, *topic); err != nil {
		return err
	}
	slog.Info("topic declared", slog.String("username", *username), slog.String("topic", *topic))
	return nil
}

func runRelease(ctx context.Context, d *deps) error {
	svc := usecase.NewOpsService(d.broker)
	users, posts, err := svc.ReleaseInFlight(ctx)
	if err != nil {
		return err
	}
	slog.Info("in-flight sets released", slog.Int("users", users), slog.Int("posts", posts))
	return nil
}

func runStats(ctx context.Context, d *deps) error {
	svc := usecase.NewOpsService(d.broker)
	stats, err := svc.QueueStats(ctx)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%-32s %d\n", k, stats[k])
	}
	return nil
}
