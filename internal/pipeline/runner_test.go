package pipeline_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/user-topic-pipeline/internal/domain"
	"github.com/fairyhunter13/user-topic-pipeline/internal/pipeline"
)

type batchHarness struct {
	store  *memStore
	broker domain.Broker
	clock  *fakeClock
	api    *fakePostsAPI
	nlp    *fakeNLP
	runner *pipeline.Runner
}

func newBatchHarness(t *testing.T) *batchHarness {
	t.Helper()
	store := newMemStore()
	broker := testBroker(t)
	clock := newFakeClock(testStart)
	api := newFakePostsAPI()
	nlp := &fakeNLP{}
	log := testLogger()

	postsReg := pipeline.NewRegistry(broker, pipeline.KeyPostsAPIReset, clock.Now)
	nlpReg := pipeline.NewRegistry(broker, pipeline.KeyNLPAPIReset, clock.Now)
	backoff := 15 * time.Minute

	coord := pipeline.NewCoordinator(store, broker, log, 7*24*time.Hour, 50, clock.Now)
	scrape := pipeline.NewScrapeWorker(broker, api, postsReg, log, 10, backoff, clock.Now)
	entity := pipeline.NewEntityWorker(broker, nlp, nlpReg, log, backoff, clock.Now)
	classify := pipeline.NewClassifyWorker(broker, nlp, nlpReg, log, backoff, clock.Now)

	runner := pipeline.NewRunner(coord, scrape, entity, classify, postsReg, nlpReg, 200*time.Millisecond, log)
	runner.SetSleep(func(_ context.Context, d time.Duration) error {
		clock.Advance(d)
		return nil
	})
	return &batchHarness{store: store, broker: broker, clock: clock, api: api, nlp: nlp, runner: runner}
}

func TestBatchUserWithNoPosts(t *testing.T) {
	ctx := context.Background()
	h := newBatchHarness(t)
	require.NoError(t, h.store.UpsertUser(ctx, domain.User{ID: "u1", Username: "alice"}))

	require.NoError(t, h.runner.RunBatch(ctx))

	u, _ := h.store.user("u1")
	require.NotNil(t, u.LastScraped)
	assert.Equal(t, h.clock.Now(), *u.LastScraped)

	for _, q := range []string{pipeline.QueueReqEntity, pipeline.QueueReqClassify} {
		n, err := h.broker.QueueLen(ctx, q)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n, q)
	}
}

func TestBatchFullCycle(t *testing.T) {
	ctx := context.Background()
	h := newBatchHarness(t)
	require.NoError(t, h.store.UpsertUser(ctx, domain.User{ID: "u1", Username: "alice"}))
	h.api.posts["u1"] = []domain.Post{
		{ID: "p1", UserID: "u1", CreatedAt: testStart, Text: "go is nice"},
		{ID: "p2", UserID: "u1", CreatedAt: testStart, Text: "go is fast"},
	}
	h.nlp.analyzeFn = func(string) ([]domain.Entity, error) {
		return []domain.Entity{{Name: "go", Type: domain.EntityTypeOther}}, nil
	}
	h.nlp.classifyFn = func(string) ([]domain.Category, error) {
		return []domain.Category{{Name: "/Computers & Electronics", Confidence: 0.9}}, nil
	}

	require.NoError(t, h.runner.RunBatch(ctx))

	for _, id := range []string{"p1", "p2"} {
		p, ok := h.store.post(id)
		require.True(t, ok, id)
		assert.True(t, p.Analyzed, id)
		assert.True(t, p.Classified, id)
		// At-most-once advancement per flag.
		assert.Equal(t, 1, h.store.analyzedTransitions[id], id)
		assert.Equal(t, 1, h.store.classifiedTransitions[id], id)
	}
	assert.Equal(t, 1, h.store.scrapeMarks["u1"])
	assert.Equal(t, int64(2), h.store.userTopicCount("u1", "/Computers & Electronics"))

	// Nothing left in flight or queued.
	for _, set := range []string{pipeline.SetUsersInFlight, pipeline.SetPostsInFlight, pipeline.SetReqScrape} {
		members, err := h.broker.SMembers(ctx, set)
		require.NoError(t, err)
		assert.Empty(t, members, set)
	}
	for _, q := range []string{
		pipeline.QueueResScrape, pipeline.QueueReqEntity, pipeline.QueueResEntity,
		pipeline.QueueReqClassify, pipeline.QueueResClassify,
	} {
		n, err := h.broker.QueueLen(ctx, q)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n, q)
	}
}

func TestBatchRecoversFromScrapeRateLimit(t *testing.T) {
	ctx := context.Background()
	h := newBatchHarness(t)
	require.NoError(t, h.store.UpsertUser(ctx, domain.User{ID: "u1", Username: "alice"}))
	h.api.errs["u1"] = &domain.RateLimitedError{Reset: testStart.Add(60 * time.Second)}
	h.api.posts["u1"] = []domain.Post{
		{ID: "p1", UserID: "u1", CreatedAt: testStart, Text: "go is nice"},
	}
	h.nlp.analyzeFn = func(string) ([]domain.Entity, error) {
		return []domain.Entity{{Name: "go", Type: domain.EntityTypeOther}}, nil
	}
	h.nlp.classifyFn = func(string) ([]domain.Category, error) {
		return []domain.Category{{Name: "/Computers & Electronics", Confidence: 0.9}}, nil
	}

	// The batch sleeps through the 60 s window, retries the same user and
	// finishes the cycle.
	require.NoError(t, h.runner.RunBatch(ctx))

	p, ok := h.store.post("p1")
	require.True(t, ok)
	assert.True(t, p.Analyzed)
	assert.True(t, p.Classified)
	assert.True(t, h.clock.Now().After(testStart.Add(59*time.Second)))
}

func TestBatchMixedEntitiesProduceSeparateClassifications(t *testing.T) {
	ctx := context.Background()
	h := newBatchHarness(t)
	require.NoError(t, h.store.UpsertUser(ctx, domain.User{ID: "u1", Username: "alice"}))
	h.api.posts["u1"] = []domain.Post{
		{ID: "p1", UserID: "u1", CreatedAt: testStart, Text: "about go"},
		{ID: "p2", UserID: "u1", CreatedAt: testStart, Text: "about boston"},
	}
	h.nlp.analyzeFn = func(text string) ([]domain.Entity, error) {
		if strings.Contains(text, "boston") {
			return []domain.Entity{{Name: "boston", Type: domain.EntityTypeLocation}}, nil
		}
		return []domain.Entity{{Name: "go", Type: domain.EntityTypeOther}}, nil
	}
	classifyCalls := 0
	h.nlp.classifyFn = func(string) ([]domain.Category, error) {
		classifyCalls++
		return []domain.Category{{Name: "/Topic", Confidence: 0.5}}, nil
	}

	require.NoError(t, h.runner.RunBatch(ctx))

	// One classify call per (user, entity) partition.
	assert.Equal(t, 2, classifyCalls)
	assert.Equal(t, int64(2), h.store.userTopicCount("u1", "/Topic"))
}

func TestContinuousStopsOnCancel(t *testing.T) {
	h := newBatchHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	rounds := 0
	h.runner.SetSleep(func(_ context.Context, d time.Duration) error {
		h.clock.Advance(d)
		rounds++
		if rounds >= 3 {
			cancel()
		}
		return nil
	})

	require.NoError(t, h.store.UpsertUser(ctx, domain.User{ID: "u1", Username: "alice"}))
	require.NoError(t, h.runner.RunContinuous(ctx))
	assert.GreaterOrEqual(t, rounds, 3)
}
