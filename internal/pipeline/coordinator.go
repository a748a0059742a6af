package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/fairyhunter13/user-topic-pipeline/internal/adapter/observability"
	"github.com/fairyhunter13/user-topic-pipeline/internal/domain"
)

// Coordinator is the sole writer to the store. It drains the result queues
// into the store and scans the store to build the request queues, guarded
// by the in-flight sets. It is deliberately single-instance: sharding it
// would require redesigning the in-flight-set protocol.
type Coordinator struct {
	store  domain.Store
	broker domain.Broker
	log    *slog.Logger

	rescrapeAfter    time.Duration
	maxClassifyPosts int
	now              func() time.Time
}

// NewCoordinator wires a coordinator. maxClassifyPosts caps the posts
// carried by one classification request; zero or negative means no cap.
// now is injected so tests can fake the rescrape horizon.
func NewCoordinator(store domain.Store, broker domain.Broker, log *slog.Logger, rescrapeAfter time.Duration, maxClassifyPosts int, now func() time.Time) *Coordinator {
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		store:            store,
		broker:           broker,
		log:              log,
		rescrapeAfter:    rescrapeAfter,
		maxClassifyPosts: maxClassifyPosts,
		now:              now,
	}
}

// DrainAll drains every result queue in dependency order: classify
// requests are built from analyzed posts, analyzed flags come from the
// entity drain, and last_scraped from the scrape drain.
func (c *Coordinator) DrainAll(ctx context.Context) error {
	if err := c.DrainScrapeResults(ctx); err != nil {
		return err
	}
	if err := c.DrainEntityResults(ctx); err != nil {
		return err
	}
	return c.DrainClassifyResults(ctx)
}

// DrainScrapeResults applies every queued scrape result. Each result is
// one completed scrape of one user: the posts are stored and last_scraped
// advances in a single transaction, then the user leaves the in-flight
// set. The payload is peeked, applied and only then popped, so a crash
// mid-apply leaves it queued for replay; the store ops are idempotent so
// replay converges.
func (c *Coordinator) DrainScrapeResults(ctx context.Context) error {
	for {
		raw, ok, err := c.broker.PeekHead(ctx, QueueResScrape)
		if err != nil {
			return fmt.Errorf("op=coordinator.drain_scrape: %w", err)
		}
		if !ok {
			return nil
		}
		res, err := domain.DecodeScrapeResult(raw)
		if err != nil {
			return fmt.Errorf("op=coordinator.drain_scrape: %w", err)
		}
		if err := c.store.ApplyScrapeResult(ctx, res.UserID, res.Posts, c.now()); err != nil {
			observability.StoreAppliesTotal.WithLabelValues("scrape", "error").Inc()
			return fmt.Errorf("op=coordinator.drain_scrape user=%s: %w", res.UserID, err)
		}
		if err := c.broker.SRem(ctx, SetUsersInFlight, res.UserID); err != nil {
			return fmt.Errorf("op=coordinator.drain_scrape user=%s: %w", res.UserID, err)
		}
		if _, _, err := c.broker.PopHead(ctx, QueueResScrape); err != nil {
			return fmt.Errorf("op=coordinator.drain_scrape user=%s: %w", res.UserID, err)
		}
		observability.StoreAppliesTotal.WithLabelValues("scrape", "ok").Inc()
		c.log.Info("scrape result applied",
			slog.String("user_id", res.UserID),
			slog.Int("posts", len(res.Posts)))
	}
}

// DrainEntityResults applies every queued entity result: entities are
// upserted, links written and the post marked analyzed in one
// transaction, then the post leaves the in-flight set.
func (c *Coordinator) DrainEntityResults(ctx context.Context) error {
	for {
		raw, ok, err := c.broker.PeekHead(ctx, QueueResEntity)
		if err != nil {
			return fmt.Errorf("op=coordinator.drain_entity: %w", err)
		}
		if !ok {
			return nil
		}
		res, err := domain.DecodeEntityResult(raw)
		if err != nil {
			return fmt.Errorf("op=coordinator.drain_entity: %w", err)
		}
		if err := c.store.RecordEntities(ctx, res.Post.ID, res.Entities); err != nil {
			observability.StoreAppliesTotal.WithLabelValues("entity", "error").Inc()
			return fmt.Errorf("op=coordinator.drain_entity post=%s: %w", res.Post.ID, err)
		}
		if err := c.broker.SRem(ctx, SetPostsInFlight, res.Post.ID); err != nil {
			return fmt.Errorf("op=coordinator.drain_entity post=%s: %w", res.Post.ID, err)
		}
		if _, _, err := c.broker.PopHead(ctx, QueueResEntity); err != nil {
			return fmt.Errorf("op=coordinator.drain_entity post=%s: %w", res.Post.ID, err)
		}
		observability.StoreAppliesTotal.WithLabelValues("entity", "ok").Inc()
	}
}

// DrainClassifyResults applies every queued classification result: topics
// and per-user counts are upserted and the listed posts marked classified
// in one transaction, then the posts leave the in-flight set.
func (c *Coordinator) DrainClassifyResults(ctx context.Context) error {
	for {
		raw, ok, err := c.broker.PeekHead(ctx, QueueResClassify)
		if err != nil {
			return fmt.Errorf("op=coordinator.drain_classify: %w", err)
		}
		if !ok {
			return nil
		}
		res, err := domain.DecodeClassificationResult(raw)
		if err != nil {
			return fmt.Errorf("op=coordinator.drain_classify: %w", err)
		}
		if err := c.store.RecordClassification(ctx, res.UserID, res.Categories, res.PostIDs); err != nil {
			observability.StoreAppliesTotal.WithLabelValues("classify", "error").Inc()
			return fmt.Errorf("op=coordinator.drain_classify user=%s: %w", res.UserID, err)
		}
		for _, postID := range res.PostIDs {
			if err := c.broker.SRem(ctx, SetPostsInFlight, postID); err != nil {
				return fmt.Errorf("op=coordinator.drain_classify user=%s: %w", res.UserID, err)
			}
		}
		if _, _, err := c.broker.PopHead(ctx, QueueResClassify); err != nil {
			return fmt.Errorf("op=coordinator.drain_classify user=%s: %w", res.UserID, err)
		}
		observability.StoreAppliesTotal.WithLabelValues("classify", "ok").Inc()
		c.log.Info("classification applied",
			slog.String("user_id", res.UserID),
			slog.Int("categories", len(res.Categories)),
			slog.Int("posts", len(res.PostIDs)))
	}
}

// EnqueueAll runs every enqueue scan in fixed order. Must run after the
// drains: reversing the order can re-enqueue a record whose result is
// sitting in a result queue.
func (c *Coordinator) EnqueueAll(ctx context.Context) error {
	if err := c.EnqueueScrapes(ctx); err != nil {
		return err
	}
	if err := c.EnqueueEntityRequests(ctx); err != nil {
		return err
	}
	return c.EnqueueClassifyRequests(ctx)
}

// EnqueueScrapes queues every user due for a scrape and not already in
// flight. The request queue is a set, so double enqueues collapse.
func (c *Coordinator) EnqueueScrapes(ctx context.Context) error {
	inFlight, err := c.broker.SMembers(ctx, SetUsersInFlight)
	if err != nil {
		return fmt.Errorf("op=coordinator.enqueue_scrapes: %w", err)
	}
	users, err := c.store.UsersDueForScrape(ctx, c.now(), c.rescrapeAfter, inFlight)
	if err != nil {
		return fmt.Errorf("op=coordinator.enqueue_scrapes: %w", err)
	}
	for _, u := range users {
		if err := c.broker.SAdd(ctx, SetReqScrape, u.ID); err != nil {
			return fmt.Errorf("op=coordinator.enqueue_scrapes user=%s: %w", u.ID, err)
		}
		if err := c.broker.SAdd(ctx, SetUsersInFlight, u.ID); err != nil {
			return fmt.Errorf("op=coordinator.enqueue_scrapes user=%s: %w", u.ID, err)
		}
	}
	if len(users) > 0 {
		c.log.Info("scrapes enqueued", slog.Int("users", len(users)))
	}
	c.observeDepths(ctx)
	return nil
}

// EnqueueEntityRequests queues every unanalyzed post not already in
// flight.
func (c *Coordinator) EnqueueEntityRequests(ctx context.Context) error {
	inFlight, err := c.broker.SMembers(ctx, SetPostsInFlight)
	if err != nil {
		return fmt.Errorf("op=coordinator.enqueue_entity: %w", err)
	}
	posts, err := c.store.PostsPendingEntity(ctx, inFlight)
	if err != nil {
		return fmt.Errorf("op=coordinator.enqueue_entity: %w", err)
	}
	for _, p := range posts {
		raw, err := domain.EncodePost(p)
		if err != nil {
			return fmt.Errorf("op=coordinator.enqueue_entity post=%s: %w", p.ID, err)
		}
		if err := c.broker.PushTail(ctx, QueueReqEntity, raw); err != nil {
			return fmt.Errorf("op=coordinator.enqueue_entity post=%s: %w", p.ID, err)
		}
		if err := c.broker.SAdd(ctx, SetPostsInFlight, p.ID); err != nil {
			return fmt.Errorf("op=coordinator.enqueue_entity post=%s: %w", p.ID, err)
		}
	}
	if len(posts) > 0 {
		c.log.Info("entity requests enqueued", slog.Int("posts", len(posts)))
	}
	return nil
}

// EnqueueClassifyRequests groups unclassified posts by author, skips any
// group with an unanalyzed or in-flight post, partitions each remaining
// group by extracted entity name and emits one classification request per
// (user, entity) partition. Posts with no extracted entities share an
// empty partition key so they still get classified instead of sticking in
// flight forever.
func (c *Coordinator) EnqueueClassifyRequests(ctx context.Context) error {
	byUser, err := c.store.PostsPendingClassifyByUser(ctx)
	if err != nil {
		return fmt.Errorf("op=coordinator.enqueue_classify: %w", err)
	}

	userIDs := make([]string, 0, len(byUser))
	for userID := range byUser {
		userIDs = append(userIDs, userID)
	}
	sort.Strings(userIDs)

	for _, userID := range userIDs {
		group := byUser[userID]
		ready, err := c.groupReady(ctx, group)
		if err != nil {
			return fmt.Errorf("op=coordinator.enqueue_classify user=%s: %w", userID, err)
		}
		if !ready {
			continue
		}

		partitions := partitionByEntity(group)
		keys := make([]string, 0, len(partitions))
		for k := range partitions {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, entity := range keys {
			for _, posts := range chunkPosts(partitions[entity], c.maxClassifyPosts) {
				req := domain.ClassificationRequest{
					ID:     domain.NewClassificationRequestID(),
					UserID: userID,
					Entity: entity,
					Posts:  posts,
				}
				raw, err := domain.EncodeClassificationRequest(req)
				if err != nil {
					return fmt.Errorf("op=coordinator.enqueue_classify user=%s: %w", userID, err)
				}
				if err := c.broker.PushTail(ctx, QueueReqClassify, raw); err != nil {
					return fmt.Errorf("op=coordinator.enqueue_classify user=%s: %w", userID, err)
				}
				for _, p := range posts {
					if err := c.broker.SAdd(ctx, SetPostsInFlight, p.ID); err != nil {
						return fmt.Errorf("op=coordinator.enqueue_classify user=%s: %w", userID, err)
					}
				}
				c.log.Info("classification request enqueued",
					slog.String("request_id", req.ID),
					slog.String("user_id", userID),
					slog.String("entity", entity),
					slog.Int("posts", len(posts)))
			}
		}
	}
	return nil
}

// groupReady reports whether a user's whole unclassified group may be
// emitted: every post analyzed, none in flight.
func (c *Coordinator) groupReady(ctx context.Context, group []domain.PendingClassifyPost) (bool, error) {
	for _, p := range group {
		if !p.Analyzed {
			return false, nil
		}
		member, err := c.broker.SIsMember(ctx, SetPostsInFlight, p.ID)
		if err != nil {
			return false, err
		}
		if member {
			return false, nil
		}
	}
	return true, nil
}

// partitionByEntity assigns each post to the partition of its first
// entity name in sorted order. Entity-less posts land in the "" partition.
func partitionByEntity(group []domain.PendingClassifyPost) map[string][]domain.Post {
	partitions := make(map[string][]domain.Post)
	for _, p := range group {
		key := ""
		if len(p.Entities) > 0 {
			names := make([]string, len(p.Entities))
			copy(names, p.Entities)
			sort.Strings(names)
			key = strings.ToLower(names[0])
		}
		partitions[key] = append(partitions[key], p.Post)
	}
	return partitions
}

// chunkPosts splits a partition into request-sized slices. The whole
// partition stays in one batch when max is not positive.
func chunkPosts(posts []domain.Post, max int) [][]domain.Post {
	if max <= 0 || len(posts) <= max {
		return [][]domain.Post{posts}
	}
	var out [][]domain.Post
	for len(posts) > max {
		out = append(out, posts[:max])
		posts = posts[max:]
	}
	return append(out, posts)
}

// observeDepths exports queue depths for the dashboard. Failures are
// ignored; metrics must never fail the enqueue.
func (c *Coordinator) observeDepths(ctx context.Context) {
	for _, q := range []string{QueueResScrape, QueueReqEntity, QueueResEntity, QueueReqClassify, QueueResClassify} {
		if n, err := c.broker.QueueLen(ctx, q); err == nil {
			observability.QueueDepth.WithLabelValues(q).Set(float64(n))
		}
	}
}
