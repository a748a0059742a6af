// Package domain holds the core records, ports and error taxonomy of the
// user-topic pipeline. It is free of adapter concerns: storage, broker and
// external-API details live behind the interfaces declared here.
package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrRateLimited     = errors.New("rate limited")
	ErrInternal        = errors.New("internal error")
)

// RateLimitedError is returned by the external ports when the upstream
// service throttles us. Reset is the wall-clock time at which the service
// may be retried; a zero Reset means the service did not expose one and the
// caller must apply its configured backoff.
type RateLimitedError struct {
	Reset time.Time
}

func (e *RateLimitedError) Error() string {
	if e.Reset.IsZero() {
		return "rate limited"
	}
	return fmt.Sprintf("rate limited until %s", e.Reset.UTC().Format(time.RFC3339))
}

// Is makes errors.Is(err, ErrRateLimited) succeed for RateLimitedError.
func (e *RateLimitedError) Is(target error) bool { return target == ErrRateLimited }

// UpstreamError carries the status code and body of a non-rate-limit
// request failure from an external API.
type UpstreamError struct {
	Service    string
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s request failed (%d): %s", e.Service, e.StatusCode, e.Message)
}

// EntityType is the small integer code persisted for an extracted entity.
// Values follow the NLP service's entity type enumeration.
type EntityType int16

const (
	EntityTypeUnknown      EntityType = 0
	EntityTypePerson       EntityType = 1
	EntityTypeLocation     EntityType = 2
	EntityTypeOrganization EntityType = 3
	EntityTypeEvent        EntityType = 4
	EntityTypeWorkOfArt    EntityType = 5
	EntityTypeConsumerGood EntityType = 6
	EntityTypeOther        EntityType = 7
	EntityTypePhoneNumber  EntityType = 9
	EntityTypeAddress      EntityType = 10
	EntityTypeDate         EntityType = 11
	EntityTypeNumber       EntityType = 12
	EntityTypePrice        EntityType = 13
)

// User is a social-media account tracked by the pipeline. IDs are opaque
// strings to preserve external id precision.
type User struct {
	ID               string
	Username         string
	Name             string
	URL              string
	Description      string
	Verified         bool
	Protected        bool
	LastScraped      *time.Time
	ScrapedFollowing bool
}

// Post is a single scraped post. Analyzed and Classified are the progress
// flags that drive the pipeline state machine.
type Post struct {
	ID         string
	UserID     string
	CreatedAt  time.Time
	Text       string
	Analyzed   bool
	Classified bool
}

// Entity is an extracted entity, deduplicated by (Name, Type).
type Entity struct {
	ID   int64
	Name string
	Type EntityType
}

// Topic is a classification category name.
type Topic struct {
	ID   int64
	Name string
}

// UserTopic associates a user with a topic. PostCount accumulates the
// number of posts each classification of this topic was based on.
// UserDeclared marks hand-added topics.
type UserTopic struct {
	UserID       string
	TopicID      int64
	TopicName    string
	PostCount    int64
	UserDeclared bool
}

// Category is one classification result entry from the NLP service.
type Category struct {
	Name       string
	Confidence float64
}

// PendingClassifyPost is an unclassified post together with the entity
// names linked to it, as loaded by the store for the classify enqueue scan.
type PendingClassifyPost struct {
	Post
	Entities []string
}

// Store is the relational persistence port. The coordinator is the sole
// writer; the HTTP query surface and operator commands only read, except
// for the explicitly operator-driven UpsertUser / ClearLastScraped /
// AddUserTopic paths which run while the pipeline is quiesced.
type Store interface {
	UpsertUser(ctx Context, u User) error
	UserByID(ctx Context, id string) (User, error)
	UserByUsername(ctx Context, username string) (User, error)
	ClearLastScraped(ctx Context, userID string) error
	MarkScraped(ctx Context, userID string, now time.Time) error

	AddPost(ctx Context, p Post) error
	ApplyScrapeResult(ctx Context, userID string, posts []Post, now time.Time) error
	UsersDueForScrape(ctx Context, now time.Time, horizon time.Duration, excludeIDs []string) ([]User, error)
	PostsPendingEntity(ctx Context, excludeIDs []string) ([]Post, error)
	PostsPendingClassifyByUser(ctx Context) (map[string][]PendingClassifyPost, error)
	RecordEntities(ctx Context, postID string, entities []Entity) error
	RecordClassification(ctx Context, userID string, categories []Category, postIDs []string) error

	NextUserToScrapeFollowing(ctx Context) (User, bool, error)
	SetScrapedFollowing(ctx Context, userID string) error
	UserExists(ctx Context, id string) (bool, error)
	AddUserTopic(ctx Context, userID, topic string, declared bool) error
	UsersByTopic(ctx Context, topics []string) (map[string][]User, error)

	Ping(ctx Context) error
}

// Broker is the durable queue/set/kv hand-off medium between roles. All
// operations are atomic on the broker side.
type Broker interface {
	PushTail(ctx Context, queue, val string) error
	PushHead(ctx Context, queue, val string) error
	PopHead(ctx Context, queue string) (string, bool, error)
	PeekHead(ctx Context, queue string) (string, bool, error)
	QueueLen(ctx Context, queue string) (int64, error)

	SAdd(ctx Context, set, member string) error
	SRem(ctx Context, set, member string) error
	SIsMember(ctx Context, set, member string) (bool, error)
	SPop(ctx Context, set string) (string, bool, error)
	SMembers(ctx Context, set string) ([]string, error)

	Get(ctx Context, key string) (string, bool, error)
	Set(ctx Context, key, val string) error
	Del(ctx Context, keys ...string) error

	Ping(ctx Context) error
}

// PostsAPI is the port to the external posts service.
type PostsAPI interface {
	// UserPosts returns up to limit most recent posts for the user. A user
	// whose posts are not visible yields an empty slice, not an error.
	UserPosts(ctx Context, userID string, limit int) ([]Post, error)
	UserByUsername(ctx Context, username string) (User, error)
	// ForEachFollowing pages through the accounts the user follows,
	// invoking fn for each one. Pagination is internal; fn returning an
	// error stops the walk.
	ForEachFollowing(ctx Context, userID string, fn func(User) error) error
}

// NLPAPI is the port to the external natural-language service.
type NLPAPI interface {
	AnalyzeEntities(ctx Context, text string) ([]Entity, error)
	ClassifyText(ctx Context, text string) ([]Category, error)
}

// Context aliases context.Context so ports read uniformly across the
// domain package.
type Context = context.Context
