package pipeline_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/user-topic-pipeline/internal/adapter/broker/redisbroker"
	"github.com/fairyhunter13/user-topic-pipeline/internal/domain"
)

func testBroker(t *testing.T) *redisbroker.Broker {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return redisbroker.NewFromClient(client)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type entityKey struct {
	name string
	typ  domain.EntityType
}

// memStore is an in-memory domain.Store. It additionally counts progress
// flag transitions so tests can assert at-most-once advancement.
type memStore struct {
	mu sync.Mutex

	users        map[string]domain.User
	posts        map[string]domain.Post
	entityIDs    map[entityKey]int64
	entities     map[int64]domain.Entity
	postEntities map[string]map[int64]bool
	topicIDs     map[string]int64
	userTopics   map[string]map[int64]*domain.UserTopic

	analyzedTransitions   map[string]int
	classifiedTransitions map[string]int
	scrapeMarks           map[string]int

	nextEntityID int64
	nextTopicID  int64
}

func newMemStore() *memStore {
	return &memStore{
		users:                 make(map[string]domain.User),
		posts:                 make(map[string]domain.Post),
		entityIDs:             make(map[entityKey]int64),
		entities:              make(map[int64]domain.Entity),
		postEntities:          make(map[string]map[int64]bool),
		topicIDs:              make(map[string]int64),
		userTopics:            make(map[string]map[int64]*domain.UserTopic),
		analyzedTransitions:   make(map[string]int),
		classifiedTransitions: make(map[string]int),
		scrapeMarks:           make(map[string]int),
	}
}

func (s *memStore) UpsertUser(_ context.Context, u domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; !ok {
		s.users[u.ID] = u
	}
	return nil
}

func (s *memStore) UserByID(_ context.Context, id string) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return domain.User{}, fmt.Errorf("user %s: %w", id, domain.ErrNotFound)
	}
	return u, nil
}

func (s *memStore) UserByUsername(_ context.Context, username string) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Username == username {
			return u, nil
		}
	}
	return domain.User{}, fmt.Errorf("user %s: %w", username, domain.ErrNotFound)
}

func (s *memStore) ClearLastScraped(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return domain.ErrNotFound
	}
	u.LastScraped = nil
	s.users[userID] = u
	return nil
}

func (s *memStore) MarkScraped(_ context.Context, userID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markScrapedLocked(userID, now)
}

func (s *memStore) markScrapedLocked(userID string, now time.Time) error {
	u, ok := s.users[userID]
	if !ok {
		return domain.ErrNotFound
	}
	ts := now
	u.LastScraped = &ts
	s.users[userID] = u
	s.scrapeMarks[userID]++
	return nil
}

func (s *memStore) AddPost(_ context.Context, p domain.Post) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.posts[p.ID]; !ok {
		s.posts[p.ID] = p
	}
	return nil
}

func (s *memStore) ApplyScrapeResult(_ context.Context, userID string, posts []domain.Post, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range posts {
		if _, ok := s.posts[p.ID]; !ok {
			s.posts[p.ID] = p
		}
	}
	return s.markScrapedLocked(userID, now)
}

func (s *memStore) UsersDueForScrape(_ context.Context, now time.Time, horizon time.Duration, excludeIDs []string) ([]domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	excluded := make(map[string]bool, len(excludeIDs))
	for _, id := range excludeIDs {
		excluded[id] = true
	}
	cutoff := now.Add(-horizon)
	var out []domain.User
	for _, u := range s.users {
		if excluded[u.ID] {
			continue
		}
		if u.LastScraped == nil || !u.LastScraped.After(cutoff) {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) PostsPendingEntity(_ context.Context, excludeIDs []string) ([]domain.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	excluded := make(map[string]bool, len(excludeIDs))
	for _, id := range excludeIDs {
		excluded[id] = true
	}
	var out []domain.Post
	for _, p := range s.posts {
		if !p.Analyzed && !excluded[p.ID] {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) PostsPendingClassifyByUser(_ context.Context) (map[string][]domain.PendingClassifyPost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]domain.PendingClassifyPost)
	ids := make([]string, 0, len(s.posts))
	for id := range s.posts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		p := s.posts[id]
		if p.Classified {
			continue
		}
		var names []string
		for entityID := range s.postEntities[p.ID] {
			names = append(names, s.entities[entityID].Name)
		}
		sort.Strings(names)
		out[p.UserID] = append(out[p.UserID], domain.PendingClassifyPost{Post: p, Entities: names})
	}
	return out, nil
}

func (s *memStore) RecordEntities(_ context.Context, postID string, entities []domain.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[postID]
	if !ok {
		return fmt.Errorf("post %s: %w", postID, domain.ErrNotFound)
	}
	for _, e := range entities {
		key := entityKey{name: e.Name, typ: e.Type}
		id, ok := s.entityIDs[key]
		if !ok {
			s.nextEntityID++
			id = s.nextEntityID
			s.entityIDs[key] = id
			s.entities[id] = domain.Entity{ID: id, Name: e.Name, Type: e.Type}
		}
		if s.postEntities[postID] == nil {
			s.postEntities[postID] = make(map[int64]bool)
		}
		s.postEntities[postID][id] = true
	}
	if !p.Analyzed {
		s.analyzedTransitions[postID]++
	}
	p.Analyzed = true
	s.posts[postID] = p
	return nil
}

func (s *memStore) RecordClassification(_ context.Context, userID string, categories []domain.Category, postIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cat := range categories {
		topicID, ok := s.topicIDs[cat.Name]
		if !ok {
			s.nextTopicID++
			topicID = s.nextTopicID
			s.topicIDs[cat.Name] = topicID
		}
		if s.userTopics[userID] == nil {
			s.userTopics[userID] = make(map[int64]*domain.UserTopic)
		}
		ut, ok := s.userTopics[userID][topicID]
		if !ok {
			ut = &domain.UserTopic{UserID: userID, TopicID: topicID, TopicName: cat.Name}
			s.userTopics[userID][topicID] = ut
		}
		ut.PostCount += int64(len(postIDs))
	}
	for _, id := range postIDs {
		p, ok := s.posts[id]
		if !ok {
			continue
		}
		if !p.Classified {
			s.classifiedTransitions[id]++
		}
		p.Classified = true
		s.posts[id] = p
	}
	return nil
}

func (s *memStore) NextUserToScrapeFollowing(_ context.Context) (domain.User, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.users))
	for id := range s.users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if !s.users[id].ScrapedFollowing {
			return s.users[id], true, nil
		}
	}
	return domain.User{}, false, nil
}

func (s *memStore) SetScrapedFollowing(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return domain.ErrNotFound
	}
	u.ScrapedFollowing = true
	s.users[userID] = u
	return nil
}

func (s *memStore) UserExists(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.users[id]
	return ok, nil
}

func (s *memStore) AddUserTopic(_ context.Context, userID, topic string, declared bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	topicID, ok := s.topicIDs[topic]
	if !ok {
		s.nextTopicID++
		topicID = s.nextTopicID
		s.topicIDs[topic] = topicID
	}
	if s.userTopics[userID] == nil {
		s.userTopics[userID] = make(map[int64]*domain.UserTopic)
	}
	ut, ok := s.userTopics[userID][topicID]
	if !ok {
		ut = &domain.UserTopic{UserID: userID, TopicID: topicID, TopicName: topic}
		s.userTopics[userID][topicID] = ut
	}
	ut.UserDeclared = ut.UserDeclared || declared
	return nil
}

func (s *memStore) UsersByTopic(_ context.Context, topics []string) (map[string][]domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wanted := make(map[string]bool, len(topics))
	for _, t := range topics {
		wanted[t] = true
	}
	out := make(map[string][]domain.User)
	for userID, byTopic := range s.userTopics {
		for _, ut := range byTopic {
			if len(topics) > 0 && !wanted[ut.TopicName] {
				continue
			}
			out[ut.TopicName] = append(out[ut.TopicName], s.users[userID])
		}
	}
	return out, nil
}

func (s *memStore) Ping(_ context.Context) error { return nil }

// userTopicCount returns the accumulated post_count for (user, topic),
// zero if absent.
func (s *memStore) userTopicCount(userID, topic string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	topicID, ok := s.topicIDs[topic]
	if !ok {
		return 0
	}
	ut, ok := s.userTopics[userID][topicID]
	if !ok {
		return 0
	}
	return ut.PostCount
}

func (s *memStore) post(id string) (domain.Post, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[id]
	return p, ok
}

func (s *memStore) user(id string) (domain.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	return u, ok
}

func (s *memStore) entityCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entityIDs)
}

func (s *memStore) linkCount(postID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.postEntities[postID])
}

var _ domain.Store = (*memStore)(nil)

// fakePostsAPI serves canned posts per user. errs holds one-shot errors
// consumed on the first call for that user.
type fakePostsAPI struct {
	mu        sync.Mutex
	posts     map[string][]domain.Post
	errs      map[string]error
	following map[string][]domain.User
	calls     int
}

func newFakePostsAPI() *fakePostsAPI {
	return &fakePostsAPI{
		posts:     make(map[string][]domain.Post),
		errs:      make(map[string]error),
		following: make(map[string][]domain.User),
	}
}

func (f *fakePostsAPI) UserPosts(_ context.Context, userID string, _ int) ([]domain.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err, ok := f.errs[userID]; ok {
		delete(f.errs, userID)
		return nil, err
	}
	return f.posts[userID], nil
}

func (f *fakePostsAPI) UserByUsername(_ context.Context, username string) (domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, users := range f.following {
		for _, u := range users {
			if u.Username == username {
				return u, nil
			}
		}
	}
	return domain.User{}, domain.ErrNotFound
}

func (f *fakePostsAPI) ForEachFollowing(_ context.Context, userID string, fn func(domain.User) error) error {
	f.mu.Lock()
	if err, ok := f.errs[userID]; ok {
		delete(f.errs, userID)
		f.mu.Unlock()
		return err
	}
	users := f.following[userID]
	f.mu.Unlock()
	for _, u := range users {
		if err := fn(u); err != nil {
			return err
		}
	}
	return nil
}

var _ domain.PostsAPI = (*fakePostsAPI)(nil)

// fakeNLP delegates to function fields so tests can script behavior.
type fakeNLP struct {
	analyzeFn  func(text string) ([]domain.Entity, error)
	classifyFn func(text string) ([]domain.Category, error)
}

func (f *fakeNLP) AnalyzeEntities(_ context.Context, text string) ([]domain.Entity, error) {
	if f.analyzeFn == nil {
		return nil, nil
	}
	return f.analyzeFn(text)
}

func (f *fakeNLP) ClassifyText(_ context.Context, text string) ([]domain.Category, error) {
	if f.classifyFn == nil {
		return nil, nil
	}
	return f.classifyFn(text)
}

var _ domain.NLPAPI = (*fakeNLP)(nil)
