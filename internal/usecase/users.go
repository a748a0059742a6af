// Package usecase contains application business logic services.
package usecase

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fairyhunter13/user-topic-pipeline/internal/domain"
)

// UserService handles the operator-facing user commands: enqueueing an
// account into the pipeline and declaring topics by hand.
type UserService struct {
	Store domain.Store
	Posts domain.PostsAPI
}

// NewUserService constructs a UserService with its dependencies.
func NewUserService(store domain.Store, posts domain.PostsAPI) UserService {
	return UserService{Store: store, Posts: posts}
}

// EnqueueUser makes the named account due for scraping. A known user has
// last_scraped cleared so the next coordinator scan picks it up; an
// unknown one is resolved against the posts API and inserted.
func (s UserService) EnqueueUser(ctx domain.Context, username string) (domain.User, error) {
	username = strings.TrimSpace(strings.TrimPrefix(username, "@"))
	if username == "" {
		return domain.User{}, fmt.Errorf("%w: username required", domain.ErrInvalidArgument)
	}

	u, err := s.Store.UserByUsername(ctx, username)
	switch {
	case err == nil:
		if err := s.Store.ClearLastScraped(ctx, u.ID); err != nil {
			return domain.User{}, err
		}
		u.LastScraped = nil
		return u, nil
	case errors.Is(err, domain.ErrNotFound):
		// Fall through to the posts API.
	default:
		return domain.User{}, err
	}

	u, err = s.Posts.UserByUsername(ctx, username)
	if err != nil {
		return domain.User{}, fmt.Errorf("op=usecase.enqueue_user username=%s: %w", username, err)
	}
	if err := s.Store.UpsertUser(ctx, u); err != nil {
		return domain.User{}, err
	}
	return u, nil
}

// AddTopic records a hand-declared topic for a known user.
func (s UserService) AddTopic(ctx domain.Context, username, topic string) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return fmt.Errorf("%w: topic required", domain.ErrInvalidArgument)
	}
	u, err := s.Store.UserByUsername(ctx, strings.TrimSpace(strings.TrimPrefix(username, "@")))
	if err != nil {
		return err
	}
	return s.Store.AddUserTopic(ctx, u.ID, topic, true)
}
