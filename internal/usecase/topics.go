package usecase

import (
	"strings"

	"github.com/fairyhunter13/user-topic-pipeline/internal/domain"
)

// TopicService serves the read-only (topic -> users) query surface.
type TopicService struct {
	Store domain.Store
}

// NewTopicService constructs a TopicService.
func NewTopicService(store domain.Store) TopicService {
	return TopicService{Store: store}
}

// UsersByTopic returns the users associated with the given topic names.
// Blank names are dropped; an empty filter returns every topic.
func (s TopicService) UsersByTopic(ctx domain.Context, topics []string) (map[string][]domain.User, error) {
	cleaned := make([]string, 0, len(topics))
	for _, t := range topics {
		t = strings.TrimSpace(t)
		if t != "" {
			cleaned = append(cleaned, t)
		}
	}
	return s.Store.UsersByTopic(ctx, cleaned)
}
