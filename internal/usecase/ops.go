package usecase

import (
	"github.com/fairyhunter13/user-topic-pipeline/internal/domain"
	"github.com/fairyhunter13/user-topic-pipeline/internal/pipeline"
)

// OpsService exposes operator recovery and inspection commands over the
// broker state.
type OpsService struct {
	Broker domain.Broker
}

// NewOpsService constructs an OpsService.
func NewOpsService(broker domain.Broker) OpsService {
	return OpsService{Broker: broker}
}

// ReleaseInFlight clears both in-flight sets so records stuck by a
// crashed or failed worker become eligible for re-enqueue on the next
// coordinator scan. Returns how many user and post ids were released.
// Run only while the pipeline is stopped: releasing ids under a live
// worker re-enqueues work that is still owned.
func (s OpsService) ReleaseInFlight(ctx domain.Context) (users, posts int, err error) {
	userIDs, err := s.Broker.SMembers(ctx, pipeline.SetUsersInFlight)
	if err != nil {
		return 0, 0, err
	}
	postIDs, err := s.Broker.SMembers(ctx, pipeline.SetPostsInFlight)
	if err != nil {
		return 0, 0, err
	}
	if err := s.Broker.Del(ctx, pipeline.SetUsersInFlight, pipeline.SetPostsInFlight); err != nil {
		return 0, 0, err
	}
	return len(userIDs), len(postIDs), nil
}

// QueueStats reports the depth of every pipeline queue and set.
func (s OpsService) QueueStats(ctx domain.Context) (map[string]int64, error) {
	stats := make(map[string]int64)
	for _, q := range []string{
		pipeline.QueueResScrape, pipeline.QueueReqEntity, pipeline.QueueResEntity,
		pipeline.QueueReqClassify, pipeline.QueueResClassify,
	} {
		n, err := s.Broker.QueueLen(ctx, q)
		if err != nil {
			return nil, err
		}
		stats[q] = n
	}
	for _, set := range []string{pipeline.SetReqScrape, pipeline.SetUsersInFlight, pipeline.SetPostsInFlight} {
		members, err := s.Broker.SMembers(ctx, set)
		if err != nil {
			return nil, err
		}
		stats[set] = int64(len(members))
	}
	return stats, nil
}
