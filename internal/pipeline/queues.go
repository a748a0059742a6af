// Package pipeline contains the staged work-queue core: the coordinator,
// the worker roles, the rate-limit registries and the batch/continuous
// runners. Records advance new -> scraped -> analyzed -> classified; all
// store writes flow through the coordinator.
package pipeline

import "context"

// Broker key layout. The scrape request queue is a set so repeated
// enqueues of the same user collapse; everything post-level is a FIFO
// list. The in-flight sets are the mutual-exclusion primitive: the
// coordinator never enqueues an id present in the matching set.
const (
	SetUsersInFlight = "pipeline:users_in_flight"
	SetPostsInFlight = "pipeline:posts_in_flight"

	SetReqScrape   = "pipeline:req:scrape"
	QueueResScrape = "pipeline:res:scrape"

	QueueReqEntity = "pipeline:req:entity"
	QueueResEntity = "pipeline:res:entity"

	QueueReqClassify = "pipeline:req:classify"
	QueueResClassify = "pipeline:res:classify"

	KeyPostsAPIReset = "pipeline:ratelimit:posts_api"
	KeyNLPAPIReset   = "pipeline:ratelimit:nlp_api"
)

// Outcome is what one worker tick reports back to the scheduler.
type Outcome int

const (
	// Idle means the request queue was empty.
	Idle Outcome = iota
	// Wait means the role's rate limit is active; sleep until reset.
	Wait
	// Processed means one record was worked on, successfully or not.
	Processed
)

func (o Outcome) String() string {
	switch o {
	case Idle:
		return "idle"
	case Wait:
		return "wait"
	case Processed:
		return "processed"
	default:
		return "unknown"
	}
}

// Ticker is one schedulable pipeline role.
type Ticker interface {
	Tick(ctx context.Context) (Outcome, error)
}
