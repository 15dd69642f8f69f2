/*
Package jobqueue configuration - tunable parameters for the River job queue.

Performance:
  - MaxWorkers bounds concurrent jobs on the default queue
  - JobTimeout caps a single job run

Reliability:
  - MaxAttempts is how many times River runs a failing job before discarding it
  - CleanupInterval is how often expired and revoked session tokens are purged

Database requirements:
  - PostgreSQL with River schema migrations applied (river migrate-up)
  - session_tokens table from the migrate command
*/
package jobqueue

import (
	"time"

	"github.com/riverqueue/river"
)

// QueueConfig holds all configurable parameters for the job queue
type QueueConfig struct {
	MaxWorkers      int           // concurrent workers on the default queue (default: 2)
	MaxAttempts     int           // attempts per job before it is discarded (default: 5)
	JobTimeout      time.Duration // maximum time a single job can run (default: 1 minute)
	CleanupInterval time.Duration // period of the token cleanup job (default: 1 hour)
}

// DefaultQueueConfig returns the default configuration
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		MaxWorkers:      2,
		MaxAttempts:     5,
		JobTimeout:      time.Minute,
		CleanupInterval: time.Hour,
	}
}

// RiverQueueConfig converts our config to River's queue configuration format
func (c *QueueConfig) RiverQueueConfig() map[string]river.QueueConfig {
	workers := c.MaxWorkers
	if workers < 1 {
		workers = 1
	}
	return map[string]river.QueueConfig{
		river.QueueDefault: {
			MaxWorkers: workers,
		},
	}
}

// PeriodicJobs lists the jobs River schedules on its own
func (c *QueueConfig) PeriodicJobs() []*river.PeriodicJob {
	interval := c.CleanupInterval
	if interval <= 0 {
		interval = time.Hour
	}
	return []*river.PeriodicJob{
		river.NewPeriodicJob(
			river.PeriodicInterval(interval),
			func() (river.JobArgs, *river.InsertOpts) {
				return TokenCleanupArgs{}, nil
			},
			&river.PeriodicJobOpts{RunOnStart: true},
		),
	}
}
