/*
Package jobqueue provides a River-based job queue for background maintenance
of the messaging service. Today that is the periodic purge of expired and
revoked session tokens.

For configuration options see queue_config.go.
*/
package jobqueue

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/rs/zerolog/log"

	"github.com/connectnearby/internal/retry"
)

// TokenPurger removes session tokens that can no longer authenticate
type TokenPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// TokenCleanupArgs represents the arguments for a token cleanup job
type TokenCleanupArgs struct{}

// Kind returns the job kind for River
func (TokenCleanupArgs) Kind() string {
	return "token_cleanup"
}

// InsertOpts keeps at most one cleanup job pending at a time
func (TokenCleanupArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		UniqueOpts: river.UniqueOpts{ByArgs: true},
	}
}

// TokenCleanupWorker handles token cleanup jobs
type TokenCleanupWorker struct {
	river.WorkerDefaults[TokenCleanupArgs]
	purger TokenPurger
}

// NewTokenCleanupWorker creates a worker purging through purger
func NewTokenCleanupWorker(purger TokenPurger) *TokenCleanupWorker {
	return &TokenCleanupWorker{purger: purger}
}

// Work processes a token cleanup job
func (w *TokenCleanupWorker) Work(ctx context.Context, job *river.Job[TokenCleanupArgs]) error {
	n, err := w.purger.PurgeExpired(ctx)
	if err != nil {
		if !retry.IsRetryableError(err) {
			// the next periodic run tries again
			log.Error().Err(err).Msg("Token cleanup job failed permanently")
			return river.JobCancel(err)
		}
		log.Warn().Err(err).Msg("Token cleanup job failed, River will retry")
		return err
	}
	log.Debug().Int64("tokens", n).Msg("Token cleanup job finished")
	return nil
}

// JobQueue manages the River job queue
type JobQueue struct {
	client *river.Client[pgx.Tx]
	pool   *pgxpool.Pool
	config *QueueConfig
}

// NewJobQueue creates a new job queue instance
func NewJobQueue(ctx context.Context, databaseURL string, config *QueueConfig, purger TokenPurger) (*JobQueue, error) {
	if config == nil {
		config = DefaultQueueConfig()
	}

	// Create a pgx connection pool
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, NewTokenCleanupWorker(purger))

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues:       config.RiverQueueConfig(),
		Workers:      workers,
		PeriodicJobs: config.PeriodicJobs(),
		MaxAttempts:  config.MaxAttempts,
		JobTimeout:   config.JobTimeout,
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create River client: %w", err)
	}

	return &JobQueue{
		client: client,
		pool:   pool,
		config: config,
	}, nil
}

// Start starts the job queue workers
func (jq *JobQueue) Start(ctx context.Context) error {
	log.Info().Int("workers", jq.config.MaxWorkers).Dur("cleanup_interval", jq.config.CleanupInterval).Msg("Starting job queue")
	return jq.client.Start(ctx)
}

// Stop stops the job queue workers and releases the pool
func (jq *JobQueue) Stop(ctx context.Context) error {
	defer jq.pool.Close()
	return jq.client.Stop(ctx)
}

// QueueTokenCleanup queues an immediate token cleanup
func (jq *JobQueue) QueueTokenCleanup(ctx context.Context) error {
	if _, err := jq.client.Insert(ctx, TokenCleanupArgs{}, nil); err != nil {
		return fmt.Errorf("failed to queue token cleanup job: %w", err)
	}
	return nil
}
