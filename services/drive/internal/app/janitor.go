package app

import (
	"context"

	"storeit/internal/metrics"
	"storeit/internal/util"
	"storeit/pkg/queue"
	"storeit/pkg/storage"
)

// QueueOrphans adapts the Redis job queue to OrphanQueue.
type QueueOrphans struct {
	Queue *queue.RedisJobQueue
}

func (q QueueOrphans) Enqueue(ctx context.Context, blobID, reason string) error {
	_, err := q.Queue.Enqueue(ctx, blobID, reason)
	return err
}

// Janitor retries deletes of blobs that lost their metadata row.
type Janitor struct {
	blobs      storage.BlobStore
	metrics    *metrics.Metrics
	maxRetries int
}

// NewJanitor builds a reconciliation handler. maxRetries should match the
// queue's retry budget so the final failure is reported once.
func NewJanitor(blobs storage.BlobStore, m *metrics.Metrics, maxRetries int) *Janitor {
	return &Janitor{blobs: blobs, metrics: m, maxRetries: maxRetries}
}

// Handle deletes the job's blob. A non-nil error asks the queue to retry.
func (j *Janitor) Handle(ctx context.Context, job queue.Job) error {
	logger := util.LoggerFromContext(ctx).With("job_id", job.ID, "blob_id", job.BlobID, "attempt", job.Attempts)
	err := j.blobs.Delete(ctx, job.BlobID)
	if err == nil {
		j.metrics.Reconcile(metrics.OutcomeSuccess)
		logger.Info("orphan_blob_deleted", "reason", job.Reason)
		return nil
	}
	if j.maxRetries > 0 && job.Attempts >= j.maxRetries {
		j.metrics.Reconcile(metrics.OutcomeFailed)
		logger.Error("orphan_blob_abandoned", "err", err)
		return err
	}
	j.metrics.Reconcile(metrics.OutcomeRetry)
	logger.Warn("orphan_blob_retry", "err", err)
	return err
}
