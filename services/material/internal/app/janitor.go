package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"unetwork/internal/util"
	"unetwork/pkg/metrics"
	"unetwork/pkg/queue"
	"unetwork/pkg/storage"
)

const compensationTimeout = 10 * time.Second

// compensate deletes an orphaned blob. It never fails the caller: a failed
// delete is logged and handed to the cleanup queue when one is configured.
func (a *App) compensate(ctx context.Context, blobPath, reason string) {
	if blobPath == "" {
		return
	}
	logger := util.LoggerFromContext(ctx)
	// The request may already be cancelled; the cleanup still has to run.
	delCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()
	err := a.objects.Delete(delCtx, blobPath)
	if err == nil || errors.Is(err, storage.ErrObjectNotFound) {
		metrics.CompensationsTotal.WithLabelValues("deleted").Inc()
		return
	}
	logger.Error("blob_compensation_failed", "path", blobPath, "reason", reason, "err", err)
	if a.cleanup == nil {
		metrics.CompensationsTotal.WithLabelValues("failed").Inc()
		return
	}
	job, qerr := a.cleanup.Enqueue(delCtx, blobPath, reason)
	if qerr != nil {
		metrics.CompensationsTotal.WithLabelValues("failed").Inc()
		logger.Error("blob_cleanup_enqueue_failed", "path", blobPath, "err", qerr)
		return
	}
	metrics.CompensationsTotal.WithLabelValues("enqueued").Inc()
	logger.Info("blob_cleanup_enqueued", "path", blobPath, "job_id", job.ID)
}

// HandleCleanup is the janitor worker: it retries a failed compensation.
// Objects that are already gone count as cleaned.
func (a *App) HandleCleanup(ctx context.Context, job queue.CleanupJob) error {
	if job.ObjectKey == "" {
		return nil
	}
	if err := a.objects.Delete(ctx, job.ObjectKey); err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
		return fmt.Errorf("delete %s: %w", job.ObjectKey, err)
	}
	metrics.CompensationsTotal.WithLabelValues("reconciled").Inc()
	util.LoggerFromContext(ctx).Info("blob_cleanup_done", "path", job.ObjectKey, "job_id", job.ID, "attempts", job.Attempts)
	return nil
}
