package spartan

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	redlock "github.com/spartanone/spartan/internal/lock"
	"github.com/spartanone/spartan/model"
)

// ErrDrainInProgress is returned by Recover while a drain owns the queue.
var ErrDrainInProgress = errors.New("a drain is in progress")

// Recover moves documents stuck in syncing for at least threshold to failed
// with one more retry, so the next drain picks them up again. A zero
// threshold treats every syncing document as stuck. It returns how many
// documents were re-armed.
//
// Drains requested while recovery runs are not lost: they are run once
// recovery has released the queue.
func (e *Engine) Recover(ctx context.Context, threshold time.Duration) (int, error) {
	if !e.running.CompareAndSwap(false, true) {
		return 0, ErrDrainInProgress
	}
	e.followUp.Store(false)

	n, err := e.recoverStuck(ctx, threshold)
	e.running.Store(false)

	if e.followUp.Load() && ctx.Err() == nil {
		result := e.SyncNow(ctx)
		logrus.WithFields(logrus.Fields{
			"ran":    result.Ran,
			"reason": result.Reason,
			"failed": result.Failed(),
		}).Info("drain requested during recovery finished")
	}
	return n, err
}

func (e *Engine) recoverStuck(ctx context.Context, threshold time.Duration) (int, error) {
	ctx, span := tracer.Start(ctx, "Recover")
	defer span.End()

	if e.locker != nil {
		release, err := e.locker.Hold(ctx, e.lockTTL())
		if errors.Is(err, redlock.ErrLockHeld) {
			return 0, ErrDrainInProgress
		}
		if err != nil {
			return 0, err
		}
		defer release()
	}

	docs, err := e.repo.All(ctx)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	cutoff := e.now() - threshold.Milliseconds()
	recovered := 0
	for _, doc := range docs {
		if doc.Status != model.StatusSyncing || doc.UpdatedAt > cutoff {
			continue
		}
		retries := doc.Retries + 1
		if err := e.repo.UpdateStatus(ctx, doc.ID, model.StatusFailed, &retries); err != nil {
			span.RecordError(err)
			return recovered, err
		}
		recovered++
		logrus.WithFields(logrus.Fields{
			"document_id": doc.ID,
			"stuck_since": doc.UpdatedAt,
			"retries":     retries,
		}).Warn("re-armed document stuck in syncing")
	}

	if recovered > 0 {
		if err := e.Refresh(ctx); err != nil {
			return recovered, err
		}
	}
	return recovered, nil
}
