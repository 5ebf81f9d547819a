package outbox

import (
	"context"

	"github.com/pkg/errors"

	"gitea.xscloud.ru/xscloud/eventrelay/pkg/infrastructure/mysql"
)

// CleanupOldEvents deletes published entries older than RetentionDays. Pending,
// failed and moved_to_dlq entries are never touched.
func (d *Dispatcher) CleanupOldEvents(ctx context.Context) (int64, error) {
	cutoff := d.now().AddDate(0, 0, -d.config.RetentionDays)
	return d.purge(ctx, func(provider RepositoryProvider) (int64, error) {
		return provider.EventRepository().DeletePublishedBefore(ctx, cutoff)
	})
}

// CleanupOldDLQEvents deletes reviewed and discarded dead letters whose review is
// older than DLQRetentionDays. Dead letters awaiting review are kept forever.
func (d *Dispatcher) CleanupOldDLQEvents(ctx context.Context) (int64, error) {
	cutoff := d.now().AddDate(0, 0, -d.config.DLQRetentionDays)
	return d.purge(ctx, func(provider RepositoryProvider) (int64, error) {
		return provider.DeadLetterRepository().DeleteReviewedBefore(ctx, cutoff)
	})
}

// purge runs under the cleanup lock; a lock held elsewhere means another instance
// is purging and nothing is deleted here.
func (d *Dispatcher) purge(ctx context.Context, deleteFn func(provider RepositoryProvider) (int64, error)) (int64, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var deleted int64
	err := d.lockableUOW.ExecuteWithLockableUnitOfWork(ctx, cleanupLockName, d.config.LockTimeout, func(provider RepositoryProvider) error {
		var err error
		deleted, err = deleteFn(provider)
		return err
	})
	if errors.Is(err, mysql.ErrLockTimeout) {
		return 0, nil
	}
	return deleted, err
}

func (d *Dispatcher) cleanup(ctx context.Context) {
	events, err := d.CleanupOldEvents(ctx)
	if err != nil {
		d.logger.Error(err, "failed to clean up published outbox events")
	} else if events > 0 {
		d.logger.WithField("deleted", events).Info("published outbox events cleaned up")
	}

	deadLetters, err := d.CleanupOldDLQEvents(ctx)
	if err != nil {
		d.logger.Error(err, "failed to clean up reviewed dead letters")
	} else if deadLetters > 0 {
		d.logger.WithField("deleted", deadLetters).Info("reviewed dead letters cleaned up")
	}
}
