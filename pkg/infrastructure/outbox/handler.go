package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"gitea.xscloud.ru/xscloud/eventrelay/pkg/infrastructure/mysql"
)

// DispatchResult counts what one sweep did with the entries it selected.
type DispatchResult struct {
	// Skipped is set when another sweep was already running, here or in another instance.
	Skipped bool

	Processed    int
	Published    int
	Retried      int
	DeadLettered int
	Dropped      int
	// Failed counts critical entries whose dead letter insert failed.
	Failed int
	// Errored counts entries that could not be read or whose outcome could not be
	// recorded. Those entries stay pending and are attempted again.
	Errored int
}

func (r *DispatchResult) add(result outcome) {
	switch result {
	case outcomeSkipped:
		return
	case outcomePublished:
		r.Published++
	case outcomeRetried:
		r.Retried++
	case outcomeDeadLettered:
		r.DeadLettered++
	case outcomeDropped:
		r.Dropped++
	case outcomeFailed:
		r.Failed++
	}
	r.Processed++
}

// ProcessOutboxEvents runs one sweep: up to BatchSize due entries, oldest first, each
// attempted once. Only one sweep runs at a time; an overlapping call returns a
// skipped result without touching the table.
func (d *Dispatcher) ProcessOutboxEvents(ctx context.Context) (DispatchResult, error) {
	if !d.sweeping.CompareAndSwap(false, true) {
		return DispatchResult{Skipped: true}, nil
	}
	defer d.sweeping.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var result DispatchResult
	err := d.locker.ExecuteWithLock(ctx, sweepLockName, d.config.LockTimeout, func() error {
		var entries []Entry
		err := d.uow.ExecuteWithUnitOfWork(ctx, func(provider RepositoryProvider) error {
			var findErr error
			entries, findErr = provider.EventRepository().FindDue(ctx, d.now(), d.config.MaxRetries, d.config.BatchSize)
			return findErr
		})
		if err != nil {
			return err
		}

		for _, entry := range entries {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			o, err := d.sweepEntry(ctx, entry.ID)
			if err != nil {
				result.Processed++
				result.Errored++
				d.logger.WithField("outbox_id", entry.ID).Error(err, "failed to dispatch outbox entry")
				continue
			}
			result.add(o)
		}
		return nil
	})
	if errors.Is(err, mysql.ErrLockTimeout) {
		return DispatchResult{Skipped: true}, nil
	}
	if err != nil {
		return result, err
	}

	if result.Processed > 0 {
		d.logger.WithField("published", result.Published).
			WithField("retried", result.Retried).
			WithField("dead_lettered", result.DeadLettered).
			WithField("dropped", result.Dropped).
			WithField("failed", result.Failed).
			WithField("errored", result.Errored).
			Debug("outbox sweep finished")
	}
	return result, nil
}

// sweepEntry attempts one entry on its own session. A started attempt is not cut
// short by ctx, so shutdown never burns a retry on a half-finished publish.
func (d *Dispatcher) sweepEntry(ctx context.Context, id uint64) (outcome, error) {
	entryCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	return d.dispatchByID(entryCtx, id)
}

// Start sweeps the outbox every SweepInterval and purges retained rows every
// CleanupInterval until ctx is done. It waits for in-flight work before returning;
// after that, SaveAndPublish still stages entries but no longer attempts them.
func (d *Dispatcher) Start(ctx context.Context) error {
	sweepTicker := time.NewTicker(d.config.SweepInterval)
	defer sweepTicker.Stop()
	cleanupTicker := time.NewTicker(d.config.CleanupInterval)
	defer cleanupTicker.Stop()

	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		d.stopImmediateDispatch()
	}()

	d.logger.WithField("sweep_interval", d.config.SweepInterval.String()).
		WithField("cleanup_interval", d.config.CleanupInterval.String()).
		Info("outbox dispatcher started")

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("outbox dispatcher stopped")
			return nil
		case <-sweepTicker.C:
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := d.ProcessOutboxEvents(ctx); err != nil && !errors.Is(err, context.Canceled) {
					d.logger.Error(err, "outbox sweep failed")
				}
			}()
		case <-cleanupTicker.C:
			wg.Add(1)
			go func() {
				defer wg.Done()
				d.cleanup(ctx)
			}()
		}
	}
}
