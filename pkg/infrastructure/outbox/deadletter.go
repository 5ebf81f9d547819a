package outbox

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

// DeadLetterOperator is the operator surface over quarantined events.
type DeadLetterOperator interface {
	ListDLQ(ctx context.Context, filter DeadLetterFilter) ([]DeadLetter, error)
	GetDLQ(ctx context.Context, id uint64) (DeadLetter, error)
	DLQStats(ctx context.Context) ([]DeadLetterStat, error)
	// RequeueDLQEvent stages the dead letter again as a fresh entry and returns its id.
	RequeueDLQEvent(ctx context.Context, id uint64, reviewedBy string) (uint64, error)
	// ReviewDLQEvent records an operator decision without dispatching anything.
	ReviewDLQEvent(ctx context.Context, id uint64, reviewedBy, notes string, discard bool) (DeadLetter, error)
}

var _ DeadLetterOperator = (*Dispatcher)(nil)

func (d *Dispatcher) ListDLQ(ctx context.Context, filter DeadLetterFilter) ([]DeadLetter, error) {
	if filter.Status != nil && !filter.Status.IsValid() {
		return nil, ErrDeadLetterStatusInvalid
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var deadLetters []DeadLetter
	err := d.uow.ExecuteWithUnitOfWork(ctx, func(provider RepositoryProvider) error {
		var err error
		deadLetters, err = provider.DeadLetterRepository().List(ctx, filter)
		return err
	})
	return deadLetters, err
}

func (d *Dispatcher) GetDLQ(ctx context.Context, id uint64) (DeadLetter, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var deadLetter DeadLetter
	err := d.uow.ExecuteWithUnitOfWork(ctx, func(provider RepositoryProvider) error {
		var err error
		deadLetter, err = provider.DeadLetterRepository().Find(ctx, id)
		return err
	})
	return deadLetter, err
}

func (d *Dispatcher) DLQStats(ctx context.Context) ([]DeadLetterStat, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var stats []DeadLetterStat
	err := d.uow.ExecuteWithUnitOfWork(ctx, func(provider RepositoryProvider) error {
		var err error
		stats, err = provider.DeadLetterRepository().Stats(ctx)
		return err
	})
	return stats, err
}

// RequeueDLQEvent copies the dead letter into a new pending entry with the original
// event id and byte-identical payload, marks the dead letter requeued and triggers an
// immediate attempt. Both writes share one transaction.
func (d *Dispatcher) RequeueDLQEvent(ctx context.Context, id uint64, reviewedBy string) (uint64, error) {
	reviewedBy = strings.TrimSpace(reviewedBy)
	if reviewedBy == "" {
		return 0, ErrReviewerRequired
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var entryID uint64
	err := d.uow.ExecuteWithUnitOfWork(ctx, func(provider RepositoryProvider) error {
		deadLetter, err := provider.DeadLetterRepository().FindForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !deadLetter.Status.CanTransitionTo(DeadLetterStatusRequeued) {
			return errors.Wrapf(ErrDeadLetterTransition, "%s to %s", deadLetter.Status, DeadLetterStatusRequeued)
		}

		now := d.now()
		entryID, err = provider.EventRepository().Store(ctx, Entry{
			EventID:    deadLetter.OriginalEventID,
			EventType:  deadLetter.EventType,
			RoutingKey: deadLetter.RoutingKey,
			Payload:    deadLetter.Payload,
			Status:     EntryStatusPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
		if err != nil {
			return err
		}

		deadLetter.Status = DeadLetterStatusRequeued
		deadLetter.ReviewedAt = &now
		deadLetter.ReviewedBy = &reviewedBy
		return provider.DeadLetterRepository().UpdateReview(ctx, deadLetter)
	})
	if err != nil {
		return 0, err
	}

	d.logger.WithField("dead_letter_id", id).
		WithField("outbox_id", entryID).
		WithField("reviewed_by", reviewedBy).
		Info("dead letter requeued")
	d.dispatchAsync(entryID)
	return entryID, nil
}

func (d *Dispatcher) ReviewDLQEvent(ctx context.Context, id uint64, reviewedBy, notes string, discard bool) (DeadLetter, error) {
	reviewedBy = strings.TrimSpace(reviewedBy)
	if reviewedBy == "" {
		return DeadLetter{}, ErrReviewerRequired
	}
	next := DeadLetterStatusReviewed
	if discard {
		next = DeadLetterStatusDiscarded
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var deadLetter DeadLetter
	err := d.uow.ExecuteWithUnitOfWork(ctx, func(provider RepositoryProvider) error {
		var err error
		deadLetter, err = provider.DeadLetterRepository().FindForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !deadLetter.Status.CanTransitionTo(next) {
			return errors.Wrapf(ErrDeadLetterTransition, "%s to %s", deadLetter.Status, next)
		}

		now := d.now()
		deadLetter.Status = next
		deadLetter.ReviewedAt = &now
		deadLetter.ReviewedBy = &reviewedBy
		if notes != "" {
			deadLetter.ReviewNotes = &notes
		}
		return provider.DeadLetterRepository().UpdateReview(ctx, deadLetter)
	})
	if err != nil {
		return DeadLetter{}, err
	}

	d.logger.WithField("dead_letter_id", id).
		WithField("status", string(next)).
		WithField("reviewed_by", reviewedBy).
		Info("dead letter reviewed")
	return deadLetter, nil
}
