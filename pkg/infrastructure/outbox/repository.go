package outbox

import (
	"context"
	"time"
)

type EventRepository interface {
	Store(ctx context.Context, entry Entry) (uint64, error)
	Find(ctx context.Context, id uint64) (Entry, error)
	// FindDue returns pending entries below maxRetries whose schedule has come, oldest first.
	FindDue(ctx context.Context, now time.Time, maxRetries int, limit int) ([]Entry, error)
	// The mutators below only touch pending entries and return ErrEntryNotPending otherwise.
	MarkPublished(ctx context.Context, id uint64, publishedAt time.Time) error
	RecordFailure(ctx context.Context, id uint64, retryCount int, lastError string, at time.Time) error
	UpdateStatus(ctx context.Context, id uint64, status EntryStatus, retryCount int, lastError string, at time.Time) error
	Delete(ctx context.Context, id uint64) error
	DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type DeadLetterRepository interface {
	Store(ctx context.Context, deadLetter DeadLetter) (uint64, error)
	Find(ctx context.Context, id uint64) (DeadLetter, error)
	FindForUpdate(ctx context.Context, id uint64) (DeadLetter, error)
	List(ctx context.Context, filter DeadLetterFilter) ([]DeadLetter, error)
	Stats(ctx context.Context) ([]DeadLetterStat, error)
	UpdateReview(ctx context.Context, deadLetter DeadLetter) error
	DeleteReviewedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// RepositoryProvider exposes repositories bound to one transaction.
type RepositoryProvider interface {
	EventRepository() EventRepository
	DeadLetterRepository() DeadLetterRepository
}
