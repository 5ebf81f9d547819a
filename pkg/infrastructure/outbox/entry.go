package outbox

import (
	"time"
)

type EntryStatus string

const (
	EntryStatusPending    EntryStatus = "pending"
	EntryStatusPublished  EntryStatus = "published"
	EntryStatusMovedToDLQ EntryStatus = "moved_to_dlq"
	EntryStatusFailed     EntryStatus = "failed"
)

func (s EntryStatus) IsValid() bool {
	switch s {
	case EntryStatusPending, EntryStatusPublished, EntryStatusMovedToDLQ, EntryStatusFailed:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether next is reachable from s. Only pending entries move;
// every other status is terminal.
func (s EntryStatus) CanTransitionTo(next EntryStatus) bool {
	if s != EntryStatusPending {
		return false
	}
	return next.IsValid()
}

// Entry is a staged event awaiting confirmed delivery.
type Entry struct {
	ID           uint64      `db:"id"`
	EventID      string      `db:"event_id"`
	EventType    string      `db:"event_type"`
	RoutingKey   string      `db:"routing_key"`
	Payload      string      `db:"payload"`
	Status       EntryStatus `db:"status"`
	RetryCount   int         `db:"retry_count"`
	ScheduledFor *time.Time  `db:"scheduled_for"`
	LastError    *string     `db:"last_error"`
	CreatedAt    time.Time   `db:"created_at"`
	PublishedAt  *time.Time  `db:"published_at"`
	UpdatedAt    time.Time   `db:"updated_at"`
}

func (e Entry) due(now time.Time) bool {
	return e.ScheduledFor == nil || !e.ScheduledFor.After(now)
}

func (e Entry) dispatchable(now time.Time, maxRetries int) bool {
	return e.Status == EntryStatusPending && e.RetryCount < maxRetries && e.due(now)
}

type DeadLetterStatus string

const (
	DeadLetterStatusPendingReview DeadLetterStatus = "pending_review"
	DeadLetterStatusRequeued      DeadLetterStatus = "requeued"
	DeadLetterStatusReviewed      DeadLetterStatus = "reviewed"
	DeadLetterStatusDiscarded     DeadLetterStatus = "discarded"
)

func ParseDeadLetterStatus(raw string) (DeadLetterStatus, error) {
	status := DeadLetterStatus(raw)
	if !status.IsValid() {
		return "", ErrDeadLetterStatusInvalid
	}
	return status, nil
}

func (s DeadLetterStatus) IsValid() bool {
	switch s {
	case DeadLetterStatusPendingReview, DeadLetterStatusRequeued, DeadLetterStatusReviewed, DeadLetterStatusDiscarded:
		return true
	default:
		return false
	}
}

// CanTransitionTo allows a reviewed event to be requeued or discarded later;
// requeued and discarded are final.
func (s DeadLetterStatus) CanTransitionTo(next DeadLetterStatus) bool {
	switch s {
	case DeadLetterStatusPendingReview:
		return next == DeadLetterStatusRequeued || next == DeadLetterStatusReviewed || next == DeadLetterStatusDiscarded
	case DeadLetterStatusReviewed:
		return next == DeadLetterStatusRequeued || next == DeadLetterStatusDiscarded
	default:
		return false
	}
}

// DeadLetter is a critical event quarantined after exhausting its retries.
type DeadLetter struct {
	ID                uint64           `db:"id"`
	OriginalEventID   string           `db:"original_event_id"`
	EventType         string           `db:"event_type"`
	RoutingKey        string           `db:"routing_key"`
	Payload           string           `db:"payload"`
	FailureReason     string           `db:"failure_reason"`
	RetryCount        int              `db:"retry_count"`
	OriginalCreatedAt time.Time        `db:"original_created_at"`
	MovedToDLQAt      time.Time        `db:"moved_to_dlq_at"`
	Status            DeadLetterStatus `db:"status"`
	ReviewedAt        *time.Time       `db:"reviewed_at"`
	ReviewedBy        *string          `db:"reviewed_by"`
	ReviewNotes       *string          `db:"review_notes"`
}

func newDeadLetter(entry Entry, reason string, now time.Time) DeadLetter {
	return DeadLetter{
		OriginalEventID:   entry.EventID,
		EventType:         entry.EventType,
		RoutingKey:        entry.RoutingKey,
		Payload:           entry.Payload,
		FailureReason:     reason,
		RetryCount:        entry.RetryCount,
		OriginalCreatedAt: entry.CreatedAt,
		MovedToDLQAt:      now,
		Status:            DeadLetterStatusPendingReview,
	}
}

type DeadLetterFilter struct {
	// Status limits the listing to one status; nil lists all.
	Status *DeadLetterStatus
	Limit  int
	Offset int
}

type DeadLetterStat struct {
	EventType string           `db:"event_type"`
	Status    DeadLetterStatus `db:"status"`
	Count     int64            `db:"count"`
}
