package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"gitea.xscloud.ru/xscloud/eventrelay/pkg/infrastructure/mysql"
)

const (
	eventTableName      = "outbox_event"
	deadLetterTableName = "outbox_dead_letter"

	defaultDeadLetterListLimit = 100
)

const entryColumns = `
	id,
	event_id,
	event_type,
	routing_key,
	payload,
	status,
	retry_count,
	scheduled_for,
	last_error,
	created_at,
	published_at,
	updated_at`

const deadLetterColumns = `
	id,
	original_event_id,
	event_type,
	routing_key,
	payload,
	failure_reason,
	retry_count,
	original_created_at,
	moved_to_dlq_at,
	status,
	reviewed_at,
	reviewed_by,
	review_notes`

// NewRepositoryProvider is a mysql.RepositoryProviderBuilder for the outbox tables.
func NewRepositoryProvider(client mysql.ClientContext) RepositoryProvider {
	return &repositoryProvider{client: client}
}

type repositoryProvider struct {
	client mysql.ClientContext
}

func (p *repositoryProvider) EventRepository() EventRepository {
	return &eventRepository{client: p.client}
}

func (p *repositoryProvider) DeadLetterRepository() DeadLetterRepository {
	return &deadLetterRepository{client: p.client}
}

type eventRepository struct {
	client mysql.ClientContext
}

func (r *eventRepository) Store(ctx context.Context, entry Entry) (uint64, error) {
	result, err := r.client.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (
			event_id, event_type, routing_key, payload, status, retry_count,
			scheduled_for, last_error, created_at, published_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, eventTableName),
		entry.EventID,
		entry.EventType,
		entry.RoutingKey,
		entry.Payload,
		entry.Status,
		entry.RetryCount,
		entry.ScheduledFor,
		entry.LastError,
		entry.CreatedAt,
		entry.PublishedAt,
		entry.UpdatedAt,
	)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return uint64(id), nil
}

func (r *eventRepository) Find(ctx context.Context, id uint64) (Entry, error) {
	var entry Entry
	err := r.client.GetContext(ctx, &entry, fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, entryColumns, eventTableName), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, errors.WithStack(ErrEntryNotFound)
		}
		return Entry{}, errors.WithStack(err)
	}
	return entry, nil
}

func (r *eventRepository) FindDue(ctx context.Context, now time.Time, maxRetries int, limit int) ([]Entry, error) {
	var entries []Entry
	err := r.client.SelectContext(ctx, &entries, fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE status = ?
		  AND retry_count < ?
		  AND (scheduled_for IS NULL OR scheduled_for <= ?)
		ORDER BY created_at, id
		LIMIT ?
	`, entryColumns, eventTableName), EntryStatusPending, maxRetries, now, limit)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return entries, nil
}

func (r *eventRepository) MarkPublished(ctx context.Context, id uint64, publishedAt time.Time) error {
	return r.updatePending(ctx, id, `status = ?, published_at = ?, updated_at = ?`,
		EntryStatusPublished, publishedAt, publishedAt)
}

func (r *eventRepository) RecordFailure(ctx context.Context, id uint64, retryCount int, lastError string, at time.Time) error {
	return r.updatePending(ctx, id, `retry_count = ?, last_error = ?, updated_at = ?`,
		retryCount, lastError, at)
}

func (r *eventRepository) UpdateStatus(ctx context.Context, id uint64, status EntryStatus, retryCount int, lastError string, at time.Time) error {
	return r.updatePending(ctx, id, `status = ?, retry_count = ?, last_error = ?, updated_at = ?`,
		status, retryCount, lastError, at)
}

func (r *eventRepository) Delete(ctx context.Context, id uint64) error {
	result, err := r.client.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ? AND status = ?`, eventTableName),
		id, EntryStatusPending)
	return checkPendingAffected(result, err)
}

func (r *eventRepository) DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.client.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE status = ? AND published_at <= ?
	`, eventTableName), EntryStatusPublished, cutoff)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	deleted, err := result.RowsAffected()
	return deleted, errors.WithStack(err)
}

func (r *eventRepository) updatePending(ctx context.Context, id uint64, assignments string, args ...interface{}) error {
	args = append(args, id, EntryStatusPending)
	result, err := r.client.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET %s WHERE id = ? AND status = ?
	`, eventTableName, assignments), args...)
	return checkPendingAffected(result, err)
}

func checkPendingAffected(result sql.Result, err error) error {
	if err != nil {
		return errors.WithStack(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return errors.WithStack(err)
	}
	if affected == 0 {
		return errors.WithStack(ErrEntryNotPending)
	}
	return nil
}

type deadLetterRepository struct {
	client mysql.ClientContext
}

func (r *deadLetterRepository) Store(ctx context.Context, deadLetter DeadLetter) (uint64, error) {
	result, err := r.client.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (
			original_event_id, event_type, routing_key, payload, failure_reason, retry_count,
			original_created_at, moved_to_dlq_at, status, reviewed_at, reviewed_by, review_notes
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, deadLetterTableName),
		deadLetter.OriginalEventID,
		deadLetter.EventType,
		deadLetter.RoutingKey,
		deadLetter.Payload,
		deadLetter.FailureReason,
		deadLetter.RetryCount,
		deadLetter.OriginalCreatedAt,
		deadLetter.MovedToDLQAt,
		deadLetter.Status,
		deadLetter.ReviewedAt,
		deadLetter.ReviewedBy,
		deadLetter.ReviewNotes,
	)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return uint64(id), nil
}

func (r *deadLetterRepository) Find(ctx context.Context, id uint64) (DeadLetter, error) {
	return r.find(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, deadLetterColumns, deadLetterTableName), id)
}

func (r *deadLetterRepository) FindForUpdate(ctx context.Context, id uint64) (DeadLetter, error) {
	return r.find(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE id = ? FOR UPDATE`, deadLetterColumns, deadLetterTableName), id)
}

func (r *deadLetterRepository) find(ctx context.Context, query string, id uint64) (DeadLetter, error) {
	var deadLetter DeadLetter
	err := r.client.GetContext(ctx, &deadLetter, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return DeadLetter{}, errors.WithStack(ErrDeadLetterNotFound)
		}
		return DeadLetter{}, errors.WithStack(err)
	}
	return deadLetter, nil
}

func (r *deadLetterRepository) List(ctx context.Context, filter DeadLetterFilter) ([]DeadLetter, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultDeadLetterListLimit
	}

	var (
		where string
		args  []interface{}
	)
	if filter.Status != nil {
		where = "WHERE status = ?"
		args = append(args, *filter.Status)
	}
	args = append(args, limit, filter.Offset)

	var deadLetters []DeadLetter
	err := r.client.SelectContext(ctx, &deadLetters, fmt.Sprintf(`
		SELECT %s
		FROM %s
		%s
		ORDER BY moved_to_dlq_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, deadLetterColumns, deadLetterTableName, where), args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return deadLetters, nil
}

func (r *deadLetterRepository) Stats(ctx context.Context) ([]DeadLetterStat, error) {
	var stats []DeadLetterStat
	err := r.client.SelectContext(ctx, &stats, fmt.Sprintf(`
		SELECT event_type, status, COUNT(*) AS count
		FROM %s
		GROUP BY event_type, status
		ORDER BY event_type, status
	`, deadLetterTableName))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return stats, nil
}

func (r *deadLetterRepository) UpdateReview(ctx context.Context, deadLetter DeadLetter) error {
	result, err := r.client.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s
		SET status = ?, reviewed_at = ?, reviewed_by = ?, review_notes = ?
		WHERE id = ?
	`, deadLetterTableName),
		deadLetter.Status,
		deadLetter.ReviewedAt,
		deadLetter.ReviewedBy,
		deadLetter.ReviewNotes,
		deadLetter.ID,
	)
	if err != nil {
		return errors.WithStack(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return errors.WithStack(err)
	}
	if affected == 0 {
		return errors.WithStack(ErrDeadLetterNotFound)
	}
	return nil
}

func (r *deadLetterRepository) DeleteReviewedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.client.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE status IN (?, ?) AND reviewed_at <= ?
	`, deadLetterTableName), DeadLetterStatusReviewed, DeadLetterStatusDiscarded, cutoff)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	deleted, err := result.RowsAffected()
	return deleted, errors.WithStack(err)
}
