package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"gitea.xscloud.ru/xscloud/eventrelay/pkg/application/logging"
	appoutbox "gitea.xscloud.ru/xscloud/eventrelay/pkg/application/outbox"
	"gitea.xscloud.ru/xscloud/eventrelay/pkg/infrastructure/mysql"
)

// Publisher sends one event to the broker. amqp.Gateway implements it.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event appoutbox.Event) error
}

// Dispatcher stages events in the outbox table and drains them to the broker with
// bounded retries. Every publish attempt holds a per-entry named lock, so several
// relay instances never attempt the same entry concurrently.
type Dispatcher struct {
	config      Config
	publisher   Publisher
	uow         mysql.UnitOfWork[RepositoryProvider]
	lockableUOW mysql.LockableUnitOfWork[RepositoryProvider]
	locker      mysql.Locker
	policy      CriticalityPolicy
	logger      logging.Logger

	newID func() (string, error)
	now   func() time.Time

	sweeping atomic.Bool

	mu            sync.Mutex
	stopped       bool
	dispatchSlots chan struct{}
	dispatchWG    sync.WaitGroup
}

var _ appoutbox.EventPublisher = (*Dispatcher)(nil)

func NewDispatcher(
	config Config,
	publisher Publisher,
	uow mysql.UnitOfWork[RepositoryProvider],
	locker mysql.Locker,
	logger logging.Logger,
) *Dispatcher {
	config.normalize()
	return &Dispatcher{
		config:      config,
		publisher:   publisher,
		uow:         uow,
		lockableUOW: mysql.NewLockableUnitOfWork(uow, locker),
		locker:      locker,
		policy:      NewRoutingKeyPolicy(config.CriticalRoutingKeys...),
		logger:      logger,
		newID:       appoutbox.NewEventID,
		now: func() time.Time {
			return time.Now().UTC().Truncate(time.Microsecond)
		},
		dispatchSlots: make(chan struct{}, config.ImmediateDispatchLimit),
	}
}

// SaveAndPublish stages event for delivery on routingKey. It returns once the entry
// is stored; delivery happens later. An event due now also gets an immediate
// best-effort attempt in the background, the periodic sweep covers its failure.
//
// ctx identifies the unit of work: called inside the producer's own
// mysql.UnitOfWork with the same ctx, the entry commits together with the
// producer's changes.
func (d *Dispatcher) SaveAndPublish(ctx context.Context, event appoutbox.Event, routingKey string, scheduledFor *time.Time) error {
	if routingKey == "" {
		return ErrRoutingKeyRequired
	}
	now := d.now()
	event.EventID = ""
	event, err := d.config.Identity.Stamp(event, d.newID, now)
	if err != nil {
		return &StagingError{Err: err}
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return &StagingError{EventID: event.EventID, Err: errors.WithStack(err)}
	}

	entry := Entry{
		EventID:    event.EventID,
		EventType:  event.EventType,
		RoutingKey: routingKey,
		Payload:    string(payload),
		Status:     EntryStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if scheduledFor != nil {
		scheduled := scheduledFor.UTC().Truncate(time.Microsecond)
		entry.ScheduledFor = &scheduled
	}

	var id uint64
	err = d.uow.ExecuteWithUnitOfWork(ctx, func(provider RepositoryProvider) error {
		var storeErr error
		id, storeErr = provider.EventRepository().Store(ctx, entry)
		return storeErr
	})
	if err != nil {
		return &StagingError{EventID: event.EventID, Err: err}
	}

	if entry.due(now) {
		d.dispatchAsync(id)
	}
	return nil
}

// Wait blocks until background dispatch attempts have finished. It must not overlap
// SaveAndPublish or RequeueDLQEvent calls; Start stops new attempts before waiting.
func (d *Dispatcher) Wait() {
	d.dispatchWG.Wait()
}

// dispatchAsync starts a background attempt for the entry. At most
// ImmediateDispatchLimit attempts run at once, each on its own database session;
// beyond that, and once the dispatcher is stopped, the entry waits for the sweep.
func (d *Dispatcher) dispatchAsync(id uint64) {
	logger := d.logger.WithField("outbox_id", id)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		logger.Debug("dispatcher stopped, entry is left for the next sweep")
		return
	}
	select {
	case d.dispatchSlots <- struct{}{}:
	default:
		logger.Debug("immediate dispatch limit reached, entry is left for the next sweep")
		return
	}

	d.dispatchWG.Add(1)
	go func() {
		defer d.dispatchWG.Done()
		defer func() { <-d.dispatchSlots }()

		ctx, cancel := context.WithTimeout(context.Background(), 2*d.config.PublishTimeout)
		defer cancel()

		_, err := d.dispatchByID(ctx, id)
		if err != nil {
			logger.Warning(err, "immediate dispatch failed, entry is left for the next sweep")
		}
	}()
}

// stopImmediateDispatch refuses new background attempts and waits for the running ones.
func (d *Dispatcher) stopImmediateDispatch() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()

	d.dispatchWG.Wait()
}

// dispatchByID attempts the entry under its own named lock and re-reads it once the
// lock is held, so an entry already handled by a concurrent attempt is skipped.
// An entry that is not visible yet, because the producer's transaction has not
// committed, is skipped too.
func (d *Dispatcher) dispatchByID(ctx context.Context, id uint64) (outcome, error) {
	result := outcomeSkipped
	err := d.locker.ExecuteWithLock(ctx, fmt.Sprintf("%s.%d", entryLockName, id), 0, func() error {
		var entry Entry
		err := d.uow.ExecuteWithUnitOfWork(ctx, func(provider RepositoryProvider) error {
			var findErr error
			entry, findErr = provider.EventRepository().Find(ctx, id)
			return findErr
		})
		if errors.Is(err, ErrEntryNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !entry.dispatchable(d.now(), d.config.MaxRetries) {
			return nil
		}
		result, err = d.dispatch(ctx, entry)
		return err
	})
	if errors.Is(err, mysql.ErrLockTimeout) {
		return outcomeSkipped, nil
	}
	return result, err
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomePublished
	outcomeRetried
	outcomeDeadLettered
	outcomeDropped
	outcomeFailed
)

// dispatch makes one publish attempt and records its outcome. The returned error
// only reports a failure to record the outcome.
func (d *Dispatcher) dispatch(ctx context.Context, entry Entry) (outcome, error) {
	logger := d.logger.WithFields(logging.Fields{
		"outbox_id":   entry.ID,
		"event_id":    entry.EventID,
		"event_type":  entry.EventType,
		"routing_key": entry.RoutingKey,
	})

	publishErr := d.publish(ctx, entry)
	if publishErr == nil {
		return outcomePublished, d.uow.ExecuteWithUnitOfWork(ctx, func(provider RepositoryProvider) error {
			return provider.EventRepository().MarkPublished(ctx, entry.ID, d.now())
		})
	}

	entry.RetryCount++
	lastError := publishErr.Error()
	entry.LastError = &lastError
	logger = logger.WithField("attempts", entry.RetryCount)

	if entry.RetryCount < d.config.MaxRetries {
		logger.Warning(publishErr, "failed to publish outbox event, will retry")
		return outcomeRetried, d.uow.ExecuteWithUnitOfWork(ctx, func(provider RepositoryProvider) error {
			return provider.EventRepository().RecordFailure(ctx, entry.ID, entry.RetryCount, lastError, d.now())
		})
	}
	return d.exhaust(ctx, logger, entry, publishErr)
}

func (d *Dispatcher) publish(ctx context.Context, entry Entry) error {
	var event appoutbox.Event
	if err := json.Unmarshal([]byte(entry.Payload), &event); err != nil {
		return errors.Wrap(err, "failed to deserialize outbox payload")
	}

	ctx, cancel := context.WithTimeout(ctx, d.config.PublishTimeout)
	defer cancel()
	return d.publisher.Publish(ctx, entry.RoutingKey, event)
}

// exhaust handles an entry that reached MaxRetries. Critical entries are moved to the
// dead letter table in one transaction; if that fails the entry is marked failed so
// the failure is never lost. Non-critical entries are logged in full and deleted.
func (d *Dispatcher) exhaust(ctx context.Context, logger logging.Logger, entry Entry, cause error) (outcome, error) {
	now := d.now()
	lastError := *entry.LastError
	logger = logger.WithField("payload", entry.Payload)

	if !d.policy.IsCritical(entry.RoutingKey) {
		logger.Warning(cause, "outbox event exhausted retries, dropping non-critical event")
		return outcomeDropped, d.uow.ExecuteWithUnitOfWork(ctx, func(provider RepositoryProvider) error {
			return provider.EventRepository().Delete(ctx, entry.ID)
		})
	}

	err := d.uow.ExecuteWithUnitOfWork(ctx, func(provider RepositoryProvider) error {
		_, storeErr := provider.DeadLetterRepository().Store(ctx, newDeadLetter(entry, lastError, now))
		if storeErr != nil {
			return storeErr
		}
		return provider.EventRepository().UpdateStatus(ctx, entry.ID, EntryStatusMovedToDLQ, entry.RetryCount, lastError, now)
	})
	if err == nil {
		logger.Warning(cause, "outbox event exhausted retries, moved to dead letter queue")
		return outcomeDeadLettered, nil
	}

	logger.Error(err, "failed to move outbox event to dead letter queue, marking it failed")
	lastError += "; dead letter: " + err.Error()
	return outcomeFailed, d.uow.ExecuteWithUnitOfWork(ctx, func(provider RepositoryProvider) error {
		return provider.EventRepository().UpdateStatus(ctx, entry.ID, EntryStatusFailed, entry.RetryCount, lastError, now)
	})
}
