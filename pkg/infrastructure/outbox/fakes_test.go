package outbox

import (
	"context"
	stderrors "errors"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	appoutbox "gitea.xscloud.ru/xscloud/eventrelay/pkg/application/outbox"
	"gitea.xscloud.ru/xscloud/eventrelay/pkg/infrastructure/logging"
	"gitea.xscloud.ru/xscloud/eventrelay/pkg/infrastructure/mysql"
)

var errBrokerDown = stderrors.New("broker down")

// memoryStore backs both repositories. It is only touched inside fakeUnitOfWork,
// which serializes access and rolls back on error.
type memoryStore struct {
	mu sync.Mutex

	nextEntryID      uint64
	nextDeadLetterID uint64
	entries          map[uint64]Entry
	deadLetters      map[uint64]DeadLetter

	storeEntryErr      error
	storeDeadLetterErr error
	markPublishedErr   error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		entries:     map[uint64]Entry{},
		deadLetters: map[uint64]DeadLetter{},
	}
}

func (s *memoryStore) entry(id uint64) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	return entry, ok
}

func (s *memoryStore) allEntries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]Entry, 0, len(s.entries))
	for _, entry := range s.entries {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries
}

func (s *memoryStore) allDeadLetters() []DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadLetters := make([]DeadLetter, 0, len(s.deadLetters))
	for _, deadLetter := range s.deadLetters {
		deadLetters = append(deadLetters, deadLetter)
	}
	sort.Slice(deadLetters, func(i, j int) bool { return deadLetters[i].ID < deadLetters[j].ID })
	return deadLetters
}

func (s *memoryStore) putEntry(entry Entry) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextEntryID++
	entry.ID = s.nextEntryID
	s.entries[entry.ID] = entry
	return entry.ID
}

func (s *memoryStore) putDeadLetter(deadLetter DeadLetter) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextDeadLetterID++
	deadLetter.ID = s.nextDeadLetterID
	s.deadLetters[deadLetter.ID] = deadLetter
	return deadLetter.ID
}

type fakeUnitOfWork struct {
	store *memoryStore
}

func (u fakeUnitOfWork) ExecuteWithUnitOfWork(_ context.Context, callback func(provider RepositoryProvider) error) error {
	s := u.store
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make(map[uint64]Entry, len(s.entries))
	for id, entry := range s.entries {
		entries[id] = entry
	}
	deadLetters := make(map[uint64]DeadLetter, len(s.deadLetters))
	for id, deadLetter := range s.deadLetters {
		deadLetters[id] = deadLetter
	}
	nextEntryID, nextDeadLetterID := s.nextEntryID, s.nextDeadLetterID

	err := callback(memoryProvider{store: s})
	if err != nil {
		s.entries, s.deadLetters = entries, deadLetters
		s.nextEntryID, s.nextDeadLetterID = nextEntryID, nextDeadLetterID
	}
	return err
}

type memoryProvider struct {
	store *memoryStore
}

func (p memoryProvider) EventRepository() EventRepository {
	return memoryEventRepository(p)
}

func (p memoryProvider) DeadLetterRepository() DeadLetterRepository {
	return memoryDeadLetterRepository(p)
}

type memoryEventRepository struct {
	store *memoryStore
}

func (r memoryEventRepository) Store(_ context.Context, entry Entry) (uint64, error) {
	if r.store.storeEntryErr != nil {
		return 0, r.store.storeEntryErr
	}
	r.store.nextEntryID++
	entry.ID = r.store.nextEntryID
	r.store.entries[entry.ID] = entry
	return entry.ID, nil
}

func (r memoryEventRepository) Find(_ context.Context, id uint64) (Entry, error) {
	entry, ok := r.store.entries[id]
	if !ok {
		return Entry{}, ErrEntryNotFound
	}
	return entry, nil
}

func (r memoryEventRepository) FindDue(_ context.Context, now time.Time, maxRetries int, limit int) ([]Entry, error) {
	var due []Entry
	for _, entry := range r.store.entries {
		if entry.dispatchable(now, maxRetries) {
			due = append(due, entry)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].CreatedAt.Equal(due[j].CreatedAt) {
			return due[i].CreatedAt.Before(due[j].CreatedAt)
		}
		return due[i].ID < due[j].ID
	})
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (r memoryEventRepository) MarkPublished(_ context.Context, id uint64, publishedAt time.Time) error {
	if r.store.markPublishedErr != nil {
		return r.store.markPublishedErr
	}
	return r.updatePending(id, func(entry *Entry) {
		entry.Status = EntryStatusPublished
		entry.PublishedAt = &publishedAt
		entry.UpdatedAt = publishedAt
	})
}

func (r memoryEventRepository) RecordFailure(_ context.Context, id uint64, retryCount int, lastError string, at time.Time) error {
	return r.updatePending(id, func(entry *Entry) {
		entry.RetryCount = retryCount
		entry.LastError = &lastError
		entry.UpdatedAt = at
	})
}

func (r memoryEventRepository) UpdateStatus(_ context.Context, id uint64, status EntryStatus, retryCount int, lastError string, at time.Time) error {
	return r.updatePending(id, func(entry *Entry) {
		entry.Status = status
		entry.RetryCount = retryCount
		entry.LastError = &lastError
		entry.UpdatedAt = at
	})
}

func (r memoryEventRepository) Delete(_ context.Context, id uint64) error {
	entry, ok := r.store.entries[id]
	if !ok || entry.Status != EntryStatusPending {
		return ErrEntryNotPending
	}
	delete(r.store.entries, id)
	return nil
}

func (r memoryEventRepository) DeletePublishedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	for id, entry := range r.store.entries {
		if entry.Status == EntryStatusPublished && entry.PublishedAt != nil && !entry.PublishedAt.After(cutoff) {
			delete(r.store.entries, id)
			deleted++
		}
	}
	return deleted, nil
}

func (r memoryEventRepository) updatePending(id uint64, update func(entry *Entry)) error {
	entry, ok := r.store.entries[id]
	if !ok || entry.Status != EntryStatusPending {
		return ErrEntryNotPending
	}
	update(&entry)
	r.store.entries[id] = entry
	return nil
}

type memoryDeadLetterRepository struct {
	store *memoryStore
}

func (r memoryDeadLetterRepository) Store(_ context.Context, deadLetter DeadLetter) (uint64, error) {
	if r.store.storeDeadLetterErr != nil {
		return 0, r.store.storeDeadLetterErr
	}
	r.store.nextDeadLetterID++
	deadLetter.ID = r.store.nextDeadLetterID
	r.store.deadLetters[deadLetter.ID] = deadLetter
	return deadLetter.ID, nil
}

func (r memoryDeadLetterRepository) Find(_ context.Context, id uint64) (DeadLetter, error) {
	deadLetter, ok := r.store.deadLetters[id]
	if !ok {
		return DeadLetter{}, ErrDeadLetterNotFound
	}
	return deadLetter, nil
}

func (r memoryDeadLetterRepository) FindForUpdate(ctx context.Context, id uint64) (DeadLetter, error) {
	return r.Find(ctx, id)
}

func (r memoryDeadLetterRepository) List(_ context.Context, filter DeadLetterFilter) ([]DeadLetter, error) {
	var deadLetters []DeadLetter
	for _, deadLetter := range r.store.deadLetters {
		if filter.Status == nil || deadLetter.Status == *filter.Status {
			deadLetters = append(deadLetters, deadLetter)
		}
	}
	sort.Slice(deadLetters, func(i, j int) bool { return deadLetters[i].ID > deadLetters[j].ID })
	return deadLetters, nil
}

func (r memoryDeadLetterRepository) Stats(_ context.Context) ([]DeadLetterStat, error) {
	counts := map[[2]string]int64{}
	for _, deadLetter := range r.store.deadLetters {
		counts[[2]string{deadLetter.EventType, string(deadLetter.Status)}]++
	}
	stats := make([]DeadLetterStat, 0, len(counts))
	for key, count := range counts {
		stats = append(stats, DeadLetterStat{EventType: key[0], Status: DeadLetterStatus(key[1]), Count: count})
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].EventType != stats[j].EventType {
			return stats[i].EventType < stats[j].EventType
		}
		return stats[i].Status < stats[j].Status
	})
	return stats, nil
}

func (r memoryDeadLetterRepository) UpdateReview(_ context.Context, deadLetter DeadLetter) error {
	if _, ok := r.store.deadLetters[deadLetter.ID]; !ok {
		return ErrDeadLetterNotFound
	}
	r.store.deadLetters[deadLetter.ID] = deadLetter
	return nil
}

func (r memoryDeadLetterRepository) DeleteReviewedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	for id, deadLetter := range r.store.deadLetters {
		reviewed := deadLetter.Status == DeadLetterStatusReviewed || deadLetter.Status == DeadLetterStatusDiscarded
		if reviewed && deadLetter.ReviewedAt != nil && !deadLetter.ReviewedAt.After(cutoff) {
			delete(r.store.deadLetters, id)
			deleted++
		}
	}
	return deleted, nil
}

// fakeLocker emulates GET_LOCK with a zero timeout: a held name fails immediately.
type fakeLocker struct {
	mu       sync.Mutex
	held     map[string]bool
	acquired []string
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: map[string]bool{}}
}

func (l *fakeLocker) hold(lockName string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held[lockName] = true
}

func (l *fakeLocker) ExecuteWithLock(_ context.Context, lockName string, _ time.Duration, callback func() error) error {
	l.mu.Lock()
	if l.held[lockName] {
		l.mu.Unlock()
		return mysql.ErrLockTimeout
	}
	l.held[lockName] = true
	l.acquired = append(l.acquired, lockName)
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.held, lockName)
		l.mu.Unlock()
	}()
	return callback()
}

type publishedEvent struct {
	routingKey string
	event      appoutbox.Event
}

type fakePublisher struct {
	mu        sync.Mutex
	err       error
	attempts  int
	published []publishedEvent
	// onPublish runs inside Publish before the result is decided.
	onPublish func()
}

func (p *fakePublisher) Publish(_ context.Context, routingKey string, event appoutbox.Event) error {
	p.mu.Lock()
	onPublish := p.onPublish
	p.mu.Unlock()
	if onPublish != nil {
		onPublish()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts++
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, publishedEvent{routingKey: routingKey, event: event})
	return nil
}

func (p *fakePublisher) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *fakePublisher) publishedEvents() []publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishedEvent(nil), p.published...)
}

func (p *fakePublisher) attemptCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	store      *memoryStore
	publisher  *fakePublisher
	locker     *fakeLocker
	clock      *fakeClock
	hook       *logrustest.Hook
	dispatcher *Dispatcher
}

func newTestEnv(config Config) *testEnv {
	impl, hook := logrustest.NewNullLogger()
	impl.SetLevel(logrus.DebugLevel)

	env := &testEnv{
		store:     newMemoryStore(),
		publisher: &fakePublisher{},
		locker:    newFakeLocker(),
		clock:     &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		hook:      hook,
	}
	config.Identity = appoutbox.Identity{Service: "billing", Environment: "test"}
	env.dispatcher = NewDispatcher(config, env.publisher, fakeUnitOfWork{store: env.store}, env.locker, logging.Wrap(impl))
	env.dispatcher.now = env.clock.Now

	var seq int
	var seqMu sync.Mutex
	env.dispatcher.newID = func() (string, error) {
		seqMu.Lock()
		defer seqMu.Unlock()
		seq++
		return "event-" + strconv.Itoa(seq), nil
	}
	return env
}

func (env *testEnv) stage(t *testing.T, routingKey string, scheduledFor *time.Time) Entry {
	t.Helper()
	event, err := appoutbox.NewEvent("invoice.paid", 1, map[string]string{"invoiceId": "42"})
	require.NoError(t, err)
	require.NoError(t, env.dispatcher.SaveAndPublish(context.Background(), event, routingKey, scheduledFor))
	env.dispatcher.Wait()
	entries := env.store.allEntries()
	return entries[len(entries)-1]
}

func (env *testEnv) entriesWithLevel(level logrus.Level) []*logrus.Entry {
	var entries []*logrus.Entry
	for _, entry := range env.hook.AllEntries() {
		if entry.Level == level {
			entries = append(entries, entry)
		}
	}
	return entries
}
