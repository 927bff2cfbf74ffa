package eventlog

import (
	"sort"
	"sync"
	"time"

	"ledger_go/internal/domain"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/shopspring/decimal"
)

// stream is one account's history. mu is the account's critical section:
// version check, append and publish all happen while it is held.
type stream struct {
	mu     sync.Mutex
	events []domain.Event
}

// Log is the append-only, per-account event store. It is the source of truth
// for every read model.
type Log struct {
	streams   *xsync.Map[string, *stream]
	publisher domain.Publisher
	now       func() time.Time
	newID     func() string
}

// Option configures a Log.
type Option func(*Log)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// WithIDGenerator overrides the event ID source.
func WithIDGenerator(newID func() string) Option {
	return func(l *Log) { l.newID = newID }
}

// New creates an empty log that publishes every commit to publisher.
// publisher may be nil.
func New(publisher domain.Publisher, opts ...Option) *Log {
	l := &Log{
		streams:   xsync.NewMap[string, *stream](),
		publisher: publisher,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append stores a new event for accountID if expectedVersion is the current
// stream version (0 for an empty stream). The event is published before
// Append returns. On a stale expectedVersion it returns a
// *domain.VersionConflictError and stores nothing. If a listener fails the
// event stays committed and is returned together with a *domain.ProjectionError.
func (l *Log) Append(accountID string, kind domain.Kind, amount decimal.Decimal, expectedVersion uint64) (domain.Event, error) {
	if err := domain.ValidateAccountID(accountID); err != nil {
		return domain.Event{}, err
	}
	if !kind.Valid() {
		return domain.Event{}, &domain.ValidationError{Field: "kind", Reason: "unknown event kind " + string(kind)}
	}
	if !amount.IsPositive() {
		return domain.Event{}, &domain.ValidationError{Field: "amount", Reason: "must be greater than 0"}
	}

	s := l.streamFor(accountID, expectedVersion == 0)
	if s == nil {
		// No stream yet, so the current version is 0.
		return domain.Event{}, &domain.VersionConflictError{AccountID: accountID, Expected: expectedVersion, Actual: 0}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := uint64(len(s.events))
	if current != expectedVersion {
		return domain.Event{}, &domain.VersionConflictError{AccountID: accountID, Expected: expectedVersion, Actual: current}
	}

	ev := domain.Event{
		ID:        l.newID(),
		AccountID: accountID,
		Kind:      kind,
		Amount:    amount,
		Version:   expectedVersion + 1,
		Timestamp: l.now(),
	}
	s.events = append(s.events, ev)

	if l.publisher != nil {
		if err := l.publisher.Publish(ev); err != nil {
			return ev, &domain.ProjectionError{Event: ev, Err: err}
		}
	}
	return ev, nil
}

// StreamFor returns a copy of the account history, oldest first.
func (l *Log) StreamFor(accountID string) []domain.Event {
	s, ok := l.streams.Load(accountID)
	if !ok {
		return []domain.Event{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Event, len(s.events))
	copy(out, s.events)
	return out
}

// CurrentVersion returns the version of the latest event, 0 if there is none.
func (l *Log) CurrentVersion(accountID string) uint64 {
	s, ok := l.streams.Load(accountID)
	if !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(len(s.events))
}

// View runs fn over the account history inside the account's critical
// section. fn must not call back into the log for the same account, and must
// not retain the slice.
func (l *Log) View(accountID string, fn func([]domain.Event) error) error {
	// An empty stream is registered so a first append cannot slip past fn.
	s := l.streamFor(accountID, true)
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.events)
}

// Accounts returns every account with at least one event, sorted.
func (l *Log) Accounts() []string {
	var ids []string
	l.streams.Range(func(id string, s *stream) bool {
		s.mu.Lock()
		n := len(s.events)
		s.mu.Unlock()
		if n > 0 {
			ids = append(ids, id)
		}
		return true
	})
	sort.Strings(ids)
	return ids
}

// streamFor returns the account stream, creating it only when create is set.
func (l *Log) streamFor(accountID string, create bool) *stream {
	if s, ok := l.streams.Load(accountID); ok {
		return s
	}
	if !create {
		return nil
	}
	s, _ := l.streams.LoadOrStore(accountID, &stream{})
	return s
}
