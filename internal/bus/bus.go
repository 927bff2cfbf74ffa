package bus

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"ledger_go/internal/domain"
)

type subscription struct {
	name     string
	listener domain.Listener
}

// Bus fans a committed event out to the listeners registered for its kind.
// Delivery is synchronous: Publish returns after every listener has run.
type Bus struct {
	mu   sync.RWMutex
	subs map[domain.Kind][]subscription
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[domain.Kind][]subscription)}
}

// Subscribe registers listener for every future event of kind, across all accounts.
func (b *Bus) Subscribe(kind domain.Kind, name string, listener domain.Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Copy on write so an in-flight Publish keeps iterating its own snapshot.
	cur := b.subs[kind]
	next := make([]subscription, len(cur), len(cur)+1)
	copy(next, cur)
	b.subs[kind] = append(next, subscription{name: name, listener: listener})
}

// SubscribeAll registers listener for every known kind.
func (b *Bus) SubscribeAll(name string, listener domain.Listener) {
	for _, k := range domain.Kinds {
		b.Subscribe(k, name, listener)
	}
}

// Publish invokes the listeners for ev in subscription order. A failing or
// panicking listener does not stop the others; all failures are joined.
func (b *Bus) Publish(ev domain.Event) error {
	b.mu.RLock()
	subs := b.subs[ev.Kind]
	b.mu.RUnlock()

	var errs []error
	for _, s := range subs {
		if err := invoke(s, ev); err != nil {
			slog.Warn("Listener failed",
				slog.String("listener", s.name),
				slog.String("account_id", ev.AccountID),
				slog.Uint64("version", ev.Version),
				slog.Any("error", err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Listeners returns the number of listeners registered for kind.
func (b *Bus) Listeners(kind domain.Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[kind])
}

func invoke(s subscription, ev domain.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &domain.InternalError{Op: "listener " + s.name, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if err := s.listener(ev); err != nil {
		return fmt.Errorf("listener %s: %w", s.name, err)
	}
	return nil
}
