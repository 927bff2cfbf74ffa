package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"ledger_go/internal/domain"
	"ledger_go/internal/infra"
)

// Entry is a committed event as seen by feed consumers. Seq is the feed's own
// global order; Event.Version stays the per-account order.
type Entry struct {
	Seq   uint64       `json:"seq"`
	Event domain.Event `json:"event"`
}

// Sequencer is the single-threaded dispatcher behind the live event feed.
// Commits hand events over without blocking; the sequencer stamps them,
// checks per-account continuity, keeps a bounded history and fans out.
type Sequencer struct {
	inbox       chan domain.Event
	nextSeq     uint64
	lastVersion map[string]uint64 // Owned by the Run goroutine
	metrics     *infra.Metrics

	mu          sync.RWMutex // Guards history and sinks for external access
	history     []Entry
	historySize int
	sinks       map[uint64]chan Entry
	nextSinkID  uint64
}

// NewSequencer creates a new sequencer instance.
func NewSequencer(inboxSize, historySize int, metrics *infra.Metrics) *Sequencer {
	if metrics == nil {
		metrics = &infra.Metrics{}
	}
	return &Sequencer{
		inbox:       make(chan domain.Event, inboxSize),
		nextSeq:     1,
		lastVersion: make(map[string]uint64),
		metrics:     metrics,
		historySize: historySize,
		sinks:       make(map[uint64]chan Entry),
	}
}

// Inbox returns the event channel.
func (s *Sequencer) Inbox() chan<- domain.Event {
	return s.inbox
}

// Listener returns a bus listener that hands committed events to the
// sequencer. It never blocks the commit: when the inbox is full the event is
// dropped and the gap shows up on the feed.
func (s *Sequencer) Listener() domain.Listener {
	return func(ev domain.Event) error {
		select {
		case s.inbox <- ev:
		default:
			s.metrics.RecordFeedDropped()
			slog.Warn("Feed inbox full, event dropped",
				slog.String("account_id", ev.AccountID),
				slog.Uint64("version", ev.Version))
		}
		return nil
	}
}

// Run starts the main event loop. This MUST be run in a single goroutine.
func (s *Sequencer) Run(ctx context.Context) {
	slog.Info("Sequencer started")

	defer func() {
		if r := recover(); r != nil {
			slog.Error("CRITICAL_PANIC_DETECTED", slog.Any("panic", r))
			s.DumpState("feed_panic_dump.json")
			panic(fmt.Sprintf("HALTED: %v", r))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Sequencer stopping...")
			s.closeSinks()
			return
		case ev := <-s.inbox:
			s.processEvent(ev)
		}
	}
}

func (s *Sequencer) processEvent(ev domain.Event) {
	// Per-account continuity check. A gap means the feed missed an event;
	// the log itself is unaffected, so report and carry on.
	if last := s.lastVersion[ev.AccountID]; ev.Version != last+1 {
		s.metrics.RecordFeedGap()
		slog.Error("FEED_GAP_DETECTED",
			slog.String("account_id", ev.AccountID),
			slog.Uint64("expected", last+1),
			slog.Uint64("got", ev.Version))
	}
	if ev.Version > s.lastVersion[ev.AccountID] {
		s.lastVersion[ev.AccountID] = ev.Version
	}

	entry := Entry{Seq: s.nextSeq, Event: ev}
	s.nextSeq++

	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = append(s.history, entry)
	if over := len(s.history) - s.historySize; over > 0 {
		s.history = append(s.history[:0:0], s.history[over:]...)
	}

	for id, ch := range s.sinks {
		select {
		case ch <- entry:
		default:
			s.metrics.RecordFeedDropped()
			slog.Warn("Feed subscriber too slow, entry dropped",
				slog.Uint64("subscriber", id),
				slog.Uint64("seq", entry.Seq))
		}
	}
}

// ReplayEvent processes an event synchronously. It is used to seed the feed
// from the event log before Run starts and must not race with Run.
func (s *Sequencer) ReplayEvent(ev domain.Event) {
	s.processEvent(ev)
}

// Subscribe registers a consumer. It returns the consumer's id, its channel,
// and the retained history with Seq > since. Nothing is lost or duplicated
// between the backlog and the channel.
func (s *Sequencer) Subscribe(buffer int, since uint64) (uint64, <-chan Entry, []Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSinkID++
	id := s.nextSinkID
	ch := make(chan Entry, buffer)
	s.sinks[id] = ch

	return id, ch, s.sinceLocked(since)
}

// Unsubscribe removes a consumer and closes its channel.
func (s *Sequencer) Unsubscribe(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch, ok := s.sinks[id]; ok {
		delete(s.sinks, id)
		close(ch)
	}
}

// Since returns the retained history with Seq > since.
func (s *Sequencer) Since(since uint64) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sinceLocked(since)
}

func (s *Sequencer) sinceLocked(since uint64) []Entry {
	out := make([]Entry, 0, len(s.history))
	for _, e := range s.history {
		if e.Seq > since {
			out = append(out, e)
		}
	}
	return out
}

func (s *Sequencer) closeSinks() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, ch := range s.sinks {
		delete(s.sinks, id)
		close(ch)
	}
}

// DumpState writes the entire internal state to a file (for post-mortem).
func (s *Sequencer) DumpState(filename string) {
	slog.Info("Dumping internal state...", slog.String("file", filename))

	s.mu.RLock()
	data := struct {
		NextSeq     uint64            `json:"next_seq"`
		LastVersion map[string]uint64 `json:"last_version"`
		History     []Entry           `json:"history"`
	}{
		NextSeq:     s.nextSeq,
		LastVersion: s.lastVersion,
		History:     s.history,
	}
	b, err := json.MarshalIndent(data, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		slog.Error("Failed to marshal state", slog.Any("error", err))
		return
	}

	err = os.WriteFile(filename, b, 0644)
	if err != nil {
		slog.Error("Failed to write state dump", slog.Any("error", err))
	}
}
