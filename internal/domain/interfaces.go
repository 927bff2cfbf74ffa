package domain

// Listener reacts to a committed event. A returned error is reported to the
// caller of the append but never undoes the commit.
type Listener func(Event) error

// Publisher delivers a committed event to interested listeners.
type Publisher interface {
	Publish(ev Event) error
}

// StreamReader gives read access to account streams.
type StreamReader interface {
	StreamFor(accountID string) []Event
	CurrentVersion(accountID string) uint64
	// View runs fn over the stream while no append to that account can interleave.
	View(accountID string, fn func([]Event) error) error
}
