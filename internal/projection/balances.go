package projection

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"ledger_go/internal/domain"

	"github.com/shopspring/decimal"
)

// Subscriber is the part of the subscription bus a projection needs.
type Subscriber interface {
	Subscribe(kind domain.Kind, name string, listener domain.Listener)
}

// Balances is the balance read model. It is fed incrementally by the bus and
// can always be rebuilt from the event log.
type Balances struct {
	mu       sync.RWMutex
	balances map[string]*domain.Balance
	reader   domain.StreamReader
}

// NewBalances creates an empty projection that rebuilds from reader.
func NewBalances(reader domain.StreamReader) *Balances {
	return &Balances{
		balances: make(map[string]*domain.Balance),
		reader:   reader,
	}
}

// Register subscribes the projection to every balance-changing event.
func (p *Balances) Register(sub Subscriber) {
	sub.Subscribe(domain.KindDeposited, "balances", p.Apply)
	sub.Subscribe(domain.KindWithdrawn, "balances", p.Apply)
}

// Apply folds one committed event into the cached balance. An event that is
// not the next version for its account is reported and not applied.
func (p *Balances) Apply(ev domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.balances[ev.AccountID]
	if !ok {
		b = &domain.Balance{AccountID: ev.AccountID, Amount: decimal.Zero}
		p.balances[ev.AccountID] = b
	}

	next := *b
	if err := next.Apply(ev); err != nil {
		slog.Error("BALANCE_PROJECTION_GAP",
			slog.String("account_id", ev.AccountID),
			slog.Uint64("last_applied", b.LastVersion),
			slog.Uint64("version", ev.Version))
		return err
	}
	if err := next.VerifyInvariant(); err != nil {
		return err
	}
	*b = next
	return nil
}

// BalanceOf returns the cached balance, 0 for unknown accounts.
func (p *Balances) BalanceOf(accountID string) decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if b, ok := p.balances[accountID]; ok {
		return b.Amount
	}
	return decimal.Zero
}

// Entry returns the cached balance together with the last applied version.
func (p *Balances) Entry(accountID string) domain.Balance {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if b, ok := p.balances[accountID]; ok {
		return *b
	}
	return domain.Balance{AccountID: accountID, Amount: decimal.Zero}
}

// Rebuild recomputes the balance of accountID from its full stream and
// replaces the cached entry. No append for the account can run meanwhile.
func (p *Balances) Rebuild(accountID string) (domain.Balance, error) {
	var rebuilt domain.Balance
	err := p.reader.View(accountID, func(events []domain.Event) error {
		b, err := domain.Fold(accountID, events)
		if err != nil {
			return err
		}
		rebuilt = b

		p.mu.Lock()
		defer p.mu.Unlock()
		if len(events) == 0 {
			delete(p.balances, accountID)
			return nil
		}
		p.balances[accountID] = &b
		return nil
	})
	if err != nil {
		return domain.Balance{}, fmt.Errorf("rebuild %s: %w", accountID, err)
	}
	return rebuilt, nil
}

// AccountLister enumerates accounts known to the log.
type AccountLister interface {
	Accounts() []string
}

// RebuildAll rebuilds every account that has history.
func (p *Balances) RebuildAll(lister AccountLister) error {
	var errs []error
	for _, id := range lister.Accounts() {
		if _, err := p.Rebuild(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Verify compares the cached balance with a fresh replay without changing it.
func (p *Balances) Verify(accountID string) error {
	return p.reader.View(accountID, func(events []domain.Event) error {
		replayed, err := domain.Fold(accountID, events)
		if err != nil {
			return err
		}
		cached := p.Entry(accountID)
		if !cached.Amount.Equal(replayed.Amount) || cached.LastVersion != replayed.LastVersion {
			return &domain.ConsistencyError{
				AccountID: accountID,
				Expected:  replayed.LastVersion,
				Got:       cached.LastVersion,
				Reason: fmt.Sprintf("cached %s@v%d, replay %s@v%d",
					cached.Amount, cached.LastVersion, replayed.Amount, replayed.LastVersion),
			}
		}
		return nil
	})
}

// Snapshot returns a copy of all balances, sorted by account.
func (p *Balances) Snapshot() []domain.Balance {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]domain.Balance, 0, len(p.balances))
	for _, b := range p.balances {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].AccountID < out[j].AccountID
	})
	return out
}
