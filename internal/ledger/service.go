package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"ledger_go/internal/domain"
	"ledger_go/internal/infra"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/shopspring/decimal"
)

// EventLog is the part of the event log the command handlers use.
type EventLog interface {
	Append(accountID string, kind domain.Kind, amount decimal.Decimal, expectedVersion uint64) (domain.Event, error)
	CurrentVersion(accountID string) uint64
	StreamFor(accountID string) []domain.Event
}

// BalanceModel is the part of the balance projection the command handlers use.
type BalanceModel interface {
	BalanceOf(accountID string) decimal.Decimal
	Entry(accountID string) domain.Balance
	Rebuild(accountID string) (domain.Balance, error)
}

// Config bounds what a single command may do.
type Config struct {
	MaxAmount   decimal.Decimal
	MaxAttempts int
}

// DefaultConfig returns the default command limits.
func DefaultConfig() Config {
	return Config{
		MaxAmount:   domain.DefaultMaxAmount,
		MaxAttempts: 5,
	}
}

// Command is a deposit or withdrawal request.
type Command struct {
	AccountID      string
	Amount         decimal.Decimal
	IdempotencyKey string // optional
}

// Receipt describes a committed command.
type Receipt struct {
	Event    domain.Event
	Balance  decimal.Decimal // balance right after Event
	Replayed bool            // served from the idempotency table
	Degraded bool            // committed, but a read model failed to follow
	Warning  string
}

// inflight is an idempotency slot. done is closed once the first request
// holding the key has finished; receipt and err are read only after that.
type inflight struct {
	accountID string
	kind      domain.Kind
	amount    decimal.Decimal

	done    chan struct{}
	receipt Receipt
	record  domain.IdempotencyRecord
	err     error
}

// Service implements the deposit and withdrawal command handlers.
type Service struct {
	log      EventLog
	balances BalanceModel
	cfg      Config
	logger   *slog.Logger
	metrics  *infra.Metrics
	keys     *xsync.Map[string, *inflight]
}

// NewService wires the command handlers. logger and metrics may be nil.
func NewService(log EventLog, balances BalanceModel, cfg Config, logger *slog.Logger, metrics *infra.Metrics) *Service {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if !cfg.MaxAmount.IsPositive() {
		cfg.MaxAmount = domain.DefaultMaxAmount
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = &infra.Metrics{}
	}
	return &Service{
		log:      log,
		balances: balances,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		keys:     xsync.NewMap[string, *inflight](),
	}
}

// Deposit credits cmd.Amount to the account.
func (s *Service) Deposit(ctx context.Context, cmd Command) (Receipt, error) {
	return s.execute(ctx, domain.KindDeposited, cmd)
}

// Withdraw debits cmd.Amount from the account if the balance covers it.
func (s *Service) Withdraw(ctx context.Context, cmd Command) (Receipt, error) {
	return s.execute(ctx, domain.KindWithdrawn, cmd)
}

// BalanceOf returns the projected balance.
func (s *Service) BalanceOf(accountID string) decimal.Decimal {
	return s.balances.BalanceOf(accountID)
}

// History returns the account stream, oldest first.
func (s *Service) History(accountID string) []domain.Event {
	return s.log.StreamFor(accountID)
}

// Rebuild recomputes the projected balance from the stream.
func (s *Service) Rebuild(accountID string) (domain.Balance, error) {
	if err := domain.ValidateAccountID(accountID); err != nil {
		return domain.Balance{}, err
	}
	s.metrics.RecordRebuild()
	return s.balances.Rebuild(accountID)
}

// Record returns the idempotency record stored for key, if the request that
// used it has committed.
func (s *Service) Record(key string) (domain.IdempotencyRecord, bool) {
	call, ok := s.keys.Load(key)
	if !ok {
		return domain.IdempotencyRecord{}, false
	}
	select {
	case <-call.done:
		return call.record, call.err == nil
	default:
		return domain.IdempotencyRecord{}, false
	}
}

func (s *Service) execute(ctx context.Context, kind domain.Kind, cmd Command) (Receipt, error) {
	if err := s.validate(cmd); err != nil {
		s.metrics.RecordValidationError()
		return Receipt{}, err
	}
	if cmd.IdempotencyKey == "" {
		return s.commit(ctx, kind, cmd)
	}

	for {
		call := &inflight{
			accountID: cmd.AccountID,
			kind:      kind,
			amount:    cmd.Amount,
			done:      make(chan struct{}),
		}
		prev, loaded := s.keys.LoadOrStore(cmd.IdempotencyKey, call)
		if !loaded {
			return s.own(ctx, kind, cmd, call)
		}

		if prev.accountID != cmd.AccountID || prev.kind != kind || !prev.amount.Equal(cmd.Amount) {
			s.metrics.RecordValidationError()
			return Receipt{}, &domain.ValidationError{
				Field:  "idempotency_key",
				Reason: "already used for a different request",
			}
		}

		select {
		case <-prev.done:
		case <-ctx.Done():
			return Receipt{}, ctx.Err()
		}
		if prev.err != nil {
			// The first attempt did not commit; nothing was recorded, so run again.
			continue
		}

		s.metrics.RecordIdempotentReplay()
		s.logger.Debug("Idempotent replay",
			slog.String("account_id", cmd.AccountID),
			slog.String("idempotency_key", cmd.IdempotencyKey),
			slog.Uint64("version", prev.record.Version))
		r := prev.receipt
		r.Replayed = true
		return r, nil
	}
}

// own runs the command for the request that claimed the idempotency key.
func (s *Service) own(ctx context.Context, kind domain.Kind, cmd Command, call *inflight) (Receipt, error) {
	r, err := s.commit(ctx, kind, cmd)
	if err != nil {
		s.keys.Delete(cmd.IdempotencyKey)
		call.err = err
		close(call.done)
		return r, err
	}

	call.receipt = r
	call.record = domain.IdempotencyRecord{
		Key:       cmd.IdempotencyKey,
		AccountID: cmd.AccountID,
		Kind:      kind,
		Amount:    cmd.Amount,
		Version:   r.Event.Version,
		EventID:   r.Event.ID,
	}
	close(call.done)
	return r, nil
}

func (s *Service) validate(cmd Command) error {
	if err := domain.ValidateAccountID(cmd.AccountID); err != nil {
		return err
	}
	return domain.ValidateAmount(cmd.Amount, s.cfg.MaxAmount)
}

// commit runs read -> check -> append until the append wins or the attempt
// budget is spent. The balance read is advisory; the versioned append is what
// enforces the business rule.
func (s *Service) commit(ctx context.Context, kind domain.Kind, cmd Command) (Receipt, error) {
	start := time.Now()
	var lastConflict error

	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Receipt{}, err
		}

		entry, err := s.read(cmd.AccountID)
		if err != nil {
			s.metrics.RecordError()
			return Receipt{}, err
		}

		if kind == domain.KindWithdrawn && cmd.Amount.GreaterThan(entry.Amount) {
			s.metrics.RecordInsufficientFunds()
			return Receipt{}, &domain.InsufficientFundsError{
				AccountID: cmd.AccountID,
				Requested: cmd.Amount,
				Available: entry.Amount,
			}
		}

		ev, err := s.log.Append(cmd.AccountID, kind, cmd.Amount, entry.LastVersion)
		switch {
		case err == nil:
			s.metrics.RecordCommit(time.Since(start))
			return Receipt{Event: ev, Balance: entry.Amount.Add(ev.Signed())}, nil

		case errors.Is(err, domain.ErrProjection):
			s.metrics.RecordCommit(time.Since(start))
			s.metrics.RecordProjectionError()
			s.logger.Warn("Committed with degraded read model",
				slog.String("account_id", cmd.AccountID),
				slog.Uint64("version", ev.Version),
				slog.Any("error", err))
			return Receipt{
				Event:    ev,
				Balance:  entry.Amount.Add(ev.Signed()),
				Degraded: true,
				Warning:  err.Error(),
			}, nil

		case domain.IsRetriable(err):
			lastConflict = err
			s.metrics.RecordVersionConflict()
			s.logger.Debug("Append lost the race, retrying",
				slog.String("account_id", cmd.AccountID),
				slog.Int("attempt", attempt),
				slog.Int("max_attempts", s.cfg.MaxAttempts),
				slog.Any("error", err))

		case errors.Is(err, domain.ErrValidation):
			s.metrics.RecordValidationError()
			return Receipt{}, err

		default:
			s.metrics.RecordError()
			return Receipt{}, &domain.InternalError{Op: "append " + string(kind), Err: err}
		}
	}

	s.metrics.RecordConflictExceeded()
	s.logger.Warn("Conflict retries exhausted",
		slog.String("account_id", cmd.AccountID),
		slog.Int("attempts", s.cfg.MaxAttempts))
	return Receipt{}, &domain.ConflictError{
		AccountID: cmd.AccountID,
		Attempts:  s.cfg.MaxAttempts,
		Err:       lastConflict,
	}
}

// read returns the projected balance together with the version it reflects.
// A projection behind the log is rebuilt before it is trusted.
func (s *Service) read(accountID string) (domain.Balance, error) {
	version := s.log.CurrentVersion(accountID)
	entry := s.balances.Entry(accountID)
	if entry.LastVersion >= version {
		return entry, nil
	}

	s.logger.Warn("Projection behind log, rebuilding",
		slog.String("account_id", accountID),
		slog.Uint64("projected_version", entry.LastVersion),
		slog.Uint64("log_version", version))
	s.metrics.RecordRebuild()

	rebuilt, err := s.balances.Rebuild(accountID)
	if err != nil {
		return domain.Balance{}, &domain.InternalError{Op: "rebuild " + accountID, Err: err}
	}
	return rebuilt, nil
}
