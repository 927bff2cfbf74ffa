package domain

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
)

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

var (
	// ErrValidation marks malformed or out-of-range input. Not retried.
	ErrValidation = errors.New("validation failed")

	// ErrInsufficientFunds marks a withdrawal larger than the current balance. Not retried.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrVersionConflict marks an append whose expected version is stale. Retried internally.
	ErrVersionConflict = errors.New("version conflict")

	// ErrConflict is returned when version conflicts outlast the retry budget.
	ErrConflict = errors.New("conflict")

	// ErrProjection marks a listener failure after the event was committed.
	ErrProjection = errors.New("projection failed")

	// ErrConsistency marks a read model that no longer matches its stream.
	ErrConsistency = errors.New("projection consistency fault")

	// ErrInternal marks an unexpected fault.
	ErrInternal = errors.New("internal fault")

	// ErrConfigNotFound is returned when configuration file is missing
	ErrConfigNotFound = errors.New("configuration not found")
)

// ValidationError reports a rejected field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid " + e.Field + ": " + e.Reason
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// InsufficientFundsError reports a withdrawal the account cannot cover.
type InsufficientFundsError struct {
	AccountID string
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds in %s: requested %s, available %s",
		e.AccountID, e.Requested.String(), e.Available.String())
}

func (e *InsufficientFundsError) Is(target error) bool {
	return target == ErrInsufficientFunds
}

// VersionConflictError is returned by the event log when the expected version
// does not match the stream head. Actual is the version observed under the lock.
type VersionConflictError struct {
	AccountID string
	Expected  uint64
	Actual    uint64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s: expected %d, actual %d", e.AccountID, e.Expected, e.Actual)
}

func (e *VersionConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}

func (e *VersionConflictError) IsRetriable() bool {
	return true
}

// ConflictError is returned once a command has used up its append attempts.
type ConflictError struct {
	AccountID string
	Attempts  int
	Err       error // last conflict observed
}

func (e *ConflictError) Error() string {
	msg := "conflict on " + e.AccountID + " after " + strconv.Itoa(e.Attempts) + " attempts"
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

func (e *ConflictError) Unwrap() error {
	return e.Err
}

func (e *ConflictError) IsRetriable() bool {
	return false
}

// ProjectionError reports that Event was committed but at least one listener
// failed. The log remains the source of truth; the read model can be rebuilt.
type ProjectionError struct {
	Event Event
	Err   error
}

func (e *ProjectionError) Error() string {
	return fmt.Sprintf("projection of %s v%d failed: %v", e.Event.AccountID, e.Event.Version, e.Err)
}

func (e *ProjectionError) Is(target error) bool {
	return target == ErrProjection
}

func (e *ProjectionError) Unwrap() error {
	return e.Err
}

// ConsistencyError is raised by a read model that receives an event out of order
// or ends up in a state its stream could not produce.
type ConsistencyError struct {
	AccountID string
	Expected  uint64
	Got       uint64
	Reason    string
}

func (e *ConsistencyError) Error() string {
	if e.Reason != "" {
		return "consistency fault on " + e.AccountID + ": " + e.Reason
	}
	return fmt.Sprintf("consistency fault on %s: expected version %d, got %d", e.AccountID, e.Expected, e.Got)
}

func (e *ConsistencyError) Is(target error) bool {
	return target == ErrConsistency
}

// InternalError wraps an unexpected fault.
type InternalError struct {
	Op  string
	Err error
}

func (e *InternalError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *InternalError) Is(target error) bool {
	return target == ErrInternal
}

func (e *InternalError) Unwrap() error {
	return e.Err
}

// ConfigError represents a configuration error (never retriable)
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool {
	return false
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ErrorKind is the boundary-facing classification of an error.
type ErrorKind string

const (
	KindNone              ErrorKind = ""
	KindValidation        ErrorKind = "validation"
	KindInsufficientFunds ErrorKind = "insufficient_funds"
	KindConflict          ErrorKind = "conflict"
	KindProjection        ErrorKind = "projection"
	KindInternal          ErrorKind = "internal"
)

// KindOf classifies err. Unknown errors are internal faults.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrInsufficientFunds):
		return KindInsufficientFunds
	case errors.Is(err, ErrConflict), errors.Is(err, ErrVersionConflict):
		return KindConflict
	case errors.Is(err, ErrProjection):
		return KindProjection
	default:
		return KindInternal
	}
}
