package ledger

import (
	"errors"
	"fmt"

	"creditledger/internal/model"
	"creditledger/internal/policy"
)

var (
	ErrAccountNotFound      = errors.New("ledger: account not found")
	ErrAccountExists        = errors.New("ledger: account already exists")
	ErrInsufficientBalance  = errors.New("ledger: insufficient balance")
	ErrLedgerWrite          = errors.New("ledger: write failed")
	ErrIdempotencyKeyReused = errors.New("ledger: idempotency key reused for a different posting")

	// ErrConflict is returned by stores when a transaction was rolled back because of a
	// serialization failure or deadlock. Nothing was applied, so the posting may be retried.
	ErrConflict = errors.New("ledger: transaction conflict")

	ErrOriginalDebitNotFound = errors.New("ledger: original debit not found")
	ErrRefundExceedsDebit    = errors.New("ledger: refund exceeds original debit")

	// ErrOutcomeUnknown tells the Charger that a paid operation may or may not have
	// happened. The debit is kept.
	ErrOutcomeUnknown = errors.New("ledger: paid operation outcome unknown")

	ErrUnknownOperationKind = policy.ErrUnknownOperationKind
	ErrInvalidAmount        = model.ErrInvalidAmount
	ErrInvalidReason        = model.ErrInvalidReason
	ErrInvalidAccountID     = model.ErrInvalidAccountID
)

// InsufficientBalanceError reports a rejected debit. It matches ErrInsufficientBalance.
type InsufficientBalanceError struct {
	Required  model.Credits
	Available model.Credits
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("ledger: insufficient balance: required %s, available %s", e.Required, e.Available)
}

func (e *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}

// Shortfall is how much the account is missing to cover the debit.
func (e *InsufficientBalanceError) Shortfall() model.Credits {
	return e.Required - e.Available
}

// LedgerWriteError wraps an unexpected store failure. It matches ErrLedgerWrite.
type LedgerWriteError struct {
	Op  string
	Err error
}

func (e *LedgerWriteError) Error() string {
	return fmt.Sprintf("ledger: %s: %v", e.Op, e.Err)
}

func (e *LedgerWriteError) Unwrap() error { return e.Err }

func (e *LedgerWriteError) Is(target error) bool {
	return target == ErrLedgerWrite
}

// IsRetryable reports whether the whole ledger call can be retried with backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLedgerWrite) || errors.Is(err, ErrConflict)
}

// IsClientError reports errors caused by the request rather than the ledger.
func IsClientError(err error) bool {
	return errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrAccountExists) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidReason) ||
		errors.Is(err, ErrInvalidAccountID) ||
		errors.Is(err, ErrIdempotencyKeyReused) ||
		errors.Is(err, ErrOriginalDebitNotFound) ||
		errors.Is(err, ErrRefundExceedsDebit)
}

// isDomainError reports errors that pass through the Authority unwrapped.
func isDomainError(err error) bool {
	return IsClientError(err) || errors.Is(err, ErrUnknownOperationKind)
}

// ErrorCode is the stable snake_case code transports report for err.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrAccountNotFound):
		return "account_not_found"
	case errors.Is(err, ErrOriginalDebitNotFound):
		return "original_debit_not_found"
	case errors.Is(err, ErrAccountExists):
		return "account_exists"
	case errors.Is(err, ErrIdempotencyKeyReused):
		return "idempotency_key_reused"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrUnknownOperationKind):
		return "unknown_operation_kind"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrInvalidReason):
		return "invalid_reason"
	case errors.Is(err, ErrInvalidAccountID):
		return "invalid_account_id"
	case errors.Is(err, ErrRefundExceedsDebit):
		return "refund_exceeds_debit"
	case IsRetryable(err):
		return "ledger_unavailable"
	default:
		return "internal_error"
	}
}
