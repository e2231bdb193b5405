package model

import "time"

// Bus subjects published by the ledger.
const (
	SubjectEntryCreated      = "ledger.entries.created"
	SubjectRefundFailed      = "ledger.alerts.refund_failed"
	SubjectReconcileMismatch = "ledger.alerts.reconcile_mismatch"
)

// EntryEvent is published after an entry has been committed.
type EntryEvent struct {
	Entry   LedgerEntry `json:"entry"`
	Balance Credits     `json:"balance"`
}

// RefundFailedAlert is raised when a compensating credit could not be written.
type RefundFailedAlert struct {
	AccountID string    `json:"account_id"`
	Amount    Credits   `json:"amount"`
	Reason    Reason    `json:"reason"`
	Reference string    `json:"reference"`
	Error     string    `json:"error"`
	At        time.Time `json:"at"`
}

// ReconcileMismatchAlert is raised when an account's balance disagrees with its entries.
type ReconcileMismatchAlert struct {
	Audit AccountAudit `json:"audit"`
	At    time.Time    `json:"at"`
}
