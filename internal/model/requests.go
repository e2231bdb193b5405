package model

// Transport-facing request shapes shared by HTTP, gRPC and NATS.

type RegisterRequest struct {
	AccountID string `json:"account_id"`
}

type SpendRequest struct {
	AccountID      string `json:"account_id"`
	OperationKind  string `json:"operation_kind"`
	Reference      string `json:"reference"`
	IdempotencyKey string `json:"idempotency_key"`
}

type CreditRequest struct {
	AccountID      string  `json:"account_id"`
	Amount         Credits `json:"amount"`
	Reference      string  `json:"reference,omitempty"`
	IdempotencyKey string  `json:"idempotency_key,omitempty"`
	Source         string  `json:"source,omitempty"`
	Program        string  `json:"program,omitempty"`
	Actor          string  `json:"actor,omitempty"`
	Note           string  `json:"note,omitempty"`
}

// RefundRequest names the debit to compensate by reason and reference. DebitEntryID
// picks one debit when the reference was charged more than once; zero selects the
// newest debit not yet refunded.
type RefundRequest struct {
	AccountID      string  `json:"account_id"`
	Amount         Credits `json:"amount"`
	OriginalReason Reason  `json:"original_reason"`
	Reference      string  `json:"reference"`
	DebitEntryID   int64   `json:"debit_entry_id,omitempty"`
	Cause          string  `json:"cause,omitempty"`
}

type BalanceRequest struct {
	AccountID string `json:"account_id"`
}

type BalanceResult struct {
	AccountID string  `json:"account_id"`
	Balance   Credits `json:"balance"`
}

type ListEntriesRequest struct {
	AccountID string `json:"account_id"`
	Limit     int    `json:"limit"`
	Before    int64  `json:"before,omitempty"`
}

// SpendResult is returned once a paid operation has been debited. The caller runs
// the operation and, if it fails, asks for a refund with the same reference.
type SpendResult struct {
	AccountID     string  `json:"account_id"`
	OperationKind string  `json:"operation_kind"`
	Reference     string  `json:"reference"`
	Cost          Credits `json:"cost"`
	Balance       Credits `json:"balance"`
	EntryID       int64   `json:"entry_id"`
	Replayed      bool    `json:"replayed,omitempty"`
}
