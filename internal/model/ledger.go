package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidAccountID is returned for empty or malformed account identifiers.
var ErrInvalidAccountID = errors.New("invalid account id")

// Account is one user's credit account. Balance is the materialized sum of its entries.
type Account struct {
	ID          string    `json:"account_id"`
	Balance     Credits   `json:"balance"`
	LastEntryID int64     `json:"last_entry_id"`
	LastEntryAt time.Time `json:"last_entry_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// LedgerEntry is one immutable balance change. Amount is signed: positive credits, negative debits.
type LedgerEntry struct {
	ID             int64     `json:"id"`
	AccountID      string    `json:"account_id"`
	Amount         Credits   `json:"amount"`
	BalanceAfter   Credits   `json:"balance_after"`
	Reason         Reason    `json:"reason"`
	Reference      string    `json:"reference,omitempty"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	Details        Details   `json:"details"`
	CreatedAt      time.Time `json:"created_at"`
}

// Posting is a single requested balance change, applied atomically with its entry.
type Posting struct {
	AccountID      string
	Amount         Credits
	Reason         Reason
	Reference      string
	IdempotencyKey string
	Details        Details
}

// Validate checks the posting's shape; balance sufficiency is the store's job.
func (p Posting) Validate() error {
	if p.AccountID == "" {
		return ErrInvalidAccountID
	}
	if p.Amount == 0 {
		return fmt.Errorf("%w: zero amount", ErrInvalidAmount)
	}
	if err := p.Reason.Validate(); err != nil {
		return err
	}
	if p.Amount < 0 && !p.Reason.AllowsDebit() {
		return fmt.Errorf("%w: %s cannot debit", ErrInvalidReason, p.Reason)
	}
	if p.Amount > 0 && !p.Reason.AllowsCredit() {
		return fmt.Errorf("%w: %s cannot credit", ErrInvalidReason, p.Reason)
	}
	return p.Details.CheckFor(p.Reason)
}

// PostingResult is what a committed (or replayed) posting returns. Balance is the
// account balance after the posting; for a replay it is the current balance.
type PostingResult struct {
	Balance  Credits     `json:"balance"`
	Entry    LedgerEntry `json:"entry"`
	Replayed bool        `json:"replayed,omitempty"`
}

// Page selects a newest-first window of an account's entries. Before is an exclusive
// entry id cursor; zero starts from the newest entry.
type Page struct {
	Limit  int
	Before int64
}

// EntryPage is one page of entries plus the cursor for the next page (zero when exhausted).
type EntryPage struct {
	Entries    []LedgerEntry `json:"entries"`
	NextBefore int64         `json:"next_before,omitempty"`
}

// AccountAudit is the result of recomputing an account's balance from its entries.
type AccountAudit struct {
	AccountID    string  `json:"account_id"`
	Balance      Credits `json:"balance"`
	EntrySum     Credits `json:"entry_sum"`
	EntryCount   int64   `json:"entry_count"`
	ChainBreakID int64   `json:"chain_break_id,omitempty"`
}

// Consistent reports whether the balance matches the entries and the balance_after chain is intact.
func (a AccountAudit) Consistent() bool {
	return a.Balance == a.EntrySum && a.ChainBreakID == 0
}
