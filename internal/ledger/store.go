package ledger

import (
	"context"

	"creditledger/internal/model"
)

// Store is the durable ledger: accounts with a materialized balance plus their
// append-only entries. Every method that changes a balance writes the balance and
// the entry in one atomic unit.
type Store interface {
	// CreateAccount creates the account and, when grant.Amount is positive, its first
	// entry. Returns ErrAccountExists if the id is taken.
	CreateAccount(ctx context.Context, grant model.Posting) (model.PostingResult, error)

	GetAccount(ctx context.Context, accountID string) (model.Account, error)

	// Post applies a signed posting. Postings on the same account are linearized.
	// A negative posting that would take the balance below zero fails with
	// *InsufficientBalanceError and changes nothing. A posting whose idempotency key
	// was already used on the account returns the original result with Replayed set.
	Post(ctx context.Context, p model.Posting) (model.PostingResult, error)

	// ListByAccount returns entries newest-first using an exclusive id cursor.
	ListByAccount(ctx context.Context, accountID string, page model.Page) (model.EntryPage, error)

	// FindByReference returns every entry with the reference, oldest-first.
	FindByReference(ctx context.Context, reference string) ([]model.LedgerEntry, error)

	// DeleteAccount removes the account together with its entries.
	DeleteAccount(ctx context.Context, accountID string) error

	// AuditAccount recomputes the balance from entries and checks the balance_after chain.
	AuditAccount(ctx context.Context, accountID string) (model.AccountAudit, error)

	// AccountIDs lists account ids in ascending order, strictly after the given id.
	AccountIDs(ctx context.Context, after string, limit int) ([]string, error)
}

// BalanceCache is an optional read cache of balances. Version is the id of the
// newest entry reflected in the balance; older versions must never overwrite newer ones.
// Invalidate leaves a tombstone that outranks every version until it expires, and Get
// reports a tombstoned account as a miss, so a read racing a delete cannot revive it.
type BalanceCache interface {
	Get(ctx context.Context, accountID string) (model.Credits, bool, error)
	Store(ctx context.Context, accountID string, balance model.Credits, version int64) error
	Invalidate(ctx context.Context, accountID string) error
}

// Publisher publishes encoded events to a subject.
type Publisher interface {
	Publish(subject string, data []byte) error
}
