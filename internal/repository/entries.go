package repository

import (
	"creditledger/internal/ledger"
	"creditledger/internal/model"
)

// replay returns the stored result for an idempotent repeat of p, or
// ErrIdempotencyKeyReused when the key was first used for a different posting.
func replay(original model.LedgerEntry, p model.Posting) (model.PostingResult, error) {
	if original.Amount != p.Amount || original.Reason != p.Reason || original.Reference != p.Reference {
		return model.PostingResult{}, ledger.ErrIdempotencyKeyReused
	}
	return model.PostingResult{
		Balance:  original.BalanceAfter,
		Entry:    original,
		Replayed: true,
	}, nil
}

// auditEntries recomputes acc's balance from its entries in ascending id order.
func auditEntries(acc model.Account, entries []model.LedgerEntry) model.AccountAudit {
	audit := model.AccountAudit{AccountID: acc.ID, Balance: acc.Balance}
	for _, e := range entries {
		audit.EntrySum += e.Amount
		audit.EntryCount++
		if audit.ChainBreakID == 0 && e.BalanceAfter != audit.EntrySum {
			audit.ChainBreakID = e.ID
		}
	}
	return audit
}
