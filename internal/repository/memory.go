package repository

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"creditledger/internal/ledger"
	"creditledger/internal/model"
)

// MemoryStore is an in-process ledger.Store. Each account has its own lock, so
// postings on different accounts never wait on each other.
//
// Lock order: mu, then an account's mu, then seqMu.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*memAccount

	seqMu  sync.RWMutex
	refs   map[string][]model.LedgerEntry
	nextID int64

	now func() time.Time
}

type memAccount struct {
	mu      sync.Mutex
	acc     model.Account
	entries []model.LedgerEntry
	byKey   map[string]int
	deleted bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*memAccount),
		refs:     make(map[string][]model.LedgerEntry),
		now:      time.Now,
	}
}

func (s *MemoryStore) CreateAccount(_ context.Context, grant model.Posting) (model.PostingResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[grant.AccountID]; exists {
		return model.PostingResult{}, ledger.ErrAccountExists
	}

	now := s.now().UTC()
	a := &memAccount{
		acc:   model.Account{ID: grant.AccountID, CreatedAt: now, UpdatedAt: now, LastEntryAt: now},
		byKey: make(map[string]int),
	}
	s.accounts[grant.AccountID] = a

	res := model.PostingResult{}
	if grant.Amount > 0 {
		s.seqMu.Lock()
		res.Entry = s.appendLocked(a, grant)
		s.seqMu.Unlock()
	}
	res.Balance = a.acc.Balance
	return res, nil
}

func (s *MemoryStore) GetAccount(_ context.Context, accountID string) (model.Account, error) {
	a, err := s.lookup(accountID)
	if err != nil {
		return model.Account{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.deleted {
		return model.Account{}, ledger.ErrAccountNotFound
	}
	return a.acc, nil
}

func (s *MemoryStore) Post(_ context.Context, p model.Posting) (model.PostingResult, error) {
	a, err := s.lookup(p.AccountID)
	if err != nil {
		return model.PostingResult{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.deleted {
		return model.PostingResult{}, ledger.ErrAccountNotFound
	}

	if p.IdempotencyKey != "" {
		if i, ok := a.byKey[p.IdempotencyKey]; ok {
			return replay(a.entries[i], p)
		}
	}

	if p.Amount < 0 && a.acc.Balance+p.Amount < 0 {
		return model.PostingResult{}, &ledger.InsufficientBalanceError{
			Required:  -p.Amount,
			Available: a.acc.Balance,
		}
	}

	s.seqMu.Lock()
	e := s.appendLocked(a, p)
	s.seqMu.Unlock()
	return model.PostingResult{Balance: a.acc.Balance, Entry: e}, nil
}

// appendLocked applies p to a. Callers hold a.mu (or own a exclusively) and seqMu.
func (s *MemoryStore) appendLocked(a *memAccount, p model.Posting) model.LedgerEntry {
	now := s.now().UTC()
	if now.Before(a.acc.LastEntryAt) {
		now = a.acc.LastEntryAt
	}

	s.nextID++
	a.acc.Balance += p.Amount
	e := model.LedgerEntry{
		ID:             s.nextID,
		AccountID:      p.AccountID,
		Amount:         p.Amount,
		BalanceAfter:   a.acc.Balance,
		Reason:         p.Reason,
		Reference:      p.Reference,
		IdempotencyKey: p.IdempotencyKey,
		Details:        p.Details,
		CreatedAt:      now,
	}
	a.entries = append(a.entries, e)
	if p.IdempotencyKey != "" {
		a.byKey[p.IdempotencyKey] = len(a.entries) - 1
	}
	if p.Reference != "" {
		s.refs[p.Reference] = append(s.refs[p.Reference], e)
	}
	a.acc.LastEntryID = e.ID
	a.acc.LastEntryAt = now
	a.acc.UpdatedAt = now
	return e
}

func (s *MemoryStore) ListByAccount(_ context.Context, accountID string, page model.Page) (model.EntryPage, error) {
	a, err := s.lookup(accountID)
	if err != nil {
		return model.EntryPage{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.deleted {
		return model.EntryPage{}, ledger.ErrAccountNotFound
	}

	out := model.EntryPage{Entries: []model.LedgerEntry{}}
	for i := len(a.entries) - 1; i >= 0; i-- {
		e := a.entries[i]
		if page.Before > 0 && e.ID >= page.Before {
			continue
		}
		if len(out.Entries) == page.Limit {
			out.NextBefore = out.Entries[len(out.Entries)-1].ID
			break
		}
		out.Entries = append(out.Entries, e)
	}
	return out, nil
}

func (s *MemoryStore) FindByReference(_ context.Context, reference string) ([]model.LedgerEntry, error) {
	s.seqMu.RLock()
	defer s.seqMu.RUnlock()
	return slices.Clone(s.refs[reference]), nil
}

func (s *MemoryStore) DeleteAccount(_ context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return ledger.ErrAccountNotFound
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.deleted = true
	delete(s.accounts, accountID)

	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	for _, e := range a.entries {
		if e.Reference == "" {
			continue
		}
		s.refs[e.Reference] = slices.DeleteFunc(s.refs[e.Reference], func(r model.LedgerEntry) bool {
			return r.AccountID == accountID
		})
		if len(s.refs[e.Reference]) == 0 {
			delete(s.refs, e.Reference)
		}
	}
	return nil
}

func (s *MemoryStore) AuditAccount(_ context.Context, accountID string) (model.AccountAudit, error) {
	a, err := s.lookup(accountID)
	if err != nil {
		return model.AccountAudit{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return auditEntries(a.acc, a.entries), nil
}

func (s *MemoryStore) AccountIDs(_ context.Context, after string, limit int) ([]string, error) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.accounts))
	for id := range s.accounts {
		if id > after {
			ids = append(ids, id)
		}
	}
	s.mu.RUnlock()

	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (s *MemoryStore) lookup(accountID string) (*memAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	return a, nil
}
