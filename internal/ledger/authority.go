// Package ledger is the credit ledger core: the balance authority that owns every
// balance change, the compensation engine that refunds failed paid operations and
// the charger that ties a debit to the paid operation it pays for.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"creditledger/internal/metrics"
	"creditledger/internal/model"

	"github.com/sethvargo/go-retry"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// Authority is the only component allowed to change balances. It validates postings,
// applies them through the Store, retries transient conflicts, and after commit
// refreshes the balance cache and publishes the new entry.
type Authority struct {
	store        Store
	cache        BalanceCache
	bus          Publisher
	metrics      *metrics.Metrics
	logger       *slog.Logger
	welcomeGrant model.Credits

	retryBase  time.Duration
	maxRetries uint64
	now        func() time.Time
}

// Option configures an Authority.
type Option func(*Authority)

func WithCache(c BalanceCache) Option { return func(a *Authority) { a.cache = c } }

func WithPublisher(p Publisher) Option { return func(a *Authority) { a.bus = p } }

func WithMetrics(m *metrics.Metrics) Option { return func(a *Authority) { a.metrics = m } }

func WithLogger(l *slog.Logger) Option { return func(a *Authority) { a.logger = l } }

// WithWelcomeGrant sets the credit every new account starts with.
func WithWelcomeGrant(c model.Credits) Option { return func(a *Authority) { a.welcomeGrant = c } }

// WithRetry configures backoff for store conflicts.
func WithRetry(base time.Duration, maxRetries uint64) Option {
	return func(a *Authority) {
		a.retryBase = base
		a.maxRetries = maxRetries
	}
}

func NewAuthority(store Store, opts ...Option) *Authority {
	a := &Authority{
		store:      store,
		logger:     slog.Default(),
		retryBase:  20 * time.Millisecond,
		maxRetries: 3,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// WelcomeGrant returns the configured starting balance.
func (a *Authority) WelcomeGrant() model.Credits { return a.welcomeGrant }

// CreateAccount registers an account holding the welcome grant, recorded as a
// welcome_bonus entry in the same unit of work.
func (a *Authority) CreateAccount(ctx context.Context, accountID string) (model.PostingResult, error) {
	if accountID == "" {
		return model.PostingResult{}, ErrInvalidAccountID
	}
	if a.welcomeGrant < 0 {
		return model.PostingResult{}, fmt.Errorf("%w: negative welcome grant", ErrInvalidAmount)
	}
	grant := model.Posting{
		AccountID: accountID,
		Amount:    a.welcomeGrant,
		Reason:    model.WelcomeBonus(),
		Details:   model.GrantOf(model.ProgramWelcome),
	}

	res, err := a.store.CreateAccount(ctx, grant)
	if err != nil {
		return model.PostingResult{}, a.classify("create_account", err)
	}
	a.logger.Info("account created", "account_id", accountID, "balance", res.Balance)
	if res.Entry.ID != 0 {
		a.afterCommit(ctx, res)
	}
	return res, nil
}

// DeleteAccount removes an account together with its ledger entries.
func (a *Authority) DeleteAccount(ctx context.Context, accountID string) error {
	if accountID == "" {
		return ErrInvalidAccountID
	}
	if err := a.store.DeleteAccount(ctx, accountID); err != nil {
		return a.classify("delete_account", err)
	}
	if a.cache != nil {
		if err := a.cache.Invalidate(ctx, accountID); err != nil {
			a.logger.Warn("balance cache invalidation failed", "account_id", accountID, "error", err)
		}
	}
	a.logger.Info("account deleted", "account_id", accountID)
	return nil
}

// GetBalance returns the account's current balance. It has no side effects on the ledger.
func (a *Authority) GetBalance(ctx context.Context, accountID string) (model.Credits, error) {
	if accountID == "" {
		return 0, ErrInvalidAccountID
	}
	if a.cache != nil {
		bal, ok, err := a.cache.Get(ctx, accountID)
		switch {
		case err != nil:
			a.logger.Warn("balance cache read failed", "account_id", accountID, "error", err)
		case ok:
			return bal, nil
		}
	}

	acc, err := a.store.GetAccount(ctx, accountID)
	if err != nil {
		return 0, a.classify("get_balance", err)
	}
	a.cacheBalance(ctx, acc.ID, acc.Balance, acc.LastEntryID)
	return acc.Balance, nil
}

// HasSufficientBalance is an advisory check. It reserves nothing: the balance can
// change before a subsequent Debit, which must still handle ErrInsufficientBalance.
func (a *Authority) HasSufficientBalance(ctx context.Context, accountID string, amount model.Credits) (bool, error) {
	bal, err := a.GetBalance(ctx, accountID)
	if err != nil {
		return false, err
	}
	return bal >= amount, nil
}

// Debit takes p.Amount (a positive magnitude) from the account. It fails with
// *InsufficientBalanceError, changing nothing, when the balance does not cover it.
// A posting replayed by its idempotency key changes nothing; the result has Replayed
// set and reports the current balance.
func (a *Authority) Debit(ctx context.Context, p model.Posting) (model.PostingResult, error) {
	if p.Amount <= 0 {
		return model.PostingResult{}, fmt.Errorf("%w: debit amount must be positive, got %s", ErrInvalidAmount, p.Amount)
	}
	p.Amount = -p.Amount
	if p.Details.IsZero() && p.Reason.Kind == model.ReasonSpend {
		p.Details = model.SpendOf(p.Reason.Operation, -p.Amount)
	}
	return a.post(ctx, "debit", p)
}

// Credit adds p.Amount (positive) to the account unconditionally.
func (a *Authority) Credit(ctx context.Context, p model.Posting) (model.PostingResult, error) {
	if p.Amount <= 0 {
		return model.PostingResult{}, fmt.Errorf("%w: credit amount must be positive, got %s", ErrInvalidAmount, p.Amount)
	}
	return a.post(ctx, "credit", p)
}

// ListByAccount returns one page of the account's entries, newest first.
func (a *Authority) ListByAccount(ctx context.Context, accountID string, page model.Page) (model.EntryPage, error) {
	if accountID == "" {
		return model.EntryPage{}, ErrInvalidAccountID
	}
	switch {
	case page.Limit <= 0:
		page.Limit = DefaultPageSize
	case page.Limit > MaxPageSize:
		page.Limit = MaxPageSize
	}
	out, err := a.store.ListByAccount(ctx, accountID, page)
	if err != nil {
		return model.EntryPage{}, a.classify("list_entries", err)
	}
	return out, nil
}

// History lazily walks all of an account's entries newest-first, fetching pageSize
// entries at a time. Ranging over it again restarts from the newest entry.
func (a *Authority) History(ctx context.Context, accountID string, pageSize int) iter.Seq2[model.LedgerEntry, error] {
	return func(yield func(model.LedgerEntry, error) bool) {
		page := model.Page{Limit: pageSize}
		for {
			out, err := a.ListByAccount(ctx, accountID, page)
			if err != nil {
				yield(model.LedgerEntry{}, err)
				return
			}
			for _, e := range out.Entries {
				if !yield(e, nil) {
					return
				}
			}
			if out.NextBefore == 0 {
				return
			}
			page.Before = out.NextBefore
		}
	}
}

// FindByReference returns the entries linked to reference, oldest first.
func (a *Authority) FindByReference(ctx context.Context, reference string) ([]model.LedgerEntry, error) {
	if reference == "" {
		return nil, nil
	}
	entries, err := a.store.FindByReference(ctx, reference)
	if err != nil {
		return nil, a.classify("find_by_reference", err)
	}
	return entries, nil
}

func (a *Authority) post(ctx context.Context, op string, p model.Posting) (model.PostingResult, error) {
	start := a.now()
	reasonLabel := string(p.Reason.Kind)

	if err := p.Validate(); err != nil {
		a.metrics.Posting(reasonLabel, metrics.OutcomeRejected, time.Since(start))
		return model.PostingResult{}, err
	}

	var res model.PostingResult
	err := retry.Do(ctx, a.backoff(), func(ctx context.Context) error {
		r, err := a.store.Post(ctx, p)
		if errors.Is(err, ErrConflict) {
			a.logger.Debug("posting conflict, retrying", "account_id", p.AccountID, "reason", p.Reason)
			return retry.RetryableError(err)
		}
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		err = a.classify(op, err)
		outcome := metrics.OutcomeFailed
		switch {
		case errors.Is(err, ErrInsufficientBalance):
			outcome = metrics.OutcomeInsufficient
		case IsClientError(err):
			outcome = metrics.OutcomeRejected
		default:
			a.logger.Error("ledger posting failed",
				"op", op,
				"account_id", p.AccountID,
				"reason", p.Reason,
				"reference", p.Reference,
				"error", err,
			)
		}
		a.metrics.Posting(reasonLabel, outcome, time.Since(start))
		return model.PostingResult{}, err
	}

	if res.Replayed {
		// The stored result carries the balance as of the original entry.
		acc, err := a.store.GetAccount(ctx, p.AccountID)
		if err != nil {
			return model.PostingResult{}, a.classify(op, err)
		}
		res.Balance = acc.Balance
		a.metrics.Posting(reasonLabel, metrics.OutcomeReplayed, time.Since(start))
		a.logger.Info("posting replayed", "account_id", p.AccountID, "idempotency_key", p.IdempotencyKey, "entry_id", res.Entry.ID)
		return res, nil
	}

	a.metrics.Posting(reasonLabel, metrics.OutcomeApplied, time.Since(start))
	a.afterCommit(ctx, res)
	return res, nil
}

func (a *Authority) backoff() retry.Backoff {
	b := retry.NewExponential(a.retryBase)
	b = retry.WithJitterPercent(20, b)
	return retry.WithMaxRetries(a.maxRetries, b)
}

// afterCommit runs side effects of a committed entry. Failures here are logged only:
// the entry is durable and the cache and bus are derived state.
func (a *Authority) afterCommit(ctx context.Context, res model.PostingResult) {
	a.cacheBalance(ctx, res.Entry.AccountID, res.Balance, res.Entry.ID)

	a.logger.Debug("ledger entry committed",
		"entry_id", res.Entry.ID,
		"account_id", res.Entry.AccountID,
		"amount", res.Entry.Amount,
		"reason", res.Entry.Reason,
		"balance", res.Balance,
	)

	if a.bus == nil {
		return
	}
	data, err := json.Marshal(model.EntryEvent{Entry: res.Entry, Balance: res.Balance})
	if err != nil {
		a.logger.Error("failed to encode entry event", "entry_id", res.Entry.ID, "error", err)
		return
	}
	if err := a.bus.Publish(model.SubjectEntryCreated, data); err != nil {
		a.logger.Warn("failed to publish entry event", "entry_id", res.Entry.ID, "error", err)
	}
}

func (a *Authority) cacheBalance(ctx context.Context, accountID string, bal model.Credits, version int64) {
	if a.cache == nil {
		return
	}
	if err := a.cache.Store(ctx, accountID, bal, version); err != nil {
		a.logger.Warn("balance cache write failed", "account_id", accountID, "error", err)
	}
}

// classify passes domain errors through and wraps everything else as a LedgerWriteError.
func (a *Authority) classify(op string, err error) error {
	if isDomainError(err) {
		return err
	}
	var we *LedgerWriteError
	if errors.As(err, &we) {
		return err
	}
	return &LedgerWriteError{Op: op, Err: err}
}
