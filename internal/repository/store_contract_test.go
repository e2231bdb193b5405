package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"creditledger/internal/ledger"
	"creditledger/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreContract exercises behaviour every ledger.Store must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) ledger.Store) {
	ctx := context.Background()

	grant := func(id string, amount model.Credits) model.Posting {
		return model.Posting{
			AccountID: id,
			Amount:    amount,
			Reason:    model.WelcomeBonus(),
			Details:   model.GrantOf(model.ProgramWelcome),
		}
	}
	spend := func(id string, amount model.Credits, ref, key string) model.Posting {
		return model.Posting{
			AccountID:      id,
			Amount:         -amount,
			Reason:         model.Spend("image_generation"),
			Reference:      ref,
			IdempotencyKey: key,
			Details:        model.SpendOf("image_generation", amount),
		}
	}

	t.Run("create account writes welcome entry", func(t *testing.T) {
		s := newStore(t)
		res, err := s.CreateAccount(ctx, grant("acc-1", 1000))
		require.NoError(t, err)
		assert.Equal(t, model.Credits(1000), res.Balance)
		assert.Equal(t, model.WelcomeBonus(), res.Entry.Reason)
		assert.Equal(t, model.Credits(1000), res.Entry.Amount)
		assert.Equal(t, model.ProgramWelcome, res.Entry.Details.Grant.Program)

		acc, err := s.GetAccount(ctx, "acc-1")
		require.NoError(t, err)
		assert.Equal(t, model.Credits(1000), acc.Balance)
		assert.Equal(t, res.Entry.ID, acc.LastEntryID)

		_, err = s.CreateAccount(ctx, grant("acc-1", 1000))
		require.ErrorIs(t, err, ledger.ErrAccountExists)
	})

	t.Run("zero grant creates account without entries", func(t *testing.T) {
		s := newStore(t)
		res, err := s.CreateAccount(ctx, grant("acc-0", 0))
		require.NoError(t, err)
		assert.Zero(t, res.Entry.ID)

		page, err := s.ListByAccount(ctx, "acc-0", model.Page{Limit: 10})
		require.NoError(t, err)
		assert.Empty(t, page.Entries)
	})

	t.Run("missing account", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetAccount(ctx, "nobody")
		require.ErrorIs(t, err, ledger.ErrAccountNotFound)
		_, err = s.Post(ctx, spend("nobody", 100, "", ""))
		require.ErrorIs(t, err, ledger.ErrAccountNotFound)
		_, err = s.ListByAccount(ctx, "nobody", model.Page{Limit: 10})
		require.ErrorIs(t, err, ledger.ErrAccountNotFound)
		require.ErrorIs(t, s.DeleteAccount(ctx, "nobody"), ledger.ErrAccountNotFound)
	})

	t.Run("debit and insufficient balance", func(t *testing.T) {
		s := newStore(t)
		_, err := s.CreateAccount(ctx, grant("acc-2", 1000))
		require.NoError(t, err)

		res, err := s.Post(ctx, spend("acc-2", 100, "img-42", ""))
		require.NoError(t, err)
		assert.Equal(t, model.Credits(900), res.Balance)
		assert.Equal(t, model.Credits(-100), res.Entry.Amount)
		assert.Equal(t, model.Credits(900), res.Entry.BalanceAfter)

		_, err = s.Post(ctx, spend("acc-2", 10000, "img-43", ""))
		var insufficient *ledger.InsufficientBalanceError
		require.ErrorAs(t, err, &insufficient)
		assert.Equal(t, model.Credits(10000), insufficient.Required)
		assert.Equal(t, model.Credits(900), insufficient.Available)

		page, err := s.ListByAccount(ctx, "acc-2", model.Page{Limit: 10})
		require.NoError(t, err)
		assert.Len(t, page.Entries, 2)
	})

	t.Run("idempotent replay", func(t *testing.T) {
		s := newStore(t)
		_, err := s.CreateAccount(ctx, grant("acc-3", 1000))
		require.NoError(t, err)

		first, err := s.Post(ctx, spend("acc-3", 100, "img-1", "key-1"))
		require.NoError(t, err)
		_, err = s.Post(ctx, spend("acc-3", 100, "img-2", "key-2"))
		require.NoError(t, err)

		again, err := s.Post(ctx, spend("acc-3", 100, "img-1", "key-1"))
		require.NoError(t, err)
		assert.True(t, again.Replayed)
		assert.Equal(t, first.Entry.ID, again.Entry.ID)
		assert.Equal(t, first.Balance, again.Balance)

		_, err = s.Post(ctx, spend("acc-3", 200, "img-1", "key-1"))
		require.ErrorIs(t, err, ledger.ErrIdempotencyKeyReused)

		acc, err := s.GetAccount(ctx, "acc-3")
		require.NoError(t, err)
		assert.Equal(t, model.Credits(800), acc.Balance)
	})

	t.Run("pagination is newest first and restartable", func(t *testing.T) {
		s := newStore(t)
		_, err := s.CreateAccount(ctx, grant("acc-4", 1000))
		require.NoError(t, err)
		for i := range 5 {
			_, err := s.Post(ctx, spend("acc-4", 10, fmt.Sprintf("ref-%d", i), ""))
			require.NoError(t, err)
		}

		first, err := s.ListByAccount(ctx, "acc-4", model.Page{Limit: 4})
		require.NoError(t, err)
		require.Len(t, first.Entries, 4)
		require.NotZero(t, first.NextBefore)
		for i := 1; i < len(first.Entries); i++ {
			assert.Greater(t, first.Entries[i-1].ID, first.Entries[i].ID)
			assert.False(t, first.Entries[i-1].CreatedAt.Before(first.Entries[i].CreatedAt))
		}

		second, err := s.ListByAccount(ctx, "acc-4", model.Page{Limit: 4, Before: first.NextBefore})
		require.NoError(t, err)
		require.Len(t, second.Entries, 2)
		assert.Zero(t, second.NextBefore)
		assert.Equal(t, model.WelcomeBonus(), second.Entries[1].Reason)

		again, err := s.ListByAccount(ctx, "acc-4", model.Page{Limit: 4})
		require.NoError(t, err)
		assert.Equal(t, first, again)
	})

	t.Run("find by reference", func(t *testing.T) {
		s := newStore(t)
		_, err := s.CreateAccount(ctx, grant("acc-5", 1000))
		require.NoError(t, err)
		debit, err := s.Post(ctx, spend("acc-5", 50, "img-9", ""))
		require.NoError(t, err)
		refund, err := s.Post(ctx, model.Posting{
			AccountID: "acc-5",
			Amount:    50,
			Reason:    model.Refund("image_generation"),
			Reference: "img-9",
			Details:   model.RefundOf(debit.Entry.ID, "vendor down"),
		})
		require.NoError(t, err)

		entries, err := s.FindByReference(ctx, "img-9")
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, debit.Entry.ID, entries[0].ID)
		assert.Equal(t, refund.Entry.ID, entries[1].ID)
		assert.Equal(t, debit.Entry.ID, entries[1].Details.Refund.OriginalEntryID)

		none, err := s.FindByReference(ctx, "img-missing")
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("delete cascades entries", func(t *testing.T) {
		s := newStore(t)
		_, err := s.CreateAccount(ctx, grant("acc-6", 1000))
		require.NoError(t, err)
		_, err = s.Post(ctx, spend("acc-6", 50, "img-del", ""))
		require.NoError(t, err)

		require.NoError(t, s.DeleteAccount(ctx, "acc-6"))
		_, err = s.GetAccount(ctx, "acc-6")
		require.ErrorIs(t, err, ledger.ErrAccountNotFound)

		entries, err := s.FindByReference(ctx, "img-del")
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("audit and account listing", func(t *testing.T) {
		s := newStore(t)
		for _, id := range []string{"b", "a", "c"} {
			_, err := s.CreateAccount(ctx, grant(id, 500))
			require.NoError(t, err)
		}
		_, err := s.Post(ctx, spend("a", 120, "", ""))
		require.NoError(t, err)

		audit, err := s.AuditAccount(ctx, "a")
		require.NoError(t, err)
		assert.True(t, audit.Consistent())
		assert.Equal(t, model.Credits(380), audit.Balance)
		assert.Equal(t, int64(2), audit.EntryCount)

		ids, err := s.AccountIDs(ctx, "", 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, ids)
		ids, err = s.AccountIDs(ctx, "b", 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"c"}, ids)
	})

	t.Run("concurrent debits never overdraw", func(t *testing.T) {
		s := newStore(t)
		_, err := s.CreateAccount(ctx, grant("acc-race", 500))
		require.NoError(t, err)

		const workers = 20
		var (
			wg           sync.WaitGroup
			mu           sync.Mutex
			ok, rejected int
		)
		for i := range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Post(ctx, spend("acc-race", 100, fmt.Sprintf("race-%d", i), ""))
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					ok++
				case errors.Is(err, ledger.ErrInsufficientBalance):
					rejected++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 5, ok)
		assert.Equal(t, workers-5, rejected)

		audit, err := s.AuditAccount(ctx, "acc-race")
		require.NoError(t, err)
		assert.True(t, audit.Consistent())
		assert.Zero(t, audit.Balance)
	})
}
