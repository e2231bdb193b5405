package service

import (
	"context"
	"testing"

	"creditledger/internal/ledger"
	"creditledger/internal/model"
	"creditledger/internal/policy"
	"creditledger/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	a := ledger.NewAuthority(repository.NewMemoryStore(), ledger.WithWelcomeGrant(model.MustParseCredits("10")))
	c := ledger.NewCompensator(a, nil, nil, nil)
	table, err := policy.New(policy.DefaultCosts())
	require.NoError(t, err)
	return New(a, c, ledger.NewCharger(a, c, table, nil), table, nil)
}

func TestSpendThenRefund(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.RegisterAccount(ctx, "u1")
	require.NoError(t, err)

	res, err := svc.Spend(ctx, model.SpendRequest{AccountID: "u1", OperationKind: policy.BackgroundRemoval, Reference: "bg-1"})
	require.NoError(t, err)
	assert.Equal(t, model.MustParseCredits("0.5"), res.Cost)
	assert.Equal(t, model.MustParseCredits("9.5"), res.Balance)
	assert.NotZero(t, res.EntryID)

	_, err = svc.Refund(ctx, model.RefundRequest{
		AccountID:      "u1",
		Amount:         res.Cost,
		OriginalReason: model.Spend(policy.BackgroundRemoval),
		Reference:      "bg-1",
	})
	require.NoError(t, err)

	bal, err := svc.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, model.MustParseCredits("10"), bal)

	page, err := svc.ListEntries(ctx, model.ListEntriesRequest{AccountID: "u1"})
	require.NoError(t, err)
	assert.Len(t, page.Entries, 3)
}

func TestSpendSameReferenceAfterRefund(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	_, err := svc.RegisterAccount(ctx, "u1")
	require.NoError(t, err)

	req := model.SpendRequest{AccountID: "u1", OperationKind: policy.ImageGeneration, Reference: "img-42"}
	first, err := svc.Spend(ctx, req)
	require.NoError(t, err)
	_, err = svc.Refund(ctx, model.RefundRequest{
		AccountID:      "u1",
		Amount:         first.Cost,
		OriginalReason: model.Spend(policy.ImageGeneration),
		Reference:      "img-42",
	})
	require.NoError(t, err)

	second, err := svc.Spend(ctx, req)
	require.NoError(t, err)
	assert.False(t, second.Replayed)
	assert.NotEqual(t, first.EntryID, second.EntryID)
	assert.Equal(t, model.MustParseCredits("9"), second.Balance)

	bal, err := svc.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, second.Balance, bal)

	req.IdempotencyKey = "client-attempt"
	keyed, err := svc.Spend(ctx, req)
	require.NoError(t, err)
	replayed, err := svc.Spend(ctx, req)
	require.NoError(t, err)
	assert.True(t, replayed.Replayed)
	assert.Equal(t, keyed.EntryID, replayed.EntryID)
	assert.Equal(t, model.MustParseCredits("8"), replayed.Balance)
}

func TestCreditDetails(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	_, err := svc.RegisterAccount(ctx, "u1")
	require.NoError(t, err)

	purchase, err := svc.Credit(ctx, model.CreditRequest{AccountID: "u1", Amount: model.MustParseCredits("20"), Reference: "order-1"})
	require.NoError(t, err)
	assert.Equal(t, model.ManualAdjustment(), purchase.Entry.Reason)
	require.NotNil(t, purchase.Entry.Details.Adjustment)
	assert.Equal(t, SourcePurchase, purchase.Entry.Details.Adjustment.Source)

	bonus, err := svc.Credit(ctx, model.CreditRequest{AccountID: "u1", Amount: model.MustParseCredits("5"), Program: model.ProgramReferral})
	require.NoError(t, err)
	require.NotNil(t, bonus.Entry.Details.Grant)
	assert.Equal(t, model.ProgramReferral, bonus.Entry.Details.Grant.Program)
	assert.Equal(t, model.MustParseCredits("35"), bonus.Balance)

	share, err := svc.Credit(ctx, model.CreditRequest{AccountID: "u1", Program: model.ProgramFirstShare})
	require.NoError(t, err)
	assert.Equal(t, model.MustParseCredits("2"), share.Entry.Amount)

	_, err = svc.Credit(ctx, model.CreditRequest{AccountID: "u1", Amount: 1, Program: "lottery"})
	assert.ErrorIs(t, err, ledger.ErrInvalidReason)

	refs, err := svc.FindByReference(ctx, "order-1")
	require.NoError(t, err)
	assert.Len(t, refs, 1)
}

func TestCosts(t *testing.T) {
	svc := newTestService(t)
	costs := svc.Costs()
	assert.Equal(t, model.MustParseCredits("0.3"), costs[policy.CaptionGeneration])

	costs[policy.CaptionGeneration] = 0
	assert.Equal(t, model.MustParseCredits("0.3"), svc.Costs()[policy.CaptionGeneration])
}
