package nats

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"creditledger/internal/ledger"
	"creditledger/internal/model"
	"creditledger/internal/policy"
	"creditledger/internal/repository"
	"creditledger/internal/service"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) *service.Service {
	t.Helper()
	a := ledger.NewAuthority(repository.NewMemoryStore(), ledger.WithWelcomeGrant(model.MustParseCredits("10")))
	c := ledger.NewCompensator(a, nil, nil, nil)
	table, err := policy.New(policy.DefaultCosts())
	require.NoError(t, err)
	return service.New(a, c, ledger.NewCharger(a, c, table, nil), table, nil)
}

func TestReplyEnvelope(t *testing.T) {
	h := NewHandler(nil, nil, nil)

	ok := h.reply(SubjectBalance, model.BalanceResult{AccountID: "u1", Balance: 900}, nil)
	assert.True(t, ok.OK)
	assert.JSONEq(t, `{"account_id":"u1","balance":9.00}`, string(ok.Result))

	insufficient := h.reply(SubjectSpend, nil, &ledger.InsufficientBalanceError{Required: 100, Available: 30})
	assert.False(t, insufficient.OK)
	assert.Equal(t, "insufficient_balance", insufficient.Error)
	require.NotNil(t, insufficient.Shortfall)
	assert.Equal(t, model.Credits(70), *insufficient.Shortfall)

	var syntax map[string]any
	bad := h.reply(SubjectSpend, nil, json.Unmarshal([]byte("{"), &syntax))
	assert.Equal(t, "invalid_json", bad.Error)

	failed := h.reply(SubjectSpend, nil, errors.New("boom"))
	assert.Equal(t, "internal_error", failed.Error)
}

// Set LEDGER_TEST_NATS (e.g. nats://localhost:4222) to run against a live server.
func TestCommandsOverNATS(t *testing.T) {
	url := os.Getenv("LEDGER_TEST_NATS")
	if url == "" {
		t.Skip("LEDGER_TEST_NATS not set")
	}
	nc, err := nats.Connect(url)
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h := NewHandler(newTestService(t), nc, nil)
	go func() { _ = h.Start(ctx) }()

	client := NewClient(nc)
	rctx, rcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer rcancel()

	require.Eventually(t, func() bool {
		err := client.Request(rctx, SubjectRegister, model.RegisterRequest{AccountID: "nats-u1"}, nil)
		return err == nil
	}, 2*time.Second, 50*time.Millisecond)

	res, err := client.Spend(rctx, model.SpendRequest{AccountID: "nats-u1", OperationKind: policy.ImageGeneration, Reference: "img-1"})
	require.NoError(t, err)
	assert.Equal(t, model.MustParseCredits("9"), res.Balance)

	bal, err := client.Balance(rctx, "nats-u1")
	require.NoError(t, err)
	assert.Equal(t, model.MustParseCredits("9"), bal)

	_, err = client.Balance(rctx, "ghost")
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, "account_not_found", cmdErr.Code)
}
