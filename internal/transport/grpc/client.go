package grpc

import (
	"context"
	"errors"
	"fmt"

	"creditledger/internal/ledger"
	"creditledger/internal/model"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// Client calls a remote creditledger.v1.Ledger service. Errors are translated back
// into ledger sentinel errors, so errors.Is works the same as in-process.
type Client struct {
	conn grpc.ClientConnInterface
}

func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Dial connects to addr without transport security and returns the client with a
// cleanup function.
func Dial(addr string) (*Client, func(), error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, err
	}
	return NewClient(conn), func() { _ = conn.Close() }, nil
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	err := c.conn.Invoke(ctx, "/"+serviceName+"/"+method, in, out, grpc.CallContentSubtype(codecName))
	return fromStatus(err)
}

func (c *Client) RegisterAccount(ctx context.Context, accountID string) (*model.BalanceResult, error) {
	out := new(model.BalanceResult)
	if err := c.invoke(ctx, "RegisterAccount", &model.RegisterRequest{AccountID: accountID}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetBalance(ctx context.Context, accountID string) (model.Credits, error) {
	out := new(model.BalanceResult)
	if err := c.invoke(ctx, "GetBalance", &model.BalanceRequest{AccountID: accountID}, out); err != nil {
		return 0, err
	}
	return out.Balance, nil
}

func (c *Client) Spend(ctx context.Context, req model.SpendRequest) (*model.SpendResult, error) {
	out := new(model.SpendResult)
	if err := c.invoke(ctx, "Spend", &req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Credit(ctx context.Context, req model.CreditRequest) (*model.PostingResult, error) {
	out := new(model.PostingResult)
	if err := c.invoke(ctx, "Credit", &req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Refund(ctx context.Context, req model.RefundRequest) (*model.PostingResult, error) {
	out := new(model.PostingResult)
	if err := c.invoke(ctx, "Refund", &req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListEntries(ctx context.Context, req model.ListEntriesRequest) (*model.EntryPage, error) {
	out := new(model.EntryPage)
	if err := c.invoke(ctx, "ListEntries", &req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) FindByReference(ctx context.Context, reference string) ([]model.LedgerEntry, error) {
	out := new(ReferenceResult)
	if err := c.invoke(ctx, "FindByReference", &ReferenceRequest{Reference: reference}, out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

var sentinels = map[string]error{
	"account_not_found":        ledger.ErrAccountNotFound,
	"original_debit_not_found": ledger.ErrOriginalDebitNotFound,
	"account_exists":           ledger.ErrAccountExists,
	"idempotency_key_reused":   ledger.ErrIdempotencyKeyReused,
	"unknown_operation_kind":   ledger.ErrUnknownOperationKind,
	"invalid_amount":           ledger.ErrInvalidAmount,
	"invalid_reason":           ledger.ErrInvalidReason,
	"invalid_account_id":       ledger.ErrInvalidAccountID,
	"refund_exceeds_debit":     ledger.ErrRefundExceedsDebit,
	"ledger_unavailable":       ledger.ErrLedgerWrite,
}

func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	for _, d := range st.Details() {
		info, ok := d.(*errdetails.ErrorInfo)
		if !ok || info.GetDomain() != errorDomain {
			continue
		}
		if info.GetReason() == "insufficient_balance" {
			return insufficientFrom(info.GetMetadata(), err)
		}
		if sentinel, ok := sentinels[info.GetReason()]; ok {
			return fmt.Errorf("%w: %s", sentinel, st.Message())
		}
	}
	return err
}

func insufficientFrom(md map[string]string, orig error) error {
	required, rErr := model.ParseCredits(md["required"])
	available, aErr := model.ParseCredits(md["available"])
	if err := errors.Join(rErr, aErr); err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrInsufficientBalance, orig)
	}
	return &ledger.InsufficientBalanceError{Required: required, Available: available}
}
