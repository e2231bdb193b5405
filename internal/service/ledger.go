package service

import (
	"context"
	"fmt"
	"log/slog"

	"creditledger/internal/ledger"
	"creditledger/internal/model"
	"creditledger/internal/policy"
)

// LedgerService defines the business operations for the credit ledger.
// All transport layers (HTTP, gRPC, NATS) depend on this interface, not on the ledger core.
type LedgerService interface {
	RegisterAccount(ctx context.Context, accountID string) (model.PostingResult, error)
	DeleteAccount(ctx context.Context, accountID string) error
	GetBalance(ctx context.Context, accountID string) (model.Credits, error)
	Spend(ctx context.Context, req model.SpendRequest) (*model.SpendResult, error)
	Credit(ctx context.Context, req model.CreditRequest) (model.PostingResult, error)
	Refund(ctx context.Context, req model.RefundRequest) (model.PostingResult, error)
	ListEntries(ctx context.Context, req model.ListEntriesRequest) (model.EntryPage, error)
	FindByReference(ctx context.Context, reference string) ([]model.LedgerEntry, error)
	Costs() map[string]model.Credits
}

// SourcePurchase marks credit bought by the user.
const SourcePurchase = "purchase"

type Service struct {
	authority   *ledger.Authority
	compensator *ledger.Compensator
	charger     *ledger.Charger
	policy      *policy.Table
	logger      *slog.Logger
}

func New(a *ledger.Authority, c *ledger.Compensator, ch *ledger.Charger, p *policy.Table, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{authority: a, compensator: c, charger: ch, policy: p, logger: logger}
}

func (s *Service) RegisterAccount(ctx context.Context, accountID string) (model.PostingResult, error) {
	return s.authority.CreateAccount(ctx, accountID)
}

func (s *Service) DeleteAccount(ctx context.Context, accountID string) error {
	return s.authority.DeleteAccount(ctx, accountID)
}

func (s *Service) GetBalance(ctx context.Context, accountID string) (model.Credits, error) {
	return s.authority.GetBalance(ctx, accountID)
}

// Spend debits the cost of one paid operation. The operation itself runs at the
// caller, which reports failure through Refund.
func (s *Service) Spend(ctx context.Context, req model.SpendRequest) (*model.SpendResult, error) {
	pending, err := s.charger.Begin(ctx, req)
	if err != nil {
		return nil, err
	}
	return &model.SpendResult{
		AccountID:     pending.AccountID,
		OperationKind: pending.Operation,
		Reference:     pending.Reference,
		Cost:          pending.Cost,
		Balance:       pending.Debit.Balance,
		EntryID:       pending.Debit.Entry.ID,
		Replayed:      pending.Debit.Replayed,
	}, nil
}

// Credit records a manual_adjustment. With a bonus program set it is a promotional
// grant, defaulting to the program's standard amount; otherwise it is a purchase or
// operator correction named by Source.
func (s *Service) Credit(ctx context.Context, req model.CreditRequest) (model.PostingResult, error) {
	var details model.Details
	switch req.Program {
	case "":
		source := req.Source
		if source == "" {
			source = SourcePurchase
		}
		details = model.AdjustmentOf(source, req.Actor, req.Note)
	case model.ProgramReferral, model.ProgramFirstShare:
		details = model.GrantOf(req.Program)
		if req.Amount == 0 {
			req.Amount = policy.DefaultBonuses()[req.Program]
		}
	default:
		return model.PostingResult{}, fmt.Errorf("%w: unknown bonus program %q", ledger.ErrInvalidReason, req.Program)
	}

	res, err := s.authority.Credit(ctx, model.Posting{
		AccountID:      req.AccountID,
		Amount:         req.Amount,
		Reason:         model.ManualAdjustment(),
		Reference:      req.Reference,
		IdempotencyKey: req.IdempotencyKey,
		Details:        details,
	})
	if err != nil {
		return model.PostingResult{}, err
	}
	s.logger.Info("account credited",
		"account_id", req.AccountID,
		"amount", req.Amount,
		"source", req.Source,
		"program", req.Program,
		"balance", res.Balance,
	)
	return res, nil
}

func (s *Service) Refund(ctx context.Context, req model.RefundRequest) (model.PostingResult, error) {
	return s.compensator.Refund(ctx, req)
}

func (s *Service) ListEntries(ctx context.Context, req model.ListEntriesRequest) (model.EntryPage, error) {
	return s.authority.ListByAccount(ctx, req.AccountID, model.Page{Limit: req.Limit, Before: req.Before})
}

func (s *Service) FindByReference(ctx context.Context, reference string) ([]model.LedgerEntry, error) {
	return s.authority.FindByReference(ctx, reference)
}

func (s *Service) Costs() map[string]model.Credits {
	return s.policy.Costs()
}
