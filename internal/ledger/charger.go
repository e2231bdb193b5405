package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"creditledger/internal/model"
	"creditledger/internal/policy"

	"github.com/google/uuid"
)

// SpendState is where a paid attempt is in its lifecycle. Only the debit and an
// eventual refund are persisted; the state itself lives in memory.
type SpendState int

const (
	StateDebited SpendState = iota
	StateCompleted
	StateRefunded
	StateUnknown
)

func (s SpendState) String() string {
	switch s {
	case StateDebited:
		return "debited"
	case StateCompleted:
		return "completed"
	case StateRefunded:
		return "refunded"
	case StateUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("SpendState(%d)", int(s))
	}
}

// Terminal reports whether no further ledger action can follow.
func (s SpendState) Terminal() bool { return s != StateDebited }

// Charger runs the debit, attempt, refund-on-failure flow for paid operations.
type Charger struct {
	authority   *Authority
	compensator *Compensator
	policy      *policy.Table
	logger      *slog.Logger
}

func NewCharger(a *Authority, c *Compensator, p *policy.Table, logger *slog.Logger) *Charger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Charger{authority: a, compensator: c, policy: p, logger: logger}
}

// PendingSpend is a debit whose paid operation has not reported an outcome yet.
type PendingSpend struct {
	charger *Charger

	AccountID string
	Operation string
	Reference string
	Cost      model.Credits
	Debit     model.PostingResult

	mu    sync.Mutex
	state SpendState
}

// Begin prices req.OperationKind and debits it. When the request carries no reference,
// a fresh one is generated. Only a caller-supplied idempotency key replays an earlier
// debit; without one every call is a new attempt and is charged.
func (c *Charger) Begin(ctx context.Context, req model.SpendRequest) (*PendingSpend, error) {
	cost, err := c.policy.CostOf(req.OperationKind)
	if err != nil {
		return nil, err
	}
	if req.Reference == "" {
		req.Reference = uuid.NewString()
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = "spend:" + req.OperationKind + ":" + uuid.NewString()
	}

	res, err := c.authority.Debit(ctx, model.Posting{
		AccountID:      req.AccountID,
		Amount:         cost,
		Reason:         model.Spend(req.OperationKind),
		Reference:      req.Reference,
		IdempotencyKey: req.IdempotencyKey,
		Details:        model.SpendOf(req.OperationKind, cost),
	})
	if err != nil {
		return nil, err
	}

	return &PendingSpend{
		charger:   c,
		AccountID: req.AccountID,
		Operation: req.OperationKind,
		Reference: req.Reference,
		Cost:      cost,
		Debit:     res,
		state:     StateDebited,
	}, nil
}

// Run debits req, runs op, and refunds when op fails. If op returns an error matching
// ErrOutcomeUnknown or context.DeadlineExceeded the debit is kept: the operation may
// have been delivered and the charge stands.
func (c *Charger) Run(ctx context.Context, req model.SpendRequest, op func(ctx context.Context, s *PendingSpend) error) (*PendingSpend, error) {
	s, err := c.Begin(ctx, req)
	if err != nil {
		return nil, err
	}

	opErr := op(ctx, s)
	switch {
	case opErr == nil:
		s.Complete()
		return s, nil
	case errors.Is(opErr, ErrOutcomeUnknown), errors.Is(opErr, context.DeadlineExceeded):
		s.Abandon()
		return s, opErr
	}

	// The caller's context may already be cancelled; the refund must still go through.
	if _, refundErr := s.Fail(context.WithoutCancel(ctx), opErr.Error()); refundErr != nil {
		return s, errors.Join(opErr, refundErr)
	}
	return s, opErr
}

// State returns the attempt's current state.
func (s *PendingSpend) State() SpendState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Complete marks the paid operation as delivered.
func (s *PendingSpend) Complete() {
	s.transition(StateCompleted)
}

// Abandon records that the outcome will never be known. The debit stays.
func (s *PendingSpend) Abandon() {
	if s.transition(StateUnknown) {
		s.charger.logger.Warn("paid operation outcome unknown, debit kept",
			"account_id", s.AccountID,
			"operation", s.Operation,
			"reference", s.Reference,
		)
	}
}

// Fail refunds the debit. On refund failure the attempt stays debited so the caller
// may try again; the compensator has already escalated the failure.
func (s *PendingSpend) Fail(ctx context.Context, cause string) (model.PostingResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return model.PostingResult{}, fmt.Errorf("ledger: spend %s is already %s", s.Reference, s.state)
	}

	res, err := s.charger.compensator.Refund(ctx, model.RefundRequest{
		AccountID:      s.AccountID,
		Amount:         s.Cost,
		OriginalReason: model.Spend(s.Operation),
		Reference:      s.Reference,
		DebitEntryID:   s.Debit.Entry.ID,
		Cause:          cause,
	})
	if err != nil {
		return model.PostingResult{}, err
	}
	s.state = StateRefunded
	return res, nil
}

func (s *PendingSpend) transition(to SpendState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return false
	}
	s.state = to
	return true
}
