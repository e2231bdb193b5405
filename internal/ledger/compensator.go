package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"creditledger/internal/metrics"
	"creditledger/internal/model"
)

// Compensator reverses debits whose paid operation failed. A refund is a new credit
// entry carrying the original reference; the debit itself is never touched.
type Compensator struct {
	authority *Authority
	alerts    Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

func NewCompensator(a *Authority, alerts Publisher, m *metrics.Metrics, logger *slog.Logger) *Compensator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compensator{
		authority: a,
		alerts:    alerts,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}
}

// RefundKey is the idempotency key a refund for the given debit is written under.
// Each debit entry can be refunded at most once, even when its reference was
// charged again later.
func RefundKey(originalReason model.Reason, reference string, debitEntryID int64) string {
	return fmt.Sprintf("refund:%s:%s:%d", originalReason.Operation, reference, debitEntryID)
}

// Refund credits req.Amount back for the debit identified by req.OriginalReason and
// req.Reference. Any failure is escalated (error log, metric, bus alert) before it is
// returned, because a lost refund is a user-visible discrepancy.
func (c *Compensator) Refund(ctx context.Context, req model.RefundRequest) (model.PostingResult, error) {
	res, err := c.refund(ctx, req)
	if err != nil {
		c.escalate(req, err)
		return model.PostingResult{}, err
	}
	c.logger.Info("refund applied",
		"account_id", req.AccountID,
		"amount", req.Amount,
		"reason", res.Entry.Reason,
		"reference", req.Reference,
		"replayed", res.Replayed,
	)
	return res, nil
}

func (c *Compensator) refund(ctx context.Context, req model.RefundRequest) (model.PostingResult, error) {
	if req.AccountID == "" {
		return model.PostingResult{}, ErrInvalidAccountID
	}
	if req.OriginalReason.Kind != model.ReasonSpend {
		return model.PostingResult{}, fmt.Errorf("%w: only spend debits can be refunded, got %q", ErrInvalidReason, req.OriginalReason)
	}
	if err := req.OriginalReason.Validate(); err != nil {
		return model.PostingResult{}, err
	}
	if req.Reference == "" {
		return model.PostingResult{}, fmt.Errorf("%w: refund needs the reference of the failed attempt", ErrInvalidReason)
	}
	if req.Amount <= 0 {
		return model.PostingResult{}, fmt.Errorf("%w: refund amount must be positive, got %s", ErrInvalidAmount, req.Amount)
	}

	entries, err := c.authority.FindByReference(ctx, req.Reference)
	if err != nil {
		return model.PostingResult{}, err
	}
	debit := selectDebit(entries, req)
	if debit == nil {
		return model.PostingResult{}, fmt.Errorf("%w: %s %s", ErrOriginalDebitNotFound, req.OriginalReason, req.Reference)
	}
	if req.Amount > debit.Amount.Abs() {
		return model.PostingResult{}, fmt.Errorf("%w: refund %s, debit %s", ErrRefundExceedsDebit, req.Amount, debit.Amount.Abs())
	}

	return c.authority.Credit(ctx, model.Posting{
		AccountID:      req.AccountID,
		Amount:         req.Amount,
		Reason:         model.Refund(req.OriginalReason.Operation),
		Reference:      req.Reference,
		IdempotencyKey: RefundKey(req.OriginalReason, req.Reference, debit.ID),
		Details:        model.RefundOf(debit.ID, req.Cause),
	})
}

// selectDebit finds the debit a refund request targets among the reference's entries
// (oldest first). Without an explicit entry id it takes the newest debit that has no
// refund yet, falling back to the newest debit so a repeated refund replays.
func selectDebit(entries []model.LedgerEntry, req model.RefundRequest) *model.LedgerEntry {
	refundReason := model.Refund(req.OriginalReason.Operation)
	refunded := make(map[int64]bool)
	var debits []*model.LedgerEntry
	for i := range entries {
		e := &entries[i]
		if e.AccountID != req.AccountID {
			continue
		}
		switch {
		case e.Reason == req.OriginalReason && e.Amount < 0:
			debits = append(debits, e)
		case e.Reason == refundReason && e.Details.Refund != nil:
			refunded[e.Details.Refund.OriginalEntryID] = true
		}
	}
	if len(debits) == 0 {
		return nil
	}

	if req.DebitEntryID != 0 {
		for _, d := range debits {
			if d.ID == req.DebitEntryID {
				return d
			}
		}
		return nil
	}
	for i := len(debits) - 1; i >= 0; i-- {
		if !refunded[debits[i].ID] {
			return debits[i]
		}
	}
	return debits[len(debits)-1]
}

func (c *Compensator) escalate(req model.RefundRequest, err error) {
	c.metrics.RefundFailed()
	c.logger.Error("REFUND FAILED: account balance needs operator attention",
		"account_id", req.AccountID,
		"amount", req.Amount,
		"original_reason", req.OriginalReason,
		"reference", req.Reference,
		"error", err,
	)

	if c.alerts == nil {
		return
	}
	alert := model.RefundFailedAlert{
		AccountID: req.AccountID,
		Amount:    req.Amount,
		Reason:    model.Refund(req.OriginalReason.Operation),
		Reference: req.Reference,
		Error:     err.Error(),
		At:        c.now().UTC(),
	}
	data, mErr := json.Marshal(alert)
	if mErr != nil {
		c.logger.Error("failed to encode refund alert", "error", mErr)
		return
	}
	if pErr := c.alerts.Publish(model.SubjectRefundFailed, data); pErr != nil {
		c.logger.Error("failed to publish refund alert", "account_id", req.AccountID, "error", pErr)
	}
}
