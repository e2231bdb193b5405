package nats

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"creditledger/internal/ledger"
	"creditledger/internal/model"
	"creditledger/internal/service"

	"github.com/nats-io/nats.go"
)

// Command subjects served with request/reply.
const (
	SubjectRegister = "commands.accounts.register"
	SubjectSpend    = "commands.spend"
	SubjectCredit   = "commands.credit"
	SubjectRefund   = "commands.refund"
	SubjectBalance  = "commands.balance"

	queueGroup = "ledger_group"
)

// Reply is the response envelope for every command. Error is a ledger error code;
// Shortfall is set for insufficient_balance.
type Reply struct {
	OK        bool            `json:"ok"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Message   string          `json:"message,omitempty"`
	Shortfall *model.Credits  `json:"shortfall,omitempty"`
}

// Handler subscribes to NATS command subjects and delegates to the ledger service.
type Handler struct {
	svc    service.LedgerService
	nc     *nats.Conn
	logger *slog.Logger
	subs   []*nats.Subscription
}

func NewHandler(svc service.LedgerService, nc *nats.Conn, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, nc: nc, logger: logger}
}

// Start subscribes to command subjects and blocks until ctx is cancelled (graceful shutdown).
func (h *Handler) Start(ctx context.Context) error {
	routes := map[string]func(context.Context, []byte) (any, error){
		SubjectRegister: func(ctx context.Context, data []byte) (any, error) {
			var req model.RegisterRequest
			if err := json.Unmarshal(data, &req); err != nil {
				return nil, err
			}
			res, err := h.svc.RegisterAccount(ctx, req.AccountID)
			if err != nil {
				return nil, err
			}
			return model.BalanceResult{AccountID: req.AccountID, Balance: res.Balance}, nil
		},
		SubjectSpend: func(ctx context.Context, data []byte) (any, error) {
			var req model.SpendRequest
			if err := json.Unmarshal(data, &req); err != nil {
				return nil, err
			}
			return h.svc.Spend(ctx, req)
		},
		SubjectCredit: func(ctx context.Context, data []byte) (any, error) {
			var req model.CreditRequest
			if err := json.Unmarshal(data, &req); err != nil {
				return nil, err
			}
			return h.svc.Credit(ctx, req)
		},
		SubjectRefund: func(ctx context.Context, data []byte) (any, error) {
			var req model.RefundRequest
			if err := json.Unmarshal(data, &req); err != nil {
				return nil, err
			}
			return h.svc.Refund(ctx, req)
		},
		SubjectBalance: func(ctx context.Context, data []byte) (any, error) {
			var req model.BalanceRequest
			if err := json.Unmarshal(data, &req); err != nil {
				return nil, err
			}
			bal, err := h.svc.GetBalance(ctx, req.AccountID)
			if err != nil {
				return nil, err
			}
			return model.BalanceResult{AccountID: req.AccountID, Balance: bal}, nil
		},
	}

	for subject, fn := range routes {
		sub, err := h.nc.QueueSubscribe(subject, queueGroup, h.serve(ctx, subject, fn))
		if err != nil {
			h.unsubscribe()
			return err
		}
		h.subs = append(h.subs, sub)
	}

	h.logger.Info("NATS command handler is running", "subjects", len(routes))

	// Block until context is cancelled.
	<-ctx.Done()
	h.logger.Info("NATS command handler shutting down, draining subscriptions...")

	for _, s := range h.subs {
		_ = s.Drain()
	}
	return nil
}

func (h *Handler) Stop(ctx context.Context) error {
	h.unsubscribe()
	return nil
}

func (h *Handler) unsubscribe() {
	for _, s := range h.subs {
		_ = s.Unsubscribe()
	}
}

func (h *Handler) serve(ctx context.Context, subject string, fn func(context.Context, []byte) (any, error)) nats.MsgHandler {
	return func(m *nats.Msg) {
		// Commands run to completion even while the handler drains.
		res, err := fn(context.WithoutCancel(ctx), m.Data)
		reply := h.reply(subject, res, err)
		if m.Reply == "" {
			return
		}
		data, mErr := json.Marshal(reply)
		if mErr != nil {
			h.logger.Error("nats: failed to encode reply", "subject", subject, "error", mErr)
			return
		}
		if rErr := m.Respond(data); rErr != nil {
			h.logger.Warn("nats: failed to respond", "subject", subject, "error", rErr)
		}
	}
}

func (h *Handler) reply(subject string, res any, err error) Reply {
	if err != nil {
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		code := ledger.ErrorCode(err)
		switch {
		case errors.As(err, &syntaxErr), errors.As(err, &typeErr):
			code = "invalid_json"
		case !ledger.IsClientError(err):
			h.logger.Error("nats: command failed", "subject", subject, "error", err)
		}
		r := Reply{Error: code, Message: err.Error()}
		var ib *ledger.InsufficientBalanceError
		if errors.As(err, &ib) {
			shortfall := ib.Shortfall()
			r.Shortfall = &shortfall
		}
		return r
	}
	raw, mErr := json.Marshal(res)
	if mErr != nil {
		return Reply{Error: "internal_error", Message: mErr.Error()}
	}
	return Reply{OK: true, Result: raw}
}
