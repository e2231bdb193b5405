package grpc

import (
	"context"
	"errors"
	"log/slog"
	"net"

	"creditledger/internal/ledger"
	"creditledger/internal/model"
	"creditledger/internal/service"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// errorDomain is the ErrorInfo domain attached to every ledger error.
const errorDomain = "creditledger"

type Server struct {
	svc    service.LedgerService
	srv    *grpc.Server
	addr   string
	logger *slog.Logger
}

func NewServer(addr string, svc service.LedgerService, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{svc: svc, addr: addr, srv: grpc.NewServer(), logger: logger}
	RegisterLedgerServer(s.srv, s)
	return s
}

func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(lis)
}

// Serve accepts connections on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("grpc server listening", "addr", lis.Addr().String())
	if err := s.srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.srv.GracefulStop()
	return nil
}

func (s *Server) RegisterAccount(ctx context.Context, req *model.RegisterRequest) (*model.BalanceResult, error) {
	res, err := s.svc.RegisterAccount(ctx, req.AccountID)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return &model.BalanceResult{AccountID: req.AccountID, Balance: res.Balance}, nil
}

func (s *Server) GetBalance(ctx context.Context, req *model.BalanceRequest) (*model.BalanceResult, error) {
	bal, err := s.svc.GetBalance(ctx, req.AccountID)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return &model.BalanceResult{AccountID: req.AccountID, Balance: bal}, nil
}

func (s *Server) Spend(ctx context.Context, req *model.SpendRequest) (*model.SpendResult, error) {
	res, err := s.svc.Spend(ctx, *req)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return res, nil
}

func (s *Server) Credit(ctx context.Context, req *model.CreditRequest) (*model.PostingResult, error) {
	res, err := s.svc.Credit(ctx, *req)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return &res, nil
}

func (s *Server) Refund(ctx context.Context, req *model.RefundRequest) (*model.PostingResult, error) {
	res, err := s.svc.Refund(ctx, *req)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return &res, nil
}

func (s *Server) ListEntries(ctx context.Context, req *model.ListEntriesRequest) (*model.EntryPage, error) {
	page, err := s.svc.ListEntries(ctx, *req)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return &page, nil
}

func (s *Server) FindByReference(ctx context.Context, req *ReferenceRequest) (*ReferenceResult, error) {
	if req.Reference == "" {
		return nil, status.Error(codes.InvalidArgument, "reference is required")
	}
	entries, err := s.svc.FindByReference(ctx, req.Reference)
	if err != nil {
		return nil, s.toStatus(err)
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	return &ReferenceResult{Entries: entries}, nil
}

func statusCode(reason string) codes.Code {
	switch reason {
	case "insufficient_balance":
		return codes.FailedPrecondition
	case "account_not_found", "original_debit_not_found":
		return codes.NotFound
	case "account_exists", "idempotency_key_reused":
		return codes.AlreadyExists
	case "unknown_operation_kind", "invalid_amount", "invalid_reason", "invalid_account_id", "refund_exceeds_debit":
		return codes.InvalidArgument
	case "ledger_unavailable":
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// toStatus converts a ledger error into a status carrying an ErrorInfo with the
// ledger error code, plus the amounts for insufficient balance.
func (s *Server) toStatus(err error) error {
	reason := ledger.ErrorCode(err)
	code := statusCode(reason)
	if code == codes.Internal || code == codes.Unavailable {
		s.logger.Error("grpc call failed", "reason", reason, "error", err)
	}

	info := &errdetails.ErrorInfo{Reason: reason, Domain: errorDomain}
	var ib *ledger.InsufficientBalanceError
	if errors.As(err, &ib) {
		info.Metadata = map[string]string{
			"required":  ib.Required.String(),
			"available": ib.Available.String(),
			"shortfall": ib.Shortfall().String(),
		}
	}

	st, dErr := status.New(code, err.Error()).WithDetails(info)
	if dErr != nil {
		return status.Error(code, err.Error())
	}
	return st.Err()
}
