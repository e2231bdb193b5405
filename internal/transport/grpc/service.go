// Package grpc serves the creditledger.v1.Ledger service with a JSON codec in place of
// generated protobuf messages. Clients must select it with grpc.CallContentSubtype("json").
package grpc

import (
	"context"

	"creditledger/internal/model"

	"google.golang.org/grpc"
)

const serviceName = "creditledger.v1.Ledger"

// LedgerServer is the server API of the creditledger.v1.Ledger service.
type LedgerServer interface {
	RegisterAccount(context.Context, *model.RegisterRequest) (*model.BalanceResult, error)
	GetBalance(context.Context, *model.BalanceRequest) (*model.BalanceResult, error)
	Spend(context.Context, *model.SpendRequest) (*model.SpendResult, error)
	Credit(context.Context, *model.CreditRequest) (*model.PostingResult, error)
	Refund(context.Context, *model.RefundRequest) (*model.PostingResult, error)
	ListEntries(context.Context, *model.ListEntriesRequest) (*model.EntryPage, error)
	FindByReference(context.Context, *ReferenceRequest) (*ReferenceResult, error)
}

type ReferenceRequest struct {
	Reference string `json:"reference"`
}

type ReferenceResult struct {
	Entries []model.LedgerEntry `json:"entries"`
}

// unary adapts a typed method to the grpc.MethodDesc handler signature.
func unary[Req, Resp any](method string, call func(LedgerServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(LedgerServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + serviceName + "/" + method,
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(LedgerServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var ledgerServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*LedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("RegisterAccount", LedgerServer.RegisterAccount),
		unary("GetBalance", LedgerServer.GetBalance),
		unary("Spend", LedgerServer.Spend),
		unary("Credit", LedgerServer.Credit),
		unary("Refund", LedgerServer.Refund),
		unary("ListEntries", LedgerServer.ListEntries),
		unary("FindByReference", LedgerServer.FindByReference),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "creditledger/v1/ledger",
}

// RegisterLedgerServer registers srv on s.
func RegisterLedgerServer(s grpc.ServiceRegistrar, srv LedgerServer) {
	s.RegisterService(&ledgerServiceDesc, srv)
}
