package nats

import (
	"context"
	"encoding/json"
	"fmt"

	"creditledger/internal/model"

	"github.com/nats-io/nats.go"
)

// CommandError is a failed command reply.
type CommandError struct {
	Code      string
	Message   string
	Shortfall *model.Credits
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("ledger command failed: %s: %s", e.Code, e.Message)
}

// Client sends ledger commands over NATS request/reply.
type Client struct {
	nc *nats.Conn
}

func NewClient(nc *nats.Conn) *Client {
	return &Client{nc: nc}
}

// Request sends req on subject and decodes a successful result into out.
// ctx must carry a deadline.
func (c *Client) Request(ctx context.Context, subject string, req, out any) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	msg, err := c.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return err
	}
	var reply Reply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	if !reply.OK {
		return &CommandError{Code: reply.Error, Message: reply.Message, Shortfall: reply.Shortfall}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(reply.Result, out)
}

func (c *Client) Spend(ctx context.Context, req model.SpendRequest) (*model.SpendResult, error) {
	var res model.SpendResult
	if err := c.Request(ctx, SubjectSpend, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) Balance(ctx context.Context, accountID string) (model.Credits, error) {
	var res model.BalanceResult
	if err := c.Request(ctx, SubjectBalance, model.BalanceRequest{AccountID: accountID}, &res); err != nil {
		return 0, err
	}
	return res.Balance, nil
}
