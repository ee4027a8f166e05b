package derivws

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/derivkit/derivws/core/schema"
	"github.com/derivkit/derivws/core/stream"
)

// Ping checks connectivity on the default connection.
func (c *Client) Ping(ctx context.Context) (schema.Message, error) {
	return c.Send(ctx, schema.Message{"ping": 1})
}

// Time fetches the server epoch time.
func (c *Client) Time(ctx context.Context) (schema.Message, error) {
	return c.Send(ctx, schema.Message{"time": 1})
}

// WebsiteStatus fetches the general server status and settings.
func (c *Client) WebsiteStatus(ctx context.Context) (schema.Message, error) {
	return c.Send(ctx, schema.Message{"website_status": 1})
}

// ActiveSymbols lists tradable symbols. The product type may be empty.
func (c *Client) ActiveSymbols(ctx context.Context, productType string) (schema.Message, error) {
	req := schema.Message{"active_symbols": "brief"}
	if productType != "" {
		req["product_type"] = productType
	}
	return c.Send(ctx, req)
}

// Authorize logs the connection in with an API token.
func (c *Client) Authorize(ctx context.Context, token string) (schema.Message, error) {
	return c.Send(ctx, schema.Message{"authorize": token})
}

// TicksHistoryArgs selects a slice of tick or candle history.
type TicksHistoryArgs struct {
	Symbol string
	Style  string // "ticks" or "candles", default "ticks"
	Count  int
	End    string // epoch or "latest"
	Start  int64
}

// TicksHistory fetches historical market data for a symbol.
func (c *Client) TicksHistory(ctx context.Context, args TicksHistoryArgs) (schema.Message, error) {
	req := schema.Message{"ticks_history": args.Symbol, "end": "latest"}
	if args.Style != "" {
		req["style"] = args.Style
	}
	if args.Count > 0 {
		req["count"] = args.Count
	}
	if args.End != "" {
		req["end"] = args.End
	}
	if args.Start > 0 {
		req["start"] = args.Start
	}
	return c.Send(ctx, req)
}

// ProposalArgs describes a contract to price.
type ProposalArgs struct {
	Amount       decimal.Decimal
	Basis        string
	ContractType string
	Currency     string
	Duration     int
	DurationUnit string
	Symbol       string
}

func (a ProposalArgs) message() schema.Message {
	return schema.Message{
		"proposal":      1,
		"amount":        a.Amount.InexactFloat64(),
		"basis":         a.Basis,
		"contract_type": a.ContractType,
		"currency":      a.Currency,
		"duration":      a.Duration,
		"duration_unit": a.DurationUnit,
		"symbol":        a.Symbol,
	}
}

// Proposal fetches a one-shot price for a contract.
func (c *Client) Proposal(ctx context.Context, args ProposalArgs) (schema.Message, error) {
	return c.Send(ctx, args.message())
}

// Buy purchases a previously proposed contract.
func (c *Client) Buy(ctx context.Context, proposalID string, price decimal.Decimal) (schema.Message, error) {
	return c.Send(ctx, schema.Message{"buy": proposalID, "price": price.InexactFloat64()})
}

// Sell sells an open contract at or above the given price.
func (c *Client) Sell(ctx context.Context, contractID int64, price decimal.Decimal) (schema.Message, error) {
	return c.Send(ctx, schema.Message{"sell": contractID, "price": price.InexactFloat64()})
}

// SubscribeTicks streams spot quotes for a symbol.
func (c *Client) SubscribeTicks(symbol string) (*stream.Shared, error) {
	return c.Subscribe(schema.Message{"ticks": symbol})
}

// SubscribeCandles streams OHLC candles for a symbol.
func (c *Client) SubscribeCandles(symbol string, granularity int) (*stream.Shared, error) {
	return c.Subscribe(schema.Message{
		"ticks_history": symbol,
		"style":         "candles",
		"granularity":   granularity,
		"end":           "latest",
		"count":         1,
	})
}

// SubscribeProposal streams live prices for a contract proposal.
func (c *Client) SubscribeProposal(args ProposalArgs) (*stream.Shared, error) {
	return c.Subscribe(args.message())
}

// SubscribeBuy purchases a contract and streams its state updates.
func (c *Client) SubscribeBuy(proposalID string, price decimal.Decimal) (*stream.Shared, error) {
	return c.Subscribe(schema.Message{"buy": proposalID, "price": price.InexactFloat64()})
}

// SubscribeProposalOpenContract streams updates for an open contract. A
// zero contract id follows every open contract on the account.
func (c *Client) SubscribeProposalOpenContract(contractID int64) (*stream.Shared, error) {
	req := schema.Message{"proposal_open_contract": 1}
	if contractID != 0 {
		req["contract_id"] = contractID
	}
	return c.Subscribe(req)
}

// SubscribeBalance streams account balance updates.
func (c *Client) SubscribeBalance() (*stream.Shared, error) {
	return c.Subscribe(schema.Message{"balance": 1})
}

// SubscribeTransactions streams account transaction notifications.
func (c *Client) SubscribeTransactions() (*stream.Shared, error) {
	return c.Subscribe(schema.Message{"transaction": 1})
}
