package tools

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ksred/nextrade-api/internal/apperr"
	"github.com/ksred/nextrade-api/internal/execution"
)

// companySymbols is checked in order; the first name contained in the query
// wins.
var companySymbols = []struct{ name, symbol string }{
	{"microsoft corporation", "MSFT"},
	{"microsoft", "MSFT"},
	{"tesla", "TSLA"},
	{"apple", "AAPL"},
	{"nvidia", "NVDA"},
	{"google", "GOOGL"},
	{"alphabet", "GOOGL"},
	{"amazon", "AMZN"},
	{"meta", "META"},
	{"facebook", "META"},
	{"netflix", "NFLX"},
}

// RegisterTrading registers the portfolio agent's tools and the supervisor's
// clock. place_order is the one tool that needs a human decision.
func RegisterTrading(r *Registry, exec *execution.Executor, memo *execution.OrderMemo, now func() time.Time) error {
	if now == nil {
		now = time.Now
	}
	tt := &tradingTools{exec: exec, memo: memo, now: now}

	for _, t := range []Tool{
		{
			Name:        "place_order",
			Description: "Execute a stock order (simulated) at the limit price and record it in the ledger. Requires human approval.",
			Parameters: object(map[string]any{
				"symbol":      prop("string", "Ticker"),
				"action":      enum("buy or sell", "buy", "sell"),
				"shares":      prop("integer", "Number of shares to trade"),
				"limit_price": prop("number", "Limit price per share"),
				"order_type":  enum("Order type, default limit", "limit"),
			}, "symbol", "action", "shares", "limit_price"),
			Capabilities: []Capability{CapRequiresApproval, CapLedgerWrite},
			Handler:      tt.placeOrder,
		},
		{
			Name:        "add_order_to_history",
			Description: "Record an investment order in the user's order memo. Positive shares for a buy, negative for a sell.",
			Parameters: object(map[string]any{
				"symbol": prop("string", "Ticker symbol"),
				"shares": prop("integer", "Shares bought (positive) or sold (negative)"),
				"price":  prop("number", "Price per share in USD"),
			}, "symbol", "shares", "price"),
			Handler: tt.addOrderToHistory,
		},
		{
			Name:         "get_order_history",
			Description:  "Return the orders recorded in the user's order memo, oldest first.",
			Parameters:   object(nil),
			Capabilities: []Capability{CapReadOnly},
			Handler:      tt.getOrderHistory,
		},
		{
			Name:         "lookup_stock",
			Description:  "Convert a company name to its stock symbol.",
			Parameters:   object(map[string]any{"company_name": prop("string", "Company name, e.g. Tesla")}, "company_name"),
			Capabilities: []Capability{CapReadOnly},
			Handler:      tt.lookupStock,
		},
		{
			Name:         "current_timestamp",
			Description:  "Return the current local time as ISO 8601, epoch seconds and time zone.",
			Parameters:   object(nil),
			Capabilities: []Capability{CapReadOnly},
			Handler:      tt.currentTimestamp,
		},
	} {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

type tradingTools struct {
	exec *execution.Executor
	memo *execution.OrderMemo
	now  func() time.Time
}

type PlaceOrderResult struct {
	Status     string          `json:"status"`
	OrderID    string          `json:"order_id"`
	Symbol     string          `json:"symbol"`
	Action     string          `json:"action"`
	Shares     int64           `json:"shares"`
	LimitPrice decimal.Decimal `json:"limit_price"`
	TotalSpent decimal.Decimal `json:"total_spent"`
	Type       string          `json:"type"`
	Message    string          `json:"message"`
}

func (tt *tradingTools) placeOrder(ctx context.Context, scope Scope, args Args) (any, error) {
	const op = "tools.place_order"

	shares, _, err := args.Int(op, "shares")
	if err != nil {
		return nil, err
	}
	limit, _, err := args.Decimal(op, "limit_price")
	if err != nil {
		return nil, err
	}
	if ot := strings.ToLower(args.String("order_type")); ot != "" && ot != "limit" {
		return nil, apperr.Validation(op, "order_type", "only limit orders can be placed", ot)
	}

	res, err := tt.exec.PlaceOrder(ctx, execution.PlaceOrderRequest{
		UserID:         scope.UserID,
		Symbol:         args.String("symbol"),
		Action:         args.String("action"),
		Shares:         shares,
		LimitPrice:     limit,
		IdempotencyKey: scope.ThreadID + ":" + scope.CallID,
	})
	if err != nil {
		return nil, err
	}

	o := res.Order
	return &PlaceOrderResult{
		Status:     o.Status,
		OrderID:    o.OrderID,
		Symbol:     o.Symbol,
		Action:     o.Action,
		Shares:     o.Shares,
		LimitPrice: o.Price,
		TotalSpent: o.TotalAmount.Round(2),
		Type:       o.OrderType,
		Message:    res.Message,
	}, nil
}

func (tt *tradingTools) addOrderToHistory(ctx context.Context, scope Scope, args Args) (any, error) {
	const op = "tools.add_order_to_history"

	symbol, err := args.RequireString(op, "symbol")
	if err != nil {
		return nil, err
	}
	shares, _, err := args.Int(op, "shares")
	if err != nil {
		return nil, err
	}
	price, _, err := args.Decimal(op, "price")
	if err != nil {
		return nil, err
	}

	action := "buy"
	if shares < 0 {
		action = "sell"
		shares = -shares
	}
	return tt.memo.Add(ctx, scope.UserID, execution.MemoEntry{
		Symbol: strings.ToUpper(symbol),
		Action: action,
		Shares: shares,
		Price:  price,
		Status: "recorded",
	})
}

func (tt *tradingTools) getOrderHistory(ctx context.Context, scope Scope, _ Args) (any, error) {
	return tt.memo.List(ctx, scope.UserID)
}

func (tt *tradingTools) lookupStock(_ context.Context, _ Scope, args Args) (any, error) {
	name, err := args.RequireString("tools.lookup_stock", "company_name")
	if err != nil {
		return nil, err
	}
	if symbol, ok := LookupSymbol(name); ok {
		return symbol, nil
	}
	return "Symbol lookup for " + name + " requires additional research.", nil
}

// LookupSymbol maps a company name to its ticker using the static table.
func LookupSymbol(companyName string) (string, bool) {
	lower := strings.ToLower(companyName)
	for _, c := range companySymbols {
		if strings.Contains(lower, c.name) {
			return c.symbol, true
		}
	}
	return "", false
}

func (tt *tradingTools) currentTimestamp(context.Context, Scope, Args) (any, error) {
	now := tt.now().Local()
	return map[string]any{
		"iso":   now.Format(time.RFC3339),
		"epoch": now.Unix(),
		"tz":    now.Location().String(),
	}, nil
}
