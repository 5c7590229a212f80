package tools

import (
	"context"

	"github.com/ksred/nextrade-api/internal/ledger"
)

// RegisterLedger registers the database agent's tools over svc.
func RegisterLedger(r *Registry, svc *ledger.Service) error {
	lt := &ledgerTools{svc: svc}
	for _, t := range []Tool{
		{
			Name:        "insert_order",
			Description: "Store a new pending order for the current user. Returns the full order including its generated order_id.",
			Parameters: object(map[string]any{
				"symbol":     prop("string", "Ticker symbol, e.g. AAPL"),
				"action":     enum("buy or sell", "buy", "sell"),
				"shares":     prop("integer", "Number of shares, must be positive"),
				"price":      prop("number", "Price per share in USD, must be positive"),
				"order_type": enum("Order type, default limit", "market", "limit", "stop"),
			}, "symbol", "action", "shares", "price"),
			Capabilities: []Capability{CapLedgerWrite},
			Handler:      lt.insertOrder,
		},
		{
			Name:        "update_order_status",
			Description: "Move a pending order to filled, cancelled or rejected. A fill records the trade and updates the position.",
			Parameters: object(map[string]any{
				"order_id":        prop("string", "Order to update"),
				"status":          enum("New status", "filled", "cancelled", "rejected"),
				"execution_price": prop("number", "Fill price per share; defaults to the order price"),
				"notes":           prop("string", "Free-form note stored on the order"),
			}, "order_id", "status"),
			Capabilities: []Capability{CapLedgerWrite},
			Handler:      lt.updateOrderStatus,
		},
		{
			Name:         "get_order_details",
			Description:  "Look up one of the current user's orders by order_id.",
			Parameters:   object(map[string]any{"order_id": prop("string", "Order to fetch")}, "order_id"),
			Capabilities: []Capability{CapReadOnly},
			Handler:      lt.getOrderDetails,
		},
		{
			Name:        "get_user_orders",
			Description: "List the current user's orders, newest first.",
			Parameters: object(map[string]any{
				"status": prop("string", "Only orders with this status"),
				"symbol": prop("string", "Only orders for this symbol"),
				"limit":  prop("integer", "Maximum number of orders, default 50"),
			}),
			Capabilities: []Capability{CapReadOnly},
			Handler:      lt.getUserOrders,
		},
		{
			Name:         "get_portfolio_positions",
			Description:  "List the current user's open positions with their value and the portfolio total.",
			Parameters:   object(nil),
			Capabilities: []Capability{CapReadOnly},
			Handler:      lt.getPortfolioPositions,
		},
		{
			Name:        "get_trade_history",
			Description: "List the current user's fills, newest first.",
			Parameters: object(map[string]any{
				"symbol": prop("string", "Only trades for this symbol"),
				"limit":  prop("integer", "Maximum number of trades, default 100"),
			}),
			Capabilities: []Capability{CapReadOnly},
			Handler:      lt.getTradeHistory,
		},
		{
			Name:         "get_database_stats",
			Description:  "Summarise the ledger: orders by status, open positions and total trades.",
			Parameters:   object(nil),
			Capabilities: []Capability{CapReadOnly},
			Handler:      lt.getDatabaseStats,
		},
	} {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

type ledgerTools struct {
	svc *ledger.Service
}

func (lt *ledgerTools) insertOrder(ctx context.Context, scope Scope, args Args) (any, error) {
	const op = "tools.insert_order"

	shares, _, err := args.Int(op, "shares")
	if err != nil {
		return nil, err
	}
	price, _, err := args.Decimal(op, "price")
	if err != nil {
		return nil, err
	}

	return lt.svc.InsertOrder(ctx, ledger.NewOrder{
		UserID:    scope.UserID,
		Symbol:    args.String("symbol"),
		Action:    args.String("action"),
		Shares:    shares,
		Price:     price,
		OrderType: args.String("order_type"),
	})
}

func (lt *ledgerTools) updateOrderStatus(ctx context.Context, scope Scope, args Args) (any, error) {
	const op = "tools.update_order_status"

	upd := ledger.StatusUpdate{
		OrderID: args.String("order_id"),
		UserID:  scope.UserID,
		Status:  args.String("status"),
	}
	price, ok, err := args.Decimal(op, "execution_price")
	if err != nil {
		return nil, err
	}
	if ok {
		upd.ExecutionPrice = &price
	}
	if notes := args.String("notes"); notes != "" {
		upd.Notes = &notes
	}
	return lt.svc.UpdateOrderStatus(ctx, upd)
}

func (lt *ledgerTools) getOrderDetails(ctx context.Context, scope Scope, args Args) (any, error) {
	orderID, err := args.RequireString("tools.get_order_details", "order_id")
	if err != nil {
		return nil, err
	}
	return lt.svc.GetOrderDetails(ctx, orderID, scope.UserID)
}

func (lt *ledgerTools) getUserOrders(ctx context.Context, scope Scope, args Args) (any, error) {
	limit, _, err := args.Int("tools.get_user_orders", "limit")
	if err != nil {
		return nil, err
	}
	orders, err := lt.svc.GetUserOrders(ctx, scope.UserID, ledger.OrderFilter{
		Status: args.String("status"),
		Symbol: args.String("symbol"),
		Limit:  int(limit),
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"orders": orders, "count": len(orders)}, nil
}

func (lt *ledgerTools) getPortfolioPositions(ctx context.Context, scope Scope, _ Args) (any, error) {
	return lt.svc.GetPortfolioPositions(ctx, scope.UserID)
}

func (lt *ledgerTools) getTradeHistory(ctx context.Context, scope Scope, args Args) (any, error) {
	limit, _, err := args.Int("tools.get_trade_history", "limit")
	if err != nil {
		return nil, err
	}
	trades, err := lt.svc.GetTradeHistory(ctx, scope.UserID, ledger.HistoryFilter{
		Symbol: args.String("symbol"),
		Limit:  int(limit),
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"trades": trades, "count": len(trades)}, nil
}

func (lt *ledgerTools) getDatabaseStats(ctx context.Context, _ Scope, _ Args) (any, error) {
	return lt.svc.Stats(ctx)
}

func object(props map[string]any, required ...string) map[string]any {
	if props == nil {
		props = map[string]any{}
	}
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func prop(typ, description string) map[string]any {
	return map[string]any{"type": typ, "description": description}
}

func enum(description string, values ...string) map[string]any {
	return map[string]any{"type": "string", "description": description, "enum": values}
}
