// Package execution simulates order execution: an approved order is written
// to the ledger and filled at its limit price straight away.
package execution

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/nextrade-api/internal/checkpoint"
	"github.com/ksred/nextrade-api/internal/ledger"
)

const executionsNamespace = "executions"

type Executor struct {
	ledger *ledger.Service
	memo   *OrderMemo
	// records maps idempotency keys to earlier results so a redelivered
	// approval never fills twice.
	records checkpoint.Store
}

func NewExecutor(ledgerSvc *ledger.Service, memo *OrderMemo, records checkpoint.Store) *Executor {
	return &Executor{
		ledger:  ledgerSvc,
		memo:    memo,
		records: records,
	}
}

type PlaceOrderRequest struct {
	UserID     string
	Symbol     string
	Action     string
	Shares     int64
	LimitPrice decimal.Decimal
	// IdempotencyKey is usually the thread and tool call id.
	IdempotencyKey string
}

type PlaceOrderResult struct {
	Order   *ledger.Order `json:"order"`
	Message string        `json:"message"`
}

// PlaceOrder inserts the order, fills it at the limit price and notes it in
// the user's memo.
func (e *Executor) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*PlaceOrderResult, error) {
	logger := log.With().
		Str("user_id", req.UserID).
		Str("symbol", req.Symbol).
		Str("idempotency_key", req.IdempotencyKey).
		Logger()

	if req.IdempotencyKey != "" {
		var prior PlaceOrderResult
		ok, err := e.records.Get(ctx, executionsNamespace, req.IdempotencyKey, &prior)
		if err != nil {
			return nil, fmt.Errorf("failed to read execution record: %w", err)
		}
		if ok {
			logger.Info().Str("order_id", prior.Order.OrderID).Msg("returning previous execution for idempotency key")
			return &prior, nil
		}
	}

	order, err := e.ledger.InsertOrder(ctx, ledger.NewOrder{
		UserID:    req.UserID,
		Symbol:    req.Symbol,
		Action:    req.Action,
		Shares:    req.Shares,
		Price:     req.LimitPrice,
		OrderType: ledger.OrderTypeLimit,
	})
	if err != nil {
		return nil, err
	}

	note := "Simulated execution at limit price"
	price := order.Price
	if _, err := e.ledger.UpdateOrderStatus(ctx, ledger.StatusUpdate{
		OrderID:        order.OrderID,
		UserID:         order.UserID,
		Status:         ledger.StatusFilled,
		ExecutionPrice: &price,
		Notes:          &note,
	}); err != nil {
		logger.Error().Err(err).Str("order_id", order.OrderID).Msg("fill failed, rejecting order")
		e.reject(ctx, order, err)
		return nil, err
	}

	filled, err := e.ledger.GetOrderDetails(ctx, order.OrderID, order.UserID)
	if err != nil {
		return nil, err
	}

	if _, err := e.memo.Add(ctx, req.UserID, MemoEntry{
		OrderID: filled.OrderID,
		Symbol:  filled.Symbol,
		Action:  filled.Action,
		Shares:  filled.Shares,
		Price:   price,
		Status:  filled.Status,
	}); err != nil {
		logger.Warn().Err(err).Msg("failed to record order in memo")
	}

	result := &PlaceOrderResult{
		Order: filled,
		Message: fmt.Sprintf("Order executed: %s %d shares of %s at $%s (order %s)",
			filled.Action, filled.Shares, filled.Symbol, price.StringFixed(2), filled.OrderID),
	}

	if req.IdempotencyKey != "" {
		if err := e.records.Put(ctx, executionsNamespace, req.IdempotencyKey, result); err != nil {
			logger.Warn().Err(err).Msg("failed to store execution record")
		}
	}

	logger.Info().Str("order_id", filled.OrderID).Msg("order executed")
	return result, nil
}

func (e *Executor) reject(ctx context.Context, order *ledger.Order, cause error) {
	note := "Execution failed: " + cause.Error()
	_, err := e.ledger.UpdateOrderStatus(ctx, ledger.StatusUpdate{
		OrderID: order.OrderID,
		UserID:  order.UserID,
		Status:  ledger.StatusRejected,
		Notes:   &note,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Str("order_id", order.OrderID).Msg("failed to mark order rejected")
	}
}
