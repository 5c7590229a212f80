// Package events publishes ledger fills to downstream consumers.
package events

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Fill describes an order that transitioned to filled.
type Fill struct {
	OrderID     string          `json:"order_id"`
	UserID      string          `json:"user_id"`
	Symbol      string          `json:"symbol"`
	Action      string          `json:"action"`
	Shares      int64           `json:"shares"`
	Price       decimal.Decimal `json:"price"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	FilledAt    time.Time       `json:"filled_at"`
}

type Publisher interface {
	PublishFill(ctx context.Context, fill Fill) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) PublishFill(context.Context, Fill) error { return nil }
