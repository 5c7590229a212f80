package ledger

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	ActionBuy  = "buy"
	ActionSell = "sell"

	OrderTypeMarket = "market"
	OrderTypeLimit  = "limit"
	OrderTypeStop   = "stop"

	StatusPending   = "pending"
	StatusFilled    = "filled"
	StatusCancelled = "cancelled"
	StatusRejected  = "rejected"
)

type Order struct {
	ID             uint                `gorm:"primaryKey" json:"-"`
	OrderID        string              `gorm:"uniqueIndex;not null" json:"order_id"`
	UserID         string              `gorm:"index;not null" json:"user_id"`
	Symbol         string              `gorm:"not null" json:"symbol"`
	Action         string              `gorm:"not null" json:"action"` // buy or sell
	Shares         int64               `gorm:"not null" json:"shares"`
	Price          decimal.Decimal     `gorm:"type:text;not null" json:"price"`
	TotalAmount    decimal.Decimal     `gorm:"type:text;not null" json:"total_amount"`
	OrderType      string              `gorm:"not null;default:limit" json:"order_type"` // market, limit or stop
	Status         string              `gorm:"not null;default:pending" json:"status"`   // pending, filled, cancelled, rejected
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
	ExecutionPrice decimal.NullDecimal `gorm:"type:text" json:"execution_price"`
	ExecutionTime  *time.Time          `json:"execution_time"`
	Notes          *string             `json:"notes"`
}

func (Order) TableName() string { return "orders" }

type Position struct {
	ID           uint            `gorm:"primaryKey" json:"-"`
	UserID       string          `gorm:"uniqueIndex:idx_portfolio_positions_user_symbol;not null" json:"user_id"`
	Symbol       string          `gorm:"uniqueIndex:idx_portfolio_positions_user_symbol;not null" json:"symbol"`
	Shares       int64           `gorm:"not null" json:"shares"`
	AveragePrice decimal.Decimal `gorm:"type:text;not null" json:"average_price"`
	LastUpdated  time.Time       `gorm:"autoUpdateTime" json:"last_updated"`
	TotalValue   decimal.Decimal `gorm:"-" json:"total_value"`
}

func (Position) TableName() string { return "portfolio_positions" }

type TradeHistoryEntry struct {
	ID          uint            `gorm:"primaryKey" json:"-"`
	OrderID     string          `gorm:"index;not null" json:"order_id"`
	UserID      string          `gorm:"not null" json:"user_id"`
	Symbol      string          `gorm:"not null" json:"symbol"`
	Action      string          `gorm:"not null" json:"action"`
	Shares      int64           `gorm:"not null" json:"shares"`
	Price       decimal.Decimal `gorm:"type:text;not null" json:"price"`
	TotalAmount decimal.Decimal `gorm:"type:text;not null" json:"total_amount"`
	Timestamp   time.Time       `gorm:"autoCreateTime" json:"timestamp"`
	Commission  decimal.Decimal `gorm:"type:text;not null;default:0" json:"commission"`
}

func (TradeHistoryEntry) TableName() string { return "trade_history" }

// NewOrder holds the caller-supplied fields of an order before insertion.
type NewOrder struct {
	UserID    string          `json:"user_id"`
	Symbol    string          `json:"symbol"`
	Action    string          `json:"action"`
	Shares    int64           `json:"shares"`
	Price     decimal.Decimal `json:"price"`
	OrderType string          `json:"order_type"`
}

type StatusUpdate struct {
	OrderID        string           `json:"order_id"`
	UserID         string           `json:"user_id"`
	Status         string           `json:"status"`
	ExecutionPrice *decimal.Decimal `json:"execution_price,omitempty"`
	Notes          *string          `json:"notes,omitempty"`
}

type OrderUpdateResult struct {
	OrderID        string              `json:"order_id"`
	Status         string              `json:"status"`
	UpdatedAt      time.Time           `json:"updated_at"`
	ExecutionPrice decimal.NullDecimal `json:"execution_price"`
	Message        string              `json:"message"`
}

type OrderFilter struct {
	Status string
	Symbol string
	Limit  int
}

type HistoryFilter struct {
	Symbol string
	Limit  int
}

type Portfolio struct {
	UserID              string          `json:"user_id"`
	Positions           []Position      `json:"positions"`
	TotalPositions      int             `json:"total_positions"`
	TotalPortfolioValue decimal.Decimal `json:"total_portfolio_value"`
}

type Stats struct {
	OrdersByStatus map[string]int64 `json:"orders_by_status"`
	TotalPositions int64            `json:"total_positions"`
	TotalTrades    int64            `json:"total_trades"`
}

// AutoMigrate creates or updates the ledger tables. Safe to call repeatedly.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Order{}, &Position{}, &TradeHistoryEntry{})
}
