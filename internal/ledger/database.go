package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// errNotPending is returned when a status update targets an order that has
// already left the pending state.
var errNotPending = errors.New("order is not pending")

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateOrder(ctx context.Context, order *Order) error {
	return d.db.WithContext(ctx).Create(order).Error
}

func (d *Database) GetOrder(ctx context.Context, orderID, userID string) (*Order, error) {
	var order Order
	if err := d.db.WithContext(ctx).
		Where("order_id = ? AND user_id = ?", orderID, userID).
		First(&order).Error; err != nil {
		return nil, err
	}
	return &order, nil
}

func (d *Database) ListOrders(ctx context.Context, userID string, filter OrderFilter) ([]Order, error) {
	q := d.db.WithContext(ctx).Where("user_id = ?", userID)
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Symbol != "" {
		q = q.Where("symbol = ?", filter.Symbol)
	}

	orders := []Order{}
	err := q.Order("created_at DESC").Order("id DESC").Limit(filter.Limit).Find(&orders).Error
	return orders, err
}

func (d *Database) ListPositions(ctx context.Context, userID string) ([]Position, error) {
	positions := []Position{}
	err := d.db.WithContext(ctx).
		Where("user_id = ? AND shares > 0", userID).
		Order("symbol ASC").
		Find(&positions).Error
	return positions, err
}

func (d *Database) ListTrades(ctx context.Context, userID string, filter HistoryFilter) ([]TradeHistoryEntry, error) {
	q := d.db.WithContext(ctx).Where("user_id = ?", userID)
	if filter.Symbol != "" {
		q = q.Where("symbol = ?", filter.Symbol)
	}

	trades := []TradeHistoryEntry{}
	err := q.Order("timestamp DESC").Order("id DESC").Limit(filter.Limit).Find(&trades).Error
	return trades, err
}

// ApplyStatusUpdate moves a pending order to its new status and, for fills,
// appends the trade history entry and recomputes the position, all in one
// transaction. The order row is claimed first with a conditional update so
// the write lock is held before the position is read.
func (d *Database) ApplyStatusUpdate(ctx context.Context, upd StatusUpdate, now time.Time) (*Order, error) {
	tx := d.db.WithContext(ctx).Begin()
	if err := tx.Error; err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	changes := map[string]interface{}{
		"status":     upd.Status,
		"updated_at": now,
	}
	if upd.ExecutionPrice != nil {
		changes["execution_price"] = *upd.ExecutionPrice
		changes["execution_time"] = now
	}
	if upd.Notes != nil {
		changes["notes"] = *upd.Notes
	}

	res := tx.Model(&Order{}).
		Where("order_id = ? AND user_id = ? AND status = ?", upd.OrderID, upd.UserID, StatusPending).
		Updates(changes)
	if res.Error != nil {
		tx.Rollback()
		return nil, res.Error
	}

	var order Order
	if err := tx.Where("order_id = ? AND user_id = ?", upd.OrderID, upd.UserID).First(&order).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if res.RowsAffected == 0 {
		tx.Rollback()
		return &order, errNotPending
	}

	if order.Status == StatusFilled {
		if err := recordFill(tx, &order, upd.ExecutionPrice, now); err != nil {
			tx.Rollback()
			return nil, err
		}
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &order, nil
}

func recordFill(tx *gorm.DB, order *Order, executionPrice *decimal.Decimal, now time.Time) error {
	price := order.Price
	if executionPrice != nil {
		price = *executionPrice
	}

	entry := TradeHistoryEntry{
		OrderID:     order.OrderID,
		UserID:      order.UserID,
		Symbol:      order.Symbol,
		Action:      order.Action,
		Shares:      order.Shares,
		Price:       price,
		TotalAmount: order.TotalAmount,
		Timestamp:   now,
		Commission:  decimal.Zero,
	}
	if err := tx.Create(&entry).Error; err != nil {
		return err
	}

	switch order.Action {
	case ActionBuy:
		return applyBuy(tx, order, now)
	case ActionSell:
		return applySell(tx, order, now)
	}
	return nil
}

func applyBuy(tx *gorm.DB, order *Order, now time.Time) error {
	var pos Position
	err := tx.Where("user_id = ? AND symbol = ?", order.UserID, order.Symbol).First(&pos).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		pos = Position{
			UserID:       order.UserID,
			Symbol:       order.Symbol,
			Shares:       order.Shares,
			AveragePrice: order.TotalAmount.Div(decimal.NewFromInt(order.Shares)),
			LastUpdated:  now,
		}
		return tx.Create(&pos).Error
	}
	if err != nil {
		return err
	}

	newShares := pos.Shares + order.Shares
	cost := decimal.NewFromInt(pos.Shares).Mul(pos.AveragePrice).Add(order.TotalAmount)
	pos.AveragePrice = cost.Div(decimal.NewFromInt(newShares))
	pos.Shares = newShares
	pos.LastUpdated = now
	return tx.Save(&pos).Error
}

// applySell leaves the average price untouched and drops the row once the
// position is flat or short.
func applySell(tx *gorm.DB, order *Order, now time.Time) error {
	var pos Position
	err := tx.Where("user_id = ? AND symbol = ?", order.UserID, order.Symbol).First(&pos).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	pos.Shares -= order.Shares
	if pos.Shares <= 0 {
		return tx.Delete(&pos).Error
	}
	pos.LastUpdated = now
	return tx.Save(&pos).Error
}

type statusCount struct {
	Status string
	Count  int64
}

func (d *Database) CountOrdersByStatus(ctx context.Context) ([]statusCount, error) {
	var rows []statusCount
	err := d.db.WithContext(ctx).Model(&Order{}).
		Select("status, count(*) AS count").
		Group("status").
		Scan(&rows).Error
	return rows, err
}

func (d *Database) CountPositions(ctx context.Context) (int64, error) {
	var n int64
	err := d.db.WithContext(ctx).Model(&Position{}).Count(&n).Error
	return n, err
}

func (d *Database) CountTrades(ctx context.Context) (int64, error) {
	var n int64
	err := d.db.WithContext(ctx).Model(&TradeHistoryEntry{}).Count(&n).Error
	return n, err
}
