package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/nextrade-api/internal/apperr"
	"github.com/ksred/nextrade-api/internal/events"
	"github.com/ksred/nextrade-api/pkg/response"
)

const (
	DefaultOrderLimit   = 50
	DefaultHistoryLimit = 100
)

// Service owns orders, positions and trade history. It is the only writer of
// the three ledger tables.
type Service struct {
	db        *Database
	publisher events.Publisher
	now       func() time.Time
}

type Option func(*Service)

// WithPublisher sends every committed fill to p.
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a new ledger service with the given database connection
func NewService(gormDB *gorm.DB, opts ...Option) *Service {
	s := &Service{
		db:        NewDatabase(gormDB),
		publisher: events.Nop{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InsertOrder validates and stores a new pending order.
func (s *Service) InsertOrder(ctx context.Context, req NewOrder) (*Order, error) {
	const op = "ledger.InsertOrder"

	order, err := normalizeOrder(op, req)
	if err != nil {
		return nil, err
	}

	logger := log.With().
		Str("order_id", order.OrderID).
		Str("user_id", order.UserID).
		Str("symbol", order.Symbol).
		Logger()
	logger.Debug().
		Str("action", order.Action).
		Int64("shares", order.Shares).
		Str("price", order.Price.String()).
		Msg("inserting order")

	if err := s.db.CreateOrder(ctx, order); err != nil {
		logger.Error().Err(err).Msg("failed to insert order")
		return nil, apperr.Database(op, "INSERT INTO orders", err)
	}

	logger.Info().Str("total_amount", order.TotalAmount.String()).Msg("order inserted")
	return order, nil
}

func normalizeOrder(op string, req NewOrder) (*Order, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, apperr.Validation(op, "user_id", "must not be empty", req.UserID)
	}
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if symbol == "" {
		return nil, apperr.Validation(op, "symbol", "must not be empty", req.Symbol)
	}

	action := strings.ToLower(strings.TrimSpace(req.Action))
	if action != ActionBuy && action != ActionSell {
		return nil, apperr.Validation(op, "action", "must be buy or sell", req.Action)
	}

	orderType := strings.ToLower(strings.TrimSpace(req.OrderType))
	switch orderType {
	case "":
		orderType = OrderTypeLimit
	case OrderTypeMarket, OrderTypeLimit, OrderTypeStop:
	default:
		return nil, apperr.Validation(op, "order_type", "must be market, limit or stop", req.OrderType)
	}

	if req.Shares <= 0 {
		return nil, apperr.Validation(op, "shares", "must be positive", req.Shares)
	}
	if !req.Price.IsPositive() {
		return nil, apperr.Validation(op, "price", "must be positive", req.Price.String())
	}

	return &Order{
		OrderID:     uuid.New().String(),
		UserID:      userID,
		Symbol:      symbol,
		Action:      action,
		Shares:      req.Shares,
		Price:       req.Price,
		TotalAmount: req.Price.Mul(decimal.NewFromInt(req.Shares)),
		OrderType:   orderType,
		Status:      StatusPending,
	}, nil
}

// UpdateOrderStatus transitions a pending order. Fills append a trade history
// entry and recompute the position in the same transaction.
func (s *Service) UpdateOrderStatus(ctx context.Context, upd StatusUpdate) (*OrderUpdateResult, error) {
	const op = "ledger.UpdateOrderStatus"

	upd.Status = strings.ToLower(strings.TrimSpace(upd.Status))
	switch upd.Status {
	case StatusFilled, StatusCancelled, StatusRejected:
	default:
		return nil, apperr.Validation(op, "status", "must be filled, cancelled or rejected", upd.Status)
	}
	if upd.OrderID == "" {
		return nil, apperr.Validation(op, "order_id", "must not be empty", upd.OrderID)
	}
	if upd.ExecutionPrice != nil && !upd.ExecutionPrice.IsPositive() {
		return nil, apperr.Validation(op, "execution_price", "must be positive", upd.ExecutionPrice.String())
	}

	logger := log.With().
		Str("order_id", upd.OrderID).
		Str("user_id", upd.UserID).
		Str("status", upd.Status).
		Logger()
	logger.Debug().Msg("updating order status")

	order, err := s.db.ApplyStatusUpdate(ctx, upd, s.now())
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, apperr.NotFound(op, "order", upd.OrderID)
	case errors.Is(err, errNotPending):
		return nil, apperr.Validation(op, "status", "order is already "+order.Status, upd.Status).
			With("order_id", order.OrderID)
	case err != nil:
		logger.Error().Err(err).Msg("failed to update order status")
		return nil, apperr.Database(op, "UPDATE orders SET status", err)
	}

	logger.Info().Msg("order status updated")

	if order.Status == StatusFilled {
		s.publishFill(ctx, order)
	}

	return &OrderUpdateResult{
		OrderID:        order.OrderID,
		Status:         order.Status,
		UpdatedAt:      order.UpdatedAt,
		ExecutionPrice: order.ExecutionPrice,
		Message:        fmt.Sprintf("Order %s updated to %s", order.OrderID, order.Status),
	}, nil
}

func (s *Service) publishFill(ctx context.Context, order *Order) {
	price := order.Price
	if order.ExecutionPrice.Valid {
		price = order.ExecutionPrice.Decimal
	}
	fill := events.Fill{
		OrderID:     order.OrderID,
		UserID:      order.UserID,
		Symbol:      order.Symbol,
		Action:      order.Action,
		Shares:      order.Shares,
		Price:       price,
		TotalAmount: order.TotalAmount,
		FilledAt:    order.UpdatedAt,
	}
	if err := s.publisher.PublishFill(ctx, fill); err != nil {
		log.Warn().Err(err).Str("order_id", order.OrderID).Msg("failed to publish fill event")
	}
}

// GetOrderDetails looks an order up within the user's own orders.
func (s *Service) GetOrderDetails(ctx context.Context, orderID, userID string) (*Order, error) {
	const op = "ledger.GetOrderDetails"

	order, err := s.db.GetOrder(ctx, orderID, userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound(op, "order", orderID)
	}
	if err != nil {
		return nil, apperr.Database(op, "SELECT FROM orders WHERE order_id", err)
	}
	return order, nil
}

// GetUserOrders lists the user's orders, newest first.
func (s *Service) GetUserOrders(ctx context.Context, userID string, filter OrderFilter) ([]Order, error) {
	if filter.Limit <= 0 {
		filter.Limit = DefaultOrderLimit
	}
	filter.Status = strings.ToLower(strings.TrimSpace(filter.Status))
	filter.Symbol = strings.ToUpper(strings.TrimSpace(filter.Symbol))

	orders, err := s.db.ListOrders(ctx, userID, filter)
	if err != nil {
		return nil, apperr.Database("ledger.GetUserOrders", "SELECT FROM orders WHERE user_id", err)
	}
	return orders, nil
}

func (s *Service) GetPortfolioPositions(ctx context.Context, userID string) (*Portfolio, error) {
	positions, err := s.db.ListPositions(ctx, userID)
	if err != nil {
		return nil, apperr.Database("ledger.GetPortfolioPositions", "SELECT FROM portfolio_positions", err)
	}

	total := decimal.Zero
	for i := range positions {
		positions[i].TotalValue = positions[i].AveragePrice.Mul(decimal.NewFromInt(positions[i].Shares))
		total = total.Add(positions[i].TotalValue)
	}

	return &Portfolio{
		UserID:              userID,
		Positions:           positions,
		TotalPositions:      len(positions),
		TotalPortfolioValue: total.Round(2),
	}, nil
}

// GetTradeHistory lists fills, newest first.
func (s *Service) GetTradeHistory(ctx context.Context, userID string, filter HistoryFilter) ([]TradeHistoryEntry, error) {
	if filter.Limit <= 0 {
		filter.Limit = DefaultHistoryLimit
	}
	filter.Symbol = strings.ToUpper(strings.TrimSpace(filter.Symbol))

	trades, err := s.db.ListTrades(ctx, userID, filter)
	if err != nil {
		return nil, apperr.Database("ledger.GetTradeHistory", "SELECT FROM trade_history", err)
	}
	return trades, nil
}

// Stats summarises the whole ledger across users.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	const op = "ledger.Stats"

	rows, err := s.db.CountOrdersByStatus(ctx)
	if err != nil {
		return nil, apperr.Database(op, "SELECT status, count(*) FROM orders", err)
	}
	stats := &Stats{OrdersByStatus: make(map[string]int64, len(rows))}
	for _, r := range rows {
		stats.OrdersByStatus[r.Status] = r.Count
	}

	if stats.TotalPositions, err = s.db.CountPositions(ctx); err != nil {
		return nil, apperr.Database(op, "SELECT count(*) FROM portfolio_positions", err)
	}
	if stats.TotalTrades, err = s.db.CountTrades(ctx); err != nil {
		return nil, apperr.Database(op, "SELECT count(*) FROM trade_history", err)
	}
	return stats, nil
}

// GinHandlers contains HTTP handlers for ledger endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// GetPortfolioHandler handles GET /portfolio for the authenticated user
func (h *GinHandlers) GetPortfolioHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		portfolio, err := h.service.GetPortfolioPositions(c.Request.Context(), c.GetString("userID"))
		response.Handle(c, portfolio, err)
	}
}

// ListOrdersHandler handles GET /orders
// Query parameters: status, symbol, limit
func (h *GinHandlers) ListOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, err := queryLimit(c)
		if err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		orders, err := h.service.GetUserOrders(c.Request.Context(), c.GetString("userID"), OrderFilter{
			Status: c.Query("status"),
			Symbol: c.Query("symbol"),
			Limit:  limit,
		})
		response.Handle(c, gin.H{"orders": orders, "count": len(orders)}, err)
	}
}

// GetOrderHandler handles GET /orders/:order_id
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID := c.Param("order_id")
		if orderID == "" {
			response.BadRequest(c, "Order ID is required")
			return
		}

		order, err := h.service.GetOrderDetails(c.Request.Context(), orderID, c.GetString("userID"))
		response.Handle(c, order, err)
	}
}

// ListTradesHandler handles GET /trades
// Query parameters: symbol, limit
func (h *GinHandlers) ListTradesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, err := queryLimit(c)
		if err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		trades, err := h.service.GetTradeHistory(c.Request.Context(), c.GetString("userID"), HistoryFilter{
			Symbol: c.Query("symbol"),
			Limit:  limit,
		})
		response.Handle(c, gin.H{"trades": trades, "count": len(trades)}, err)
	}
}

func (h *GinHandlers) StatsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := h.service.Stats(c.Request.Context())
		response.Handle(c, stats, err)
	}
}

func queryLimit(c *gin.Context) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, fmt.Errorf("limit must be a non-negative integer")
	}
	return limit, nil
}
