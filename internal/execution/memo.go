package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ksred/nextrade-api/internal/checkpoint"
)

// OrderMemo is the agents' scratch record of orders per user, separate from
// the ledger. It lives in whatever store it is given; the server hands it a
// memory store so entries last for the process lifetime.
type OrderMemo struct {
	store checkpoint.Store
	now   func() time.Time
}

type MemoEntry struct {
	ID         string          `json:"id"`
	OrderID    string          `json:"order_id,omitempty"`
	Symbol     string          `json:"symbol"`
	Action     string          `json:"action"`
	Shares     int64           `json:"shares"`
	Price      decimal.Decimal `json:"price"`
	Status     string          `json:"status"`
	Note       string          `json:"note,omitempty"`
	RecordedAt time.Time       `json:"recorded_at"`
}

func NewOrderMemo(store checkpoint.Store) *OrderMemo {
	return &OrderMemo{store: store, now: time.Now}
}

func memoNamespace(userID string) string {
	return "ledger:" + userID
}

// Add appends e to the user's memo and returns the stored entry.
func (m *OrderMemo) Add(ctx context.Context, userID string, e MemoEntry) (*MemoEntry, error) {
	if userID == "" {
		return nil, fmt.Errorf("memo: user id is required")
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = m.now().UTC()
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}

	// Keys sort chronologically.
	key := fmt.Sprintf("%020d-%s", e.RecordedAt.UnixNano(), e.ID)
	if err := m.store.Put(ctx, memoNamespace(userID), key, e); err != nil {
		return nil, err
	}
	return &e, nil
}

// List returns the user's memo, oldest first.
func (m *OrderMemo) List(ctx context.Context, userID string) ([]MemoEntry, error) {
	entries, err := m.store.List(ctx, memoNamespace(userID))
	if err != nil {
		return nil, err
	}
	out := make([]MemoEntry, 0, len(entries))
	for _, raw := range entries {
		var e MemoEntry
		if err := raw.Decode(&e); err != nil {
			return nil, fmt.Errorf("memo: decode %s: %w", raw.Key, err)
		}
		out = append(out, e)
	}
	return out, nil
}
