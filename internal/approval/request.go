package approval

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ksred/nextrade-api/internal/types"
)

// Request is the payload shown to the operator while a call is suspended.
type Request struct {
	Awaiting        string         `json:"awaiting"`
	Args            map[string]any `json:"args"`
	ApprovalDetails Details        `json:"approval_details"`
	Message         string         `json:"message"`
}

type Details struct {
	ToolName     string      `json:"tool_name"`
	Symbol       string      `json:"symbol"`
	Action       string      `json:"action"`
	Shares       json.Number `json:"shares"`
	LimitPrice   json.Number `json:"limit_price"`
	TotalCost    json.Number `json:"total_cost"`
	OrderDetails string      `json:"order_details"`
}

const unknown = "Unknown"

// BuildRequest derives the approval request from the call alone. Missing or
// malformed arguments fall back to "Unknown" and 0 so a prompt can always be
// rendered.
func BuildRequest(call types.ToolCall) Request {
	symbol := argText(call.Args, "symbol")
	action := strings.ToUpper(argText(call.Args, "action"))
	shares := argNumber(call.Args, "shares")
	limit := argNumber(call.Args, "limit_price")

	total := number{}
	if !shares.isZero() && !limit.isZero() {
		total = number{
			value:   shares.value.Mul(limit.value).Round(2),
			isFloat: shares.isFloat || limit.isFloat,
		}
	}

	orderDetails := fmt.Sprintf("%s %s shares of %s at $%s per share (Total: $%s)",
		action, shares, symbol, limit, total)

	return Request{
		Awaiting: call.Name,
		Args:     call.Args,
		ApprovalDetails: Details{
			ToolName:     call.Name,
			Symbol:       symbol,
			Action:       action,
			Shares:       json.Number(shares.String()),
			LimitPrice:   json.Number(limit.String()),
			TotalCost:    json.Number(total.String()),
			OrderDetails: orderDetails,
		},
		Message: fmt.Sprintf("Do you approve this trading action: %s?", orderDetails),
	}
}

func argText(args map[string]any, key string) string {
	v, ok := args[key]
	if !ok || v == nil {
		return unknown
	}
	s := strings.TrimSpace(fmt.Sprint(v))
	if s == "" {
		return unknown
	}
	return s
}

// number remembers whether the model sent an integer or a decimal literal so
// the prompt echoes it back the same way: 10 stays "10", 150.0 stays "150.0".
type number struct {
	value   decimal.Decimal
	isFloat bool
}

func (n number) isZero() bool { return n.value.IsZero() }

func (n number) String() string {
	if !n.isFloat {
		return n.value.Truncate(0).String()
	}
	s := n.value.String()
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

func argNumber(args map[string]any, key string) number {
	switch v := args[key].(type) {
	case int:
		return number{value: decimal.NewFromInt(int64(v))}
	case int32:
		return number{value: decimal.NewFromInt32(v)}
	case int64:
		return number{value: decimal.NewFromInt(v)}
	case float32:
		return number{value: decimal.NewFromFloat32(v), isFloat: true}
	case float64:
		return number{value: decimal.NewFromFloat(v), isFloat: true}
	case json.Number:
		return parseNumber(v.String())
	case string:
		return parseNumber(strings.TrimSpace(v))
	}
	return number{}
}

func parseNumber(s string) number {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return number{value: decimal.NewFromInt(i)}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return number{}
	}
	return number{value: d, isFloat: true}
}
