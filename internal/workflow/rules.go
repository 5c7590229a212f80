package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/ksred/nextrade-api/internal/tools"
	"github.com/ksred/nextrade-api/internal/types"
)

// tradePattern matches requests like "buy 10 shares of NVDA at $150".
var tradePattern = regexp.MustCompile(`(?i)\b(buy|sell)\s+(\d+)\s+(?:shares?\s+(?:of\s+)?)?([A-Za-z.]+)(?:\s+at\s+\$?(\d+(?:\.\d+)?))?`)

// RuleModel is a deterministic stand-in for a language model. It routes on
// keywords and turns "buy N shares of X at $P" into a place_order call, which
// is enough to drive the whole approval flow without an external model.
type RuleModel struct{}

func (RuleModel) Generate(_ context.Context, req ModelRequest) (*types.Message, error) {
	if len(req.Messages) == 0 {
		msg := Say("How can I help with your portfolio today?")
		return &msg, nil
	}
	last := req.Messages[len(req.Messages)-1]
	request := latestUserText(req.Messages)

	var msg types.Message
	switch req.Agent {
	case AgentSupervisor:
		msg = supervisorTurn(last, request)
	case AgentPortfolio:
		msg = workerTurn(last, func() types.Message { return portfolioAction(request) })
	case AgentDatabase:
		msg = workerTurn(last, func() types.Message { return databaseAction(request) })
	default:
		msg = workerTurn(last, func() types.Message {
			return Call(toolCall("lookup_stock", map[string]any{"company_name": request}))
		})
	}
	return &msg, nil
}

func supervisorTurn(last types.Message, request string) types.Message {
	switch {
	case last.Role == types.RoleAssistant && last.Name != AgentSupervisor:
		return Say(last.Content)
	case last.Role == types.RoleTool:
		return Say(last.Content)
	}

	lower := strings.ToLower(request)
	switch {
	case tradePattern.MatchString(request):
		return Call(Handoff(newCallID(), AgentPortfolio, request))
	case containsAny(lower, "portfolio", "position", "order", "trade", "history", "stats"):
		return Call(Handoff(newCallID(), AgentDatabase, request))
	case containsAny(lower, "time", "date", "today"):
		return Call(toolCall("current_timestamp", nil))
	}
	return Call(Handoff(newCallID(), AgentResearch, request))
}

// workerTurn acts on a fresh handoff and otherwise reports the last tool
// result back.
func workerTurn(last types.Message, act func() types.Message) types.Message {
	if last.Role == types.RoleTool && !strings.HasPrefix(last.Name, handoffPrefix) {
		return Say(last.Content)
	}
	return act()
}

func portfolioAction(request string) types.Message {
	m := tradePattern.FindStringSubmatch(request)
	if m == nil {
		return Say("Tell me what to trade, for example: buy 10 shares of NVDA at $150.")
	}
	if m[4] == "" {
		return Say(fmt.Sprintf("What limit price should I use to %s %s shares of %s?", strings.ToLower(m[1]), m[2], m[3]))
	}

	symbol := strings.ToUpper(m[3])
	if s, ok := tools.LookupSymbol(m[3]); ok {
		symbol = s
	}
	return Call(toolCall("place_order", map[string]any{
		"symbol":      symbol,
		"action":      strings.ToLower(m[1]),
		"shares":      json.Number(m[2]),
		"limit_price": json.Number(m[4]),
	}))
}

func databaseAction(request string) types.Message {
	lower := strings.ToLower(request)
	switch {
	case containsAny(lower, "trade", "history"):
		return Call(toolCall("get_trade_history", nil))
	case strings.Contains(lower, "stats"):
		return Call(toolCall("get_database_stats", nil))
	case strings.Contains(lower, "order"):
		return Call(toolCall("get_user_orders", nil))
	}
	return Call(toolCall("get_portfolio_positions", nil))
}

func latestUserText(msgs []types.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == types.RoleUser {
			return msgs[i].Content
		}
	}
	return ""
}

func containsAny(s string, words ...string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

func toolCall(name string, args map[string]any) types.ToolCall {
	return types.ToolCall{ID: newCallID(), Name: name, Args: args}
}

func newCallID() string {
	return "call_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:24]
}
