package workflow

import (
	"fmt"
	"strings"

	"github.com/ksred/nextrade-api/internal/tools"
)

const (
	AgentSupervisor = "supervisor"
	AgentResearch   = "research"
	AgentPortfolio  = "portfolio"
	AgentDatabase   = "database"
)

const handoffPrefix = "transfer_to_"

// Agent is one participant in a thread: a system prompt plus the tools it
// may call.
type Agent struct {
	Name   string
	Prompt string
	Tools  []string
	// Handoffs lists the agents this one may transfer control to.
	Handoffs []string
}

func DefaultAgents() []Agent {
	return []Agent{
		{
			Name: AgentSupervisor,
			Prompt: "You coordinate a team of financial assistants. Route research questions to research, " +
				"stock analysis and trading to portfolio, and order or portfolio records to database. " +
				"Make one transfer per request and answer the user once the work is done.",
			Tools:    []string{"current_timestamp"},
			Handoffs: []string{AgentResearch, AgentPortfolio, AgentDatabase},
		},
		{
			Name: AgentResearch,
			Prompt: "You research companies and investment ideas. Report findings concisely; " +
				"you never place orders.",
			Tools: []string{"lookup_stock", "current_timestamp"},
		},
		{
			Name: AgentPortfolio,
			Prompt: "You analyse stocks and execute trades. Compute the share count before calling place_order; " +
				"every order is reviewed by a human before it executes.",
			Tools: []string{"lookup_stock", "place_order", "add_order_to_history", "get_order_history"},
		},
		{
			Name: AgentDatabase,
			Prompt: "You manage the user's order records, portfolio positions and trade history. " +
				"Always use the tools; never invent records.",
			Tools: []string{
				"insert_order", "update_order_status", "get_order_details", "get_user_orders",
				"get_portfolio_positions", "get_trade_history", "get_database_stats",
			},
		},
	}
}

// HandoffTool is the name of the tool that transfers control to agent.
func HandoffTool(agent string) string {
	return handoffPrefix + strings.ReplaceAll(strings.ToLower(agent), " ", "_")
}

// handoffTarget returns the agent a tool call transfers to, if it is a handoff.
func handoffTarget(toolName string) (string, bool) {
	if !strings.HasPrefix(toolName, handoffPrefix) {
		return "", false
	}
	target := strings.TrimPrefix(toolName, handoffPrefix)
	return target, target != ""
}

func handoffSpec(agent string) tools.Spec {
	return tools.Spec{
		Name:        HandoffTool(agent),
		Description: fmt.Sprintf("Transfer to the %s agent with clear task instructions.", agent),
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"instructions": map[string]any{"type": "string", "description": "Specific task instructions for the agent"},
			},
			"required": []string{"instructions"},
		},
	}
}

func handoffText(agent, instructions string) string {
	return fmt.Sprintf("Successfully transferred to %s.\nTask instructions: %s", agent, instructions)
}
