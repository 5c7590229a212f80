package workflow

import (
	"context"
	"fmt"
	"sync"

	"github.com/ksred/nextrade-api/internal/resilience"
	"github.com/ksred/nextrade-api/internal/tools"
	"github.com/ksred/nextrade-api/internal/types"
)

type ModelRequest struct {
	Agent        string
	SystemPrompt string
	Tools        []tools.Spec
	Messages     []types.Message
	UserID       string
}

// Model produces the next assistant message: either a final answer or a set
// of proposed tool calls.
type Model interface {
	Generate(ctx context.Context, req ModelRequest) (*types.Message, error)
}

type ModelFunc func(ctx context.Context, req ModelRequest) (*types.Message, error)

func (f ModelFunc) Generate(ctx context.Context, req ModelRequest) (*types.Message, error) {
	return f(ctx, req)
}

// ResilientModel retries failed calls with backoff behind a circuit breaker.
type ResilientModel struct {
	inner   Model
	retry   resilience.RetryConfig
	breaker *resilience.CircuitBreaker
}

func NewResilientModel(inner Model, retry resilience.RetryConfig, breaker *resilience.CircuitBreaker) *ResilientModel {
	return &ResilientModel{inner: inner, retry: retry, breaker: breaker}
}

func (m *ResilientModel) Generate(ctx context.Context, req ModelRequest) (*types.Message, error) {
	var out *types.Message
	err := m.breaker.Execute(ctx, func(ctx context.Context) error {
		return resilience.Do(ctx, m.retry, "model.Generate", func(ctx context.Context) error {
			msg, err := m.inner.Generate(ctx, req)
			if err != nil {
				return err
			}
			out = msg
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ScriptedModel replays canned messages per agent. Once an agent's queue is
// empty its repeat message, if any, is returned forever.
type ScriptedModel struct {
	mu      sync.Mutex
	queues  map[string][]types.Message
	repeats map[string]types.Message
	calls   []string
}

func NewScriptedModel() *ScriptedModel {
	return &ScriptedModel{
		queues:  make(map[string][]types.Message),
		repeats: make(map[string]types.Message),
	}
}

// On queues messages for agent.
func (m *ScriptedModel) On(agent string, msgs ...types.Message) *ScriptedModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues[agent] = append(m.queues[agent], msgs...)
	return m
}

func (m *ScriptedModel) Repeat(agent string, msg types.Message) *ScriptedModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.repeats[agent] = msg
	return m
}

// Calls returns the agents the model was asked to speak for, in order.
func (m *ScriptedModel) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *ScriptedModel) Generate(_ context.Context, req ModelRequest) (*types.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, req.Agent)
	if q := m.queues[req.Agent]; len(q) > 0 {
		msg := q[0]
		m.queues[req.Agent] = q[1:]
		return &msg, nil
	}
	if msg, ok := m.repeats[req.Agent]; ok {
		return &msg, nil
	}
	return nil, resilience.Permanent(fmt.Errorf("script exhausted for agent %s", req.Agent))
}

// Say builds a final assistant message.
func Say(content string) types.Message {
	return types.Message{Role: types.RoleAssistant, Content: content}
}

// Call builds an assistant message proposing tool calls.
func Call(calls ...types.ToolCall) types.Message {
	return types.Message{Role: types.RoleAssistant, ToolCalls: calls}
}

// Handoff builds a tool call transferring control to agent.
func Handoff(id, agent, instructions string) types.ToolCall {
	return types.ToolCall{ID: id, Name: HandoffTool(agent), Args: map[string]any{"instructions": instructions}}
}
