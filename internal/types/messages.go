package types

import (
	"bytes"
	"encoding/json"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// ToolCall is a tool invocation proposed by a model.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// UnmarshalJSON keeps numeric arguments as json.Number so integers and
// decimals stay distinguishable after a round trip through storage.
func (tc *ToolCall) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID   string          `json:"id"`
		Name string          `json:"name"`
		Args json.RawMessage `json:"args"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	tc.ID = raw.ID
	tc.Name = raw.Name
	tc.Args = nil
	if len(raw.Args) == 0 || string(raw.Args) == "null" {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw.Args))
	dec.UseNumber()
	return dec.Decode(&tc.Args)
}

type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"` // agent that produced the message, or tool name
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

func (m Message) HasToolCalls() bool {
	return m.Role == RoleAssistant && len(m.ToolCalls) > 0
}

func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content, CreatedAt: time.Now().UTC()}
}

func ToolMessage(callID, toolName, content string) Message {
	return Message{
		Role:       RoleTool,
		Content:    content,
		Name:       toolName,
		ToolCallID: callID,
		CreatedAt:  time.Now().UTC(),
	}
}
