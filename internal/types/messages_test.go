package types

import (
	"encoding/json"
	"testing"
)

func TestToolCall_UnmarshalKeepsNumbers(t *testing.T) {
	var tc ToolCall
	err := json.Unmarshal([]byte(`{"id":"call_1","name":"place_order","args":{"shares":10,"limit_price":150.0}}`), &tc)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	shares, ok := tc.Args["shares"].(json.Number)
	if !ok || shares.String() != "10" {
		t.Errorf("shares = %#v", tc.Args["shares"])
	}
	price, ok := tc.Args["limit_price"].(json.Number)
	if !ok || price.String() != "150.0" {
		t.Errorf("limit_price = %#v", tc.Args["limit_price"])
	}
}

func TestToolCall_UnmarshalNullArgs(t *testing.T) {
	var tc ToolCall
	if err := json.Unmarshal([]byte(`{"id":"c","name":"current_timestamp","args":null}`), &tc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if tc.Args != nil {
		t.Errorf("args = %v, want nil", tc.Args)
	}
}

func TestMessage_HasToolCalls(t *testing.T) {
	calls := []ToolCall{{ID: "1", Name: "x"}}
	if !(Message{Role: RoleAssistant, ToolCalls: calls}).HasToolCalls() {
		t.Error("assistant message with calls")
	}
	if (Message{Role: RoleTool, ToolCalls: calls}).HasToolCalls() {
		t.Error("tool message must not count")
	}
}
