// Package tools holds the named, schema-described operations agents can call.
// Each tool carries capability tags; the approval gate asks the registry
// whether a tool is tagged requires_approval instead of keeping its own list.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/ksred/nextrade-api/internal/apperr"
	"github.com/ksred/nextrade-api/internal/types"
)

type Capability string

const (
	CapRequiresApproval Capability = "requires_approval"
	CapReadOnly         Capability = "read_only"
	CapLedgerWrite      Capability = "ledger_write"
)

// Scope identifies who a tool runs for. It always comes from the caller,
// never from the tool arguments.
type Scope struct {
	ThreadID string
	UserID   string
	CallID   string
}

type Handler func(ctx context.Context, scope Scope, args Args) (any, error)

type Tool struct {
	Name         string
	Description  string
	Parameters   map[string]any
	Capabilities []Capability
	Handler      Handler
}

// Spec is the part of a tool a model sees.
type Spec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
	caps  map[string]map[Capability]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]*Tool),
		caps:  make(map[string]map[Capability]struct{}),
	}
}

func (r *Registry) Register(t Tool) error {
	if t.Name == "" || t.Handler == nil {
		return fmt.Errorf("tool must have a name and a handler")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("tool %s already registered", t.Name)
	}
	r.tools[t.Name] = &t
	r.caps[t.Name] = make(map[Capability]struct{}, len(t.Capabilities))
	for _, c := range t.Capabilities {
		r.caps[t.Name][c] = struct{}{}
	}
	return nil
}

// Tag adds capabilities to a registered tool, typically from configuration.
func (r *Registry) Tag(name string, caps ...Capability) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.caps[name]
	if !ok {
		return fmt.Errorf("tool %s is not registered", name)
	}
	for _, c := range caps {
		set[c] = struct{}{}
	}
	return nil
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

func (r *Registry) HasCapability(name string, c Capability) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.caps[name][c]
	return ok
}

// RequiresApproval makes the registry an approval.Policy.
func (r *Registry) RequiresApproval(name string) bool {
	return r.HasCapability(name, CapRequiresApproval)
}

// Specs returns the named tools, or every tool sorted by name when names is
// empty. Unknown names are skipped.
func (r *Registry) Specs(names ...string) []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(names) == 0 {
		for name := range r.tools {
			names = append(names, name)
		}
		sort.Strings(names)
	}

	specs := make([]Spec, 0, len(names))
	for _, name := range names {
		t, ok := r.tools[name]
		if !ok {
			continue
		}
		specs = append(specs, Spec{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
	}
	return specs
}

// Execute runs call and renders the result as a tool message addressed to the
// call id. Failures become {"error": {...}} content rather than Go errors so
// the conversation can continue.
func (r *Registry) Execute(ctx context.Context, scope Scope, call types.ToolCall) types.Message {
	r.mu.RLock()
	t, ok := r.tools[call.Name]
	r.mu.RUnlock()

	scope.CallID = call.ID
	logger := log.With().
		Str("tool", call.Name).
		Str("tool_call_id", call.ID).
		Str("thread_id", scope.ThreadID).
		Str("user_id", scope.UserID).
		Logger()

	if !ok {
		err := apperr.New(apperr.KindValidation, "tools.Execute", "unknown tool").With("tool", call.Name)
		logger.Warn().Msg("unknown tool requested")
		return types.ToolMessage(call.ID, call.Name, errorContent(err))
	}

	result, err := t.Handler(ctx, scope, Args(call.Args))
	if err != nil {
		logger.Warn().Err(err).Msg("tool failed")
		return types.ToolMessage(call.ID, call.Name, errorContent(err))
	}

	content, err := render(result)
	if err != nil {
		logger.Error().Err(err).Msg("failed to encode tool result")
		return types.ToolMessage(call.ID, call.Name, errorContent(err))
	}
	logger.Debug().Msg("tool executed")
	return types.ToolMessage(call.ID, call.Name, content)
}

func render(result any) (string, error) {
	if s, ok := result.(string); ok {
		return s, nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func errorContent(err error) string {
	explanation := map[string]any{
		"error_type": "internal_error",
		"message":    err.Error(),
		"details":    map[string]any{},
	}
	if e, ok := apperr.As(err); ok {
		explanation = e.Explanation()
	}
	data, _ := json.Marshal(map[string]any{"error": explanation})
	return string(data)
}
