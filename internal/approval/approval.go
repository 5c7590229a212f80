// Package approval suspends risky tool calls until a human decides on them.
//
// Per thread the gate moves Idle -> AwaitingApproval when the latest assistant
// message proposes a call the Policy flags, and AwaitingApproval -> Approved,
// Rejected or Expired on Resume. The suspended state is written to a
// checkpoint.Store so another process can resume it.
package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ksred/nextrade-api/internal/apperr"
	"github.com/ksred/nextrade-api/internal/checkpoint"
	"github.com/ksred/nextrade-api/internal/types"
)

const Namespace = "approval"

type State string

const (
	StateIdle             State = "idle"
	StateAwaitingApproval State = "awaiting_approval"
	StateApproved         State = "approved"
	StateRejected         State = "rejected"
	StateExpired          State = "expired"
)

func (s State) resolved() bool {
	return s == StateApproved || s == StateRejected || s == StateExpired
}

// Policy decides which tools need a human decision before they run.
type Policy interface {
	RequiresApproval(toolName string) bool
}

type PolicyFunc func(toolName string) bool

func (f PolicyFunc) RequiresApproval(toolName string) bool { return f(toolName) }

type OutcomeKind string

const (
	// OutcomeNone means nothing needed approval; the calls may run.
	OutcomeNone      OutcomeKind = "none"
	OutcomeSuspended OutcomeKind = "suspended"
	// OutcomeApproved means the intercepted call may now run.
	OutcomeApproved OutcomeKind = "approved"
	OutcomeRejected OutcomeKind = "rejected"
	OutcomeExpired  OutcomeKind = "expired"
)

type Outcome struct {
	Kind     OutcomeKind     `json:"kind"`
	ThreadID string          `json:"thread_id"`
	Request  *Request        `json:"request,omitempty"`
	ToolCall *types.ToolCall `json:"tool_call,omitempty"`
	// Message is the cancellation addressed to ToolCall.ID when the call
	// will not run.
	Message *types.Message `json:"message,omitempty"`
}

// Err classifies rejected and expired outcomes.
func (o *Outcome) Err() error {
	switch o.Kind {
	case OutcomeRejected:
		return apperr.New(apperr.KindApprovalRejected, "approval.Resume", "order rejected by human reviewer").
			With("thread_id", o.ThreadID).
			With("order_details", o.Request.ApprovalDetails.OrderDetails)
	case OutcomeExpired:
		return apperr.New(apperr.KindWorkflowInterrupted, "approval.Resume", "approval request expired").
			With("thread_id", o.ThreadID).
			With("order_details", o.Request.ApprovalDetails.OrderDetails)
	}
	return nil
}

// Checkpoint is everything needed to resume a thread's pending approval.
type Checkpoint struct {
	ThreadID    string         `json:"thread_id"`
	State       State          `json:"state"`
	ToolCall    types.ToolCall `json:"tool_call"`
	Request     Request        `json:"request"`
	RequestedAt time.Time      `json:"requested_at"`
	ResolvedAt  *time.Time     `json:"resolved_at,omitempty"`
	Resolution  *Outcome       `json:"resolution,omitempty"`
}

// Decision is the structured resume payload.
type Decision struct {
	Approved bool `json:"approved"`
}

// Approved reports whether decision authorises the call. Only a structured
// approved field holding boolean true does; everything else is a rejection.
func Approved(decision any) bool {
	switch d := decision.(type) {
	case Decision:
		return d.Approved
	case *Decision:
		return d != nil && d.Approved
	case map[string]any:
		v, ok := d["approved"].(bool)
		return ok && v
	case json.RawMessage:
		return approvedJSON(d)
	case []byte:
		return approvedJSON(d)
	}
	return false
}

func approvedJSON(data []byte) bool {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return false
	}
	return Approved(m)
}

type Gate struct {
	policy  Policy
	store   checkpoint.Store
	timeout time.Duration
	now     func() time.Time
	mu      sync.Mutex
}

type Option func(*Gate)

// WithTimeout expires approvals left pending longer than d. Zero waits forever.
func WithTimeout(d time.Duration) Option {
	return func(g *Gate) { g.timeout = d }
}

func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

func NewGate(policy Policy, store checkpoint.Store, opts ...Option) *Gate {
	g := &Gate{
		policy: policy,
		store:  store,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Inspect looks at the most recent message only. If it is an assistant
// message proposing a risky call, the first such call is suspended and the
// rest of the message is left to the caller. Inspecting the same suspended
// call again returns the same request.
func (g *Gate) Inspect(ctx context.Context, threadID string, messages []types.Message) (*Outcome, error) {
	none := &Outcome{Kind: OutcomeNone, ThreadID: threadID}
	if len(messages) == 0 {
		return none, nil
	}
	last := messages[len(messages)-1]
	if !last.HasToolCalls() {
		return none, nil
	}

	var call *types.ToolCall
	for i := range last.ToolCalls {
		if g.policy.RequiresApproval(last.ToolCalls[i].Name) {
			call = &last.ToolCalls[i]
			break
		}
	}
	if call == nil {
		return none, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	existing, err := g.load(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.State == StateAwaitingApproval {
		if existing.ToolCall.ID == call.ID {
			return g.suspended(existing), nil
		}
		return nil, apperr.New(apperr.KindValidation, "approval.Inspect",
			"thread already has a pending approval").With("thread_id", threadID).
			With("pending_tool_call_id", existing.ToolCall.ID)
	}

	cp := &Checkpoint{
		ThreadID:    threadID,
		State:       StateAwaitingApproval,
		ToolCall:    *call,
		Request:     BuildRequest(*call),
		RequestedAt: g.now().UTC(),
	}
	if err := g.save(ctx, cp); err != nil {
		return nil, err
	}

	log.Info().
		Str("thread_id", threadID).
		Str("tool", call.Name).
		Str("tool_call_id", call.ID).
		Str("order_details", cp.Request.ApprovalDetails.OrderDetails).
		Msg("risky tool call suspended for approval")

	return g.suspended(cp), nil
}

func (g *Gate) suspended(cp *Checkpoint) *Outcome {
	req := cp.Request
	call := cp.ToolCall
	return &Outcome{Kind: OutcomeSuspended, ThreadID: cp.ThreadID, Request: &req, ToolCall: &call}
}

// Resume applies the human decision to the thread's pending approval.
// Resuming an already resolved approval returns the recorded outcome.
func (g *Gate) Resume(ctx context.Context, threadID string, decision any) (*Outcome, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	cp, err := g.load(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, apperr.NotFound("approval.Resume", "pending approval", threadID)
	}
	if cp.State.resolved() && cp.Resolution != nil {
		return cp.Resolution, nil
	}
	if cp.State != StateAwaitingApproval {
		return nil, apperr.New(apperr.KindValidation, "approval.Resume",
			fmt.Sprintf("approval is in state %s", cp.State)).With("thread_id", threadID)
	}

	now := g.now().UTC()
	var out *Outcome
	switch {
	case g.expired(cp, now):
		out = g.resolve(cp, StateExpired, now)
	case Approved(decision):
		out = g.resolve(cp, StateApproved, now)
	default:
		out = g.resolve(cp, StateRejected, now)
	}

	if err := g.save(ctx, cp); err != nil {
		return nil, err
	}

	log.Info().
		Str("thread_id", threadID).
		Str("tool", cp.ToolCall.Name).
		Str("state", string(cp.State)).
		Msg("approval resolved")

	return out, nil
}

func (g *Gate) expired(cp *Checkpoint, now time.Time) bool {
	return g.timeout > 0 && now.Sub(cp.RequestedAt) > g.timeout
}

func (g *Gate) resolve(cp *Checkpoint, state State, now time.Time) *Outcome {
	req := cp.Request
	call := cp.ToolCall
	out := &Outcome{ThreadID: cp.ThreadID, Request: &req, ToolCall: &call}

	switch state {
	case StateApproved:
		out.Kind = OutcomeApproved
	case StateRejected:
		out.Kind = OutcomeRejected
		msg := types.ToolMessage(call.ID, call.Name, rejectionText(req.ApprovalDetails.OrderDetails))
		out.Message = &msg
	case StateExpired:
		out.Kind = OutcomeExpired
		msg := types.ToolMessage(call.ID, call.Name, expiryText(req.ApprovalDetails.OrderDetails, g.timeout))
		out.Message = &msg
	}

	cp.State = state
	cp.ResolvedAt = &now
	cp.Resolution = out
	return out
}

func rejectionText(orderDetails string) string {
	return "Order cancelled by human approval process.\n\n" +
		"Proposed order: " + orderDetails + "\n\n" +
		"Reason: Human intervention required for trading operations. " +
		"Please provide alternative recommendations or wait for further instructions."
}

func expiryText(orderDetails string, timeout time.Duration) string {
	return fmt.Sprintf("Order cancelled: no approval decision was received within %s.\n\n", timeout) +
		"Proposed order: " + orderDetails + "\n\n" +
		"Reason: Approval requests expire so stale trades are never executed. " +
		"Submit the request again if the trade is still wanted."
}

// Pending returns the thread's checkpoint, or nil if it has never suspended.
func (g *Gate) Pending(ctx context.Context, threadID string) (*Checkpoint, error) {
	return g.load(ctx, threadID)
}

// ExpireStale resolves every approval pending longer than the timeout and
// returns how many it expired.
func (g *Gate) ExpireStale(ctx context.Context) (int, error) {
	if g.timeout <= 0 {
		return 0, nil
	}

	entries, err := g.store.List(ctx, Namespace)
	if err != nil {
		return 0, apperr.Database("approval.ExpireStale", "list approval checkpoints", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	// Candidates are re-read under the lock: a Resume may have resolved one
	// after List returned.
	now := g.now().UTC()
	expired := 0
	for _, e := range entries {
		var listed Checkpoint
		if err := e.Decode(&listed); err != nil {
			log.Warn().Err(err).Str("thread_id", e.Key).Msg("skipping unreadable approval checkpoint")
			continue
		}
		if listed.State != StateAwaitingApproval {
			continue
		}

		cp, err := g.load(ctx, e.Key)
		if err != nil {
			return expired, err
		}
		if cp == nil || cp.State != StateAwaitingApproval || !g.expired(cp, now) {
			continue
		}
		g.resolve(cp, StateExpired, now)
		if err := g.save(ctx, cp); err != nil {
			return expired, err
		}
		expired++
		log.Info().Str("thread_id", cp.ThreadID).Msg("approval request expired")
	}
	return expired, nil
}

func (g *Gate) load(ctx context.Context, threadID string) (*Checkpoint, error) {
	var cp Checkpoint
	ok, err := g.store.Get(ctx, Namespace, threadID, &cp)
	if err != nil {
		return nil, apperr.Database("approval.load", "get approval checkpoint "+threadID, err)
	}
	if !ok {
		return nil, nil
	}
	return &cp, nil
}

func (g *Gate) save(ctx context.Context, cp *Checkpoint) error {
	if err := g.store.Put(ctx, Namespace, cp.ThreadID, cp); err != nil {
		return apperr.Database("approval.save", "put approval checkpoint "+cp.ThreadID, err)
	}
	return nil
}
