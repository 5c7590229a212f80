// Package workflow runs conversation threads: a supervisor agent hands work
// to specialist agents, risky tool calls pass through the approval gate, and
// every handoff is checked by the loop guard.
package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ksred/nextrade-api/internal/apperr"
	"github.com/ksred/nextrade-api/internal/approval"
	"github.com/ksred/nextrade-api/internal/checkpoint"
	"github.com/ksred/nextrade-api/internal/guardrails"
	"github.com/ksred/nextrade-api/internal/loopguard"
	"github.com/ksred/nextrade-api/internal/tools"
	"github.com/ksred/nextrade-api/internal/types"
)

const DefaultMaxSteps = 25

// Result is what a Chat or Resume call reports back to the user.
type Result struct {
	ThreadID         string               `json:"thread_id"`
	Response         string               `json:"response"`
	Timestamp        time.Time            `json:"timestamp"`
	RequiresApproval bool                 `json:"requires_approval"`
	ApprovalDetails  *approval.Request    `json:"approval_details,omitempty"`
	ApprovalOutcome  approval.OutcomeKind `json:"approval_outcome,omitempty"`
	Approved         *bool                `json:"approved,omitempty"`
	LoopDetected     bool                 `json:"loop_detected"`
	Loop             loopguard.Stats      `json:"loop_stats"`
	// Error explains a terminal outcome of this request: a rejected or
	// expired approval, a loop stop or the step limit.
	Error map[string]any `json:"error,omitempty"`
}

type Runner struct {
	model    Model
	registry *tools.Registry
	gate     *approval.Gate
	guard    *loopguard.Guard
	threads  *threadStore
	agents   map[string]Agent
	maxSteps int
	now      func() time.Time
	safety   *guardrails.Layer
}

type Option func(*Runner)

func WithAgents(agents ...Agent) Option {
	return func(r *Runner) {
		r.agents = make(map[string]Agent, len(agents))
		for _, a := range agents {
			r.agents[a.Name] = a
		}
	}
}

// WithMaxSteps bounds model calls per request.
func WithMaxSteps(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.maxSteps = n
		}
	}
}

// WithGuardrails replaces the default input and output screening.
func WithGuardrails(l *guardrails.Layer) Option {
	return func(r *Runner) {
		if l != nil {
			r.safety = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

func NewRunner(model Model, registry *tools.Registry, gate *approval.Gate, guard *loopguard.Guard, store checkpoint.Store, opts ...Option) *Runner {
	r := &Runner{
		model:    model,
		registry: registry,
		gate:     gate,
		guard:    guard,
		maxSteps: DefaultMaxSteps,
		now:      time.Now,
		safety:   guardrails.New(),
	}
	WithAgents(DefaultAgents()...)(r)
	for _, opt := range opts {
		opt(r)
	}
	r.threads = newThreadStore(store, r.now)
	return r
}

// Chat adds a user message to the thread, creating it if needed, and runs
// agents until one answers, a risky call is suspended or a stop condition
// trips.
func (r *Runner) Chat(ctx context.Context, threadID, userID, text string) (*Result, error) {
	const op = "workflow.Chat"

	if strings.TrimSpace(threadID) == "" {
		return nil, apperr.Validation(op, "thread_id", "must not be empty", threadID)
	}
	if strings.TrimSpace(userID) == "" {
		return nil, apperr.Validation(op, "user_id", "must not be empty", userID)
	}
	if strings.TrimSpace(text) == "" {
		return nil, apperr.Validation(op, "message", "must not be empty", text)
	}
	if err := r.safety.CheckInput(userID, threadID, text); err != nil {
		return nil, err
	}

	unlock := r.threads.lock(threadID)
	defer unlock()

	t, err := r.threads.load(ctx, threadID, userID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		t = &Thread{ID: threadID, UserID: userID, Status: ThreadIdle, CreatedAt: r.now().UTC()}
	}

	if t.Status == ThreadAwaitingApproval {
		if err := r.settleExpired(ctx, t); err != nil {
			return nil, err
		}
	}

	r.guard.Reset(&t.Loop)
	t.ActiveAgent = AgentSupervisor
	msg := types.UserMessage(text)
	msg.CreatedAt = r.now().UTC()
	t.append(msg)

	return r.run(ctx, t, r.logger(t))
}

// settleExpired lets a new request through when the pending approval was
// expired by the background sweep. Any other pending state blocks the thread.
func (r *Runner) settleExpired(ctx context.Context, t *Thread) error {
	cp, err := r.gate.Pending(ctx, t.ID)
	if err != nil {
		return err
	}
	if cp == nil || cp.State != approval.StateExpired || cp.Resolution == nil {
		return apperr.New(apperr.KindValidation, "workflow.Chat",
			"thread is awaiting approval; approve or reject the pending action first").
			With("thread_id", t.ID)
	}
	r.applyCancellation(t, cp.Resolution)
	t.Status = ThreadIdle
	return nil
}

// Resume delivers the human decision for the thread's pending approval and
// continues the run. Resuming an already applied decision returns the last
// response without running anything again.
func (r *Runner) Resume(ctx context.Context, threadID, userID string, decision any) (*Result, error) {
	unlock := r.threads.lock(threadID)
	defer unlock()

	t, err := r.threads.load(ctx, threadID, userID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, apperr.NotFound("workflow.Resume", "thread", threadID)
	}

	out, err := r.gate.Resume(ctx, threadID, decision)
	if err != nil {
		return nil, err
	}

	logger := r.logger(t)
	logger.Info().Str("outcome", string(out.Kind)).Msg("approval decision received")

	if t.Status != ThreadAwaitingApproval {
		res := r.result(t, t.LastResponse)
		r.annotate(res, out)
		return res, nil
	}

	var res *Result
	switch out.Kind {
	case approval.OutcomeApproved:
		t.Status = ThreadIdle
		last, _ := t.lastMessage()
		if stop := r.runCalls(ctx, t, last.ToolCalls, out.ToolCall.ID, logger); stop != nil {
			res = stop
			break
		}
		if res, err = r.run(ctx, t, logger); err != nil {
			return nil, err
		}
	case approval.OutcomeRejected:
		t.Status = ThreadIdle
		r.applyCancellation(t, out)
		if res, err = r.run(ctx, t, logger); err != nil {
			return nil, err
		}
	default:
		t.Status = ThreadIdle
		r.applyCancellation(t, out)
		res = r.result(t, out.Message.Content)
		t.LastResponse = res.Response
		if err := r.threads.save(ctx, t); err != nil {
			return nil, err
		}
	}

	r.annotate(res, out)
	return res, nil
}

func (r *Runner) annotate(res *Result, out *approval.Outcome) {
	res.ApprovalOutcome = out.Kind
	approved := out.Kind == approval.OutcomeApproved
	res.Approved = &approved
	if err := out.Err(); err != nil && res.Error == nil {
		if e, ok := apperr.As(err); ok {
			res.Error = e.Explanation()
		}
	}
}

// applyCancellation answers the intercepted call with the gate's message and
// every other call in the same assistant message with a skip notice.
func (r *Runner) applyCancellation(t *Thread, out *approval.Outcome) {
	last, ok := t.lastMessage()
	if !ok || !last.HasToolCalls() {
		return
	}
	for _, call := range last.ToolCalls {
		if out.ToolCall != nil && call.ID == out.ToolCall.ID {
			t.append(*out.Message)
			continue
		}
		t.append(types.ToolMessage(call.ID, call.Name, "Not executed: the proposed order in this step was not approved."))
	}
}

// run drives agents until a final answer or a stop.
func (r *Runner) run(ctx context.Context, t *Thread, logger zerolog.Logger) (*Result, error) {
	for step := 0; ; step++ {
		if step >= r.maxSteps {
			return r.stop(ctx, t, apperr.New(apperr.KindWorkflowInterrupted, "workflow.run",
				fmt.Sprintf("step limit of %d reached before the agents finished", r.maxSteps)).
				With("max_steps", r.maxSteps).
				With("agent_call_history", t.Loop.AgentCallHistory),
				"Execution stopped: the request needed more steps than allowed. Try a narrower request.")
		}

		agent, ok := r.agents[t.ActiveAgent]
		if !ok {
			agent = r.agents[AgentSupervisor]
			t.ActiveAgent = AgentSupervisor
		}

		msg, err := r.model.Generate(ctx, ModelRequest{
			Agent:        agent.Name,
			SystemPrompt: agent.Prompt,
			Tools:        r.specs(agent),
			Messages:     t.Messages,
			UserID:       t.UserID,
		})
		if err != nil {
			logger.Error().Err(err).Str("agent", agent.Name).Msg("model call failed")
			if saveErr := r.threads.save(ctx, t); saveErr != nil {
				logger.Error().Err(saveErr).Msg("failed to save thread")
			}
			return nil, err
		}

		msg.Role = types.RoleAssistant
		msg.Name = agent.Name
		msg.CreatedAt = r.now().UTC()
		t.append(*msg)

		if !msg.HasToolCalls() {
			if agent.Name == AgentSupervisor {
				return r.finish(ctx, t, msg.Content)
			}
			t.ActiveAgent = AgentSupervisor
			continue
		}

		outcome, err := r.gate.Inspect(ctx, t.ID, t.Messages)
		if err != nil {
			return nil, err
		}
		if outcome.Kind == approval.OutcomeSuspended {
			return r.suspend(ctx, t, outcome, logger)
		}

		if stop := r.runCalls(ctx, t, msg.ToolCalls, "", logger); stop != nil {
			return stop, nil
		}
	}
}

// runCalls executes the calls of one assistant message in order. A risky call
// other than approvedID is never executed here.
func (r *Runner) runCalls(ctx context.Context, t *Thread, calls []types.ToolCall, approvedID string, logger zerolog.Logger) *Result {
	scope := tools.Scope{ThreadID: t.ID, UserID: t.UserID}

	for i, call := range calls {
		if target, ok := handoffTarget(call.Name); ok {
			if _, known := r.agents[target]; known {
				if stop := r.handoff(ctx, t, call, target, logger); stop != nil {
					for _, rest := range calls[i+1:] {
						t.append(types.ToolMessage(rest.ID, rest.Name, "Not executed: routing was stopped."))
					}
					return stop
				}
				continue
			}
		}

		if r.registry.RequiresApproval(call.Name) && call.ID != approvedID {
			t.append(types.ToolMessage(call.ID, call.Name,
				"Not executed: only one action requiring approval can run per step. Propose it again."))
			continue
		}

		t.append(r.registry.Execute(ctx, scope, call))
	}
	return nil
}

func (r *Runner) handoff(ctx context.Context, t *Thread, call types.ToolCall, target string, logger zerolog.Logger) *Result {
	v := r.guard.Record(&t.Loop, target)
	if v.Stop {
		t.append(types.ToolMessage(call.ID, call.Name, "Transfer blocked: "+v.Message))
		diagnostic := r.guard.Diagnostic(v, t.Loop)
		logger.Warn().
			Str("reason", string(v.Reason)).
			Int("iteration_count", t.Loop.IterationCount).
			Strs("agent_call_history", t.Loop.AgentCallHistory).
			Msg("loop detected, routing stopped")

		res, err := r.stop(ctx, t, r.guard.Err(v, t.Loop), diagnostic)
		if err != nil {
			logger.Error().Err(err).Msg("failed to save thread")
		}
		return res
	}
	if v.Warning != "" {
		logger.Warn().Int("iteration_count", t.Loop.IterationCount).Msg(v.Warning)
	}

	t.append(types.ToolMessage(call.ID, call.Name, handoffText(target, tools.Args(call.Args).String("instructions"))))
	t.ActiveAgent = target
	logger.Debug().Str("agent", target).Msg("handed off")
	return nil
}

func (r *Runner) suspend(ctx context.Context, t *Thread, outcome *approval.Outcome, logger zerolog.Logger) (*Result, error) {
	t.Status = ThreadAwaitingApproval
	res := r.result(t, outcome.Request.Message)
	res.RequiresApproval = true
	res.ApprovalDetails = outcome.Request
	t.LastResponse = res.Response
	if err := r.threads.save(ctx, t); err != nil {
		return nil, err
	}
	logger.Info().Str("tool_call_id", outcome.ToolCall.ID).Msg("thread suspended for approval")
	return res, nil
}

// withheldResponse replaces a final answer the output guard refused.
const withheldResponse = "The response was withheld because it may contain sensitive information. Please rephrase your request."

func (r *Runner) finish(ctx context.Context, t *Thread, response string) (*Result, error) {
	verdict := r.safety.CheckOutput(t.UserID, t.ID, response)
	var cause map[string]any
	if !verdict.Valid {
		response = withheldResponse
		if n := len(t.Messages); n > 0 && t.Messages[n-1].Role == types.RoleAssistant {
			t.Messages[n-1].Content = response
		}
		cause = apperr.New(apperr.KindValidation, "workflow.finish", "response validation failed").
			With("errors", verdict.Errors).Explanation()
	}

	t.Status = ThreadIdle
	t.LastResponse = response
	if err := r.threads.save(ctx, t); err != nil {
		return nil, err
	}
	res := r.result(t, response)
	res.Error = cause
	return res, nil
}

// stop ends the request with a diagnostic. The thread stays usable.
func (r *Runner) stop(ctx context.Context, t *Thread, cause error, diagnostic string) (*Result, error) {
	t.append(types.Message{Role: types.RoleAssistant, Name: "workflow", Content: diagnostic, CreatedAt: r.now().UTC()})
	t.Status = ThreadIdle
	t.ActiveAgent = AgentSupervisor
	t.LastResponse = diagnostic

	res := r.result(t, diagnostic)
	res.LoopDetected = t.Loop.LoopDetected
	if e, ok := apperr.As(cause); ok {
		res.Error = e.Explanation()
	}
	return res, r.threads.save(ctx, t)
}

func (r *Runner) result(t *Thread, response string) *Result {
	return &Result{
		ThreadID:  t.ID,
		Response:  response,
		Timestamp: r.now().UTC(),
		Loop:      r.guard.Stats(t.Loop),
	}
}

func (r *Runner) specs(agent Agent) []tools.Spec {
	specs := r.registry.Specs(agent.Tools...)
	for _, h := range agent.Handoffs {
		specs = append(specs, handoffSpec(h))
	}
	return specs
}

func (r *Runner) logger(t *Thread) zerolog.Logger {
	return log.With().Str("thread_id", t.ID).Str("user_id", t.UserID).Logger()
}

// Thread returns the thread if it belongs to userID.
func (r *Runner) Thread(ctx context.Context, threadID, userID string) (*Thread, error) {
	t, err := r.threads.load(ctx, threadID, userID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, apperr.NotFound("workflow.Thread", "thread", threadID)
	}
	return t, nil
}

// PendingApproval returns the thread's approval checkpoint, if any.
func (r *Runner) PendingApproval(ctx context.Context, threadID, userID string) (*approval.Checkpoint, error) {
	if _, err := r.Thread(ctx, threadID, userID); err != nil {
		return nil, err
	}
	cp, err := r.gate.Pending(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, apperr.NotFound("workflow.PendingApproval", "approval", threadID)
	}
	return cp, nil
}
