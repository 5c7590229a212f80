// Package loopguard bounds agent-to-agent routing within one conversation
// thread. Every handoff is recorded against the thread's State and checked
// for an iteration ceiling, ping-pong or repeated sequences, and an agent
// that keeps being chosen.
package loopguard

import (
	"fmt"
	"strings"
	"time"

	"github.com/ksred/nextrade-api/internal/apperr"
)

type Config struct {
	MaxIterations  int `json:"max_iterations" yaml:"max_iterations"`
	PatternWindow  int `json:"pattern_window" yaml:"pattern_window"`
	SequenceLength int `json:"sequence_length" yaml:"sequence_length"`
	StuckThreshold int `json:"stuck_threshold" yaml:"stuck_threshold"`
	HistoryLimit   int `json:"history_limit" yaml:"history_limit"`
}

func DefaultConfig() Config {
	return Config{
		MaxIterations:  50,
		PatternWindow:  10,
		SequenceLength: 3,
		StuckThreshold: 5,
		HistoryLimit:   20,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxIterations <= 0 {
		c.MaxIterations = d.MaxIterations
	}
	if c.PatternWindow <= 0 {
		c.PatternWindow = d.PatternWindow
	}
	if c.SequenceLength <= 0 {
		c.SequenceLength = d.SequenceLength
	}
	if c.StuckThreshold <= 0 {
		c.StuckThreshold = d.StuckThreshold
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = d.HistoryLimit
	}
	return c
}

// warnAt is 80% of the ceiling.
func (c Config) warnAt() int {
	return c.MaxIterations * 4 / 5
}

// State is a thread's routing record. It holds plain values only so it can be
// checkpointed with the rest of the thread.
type State struct {
	IterationCount   int           `json:"iteration_count"`
	AgentCallHistory []string      `json:"agent_call_history"`
	LastAgent        string        `json:"last_agent"`
	StartTimestamp   time.Time     `json:"start_timestamp"`
	ExecutionTime    time.Duration `json:"execution_time"`
	LoopDetected     bool          `json:"loop_detected"`
	StopReason       Reason        `json:"stop_reason,omitempty"`
}

type Reason string

const (
	ReasonNone             Reason = ""
	ReasonIterationLimit   Reason = "iteration_limit"
	ReasonOscillation      Reason = "oscillation"
	ReasonRepeatedSequence Reason = "repeated_sequence"
	ReasonStuckAgent       Reason = "stuck_agent"
)

type Verdict struct {
	Stop    bool   `json:"stop"`
	Reason  Reason `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
	// Warning is set when routing may continue but the ceiling is near.
	Warning string `json:"warning,omitempty"`
}

type Guard struct {
	cfg Config
	now func() time.Time
}

func New(cfg Config) *Guard {
	return &Guard{cfg: cfg.withDefaults(), now: time.Now}
}

// WithClock returns a copy of g that reads time from now.
func (g *Guard) WithClock(now func() time.Time) *Guard {
	cp := *g
	cp.now = now
	return &cp
}

func (g *Guard) Config() Config { return g.cfg }

// Reset starts a fresh routing record for a new request on the thread.
func (g *Guard) Reset(s *State) {
	*s = State{StartTimestamp: g.now().UTC(), AgentCallHistory: []string{}}
}

// Record registers a handoff to agent and evaluates the stop conditions. Once
// a thread has tripped, every later call returns the same stop verdict
// without recording anything.
func (g *Guard) Record(s *State, agent string) Verdict {
	if s.StartTimestamp.IsZero() {
		s.StartTimestamp = g.now().UTC()
	}
	if s.LoopDetected {
		return Verdict{Stop: true, Reason: s.StopReason, Message: g.describe(s.StopReason, s)}
	}

	s.IterationCount++
	s.AgentCallHistory = append(s.AgentCallHistory, agent)
	if over := len(s.AgentCallHistory) - g.cfg.HistoryLimit; over > 0 {
		s.AgentCallHistory = append([]string(nil), s.AgentCallHistory[over:]...)
	}
	s.LastAgent = agent
	s.ExecutionTime = g.now().Sub(s.StartTimestamp)

	v := g.Check(s)
	if v.Stop {
		s.LoopDetected = true
		s.StopReason = v.Reason
	}
	return v
}

// Check evaluates the stop conditions against s without modifying it. The
// iteration ceiling is checked first, then oscillation, then a stuck agent.
func (g *Guard) Check(s *State) Verdict {
	reason := ReasonNone
	switch {
	case s.IterationCount >= g.cfg.MaxIterations:
		reason = ReasonIterationLimit
	case g.pingPong(s.AgentCallHistory):
		reason = ReasonOscillation
	case g.repeatedSequence(s.AgentCallHistory):
		reason = ReasonRepeatedSequence
	case g.stuck(s.AgentCallHistory):
		reason = ReasonStuckAgent
	}
	if reason != ReasonNone {
		return Verdict{Stop: true, Reason: reason, Message: g.describe(reason, s)}
	}

	if s.IterationCount >= g.cfg.warnAt() {
		return Verdict{Warning: fmt.Sprintf(
			"approaching routing limit: %d of %d iterations used", s.IterationCount, g.cfg.MaxIterations)}
	}
	return Verdict{}
}

func (g *Guard) pingPong(history []string) bool {
	if len(history) < g.cfg.PatternWindow {
		return false
	}
	distinct := make(map[string]struct{}, 3)
	for _, a := range history[len(history)-g.cfg.PatternWindow:] {
		distinct[a] = struct{}{}
		if len(distinct) > 2 {
			return false
		}
	}
	return true
}

func (g *Guard) repeatedSequence(history []string) bool {
	n := g.cfg.SequenceLength
	if len(history) < 2*n {
		return false
	}
	recent := history[len(history)-n:]
	before := history[len(history)-2*n : len(history)-n]
	for i := range recent {
		if recent[i] != before[i] {
			return false
		}
	}
	return true
}

func (g *Guard) stuck(history []string) bool {
	n := g.cfg.StuckThreshold
	if len(history) < n {
		return false
	}
	tail := history[len(history)-n:]
	for _, a := range tail[1:] {
		if a != tail[0] {
			return false
		}
	}
	return true
}

func (g *Guard) describe(reason Reason, s *State) string {
	switch reason {
	case ReasonIterationLimit:
		return fmt.Sprintf("maximum routing iterations reached (%d)", g.cfg.MaxIterations)
	case ReasonOscillation:
		return fmt.Sprintf("agents are bouncing between each other: at most two distinct agents in the last %d handoffs", g.cfg.PatternWindow)
	case ReasonRepeatedSequence:
		n := g.cfg.SequenceLength
		h := s.AgentCallHistory
		if len(h) >= n {
			return fmt.Sprintf("the handoff sequence %s repeated back to back", strings.Join(h[len(h)-n:], " -> "))
		}
		return "a handoff sequence repeated back to back"
	case ReasonStuckAgent:
		return fmt.Sprintf("agent %s was chosen %d times in a row", s.LastAgent, g.cfg.StuckThreshold)
	}
	return ""
}

type Stats struct {
	IterationCount      int      `json:"iteration_count"`
	IterationsRemaining int      `json:"iterations_remaining"`
	MaxIterations       int      `json:"max_iterations"`
	ExecutionTime       string   `json:"execution_time"`
	LastAgent           string   `json:"last_agent"`
	AgentCallHistory    []string `json:"agent_call_history"`
	LoopDetected        bool     `json:"loop_detected"`
	StopReason          Reason   `json:"stop_reason,omitempty"`
}

func (g *Guard) Stats(s State) Stats {
	remaining := g.cfg.MaxIterations - s.IterationCount
	if remaining < 0 {
		remaining = 0
	}
	return Stats{
		IterationCount:      s.IterationCount,
		IterationsRemaining: remaining,
		MaxIterations:       g.cfg.MaxIterations,
		ExecutionTime:       s.ExecutionTime.Round(10 * time.Millisecond).String(),
		LastAgent:           s.LastAgent,
		AgentCallHistory:    append([]string(nil), s.AgentCallHistory...),
		LoopDetected:        s.LoopDetected,
		StopReason:          s.StopReason,
	}
}

// Diagnostic renders a stop verdict for the user.
func (g *Guard) Diagnostic(v Verdict, s State) string {
	var b strings.Builder
	b.WriteString("Execution Stopped - Loop Detected\n\n")
	fmt.Fprintf(&b, "Reason: %s\n\n", v.Message)
	b.WriteString("Statistics:\n")
	fmt.Fprintf(&b, "- Iterations: %d/%d\n", s.IterationCount, g.cfg.MaxIterations)
	fmt.Fprintf(&b, "- Execution time: %s\n", s.ExecutionTime.Round(10*time.Millisecond))
	fmt.Fprintf(&b, "- Agent sequence: %s\n\n", strings.Join(s.AgentCallHistory, " -> "))
	b.WriteString("Recommendation: rephrase the request more specifically or split it into smaller steps, then try again.")
	return b.String()
}

// Err classifies a stop verdict.
func (g *Guard) Err(v Verdict, s State) error {
	if !v.Stop {
		return nil
	}
	return apperr.New(apperr.KindLoopDetected, "loopguard.Record", v.Message).
		With("reason", string(v.Reason)).
		With("iteration_count", s.IterationCount).
		With("execution_time", s.ExecutionTime.String()).
		With("agent_call_history", append([]string(nil), s.AgentCallHistory...))
}
