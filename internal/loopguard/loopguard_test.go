package loopguard

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ksred/nextrade-api/internal/apperr"
)

func feed(g *Guard, s *State, agents ...string) Verdict {
	var v Verdict
	for _, a := range agents {
		v = g.Record(s, a)
		if v.Stop {
			return v
		}
	}
	return v
}

func TestRecord_IterationCeilingAtExactly50(t *testing.T) {
	g := New(DefaultConfig())
	var s State
	g.Reset(&s)

	// A four-agent rotation never trips the pattern checks.
	rotation := []string{"research", "portfolio", "database", "analyst"}
	for i := 1; i <= 50; i++ {
		v := g.Record(&s, rotation[i%len(rotation)])
		if i < 50 && v.Stop {
			t.Fatalf("stopped early at iteration %d: %s", i, v.Reason)
		}
		if i == 50 {
			if !v.Stop || v.Reason != ReasonIterationLimit {
				t.Fatalf("iteration 50 verdict = %+v, want iteration limit", v)
			}
		}
	}
	if !s.LoopDetected || s.IterationCount != 50 {
		t.Errorf("state = %+v", s)
	}
}

func TestRecord_CeilingWinsOverPatterns(t *testing.T) {
	g := New(Config{MaxIterations: 5})
	var s State
	v := feed(g, &s, "a", "a", "a", "a", "a")
	if v.Reason != ReasonIterationLimit {
		t.Fatalf("reason = %s, want iteration limit checked first", v.Reason)
	}
}

func TestRecord_Oscillation(t *testing.T) {
	g := New(DefaultConfig())
	var s State

	var v Verdict
	for i := 0; i < 10; i++ {
		agent := "research"
		if i%2 == 1 {
			agent = "portfolio"
		}
		v = g.Record(&s, agent)
		if i < 9 && v.Stop {
			t.Fatalf("stopped at %d: %s", i+1, v.Reason)
		}
	}
	if !v.Stop || v.Reason != ReasonOscillation {
		t.Fatalf("verdict after A,B x5 = %+v, want oscillation", v)
	}
}

func TestCheck_PingPongWindow(t *testing.T) {
	g := New(DefaultConfig())
	s := State{
		IterationCount:   10,
		AgentCallHistory: strings.Split("A,B,A,B,A,B,A,B,A,B", ","),
	}
	v := g.Check(&s)
	if !v.Stop || v.Reason != ReasonOscillation {
		t.Fatalf("verdict = %+v, want oscillation", v)
	}
}

func TestRecord_TenDistinctAgentsDoNotTrip(t *testing.T) {
	g := New(DefaultConfig())
	var s State
	for i := 0; i < 10; i++ {
		if v := g.Record(&s, fmt.Sprintf("agent-%d", i)); v.Stop {
			t.Fatalf("stopped at %d: %+v", i+1, v)
		}
	}
}

func TestRecord_RepeatedSequence(t *testing.T) {
	g := New(DefaultConfig())
	var s State
	v := feed(g, &s, "research", "portfolio", "database", "research", "portfolio")
	if v.Stop {
		t.Fatalf("stopped before the block repeated: %+v", v)
	}
	v = g.Record(&s, "database")
	if !v.Stop || v.Reason != ReasonRepeatedSequence {
		t.Fatalf("verdict = %+v, want repeated sequence", v)
	}
	if !strings.Contains(v.Message, "research -> portfolio -> database") {
		t.Errorf("message = %q", v.Message)
	}
}

func TestRecord_StuckAgent(t *testing.T) {
	g := New(DefaultConfig())
	var s State
	v := feed(g, &s, "portfolio", "portfolio", "portfolio", "portfolio", "portfolio")
	if !v.Stop || v.Reason != ReasonStuckAgent {
		t.Fatalf("verdict = %+v, want stuck agent", v)
	}
	if !strings.Contains(v.Message, "portfolio") {
		t.Errorf("message = %q", v.Message)
	}
}

func TestRecord_FourIdenticalThenDifferent(t *testing.T) {
	g := New(DefaultConfig())
	var s State
	v := feed(g, &s, "portfolio", "portfolio", "portfolio", "portfolio", "research")
	if v.Stop {
		t.Fatalf("verdict = %+v, want continue", v)
	}
}

func TestRecord_HistoryCapped(t *testing.T) {
	g := New(Config{MaxIterations: 100})
	var s State
	var all []string
	rotation := []string{"a", "b", "c", "d"}
	for i := 0; i < 35; i++ {
		agent := rotation[i%4]
		all = append(all, agent)
		if v := g.Record(&s, agent); v.Stop {
			t.Fatalf("unexpected stop at %d: %+v", i+1, v)
		}
		if len(s.AgentCallHistory) > 20 {
			t.Fatalf("history length %d after %d handoffs", len(s.AgentCallHistory), i+1)
		}
	}
	want := all[len(all)-20:]
	for i := range want {
		if s.AgentCallHistory[i] != want[i] {
			t.Fatalf("history[%d] = %s, want %s", i, s.AgentCallHistory[i], want[i])
		}
	}
	if s.IterationCount != 35 || s.LastAgent != "c" {
		t.Errorf("count = %d, last = %s", s.IterationCount, s.LastAgent)
	}
}

func TestRecord_WarningNearCeiling(t *testing.T) {
	g := New(DefaultConfig())
	var s State
	rotation := []string{"a", "b", "c", "d"}
	for i := 1; i <= 45; i++ {
		v := g.Record(&s, rotation[i%4])
		if v.Stop {
			t.Fatalf("stopped at %d", i)
		}
		if i < 40 && v.Warning != "" {
			t.Fatalf("warning too early at %d", i)
		}
		if i >= 40 && v.Warning == "" {
			t.Fatalf("no warning at %d", i)
		}
	}
}

func TestRecord_StickyAfterStop(t *testing.T) {
	g := New(DefaultConfig())
	var s State
	feed(g, &s, "x", "x", "x", "x", "x")
	count := s.IterationCount

	v := g.Record(&s, "y")
	if !v.Stop || v.Reason != ReasonStuckAgent {
		t.Fatalf("verdict after stop = %+v", v)
	}
	if s.IterationCount != count || s.LastAgent != "x" {
		t.Errorf("state mutated after stop: %+v", s)
	}

	g.Reset(&s)
	if s.LoopDetected || s.IterationCount != 0 || len(s.AgentCallHistory) != 0 {
		t.Errorf("reset state = %+v", s)
	}
}

func TestDiagnostic_IncludesCountersAndSequence(t *testing.T) {
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	now := start
	g := New(DefaultConfig()).WithClock(func() time.Time { return now })
	var s State
	g.Reset(&s)

	now = start.Add(1500 * time.Millisecond)
	v := feed(g, &s, "db", "db", "db", "db", "db")

	d := g.Diagnostic(v, s)
	for _, want := range []string{"Loop Detected", "Iterations: 5/50", "1.5s", "db -> db -> db -> db -> db"} {
		if !strings.Contains(d, want) {
			t.Errorf("diagnostic missing %q:\n%s", want, d)
		}
	}

	err := g.Err(v, s)
	if !errors.Is(err, apperr.ErrLoopDetected) {
		t.Fatalf("err = %v, want loop detected", err)
	}
	e, _ := apperr.As(err)
	if e.Details["iteration_count"] != 5 {
		t.Errorf("details = %v", e.Details)
	}
}

func TestStats_IterationsRemaining(t *testing.T) {
	g := New(DefaultConfig())
	var s State
	feed(g, &s, "a", "b", "c")

	st := g.Stats(s)
	if st.IterationsRemaining != 47 || st.MaxIterations != 50 || len(st.AgentCallHistory) != 3 {
		t.Errorf("stats = %+v", st)
	}
}
