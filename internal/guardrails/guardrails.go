// Package guardrails screens user input before it reaches the agents and
// agent output before it reaches the user, and writes every decision to the
// compliance log.
package guardrails

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ksred/nextrade-api/internal/apperr"
)

const DefaultMaxInputLength = 10000

// Verdict is the result of one validation. Warnings never invalidate.
type Verdict struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func newVerdict() *Verdict { return &Verdict{Valid: true} }

func (v *Verdict) fail(msg string) {
	v.Valid = false
	v.Errors = append(v.Errors, msg)
}

func (v *Verdict) warn(msg string) { v.Warnings = append(v.Warnings, msg) }

var injectionPhrases = []string{
	"ignore previous instructions",
	"ignore all previous",
	"forget everything",
	"new instructions:",
	"system:",
	"you are now",
	"act as if",
	"pretend you are",
	"disregard",
	"<script>",
	"javascript:",
	"eval(",
}

// InputGuard rejects oversized messages and prompt injection attempts.
type InputGuard struct {
	maxLength int
}

func NewInputGuard(maxLength int) *InputGuard {
	if maxLength <= 0 {
		maxLength = DefaultMaxInputLength
	}
	return &InputGuard{maxLength: maxLength}
}

func (g *InputGuard) Validate(text string) *Verdict {
	v := newVerdict()
	if len([]rune(text)) > g.maxLength {
		v.fail("Input exceeds maximum length")
	}

	lower := strings.ToLower(text)
	for _, phrase := range injectionPhrases {
		if strings.Contains(lower, phrase) {
			v.fail("Input contains forbidden pattern: " + phrase)
		}
	}

	if specialRatio(text) > 0.3 {
		v.warn("High ratio of special characters")
	}
	return v
}

func specialRatio(text string) float64 {
	total, special := 0, 0
	for _, r := range text {
		total++
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && !unicode.IsSpace(r) {
			special++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(special) / float64(total)
}

var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	regexp.MustCompile(`\b\d{16}\b`),
	regexp.MustCompile(`(?i)api[_\s-]?key[:\s]+[a-zA-Z0-9]+`),
	regexp.MustCompile(`(?i)password[:\s]+\S+`),
	regexp.MustCompile(`(?i)secret[:\s]+\S+`),
	regexp.MustCompile(`(?i)token[:\s]+\S+`),
}

// OutputGuard withholds responses that look like they leak identifiers or
// credentials.
type OutputGuard struct {
	patterns []*regexp.Regexp
}

func NewOutputGuard() *OutputGuard {
	return &OutputGuard{patterns: sensitivePatterns}
}

func (g *OutputGuard) Validate(text string) *Verdict {
	v := newVerdict()
	for _, p := range g.patterns {
		if p.MatchString(text) {
			v.fail("Output contains potentially sensitive information")
			break
		}
	}

	if len(strings.TrimSpace(text)) < 10 {
		v.warn("Response is suspiciously short")
	}
	words := strings.Fields(strings.ToLower(text))
	if len(words) > 20 {
		unique := make(map[string]struct{}, len(words))
		for _, w := range words {
			unique[w] = struct{}{}
		}
		if float64(len(unique))/float64(len(words)) < 0.3 {
			v.warn("Response has high repetition")
		}
	}
	return v
}

// ComplianceLogger records validations, violations and user actions on a
// dedicated compliance logger.
type ComplianceLogger struct {
	logger zerolog.Logger
}

func NewComplianceLogger(base zerolog.Logger) *ComplianceLogger {
	return &ComplianceLogger{logger: base.With().Str("component", "compliance").Logger()}
}

func (c *ComplianceLogger) LogValidation(kind, userID, threadID string, v *Verdict) {
	ev := c.logger.Info()
	if !v.Valid {
		ev = c.logger.Warn()
	}
	ev.Str("event", "validation").
		Str("validation_type", kind).
		Str("user_id", userID).
		Str("thread_id", threadID).
		Bool("valid", v.Valid).
		Strs("errors", v.Errors).
		Strs("warnings", v.Warnings).
		Msg("guardrail validation")
}

func (c *ComplianceLogger) LogSafetyViolation(violation, userID, threadID string, details []string) {
	c.logger.Error().
		Str("event", "safety_violation").
		Str("violation_type", violation).
		Str("user_id", userID).
		Str("thread_id", threadID).
		Strs("details", details).
		Msg("safety violation")
}

func (c *ComplianceLogger) LogUserAction(action, userID, threadID string, fields map[string]any) {
	c.logger.Info().
		Str("event", "user_action").
		Str("action", action).
		Str("user_id", userID).
		Str("thread_id", threadID).
		Fields(fields).
		Msg("user action")
}

// Layer combines both guards with compliance logging.
type Layer struct {
	input      *InputGuard
	output     *OutputGuard
	compliance *ComplianceLogger
}

type Option func(*Layer)

func WithMaxInputLength(n int) Option {
	return func(l *Layer) { l.input = NewInputGuard(n) }
}

func WithLogger(base zerolog.Logger) Option {
	return func(l *Layer) { l.compliance = NewComplianceLogger(base) }
}

func New(opts ...Option) *Layer {
	l := &Layer{
		input:      NewInputGuard(DefaultMaxInputLength),
		output:     NewOutputGuard(),
		compliance: NewComplianceLogger(log.Logger),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CheckInput logs the chat request and returns a validation error when the
// message must not reach the agents.
func (l *Layer) CheckInput(userID, threadID, text string) error {
	l.compliance.LogUserAction("chat_request", userID, threadID, map[string]any{
		"message_preview": preview(text, 100),
		"message_length":  len(text),
	})

	v := l.input.Validate(text)
	l.compliance.LogValidation("input", userID, threadID, v)
	if v.Valid {
		return nil
	}
	l.compliance.LogSafetyViolation("invalid_input", userID, threadID, v.Errors)
	return apperr.New(apperr.KindValidation, "guardrails.CheckInput", "message failed safety validation").
		With("errors", v.Errors)
}

// CheckOutput reports whether response may be shown to the user.
func (l *Layer) CheckOutput(userID, threadID, response string) *Verdict {
	v := l.output.Validate(response)
	l.compliance.LogValidation("output", userID, threadID, v)
	if !v.Valid {
		l.compliance.LogSafetyViolation("invalid_output", userID, threadID, v.Errors)
	}
	return v
}

func preview(text string, n int) string {
	r := []rune(text)
	if len(r) <= n {
		return text
	}
	return string(r[:n])
}
