package pipeline

import (
	"strings"
	"time"

	"github.com/ReviveAnalyticsPvtLtd/AnalyticsHub/internal/chain"
	"github.com/ReviveAnalyticsPvtLtd/AnalyticsHub/internal/codegen"
)

// State is a step of the per-query state machine.
type State int

const (
	StateInit State = iota
	StateGenerating
	StateExecuting
	StateSuccess
	StateExhaustedRetries
	// StateExit marks a query that closed the session instead of running.
	StateExit
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateGenerating:
		return "generating"
	case StateExecuting:
		return "executing"
	case StateSuccess:
		return "success"
	case StateExhaustedRetries:
		return "exhausted_retries"
	case StateExit:
		return "exit"
	}
	return "unknown"
}

// ExitCommand is the query text that ends a session.
const ExitCommand = "exit"

// IsExit reports whether query is the exit command, ignoring case and
// surrounding whitespace.
func IsExit(query string) bool {
	return strings.EqualFold(strings.TrimSpace(query), ExitCommand)
}

// Failure kinds recorded per attempt.
const (
	KindInvocation = "invocation"
	KindMalformed  = "malformed"
	KindExecution  = "execution"
	KindTimeout    = "timeout"
	KindBlocked    = "blocked"
	KindCanceled   = "canceled"
	KindFatal      = "fatal"
)

// AttemptFailure is one failed generate/execute round.
type AttemptFailure struct {
	Attempt int    `json:"attempt"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Outcome is the terminal result of one query.
type Outcome struct {
	Query    string            `json:"query"`
	State    State             `json:"-"`
	Attempts int               `json:"attempts"`
	HTML     string            `json:"html,omitempty"`
	Artifact *codegen.Artifact `json:"-"`
	// Code is the last generated script, kept for inspection.
	Code     string           `json:"code,omitempty"`
	Failures []AttemptFailure `json:"failures,omitempty"`
	// Message is the sanitized text of the most recent failure, or a short
	// note for Exit.
	Message string `json:"message,omitempty"`
	// Usage is the tokens this query spent over all attempts; CostUSD is set
	// when the model has catalog pricing.
	Usage    chain.Usage   `json:"usage"`
	CostUSD  float64       `json:"cost_usd,omitempty"`
	Err      error         `json:"-"`
	Duration time.Duration `json:"-"`
}

// Succeeded reports whether a chart was produced.
func (o *Outcome) Succeeded() bool { return o != nil && o.State == StateSuccess }
