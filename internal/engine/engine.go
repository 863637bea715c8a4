// Package engine drives the orchestration loop: a provider proposes one
// step at a time (delegate to a tool, or answer), the loop validates the
// requested tool against the gated set, dispatches it, and feeds the
// observation back until the provider answers or the iteration cap forces
// it to.
package engine

import (
	"context"
	"errors"
)

// ErrNoFinalAnswer is returned when the loop exhausts its iteration budget
// without the provider ever producing a final answer. The streaming broker
// turns this into a synthesized fallback chunk rather than an error page.
var ErrNoFinalAnswer = errors.New("no final answer produced")

// ToolCall is a provider's request to delegate to a named tool.
type ToolCall struct {
	Name  string
	Input string
}

// Exchange is one completed action/observation pair in the transcript.
type Exchange struct {
	Call        ToolCall
	Observation string
}

// StepRequest carries everything a provider needs to propose the next step.
type StepRequest struct {
	// Instruction is the user's request, taken from the last user message.
	Instruction string

	// ToolNames are the tool names permitted for this request, in gate order.
	ToolNames []string

	// ToolSummaries are one-line descriptions matching ToolNames.
	ToolSummaries []string

	// Transcript holds the exchanges so far, oldest first.
	Transcript []Exchange

	// ForceFinal tells the provider the budget is spent and it must answer
	// from what it has.
	ForceFinal bool
}

// StepResult is a provider's decision for one step: exactly one of Tool or
// Final is set.
type StepResult struct {
	Tool  *ToolCall
	Final string
}

// Provider proposes loop steps. Implementations are black boxes to the
// loop; the loop never trusts a returned tool name without checking it
// against the permitted set.
type Provider interface {
	Step(ctx context.Context, req StepRequest) (StepResult, error)
}

// EventKind classifies loop progress events.
type EventKind int

const (
	// EventToolCallRequested fires before a permitted tool is dispatched.
	EventToolCallRequested EventKind = iota
	// EventToolCallCompleted fires after a tool returns its observation.
	EventToolCallCompleted
	// EventToolDenied fires when the provider asked for a tool outside the
	// permitted set. The loop continues; the request is not aborted.
	EventToolDenied
	// EventFinalAnswer carries the provider's final text.
	EventFinalAnswer
)

// StepEvent is a loop progress notification consumed by the streaming
// broker.
type StepEvent struct {
	Kind EventKind

	// ToolName and ToolLabel identify the tool for call events.
	ToolName  string
	ToolLabel string

	// Text carries the final answer for EventFinalAnswer.
	Text string
}

// EventFunc observes loop progress. A nil EventFunc is valid.
type EventFunc func(StepEvent)
