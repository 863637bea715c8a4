package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/basket/handloop/internal/bus"
	"github.com/basket/handloop/internal/gate"
	"github.com/basket/handloop/internal/shared"
	"github.com/basket/handloop/internal/tokenutil"
	"github.com/basket/handloop/internal/tools"
)

// DefaultIterationCap bounds provider steps per request.
const DefaultIterationCap = 15

// maxObservationTokens caps how much of a tool observation is carried
// into subsequent provider prompts.
const maxObservationTokens = 2000

// Loop runs the step loop for one chat request. Loops are request-scoped
// and hold no shared state; concurrent requests get independent Loops.
type Loop struct {
	Provider     Provider
	Tools        *tools.Registry
	IterationCap int
	Logger       *slog.Logger
	Bus          *bus.Bus
}

// Run drives the provider until it produces a final answer or the
// iteration cap is reached. The allowed set is the gate's output for this
// request; tool calls outside it are dropped with a synthetic observation
// and the loop continues. Returns ErrNoFinalAnswer when the budget is
// spent without an answer.
func (l *Loop) Run(ctx context.Context, requestID, instruction string, allowed []gate.Descriptor, emit EventFunc) (string, error) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if emit == nil {
		emit = func(StepEvent) {}
	}
	budget := l.IterationCap
	if budget <= 0 {
		budget = DefaultIterationCap
	}

	names := make([]string, len(allowed))
	summaries := make([]string, len(allowed))
	for i, d := range allowed {
		names[i] = d.Name
		summaries[i] = d.Label
	}

	var transcript []Exchange
	for step := 1; step <= budget; step++ {
		req := StepRequest{
			Instruction:   instruction,
			ToolNames:     names,
			ToolSummaries: summaries,
			Transcript:    transcript,
			ForceFinal:    step == budget,
		}

		result, err := l.Provider.Step(ctx, req)
		if err != nil {
			return "", fmt.Errorf("provider step %d: %w", step, err)
		}

		if result.Tool == nil {
			emit(StepEvent{Kind: EventFinalAnswer, Text: result.Final})
			return result.Final, nil
		}

		call := *result.Tool
		desc, permitted := lookupDescriptor(allowed, call.Name)
		if !permitted {
			logger.Warn("tool call outside permitted set dropped",
				"request_id", requestID,
				"tool", call.Name,
				"permitted", names,
			)
			emit(StepEvent{Kind: EventToolDenied, ToolName: call.Name})
			transcript = append(transcript, Exchange{
				Call: call,
				Observation: fmt.Sprintf(
					"Tool %q is not available. Your available tools are ONLY: [%s].",
					call.Name, strings.Join(names, ", ")),
			})
			continue
		}

		tool, registered := l.Tools.Lookup(call.Name)
		if !registered {
			logger.Error("permitted tool missing from registry", "tool", call.Name)
			transcript = append(transcript, Exchange{
				Call:        call,
				Observation: fmt.Sprintf("Tool %q is not available right now.", call.Name),
			})
			continue
		}

		emit(StepEvent{Kind: EventToolCallRequested, ToolName: desc.Name, ToolLabel: desc.Label})
		if l.Bus != nil {
			l.Bus.Publish(bus.TopicStreamToolCall, bus.ToolCallEvent{
				RequestID: requestID,
				ToolName:  desc.Name,
			})
		}
		logger.Info("dispatching tool",
			"request_id", requestID,
			"step", step,
			"tool", desc.Name,
		)

		observation, err := tool.Run(ctx, call.Input)
		if err != nil {
			observation = fmt.Sprintf("Tool %q failed: %s", call.Name, shared.Redact(err.Error()))
			logger.Warn("tool run failed", "request_id", requestID, "tool", call.Name, "error", err)
		}
		emit(StepEvent{Kind: EventToolCallCompleted, ToolName: desc.Name, ToolLabel: desc.Label})
		transcript = append(transcript, Exchange{
			Call:        call,
			Observation: tokenutil.Clamp(observation, maxObservationTokens),
		})
	}

	logger.Warn("iteration cap reached without final answer",
		"request_id", requestID, "cap", budget)
	return "", ErrNoFinalAnswer
}

func lookupDescriptor(allowed []gate.Descriptor, name string) (gate.Descriptor, bool) {
	for _, d := range allowed {
		if d.Name == name {
			return d, true
		}
	}
	return gate.Descriptor{}, false
}
