// Package broker turns one chat request into a finite stream of text
// chunks: progress notices while tools run, then the final answer, with
// fallbacks that guarantee the stream is never empty.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/basket/handloop/internal/engine"
	"github.com/basket/handloop/internal/gate"
	"github.com/basket/handloop/internal/shared"
	"github.com/basket/handloop/internal/tools"
)

// state is the per-request phase, tracked for diagnostics.
type state int

const (
	stateIdle state = iota
	stateDispatching
	stateDelegating
	stateEmitting
	stateDone
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateDispatching:
		return "dispatching"
	case stateDelegating:
		return "delegating"
	case stateEmitting:
		return "emitting"
	case stateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Broker runs the orchestration loop for chat requests and exposes the
// result as a chunk stream. One Broker serves all requests; per-request
// state lives in the goroutine Stream spawns.
type Broker struct {
	Provider     engine.Provider
	Tools        *tools.Registry
	Gate         *gate.Registry
	IterationCap int
	Logger       *slog.Logger
	Loop         *engine.Loop // optional override, mainly for tests
}

// Stream runs the instruction through the gated orchestration loop and
// returns a channel of text chunks. The channel is finite and closed when
// the request is done; a stream is not restartable. At least one chunk is
// always delivered. Chunks the consumer never picks up are dropped once
// ctx is cancelled, but the underlying loop runs to completion regardless.
func (b *Broker) Stream(ctx context.Context, requestID, instruction string, diagram *gate.Diagram) <-chan string {
	out := make(chan string, 16)
	go b.run(ctx, requestID, instruction, diagram, out)
	return out
}

func (b *Broker) run(ctx context.Context, requestID, instruction string, diagram *gate.Diagram, out chan<- string) {
	defer close(out)

	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("request_id", requestID)

	current := stateIdle
	transition := func(next state) {
		if next == current {
			return
		}
		logger.Debug("stream state", "from", current.String(), "to", next.String())
		current = next
	}

	sent := 0
	send := func(chunk string) {
		select {
		case out <- chunk:
			sent++
		case <-ctx.Done():
			// Consumer is gone; drop the chunk but keep the loop running
			// so in-flight delegations still settle.
			logger.Debug("chunk dropped, consumer disconnected")
			sent++
		}
	}

	allowed := gate.AllowedTools(diagram, b.Gate, logger)
	transition(stateDispatching)

	notified := make(map[string]bool)
	emit := func(ev engine.StepEvent) {
		switch ev.Kind {
		case engine.EventToolCallRequested:
			if d, ok := b.Gate.Lookup(ev.ToolName); ok && d.Kind == gate.KindHuman {
				transition(stateDelegating)
			}
			if notified[ev.ToolName] {
				return
			}
			notified[ev.ToolName] = true
			send(fmt.Sprintf("Consulting %s...\n\n", ev.ToolLabel))
		case engine.EventToolCallCompleted:
			transition(stateDispatching)
		case engine.EventFinalAnswer:
			transition(stateEmitting)
		}
	}

	loop := b.Loop
	if loop == nil {
		loop = &engine.Loop{
			Provider:     b.Provider,
			Tools:        b.Tools,
			IterationCap: b.IterationCap,
			Logger:       logger,
		}
	}

	answer, err := loop.Run(ctx, requestID, instruction, allowed, emit)
	switch {
	case err == nil && strings.TrimSpace(answer) != "":
		transition(stateEmitting)
		send(answer)

	case err == nil || errors.Is(err, engine.ErrNoFinalAnswer):
		transition(stateEmitting)
		send(b.fallbackMessage(allowed))

	default:
		logger.Error("orchestration failed", "error", err)
		transition(stateEmitting)
		send("I encountered an error while processing your request. Error details: " +
			shared.Redact(err.Error()))
	}

	if sent == 0 {
		send(b.fallbackMessage(allowed))
	}
	transition(stateDone)
}

// fallbackMessage is sent when the loop produced nothing usable. It names
// the capabilities available right now so the user can rephrase.
func (b *Broker) fallbackMessage(allowed []gate.Descriptor) string {
	msg := "I apologize, but I'm having difficulty processing your request. "
	if len(allowed) > 0 {
		msg += fmt.Sprintf("I currently have access to: %s. ", strings.Join(gate.Labels(allowed), ", "))
	}
	msg += "Could you please rephrase your question?"
	return msg
}
