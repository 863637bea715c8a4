package tools

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/basket/handloop/internal/persistence"
	"github.com/basket/handloop/internal/shared"
)

// AnalystAgentKey is the history ledger key the analyst records under.
const AnalystAgentKey = "agent-1"

const analystPromptTemplate = `You are an analytical AI agent specialized in logical reasoning and structured thinking.

Task: %s

Provide a well-reasoned, analytical response. Focus on:
- Breaking down complex problems
- Logical step-by-step reasoning
- Data-driven insights
- Structured conclusions

Response:`

// AnalystTool delegates a task to an analytical specialist model and
// records the outcome in the history ledger.
type AnalystTool struct {
	Model  ModelFunc
	Store  *persistence.Store
	Logger *slog.Logger
}

func (t *AnalystTool) Name() string { return "analyst_agent" }

// Run sends the task to the specialist model. Model failures are folded
// into the observation so the orchestration loop can route around them.
func (t *AnalystTool) Run(ctx context.Context, task string) (string, error) {
	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}
	action := shared.Truncate(task, 100)

	result, err := t.Model(ctx, fmt.Sprintf(analystPromptTemplate, task))
	if err != nil {
		t.record(ctx, action, persistence.StatusError)
		logger.Warn("analyst agent failed", "error", shared.Redact(err.Error()))
		return fmt.Sprintf("Error in analytical agent: %s", err), nil
	}

	t.record(ctx, action, persistence.StatusSuccess)
	return result, nil
}

func (t *AnalystTool) record(ctx context.Context, action, status string) {
	if t.Store == nil {
		return
	}
	if _, err := t.Store.RecordHistory(ctx, AnalystAgentKey, action, status); err != nil {
		slog.Warn("record analyst history", "error", err)
	}
}
