package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/basket/handloop/internal/correlator"
	"github.com/basket/handloop/internal/persistence"
	"github.com/basket/handloop/internal/shared"
)

// HumanAgentKey is the history ledger key human responses record under.
const HumanAgentKey = "human"

// HumanQueryTool submits a question to the desk service and blocks until
// a human answers through the callback, or the wait times out.
type HumanQueryTool struct {
	DeskBaseURL string
	CallbackURL string
	Timeout     time.Duration
	Correlator  *correlator.Correlator
	Store       *persistence.Store
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

func (t *HumanQueryTool) Name() string { return "query_human" }

type submitRequest struct {
	Question    string `json:"question"`
	Context     string `json:"context,omitempty"`
	CallbackURL string `json:"callback_url"`
}

type submitResponse struct {
	QueryID string `json:"query_id"`
}

// Run submits the question and waits for the human's answer. The wait is
// bounded by t.Timeout only; the caller's context does not cut it short,
// so a disconnected chat request leaves the question pending until a
// human answers or the timeout fires.
func (t *HumanQueryTool) Run(ctx context.Context, question string) (string, error) {
	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}

	queryID, err := t.submit(ctx, question)
	if err != nil {
		logger.Warn("human query submit failed", "error", shared.Redact(err.Error()))
		return fmt.Sprintf("Error querying human: %s", err), nil
	}

	w, err := t.Correlator.Register(queryID)
	if err != nil {
		return fmt.Sprintf("Error querying human: %s", err), nil
	}

	logger.Info("waiting for human response",
		"query_id", queryID,
		"timeout", timeout,
	)

	outcome := t.Correlator.Await(w, timeout)
	if outcome.TimedOut {
		t.record(ctx, "Timeout waiting for response: "+shared.Truncate(question, 80), persistence.StatusError)
		return fmt.Sprintf("Timeout: Human did not respond within %d seconds", int(timeout.Seconds())), nil
	}

	t.record(ctx, "Responded to query: "+shared.Truncate(question, 80), persistence.StatusSuccess)
	return outcome.Text, nil
}

func (t *HumanQueryTool) submit(ctx context.Context, question string) (string, error) {
	body, err := json.Marshal(submitRequest{
		Question:    question,
		CallbackURL: t.CallbackURL,
	})
	if err != nil {
		return "", fmt.Errorf("encode query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.DeskBaseURL+"/query", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build query request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := t.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit query: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("submit query: desk returned %d: %s", resp.StatusCode, snippet)
	}

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode query response: %w", err)
	}
	if out.QueryID == "" {
		return "", fmt.Errorf("desk returned empty query id")
	}
	return out.QueryID, nil
}

func (t *HumanQueryTool) record(ctx context.Context, action, status string) {
	if t.Store == nil {
		return
	}
	if _, err := t.Store.RecordHistory(ctx, HumanAgentKey, action, status); err != nil {
		slog.Warn("record human history", "error", err)
	}
}
