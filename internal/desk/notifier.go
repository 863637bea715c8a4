package desk

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/basket/handloop/internal/shared"
)

// callbackBudget bounds one callback delivery attempt end to end.
const callbackBudget = 10 * time.Second

// notifier POSTs answers back to the orchestrator's callback endpoint.
// Delivery is at-least-zero: failures are logged and not retried, the
// orchestrator's polling endpoint covers the gap.
type notifier struct {
	client *http.Client
	logger *slog.Logger
}

type callbackPayload struct {
	QueryID  string `json:"query_id"`
	Response string `json:"response"`
}

func (n *notifier) send(callbackURL, queryID, response string) {
	ctx, cancel := context.WithTimeout(context.Background(), callbackBudget)
	defer cancel()

	body, err := json.Marshal(callbackPayload{QueryID: queryID, Response: response})
	if err != nil {
		n.logger.Error("encode callback payload", "query_id", queryID, "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(body))
	if err != nil {
		n.logger.Error("build callback request", "query_id", queryID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	client := n.client
	if client == nil {
		client = &http.Client{Timeout: callbackBudget}
	}
	resp, err := client.Do(req)
	if err != nil {
		n.logger.Warn("callback delivery failed",
			"query_id", queryID,
			"error", shared.Redact(err.Error()),
		)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		n.logger.Warn("callback rejected",
			"query_id", queryID,
			"status", resp.StatusCode,
		)
		return
	}
	n.logger.Info("callback delivered", "query_id", queryID)
}
