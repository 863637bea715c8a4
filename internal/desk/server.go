// Package desk serves the human side of the loop: agents submit
// questions, humans list and answer them, and answers are pushed back to
// the orchestrator through a best-effort callback.
package desk

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/basket/handloop/internal/bus"
	"github.com/basket/handloop/internal/persistence"
)

// Config holds the desk server's dependencies.
type Config struct {
	Store  *persistence.Store
	Bus    *bus.Bus
	Logger *slog.Logger
}

// Server is the desk HTTP surface.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	notifier *notifier
	hub      *wsHub
}

// New creates a desk Server.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		logger:   logger,
		notifier: &notifier{logger: logger},
		hub:      newWSHub(logger),
	}
}

// Handler returns the desk HTTP mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/query", s.handleCreateQuery)
	mux.HandleFunc("/query/", s.handleCheckResponse)
	mux.HandleFunc("/pending-queries", s.handlePendingQueries)
	mux.HandleFunc("/respond/", s.handleRespond)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.hub.handleWS)
	return mux
}

type createQueryRequest struct {
	Question    string `json:"question"`
	Context     string `json:"context"`
	CallbackURL string `json:"callback_url"`
}

type createQueryResponse struct {
	QueryID string `json:"query_id"`
	Message string `json:"message"`
}

func (s *Server) handleCreateQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req createQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		http.Error(w, "question must be non-empty", http.StatusBadRequest)
		return
	}

	q, err := s.cfg.Store.CreateQuery(r.Context(), req.Question, req.Context, req.CallbackURL)
	if err != nil {
		s.logger.Error("create query failed", "error", err)
		http.Error(w, "failed to store query", http.StatusInternalServerError)
		return
	}

	s.logger.Info("new query received",
		"query_id", q.ID,
		"has_context", req.Context != "",
		"has_callback", req.CallbackURL != "",
	)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(createQueryResponse{
		QueryID: q.ID,
		Message: "Query received. Waiting for human response.",
	})
}

type pendingQueryInfo struct {
	QueryID   string `json:"query_id"`
	Question  string `json:"question"`
	Context   string `json:"context"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) handlePendingQueries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	pending, err := s.cfg.Store.ListUnanswered(r.Context())
	if err != nil {
		s.logger.Error("list pending queries failed", "error", err)
		http.Error(w, "failed to list queries", http.StatusInternalServerError)
		return
	}

	out := make([]pendingQueryInfo, 0, len(pending))
	for _, q := range pending {
		out = append(out, pendingQueryInfo{
			QueryID:   q.ID,
			Question:  q.Question,
			Context:   q.Context,
			Timestamp: q.CreatedAt.Format(time.RFC3339),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

type respondRequest struct {
	Response string `json:"response"`
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	queryID := strings.TrimPrefix(r.URL.Path, "/respond/")
	if queryID == "" || strings.Contains(queryID, "/") {
		http.Error(w, "query_id required", http.StatusBadRequest)
		return
	}

	var req respondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	q, err := s.cfg.Store.AnswerQuery(r.Context(), queryID, req.Response)
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		http.Error(w, "Query not found", http.StatusNotFound)
		return
	case errors.Is(err, persistence.ErrAlreadyAnswered):
		http.Error(w, "Query already answered", http.StatusBadRequest)
		return
	case err != nil:
		s.logger.Error("answer query failed", "query_id", queryID, "error", err)
		http.Error(w, "failed to record response", http.StatusInternalServerError)
		return
	}

	s.logger.Info("response submitted", "query_id", q.ID)

	// Best-effort callback; the answer is recorded regardless of whether
	// anyone is still waiting on the other side.
	if q.CallbackURL != "" {
		go s.notifier.send(q.CallbackURL, q.ID, req.Response)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"message": "Response recorded successfully",
	})
}

type responseCheck struct {
	QueryID  string  `json:"query_id"`
	Response *string `json:"response"`
	IsReady  bool    `json:"is_ready"`
}

// handleCheckResponse serves GET /query/{query_id}/response, the polling
// fallback for orchestrators that missed the callback.
func (s *Server) handleCheckResponse(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/query/")
	queryID, ok := strings.CutSuffix(rest, "/response")
	if !ok || queryID == "" || strings.Contains(queryID, "/") {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	q, err := s.cfg.Store.GetQuery(r.Context(), queryID)
	if errors.Is(err, persistence.ErrNotFound) {
		http.Error(w, "Query not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("get query failed", "query_id", queryID, "error", err)
		http.Error(w, "failed to load query", http.StatusInternalServerError)
		return
	}

	check := responseCheck{QueryID: q.ID}
	if q.Answered {
		check.Response = &q.Response
		check.IsReady = true
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(check)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	pending, answered, err := s.cfg.Store.Counts(r.Context())
	if err != nil {
		s.logger.Error("health counts failed", "error", err)
		http.Error(w, "unhealthy", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":           "healthy",
		"service":          "human-api",
		"pending_queries":  pending,
		"answered_queries": answered,
	})
}
