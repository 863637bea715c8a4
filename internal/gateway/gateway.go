// Package gateway is the orchestrator's HTTP surface: streaming chat,
// the callback endpoint the desk answers through, and agent history.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/handloop/internal/broker"
	"github.com/basket/handloop/internal/correlator"
	"github.com/basket/handloop/internal/gate"
	"github.com/basket/handloop/internal/otel"
	"github.com/basket/handloop/internal/persistence"
	"github.com/basket/handloop/internal/shared"
)

// Config holds the gateway server's dependencies.
type Config struct {
	Broker     *broker.Broker
	Correlator *correlator.Correlator
	Store      *persistence.Store
	Logger     *slog.Logger
	Tracer     trace.Tracer
}

// Server is the orchestrator HTTP surface.
type Server struct {
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
}

// New creates a gateway Server.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	return &Server{cfg: cfg, logger: logger, tracer: tracer}
}

// Handler returns the orchestrator HTTP mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/chat", s.handleChat)
	mux.HandleFunc("/callback", s.handleCallback)
	mux.HandleFunc("/agent/", s.handleAgentHistory)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ping", s.handlePing)
	return mux
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	History []chatMessage   `json:"history"`
	Diagram json.RawMessage `json:"diagram"`
}

// handleChat streams the orchestrator's response as text/plain chunks,
// flushing after every chunk.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	// The instruction is the last user message in the history.
	instruction := ""
	for _, msg := range req.History {
		if msg.Role == "user" {
			instruction = msg.Content
		}
	}
	if strings.TrimSpace(instruction) == "" {
		http.Error(w, "history contains no user message", http.StatusBadRequest)
		return
	}

	requestID := shared.NewRequestID()[:8]
	logger := s.logger.With("request_id", requestID)
	logger.Info("chat request", "history_len", len(req.History), "has_diagram", len(req.Diagram) > 0)

	diagram := gate.ParseDiagram(req.Diagram, logger)

	// The stream outlives the caller on purpose: a disconnect must not
	// cancel an in-flight human delegation, so the loop runs on a
	// context detached from the request.
	ctx := shared.WithRequestID(context.WithoutCancel(r.Context()), requestID)
	ctx, span := otel.StartServerSpan(ctx, s.tracer, "gateway.chat",
		otel.AttrRequestID.String(requestID))
	defer span.End()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Request-ID", requestID)

	flusher, canFlush := w.(http.Flusher)
	for chunk := range s.cfg.Broker.Stream(ctx, requestID, instruction, diagram) {
		if _, err := w.Write([]byte(chunk)); err != nil {
			// Client is gone. Keep draining so the loop can finish and
			// settle any pending delegation bookkeeping.
			logger.Debug("chat write failed, draining stream", "error", err)
			continue
		}
		if canFlush {
			flusher.Flush()
		}
	}
}

type callbackRequest struct {
	QueryID  string `json:"query_id"`
	Response string `json:"response"`
}

// handleCallback receives answers from the desk and wakes the waiting
// delegation. The response shape is always 200; an unknown id is not the
// desk's problem, just a wait that already timed out.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req callbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.QueryID == "" {
		http.Error(w, "query_id required", http.StatusBadRequest)
		return
	}

	_, span := otel.StartSpan(r.Context(), s.tracer, "gateway.callback",
		otel.AttrQueryID.String(req.QueryID))
	defer span.End()

	delivered := s.cfg.Correlator.Resolve(req.QueryID, req.Response)
	s.logger.Info("callback received", "query_id", req.QueryID, "delivered", delivered)

	message := "Callback received successfully"
	if !delivered {
		message = "Query ID not found or already completed"
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"message": message})
}

// handleAgentHistory serves GET /agent/{agent_key}/history.
func (s *Server) handleAgentHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/agent/")
	agentKey, ok := strings.CutSuffix(rest, "/history")
	if !ok || agentKey == "" || strings.Contains(agentKey, "/") {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	entries, err := s.cfg.Store.ListHistory(r.Context(), agentKey)
	if err != nil {
		s.logger.Error("list history failed", "agent_key", agentKey, "error", err)
		http.Error(w, "failed to load history", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"history": entries})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "agent-api",
	})
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
