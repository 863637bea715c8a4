package desk

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/handloop/internal/bus"
)

// wsEvent is pushed to connected desk consoles on query lifecycle
// changes so they can refresh without polling.
type wsEvent struct {
	Type     string `json:"type"`
	QueryID  string `json:"query_id"`
	Question string `json:"question,omitempty"`
	Context  string `json:"context,omitempty"`
	Response string `json:"response,omitempty"`
}

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) write(ctx context.Context, payload interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(ctx, c.conn, payload)
}

// wsHub tracks connected console clients and broadcasts query events.
type wsHub struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

func newWSHub(logger *slog.Logger) *wsHub {
	return &wsHub{
		logger:  logger,
		clients: map[*wsClient]struct{}{},
	}
}

func (h *wsHub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	c := &wsClient{conn: conn}
	h.addClient(c)
	h.logger.Info("ws: console connected")
	defer func() {
		h.removeClient(c)
		h.logger.Info("ws: console disconnecting")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	// Console connections are push-only; the read loop exists to notice
	// disconnects and to drain pings.
	for {
		var discard json.RawMessage
		if err := wsjson.Read(r.Context(), conn, &discard); err != nil {
			return
		}
	}
}

func (h *wsHub) addClient(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *wsHub) removeClient(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

func (h *wsHub) broadcast(ctx context.Context, ev wsEvent) {
	h.mu.Lock()
	targets := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		if err := c.write(ctx, ev); err != nil {
			h.logger.Debug("ws: broadcast failed, dropping client", "error", err)
			h.removeClient(c)
			_ = c.conn.Close(websocket.StatusNormalClosure, "write failed")
		}
	}
}

// Run forwards query lifecycle events from the bus to connected console
// clients. It blocks until ctx is done.
func (s *Server) Run(ctx context.Context) {
	if s.cfg.Bus == nil {
		<-ctx.Done()
		return
	}
	sub := s.cfg.Bus.Subscribe("query.")
	defer s.cfg.Bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			qe, isQuery := ev.Payload.(bus.QueryEvent)
			if !isQuery {
				continue
			}
			s.hub.broadcast(ctx, wsEvent{
				Type:     ev.Topic,
				QueryID:  qe.QueryID,
				Question: qe.Question,
				Context:  qe.Context,
				Response: qe.Response,
			})
		}
	}
}
