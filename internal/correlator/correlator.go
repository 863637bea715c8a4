// Package correlator bridges a synchronous "ask and block" caller with an
// asynchronous "someone answers later" producer. A chat request that delegates
// a question to a human registers a waiter keyed by query id, then blocks on
// Await until a callback (or a poll result) resolves the id or the wait budget
// runs out.
//
// The waiter table is the only shared mutable state on the orchestrator's hot
// path. The lock guards table mutation only and is never held across the
// blocking wait, so a resolve from another request is never stuck behind a
// sleeping waiter.
package correlator

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/handloop/internal/bus"
)

// ErrDuplicateID is returned when a waiter already exists for a query id.
// Ids are generated fresh per delegation, so hitting this is a programming
// error rather than a user-facing condition.
var ErrDuplicateID = errors.New("waiter already registered for query id")

// Outcome is the terminal result of a delegation wait.
type Outcome struct {
	Text     string
	TimedOut bool
}

// Waiter is the per-delegation synchronization handle. Its done channel fires
// exactly once; the answer slot is written before done is closed.
type Waiter struct {
	queryID string
	done    chan struct{}
	answer  string
}

// QueryID returns the id this waiter is registered under.
func (w *Waiter) QueryID() string { return w.queryID }

// Correlator tracks in-flight delegations.
type Correlator struct {
	mu      sync.Mutex
	waiters map[string]*Waiter

	bus    *bus.Bus
	logger *slog.Logger
}

// New creates a Correlator. The bus is optional; when present, delegation
// lifecycle events are published for observers such as the streaming broker.
func New(b *bus.Bus, logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{
		waiters: make(map[string]*Waiter),
		bus:     b,
		logger:  logger,
	}
}

// Register creates a waiter for the given query id.
func (c *Correlator) Register(queryID string) (*Waiter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.waiters[queryID]; exists {
		return nil, ErrDuplicateID
	}
	w := &Waiter{
		queryID: queryID,
		done:    make(chan struct{}),
	}
	c.waiters[queryID] = w
	return w, nil
}

// Await blocks the calling goroutine until the waiter is resolved or the
// timeout elapses. Timeout is a terminal outcome, not an error; the table
// entry is removed so a late resolve finds no target.
//
// Await deliberately does not observe request cancellation: a caller that
// disconnects leaves the wait running until the budget expires, at which point
// the entry is removed regardless of whether anyone is still listening.
func (c *Correlator) Await(w *Waiter, timeout time.Duration) Outcome {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.done:
		return Outcome{Text: w.answer}

	case <-timer.C:
		c.mu.Lock()
		if _, live := c.waiters[w.queryID]; live {
			delete(c.waiters, w.queryID)
			c.mu.Unlock()

			c.logger.Warn("delegation wait timed out",
				"query_id", w.queryID, "budget", timeout)
			if c.bus != nil {
				c.bus.Publish(bus.TopicDelegationTimeout, bus.DelegationEvent{QueryID: w.queryID})
			}
			return Outcome{TimedOut: true}
		}
		c.mu.Unlock()

		// Resolve won the race with the timer; the answer stands.
		<-w.done
		return Outcome{Text: w.answer}
	}
}

// Resolve delivers an answer to the waiter registered under queryID and wakes
// it. It returns false when the id is unknown, already resolved, or expired.
// Safe to call any number of times for the same id; only the first live
// delivery takes effect.
func (c *Correlator) Resolve(queryID, text string) bool {
	c.mu.Lock()
	w, live := c.waiters[queryID]
	if !live {
		c.mu.Unlock()
		c.logger.Info("resolve for unknown or completed query id", "query_id", queryID)
		return false
	}
	w.answer = text
	delete(c.waiters, queryID)
	close(w.done)
	c.mu.Unlock()

	if c.bus != nil {
		c.bus.Publish(bus.TopicDelegationResolved, bus.DelegationEvent{QueryID: queryID})
	}
	return true
}

// Pending returns the number of in-flight delegations.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// IsPending reports whether a waiter is currently registered for queryID.
func (c *Correlator) IsPending(queryID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, live := c.waiters[queryID]
	return live
}
