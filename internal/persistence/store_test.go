package persistence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/basket/handloop/internal/bus"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func TestCreateAndGetQuery(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	q, err := store.CreateQuery(ctx, "Should we ship?", "release 1.4", "http://localhost:8080/callback")
	if err != nil {
		t.Fatalf("create query: %v", err)
	}
	if q.ID == "" {
		t.Fatal("empty query id")
	}

	got, err := store.GetQuery(ctx, q.ID)
	if err != nil {
		t.Fatalf("get query: %v", err)
	}
	if got.Question != "Should we ship?" || got.Context != "release 1.4" {
		t.Fatalf("got %+v", got)
	}
	if got.Answered {
		t.Fatal("fresh query marked answered")
	}
}

func TestGetQuery_NotFound(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.GetQuery(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestAnswerQuery_AtMostOnce(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	q, _ := store.CreateQuery(ctx, "Q", "", "")
	answered, err := store.AnswerQuery(ctx, q.ID, "A")
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if answered.Response != "A" || !answered.Answered {
		t.Fatalf("answered = %+v", answered)
	}

	// A second answer is rejected and the original stands.
	if _, err := store.AnswerQuery(ctx, q.ID, "B"); !errors.Is(err, ErrAlreadyAnswered) {
		t.Fatalf("second answer err = %v, want ErrAlreadyAnswered", err)
	}
	got, _ := store.GetQuery(ctx, q.ID)
	if got.Response != "A" {
		t.Fatalf("stored response = %q, want original %q", got.Response, "A")
	}

	if _, err := store.AnswerQuery(ctx, "missing", "X"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown id err = %v, want ErrNotFound", err)
	}
}

func TestListUnanswered(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	q1, _ := store.CreateQuery(ctx, "first", "", "")
	q2, _ := store.CreateQuery(ctx, "second", "", "")
	if _, err := store.AnswerQuery(ctx, q1.ID, "done"); err != nil {
		t.Fatalf("answer: %v", err)
	}

	pending, err := store.ListUnanswered(ctx)
	if err != nil {
		t.Fatalf("list unanswered: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != q2.ID {
		t.Fatalf("pending = %+v, want only %s", pending, q2.ID)
	}

	p, a, err := store.Counts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if p != 1 || a != 1 {
		t.Fatalf("counts = (%d, %d), want (1, 1)", p, a)
	}
}

func TestAnswerPublishesBusEvent(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("query.")
	defer b.Unsubscribe(sub)

	store, err := Open(b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	q, _ := store.CreateQuery(ctx, "Q", "", "")

	// created + answered events, in order.
	if _, err := store.AnswerQuery(ctx, q.ID, "A"); err != nil {
		t.Fatalf("answer: %v", err)
	}
	wantTopics := []string{bus.TopicQueryCreated, bus.TopicQueryAnswered}
	for _, want := range wantTopics {
		select {
		case ev := <-sub.Ch():
			if ev.Topic != want {
				t.Fatalf("topic = %q, want %q", ev.Topic, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("no %s event", want)
		}
	}
}

func TestPruneAnswered(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	old, _ := store.CreateQuery(ctx, "old", "", "")
	if _, err := store.AnswerQuery(ctx, old.ID, "done"); err != nil {
		t.Fatalf("answer: %v", err)
	}
	fresh, _ := store.CreateQuery(ctx, "fresh pending", "", "")

	// Zero window prunes everything answered; pending queries survive.
	n, err := store.PruneAnswered(ctx, 0)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned = %d, want 1", n)
	}
	if _, err := store.GetQuery(ctx, old.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("answered query survived prune: %v", err)
	}
	if _, err := store.GetQuery(ctx, fresh.ID); err != nil {
		t.Fatalf("pending query pruned: %v", err)
	}
}

func TestHistoryLedger(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.RecordHistory(ctx, "agent-1", "analyzed rollout plan", StatusSuccess); err != nil {
		t.Fatalf("record: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if _, err := store.RecordHistory(ctx, "agent-1", "compared vendors", StatusError); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := store.RecordHistory(ctx, "human", "Responded to query: ok to ship?", StatusSuccess); err != nil {
		t.Fatalf("record: %v", err)
	}

	entries, err := store.ListHistory(ctx, "agent-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len = %d, want 2", len(entries))
	}
	// Newest first.
	if entries[0].Action != "compared vendors" || entries[1].Action != "analyzed rollout plan" {
		t.Fatalf("order wrong: %q then %q", entries[0].Action, entries[1].Action)
	}

	// Unknown agent key: empty slice, not an error.
	empty, err := store.ListHistory(ctx, "agent-99")
	if err != nil {
		t.Fatalf("list unknown: %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Fatalf("unknown key = %v, want empty slice", empty)
	}
}
