package cron

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/basket/handloop/internal/persistence"
)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestNewSweeperRejectsBadSchedule(t *testing.T) {
	if _, err := NewSweeper(Config{Schedule: "not a cron expr"}); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSweepPrunesOnlyOldAnswered(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	answered, _ := store.CreateQuery(ctx, "old question", "", "")
	if _, err := store.AnswerQuery(ctx, answered.ID, "done"); err != nil {
		t.Fatalf("answer: %v", err)
	}
	pending, _ := store.CreateQuery(ctx, "still open", "", "")

	s, err := NewSweeper(Config{
		Store:     store,
		Retention: time.Nanosecond,
	})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}

	time.Sleep(2 * time.Millisecond)
	s.Sweep(ctx)

	if _, err := store.GetQuery(ctx, answered.ID); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("answered query should be pruned, got %v", err)
	}
	if _, err := store.GetQuery(ctx, pending.ID); err != nil {
		t.Fatalf("pending query should survive: %v", err)
	}
}

func TestSweeperStartStop(t *testing.T) {
	store := openTestStore(t)

	s, err := NewSweeper(Config{Store: store, Schedule: "* * * * *"})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	s.Start(context.Background())
	s.Stop()
}
