package correlator

import (
	"sync"
	"testing"
	"time"

	"github.com/basket/handloop/internal/bus"
)

func TestRegisterDuplicate(t *testing.T) {
	c := New(nil, nil)
	if _, err := c.Register("q-1"); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if _, err := c.Register("q-1"); err != ErrDuplicateID {
		t.Fatalf("second register err = %v, want ErrDuplicateID", err)
	}
}

func TestResolveWakesWaiter(t *testing.T) {
	c := New(nil, nil)
	w, err := c.Register("q-1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		if !c.Resolve("q-1", "deploy at noon") {
			t.Error("resolve returned false for live waiter")
		}
	}()

	out := c.Await(w, 5*time.Second)
	if out.TimedOut {
		t.Fatal("unexpected timeout")
	}
	if out.Text != "deploy at noon" {
		t.Fatalf("answer = %q, want %q", out.Text, "deploy at noon")
	}
	if c.IsPending("q-1") {
		t.Fatal("waiter still registered after resolve")
	}
}

func TestAwaitTimeoutRemovesEntry(t *testing.T) {
	c := New(nil, nil)
	w, err := c.Register("q-1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	out := c.Await(w, 50*time.Millisecond)
	if !out.TimedOut {
		t.Fatal("expected timeout outcome")
	}
	if c.IsPending("q-1") {
		t.Fatal("table entry present after timeout")
	}

	// A late resolve is a no-op, not an error.
	if c.Resolve("q-1", "too late") {
		t.Fatal("resolve after timeout returned true")
	}
}

func TestLateResolveDoesNotAffectOtherWaiters(t *testing.T) {
	c := New(nil, nil)

	w1, _ := c.Register("q-1")
	w2, _ := c.Register("q-2")

	// q-1 times out; resolving it afterwards must not touch q-2.
	out1 := c.Await(w1, 20*time.Millisecond)
	if !out1.TimedOut {
		t.Fatal("expected q-1 timeout")
	}
	c.Resolve("q-1", "stale")

	if !c.IsPending("q-2") {
		t.Fatal("q-2 waiter disturbed by stale resolve")
	}
	go c.Resolve("q-2", "fresh")
	out2 := c.Await(w2, time.Second)
	if out2.TimedOut || out2.Text != "fresh" {
		t.Fatalf("q-2 outcome = %+v, want fresh answer", out2)
	}
}

func TestResolveIdempotent(t *testing.T) {
	c := New(nil, nil)
	w, _ := c.Register("q-1")

	done := make(chan Outcome, 1)
	go func() { done <- c.Await(w, time.Second) }()

	// First resolve wins; repeats report false without mutating the answer.
	for !c.Resolve("q-1", "first") {
		time.Sleep(time.Millisecond)
	}
	if c.Resolve("q-1", "second") {
		t.Fatal("second resolve returned true")
	}
	if c.Resolve("q-1", "third") {
		t.Fatal("third resolve returned true")
	}

	out := <-done
	if out.Text != "first" {
		t.Fatalf("answer = %q, want %q", out.Text, "first")
	}
}

func TestConcurrentDelegationsIndependent(t *testing.T) {
	c := New(nil, nil)

	w1, _ := c.Register("q-1")
	w2, _ := c.Register("q-2")

	var wg sync.WaitGroup
	results := make(map[string]Outcome)
	var mu sync.Mutex

	wait := func(key string, w *Waiter) {
		defer wg.Done()
		out := c.Await(w, 2*time.Second)
		mu.Lock()
		results[key] = out
		mu.Unlock()
	}
	wg.Add(2)
	go wait("q-1", w1)
	go wait("q-2", w2)

	// Answering q-1 must not unblock q-2.
	c.Resolve("q-1", "answer one")
	time.Sleep(50 * time.Millisecond)
	if !c.IsPending("q-2") {
		t.Fatal("q-2 unblocked by q-1's answer")
	}
	c.Resolve("q-2", "answer two")
	wg.Wait()

	if results["q-1"].Text != "answer one" {
		t.Fatalf("q-1 = %+v", results["q-1"])
	}
	if results["q-2"].Text != "answer two" {
		t.Fatalf("q-2 = %+v", results["q-2"])
	}
}

func TestResolveRacesTimer(t *testing.T) {
	// Resolve landing at the same moment the budget expires must deliver the
	// answer or time out cleanly, never both and never a hang.
	for i := 0; i < 50; i++ {
		c := New(nil, nil)
		w, _ := c.Register("q")
		go c.Resolve("q", "racy")
		out := c.Await(w, time.Millisecond)
		if !out.TimedOut && out.Text != "racy" {
			t.Fatalf("iteration %d: outcome %+v", i, out)
		}
		if c.IsPending("q") {
			t.Fatalf("iteration %d: entry leaked", i)
		}
	}
}

func TestTimeoutPublishesBusEvent(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("delegation.")
	defer b.Unsubscribe(sub)

	c := New(b, nil)
	w, _ := c.Register("q-1")
	c.Await(w, 10*time.Millisecond)

	select {
	case ev := <-sub.Ch():
		if ev.Topic != bus.TopicDelegationTimeout {
			t.Fatalf("topic = %q, want %s", ev.Topic, bus.TopicDelegationTimeout)
		}
	case <-time.After(time.Second):
		t.Fatal("no timeout event published")
	}
}
