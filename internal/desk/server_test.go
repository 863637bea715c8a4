package desk

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/handloop/internal/bus"
	"github.com/basket/handloop/internal/persistence"
)

func newTestServer(t *testing.T, b *bus.Bus) (*Server, *httptest.Server) {
	t.Helper()
	store, err := persistence.Open(b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	srv := New(Config{Store: store, Bus: b})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func TestQueryRoundTrip(t *testing.T) {
	_, ts := newTestServer(t, nil)

	// Submit.
	resp := postJSON(t, ts.URL+"/query", map[string]string{
		"question": "Approve the deploy?",
		"context":  "v2.3 rollout",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("submit status = %d", resp.StatusCode)
	}
	created := decode[createQueryResponse](t, resp)
	if created.QueryID == "" {
		t.Fatal("empty query id")
	}
	if !strings.Contains(created.Message, "Waiting for human response") {
		t.Fatalf("message = %q", created.Message)
	}

	// Pending list includes it.
	listResp, err := http.Get(ts.URL + "/pending-queries")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	defer listResp.Body.Close()
	pending := decode[[]pendingQueryInfo](t, listResp)
	if len(pending) != 1 || pending[0].QueryID != created.QueryID {
		t.Fatalf("pending = %+v", pending)
	}
	if pending[0].Context != "v2.3 rollout" {
		t.Fatalf("context = %q", pending[0].Context)
	}

	// Not ready yet.
	checkResp, err := http.Get(ts.URL + "/query/" + created.QueryID + "/response")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	defer checkResp.Body.Close()
	check := decode[responseCheck](t, checkResp)
	if check.IsReady || check.Response != nil {
		t.Fatalf("check before answer = %+v", check)
	}

	// Answer.
	respondResp := postJSON(t, ts.URL+"/respond/"+created.QueryID, map[string]string{
		"response": "Approved, go ahead.",
	})
	if respondResp.StatusCode != http.StatusOK {
		t.Fatalf("respond status = %d", respondResp.StatusCode)
	}

	// Poll yields the answer.
	check2Resp, err := http.Get(ts.URL + "/query/" + created.QueryID + "/response")
	if err != nil {
		t.Fatalf("check2: %v", err)
	}
	defer check2Resp.Body.Close()
	check2 := decode[responseCheck](t, check2Resp)
	if !check2.IsReady || check2.Response == nil || *check2.Response != "Approved, go ahead." {
		t.Fatalf("check after answer = %+v", check2)
	}

	// Answered queries leave the pending list.
	list2Resp, err := http.Get(ts.URL + "/pending-queries")
	if err != nil {
		t.Fatalf("pending2: %v", err)
	}
	defer list2Resp.Body.Close()
	if remaining := decode[[]pendingQueryInfo](t, list2Resp); len(remaining) != 0 {
		t.Fatalf("pending after answer = %+v", remaining)
	}
}

func TestRespondErrors(t *testing.T) {
	_, ts := newTestServer(t, nil)

	// Unknown id.
	resp := postJSON(t, ts.URL+"/respond/nope", map[string]string{"response": "x"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown id status = %d", resp.StatusCode)
	}

	// Double answer.
	created := decode[createQueryResponse](t, postJSON(t, ts.URL+"/query", map[string]string{
		"question": "Q",
	}))
	first := postJSON(t, ts.URL+"/respond/"+created.QueryID, map[string]string{"response": "A"})
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first answer status = %d", first.StatusCode)
	}
	second := postJSON(t, ts.URL+"/respond/"+created.QueryID, map[string]string{"response": "B"})
	if second.StatusCode != http.StatusBadRequest {
		t.Fatalf("second answer status = %d", second.StatusCode)
	}
}

func TestCheckResponseUnknownQuery(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/query/missing/response")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestCreateQueryRejectsEmptyQuestion(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp := postJSON(t, ts.URL+"/query", map[string]string{"question": "   "})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestHealthReportsCounts(t *testing.T) {
	_, ts := newTestServer(t, nil)

	created := decode[createQueryResponse](t, postJSON(t, ts.URL+"/query", map[string]string{
		"question": "open one",
	}))
	done := decode[createQueryResponse](t, postJSON(t, ts.URL+"/query", map[string]string{
		"question": "answered one",
	}))
	postJSON(t, ts.URL+"/respond/"+done.QueryID, map[string]string{"response": "ok"})
	_ = created

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	defer resp.Body.Close()

	health := decode[map[string]any](t, resp)
	if health["status"] != "healthy" || health["service"] != "human-api" {
		t.Fatalf("health = %v", health)
	}
	if health["pending_queries"].(float64) != 1 || health["answered_queries"].(float64) != 1 {
		t.Fatalf("counts = %v", health)
	}
}

func TestRespondFiresCallback(t *testing.T) {
	got := make(chan callbackPayload, 1)
	cb := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p callbackPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			t.Errorf("decode callback: %v", err)
		}
		got <- p
	}))
	defer cb.Close()

	_, ts := newTestServer(t, nil)

	created := decode[createQueryResponse](t, postJSON(t, ts.URL+"/query", map[string]string{
		"question":     "need a decision",
		"callback_url": cb.URL + "/callback",
	}))
	postJSON(t, ts.URL+"/respond/"+created.QueryID, map[string]string{"response": "decided"})

	select {
	case p := <-got:
		if p.QueryID != created.QueryID || p.Response != "decided" {
			t.Fatalf("callback payload = %+v", p)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("callback never delivered")
	}
}

func TestWSPushOnQueryLifecycle(t *testing.T) {
	b := bus.New()
	srv, ts := newTestServer(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go srv.Run(ctx)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("ws dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	// Give the pump a beat to register its bus subscription.
	time.Sleep(50 * time.Millisecond)

	created := decode[createQueryResponse](t, postJSON(t, ts.URL+"/query", map[string]string{
		"question": "ws test",
	}))

	var ev wsEvent
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatalf("ws read: %v", err)
	}
	if ev.Type != bus.TopicQueryCreated || ev.QueryID != created.QueryID {
		t.Fatalf("event = %+v", ev)
	}

	postJSON(t, ts.URL+"/respond/"+created.QueryID, map[string]string{"response": "seen"})

	var ev2 wsEvent
	if err := wsjson.Read(ctx, conn, &ev2); err != nil {
		t.Fatalf("ws read 2: %v", err)
	}
	if ev2.Type != bus.TopicQueryAnswered || ev2.Response != "seen" {
		t.Fatalf("event2 = %+v", ev2)
	}
}
