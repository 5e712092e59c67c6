package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialSocket(t *testing.T, baseURL, functionID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(baseURL, "http") + "/v1/functions/" + functionID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readReply(t *testing.T, conn *websocket.Conn) socketReply {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var reply socketReply
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	return reply
}

func TestSocketEvaluates(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	f := createFunction(t, ts.URL, "function render(x, y, z) { return x > 0 ? x * y * z : undefined; }", nil)
	conn := dialSocket(t, ts.URL, f.ID)

	requests := []socketRequest{
		{Tag: "a", X: 1, Y: 2, Z: 3},
		{Tag: "b", X: 0, Y: 1, Z: 1},
		{Tag: "c", X: 2, Y: 2, Z: 2},
	}
	for _, req := range requests {
		if err := conn.WriteJSON(req); err != nil {
			t.Fatalf("WriteJSON: %v", err)
		}
	}

	got := make(map[string]socketReply)
	for range requests {
		reply := readReply(t, conn)
		got[reply.Tag] = reply
	}

	if r := got["a"]; r.Value == nil || *r.Value != 6 || r.Error != "" {
		t.Errorf("a = %+v, want value 6", r)
	}
	if r := got["b"]; r.Value != nil || r.Error != "" {
		t.Errorf("b = %+v, want null value", r)
	}
	if r := got["c"]; r.Value == nil || *r.Value != 8 {
		t.Errorf("c = %+v, want value 8", r)
	}
}

func TestSocketRepliesInCompletionOrder(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	f := createFunction(t, ts.URL, "function render(x) { return new Promise(r => setTimeout(() => r(x), x)); }", nil)
	conn := dialSocket(t, ts.URL, f.ID)

	if err := conn.WriteJSON(socketRequest{Tag: "slow", X: 200}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	if err := conn.WriteJSON(socketRequest{Tag: "fast", X: 1}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	if first := readReply(t, conn); first.Tag != "fast" {
		t.Errorf("first reply = %q, want fast", first.Tag)
	}
	if second := readReply(t, conn); second.Tag != "slow" || second.Value == nil || *second.Value != 200 {
		t.Errorf("second reply = %+v, want slow with 200", second)
	}
}

func TestSocketReportsFailures(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	f := createFunction(t, ts.URL, `function render(x) { if (x) throw new Error("boom"); return 1; }`, nil)
	conn := dialSocket(t, ts.URL, f.ID)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	if r := readReply(t, conn); r.Error != "invalid frame" {
		t.Errorf("reply = %+v, want invalid frame error", r)
	}

	if err := conn.WriteJSON(socketRequest{Tag: "t", X: 1}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	if r := readReply(t, conn); r.Tag != "t" || r.Error != "evaluation failed" || r.Value != nil {
		t.Errorf("reply = %+v, want evaluation failed", r)
	}
}

func TestSocketUnknownFunction(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/functions/nonexistent/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Errorf("response = %v, want 404", resp)
	}
}
