package isolate

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/voxelgrid/internal/backend"
	"github.com/seantiz/voxelgrid/internal/protocol"
)

const replyWait = 2 * time.Second

func newTestIsolate(t *testing.T, code string, opts ...Option) *Isolate {
	t.Helper()
	iso := New(code, opts...)
	t.Cleanup(func() { iso.Dispose() })
	return iso
}

func evaluate(t *testing.T, iso *Isolate, req protocol.Request) protocol.Reply {
	t.Helper()
	if err := iso.Send(context.Background(), req); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case r := <-iso.Replies():
		return r
	case <-time.After(replyWait):
		t.Fatalf("no reply for %s within %v", req.ID, replyWait)
		return protocol.Reply{}
	}
}

func TestRenderValues(t *testing.T) {
	tests := []struct {
		name    string
		code    string
		x, y, z int
		want    float64
	}{
		{"sum", "function render(x, y, z) { return x + y + z; }", 1, 2, 3, 6},
		{"negative", "function render(x, y, z) { return x * y; }", -4, 2, 0, -8},
		{"fraction", "function render(x) { return x / 2; }", 3, 0, 0, 1.5},
		{"zero", "function render() { return 0; }", 5, 5, 5, 0},
		{"arrow", "const render = (x, y, z) => x - z;", 9, 0, 4, 5},
		{"async", "async function render(x) { return x * 2; }", 21, 0, 0, 42},
		{"promise", "function render(x) { return Promise.resolve(x + 1); }", 1, 0, 0, 2},
		{"timer", "function render(x) { return new Promise(r => setTimeout(() => r(x), 5)); }", 7, 0, 0, 7},
		{"console", "function render(x) { console.log('x is', x); return x; }", 3, 0, 0, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			iso := newTestIsolate(t, tt.code)
			r := evaluate(t, iso, protocol.NewRequest("req-1", tt.x, tt.y, tt.z))

			if r.ID != "req-1" {
				t.Errorf("ID = %q, want %q", r.ID, "req-1")
			}
			if r.Error {
				t.Fatalf("unexpected failure: %s", r.Message)
			}
			if r.Result == nil {
				t.Fatal("Result = nil, want a value")
			}
			if *r.Result != tt.want {
				t.Errorf("Result = %v, want %v", *r.Result, tt.want)
			}
		})
	}
}

func TestRenderAbsent(t *testing.T) {
	tests := []struct {
		name string
		code string
	}{
		{"no return", "function render() {}"},
		{"undefined", "function render() { return undefined; }"},
		{"null", "function render() { return null; }"},
		{"async no return", "async function render() {}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			iso := newTestIsolate(t, tt.code)
			r := evaluate(t, iso, protocol.NewRequest("a", 0, 0, 0))
			if !r.Absent() {
				t.Errorf("reply = %+v, want absent", r)
			}
		})
	}
}

func TestRenderFailures(t *testing.T) {
	tests := []struct {
		name        string
		code        string
		wantMessage string
	}{
		{"throws", "function render() { throw new Error('boom'); }", "boom"},
		{"async rejects", "async function render() { throw new Error('late'); }", "late"},
		{"rejected promise", "function render() { return Promise.reject(new Error('nope')); }", "nope"},
		{"missing render", "var notRender = 1;", "render"},
		{"syntax error", "function render( {", "compile"},
		{"top-level throw", "throw new Error('at load');", "at load"},
		{"string result", "function render() { return '7'; }", "non-numeric"},
		{"object result", "function render() { return {v: 1}; }", "non-numeric"},
		{"NaN result", "function render() { return NaN; }", "non-finite"},
		{"infinite result", "function render() { return 1 / 0; }", "non-finite"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			iso := newTestIsolate(t, tt.code)
			r := evaluate(t, iso, protocol.NewRequest("f", 1, 1, 1))

			if !r.Error {
				t.Fatalf("reply = %+v, want failure", r)
			}
			if r.ID != "f" {
				t.Errorf("ID = %q, want %q", r.ID, "f")
			}
			if !strings.Contains(r.Message, tt.wantMessage) {
				t.Errorf("Message = %q, want it to contain %q", r.Message, tt.wantMessage)
			}
		})
	}
}

func TestMalformedCoordinatesReplyNeutral(t *testing.T) {
	iso := newTestIsolate(t, "function render() { throw new Error('should not run'); }")

	tests := []struct {
		name string
		req  protocol.Request
	}{
		{"no render args", protocol.Request{ID: "m1"}},
		{"string x", protocol.Request{ID: "m2", Render: &protocol.RenderArgs{
			X: json.RawMessage(`"a"`), Y: json.RawMessage("1"), Z: json.RawMessage("1"),
		}}},
		{"missing z", protocol.Request{ID: "m3", Render: &protocol.RenderArgs{
			X: json.RawMessage("1"), Y: json.RawMessage("1"),
		}}},
		{"null y", protocol.Request{ID: "m4", Render: &protocol.RenderArgs{
			X: json.RawMessage("1"), Y: json.RawMessage("null"), Z: json.RawMessage("1"),
		}}},
	}

	for _, tt := range tests {
		r := evaluate(t, iso, tt.req)
		if r.Error || r.Result == nil || *r.Result != protocol.NeutralValue {
			t.Errorf("%s: reply = %+v, want result %d", tt.name, r, protocol.NeutralValue)
		}
		if r.ID != tt.req.ID {
			t.Errorf("%s: ID = %q, want %q", tt.name, r.ID, tt.req.ID)
		}
	}
}

func TestRepliesInCompletionOrder(t *testing.T) {
	iso := newTestIsolate(t, "function render(x) { return new Promise(r => setTimeout(() => r(x), x)); }")

	if err := iso.Send(context.Background(), protocol.NewRequest("slow", 100, 0, 0)); err != nil {
		t.Fatalf("Send slow: %v", err)
	}
	if err := iso.Send(context.Background(), protocol.NewRequest("fast", 1, 0, 0)); err != nil {
		t.Fatalf("Send fast: %v", err)
	}

	var order []string
	for range 2 {
		select {
		case r := <-iso.Replies():
			order = append(order, r.ID)
		case <-time.After(replyWait):
			t.Fatalf("timed out, got %v", order)
		}
	}
	if order[0] != "fast" || order[1] != "slow" {
		t.Errorf("reply order = %v, want [fast slow]", order)
	}
}

func TestStatePersistsAcrossRequests(t *testing.T) {
	iso := newTestIsolate(t, "let calls = 0; function render() { calls++; return calls; }")

	for want := 1; want <= 3; want++ {
		r := evaluate(t, iso, protocol.NewRequest("s", 0, 0, 0))
		if r.Result == nil || *r.Result != float64(want) {
			t.Fatalf("call %d: reply = %+v", want, r)
		}
	}
}

func TestWithGlobals(t *testing.T) {
	iso := newTestIsolate(t, "function render(x) { return x * scale; }",
		WithGlobals(map[string]any{"scale": 3}))

	r := evaluate(t, iso, protocol.NewRequest("g", 2, 0, 0))
	if r.Result == nil || *r.Result != 6 {
		t.Errorf("reply = %+v, want 6", r)
	}
}

func TestLoadTimeout(t *testing.T) {
	start := time.Now()
	iso := newTestIsolate(t, "while (true) {}", WithLoadTimeout(50*time.Millisecond))
	if elapsed := time.Since(start); elapsed > replyWait {
		t.Fatalf("New took %v with a 50ms load timeout", elapsed)
	}

	r := evaluate(t, iso, protocol.NewRequest("t", 0, 0, 0))
	if !r.Error {
		t.Errorf("reply = %+v, want failure", r)
	}
}

func TestDisposeIsIdempotent(t *testing.T) {
	iso := New("function render() { return 1; }")

	if err := iso.Dispose(); err != nil {
		t.Fatalf("first Dispose: %v", err)
	}
	if err := iso.Dispose(); err != nil {
		t.Fatalf("second Dispose: %v", err)
	}

	err := iso.Send(context.Background(), protocol.NewRequest("d", 0, 0, 0))
	if !errors.Is(err, backend.ErrHostDisposed) {
		t.Errorf("Send after Dispose = %v, want ErrHostDisposed", err)
	}
}

func TestDisposeInterruptsRunningCode(t *testing.T) {
	iso := New("function render() { for (;;) {} }")

	if err := iso.Send(context.Background(), protocol.NewRequest("spin", 0, 0, 0)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		iso.Dispose()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(replyWait):
		t.Fatal("Dispose did not return while user code was spinning")
	}

	select {
	case r := <-iso.Replies():
		t.Errorf("got reply %+v after Dispose", r)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNoReplyAfterDisposeWithPendingTimer(t *testing.T) {
	iso := New("function render(x) { return new Promise(r => setTimeout(() => r(x), 50)); }")

	if err := iso.Send(context.Background(), protocol.NewRequest("p", 1, 0, 0)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	iso.Dispose()

	select {
	case r := <-iso.Replies():
		t.Errorf("got reply %+v after Dispose", r)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSendHonoursCanceledContext(t *testing.T) {
	iso := newTestIsolate(t, "function render() { return 1; }")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := iso.Send(ctx, protocol.NewRequest("c", 0, 0, 0)); !errors.Is(err, context.Canceled) {
		t.Errorf("Send = %v, want context.Canceled", err)
	}
}

func TestCrashReportsFatalOnce(t *testing.T) {
	iso := newTestIsolate(t, "function render() { return 1; }")

	iso.crash(errors.New("runtime broke"))
	iso.crash(errors.New("again"))

	select {
	case err := <-iso.Fatal():
		if err.Error() != "runtime broke" {
			t.Errorf("Fatal = %v, want %q", err, "runtime broke")
		}
	case <-time.After(replyWait):
		t.Fatal("no error on Fatal")
	}

	select {
	case err := <-iso.Fatal():
		t.Errorf("second Fatal %v, want at most one", err)
	default:
	}

	if err := iso.Send(context.Background(), protocol.NewRequest("x", 0, 0, 0)); !errors.Is(err, ErrFailed) {
		t.Errorf("Send after crash = %v, want ErrFailed", err)
	}
}

func TestBackendOpen(t *testing.T) {
	b := NewBackend(Config{MaxHosts: 8}, discardLogger())

	host, err := b.Open(context.Background(), backend.HostSpec{ID: "fn-1", Code: "function render(x) { return x; }"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer host.Dispose()

	if err := host.Send(context.Background(), protocol.NewRequest("b", 4, 0, 0)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case r := <-host.Replies():
		if r.Result == nil || *r.Result != 4 {
			t.Errorf("reply = %+v, want 4", r)
		}
	case <-time.After(replyWait):
		t.Fatal("no reply")
	}

	caps := b.Capabilities()
	if caps.Isolation != "isolate" || caps.MaxHosts != 8 {
		t.Errorf("Capabilities = %+v", caps)
	}
}

func TestBackendOpenCanceled(t *testing.T) {
	b := NewBackend(Config{}, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := b.Open(ctx, backend.HostSpec{ID: "fn", Code: ""}); err == nil {
		t.Error("Open with canceled context succeeded")
	}
}
