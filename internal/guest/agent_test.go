package guest

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/voxelgrid/internal/protocol"
)

// startAgent serves one connection over a pipe and returns the host side.
func startAgent(t *testing.T, code string) (net.Conn, <-chan error) {
	t.Helper()
	server, client := net.Pipe()

	done := make(chan error, 1)
	go func() {
		done <- ServeConn(server)
	}()

	if err := protocol.WriteMessage(client, protocol.Load{Code: code}); err != nil {
		t.Fatalf("write load: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client, done
}

func roundTrip(t *testing.T, conn net.Conn, req protocol.Request) protocol.Reply {
	t.Helper()
	if err := protocol.WriteMessage(conn, req); err != nil {
		t.Fatalf("write request: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var r protocol.Reply
	if err := protocol.ReadMessage(conn, &r); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	return r
}

func TestServeConnEvaluates(t *testing.T) {
	conn, _ := startAgent(t, "function render(x, y, z) { return x * 100 + y * 10 + z; }")

	r := roundTrip(t, conn, protocol.NewRequest("r1", 1, 2, 3))
	if r.ID != "r1" || r.Result == nil || *r.Result != 123 {
		t.Errorf("reply = %+v, want r1=123", r)
	}

	r = roundTrip(t, conn, protocol.NewRequest("r2", 0, 0, 0))
	if r.ID != "r2" || r.Result == nil || *r.Result != 0 {
		t.Errorf("reply = %+v, want r2=0", r)
	}
}

func TestServeConnRelaysFailures(t *testing.T) {
	conn, _ := startAgent(t, "function render() { throw new Error('bad voxel'); }")

	r := roundTrip(t, conn, protocol.NewRequest("f", 1, 1, 1))
	if !r.Error {
		t.Fatalf("reply = %+v, want failure", r)
	}
	if !strings.Contains(r.Message, "bad voxel") {
		t.Errorf("Message = %q, want it to mention the exception", r.Message)
	}
}

func TestServeConnAbsent(t *testing.T) {
	conn, _ := startAgent(t, "function render() {}")

	r := roundTrip(t, conn, protocol.NewRequest("a", 1, 1, 1))
	if !r.Absent() {
		t.Errorf("reply = %+v, want absent", r)
	}
}

func TestServeConnCleanShutdown(t *testing.T) {
	conn, done := startAgent(t, "function render() { return 1; }")
	roundTrip(t, conn, protocol.NewRequest("x", 0, 0, 0))

	conn.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("ServeConn = %v, want nil on clean close", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ServeConn did not return after the host closed")
	}
}

func TestServeConnWithoutLoadFrame(t *testing.T) {
	server, client := net.Pipe()
	client.Close()

	if err := ServeConn(server); err == nil {
		t.Error("ServeConn succeeded without a load frame")
	}
}

func TestServeConnLoadTimeout(t *testing.T) {
	server, client := net.Pipe()
	t.Cleanup(func() { client.Close() })
	go ServeConn(server)

	if err := protocol.WriteMessage(client, protocol.Load{Code: "for (;;) {}", LoadTimeoutMS: 50}); err != nil {
		t.Fatalf("write load: %v", err)
	}

	r := roundTrip(t, client, protocol.NewRequest("t", 0, 0, 0))
	if !r.Error {
		t.Errorf("reply = %+v, want failure after load timeout", r)
	}
}

func TestAgentServe(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()

	go New(l).Serve()

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := protocol.WriteMessage(conn, protocol.Load{Code: "const render = (x) => -x;"}); err != nil {
		t.Fatalf("write load: %v", err)
	}
	r := roundTrip(t, conn, protocol.NewRequest("tcp", 5, 0, 0))
	if r.Result == nil || *r.Result != -5 {
		t.Errorf("reply = %+v, want -5", r)
	}
}
