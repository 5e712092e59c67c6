package firecracker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

// Retry defaults for vsock connection establishment.
const (
	dialMaxRetries  = 8
	dialBaseBackoff = 50 * time.Millisecond
)

// GuestConn is a byte stream to the guest agent inside a Firecracker microVM.
// Reads go through the buffered reader used for the CONNECT handshake so no
// read-ahead bytes are lost.
type GuestConn struct {
	conn   net.Conn
	reader io.Reader
}

// DialGuest connects to the guest agent via Firecracker's vsock UDS bridge.
// The udsPath is the Unix socket created by Firecracker for vsock communication.
// The port is the vsock port the guest agent listens on.
// Retries with exponential backoff on connection failure. ctx bounds dialing
// only; the returned connection has no deadline.
func DialGuest(ctx context.Context, udsPath string, port uint32) (*GuestConn, error) {
	var lastErr error
	backoff := dialBaseBackoff

	for attempt := range dialMaxRetries {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial guest: %w", ctx.Err())
		default:
		}

		gc, err := dialVsockUDS(ctx, udsPath, port)
		if err != nil {
			lastErr = err
			if attempt < dialMaxRetries-1 {
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return nil, fmt.Errorf("dial guest: %w", ctx.Err())
				}
				backoff *= 2
			}
			continue
		}

		return gc, nil
	}

	return nil, fmt.Errorf("dial guest after %d attempts: %w", dialMaxRetries, lastErr)
}

// dialVsockUDS connects to Firecracker's UDS and sends the CONNECT handshake.
// Firecracker bridges the UDS connection to the guest's vsock listener.
// Protocol: send "CONNECT <port>\n", receive "OK <host_port>\n".
func dialVsockUDS(ctx context.Context, udsPath string, port uint32) (*GuestConn, error) {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "unix", udsPath)
	if err != nil {
		return nil, fmt.Errorf("connect to UDS %s: %w", udsPath, err)
	}

	// The handshake must not outlive ctx.
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	connectMsg := fmt.Sprintf("CONNECT %d\n", port)
	if _, err := conn.Write([]byte(connectMsg)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send CONNECT: %w", err)
	}

	reader := bufio.NewReader(conn)
	response, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}

	response = strings.TrimSpace(response)
	if !strings.HasPrefix(response, "OK ") {
		conn.Close()
		return nil, fmt.Errorf("vsock CONNECT failed: %s", response)
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("clear deadline: %w", err)
	}

	return &GuestConn{conn: conn, reader: reader}, nil
}

// Read reads from the guest.
func (gc *GuestConn) Read(p []byte) (int, error) {
	return gc.reader.Read(p)
}

// Write writes to the guest.
func (gc *GuestConn) Write(p []byte) (int, error) {
	return gc.conn.Write(p)
}

// SetWriteDeadline bounds pending and future writes.
func (gc *GuestConn) SetWriteDeadline(t time.Time) error {
	return gc.conn.SetWriteDeadline(t)
}

// Close closes the underlying connection.
func (gc *GuestConn) Close() error {
	return gc.conn.Close()
}
