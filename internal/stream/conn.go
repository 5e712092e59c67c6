// Package stream adapts a byte stream to a guest agent (a child process's
// stdio or a microVM's vsock connection) into a backend.Host. Envelopes are
// exchanged as length-prefixed JSON frames.
package stream

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/voxelgrid/internal/backend"
	"github.com/seantiz/voxelgrid/internal/protocol"
)

// Compile-time interface satisfaction check.
var _ backend.Host = (*Conn)(nil)

// Conn is a host reached over a framed byte stream.
type Conn struct {
	rwc    io.ReadWriteCloser
	kill   func() error
	logger *slog.Logger

	wmu sync.Mutex

	replies chan protocol.Reply
	fatal   chan error
	done    chan struct{}

	disposed atomic.Bool
	mu       sync.RWMutex
	closed   bool

	disposeOnce sync.Once
	disposeErr  error
}

// Option configures a Conn.
type Option func(*Conn)

// WithKill registers fn to terminate whatever sits behind the stream. It
// runs once, on Dispose, after the stream is closed.
func WithKill(fn func() error) Option {
	return func(c *Conn) {
		c.kill = fn
	}
}

// WithLogger sets the logger used for connection errors.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Conn) {
		c.logger = logger
	}
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Open sends the load frame over rwc and starts reading replies. On error
// rwc is closed.
func Open(ctx context.Context, rwc io.ReadWriteCloser, load protocol.Load, opts ...Option) (*Conn, error) {
	c := &Conn{
		rwc:     rwc,
		logger:  slog.Default(),
		replies: make(chan protocol.Reply),
		fatal:   make(chan error, 1),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := c.write(ctx, &load); err != nil {
		c.Dispose()
		return nil, fmt.Errorf("send load frame: %w", err)
	}

	go c.readLoop()
	return c, nil
}

// Send writes req to the guest. A deadline on ctx bounds the write when the
// stream supports write deadlines.
func (c *Conn) Send(ctx context.Context, req protocol.Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.disposed.Load() {
		return backend.ErrHostDisposed
	}
	if err := c.write(ctx, &req); err != nil {
		if c.disposed.Load() {
			return backend.ErrHostDisposed
		}
		return err
	}
	return nil
}

// Replies delivers replies read from the guest. It is closed when the
// stream ends.
func (c *Conn) Replies() <-chan protocol.Reply {
	return c.replies
}

// Fatal reports the stream ending while the host was not disposed.
func (c *Conn) Fatal() <-chan error {
	return c.fatal
}

// Dispose closes the stream and runs the kill hook.
func (c *Conn) Dispose() error {
	c.disposeOnce.Do(func() {
		c.disposed.Store(true)
		close(c.done)

		// Waits for an in-flight delivery, which done has just unblocked.
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		err := c.rwc.Close()
		if c.kill != nil {
			if kerr := c.kill(); kerr != nil && err == nil {
				err = kerr
			}
		}
		c.disposeErr = err
	})
	return c.disposeErr
}

func (c *Conn) write(ctx context.Context, v any) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if wd, ok := c.rwc.(writeDeadliner); ok {
		deadline, _ := ctx.Deadline()
		_ = wd.SetWriteDeadline(deadline)
	}
	return protocol.WriteMessage(c.rwc, v)
}

// readLoop is the only goroutine that reads the stream and the only closer
// of replies.
func (c *Conn) readLoop() {
	defer close(c.replies)

	for {
		var r protocol.Reply
		if err := protocol.ReadMessage(c.rwc, &r); err != nil {
			if !c.disposed.Load() {
				c.logger.Warn("guest stream ended", "error", err)
				c.fatal <- fmt.Errorf("guest stream ended: %w", err)
			}
			return
		}
		if !c.deliver(r) {
			return
		}
	}
}

func (c *Conn) deliver(r protocol.Reply) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.replies <- r:
		return true
	case <-c.done:
		return false
	}
}
