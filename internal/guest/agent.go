// Package guest implements the guest agent, the far side of a stream host.
// It runs inside a child process or a Firecracker microVM, reads a load frame,
// loads the user function into an isolate and then relays request and reply
// envelopes until the connection ends.
package guest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"time"

	"github.com/seantiz/voxelgrid/internal/isolate"
	"github.com/seantiz/voxelgrid/internal/protocol"
)

// Agent serves host connections accepted from a listener, one isolate per
// connection.
type Agent struct {
	listener net.Listener
	opts     []isolate.Option
}

// New creates a new guest agent with the given listener. opts apply to every
// isolate the agent creates.
func New(listener net.Listener, opts ...isolate.Option) *Agent {
	return &Agent{
		listener: listener,
		opts:     opts,
	}
}

// Serve accepts connections and serves them. It blocks until the listener
// is closed or an unrecoverable error occurs.
func (a *Agent) Serve() error {
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		go func() {
			if err := ServeConn(conn, a.opts...); err != nil {
				log.Printf("connection from %s: %v", conn.RemoteAddr(), err)
			}
		}()
	}
}

// ServeConn serves a single host connection and closes it on return. A clean
// end of stream from the host returns nil; a crash of the isolate returns an
// error after closing the connection so the host observes it.
func ServeConn(rwc io.ReadWriteCloser, opts ...isolate.Option) error {
	defer rwc.Close()

	var load protocol.Load
	if err := protocol.ReadMessage(rwc, &load); err != nil {
		return fmt.Errorf("read load frame: %w", err)
	}

	if load.LoadTimeoutMS > 0 {
		opts = append(opts, isolate.WithLoadTimeout(time.Duration(load.LoadTimeoutMS)*time.Millisecond))
	}
	iso := isolate.New(load.Code, opts...)
	defer iso.Dispose()

	done := make(chan struct{})
	writeErr := make(chan error, 1)
	go func() {
		for {
			select {
			case r := <-iso.Replies():
				if err := protocol.WriteMessage(rwc, r); err != nil {
					writeErr <- fmt.Errorf("write reply: %w", err)
					return
				}
			case err := <-iso.Fatal():
				writeErr <- fmt.Errorf("isolate crashed: %w", err)
				rwc.Close()
				return
			case <-done:
				return
			}
		}
	}()

	for {
		var req protocol.Request
		if err := protocol.ReadMessage(rwc, &req); err != nil {
			close(done)
			select {
			case werr := <-writeErr:
				return werr
			default:
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read request: %w", err)
		}

		if err := iso.Send(context.Background(), req); err != nil {
			close(done)
			return fmt.Errorf("deliver request %s: %w", req.ID, err)
		}
	}
}
