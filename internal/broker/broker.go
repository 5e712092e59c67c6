// Package broker implements the correlation broker: the caller-facing
// Evaluate entry point over a backend.Transport. Every call gets a fresh
// correlation id, a pending entry and its own timer; the first of reply,
// fatal signal, timeout, cancellation or Close to reach the entry finalizes
// it, and every later signal for that id is dropped.
package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/seantiz/voxelgrid/internal/backend"
	"github.com/seantiz/voxelgrid/internal/protocol"
)

// DefaultTimeout is the hard upper bound on a single evaluation.
const DefaultTimeout = 500 * time.Millisecond

// Errors returned by calls.
var (
	// ErrTimeout means no reply arrived within the call's timeout.
	ErrTimeout = errors.New("evaluation timed out")

	// ErrEvaluationFailed means the host replied with an explicit failure,
	// e.g. because render threw.
	ErrEvaluationFailed = errors.New("evaluation failed")

	// ErrHostFailed means the host terminated abnormally. The broker stays
	// failed; the host must be disposed and a new broker built on a new one.
	ErrHostFailed = errors.New("host failed")

	// ErrClosed means the broker was closed.
	ErrClosed = errors.New("broker closed")

	errSend = errors.New("send request")
)

// Result is the outcome of a successful evaluation. Present is false when
// render produced no value for the coordinate.
type Result struct {
	Value   float64
	Present bool
}

// Call is one in-flight evaluation.
type Call struct {
	ID      string
	X, Y, Z int

	start  time.Time
	timer  *time.Timer
	done   chan struct{}
	result Result
	err    error
}

// Done is closed when the call is finalized.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Result waits for the call to be finalized and returns its outcome.
func (c *Call) Result() (Result, error) {
	<-c.done
	return c.result, c.err
}

func (c *Call) complete(r Result, err error) {
	c.result = r
	c.err = err
	close(c.done)
}

// Broker correlates requests sent over one transport with their replies.
type Broker struct {
	transport backend.Transport
	timeout   time.Duration
	logger    *slog.Logger
	newID     func() string

	mu      sync.Mutex
	pending map[string]*Call
	failure error // sticky; set by a fatal signal or Close

	quit      chan struct{}
	listening chan struct{}
	closeOnce sync.Once
}

// Option configures a Broker.
type Option func(*Broker)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithLogger sets the logger for dropped replies and host failures.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithIDGenerator replaces the random UUID correlation ids.
func WithIDGenerator(fn func() string) Option {
	return func(b *Broker) {
		b.newID = fn
	}
}

// New creates a broker over t and starts its listener goroutine.
func New(t backend.Transport, opts ...Option) *Broker {
	b := &Broker{
		transport: t,
		timeout:   DefaultTimeout,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		newID:     uuid.NewString,
		pending:   make(map[string]*Call),
		quit:      make(chan struct{}),
		listening: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	go b.listen()
	return b
}

// Go starts an evaluation of render(x, y, z) and returns without waiting
// for the reply.
func (b *Broker) Go(x, y, z int) *Call {
	call := &Call{
		ID:    b.newID(),
		X:     x,
		Y:     y,
		Z:     z,
		start: time.Now(),
		done:  make(chan struct{}),
	}

	b.mu.Lock()
	if b.failure != nil {
		err := b.failure
		b.mu.Unlock()
		call.complete(Result{}, err)
		record(call, Result{}, err)
		return call
	}
	if _, dup := b.pending[call.ID]; dup {
		b.mu.Unlock()
		err := fmt.Errorf("correlation id %s already pending", call.ID)
		call.complete(Result{}, err)
		record(call, Result{}, err)
		return call
	}
	b.pending[call.ID] = call
	call.timer = time.AfterFunc(b.timeout, func() {
		b.finish(call.ID, Result{}, ErrTimeout)
	})
	pendingCalls.Inc()
	b.mu.Unlock()

	// The send is bounded by the same timeout as the call.
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	if err := b.transport.Send(ctx, protocol.NewRequest(call.ID, x, y, z)); err != nil {
		b.finish(call.ID, Result{}, fmt.Errorf("%w: %w", errSend, err))
	}
	return call
}

// Evaluate runs render(x, y, z) and waits for the outcome. Cancelling ctx
// finalizes the call with ctx's error.
func (b *Broker) Evaluate(ctx context.Context, x, y, z int) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	call := b.Go(x, y, z)
	select {
	case <-call.Done():
	case <-ctx.Done():
		b.finish(call.ID, Result{}, ctx.Err())
	}
	return call.Result()
}

// Pending returns the number of calls awaiting finalization.
func (b *Broker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Err returns the error every new call currently fails with, or nil while
// the broker is healthy.
func (b *Broker) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failure
}

// Close stops the listener and fails all pending calls with ErrClosed. It
// does not dispose the transport.
func (b *Broker) Close() error {
	b.closeOnce.Do(func() {
		close(b.quit)
		<-b.listening
		b.failAll(ErrClosed, true)
	})
	return nil
}

func (b *Broker) listen() {
	defer close(b.listening)

	replies := b.transport.Replies()
	fatal := b.transport.Fatal()
	for {
		select {
		case r, ok := <-replies:
			if !ok {
				replies = nil
				continue
			}
			b.deliver(r)
		case err := <-fatal:
			fatal = nil
			b.logger.Error("host failed", "error", err, "pending", b.Pending())
			b.failAll(fmt.Errorf("%w: %w", ErrHostFailed, err), false)
		case <-b.quit:
			return
		}
	}
}

// deliver finalizes the call a reply belongs to. Replies for ids that are not
// pending (timed out, cancelled or never issued here) are dropped.
func (b *Broker) deliver(r protocol.Reply) {
	var (
		res Result
		err error
	)
	switch {
	case r.Error:
		err = ErrEvaluationFailed
		if r.Message != "" {
			err = fmt.Errorf("%w: %s", ErrEvaluationFailed, r.Message)
		}
	case r.Result != nil:
		res = Result{Value: *r.Result, Present: true}
	}

	if !b.finish(r.ID, res, err) {
		staleReplies.Inc()
		b.logger.Debug("dropped reply for unknown correlation id", "correlation_id", r.ID)
	}
}

// finish finalizes the pending call id. It reports false if the call was
// already finalized or never existed.
func (b *Broker) finish(id string, res Result, err error) bool {
	b.mu.Lock()
	call, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}

	call.timer.Stop()
	pendingCalls.Dec()
	call.complete(res, err)
	record(call, res, err)
	return true
}

// failAll finalizes every pending call with err and makes later calls fail
// with it. An existing failure is only replaced when override is set.
func (b *Broker) failAll(err error, override bool) {
	b.mu.Lock()
	if b.failure == nil || override {
		b.failure = err
	}
	calls := make([]*Call, 0, len(b.pending))
	for id, call := range b.pending {
		calls = append(calls, call)
		delete(b.pending, id)
	}
	b.mu.Unlock()

	for _, call := range calls {
		call.timer.Stop()
		pendingCalls.Dec()
		call.complete(Result{}, err)
		record(call, Result{}, err)
	}
}
