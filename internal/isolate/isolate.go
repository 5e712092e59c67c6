// Package isolate runs one user scoring function inside an in-process
// JavaScript runtime that owns its own event loop goroutine. The runtime
// shares no Go memory with the caller; requests and replies cross the
// boundary only as envelopes, so the isolate can back a correlation broker
// directly or be served to a remote host by the guest agent.
package isolate

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/eventloop"

	"github.com/seantiz/voxelgrid/internal/backend"
	"github.com/seantiz/voxelgrid/internal/protocol"
)

// Defaults for a new isolate.
const (
	// DefaultLoadTimeout bounds how long top-level user code may run while
	// the function is being loaded.
	DefaultLoadTimeout = time.Second

	// DefaultMaxCallStackSize caps JS recursion so runaway recursion is an
	// ordinary exception instead of a Go stack overflow.
	DefaultMaxCallStackSize = 4096

	// replyBufferSize is how many replies may wait for the consumer.
	replyBufferSize = 256
)

var (
	errLoadTimeout = errors.New("user code did not finish loading")
	errDisposed    = errors.New("isolate disposed")

	// ErrFailed is returned by Send after the isolate has crashed.
	ErrFailed = errors.New("isolate failed")
)

//go:embed shim.js
var shimSource string

var shimProgram = goja.MustCompile("shim.js", shimSource, true)

// Compile-time interface satisfaction check.
var _ backend.Host = (*Isolate)(nil)

// Isolate is an isolated JavaScript context holding one user function.
type Isolate struct {
	loop         *eventloop.EventLoop
	logger       *slog.Logger
	loadTimeout  time.Duration
	maxCallStack int
	globals      map[string]any
	onDispose    func()

	replies chan protocol.Reply
	fatal   chan error
	done    chan struct{}

	// Only touched on the loop goroutine.
	handler goja.Callable
	postFn  goja.Value
	loadErr error

	mu       sync.RWMutex
	vm       *goja.Runtime
	loading  bool
	disposed bool
	failed   bool

	disposeOnce sync.Once
	fatalOnce   sync.Once
}

// Option configures an Isolate.
type Option func(*Isolate)

// WithLoadTimeout overrides DefaultLoadTimeout.
func WithLoadTimeout(d time.Duration) Option {
	return func(i *Isolate) {
		if d > 0 {
			i.loadTimeout = d
		}
	}
}

// WithMaxCallStackSize overrides DefaultMaxCallStackSize.
func WithMaxCallStackSize(n int) Option {
	return func(i *Isolate) {
		if n > 0 {
			i.maxCallStack = n
		}
	}
}

// WithLogger sets the logger that receives load errors and console output.
func WithLogger(logger *slog.Logger) Option {
	return func(i *Isolate) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// WithGlobals exposes host values to user code as globals. Values are
// converted with goja's reflection rules.
func WithGlobals(globals map[string]any) Option {
	return func(i *Isolate) {
		i.globals = globals
	}
}

// WithOnDispose registers fn to run once when the isolate is disposed.
func WithOnDispose(fn func()) Option {
	return func(i *Isolate) {
		i.onDispose = fn
	}
}

// New creates an isolate and loads code into it. code must define render(x, y, z),
// directly or indirectly; a missing render, a syntax error or top-level code
// that does not finish within the load timeout is not reported here but as a
// failure reply to every request.
func New(code string, opts ...Option) *Isolate {
	i := &Isolate{
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		loadTimeout:  DefaultLoadTimeout,
		maxCallStack: DefaultMaxCallStackSize,
		replies:      make(chan protocol.Reply, replyBufferSize),
		fatal:        make(chan error, 1),
		done:         make(chan struct{}),
		loading:      true,
	}
	for _, opt := range opts {
		opt(i)
	}

	i.loop = eventloop.NewEventLoop(eventloop.EnableConsole(false))
	i.loop.Start()

	loaded := make(chan struct{})
	i.loop.RunOnLoop(func(vm *goja.Runtime) {
		defer close(loaded)
		i.load(vm, code)
	})

	timer := time.NewTimer(i.loadTimeout)
	defer timer.Stop()

	select {
	case <-loaded:
	case <-timer.C:
		i.mu.Lock()
		if i.loading && i.vm != nil {
			i.vm.Interrupt(errLoadTimeout)
		}
		i.mu.Unlock()
		<-loaded
	}

	return i
}

// Send schedules req on the isolate's event loop. It never waits for user code.
func (i *Isolate) Send(ctx context.Context, req protocol.Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	i.mu.RLock()
	disposed, failed := i.disposed, i.failed
	i.mu.RUnlock()
	if disposed {
		return backend.ErrHostDisposed
	}
	if failed {
		return ErrFailed
	}

	raw, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	i.loop.RunOnLoop(func(vm *goja.Runtime) {
		i.dispatch(vm, req.ID, string(raw))
	})
	return nil
}

// Replies returns the channel reply envelopes are delivered on.
func (i *Isolate) Replies() <-chan protocol.Reply {
	return i.replies
}

// Fatal reports a crash of the runtime itself (not an exception in user code).
func (i *Isolate) Fatal() <-chan error {
	return i.fatal
}

// Dispose interrupts any running user code and stops the event loop.
func (i *Isolate) Dispose() error {
	i.disposeOnce.Do(func() {
		close(i.done)

		// Waits for any in-flight post, which done has just unblocked.
		i.mu.Lock()
		i.disposed = true
		vm := i.vm
		i.mu.Unlock()

		if vm != nil {
			vm.Interrupt(errDisposed)
		}
		// Stop waits for the current job, which the interrupt ends.
		go i.loop.Stop()

		if i.onDispose != nil {
			i.onDispose()
		}
	})
	return nil
}

// load evaluates the user code and installs the bridging shim. Runs on the loop.
func (i *Isolate) load(vm *goja.Runtime, code string) {
	defer func() {
		if r := recover(); r != nil {
			i.crash(fmt.Errorf("panic while loading user code: %v", r))
		}
	}()

	i.mu.Lock()
	i.vm = vm
	i.mu.Unlock()

	vm.SetMaxCallStackSize(i.maxCallStack)
	i.installGlobals(vm)

	render, err := evalUserCode(vm, code)

	i.mu.Lock()
	i.loading = false
	disposed := i.disposed
	i.mu.Unlock()
	if disposed {
		return
	}
	vm.ClearInterrupt()

	if err != nil {
		i.loadErr = err
		i.logger.Warn("user code failed to load", "error", err)
		return
	}

	factoryValue, err := vm.RunProgram(shimProgram)
	if err != nil {
		i.loadErr = fmt.Errorf("install shim: %w", err)
		return
	}
	factory, ok := goja.AssertFunction(factoryValue)
	if !ok {
		i.loadErr = errors.New("install shim: factory is not a function")
		return
	}
	handlerValue, err := factory(goja.Undefined(), render)
	if err != nil {
		i.loadErr = fmt.Errorf("install shim: %w", err)
		return
	}
	handler, ok := goja.AssertFunction(handlerValue)
	if !ok {
		i.loadErr = errors.New("install shim: handler is not a function")
		return
	}

	i.handler = handler
	i.postFn = vm.ToValue(func(call goja.FunctionCall) goja.Value {
		i.post(replyFromJS(vm, call.Argument(0)))
		return goja.Undefined()
	})
}

// dispatch runs one request through the shim. Runs on the loop.
func (i *Isolate) dispatch(vm *goja.Runtime, id, raw string) {
	defer func() {
		if r := recover(); r != nil {
			i.crash(fmt.Errorf("panic in isolate: %v", r))
		}
	}()

	i.mu.RLock()
	skip := i.disposed || i.failed
	i.mu.RUnlock()
	if skip {
		return
	}

	if i.loadErr != nil {
		i.post(protocol.FailureReply(id, i.loadErr.Error()))
		return
	}

	if _, err := i.handler(goja.Undefined(), vm.ToValue(raw), i.postFn); err != nil {
		i.post(protocol.FailureReply(id, err.Error()))
	}
}

// post hands a reply to the consumer unless the isolate has been disposed.
func (i *Isolate) post(r protocol.Reply) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.disposed {
		return
	}
	select {
	case i.replies <- r:
	case <-i.done:
	}
}

// crash marks the isolate unusable and reports err on Fatal once.
func (i *Isolate) crash(err error) {
	i.mu.Lock()
	i.failed = true
	disposed := i.disposed
	i.mu.Unlock()
	if disposed {
		return
	}

	i.fatalOnce.Do(func() {
		crashesTotal.Inc()
		i.logger.Error("isolate crashed", "error", err)
		i.fatal <- err
	})
}

func (i *Isolate) installGlobals(vm *goja.Runtime) {
	console := vm.NewObject()
	for _, level := range []string{"log", "info", "debug", "warn", "error"} {
		_ = console.Set(level, func(call goja.FunctionCall) goja.Value {
			args := make([]any, 0, len(call.Arguments))
			for _, a := range call.Arguments {
				args = append(args, a.String())
			}
			i.logger.Debug("console", "level", level, "args", args)
			return goja.Undefined()
		})
	}
	_ = vm.Set("console", console)

	for name, v := range i.globals {
		_ = vm.Set(name, v)
	}
}

// evalUserCode runs code inside a closure and returns the render function it
// defines, or undefined when it defines none.
func evalUserCode(vm *goja.Runtime, code string) (goja.Value, error) {
	src := "(function () {\n" + code + "\n;\nreturn typeof render === \"function\" ? render : undefined;\n})()"

	program, err := goja.Compile("render.js", src, false)
	if err != nil {
		return goja.Undefined(), fmt.Errorf("compile user code: %w", err)
	}
	render, err := vm.RunProgram(program)
	if err != nil {
		return goja.Undefined(), fmt.Errorf("run user code: %w", err)
	}
	return render, nil
}

// replyFromJS converts the object the shim posts into a reply envelope.
// Anything other than a finite number, undefined or null is a failure.
func replyFromJS(vm *goja.Runtime, v goja.Value) protocol.Reply {
	obj := v.ToObject(vm)
	id := valueString(obj.Get("id"))

	if flag := obj.Get("error"); flag != nil && flag.ToBoolean() {
		return protocol.FailureReply(id, valueString(obj.Get("message")))
	}

	result := obj.Get("result")
	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		return protocol.AbsentReply(id)
	}

	switch n := result.Export().(type) {
	case int64:
		return protocol.ValueReply(id, float64(n))
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return protocol.FailureReply(id, fmt.Sprintf("render returned non-finite number %v", n))
		}
		return protocol.ValueReply(id, n)
	default:
		return protocol.FailureReply(id, fmt.Sprintf("render returned non-numeric value %q", result.String()))
	}
}

func valueString(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	return v.String()
}
