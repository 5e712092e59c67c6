package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/voxelgrid/internal/backend"
	"github.com/seantiz/voxelgrid/internal/broker"
	"github.com/seantiz/voxelgrid/internal/model"
	"github.com/seantiz/voxelgrid/internal/store"
)

// Defaults applied when Config leaves a field at zero.
const (
	DefaultGridConcurrency = 64
	DefaultMaxGridSize     = 16
)

var (
	// ErrInvalidFunction is returned when a function has no code.
	ErrInvalidFunction = errors.New("invalid function")

	// ErrFunctionDisposed is returned when evaluating a disposed function.
	ErrFunctionDisposed = errors.New("function disposed")

	// ErrInvalidGridSize is returned when a grid size is negative or too large.
	ErrInvalidGridSize = errors.New("invalid grid size")

	// ErrShuttingDown is returned once Shutdown has been called.
	ErrShuttingDown = errors.New("engine shutting down")
)

// Config tunes an Engine.
type Config struct {
	// EvalTimeout is the per-call deadline for functions without their own.
	EvalTimeout     time.Duration
	GridConcurrency int
	MaxGridSize     int
}

// Engine manages live sessions and grid runs.
type Engine struct {
	store    store.Store
	registry *backend.Registry
	logger   *slog.Logger
	cfg      Config
	voxels   *VoxelBroker

	// ctx is canceled by Shutdown and bounds every grid run.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

// session is one live host and the broker correlating its replies.
type session struct {
	ready  chan struct{}
	host   backend.Host
	broker *broker.Broker
	err    error
}

// NewEngine creates a new engine.
func NewEngine(s store.Store, reg *backend.Registry, cfg Config, logger *slog.Logger) *Engine {
	if cfg.EvalTimeout <= 0 {
		cfg.EvalTimeout = broker.DefaultTimeout
	}
	if cfg.GridConcurrency <= 0 {
		cfg.GridConcurrency = DefaultGridConcurrency
	}
	if cfg.MaxGridSize <= 0 {
		cfg.MaxGridSize = DefaultMaxGridSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:    s,
		registry: reg,
		logger:   logger,
		cfg:      cfg,
		voxels:   NewVoxelBroker(),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*session),
	}
}

// Voxels returns the broker grid runs publish their voxels on.
func (e *Engine) Voxels() *VoxelBroker {
	return e.voxels
}

// CreateFunction validates and stores a new function. Its host is opened on
// first use.
func (e *Engine) CreateFunction(ctx context.Context, name, code, isolation string, timeoutMS *int) (*model.Function, error) {
	if strings.TrimSpace(code) == "" {
		return nil, fmt.Errorf("%w: code is required", ErrInvalidFunction)
	}
	if timeoutMS != nil && *timeoutMS <= 0 {
		return nil, fmt.Errorf("%w: timeout_ms must be positive", ErrInvalidFunction)
	}
	if isolation == "" {
		isolation = model.IsolationAuto
	}
	if _, err := e.registry.Resolve(isolation); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFunction, err)
	}

	f := &model.Function{
		ID:        model.NewID(),
		Name:      name,
		Code:      code,
		Isolation: isolation,
		Status:    model.FunctionActive,
		TimeoutMS: timeoutMS,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.CreateFunction(ctx, f); err != nil {
		return nil, fmt.Errorf("create function: %w", err)
	}

	e.logger.Info("function created", "function_id", f.ID, "isolation", f.Isolation)
	return f, nil
}

// Evaluate calls render(x, y, z) of the stored function id.
func (e *Engine) Evaluate(ctx context.Context, id string, x, y, z int) (broker.Result, error) {
	f, err := e.store.GetFunction(ctx, id)
	if err != nil {
		return broker.Result{}, err
	}
	return e.evaluate(ctx, f, x, y, z)
}

// Call starts render(x, y, z) of the stored function without waiting for it.
// Calls on one function share its session, so many may be pending at once.
func (e *Engine) Call(ctx context.Context, f *model.Function, x, y, z int) (*broker.Call, error) {
	s, err := e.session(ctx, f)
	if err != nil {
		return nil, err
	}
	return s.broker.Go(x, y, z), nil
}

// Observe inspects a completed call's error, tearing down the session when
// its host has failed. It returns err unchanged.
func (e *Engine) Observe(f *model.Function, err error) error {
	if errors.Is(err, broker.ErrHostFailed) {
		e.evict(f, err)
	}
	return err
}

func (e *Engine) evaluate(ctx context.Context, f *model.Function, x, y, z int) (broker.Result, error) {
	s, err := e.session(ctx, f)
	if err != nil {
		return broker.Result{}, err
	}
	res, err := s.broker.Evaluate(ctx, x, y, z)
	return res, e.Observe(f, err)
}

// DisposeFunction marks the function disposed and terminates its host.
func (e *Engine) DisposeFunction(ctx context.Context, id string) error {
	if err := e.store.UpdateFunctionStatus(ctx, id, model.FunctionDisposed); err != nil {
		return err
	}

	e.mu.Lock()
	s := e.sessions[id]
	delete(e.sessions, id)
	e.mu.Unlock()

	if s != nil {
		e.teardown(s)
	}
	e.logger.Info("function disposed", "function_id", id)
	return nil
}

// SubmitGrid stores a pending grid run for the function and evaluates it in
// the background.
func (e *Engine) SubmitGrid(ctx context.Context, functionID string, size int) (*model.GridRun, error) {
	if size < 0 || size > e.cfg.MaxGridSize {
		return nil, fmt.Errorf("%w: %d not in [0, %d]", ErrInvalidGridSize, size, e.cfg.MaxGridSize)
	}

	f, err := e.store.GetFunction(ctx, functionID)
	if err != nil {
		return nil, err
	}
	if f.Status == model.FunctionDisposed {
		return nil, ErrFunctionDisposed
	}

	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, ErrShuttingDown
	}

	run := &model.GridRun{
		ID:         model.NewID(),
		FunctionID: f.ID,
		Size:       size,
		Status:     model.StatusPending,
		CreatedAt:  time.Now().UTC(),
	}
	if err := e.store.CreateGridRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create grid run: %w", err)
	}

	runCopy := *run
	e.wg.Go(func() {
		e.executeGrid(f, &runCopy)
	})

	return run, nil
}

// Wait blocks until all in-flight grid runs complete.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Shutdown cancels running grids, waits for them up to ctx and disposes
// every live host.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("wait for grid runs: %w", ctx.Err())
	}

	e.mu.Lock()
	sessions := e.sessions
	e.sessions = make(map[string]*session)
	e.mu.Unlock()

	for _, s := range sessions {
		e.teardown(s)
	}
	return err
}

// executeGrid runs the grid lifecycle: pending→running→completed/failed.
func (e *Engine) executeGrid(f *model.Function, run *model.GridRun) {
	defer e.voxels.Close(run.ID)

	logger := e.logger.With("run_id", run.ID, "function_id", f.ID)

	if err := e.store.UpdateGridRunStatus(context.Background(), run.ID, model.StatusRunning); err != nil {
		logger.Error("failed to transition to running", "error", err)
		e.finishGrid(run, nil, fmt.Sprintf("failed to start: %v", err))
		return
	}
	start := time.Now()

	var mu sync.Mutex
	voxels := make([]model.Voxel, 0, model.Cells(run.Size))

	g, ctx := errgroup.WithContext(e.ctx)
	g.SetLimit(e.cfg.GridConcurrency)

	n := run.Size
	for x := -n; x <= n; x++ {
		for y := -n; y <= n; y++ {
			for z := -n; z <= n; z++ {
				if ctx.Err() != nil {
					break
				}
				g.Go(func() error {
					res, err := e.evaluate(ctx, f, x, y, z)

					mu.Lock()
					defer mu.Unlock()
					switch {
					case err != nil:
						if ctx.Err() != nil {
							return ctx.Err()
						}
						run.Failed++
						gridCellsTotal.WithLabelValues(cellFailed).Inc()
					case !res.Present:
						run.Empty++
						gridCellsTotal.WithLabelValues(cellEmpty).Inc()
					default:
						run.Filled++
						gridCellsTotal.WithLabelValues(cellFilled).Inc()
						v := model.Voxel{RunID: run.ID, X: x, Y: y, Z: z, Value: res.Value}
						voxels = append(voxels, v)
						e.voxels.Publish(run.ID, v)
					}
					return nil
				})
			}
		}
	}

	if err := g.Wait(); err != nil {
		e.finishGrid(run, &start, fmt.Sprintf("grid run canceled: %v", err))
		return
	}

	if err := e.store.InsertVoxels(context.Background(), run.ID, voxels); err != nil {
		e.finishGrid(run, &start, fmt.Sprintf("persist voxels: %v", err))
		return
	}

	run.Status = model.StatusCompleted
	e.finishGrid(run, &start, "")
	logger.Info("grid run completed",
		"filled", run.Filled, "empty", run.Empty, "failed", run.Failed,
		"duration_ms", *run.DurationMS,
		"dropped_voxels", e.voxels.Dropped(run.ID),
	)
}

// finishGrid records the final state of run. A non-empty errMsg marks it failed.
// startedAt may be nil if evaluation never started.
func (e *Engine) finishGrid(run *model.GridRun, startedAt *time.Time, errMsg string) {
	now := time.Now().UTC()
	var durationMS int
	if startedAt != nil {
		durationMS = int(time.Since(*startedAt).Milliseconds())
		started := startedAt.UTC()
		run.StartedAt = &started
	}

	if errMsg != "" {
		run.Status = model.StatusFailed
		run.Error = errMsg
	}
	run.DurationMS = &durationMS
	run.FinishedAt = &now

	gridRunsTotal.WithLabelValues(run.Status).Inc()
	gridRunDuration.Observe(float64(durationMS) / 1000)

	if err := e.store.UpdateGridRun(context.Background(), run); err != nil {
		e.logger.Error("failed to update grid run", "run_id", run.ID, "error", err)
	}
}

// session returns the live session for f, opening a host for it if there is
// none. Concurrent callers share one open.
func (e *Engine) session(ctx context.Context, f *model.Function) (*session, error) {
	if f.Status == model.FunctionDisposed {
		return nil, ErrFunctionDisposed
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrShuttingDown
	}
	s, ok := e.sessions[f.ID]
	if !ok {
		s = &session{ready: make(chan struct{})}
		e.sessions[f.ID] = s
		e.mu.Unlock()
		e.open(ctx, f, s)
	} else {
		e.mu.Unlock()
	}

	select {
	case <-s.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if s.err != nil {
		return nil, s.err
	}
	return s, nil
}

// open fills s with a fresh host and broker and marks it ready.
func (e *Engine) open(ctx context.Context, f *model.Function, s *session) {
	defer close(s.ready)

	logger := e.logger.With("function_id", f.ID)

	// The caller's copy may predate a dispose or a crash.
	current, err := e.store.GetFunction(ctx, f.ID)
	if err == nil && current.Status == model.FunctionDisposed {
		err = ErrFunctionDisposed
	}
	var b backend.Backend
	if err == nil {
		b, err = e.registry.Resolve(f.Isolation)
	}
	if err == nil {
		s.host, err = b.Open(ctx, backend.HostSpec{ID: model.NewID(), Code: f.Code})
	}
	if err != nil {
		s.err = fmt.Errorf("open host: %w", err)
		sessionOpensTotal.WithLabelValues(openFailed).Inc()
		logger.Error("failed to open host", "error", err)

		e.mu.Lock()
		if e.sessions[f.ID] == s {
			delete(e.sessions, f.ID)
		}
		e.mu.Unlock()
		return
	}

	timeout := e.cfg.EvalTimeout
	if f.TimeoutMS != nil && *f.TimeoutMS > 0 {
		timeout = time.Duration(*f.TimeoutMS) * time.Millisecond
	}
	s.broker = broker.New(s.host,
		broker.WithTimeout(timeout),
		broker.WithLogger(logger),
	)
	sessionOpensTotal.WithLabelValues(openSucceeded).Inc()
	activeSessions.Inc()

	if current.Status == model.FunctionCrashed {
		err := e.store.UpdateFunctionStatus(context.Background(), f.ID, model.FunctionActive)
		if err != nil && !errors.Is(err, store.ErrInvalidTransition) {
			logger.Error("failed to reactivate function", "error", err)
		}
	}
	logger.Info("host opened", "isolation", f.Isolation, "timeout_ms", timeout.Milliseconds())
}

// evict drops the session of f after its host failed. The next call opens a
// fresh host.
func (e *Engine) evict(f *model.Function, cause error) {
	e.mu.Lock()
	s, ok := e.sessions[f.ID]
	if ok {
		select {
		case <-s.ready:
		default:
			// A replacement is still opening.
			ok = false
		}
	}
	if ok && s.broker != nil && s.broker.Err() != nil {
		delete(e.sessions, f.ID)
	} else {
		ok = false
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	e.logger.Warn("host failed, session evicted", "function_id", f.ID, "error", cause)
	e.teardown(s)

	err := e.store.UpdateFunctionStatus(context.Background(), f.ID, model.FunctionCrashed)
	if err != nil && !errors.Is(err, store.ErrInvalidTransition) {
		e.logger.Error("failed to mark function crashed", "function_id", f.ID, "error", err)
	}
}

// teardown closes a session's broker and disposes its host.
func (e *Engine) teardown(s *session) {
	<-s.ready
	if s.err != nil {
		return
	}
	s.broker.Close()
	if err := s.host.Dispose(); err != nil {
		e.logger.Warn("failed to dispose host", "error", err)
	}
	activeSessions.Dec()
}
