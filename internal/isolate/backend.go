package isolate

import (
	"context"
	"log/slog"
	"time"

	"github.com/seantiz/voxelgrid/internal/backend"
	"github.com/seantiz/voxelgrid/internal/model"
)

// Config controls isolates opened by the Backend.
type Config struct {
	LoadTimeout      time.Duration
	MaxCallStackSize int
	MaxHosts         int
}

// Backend opens in-process isolates.
type Backend struct {
	cfg    Config
	logger *slog.Logger
}

// Compile-time interface satisfaction check.
var _ backend.Backend = (*Backend)(nil)

// NewBackend creates an isolate backend.
func NewBackend(cfg Config, logger *slog.Logger) *Backend {
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = DefaultLoadTimeout
	}
	if cfg.MaxCallStackSize <= 0 {
		cfg.MaxCallStackSize = DefaultMaxCallStackSize
	}
	return &Backend{cfg: cfg, logger: logger}
}

// Open loads spec.Code into a fresh isolate.
func (b *Backend) Open(ctx context.Context, spec backend.HostSpec) (backend.Host, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	iso := New(spec.Code,
		WithLoadTimeout(b.cfg.LoadTimeout),
		WithMaxCallStackSize(b.cfg.MaxCallStackSize),
		WithLogger(b.logger.With("host_id", spec.ID)),
		WithOnDispose(activeIsolates.Dec),
	)
	loadDuration.Observe(time.Since(start).Seconds())
	activeIsolates.Inc()

	b.logger.Debug("isolate opened", "host_id", spec.ID, "load_ms", time.Since(start).Milliseconds())
	return iso, nil
}

// Capabilities reports what this backend supports.
func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:              "goja",
		Isolation:         model.IsolationIsolate,
		SupportedRuntimes: []string{model.RuntimeJavaScript},
		MaxHosts:          b.cfg.MaxHosts,
	}
}
