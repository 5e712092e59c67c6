// Package process implements a backend that runs each user function in its own
// guest agent child process. The host talks to the guest over the child's
// stdin and stdout; the child's stderr is forwarded to the host logger.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/seantiz/voxelgrid/internal/backend"
	"github.com/seantiz/voxelgrid/internal/model"
	"github.com/seantiz/voxelgrid/internal/protocol"
	"github.com/seantiz/voxelgrid/internal/stream"
)

// Backend constants.
const (
	// BackendName is the name reported in capabilities.
	BackendName = "process"

	// killWaitTimeout bounds how long Dispose waits for a killed guest to exit.
	killWaitTimeout = 3 * time.Second
)

// DefaultArgs select the guest agent's stdio mode.
var DefaultArgs = []string{"-mode", "stdio"}

// Config controls how guest processes are started.
type Config struct {
	// GuestBin is the guest agent binary.
	GuestBin string
	// Args are passed to GuestBin. Defaults to DefaultArgs.
	Args []string
	// Env is appended to the host environment for each guest.
	Env []string
	// LoadTimeout bounds top-level user code inside the guest.
	LoadTimeout time.Duration
	// MaxProcesses is reported in capabilities.
	MaxProcesses int
}

// Backend implements backend.Backend with one child process per host.
type Backend struct {
	cfg    Config
	logger *slog.Logger
}

// Compile-time interface satisfaction check.
var _ backend.Backend = (*Backend)(nil)

// NewBackend creates a process backend.
func NewBackend(cfg Config, logger *slog.Logger) (*Backend, error) {
	if cfg.GuestBin == "" {
		return nil, errors.New("guest binary path is required")
	}
	if cfg.Args == nil {
		cfg.Args = DefaultArgs
	}
	return &Backend{cfg: cfg, logger: logger}, nil
}

// Verify checks that the guest binary exists and is executable.
func (b *Backend) Verify() error {
	if _, err := exec.LookPath(b.cfg.GuestBin); err != nil {
		return fmt.Errorf("guest binary: %w", err)
	}
	return nil
}

// Open starts a guest process and loads spec.Code into it.
func (b *Backend) Open(ctx context.Context, spec backend.HostSpec) (backend.Host, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	logger := b.logger.With("host_id", spec.ID)

	// Host writes toGuestW, guest reads toGuestR; and the reverse for replies.
	toGuestR, toGuestW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	fromGuestR, fromGuestW, err := os.Pipe()
	if err != nil {
		toGuestR.Close()
		toGuestW.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}

	cmd := exec.Command(b.cfg.GuestBin, b.cfg.Args...)
	cmd.Stdin = toGuestR
	cmd.Stdout = fromGuestW
	cmd.Stderr = &lineLogger{logger: logger}
	cmd.Env = append(os.Environ(), b.cfg.Env...)

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{toGuestR, toGuestW, fromGuestR, fromGuestW} {
			f.Close()
		}
		processesTotal.WithLabelValues(outcomeStartFailed).Inc()
		return nil, fmt.Errorf("start guest: %w", err)
	}
	// The child holds its own copies.
	toGuestR.Close()
	fromGuestW.Close()

	processesTotal.WithLabelValues(outcomeStarted).Inc()
	activeProcesses.Inc()
	logger.Debug("guest process started", "pid", cmd.Process.Pid)

	exited := make(chan struct{})
	go func() {
		defer close(exited)
		err := cmd.Wait()
		activeProcesses.Dec()
		logger.Debug("guest process exited", "pid", cmd.Process.Pid, "error", err)
	}()

	var killOnce sync.Once
	var killErr error
	kill := func() error {
		killOnce.Do(func() {
			if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				killErr = fmt.Errorf("kill guest: %w", err)
				return
			}
			select {
			case <-exited:
			case <-time.After(killWaitTimeout):
				killErr = fmt.Errorf("guest pid %d did not exit after kill", cmd.Process.Pid)
			}
		})
		return killErr
	}

	load := protocol.Load{Code: spec.Code, LoadTimeoutMS: int(b.cfg.LoadTimeout.Milliseconds())}
	conn, err := stream.Open(ctx, stream.Join(fromGuestR, toGuestW), load,
		stream.WithKill(kill),
		stream.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("load guest: %w", err)
	}
	return conn, nil
}

// Capabilities reports what this backend supports.
func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:              BackendName,
		Isolation:         model.IsolationProcess,
		SupportedRuntimes: []string{model.RuntimeJavaScript},
		MaxHosts:          b.cfg.MaxProcesses,
	}
}

// lineLogger logs each complete line written to it.
type lineLogger struct {
	logger *slog.Logger

	mu  sync.Mutex
	buf []byte
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf = append(l.buf, p...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		if line := bytes.TrimRight(l.buf[:i], "\r"); len(line) > 0 {
			l.logger.Info("guest", "line", string(line))
		}
		l.buf = l.buf[i+1:]
	}
	return len(p), nil
}
