// testserver starts a voxelgrid API server on an in-memory database for local
// frontend and manual testing. Every isolation mode is served by in-process
// isolates, so no guest binary or Firecracker install is needed.
// Usage: go run ./cmd/testserver
package main

import (
	"log"
	"log/slog"
	"os"

	"github.com/seantiz/voxelgrid/internal/api"
	"github.com/seantiz/voxelgrid/internal/backend"
	"github.com/seantiz/voxelgrid/internal/engine"
	"github.com/seantiz/voxelgrid/internal/isolate"
	"github.com/seantiz/voxelgrid/internal/model"
	"github.com/seantiz/voxelgrid/internal/store"
)

// stubBackend opens isolates but reports itself as another isolation mode.
type stubBackend struct {
	*isolate.Backend
	name      string
	isolation string
}

func (s *stubBackend) Capabilities() backend.Capabilities {
	caps := s.Backend.Capabilities()
	caps.Name = s.name
	caps.Isolation = s.isolation
	return caps
}

func main() {
	addr := ":8080"
	if v := os.Getenv("VOXELGRID_LISTEN_ADDR"); v != "" {
		addr = v
	}

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	isolates := isolate.NewBackend(isolate.Config{}, logger)

	reg := backend.NewRegistry()
	reg.Register(model.IsolationIsolate, isolates)
	reg.Register(model.IsolationProcess, &stubBackend{Backend: isolates, name: "stub-process", isolation: model.IsolationProcess})
	reg.Register(model.IsolationMicroVM, &stubBackend{Backend: isolates, name: "stub-microvm", isolation: model.IsolationMicroVM})

	eng := engine.NewEngine(db, reg, engine.Config{}, logger)
	srv := api.NewServer(addr, db, reg, eng, logger)

	logger.Info("testserver: starting", "addr", addr)
	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
