package main

import (
	"log"
	"log/slog"
	"os"

	"github.com/seantiz/voxelgrid/internal/api"
	"github.com/seantiz/voxelgrid/internal/backend"
	fc "github.com/seantiz/voxelgrid/internal/backend/firecracker"
	"github.com/seantiz/voxelgrid/internal/backend/process"
	"github.com/seantiz/voxelgrid/internal/config"
	"github.com/seantiz/voxelgrid/internal/engine"
	"github.com/seantiz/voxelgrid/internal/isolate"
	"github.com/seantiz/voxelgrid/internal/model"
	"github.com/seantiz/voxelgrid/internal/store"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("voxelgrid: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"eval_timeout_ms", cfg.EvalTimeout.Milliseconds(),
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	reg := backend.NewRegistry()
	reg.Register(model.IsolationIsolate, isolate.NewBackend(isolate.Config{
		LoadTimeout: cfg.LoadTimeout,
	}, logger))

	if cfg.GuestBin != "" {
		registerProcess(reg, cfg, logger)
	}

	fcCfg := fc.LoadConfig()
	if fcCfg.KernelPath != "" {
		fcCfg.LoadTimeout = cfg.LoadTimeout
		fcb := fc.NewBackend(fcCfg, logger)
		if err := fcb.Verify(); err != nil {
			logger.Warn("firecracker backend unavailable", "error", err)
		} else {
			reg.Register(model.IsolationMicroVM, fcb)
			defer fcb.Shutdown()
		}
	}

	if _, err := reg.Resolve(cfg.DefaultIsolation); err != nil {
		logger.Warn("default isolation unavailable, using isolate",
			"isolation", cfg.DefaultIsolation, "error", err)
	} else {
		reg.SetAuto(cfg.DefaultIsolation)
	}

	eng := engine.NewEngine(db, reg, engine.Config{
		EvalTimeout:     cfg.EvalTimeout,
		GridConcurrency: cfg.GridConcurrency,
		MaxGridSize:     cfg.MaxGridSize,
	}, logger)
	srv := api.NewServer(cfg.ListenAddr, db, reg, eng, logger)

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func registerProcess(reg *backend.Registry, cfg config.Config, logger *slog.Logger) {
	pb, err := process.NewBackend(process.Config{
		GuestBin:    cfg.GuestBin,
		LoadTimeout: cfg.LoadTimeout,
	}, logger)
	if err == nil {
		err = pb.Verify()
	}
	if err != nil {
		logger.Warn("process backend unavailable", "guest_bin", cfg.GuestBin, "error", err)
		return
	}
	reg.Register(model.IsolationProcess, pb)
}
