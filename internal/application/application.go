// Package application wires configuration, storage, the task manager, auth
// and the HTTP gateway into one runnable process.
package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"gorm.io/gorm"

	"taskman/internal/auth"
	"taskman/internal/config"
	"taskman/internal/db"
	"taskman/internal/lifecycle"
	"taskman/internal/localapi"
	"taskman/internal/logging"
	"taskman/internal/task"
	"taskman/internal/taskstore"
	"taskman/internal/tmux"
)

type Application struct {
	logger    *slog.Logger
	listener  net.Listener
	server    *http.Server
	manager   *task.Manager
	lifecycle *lifecycle.Manager
}

// StartApplication builds every component and binds the listen address. It
// does not serve until Run is called.
func StartApplication(_ context.Context, opts StartOptions) (*Application, error) {
	cfg := config.Normalize(opts.Config)
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	store, gdb, err := openRecordStore(cfg)
	if err != nil {
		return nil, err
	}
	closeDB := func() error { return db.Close(gdb) }

	registry, err := task.NewRegistry(store, logger.With("module", "registry"))
	if err != nil {
		_ = closeDB()
		return nil, err
	}
	runtime := opts.Runtime
	if runtime == nil {
		runtime = tmux.NewAdapterWithSocket(&tmux.RealExec{}, cfg.Tmux.Socket)
	}
	manager, err := task.NewManager(task.ManagerDeps{
		Registry: registry,
		Runtime:  runtime,
		Layout:   task.Layout{Root: cfg.TasksDir()},
		Launch: task.LaunchConfig{
			Command:       cfg.Agent.Command,
			SessionIDFlag: cfg.Agent.SessionIDFlag,
			Width:         cfg.Tmux.Width,
			Height:        cfg.Tmux.Height,
			SpawnWait:     cfg.SpawnWait(),
		},
		DefaultWorkdir: cfg.Agent.DefaultWorkdir,
		TailLines:      cfg.Output.TailLines,
		Logger:         logger,
	})
	if err != nil {
		_ = closeDB()
		return nil, err
	}
	gate, err := auth.NewGatekeeper(auth.Options{
		Store:           auth.NewFileStore(cfg.Auth.TokenPath),
		IdentityHeaders: cfg.Auth.IdentityHeaders,
		Logger:          logger,
	})
	if err != nil {
		_ = closeDB()
		return nil, err
	}
	api := localapi.NewServer(localapi.Deps{
		Tasks:          manager,
		Gate:           gate,
		Logger:         logger,
		BasePath:       cfg.Server.BasePath,
		StreamInterval: cfg.StreamInterval(),
		OutputPath:     manager.OutputPath,
	})

	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		_ = closeDB()
		return nil, fmt.Errorf("listen on %s: %w", cfg.Server.Listen, err)
	}
	httpServer := &http.Server{
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	mgr := lifecycle.NewManager(logger)
	mgr.AddRun("http-server", func(runCtx context.Context) error {
		go func() {
			<-runCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = httpServer.Shutdown(shutdownCtx)
		}()
		logger.Info("http server listening", "addr", ln.Addr().String(), "base_path", cfg.Server.BasePath)
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if interval := cfg.ReconcileInterval(); interval > 0 {
		mgr.AddRun("reconcile-scanner", func(runCtx context.Context) error {
			return manager.RunScanner(runCtx, interval)
		})
	}
	mgr.AddShutdown("http-server-shutdown", func(ctx context.Context) error {
		if err := httpServer.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	mgr.AddShutdown("close-db", func(context.Context) error {
		return closeDB()
	})

	return &Application{
		logger:    logger,
		listener:  ln,
		server:    httpServer,
		manager:   manager,
		lifecycle: mgr,
	}, nil
}

// openRecordStore returns the configured record store. The db handle is nil
// for the file driver.
func openRecordStore(cfg config.Config) (task.RecordStore, *gorm.DB, error) {
	switch strings.ToLower(cfg.Storage.Driver) {
	case "sqlite":
		gdb, err := db.OpenSQLite(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		store, err := taskstore.NewSQLiteStore(gdb)
		if err != nil {
			_ = db.Close(gdb)
			return nil, nil, err
		}
		return store, gdb, nil
	default:
		return taskstore.NewFileStore(cfg.TasksDir()), nil, nil
	}
}

func (a *Application) LocalAPIBaseURL() string {
	if a == nil || a.listener == nil {
		return ""
	}
	return "http://" + a.listener.Addr().String()
}

// Run serves until ctx ends or a job fails, then shuts everything down.
func (a *Application) Run(ctx context.Context) error {
	if a == nil {
		return nil
	}
	return a.lifecycle.StartAndWait(ctx)
}

// Shutdown stops an application that was started but never run.
func (a *Application) Shutdown(ctx context.Context) error {
	if a == nil {
		return nil
	}
	err := a.server.Shutdown(ctx)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	if closeErr := a.listener.Close(); closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
		err = errors.Join(err, closeErr)
	}
	return err
}
