package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"taskman/internal/application"
	"taskman/internal/auth"
	"taskman/internal/command"
	"taskman/internal/config"
	"taskman/internal/db"
	"taskman/internal/logging"
)

var version = "dev"

func main() {
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := command.BuildApp(command.Deps{
		LoadConfig:      config.LoadConfig,
		RunServe:        runServe,
		ShowToken:       showToken,
		RegenerateToken: regenerateToken,
		RunMigrateUp:    runMigrateUp,
	})
	app.Version = version
	if err := app.RunContext(rootCtx, os.Args); err != nil {
		newLogger(config.Config{}).Error("taskman exited", "err", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.Config) *slog.Logger {
	return logging.NewLogger(logging.Options{
		Level:     cfg.LogLevel,
		Format:    cfg.LogFormat,
		Writer:    os.Stderr,
		Component: "taskman",
	})
}

func runServe(ctx context.Context, cfg config.Config) error {
	logger := newLogger(cfg)
	app, err := application.StartApplication(ctx, application.StartOptions{Config: cfg, Logger: logger})
	if err != nil {
		return err
	}
	logger.Info("taskman started", "version", version, "data_dir", cfg.DataDir, "storage", cfg.Storage.Driver)
	return app.Run(ctx)
}

// The token subcommands act with host file access to the credential file,
// not through the HTTP gateway.
func showToken(_ context.Context, cfg config.Config, w io.Writer) error {
	gate, err := newGatekeeper(cfg)
	if err != nil {
		return err
	}
	c, err := gate.Token()
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, c.Token+"\n")
	return err
}

func regenerateToken(_ context.Context, cfg config.Config, w io.Writer) error {
	gate, err := newGatekeeper(cfg)
	if err != nil {
		return err
	}
	subject := "local-cli"
	if u := os.Getenv("USER"); u != "" {
		subject = "local-cli:" + u
	}
	c, err := gate.Regenerate(auth.Identity{Subject: subject})
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, c.Token+"\n")
	return err
}

func newGatekeeper(cfg config.Config) (*auth.Gatekeeper, error) {
	return auth.NewGatekeeper(auth.Options{
		Store:           auth.NewFileStore(cfg.Auth.TokenPath),
		IdentityHeaders: cfg.Auth.IdentityHeaders,
		Logger:          newLogger(cfg),
	})
}

func runMigrateUp(_ context.Context, cfg config.Config) error {
	gdb, err := db.OpenSQLite(cfg.Storage.SQLitePath)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close(gdb) }()
	newLogger(cfg).Info("migrations applied", "path", cfg.Storage.SQLitePath)
	return nil
}
