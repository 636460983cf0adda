package command

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/urfave/cli/v2"

	"taskman/internal/config"
)

type Deps struct {
	LoadConfig      func() (config.Config, error)
	RunServe        func(context.Context, config.Config) error
	ShowToken       func(context.Context, config.Config, io.Writer) error
	RegenerateToken func(context.Context, config.Config, io.Writer) error
	RunMigrateUp    func(context.Context, config.Config) error
}

func BuildApp(deps Deps) *cli.App {
	return &cli.App{
		Name:  "taskman",
		Usage: "run coding agents in tmux sessions behind an HTTP API",
		Action: func(ctx *cli.Context) error {
			return withConfig(deps, func(cfg config.Config) error {
				return runServe(ctx.Context, deps, cfg)
			})
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "start the HTTP gateway",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "listen", Usage: "listen address (overrides server.listen)"},
				},
				Action: func(ctx *cli.Context) error {
					return withConfig(deps, func(cfg config.Config) error {
						if listen := ctx.String("listen"); listen != "" {
							cfg.Server.Listen = listen
						}
						return runServe(ctx.Context, deps, cfg)
					})
				},
			},
			{
				Name:  "token",
				Usage: "manage the API bearer token on this host",
				Subcommands: []*cli.Command{
					{
						Name:  "show",
						Usage: "print the active token, issuing one if none exists",
						Action: func(ctx *cli.Context) error {
							return withConfig(deps, func(cfg config.Config) error {
								if deps.ShowToken == nil {
									return errors.New("token show is not configured")
								}
								return deps.ShowToken(ctx.Context, cfg, ctx.App.Writer)
							})
						},
					},
					{
						Name:  "regenerate",
						Usage: "replace the token; the old one stops working immediately",
						Action: func(ctx *cli.Context) error {
							return withConfig(deps, func(cfg config.Config) error {
								if deps.RegenerateToken == nil {
									return errors.New("token regenerate is not configured")
								}
								return deps.RegenerateToken(ctx.Context, cfg, ctx.App.Writer)
							})
						},
					},
				},
			},
			{
				Name:  "migrate",
				Usage: "run database migration",
				Subcommands: []*cli.Command{
					{
						Name:  "up",
						Usage: "apply the sqlite schema",
						Action: func(ctx *cli.Context) error {
							return withConfig(deps, func(cfg config.Config) error {
								if deps.RunMigrateUp == nil {
									return errors.New("migrate up runner is not configured")
								}
								return deps.RunMigrateUp(ctx.Context, cfg)
							})
						},
					},
				},
			},
		},
	}
}

func withConfig(deps Deps, fn func(config.Config) error) error {
	load := deps.LoadConfig
	if load == nil {
		load = config.LoadConfig
	}
	cfg, err := load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	return fn(config.Normalize(cfg))
}

func runServe(ctx context.Context, deps Deps, cfg config.Config) error {
	if deps.RunServe == nil {
		return errors.New("serve runner is not configured")
	}
	return deps.RunServe(ctx, cfg)
}
