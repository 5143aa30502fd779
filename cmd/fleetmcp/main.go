// Command fleetmcp runs the fleet MCP server over Streamable HTTP and,
// optionally, the legacy SSE transport.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ggoodman/fleetmcp/config"
	"github.com/ggoodman/fleetmcp/server"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newCommand().Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "fleetmcp: %v\n", err)
		os.Exit(1)
	}
}

func newCommand() *cli.Command {
	return &cli.Command{
		Name:    "fleetmcp",
		Usage:   "Serve fleet management tools over the Model Context Protocol",
		Version: server.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn or error (overrides LOG_LEVEL)",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "json, text or pretty (overrides LOG_FORMAT)",
			},
			&cli.StringFlag{
				Name:  "host",
				Usage: "bind address (overrides FLEETMCP_HOST)",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "listen port (overrides FLEETMCP_PORT)",
			},
			&cli.BoolFlag{
				Name:  "legacy-sse",
				Usage: "serve the legacy /sse and /messages endpoints (overrides ENABLE_LEGACY_SSE)",
			},
		},
		Action: run,
	}
}

func loadConfig(cmd *cli.Command) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if cmd.IsSet("log-level") {
		cfg.LogLevel = cmd.String("log-level")
	}
	if cmd.IsSet("log-format") {
		cfg.LogFormat = cmd.String("log-format")
	}
	if cmd.IsSet("host") {
		cfg.Host = cmd.String("host")
	}
	if cmd.IsSet("port") {
		cfg.Port = int(cmd.Int("port"))
	}
	if cmd.IsSet("legacy-sse") {
		cfg.EnableLegacySSE = cmd.Bool("legacy-sse")
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func run(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, err := newLogger(os.Stderr, cfg)
	if err != nil {
		return err
	}
	slog.SetDefault(log)

	srv, err := server.New(ctx, cfg, server.WithLogger(log))
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("server.shutdown.signal", slog.Duration("timeout", cfg.ShutdownTimeout))

		// A wedged close must not keep the process alive past the deadline.
		force := time.AfterFunc(cfg.ShutdownTimeout, func() {
			log.Error("server.shutdown.timeout", slog.Duration("timeout", cfg.ShutdownTimeout))
			os.Exit(1)
		})
		defer force.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
