// Command flowd serves the workflow API and manages its database.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/meikuraledutech/flow"
	"github.com/meikuraledutech/flow/api"
	"github.com/meikuraledutech/flow/config"
	"github.com/meikuraledutech/flow/engine"
	"github.com/meikuraledutech/flow/graph"
	"github.com/meikuraledutech/flow/nodes"
	"github.com/meikuraledutech/flow/postgres"
	"github.com/meikuraledutech/flow/trigger"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	root := &cobra.Command{
		Use:          "flowd",
		Short:        "Workflow DSL engine server",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file")

	load := func() (*config.Config, *slog.Logger, error) {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return nil, nil, err
		}
		logger := config.NewLogger(cfg.Log.Level, cfg.Log.Format, os.Stderr)
		slog.SetDefault(logger)
		return cfg, logger, nil
	}

	root.AddCommand(newServeCmd(load), newSchemaCmd(load), newWorkflowCmd(load))
	return root
}

type loader func() (*config.Config, *slog.Logger, error)

func connect(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if cfg.Database.URL == "" {
		return nil, errors.New("database.url (DATABASE_URL) is not set")
	}
	pcfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.Database.MaxConns > 0 {
		pcfg.MaxConns = cfg.Database.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

// ── serve ─────────────────────────────────────────────────────────────

func newServeCmd(load loader) *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			pool, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			store := postgres.New(pool)
			if migrate {
				if err := store.CreateSchema(ctx); err != nil {
					return fmt.Errorf("create schema: %w", err)
				}
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

			registry := nodes.Default()
			scheduler := &engine.GoScheduler{}
			eng := engine.New(store, registry,
				engine.WithLogger(logger),
				engine.WithMetrics(engine.NewMetrics(reg)),
				engine.WithScheduler(scheduler),
				engine.WithEventRetention(cfg.Events.Retention),
			)
			dispatcher := trigger.NewDispatcher(store, eng,
				trigger.WithLogger(logger),
				trigger.WithDebounce(trigger.NewDebounceTracker(cfg.Trigger.DebounceWindow, cfg.Trigger.PurgeAfter)),
			)
			app := api.New(store, eng, dispatcher, registry,
				api.WithLogger(logger),
				api.WithGatherer(reg),
			).App()

			errCh := make(chan error, 1)
			go func() {
				logger.Info("listening", "addr", cfg.Server.Addr)
				errCh <- app.Listen(cfg.Server.Addr, fiber.ListenConfig{DisableStartupMessage: true})
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			logger.Info("shutting down")
			if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
				logger.Error("http shutdown", "error", err)
			}
			scheduler.Wait()
			return nil
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "create the schema before serving")
	return cmd
}

// ── schema ────────────────────────────────────────────────────────────

func newSchemaCmd(load loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Manage database tables",
	}
	run := func(action string, fn func(context.Context, flow.Store) error) *cobra.Command {
		return &cobra.Command{
			Use:   action,
			Short: action + " the flow tables",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, logger, err := load()
				if err != nil {
					return err
				}
				pool, err := connect(cmd.Context(), cfg)
				if err != nil {
					return err
				}
				defer pool.Close()
				if err := fn(cmd.Context(), postgres.New(pool)); err != nil {
					return fmt.Errorf("schema %s: %w", action, err)
				}
				logger.Info("schema " + action + " done")
				return nil
			},
		}
	}
	cmd.AddCommand(
		run("create", func(ctx context.Context, s flow.Store) error { return s.CreateSchema(ctx) }),
		run("drop", func(ctx context.Context, s flow.Store) error { return s.DropSchema(ctx) }),
	)
	return cmd
}

// ── workflow import ───────────────────────────────────────────────────

func newWorkflowCmd(load loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Manage stored workflows",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "import <file>...",
		Short: "Validate and store workflow documents (YAML or JSON)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			registry := nodes.Default()

			var wfs []*flow.Workflow
			for _, path := range args {
				doc, err := flow.LoadWorkflowFile(path)
				if err != nil {
					return err
				}
				wf := doc.Workflow()
				if err := graph.Validate(wf.Definition, registry.Has); err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				wfs = append(wfs, wf)
			}

			pool, err := connect(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer pool.Close()
			store := postgres.New(pool)
			for _, wf := range wfs {
				if err := store.CreateWorkflow(cmd.Context(), wf); err != nil {
					return fmt.Errorf("import %s: %w", wf.Name, err)
				}
				logger.Info("workflow imported", "workflow_id", wf.ID, "name", wf.Name)
				fmt.Fprintln(cmd.OutOrStdout(), wf.ID)
			}
			return nil
		},
	})
	return cmd
}
