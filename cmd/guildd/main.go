package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dyluth/guild/internal/agents"
	"github.com/dyluth/guild/internal/api"
	"github.com/dyluth/guild/internal/config"
	"github.com/dyluth/guild/internal/observability"
	"github.com/dyluth/guild/internal/provision"
	"github.com/dyluth/guild/internal/runtime"
	"github.com/dyluth/guild/internal/store"
	"github.com/dyluth/guild/pkg/message"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:     "guildd",
	Short:   "Guild runtime daemon",
	Long:    "guildd persists guild specs, runs every active guild and serves the guild API.",
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "guild.yml", "Path to guild.yml (overridden by GUILD_CONFIG)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	// 1. Configuration and logging
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		return err
	}
	logger, err := observability.NewLogger("guildd", cfg.Logging, os.Stdout)
	if err != nil {
		return err
	}
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// 2. Persistence
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	// 3. Runtime
	plugins := runtime.DefaultPlugins(agents.Registry())
	svc := runtime.NewService(st, plugins, cfg.Defaults, logger)
	manager := runtime.NewManager(svc, runtime.Options{
		Plugins:   plugins,
		Generator: message.NewGenerator(uint8(cfg.Server.NodeID)),
		Logger:    logger,
		Metrics:   metrics,
	})

	restored, err := manager.Restore(ctx)
	if err != nil {
		return err
	}
	observability.Event(logger.Info(), "daemon_started").
		Str("store", cfg.Store.Backend).
		Int("restored", restored).
		Str("version", version).
		Msg("guildd started")

	// 4. Spec directory
	if cfg.Server.SpecDir != "" {
		p := provision.New(cfg.Server.SpecDir, manager, provision.Options{Logger: logger})
		if _, err := p.LoadAll(ctx); err != nil {
			return err
		}
		go func() {
			if err := p.Watch(ctx); err != nil {
				observability.Event(logger.Error(), "spec_watch_failed").Err(err).Msg("spec directory watcher stopped")
			}
		}()
	}

	// 5. API
	server := api.NewServer(manager, api.Options{
		Logger:      logger,
		Metrics:     metrics,
		CORSOrigins: cfg.Server.CORSOrigins,
	})
	server.Start(cfg.Server.Addr)

	<-ctx.Done()
	observability.Event(logger.Info(), "daemon_stopping").Msg("shutting down gracefully")

	// 6. Graceful shutdown: stop taking requests, then stop guilds.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		observability.Event(logger.Warn(), "http_shutdown_failed").Err(err).Msg("HTTP server did not shut down cleanly")
	}
	reports, err := manager.Shutdown(shutdownCtx)
	for _, r := range reports {
		if !r.Clean() {
			observability.Event(logger.Warn(), "guild_shutdown_unclean").
				Str("guild_id", r.GuildID).
				Interface("messaging", r.Messaging).
				Interface("execution", r.Execution).
				Msg("guild left work behind")
		}
	}
	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	observability.Event(logger.Info(), "daemon_stopped").Msg("guildd stopped")
	return nil
}
