package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ducanh19020217/fall-detection/internal/config"
	"github.com/ducanh19020217/fall-detection/internal/console"
	"github.com/ducanh19020217/fall-detection/internal/health"
	"github.com/ducanh19020217/fall-detection/internal/logger"
	"github.com/ducanh19020217/fall-detection/internal/metrics"
	"github.com/ducanh19020217/fall-detection/internal/service"
	"github.com/ducanh19020217/fall-detection/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the console with its web and health endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context) error {
	cfgSvc, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer log.Sync()

	cfg := cfgSvc.Get()
	log.Info("Starting monitoring console",
		"version", version,
		"build_time", buildTime,
		"git_commit", gitCommit,
		"backend", cfg.Console.Backend.BaseURL,
	)

	stack, err := console.Build(cfg, log)
	if err != nil {
		return fmt.Errorf("build console: %w", err)
	}
	defer func() {
		if err := stack.Close(); err != nil {
			log.Error("Failed to close state", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	svcMgr := service.NewManager(log)
	c := stack.Console
	svcMgr.Register(c)

	webServer := web.NewServer(cfg.Console.Web, c, log.Named("web"))
	webServer.SetRelayFPS(cfg.Console.Streams.RelayFPS)
	webServer.SetMetricsHandler(metrics.Handler(metrics.NewRegistry(&metrics.Collector{
		Streams: c.Registry(),
		Events:  c.Feed(),
		Session: stack.Session,
	})))
	svcMgr.Register(webServer)

	var healthMgr *health.Manager
	if cfg.Console.Health.Enabled {
		healthMgr = health.NewManager(fmt.Sprintf("%s:%d", cfg.Console.Web.Host, cfg.Console.Health.Port), log.Named("health"), svcMgr)
		healthMgr.RegisterChecker(health.NewDatabaseChecker(stack.State, cfg.DatabasePath()))
		healthMgr.RegisterChecker(health.NewBackendChecker(stack.API, cfg.Console.Backend.BaseURL))
		healthMgr.RegisterChecker(health.NewSessionChecker(stack.Session))
		healthMgr.RegisterChecker(health.NewStreamsChecker(c.Registry()))

		if err := healthMgr.Start(ctx); err != nil {
			return fmt.Errorf("start health server: %w", err)
		}
	}

	cfgSvc.Watch(func(ctx context.Context, oldConfig, newConfig *config.Config) error {
		return applyReload(log, c, webServer, oldConfig, newConfig)
	})

	if err := svcMgr.Start(ctx); err != nil {
		// Partial start: keep running what did start
		log.Error("Some services failed to start", "error", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

wait:
	for {
		select {
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				if err := cfgSvc.Reload(ctx); err != nil {
					log.Error("Failed to reload configuration", "error", err)
				}
				continue
			}
			log.Info("Received shutdown signal", "signal", sig)
			break wait
		case <-ctx.Done():
			break wait
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if healthMgr != nil {
		if err := healthMgr.Stop(shutdownCtx); err != nil {
			log.Error("Error stopping health check server", "error", err)
		}
	}

	if err := svcMgr.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	log.Info("Shutdown complete")
	return nil
}

// reloadTarget is the part of the console a reload reconfigures
type reloadTarget interface {
	ApplyConfig(cfg *config.Config)
}

// applyReload pushes live settings into the running services. Settings that
// are bound at startup only produce a warning.
func applyReload(log *logger.Logger, target reloadTarget, webServer *web.Server, oldConfig, newConfig *config.Config) error {
	target.ApplyConfig(newConfig)
	if webServer != nil {
		webServer.SetRelayFPS(newConfig.Console.Streams.RelayFPS)
	}

	var err error
	if oldConfig.Log.Level != newConfig.Log.Level {
		err = log.SetLevel(newConfig.Log.Level)
	}

	if oldConfig.Console.Backend != newConfig.Console.Backend ||
		oldConfig.Console.Session != newConfig.Console.Session ||
		oldConfig.Console.Web != newConfig.Console.Web ||
		oldConfig.Console.Health != newConfig.Console.Health ||
		oldConfig.Console.Probe != newConfig.Console.Probe ||
		oldConfig.Console.DataDir != newConfig.Console.DataDir ||
		oldConfig.Log.Format != newConfig.Log.Format ||
		oldConfig.Log.Output != newConfig.Log.Output {
		log.Warn("Backend, session, web, health, probe, storage and log output settings take effect after restart")
	}
	return err
}
