package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ducanh19020217/fall-detection/internal/config"
	"github.com/ducanh19020217/fall-detection/internal/console"
	"github.com/ducanh19020217/fall-detection/internal/logger"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

var (
	cfgFile    string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "console",
	Short: "Monitoring console for the fall-detection service",
	Long: `Watch live camera streams, manage detection pipelines and follow fall
events reported by the fall-detection service.`,
	Version:       fmt.Sprintf("%s (built %s, commit %s)", version, buildTime, gitCommit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config/console.yaml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output results as JSON")
}

// loadConfig reads configuration and builds the logger it describes
func loadConfig() (*config.Service, *logger.Logger, error) {
	cfg, err := config.LoadOrDefault(cfgFile)
	if err != nil {
		return nil, nil, err
	}

	log, err := logger.New(logger.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	svc, err := config.NewService(cfgFile, log)
	if err != nil {
		return nil, nil, err
	}
	return svc, log, nil
}

// openStack builds a console stack for one-shot commands. The console
// itself is not started; the stored credential is restored so requests
// are authenticated.
func openStack(ctx context.Context, requireLogin bool) (*console.Stack, func(), error) {
	svc, log, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	stack, err := console.Build(svc.Get(), log)
	if err != nil {
		log.Sync()
		return nil, nil, err
	}
	cleanup := func() {
		if err := stack.Close(); err != nil {
			log.Warn("Failed to close state", "error", err)
		}
		log.Sync()
	}

	restored, err := stack.Session.Restore(ctx)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("restore credential: %w", err)
	}
	if requireLogin && !restored {
		cleanup()
		return nil, nil, fmt.Errorf("not logged in, run 'console login' first")
	}
	return stack, cleanup, nil
}
