package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/adbfleet/adbfleet"
	"github.com/adbfleet/adbfleet/internal/logger"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by all commands
type GlobalFlags struct {
	ConfigPath string
}

// ClientFlags holds flags for commands talking to a running coordinator
type ClientFlags struct {
	APIUrl     string
	APITimeout time.Duration
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	clientFlags := &ClientFlags{}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createDevicesCommand(clientFlags),
		createScriptsCommand(clientFlags),
		createStartCommand(clientFlags),
		createStopCommand(clientFlags),
		createStopAllCommand(clientFlags),
		createLogsCommand(clientFlags),
		createRunningCommand(clientFlags),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "adbfleet",
		Short: "Device fleet execution coordinator",
		Long: `Adbfleet discovers connected Android devices, runs automation
scripts on them one at a time per device, and exposes an HTTP API for
dashboards.

Examples:
  adbfleet serve --config=config.toml
  adbfleet devices
  adbfleet start --device=emulator-5554 --script=farm_resources
  adbfleet logs --device=emulator-5554 --limit=50`,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}

// ServeFlags holds flags for the serve command
type ServeFlags struct {
	ConfigPath string
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the coordinator daemon",
		Long: `Start the coordinator: device discovery, the execution supervisor,
and the HTTP API. Configuration is loaded from a TOML file; defaults
apply when no file is given.

Examples:
  adbfleet serve
  adbfleet serve config.toml
  adbfleet serve --config=config.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := globalFlags.ConfigPath
			if len(args) > 0 {
				configPath = args[0]
			}
			return runServe(configPath)
		},
	}
	return cmd
}

func runServe(configPath string) error {
	cfg, err := adbfleet.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	logger.Setup(*cfg.Logging)

	coord, err := adbfleet.New(cfg)
	if err != nil {
		return fmt.Errorf("error building coordinator: %w", err)
	}

	if cfg.Metrics.Enabled {
		if err := adbfleet.RegisterMetricsDefault(); err != nil {
			fmt.Printf("Warning: failed to register metrics: %v\n", err)
		}
		if cfg.Metrics.Listen != "" {
			go func() {
				if err := adbfleet.ServeMetrics(cfg.Metrics.Listen); err != nil {
					fmt.Printf("Metrics server error: %v\n", err)
				}
			}()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := coord.Start(ctx); err != nil {
		return fmt.Errorf("error starting coordinator: %w", err)
	}

	srv, err := coord.NewHTTPServer(cfg.Listen)
	if err != nil {
		return fmt.Errorf("error starting HTTP server: %w", err)
	}
	fmt.Printf("adbfleet listening on %s (base path %s)\n", cfg.Listen, cfg.BasePath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	coord.Shutdown()
	return nil
}
