// Package main runs the pointflow point store and rule dispatch service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/c360/pointflow/config"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "pointflow"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	cliCfg, shouldExit, err := initializeCLI(args)
	if shouldExit || err != nil {
		return err
	}

	cfg, err := loadConfig(cliCfg.ConfigPaths)
	if err != nil {
		return err
	}

	if cliCfg.Validate {
		fmt.Println(cfg.String())
		slog.Info("Configuration is valid")
		return nil
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.shutdown(cliCfg.ShutdownTimeout)

	slog.Info("pointflow started",
		"store", cfg.Store.Backend,
		"nats", cfg.NATS.Enabled(),
		"kafka", cfg.Kafka.Enabled(),
		"mqtt", cfg.MQTT.Enabled(),
		"sinks", cfg.Events.Sinks)

	if err := a.run(ctx); err != nil {
		return fmt.Errorf("run: %w", err)
	}
	slog.Info("Received shutdown signal")
	return nil
}

// initializeCLI parses flags and sets up logging
func initializeCLI(args []string) (*CLIConfig, bool, error) {
	cliCfg, err := parseFlags(args)
	if errors.Is(err, flag.ErrHelp) {
		return nil, true, nil
	}
	if err != nil {
		return nil, true, fmt.Errorf("invalid flags: %w", err)
	}
	if err := validateFlags(cliCfg); err != nil {
		return nil, true, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, true, nil
	}
	if cliCfg.ShowHelp {
		cliCfg.usage()
		return nil, true, nil
	}

	slog.SetDefault(setupLogger(os.Stdout, cliCfg.LogLevel, cliCfg.LogFormat))
	slog.Info("Starting pointflow",
		"version", Version,
		"build_time", BuildTime,
		"config_paths", cliCfg.ConfigPaths)
	return cliCfg, false, nil
}

// loadConfig merges the configuration layers over the defaults and validates the result
func loadConfig(paths []string) (*config.Config, error) {
	loader := config.NewLoader()
	for _, p := range paths {
		loader.AddLayer(p)
	}
	loader.EnableValidation(true)
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
