package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPaths     []string
	LogLevel        string
	LogFormat       string
	Debug           bool
	ShutdownTimeout time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool

	usage func()
}

func parseFlags(args []string) (*CLIConfig, error) {
	cfg := &CLIConfig{}
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)

	var configPaths string
	fs.StringVar(&configPaths, "config",
		getEnv("POINTFLOW_CONFIG", ""),
		"Comma separated configuration layers, JSON or YAML (env: POINTFLOW_CONFIG)")
	fs.StringVar(&configPaths, "c",
		getEnv("POINTFLOW_CONFIG", ""),
		"Comma separated configuration layers, JSON or YAML (env: POINTFLOW_CONFIG)")

	fs.StringVar(&cfg.LogLevel, "log-level",
		getEnv("POINTFLOW_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: POINTFLOW_LOG_LEVEL)")

	fs.StringVar(&cfg.LogFormat, "log-format",
		getEnv("POINTFLOW_LOG_FORMAT", "json"),
		"Log format: json, text (env: POINTFLOW_LOG_FORMAT)")

	fs.BoolVar(&cfg.Debug, "debug",
		getEnvBool("POINTFLOW_DEBUG", false),
		"Enable debug logging (env: POINTFLOW_DEBUG)")

	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("POINTFLOW_SHUTDOWN_TIMEOUT", 30*time.Second),
		"Graceful shutdown timeout (env: POINTFLOW_SHUTDOWN_TIMEOUT)")

	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	fs.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration, print it and exit")

	fs.Usage = func() { printDetailedHelp(fs) }
	cfg.usage = fs.Usage

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	for _, p := range strings.Split(configPaths, ",") {
		if p = strings.TrimSpace(p); p != "" {
			cfg.ConfigPaths = append(cfg.ConfigPaths, p)
		}
	}
	if cfg.Debug {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	for _, p := range cfg.ConfigPaths {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("config file not found: %s", p)
		}
	}

	if !contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if !contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid shutdown timeout: %s", cfg.ShutdownTimeout)
	}
	return nil
}

func printDetailedHelp(fs *flag.FlagSet) {
	_, _ = fmt.Fprintf(os.Stderr, `%s - industrial point store and rule dispatch

Usage: %s [options]

Options:
`, appName, os.Args[0])
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Run with built-in defaults (memory store, no external transports)
  %s

  # Layer a site file over a base file
  %s --config=configs/base.yaml,configs/site.json

  # Run with environment variables
  export POINTFLOW_NATS_URLS=nats://localhost:4222
  export POINTFLOW_STORE_BACKEND=redis
  %s --log-level=debug --log-format=text

  # Validate configuration only
  %s --config=configs/site.yaml --validate

Version: %s
Build: %s
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], Version, BuildTime)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
