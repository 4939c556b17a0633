// Entry point for the Intrascale node daemon.
//
// Usage:
//
//	intrascale serve                        # start a node
//	intrascale serve --config node.yaml     # with a config file
//	intrascale status                       # peer/job tables of a running node
//	intrascale health                       # probe a running node
//	intrascale version                      # build information
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/intrascale/intrascale"
	"github.com/intrascale/intrascale/config"
	"github.com/intrascale/intrascale/internal/telemetry"
	"github.com/intrascale/intrascale/worker"
)

// Build metadata, injected at link time.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "health":
		runHealthCheck(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	submitOnly := fs.Bool("submit-only", false, "Refuse dispatched work; only submit jobs")
	fs.Parse(args)

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("starting intrascale",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	opts := []intrascale.Option{
		intrascale.WithConfig(cfg),
		intrascale.WithLogger(logger),
	}
	if *submitOnly {
		opts = append(opts, intrascale.SubmitOnly())
	} else {
		for name, fn := range builtinHandlers() {
			opts = append(opts, intrascale.WithHandler(name, fn))
		}
	}

	n, err := intrascale.New(opts...)
	if err != nil {
		logger.Fatal("failed to assemble node", zap.Error(err))
	}

	otelProviders, err := telemetry.Init(cfg.Telemetry, telemetry.Identity{
		NodeID:   string(n.ID()),
		Hostname: n.Hostname(),
	}, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := n.Run(ctx); err != nil {
		logger.Error("node exited with error", zap.Error(err))
	}

	if otelProviders != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		otelProviders.Shutdown(shutdownCtx)
		cancel()
	}

	logger.Info("intrascale stopped")
}

// builtinHandlers are the handlers every serving node carries, so a
// freshly deployed cluster can be exercised without custom code.
func builtinHandlers() map[string]worker.HandlerFunc {
	return map[string]worker.HandlerFunc{
		// echo returns its input; the smoke-test handler.
		"echo": func(_ context.Context, input []byte) ([]byte, error) {
			return input, nil
		},
		// wordcount returns the number of whitespace-separated words,
		// one count per task, newline-terminated so concatenation of
		// task results stays readable.
		"wordcount": func(_ context.Context, input []byte) ([]byte, error) {
			n := len(strings.Fields(string(input)))
			return []byte(fmt.Sprintf("%d\n", n)), nil
		},
	}
}

func runHealthCheck(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:50080", "Node status address")
	fs.Parse(args)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + "/healthz")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: status %d\n", resp.StatusCode)
		os.Exit(1)
	}
	fmt.Println("OK")
}

func printVersion() {
	fmt.Printf("Intrascale %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`Intrascale - LAN-scale distributed compute

Usage:
  intrascale <command> [options]

Commands:
  serve     Start a node (discovers peers, serves the status API)
  status    Show the peer and job tables of a running node
  health    Probe a running node's health endpoint
  version   Show version information
  help      Show this help message

Options for 'serve':
  --config <path>   Path to configuration file (YAML)
  --submit-only     Never execute tasks on this node

Options for 'status' and 'health':
  --addr <url>      Node status address (default http://localhost:50080)

Examples:
  intrascale serve
  intrascale serve --config /etc/intrascale/node.yaml
  intrascale status --addr http://192.168.1.20:50080
  intrascale health`)
}

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format == "console",
		Encoding:         "json",
		EncoderConfig:    encoderConfig,
		OutputPaths:      cfg.OutputPaths,
		ErrorOutputPaths: []string{"stderr"},
	}
	if cfg.Format == "console" {
		zapConfig.Encoding = "console"
	}

	logger, err := zapConfig.Build(
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
