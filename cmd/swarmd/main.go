// Command swarmd runs the agent swarm: registry, scheduler, load
// balancer, protocol server and the optional persistence, LLM and
// telemetry subsystems.
//
// Usage:
//
//	swarmd serve --config swarm.yaml
//	swarmd serve --config swarm.yaml --watch
//	swarmd validate --config swarm.yaml
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/wulin-online/swarm/pkg/config"
	"github.com/wulin-online/swarm/pkg/logger"
	"github.com/wulin-online/swarm/pkg/runtime"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the swarm server."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:""`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple, verbose)." default:""`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("swarmd version %s\n", version)
	return nil
}

// ServeCmd starts the swarm server.
type ServeCmd struct {
	Watch bool `help:"Watch the config file and hot-reload tunables."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	cfg, loader, err := loadConfig(cli)
	if err != nil {
		return err
	}
	if loader != nil {
		defer loader.Close()
	}
	initLogger(cli, cfg)

	app, err := runtime.New(cfg)
	if err != nil {
		return err
	}
	if err := app.Start(ctx); err != nil {
		return err
	}

	if c.Watch && loader != nil {
		loader.OnChange(app.ApplyReload)
		go func() {
			if err := loader.Watch(ctx); err != nil && ctx.Err() == nil {
				slog.Error("config watch failed", "error", err)
			}
		}()
	}

	printStartupInfo(cfg, app)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
	}
	return app.Stop()
}

// ValidateCmd checks a configuration file without starting anything.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	if cli.Config == "" {
		return fmt.Errorf("--config is required for validate")
	}
	loader, err := config.NewLoader(cli.Config)
	if err != nil {
		return err
	}
	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	fmt.Printf("%s: valid\n", cli.Config)
	fmt.Printf("  shards:      %d\n", len(cfg.Balancer.Shards))
	fmt.Printf("  max agents:  %d\n", cfg.Scheduler.MaxAgents)
	fmt.Printf("  listen:      %s\n", cfg.ServerConfig().ListenAddr)
	fmt.Printf("  persistence: %v\n", cfg.Persistence.Enabled)
	fmt.Printf("  llm:         %v (%d backends)\n", cfg.LLM.Enabled, len(cfg.LLM.Backends))
	fmt.Printf("  telemetry:   %v\n", cfg.Telemetry.Enabled)
	return nil
}

// loadConfig loads the config file, or defaults when no file is given.
func loadConfig(cli *CLI) (*config.Config, *config.Loader, error) {
	if err := config.LoadEnvFiles(); err != nil {
		slog.Warn("env file load failed", "error", err)
	}
	if cli.Config == "" {
		cfg, err := config.Parse([]byte("{}"))
		return cfg, nil, err
	}
	loader, err := config.NewLoader(cli.Config)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}
	return cfg, loader, nil
}

// initLogger applies CLI flags over the config file's logging section.
func initLogger(cli *CLI, cfg *config.Config) {
	levelStr := cfg.Logging.Level
	if cli.LogLevel != "" {
		levelStr = cli.LogLevel
	}
	format := cfg.Logging.Format
	if cli.LogFormat != "" {
		format = cli.LogFormat
	}
	file := cfg.Logging.File
	if cli.LogFile != "" {
		file = cli.LogFile
	}

	level, _ := logger.ParseLevel(levelStr)
	output := os.Stderr
	if file != "" {
		f, _, err := logger.OpenLogFile(file)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file %s: %v\n", file, err)
		} else {
			output = f
		}
	}
	logger.Init(level, output, format)
}

func printStartupInfo(cfg *config.Config, app *runtime.App) {
	fmt.Printf("\nswarmd ready\n")
	fmt.Printf("  control:    %s\n", cfg.ServerConfig().ListenAddr)
	if cfg.Server.UnixSocket != "" {
		fmt.Printf("  socket:     %s\n", cfg.Server.UnixSocket)
	}
	if cfg.Telemetry.Enabled {
		fmt.Printf("  metrics:    http://%s/metrics\n", cfg.Telemetry.ListenAddr)
		fmt.Printf("  dashboard:  ws://%s/ws/telemetry\n", cfg.Telemetry.ListenAddr)
	}
	if cfg.Persistence.Enabled {
		fmt.Printf("  storage:    %s\n", cfg.Persistence.ConnectionString)
	}
	if cfg.LLM.Enabled {
		fmt.Printf("  llm:        %d backends\n", len(cfg.LLM.Backends))
	}
	fmt.Printf("  max agents: %d across %d shards\n",
		cfg.Scheduler.MaxAgents, len(cfg.Balancer.Shards))
	fmt.Println("\nPress Ctrl+C to stop")
}

// exitCode maps a top-level error to the process exit code: 1 for
// config and generic init failures, 2 for persistence, 3 for a bind
// failure on the protocol server.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var initErr *runtime.InitError
	if errors.As(err, &initErr) {
		switch initErr.Stage {
		case runtime.StagePersistence:
			return 2
		case runtime.StageServer:
			return 3
		}
	}
	return 1
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("swarmd"),
		kong.Description("swarmd - AI agent swarm orchestrator"),
		kong.UsageOnError(),
	)

	if err := ctx.Run(&cli); err != nil {
		fmt.Fprintf(os.Stderr, "swarmd: %v\n", err)
		os.Exit(exitCode(err))
	}
}
