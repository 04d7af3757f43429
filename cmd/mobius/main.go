package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/AltairaLabs/mobius/internal/config"
	"github.com/AltairaLabs/mobius/internal/observability"
	"github.com/AltairaLabs/mobius/internal/programs"
	"github.com/AltairaLabs/mobius/internal/sandbox"
)

const version = "0.1.0"

var (
	configPath string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:          "mobius",
	Short:        "Mobius - programs that run on both ends of a session",
	Version:      version,
	SilenceUsage: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "Path to a TOML configuration file")
	flags.BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads the configuration and installs the process logger
func setup() (config.Config, *slog.Logger, error) {
	logger := observability.NewLogger(debug)
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, logger, err
	}
	return cfg, logger, nil
}

// sessionOptions builds what every session needs to run the configured
// program
func sessionOptions(cfg config.Config, logger *slog.Logger) (sandbox.Options, func(), error) {
	registry := sandbox.NewRegistry()
	if err := programs.Register(registry); err != nil {
		return sandbox.Options{}, nil, err
	}
	program, err := registry.Load(cfg.Server.Program)
	if err != nil {
		return sandbox.Options{}, nil, fmt.Errorf("%w (available: %v)", err, registry.Names())
	}

	renderer, err := sandbox.NewTemplateRenderer("")
	if err != nil {
		return sandbox.Options{}, nil, err
	}
	files, err := sandbox.NewFileFetcher(cfg.Server.SourcePath)
	if err != nil {
		return sandbox.Options{}, nil, err
	}
	fetcher := sandbox.NewCachedFetcher(files, config.DefaultFetchCacheTTL)

	return sandbox.Options{
		Program:               program,
		Renderer:              renderer,
		Fetcher:               fetcher,
		ClientOrdersAllEvents: cfg.Session.ClientOrdersAllEvents,
		Logger:                logger,
	}, fetcher.Close, nil
}

// workerArchiveConfig gives each worker its own bolt file; the other
// backends are shared
func workerArchiveConfig(cfg config.ArchiveConfig, index int) config.ArchiveConfig {
	if cfg.Backend == config.ArchiveBolt {
		cfg.Path = fmt.Sprintf("%s.%d", cfg.Path, index)
	}
	return cfg
}

// workerArgs are the arguments a worker child is started with
func workerArgs() []string {
	args := []string{"worker"}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	if debug {
		args = append(args, "--debug")
	}
	return args
}
