package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Lllllllleong/docparser/internal/app"
	"github.com/Lllllllleong/docparser/internal/config"
	"github.com/Lllllllleong/docparser/internal/logger"
	"github.com/spf13/cobra"
)

type globalFlags struct {
	configPath string
	verbose    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:          "docparser",
		Short:        "Parse documents through TextIn ParseX and record every attempt",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "config.yaml", "path to the YAML config file")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newInitDBCmd(g),
		newParseFolderCmd(g),
		newParseFileCmd(g),
		newParseGCSCmd(g),
		newParseLocalCmd(g),
		newListFilesCmd(g),
		newStatusCmd(g),
		newServeCmd(g),
	)
	return root
}

// load reads configuration and installs the logger.
func (g *globalFlags) load() (*config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	if g.verbose {
		cfg.Log.Level = "debug"
	}
	logger.Init(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	return cfg, nil
}

// run builds the app, runs fn with a context cancelled on SIGINT or
// SIGTERM, and closes the app afterwards.
func (g *globalFlags) run(mutate func(*config.Config), fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	if mutate != nil {
		mutate(cfg)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer a.Close()
	return fn(ctx, a)
}
