package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Brownie44l1/digit-api/internal/buildinfo"
	"github.com/Brownie44l1/digit-api/internal/config"
	"github.com/Brownie44l1/digit-api/internal/logger"
	"github.com/Brownie44l1/digit-api/internal/model"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:          "digit-api",
		Short:        "Handwritten digit inference service",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("DIGIT_API_CONFIG"), "YAML config file (optional)")

	cmd.AddCommand(
		serveCmd(&configPath),
		predictCmd(&configPath),
		loadtestCmd(),
		versionCmd(),
	)
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), buildinfo.String())
		},
	}
}

// setup loads the configuration and builds the process logger.
func setup(configPath string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(log)
	return cfg, log, nil
}

func loadModel(cfg *config.Config, log *slog.Logger) (*model.Handle, error) {
	log.Info("model.loading", "path", cfg.Model.Path, "backend", cfg.Model.Backend)
	return model.Load(cfg.Model.Path, model.LoadOptions{
		Backend:        cfg.Model.Backend,
		RequireWeights: cfg.Model.RequireWeights,
		Seed:           cfg.Model.Seed,
		ONNXLibrary:    cfg.Model.ONNXLibrary,
		ONNXInput:      cfg.Model.ONNXInput,
		ONNXOutput:     cfg.Model.ONNXOutput,
		Logger:         log,
	})
}
