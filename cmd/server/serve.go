package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Brownie44l1/digit-api/internal/buildinfo"
	"github.com/Brownie44l1/digit-api/internal/handlers"
	"github.com/Brownie44l1/digit-api/internal/metrics"
	"github.com/Brownie44l1/digit-api/internal/model"
	"github.com/Brownie44l1/digit-api/internal/preprocess"
	"github.com/Brownie44l1/digit-api/internal/server"
)

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Load the model and serve the prediction API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), *configPath)
		},
	}
}

func runServe(ctx context.Context, configPath string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, log, err := setup(configPath)
	if err != nil {
		return err
	}
	log.Info("starting", "version", buildinfo.String(), "addr", cfg.Addr(), "cpu", model.HostCPU())

	// The handle is fully built before the listener accepts its first request
	// and is never replaced afterwards.
	modelHandle, err := loadModel(cfg, log)
	if err != nil {
		log.Error("model.load_failed", "error", err.Error())
		return err
	}
	defer modelHandle.Close()

	m := metrics.New()
	m.SetModelLoaded(modelHandle.Loaded())
	if !modelHandle.Loaded() {
		log.Warn("model.degraded", "warnings", modelHandle.Warnings())
	}

	h := handlers.NewHandler(modelHandle, handlers.Options{
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		ArrayScaling:   preprocess.ArrayScaling(cfg.Preprocess.ArrayScaling),
		Logger:         log,
		Metrics:        m,
	})

	srv := server.New(server.NewRouter(h, log, m), server.Options{
		Addr:            cfg.Addr(),
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Logger:          log,
	})

	log.Info("endpoints",
		"routes", []string{
			"GET / - liveness",
			"GET /health - model state",
			"GET /metrics - prometheus",
			"POST /predict - raw array prediction",
			"POST /predict_image - multipart image upload (field 'file')",
			"POST /predict_canvas - base64 canvas data URL",
		})

	if err := srv.Run(ctx); err != nil {
		log.Error("server.failed", "error", err.Error())
		return err
	}
	log.Info("stopped")
	return nil
}
