package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/transcribeorch/orchestrator/internal/accel"
	"github.com/transcribeorch/orchestrator/internal/audio"
	"github.com/transcribeorch/orchestrator/internal/config"
	"github.com/transcribeorch/orchestrator/internal/engine"
	"github.com/transcribeorch/orchestrator/internal/orchestrator"
	"github.com/transcribeorch/orchestrator/internal/worker"
)

var (
	configPath string
	logLevel   string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the orchestrator and block until an interrupt",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file (defaults applied for omitted fields)")
	serveCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
}

func runServe(cmd *cobra.Command, args []string) error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return err
	}
	base := logrus.New()
	base.SetLevel(level)
	base.SetFormatter(&logrus.JSONFormatter{})
	log := logrus.NewEntry(base)

	var data []byte
	if configPath != "" {
		data, err = os.ReadFile(configPath)
		if err != nil {
			return err
		}
	}
	cfg, err := config.Load(data)
	if err != nil {
		return err
	}

	eng := &engine.Fake{}
	cache := worker.NewModelCache(cfg.ModelCacheCapacity, eng.Unload)
	core := orchestrator.New(cfg, eng, accel.NewCUDADriver(), &audio.FixedProber{Default: float64(cfg.StandardAudioDurationSec)}, cache, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := core.Start(ctx); err != nil {
		return err
	}
	log.WithField("concurrency", core.Concurrency().Get()).Info("serving")

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return core.Shutdown(shutdownCtx)
}
