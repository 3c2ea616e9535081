// Command turns runs streaming conversation turns against a chat-completions,
// Responses or relay upstream, as an HTTP server or an interactive CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"go-turns/internal/app"
	"go-turns/internal/config"
	"go-turns/internal/logging"
	"go-turns/internal/storage"
	"go-turns/internal/turn"
)

var (
	configPath   string
	logLevel     string
	producerKind string
)

var rootCmd = &cobra.Command{
	Use:           "turns",
	Short:         "Streaming response turns with a relay endpoint",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "turns.yaml", "yaml config path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVar(&producerKind, "producer", "", "producer override (native|delta|relay|relay-delta)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// runtime is an opened app with the resources it owns.
type runtime struct {
	cfg    config.Config
	logger *zap.Logger
	store  *storage.BoltStore
	app    *app.App
}

func openRuntime(renderer turn.Renderer) (*runtime, error) {
	if v := strings.TrimSpace(producerKind); v != "" {
		_ = os.Setenv("TURNS_PRODUCER", v)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if v := strings.TrimSpace(logLevel); v != "" {
		cfg.LogLevel = v
	}
	logger, err := logging.New(cfg.LogLevel, os.Stderr)
	if err != nil {
		return nil, err
	}
	store, err := storage.NewBoltStore(cfg.StoragePath)
	if err != nil {
		return nil, err
	}
	a, err := app.New(cfg, store, app.Options{Logger: logger, Renderer: renderer})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return &runtime{cfg: cfg, logger: logger, store: store, app: a}, nil
}

func (r *runtime) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.app.Close(ctx); err != nil {
		r.logger.Warn("shutdown incomplete", zap.Error(err))
	}
	_ = r.store.Close()
	_ = r.logger.Sync()
}
