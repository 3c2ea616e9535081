package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"go-turns/internal/server"
)

var httpAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and relay endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(nil)
		if err != nil {
			return err
		}
		defer rt.Close()

		addr := rt.cfg.HTTPAddr
		if v := strings.TrimSpace(httpAddr); v != "" {
			addr = v
		}
		srv := &http.Server{
			Addr:              addr,
			Handler:           server.New(rt.app, rt.logger.Named("http")).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		errCh := make(chan error, 1)
		go func() {
			rt.logger.Info("http server listening",
				zap.String("addr", addr),
				zap.String("producer", rt.cfg.Producer),
				zap.String("model", rt.cfg.Model),
			)
			errCh <- srv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-ctx.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&httpAddr, "http-addr", "", "http listen address (overrides http_addr)")
}
