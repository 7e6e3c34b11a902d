package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"maxrelay/internal/config"
	"maxrelay/internal/logging"

	"github.com/spf13/cobra"
)

const shutdownGrace = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP proxy server",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := bootstrap(cmd)
		if err != nil {
			return err
		}
		defer svc.conn.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		server := &http.Server{
			Addr:         config.Addr(),
			Handler:      svc.handler(),
			ReadTimeout:  5 * time.Minute,
			WriteTimeout: 10 * time.Minute,
			IdleTimeout:  15 * time.Minute,
		}

		serveErr := make(chan error, 1)
		go func() {
			logging.Info("http server listening", "addr", server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
				return
			}
			serveErr <- nil
		}()

		select {
		case <-ctx.Done():
			logging.Info("shutdown signal received, draining in-flight requests")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("graceful shutdown: %w", err)
			}
			return nil
		case err := <-serveErr:
			return err
		}
	},
}
