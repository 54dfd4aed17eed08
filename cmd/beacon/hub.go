package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/philsphicas/beacon/internal/socket"
)

func hubCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hub",
		Short: "Run a WebSocket hub for the websocket transport",
		Long: `Serve a WebSocket hub. Wallets and dApps connect with --hub and register
under their public key; the hub forwards envelopes between them.`,
		Args: cobra.NoArgs,
		RunE: runHub,
	}
	cmd.Flags().String("listen", ":8080", "address to listen on")
	cmd.Flags().String("path", "/ws", "HTTP path of the WebSocket endpoint")
	return cmd
}

func runHub(cmd *cobra.Command, args []string) error {
	listen, _ := cmd.Flags().GetString("listen")
	path, _ := cmd.Flags().GetString("path")
	logLevel, _ := cmd.Flags().GetString("log-level")
	logger := newLogger(logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("hub listen on %s: %w", listen, err)
	}
	mux := http.NewServeMux()
	mux.Handle(path, socket.NewHub(logger))
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("hub listening", "addr", ln.Addr().String(), "path", path)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("hub server: %w", err)
	}
	return nil
}
