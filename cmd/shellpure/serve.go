package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/jonchun/shellpure"
	"github.com/jonchun/shellpure/server"
)

func newServeCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server over stdio, or over SSE with --http",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := shellpure.Config{Logger: a.logger, Version: version}
			if addr == "" {
				err := shellpure.RunStdio(cmd.Context(), cfg)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}
			return serveHTTP(cmd.Context(), a, cfg, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "http", "", "listen address for the SSE transport, e.g. 127.0.0.1:8080")
	return cmd
}

func serveHTTP(ctx context.Context, a *app, cfg shellpure.Config, addr string) error {
	core, err := shellpure.New(cfg)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           server.NewHTTPHandler(core, a.logger, server.ServerOptions{Version: version}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	a.logger.Info("serving", "addr", addr, "transport", "sse")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
