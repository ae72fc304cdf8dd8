package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kode4food/cmdbus/internal/server"
)

// ServeOptions holds flags for the serve command
type ServeOptions struct {
	*RootOptions
	Addr string
}

const defaultShutdownTimeout = 5 * time.Second

// NewServeCommand creates the serve command
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the bus over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address")

	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	ctx, stop := signal.NotifyContext(
		cmd.Context(), os.Interrupt, syscall.SIGTERM,
	)
	defer stop()

	a, err := opts.app(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	addr := opts.Addr
	if addr == "" {
		addr = a.config.HTTP.Addr
	}

	srv := server.New(a.bus, a.store, a.registry, a.log)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		a.log.Info("HTTP server started", zap.String("addr", addr))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(), defaultShutdownTimeout,
	)
	defer cancel()

	a.log.Info("HTTP server stopping")
	return httpServer.Shutdown(shutdownCtx)
}
