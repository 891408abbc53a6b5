// Package server runs the search gateway until the process is told to stop.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/marmelspade/internal/config"
)

const (
	defaultReadHeaderTimeout = 5 * time.Second
	shutdownTimeout          = 10 * time.Second
	sweepInterval            = time.Minute
	clientIdleAfter          = 10 * time.Minute
)

// Gateway is the HTTP surface served by Run.
type Gateway interface {
	Handler() http.Handler
	SweepClients(ctx context.Context, interval, idle time.Duration)
}

// Run serves gw on cfg.Addr() until ctx is canceled, then drains in-flight
// requests. The caller owns signal handling.
func Run(ctx context.Context, gw Gateway, cfg config.ServerConfig, logger *zap.Logger) error {
	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Addr(), err)
	}
	return Serve(ctx, ln, gw, cfg, logger)
}

// Serve is Run on an existing listener.
func Serve(ctx context.Context, ln net.Listener, gw Gateway, cfg config.ServerConfig, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	readHeader := cfg.ReadHeaderTimeout
	if readHeader <= 0 {
		readHeader = defaultReadHeaderTimeout
	}
	srv := &http.Server{
		Handler:           gw.Handler(),
		ReadHeaderTimeout: readHeader,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go gw.SweepClients(ctx, sweepInterval, clientIdleAfter)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err, ok := <-serveErr:
		if ok {
			logger.Error("http server error", zap.Error(err))
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("shutdown initiated")

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}
