package internal

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/haatos/runflow/internal/log"
)

const shutdownTimeout = 30 * time.Second

func GetCORSConfig() middleware.CORSConfig {
	return middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{
			echo.HeaderOrigin,
			echo.HeaderContentType,
			echo.HeaderAccept,
			WebhookTriggerKeyHeader,
		},
	}
}

// GetRateLimiterConfig limits each client IP to requestsPerSecond with a
// burst of twice that.
func GetRateLimiterConfig(requestsPerSecond float64) middleware.RateLimiterConfig {
	return middleware.RateLimiterConfig{
		Skipper: middleware.DefaultSkipper,
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(
			middleware.RateLimiterMemoryStoreConfig{
				Rate:      rate.Limit(requestsPerSecond),
				Burst:     max(int(requestsPerSecond*2), 1),
				ExpiresIn: 3 * time.Minute,
			},
		),
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return echo.NewHTTPError(http.StatusForbidden, "unable to identify client")
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			return echo.NewHTTPError(http.StatusTooManyRequests, "too many requests")
		},
	}
}

// GracefulShutdown serves e on port until ctx is done or the process receives
// SIGINT or SIGTERM. The server stops accepting requests first, then every
// onShutdown function runs in order with the remaining shutdown time.
func GracefulShutdown(
	ctx context.Context,
	e *echo.Echo,
	port string,
	onShutdown ...func(context.Context) error,
) error {
	logger := log.FromContext(ctx)
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "port", port)
		if err := e.Start(port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err, ok := <-serveErr:
		if ok {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	errs := []error{e.Shutdown(shutdownCtx)}
	for _, fn := range onShutdown {
		errs = append(errs, fn(shutdownCtx))
	}
	return errors.Join(errs...)
}
