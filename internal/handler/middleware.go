package handler

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/haatos/runflow/internal"
	"github.com/haatos/runflow/internal/log"
)

// WebhookKey rejects requests whose webhook key header does not match key.
// An empty key accepts every request.
func WebhookKey(key string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if key == "" {
				return next(c)
			}
			given := c.Request().Header.Get(internal.WebhookTriggerKeyHeader)
			if subtle.ConstantTimeCompare([]byte(given), []byte(key)) != 1 {
				return newError(nil, http.StatusUnauthorized, "invalid webhook key")
			}
			return next(c)
		}
	}
}

// RequestLogger logs each request and stores a request scoped logger in
// the request context.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		BeforeNextFunc: func(c echo.Context) {
			ctx := log.IntoContext(c.Request().Context(), logger.With("method", c.Request().Method, "path", c.Path()))
			c.SetRequest(c.Request().WithContext(ctx))
		},
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency.Round(time.Microsecond),
				"remote_ip", v.RemoteIP,
			)
			return nil
		},
	})
}
