package handler

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/haatos/runflow/internal/log"
	"github.com/haatos/runflow/internal/service"
)

type ErrorResponse struct {
	Message string `json:"message"`
}

// ErrorHandler writes every error as a JSON message. Internal errors are
// logged but never sent to the client.
func ErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	logger := log.FromContext(c.Request().Context())

	code := http.StatusInternalServerError
	message := "something went terribly wrong"
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			message = m
		} else {
			message = http.StatusText(code)
		}
		if he.Internal != nil {
			logger.Error("handler error", "path", c.Request().URL.Path, "status", code, "error", he.Internal)
		}
	} else {
		logger.Error("handler error", "path", c.Request().URL.Path, "error", err)
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(code)
	} else {
		err = c.JSON(code, ErrorResponse{Message: message})
	}
	if err != nil {
		logger.Error("writing error response", "error", err)
	}
}

func newError(err error, status int, message string) error {
	e := echo.NewHTTPError(status, message)
	if err != nil {
		e = e.WithInternal(err)
	}
	return e
}

// serviceError maps errors returned by the services to HTTP errors.
func serviceError(err error) error {
	var queueFull *service.ErrRunQueueFull
	var inputErr *service.InputError
	switch {
	case errors.Is(err, service.ErrWorkflowNotFound):
		return newError(nil, http.StatusNotFound, "workflow not found")
	case errors.Is(err, service.ErrRunNotFound):
		return newError(nil, http.StatusNotFound, "run not found")
	case errors.Is(err, service.ErrDispatchNotEnabled):
		return newError(nil, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, service.ErrRunNotActive):
		return newError(nil, http.StatusConflict, err.Error())
	case errors.As(err, &queueFull):
		return newError(err, http.StatusServiceUnavailable, "run queue is full")
	case errors.As(err, &inputErr):
		return newError(nil, http.StatusBadRequest, inputErr.Error())
	}
	return newError(err, http.StatusInternalServerError, "something went terribly wrong")
}
