package handler

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/haatos/runflow/internal"
	"github.com/haatos/runflow/internal/testutil"
)

func TestWebhookKey(t *testing.T) {
	ok := func(c echo.Context) error { return c.NoContent(http.StatusNoContent) }

	t.Run("success - matching key", func(t *testing.T) {
		// arrange
		e := echo.New()
		req := httptest.NewRequest(http.MethodPost, "/api/events", nil)
		req.Header.Set(internal.WebhookTriggerKeyHeader, "s3cret")
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)

		// act
		err := WebhookKey("s3cret")(ok)(c)

		// assert
		require.NoError(t, err)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})
	t.Run("success - no key configured", func(t *testing.T) {
		// arrange
		e := echo.New()
		req := httptest.NewRequest(http.MethodPost, "/api/events", nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)

		// act
		err := WebhookKey("")(ok)(c)

		// assert
		require.NoError(t, err)
	})
	t.Run("failure - wrong key", func(t *testing.T) {
		// arrange
		e := echo.New()
		req := httptest.NewRequest(http.MethodPost, "/api/events", nil)
		req.Header.Set(internal.WebhookTriggerKeyHeader, "guess")
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)

		// act
		err := WebhookKey("s3cret")(ok)(c)

		// assert
		assertHTTPError(t, err, http.StatusUnauthorized)
	})
}

func TestSetupWorkflowRoutes_WebhookKey(t *testing.T) {
	newAPI := func(svc *testutil.MockWorkflowService) *echo.Echo {
		e := newTestEcho()
		e.HTTPErrorHandler = ErrorHandler
		SetupWorkflowRoutes(e.Group("/api"), NewWorkflowHandler(svc, nil), "s3cret")
		return e
	}

	tests := []struct {
		name   string
		method string
		target string
		body   string
	}{
		{"dispatch", http.MethodPost, "/api/workflows/ci/dispatch", `{"ref":"refs/heads/main"}`},
		{"cancel", http.MethodPost, "/api/runs/run-1/cancel", ""},
		{"reload", http.MethodPost, "/api/workflows/reload", ""},
		{"run details", http.MethodGet, "/api/runs/run-1", ""},
	}
	for _, tt := range tests {
		t.Run("failure - "+tt.name+" without key", func(t *testing.T) {
			// arrange
			mockService := new(testutil.MockWorkflowService)
			e := newAPI(mockService)
			req := newJSONRequest(tt.method, tt.target, tt.body)
			rec := httptest.NewRecorder()

			// act
			e.ServeHTTP(rec, req)

			// assert
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			mockService.AssertNotCalled(t, "Dispatch", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
			mockService.AssertNotCalled(t, "CancelRun", mock.Anything, mock.Anything)
			mockService.AssertNotCalled(t, "Load")
		})
	}

	t.Run("success - cancel with key", func(t *testing.T) {
		// arrange
		mockService := new(testutil.MockWorkflowService)
		mockService.On("CancelRun", mock.Anything, "run-1").Return(nil)
		e := newAPI(mockService)
		req := httptest.NewRequest(http.MethodPost, "/api/runs/run-1/cancel", nil)
		req.Header.Set(internal.WebhookTriggerKeyHeader, "s3cret")
		rec := httptest.NewRecorder()

		// act
		e.ServeHTTP(rec, req)

		// assert
		assert.Equal(t, http.StatusAccepted, rec.Code)
		mockService.AssertExpectations(t)
	})
}

func TestErrorHandler(t *testing.T) {
	t.Run("success - http error message is returned", func(t *testing.T) {
		// arrange
		e := echo.New()
		req := httptest.NewRequest(http.MethodGet, "/api/runs/x", nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)

		// act
		ErrorHandler(newError(errors.New("no rows"), http.StatusNotFound, "run not found"), c)

		// assert
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.JSONEq(t, `{"message":"run not found"}`, rec.Body.String())
	})
	t.Run("success - internal errors are hidden", func(t *testing.T) {
		// arrange
		e := echo.New()
		req := httptest.NewRequest(http.MethodGet, "/api/runs", nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)

		// act
		ErrorHandler(errors.New("database is locked"), c)

		// assert
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.NotContains(t, rec.Body.String(), "locked")
	})
}
