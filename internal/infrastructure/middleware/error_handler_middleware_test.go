package middleware

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"presencerelay/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newErrorRouter(t *testing.T) (*gin.Engine, *observer.ObservedLogs) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core).Sugar()

	router := gin.New()
	router.Use(RecoveryMiddleware(logger), RequestLogger(logger), TracingMiddleware(), ErrorHandlerMiddleware(logger))
	router.GET("/app-error", func(c *gin.Context) {
		_ = c.Error(errors.NewNotFoundError("participant"))
	})
	router.GET("/plain-error", func(c *gin.Context) {
		_ = c.Error(stderrors.New("disk on fire"))
	})
	router.GET("/panic", func(c *gin.Context) {
		panic("boom")
	})
	router.GET("/ok", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	return router, logs
}

func serve(router http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestErrorHandlerMiddleware_AppError(t *testing.T) {
	router, logs := newErrorRouter(t)

	w := serve(router, "/app-error")
	assert.Equal(t, http.StatusNotFound, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "NOT_FOUND", body["error"])
	assert.Equal(t, "participant not found", body["message"])
	assert.Equal(t, 1, logs.FilterMessage("application error").Len())
}

func TestErrorHandlerMiddleware_PlainError(t *testing.T) {
	router, logs := newErrorRouter(t)

	w := serve(router, "/plain-error")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "INTERNAL_ERROR")
	assert.NotContains(t, w.Body.String(), "disk on fire")
	assert.Equal(t, 1, logs.FilterMessage("unhandled error").Len())
}

func TestRecoveryMiddleware(t *testing.T) {
	router, logs := newErrorRouter(t)

	w := serve(router, "/panic")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, 1, logs.FilterMessage("panic recovered").Len())
}

func TestRequestLogger(t *testing.T) {
	router, logs := newErrorRouter(t)

	w := serve(router, "/ok")
	assert.Equal(t, http.StatusOK, w.Code)

	entries := logs.FilterMessage("http request").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "/ok", entries[0].ContextMap()["path"])
}
