package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"comm-service/internal/config"
	"comm-service/internal/manager"
	"comm-service/internal/protocol"
)

type fakeDatabase struct{ err error }

func (f fakeDatabase) Health(context.Context) error { return f.err }

func newHealthAPI(t *testing.T, db DatabaseChecker) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	registry := manager.NewRegistry(manager.Options{Logger: zap.NewNop()})
	t.Cleanup(registry.RemoveAll)
	_, err := registry.Create(protocol.TypeHTTP, "web")
	require.NoError(t, err)

	cfg := &config.Config{App: config.AppConfig{Name: "comm-service", Version: "1.2.3"}}
	router := gin.New()
	NewHealthHandler(registry, db, cfg, zap.NewNop()).RegisterRoutes(router)
	return router
}

func get(router http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestHealthWithoutDatabase(t *testing.T) {
	router := newHealthAPI(t, nil)

	w := get(router, "/health")
	require.Equal(t, http.StatusOK, w.Code)

	var health HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "1.2.3", health.Version)
	assert.NotContains(t, health.Checks, "database")
	assert.EqualValues(t, 1, health.Checks["adapters"].Data["total"])
	assert.EqualValues(t, 0, health.Checks["adapters"].Data["connected"])

	assert.Equal(t, http.StatusOK, get(router, "/ready").Code)
	assert.Equal(t, http.StatusOK, get(router, "/live").Code)
}

func TestHealthReportsDatabaseFailure(t *testing.T) {
	router := newHealthAPI(t, fakeDatabase{err: errors.New("connection refused")})

	w := get(router, "/health")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var health HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "unhealthy", health.Status)
	assert.Equal(t, "connection refused", health.Checks["database"].Message)

	assert.Equal(t, http.StatusServiceUnavailable, get(router, "/ready").Code)
	assert.Equal(t, http.StatusOK, get(router, "/live").Code)
}

func TestHealthWithHealthyDatabase(t *testing.T) {
	router := newHealthAPI(t, fakeDatabase{})

	w := get(router, "/health")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Database connection OK")
}
