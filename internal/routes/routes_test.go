package routes

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"comm-service/internal/config"
	"comm-service/internal/events"
	"comm-service/internal/manager"
	"comm-service/internal/metrics"
	"comm-service/internal/middleware"
)

func testConfig() *config.Config {
	return &config.Config{
		App:      config.AppConfig{Name: "comm-service", Version: "test", Environment: "test"},
		Metrics:  config.MetricsConfig{Enabled: true, Path: "/metrics"},
		Security: config.SecurityConfig{AllowedOrigins: []string{"*"}},
	}
}

func TestSetupRouterWiresRoutes(t *testing.T) {
	collector, err := metrics.NewCollector()
	require.NoError(t, err)

	registry := manager.NewRegistry(manager.Options{Logger: zap.NewNop(), Observers: []manager.Observer{collector}})
	t.Cleanup(registry.RemoveAll)

	router := NewRouter(testConfig(), zap.NewNop(), Dependencies{
		Registry: registry,
		Bus:      events.NewBus(zap.NewNop(), 10),
		Metrics:  collector,
	})
	engine := router.SetupRouter()
	t.Cleanup(router.Close)

	for _, path := range []string{"/health", "/live", "/ready", "/api/v1/adapters"} {
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, w.Code, path)
		assert.NotEmpty(t, w.Header().Get(middleware.RequestIDHeader), path)
	}

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "comm_api_request_duration_seconds_count")

	// journal and discovery routes are absent without their components
	for _, path := range []string{"/api/v1/journal", "/api/v1/serial/ports"} {
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}
}
