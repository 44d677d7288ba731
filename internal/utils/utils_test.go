package utils

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"comm-service/internal/config"
	"comm-service/internal/protocol"
)

func TestNewLoggerWritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "comm.log")
	logger, err := NewLogger(&config.LoggingConfig{Level: "info", Format: "json", Output: path, MaxSize: 1})
	require.NoError(t, err)

	logger.Info("hello", zap.String("adapter", "plc"))
	logger.Debug("hidden")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &line))
	assert.Equal(t, "hello", line["message"])
	assert.Equal(t, "info", line["level"])
	assert.Equal(t, "plc", line["adapter"])
	assert.NotContains(t, string(data), "hidden")
}

func TestNewLoggerRejectsBadLevel(t *testing.T) {
	_, err := NewLogger(&config.LoggingConfig{Level: "loud", Output: "stdout"})
	assert.Error(t, err)

	level, err := ParseLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, level)
}

func TestAdapterLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	al := NewAdapterLogger(zap.New(core), "plc", protocol.TypeModbusTCP)

	al.LogConnection("connect", true, nil)
	al.LogConnection("connect", false, errors.New("refused"))
	al.LogTransfer("sent", 12)

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, "plc", entries[0].ContextMap()["adapter"])
	assert.Equal(t, "modbus_tcp", entries[0].ContextMap()["protocol"])
	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
	assert.Equal(t, "refused", entries[1].ContextMap()["error"])
	assert.Equal(t, int64(12), entries[2].ContextMap()["bytes"])
}

func TestServiceLoggerRequestLevels(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	sl := NewServiceLogger(zap.New(core), "comm-service")

	sl.LogAPIRequest("GET", "/health", "test", "127.0.0.1", 200, 0)
	sl.LogAPIRequest("GET", "/x", "test", "127.0.0.1", 404, 0)
	sl.LogAPIRequest("GET", "/y", "test", "127.0.0.1", 502, 0)

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[2].Level)
}

func TestResponses(t *testing.T) {
	gin.SetMode(gin.TestMode)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Set("request_id", "req-1")
	SuccessResponse(c, http.StatusOK, "ok", gin.H{"count": 2})

	var ok APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ok))
	assert.True(t, ok.Success)
	assert.Equal(t, "req-1", ok.RequestID)
	assert.Nil(t, ok.Error)

	w = httptest.NewRecorder()
	c, _ = gin.CreateTestContext(w)
	ErrorResponse(c, http.StatusGatewayTimeout, "receive failed", &protocol.Error{Kind: protocol.KindTimeout, Op: "receive", Message: "no data"})

	var failed APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &failed))
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
	assert.False(t, failed.Success)
	require.NotNil(t, failed.Error)
	assert.Equal(t, "GATEWAY_TIMEOUT", failed.Error.Code)
	assert.Equal(t, "timeout", failed.Error.Kind)
	assert.Equal(t, "receive: no data", failed.Error.Details)

	w = httptest.NewRecorder()
	c, _ = gin.CreateTestContext(w)
	ErrorResponse(c, http.StatusInternalServerError, "boom", errors.New("plain"))
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &failed))
	assert.Empty(t, failed.Error.Kind)

	w = httptest.NewRecorder()
	c, _ = gin.CreateTestContext(w)
	ValidationErrorResponse(c, map[string]string{"type": "required"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "VALIDATION_ERROR")
}
