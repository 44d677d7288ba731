package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"

	"comm-service/internal/discovery"
	"comm-service/internal/manager"
	"comm-service/internal/protocol"
)

func newDiscoveryAPI(t *testing.T, list discovery.PortLister) (*gin.Engine, *manager.Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	registry := manager.NewRegistry(manager.Options{Logger: zap.NewNop()})
	t.Cleanup(registry.RemoveAll)

	scanners := discovery.NewScannerManager(zap.NewNop())
	scanners.RegisterScanner(discovery.NewSerialScanner(zap.NewNop(), list))

	router := gin.New()
	NewDiscoveryHandler(scanners, registry, zap.NewNop()).RegisterRoutes(router.Group("/api/v1"))
	return router, registry
}

func usbPorts() ([]*enumerator.PortDetails, error) {
	return []*enumerator.PortDetails{
		{Name: "/dev/ttyUSB0", IsUSB: true, VID: "0403", PID: "6001", SerialNumber: "A50285BI"},
		{Name: "/dev/ttyS0"},
	}, nil
}

func TestListSerialPorts(t *testing.T) {
	router, _ := newDiscoveryAPI(t, usbPorts)

	w, env := doJSON(t, router, http.MethodGet, "/api/v1/serial/ports", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body struct {
		PortsFound int                        `json:"ports_found"`
		Ports      []discovery.DiscoveredPort `json:"ports"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &body))
	assert.Equal(t, 2, body.PortsFound)
	assert.Equal(t, "/dev/ttyUSB0", body.Ports[0].Address)
	assert.Equal(t, "0403", body.Ports[0].Details["vid"])
	assert.Equal(t, protocol.TypeSerial, body.Ports[1].Protocol)
}

func TestListSerialPortsFailure(t *testing.T) {
	router, _ := newDiscoveryAPI(t, func() ([]*enumerator.PortDetails, error) {
		return nil, errors.New("no sysfs")
	})

	w, env := doJSON(t, router, http.MethodGet, "/api/v1/serial/ports", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, env.Error.Details, "no sysfs")
}

func TestAutoSetupRegistersDiscoveredPorts(t *testing.T) {
	router, registry := newDiscoveryAPI(t, usbPorts)

	w, env := doJSON(t, router, http.MethodPost, "/api/v1/discovery/auto-setup", gin.H{"type": "serial", "prefix": "com"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var result AutoSetupResult
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.ElementsMatch(t, []string{"com_ttyUSB0", "com_ttyS0"}, result.Created)
	assert.Empty(t, result.Failed)

	stats, err := registry.AdapterStats("com_ttyUSB0")
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeSerial, stats.Type)
	assert.False(t, stats.Connected)
}

func TestScanUnknownType(t *testing.T) {
	router, _ := newDiscoveryAPI(t, usbPorts)

	w, _ := doJSON(t, router, http.MethodGet, "/api/v1/discovery/scan?type=bluetooth", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, env := doJSON(t, router, http.MethodGet, "/api/v1/discovery/scanners", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `["serial"]`, string(env.Data))
}
