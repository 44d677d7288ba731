// internal/handler/discovery_handler.go
package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"comm-service/internal/discovery"
	"comm-service/internal/manager"
	"comm-service/internal/utils"
)

const defaultScanTimeout = 10 * time.Second

var addressReplacer = strings.NewReplacer("/", "_", ":", "_", ".", "_")

// DiscoveryHandler handles port discovery requests
type DiscoveryHandler struct {
	scanners *discovery.ScannerManager
	registry *manager.Registry
	logger   *utils.ServiceLogger
}

// NewDiscoveryHandler creates a new discovery handler
func NewDiscoveryHandler(scanners *discovery.ScannerManager, registry *manager.Registry, logger *zap.Logger) *DiscoveryHandler {
	return &DiscoveryHandler{
		scanners: scanners,
		registry: registry,
		logger:   utils.NewServiceLogger(logger, "discovery-handler"),
	}
}

// RegisterRoutes registers discovery routes
func (h *DiscoveryHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/serial/ports", h.ListSerialPorts)

	disc := router.Group("/discovery")
	{
		disc.GET("/scanners", h.GetScanners)
		disc.GET("/scan", h.Scan)
		disc.POST("/auto-setup", h.AutoSetup)
	}
}

// ListSerialPorts lists the serial ports of the host
// @Summary List serial ports
// @Description List serial ports with USB vendor, product and serial number when known
// @Tags Discovery
// @Produce json
// @Success 200 {object} utils.APIResponse{data=object{ports_found=int,ports=[]discovery.DiscoveredPort}}
// @Failure 500 {object} utils.APIResponse "Enumeration failed"
// @Router /serial/ports [get]
func (h *DiscoveryHandler) ListSerialPorts(c *gin.Context) {
	ports, err := h.scanners.ScanByType(c.Request.Context(), "serial")
	if err != nil {
		h.logger.Error("Failed to list serial ports", zap.Error(err))
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to list serial ports", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Serial ports retrieved", gin.H{
		"ports_found": len(ports),
		"ports":       ports,
	})
}

// GetScanners lists the available scanner types
func (h *DiscoveryHandler) GetScanners(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "Scanners retrieved", h.scanners.GetAvailableScanners())
}

// Scan runs one scanner, or all of them
// @Summary Scan for endpoints
// @Tags Discovery
// @Produce json
// @Param type query string false "Scanner type" default(all)
// @Param timeout query string false "Scan timeout" default(10s)
// @Success 200 {object} utils.APIResponse{data=object{ports_found=int,ports=[]discovery.DiscoveredPort}}
// @Router /discovery/scan [get]
func (h *DiscoveryHandler) Scan(c *gin.Context) {
	ports, err := h.scan(c, c.DefaultQuery("type", "all"), c.Query("timeout"))
	if err != nil {
		h.logger.Error("Failed to scan", zap.Error(err))
		utils.ErrorResponse(c, http.StatusBadRequest, "Failed to scan", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Scan completed", gin.H{
		"ports_found": len(ports),
		"ports":       ports,
	})
}

// AutoSetupRequest selects which discovered ports become adapters
type AutoSetupRequest struct {
	Type    string `json:"type"`
	Prefix  string `json:"prefix"`
	Connect bool   `json:"connect"`
}

// AutoSetupResult reports the adapters created from a scan
type AutoSetupResult struct {
	Created []string          `json:"created"`
	Failed  map[string]string `json:"failed,omitempty"`
}

// AutoSetup registers an adapter for each discovered port
// @Summary Auto-setup adapters
// @Description Scan and register an adapter for every endpoint found
// @Tags Discovery
// @Accept json
// @Produce json
// @Param request body AutoSetupRequest false "Auto-setup request"
// @Success 200 {object} utils.APIResponse{data=AutoSetupResult}
// @Router /discovery/auto-setup [post]
func (h *DiscoveryHandler) AutoSetup(c *gin.Context) {
	var req AutoSetupRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.BindErrorResponse(c, err)
			return
		}
	}
	if req.Type == "" {
		req.Type = "all"
	}

	ports, err := h.scan(c, req.Type, "")
	if err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Failed to scan", err)
		return
	}

	result := &AutoSetupResult{Created: []string{}, Failed: map[string]string{}}
	for _, port := range ports {
		name := ""
		if req.Prefix != "" {
			name = req.Prefix + "_" + addressReplacer.Replace(strings.TrimPrefix(port.Address, "/dev/"))
		}

		created, _, err := h.registry.Register(port.Protocol, name)
		if err != nil {
			result.Failed[port.Address] = err.Error()
			continue
		}
		if err := h.registry.Configure(created, port.Config); err != nil {
			result.Failed[port.Address] = err.Error()
			continue
		}
		if req.Connect {
			if err := h.registry.Connect(c.Request.Context(), created, nil); err != nil {
				result.Failed[port.Address] = err.Error()
			}
		}
		result.Created = append(result.Created, created)
	}

	h.logger.Info("Auto-setup completed",
		zap.Int("ports_found", len(ports)),
		zap.Int("created", len(result.Created)),
		zap.Int("failed", len(result.Failed)),
	)
	utils.SuccessResponse(c, http.StatusOK, "Auto-setup completed", result)
}

func (h *DiscoveryHandler) scan(c *gin.Context, scanType, rawTimeout string) ([]*discovery.DiscoveredPort, error) {
	timeout := defaultScanTimeout
	if rawTimeout != "" {
		parsed, err := time.ParseDuration(rawTimeout)
		if err != nil {
			return nil, err
		}
		timeout = parsed
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	defer cancel()

	if scanType == "all" {
		return h.scanners.ScanAll(ctx)
	}
	return h.scanners.ScanByType(ctx, scanType)
}
