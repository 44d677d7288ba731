// internal/handler/adapter_handler.go
package handler

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"comm-service/internal/manager"
	"comm-service/internal/protocol"
	"comm-service/internal/utils"
)

const (
	defaultReceiveTimeout = time.Second
	maxReceiveTimeout     = 30 * time.Second
)

// AdapterHandler exposes the adapter registry over HTTP
type AdapterHandler struct {
	registry *manager.Registry
	logger   *utils.ServiceLogger
}

// NewAdapterHandler creates a new adapter handler
func NewAdapterHandler(registry *manager.Registry, logger *zap.Logger) *AdapterHandler {
	return &AdapterHandler{
		registry: registry,
		logger:   utils.NewServiceLogger(logger, "adapter-handler"),
	}
}

// RegisterRoutes registers adapter routes
func (h *AdapterHandler) RegisterRoutes(router *gin.RouterGroup) {
	adapters := router.Group("/adapters")
	{
		adapters.GET("", h.ListAdapters)
		adapters.POST("", h.CreateAdapter)

		adapter := adapters.Group("/:name")
		{
			adapter.GET("", h.GetAdapter)
			adapter.DELETE("", h.DeleteAdapter)
			adapter.POST("/connect", h.ConnectAdapter)
			adapter.POST("/disconnect", h.DisconnectAdapter)
			adapter.POST("/send", h.Send)
			adapter.GET("/receive", h.Receive)
		}
	}

	router.POST("/broadcast", h.Broadcast)
}

// CreateAdapterRequest describes an adapter to register
type CreateAdapterRequest struct {
	Name    string                 `json:"name"`
	Type    string                 `json:"type" binding:"required"`
	Config  map[string]interface{} `json:"config"`
	Connect bool                   `json:"connect"`
}

// ConnectRequest optionally replaces the stored adapter config
type ConnectRequest struct {
	Config map[string]interface{} `json:"config"`
}

// SendRequest carries a payload and how to interpret it
type SendRequest struct {
	Payload interface{} `json:"payload"`
	// Encoding is text, hex, base64 or json (default)
	Encoding string `json:"encoding"`
}

// ListAdapters returns every registered adapter with its stats
// @Summary List adapters
// @Tags Adapters
// @Produce json
// @Success 200 {object} utils.APIResponse{data=map[string]manager.AdapterStats}
// @Router /adapters [get]
func (h *AdapterHandler) ListAdapters(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "Adapters retrieved successfully", h.registry.Stats())
}

// CreateAdapter registers an adapter and optionally connects it
// @Summary Create adapter
// @Tags Adapters
// @Accept json
// @Produce json
// @Param request body CreateAdapterRequest true "Adapter definition"
// @Success 201 {object} utils.APIResponse{data=manager.AdapterStats}
// @Failure 400 {object} utils.APIResponse
// @Router /adapters [post]
func (h *AdapterHandler) CreateAdapter(c *gin.Context) {
	var req CreateAdapterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BindErrorResponse(c, err)
		return
	}

	protocolType, err := protocol.ParseProtocolType(req.Type)
	if err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Unsupported adapter type", err)
		return
	}

	cfg := protocol.Config(req.Config)
	if len(cfg) > 0 {
		if err := h.registry.Validate(protocolType, cfg); err != nil {
			utils.ValidationErrorResponse(c, map[string]string{"config": err.Error()})
			return
		}
	}

	name, _, err := h.registry.Register(protocolType, req.Name)
	if err != nil {
		respondAdapterError(c, "Failed to create adapter", err)
		return
	}

	if err := h.registry.Configure(name, cfg); err != nil {
		respondAdapterError(c, "Failed to configure adapter", err)
		return
	}

	if req.Connect {
		if err := h.registry.Connect(c.Request.Context(), name, cfg); err != nil {
			h.logger.Warn("Adapter created but connect failed", zap.String("adapter", name), zap.Error(err))
			respondAdapterError(c, "Adapter created but connect failed", err)
			return
		}
	}

	stats, err := h.registry.AdapterStats(name)
	if err != nil {
		respondAdapterError(c, "Failed to read adapter", err)
		return
	}

	h.logger.Info("Adapter created", zap.String("adapter", name), zap.String("protocol", string(protocolType)))
	utils.SuccessResponse(c, http.StatusCreated, "Adapter created successfully", gin.H{"name": name, "adapter": stats})
}

// GetAdapter returns one adapter
// @Summary Get adapter
// @Tags Adapters
// @Produce json
// @Param name path string true "Adapter name"
// @Success 200 {object} utils.APIResponse{data=manager.AdapterStats}
// @Failure 404 {object} utils.APIResponse
// @Router /adapters/{name} [get]
func (h *AdapterHandler) GetAdapter(c *gin.Context) {
	stats, err := h.registry.AdapterStats(c.Param("name"))
	if err != nil {
		respondAdapterError(c, "Adapter not found", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Adapter retrieved successfully", stats)
}

// DeleteAdapter disconnects and removes an adapter
func (h *AdapterHandler) DeleteAdapter(c *gin.Context) {
	name := c.Param("name")
	if err := h.registry.Remove(name); err != nil {
		respondAdapterError(c, "Failed to remove adapter", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Adapter removed successfully", gin.H{"name": name})
}

// ConnectAdapter connects an adapter with the posted config, or the stored one
func (h *AdapterHandler) ConnectAdapter(c *gin.Context) {
	name := c.Param("name")

	var req ConnectRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.BindErrorResponse(c, err)
			return
		}
	}

	if err := h.registry.Connect(c.Request.Context(), name, protocol.Config(req.Config)); err != nil {
		respondAdapterError(c, "Failed to connect adapter", err)
		return
	}

	stats, err := h.registry.AdapterStats(name)
	if err != nil {
		respondAdapterError(c, "Failed to read adapter", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Adapter connected successfully", stats)
}

// DisconnectAdapter disconnects an adapter and keeps it registered
func (h *AdapterHandler) DisconnectAdapter(c *gin.Context) {
	name := c.Param("name")
	if err := h.registry.Disconnect(name); err != nil {
		respondAdapterError(c, "Failed to disconnect adapter", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Adapter disconnected successfully", gin.H{"name": name})
}

// Send queues a payload on an adapter
// @Summary Send payload
// @Tags Adapters
// @Accept json
// @Produce json
// @Param name path string true "Adapter name"
// @Param request body SendRequest true "Payload"
// @Success 202 {object} utils.APIResponse
// @Failure 409 {object} utils.APIResponse "Adapter not connected"
// @Failure 503 {object} utils.APIResponse "Send queue full"
// @Router /adapters/{name}/send [post]
func (h *AdapterHandler) Send(c *gin.Context) {
	conn, ok := h.registry.Get(c.Param("name"))
	if !ok {
		respondAdapterError(c, "Adapter not found", manager.ErrAdapterNotFound)
		return
	}

	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BindErrorResponse(c, err)
		return
	}

	payload, err := decodePayload(req.Payload, req.Encoding)
	if err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid payload", err)
		return
	}

	if err := conn.Send(payload); err != nil {
		respondAdapterError(c, "Failed to send payload", err)
		return
	}
	utils.SuccessResponse(c, http.StatusAccepted, "Payload accepted", gin.H{"queued": true})
}

// Receive waits up to ?timeout= seconds for the next inbound payload
func (h *AdapterHandler) Receive(c *gin.Context) {
	conn, ok := h.registry.Get(c.Param("name"))
	if !ok {
		respondAdapterError(c, "Adapter not found", manager.ErrAdapterNotFound)
		return
	}

	timeout, err := parseTimeout(c.Query("timeout"))
	if err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid timeout", err)
		return
	}

	data, received := conn.Receive(timeout)
	if !received {
		utils.SuccessResponse(c, http.StatusOK, "No data received", gin.H{"received": false})
		return
	}

	body := renderPayload(data)
	body["received"] = true
	utils.SuccessResponse(c, http.StatusOK, "Data received", body)
}

// Broadcast sends a payload to every connected adapter
func (h *AdapterHandler) Broadcast(c *gin.Context) {
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BindErrorResponse(c, err)
		return
	}

	payload, err := decodePayload(req.Payload, req.Encoding)
	if err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid payload", err)
		return
	}

	count := h.registry.Broadcast(payload)
	utils.SuccessResponse(c, http.StatusOK, "Broadcast completed", gin.H{"delivered": count})
}

// respondAdapterError maps registry and adapter errors to HTTP status codes
func respondAdapterError(c *gin.Context, message string, err error) {
	utils.ErrorResponse(c, statusForError(err), message, err)
}

func statusForError(err error) int {
	if errors.Is(err, manager.ErrAdapterNotFound) {
		return http.StatusNotFound
	}

	var perr *protocol.Error
	if !errors.As(err, &perr) {
		return http.StatusInternalServerError
	}

	switch perr.Kind {
	case protocol.KindConfiguration:
		return http.StatusBadRequest
	case protocol.KindConnection:
		return http.StatusConflict
	case protocol.KindIO, protocol.KindProtocol:
		return http.StatusBadGateway
	case protocol.KindTimeout:
		return http.StatusGatewayTimeout
	case protocol.KindCapacity:
		return http.StatusServiceUnavailable
	case protocol.KindUnsupported:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func decodePayload(payload interface{}, encoding string) (interface{}, error) {
	if payload == nil {
		return nil, fmt.Errorf("payload is required")
	}

	switch encoding {
	case "", "json":
		return payload, nil
	case "text":
		s, ok := payload.(string)
		if !ok {
			return nil, fmt.Errorf("text payload must be a string")
		}
		return s, nil
	case "hex":
		s, ok := payload.(string)
		if !ok {
			return nil, fmt.Errorf("hex payload must be a string")
		}
		return hex.DecodeString(s)
	case "base64":
		s, ok := payload.(string)
		if !ok {
			return nil, fmt.Errorf("base64 payload must be a string")
		}
		return base64.StdEncoding.DecodeString(s)
	default:
		return nil, fmt.Errorf("unknown encoding: %s", encoding)
	}
}

func renderPayload(data interface{}) gin.H {
	body := gin.H{}
	if msg, ok := data.(protocol.ClientMessage); ok {
		body["client_id"] = msg.ClientID
		data = msg.Data
	}

	switch v := data.(type) {
	case []byte:
		body["encoding"] = "hex"
		body["data"] = hex.EncodeToString(v)
		if utf8.Valid(v) {
			body["text"] = string(v)
		}
	case string:
		body["encoding"] = "text"
		body["data"] = v
	default:
		body["encoding"] = "json"
		body["data"] = v
	}
	return body
}

func parseTimeout(raw string) (time.Duration, error) {
	if raw == "" {
		return defaultReceiveTimeout, nil
	}
	seconds, err := strconv.ParseFloat(raw, 64)
	if err != nil || seconds < 0 {
		return 0, fmt.Errorf("timeout must be a non-negative number of seconds")
	}
	timeout := time.Duration(seconds * float64(time.Second))
	if timeout > maxReceiveTimeout {
		timeout = maxReceiveTimeout
	}
	return timeout, nil
}
