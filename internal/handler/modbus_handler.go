// internal/handler/modbus_handler.go
package handler

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"comm-service/internal/manager"
	"comm-service/internal/protocol"
	"comm-service/internal/protocol/codec"
	"comm-service/internal/utils"
)

// ModbusHandler exposes register and coil access on Modbus TCP adapters
type ModbusHandler struct {
	registry *manager.Registry
	logger   *utils.ServiceLogger
}

// NewModbusHandler creates a new Modbus handler
func NewModbusHandler(registry *manager.Registry, logger *zap.Logger) *ModbusHandler {
	return &ModbusHandler{
		registry: registry,
		logger:   utils.NewServiceLogger(logger, "modbus-handler"),
	}
}

// RegisterRoutes registers Modbus routes
func (h *ModbusHandler) RegisterRoutes(router *gin.RouterGroup) {
	modbus := router.Group("/adapters/:name/modbus")
	{
		modbus.GET("/registers", h.ReadRegisters)
		modbus.PUT("/registers", h.WriteRegisters)
		modbus.GET("/coils", h.ReadCoils)
		modbus.PUT("/coils", h.WriteCoils)
	}
}

// WriteRegistersRequest writes raw words, or engineering values converted with scale and offset
type WriteRegistersRequest struct {
	Address uint16            `json:"address"`
	Values  []uint16          `json:"values"`
	Scaled  []decimal.Decimal `json:"scaled"`
	Scale   *decimal.Decimal  `json:"scale"`
	Offset  *decimal.Decimal  `json:"offset"`
	Signed  bool              `json:"signed"`
}

// WriteCoilsRequest writes one or more coils
type WriteCoilsRequest struct {
	Address uint16 `json:"address"`
	Values  []bool `json:"values" binding:"required"`
}

// RegisterValue is one register in a scaled read
type RegisterValue struct {
	Address uint16          `json:"address"`
	Raw     uint16          `json:"raw"`
	Value   decimal.Decimal `json:"value"`
}

// ReadRegisters reads holding or input registers
// @Summary Read registers
// @Tags Modbus
// @Produce json
// @Param name path string true "Adapter name"
// @Param table query string false "holding or input" default(holding)
// @Param address query int true "Start address"
// @Param count query int false "Quantity" default(1)
// @Param scale query string false "Multiplier applied to each raw value"
// @Param offset query string false "Offset added after scaling"
// @Param signed query bool false "Read words as int16"
// @Success 200 {object} utils.APIResponse
// @Router /adapters/{name}/modbus/registers [get]
func (h *ModbusHandler) ReadRegisters(c *gin.Context) {
	client, ok := h.client(c)
	if !ok {
		return
	}

	address, count, err := addressRange(c)
	if err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid register range", err)
		return
	}

	var words []uint16
	switch table := c.DefaultQuery("table", "holding"); table {
	case "holding":
		words, err = client.ReadHoldingRegisters(address, count)
	case "input":
		words, err = client.ReadInputRegisters(address, count)
	default:
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid register table", fmt.Errorf("unknown table: %s", table))
		return
	}
	if err != nil {
		respondAdapterError(c, "Failed to read registers", err)
		return
	}

	if c.Query("scale") == "" && c.Query("offset") == "" {
		utils.SuccessResponse(c, http.StatusOK, "Registers read successfully", gin.H{"address": address, "values": words})
		return
	}

	scale, offset, err := scaling(c.Query("scale"), c.Query("offset"))
	if err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid scaling", err)
		return
	}
	signed, _ := strconv.ParseBool(c.Query("signed"))

	scaled := codec.ScaleRegisters(words, scale, offset, signed)
	values := make([]RegisterValue, len(words))
	for i := range words {
		values[i] = RegisterValue{Address: address + uint16(i), Raw: words[i], Value: scaled[i]}
	}
	utils.SuccessResponse(c, http.StatusOK, "Registers read successfully", gin.H{"address": address, "values": values})
}

// WriteRegisters writes one register with function 6, or several with function 16
func (h *ModbusHandler) WriteRegisters(c *gin.Context) {
	client, ok := h.client(c)
	if !ok {
		return
	}

	var req WriteRegistersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BindErrorResponse(c, err)
		return
	}

	words := req.Values
	if len(req.Scaled) > 0 {
		scale, offset := decimal.NewFromInt(1), decimal.Zero
		if req.Scale != nil {
			scale = *req.Scale
		}
		if req.Offset != nil {
			offset = *req.Offset
		}
		var err error
		words, err = codec.UnscaleValues(req.Scaled, scale, offset, req.Signed)
		if err != nil {
			utils.ErrorResponse(c, http.StatusBadRequest, "Invalid scaled values", err)
			return
		}
	}
	if len(words) == 0 {
		utils.ErrorResponse(c, http.StatusBadRequest, "No values to write", fmt.Errorf("values or scaled is required"))
		return
	}

	var (
		echoed uint16
		err    error
	)
	if len(words) == 1 {
		echoed, err = client.WriteSingleRegister(req.Address, words[0])
	} else {
		echoed, err = client.WriteMultipleRegisters(req.Address, words)
	}
	if err != nil {
		respondAdapterError(c, "Failed to write registers", err)
		return
	}

	h.logger.Info("Registers written",
		zap.String("adapter", c.Param("name")),
		zap.Uint16("address", req.Address),
		zap.Int("count", len(words)),
	)
	utils.SuccessResponse(c, http.StatusOK, "Registers written successfully", gin.H{"address": req.Address, "written": words, "echo": echoed})
}

// ReadCoils reads coils or discrete inputs
func (h *ModbusHandler) ReadCoils(c *gin.Context) {
	client, ok := h.client(c)
	if !ok {
		return
	}

	address, count, err := addressRange(c)
	if err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid coil range", err)
		return
	}

	var bits []bool
	switch table := c.DefaultQuery("table", "coils"); table {
	case "coils":
		bits, err = client.ReadCoils(address, count)
	case "discrete":
		bits, err = client.ReadDiscreteInputs(address, count)
	default:
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid coil table", fmt.Errorf("unknown table: %s", table))
		return
	}
	if err != nil {
		respondAdapterError(c, "Failed to read coils", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Coils read successfully", gin.H{"address": address, "values": bits})
}

// WriteCoils writes one coil with function 5, or several with function 15
func (h *ModbusHandler) WriteCoils(c *gin.Context) {
	client, ok := h.client(c)
	if !ok {
		return
	}

	var req WriteCoilsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BindErrorResponse(c, err)
		return
	}
	if len(req.Values) == 0 {
		utils.ErrorResponse(c, http.StatusBadRequest, "No values to write", fmt.Errorf("values is empty"))
		return
	}

	var (
		echoed uint16
		err    error
	)
	if len(req.Values) == 1 {
		echoed, err = client.WriteSingleCoil(req.Address, req.Values[0])
	} else {
		echoed, err = client.WriteMultipleCoils(req.Address, req.Values)
	}
	if err != nil {
		respondAdapterError(c, "Failed to write coils", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Coils written successfully", gin.H{"address": req.Address, "written": req.Values, "echo": echoed})
}

// client resolves the named adapter as a Modbus client, answering the request on failure
func (h *ModbusHandler) client(c *gin.Context) (*protocol.ModbusClient, bool) {
	conn, ok := h.registry.Get(c.Param("name"))
	if !ok {
		respondAdapterError(c, "Adapter not found", manager.ErrAdapterNotFound)
		return nil, false
	}

	client, ok := conn.(*protocol.ModbusClient)
	if !ok {
		utils.ErrorResponse(c, http.StatusBadRequest, "Adapter is not a Modbus TCP client",
			fmt.Errorf("adapter %s has type %s", c.Param("name"), conn.Type()))
		return nil, false
	}
	return client, true
}

func addressRange(c *gin.Context) (uint16, uint16, error) {
	address, err := strconv.ParseUint(c.Query("address"), 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("address must be 0-65535")
	}
	count, err := strconv.ParseUint(c.DefaultQuery("count", "1"), 10, 16)
	if err != nil || count == 0 {
		return 0, 0, fmt.Errorf("count must be 1-65535")
	}
	return uint16(address), uint16(count), nil
}

func scaling(rawScale, rawOffset string) (decimal.Decimal, decimal.Decimal, error) {
	scale, offset := decimal.NewFromInt(1), decimal.Zero
	var err error
	if rawScale != "" {
		if scale, err = decimal.NewFromString(rawScale); err != nil {
			return scale, offset, fmt.Errorf("invalid scale: %w", err)
		}
	}
	if rawOffset != "" {
		if offset, err = decimal.NewFromString(rawOffset); err != nil {
			return scale, offset, fmt.Errorf("invalid offset: %w", err)
		}
	}
	return scale, offset, nil
}
