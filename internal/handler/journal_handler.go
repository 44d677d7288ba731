// internal/handler/journal_handler.go
package handler

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"comm-service/internal/journal"
	"comm-service/internal/utils"
)

// JournalReader lists persisted connection events
type JournalReader interface {
	Entries(ctx context.Context, filter *journal.Filter) ([]*journal.Entry, error)
}

// JournalHandler serves the connection-event journal
type JournalHandler struct {
	journal JournalReader
	logger  *utils.ServiceLogger
}

// NewJournalHandler creates a new journal handler
func NewJournalHandler(reader JournalReader, logger *zap.Logger) *JournalHandler {
	return &JournalHandler{
		journal: reader,
		logger:  utils.NewServiceLogger(logger, "journal-handler"),
	}
}

// RegisterRoutes registers journal routes
func (h *JournalHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/journal", h.ListEntries)
	router.GET("/adapters/:name/journal", h.ListEntries)
}

// ListEntries lists journal entries, newest first
// @Summary List journal entries
// @Tags Journal
// @Produce json
// @Param name path string false "Adapter name"
// @Param kind query string false "created, removed, state_changed or error"
// @Param since query string false "RFC3339 lower bound"
// @Param limit query int false "Maximum entries" default(100)
// @Success 200 {object} utils.APIResponse{data=[]journal.Entry}
// @Router /adapters/{name}/journal [get]
func (h *JournalHandler) ListEntries(c *gin.Context) {
	filter, err := parseJournalFilter(c)
	if err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid journal filter", err)
		return
	}

	entries, err := h.journal.Entries(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list journal entries", zap.Error(err), zap.String("adapter", filter.Adapter))
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to list journal entries", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Journal entries retrieved", entries)
}

func parseJournalFilter(c *gin.Context) (*journal.Filter, error) {
	filter := &journal.Filter{Adapter: c.Param("name")}

	switch kind := journal.Kind(c.Query("kind")); kind {
	case "", journal.KindCreated, journal.KindRemoved, journal.KindStateChanged, journal.KindError:
		filter.Kind = kind
	default:
		return nil, fmt.Errorf("unknown kind: %s", kind)
	}

	if raw := c.Query("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, fmt.Errorf("since must be RFC3339: %w", err)
		}
		filter.Since = &since
	}

	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return nil, fmt.Errorf("limit must be a positive integer")
		}
		filter.Limit = limit
	}

	return filter, nil
}
