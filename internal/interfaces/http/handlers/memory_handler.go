package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/osa-run/osa/internal/domain/memory"
	"go.uber.org/zap"
)

// MemoryHandler exposes the semantic memory store (spec §3.10, `memory`
// module) over HTTP: POST to remember a fact, GET to recall by query.
type MemoryHandler struct {
	manager *memory.MemoryManager
	logger  *zap.Logger
}

// NewMemoryHandler creates a handler for POST/GET /api/v1/memory. manager
// may be nil when `memory.enabled` is false in config — routes return 501
// rather than panicking.
func NewMemoryHandler(manager *memory.MemoryManager, logger *zap.Logger) *MemoryHandler {
	return &MemoryHandler{manager: manager, logger: logger.With(zap.String("handler", "memory"))}
}

// RememberRequest is the JSON body for POST /api/v1/memory.
type RememberRequest struct {
	Content   string                 `json:"content" binding:"required"`
	SessionID string                 `json:"session_id,omitempty"`
	UserID    string                 `json:"user_id,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Remember handles POST /api/v1/memory — embeds and stores content.
func (h *MemoryHandler) Remember(c *gin.Context) {
	if h.manager == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "memory store not configured"})
		return
	}
	var req RememberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	metadata := req.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	if req.SessionID != "" {
		metadata["session_id"] = req.SessionID
	}
	if req.UserID != "" {
		metadata["user_id"] = req.UserID
	}

	entry, err := h.manager.Remember(c.Request.Context(), req.Content, metadata)
	if err != nil {
		h.logger.Error("remember failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": entry.ID, "created_at": entry.CreatedAt})
}

// Get handles GET /api/v1/memory/:key — direct lookup by entry id.
func (h *MemoryHandler) Get(c *gin.Context) {
	if h.manager == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "memory store not configured"})
		return
	}
	entry, err := h.manager.Entry(c.Request.Context(), c.Param("key"))
	if err != nil {
		h.logger.Error("memory lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if entry == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "memory not found"})
		return
	}
	c.JSON(http.StatusOK, entry)
}

// Search handles GET /api/v1/memory/search?q=...&top_k=...&session_id=...
// — embeds the query and returns the nearest stored memories.
func (h *MemoryHandler) Search(c *gin.Context) {
	if h.manager == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "memory store not configured"})
		return
	}

	query := c.Query("q")
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "q is required"})
		return
	}
	topK := 5
	if v := c.Query("top_k"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			topK = n
		}
	}

	var filter *memory.SearchFilter
	if sid := c.Query("session_id"); sid != "" {
		filter = &memory.SearchFilter{SessionID: sid}
	}
	if uid := c.Query("user_id"); uid != "" {
		if filter == nil {
			filter = &memory.SearchFilter{}
		}
		filter.UserID = uid
	}

	results, err := h.manager.Recall(c.Request.Context(), query, topK, filter)
	if err != nil {
		h.logger.Error("recall failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}
