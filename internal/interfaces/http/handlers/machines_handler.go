package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/osa-run/osa/internal/domain/tool"
	"go.uber.org/zap"
)

// MachinesHandler exposes the Tool Registry's machine (capability group)
// toggle state. Per spec §9 Open Question #2, "machines" are an opaque
// string-set filter applied to the registry's published snapshot — this
// handler never interprets machine names, it only relays Set/Get calls.
type MachinesHandler struct {
	toggler tool.MachineToggler
	logger  *zap.Logger
}

// NewMachinesHandler creates a handler for GET/PUT /api/v1/machines.
// toggler may be nil if the configured registry doesn't support toggles
// (routes return 501 in that case rather than panicking).
func NewMachinesHandler(toggler tool.MachineToggler, logger *zap.Logger) *MachinesHandler {
	return &MachinesHandler{toggler: toggler, logger: logger.With(zap.String("handler", "machines"))}
}

// List handles GET /api/v1/machines — returns current toggle state.
func (h *MachinesHandler) List(c *gin.Context) {
	if h.toggler == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "machine toggles not supported"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"machines": h.toggler.MachineToggles()})
}

// SetMachineRequest is the JSON body for PUT /api/v1/machines.
type SetMachineRequest struct {
	Machine string `json:"machine" binding:"required"`
	Enabled bool   `json:"enabled"`
}

// Set handles PUT /api/v1/machines — enables or disables a capability
// group, republishing the Tool Registry's snapshot immediately.
func (h *MachinesHandler) Set(c *gin.Context) {
	if h.toggler == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "machine toggles not supported"})
		return
	}
	var req SetMachineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.toggler.SetMachineToggle(req.Machine, req.Enabled)
	h.logger.Info("machine toggle updated", zap.String("machine", req.Machine), zap.Bool("enabled", req.Enabled))
	c.JSON(http.StatusOK, gin.H{"machine": req.Machine, "enabled": req.Enabled})
}
