package http

import (
	"net/http"
	"time"

	"ratepilot/internal/core/domain"
	apperrors "ratepilot/pkg/errors"

	"github.com/gin-gonic/gin"
)

// CapacityController drives the simulated uplink.
type CapacityController interface {
	SetCapacity(bps int)
	Capacity() int
	Bitrate() int
}

// CapabilitySetter drives a static network observer.
type CapabilitySetter interface {
	Set(c domain.Capability)
	LinkLost()
}

// SimulationHandler exposes knobs for the demo sink and observer. Either
// dependency may be nil, in which case its routes are not registered.
type SimulationHandler struct {
	capacity CapacityController
	observer CapabilitySetter
	now      func() time.Time
}

func NewSimulationHandler(capacity CapacityController, observer CapabilitySetter) *SimulationHandler {
	return &SimulationHandler{capacity: capacity, observer: observer, now: time.Now}
}

func (h *SimulationHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1")
	if h.capacity != nil {
		api.GET("/simulation/capacity", h.GetCapacity)
		api.PUT("/simulation/capacity", h.SetCapacity)
	}
	if h.observer != nil {
		api.PUT("/observer/capability", h.SetCapability)
		api.POST("/observer/link-lost", h.LinkLost)
	}
}

func (h *SimulationHandler) GetCapacity(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"capacity_bps": h.capacity.Capacity(),
		"bitrate":      h.capacity.Bitrate(),
	})
}

type capacityRequest struct {
	CapacityBps int `json:"capacity_bps" binding:"required,min=1"`
}

func (h *SimulationHandler) SetCapacity(c *gin.Context) {
	var req capacityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}
	h.capacity.SetCapacity(req.CapacityBps)
	c.JSON(http.StatusOK, gin.H{"capacity_bps": req.CapacityBps})
}

type capabilityRequest struct {
	BandwidthKbps int     `json:"bandwidth_kbps" binding:"min=0"`
	LatencyMs     float64 `json:"latency_ms" binding:"min=0"`
	PacketLossPct float64 `json:"packet_loss_pct" binding:"min=0,max=100"`
	Transport     string  `json:"transport" binding:"omitempty,oneof=wifi cellular ethernet unknown"`
	Metered       bool    `json:"metered"`
}

// SetCapability replaces the capability reported by the static observer.
// A zero latency means "not measured".
func (h *SimulationHandler) SetCapability(c *gin.Context) {
	var req capabilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}
	transport := domain.TransportType(req.Transport)
	if transport == "" {
		transport = domain.TransportUnknown
	}
	h.observer.Set(domain.Capability{
		BandwidthKbps:   req.BandwidthKbps,
		LatencyMs:       req.LatencyMs,
		LatencyMeasured: req.LatencyMs > 0,
		PacketLossPct:   req.PacketLossPct,
		Transport:       transport,
		Metered:         req.Metered,
		Timestamp:       h.now(),
	})
	c.Status(http.StatusNoContent)
}

func (h *SimulationHandler) LinkLost(c *gin.Context) {
	h.observer.LinkLost()
	c.Status(http.StatusNoContent)
}
