package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"ratepilot/internal/core/domain"
	"ratepilot/internal/infrastructure/monitoring"
	apperrors "ratepilot/pkg/errors"

	"github.com/gin-gonic/gin"
)

// Conditioner is the part of the loss conditioner exposed over HTTP.
type Conditioner interface {
	Snapshot() (domain.SessionSnapshot, error)
	ChangeBitrate(bps int) error
}

// QualityReporter is the part of the quality monitor exposed over HTTP.
type QualityReporter interface {
	Quality() domain.QualityLevel
	AverageScore() float64
	CurrentBitrate() int
}

type StatusHandler struct {
	conditioner Conditioner
	quality     QualityReporter
	health      *monitoring.HealthChecker
	now         func() time.Time
}

// NewStatusHandler builds the status endpoints. conditioner and quality may
// be nil when the corresponding engine is disabled.
func NewStatusHandler(conditioner Conditioner, quality QualityReporter, health *monitoring.HealthChecker) *StatusHandler {
	if health == nil {
		health = monitoring.NewHealthChecker()
	}
	return &StatusHandler{
		conditioner: conditioner,
		quality:     quality,
		health:      health,
		now:         time.Now,
	}
}

func (h *StatusHandler) SetupRoutes(router gin.IRouter) {
	router.GET("/health", h.Health)

	api := router.Group("/api/v1")
	{
		api.GET("/status", h.Status)
		api.PUT("/bitrate", h.ChangeBitrate)
	}
}

func (h *StatusHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := h.health.CheckAll(ctx)
	code := http.StatusOK
	if status.Status != monitoring.StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

type sessionStatus struct {
	SessionID      string                `json:"session_id"`
	Strategy       domain.StrategyKind   `json:"strategy"`
	CurrentBitrate int                   `json:"current_bitrate"`
	MinBitrate     int                   `json:"min_bitrate"`
	InitBitrate    int                   `json:"init_bitrate"`
	StepIndex      int                   `json:"step_index"`
	Connections    []domain.ConnectionID `json:"connections"`
	TransportLost  uint64                `json:"transport_lost"`
	LossRecords    int                   `json:"loss_records"`
	BitrateRecords int                   `json:"bitrate_records"`
	Uptime         string                `json:"uptime"`
}

type qualityStatus struct {
	Level         string  `json:"level"`
	Score         float64 `json:"score"`
	TargetBitrate int     `json:"target_bitrate"`
}

type statusResponse struct {
	Conditioner *sessionStatus `json:"conditioner"`
	Quality     *qualityStatus `json:"quality"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Status reports the running conditioner session and the monitor's view of
// the link. A stopped conditioner is reported as null, not as an error.
func (h *StatusHandler) Status(c *gin.Context) {
	resp := statusResponse{Timestamp: h.now()}

	if h.conditioner != nil {
		snap, err := h.conditioner.Snapshot()
		switch {
		case err == nil:
			resp.Conditioner = &sessionStatus{
				SessionID:      snap.SessionID,
				Strategy:       snap.Strategy,
				CurrentBitrate: snap.CurrentBitrate,
				MinBitrate:     snap.MinBitrate,
				InitBitrate:    snap.InitBitrate,
				StepIndex:      snap.StepIndex,
				Connections:    snap.Connections,
				TransportLost:  snap.TransportLost,
				LossRecords:    snap.LossRecords,
				BitrateRecords: snap.BitrateRecords,
				Uptime:         h.now().Sub(snap.StartedAt).Truncate(time.Second).String(),
			}
		case errors.Is(err, domain.ErrNotStarted):
		default:
			_ = c.Error(toAppError(err))
			return
		}
	}

	if h.quality != nil {
		resp.Quality = &qualityStatus{
			Level:         h.quality.Quality().String(),
			Score:         h.quality.AverageScore(),
			TargetBitrate: h.quality.CurrentBitrate(),
		}
	}

	c.JSON(http.StatusOK, resp)
}

type changeBitrateRequest struct {
	Bitrate int `json:"bitrate" binding:"required,min=1"`
}

// ChangeBitrate reconfigures the conditioner's full-speed bitrate.
func (h *StatusHandler) ChangeBitrate(c *gin.Context) {
	if h.conditioner == nil {
		_ = c.Error(apperrors.NewUnavailableError("loss conditioner disabled"))
		return
	}

	var req changeBitrateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}
	if err := h.conditioner.ChangeBitrate(req.Bitrate); err != nil {
		_ = c.Error(toAppError(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"bitrate": req.Bitrate})
}
