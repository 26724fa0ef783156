package http

import (
	"context"
	"errors"
	"net/http"

	"ratepilot/internal/core/domain"
	apperrors "ratepilot/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// OfferAcceptor answers a remote SDP offer with a new sending connection.
type OfferAcceptor interface {
	Accept(ctx context.Context, offer webrtc.SessionDescription) (domain.ConnectionID, webrtc.SessionDescription, error)
	RemovePeerConnection(id domain.ConnectionID) error
}

// ConnectionRegistry tracks which connections feed loss into the conditioner.
type ConnectionRegistry interface {
	AddConnection(id domain.ConnectionID) error
	RemoveConnection(id domain.ConnectionID) error
}

type ConnectionHandler struct {
	acceptor OfferAcceptor
	registry ConnectionRegistry
	logger   *zap.SugaredLogger
}

func NewConnectionHandler(acceptor OfferAcceptor, registry ConnectionRegistry, logger *zap.SugaredLogger) *ConnectionHandler {
	return &ConnectionHandler{
		acceptor: acceptor,
		registry: registry,
		logger:   logger,
	}
}

func (h *ConnectionHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1")
	{
		api.POST("/connections", h.CreateConnection)
		api.DELETE("/connections/:id", h.DeleteConnection)
	}
}

type offerRequest struct {
	Type string `json:"type" binding:"required,eq=offer"`
	SDP  string `json:"sdp" binding:"required"`
}

type answerResponse struct {
	ConnectionID domain.ConnectionID `json:"connection_id"`
	Type         string              `json:"type"`
	SDP          string              `json:"sdp"`
}

// CreateConnection negotiates a sending connection from the client's offer
// and registers it with the conditioner.
func (h *ConnectionHandler) CreateConnection(c *gin.Context) {
	var req offerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: req.SDP}
	id, answer, err := h.acceptor.Accept(c.Request.Context(), offer)
	if err != nil {
		_ = c.Error(apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, "failed to negotiate connection"))
		return
	}

	if h.registry != nil {
		if err := h.registry.AddConnection(id); err != nil {
			if closeErr := h.acceptor.RemovePeerConnection(id); closeErr != nil {
				h.logger.Warnw("failed to close rejected connection", "connection_id", id, "error", closeErr)
			}
			_ = c.Error(toAppError(err))
			return
		}
	}

	h.logger.Infow("connection negotiated", "connection_id", id)
	c.JSON(http.StatusCreated, answerResponse{
		ConnectionID: id,
		Type:         answer.Type.String(),
		SDP:          answer.SDP,
	})
}

func (h *ConnectionHandler) DeleteConnection(c *gin.Context) {
	id := domain.ConnectionID(c.Param("id"))

	if h.registry != nil {
		if err := h.registry.RemoveConnection(id); err != nil && !errors.Is(err, domain.ErrUnknownConnection) {
			_ = c.Error(toAppError(err))
			return
		}
	}
	if err := h.acceptor.RemovePeerConnection(id); err != nil {
		_ = c.Error(toAppError(err))
		return
	}

	c.Status(http.StatusNoContent)
}
