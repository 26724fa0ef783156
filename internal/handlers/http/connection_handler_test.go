package http

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"ratepilot/internal/core/domain"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type mockAcceptor struct {
	mock.Mock
}

func (m *mockAcceptor) Accept(ctx context.Context, offer webrtc.SessionDescription) (domain.ConnectionID, webrtc.SessionDescription, error) {
	args := m.Called(ctx, offer)
	return args.Get(0).(domain.ConnectionID), args.Get(1).(webrtc.SessionDescription), args.Error(2)
}

func (m *mockAcceptor) RemovePeerConnection(id domain.ConnectionID) error {
	return m.Called(id).Error(0)
}

type mockRegistry struct {
	mock.Mock
}

func (m *mockRegistry) AddConnection(id domain.ConnectionID) error {
	return m.Called(id).Error(0)
}

func (m *mockRegistry) RemoveConnection(id domain.ConnectionID) error {
	return m.Called(id).Error(0)
}

var testAnswer = webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}

func TestCreateConnection(t *testing.T) {
	acceptor := &mockAcceptor{}
	registry := &mockRegistry{}
	acceptor.On("Accept", mock.Anything, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}).
		Return(domain.ConnectionID("c-1"), testAnswer, nil)
	registry.On("AddConnection", domain.ConnectionID("c-1")).Return(nil)

	h := NewConnectionHandler(acceptor, registry, zaptest.NewLogger(t).Sugar())
	w := doJSON(newTestRouter(t, h), http.MethodPost, "/api/v1/connections", gin.H{"type": "offer", "sdp": "v=0 offer"})

	require.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), `"connection_id":"c-1"`)
	assert.Contains(t, w.Body.String(), `"type":"answer"`)
	acceptor.AssertExpectations(t)
	registry.AssertExpectations(t)
}

func TestCreateConnection_RejectsNonOffer(t *testing.T) {
	acceptor := &mockAcceptor{}
	h := NewConnectionHandler(acceptor, nil, zaptest.NewLogger(t).Sugar())

	w := doJSON(newTestRouter(t, h), http.MethodPost, "/api/v1/connections", gin.H{"type": "answer", "sdp": "v=0"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	acceptor.AssertNotCalled(t, "Accept", mock.Anything, mock.Anything)
}

func TestCreateConnection_NegotiationFailure(t *testing.T) {
	acceptor := &mockAcceptor{}
	acceptor.On("Accept", mock.Anything, mock.Anything).
		Return(domain.ConnectionID(""), webrtc.SessionDescription{}, errors.New("bad sdp"))

	h := NewConnectionHandler(acceptor, nil, zaptest.NewLogger(t).Sugar())
	w := doJSON(newTestRouter(t, h), http.MethodPost, "/api/v1/connections", gin.H{"type": "offer", "sdp": "junk"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateConnection_RegistryFailureClosesConnection(t *testing.T) {
	acceptor := &mockAcceptor{}
	registry := &mockRegistry{}
	acceptor.On("Accept", mock.Anything, mock.Anything).Return(domain.ConnectionID("c-2"), testAnswer, nil)
	acceptor.On("RemovePeerConnection", domain.ConnectionID("c-2")).Return(nil)
	registry.On("AddConnection", domain.ConnectionID("c-2")).Return(domain.ErrSessionInvalid)

	h := NewConnectionHandler(acceptor, registry, zaptest.NewLogger(t).Sugar())
	w := doJSON(newTestRouter(t, h), http.MethodPost, "/api/v1/connections", gin.H{"type": "offer", "sdp": "v=0"})

	assert.Equal(t, http.StatusConflict, w.Code)
	acceptor.AssertCalled(t, "RemovePeerConnection", domain.ConnectionID("c-2"))
}

func TestDeleteConnection(t *testing.T) {
	acceptor := &mockAcceptor{}
	registry := &mockRegistry{}
	registry.On("RemoveConnection", domain.ConnectionID("c-1")).Return(nil)
	acceptor.On("RemovePeerConnection", domain.ConnectionID("c-1")).Return(nil)
	registry.On("RemoveConnection", domain.ConnectionID("gone")).Return(domain.ErrUnknownConnection)
	acceptor.On("RemovePeerConnection", domain.ConnectionID("gone")).Return(domain.ErrUnknownConnection)

	router := newTestRouter(t, NewConnectionHandler(acceptor, registry, zaptest.NewLogger(t).Sugar()))

	assert.Equal(t, http.StatusNoContent, doJSON(router, http.MethodDelete, "/api/v1/connections/c-1", nil).Code)
	assert.Equal(t, http.StatusNotFound, doJSON(router, http.MethodDelete, "/api/v1/connections/gone", nil).Code)
}
