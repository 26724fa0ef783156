package http

import (
	"context"
	"net/http"
	"testing"

	"ratepilot/internal/core/domain"
	"ratepilot/internal/infrastructure/netobserver"
	"ratepilot/internal/infrastructure/simulation"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestSimulationCapacity(t *testing.T) {
	sink := simulation.NewLossySink(simulation.Config{Connections: 1, CapacityBps: 3_000_000}, zaptest.NewLogger(t).Sugar())
	router := newTestRouter(t, NewSimulationHandler(sink, nil))

	w := doJSON(router, http.MethodPut, "/api/v1/simulation/capacity", gin.H{"capacity_bps": 1_500_000})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1_500_000, sink.Capacity())

	w = doJSON(router, http.MethodGet, "/api/v1/simulation/capacity", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"capacity_bps":1500000`)

	w = doJSON(router, http.MethodPut, "/api/v1/simulation/capacity", gin.H{"capacity_bps": 0})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Observer routes are not mounted without an observer.
	w = doJSON(router, http.MethodPost, "/api/v1/observer/link-lost", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestObserverCapability(t *testing.T) {
	obs := netobserver.NewStaticObserver(domain.Capability{BandwidthKbps: 8000, Transport: domain.TransportWiFi})
	router := newTestRouter(t, NewSimulationHandler(nil, obs))

	w := doJSON(router, http.MethodPut, "/api/v1/observer/capability", gin.H{
		"bandwidth_kbps":  1200,
		"latency_ms":      80,
		"packet_loss_pct": 1.5,
		"transport":       "cellular",
		"metered":         true,
	})
	require.Equal(t, http.StatusNoContent, w.Code)

	c, err := obs.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1200, c.BandwidthKbps)
	assert.True(t, c.LatencyMeasured)
	assert.Equal(t, domain.TransportCellular, c.Transport)
	assert.True(t, c.Metered)

	w = doJSON(router, http.MethodPut, "/api/v1/observer/capability", gin.H{"transport": "carrier-pigeon"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(router, http.MethodPost, "/api/v1/observer/link-lost", nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	_, err = obs.Poll(context.Background())
	assert.ErrorIs(t, err, netobserver.ErrLinkDown)
}
