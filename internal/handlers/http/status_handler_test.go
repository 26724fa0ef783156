package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ratepilot/internal/core/domain"
	"ratepilot/internal/infrastructure/monitoring"
	"ratepilot/pkg/config"
	apperrors "ratepilot/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeConditioner struct {
	snap      domain.SessionSnapshot
	snapErr   error
	changeErr error
	changed   []int
}

func (f *fakeConditioner) Snapshot() (domain.SessionSnapshot, error) {
	return f.snap, f.snapErr
}

func (f *fakeConditioner) ChangeBitrate(bps int) error {
	if f.changeErr != nil {
		return f.changeErr
	}
	f.changed = append(f.changed, bps)
	return nil
}

type fakeQuality struct {
	level   domain.QualityLevel
	score   float64
	bitrate int
}

func (f fakeQuality) Quality() domain.QualityLevel { return f.level }
func (f fakeQuality) AverageScore() float64 { return f.score }
func (f fakeQuality) CurrentBitrate() int { return f.bitrate }

func newTestRouter(t *testing.T, handlers ...Routable) *gin.Engine {
	gin.SetMode(gin.TestMode)
	cfg := config.DefaultConfig()
	cfg.Server.RateLimit.Enabled = false
	return NewRouter(cfg, zaptest.NewLogger(t), nil, nil, handlers...)
}

func doJSON(router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestStatus_RunningSession(t *testing.T) {
	started := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	cond := &fakeConditioner{snap: domain.SessionSnapshot{
		SessionID:      "s-1",
		Strategy:       domain.StrategyLadderStep,
		CurrentBitrate: 1_000_000,
		InitBitrate:    3_000_000,
		StepIndex:      2,
		Connections:    []domain.ConnectionID{"a", "b"},
		BitrateRecords: 3,
		StartedAt:      started,
	}}
	h := NewStatusHandler(cond, fakeQuality{level: domain.QualityGood, score: 0.82, bitrate: 4_000_000}, nil)
	h.now = func() time.Time { return started.Add(90 * time.Second) }

	w := doJSON(newTestRouter(t, h), http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, resp.Conditioner)
	assert.Equal(t, "s-1", resp.Conditioner.SessionID)
	assert.Equal(t, 1_000_000, resp.Conditioner.CurrentBitrate)
	assert.Equal(t, 2, resp.Conditioner.StepIndex)
	assert.Equal(t, "1m30s", resp.Conditioner.Uptime)
	assert.Len(t, resp.Conditioner.Connections, 2)
	require.NotNil(t, resp.Quality)
	assert.Equal(t, "good", resp.Quality.Level)
	assert.Equal(t, 4_000_000, resp.Quality.TargetBitrate)
}

func TestStatus_StoppedConditionerIsNull(t *testing.T) {
	h := NewStatusHandler(&fakeConditioner{snapErr: domain.ErrNotStarted}, nil, nil)

	w := doJSON(newTestRouter(t, h), http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Nil(t, body["conditioner"])
	assert.Nil(t, body["quality"])
}

func TestStatus_SnapshotFailure(t *testing.T) {
	h := NewStatusHandler(&fakeConditioner{snapErr: errors.New("boom")}, nil, nil)

	w := doJSON(newTestRouter(t, h), http.MethodGet, "/api/v1/status", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestChangeBitrate(t *testing.T) {
	tests := []struct {
		name   string
		cond   *fakeConditioner
		body   interface{}
		status int
		code   string
	}{
		{"applied", &fakeConditioner{}, gin.H{"bitrate": 2_000_000}, http.StatusOK, ""},
		{"missing bitrate", &fakeConditioner{}, gin.H{}, http.StatusBadRequest, string(apperrors.ErrCodeInvalidInput)},
		{"negative bitrate", &fakeConditioner{}, gin.H{"bitrate": -5}, http.StatusBadRequest, string(apperrors.ErrCodeInvalidInput)},
		{
			"sink failure",
			&fakeConditioner{changeErr: apperrors.WrapError(errors.New("encoder gone"), apperrors.ErrCodeSinkFailure, "failed")},
			gin.H{"bitrate": 2_000_000},
			http.StatusBadGateway,
			string(apperrors.ErrCodeSinkFailure),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewStatusHandler(tt.cond, nil, nil)
			w := doJSON(newTestRouter(t, h), http.MethodPut, "/api/v1/bitrate", tt.body)

			assert.Equal(t, tt.status, w.Code)
			if tt.code != "" {
				var body map[string]interface{}
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
				assert.Equal(t, tt.code, body["error"])
			} else {
				assert.Equal(t, []int{2_000_000}, tt.cond.changed)
			}
		})
	}
}

func TestChangeBitrate_ConditionerDisabled(t *testing.T) {
	h := NewStatusHandler(nil, nil, nil)
	w := doJSON(newTestRouter(t, h), http.MethodPut, "/api/v1/bitrate", gin.H{"bitrate": 1})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHealth(t *testing.T) {
	checker := monitoring.NewHealthChecker()
	h := NewStatusHandler(nil, nil, checker)
	router := newTestRouter(t, h)

	w := doJSON(router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	checker.AddCheck("sink", func(context.Context) error { return errors.New("down") }, time.Second)
	w = doJSON(router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestToAppError(t *testing.T) {
	tests := []struct {
		err  error
		code apperrors.ErrorCode
	}{
		{domain.ErrNotStarted, apperrors.ErrCodeNotStarted},
		{domain.ErrUnknownConnection, apperrors.ErrCodeNotFound},
		{domain.ErrDuplicateConnection, apperrors.ErrCodeInvalidInput},
		{domain.ErrSessionInvalid, apperrors.ErrCodeSessionInvalid},
		{errors.New("other"), apperrors.ErrCodeInternal},
		{apperrors.NewNotFoundError("x"), apperrors.ErrCodeNotFound},
	}
	for _, tt := range tests {
		assert.True(t, apperrors.HasCode(toAppError(tt.err), tt.code), tt.err.Error())
	}
}

func newTestRouterWithHub(t *testing.T, hub *Hub) *gin.Engine {
	gin.SetMode(gin.TestMode)
	cfg := config.DefaultConfig()
	return NewRouter(cfg, zaptest.NewLogger(t), nil, hub)
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	reg := prometheus.NewRegistry()
	promauto.With(reg).NewCounter(prometheus.CounterOpts{Name: "ratepilot_test_total", Help: "test"}).Inc()

	router := NewRouter(config.DefaultConfig(), zaptest.NewLogger(t), reg, nil)
	w := doJSON(router, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ratepilot_test_total 1")
}
