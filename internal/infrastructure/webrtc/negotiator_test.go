package webrtc

import (
	"context"
	"testing"
	"time"

	"ratepilot/internal/core/domain"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestNegotiator_AcceptsOffer(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	sink := NewSink(EncoderFunc(func(int) error { return nil }), logger)
	n := NewNegotiator(Config{GatherTimeout: 2 * time.Second}, sink, logger)

	offerer, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	defer offerer.Close()

	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		_, err := offerer.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly})
		require.NoError(t, err)
	}
	offer, err := offerer.CreateOffer(nil)
	require.NoError(t, err)
	gathered := webrtc.GatheringCompletePromise(offerer)
	require.NoError(t, offerer.SetLocalDescription(offer))
	<-gathered

	id, answer, err := n.Accept(context.Background(), *offerer.LocalDescription())
	require.NoError(t, err)

	assert.Equal(t, webrtc.SDPTypeAnswer, answer.Type)
	assert.NoError(t, offerer.SetRemoteDescription(answer))
	assert.Contains(t, sink.Connections(), id)

	_, err = sink.VideoPacketsLost(id)
	assert.NoError(t, err)

	require.NoError(t, n.RemovePeerConnection(id))
	assert.NotContains(t, sink.Connections(), id)
	assert.ErrorIs(t, n.RemovePeerConnection(id), domain.ErrUnknownConnection)
}

func TestNegotiator_RejectsBadOffer(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	sink := NewSink(EncoderFunc(func(int) error { return nil }), logger)
	n := NewNegotiator(Config{}, sink, logger)

	_, _, err := n.Accept(context.Background(), webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "not sdp"})
	assert.Error(t, err)
	assert.Empty(t, sink.Connections())
}
