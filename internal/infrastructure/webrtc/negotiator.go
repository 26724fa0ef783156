package webrtc

import (
	"context"
	"fmt"
	"time"

	"ratepilot/internal/core/domain"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Config configures peer connections created by the Negotiator.
type Config struct {
	ICEServers    []string
	PortMin       uint16
	PortMax       uint16
	GatherTimeout time.Duration
}

// Negotiator answers remote offers with a connection that sends one audio
// and one video track, and registers it with the sink.
type Negotiator struct {
	api    *webrtc.API
	cfg    Config
	sink   *Sink
	logger *zap.SugaredLogger
}

func NewNegotiator(cfg Config, sink *Sink, logger *zap.SugaredLogger) *Negotiator {
	settingEngine := webrtc.SettingEngine{}
	if cfg.PortMin > 0 && cfg.PortMax > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortMin, cfg.PortMax); err != nil {
			logger.Warnw("ignoring invalid UDP port range", "min", cfg.PortMin, "max", cfg.PortMax, "error", err)
		}
	}
	if cfg.GatherTimeout <= 0 {
		cfg.GatherTimeout = 5 * time.Second
	}

	return &Negotiator{
		api:    webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine)),
		cfg:    cfg,
		sink:   sink,
		logger: logger,
	}
}

// Accept applies offer and returns the local answer once ICE gathering
// completes.
func (n *Negotiator) Accept(ctx context.Context, offer webrtc.SessionDescription) (domain.ConnectionID, webrtc.SessionDescription, error) {
	pc, err := n.api.NewPeerConnection(n.peerConfig())
	if err != nil {
		return "", webrtc.SessionDescription{}, fmt.Errorf("failed to create peer connection: %w", err)
	}

	id := domain.ConnectionID(uuid.NewString())
	answer, err := n.negotiate(ctx, id, pc, offer)
	if err != nil {
		if removeErr := n.sink.RemovePeerConnection(id); removeErr != nil {
			_ = pc.Close()
		}
		return "", webrtc.SessionDescription{}, err
	}

	n.logger.Infow("peer connection negotiated", "connection_id", id)
	return id, answer, nil
}

func (n *Negotiator) negotiate(
	ctx context.Context,
	id domain.ConnectionID,
	pc *webrtc.PeerConnection,
	offer webrtc.SessionDescription,
) (webrtc.SessionDescription, error) {
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "ratepilot")
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "ratepilot")
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	for _, track := range []webrtc.TrackLocal{audio, video} {
		if _, err := pc.AddTrack(track); err != nil {
			return webrtc.SessionDescription{}, fmt.Errorf("failed to add %s track: %w", track.Kind(), err)
		}
	}

	if err := n.sink.AddPeerConnection(id, pc); err != nil {
		return webrtc.SessionDescription{}, err
	}

	if err := pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}

	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}

	timer := time.NewTimer(n.cfg.GatherTimeout)
	defer timer.Stop()
	select {
	case <-gathered:
	case <-timer.C:
		n.logger.Warnw("ICE gathering timed out, answering with partial candidates", "connection_id", id)
	case <-ctx.Done():
		return webrtc.SessionDescription{}, ctx.Err()
	}
	return *pc.LocalDescription(), nil
}

func (n *Negotiator) peerConfig() webrtc.Configuration {
	var servers []webrtc.ICEServer
	if len(n.cfg.ICEServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: n.cfg.ICEServers}}
	}
	return webrtc.Configuration{
		ICEServers:   servers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlanWithFallback,
	}
}

// RemovePeerConnection closes a negotiated connection.
func (n *Negotiator) RemovePeerConnection(id domain.ConnectionID) error {
	return n.sink.RemovePeerConnection(id)
}
