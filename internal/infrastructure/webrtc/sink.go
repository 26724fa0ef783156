package webrtc

import (
	"fmt"
	"sync"

	"ratepilot/internal/core/domain"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Encoder receives the bitrate chosen by the conditioner.
type Encoder interface {
	SetBitrate(bps int) error
}

// EncoderFunc adapts a function to Encoder.
type EncoderFunc func(bps int) error

func (f EncoderFunc) SetBitrate(bps int) error { return f(bps) }

// Sink implements ports.BitrateSink on top of pion peer connections. Loss
// counters come from the RTCP receiver reports the remote side sends for
// our outgoing streams; transport loss is the number of NACKed packets.
type Sink struct {
	encoder Encoder
	logger  *zap.SugaredLogger

	mu       sync.RWMutex
	conns    map[domain.ConnectionID]*connection
	onClosed func(id domain.ConnectionID)
}

type connection struct {
	id domain.ConnectionID
	pc *webrtc.PeerConnection

	mu        sync.Mutex
	closed    bool
	audio     map[uint32]uint32
	video     map[uint32]uint32
	kinds     map[uint32]webrtc.RTPCodecType
	transport uint64
}

func newConnection(id domain.ConnectionID, pc *webrtc.PeerConnection) *connection {
	return &connection{
		id:    id,
		pc:    pc,
		audio: make(map[uint32]uint32),
		video: make(map[uint32]uint32),
		kinds: make(map[uint32]webrtc.RTPCodecType),
	}
}

func NewSink(encoder Encoder, logger *zap.SugaredLogger) *Sink {
	return &Sink{
		encoder: encoder,
		logger:  logger,
		conns:   make(map[domain.ConnectionID]*connection),
	}
}

func (s *Sink) ChangeBitrate(bps int) error {
	if err := s.encoder.SetBitrate(bps); err != nil {
		return fmt.Errorf("encoder rejected bitrate %d: %w", bps, err)
	}
	return nil
}

// AddPeerConnection tracks pc under id and starts reading RTCP for every
// sender it currently has. Senders added later are attached with
// AttachSender.
func (s *Sink) AddPeerConnection(id domain.ConnectionID, pc *webrtc.PeerConnection) error {
	conn := newConnection(id, pc)

	s.mu.Lock()
	if _, exists := s.conns[id]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrDuplicateConnection, id)
	}
	s.conns[id] = conn
	s.mu.Unlock()

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.logger.Infow("peer connection state changed", "connection_id", id, "connection_state", state)
		if state != webrtc.PeerConnectionStateFailed && state != webrtc.PeerConnectionStateClosed {
			return
		}
		if conn.markClosed() {
			s.mu.RLock()
			fn := s.onClosed
			s.mu.RUnlock()
			if fn != nil {
				fn(id)
			}
		}
	})

	for _, sender := range pc.GetSenders() {
		s.attach(conn, sender)
	}
	return nil
}

// AttachSender starts reading RTCP for a sender added after
// AddPeerConnection.
func (s *Sink) AttachSender(id domain.ConnectionID, sender *webrtc.RTPSender) error {
	conn, err := s.lookup(id)
	if err != nil {
		return err
	}
	s.attach(conn, sender)
	return nil
}

// OnClosed registers fn to be called once when a tracked peer connection
// fails or is closed.
func (s *Sink) OnClosed(fn func(id domain.ConnectionID)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClosed = fn
}

// RemovePeerConnection stops tracking id and closes its peer connection.
func (s *Sink) RemovePeerConnection(id domain.ConnectionID) error {
	s.mu.Lock()
	conn, ok := s.conns[id]
	delete(s.conns, id)
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownConnection, id)
	}
	conn.markClosed()
	if conn.pc == nil {
		return nil
	}
	return conn.pc.Close()
}

// Connections lists the tracked connection IDs.
func (s *Sink) Connections() []domain.ConnectionID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]domain.ConnectionID, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	return ids
}

func (s *Sink) AudioPacketsLost(id domain.ConnectionID) (uint64, error) {
	conn, err := s.lookup(id)
	if err != nil {
		return 0, err
	}
	return conn.lost(webrtc.RTPCodecTypeAudio)
}

func (s *Sink) VideoPacketsLost(id domain.ConnectionID) (uint64, error) {
	conn, err := s.lookup(id)
	if err != nil {
		return 0, err
	}
	return conn.lost(webrtc.RTPCodecTypeVideo)
}

func (s *Sink) TransportPacketsLost(id domain.ConnectionID) (uint64, error) {
	conn, err := s.lookup(id)
	if err != nil {
		return 0, err
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.closed {
		return 0, fmt.Errorf("%w: connection %s closed", domain.ErrSessionInvalid, id)
	}
	return conn.transport, nil
}

func (s *Sink) lookup(id domain.ConnectionID) (*connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conn, ok := s.conns[id]
	if !ok {
		return nil, fmt.Errorf("%w: unknown connection %s", domain.ErrSessionInvalid, id)
	}
	return conn, nil
}

func (s *Sink) attach(conn *connection, sender *webrtc.RTPSender) {
	track := sender.Track()
	if track == nil {
		return
	}
	kind := track.Kind()
	params := sender.GetParameters()

	conn.mu.Lock()
	for _, enc := range params.Encodings {
		conn.kinds[uint32(enc.SSRC)] = kind
	}
	conn.mu.Unlock()

	go s.readRTCP(conn, sender)
}

func (s *Sink) readRTCP(conn *connection, sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			s.logger.Debugw("stopped reading RTCP", "connection_id", conn.id, "error", err)
			return
		}
		conn.process(packets)
	}
}

// markClosed reports whether this call closed the connection.
func (c *connection) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	return true
}

func (c *connection) lost(kind webrtc.RTPCodecType) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, fmt.Errorf("%w: connection %s closed", domain.ErrSessionInvalid, c.id)
	}
	counters := c.video
	if kind == webrtc.RTPCodecTypeAudio {
		counters = c.audio
	}
	var total uint64
	for _, lost := range counters {
		total += uint64(lost)
	}
	return total, nil
}

// process folds RTCP feedback into the connection counters. Report blocks
// carry the cumulative number of packets lost per SSRC, so only the largest
// value seen is kept.
func (c *connection) process(packets []rtcp.Packet) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, packet := range packets {
		switch p := packet.(type) {
		case *rtcp.ReceiverReport:
			c.recordReports(p.Reports)
		case *rtcp.SenderReport:
			c.recordReports(p.Reports)
		case *rtcp.TransportLayerNack:
			for _, pair := range p.Nacks {
				c.transport += uint64(len(pair.PacketList()))
			}
		}
	}
}

func (c *connection) recordReports(reports []rtcp.ReceptionReport) {
	for _, r := range reports {
		counters := c.video
		if c.kinds[r.SSRC] == webrtc.RTPCodecTypeAudio {
			counters = c.audio
		}
		if r.TotalLost > counters[r.SSRC] {
			counters[r.SSRC] = r.TotalLost
		}
	}
}
