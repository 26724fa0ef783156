package domain

import "time"

// LossSnapshot holds cumulative packet-loss counters for a session.
type LossSnapshot struct {
	AudioLost uint64
	VideoLost uint64
}

func (s LossSnapshot) Total() uint64 {
	return s.AudioLost + s.VideoLost
}

func (s LossSnapshot) Add(o LossSnapshot) LossSnapshot {
	return LossSnapshot{AudioLost: s.AudioLost + o.AudioLost, VideoLost: s.VideoLost + o.VideoLost}
}

// Sub returns s-o, saturating at zero per counter.
func (s LossSnapshot) Sub(o LossSnapshot) LossSnapshot {
	var d LossSnapshot
	if s.AudioLost > o.AudioLost {
		d.AudioLost = s.AudioLost - o.AudioLost
	}
	if s.VideoLost > o.VideoLost {
		d.VideoLost = s.VideoLost - o.VideoLost
	}
	return d
}

type LossRecord struct {
	Timestamp time.Time
	Loss      LossSnapshot
}

type BitrateRecord struct {
	Timestamp time.Time
	Bitrate   int
}

type ConnectionID string

type StrategyKind string

const (
	StrategySingleStep StrategyKind = "single_step"
	StrategyLadderStep StrategyKind = "ladder_step"
)

// SessionSnapshot is a read-only view of a running conditioner session.
type SessionSnapshot struct {
	SessionID      string
	Strategy       StrategyKind
	CurrentBitrate int
	MinBitrate     int
	InitBitrate    int
	StepIndex      int
	Connections    []ConnectionID
	TransportLost  uint64
	LossRecords    int
	BitrateRecords int
	StartedAt      time.Time
}
