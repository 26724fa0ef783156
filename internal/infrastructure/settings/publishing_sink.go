package settings

import (
	"context"

	"ratepilot/internal/core/ports"
)

// PublishingSink forwards to a BitrateSink and publishes every successfully
// applied bitrate under KeyAppliedBitrate.
type PublishingSink struct {
	ports.BitrateSink
	bus ports.SettingsBus
}

func NewPublishingSink(sink ports.BitrateSink, bus ports.SettingsBus) *PublishingSink {
	return &PublishingSink{BitrateSink: sink, bus: bus}
}

func (s *PublishingSink) ChangeBitrate(bps int) error {
	if err := s.BitrateSink.ChangeBitrate(bps); err != nil {
		return err
	}
	return s.bus.Publish(context.Background(), ports.KeyAppliedBitrate, bps)
}
