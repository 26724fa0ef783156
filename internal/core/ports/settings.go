package ports

import "context"

const (
	KeyTargetBitrate  = "target_bitrate"
	KeyNetworkQuality = "network_quality"
	// KeyAppliedBitrate is the bitrate the loss conditioner last applied to
	// the sink.
	KeyAppliedBitrate = "applied_bitrate"
)

// SettingsBus stores the last published value per key and fans changes out
// to subscribers (encoder, UI).
type SettingsBus interface {
	Get(key string) (int, bool)
	Publish(ctx context.Context, key string, value int) error
	Subscribe(fn func(key string, value int)) (unsubscribe func())
}
