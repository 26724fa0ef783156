package ports

import (
	"context"

	"ratepilot/internal/core/domain"
)

type CapabilityHandler interface {
	OnCapabilityChanged(c domain.Capability)
	OnLinkLost()
}

// NetworkObserver supplies link-capability snapshots. Watch blocks and
// delivers events to the handler until ctx is cancelled.
type NetworkObserver interface {
	Poll(ctx context.Context) (domain.Capability, error)
	Watch(ctx context.Context, handler CapabilityHandler) error
}
