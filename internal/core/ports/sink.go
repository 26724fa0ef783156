package ports

import "ratepilot/internal/core/domain"

// BitrateSink is the media transport that encodes, transmits and reports
// per-connection loss. Counter reads may fail with domain.ErrSessionInvalid
// when a connection is torn down mid-cycle.
type BitrateSink interface {
	ChangeBitrate(bps int) error
	AudioPacketsLost(id domain.ConnectionID) (uint64, error)
	VideoPacketsLost(id domain.ConnectionID) (uint64, error)
	TransportPacketsLost(id domain.ConnectionID) (uint64, error)
}
