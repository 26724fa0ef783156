package domain

import "time"

type TransportType string

const (
	TransportUnknown  TransportType = "unknown"
	TransportWiFi     TransportType = "wifi"
	TransportCellular TransportType = "cellular"
	TransportEthernet TransportType = "ethernet"
)

// Capability is what a network observer reports about the active link.
// Latency is only meaningful when LatencyMeasured is set; otherwise the
// monitor derives it from the transport type.
type Capability struct {
	BandwidthKbps   int
	LatencyMs       float64
	LatencyMeasured bool
	PacketLossPct   float64
	Transport       TransportType
	Metered         bool
	Timestamp       time.Time
}

// NetworkSample is an immutable scored observation of the link.
type NetworkSample struct {
	Timestamp     time.Time
	BandwidthKbps int
	LatencyMs     float64
	PacketLossPct float64
	Transport     TransportType
}

type QualityLevel int

const (
	QualityUnknown QualityLevel = iota
	QualityVeryPoor
	QualityPoor
	QualityFair
	QualityGood
	QualityExcellent
)

func (q QualityLevel) String() string {
	switch q {
	case QualityVeryPoor:
		return "very_poor"
	case QualityPoor:
		return "poor"
	case QualityFair:
		return "fair"
	case QualityGood:
		return "good"
	case QualityExcellent:
		return "excellent"
	default:
		return "unknown"
	}
}
