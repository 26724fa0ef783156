package ports

import (
	"time"

	"ratepilot/internal/core/domain"
)

type MetricsRecorder interface {
	RecordBitrateChange(engine string, from, to int, reason string)
	RecordQuality(score float64, level domain.QualityLevel)
	RecordCycle(engine string, duration time.Duration)
	RecordSkippedCycle(engine string, reason string)
	RecordSinkError(engine string)
}
