package services

import (
	"time"

	"ratepilot/internal/core/domain"
)

type noopMetrics struct{}

func (noopMetrics) RecordBitrateChange(string, int, int, string) {}
func (noopMetrics) RecordQuality(float64, domain.QualityLevel) {}
func (noopMetrics) RecordCycle(string, time.Duration) {}
func (noopMetrics) RecordSkippedCycle(string, string) {}
func (noopMetrics) RecordSinkError(string) {}
