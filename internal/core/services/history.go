package services

import (
	"time"

	"ratepilot/internal/core/domain"
)

// historyHorizon bounds how far back conditioner histories are kept. It is
// longer than every window the strategies look at.
const historyHorizon = 5 * time.Minute

// LossHistory is an append-only record of cumulative loss counters.
type LossHistory struct {
	records []domain.LossRecord
}

func (h *LossHistory) Append(ts time.Time, loss domain.LossSnapshot) {
	h.records = append(h.records, domain.LossRecord{Timestamp: ts, Loss: loss})
}

func (h *LossHistory) Last() (domain.LossRecord, bool) {
	if len(h.records) == 0 {
		return domain.LossRecord{}, false
	}
	return h.records[len(h.records)-1], true
}

func (h *LossHistory) Len() int {
	return len(h.records)
}

func (h *LossHistory) Reset() {
	h.records = h.records[:0]
}

// LossSince returns the packets lost between the newest record strictly
// older than cutoff and the newest record. It is 0 when no record predates
// the cutoff.
func (h *LossHistory) LossSince(cutoff time.Time) uint64 {
	if len(h.records) == 0 {
		return 0
	}
	newest := h.records[len(h.records)-1]
	for i := len(h.records) - 1; i >= 0; i-- {
		if h.records[i].Timestamp.Before(cutoff) {
			return newest.Loss.Sub(h.records[i].Loss).Total()
		}
	}
	return 0
}

// Trim drops records older than before, keeping the newest of them so that
// LossSince keeps its baseline for cutoffs at or after before.
func (h *LossHistory) Trim(before time.Time) {
	n := 0
	for n < len(h.records) && h.records[n].Timestamp.Before(before) {
		n++
	}
	if n <= 1 {
		return
	}
	h.records = append(h.records[:0], h.records[n-1:]...)
}

// BitrateHistory records every accepted bitrate plus the session seed.
type BitrateHistory struct {
	records []domain.BitrateRecord
}

func (h *BitrateHistory) Append(ts time.Time, bitrate int) {
	h.records = append(h.records, domain.BitrateRecord{Timestamp: ts, Bitrate: bitrate})
}

func (h *BitrateHistory) Last() (domain.BitrateRecord, bool) {
	if len(h.records) == 0 {
		return domain.BitrateRecord{}, false
	}
	return h.records[len(h.records)-1], true
}

func (h *BitrateHistory) At(i int) domain.BitrateRecord {
	return h.records[i]
}

func (h *BitrateHistory) Len() int {
	return len(h.records)
}

func (h *BitrateHistory) Reset() {
	h.records = h.records[:0]
}

// Trim drops records older than before, keeping the newest of them as the
// predecessor of the first retained record.
func (h *BitrateHistory) Trim(before time.Time) {
	n := 0
	for n < len(h.records) && h.records[n].Timestamp.Before(before) {
		n++
	}
	if n <= 1 {
		return
	}
	h.records = append(h.records[:0], h.records[n-1:]...)
}

func laterOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
