package orchestrator

import (
	"time"

	"github.com/mohammad-safakhou/fivediag/internal/diagnosis"
)

type counters struct {
	total       int64
	successful  int64
	failed      int64
	cancelled   int64
	avgDuration time.Duration
}

func (c *counters) completed(d time.Duration) {
	c.successful++
	c.avgDuration += (d - c.avgDuration) / time.Duration(c.successful)
}

// SystemMetrics summarises orchestrator activity.
type SystemMetrics struct {
	TotalSessions      int64                       `json:"total_sessions"`
	SuccessfulSessions int64                       `json:"successful_sessions"`
	FailedSessions     int64                       `json:"failed_sessions"`
	CancelledSessions  int64                       `json:"cancelled_sessions"`
	ActiveSessions     int                         `json:"active_sessions"`
	SuccessRate        float64                     `json:"success_rate"`
	AverageDuration    time.Duration               `json:"average_duration"`
	Availability       map[diagnosis.Modality]bool `json:"modality_availability"`
}

// Metrics returns session counters and the current modality availability.
func (o *Orchestrator) Metrics() SystemMetrics {
	o.mu.RLock()
	m := SystemMetrics{
		TotalSessions:      o.counts.total,
		SuccessfulSessions: o.counts.successful,
		FailedSessions:     o.counts.failed,
		CancelledSessions:  o.counts.cancelled,
		AverageDuration:    o.counts.avgDuration,
	}
	for _, s := range o.sessions {
		if s.Status == diagnosis.StatusRunning {
			m.ActiveSessions++
		}
	}
	o.mu.RUnlock()

	total := m.TotalSessions
	if total < 1 {
		total = 1
	}
	m.SuccessRate = float64(m.SuccessfulSessions) / float64(total)

	m.Availability = make(map[diagnosis.Modality]bool, len(diagnosis.AllModalities))
	for _, mod := range diagnosis.AllModalities {
		m.Availability[mod] = false
	}
	if o.registry != nil {
		for _, name := range o.registry.AvailableServices() {
			if mod, err := diagnosis.ParseModality(name); err == nil {
				m.Availability[mod] = true
			}
		}
	}
	return m
}
