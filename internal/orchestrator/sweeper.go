package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/gorhill/cronexpr"
	"go.uber.org/zap"
)

// Sweep drops terminal sessions that finished more than the retention
// window before now.
func (o *Orchestrator) Sweep(now time.Time) int {
	cutoff := now.Add(-o.cfg.Retention)
	o.mu.Lock()
	defer o.mu.Unlock()
	removed := 0
	for id, s := range o.sessions {
		if !s.Status.Terminal() {
			continue
		}
		finished := s.CompletedAt
		if finished.IsZero() {
			finished = s.CreatedAt
		}
		if finished.Before(cutoff) {
			delete(o.sessions, id)
			removed++
		}
	}
	return removed
}

// RunSweeper sweeps on the configured cron schedule until ctx is done.
func (o *Orchestrator) RunSweeper(ctx context.Context) error {
	expr, err := cronexpr.Parse(o.cfg.SweepSchedule)
	if err != nil {
		return fmt.Errorf("parse sweep schedule %q: %w", o.cfg.SweepSchedule, err)
	}
	for {
		next := expr.Next(o.now())
		if next.IsZero() {
			return fmt.Errorf("sweep schedule %q has no future run", o.cfg.SweepSchedule)
		}
		timer := time.NewTimer(next.Sub(o.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
			if n := o.Sweep(o.now().UTC()); n > 0 {
				o.logger.Info("swept expired sessions", zap.Int("removed", n))
			}
		}
	}
}
