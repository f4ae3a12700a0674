package rollout

import (
	"time"

	"github.com/robfig/cron/v3"

	api "github.com/flockctl/flockctl/api/v1"
)

// WindowOpenAt reports whether the maintenance window covers t. A nil
// window never blocks. The window opens at every time matched by the cron
// expression and stays open for the configured duration.
func WindowOpenAt(w *api.MaintenanceWindow, t time.Time) (bool, error) {
	if w == nil {
		return true, nil
	}
	sched, err := cron.ParseStandard(w.CronExpr)
	if err != nil {
		return false, err
	}
	duration := time.Duration(w.DurationMinutes) * time.Minute
	if duration <= 0 {
		return false, nil
	}
	// Open iff some activation falls in (t-duration, t].
	activation := sched.Next(t.Add(-duration))
	if activation.IsZero() {
		return false, nil
	}
	return !activation.After(t), nil
}
