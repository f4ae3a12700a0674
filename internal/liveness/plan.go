// Package liveness decides when devices go offline. The decision logic is a
// pure function of the sweep times so it can be tested exhaustively apart
// from the store that applies it.
package liveness

import "time"

// Reasons recorded on device.offline events.
const (
	ReasonThresholdExceeded  = "offline threshold exceeded"
	ReasonStaleBeforeRestart = "no contact before control-plane restart"
)

// SweepPlan tells one liveness sweep what to do. Cutoff is the instant
// devices are measured against: an online device whose last contact lies
// strictly before it goes offline.
type SweepPlan struct {
	Cutoff      time.Time
	Downtime    time.Duration
	EmitRestart bool
	Reason      string
}

// Plan decides how a sweep at now behaves given the previous sweep time.
// prev == nil means first run: a normal sweep with no restart detection.
//
// A gap of more than twice the tick interval since the previous sweep means
// the control plane itself was down, not the devices. The cutoff then
// anchors at the previous sweep time, so only devices already silent before
// the plane went down are marked offline; anything heard from inside the
// last known-good window stays online pending its own inactivity.
func Plan(prev *time.Time, now time.Time, tick, offlineThreshold time.Duration) SweepPlan {
	plan := SweepPlan{
		Cutoff: now.Add(-offlineThreshold),
		Reason: ReasonThresholdExceeded,
	}
	if prev == nil {
		return plan
	}
	plan.Downtime = now.Sub(*prev)
	switch {
	case plan.Downtime > 2*tick:
		plan.Cutoff = *prev
		plan.EmitRestart = true
		plan.Reason = ReasonStaleBeforeRestart
	case plan.Cutoff.After(*prev):
		// The threshold window must not reach past the previous sweep:
		// a device that contacted the plane after the last known-good
		// observation is alive no matter how short the threshold is.
		plan.Cutoff = *prev
	}
	return plan
}

// ShouldMarkOffline applies the plan to a single device observation. It
// mirrors the sweep's SQL predicate: only online devices with a recorded
// last contact strictly before the cutoff match.
func ShouldMarkOffline(plan SweepPlan, online bool, lastContactAt *time.Time) bool {
	if !online || lastContactAt == nil {
		return false
	}
	return lastContactAt.Before(plan.Cutoff)
}
