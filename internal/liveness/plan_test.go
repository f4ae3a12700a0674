package liveness

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	tick      = time.Minute
	threshold = 5 * time.Minute
	base      = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
)

func ptr(t time.Time) *time.Time { return &t }

func TestPlanFirstRun(t *testing.T) {
	plan := Plan(nil, base, tick, threshold)

	assert.False(t, plan.EmitRestart)
	assert.Equal(t, base.Add(-threshold), plan.Cutoff)
	assert.Equal(t, ReasonThresholdExceeded, plan.Reason)
	assert.Zero(t, plan.Downtime)
}

func TestPlanNormalSweep(t *testing.T) {
	prev := base.Add(-tick)
	plan := Plan(ptr(prev), base, tick, threshold)

	assert.False(t, plan.EmitRestart)
	assert.Equal(t, base.Add(-threshold), plan.Cutoff)
	assert.Equal(t, tick, plan.Downtime)
}

func TestPlanDetectsRestart(t *testing.T) {
	// Sweep at 10:00, process killed, restart sweeps at 10:30.
	prev := base
	now := base.Add(30 * time.Minute)
	plan := Plan(ptr(prev), now, tick, threshold)

	require.True(t, plan.EmitRestart)
	assert.Equal(t, prev, plan.Cutoff)
	assert.Equal(t, 30*time.Minute, plan.Downtime)
	assert.Equal(t, ReasonStaleBeforeRestart, plan.Reason)

	// Device that contacted after the last good sweep survives.
	assert.False(t, ShouldMarkOffline(plan, true, ptr(base.Add(30*time.Second))))
	// Device already silent before the plane went down does not.
	assert.True(t, ShouldMarkOffline(plan, true, ptr(base.Add(-5*time.Minute))))
}

func TestPlanGapAtBoundaryIsNotARestart(t *testing.T) {
	prev := base
	plan := Plan(ptr(prev), base.Add(2*tick), tick, threshold)
	assert.False(t, plan.EmitRestart, "downtime of exactly 2x tick is still a late sweep, not a restart")

	plan = Plan(ptr(prev), base.Add(2*tick+time.Second), tick, threshold)
	assert.True(t, plan.EmitRestart)
}

func TestPlanClampsCutoffToPreviousSweep(t *testing.T) {
	// A threshold shorter than the sweep gap must not let the cutoff pass
	// the previous sweep.
	shortThreshold := 30 * time.Second
	prev := base.Add(-90 * time.Second)
	plan := Plan(ptr(prev), base, tick, shortThreshold)

	assert.False(t, plan.EmitRestart)
	assert.Equal(t, prev, plan.Cutoff)
}

func TestShouldMarkOffline(t *testing.T) {
	plan := Plan(nil, base, tick, threshold)

	assert.False(t, ShouldMarkOffline(plan, false, ptr(base.Add(-time.Hour))), "already offline")
	assert.False(t, ShouldMarkOffline(plan, true, nil), "no recorded contact")
	assert.False(t, ShouldMarkOffline(plan, true, ptr(base.Add(-threshold))), "exactly at the cutoff")
	assert.True(t, ShouldMarkOffline(plan, true, ptr(base.Add(-threshold-time.Second))))
}

// No sweep that has a previous observation may mark a device whose last
// contact is at or after that observation, whatever the configuration.
func TestNoDeviceHeardSinceLastSweepGoesOffline(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 10000; i++ {
		tick := time.Duration(1+rng.Intn(600)) * time.Second
		threshold := time.Duration(1+rng.Intn(3600)) * time.Second
		prev := base.Add(-time.Duration(rng.Intn(7200)) * time.Second)
		now := base

		plan := Plan(ptr(prev), now, tick, threshold)

		lastContact := prev.Add(time.Duration(rng.Intn(7200)) * time.Second)
		require.False(t, ShouldMarkOffline(plan, true, ptr(lastContact)),
			"tick=%v threshold=%v prev=%v lastContact=%v", tick, threshold, prev, lastContact)
	}
}
