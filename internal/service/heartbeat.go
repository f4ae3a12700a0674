package service

import (
	"context"
	"errors"
	"time"

	api "github.com/flockctl/flockctl/api/v1"
	"github.com/flockctl/flockctl/internal/events"
	"github.com/flockctl/flockctl/internal/flerrors"
	"github.com/flockctl/flockctl/internal/liveness"
	"github.com/flockctl/flockctl/internal/store"
	"github.com/flockctl/flockctl/internal/store/model"
)

// HeartbeatStatus reports the liveness monitor's configuration and the
// current online/offline split.
func (h *ServiceHandler) HeartbeatStatus(ctx context.Context) (*api.HeartbeatStatus, error) {
	online, offline, err := h.store.Device().Counts(ctx)
	if err != nil {
		return nil, err
	}
	lastCheck, err := h.store.SystemConfig().GetTime(ctx, model.SystemConfigHeartbeatLastCheck)
	if err != nil && !errors.Is(err, flerrors.ErrNotFound) {
		return nil, err
	}
	return &api.HeartbeatStatus{
		Enabled:          h.heartbeatEnabled,
		IntervalSeconds:  int(h.heartbeatInterval / time.Second),
		ThresholdSeconds: int(h.offlineThreshold / time.Second),
		LastCheckAt:      lastCheck,
		OnlineDevices:    online,
		OfflineDevices:   offline,
	}, nil
}

// RunHeartbeatCheck performs one liveness sweep. The persisted last-check
// time anchors restart detection: after control-plane downtime the cutoff
// falls back to the last known-good observation instead of marking the
// whole fleet offline for silence it could not have broken.
func (h *ServiceHandler) RunHeartbeatCheck(ctx context.Context) (*api.HeartbeatSweepResult, error) {
	var result *api.HeartbeatSweepResult
	err := h.store.Transaction(ctx, func(tx store.Store) error {
		now := time.Now().UTC()
		prev, err := tx.SystemConfig().GetTime(ctx, model.SystemConfigHeartbeatLastCheck)
		if err != nil && !errors.Is(err, flerrors.ErrNotFound) {
			return err
		}
		plan := liveness.Plan(prev, now, h.heartbeatInterval, h.offlineThreshold)

		if plan.EmitRestart {
			event := events.APIRestart(*prev, now, plan.Downtime, events.WithSource(api.EventSourceHeartbeat))
			if err := h.publish(ctx, tx, event); err != nil {
				return err
			}
		}

		marked, err := tx.Device().MarkOfflineBefore(ctx, plan.Cutoff)
		if err != nil {
			return err
		}
		for _, device := range marked {
			event := events.DeviceOffline(device.UUID, device.LastContactAt, plan.Cutoff, plan.Reason, events.WithSource(api.EventSourceHeartbeat))
			if err := h.publish(ctx, tx, event); err != nil {
				return err
			}
		}

		if err := tx.SystemConfig().SetTime(ctx, model.SystemConfigHeartbeatLastCheck, now); err != nil {
			return err
		}
		result = &api.HeartbeatSweepResult{
			MarkedOffline:   len(marked),
			RestartDetected: plan.EmitRestart,
			SweptAt:         now,
			PreviousCheckAt: prev,
		}
		if plan.EmitRestart {
			result.DowntimeSeconds = int64(plan.Downtime / time.Second)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	h.log.WithField("markedOffline", result.MarkedOffline).
		WithField("restartDetected", result.RestartDetected).
		Debug("liveness sweep finished")
	return result, nil
}
