package rollout

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	api "github.com/flockctl/flockctl/api/v1"
	"github.com/flockctl/flockctl/internal/events"
	"github.com/flockctl/flockctl/internal/flerrors"
	"github.com/flockctl/flockctl/internal/store"
)

// rollbackStatuses are the device states whose targets may carry the new
// tag and therefore need rewriting on rollback.
var rollbackStatuses = []api.DeviceUpdateStatus{
	api.DeviceUpdateUpdating,
	api.DeviceUpdateVerifying,
	api.DeviceUpdateSucceeded,
}

// rollbackDeviceTx rewrites one device's target back to the old tag and
// marks its rollout row rolledBack. A device with its own recorded old tag
// rolls back to that; otherwise the rollout-wide one applies. With neither,
// only the status flips. opts extend the emitted event, e.g. with the
// causing event's id.
func (o *Orchestrator) rollbackDeviceTx(ctx context.Context, tx store.Store, rollout *api.Rollout, device *api.DeviceRolloutStatus, now time.Time, reason string, opts ...events.Option) error {
	oldTag := rollout.OldTag
	if device.OldImageTag != nil {
		oldTag = device.OldImageTag
	}
	fromTag := device.NewImageTag
	if oldTag != nil {
		if _, _, err := ApplyImageTag(ctx, tx, device.DeviceUUID, rollout.ImageName, *oldTag); err != nil {
			return err
		}
	}
	device.Status = api.DeviceUpdateRolledBack
	device.UpdateCompletedAt = lo.ToPtr(now)
	if device.ErrorMessage == "" {
		device.ErrorMessage = reason
	}
	if err := tx.Rollout().UpdateDeviceStatus(ctx, device); err != nil {
		return err
	}
	eventOpts := append([]events.Option{
		events.WithCorrelation(rollout.RolloutID),
		events.WithSource(api.EventSourceRollout),
	}, opts...)
	event := events.DeviceRolledBack(device.DeviceUUID, lo.ToPtr(rollout.RolloutID),
		rollout.ImageName, fromTag, lo.FromPtr(oldTag), reason, eventOpts...)
	return tx.Event().Publish(ctx, event)
}

// RollbackDevice rolls a single device back without touching the rollout
// status. Idempotent for devices already rolled back.
func (o *Orchestrator) RollbackDevice(ctx context.Context, rolloutID, deviceID uuid.UUID, reason string) (*api.DeviceRolloutStatus, error) {
	if reason == "" {
		reason = "rolled back by operator"
	}
	var out *api.DeviceRolloutStatus
	err := o.store.Transaction(ctx, func(tx store.Store) error {
		rollout, err := tx.Rollout().GetForUpdate(ctx, rolloutID)
		if err != nil {
			return err
		}
		device, err := tx.Rollout().GetDeviceStatus(ctx, rolloutID, deviceID)
		if err != nil {
			return err
		}
		switch device.Status {
		case api.DeviceUpdateRolledBack:
			out = device
			return nil
		case api.DeviceUpdateScheduled:
			return fmt.Errorf("%w: device %s was never updated by this rollout", flerrors.ErrInvalidInput, deviceID)
		}
		now := time.Now().UTC()
		if err := o.rollbackDeviceTx(ctx, tx, rollout, device, now, reason); err != nil {
			return err
		}
		if _, err := o.recomputeCounters(ctx, tx, rollout); err != nil {
			return err
		}
		if err := tx.Rollout().Update(ctx, rollout); err != nil {
			return err
		}
		out = device
		return nil
	})
	return out, err
}

// RollbackBatch rolls back every updated device of one batch with bounded
// concurrency, each device in its own transaction. The rollout keeps its
// status; the operator follows up with resume, cancel or rollback-all.
func (o *Orchestrator) RollbackBatch(ctx context.Context, rolloutID uuid.UUID, batch int, reason string) (*api.Rollout, error) {
	if reason == "" {
		reason = "batch rolled back by operator"
	}
	rollout, err := o.store.Rollout().Get(ctx, rolloutID)
	if err != nil {
		return nil, err
	}
	if batch < 1 || batch > len(rollout.BatchFractions) {
		return nil, fmt.Errorf("%w: rollout %s has batches 1..%d", flerrors.ErrInvalidInput, rolloutID, len(rollout.BatchFractions))
	}
	devices, err := o.store.Rollout().ListDeviceStatuses(ctx, rolloutID, &batch, rollbackStatuses)
	if err != nil {
		return nil, err
	}
	if err := o.rollbackDevices(ctx, rollout, devices, reason); err != nil {
		return nil, err
	}
	var updated *api.Rollout
	err = o.store.Transaction(ctx, func(tx store.Store) error {
		fresh, err := tx.Rollout().GetForUpdate(ctx, rolloutID)
		if err != nil {
			return err
		}
		if _, err := o.recomputeCounters(ctx, tx, fresh); err != nil {
			return err
		}
		if err := tx.Rollout().Update(ctx, fresh); err != nil {
			return err
		}
		updated = fresh
		return nil
	})
	return updated, err
}

func (o *Orchestrator) rollbackDevices(ctx context.Context, rollout *api.Rollout, devices []api.DeviceRolloutStatus, reason string) error {
	now := time.Now().UTC()
	var group errgroup.Group
	group.SetLimit(o.probeLimit)
	for i := range devices {
		group.Go(func() error {
			return o.store.Transaction(ctx, func(tx store.Store) error {
				return o.rollbackDeviceTx(ctx, tx, rollout, &devices[i], now, reason)
			})
		})
	}
	return group.Wait()
}

// RollbackAll rewrites every device that received the new tag back to the
// old one and terminates the rollout. The bulk of the device work runs
// concurrently outside the rollout lock; a final locked pass sweeps any
// device that slipped in between and flips the rollout terminal, so a
// retry after a crash converges.
func (o *Orchestrator) RollbackAll(ctx context.Context, id uuid.UUID, reason string) (*api.Rollout, error) {
	if reason == "" {
		reason = "rolled back by operator"
	}
	rollout, err := o.store.Rollout().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, changed, err := Apply(rollout.Status, TransitionRollback); err != nil {
		return nil, err
	} else if !changed {
		return rollout, nil
	}

	devices, err := o.store.Rollout().ListDeviceStatuses(ctx, id, nil, rollbackStatuses)
	if err != nil {
		return nil, err
	}
	if err := o.rollbackDevices(ctx, rollout, devices, reason); err != nil {
		return nil, err
	}
	rolledBack := len(devices)

	now := time.Now().UTC()
	var updated *api.Rollout
	err = o.store.Transaction(ctx, func(tx store.Store) error {
		fresh, err := tx.Rollout().GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		next, changed, err := Apply(fresh.Status, TransitionRollback)
		if err != nil {
			return err
		}
		if !changed {
			updated = fresh
			return nil
		}

		stragglers, err := tx.Rollout().ListDeviceStatuses(ctx, id, nil, rollbackStatuses)
		if err != nil {
			return err
		}
		for i := range stragglers {
			if err := o.rollbackDeviceTx(ctx, tx, fresh, &stragglers[i], now, reason); err != nil {
				return err
			}
		}
		rolledBack += len(stragglers)

		fresh.Status = next
		fresh.StatusReason = reason
		fresh.FinishedAt = lo.ToPtr(now)
		if _, err := o.recomputeCounters(ctx, tx, fresh); err != nil {
			return err
		}
		event := events.RolloutRolledBack(id, reason, rolledBack,
			events.WithCorrelation(id), events.WithSource(api.EventSourceRollout))
		if err := tx.Event().Publish(ctx, event); err != nil {
			return err
		}
		if err := tx.Rollout().Update(ctx, fresh); err != nil {
			return err
		}
		updated = fresh
		return nil
	})
	return updated, err
}
