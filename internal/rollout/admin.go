package rollout

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	api "github.com/flockctl/flockctl/api/v1"
	"github.com/flockctl/flockctl/internal/events"
	"github.com/flockctl/flockctl/internal/store"
)

// Start launches a pending rollout's first batch. Manual rollouts are
// started this way; scheduled ones may be started early, ahead of their
// window.
func (o *Orchestrator) Start(ctx context.Context, id uuid.UUID) (*api.Rollout, error) {
	var updated *api.Rollout
	err := o.store.Transaction(ctx, func(tx store.Store) error {
		rollout, err := tx.Rollout().GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		policy, err := o.loadPolicy(ctx, tx, rollout)
		if err != nil {
			return err
		}
		if err := o.startRollout(ctx, tx, rollout, policy, time.Now().UTC()); err != nil {
			return err
		}
		updated = rollout
		return nil
	})
	return updated, err
}

// Pause halts batch progression and device verification. Devices whose
// target state was already rewritten keep it; they pick up where they left
// off on resume.
func (o *Orchestrator) Pause(ctx context.Context, id uuid.UUID, reason string) (*api.Rollout, error) {
	if reason == "" {
		reason = "paused by operator"
	}
	var updated *api.Rollout
	err := o.store.Transaction(ctx, func(tx store.Store) error {
		rollout, err := tx.Rollout().GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		next, changed, err := Apply(rollout.Status, TransitionPause)
		if err != nil {
			return err
		}
		if !changed {
			updated = rollout
			return nil
		}
		rollout.Status = next
		rollout.StatusReason = reason
		event := events.RolloutPaused(id, rollout.CurrentBatch, 0, reason,
			events.WithCorrelation(id), events.WithSource(api.EventSourceRollout))
		if err := tx.Event().Publish(ctx, event); err != nil {
			return err
		}
		if err := tx.Rollout().Update(ctx, rollout); err != nil {
			return err
		}
		updated = rollout
		return nil
	})
	return updated, err
}

// Resume restarts a paused rollout. The HTTP layer enforces the operator
// acknowledgement before calling here.
func (o *Orchestrator) Resume(ctx context.Context, id uuid.UUID) (*api.Rollout, error) {
	var updated *api.Rollout
	err := o.store.Transaction(ctx, func(tx store.Store) error {
		rollout, err := tx.Rollout().GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		next, changed, err := Apply(rollout.Status, TransitionResume)
		if err != nil {
			return err
		}
		if !changed {
			updated = rollout
			return nil
		}
		rollout.Status = next
		rollout.StatusReason = ""
		event := events.RolloutResumed(id, rollout.CurrentBatch,
			events.WithCorrelation(id), events.WithSource(api.EventSourceRollout))
		if err := tx.Event().Publish(ctx, event); err != nil {
			return err
		}
		if err := tx.Rollout().Update(ctx, rollout); err != nil {
			return err
		}
		updated = rollout
		return nil
	})
	return updated, err
}

// Cancel stops new batch dispatch. In-flight devices complete normally;
// the tick keeps tracking them until they settle.
func (o *Orchestrator) Cancel(ctx context.Context, id uuid.UUID, reason string) (*api.Rollout, error) {
	if reason == "" {
		reason = "cancelled by operator"
	}
	var updated *api.Rollout
	err := o.store.Transaction(ctx, func(tx store.Store) error {
		rollout, err := tx.Rollout().GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		next, changed, err := Apply(rollout.Status, TransitionCancel)
		if err != nil {
			return err
		}
		if !changed {
			updated = rollout
			return nil
		}
		rollout.Status = next
		rollout.StatusReason = reason
		counts, err := o.recomputeCounters(ctx, tx, rollout)
		if err != nil {
			return err
		}
		if counts[api.DeviceUpdateUpdating]+counts[api.DeviceUpdateVerifying] == 0 {
			rollout.FinishedAt = lo.ToPtr(time.Now().UTC())
		}
		event := events.RolloutCancelled(id, reason,
			events.WithCorrelation(id), events.WithSource(api.EventSourceRollout))
		if err := tx.Event().Publish(ctx, event); err != nil {
			return err
		}
		if err := tx.Rollout().Update(ctx, rollout); err != nil {
			return err
		}
		updated = rollout
		return nil
	})
	return updated, err
}
