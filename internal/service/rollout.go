package service

import (
	"context"
	"fmt"

	api "github.com/flockctl/flockctl/api/v1"
	"github.com/flockctl/flockctl/internal/flerrors"
	"github.com/flockctl/flockctl/internal/rollout"
	"github.com/google/uuid"
)

func (h *ServiceHandler) ListRollouts(ctx context.Context, statuses []api.RolloutStatus) ([]api.Rollout, error) {
	return h.store.Rollout().List(ctx, statuses, maxRecordsPerListRequest)
}

func (h *ServiceHandler) GetRollout(ctx context.Context, id uuid.UUID) (*api.Rollout, error) {
	return h.store.Rollout().Get(ctx, id)
}

func (h *ServiceHandler) ListRolloutDevices(ctx context.Context, id uuid.UUID) ([]api.DeviceRolloutStatus, error) {
	if _, err := h.store.Rollout().Get(ctx, id); err != nil {
		return nil, err
	}
	return h.store.Rollout().ListDeviceStatuses(ctx, id, nil, nil)
}

// TriggerRollout is the operator-side twin of the registry webhook: same
// creation pipeline, explicit image and tag instead of a push payload. A
// nil rollout with a nil error means no policy matched or no device runs
// the image.
func (h *ServiceHandler) TriggerRollout(ctx context.Context, req api.TriggerRolloutRequest) (*api.Rollout, error) {
	ref, err := api.ParseImageRef(req.Image)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", flerrors.ErrInvalidInput, err)
	}
	tag := req.Tag
	if tag == "" {
		tag = ref.Tag
	}
	return h.rollouts.CreateFromImage(ctx, rollout.CreateParams{
		Image:       ref.Repo,
		NewTag:      tag,
		PolicyID:    req.PolicyID,
		TriggeredBy: "operator",
	})
}

func (h *ServiceHandler) StartRollout(ctx context.Context, id uuid.UUID) (*api.Rollout, error) {
	return h.rollouts.Start(ctx, id)
}

func (h *ServiceHandler) PauseRollout(ctx context.Context, id uuid.UUID, reason string) (*api.Rollout, error) {
	return h.rollouts.Pause(ctx, id, reason)
}

// ResumeRollout requires an explicit acknowledgement flag: a rollout pauses
// because devices were failing, and resuming is a human decision, not a
// default.
func (h *ServiceHandler) ResumeRollout(ctx context.Context, id uuid.UUID, acknowledged bool) (*api.Rollout, error) {
	if !acknowledged {
		return nil, fmt.Errorf("%w: resuming a paused rollout requires acknowledged=true", flerrors.ErrInvalidInput)
	}
	return h.rollouts.Resume(ctx, id)
}

func (h *ServiceHandler) CancelRollout(ctx context.Context, id uuid.UUID, reason string) (*api.Rollout, error) {
	return h.rollouts.Cancel(ctx, id, reason)
}

func (h *ServiceHandler) RollbackRollout(ctx context.Context, id uuid.UUID, reason string) (*api.Rollout, error) {
	return h.rollouts.RollbackAll(ctx, id, reason)
}

func (h *ServiceHandler) RollbackRolloutBatch(ctx context.Context, id uuid.UUID, batch int, reason string) (*api.Rollout, error) {
	return h.rollouts.RollbackBatch(ctx, id, batch, reason)
}

func (h *ServiceHandler) RollbackRolloutDevice(ctx context.Context, id, deviceID uuid.UUID, reason string) (*api.DeviceRolloutStatus, error) {
	if reason == "" {
		reason = "rolled back by operator"
	}
	return h.rollouts.RollbackDevice(ctx, id, deviceID, reason)
}
