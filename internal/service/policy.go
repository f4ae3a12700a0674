package service

import (
	"context"
	"fmt"

	api "github.com/flockctl/flockctl/api/v1"
	"github.com/flockctl/flockctl/internal/flerrors"
	"github.com/flockctl/flockctl/internal/store"
	"github.com/google/uuid"
)

// CreatePolicy stores a rollout policy. Staged fractions, health check and
// maintenance window are validated up front; a policy that parses is a
// policy the orchestrator can always act on.
func (h *ServiceHandler) CreatePolicy(ctx context.Context, req api.CreatePolicyRequest) (*api.RolloutPolicy, error) {
	policy := &api.RolloutPolicy{
		ID:                uuid.New(),
		ImagePattern:      req.ImagePattern,
		Strategy:          req.Strategy,
		StagedFractions:   req.StagedFractions,
		BatchDelayMinutes: req.BatchDelayMinutes,
		HealthCheck:       req.HealthCheck,
		AutoRollback:      req.AutoRollback,
		MaxFailureRate:    api.DefaultMaxFailureRate,
		MaintenanceWindow: req.MaintenanceWindow,
		DeviceFilter:      req.DeviceFilter,
		Enabled:           true,
	}
	if req.MaxFailureRate != nil {
		policy.MaxFailureRate = *req.MaxFailureRate
	}
	if req.Enabled != nil {
		policy.Enabled = *req.Enabled
	}
	if err := validatePolicy(policy); err != nil {
		return nil, err
	}
	return h.store.RolloutPolicy().Create(ctx, policy)
}

func (h *ServiceHandler) GetPolicy(ctx context.Context, id uuid.UUID) (*api.RolloutPolicy, error) {
	return h.store.RolloutPolicy().Get(ctx, id)
}

func (h *ServiceHandler) ListPolicies(ctx context.Context) ([]api.RolloutPolicy, error) {
	return h.store.RolloutPolicy().List(ctx, false)
}

// PatchPolicy applies partial updates. The merged policy is revalidated as
// a whole, so a patch cannot leave behind a combination the create path
// would have rejected.
func (h *ServiceHandler) PatchPolicy(ctx context.Context, id uuid.UUID, req api.PatchPolicyRequest) (*api.RolloutPolicy, error) {
	var updated *api.RolloutPolicy
	err := h.store.Transaction(ctx, func(tx store.Store) error {
		policy, err := tx.RolloutPolicy().Get(ctx, id)
		if err != nil {
			return err
		}
		if req.ImagePattern != nil {
			policy.ImagePattern = *req.ImagePattern
		}
		if req.Strategy != nil {
			policy.Strategy = *req.Strategy
		}
		if req.StagedFractions != nil {
			policy.StagedFractions = req.StagedFractions
		}
		if req.BatchDelayMinutes != nil {
			policy.BatchDelayMinutes = *req.BatchDelayMinutes
		}
		if req.HealthCheck != nil {
			policy.HealthCheck = req.HealthCheck
		}
		if req.AutoRollback != nil {
			policy.AutoRollback = *req.AutoRollback
		}
		if req.MaxFailureRate != nil {
			policy.MaxFailureRate = *req.MaxFailureRate
		}
		if req.MaintenanceWindow != nil {
			policy.MaintenanceWindow = req.MaintenanceWindow
		}
		if req.DeviceFilter != nil {
			policy.DeviceFilter = req.DeviceFilter
		}
		if req.Enabled != nil {
			policy.Enabled = *req.Enabled
		}
		if err := validatePolicy(policy); err != nil {
			return err
		}
		updated, err = tx.RolloutPolicy().Update(ctx, policy)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeletePolicy removes a policy. Rollouts already created from it keep
// running on the parameters they captured at creation.
func (h *ServiceHandler) DeletePolicy(ctx context.Context, id uuid.UUID) error {
	return h.store.RolloutPolicy().Delete(ctx, id)
}

func validatePolicy(policy *api.RolloutPolicy) error {
	if policy.ImagePattern == "" {
		return fmt.Errorf("%w: imagePattern must not be empty", flerrors.ErrInvalidInput)
	}
	switch policy.Strategy {
	case api.RolloutStrategyAuto, api.RolloutStrategyStaged, api.RolloutStrategyManual, api.RolloutStrategyScheduled:
	default:
		return fmt.Errorf("%w: unknown strategy %q", flerrors.ErrInvalidInput, policy.Strategy)
	}
	if err := validateStagedFractions(policy.StagedFractions); err != nil {
		return err
	}
	if policy.MaxFailureRate < 0 || policy.MaxFailureRate > 1 {
		return fmt.Errorf("%w: maxFailureRate must be within [0, 1]", flerrors.ErrInvalidInput)
	}
	if policy.HealthCheck != nil {
		if err := invalidInput(policy.HealthCheck.Validate()); err != nil {
			return err
		}
	}
	if policy.MaintenanceWindow != nil {
		if err := invalidInput(policy.MaintenanceWindow.Validate()); err != nil {
			return err
		}
	}
	if policy.Strategy == api.RolloutStrategyScheduled && policy.MaintenanceWindow == nil {
		return fmt.Errorf("%w: the scheduled strategy requires a maintenance window", flerrors.ErrInvalidInput)
	}
	return nil
}

// validateStagedFractions enforces the batch plan shape: strictly ascending
// cumulative fractions in (0, 1], ending at exactly 1.0 so the final batch
// covers the whole fleet.
func validateStagedFractions(fractions []float64) error {
	if len(fractions) == 0 {
		return nil
	}
	prev := 0.0
	for i, f := range fractions {
		if f <= prev || f > 1 {
			return fmt.Errorf("%w: stagedFractions must be strictly ascending within (0, 1], got %v at index %d", flerrors.ErrInvalidInput, f, i)
		}
		prev = f
	}
	if last := fractions[len(fractions)-1]; last != 1.0 {
		return fmt.Errorf("%w: the last staged fraction must be 1.0, got %v", flerrors.ErrInvalidInput, last)
	}
	return nil
}
