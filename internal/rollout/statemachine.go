package rollout

import (
	"fmt"

	api "github.com/flockctl/flockctl/api/v1"
	"github.com/flockctl/flockctl/internal/flerrors"
)

// Transition names an edge in the rollout state machine.
type Transition string

const (
	TransitionStart    Transition = "start"
	TransitionPause    Transition = "pause"
	TransitionResume   Transition = "resume"
	TransitionCancel   Transition = "cancel"
	TransitionComplete Transition = "complete"
	TransitionFail     Transition = "fail"
	TransitionRollback Transition = "rollback"
)

// Apply computes the status that follows current under t. Every rollout
// status change in the system goes through here. changed is false when the
// transition re-enters the state the rollout is already in; such calls are
// accepted so redelivered admin requests stay idempotent. Edges the machine
// does not have return ErrRolloutTransition.
func Apply(current api.RolloutStatus, t Transition) (api.RolloutStatus, bool, error) {
	switch t {
	case TransitionStart:
		switch current {
		case api.RolloutStatusPending:
			return api.RolloutStatusRunning, true, nil
		case api.RolloutStatusRunning:
			return current, false, nil
		}
	case TransitionPause:
		switch current {
		case api.RolloutStatusRunning:
			return api.RolloutStatusPaused, true, nil
		case api.RolloutStatusPaused:
			return current, false, nil
		}
	case TransitionResume:
		switch current {
		case api.RolloutStatusPaused:
			return api.RolloutStatusRunning, true, nil
		case api.RolloutStatusRunning:
			return current, false, nil
		}
	case TransitionCancel:
		switch current {
		case api.RolloutStatusPending, api.RolloutStatusRunning, api.RolloutStatusPaused:
			return api.RolloutStatusCancelled, true, nil
		case api.RolloutStatusCancelled:
			return current, false, nil
		}
	case TransitionComplete:
		if current == api.RolloutStatusRunning {
			return api.RolloutStatusCompleted, true, nil
		}
	case TransitionFail:
		if current == api.RolloutStatusRunning {
			return api.RolloutStatusFailed, true, nil
		}
	case TransitionRollback:
		switch current {
		case api.RolloutStatusRunning, api.RolloutStatusPaused:
			return api.RolloutStatusRolledBack, true, nil
		case api.RolloutStatusRolledBack:
			return current, false, nil
		}
	}
	return current, false, fmt.Errorf("%w: cannot %s a %s rollout", flerrors.ErrRolloutTransition, t, current)
}
