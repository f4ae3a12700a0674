package tasks

import (
	"context"

	"github.com/flockctl/flockctl/internal/rollout"
	flog "github.com/flockctl/flockctl/pkg/log"
	"github.com/flockctl/flockctl/pkg/reqid"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

const RolloutTickTaskName = "rollout-tick"

// RolloutTick drives every unfinished rollout one step forward: starting
// due batches, probing device health and applying pause or rollback
// decisions.
type RolloutTick struct {
	log          logrus.FieldLogger
	orchestrator *rollout.Orchestrator
}

func NewRolloutTick(log logrus.FieldLogger, orch *rollout.Orchestrator) *RolloutTick {
	return &RolloutTick{
		log:          log,
		orchestrator: orch,
	}
}

func (t *RolloutTick) Poll(ctx context.Context) {
	ctx = context.WithValue(ctx, chimw.RequestIDKey, reqid.NextTaskID(RolloutTickTaskName))
	log := flog.WithReqIDFromCtx(ctx, t.log)

	if err := t.orchestrator.Tick(ctx); err != nil {
		log.Errorf("Rollout tick failed: %v", err)
	}
}
