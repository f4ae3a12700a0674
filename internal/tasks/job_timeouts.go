package tasks

import (
	"context"

	"github.com/flockctl/flockctl/internal/service"
	flog "github.com/flockctl/flockctl/pkg/log"
	"github.com/flockctl/flockctl/pkg/reqid"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

const JobTimeoutsTaskName = "job-timeouts"

// JobTimeouts expires device job executions that have been IN_PROGRESS
// longer than their job's timeout allows.
type JobTimeouts struct {
	log     logrus.FieldLogger
	service service.Service
}

func NewJobTimeouts(log logrus.FieldLogger, svc service.Service) *JobTimeouts {
	return &JobTimeouts{
		log:     log,
		service: svc,
	}
}

func (t *JobTimeouts) Poll(ctx context.Context) {
	ctx = context.WithValue(ctx, chimw.RequestIDKey, reqid.NextTaskID(JobTimeoutsTaskName))
	log := flog.WithReqIDFromCtx(ctx, t.log)

	timedOut, err := t.service.SweepJobTimeouts(ctx)
	if err != nil {
		log.Errorf("Job timeout sweep failed: %v", err)
		return
	}
	if timedOut > 0 {
		log.Infof("Timed out %d device job executions", timedOut)
	}
}
