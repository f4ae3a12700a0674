package tasks

import (
	"context"
	"strings"

	"github.com/flockctl/flockctl/internal/service"
	flog "github.com/flockctl/flockctl/pkg/log"
	"github.com/flockctl/flockctl/pkg/reqid"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

const EventPartitionsTaskName = "event-partitions"

// EventPartitions keeps the day-partitioned event log healthy. Each run
// creates the upcoming day partitions ahead of time and drops the ones
// past the retention window.
type EventPartitions struct {
	log     logrus.FieldLogger
	service service.Service
}

func NewEventPartitions(log logrus.FieldLogger, svc service.Service) *EventPartitions {
	return &EventPartitions{
		log:     log,
		service: svc,
	}
}

func (t *EventPartitions) Poll(ctx context.Context) {
	ctx = context.WithValue(ctx, chimw.RequestIDKey, reqid.NextTaskID(EventPartitionsTaskName))
	log := flog.WithReqIDFromCtx(ctx, t.log)

	dropped, err := t.service.MaintainEventPartitions(ctx)
	if err != nil {
		log.Errorf("Event partition maintenance failed: %v", err)
		return
	}
	if len(dropped) > 0 {
		log.Infof("Dropped %d event partitions past retention: %s", len(dropped), strings.Join(dropped, ", "))
	}
}
