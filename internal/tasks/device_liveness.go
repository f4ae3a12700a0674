package tasks

import (
	"context"

	"github.com/flockctl/flockctl/internal/service"
	flog "github.com/flockctl/flockctl/pkg/log"
	"github.com/flockctl/flockctl/pkg/reqid"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

const DeviceLivenessTaskName = "device-liveness"

// DeviceLiveness marks devices offline when their heartbeats stop. It goes
// through the same service entry point as the admin check endpoint, so a
// manually triggered sweep and a scheduled one behave identically.
type DeviceLiveness struct {
	log     logrus.FieldLogger
	service service.Service
}

func NewDeviceLiveness(log logrus.FieldLogger, svc service.Service) *DeviceLiveness {
	return &DeviceLiveness{
		log:     log,
		service: svc,
	}
}

func (t *DeviceLiveness) Poll(ctx context.Context) {
	ctx = context.WithValue(ctx, chimw.RequestIDKey, reqid.NextTaskID(DeviceLivenessTaskName))
	log := flog.WithReqIDFromCtx(ctx, t.log)

	result, err := t.service.RunHeartbeatCheck(ctx)
	if err != nil {
		log.Errorf("Liveness sweep failed: %v", err)
		return
	}
	if result.RestartDetected {
		log.Warnf("Detected %ds of control-plane downtime; only devices already silent before it were marked offline", result.DowntimeSeconds)
	}
	if result.MarkedOffline > 0 {
		log.Infof("Marked %d devices offline", result.MarkedOffline)
	}
}
