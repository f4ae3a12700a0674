package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	api "github.com/flockctl/flockctl/api/v1"
	"github.com/flockctl/flockctl/internal/config"
	"github.com/flockctl/flockctl/internal/flerrors"
	"github.com/flockctl/flockctl/internal/rollout"
	"github.com/flockctl/flockctl/internal/store"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const maxRecordsPerListRequest = 1000

// ContactRecorder ingests device liveness signals without blocking the
// request path. Every device-authenticated operation reports contact here.
type ContactRecorder interface {
	Record(deviceID uuid.UUID)
}

type noopRecorder struct{}

func (noopRecorder) Record(uuid.UUID) {}

type ServiceHandler struct {
	store    store.Store
	rollouts *rollout.Orchestrator
	recorder ContactRecorder
	log      logrus.FieldLogger

	webhookSecret      string
	heartbeatEnabled   bool
	heartbeatInterval  time.Duration
	offlineThreshold   time.Duration
	eventRetentionDays int
	partitionAheadDays int
}

var _ Service = (*ServiceHandler)(nil)

func NewServiceHandler(st store.Store, orch *rollout.Orchestrator, recorder ContactRecorder, cfg *config.Config, log logrus.FieldLogger) *ServiceHandler {
	if recorder == nil {
		recorder = noopRecorder{}
	}
	h := &ServiceHandler{
		store:              st,
		rollouts:           orch,
		recorder:           recorder,
		log:                log,
		heartbeatEnabled:   cfg.HeartbeatEnabled(),
		eventRetentionDays: api.DefaultEventRetentionDays,
		partitionAheadDays: api.DefaultEventPartitionAheadDays,
	}
	if cfg.Rollouts != nil {
		h.webhookSecret = cfg.Rollouts.WebhookSecret
	}
	if cfg.Heartbeat != nil {
		h.heartbeatInterval = config.ParseDuration(cfg.Heartbeat.CheckInterval, api.DefaultHeartbeatInterval)
		h.offlineThreshold = config.ParseDuration(cfg.Heartbeat.OfflineThreshold, api.DefaultOfflineThreshold)
	} else {
		h.heartbeatInterval = api.DefaultHeartbeatInterval
		h.offlineThreshold = api.DefaultOfflineThreshold
	}
	if cfg.Events != nil {
		if cfg.Events.RetentionDays > 0 {
			h.eventRetentionDays = cfg.Events.RetentionDays
		}
		if cfg.Events.PartitionAheadDays > 0 {
			h.partitionAheadDays = cfg.Events.PartitionAheadDays
		}
	}
	return h
}

// publish appends an event inside the caller's transaction so the write and
// its event commit or roll back together.
func (h *ServiceHandler) publish(ctx context.Context, tx store.Store, event api.Event) error {
	return tx.Event().Publish(ctx, event)
}

// invalidInput folds validator findings into one ErrInvalidInput.
func invalidInput(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %v", flerrors.ErrInvalidInput, errors.Join(errs...))
}

// etagOf renders a state version as its entity tag.
func etagOf(version int64) string {
	return strconv.FormatInt(version, 10)
}

// matchesETag compares an If-None-Match / If-Match header value against a
// version, tolerating quoting and a weak-validator prefix. An empty or "*"
// header never matches a specific version comparison here; "*" handling is
// left to the caller.
func matchesETag(header string, version int64) bool {
	v := strings.TrimSpace(header)
	v = strings.TrimPrefix(v, "W/")
	v = strings.Trim(v, `"`)
	if v == "" {
		return false
	}
	return v == etagOf(version)
}
