package service

import (
	"context"
	"errors"
	"fmt"

	api "github.com/flockctl/flockctl/api/v1"
	"github.com/flockctl/flockctl/internal/events"
	"github.com/flockctl/flockctl/internal/flerrors"
	"github.com/flockctl/flockctl/internal/store"
	"github.com/google/uuid"
)

// RegisterDevice creates a device record. Provisioning normally happens out
// of band; this entry point exists for operators pre-seeding a fleet, so a
// caller-supplied uuid is accepted and an omitted one is generated.
func (h *ServiceHandler) RegisterDevice(ctx context.Context, req api.RegisterDeviceRequest) (*api.Device, error) {
	device := &api.Device{
		Name:       req.Name,
		DeviceType: req.DeviceType,
		FleetID:    req.FleetID,
		Tags:       req.Tags,
		Active:     true,
	}
	if req.UUID != nil {
		device.UUID = *req.UUID
	} else {
		device.UUID = uuid.New()
	}

	var created *api.Device
	err := h.store.Transaction(ctx, func(tx store.Store) error {
		var err error
		created, err = tx.Device().Create(ctx, device)
		if err != nil {
			if errors.Is(err, flerrors.ErrDuplicateName) {
				return fmt.Errorf("%w: device %s is already registered", flerrors.ErrConflict, device.UUID)
			}
			return err
		}
		return h.publish(ctx, tx, events.DeviceRegistered(created.UUID, created.Name, created.DeviceType, created.FleetID))
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (h *ServiceHandler) GetDevice(ctx context.Context, id uuid.UUID) (*api.Device, error) {
	return h.store.Device().Get(ctx, id)
}

func (h *ServiceHandler) ListDevices(ctx context.Context) ([]api.Device, error) {
	return h.store.Device().List(ctx)
}

func (h *ServiceHandler) SetDeviceActive(ctx context.Context, id uuid.UUID, active bool) (*api.Device, error) {
	return h.store.Device().SetActive(ctx, id, active)
}

// DeleteDevice removes the device and every row that references it: state
// documents, rollout statuses and job statuses. Jobs whose status rows go
// away get their aggregates recomputed so counters keep summing to the
// remaining targets.
func (h *ServiceHandler) DeleteDevice(ctx context.Context, id uuid.UUID) error {
	return h.store.Transaction(ctx, func(tx store.Store) error {
		device, err := tx.Device().Get(ctx, id)
		if err != nil {
			return err
		}
		if err := tx.DeviceState().DeleteForDevice(ctx, id); err != nil {
			return err
		}
		if err := tx.Rollout().DeleteDeviceStatusesForDevice(ctx, id); err != nil {
			return err
		}
		touchedJobs, err := tx.Job().DeleteStatusesForDevice(ctx, id)
		if err != nil {
			return err
		}
		for _, jobID := range touchedJobs {
			if _, err := h.recomputeJobAggregate(ctx, tx, jobID); err != nil {
				return err
			}
		}
		if err := tx.Device().Delete(ctx, id); err != nil {
			return err
		}
		return h.publish(ctx, tx, events.DeviceDeleted(device.UUID, device.Name))
	})
}

// AcceptDeviceLogs receives a device log upload. The payload is discarded
// after size accounting; retention is a collector's job, the control plane
// only acknowledges receipt so devices can rotate.
func (h *ServiceHandler) AcceptDeviceLogs(ctx context.Context, id uuid.UUID, size int64) error {
	if err := h.requireActiveDevice(ctx, id); err != nil {
		return err
	}
	h.recorder.Record(id)
	h.log.WithField("device", id).WithField("bytes", size).Debug("discarded device log upload")
	return nil
}

// requireActiveDevice gates device-facing operations: unknown uuids are
// refused outright and deactivated devices are denied rather than 404'd, so
// a quarantined device can tell the difference.
func (h *ServiceHandler) requireActiveDevice(ctx context.Context, id uuid.UUID) error {
	device, err := h.store.Device().Get(ctx, id)
	if err != nil {
		return err
	}
	if !device.Active {
		return fmt.Errorf("%w: device %s", flerrors.ErrDeviceInactive, id)
	}
	return nil
}
