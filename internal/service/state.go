package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	api "github.com/flockctl/flockctl/api/v1"
	"github.com/flockctl/flockctl/internal/events"
	"github.com/flockctl/flockctl/internal/flerrors"
	"github.com/flockctl/flockctl/internal/store"
	"github.com/google/uuid"
)

// GetDeviceState serves a device's target document. A device that has never
// been assigned a target receives an empty document at version 0, so fresh
// installs converge on "run nothing" instead of erroring. If-None-Match
// against the current version short-circuits with ErrNotModified.
func (h *ServiceHandler) GetDeviceState(ctx context.Context, id uuid.UUID, ifNoneMatch string) (*api.StateDocument, int64, error) {
	if err := h.requireActiveDevice(ctx, id); err != nil {
		return nil, 0, err
	}
	h.recorder.Record(id)

	doc, version, err := h.store.DeviceState().GetTarget(ctx, id)
	if err != nil {
		if !errors.Is(err, flerrors.ErrNoTargetState) {
			return nil, 0, err
		}
		doc, version = &api.StateDocument{Apps: map[int64]api.AppState{}}, 0
	}
	if ifNoneMatch != "" && matchesETag(ifNoneMatch, version) {
		return nil, version, flerrors.ErrNotModified
	}
	return doc, version, nil
}

// GetDeviceCurrentState is the operator view of what a device last reported.
func (h *ServiceHandler) GetDeviceCurrentState(ctx context.Context, id uuid.UUID) (*api.StateDocument, int64, time.Time, error) {
	if _, err := h.store.Device().Get(ctx, id); err != nil {
		return nil, 0, time.Time{}, err
	}
	return h.store.DeviceState().GetCurrent(ctx, id)
}

// ReplaceTargetState swaps the whole target document. An If-Match header
// turns the write conditional: a version mismatch fails with
// ErrVersionConflict and nothing changes.
func (h *ServiceHandler) ReplaceTargetState(ctx context.Context, id uuid.UUID, doc *api.StateDocument, ifMatch string) (int64, error) {
	if err := invalidInput(doc.Validate(false)); err != nil {
		return 0, err
	}
	var newVersion int64
	err := h.store.Transaction(ctx, func(tx store.Store) error {
		if _, err := tx.Device().Get(ctx, id); err != nil {
			return err
		}
		_, version, err := tx.DeviceState().GetTargetForUpdate(ctx, id)
		if err != nil && !errors.Is(err, flerrors.ErrNoTargetState) {
			return err
		}
		if ifMatch != "" && !matchesETag(ifMatch, version) {
			return fmt.Errorf("%w: target state is at version %d", flerrors.ErrVersionConflict, version)
		}
		newVersion, err = tx.DeviceState().SaveTarget(ctx, id, doc)
		if err != nil {
			return err
		}
		return h.publish(ctx, tx, events.TargetStateUpdated(id, newVersion))
	})
	if err != nil {
		return 0, err
	}
	return newVersion, nil
}

// UpsertApp adds an app to the device's target state, or replaces it when
// the id is already deployed. The app name falls back to the catalog entry
// when the request leaves it blank.
func (h *ServiceHandler) UpsertApp(ctx context.Context, id uuid.UUID, req api.AddAppRequest) (*api.StateDocument, int64, error) {
	var (
		doc     *api.StateDocument
		version int64
	)
	err := h.store.Transaction(ctx, func(tx store.Store) error {
		if _, err := tx.Device().Get(ctx, id); err != nil {
			return err
		}
		var err error
		doc, _, err = tx.DeviceState().GetTargetForUpdate(ctx, id)
		if err != nil {
			if !errors.Is(err, flerrors.ErrNoTargetState) {
				return err
			}
			doc = &api.StateDocument{}
		}
		if doc.Apps == nil {
			doc.Apps = map[int64]api.AppState{}
		}

		app := api.AppState{AppID: req.AppID, AppName: req.AppName, Services: req.Services}
		if app.AppName == "" {
			if catalogApp, err := tx.Application().Get(ctx, req.AppID); err == nil {
				app.AppName = catalogApp.AppName
			} else if !errors.Is(err, flerrors.ErrNotFound) {
				return err
			}
		}
		_, existed := doc.Apps[req.AppID]
		doc.Apps[req.AppID] = app
		if err := invalidInput(doc.Validate(false)); err != nil {
			return err
		}

		version, err = tx.DeviceState().SaveTarget(ctx, id, doc)
		if err != nil {
			return err
		}
		event := events.TargetStateAppAdded(id, req.AppID, version)
		if existed {
			event = events.TargetStateAppUpdated(id, req.AppID, version)
		}
		return h.publish(ctx, tx, event)
	})
	if err != nil {
		return nil, 0, err
	}
	return doc, version, nil
}

// PatchApp mutates one deployed app in place: name and services replace
// wholesale when present, config keys merge into the document-level config.
func (h *ServiceHandler) PatchApp(ctx context.Context, id uuid.UUID, appID int64, req api.PatchAppRequest) (*api.StateDocument, int64, error) {
	var (
		doc     *api.StateDocument
		version int64
	)
	err := h.store.Transaction(ctx, func(tx store.Store) error {
		if _, err := tx.Device().Get(ctx, id); err != nil {
			return err
		}
		var err error
		doc, _, err = tx.DeviceState().GetTargetForUpdate(ctx, id)
		if err != nil {
			if errors.Is(err, flerrors.ErrNoTargetState) {
				return fmt.Errorf("%w: app %d", flerrors.ErrAppNotInState, appID)
			}
			return err
		}
		app, ok := doc.Apps[appID]
		if !ok {
			return fmt.Errorf("%w: app %d", flerrors.ErrAppNotInState, appID)
		}

		if req.AppName != nil {
			app.AppName = *req.AppName
		}
		if req.Services != nil {
			app.Services = req.Services
		}
		doc.Apps[appID] = app
		if len(req.Config) > 0 {
			if doc.Config == nil {
				doc.Config = map[string]string{}
			}
			for k, v := range req.Config {
				doc.Config[k] = v
			}
		}
		if err := invalidInput(doc.Validate(false)); err != nil {
			return err
		}

		version, err = tx.DeviceState().SaveTarget(ctx, id, doc)
		if err != nil {
			return err
		}
		return h.publish(ctx, tx, events.TargetStateAppUpdated(id, appID, version))
	})
	if err != nil {
		return nil, 0, err
	}
	return doc, version, nil
}

// RemoveApp deletes an app from the target state. Removing an app that is
// not deployed fails rather than succeeding silently, so a typoed id does
// not masquerade as a completed removal.
func (h *ServiceHandler) RemoveApp(ctx context.Context, id uuid.UUID, appID int64) (*api.StateDocument, int64, error) {
	var (
		doc     *api.StateDocument
		version int64
	)
	err := h.store.Transaction(ctx, func(tx store.Store) error {
		if _, err := tx.Device().Get(ctx, id); err != nil {
			return err
		}
		var err error
		doc, _, err = tx.DeviceState().GetTargetForUpdate(ctx, id)
		if err != nil {
			if errors.Is(err, flerrors.ErrNoTargetState) {
				return fmt.Errorf("%w: app %d", flerrors.ErrAppNotInState, appID)
			}
			return err
		}
		if _, ok := doc.Apps[appID]; !ok {
			return fmt.Errorf("%w: app %d", flerrors.ErrAppNotInState, appID)
		}
		delete(doc.Apps, appID)

		version, err = tx.DeviceState().SaveTarget(ctx, id, doc)
		if err != nil {
			return err
		}
		return h.publish(ctx, tx, events.TargetStateAppRemoved(id, appID, version))
	})
	if err != nil {
		return nil, 0, err
	}
	return doc, version, nil
}

// ReportCurrentState stores the device's self-reported document and lifts
// any device info it carries onto the device record.
func (h *ServiceHandler) ReportCurrentState(ctx context.Context, id uuid.UUID, doc *api.StateDocument) error {
	if err := h.requireActiveDevice(ctx, id); err != nil {
		return err
	}
	if err := invalidInput(doc.Validate(true)); err != nil {
		return err
	}
	err := h.store.Transaction(ctx, func(tx store.Store) error {
		version, err := tx.DeviceState().SaveCurrent(ctx, id, doc, time.Now().UTC())
		if err != nil {
			return err
		}
		if doc.DeviceInfo != nil {
			if err := tx.Device().UpdateReportedInfo(ctx, id, doc.DeviceInfo); err != nil {
				return err
			}
		}
		return h.publish(ctx, tx, events.CurrentStateUpdated(id, version))
	})
	if err != nil {
		return err
	}
	h.recorder.Record(id)
	return nil
}
