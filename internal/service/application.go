package service

import (
	"context"
	"errors"
	"fmt"

	api "github.com/flockctl/flockctl/api/v1"
	"github.com/flockctl/flockctl/internal/events"
	"github.com/flockctl/flockctl/internal/flerrors"
	"github.com/flockctl/flockctl/internal/store"
	"github.com/samber/lo"
)

// CreateApplication registers a catalog application. Its id is drawn from
// the shared app-id sequence, so deploying the template later reuses the
// same id and per-device allocations can never collide with it.
func (h *ServiceHandler) CreateApplication(ctx context.Context, req api.CreateApplicationRequest) (*api.Application, error) {
	if err := validateAppTemplate(req.DefaultConfig); err != nil {
		return nil, err
	}
	var created *api.Application
	err := h.store.Transaction(ctx, func(tx store.Store) error {
		appID, err := tx.IDRegistry().NextID(ctx, api.IDKindApp, req.AppName, nil, nil)
		if err != nil {
			return err
		}
		app := &api.Application{
			AppID:         appID,
			AppName:       req.AppName,
			Slug:          req.Slug,
			Description:   req.Description,
			DefaultConfig: req.DefaultConfig,
		}
		if app.DefaultConfig != nil {
			app.DefaultConfig.AppID = appID
		}
		created, err = tx.Application().Create(ctx, app)
		if err != nil {
			if errors.Is(err, flerrors.ErrDuplicateName) {
				return fmt.Errorf("%w: slug %q is taken", flerrors.ErrConflict, req.Slug)
			}
			return err
		}
		return h.publish(ctx, tx, events.ApplicationCreated(created.AppID, created.AppName, created.Slug))
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (h *ServiceHandler) GetApplication(ctx context.Context, appID int64) (*api.Application, error) {
	return h.store.Application().Get(ctx, appID)
}

func (h *ServiceHandler) ListApplications(ctx context.Context) ([]api.Application, error) {
	return h.store.Application().List(ctx)
}

// PatchApplication updates catalog fields. The slug and id are immutable:
// the slug is the stable external handle and the id is burned into target
// states.
func (h *ServiceHandler) PatchApplication(ctx context.Context, appID int64, req api.PatchApplicationRequest) (*api.Application, error) {
	if err := validateAppTemplate(req.DefaultConfig); err != nil {
		return nil, err
	}
	var updated *api.Application
	err := h.store.Transaction(ctx, func(tx store.Store) error {
		app, err := tx.Application().Get(ctx, appID)
		if err != nil {
			return err
		}
		if req.AppName != nil {
			app.AppName = *req.AppName
		}
		if req.Description != nil {
			app.Description = *req.Description
		}
		if req.DefaultConfig != nil {
			app.DefaultConfig = req.DefaultConfig
			app.DefaultConfig.AppID = appID
		}
		updated, err = tx.Application().Update(ctx, app)
		if err != nil {
			return err
		}
		return h.publish(ctx, tx, events.ApplicationUpdated(updated.AppID, updated.AppName))
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteApplication removes a catalog entry unless a device target still
// deploys it. The registry entry stays: allocated ids are never reused.
func (h *ServiceHandler) DeleteApplication(ctx context.Context, appID int64) error {
	return h.store.Transaction(ctx, func(tx store.Store) error {
		app, err := tx.Application().Get(ctx, appID)
		if err != nil {
			return err
		}
		references, err := tx.DeviceState().CountTargetsReferencingApp(ctx, appID)
		if err != nil {
			return err
		}
		if references > 0 {
			return fmt.Errorf("%w: app %d is deployed on %d device(s)", flerrors.ErrApplicationInUse, appID, references)
		}
		if err := tx.Application().Delete(ctx, appID); err != nil {
			return err
		}
		return h.publish(ctx, tx, events.ApplicationDeleted(app.AppID, app.AppName))
	})
}

// NextAppID draws the next application id. The draw is consumed even when a
// later step of the caller's flow fails; sequences never rewind.
func (h *ServiceHandler) NextAppID(ctx context.Context, req api.NextAppIDRequest) (int64, error) {
	return h.store.IDRegistry().NextID(ctx, api.IDKindApp, req.AppName, nil, req.Metadata)
}

// NextServiceID draws the next service id, recording which app it belongs
// to. The app id is not required to exist in the catalog: per-device apps
// allocated via NextAppID are equally valid owners.
func (h *ServiceHandler) NextServiceID(ctx context.Context, req api.NextServiceIDRequest) (int64, error) {
	return h.store.IDRegistry().NextID(ctx, api.IDKindService, req.ServiceName, lo.ToPtr(req.AppID), req.Metadata)
}

func (h *ServiceHandler) ListRegisteredIDs(ctx context.Context, kind *api.IDKind) ([]api.IDRegistryEntry, error) {
	return h.store.IDRegistry().List(ctx, kind)
}

// validateAppTemplate sanity-checks a catalog default config. Templates are
// not deployable documents, so only the image references are checked; id
// ranges are enforced when the template lands in a target state.
func validateAppTemplate(template *api.AppState) error {
	if template == nil {
		return nil
	}
	for i, svc := range template.Services {
		if _, err := api.ParseImageRef(svc.ImageName); err != nil {
			return fmt.Errorf("%w: defaultConfig service[%d]: %v", flerrors.ErrInvalidInput, i, err)
		}
	}
	return nil
}
