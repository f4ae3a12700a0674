package rollout

import (
	"context"
	"errors"

	"github.com/google/uuid"

	api "github.com/flockctl/flockctl/api/v1"
	"github.com/flockctl/flockctl/internal/flerrors"
	"github.com/flockctl/flockctl/internal/store"
)

// RewriteImageTag points every service in doc that runs repo at tag,
// returning how many services actually changed.
func RewriteImageTag(doc *api.StateDocument, repo, tag string) int {
	if doc == nil {
		return 0
	}
	changed := 0
	for appID, app := range doc.Apps {
		for i := range app.Services {
			ref, err := api.ParseImageRef(app.Services[i].ImageName)
			if err != nil || ref.Repo != repo || ref.Tag == tag {
				continue
			}
			app.Services[i].ImageName = repo + ":" + tag
			changed++
		}
		doc.Apps[appID] = app
	}
	return changed
}

// ApplyImageTag rewrites the device's target services running repo to tag
// and saves the document, returning the number of services changed and the
// resulting version. Call inside a Transaction; the target row stays locked
// until commit. A device without a target document is a no-op.
func ApplyImageTag(ctx context.Context, tx store.Store, deviceID uuid.UUID, repo, tag string) (int, int64, error) {
	doc, version, err := tx.DeviceState().GetTargetForUpdate(ctx, deviceID)
	if err != nil {
		if errors.Is(err, flerrors.ErrNoTargetState) {
			return 0, 0, nil
		}
		return 0, 0, err
	}
	changed := RewriteImageTag(doc, repo, tag)
	if changed == 0 {
		return 0, version, nil
	}
	newVersion, err := tx.DeviceState().SaveTarget(ctx, deviceID, doc)
	if err != nil {
		return 0, 0, err
	}
	return changed, newVersion, nil
}
