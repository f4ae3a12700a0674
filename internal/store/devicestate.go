package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	api "github.com/flockctl/flockctl/api/v1"
	"github.com/flockctl/flockctl/internal/flerrors"
	"github.com/flockctl/flockctl/internal/store/model"
)

type DeviceState interface {
	InitialMigration() error

	// GetTarget returns the target document and its version. A device
	// with no document yet yields ErrNoTargetState.
	GetTarget(ctx context.Context, deviceID uuid.UUID) (*api.StateDocument, int64, error)

	// GetTargetForUpdate is GetTarget with a row lock, for use inside a
	// Transaction when the caller intends to write the document back.
	GetTargetForUpdate(ctx context.Context, deviceID uuid.UUID) (*api.StateDocument, int64, error)

	// SaveTarget upserts the target document and returns the new
	// version (1 on first write, previous+1 after).
	SaveTarget(ctx context.Context, deviceID uuid.UUID, doc *api.StateDocument) (int64, error)

	GetCurrent(ctx context.Context, deviceID uuid.UUID) (*api.StateDocument, int64, time.Time, error)
	SaveCurrent(ctx context.Context, deviceID uuid.UUID, doc *api.StateDocument, reportedAt time.Time) (int64, error)

	// ListImageRefs returns every (device, imageName) pair across target
	// documents where the service image matches the repo, one row per
	// matching service.
	ListImageRefs(ctx context.Context, repo string) ([]ImageRef, error)

	// CountTargetsReferencingApp reports how many target documents
	// still deploy the given app, for delete guards.
	CountTargetsReferencingApp(ctx context.Context, appID int64) (int64, error)

	DeleteForDevice(ctx context.Context, deviceID uuid.UUID) error
}

type DeviceStateStore struct {
	db  *gorm.DB
	log logrus.FieldLogger
}

var _ DeviceState = (*DeviceStateStore)(nil)

func NewDeviceState(db *gorm.DB, log logrus.FieldLogger) *DeviceStateStore {
	return &DeviceStateStore{db: db, log: log}
}

func (s *DeviceStateStore) InitialMigration() error {
	if err := s.db.AutoMigrate(&model.DeviceTargetState{}); err != nil {
		return err
	}
	return s.db.AutoMigrate(&model.DeviceCurrentState{})
}

func (s *DeviceStateStore) getTarget(ctx context.Context, deviceID uuid.UUID, lock bool) (*api.StateDocument, int64, error) {
	var row model.DeviceTargetState
	query := s.db.WithContext(ctx)
	if lock {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	result := query.Take(&row, "device_uuid = ?", deviceID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, 0, flerrors.ErrNoTargetState
		}
		return nil, 0, flerrors.ErrorFromGormError(result.Error)
	}
	return row.Document(), row.Version, nil
}

func (s *DeviceStateStore) GetTarget(ctx context.Context, deviceID uuid.UUID) (*api.StateDocument, int64, error) {
	return s.getTarget(ctx, deviceID, false)
}

func (s *DeviceStateStore) GetTargetForUpdate(ctx context.Context, deviceID uuid.UUID) (*api.StateDocument, int64, error) {
	return s.getTarget(ctx, deviceID, true)
}

func (s *DeviceStateStore) SaveTarget(ctx context.Context, deviceID uuid.UUID, doc *api.StateDocument) (int64, error) {
	now := time.Now().UTC()
	row := model.DeviceTargetState{
		DeviceUUID: deviceID,
		Doc:        model.MakeJSONField(doc),
		Version:    1,
		UpdatedAt:  now,
	}
	result := s.db.WithContext(ctx).
		Clauses(
			clause.OnConflict{
				Columns: []clause.Column{{Name: "device_uuid"}},
				DoUpdates: clause.Assignments(map[string]any{
					"doc":        row.Doc,
					"version":    gorm.Expr("device_target_states.version + 1"),
					"updated_at": now,
				}),
			},
			clause.Returning{Columns: []clause.Column{{Name: "version"}}},
		).
		Create(&row)
	if result.Error != nil {
		return 0, flerrors.ErrorFromGormError(result.Error)
	}
	return row.Version, nil
}

func (s *DeviceStateStore) GetCurrent(ctx context.Context, deviceID uuid.UUID) (*api.StateDocument, int64, time.Time, error) {
	var row model.DeviceCurrentState
	result := s.db.WithContext(ctx).Take(&row, "device_uuid = ?", deviceID)
	if result.Error != nil {
		return nil, 0, time.Time{}, flerrors.ErrorFromGormError(result.Error)
	}
	return row.Document(), row.Version, row.ReportedAt, nil
}

func (s *DeviceStateStore) SaveCurrent(ctx context.Context, deviceID uuid.UUID, doc *api.StateDocument, reportedAt time.Time) (int64, error) {
	row := model.DeviceCurrentState{
		DeviceUUID: deviceID,
		Doc:        model.MakeJSONField(doc),
		Version:    1,
		ReportedAt: reportedAt,
	}
	result := s.db.WithContext(ctx).
		Clauses(
			clause.OnConflict{
				Columns: []clause.Column{{Name: "device_uuid"}},
				DoUpdates: clause.Assignments(map[string]any{
					"doc":         row.Doc,
					"version":     gorm.Expr("device_current_states.version + 1"),
					"reported_at": reportedAt,
				}),
			},
			clause.Returning{Columns: []clause.Column{{Name: "version"}}},
		).
		Create(&row)
	if result.Error != nil {
		return 0, flerrors.ErrorFromGormError(result.Error)
	}
	return row.Version, nil
}

// ImageRef is one service image reference found in a target document.
type ImageRef struct {
	DeviceUUID uuid.UUID
	ImageName  string
}

func (s *DeviceStateStore) ListImageRefs(ctx context.Context, repo string) ([]ImageRef, error) {
	var refs []ImageRef
	err := s.db.WithContext(ctx).Raw(`
		SELECT t.device_uuid, svc->>'imageName' AS image_name
		FROM device_target_states t,
		     jsonb_each(t.doc->'apps') AS app(key, value),
		     jsonb_array_elements(app.value->'services') AS svc
		WHERE svc->>'imageName' = ? OR starts_with(svc->>'imageName', ?)`,
		repo, repo+":",
	).Scan(&refs).Error
	if err != nil {
		return nil, flerrors.ErrorFromGormError(err)
	}
	return refs, nil
}

func (s *DeviceStateStore) CountTargetsReferencingApp(ctx context.Context, appID int64) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Raw(
		`SELECT count(*) FROM device_target_states WHERE jsonb_exists(doc->'apps', ?)`,
		strconv.FormatInt(appID, 10),
	).Scan(&count).Error
	if err != nil {
		return 0, flerrors.ErrorFromGormError(err)
	}
	return count, nil
}

func (s *DeviceStateStore) DeleteForDevice(ctx context.Context, deviceID uuid.UUID) error {
	if err := s.db.WithContext(ctx).Delete(&model.DeviceTargetState{DeviceUUID: deviceID}).Error; err != nil {
		return flerrors.ErrorFromGormError(err)
	}
	if err := s.db.WithContext(ctx).Delete(&model.DeviceCurrentState{DeviceUUID: deviceID}).Error; err != nil {
		return flerrors.ErrorFromGormError(err)
	}
	return nil
}
