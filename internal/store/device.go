package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	api "github.com/flockctl/flockctl/api/v1"
	"github.com/flockctl/flockctl/internal/flerrors"
	"github.com/flockctl/flockctl/internal/store/model"
)

type Device interface {
	InitialMigration() error
	Create(ctx context.Context, device *api.Device) (*api.Device, error)
	Get(ctx context.Context, id uuid.UUID) (*api.Device, error)
	List(ctx context.Context) ([]api.Device, error)
	SetActive(ctx context.Context, id uuid.UUID, active bool) (*api.Device, error)
	UpdateReportedInfo(ctx context.Context, id uuid.UUID, info *api.DeviceInfo) error
	Delete(ctx context.Context, id uuid.UUID) error

	// TouchLastContact stamps last_contact_at for the given devices and
	// flips them online, returning the ids that were offline before the
	// call so the caller can emit device.online events.
	TouchLastContact(ctx context.Context, ids []uuid.UUID, at time.Time) ([]uuid.UUID, error)

	// MarkOfflineBefore flips devices offline whose last contact is
	// older than cutoff and returns the affected rows.
	MarkOfflineBefore(ctx context.Context, cutoff time.Time) ([]api.Device, error)

	Counts(ctx context.Context) (online int64, offline int64, err error)
	ExistsActive(ctx context.Context, id uuid.UUID) (bool, error)

	// FilterForRollout narrows candidate ids to devices that are active
	// and match the policy's device filter.
	FilterForRollout(ctx context.Context, ids []uuid.UUID, filter *api.DeviceFilter) ([]api.Device, error)
}

type DeviceStore struct {
	db  *gorm.DB
	log logrus.FieldLogger
}

var _ Device = (*DeviceStore)(nil)

func NewDevice(db *gorm.DB, log logrus.FieldLogger) *DeviceStore {
	return &DeviceStore{db: db, log: log}
}

func (s *DeviceStore) InitialMigration() error {
	return s.db.AutoMigrate(&model.Device{})
}

func (s *DeviceStore) Create(ctx context.Context, device *api.Device) (*api.Device, error) {
	row := model.NewDeviceFromApi(device)
	result := s.db.WithContext(ctx).Create(row)
	if result.Error != nil {
		return nil, flerrors.ErrorFromGormError(result.Error)
	}
	return row.ToApi(), nil
}

func (s *DeviceStore) Get(ctx context.Context, id uuid.UUID) (*api.Device, error) {
	var row model.Device
	result := s.db.WithContext(ctx).Take(&row, "uuid = ?", id)
	if result.Error != nil {
		return nil, flerrors.ErrorFromGormError(result.Error)
	}
	return row.ToApi(), nil
}

func (s *DeviceStore) List(ctx context.Context) ([]api.Device, error) {
	var rows []model.Device
	result := s.db.WithContext(ctx).Order("name, uuid").Find(&rows)
	if result.Error != nil {
		return nil, flerrors.ErrorFromGormError(result.Error)
	}
	devices := make([]api.Device, 0, len(rows))
	for i := range rows {
		devices = append(devices, *rows[i].ToApi())
	}
	return devices, nil
}

func (s *DeviceStore) SetActive(ctx context.Context, id uuid.UUID, active bool) (*api.Device, error) {
	var rows []model.Device
	result := s.db.WithContext(ctx).Model(&rows).
		Clauses(clause.Returning{}).
		Where("uuid = ?", id).
		Updates(map[string]any{"active": active, "updated_at": time.Now().UTC()})
	if result.Error != nil {
		return nil, flerrors.ErrorFromGormError(result.Error)
	}
	if len(rows) == 0 {
		return nil, flerrors.ErrNotFound
	}
	return rows[0].ToApi(), nil
}

func (s *DeviceStore) UpdateReportedInfo(ctx context.Context, id uuid.UUID, info *api.DeviceInfo) error {
	if info == nil {
		return nil
	}
	updates := map[string]any{}
	if info.IPAddress != "" {
		updates["ip_address"] = info.IPAddress
	}
	if info.OSVersion != "" {
		updates["os_version"] = info.OSVersion
	}
	if info.AgentVersion != "" {
		updates["agent_version"] = info.AgentVersion
	}
	if len(updates) == 0 {
		return nil
	}
	result := s.db.WithContext(ctx).Model(&model.Device{}).Where("uuid = ?", id).Updates(updates)
	return flerrors.ErrorFromGormError(result.Error)
}

func (s *DeviceStore) Delete(ctx context.Context, id uuid.UUID) error {
	result := s.db.WithContext(ctx).Delete(&model.Device{UUID: id})
	if result.Error != nil {
		return flerrors.ErrorFromGormError(result.Error)
	}
	if result.RowsAffected == 0 {
		return flerrors.ErrNotFound
	}
	return nil
}

func (s *DeviceStore) TouchLastContact(ctx context.Context, ids []uuid.UUID, at time.Time) ([]uuid.UUID, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	// prev captures the pre-update online flag so callers can tell
	// which devices just came back.
	var flipped []struct {
		UUID      uuid.UUID
		WasOnline bool
	}
	err := s.db.WithContext(ctx).Raw(`
		WITH prev AS (
			SELECT uuid, online FROM devices WHERE uuid IN ? FOR UPDATE
		)
		UPDATE devices d
		SET last_contact_at = ?, online = TRUE, updated_at = ?
		FROM prev
		WHERE d.uuid = prev.uuid
		RETURNING d.uuid, prev.online AS was_online`,
		ids, at, at,
	).Scan(&flipped).Error
	if err != nil {
		return nil, flerrors.ErrorFromGormError(err)
	}
	var cameOnline []uuid.UUID
	for _, row := range flipped {
		if !row.WasOnline {
			cameOnline = append(cameOnline, row.UUID)
		}
	}
	return cameOnline, nil
}

func (s *DeviceStore) MarkOfflineBefore(ctx context.Context, cutoff time.Time) ([]api.Device, error) {
	var rows []model.Device
	result := s.db.WithContext(ctx).Model(&rows).
		Clauses(clause.Returning{}).
		Where("online = TRUE AND last_contact_at < ?", cutoff).
		Updates(map[string]any{"online": false, "updated_at": time.Now().UTC()})
	if result.Error != nil {
		return nil, flerrors.ErrorFromGormError(result.Error)
	}
	devices := make([]api.Device, 0, len(rows))
	for i := range rows {
		devices = append(devices, *rows[i].ToApi())
	}
	return devices, nil
}

func (s *DeviceStore) Counts(ctx context.Context) (int64, int64, error) {
	var online, offline int64
	db := s.db.WithContext(ctx).Model(&model.Device{}).Where("active = TRUE")
	if err := db.Session(&gorm.Session{}).Where("online = TRUE").Count(&online).Error; err != nil {
		return 0, 0, flerrors.ErrorFromGormError(err)
	}
	if err := db.Session(&gorm.Session{}).Where("online = FALSE").Count(&offline).Error; err != nil {
		return 0, 0, flerrors.ErrorFromGormError(err)
	}
	return online, offline, nil
}

func (s *DeviceStore) ExistsActive(ctx context.Context, id uuid.UUID) (bool, error) {
	var count int64
	result := s.db.WithContext(ctx).Model(&model.Device{}).
		Where("uuid = ? AND active = TRUE", id).Count(&count)
	if result.Error != nil {
		return false, flerrors.ErrorFromGormError(result.Error)
	}
	return count > 0, nil
}

func (s *DeviceStore) FilterForRollout(ctx context.Context, ids []uuid.UUID, filter *api.DeviceFilter) ([]api.Device, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Where("uuid IN ? AND active = TRUE", ids)
	if filter != nil {
		if filter.FleetID != "" {
			query = query.Where("fleet_id = ?", filter.FleetID)
		}
		if len(filter.UUIDs) > 0 {
			query = query.Where("uuid::text IN ?", filter.UUIDs)
		}
		for _, tag := range filter.Tags {
			b, _ := json.Marshal([]string{tag})
			query = query.Where("tags @> ?", string(b))
		}
	}
	var rows []model.Device
	result := query.Order("uuid").Find(&rows)
	if result.Error != nil {
		return nil, flerrors.ErrorFromGormError(result.Error)
	}
	devices := make([]api.Device, 0, len(rows))
	for i := range rows {
		devices = append(devices, *rows[i].ToApi())
	}
	return devices, nil
}
