package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	api "github.com/flockctl/flockctl/api/v1"
	"github.com/flockctl/flockctl/internal/flerrors"
	"github.com/flockctl/flockctl/internal/store/model"
)

type Rollout interface {
	InitialMigration() error
	Create(ctx context.Context, rollout *api.Rollout) (*api.Rollout, error)
	Get(ctx context.Context, id uuid.UUID) (*api.Rollout, error)

	// GetForUpdate locks the rollout row for the duration of the
	// surrounding Transaction. All status transitions go through it.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*api.Rollout, error)

	List(ctx context.Context, statuses []api.RolloutStatus, limit int) ([]api.Rollout, error)

	// ListUnfinished returns rollouts the orchestrator still owes work:
	// pending, running, and cancelled ones whose in-flight devices have
	// not settled yet.
	ListUnfinished(ctx context.Context) ([]api.Rollout, error)

	// FindActiveByImageTag returns a non-terminal rollout for the exact
	// (image, tag) pair, or ErrNotFound.
	FindActiveByImageTag(ctx context.Context, image, tag string) (*api.Rollout, error)

	Update(ctx context.Context, rollout *api.Rollout) error

	InsertDeviceStatuses(ctx context.Context, statuses []api.DeviceRolloutStatus) error
	GetDeviceStatus(ctx context.Context, rolloutID, deviceID uuid.UUID) (*api.DeviceRolloutStatus, error)
	ListDeviceStatuses(ctx context.Context, rolloutID uuid.UUID, batch *int, statuses []api.DeviceUpdateStatus) ([]api.DeviceRolloutStatus, error)
	UpdateDeviceStatus(ctx context.Context, status *api.DeviceRolloutStatus) error
	CountDeviceStatuses(ctx context.Context, rolloutID uuid.UUID) (map[api.DeviceUpdateStatus]int, error)

	DeleteDeviceStatusesForDevice(ctx context.Context, deviceID uuid.UUID) error
}

type RolloutStore struct {
	db  *gorm.DB
	log logrus.FieldLogger
}

var _ Rollout = (*RolloutStore)(nil)

func NewRollout(db *gorm.DB, log logrus.FieldLogger) *RolloutStore {
	return &RolloutStore{db: db, log: log}
}

func (s *RolloutStore) InitialMigration() error {
	if err := s.db.AutoMigrate(&model.Rollout{}); err != nil {
		return err
	}
	return s.db.AutoMigrate(&model.DeviceRolloutStatus{})
}

func (s *RolloutStore) Create(ctx context.Context, rollout *api.Rollout) (*api.Rollout, error) {
	row := model.NewRolloutFromApi(rollout)
	result := s.db.WithContext(ctx).Create(row)
	if result.Error != nil {
		return nil, flerrors.ErrorFromGormError(result.Error)
	}
	return row.ToApi(), nil
}

func (s *RolloutStore) get(ctx context.Context, id uuid.UUID, lock bool) (*api.Rollout, error) {
	var row model.Rollout
	query := s.db.WithContext(ctx)
	if lock {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	result := query.Take(&row, "rollout_id = ?", id)
	if result.Error != nil {
		return nil, flerrors.ErrorFromGormError(result.Error)
	}
	return row.ToApi(), nil
}

func (s *RolloutStore) Get(ctx context.Context, id uuid.UUID) (*api.Rollout, error) {
	return s.get(ctx, id, false)
}

func (s *RolloutStore) GetForUpdate(ctx context.Context, id uuid.UUID) (*api.Rollout, error) {
	return s.get(ctx, id, true)
}

func (s *RolloutStore) List(ctx context.Context, statuses []api.RolloutStatus, limit int) ([]api.Rollout, error) {
	query := s.db.WithContext(ctx).Model(&model.Rollout{})
	if len(statuses) > 0 {
		query = query.Where("status IN ?", statuses)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []model.Rollout
	result := query.Order("created_at DESC, rollout_id").Find(&rows)
	if result.Error != nil {
		return nil, flerrors.ErrorFromGormError(result.Error)
	}
	rollouts := make([]api.Rollout, 0, len(rows))
	for i := range rows {
		rollouts = append(rollouts, *rows[i].ToApi())
	}
	return rollouts, nil
}

func (s *RolloutStore) ListUnfinished(ctx context.Context) ([]api.Rollout, error) {
	var rows []model.Rollout
	result := s.db.WithContext(ctx).
		Where("status IN ? OR (status = ? AND finished_at IS NULL)",
			[]string{string(api.RolloutStatusPending), string(api.RolloutStatusRunning)},
			string(api.RolloutStatusCancelled)).
		Order("created_at, rollout_id").
		Find(&rows)
	if result.Error != nil {
		return nil, flerrors.ErrorFromGormError(result.Error)
	}
	rollouts := make([]api.Rollout, 0, len(rows))
	for i := range rows {
		rollouts = append(rollouts, *rows[i].ToApi())
	}
	return rollouts, nil
}

func (s *RolloutStore) FindActiveByImageTag(ctx context.Context, image, tag string) (*api.Rollout, error) {
	var row model.Rollout
	result := s.db.WithContext(ctx).
		Where("image_name = ? AND new_tag = ? AND status IN ?", image, tag, activeRolloutStatuses()).
		Order("created_at DESC").
		Take(&row)
	if result.Error != nil {
		return nil, flerrors.ErrorFromGormError(result.Error)
	}
	return row.ToApi(), nil
}

func activeRolloutStatuses() []string {
	return []string{
		string(api.RolloutStatusPending),
		string(api.RolloutStatusRunning),
		string(api.RolloutStatusPaused),
	}
}

func (s *RolloutStore) Update(ctx context.Context, rollout *api.Rollout) error {
	row := model.NewRolloutFromApi(rollout)
	result := s.db.WithContext(ctx).Model(&model.Rollout{}).
		Where("rollout_id = ?", rollout.RolloutID).
		Updates(map[string]any{
			"status":                 row.Status,
			"status_reason":          row.StatusReason,
			"total_devices":          row.TotalDevices,
			"current_batch":          row.CurrentBatch,
			"next_batch_eligible_at": row.NextBatchEligibleAt,
			"updated":                row.Updated,
			"succeeded":              row.Succeeded,
			"failed":                 row.Failed,
			"rolled_back":            row.RolledBack,
			"healthy":                row.Healthy,
			"started_at":             row.StartedAt,
			"finished_at":            row.FinishedAt,
			"updated_at":             time.Now().UTC(),
		})
	if result.Error != nil {
		return flerrors.ErrorFromGormError(result.Error)
	}
	if result.RowsAffected == 0 {
		return flerrors.ErrNotFound
	}
	return nil
}

func (s *RolloutStore) InsertDeviceStatuses(ctx context.Context, statuses []api.DeviceRolloutStatus) error {
	if len(statuses) == 0 {
		return nil
	}
	rows := make([]model.DeviceRolloutStatus, 0, len(statuses))
	for i := range statuses {
		rows = append(rows, *newDeviceRolloutStatusRow(&statuses[i]))
	}
	result := s.db.WithContext(ctx).CreateInBatches(rows, 500)
	return flerrors.ErrorFromGormError(result.Error)
}

func newDeviceRolloutStatusRow(s *api.DeviceRolloutStatus) *model.DeviceRolloutStatus {
	return &model.DeviceRolloutStatus{
		RolloutID:         s.RolloutID,
		DeviceUUID:        s.DeviceUUID,
		BatchNumber:       s.BatchNumber,
		Status:            string(s.Status),
		OldImageTag:       s.OldImageTag,
		NewImageTag:       s.NewImageTag,
		ScheduledAt:       s.ScheduledAt,
		UpdateStartedAt:   s.UpdateStartedAt,
		UpdateCompletedAt: s.UpdateCompletedAt,
		HealthCheckedAt:   s.HealthCheckedAt,
		HealthCheckPassed: s.HealthCheckPassed,
		RetryCount:        s.RetryCount,
		ErrorMessage:      s.ErrorMessage,
	}
}

func (s *RolloutStore) GetDeviceStatus(ctx context.Context, rolloutID, deviceID uuid.UUID) (*api.DeviceRolloutStatus, error) {
	var row model.DeviceRolloutStatus
	result := s.db.WithContext(ctx).Take(&row, "rollout_id = ? AND device_uuid = ?", rolloutID, deviceID)
	if result.Error != nil {
		return nil, flerrors.ErrorFromGormError(result.Error)
	}
	return row.ToApi(), nil
}

func (s *RolloutStore) ListDeviceStatuses(ctx context.Context, rolloutID uuid.UUID, batch *int, statuses []api.DeviceUpdateStatus) ([]api.DeviceRolloutStatus, error) {
	query := s.db.WithContext(ctx).Where("rollout_id = ?", rolloutID)
	if batch != nil {
		query = query.Where("batch_number = ?", *batch)
	}
	if len(statuses) > 0 {
		query = query.Where("status IN ?", statuses)
	}
	var rows []model.DeviceRolloutStatus
	result := query.Order("device_uuid").Find(&rows)
	if result.Error != nil {
		return nil, flerrors.ErrorFromGormError(result.Error)
	}
	out := make([]api.DeviceRolloutStatus, 0, len(rows))
	for i := range rows {
		out = append(out, *rows[i].ToApi())
	}
	return out, nil
}

func (s *RolloutStore) UpdateDeviceStatus(ctx context.Context, status *api.DeviceRolloutStatus) error {
	row := newDeviceRolloutStatusRow(status)
	result := s.db.WithContext(ctx).Model(&model.DeviceRolloutStatus{}).
		Where("rollout_id = ? AND device_uuid = ?", status.RolloutID, status.DeviceUUID).
		Updates(map[string]any{
			"status":              row.Status,
			"update_started_at":   row.UpdateStartedAt,
			"update_completed_at": row.UpdateCompletedAt,
			"health_checked_at":   row.HealthCheckedAt,
			"health_check_passed": row.HealthCheckPassed,
			"retry_count":         row.RetryCount,
			"error_message":       row.ErrorMessage,
			"updated_at":          time.Now().UTC(),
		})
	if result.Error != nil {
		return flerrors.ErrorFromGormError(result.Error)
	}
	if result.RowsAffected == 0 {
		return flerrors.ErrNotFound
	}
	return nil
}

func (s *RolloutStore) CountDeviceStatuses(ctx context.Context, rolloutID uuid.UUID) (map[api.DeviceUpdateStatus]int, error) {
	var rows []struct {
		Status string
		Count  int
	}
	err := s.db.WithContext(ctx).Model(&model.DeviceRolloutStatus{}).
		Select("status, count(*) AS count").
		Where("rollout_id = ?", rolloutID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, flerrors.ErrorFromGormError(err)
	}
	counts := make(map[api.DeviceUpdateStatus]int, len(rows))
	for _, row := range rows {
		counts[api.DeviceUpdateStatus(row.Status)] = row.Count
	}
	return counts, nil
}

func (s *RolloutStore) DeleteDeviceStatusesForDevice(ctx context.Context, deviceID uuid.UUID) error {
	result := s.db.WithContext(ctx).
		Where("device_uuid = ?", deviceID).
		Delete(&model.DeviceRolloutStatus{})
	return flerrors.ErrorFromGormError(result.Error)
}
