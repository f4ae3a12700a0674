package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	api "github.com/flockctl/flockctl/api/v1"
	"github.com/flockctl/flockctl/internal/flerrors"
	"github.com/flockctl/flockctl/internal/store/model"
)

type RolloutPolicy interface {
	InitialMigration() error
	Create(ctx context.Context, policy *api.RolloutPolicy) (*api.RolloutPolicy, error)
	Get(ctx context.Context, id uuid.UUID) (*api.RolloutPolicy, error)
	List(ctx context.Context, enabledOnly bool) ([]api.RolloutPolicy, error)
	Update(ctx context.Context, policy *api.RolloutPolicy) (*api.RolloutPolicy, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

type RolloutPolicyStore struct {
	db  *gorm.DB
	log logrus.FieldLogger
}

var _ RolloutPolicy = (*RolloutPolicyStore)(nil)

func NewRolloutPolicy(db *gorm.DB, log logrus.FieldLogger) *RolloutPolicyStore {
	return &RolloutPolicyStore{db: db, log: log}
}

func (s *RolloutPolicyStore) InitialMigration() error {
	return s.db.AutoMigrate(&model.RolloutPolicy{})
}

func (s *RolloutPolicyStore) Create(ctx context.Context, policy *api.RolloutPolicy) (*api.RolloutPolicy, error) {
	row := model.NewRolloutPolicyFromApi(policy)
	result := s.db.WithContext(ctx).Create(row)
	if result.Error != nil {
		return nil, flerrors.ErrorFromGormError(result.Error)
	}
	return row.ToApi(), nil
}

func (s *RolloutPolicyStore) Get(ctx context.Context, id uuid.UUID) (*api.RolloutPolicy, error) {
	var row model.RolloutPolicy
	result := s.db.WithContext(ctx).Take(&row, "id = ?", id)
	if result.Error != nil {
		return nil, flerrors.ErrorFromGormError(result.Error)
	}
	return row.ToApi(), nil
}

func (s *RolloutPolicyStore) List(ctx context.Context, enabledOnly bool) ([]api.RolloutPolicy, error) {
	query := s.db.WithContext(ctx).Model(&model.RolloutPolicy{})
	if enabledOnly {
		query = query.Where("enabled = TRUE")
	}
	var rows []model.RolloutPolicy
	result := query.Order("created_at, id").Find(&rows)
	if result.Error != nil {
		return nil, flerrors.ErrorFromGormError(result.Error)
	}
	policies := make([]api.RolloutPolicy, 0, len(rows))
	for i := range rows {
		policies = append(policies, *rows[i].ToApi())
	}
	return policies, nil
}

func (s *RolloutPolicyStore) Update(ctx context.Context, policy *api.RolloutPolicy) (*api.RolloutPolicy, error) {
	row := model.NewRolloutPolicyFromApi(policy)
	var rows []model.RolloutPolicy
	result := s.db.WithContext(ctx).Model(&rows).
		Clauses(clause.Returning{}).
		Where("id = ?", policy.ID).
		Updates(map[string]any{
			"image_pattern":       row.ImagePattern,
			"strategy":            row.Strategy,
			"staged_fractions":    row.StagedFractions,
			"batch_delay_minutes": row.BatchDelayMinutes,
			"health_check":        row.HealthCheck,
			"auto_rollback":       row.AutoRollback,
			"max_failure_rate":    row.MaxFailureRate,
			"maintenance_window":  row.MaintenanceWindow,
			"device_filter":       row.DeviceFilter,
			"enabled":             row.Enabled,
		})
	if result.Error != nil {
		return nil, flerrors.ErrorFromGormError(result.Error)
	}
	if len(rows) == 0 {
		return nil, flerrors.ErrNotFound
	}
	return rows[0].ToApi(), nil
}

func (s *RolloutPolicyStore) Delete(ctx context.Context, id uuid.UUID) error {
	result := s.db.WithContext(ctx).Delete(&model.RolloutPolicy{ID: id})
	if result.Error != nil {
		return flerrors.ErrorFromGormError(result.Error)
	}
	if result.RowsAffected == 0 {
		return flerrors.ErrNotFound
	}
	return nil
}
