package store

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	api "github.com/flockctl/flockctl/api/v1"
	"github.com/flockctl/flockctl/internal/flerrors"
	"github.com/flockctl/flockctl/internal/store/model"
)

type Application interface {
	InitialMigration() error
	Create(ctx context.Context, app *api.Application) (*api.Application, error)
	Get(ctx context.Context, appID int64) (*api.Application, error)
	List(ctx context.Context) ([]api.Application, error)
	Update(ctx context.Context, app *api.Application) (*api.Application, error)
	Delete(ctx context.Context, appID int64) error
}

type ApplicationStore struct {
	db  *gorm.DB
	log logrus.FieldLogger
}

var _ Application = (*ApplicationStore)(nil)

func NewApplication(db *gorm.DB, log logrus.FieldLogger) *ApplicationStore {
	return &ApplicationStore{db: db, log: log}
}

func (s *ApplicationStore) InitialMigration() error {
	return s.db.AutoMigrate(&model.Application{})
}

func (s *ApplicationStore) Create(ctx context.Context, app *api.Application) (*api.Application, error) {
	row := model.NewApplicationFromApi(app)
	result := s.db.WithContext(ctx).Create(row)
	if result.Error != nil {
		return nil, flerrors.ErrorFromGormError(result.Error)
	}
	return row.ToApi(), nil
}

func (s *ApplicationStore) Get(ctx context.Context, appID int64) (*api.Application, error) {
	var row model.Application
	result := s.db.WithContext(ctx).Take(&row, "app_id = ?", appID)
	if result.Error != nil {
		return nil, flerrors.ErrorFromGormError(result.Error)
	}
	return row.ToApi(), nil
}

func (s *ApplicationStore) List(ctx context.Context) ([]api.Application, error) {
	var rows []model.Application
	result := s.db.WithContext(ctx).Order("app_id").Find(&rows)
	if result.Error != nil {
		return nil, flerrors.ErrorFromGormError(result.Error)
	}
	apps := make([]api.Application, 0, len(rows))
	for i := range rows {
		apps = append(apps, *rows[i].ToApi())
	}
	return apps, nil
}

func (s *ApplicationStore) Update(ctx context.Context, app *api.Application) (*api.Application, error) {
	row := model.NewApplicationFromApi(app)
	var rows []model.Application
	result := s.db.WithContext(ctx).Model(&rows).
		Clauses(clause.Returning{}).
		Where("app_id = ?", app.AppID).
		Updates(map[string]any{
			"app_name":       row.AppName,
			"slug":           row.Slug,
			"description":    row.Description,
			"default_config": row.DefaultConfig,
			"updated_at":     time.Now().UTC(),
		})
	if result.Error != nil {
		return nil, flerrors.ErrorFromGormError(result.Error)
	}
	if len(rows) == 0 {
		return nil, flerrors.ErrNotFound
	}
	return rows[0].ToApi(), nil
}

func (s *ApplicationStore) Delete(ctx context.Context, appID int64) error {
	result := s.db.WithContext(ctx).Delete(&model.Application{AppID: appID})
	if result.Error != nil {
		return flerrors.ErrorFromGormError(result.Error)
	}
	if result.RowsAffected == 0 {
		return flerrors.ErrNotFound
	}
	return nil
}
