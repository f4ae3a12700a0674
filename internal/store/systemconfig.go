package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/flockctl/flockctl/internal/flerrors"
	"github.com/flockctl/flockctl/internal/store/model"
)

type SystemConfig interface {
	InitialMigration() error
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	GetTime(ctx context.Context, key string) (*time.Time, error)
	SetTime(ctx context.Context, key string, value time.Time) error
}

type SystemConfigStore struct {
	db  *gorm.DB
	log logrus.FieldLogger
}

var _ SystemConfig = (*SystemConfigStore)(nil)

func NewSystemConfig(db *gorm.DB, log logrus.FieldLogger) *SystemConfigStore {
	return &SystemConfigStore{db: db, log: log}
}

func (s *SystemConfigStore) InitialMigration() error {
	return s.db.AutoMigrate(&model.SystemConfig{})
}

func (s *SystemConfigStore) Get(ctx context.Context, key string) ([]byte, error) {
	var row model.SystemConfig
	result := s.db.WithContext(ctx).Take(&row, "key = ?", key)
	if result.Error != nil {
		return nil, flerrors.ErrorFromGormError(result.Error)
	}
	return row.Value, nil
}

func (s *SystemConfigStore) Set(ctx context.Context, key string, value []byte) error {
	row := model.SystemConfig{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(&row)
	return flerrors.ErrorFromGormError(result.Error)
}

func (s *SystemConfigStore) GetTime(ctx context.Context, key string) (*time.Time, error) {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var t time.Time
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *SystemConfigStore) SetTime(ctx context.Context, key string, value time.Time) error {
	raw, err := json.Marshal(value.UTC())
	if err != nil {
		return err
	}
	return s.Set(ctx, key, raw)
}
