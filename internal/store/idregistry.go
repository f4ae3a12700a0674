package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	api "github.com/flockctl/flockctl/api/v1"
	"github.com/flockctl/flockctl/internal/flerrors"
	"github.com/flockctl/flockctl/internal/store/model"
)

const (
	appIDSequence     = "app_id_seq"
	serviceIDSequence = "service_id_seq"
)

type IDRegistry interface {
	InitialMigration() error

	// NextID draws the next value from the sequence for the given kind
	// and records it in the registry, unique on (kind, id). A registry
	// insert conflict leaves the drawn value consumed; sequences are
	// never rewound.
	NextID(ctx context.Context, kind api.IDKind, name string, appID *int64, metadata json.RawMessage) (int64, error)

	List(ctx context.Context, kind *api.IDKind) ([]api.IDRegistryEntry, error)
}

type IDRegistryStore struct {
	db  *gorm.DB
	log logrus.FieldLogger
}

var _ IDRegistry = (*IDRegistryStore)(nil)

func NewIDRegistry(db *gorm.DB, log logrus.FieldLogger) *IDRegistryStore {
	return &IDRegistryStore{db: db, log: log}
}

func (s *IDRegistryStore) InitialMigration() error {
	if err := s.db.AutoMigrate(&model.IDRegistryEntry{}); err != nil {
		return err
	}
	// App ids start at 1000; 1-999 are reserved for system use.
	if err := s.db.Exec(fmt.Sprintf(
		"CREATE SEQUENCE IF NOT EXISTS %s START WITH %d MINVALUE %d", appIDSequence, api.AppIDSequenceStart, api.AppIDSequenceStart,
	)).Error; err != nil {
		return err
	}
	return s.db.Exec(fmt.Sprintf(
		"CREATE SEQUENCE IF NOT EXISTS %s START WITH %d MINVALUE %d", serviceIDSequence, api.ServiceIDSequenceStart, api.ServiceIDSequenceStart,
	)).Error
}

func sequenceForKind(kind api.IDKind) (string, error) {
	switch kind {
	case api.IDKindApp:
		return appIDSequence, nil
	case api.IDKindService:
		return serviceIDSequence, nil
	default:
		return "", fmt.Errorf("%w: unknown id kind %q", flerrors.ErrInvalidInput, kind)
	}
}

func (s *IDRegistryStore) NextID(ctx context.Context, kind api.IDKind, name string, appID *int64, metadata json.RawMessage) (int64, error) {
	seq, err := sequenceForKind(kind)
	if err != nil {
		return 0, err
	}

	// nextval is non-transactional, so an aborted registry insert burns
	// the drawn value instead of handing it to the next caller.
	var id int64
	if err := s.db.WithContext(ctx).Raw("SELECT nextval(?)", seq).Scan(&id).Error; err != nil {
		return 0, flerrors.ErrorFromGormError(err)
	}

	entry := model.IDRegistryEntry{
		Kind:     string(kind),
		ID:       id,
		Name:     name,
		AppID:    appID,
		Metadata: metadata,
	}
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return 0, flerrors.ErrorFromGormError(err)
	}
	return id, nil
}

func (s *IDRegistryStore) List(ctx context.Context, kind *api.IDKind) ([]api.IDRegistryEntry, error) {
	query := s.db.WithContext(ctx).Model(&model.IDRegistryEntry{})
	if kind != nil {
		query = query.Where("kind = ?", string(*kind))
	}
	var rows []model.IDRegistryEntry
	result := query.Order("kind, id").Find(&rows)
	if result.Error != nil {
		return nil, flerrors.ErrorFromGormError(result.Error)
	}
	entries := make([]api.IDRegistryEntry, 0, len(rows))
	for i := range rows {
		entries = append(entries, *rows[i].ToApi())
	}
	return entries, nil
}
