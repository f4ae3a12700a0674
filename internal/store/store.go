package store

import (
	"context"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type Store interface {
	Device() Device
	DeviceState() DeviceState
	Application() Application
	IDRegistry() IDRegistry
	RolloutPolicy() RolloutPolicy
	Rollout() Rollout
	Job() Job
	Event() Event
	SystemConfig() SystemConfig

	// Transaction runs fn with a Store whose substores share one
	// database transaction. Returning an error rolls everything back,
	// including any pg_notify queued inside the transaction.
	Transaction(ctx context.Context, fn func(tx Store) error) error

	CheckHealth(ctx context.Context) error
	InitialMigration() error
	Close() error
}

type DataStore struct {
	device        Device
	deviceState   DeviceState
	application   Application
	idRegistry    IDRegistry
	rolloutPolicy RolloutPolicy
	rollout       Rollout
	job           Job
	event         Event
	systemConfig  SystemConfig

	db  *gorm.DB
	log logrus.FieldLogger
}

func NewStore(db *gorm.DB, log logrus.FieldLogger) Store {
	return &DataStore{
		device:        NewDevice(db, log),
		deviceState:   NewDeviceState(db, log),
		application:   NewApplication(db, log),
		idRegistry:    NewIDRegistry(db, log),
		rolloutPolicy: NewRolloutPolicy(db, log),
		rollout:       NewRollout(db, log),
		job:           NewJob(db, log),
		event:         NewEvent(db, log),
		systemConfig:  NewSystemConfig(db, log),
		db:            db,
		log:           log,
	}
}

func (s *DataStore) Device() Device               { return s.device }
func (s *DataStore) DeviceState() DeviceState     { return s.deviceState }
func (s *DataStore) Application() Application     { return s.application }
func (s *DataStore) IDRegistry() IDRegistry       { return s.idRegistry }
func (s *DataStore) RolloutPolicy() RolloutPolicy { return s.rolloutPolicy }
func (s *DataStore) Rollout() Rollout             { return s.rollout }
func (s *DataStore) Job() Job                     { return s.job }
func (s *DataStore) Event() Event                 { return s.event }
func (s *DataStore) SystemConfig() SystemConfig   { return s.systemConfig }

func (s *DataStore) Transaction(ctx context.Context, fn func(tx Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(txDB *gorm.DB) error {
		return fn(NewStore(txDB, s.log))
	})
}

// CheckHealth pings the database, backing the readiness probe.
func (s *DataStore) CheckHealth(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *DataStore) InitialMigration() error {
	if err := s.Device().InitialMigration(); err != nil {
		return err
	}
	if err := s.DeviceState().InitialMigration(); err != nil {
		return err
	}
	if err := s.Application().InitialMigration(); err != nil {
		return err
	}
	if err := s.IDRegistry().InitialMigration(); err != nil {
		return err
	}
	if err := s.RolloutPolicy().InitialMigration(); err != nil {
		return err
	}
	if err := s.Rollout().InitialMigration(); err != nil {
		return err
	}
	if err := s.Job().InitialMigration(); err != nil {
		return err
	}
	if err := s.Event().InitialMigration(); err != nil {
		return err
	}
	return s.SystemConfig().InitialMigration()
}

func (s *DataStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
