package store

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	api "github.com/flockctl/flockctl/api/v1"
	"github.com/flockctl/flockctl/internal/flerrors"
	"github.com/flockctl/flockctl/internal/store/model"
)

// NotifyChannel is the Postgres channel event inserts are announced on.
const NotifyChannel = "flockctl_events"

const partitionDateLayout = "20060102"

var partitionNameRe = regexp.MustCompile(`^events_(\d{8})$`)

type Event interface {
	InitialMigration() error

	// Publish appends events and queues a pg_notify per event on the
	// caller's transaction, so notifications fire only at commit.
	Publish(ctx context.Context, events ...api.Event) error

	ListByAggregate(ctx context.Context, kind api.AggregateKind, id string, since *time.Time, limit int) ([]api.Event, error)
	ListRecent(ctx context.Context, types []api.EventType, since *time.Time, limit int) ([]api.Event, error)
	GetChain(ctx context.Context, correlationID uuid.UUID) ([]api.Event, error)
	Stats(ctx context.Context, days int) ([]api.EventStat, error)

	// EnsurePartitions creates day partitions from yesterday through
	// now+aheadDays so inserts never race partition creation.
	EnsurePartitions(ctx context.Context, now time.Time, aheadDays int) error

	// DropPartitionsBefore detaches and drops whole-day partitions
	// older than cutoff, returning the dropped partition names.
	DropPartitionsBefore(ctx context.Context, cutoff time.Time) ([]string, error)
}

type EventStore struct {
	db  *gorm.DB
	log logrus.FieldLogger
}

var _ Event = (*EventStore)(nil)

func NewEvent(db *gorm.DB, log logrus.FieldLogger) *EventStore {
	return &EventStore{db: db, log: log}
}

// The events table is range-partitioned by day, which AutoMigrate
// cannot express, so the schema is raw DDL.
func (s *EventStore) InitialMigration() error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS events (
			event_id uuid NOT NULL,
			occurred_at timestamptz NOT NULL,
			type varchar(64) NOT NULL,
			aggregate_kind varchar(32) NOT NULL,
			aggregate_id varchar(255) NOT NULL,
			payload jsonb,
			correlation_id uuid,
			causation_id uuid,
			source varchar(64),
			checksum varchar(64),
			PRIMARY KEY (event_id, occurred_at)
		) PARTITION BY RANGE (occurred_at)`,
		`CREATE INDEX IF NOT EXISTS idx_events_aggregate ON events (aggregate_kind, aggregate_id, occurred_at)`,
		`CREATE INDEX IF NOT EXISTS idx_events_type ON events (type, occurred_at)`,
		`CREATE INDEX IF NOT EXISTS idx_events_correlation ON events (correlation_id)`,
	}
	for _, stmt := range ddl {
		if err := s.db.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return s.EnsurePartitions(context.Background(), time.Now().UTC(), api.DefaultEventPartitionAheadDays)
}

func (s *EventStore) Publish(ctx context.Context, events ...api.Event) error {
	if len(events) == 0 {
		return nil
	}
	rows := make([]model.Event, 0, len(events))
	for i := range events {
		rows = append(rows, *model.NewEventFromApi(&events[i]))
	}
	if err := s.db.WithContext(ctx).CreateInBatches(rows, 500).Error; err != nil {
		return flerrors.ErrorFromGormError(err)
	}
	for i := range events {
		note, err := json.Marshal(map[string]string{
			"event_id":       events[i].EventID.String(),
			"type":           string(events[i].Type),
			"aggregate_kind": string(events[i].AggregateKind),
			"aggregate_id":   events[i].AggregateID,
		})
		if err != nil {
			return err
		}
		if err := s.db.WithContext(ctx).Exec(
			"SELECT pg_notify(?, ?)", NotifyChannel, string(note),
		).Error; err != nil {
			return flerrors.ErrorFromGormError(err)
		}
	}
	return nil
}

func (s *EventStore) ListByAggregate(ctx context.Context, kind api.AggregateKind, id string, since *time.Time, limit int) ([]api.Event, error) {
	query := s.db.WithContext(ctx).Model(&model.Event{}).
		Where("aggregate_kind = ? AND aggregate_id = ?", string(kind), id)
	if since != nil {
		query = query.Where("occurred_at >= ?", *since)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []model.Event
	result := query.Order("occurred_at DESC, event_id").Find(&rows)
	if result.Error != nil {
		return nil, flerrors.ErrorFromGormError(result.Error)
	}
	return eventsToApi(rows), nil
}

func (s *EventStore) ListRecent(ctx context.Context, types []api.EventType, since *time.Time, limit int) ([]api.Event, error) {
	query := s.db.WithContext(ctx).Model(&model.Event{})
	if len(types) > 0 {
		query = query.Where("type IN ?", types)
	}
	if since != nil {
		query = query.Where("occurred_at >= ?", *since)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []model.Event
	result := query.Order("occurred_at DESC, event_id").Find(&rows)
	if result.Error != nil {
		return nil, flerrors.ErrorFromGormError(result.Error)
	}
	return eventsToApi(rows), nil
}

func (s *EventStore) GetChain(ctx context.Context, correlationID uuid.UUID) ([]api.Event, error) {
	var rows []model.Event
	result := s.db.WithContext(ctx).
		Where("correlation_id = ?", correlationID).
		Order("occurred_at, event_id").
		Find(&rows)
	if result.Error != nil {
		return nil, flerrors.ErrorFromGormError(result.Error)
	}
	return eventsToApi(rows), nil
}

func (s *EventStore) Stats(ctx context.Context, days int) ([]api.EventStat, error) {
	since := time.Now().UTC().AddDate(0, 0, -days)
	var rows []struct {
		Day   time.Time
		Type  string
		Count int64
	}
	err := s.db.WithContext(ctx).Raw(`
		SELECT date_trunc('day', occurred_at) AS day, type, count(*) AS count
		FROM events
		WHERE occurred_at >= ?
		GROUP BY 1, 2
		ORDER BY 1 DESC, 2`,
		since,
	).Scan(&rows).Error
	if err != nil {
		return nil, flerrors.ErrorFromGormError(err)
	}
	stats := make([]api.EventStat, 0, len(rows))
	for _, row := range rows {
		stats = append(stats, api.EventStat{
			Day:   row.Day.UTC().Format(time.DateOnly),
			Type:  api.EventType(row.Type),
			Count: row.Count,
		})
	}
	return stats, nil
}

func (s *EventStore) EnsurePartitions(ctx context.Context, now time.Time, aheadDays int) error {
	day := now.UTC().Truncate(24 * time.Hour)
	for i := -1; i <= aheadDays; i++ {
		from := day.AddDate(0, 0, i)
		to := from.AddDate(0, 0, 1)
		stmt := fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS events_%s PARTITION OF events FOR VALUES FROM ('%s') TO ('%s')`,
			from.Format(partitionDateLayout),
			from.Format(time.DateOnly),
			to.Format(time.DateOnly),
		)
		if err := s.db.WithContext(ctx).Exec(stmt).Error; err != nil {
			return flerrors.ErrorFromGormError(err)
		}
	}
	return nil
}

func (s *EventStore) DropPartitionsBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	var names []string
	err := s.db.WithContext(ctx).Raw(`
		SELECT c.relname FROM pg_inherits i
		JOIN pg_class c ON c.oid = i.inhrelid
		JOIN pg_class p ON p.oid = i.inhparent
		WHERE p.relname = 'events'`,
	).Scan(&names).Error
	if err != nil {
		return nil, flerrors.ErrorFromGormError(err)
	}

	cutoffDay := cutoff.UTC().Truncate(24 * time.Hour)
	var dropped []string
	for _, name := range names {
		m := partitionNameRe.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		day, err := time.Parse(partitionDateLayout, m[1])
		if err != nil {
			continue
		}
		// A partition holds a whole day, so it may only go once the day
		// after it ends is already past the cutoff.
		if !day.AddDate(0, 0, 1).After(cutoffDay) {
			if err := s.db.WithContext(ctx).Exec(fmt.Sprintf(`DROP TABLE IF EXISTS %s`, name)).Error; err != nil {
				return dropped, flerrors.ErrorFromGormError(err)
			}
			dropped = append(dropped, name)
		}
	}
	return dropped, nil
}

func eventsToApi(rows []model.Event) []api.Event {
	events := make([]api.Event, 0, len(rows))
	for i := range rows {
		events = append(events, *rows[i].ToApi())
	}
	return events
}
