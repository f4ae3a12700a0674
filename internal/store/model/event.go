package model

import (
	"time"

	"github.com/google/uuid"

	api "github.com/flockctl/flockctl/api/v1"
)

// Event rows live in a table partitioned by day on OccurredAt, so the
// partition key is part of the primary key. The table is created by
// raw DDL in the migration step, never by AutoMigrate.
type Event struct {
	EventID       uuid.UUID  `gorm:"type:uuid;primaryKey"`
	OccurredAt    time.Time  `gorm:"primaryKey"`
	Type          string     `gorm:"size:64;index"`
	AggregateKind string     `gorm:"size:32;index:idx_events_aggregate"`
	AggregateID   string     `gorm:"size:255;index:idx_events_aggregate"`
	Payload       []byte     `gorm:"type:jsonb"`
	CorrelationID *uuid.UUID `gorm:"type:uuid;index"`
	CausationID   *uuid.UUID `gorm:"type:uuid"`
	Source        string     `gorm:"size:64"`
	Checksum      string     `gorm:"size:64"`
}

func (Event) TableName() string { return "events" }

func NewEventFromApi(e *api.Event) *Event {
	return &Event{
		EventID:       e.EventID,
		OccurredAt:    e.Timestamp,
		Type:          string(e.Type),
		AggregateKind: string(e.AggregateKind),
		AggregateID:   e.AggregateID,
		Payload:       e.Payload,
		CorrelationID: e.CorrelationID,
		CausationID:   e.CausationID,
		Source:        e.Source,
		Checksum:      e.Checksum,
	}
}

func (e *Event) ToApi() *api.Event {
	return &api.Event{
		EventID:       e.EventID,
		Type:          api.EventType(e.Type),
		AggregateKind: api.AggregateKind(e.AggregateKind),
		AggregateID:   e.AggregateID,
		Payload:       e.Payload,
		CorrelationID: e.CorrelationID,
		CausationID:   e.CausationID,
		Source:        e.Source,
		Timestamp:     e.OccurredAt,
		Checksum:      e.Checksum,
	}
}
