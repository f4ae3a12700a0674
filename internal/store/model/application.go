package model

import (
	"time"

	api "github.com/flockctl/flockctl/api/v1"
)

// Application is the catalog entry for a deployable app. AppID comes
// from the app sequence and is never reused, even after deletion.
type Application struct {
	AppID         int64  `gorm:"primaryKey;autoIncrement:false"`
	AppName       string `gorm:"size:255;index"`
	Slug          string `gorm:"size:255;uniqueIndex"`
	Description   string
	DefaultConfig *JSONField[*api.AppState] `gorm:"type:jsonb"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (Application) TableName() string { return "applications" }

func NewApplicationFromApi(a *api.Application) *Application {
	app := &Application{
		AppID:       a.AppID,
		AppName:     a.AppName,
		Slug:        a.Slug,
		Description: a.Description,
	}
	if a.DefaultConfig != nil {
		app.DefaultConfig = MakeJSONField(a.DefaultConfig)
	}
	return app
}

func (a *Application) ToApi() *api.Application {
	app := &api.Application{
		AppID:       a.AppID,
		AppName:     a.AppName,
		Slug:        a.Slug,
		Description: a.Description,
		CreatedAt:   a.CreatedAt,
		UpdatedAt:   a.UpdatedAt,
	}
	if a.DefaultConfig != nil {
		app.DefaultConfig = a.DefaultConfig.Data
	}
	return app
}

// IDRegistryEntry records every identifier ever handed out by the
// allocator, unique on (kind, id). Rows are never deleted. An insert
// conflict burns the drawn sequence value instead of retrying.
type IDRegistryEntry struct {
	Kind      string `gorm:"size:16;primaryKey"`
	ID        int64  `gorm:"primaryKey;autoIncrement:false"`
	Name      string `gorm:"size:255;index"`
	AppID     *int64 `gorm:"index"`
	Metadata  []byte `gorm:"type:jsonb"`
	CreatedAt time.Time
}

func (IDRegistryEntry) TableName() string { return "id_registry" }

func (e *IDRegistryEntry) ToApi() *api.IDRegistryEntry {
	return &api.IDRegistryEntry{
		Kind:      api.IDKind(e.Kind),
		ID:        e.ID,
		Name:      e.Name,
		AppID:     e.AppID,
		Metadata:  e.Metadata,
		CreatedAt: e.CreatedAt,
	}
}
