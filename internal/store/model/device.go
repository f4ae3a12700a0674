package model

import (
	"time"

	"github.com/google/uuid"

	api "github.com/flockctl/flockctl/api/v1"
)

type Device struct {
	UUID          uuid.UUID            `gorm:"type:uuid;primaryKey"`
	Name          string               `gorm:"size:255;uniqueIndex"`
	DeviceType    string               `gorm:"size:64;index"`
	FleetID       string               `gorm:"size:255;index"`
	Tags          *JSONField[[]string] `gorm:"type:jsonb"`
	IPAddress     string               `gorm:"size:64"`
	OSVersion     string               `gorm:"size:128"`
	AgentVersion  string               `gorm:"size:64"`
	Active        bool                 `gorm:"default:true"`
	Online        bool                 `gorm:"default:false;index"`
	LastContactAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (Device) TableName() string { return "devices" }

func NewDeviceFromApi(d *api.Device) *Device {
	device := &Device{
		UUID:          d.UUID,
		Name:          d.Name,
		DeviceType:    d.DeviceType,
		FleetID:       d.FleetID,
		IPAddress:     d.IPAddress,
		OSVersion:     d.OSVersion,
		AgentVersion:  d.AgentVersion,
		Active:        d.Active,
		Online:        d.Online,
		LastContactAt: d.LastContactAt,
	}
	if len(d.Tags) > 0 {
		device.Tags = MakeJSONField(d.Tags)
	}
	return device
}

func (d *Device) ToApi() *api.Device {
	device := &api.Device{
		UUID:          d.UUID,
		Name:          d.Name,
		DeviceType:    d.DeviceType,
		FleetID:       d.FleetID,
		IPAddress:     d.IPAddress,
		OSVersion:     d.OSVersion,
		AgentVersion:  d.AgentVersion,
		Active:        d.Active,
		Online:        d.Online,
		LastContactAt: d.LastContactAt,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
	if d.Tags != nil {
		device.Tags = d.Tags.Data
	}
	return device
}

// DeviceTargetState is the desired configuration for one device. Every
// write bumps Version, which doubles as the document's ETag.
type DeviceTargetState struct {
	DeviceUUID uuid.UUID                      `gorm:"type:uuid;primaryKey"`
	Device     Device                         `gorm:"foreignKey:DeviceUUID;references:UUID;constraint:OnDelete:CASCADE"`
	Doc        *JSONField[*api.StateDocument] `gorm:"type:jsonb"`
	Version    int64                          `gorm:"not null;default:0"`
	UpdatedAt  time.Time
}

func (DeviceTargetState) TableName() string { return "device_target_states" }

func (s *DeviceTargetState) Document() *api.StateDocument {
	if s == nil || s.Doc == nil {
		return nil
	}
	return s.Doc.Data
}

// DeviceCurrentState is the device-reported actual state, replaced
// wholesale on every report.
type DeviceCurrentState struct {
	DeviceUUID uuid.UUID                      `gorm:"type:uuid;primaryKey"`
	Device     Device                         `gorm:"foreignKey:DeviceUUID;references:UUID;constraint:OnDelete:CASCADE"`
	Doc        *JSONField[*api.StateDocument] `gorm:"type:jsonb"`
	Version    int64                          `gorm:"not null;default:0"`
	ReportedAt time.Time
}

func (DeviceCurrentState) TableName() string { return "device_current_states" }

func (s *DeviceCurrentState) Document() *api.StateDocument {
	if s == nil || s.Doc == nil {
		return nil
	}
	return s.Doc.Data
}
