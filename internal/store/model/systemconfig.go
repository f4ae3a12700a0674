package model

import "time"

// SystemConfig is a small key/value table for control-plane state that
// must survive restarts, such as the liveness monitor's last-check
// anchor.
type SystemConfig struct {
	Key       string `gorm:"size:64;primaryKey"`
	Value     []byte `gorm:"type:jsonb"`
	UpdatedAt time.Time
}

func (SystemConfig) TableName() string { return "system_config" }

const (
	SystemConfigHeartbeatLastCheck = "heartbeat_last_check"
)
