package model

import (
	"time"

	"github.com/google/uuid"

	api "github.com/flockctl/flockctl/api/v1"
)

type RolloutPolicy struct {
	ID                uuid.UUID             `gorm:"type:uuid;primaryKey"`
	ImagePattern      string                `gorm:"size:512;index"`
	Strategy          string                `gorm:"size:32"`
	StagedFractions   *JSONField[[]float64] `gorm:"type:jsonb"`
	BatchDelayMinutes int
	HealthCheck       *JSONField[*api.HealthCheckSpec] `gorm:"type:jsonb"`
	AutoRollback      bool
	MaxFailureRate    float64
	MaintenanceWindow *JSONField[*api.MaintenanceWindow] `gorm:"type:jsonb"`
	DeviceFilter      *JSONField[*api.DeviceFilter]      `gorm:"type:jsonb"`
	Enabled           bool                               `gorm:"default:true"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (RolloutPolicy) TableName() string { return "rollout_policies" }

func NewRolloutPolicyFromApi(p *api.RolloutPolicy) *RolloutPolicy {
	policy := &RolloutPolicy{
		ID:                p.ID,
		ImagePattern:      p.ImagePattern,
		Strategy:          string(p.Strategy),
		BatchDelayMinutes: p.BatchDelayMinutes,
		AutoRollback:      p.AutoRollback,
		MaxFailureRate:    p.MaxFailureRate,
		Enabled:           p.Enabled,
	}
	if len(p.StagedFractions) > 0 {
		policy.StagedFractions = MakeJSONField(p.StagedFractions)
	}
	if p.HealthCheck != nil {
		policy.HealthCheck = MakeJSONField(p.HealthCheck)
	}
	if p.MaintenanceWindow != nil {
		policy.MaintenanceWindow = MakeJSONField(p.MaintenanceWindow)
	}
	if p.DeviceFilter != nil {
		policy.DeviceFilter = MakeJSONField(p.DeviceFilter)
	}
	return policy
}

func (p *RolloutPolicy) ToApi() *api.RolloutPolicy {
	policy := &api.RolloutPolicy{
		ID:                p.ID,
		ImagePattern:      p.ImagePattern,
		Strategy:          api.RolloutStrategy(p.Strategy),
		BatchDelayMinutes: p.BatchDelayMinutes,
		AutoRollback:      p.AutoRollback,
		MaxFailureRate:    p.MaxFailureRate,
		Enabled:           p.Enabled,
		CreatedAt:         p.CreatedAt,
		UpdatedAt:         p.UpdatedAt,
	}
	if p.StagedFractions != nil {
		policy.StagedFractions = p.StagedFractions.Data
	}
	if p.HealthCheck != nil {
		policy.HealthCheck = p.HealthCheck.Data
	}
	if p.MaintenanceWindow != nil {
		policy.MaintenanceWindow = p.MaintenanceWindow.Data
	}
	if p.DeviceFilter != nil {
		policy.DeviceFilter = p.DeviceFilter.Data
	}
	return policy
}

type Rollout struct {
	RolloutID           uuid.UUID  `gorm:"type:uuid;primaryKey"`
	PolicyID            *uuid.UUID `gorm:"type:uuid;index"`
	ImageName           string     `gorm:"size:512;index:idx_rollouts_image_tag"`
	OldTag              *string    `gorm:"size:255"`
	NewTag              string     `gorm:"size:255;index:idx_rollouts_image_tag"`
	Strategy            string     `gorm:"size:32"`
	Status              string     `gorm:"size:32;index"`
	StatusReason        string
	TotalDevices        int
	CurrentBatch        int
	BatchFractions      *JSONField[[]float64] `gorm:"type:jsonb"`
	NextBatchEligibleAt *time.Time
	Updated             int
	Succeeded           int
	Failed              int
	RolledBack          int
	Healthy             int
	TriggeredBy         string `gorm:"size:64"`
	WebhookPayload      []byte `gorm:"type:jsonb"`
	CreatedAt           time.Time
	StartedAt           *time.Time
	FinishedAt          *time.Time
	UpdatedAt           time.Time
}

func (Rollout) TableName() string { return "rollouts" }

func NewRolloutFromApi(r *api.Rollout) *Rollout {
	rollout := &Rollout{
		RolloutID:           r.RolloutID,
		PolicyID:            r.PolicyID,
		ImageName:           r.ImageName,
		OldTag:              r.OldTag,
		NewTag:              r.NewTag,
		Strategy:            string(r.Strategy),
		Status:              string(r.Status),
		StatusReason:        r.StatusReason,
		TotalDevices:        r.TotalDevices,
		CurrentBatch:        r.CurrentBatch,
		NextBatchEligibleAt: r.NextBatchEligibleAt,
		Updated:             r.Counters.Updated,
		Succeeded:           r.Counters.Succeeded,
		Failed:              r.Counters.Failed,
		RolledBack:          r.Counters.RolledBack,
		Healthy:             r.Counters.Healthy,
		TriggeredBy:         r.TriggeredBy,
		WebhookPayload:      r.WebhookPayload,
		StartedAt:           r.StartedAt,
		FinishedAt:          r.FinishedAt,
	}
	if len(r.BatchFractions) > 0 {
		rollout.BatchFractions = MakeJSONField(r.BatchFractions)
	}
	return rollout
}

func (r *Rollout) ToApi() *api.Rollout {
	rollout := &api.Rollout{
		RolloutID:           r.RolloutID,
		PolicyID:            r.PolicyID,
		ImageName:           r.ImageName,
		OldTag:              r.OldTag,
		NewTag:              r.NewTag,
		Strategy:            api.RolloutStrategy(r.Strategy),
		Status:              api.RolloutStatus(r.Status),
		StatusReason:        r.StatusReason,
		TotalDevices:        r.TotalDevices,
		CurrentBatch:        r.CurrentBatch,
		NextBatchEligibleAt: r.NextBatchEligibleAt,
		Counters: api.RolloutCounters{
			Updated:    r.Updated,
			Succeeded:  r.Succeeded,
			Failed:     r.Failed,
			RolledBack: r.RolledBack,
			Healthy:    r.Healthy,
		},
		TriggeredBy:    r.TriggeredBy,
		WebhookPayload: r.WebhookPayload,
		CreatedAt:      r.CreatedAt,
		StartedAt:      r.StartedAt,
		FinishedAt:     r.FinishedAt,
	}
	if r.BatchFractions != nil {
		rollout.BatchFractions = r.BatchFractions.Data
	}
	return rollout
}

type DeviceRolloutStatus struct {
	RolloutID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	DeviceUUID        uuid.UUID `gorm:"type:uuid;primaryKey;index"`
	Device            Device    `gorm:"foreignKey:DeviceUUID;references:UUID;constraint:OnDelete:CASCADE"`
	BatchNumber       int       `gorm:"index"`
	Status            string    `gorm:"size:32;index"`
	OldImageTag       *string   `gorm:"size:255"`
	NewImageTag       string    `gorm:"size:255"`
	ScheduledAt       time.Time
	UpdateStartedAt   *time.Time
	UpdateCompletedAt *time.Time
	HealthCheckedAt   *time.Time
	HealthCheckPassed *bool
	RetryCount        int
	ErrorMessage      string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (DeviceRolloutStatus) TableName() string { return "device_rollout_statuses" }

func (s *DeviceRolloutStatus) ToApi() *api.DeviceRolloutStatus {
	return &api.DeviceRolloutStatus{
		RolloutID:         s.RolloutID,
		DeviceUUID:        s.DeviceUUID,
		BatchNumber:       s.BatchNumber,
		Status:            api.DeviceUpdateStatus(s.Status),
		OldImageTag:       s.OldImageTag,
		NewImageTag:       s.NewImageTag,
		ScheduledAt:       s.ScheduledAt,
		UpdateStartedAt:   s.UpdateStartedAt,
		UpdateCompletedAt: s.UpdateCompletedAt,
		HealthCheckedAt:   s.HealthCheckedAt,
		HealthCheckPassed: s.HealthCheckPassed,
		RetryCount:        s.RetryCount,
		ErrorMessage:      s.ErrorMessage,
	}
}
