package model

import (
	"time"

	"github.com/google/uuid"

	api "github.com/flockctl/flockctl/api/v1"
)

type Job struct {
	JobID          uuid.UUID                    `gorm:"type:uuid;primaryKey"`
	JobName        string                       `gorm:"size:255"`
	TemplateID     *uuid.UUID                   `gorm:"type:uuid;index"`
	Document       *JSONField[*api.JobDocument] `gorm:"type:jsonb"`
	TargetType     string                       `gorm:"size:16"`
	TargetDevices  *JSONField[[]uuid.UUID]      `gorm:"type:jsonb"`
	TimeoutSeconds int
	Status         string `gorm:"size:32;index"`
	Total          int
	Queued         int
	InProgress     int
	Succeeded      int
	Failed         int
	TimedOut       int
	Cancelled      int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (Job) TableName() string { return "jobs" }

func NewJobFromApi(j *api.Job) *Job {
	job := &Job{
		JobID:          j.JobID,
		JobName:        j.JobName,
		TemplateID:     j.TemplateID,
		TargetType:     string(j.TargetType),
		TimeoutSeconds: j.TimeoutSeconds,
		Status:         string(j.Status),
		Total:          j.Counters.Total,
		Queued:         j.Counters.Queued,
		InProgress:     j.Counters.InProgress,
		Succeeded:      j.Counters.Succeeded,
		Failed:         j.Counters.Failed,
		TimedOut:       j.Counters.TimedOut,
		Cancelled:      j.Counters.Cancelled,
	}
	if j.Document != nil {
		job.Document = MakeJSONField(j.Document)
	}
	if len(j.TargetDevices) > 0 {
		job.TargetDevices = MakeJSONField(j.TargetDevices)
	}
	return job
}

func (j *Job) ToApi() *api.Job {
	job := &api.Job{
		JobID:          j.JobID,
		JobName:        j.JobName,
		TemplateID:     j.TemplateID,
		TargetType:     api.JobTargetType(j.TargetType),
		TimeoutSeconds: j.TimeoutSeconds,
		Status:         api.JobStatus(j.Status),
		Counters: api.JobCounters{
			Total:      j.Total,
			Queued:     j.Queued,
			InProgress: j.InProgress,
			Succeeded:  j.Succeeded,
			Failed:     j.Failed,
			TimedOut:   j.TimedOut,
			Cancelled:  j.Cancelled,
		},
		CreatedAt: j.CreatedAt,
	}
	if j.Document != nil {
		job.Document = j.Document.Data
	}
	if j.TargetDevices != nil {
		job.TargetDevices = j.TargetDevices.Data
	}
	return job
}

// DeviceJobStatus carries one device's slice of a job. The partial
// unique index keeps a device from holding two IN_PROGRESS rows even
// across concurrent claims.
type DeviceJobStatus struct {
	JobID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	DeviceUUID    uuid.UUID `gorm:"type:uuid;primaryKey;index"`
	Device        Device    `gorm:"foreignKey:DeviceUUID;references:UUID;constraint:OnDelete:CASCADE"`
	Status        string    `gorm:"size:32;index"`
	StatusDetails []byte    `gorm:"type:jsonb"`
	ExitCode      *int
	Stdout        string
	Stderr        string
	QueuedAt      time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	UpdatedAt     time.Time
}

func (DeviceJobStatus) TableName() string { return "device_job_statuses" }

func (s *DeviceJobStatus) ToApi() *api.DeviceJobStatus {
	return &api.DeviceJobStatus{
		JobID:         s.JobID,
		DeviceUUID:    s.DeviceUUID,
		Status:        api.DeviceJobState(s.Status),
		StatusDetails: s.StatusDetails,
		ExitCode:      s.ExitCode,
		Stdout:        s.Stdout,
		Stderr:        s.Stderr,
		QueuedAt:      s.QueuedAt,
		StartedAt:     s.StartedAt,
		CompletedAt:   s.CompletedAt,
	}
}

type JobTemplate struct {
	TemplateID     uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name           string    `gorm:"size:255;uniqueIndex"`
	Description    string
	Document       *JSONField[*api.JobDocument] `gorm:"type:jsonb"`
	TimeoutSeconds int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (JobTemplate) TableName() string { return "job_templates" }

func NewJobTemplateFromApi(t *api.JobTemplate) *JobTemplate {
	tpl := &JobTemplate{
		TemplateID:     t.TemplateID,
		Name:           t.Name,
		Description:    t.Description,
		TimeoutSeconds: t.TimeoutSeconds,
	}
	if t.Document != nil {
		tpl.Document = MakeJSONField(t.Document)
	}
	return tpl
}

func (t *JobTemplate) ToApi() *api.JobTemplate {
	tpl := &api.JobTemplate{
		TemplateID:     t.TemplateID,
		Name:           t.Name,
		Description:    t.Description,
		TimeoutSeconds: t.TimeoutSeconds,
		CreatedAt:      t.CreatedAt,
	}
	if t.Document != nil {
		tpl.Document = t.Document.Data
	}
	return tpl
}
