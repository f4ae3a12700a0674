package service

import (
	"context"
	"time"

	api "github.com/flockctl/flockctl/api/v1"
	"github.com/google/uuid"
)

// Service is the operation surface the HTTP layer binds to. Implementations
// return flerrors sentinels for every anticipated failure so transport can
// map them to the error taxonomy without inspecting messages.
type Service interface {
	// Device
	RegisterDevice(ctx context.Context, req api.RegisterDeviceRequest) (*api.Device, error)
	GetDevice(ctx context.Context, id uuid.UUID) (*api.Device, error)
	ListDevices(ctx context.Context) ([]api.Device, error)
	SetDeviceActive(ctx context.Context, id uuid.UUID, active bool) (*api.Device, error)
	DeleteDevice(ctx context.Context, id uuid.UUID) error
	AcceptDeviceLogs(ctx context.Context, id uuid.UUID, size int64) error

	// Device state
	GetDeviceState(ctx context.Context, id uuid.UUID, ifNoneMatch string) (*api.StateDocument, int64, error)
	GetDeviceCurrentState(ctx context.Context, id uuid.UUID) (*api.StateDocument, int64, time.Time, error)
	ReplaceTargetState(ctx context.Context, id uuid.UUID, doc *api.StateDocument, ifMatch string) (int64, error)
	UpsertApp(ctx context.Context, id uuid.UUID, req api.AddAppRequest) (*api.StateDocument, int64, error)
	PatchApp(ctx context.Context, id uuid.UUID, appID int64, req api.PatchAppRequest) (*api.StateDocument, int64, error)
	RemoveApp(ctx context.Context, id uuid.UUID, appID int64) (*api.StateDocument, int64, error)
	ReportCurrentState(ctx context.Context, id uuid.UUID, doc *api.StateDocument) error

	// Application catalog
	CreateApplication(ctx context.Context, req api.CreateApplicationRequest) (*api.Application, error)
	GetApplication(ctx context.Context, appID int64) (*api.Application, error)
	ListApplications(ctx context.Context) ([]api.Application, error)
	PatchApplication(ctx context.Context, appID int64, req api.PatchApplicationRequest) (*api.Application, error)
	DeleteApplication(ctx context.Context, appID int64) error

	// ID allocation
	NextAppID(ctx context.Context, req api.NextAppIDRequest) (int64, error)
	NextServiceID(ctx context.Context, req api.NextServiceIDRequest) (int64, error)
	ListRegisteredIDs(ctx context.Context, kind *api.IDKind) ([]api.IDRegistryEntry, error)

	// Rollout policies
	CreatePolicy(ctx context.Context, req api.CreatePolicyRequest) (*api.RolloutPolicy, error)
	GetPolicy(ctx context.Context, id uuid.UUID) (*api.RolloutPolicy, error)
	ListPolicies(ctx context.Context) ([]api.RolloutPolicy, error)
	PatchPolicy(ctx context.Context, id uuid.UUID, req api.PatchPolicyRequest) (*api.RolloutPolicy, error)
	DeletePolicy(ctx context.Context, id uuid.UUID) error

	// Rollouts
	ListRollouts(ctx context.Context, statuses []api.RolloutStatus) ([]api.Rollout, error)
	GetRollout(ctx context.Context, id uuid.UUID) (*api.Rollout, error)
	ListRolloutDevices(ctx context.Context, id uuid.UUID) ([]api.DeviceRolloutStatus, error)
	TriggerRollout(ctx context.Context, req api.TriggerRolloutRequest) (*api.Rollout, error)
	StartRollout(ctx context.Context, id uuid.UUID) (*api.Rollout, error)
	PauseRollout(ctx context.Context, id uuid.UUID, reason string) (*api.Rollout, error)
	ResumeRollout(ctx context.Context, id uuid.UUID, acknowledged bool) (*api.Rollout, error)
	CancelRollout(ctx context.Context, id uuid.UUID, reason string) (*api.Rollout, error)
	RollbackRollout(ctx context.Context, id uuid.UUID, reason string) (*api.Rollout, error)
	RollbackRolloutBatch(ctx context.Context, id uuid.UUID, batch int, reason string) (*api.Rollout, error)
	RollbackRolloutDevice(ctx context.Context, id, deviceID uuid.UUID, reason string) (*api.DeviceRolloutStatus, error)

	// Registry webhook
	ProcessRegistryWebhook(ctx context.Context, body []byte, signature string) (*api.WebhookResponse, error)

	// Jobs
	ExecuteJob(ctx context.Context, req api.ExecuteJobRequest) (*api.Job, error)
	GetJob(ctx context.Context, id uuid.UUID) (*api.Job, error)
	ListJobs(ctx context.Context, statuses []api.JobStatus) ([]api.Job, error)
	ListJobDevices(ctx context.Context, id uuid.UUID) ([]api.DeviceJobStatus, error)
	CancelJob(ctx context.Context, id uuid.UUID) (*api.Job, error)
	NextJobForDevice(ctx context.Context, deviceID uuid.UUID) (*api.Job, error)
	ReportJobStatus(ctx context.Context, deviceID, jobID uuid.UUID, req api.ReportJobStatusRequest) (*api.DeviceJobStatus, error)
	SweepJobTimeouts(ctx context.Context) (int, error)

	// Job templates
	CreateJobTemplate(ctx context.Context, req api.CreateJobTemplateRequest) (*api.JobTemplate, error)
	GetJobTemplate(ctx context.Context, id uuid.UUID) (*api.JobTemplate, error)
	ListJobTemplates(ctx context.Context) ([]api.JobTemplate, error)
	DeleteJobTemplate(ctx context.Context, id uuid.UUID) error

	// Liveness
	HeartbeatStatus(ctx context.Context) (*api.HeartbeatStatus, error)
	RunHeartbeatCheck(ctx context.Context) (*api.HeartbeatSweepResult, error)

	// Event log
	ListEvents(ctx context.Context, query EventQuery) ([]api.Event, error)
	EventStats(ctx context.Context, days int) ([]api.EventStat, error)
	MaintainEventPartitions(ctx context.Context) ([]string, error)
}

// EventQuery selects one of the event listing modes: by aggregate, by
// correlation chain, or recent-first across the log.
type EventQuery struct {
	AggregateKind api.AggregateKind
	AggregateID   string
	CorrelationID *uuid.UUID
	Types         []api.EventType
	Since         *time.Time
	Limit         int
}
