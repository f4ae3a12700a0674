package v1

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// StateDocument is the canonical device state shape, used both for the
// target state authored by the control plane and the current state reported
// by devices. Apps are keyed by application id; the wire form carries the
// ids as decimal strings and the JSON codec converts at the boundary.
type StateDocument struct {
	Apps   map[int64]AppState `json:"apps"`
	Config map[string]string  `json:"config,omitempty"`
	// DeviceInfo is reported by devices alongside their current state and
	// is never present in a target state.
	DeviceInfo *DeviceInfo `json:"deviceInfo,omitempty"`
}

type AppState struct {
	AppID    int64          `json:"appId"`
	AppName  string         `json:"appName,omitempty"`
	Services []ServiceState `json:"services"`
}

type ServiceState struct {
	ServiceID   int64          `json:"serviceId"`
	ServiceName string         `json:"serviceName"`
	ImageName   string         `json:"imageName"`
	Config      *ServiceConfig `json:"config,omitempty"`
	// Status and ContainerID are reported by devices in their current
	// state; the control plane never sets them in a target state.
	Status      string `json:"status,omitempty"`
	ContainerID string `json:"containerId,omitempty"`
}

type ServiceConfig struct {
	Ports       []string          `json:"ports,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
	Volumes     []string          `json:"volumes,omitempty"`
}

type DeviceInfo struct {
	IPAddress    string `json:"ipAddress,omitempty"`
	OSVersion    string `json:"osVersion,omitempty"`
	AgentVersion string `json:"agentVersion,omitempty"`
}

// DeepCopy returns an independent copy of the document, so mutators can work
// on a snapshot without aliasing stored state.
func (d *StateDocument) DeepCopy() *StateDocument {
	if d == nil {
		return nil
	}
	out := &StateDocument{}
	if d.Apps != nil {
		out.Apps = make(map[int64]AppState, len(d.Apps))
		for id, app := range d.Apps {
			out.Apps[id] = *app.DeepCopy()
		}
	}
	if d.Config != nil {
		out.Config = make(map[string]string, len(d.Config))
		for k, v := range d.Config {
			out.Config[k] = v
		}
	}
	if d.DeviceInfo != nil {
		info := *d.DeviceInfo
		out.DeviceInfo = &info
	}
	return out
}

func (a *AppState) DeepCopy() *AppState {
	if a == nil {
		return nil
	}
	out := &AppState{AppID: a.AppID, AppName: a.AppName}
	if a.Services != nil {
		out.Services = make([]ServiceState, len(a.Services))
		for i := range a.Services {
			svc := a.Services[i]
			if svc.Config != nil {
				svc.Config = svc.Config.DeepCopy()
			}
			out.Services[i] = svc
		}
	}
	return out
}

func (c *ServiceConfig) DeepCopy() *ServiceConfig {
	if c == nil {
		return nil
	}
	out := &ServiceConfig{}
	if c.Ports != nil {
		out.Ports = append([]string(nil), c.Ports...)
	}
	if c.Volumes != nil {
		out.Volumes = append([]string(nil), c.Volumes...)
	}
	if c.Environment != nil {
		out.Environment = make(map[string]string, len(c.Environment))
		for k, v := range c.Environment {
			out.Environment[k] = v
		}
	}
	return out
}

type Device struct {
	UUID          uuid.UUID  `json:"uuid"`
	Name          string     `json:"name,omitempty"`
	DeviceType    string     `json:"deviceType,omitempty"`
	FleetID       string     `json:"fleetId,omitempty"`
	Tags          []string   `json:"tags,omitempty"`
	IPAddress     string     `json:"ipAddress,omitempty"`
	OSVersion     string     `json:"osVersion,omitempty"`
	AgentVersion  string     `json:"agentVersion,omitempty"`
	Active        bool       `json:"active"`
	Online        bool       `json:"online"`
	LastContactAt *time.Time `json:"lastContactAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Application is a catalog template. Its id is drawn from the app-id
// sequence, so deploying the template to a device reuses the id.
type Application struct {
	AppID         int64     `json:"appId"`
	AppName       string    `json:"appName"`
	Slug          string    `json:"slug"`
	Description   string    `json:"description,omitempty"`
	DefaultConfig *AppState `json:"defaultConfig,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

type IDRegistryEntry struct {
	Kind      IDKind          `json:"kind"`
	ID        int64           `json:"id"`
	Name      string          `json:"name,omitempty"`
	AppID     *int64          `json:"appId,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

type RolloutPolicy struct {
	ID                uuid.UUID          `json:"id"`
	ImagePattern      string             `json:"imagePattern"`
	Strategy          RolloutStrategy    `json:"strategy"`
	StagedFractions   []float64          `json:"stagedFractions,omitempty"`
	BatchDelayMinutes int                `json:"batchDelayMinutes,omitempty"`
	HealthCheck       *HealthCheckSpec   `json:"healthCheck,omitempty"`
	AutoRollback      bool               `json:"autoRollback"`
	MaxFailureRate    float64            `json:"maxFailureRate,omitempty"`
	MaintenanceWindow *MaintenanceWindow `json:"maintenanceWindow,omitempty"`
	DeviceFilter      *DeviceFilter      `json:"deviceFilter,omitempty"`
	Enabled           bool               `json:"enabled"`
	CreatedAt         time.Time          `json:"createdAt"`
	UpdatedAt         time.Time          `json:"updatedAt"`
}

type HealthCheckSpec struct {
	Type HealthCheckType `json:"type"`
	// Endpoint is a template expanded per device: {device_ip} and
	// {device_uuid} are substituted before probing. For TCP checks the
	// expanded form must be host:port.
	Endpoint        string `json:"endpoint,omitempty"`
	ExpectedStatus  []int  `json:"expectedStatus,omitempty"`
	TimeoutSeconds  int    `json:"timeoutSeconds,omitempty"`
	Retries         int    `json:"retries,omitempty"`
	IntervalSeconds int    `json:"intervalSeconds,omitempty"`
}

// MaintenanceWindow gates batch starts: a batch may only start inside an
// open window. The window opens at each time matched by the cron expression
// and stays open for the given duration.
type MaintenanceWindow struct {
	CronExpr        string `json:"cron"`
	DurationMinutes int    `json:"durationMinutes"`
}

type DeviceFilter struct {
	FleetID string   `json:"fleetId,omitempty"`
	Tags    []string `json:"tags,omitempty"`
	UUIDs   []string `json:"uuids,omitempty"`
}

type Rollout struct {
	RolloutID           uuid.UUID       `json:"rolloutId"`
	PolicyID            *uuid.UUID      `json:"policyId,omitempty"`
	ImageName           string          `json:"imageName"`
	OldTag              *string         `json:"oldTag,omitempty"`
	NewTag              string          `json:"newTag"`
	Strategy            RolloutStrategy `json:"strategy"`
	Status              RolloutStatus   `json:"status"`
	StatusReason        string          `json:"statusReason,omitempty"`
	TotalDevices        int             `json:"totalDevices"`
	CurrentBatch        int             `json:"currentBatch"`
	BatchFractions      []float64       `json:"batchFractions"`
	NextBatchEligibleAt *time.Time      `json:"nextBatchEligibleAt,omitempty"`
	Counters            RolloutCounters `json:"counters"`
	CreatedAt           time.Time       `json:"createdAt"`
	StartedAt           *time.Time      `json:"startedAt,omitempty"`
	FinishedAt          *time.Time      `json:"finishedAt,omitempty"`
	TriggeredBy         string          `json:"triggeredBy,omitempty"`
	WebhookPayload      json.RawMessage `json:"webhookPayload,omitempty"`
}

type RolloutCounters struct {
	Updated    int `json:"updated"`
	Succeeded  int `json:"succeeded"`
	Failed     int `json:"failed"`
	RolledBack int `json:"rolledBack"`
	Healthy    int `json:"healthy"`
}

type DeviceRolloutStatus struct {
	RolloutID         uuid.UUID          `json:"rolloutId"`
	DeviceUUID        uuid.UUID          `json:"deviceUuid"`
	BatchNumber       int                `json:"batchNumber"`
	Status            DeviceUpdateStatus `json:"status"`
	OldImageTag       *string            `json:"oldImageTag,omitempty"`
	NewImageTag       string             `json:"newImageTag"`
	ScheduledAt       time.Time          `json:"scheduledAt"`
	UpdateStartedAt   *time.Time         `json:"updateStartedAt,omitempty"`
	UpdateCompletedAt *time.Time         `json:"updateCompletedAt,omitempty"`
	HealthCheckedAt   *time.Time         `json:"healthCheckedAt,omitempty"`
	HealthCheckPassed *bool              `json:"healthCheckPassed,omitempty"`
	RetryCount        int                `json:"retryCount"`
	ErrorMessage      string             `json:"errorMessage,omitempty"`
}

type Event struct {
	EventID       uuid.UUID       `json:"eventId"`
	Type          EventType       `json:"type"`
	AggregateKind AggregateKind   `json:"aggregateKind"`
	AggregateID   string          `json:"aggregateId"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID *uuid.UUID      `json:"correlationId,omitempty"`
	CausationID   *uuid.UUID      `json:"causationId,omitempty"`
	Source        string          `json:"source,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Checksum      string          `json:"checksum"`
}

// EventStat is one cell of the event-log statistics: how many events of one
// type occurred on one day.
type EventStat struct {
	Day   string    `json:"day"`
	Type  EventType `json:"type"`
	Count int64     `json:"count"`
}

// Job types use snake_case on the wire; the job surface predates the rest
// of the API and devices in the field depend on the original field names.

type Job struct {
	JobID          uuid.UUID     `json:"job_id"`
	JobName        string        `json:"job_name"`
	TemplateID     *uuid.UUID    `json:"template_id,omitempty"`
	Document       *JobDocument  `json:"job_document,omitempty"`
	TargetType     JobTargetType `json:"target_type"`
	TargetDevices  []uuid.UUID   `json:"target_devices"`
	TimeoutSeconds int           `json:"timeout_seconds"`
	Status         JobStatus     `json:"status"`
	Counters       JobCounters   `json:"counters"`
	CreatedAt      time.Time     `json:"created_at"`
}

type JobDocument struct {
	Version string    `json:"version,omitempty"`
	Steps   []JobStep `json:"steps"`
}

type JobStep struct {
	Action JobAction `json:"action"`
}

type JobAction struct {
	Type  JobActionType  `json:"type"`
	Input map[string]any `json:"input,omitempty"`
}

type JobCounters struct {
	Total      int `json:"total"`
	Queued     int `json:"queued"`
	InProgress int `json:"in_progress"`
	Succeeded  int `json:"succeeded"`
	Failed     int `json:"failed"`
	TimedOut   int `json:"timed_out"`
	Cancelled  int `json:"cancelled"`
}

type DeviceJobStatus struct {
	JobID         uuid.UUID       `json:"job_id"`
	DeviceUUID    uuid.UUID       `json:"device_uuid"`
	Status        DeviceJobState  `json:"status"`
	StatusDetails json.RawMessage `json:"status_details,omitempty"`
	ExitCode      *int            `json:"exit_code,omitempty"`
	Stdout        string          `json:"stdout,omitempty"`
	Stderr        string          `json:"stderr,omitempty"`
	QueuedAt      time.Time       `json:"queued_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

type JobTemplate struct {
	TemplateID     uuid.UUID    `json:"template_id"`
	Name           string       `json:"name"`
	Description    string       `json:"description,omitempty"`
	Document       *JobDocument `json:"job_document,omitempty"`
	TimeoutSeconds int          `json:"timeout_seconds,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}

// HeartbeatStatus is the admin view of the liveness monitor.
type HeartbeatStatus struct {
	Enabled          bool       `json:"enabled"`
	IntervalSeconds  int        `json:"intervalSeconds"`
	ThresholdSeconds int        `json:"thresholdSeconds"`
	LastCheckAt      *time.Time `json:"lastCheckAt,omitempty"`
	OnlineDevices    int64      `json:"onlineDevices"`
	OfflineDevices   int64      `json:"offlineDevices"`
}

// HeartbeatSweepResult reports the outcome of one liveness sweep.
type HeartbeatSweepResult struct {
	MarkedOffline   int        `json:"markedOffline"`
	DowntimeSeconds int64      `json:"downtimeSeconds,omitempty"`
	RestartDetected bool       `json:"restartDetected"`
	SweptAt         time.Time  `json:"sweptAt"`
	PreviousCheckAt *time.Time `json:"previousCheckAt,omitempty"`
}
