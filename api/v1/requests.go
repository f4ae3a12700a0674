package v1

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Operator-facing request and response bodies. Validation tags are enforced
// in the transport layer before the service sees the request.

type RegisterDeviceRequest struct {
	UUID       *uuid.UUID `json:"uuid,omitempty"`
	Name       string     `json:"name,omitempty" validate:"max=253"`
	DeviceType string     `json:"deviceType,omitempty" validate:"max=63"`
	FleetID    string     `json:"fleetId,omitempty" validate:"max=63"`
	Tags       []string   `json:"tags,omitempty" validate:"dive,max=63"`
}

type SetDeviceActiveRequest struct {
	IsActive *bool `json:"is_active" validate:"required"`
}

type AddAppRequest struct {
	AppID    int64          `json:"appId" validate:"required,min=1"`
	AppName  string         `json:"appName,omitempty"`
	Services []ServiceState `json:"services" validate:"required,min=1,dive"`
}

type PatchAppRequest struct {
	AppName  *string           `json:"appName,omitempty"`
	Services []ServiceState    `json:"services,omitempty" validate:"omitempty,dive"`
	Config   map[string]string `json:"config,omitempty"`
}

type CreateApplicationRequest struct {
	AppName       string    `json:"appName" validate:"required,max=253"`
	Slug          string    `json:"slug" validate:"required,max=253"`
	Description   string    `json:"description,omitempty"`
	DefaultConfig *AppState `json:"defaultConfig,omitempty"`
}

type PatchApplicationRequest struct {
	AppName       *string   `json:"appName,omitempty"`
	Description   *string   `json:"description,omitempty"`
	DefaultConfig *AppState `json:"defaultConfig,omitempty"`
}

type CreateApplicationResponse struct {
	AppID int64 `json:"appId"`
}

type NextAppIDRequest struct {
	AppName  string          `json:"appName" validate:"required,max=253"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

type NextAppIDResponse struct {
	AppID int64 `json:"appId"`
}

type NextServiceIDRequest struct {
	ServiceName string          `json:"serviceName" validate:"required,max=253"`
	AppID       int64           `json:"appId" validate:"required,min=1"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

type NextServiceIDResponse struct {
	ServiceID int64 `json:"serviceId"`
}

type CreatePolicyRequest struct {
	ImagePattern      string             `json:"imagePattern" validate:"required,max=512"`
	Strategy          RolloutStrategy    `json:"strategy" validate:"required,oneof=auto staged manual scheduled"`
	StagedFractions   []float64          `json:"stagedFractions,omitempty" validate:"omitempty,min=1,dive,gt=0,lte=1"`
	BatchDelayMinutes int                `json:"batchDelayMinutes,omitempty" validate:"min=0"`
	HealthCheck       *HealthCheckSpec   `json:"healthCheck,omitempty"`
	AutoRollback      bool               `json:"autoRollback"`
	MaxFailureRate    *float64           `json:"maxFailureRate,omitempty" validate:"omitempty,gte=0,lte=1"`
	MaintenanceWindow *MaintenanceWindow `json:"maintenanceWindow,omitempty"`
	DeviceFilter      *DeviceFilter      `json:"deviceFilter,omitempty"`
	Enabled           *bool              `json:"enabled,omitempty"`
}

type PatchPolicyRequest struct {
	ImagePattern      *string            `json:"imagePattern,omitempty" validate:"omitempty,max=512"`
	Strategy          *RolloutStrategy   `json:"strategy,omitempty" validate:"omitempty,oneof=auto staged manual scheduled"`
	StagedFractions   []float64          `json:"stagedFractions,omitempty" validate:"omitempty,min=1,dive,gt=0,lte=1"`
	BatchDelayMinutes *int               `json:"batchDelayMinutes,omitempty" validate:"omitempty,min=0"`
	HealthCheck       *HealthCheckSpec   `json:"healthCheck,omitempty"`
	AutoRollback      *bool              `json:"autoRollback,omitempty"`
	MaxFailureRate    *float64           `json:"maxFailureRate,omitempty" validate:"omitempty,gte=0,lte=1"`
	MaintenanceWindow *MaintenanceWindow `json:"maintenanceWindow,omitempty"`
	DeviceFilter      *DeviceFilter      `json:"deviceFilter,omitempty"`
	Enabled           *bool              `json:"enabled,omitempty"`
}

type PauseRolloutRequest struct {
	Reason string `json:"reason,omitempty" validate:"max=1024"`
}

type ResumeRolloutRequest struct {
	// Acknowledged confirms the operator has mitigated whatever paused the
	// rollout; resuming from paused requires it.
	Acknowledged bool `json:"acknowledged"`
}

type CancelRolloutRequest struct {
	Reason string `json:"reason,omitempty" validate:"max=1024"`
}

type RollbackRolloutRequest struct {
	Reason string `json:"reason,omitempty" validate:"max=1024"`
}

type RollbackDeviceRequest struct {
	DeviceUUID uuid.UUID `json:"deviceUuid" validate:"required"`
	Reason     string    `json:"reason,omitempty" validate:"max=1024"`
}

type RollbackBatchRequest struct {
	Batch  int    `json:"batch" validate:"required,min=1"`
	Reason string `json:"reason,omitempty" validate:"max=1024"`
}

// TriggerRolloutRequest is the operator-driven equivalent of a registry
// webhook: same (image, tag) tuple plus an optional policy override.
type TriggerRolloutRequest struct {
	Image    string     `json:"image" validate:"required,max=512"`
	Tag      string     `json:"tag" validate:"required,max=128"`
	PolicyID *uuid.UUID `json:"policyId,omitempty"`
}

type ExecuteJobRequest struct {
	JobName        string        `json:"job_name" validate:"required,max=253"`
	TemplateID     *uuid.UUID    `json:"template_id,omitempty"`
	Document       *JobDocument  `json:"job_document,omitempty"`
	TargetType     JobTargetType `json:"target_type" validate:"required,oneof=device group"`
	TargetDevices  []uuid.UUID   `json:"target_devices" validate:"required,min=1"`
	TimeoutSeconds int           `json:"timeout_seconds,omitempty" validate:"min=0"`
}

type ExecuteJobResponse struct {
	JobID uuid.UUID `json:"job_id"`
}

type CreateJobTemplateRequest struct {
	Name           string      `json:"name" validate:"required,max=253"`
	Description    string      `json:"description,omitempty"`
	Document       JobDocument `json:"job_document"`
	TimeoutSeconds int         `json:"timeout_seconds,omitempty" validate:"min=0"`
}

// NextJobResponse is what a polling device receives; an empty body means no
// work is available.
type NextJobResponse struct {
	JobID    uuid.UUID   `json:"job_id"`
	JobName  string      `json:"job_name"`
	Document JobDocument `json:"job_document"`
}

type ReportJobStatusRequest struct {
	Status        DeviceJobState  `json:"status" validate:"required,oneof=IN_PROGRESS SUCCEEDED FAILED CANCELLED"`
	ExitCode      *int            `json:"exit_code,omitempty"`
	Stdout        string          `json:"stdout,omitempty"`
	Stderr        string          `json:"stderr,omitempty"`
	StatusDetails json.RawMessage `json:"status_details,omitempty"`
}

type WebhookResponse struct {
	RolloutID     *uuid.UUID `json:"rollout_id,omitempty"`
	Image         string     `json:"image"`
	Tag           string     `json:"tag"`
	MatchedPolicy *uuid.UUID `json:"matchedPolicy,omitempty"`
}

// TargetStateResponse is returned by target-state mutations. State carries
// the resulting document where the operation computes it; a bare replace
// reports only the new version.
type TargetStateResponse struct {
	DeviceUUID uuid.UUID      `json:"deviceUuid"`
	Version    int64          `json:"version"`
	State      *StateDocument `json:"state,omitempty"`
}

// CurrentStateResponse is the operator view of a device's last report.
type CurrentStateResponse struct {
	DeviceUUID uuid.UUID      `json:"deviceUuid"`
	Version    int64          `json:"version"`
	ReportedAt *time.Time     `json:"reportedAt,omitempty"`
	State      *StateDocument `json:"state,omitempty"`
}
