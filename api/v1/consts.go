package v1

import "time"

const (
	// Application ids below 1000 are reserved for system use; the allocator
	// sequence starts above them.
	AppIDSequenceStart     = 1000
	ServiceIDSequenceStart = 1
)

type RolloutStrategy string

const (
	// Created rollouts start their first batch immediately and advance
	// whenever the previous batch passes its failure-rate gate.
	RolloutStrategyAuto RolloutStrategy = "auto"
	// Same as auto, but with operator-supplied batch fractions and delays.
	RolloutStrategyStaged RolloutStrategy = "staged"
	// The rollout waits in pending until an operator starts it.
	RolloutStrategyManual RolloutStrategy = "manual"
	// The rollout starts at the next open maintenance window.
	RolloutStrategyScheduled RolloutStrategy = "scheduled"
)

var KnownRolloutStrategies = []RolloutStrategy{RolloutStrategyAuto, RolloutStrategyStaged, RolloutStrategyManual, RolloutStrategyScheduled}

type RolloutStatus string

const (
	RolloutStatusPending    RolloutStatus = "pending"
	RolloutStatusRunning    RolloutStatus = "running"
	RolloutStatusPaused     RolloutStatus = "paused"
	RolloutStatusCompleted  RolloutStatus = "completed"
	RolloutStatusFailed     RolloutStatus = "failed"
	RolloutStatusCancelled  RolloutStatus = "cancelled"
	RolloutStatusRolledBack RolloutStatus = "rolled_back"
)

var KnownRolloutStatuses = []RolloutStatus{
	RolloutStatusPending, RolloutStatusRunning, RolloutStatusPaused,
	RolloutStatusCompleted, RolloutStatusFailed, RolloutStatusCancelled, RolloutStatusRolledBack,
}

// IsTerminal reports whether no further transitions are allowed.
func (s RolloutStatus) IsTerminal() bool {
	switch s {
	case RolloutStatusCompleted, RolloutStatusFailed, RolloutStatusCancelled, RolloutStatusRolledBack:
		return true
	}
	return false
}

type DeviceUpdateStatus string

const (
	// Assigned to a batch, target state not yet rewritten.
	DeviceUpdateScheduled DeviceUpdateStatus = "scheduled"
	// Target state rewritten; waiting for the device to report the new tag.
	DeviceUpdateUpdating DeviceUpdateStatus = "updating"
	// New tag observed (or grace period elapsed); health check running.
	DeviceUpdateVerifying  DeviceUpdateStatus = "verifying"
	DeviceUpdateSucceeded  DeviceUpdateStatus = "succeeded"
	DeviceUpdateFailed     DeviceUpdateStatus = "failed"
	DeviceUpdateRolledBack DeviceUpdateStatus = "rolledBack"
)

func (s DeviceUpdateStatus) IsTerminal() bool {
	switch s {
	case DeviceUpdateSucceeded, DeviceUpdateFailed, DeviceUpdateRolledBack:
		return true
	}
	return false
}

type HealthCheckType string

const (
	HealthCheckHTTP      HealthCheckType = "HTTP"
	HealthCheckTCP       HealthCheckType = "TCP"
	HealthCheckContainer HealthCheckType = "CONTAINER"
)

type DeviceJobState string

const (
	JobStateQueued     DeviceJobState = "QUEUED"
	JobStateInProgress DeviceJobState = "IN_PROGRESS"
	JobStateSucceeded  DeviceJobState = "SUCCEEDED"
	JobStateFailed     DeviceJobState = "FAILED"
	JobStateTimedOut   DeviceJobState = "TIMED_OUT"
	JobStateCancelled  DeviceJobState = "CANCELLED"
)

func (s DeviceJobState) IsTerminal() bool {
	switch s {
	case JobStateSucceeded, JobStateFailed, JobStateTimedOut, JobStateCancelled:
		return true
	}
	return false
}

type JobStatus string

const (
	JobStatusPending         JobStatus = "PENDING"
	JobStatusInProgress      JobStatus = "IN_PROGRESS"
	JobStatusSucceeded       JobStatus = "SUCCEEDED"
	JobStatusPartiallyFailed JobStatus = "PARTIALLY_FAILED"
	JobStatusFailed          JobStatus = "FAILED"
	JobStatusTimedOut        JobStatus = "TIMED_OUT"
	JobStatusCancelled       JobStatus = "CANCELLED"
)

var KnownJobStatuses = []JobStatus{
	JobStatusPending, JobStatusInProgress, JobStatusSucceeded,
	JobStatusPartiallyFailed, JobStatusFailed, JobStatusTimedOut, JobStatusCancelled,
}

type JobTargetType string

const (
	JobTargetDevice JobTargetType = "device"
	JobTargetGroup  JobTargetType = "group"
)

type JobActionType string

const (
	JobActionRunCommand JobActionType = "runCommand"
	JobActionRunHandler JobActionType = "runHandler"
)

type IDKind string

const (
	IDKindApp     IDKind = "app"
	IDKindService IDKind = "service"
)

type AggregateKind string

const (
	AggregateDevice      AggregateKind = "device"
	AggregateRollout     AggregateKind = "rollout"
	AggregateJob         AggregateKind = "job"
	AggregateApplication AggregateKind = "application"
	AggregatePolicy      AggregateKind = "policy"
	AggregateSystem      AggregateKind = "system"
)

type EventType string

const (
	EventTargetStateUpdated    EventType = "target_state.updated"
	EventTargetStateAppAdded   EventType = "target_state.app_added"
	EventTargetStateAppUpdated EventType = "target_state.app_updated"
	EventTargetStateAppRemoved EventType = "target_state.app_removed"
	EventCurrentStateUpdated   EventType = "current_state.updated"

	EventDeviceOffline         EventType = "device.offline"
	EventDeviceOnline          EventType = "device.online"
	EventDeviceRegistered      EventType = "device.registered"
	EventDeviceDeleted         EventType = "device.deleted"
	EventDeviceRolledBack      EventType = "device.rolled_back"
	EventDeviceUpdateSucceeded EventType = "device.update_succeeded"
	EventDeviceUpdateFailed    EventType = "device.update_failed"

	// Emitted by the liveness monitor when it detects that the control
	// plane itself was down longer than two tick intervals.
	EventAPIRestart EventType = "api_restart"

	EventRolloutCreated      EventType = "rollout.created"
	EventRolloutBatchStarted EventType = "rollout.batch_started"
	EventRolloutPaused       EventType = "rollout.paused"
	EventRolloutResumed      EventType = "rollout.resumed"
	EventRolloutCancelled    EventType = "rollout.cancelled"
	EventRolloutCompleted    EventType = "rollout.completed"
	EventRolloutFailed       EventType = "rollout.failed"
	EventRolloutRolledBack   EventType = "rollout.rolled_back"
	EventRolloutTickFailed   EventType = "rollout.tick_failed"

	EventJobCreated  EventType = "job.created"
	EventJobTimedOut EventType = "job.timed_out"

	EventApplicationCreated EventType = "application.created"
	EventApplicationUpdated EventType = "application.updated"
	EventApplicationDeleted EventType = "application.deleted"
)

// SystemAggregateID is the aggregate id used for plane-level events such as
// api_restart.
const SystemAggregateID = "control-plane"

const (
	EventSourceAPI       = "api"
	EventSourceHeartbeat = "heartbeat-monitor"
	EventSourceRollout   = "rollout-orchestrator"
	EventSourceJobs      = "job-dispatcher"
	EventSourceWebhook   = "webhook"
)

// Defaults referenced throughout; config may override the process-level
// ones, policies the per-rollout ones.
var (
	DefaultStagedFractions = []float64{0.10, 0.50, 1.00}
	DefaultExpectedStatus  = []int{200}
)

const (
	DefaultMaxFailureRate          = 0.2
	DefaultBatchDelayMinutes       = 5
	DefaultHealthCheckTimeout      = 10 * time.Second
	DefaultHealthCheckRetries      = 3
	DefaultHealthCheckInterval     = 15 * time.Second
	DefaultHeartbeatInterval       = 60 * time.Second
	DefaultOfflineThreshold        = 5 * time.Minute
	DefaultRolloutTickInterval     = 30 * time.Second
	DefaultVerifyGracePeriod       = 5 * time.Minute
	DefaultJobTimeoutSeconds       = 600
	DefaultEventRetentionDays      = 90
	DefaultEventPartitionAheadDays = 3
)
