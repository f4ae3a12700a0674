// Package events builds the immutable audit records appended to the event
// log. Every event is stamped with an id, a UTC timestamp and a SHA-256
// checksum at construction time; call sites go through the typed
// constructors below instead of assembling api.Event literals by hand.
package events

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	api "github.com/flockctl/flockctl/api/v1"
)

// Option mutates an event before its checksum is computed.
type Option func(*api.Event)

// WithCorrelation groups the event into a logical flow, e.g. all events of
// one rollout carry the rollout id as correlation id.
func WithCorrelation(id uuid.UUID) Option {
	return func(e *api.Event) { e.CorrelationID = &id }
}

// WithCausation points at the event that directly caused this one.
func WithCausation(id uuid.UUID) Option {
	return func(e *api.Event) { e.CausationID = &id }
}

// WithSource records the emitting component, one of the api.EventSource*
// constants.
func WithSource(source string) Option {
	return func(e *api.Event) { e.Source = source }
}

// New builds a fully stamped event. payload may be nil; otherwise it must
// marshal to JSON.
func New(eventType api.EventType, kind api.AggregateKind, aggregateID string, payload any, opts ...Option) (api.Event, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return api.Event{}, fmt.Errorf("marshaling %s payload: %w", eventType, err)
		}
		raw = b
	}
	event := api.Event{
		EventID:       uuid.New(),
		Type:          eventType,
		AggregateKind: kind,
		AggregateID:   aggregateID,
		Payload:       raw,
		// Postgres stores timestamptz at microsecond precision; stamp at
		// the same precision so a stored row reproduces its checksum.
		Timestamp: time.Now().UTC().Truncate(time.Microsecond),
	}
	for _, opt := range opts {
		opt(&event)
	}
	event.Checksum = Checksum(event.Type, event.AggregateKind, event.AggregateID, event.Payload, event.Timestamp)
	return event, nil
}

// mustNew backs the typed constructors, whose payload structs always
// marshal. A failure here is a programming error.
func mustNew(eventType api.EventType, kind api.AggregateKind, aggregateID string, payload any, opts ...Option) api.Event {
	event, err := New(eventType, kind, aggregateID, payload, opts...)
	if err != nil {
		panic(err)
	}
	return event
}

// Checksum hashes the identifying fields of an event with NUL separators
// between them. Integrity verification recomputes it from the stored row,
// so the canonical form must never change.
func Checksum(eventType api.EventType, kind api.AggregateKind, aggregateID string, payload json.RawMessage, ts time.Time) string {
	h := sha256.New()
	h.Write([]byte(eventType))
	h.Write([]byte{0})
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write([]byte(aggregateID))
	h.Write([]byte{0})
	h.Write(payload)
	h.Write([]byte{0})
	h.Write([]byte(ts.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(h.Sum(nil))
}

// Verify recomputes the checksum of a stored event and reports whether it
// matches.
func Verify(e api.Event) bool {
	return e.Checksum == Checksum(e.Type, e.AggregateKind, e.AggregateID, e.Payload, e.Timestamp)
}

// DeviceRegisteredPayload describes a device that just registered.
type DeviceRegisteredPayload struct {
	Name       string `json:"name"`
	DeviceType string `json:"deviceType,omitempty"`
	FleetID    string `json:"fleetId,omitempty"`
}

func DeviceRegistered(deviceUUID uuid.UUID, name, deviceType, fleetID string, opts ...Option) api.Event {
	return mustNew(api.EventDeviceRegistered, api.AggregateDevice, deviceUUID.String(),
		DeviceRegisteredPayload{Name: name, DeviceType: deviceType, FleetID: fleetID}, opts...)
}

type DeviceDeletedPayload struct {
	Name string `json:"name"`
}

func DeviceDeleted(deviceUUID uuid.UUID, name string, opts ...Option) api.Event {
	return mustNew(api.EventDeviceDeleted, api.AggregateDevice, deviceUUID.String(),
		DeviceDeletedPayload{Name: name}, opts...)
}

type DeviceOnlinePayload struct {
	LastContactAt time.Time `json:"lastContactAt"`
}

func DeviceOnline(deviceUUID uuid.UUID, lastContactAt time.Time, opts ...Option) api.Event {
	return mustNew(api.EventDeviceOnline, api.AggregateDevice, deviceUUID.String(),
		DeviceOnlinePayload{LastContactAt: lastContactAt}, opts...)
}

// DeviceOfflinePayload records when the device was last heard from, the
// cutoff the sweep applied and why it fired.
type DeviceOfflinePayload struct {
	LastContactAt *time.Time `json:"lastContactAt,omitempty"`
	Cutoff        time.Time  `json:"cutoff"`
	Reason        string     `json:"reason"`
}

func DeviceOffline(deviceUUID uuid.UUID, lastContactAt *time.Time, cutoff time.Time, reason string, opts ...Option) api.Event {
	return mustNew(api.EventDeviceOffline, api.AggregateDevice, deviceUUID.String(),
		DeviceOfflinePayload{LastContactAt: lastContactAt, Cutoff: cutoff, Reason: reason}, opts...)
}

type DeviceUpdatePayload struct {
	RolloutID uuid.UUID `json:"rolloutId"`
	ImageName string    `json:"imageName"`
	NewTag    string    `json:"newTag"`
	Reason    string    `json:"reason,omitempty"`
}

func DeviceUpdateSucceeded(deviceUUID, rolloutID uuid.UUID, imageName, newTag string, opts ...Option) api.Event {
	opts = append(opts, WithCorrelation(rolloutID))
	return mustNew(api.EventDeviceUpdateSucceeded, api.AggregateDevice, deviceUUID.String(),
		DeviceUpdatePayload{RolloutID: rolloutID, ImageName: imageName, NewTag: newTag}, opts...)
}

func DeviceUpdateFailed(deviceUUID, rolloutID uuid.UUID, imageName, newTag, reason string, opts ...Option) api.Event {
	opts = append(opts, WithCorrelation(rolloutID))
	return mustNew(api.EventDeviceUpdateFailed, api.AggregateDevice, deviceUUID.String(),
		DeviceUpdatePayload{RolloutID: rolloutID, ImageName: imageName, NewTag: newTag, Reason: reason}, opts...)
}

type DeviceRolledBackPayload struct {
	RolloutID *uuid.UUID `json:"rolloutId,omitempty"`
	ImageName string     `json:"imageName"`
	FromTag   string     `json:"fromTag"`
	ToTag     string     `json:"toTag"`
	Reason    string     `json:"reason,omitempty"`
}

func DeviceRolledBack(deviceUUID uuid.UUID, rolloutID *uuid.UUID, imageName, fromTag, toTag, reason string, opts ...Option) api.Event {
	if rolloutID != nil {
		opts = append(opts, WithCorrelation(*rolloutID))
	}
	return mustNew(api.EventDeviceRolledBack, api.AggregateDevice, deviceUUID.String(),
		DeviceRolledBackPayload{RolloutID: rolloutID, ImageName: imageName, FromTag: fromTag, ToTag: toTag, Reason: reason}, opts...)
}

// TargetStatePayload carries the document version after a target-state
// mutation; app-level mutations also name the app.
type TargetStatePayload struct {
	Version int64  `json:"version"`
	AppID   *int64 `json:"appId,omitempty"`
}

func TargetStateUpdated(deviceUUID uuid.UUID, version int64, opts ...Option) api.Event {
	return mustNew(api.EventTargetStateUpdated, api.AggregateDevice, deviceUUID.String(),
		TargetStatePayload{Version: version}, opts...)
}

func TargetStateAppAdded(deviceUUID uuid.UUID, appID, version int64, opts ...Option) api.Event {
	return mustNew(api.EventTargetStateAppAdded, api.AggregateDevice, deviceUUID.String(),
		TargetStatePayload{Version: version, AppID: &appID}, opts...)
}

func TargetStateAppUpdated(deviceUUID uuid.UUID, appID, version int64, opts ...Option) api.Event {
	return mustNew(api.EventTargetStateAppUpdated, api.AggregateDevice, deviceUUID.String(),
		TargetStatePayload{Version: version, AppID: &appID}, opts...)
}

func TargetStateAppRemoved(deviceUUID uuid.UUID, appID, version int64, opts ...Option) api.Event {
	return mustNew(api.EventTargetStateAppRemoved, api.AggregateDevice, deviceUUID.String(),
		TargetStatePayload{Version: version, AppID: &appID}, opts...)
}

type CurrentStatePayload struct {
	Version int64 `json:"version"`
}

func CurrentStateUpdated(deviceUUID uuid.UUID, version int64, opts ...Option) api.Event {
	return mustNew(api.EventCurrentStateUpdated, api.AggregateDevice, deviceUUID.String(),
		CurrentStatePayload{Version: version}, opts...)
}

// APIRestartPayload records a detected control-plane outage.
type APIRestartPayload struct {
	LastCheckAt     time.Time `json:"lastCheckAt"`
	ResumedAt       time.Time `json:"resumedAt"`
	DowntimeSeconds int64     `json:"downtimeSeconds"`
}

func APIRestart(lastCheckAt, resumedAt time.Time, downtime time.Duration, opts ...Option) api.Event {
	return mustNew(api.EventAPIRestart, api.AggregateSystem, api.SystemAggregateID,
		APIRestartPayload{
			LastCheckAt:     lastCheckAt,
			ResumedAt:       resumedAt,
			DowntimeSeconds: int64(downtime.Seconds()),
		}, opts...)
}

type RolloutCreatedPayload struct {
	ImageName    string     `json:"imageName"`
	OldTag       string     `json:"oldTag,omitempty"`
	NewTag       string     `json:"newTag"`
	PolicyID     *uuid.UUID `json:"policyId,omitempty"`
	TotalDevices int        `json:"totalDevices"`
	TotalBatches int        `json:"totalBatches"`
}

func RolloutCreated(rolloutID uuid.UUID, p RolloutCreatedPayload, opts ...Option) api.Event {
	opts = append(opts, WithCorrelation(rolloutID))
	return mustNew(api.EventRolloutCreated, api.AggregateRollout, rolloutID.String(), p, opts...)
}

type RolloutBatchPayload struct {
	Batch       int     `json:"batch"`
	DeviceCount int     `json:"deviceCount,omitempty"`
	FailureRate float64 `json:"failureRate,omitempty"`
	Reason      string  `json:"reason,omitempty"`
}

func RolloutBatchStarted(rolloutID uuid.UUID, batch, deviceCount int, opts ...Option) api.Event {
	opts = append(opts, WithCorrelation(rolloutID))
	return mustNew(api.EventRolloutBatchStarted, api.AggregateRollout, rolloutID.String(),
		RolloutBatchPayload{Batch: batch, DeviceCount: deviceCount}, opts...)
}

func RolloutPaused(rolloutID uuid.UUID, batch int, failureRate float64, reason string, opts ...Option) api.Event {
	opts = append(opts, WithCorrelation(rolloutID))
	return mustNew(api.EventRolloutPaused, api.AggregateRollout, rolloutID.String(),
		RolloutBatchPayload{Batch: batch, FailureRate: failureRate, Reason: reason}, opts...)
}

func RolloutResumed(rolloutID uuid.UUID, batch int, opts ...Option) api.Event {
	opts = append(opts, WithCorrelation(rolloutID))
	return mustNew(api.EventRolloutResumed, api.AggregateRollout, rolloutID.String(),
		RolloutBatchPayload{Batch: batch}, opts...)
}

type RolloutStopPayload struct {
	Reason     string `json:"reason,omitempty"`
	Succeeded  int    `json:"succeeded,omitempty"`
	Failed     int    `json:"failed,omitempty"`
	RolledBack int    `json:"rolledBack,omitempty"`
}

func RolloutCancelled(rolloutID uuid.UUID, reason string, opts ...Option) api.Event {
	opts = append(opts, WithCorrelation(rolloutID))
	return mustNew(api.EventRolloutCancelled, api.AggregateRollout, rolloutID.String(),
		RolloutStopPayload{Reason: reason}, opts...)
}

func RolloutCompleted(rolloutID uuid.UUID, succeeded, failed, rolledBack int, opts ...Option) api.Event {
	opts = append(opts, WithCorrelation(rolloutID))
	return mustNew(api.EventRolloutCompleted, api.AggregateRollout, rolloutID.String(),
		RolloutStopPayload{Succeeded: succeeded, Failed: failed, RolledBack: rolledBack}, opts...)
}

func RolloutFailed(rolloutID uuid.UUID, reason string, succeeded, failed, rolledBack int, opts ...Option) api.Event {
	opts = append(opts, WithCorrelation(rolloutID))
	return mustNew(api.EventRolloutFailed, api.AggregateRollout, rolloutID.String(),
		RolloutStopPayload{Reason: reason, Succeeded: succeeded, Failed: failed, RolledBack: rolledBack}, opts...)
}

func RolloutRolledBack(rolloutID uuid.UUID, reason string, deviceCount int, opts ...Option) api.Event {
	opts = append(opts, WithCorrelation(rolloutID))
	return mustNew(api.EventRolloutRolledBack, api.AggregateRollout, rolloutID.String(),
		RolloutStopPayload{Reason: reason, RolledBack: deviceCount}, opts...)
}

type RolloutTickFailedPayload struct {
	Error string `json:"error"`
}

func RolloutTickFailed(rolloutID uuid.UUID, errMsg string, opts ...Option) api.Event {
	opts = append(opts, WithCorrelation(rolloutID))
	return mustNew(api.EventRolloutTickFailed, api.AggregateRollout, rolloutID.String(),
		RolloutTickFailedPayload{Error: errMsg}, opts...)
}

type JobCreatedPayload struct {
	Name        string `json:"name,omitempty"`
	DeviceCount int    `json:"deviceCount"`
}

func JobCreated(jobID uuid.UUID, name string, deviceCount int, opts ...Option) api.Event {
	opts = append(opts, WithCorrelation(jobID))
	return mustNew(api.EventJobCreated, api.AggregateJob, jobID.String(),
		JobCreatedPayload{Name: name, DeviceCount: deviceCount}, opts...)
}

type JobTimedOutPayload struct {
	DeviceUUID     uuid.UUID `json:"deviceUuid"`
	TimeoutSeconds int       `json:"timeoutSeconds"`
}

func JobTimedOut(jobID, deviceUUID uuid.UUID, timeoutSeconds int, opts ...Option) api.Event {
	opts = append(opts, WithCorrelation(jobID))
	return mustNew(api.EventJobTimedOut, api.AggregateJob, jobID.String(),
		JobTimedOutPayload{DeviceUUID: deviceUUID, TimeoutSeconds: timeoutSeconds}, opts...)
}

type ApplicationPayload struct {
	AppName string `json:"appName"`
	Slug    string `json:"slug,omitempty"`
}

func ApplicationCreated(appID int64, appName, slug string, opts ...Option) api.Event {
	return mustNew(api.EventApplicationCreated, api.AggregateApplication, strconv.FormatInt(appID, 10),
		ApplicationPayload{AppName: appName, Slug: slug}, opts...)
}

func ApplicationUpdated(appID int64, appName string, opts ...Option) api.Event {
	return mustNew(api.EventApplicationUpdated, api.AggregateApplication, strconv.FormatInt(appID, 10),
		ApplicationPayload{AppName: appName}, opts...)
}

func ApplicationDeleted(appID int64, appName string, opts ...Option) api.Event {
	return mustNew(api.EventApplicationDeleted, api.AggregateApplication, strconv.FormatInt(appID, 10),
		ApplicationPayload{AppName: appName}, opts...)
}
