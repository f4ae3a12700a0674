package v1

import (
	"encoding/json"
	"fmt"

	"github.com/robfig/cron/v3"
)

type Validator interface {
	Validate() []error
}

// Validate checks the structural invariants of a state document.
// deviceOwned distinguishes current-state reports, which may carry device
// info and service runtime status, from target states, which must not.
func (d *StateDocument) Validate(deviceOwned bool) []error {
	allErrs := []error{}
	for id, app := range d.Apps {
		if app.AppID != id {
			allErrs = append(allErrs, fmt.Errorf("app key %d does not match appId %d", id, app.AppID))
		}
		if !deviceOwned && app.AppID < AppIDSequenceStart {
			allErrs = append(allErrs, fmt.Errorf("appId %d is below the allocatable range (ids below %d are reserved)", app.AppID, AppIDSequenceStart))
		}
		allErrs = append(allErrs, validateServices(app.AppID, app.Services, deviceOwned)...)
	}
	if !deviceOwned && d.DeviceInfo != nil {
		allErrs = append(allErrs, fmt.Errorf("deviceInfo is device-reported and not allowed in a target state"))
	}
	return allErrs
}

func validateServices(appID int64, services []ServiceState, deviceOwned bool) []error {
	allErrs := []error{}
	for i, svc := range services {
		if svc.ServiceID < ServiceIDSequenceStart {
			allErrs = append(allErrs, fmt.Errorf("app %d service[%d]: serviceId %d is not allocatable", appID, i, svc.ServiceID))
		}
		if _, err := ParseImageRef(svc.ImageName); err != nil {
			allErrs = append(allErrs, fmt.Errorf("app %d service[%d]: %w", appID, i, err))
		}
		if !deviceOwned && (svc.Status != "" || svc.ContainerID != "") {
			allErrs = append(allErrs, fmt.Errorf("app %d service[%d]: status and containerId are device-reported and not allowed in a target state", appID, i))
		}
	}
	return allErrs
}

// CheckLegacyAppImageKeys is CheckLegacyImageKeys for a single app payload,
// as submitted to the per-app deploy endpoints.
func CheckLegacyAppImageKeys(raw []byte) error {
	var app struct {
		Image    json.RawMessage `json:"image"`
		Services []struct {
			Config map[string]json.RawMessage `json:"config"`
		} `json:"services"`
	}
	if err := json.Unmarshal(raw, &app); err != nil {
		return nil // shape errors surface in the typed decode
	}
	if app.Image != nil {
		return fmt.Errorf("top-level \"image\" is not accepted; set imageName on each service")
	}
	for i, svc := range app.Services {
		if _, ok := svc.Config["image"]; ok {
			return fmt.Errorf("service[%d]: \"config.image\" is not accepted; set imageName on the service", i)
		}
	}
	return nil
}

// CheckLegacyImageKeys rejects documents using the retired image locations:
// an app-level "image" key or a service config carrying "image". The only
// image field is apps.*.services[*].imageName.
func CheckLegacyImageKeys(raw []byte) error {
	var doc struct {
		Apps map[string]json.RawMessage `json:"apps"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil // shape errors surface in the typed decode
	}
	for key, rawApp := range doc.Apps {
		var app struct {
			Image    json.RawMessage `json:"image"`
			Services []struct {
				Config map[string]json.RawMessage `json:"config"`
			} `json:"services"`
		}
		if err := json.Unmarshal(rawApp, &app); err != nil {
			continue
		}
		if app.Image != nil {
			return fmt.Errorf("app %q: top-level \"image\" is not accepted; set imageName on each service", key)
		}
		for i, svc := range app.Services {
			if _, ok := svc.Config["image"]; ok {
				return fmt.Errorf("app %q service[%d]: \"config.image\" is not accepted; set imageName on the service", key, i)
			}
		}
	}
	return nil
}

func (h *HealthCheckSpec) Validate() []error {
	allErrs := []error{}
	switch h.Type {
	case HealthCheckHTTP, HealthCheckTCP:
		if h.Endpoint == "" {
			allErrs = append(allErrs, fmt.Errorf("%s health check requires an endpoint template", h.Type))
		}
	case HealthCheckContainer:
		// probes current state only, no endpoint
	default:
		allErrs = append(allErrs, fmt.Errorf("unknown health check type %q", h.Type))
	}
	for _, code := range h.ExpectedStatus {
		if code < 100 || code > 599 {
			allErrs = append(allErrs, fmt.Errorf("expected status %d out of range", code))
		}
	}
	if h.TimeoutSeconds < 0 || h.Retries < 0 || h.IntervalSeconds < 0 {
		allErrs = append(allErrs, fmt.Errorf("health check timeout, retries and interval must not be negative"))
	}
	return allErrs
}

func (w *MaintenanceWindow) Validate() []error {
	allErrs := []error{}
	if _, err := cron.ParseStandard(w.CronExpr); err != nil {
		allErrs = append(allErrs, fmt.Errorf("invalid maintenance window cron %q: %w", w.CronExpr, err))
	}
	if w.DurationMinutes < 1 {
		allErrs = append(allErrs, fmt.Errorf("maintenance window duration must be at least one minute"))
	}
	return allErrs
}

func (d *JobDocument) Validate() []error {
	allErrs := []error{}
	if len(d.Steps) == 0 {
		allErrs = append(allErrs, fmt.Errorf("job document has no steps"))
	}
	for i, step := range d.Steps {
		switch step.Action.Type {
		case JobActionRunCommand, JobActionRunHandler:
		default:
			allErrs = append(allErrs, fmt.Errorf("step[%d]: unknown action type %q", i, step.Action.Type))
		}
	}
	return allErrs
}
