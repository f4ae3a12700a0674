package flerrors

import (
	"errors"

	"gorm.io/gorm"
)

var (
	ErrNotFound        = errors.New("object not found")
	ErrDuplicateName   = errors.New("an object with this name already exists")
	ErrVersionConflict = errors.New("the object has been modified; please apply your changes to the latest version and try again")
	ErrInvalidInput    = errors.New("invalid input")
	ErrConflict        = errors.New("the request conflicts with the current state of the object")
	ErrUnauthorized    = errors.New("authentication required")
	ErrForbidden       = errors.New("access denied")
	ErrNotReady        = errors.New("service not ready")

	// state documents
	ErrNotModified       = errors.New("document unchanged since the supplied version")
	ErrNoTargetState     = errors.New("no target state for device")
	ErrAppNotInState     = errors.New("application not present in target state")
	ErrAppAlreadyInState = errors.New("application already present in target state")

	// devices
	ErrDeviceInactive = errors.New("device is deactivated")

	// applications
	ErrApplicationInUse = errors.New("application is referenced by device target states")

	// rollouts
	ErrRolloutTransition = errors.New("rollout state transition not allowed")
	ErrRolloutActive     = errors.New("an active rollout already exists for this image")

	// jobs
	ErrJobFinalized = errors.New("job execution already reached a terminal status")

	// webhooks
	ErrInvalidSignature = errors.New("webhook signature verification failed")
)

// ErrorFromGormError converts well-known gorm errors into our sentinels so
// callers never need to import gorm to classify a failure.
func ErrorFromGormError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrDuplicateName
	default:
		return err
	}
}
