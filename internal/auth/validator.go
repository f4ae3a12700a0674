package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/sirupsen/logrus"

	api "github.com/flockctl/flockctl/api/v1"
	"github.com/flockctl/flockctl/internal/config"
	"github.com/flockctl/flockctl/internal/flerrors"
	"github.com/flockctl/flockctl/internal/store"
)

// deviceCacheTTL bounds how long a device existence lookup is reused.
// Deletions are invalidated eagerly through the event listener; the TTL
// only covers notifications lost on the best-effort channel.
const deviceCacheTTL = 5 * time.Minute

// Validator checks bearer credentials against the configured shared keys
// and, for devices, against the device registry.
type Validator struct {
	store store.Store
	log   logrus.FieldLogger

	enabled      bool
	deviceKey    string
	operatorKeys []string

	devices *ttlcache.Cache[uuid.UUID, bool]
}

func NewValidator(cfg *config.Config, st store.Store, log logrus.FieldLogger) *Validator {
	v := &Validator{
		store:   st,
		log:     log,
		devices: ttlcache.New(ttlcache.WithTTL[uuid.UUID, bool](deviceCacheTTL)),
	}
	if cfg.Auth != nil {
		v.enabled = true
		v.deviceKey = cfg.Auth.DeviceKey
		v.operatorKeys = cfg.Auth.OperatorKeys
	}
	return v
}

// Enabled reports whether credentials are checked at all.
func (v *Validator) Enabled() bool { return v.enabled }

// Start runs the cache eviction loop; call Stop on shutdown.
func (v *Validator) Start() { v.devices.Start() }

func (v *Validator) Stop() { v.devices.Stop() }

// ValidateOperator checks an operator bearer key.
func (v *Validator) ValidateOperator(ctx context.Context, token string) (*Identity, error) {
	for _, key := range v.operatorKeys {
		if key != "" && subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1 {
			return &Identity{Kind: KindOperator}, nil
		}
	}
	return nil, fmt.Errorf("%w: unknown operator key", flerrors.ErrUnauthorized)
}

// ValidateDevice checks a "<uuid>:<device-key>" token and that the uuid
// names a registered, active device.
func (v *Validator) ValidateDevice(ctx context.Context, token string) (*Identity, error) {
	idPart, keyPart, found := strings.Cut(token, ":")
	if !found {
		return nil, fmt.Errorf("%w: device token must be <uuid>:<key>", flerrors.ErrUnauthorized)
	}
	id, err := uuid.Parse(idPart)
	if err != nil {
		return nil, fmt.Errorf("%w: device token carries no device uuid", flerrors.ErrUnauthorized)
	}
	if v.deviceKey == "" || subtle.ConstantTimeCompare([]byte(keyPart), []byte(v.deviceKey)) != 1 {
		return nil, fmt.Errorf("%w: wrong device key", flerrors.ErrUnauthorized)
	}
	known, err := v.deviceKnown(ctx, id)
	if err != nil {
		return nil, err
	}
	if !known {
		return nil, fmt.Errorf("%w: unknown device %s", flerrors.ErrUnauthorized, id)
	}
	return &Identity{Kind: KindDevice, DeviceID: id}, nil
}

func (v *Validator) deviceKnown(ctx context.Context, id uuid.UUID) (bool, error) {
	if item := v.devices.Get(id); item != nil {
		return item.Value(), nil
	}
	exists, err := v.store.Device().ExistsActive(ctx, id)
	if err != nil {
		return false, err
	}
	v.devices.Set(id, exists, ttlcache.DefaultTTL)
	return exists, nil
}

// InvalidateDevice drops the cached existence entry for a device.
func (v *Validator) InvalidateDevice(id uuid.UUID) {
	v.devices.Delete(id)
}

// WatchInvalidations consumes event notifications and drops cache entries
// for devices whose registration changed, so a deleted device loses access
// at notification latency instead of cache TTL. Runs until ctx is
// cancelled or the channel closes.
func (v *Validator) WatchInvalidations(ctx context.Context, notes <-chan store.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case note, ok := <-notes:
			if !ok {
				return
			}
			if note.AggregateKind != api.AggregateDevice {
				continue
			}
			switch note.Type {
			case api.EventDeviceDeleted, api.EventDeviceRegistered:
				id, err := uuid.Parse(note.AggregateID)
				if err != nil {
					continue
				}
				v.InvalidateDevice(id)
			}
		}
	}
}
