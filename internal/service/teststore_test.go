package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	api "github.com/flockctl/flockctl/api/v1"
	"github.com/flockctl/flockctl/internal/flerrors"
	"github.com/flockctl/flockctl/internal/store"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

// TestStore is an in-memory store.Store for service and orchestrator tests.
// Substores share one mutex; Transaction hands callers the same store, so
// code under test sees transactional semantics minus isolation, which the
// single-goroutine specs never depend on.
type TestStore struct {
	mu sync.Mutex

	devices       map[uuid.UUID]*api.Device
	targets       map[uuid.UUID]*targetRow
	currents      map[uuid.UUID]*currentRow
	applications  map[int64]*api.Application
	registry      []api.IDRegistryEntry
	nextAppID     int64
	nextServiceID int64
	policies      map[uuid.UUID]*api.RolloutPolicy
	rollouts      map[uuid.UUID]*api.Rollout
	rolloutRows   []*api.DeviceRolloutStatus
	jobs          map[uuid.UUID]*api.Job
	jobRows       []*api.DeviceJobStatus
	templates     map[uuid.UUID]*api.JobTemplate
	eventLog      []api.Event
	sysconfig     map[string][]byte
}

func NewTestStore() *TestStore {
	return &TestStore{
		devices:       map[uuid.UUID]*api.Device{},
		targets:       map[uuid.UUID]*targetRow{},
		currents:      map[uuid.UUID]*currentRow{},
		applications:  map[int64]*api.Application{},
		nextAppID:     api.AppIDSequenceStart,
		nextServiceID: api.ServiceIDSequenceStart,
		policies:      map[uuid.UUID]*api.RolloutPolicy{},
		rollouts:      map[uuid.UUID]*api.Rollout{},
		jobs:          map[uuid.UUID]*api.Job{},
		templates:     map[uuid.UUID]*api.JobTemplate{},
		sysconfig:     map[string][]byte{},
	}
}

type targetRow struct {
	doc     *api.StateDocument
	version int64
}

type currentRow struct {
	doc        *api.StateDocument
	version    int64
	reportedAt time.Time
}

var _ store.Store = (*TestStore)(nil)

func (s *TestStore) Device() store.Device               { return (*memDevice)(s) }
func (s *TestStore) DeviceState() store.DeviceState     { return (*memDeviceState)(s) }
func (s *TestStore) Application() store.Application     { return (*memApplication)(s) }
func (s *TestStore) IDRegistry() store.IDRegistry       { return (*memIDRegistry)(s) }
func (s *TestStore) RolloutPolicy() store.RolloutPolicy { return (*memRolloutPolicy)(s) }
func (s *TestStore) Rollout() store.Rollout             { return (*memRollout)(s) }
func (s *TestStore) Job() store.Job                     { return (*memJob)(s) }
func (s *TestStore) Event() store.Event                 { return (*memEvent)(s) }
func (s *TestStore) SystemConfig() store.SystemConfig   { return (*memSystemConfig)(s) }

func (s *TestStore) Transaction(ctx context.Context, fn func(tx store.Store) error) error {
	return fn(s)
}

func (s *TestStore) CheckHealth(ctx context.Context) error { return nil }
func (s *TestStore) InitialMigration() error               { return nil }
func (s *TestStore) Close() error                          { return nil }

// Events returns a snapshot of everything published, for assertions.
func (s *TestStore) Events() []api.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]api.Event(nil), s.eventLog...)
}

// EventTypes lists the published event types in publication order.
func (s *TestStore) EventTypes() []api.EventType {
	return lo.Map(s.Events(), func(e api.Event, _ int) api.EventType { return e.Type })
}

// BackdateDeviceContact rewinds a device's last contact so sweep tests can
// cross the offline threshold without sleeping.
func (s *TestStore) BackdateDeviceContact(id uuid.UUID, age time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.devices[id]
	if !ok {
		panic(fmt.Sprintf("BackdateDeviceContact: unknown device %s", id))
	}
	at := time.Now().UTC().Add(-age)
	row.Online = true
	row.LastContactAt = &at
}

// BackdateJobStart rewinds a claimed row's start time, for timeout tests.
func (s *TestStore) BackdateJobStart(jobID, deviceID uuid.UUID, age time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.jobRows {
		if row.JobID == jobID && row.DeviceUUID == deviceID {
			at := time.Now().UTC().Add(-age)
			row.StartedAt = &at
			return
		}
	}
	panic(fmt.Sprintf("BackdateJobStart: no row for job %s device %s", jobID, deviceID))
}

func deepCopy[T any](src *T) *T {
	if src == nil {
		return nil
	}
	data, err := json.Marshal(src)
	if err != nil {
		panic(fmt.Sprintf("deepCopy failed in test: %v", err))
	}
	dst := new(T)
	if err := json.Unmarshal(data, dst); err != nil {
		panic(fmt.Sprintf("deepCopy failed in test: %v", err))
	}
	return dst
}

// --------------------------------------> Device

type memDevice TestStore

func (s *memDevice) InitialMigration() error { return nil }

func (s *memDevice) Create(ctx context.Context, device *api.Device) (*api.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[device.UUID]; ok {
		return nil, flerrors.ErrDuplicateName
	}
	row := deepCopy(device)
	row.CreatedAt = time.Now().UTC()
	row.UpdatedAt = row.CreatedAt
	s.devices[device.UUID] = row
	return deepCopy(row), nil
}

func (s *memDevice) Get(ctx context.Context, id uuid.UUID) (*api.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.devices[id]
	if !ok {
		return nil, flerrors.ErrNotFound
	}
	return deepCopy(row), nil
}

func (s *memDevice) List(ctx context.Context) ([]api.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]api.Device, 0, len(s.devices))
	for _, row := range s.devices {
		out = append(out, *deepCopy(row))
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].UUID[:], out[j].UUID[:]) < 0
	})
	return out, nil
}

func (s *memDevice) SetActive(ctx context.Context, id uuid.UUID, active bool) (*api.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.devices[id]
	if !ok {
		return nil, flerrors.ErrNotFound
	}
	row.Active = active
	row.UpdatedAt = time.Now().UTC()
	return deepCopy(row), nil
}

func (s *memDevice) UpdateReportedInfo(ctx context.Context, id uuid.UUID, info *api.DeviceInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.devices[id]
	if !ok {
		return flerrors.ErrNotFound
	}
	if info.IPAddress != "" {
		row.IPAddress = info.IPAddress
	}
	if info.OSVersion != "" {
		row.OSVersion = info.OSVersion
	}
	if info.AgentVersion != "" {
		row.AgentVersion = info.AgentVersion
	}
	return nil
}

func (s *memDevice) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[id]; !ok {
		return flerrors.ErrNotFound
	}
	delete(s.devices, id)
	return nil
}

func (s *memDevice) TouchLastContact(ctx context.Context, ids []uuid.UUID, at time.Time) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var wasOffline []uuid.UUID
	for _, id := range ids {
		row, ok := s.devices[id]
		if !ok {
			continue
		}
		if !row.Online {
			wasOffline = append(wasOffline, id)
		}
		row.Online = true
		at := at
		row.LastContactAt = &at
	}
	return wasOffline, nil
}

func (s *memDevice) MarkOfflineBefore(ctx context.Context, cutoff time.Time) ([]api.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var marked []api.Device
	for _, row := range s.devices {
		if row.Online && row.LastContactAt != nil && row.LastContactAt.Before(cutoff) {
			row.Online = false
			marked = append(marked, *deepCopy(row))
		}
	}
	sort.Slice(marked, func(i, j int) bool {
		return bytes.Compare(marked[i].UUID[:], marked[j].UUID[:]) < 0
	})
	return marked, nil
}

func (s *memDevice) Counts(ctx context.Context) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var online, offline int64
	for _, row := range s.devices {
		if row.Online {
			online++
		} else {
			offline++
		}
	}
	return online, offline, nil
}

func (s *memDevice) ExistsActive(ctx context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.devices[id]
	return ok && row.Active, nil
}

func (s *memDevice) FilterForRollout(ctx context.Context, ids []uuid.UUID, filter *api.DeviceFilter) ([]api.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []api.Device
	for _, id := range ids {
		row, ok := s.devices[id]
		if !ok || !row.Active {
			continue
		}
		if filter != nil {
			if filter.FleetID != "" && row.FleetID != filter.FleetID {
				continue
			}
			if len(filter.UUIDs) > 0 && !lo.Contains(filter.UUIDs, row.UUID.String()) {
				continue
			}
			if len(filter.Tags) > 0 {
				if len(lo.Intersect(filter.Tags, row.Tags)) == 0 {
					continue
				}
			}
		}
		out = append(out, *deepCopy(row))
	}
	return out, nil
}

// --------------------------------------> DeviceState

type memDeviceState TestStore

func (s *memDeviceState) InitialMigration() error { return nil }

func (s *memDeviceState) GetTarget(ctx context.Context, deviceID uuid.UUID) (*api.StateDocument, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.targets[deviceID]
	if !ok {
		return nil, 0, flerrors.ErrNoTargetState
	}
	return deepCopy(row.doc), row.version, nil
}

func (s *memDeviceState) GetTargetForUpdate(ctx context.Context, deviceID uuid.UUID) (*api.StateDocument, int64, error) {
	return s.GetTarget(ctx, deviceID)
}

func (s *memDeviceState) SaveTarget(ctx context.Context, deviceID uuid.UUID, doc *api.StateDocument) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.targets[deviceID]
	if !ok {
		row = &targetRow{}
		s.targets[deviceID] = row
	}
	row.doc = deepCopy(doc)
	row.version++
	return row.version, nil
}

func (s *memDeviceState) GetCurrent(ctx context.Context, deviceID uuid.UUID) (*api.StateDocument, int64, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.currents[deviceID]
	if !ok {
		return nil, 0, time.Time{}, flerrors.ErrNotFound
	}
	return deepCopy(row.doc), row.version, row.reportedAt, nil
}

func (s *memDeviceState) SaveCurrent(ctx context.Context, deviceID uuid.UUID, doc *api.StateDocument, reportedAt time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.currents[deviceID]
	if !ok {
		row = &currentRow{}
		s.currents[deviceID] = row
	}
	row.doc = deepCopy(doc)
	row.version++
	row.reportedAt = reportedAt
	return row.version, nil
}

func (s *memDeviceState) ListImageRefs(ctx context.Context, repo string) ([]store.ImageRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.ImageRef
	for deviceID, row := range s.targets {
		for _, app := range row.doc.Apps {
			for _, svc := range app.Services {
				ref, err := api.ParseImageRef(svc.ImageName)
				if err != nil || ref.Repo != repo {
					continue
				}
				out = append(out, store.ImageRef{DeviceUUID: deviceID, ImageName: svc.ImageName})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].DeviceUUID[:], out[j].DeviceUUID[:]) < 0
	})
	return out, nil
}

func (s *memDeviceState) CountTargetsReferencingApp(ctx context.Context, appID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, row := range s.targets {
		if _, ok := row.doc.Apps[appID]; ok {
			n++
		}
	}
	return n, nil
}

func (s *memDeviceState) DeleteForDevice(ctx context.Context, deviceID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.targets, deviceID)
	delete(s.currents, deviceID)
	return nil
}

// --------------------------------------> Application

type memApplication TestStore

func (s *memApplication) InitialMigration() error { return nil }

func (s *memApplication) Create(ctx context.Context, app *api.Application) (*api.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.applications {
		if existing.Slug == app.Slug {
			return nil, flerrors.ErrDuplicateName
		}
	}
	row := deepCopy(app)
	row.CreatedAt = time.Now().UTC()
	row.UpdatedAt = row.CreatedAt
	s.applications[app.AppID] = row
	return deepCopy(row), nil
}

func (s *memApplication) Get(ctx context.Context, appID int64) (*api.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.applications[appID]
	if !ok {
		return nil, flerrors.ErrNotFound
	}
	return deepCopy(row), nil
}

func (s *memApplication) List(ctx context.Context) ([]api.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]api.Application, 0, len(s.applications))
	for _, row := range s.applications {
		out = append(out, *deepCopy(row))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AppID < out[j].AppID })
	return out, nil
}

func (s *memApplication) Update(ctx context.Context, app *api.Application) (*api.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.applications[app.AppID]; !ok {
		return nil, flerrors.ErrNotFound
	}
	row := deepCopy(app)
	row.UpdatedAt = time.Now().UTC()
	s.applications[app.AppID] = row
	return deepCopy(row), nil
}

func (s *memApplication) Delete(ctx context.Context, appID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.applications[appID]; !ok {
		return flerrors.ErrNotFound
	}
	delete(s.applications, appID)
	return nil
}

// --------------------------------------> IDRegistry

type memIDRegistry TestStore

func (s *memIDRegistry) InitialMigration() error { return nil }

func (s *memIDRegistry) NextID(ctx context.Context, kind api.IDKind, name string, appID *int64, metadata json.RawMessage) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var id int64
	switch kind {
	case api.IDKindApp:
		id = s.nextAppID
		s.nextAppID++
	case api.IDKindService:
		id = s.nextServiceID
		s.nextServiceID++
	default:
		return 0, fmt.Errorf("%w: unknown id kind %q", flerrors.ErrInvalidInput, kind)
	}
	s.registry = append(s.registry, api.IDRegistryEntry{
		Kind:      kind,
		ID:        id,
		Name:      name,
		AppID:     appID,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	})
	return id, nil
}

func (s *memIDRegistry) List(ctx context.Context, kind *api.IDKind) ([]api.IDRegistryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []api.IDRegistryEntry
	for _, entry := range s.registry {
		if kind == nil || entry.Kind == *kind {
			out = append(out, entry)
		}
	}
	return out, nil
}

// --------------------------------------> RolloutPolicy

type memRolloutPolicy TestStore

func (s *memRolloutPolicy) InitialMigration() error { return nil }

func (s *memRolloutPolicy) Create(ctx context.Context, policy *api.RolloutPolicy) (*api.RolloutPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := deepCopy(policy)
	row.CreatedAt = time.Now().UTC()
	row.UpdatedAt = row.CreatedAt
	s.policies[policy.ID] = row
	return deepCopy(row), nil
}

func (s *memRolloutPolicy) Get(ctx context.Context, id uuid.UUID) (*api.RolloutPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.policies[id]
	if !ok {
		return nil, flerrors.ErrNotFound
	}
	return deepCopy(row), nil
}

func (s *memRolloutPolicy) List(ctx context.Context, enabledOnly bool) ([]api.RolloutPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []api.RolloutPolicy
	for _, row := range s.policies {
		if enabledOnly && !row.Enabled {
			continue
		}
		out = append(out, *deepCopy(row))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memRolloutPolicy) Update(ctx context.Context, policy *api.RolloutPolicy) (*api.RolloutPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.policies[policy.ID]
	if !ok {
		return nil, flerrors.ErrNotFound
	}
	row := deepCopy(policy)
	row.CreatedAt = existing.CreatedAt
	row.UpdatedAt = time.Now().UTC()
	s.policies[policy.ID] = row
	return deepCopy(row), nil
}

func (s *memRolloutPolicy) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.policies[id]; !ok {
		return flerrors.ErrNotFound
	}
	delete(s.policies, id)
	return nil
}

// --------------------------------------> Rollout

type memRollout TestStore

func (s *memRollout) InitialMigration() error { return nil }

func (s *memRollout) Create(ctx context.Context, rollout *api.Rollout) (*api.Rollout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := deepCopy(rollout)
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	s.rollouts[rollout.RolloutID] = row
	return deepCopy(row), nil
}

func (s *memRollout) Get(ctx context.Context, id uuid.UUID) (*api.Rollout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rollouts[id]
	if !ok {
		return nil, flerrors.ErrNotFound
	}
	return deepCopy(row), nil
}

func (s *memRollout) GetForUpdate(ctx context.Context, id uuid.UUID) (*api.Rollout, error) {
	return s.Get(ctx, id)
}

func (s *memRollout) List(ctx context.Context, statuses []api.RolloutStatus, limit int) ([]api.Rollout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []api.Rollout
	for _, row := range s.rollouts {
		if len(statuses) > 0 && !lo.Contains(statuses, row.Status) {
			continue
		}
		out = append(out, *deepCopy(row))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memRollout) ListUnfinished(ctx context.Context) ([]api.Rollout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []api.Rollout
	for _, row := range s.rollouts {
		switch {
		case row.Status == api.RolloutStatusPending || row.Status == api.RolloutStatusRunning:
			out = append(out, *deepCopy(row))
		case row.Status == api.RolloutStatusCancelled && row.FinishedAt == nil:
			out = append(out, *deepCopy(row))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memRollout) FindActiveByImageTag(ctx context.Context, image, tag string) (*api.Rollout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.rollouts {
		if row.ImageName == image && row.NewTag == tag && !row.Status.IsTerminal() {
			return deepCopy(row), nil
		}
	}
	return nil, flerrors.ErrNotFound
}

func (s *memRollout) Update(ctx context.Context, rollout *api.Rollout) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rollouts[rollout.RolloutID]; !ok {
		return flerrors.ErrNotFound
	}
	s.rollouts[rollout.RolloutID] = deepCopy(rollout)
	return nil
}

func (s *memRollout) InsertDeviceStatuses(ctx context.Context, statuses []api.DeviceRolloutStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range statuses {
		s.rolloutRows = append(s.rolloutRows, deepCopy(&statuses[i]))
	}
	return nil
}

func (s *memRollout) GetDeviceStatus(ctx context.Context, rolloutID, deviceID uuid.UUID) (*api.DeviceRolloutStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.rolloutRows {
		if row.RolloutID == rolloutID && row.DeviceUUID == deviceID {
			return deepCopy(row), nil
		}
	}
	return nil, flerrors.ErrNotFound
}

func (s *memRollout) ListDeviceStatuses(ctx context.Context, rolloutID uuid.UUID, batch *int, statuses []api.DeviceUpdateStatus) ([]api.DeviceRolloutStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []api.DeviceRolloutStatus
	for _, row := range s.rolloutRows {
		if row.RolloutID != rolloutID {
			continue
		}
		if batch != nil && row.BatchNumber != *batch {
			continue
		}
		if len(statuses) > 0 && !lo.Contains(statuses, row.Status) {
			continue
		}
		out = append(out, *deepCopy(row))
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].DeviceUUID[:], out[j].DeviceUUID[:]) < 0
	})
	return out, nil
}

func (s *memRollout) UpdateDeviceStatus(ctx context.Context, status *api.DeviceRolloutStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, row := range s.rolloutRows {
		if row.RolloutID == status.RolloutID && row.DeviceUUID == status.DeviceUUID {
			s.rolloutRows[i] = deepCopy(status)
			return nil
		}
	}
	return flerrors.ErrNotFound
}

func (s *memRollout) CountDeviceStatuses(ctx context.Context, rolloutID uuid.UUID) (map[api.DeviceUpdateStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := map[api.DeviceUpdateStatus]int{}
	for _, row := range s.rolloutRows {
		if row.RolloutID == rolloutID {
			counts[row.Status]++
		}
	}
	return counts, nil
}

func (s *memRollout) DeleteDeviceStatusesForDevice(ctx context.Context, deviceID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rolloutRows = lo.Filter(s.rolloutRows, func(row *api.DeviceRolloutStatus, _ int) bool {
		return row.DeviceUUID != deviceID
	})
	return nil
}

// --------------------------------------> Job

type memJob TestStore

func (s *memJob) InitialMigration() error { return nil }

func (s *memJob) Create(ctx context.Context, job *api.Job, queuedAt time.Time) (*api.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := deepCopy(job)
	row.CreatedAt = queuedAt
	s.jobs[job.JobID] = row
	for _, deviceID := range job.TargetDevices {
		s.jobRows = append(s.jobRows, &api.DeviceJobStatus{
			JobID:      job.JobID,
			DeviceUUID: deviceID,
			Status:     api.JobStateQueued,
			QueuedAt:   queuedAt,
		})
	}
	return deepCopy(row), nil
}

func (s *memJob) Get(ctx context.Context, id uuid.UUID) (*api.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.jobs[id]
	if !ok {
		return nil, flerrors.ErrNotFound
	}
	return deepCopy(row), nil
}

func (s *memJob) List(ctx context.Context, statuses []api.JobStatus, limit int) ([]api.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []api.Job
	for _, row := range s.jobs {
		if len(statuses) > 0 && !lo.Contains(statuses, row.Status) {
			continue
		}
		out = append(out, *deepCopy(row))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memJob) ClaimNext(ctx context.Context, deviceID uuid.UUID, at time.Time) (*api.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var candidate *api.DeviceJobStatus
	for _, row := range s.jobRows {
		if row.DeviceUUID != deviceID {
			continue
		}
		if row.Status == api.JobStateInProgress {
			return nil, flerrors.ErrNotFound
		}
		if row.Status != api.JobStateQueued {
			continue
		}
		if candidate == nil || row.QueuedAt.Before(candidate.QueuedAt) {
			candidate = row
		}
	}
	if candidate == nil {
		return nil, flerrors.ErrNotFound
	}
	candidate.Status = api.JobStateInProgress
	startedAt := at
	candidate.StartedAt = &startedAt
	return deepCopy(s.jobs[candidate.JobID]), nil
}

func (s *memJob) GetDeviceStatusForUpdate(ctx context.Context, jobID, deviceID uuid.UUID) (*api.DeviceJobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.jobRows {
		if row.JobID == jobID && row.DeviceUUID == deviceID {
			return deepCopy(row), nil
		}
	}
	return nil, flerrors.ErrNotFound
}

func (s *memJob) ListDeviceStatuses(ctx context.Context, jobID uuid.UUID) ([]api.DeviceJobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []api.DeviceJobStatus
	for _, row := range s.jobRows {
		if row.JobID == jobID {
			out = append(out, *deepCopy(row))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].DeviceUUID[:], out[j].DeviceUUID[:]) < 0
	})
	return out, nil
}

func (s *memJob) UpdateDeviceStatus(ctx context.Context, status *api.DeviceJobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, row := range s.jobRows {
		if row.JobID == status.JobID && row.DeviceUUID == status.DeviceUUID {
			s.jobRows[i] = deepCopy(status)
			return nil
		}
	}
	return flerrors.ErrNotFound
}

func (s *memJob) CancelRemaining(ctx context.Context, jobID uuid.UUID, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, row := range s.jobRows {
		if row.JobID != jobID {
			continue
		}
		if row.Status == api.JobStateQueued || row.Status == api.JobStateInProgress {
			row.Status = api.JobStateCancelled
			at := at
			row.CompletedAt = &at
			n++
		}
	}
	return n, nil
}

func (s *memJob) SweepTimeouts(ctx context.Context, now time.Time) ([]api.DeviceJobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var swept []api.DeviceJobStatus
	for _, row := range s.jobRows {
		if row.Status != api.JobStateInProgress || row.StartedAt == nil {
			continue
		}
		job, ok := s.jobs[row.JobID]
		if !ok {
			continue
		}
		deadline := row.StartedAt.Add(time.Duration(job.TimeoutSeconds) * time.Second)
		if deadline.Before(now) {
			row.Status = api.JobStateTimedOut
			now := now
			row.CompletedAt = &now
			swept = append(swept, *deepCopy(row))
		}
	}
	return swept, nil
}

func (s *memJob) CountDeviceStatuses(ctx context.Context, jobID uuid.UUID) (map[api.DeviceJobState]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := map[api.DeviceJobState]int{}
	for _, row := range s.jobRows {
		if row.JobID == jobID {
			counts[row.Status]++
		}
	}
	return counts, nil
}

func (s *memJob) UpdateAggregate(ctx context.Context, jobID uuid.UUID, status api.JobStatus, counters api.JobCounters) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.jobs[jobID]
	if !ok {
		return flerrors.ErrNotFound
	}
	row.Status = status
	row.Counters = counters
	return nil
}

func (s *memJob) DeleteStatusesForDevice(ctx context.Context, deviceID uuid.UUID) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var touched []uuid.UUID
	var kept []*api.DeviceJobStatus
	for _, row := range s.jobRows {
		if row.DeviceUUID == deviceID {
			touched = append(touched, row.JobID)
			continue
		}
		kept = append(kept, row)
	}
	s.jobRows = kept
	return lo.Uniq(touched), nil
}

func (s *memJob) CreateTemplate(ctx context.Context, tpl *api.JobTemplate) (*api.JobTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.templates {
		if existing.Name == tpl.Name {
			return nil, flerrors.ErrDuplicateName
		}
	}
	row := deepCopy(tpl)
	row.CreatedAt = time.Now().UTC()
	s.templates[tpl.TemplateID] = row
	return deepCopy(row), nil
}

func (s *memJob) GetTemplate(ctx context.Context, id uuid.UUID) (*api.JobTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.templates[id]
	if !ok {
		return nil, flerrors.ErrNotFound
	}
	return deepCopy(row), nil
}

func (s *memJob) ListTemplates(ctx context.Context) ([]api.JobTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]api.JobTemplate, 0, len(s.templates))
	for _, row := range s.templates {
		out = append(out, *deepCopy(row))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *memJob) DeleteTemplate(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.templates[id]; !ok {
		return flerrors.ErrNotFound
	}
	delete(s.templates, id)
	return nil
}

// --------------------------------------> Event

type memEvent TestStore

func (s *memEvent) InitialMigration() error { return nil }

func (s *memEvent) Publish(ctx context.Context, events ...api.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventLog = append(s.eventLog, events...)
	return nil
}

func (s *memEvent) ListByAggregate(ctx context.Context, kind api.AggregateKind, id string, since *time.Time, limit int) ([]api.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []api.Event
	for _, e := range s.eventLog {
		if e.AggregateKind != kind || e.AggregateID != id {
			continue
		}
		if since != nil && e.Timestamp.Before(*since) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memEvent) ListRecent(ctx context.Context, types []api.EventType, since *time.Time, limit int) ([]api.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []api.Event
	for _, e := range s.eventLog {
		if len(types) > 0 && !lo.Contains(types, e.Type) {
			continue
		}
		if since != nil && e.Timestamp.Before(*since) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memEvent) GetChain(ctx context.Context, correlationID uuid.UUID) ([]api.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []api.Event
	for _, e := range s.eventLog {
		if e.CorrelationID != nil && *e.CorrelationID == correlationID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *memEvent) Stats(ctx context.Context, days int) ([]api.EventStat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	counts := map[string]map[api.EventType]int64{}
	for _, e := range s.eventLog {
		if e.Timestamp.Before(cutoff) {
			continue
		}
		day := e.Timestamp.Format("2006-01-02")
		if counts[day] == nil {
			counts[day] = map[api.EventType]int64{}
		}
		counts[day][e.Type]++
	}
	var out []api.EventStat
	for day, byType := range counts {
		for eventType, n := range byType {
			out = append(out, api.EventStat{Day: day, Type: eventType, Count: n})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Day != out[j].Day {
			return out[i].Day < out[j].Day
		}
		return out[i].Type < out[j].Type
	})
	return out, nil
}

func (s *memEvent) EnsurePartitions(ctx context.Context, now time.Time, aheadDays int) error {
	return nil
}

func (s *memEvent) DropPartitionsBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventLog = lo.Filter(s.eventLog, func(e api.Event, _ int) bool {
		return !e.Timestamp.Before(cutoff)
	})
	return nil, nil
}

// --------------------------------------> SystemConfig

type memSystemConfig TestStore

func (s *memSystemConfig) InitialMigration() error { return nil }

func (s *memSystemConfig) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.sysconfig[key]
	if !ok {
		return nil, flerrors.ErrNotFound
	}
	return value, nil
}

func (s *memSystemConfig) Set(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sysconfig[key] = value
	return nil
}

func (s *memSystemConfig) GetTime(ctx context.Context, key string) (*time.Time, error) {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var t time.Time
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *memSystemConfig) SetTime(ctx context.Context, key string, value time.Time) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.Set(ctx, key, raw)
}
