package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	api "github.com/flockctl/flockctl/api/v1"
	"github.com/flockctl/flockctl/internal/flerrors"
	"github.com/flockctl/flockctl/internal/store/model"
)

type Job interface {
	InitialMigration() error
	Create(ctx context.Context, job *api.Job, queuedAt time.Time) (*api.Job, error)
	Get(ctx context.Context, id uuid.UUID) (*api.Job, error)
	List(ctx context.Context, statuses []api.JobStatus, limit int) ([]api.Job, error)

	// ClaimNext atomically moves the device's oldest QUEUED row to
	// IN_PROGRESS and returns its job. ErrNotFound means nothing is
	// queued, or the device already holds an IN_PROGRESS row.
	ClaimNext(ctx context.Context, deviceID uuid.UUID, at time.Time) (*api.Job, error)

	GetDeviceStatusForUpdate(ctx context.Context, jobID, deviceID uuid.UUID) (*api.DeviceJobStatus, error)
	ListDeviceStatuses(ctx context.Context, jobID uuid.UUID) ([]api.DeviceJobStatus, error)
	UpdateDeviceStatus(ctx context.Context, status *api.DeviceJobStatus) error

	// CancelRemaining flips the job's QUEUED and IN_PROGRESS rows to
	// CANCELLED, returning how many rows changed.
	CancelRemaining(ctx context.Context, jobID uuid.UUID, at time.Time) (int64, error)

	// SweepTimeouts marks IN_PROGRESS rows older than their job's
	// timeout as TIMED_OUT and returns the affected (job, device) pairs.
	SweepTimeouts(ctx context.Context, now time.Time) ([]api.DeviceJobStatus, error)

	CountDeviceStatuses(ctx context.Context, jobID uuid.UUID) (map[api.DeviceJobState]int, error)
	UpdateAggregate(ctx context.Context, jobID uuid.UUID, status api.JobStatus, counters api.JobCounters) error

	// DeleteStatusesForDevice removes the device's rows across all jobs
	// and returns the ids of jobs that were touched, so callers can
	// recompute their aggregates.
	DeleteStatusesForDevice(ctx context.Context, deviceID uuid.UUID) ([]uuid.UUID, error)

	CreateTemplate(ctx context.Context, tpl *api.JobTemplate) (*api.JobTemplate, error)
	GetTemplate(ctx context.Context, id uuid.UUID) (*api.JobTemplate, error)
	ListTemplates(ctx context.Context) ([]api.JobTemplate, error)
	DeleteTemplate(ctx context.Context, id uuid.UUID) error
}

type JobStore struct {
	db  *gorm.DB
	log logrus.FieldLogger
}

var _ Job = (*JobStore)(nil)

func NewJob(db *gorm.DB, log logrus.FieldLogger) *JobStore {
	return &JobStore{db: db, log: log}
}

func (s *JobStore) InitialMigration() error {
	if err := s.db.AutoMigrate(&model.Job{}); err != nil {
		return err
	}
	if err := s.db.AutoMigrate(&model.DeviceJobStatus{}); err != nil {
		return err
	}
	if err := s.db.AutoMigrate(&model.JobTemplate{}); err != nil {
		return err
	}
	// Belt against double claims: a device may hold at most one
	// IN_PROGRESS row no matter how the claim races.
	return s.db.Exec(
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_device_job_in_progress
		 ON device_job_statuses (device_uuid) WHERE status = 'IN_PROGRESS'`,
	).Error
}

func (s *JobStore) Create(ctx context.Context, job *api.Job, queuedAt time.Time) (*api.Job, error) {
	row := model.NewJobFromApi(job)
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, flerrors.ErrorFromGormError(err)
	}
	statuses := make([]model.DeviceJobStatus, 0, len(job.TargetDevices))
	for _, deviceID := range job.TargetDevices {
		statuses = append(statuses, model.DeviceJobStatus{
			JobID:      job.JobID,
			DeviceUUID: deviceID,
			Status:     string(api.JobStateQueued),
			QueuedAt:   queuedAt,
			UpdatedAt:  queuedAt,
		})
	}
	if len(statuses) > 0 {
		if err := s.db.WithContext(ctx).CreateInBatches(statuses, 500).Error; err != nil {
			return nil, flerrors.ErrorFromGormError(err)
		}
	}
	return row.ToApi(), nil
}

func (s *JobStore) Get(ctx context.Context, id uuid.UUID) (*api.Job, error) {
	var row model.Job
	result := s.db.WithContext(ctx).Take(&row, "job_id = ?", id)
	if result.Error != nil {
		return nil, flerrors.ErrorFromGormError(result.Error)
	}
	return row.ToApi(), nil
}

func (s *JobStore) List(ctx context.Context, statuses []api.JobStatus, limit int) ([]api.Job, error) {
	query := s.db.WithContext(ctx).Model(&model.Job{}).Order("created_at DESC, job_id")
	if len(statuses) > 0 {
		query = query.Where("status IN ?", lo.Map(statuses, func(s api.JobStatus, _ int) string { return string(s) }))
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []model.Job
	result := query.Find(&rows)
	if result.Error != nil {
		return nil, flerrors.ErrorFromGormError(result.Error)
	}
	jobs := make([]api.Job, 0, len(rows))
	for i := range rows {
		jobs = append(jobs, *rows[i].ToApi())
	}
	return jobs, nil
}

func (s *JobStore) ClaimNext(ctx context.Context, deviceID uuid.UUID, at time.Time) (*api.Job, error) {
	// Oldest QUEUED row wins. The NOT EXISTS guard enforces one
	// IN_PROGRESS per device in the common path; the partial unique
	// index catches the remaining race, which we report as no work.
	var claimed []struct {
		JobID uuid.UUID
	}
	err := s.db.WithContext(ctx).Raw(`
		UPDATE device_job_statuses
		SET status = 'IN_PROGRESS', started_at = ?, updated_at = ?
		WHERE (job_id, device_uuid) IN (
			SELECT job_id, device_uuid FROM device_job_statuses
			WHERE device_uuid = ? AND status = 'QUEUED'
			  AND NOT EXISTS (
				SELECT 1 FROM device_job_statuses b
				WHERE b.device_uuid = ? AND b.status = 'IN_PROGRESS'
			  )
			ORDER BY queued_at, job_id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING job_id`,
		at, at, deviceID, deviceID,
	).Scan(&claimed).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, flerrors.ErrNotFound
		}
		return nil, flerrors.ErrorFromGormError(err)
	}
	if len(claimed) == 0 {
		return nil, flerrors.ErrNotFound
	}
	return s.Get(ctx, claimed[0].JobID)
}

func (s *JobStore) GetDeviceStatusForUpdate(ctx context.Context, jobID, deviceID uuid.UUID) (*api.DeviceJobStatus, error) {
	var row model.DeviceJobStatus
	result := s.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Take(&row, "job_id = ? AND device_uuid = ?", jobID, deviceID)
	if result.Error != nil {
		return nil, flerrors.ErrorFromGormError(result.Error)
	}
	return row.ToApi(), nil
}

func (s *JobStore) ListDeviceStatuses(ctx context.Context, jobID uuid.UUID) ([]api.DeviceJobStatus, error) {
	var rows []model.DeviceJobStatus
	result := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("device_uuid").
		Find(&rows)
	if result.Error != nil {
		return nil, flerrors.ErrorFromGormError(result.Error)
	}
	out := make([]api.DeviceJobStatus, 0, len(rows))
	for i := range rows {
		out = append(out, *rows[i].ToApi())
	}
	return out, nil
}

func (s *JobStore) UpdateDeviceStatus(ctx context.Context, status *api.DeviceJobStatus) error {
	result := s.db.WithContext(ctx).Model(&model.DeviceJobStatus{}).
		Where("job_id = ? AND device_uuid = ?", status.JobID, status.DeviceUUID).
		Updates(map[string]any{
			"status":         string(status.Status),
			"status_details": status.StatusDetails,
			"exit_code":      status.ExitCode,
			"stdout":         status.Stdout,
			"stderr":         status.Stderr,
			"started_at":     status.StartedAt,
			"completed_at":   status.CompletedAt,
			"updated_at":     time.Now().UTC(),
		})
	if result.Error != nil {
		return flerrors.ErrorFromGormError(result.Error)
	}
	if result.RowsAffected == 0 {
		return flerrors.ErrNotFound
	}
	return nil
}

func (s *JobStore) CancelRemaining(ctx context.Context, jobID uuid.UUID, at time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Model(&model.DeviceJobStatus{}).
		Where("job_id = ? AND status IN ?", jobID, []string{
			string(api.JobStateQueued),
			string(api.JobStateInProgress),
		}).
		Updates(map[string]any{
			"status":       string(api.JobStateCancelled),
			"completed_at": at,
			"updated_at":   at,
		})
	if result.Error != nil {
		return 0, flerrors.ErrorFromGormError(result.Error)
	}
	return result.RowsAffected, nil
}

func (s *JobStore) SweepTimeouts(ctx context.Context, now time.Time) ([]api.DeviceJobStatus, error) {
	var rows []model.DeviceJobStatus
	err := s.db.WithContext(ctx).Raw(`
		UPDATE device_job_statuses d
		SET status = 'TIMED_OUT', completed_at = ?, updated_at = ?
		FROM jobs j
		WHERE j.job_id = d.job_id
		  AND d.status = 'IN_PROGRESS'
		  AND d.started_at IS NOT NULL
		  AND d.started_at + make_interval(secs => j.timeout_seconds) < ?
		RETURNING d.*`,
		now, now, now,
	).Scan(&rows).Error
	if err != nil {
		return nil, flerrors.ErrorFromGormError(err)
	}
	out := make([]api.DeviceJobStatus, 0, len(rows))
	for i := range rows {
		out = append(out, *rows[i].ToApi())
	}
	return out, nil
}

func (s *JobStore) CountDeviceStatuses(ctx context.Context, jobID uuid.UUID) (map[api.DeviceJobState]int, error) {
	var rows []struct {
		Status string
		Count  int
	}
	err := s.db.WithContext(ctx).Model(&model.DeviceJobStatus{}).
		Select("status, count(*) AS count").
		Where("job_id = ?", jobID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, flerrors.ErrorFromGormError(err)
	}
	counts := make(map[api.DeviceJobState]int, len(rows))
	for _, row := range rows {
		counts[api.DeviceJobState(row.Status)] = row.Count
	}
	return counts, nil
}

func (s *JobStore) UpdateAggregate(ctx context.Context, jobID uuid.UUID, status api.JobStatus, counters api.JobCounters) error {
	result := s.db.WithContext(ctx).Model(&model.Job{}).
		Where("job_id = ?", jobID).
		Updates(map[string]any{
			"status":      string(status),
			"total":       counters.Total,
			"queued":      counters.Queued,
			"in_progress": counters.InProgress,
			"succeeded":   counters.Succeeded,
			"failed":      counters.Failed,
			"timed_out":   counters.TimedOut,
			"cancelled":   counters.Cancelled,
			"updated_at":  time.Now().UTC(),
		})
	if result.Error != nil {
		return flerrors.ErrorFromGormError(result.Error)
	}
	if result.RowsAffected == 0 {
		return flerrors.ErrNotFound
	}
	return nil
}

func (s *JobStore) DeleteStatusesForDevice(ctx context.Context, deviceID uuid.UUID) ([]uuid.UUID, error) {
	var rows []struct {
		JobID uuid.UUID
	}
	err := s.db.WithContext(ctx).Raw(
		`DELETE FROM device_job_statuses WHERE device_uuid = ? RETURNING job_id`, deviceID,
	).Scan(&rows).Error
	if err != nil {
		return nil, flerrors.ErrorFromGormError(err)
	}
	jobIDs := make([]uuid.UUID, 0, len(rows))
	for _, row := range rows {
		jobIDs = append(jobIDs, row.JobID)
	}
	return jobIDs, nil
}

func (s *JobStore) CreateTemplate(ctx context.Context, tpl *api.JobTemplate) (*api.JobTemplate, error) {
	row := model.NewJobTemplateFromApi(tpl)
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, flerrors.ErrorFromGormError(err)
	}
	return row.ToApi(), nil
}

func (s *JobStore) GetTemplate(ctx context.Context, id uuid.UUID) (*api.JobTemplate, error) {
	var row model.JobTemplate
	result := s.db.WithContext(ctx).Take(&row, "template_id = ?", id)
	if result.Error != nil {
		return nil, flerrors.ErrorFromGormError(result.Error)
	}
	return row.ToApi(), nil
}

func (s *JobStore) ListTemplates(ctx context.Context) ([]api.JobTemplate, error) {
	var rows []model.JobTemplate
	result := s.db.WithContext(ctx).Order("name").Find(&rows)
	if result.Error != nil {
		return nil, flerrors.ErrorFromGormError(result.Error)
	}
	out := make([]api.JobTemplate, 0, len(rows))
	for i := range rows {
		out = append(out, *rows[i].ToApi())
	}
	return out, nil
}

func (s *JobStore) DeleteTemplate(ctx context.Context, id uuid.UUID) error {
	result := s.db.WithContext(ctx).Delete(&model.JobTemplate{TemplateID: id})
	if result.Error != nil {
		return flerrors.ErrorFromGormError(result.Error)
	}
	if result.RowsAffected == 0 {
		return flerrors.ErrNotFound
	}
	return nil
}
