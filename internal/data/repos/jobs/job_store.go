package jobs

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/taskgrid/taskgrid-backend/internal/domain"
	"github.com/taskgrid/taskgrid-backend/internal/platform/dbctx"
	"github.com/taskgrid/taskgrid-backend/internal/platform/logger"
)

/*
JobStore persists job records. Pure contract, no scheduling logic: readiness,
assignment and retry decisions all live in the engine; the store only answers
queries the engine and the HealthMonitor reconciliation need.
*/
type JobStore interface {
	Find(dbc dbctx.Context, id uuid.UUID) (*types.Job, error)
	FindAllByStatus(dbc dbctx.Context, status types.JobStatus) ([]*types.Job, error)
	FindReadyToExecute(dbc dbctx.Context) ([]*types.Job, error)
	FindByAssignedWorker(dbc dbctx.Context, workerID string) ([]*types.Job, error)
	Save(dbc dbctx.Context, job *types.Job) error
	Delete(dbc dbctx.Context, id uuid.UUID) error
}

type jobStore struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewJobStore(db *gorm.DB, baseLog *logger.Logger) JobStore {
	return &jobStore{db: db, log: baseLog.With("repo", "JobStore")}
}

func (s *jobStore) handle(dbc dbctx.Context) *gorm.DB {
	tx := dbc.Tx
	if tx == nil {
		tx = s.db
	}
	if dbc.Ctx != nil {
		tx = tx.WithContext(dbc.Ctx)
	}
	return tx
}

func (s *jobStore) Find(dbc dbctx.Context, id uuid.UUID) (*types.Job, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var job types.Job
	err := s.handle(dbc).Where("id = ?", id).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *jobStore) FindAllByStatus(dbc dbctx.Context, status types.JobStatus) ([]*types.Job, error) {
	var out []*types.Job
	if err := s.handle(dbc).
		Where("status = ?", status).
		Order("created_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// FindReadyToExecute returns PENDING jobs with no unsatisfied edge. Used to
// rehydrate the ready queue on startup; steady-state readiness is decided by
// the in-memory graph.
func (s *jobStore) FindReadyToExecute(dbc dbctx.Context) ([]*types.Job, error) {
	var out []*types.Job
	err := s.handle(dbc).
		Where("status = ?", types.JobPending).
		Where(`NOT EXISTS (
			SELECT 1 FROM job_dependency d
			WHERE d.child_id = job.id AND d.satisfied = false
		)`).
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *jobStore) FindByAssignedWorker(dbc dbctx.Context, workerID string) ([]*types.Job, error) {
	if workerID == "" {
		return nil, nil
	}
	var out []*types.Job
	if err := s.handle(dbc).
		Where("assigned_worker_id = ?", workerID).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *jobStore) Save(dbc dbctx.Context, job *types.Job) error {
	if job == nil || job.ID == uuid.Nil {
		return nil
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = time.Now().UTC()
	}
	return s.handle(dbc).Save(job).Error
}

func (s *jobStore) Delete(dbc dbctx.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return nil
	}
	return s.handle(dbc).Where("id = ?", id).Delete(&types.Job{}).Error
}
