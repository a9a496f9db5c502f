package workers

import (
	"errors"
	"time"

	"gorm.io/gorm"

	types "github.com/taskgrid/taskgrid-backend/internal/domain"
	"github.com/taskgrid/taskgrid-backend/internal/platform/dbctx"
	"github.com/taskgrid/taskgrid-backend/internal/platform/logger"
)

type WorkerStore interface {
	Find(dbc dbctx.Context, id string) (*types.Worker, error)
	FindAll(dbc dbctx.Context) ([]*types.Worker, error)
	FindAllActive(dbc dbctx.Context) ([]*types.Worker, error)
	FindByLastHeartbeatBefore(dbc dbctx.Context, cutoff time.Time) ([]*types.Worker, error)
	Save(dbc dbctx.Context, worker *types.Worker) error
	Delete(dbc dbctx.Context, id string) error
}

type workerStore struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewWorkerStore(db *gorm.DB, baseLog *logger.Logger) WorkerStore {
	return &workerStore{db: db, log: baseLog.With("repo", "WorkerStore")}
}

func (s *workerStore) handle(dbc dbctx.Context) *gorm.DB {
	tx := dbc.Tx
	if tx == nil {
		tx = s.db
	}
	if dbc.Ctx != nil {
		tx = tx.WithContext(dbc.Ctx)
	}
	return tx
}

func (s *workerStore) Find(dbc dbctx.Context, id string) (*types.Worker, error) {
	if id == "" {
		return nil, nil
	}
	var w types.Worker
	err := s.handle(dbc).Where("id = ?", id).First(&w).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *workerStore) FindAll(dbc dbctx.Context) ([]*types.Worker, error) {
	var out []*types.Worker
	if err := s.handle(dbc).Order("id ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *workerStore) FindAllActive(dbc dbctx.Context) ([]*types.Worker, error) {
	var out []*types.Worker
	if err := s.handle(dbc).
		Where("status IN ?", []types.WorkerStatus{types.WorkerActive, types.WorkerBusy}).
		Order("id ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *workerStore) FindByLastHeartbeatBefore(dbc dbctx.Context, cutoff time.Time) ([]*types.Worker, error) {
	var out []*types.Worker
	if err := s.handle(dbc).
		Where("last_heartbeat IS NOT NULL AND last_heartbeat < ?", cutoff).
		Order("id ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *workerStore) Save(dbc dbctx.Context, worker *types.Worker) error {
	if worker == nil || worker.ID == "" {
		return nil
	}
	if worker.UpdatedAt.IsZero() {
		worker.UpdatedAt = time.Now().UTC()
	}
	return s.handle(dbc).Save(worker).Error
}

func (s *workerStore) Delete(dbc dbctx.Context, id string) error {
	if id == "" {
		return nil
	}
	return s.handle(dbc).Where("id = ?", id).Delete(&types.Worker{}).Error
}
