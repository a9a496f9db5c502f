package jobs

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/taskgrid/taskgrid-backend/internal/domain"
	"github.com/taskgrid/taskgrid-backend/internal/platform/dbctx"
	"github.com/taskgrid/taskgrid-backend/internal/platform/logger"
)

type DependencyStore interface {
	FindByChild(dbc dbctx.Context, childID uuid.UUID) ([]*types.JobDependency, error)
	FindByParent(dbc dbctx.Context, parentID uuid.UUID) ([]*types.JobDependency, error)
	FindAll(dbc dbctx.Context) ([]*types.JobDependency, error)
	Save(dbc dbctx.Context, edge *types.JobDependency) error
	Delete(dbc dbctx.Context, childID, parentID uuid.UUID) error
	CountUnsatisfied(dbc dbctx.Context, childID uuid.UUID) (int64, error)
}

type dependencyStore struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewDependencyStore(db *gorm.DB, baseLog *logger.Logger) DependencyStore {
	return &dependencyStore{db: db, log: baseLog.With("repo", "DependencyStore")}
}

func (s *dependencyStore) handle(dbc dbctx.Context) *gorm.DB {
	tx := dbc.Tx
	if tx == nil {
		tx = s.db
	}
	if dbc.Ctx != nil {
		tx = tx.WithContext(dbc.Ctx)
	}
	return tx
}

func (s *dependencyStore) FindByChild(dbc dbctx.Context, childID uuid.UUID) ([]*types.JobDependency, error) {
	var out []*types.JobDependency
	if err := s.handle(dbc).Where("child_id = ?", childID).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *dependencyStore) FindByParent(dbc dbctx.Context, parentID uuid.UUID) ([]*types.JobDependency, error) {
	var out []*types.JobDependency
	if err := s.handle(dbc).Where("parent_id = ?", parentID).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *dependencyStore) FindAll(dbc dbctx.Context) ([]*types.JobDependency, error) {
	var out []*types.JobDependency
	if err := s.handle(dbc).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Save upserts on the edge's ID (assigning one when unset), so
// edge-satisfaction updates rewrite the existing row. A second row for an
// existing (child, parent) pair under a different ID is rejected by the
// idx_dependency_edge unique index.
func (s *dependencyStore) Save(dbc dbctx.Context, edge *types.JobDependency) error {
	if edge == nil {
		return nil
	}
	if edge.ID == uuid.Nil {
		edge.ID = uuid.New()
	}
	if edge.UpdatedAt.IsZero() {
		edge.UpdatedAt = time.Now().UTC()
	}
	return s.handle(dbc).Save(edge).Error
}

func (s *dependencyStore) Delete(dbc dbctx.Context, childID, parentID uuid.UUID) error {
	return s.handle(dbc).
		Where("child_id = ? AND parent_id = ?", childID, parentID).
		Delete(&types.JobDependency{}).Error
}

func (s *dependencyStore) CountUnsatisfied(dbc dbctx.Context, childID uuid.UUID) (int64, error) {
	var n int64
	err := s.handle(dbc).
		Model(&types.JobDependency{}).
		Where("child_id = ? AND satisfied = false", childID).
		Count(&n).Error
	return n, err
}
