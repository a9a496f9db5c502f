// Package memory provides map-backed implementations of the store contracts.
// They back unit tests and single-process runs; semantics mirror the gorm
// stores, including copy-on-return so callers never alias internal state.
package memory

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	types "github.com/taskgrid/taskgrid-backend/internal/domain"
	"github.com/taskgrid/taskgrid-backend/internal/platform/dbctx"
)

type JobStore struct {
	mu   sync.RWMutex
	rows map[uuid.UUID]types.Job
}

func NewJobStore() *JobStore {
	return &JobStore{rows: map[uuid.UUID]types.Job{}}
}

func (s *JobStore) Find(_ dbctx.Context, id uuid.UUID) (*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[id]
	if !ok {
		return nil, nil
	}
	out := row
	return &out, nil
}

func (s *JobStore) FindAllByStatus(_ dbctx.Context, status types.JobStatus) ([]*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Job
	for _, row := range s.rows {
		if row.Status == status {
			j := row
			out = append(out, &j)
		}
	}
	sortJobs(out)
	return out, nil
}

func (s *JobStore) FindReadyToExecute(_ dbctx.Context) ([]*types.Job, error) {
	// The memory store has no edge visibility; readiness filtering is done by
	// the graph. Return all PENDING jobs like the SQL query would pre-filter.
	return s.FindAllByStatus(dbctx.Context{}, types.JobPending)
}

func (s *JobStore) FindByAssignedWorker(_ dbctx.Context, workerID string) ([]*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Job
	for _, row := range s.rows {
		if row.AssignedWorkerID != nil && *row.AssignedWorkerID == workerID {
			j := row
			out = append(out, &j)
		}
	}
	sortJobs(out)
	return out, nil
}

func (s *JobStore) Save(_ dbctx.Context, job *types.Job) error {
	if job == nil || job.ID == uuid.Nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[job.ID] = *job
	return nil
}

func (s *JobStore) Delete(_ dbctx.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, id)
	return nil
}

func sortJobs(out []*types.Job) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
}

type edgeKey struct {
	child  uuid.UUID
	parent uuid.UUID
}

type DependencyStore struct {
	mu   sync.RWMutex
	rows map[edgeKey]types.JobDependency
}

func NewDependencyStore() *DependencyStore {
	return &DependencyStore{rows: map[edgeKey]types.JobDependency{}}
}

func (s *DependencyStore) FindByChild(_ dbctx.Context, childID uuid.UUID) ([]*types.JobDependency, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.JobDependency
	for k, row := range s.rows {
		if k.child == childID {
			e := row
			out = append(out, &e)
		}
	}
	sortEdges(out)
	return out, nil
}

func (s *DependencyStore) FindByParent(_ dbctx.Context, parentID uuid.UUID) ([]*types.JobDependency, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.JobDependency
	for k, row := range s.rows {
		if k.parent == parentID {
			e := row
			out = append(out, &e)
		}
	}
	sortEdges(out)
	return out, nil
}

func (s *DependencyStore) FindAll(_ dbctx.Context) ([]*types.JobDependency, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.JobDependency
	for _, row := range s.rows {
		e := row
		out = append(out, &e)
	}
	sortEdges(out)
	return out, nil
}

func (s *DependencyStore) Save(_ dbctx.Context, edge *types.JobDependency) error {
	if edge == nil {
		return nil
	}
	if edge.ID == uuid.Nil {
		edge.ID = uuid.New()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[edgeKey{child: edge.ChildID, parent: edge.ParentID}] = *edge
	return nil
}

func (s *DependencyStore) Delete(_ dbctx.Context, childID, parentID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, edgeKey{child: childID, parent: parentID})
	return nil
}

func (s *DependencyStore) CountUnsatisfied(_ dbctx.Context, childID uuid.UUID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for k, row := range s.rows {
		if k.child == childID && !row.Satisfied {
			n++
		}
	}
	return n, nil
}

func sortEdges(out []*types.JobDependency) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].ChildID == out[j].ChildID {
			return out[i].ParentID.String() < out[j].ParentID.String()
		}
		return out[i].ChildID.String() < out[j].ChildID.String()
	})
}

type WorkerStore struct {
	mu   sync.RWMutex
	rows map[string]types.Worker
}

func NewWorkerStore() *WorkerStore {
	return &WorkerStore{rows: map[string]types.Worker{}}
}

func (s *WorkerStore) Find(_ dbctx.Context, id string) (*types.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[id]
	if !ok {
		return nil, nil
	}
	out := row
	return &out, nil
}

func (s *WorkerStore) FindAll(_ dbctx.Context) ([]*types.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Worker
	for _, row := range s.rows {
		w := row
		out = append(out, &w)
	}
	sortWorkers(out)
	return out, nil
}

func (s *WorkerStore) FindAllActive(_ dbctx.Context) ([]*types.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Worker
	for _, row := range s.rows {
		if row.Status == types.WorkerActive || row.Status == types.WorkerBusy {
			w := row
			out = append(out, &w)
		}
	}
	sortWorkers(out)
	return out, nil
}

func (s *WorkerStore) FindByLastHeartbeatBefore(_ dbctx.Context, cutoff time.Time) ([]*types.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Worker
	for _, row := range s.rows {
		if row.LastHeartbeat != nil && row.LastHeartbeat.Before(cutoff) {
			w := row
			out = append(out, &w)
		}
	}
	sortWorkers(out)
	return out, nil
}

func (s *WorkerStore) Save(_ dbctx.Context, worker *types.Worker) error {
	if worker == nil || worker.ID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[worker.ID] = *worker
	return nil
}

func (s *WorkerStore) Delete(_ dbctx.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, id)
	return nil
}

func sortWorkers(out []*types.Worker) {
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
}
