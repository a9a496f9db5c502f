package state

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	types "github.com/taskgrid/taskgrid-backend/internal/domain"
)

/*
JobIndex is the single authoritative in-memory job table plus the
job -> worker assignment index. Both the job's assignedWorkerId and the
worker's assignment set are views over this index; persistence mirrors it.
All access goes through the index's section, and callers only ever receive
copies, which keeps every job single-writer.
*/
type JobIndex struct {
	mu         sync.RWMutex
	jobs       map[uuid.UUID]types.Job
	assignedTo map[uuid.UUID]string // job id -> worker id
}

func NewJobIndex() *JobIndex {
	return &JobIndex{
		jobs:       map[uuid.UUID]types.Job{},
		assignedTo: map[uuid.UUID]string{},
	}
}

func (x *JobIndex) Put(job *types.Job) {
	if job == nil || job.ID == uuid.Nil {
		return
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.jobs[job.ID] = *job
	x.syncAssignmentLocked(job)
}

func (x *JobIndex) Get(id uuid.UUID) (*types.Job, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	row, ok := x.jobs[id]
	if !ok {
		return nil, false
	}
	out := row
	return &out, true
}

// Mutate applies fn to the live record under the index lock and returns a
// copy of the result for persistence.
func (x *JobIndex) Mutate(id uuid.UUID, fn func(j *types.Job) error) (*types.Job, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	row, ok := x.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s not tracked", id)
	}
	if err := fn(&row); err != nil {
		return nil, err
	}
	x.jobs[id] = row
	x.syncAssignmentLocked(&row)
	out := row
	return &out, nil
}

func (x *JobIndex) syncAssignmentLocked(job *types.Job) {
	if job.AssignedWorkerID != nil && *job.AssignedWorkerID != "" {
		x.assignedTo[job.ID] = *job.AssignedWorkerID
	} else {
		delete(x.assignedTo, job.ID)
	}
}

func (x *JobIndex) Remove(id uuid.UUID) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.jobs, id)
	delete(x.assignedTo, id)
}

func (x *JobIndex) All() []*types.Job {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]*types.Job, 0, len(x.jobs))
	for _, row := range x.jobs {
		j := row
		out = append(out, &j)
	}
	sortByCreation(out)
	return out
}

// AssignedTo returns the authoritative assignment set for one worker.
func (x *JobIndex) AssignedTo(workerID string) []*types.Job {
	x.mu.RLock()
	defer x.mu.RUnlock()
	var out []*types.Job
	for id, wid := range x.assignedTo {
		if wid != workerID {
			continue
		}
		if row, ok := x.jobs[id]; ok {
			j := row
			out = append(out, &j)
		}
	}
	sortByCreation(out)
	return out
}

func (x *JobIndex) ByStatus(status types.JobStatus) []*types.Job {
	x.mu.RLock()
	defer x.mu.RUnlock()
	var out []*types.Job
	for _, row := range x.jobs {
		if row.Status == status {
			j := row
			out = append(out, &j)
		}
	}
	sortByCreation(out)
	return out
}

func sortByCreation(out []*types.Job) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
}
