package repos

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	types "github.com/taskgrid/taskgrid-backend/internal/domain"
	"github.com/taskgrid/taskgrid-backend/internal/platform/dbctx"
)

// Transient store errors are retried internally before STORE_UNAVAILABLE
// surfaces to the caller.
const (
	transientRetries     = 3
	transientInitialWait = 100 * time.Millisecond
)

func retryPolicy(dbc dbctx.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = transientInitialWait
	var policy backoff.BackOff = backoff.WithMaxRetries(bo, transientRetries)
	if dbc.Ctx != nil {
		policy = backoff.WithContext(policy, dbc.Ctx)
	}
	return policy
}

func retry(dbc dbctx.Context, op func() error) error {
	return backoff.Retry(op, retryPolicy(dbc))
}

func retryValue[T any](dbc dbctx.Context, op func() (T, error)) (T, error) {
	var out T
	err := retry(dbc, func() error {
		var e error
		out, e = op()
		return e
	})
	return out, err
}

// WithRetry wraps the whole store set in the transient retry policy.
func WithRetry(s Set) Set {
	return Set{
		Jobs:         &retryingJobStore{inner: s.Jobs},
		Dependencies: &retryingDependencyStore{inner: s.Dependencies},
		Workers:      &retryingWorkerStore{inner: s.Workers},
	}
}

type retryingJobStore struct{ inner JobStore }

func (s *retryingJobStore) Find(dbc dbctx.Context, id uuid.UUID) (*types.Job, error) {
	return retryValue(dbc, func() (*types.Job, error) { return s.inner.Find(dbc, id) })
}

func (s *retryingJobStore) FindAllByStatus(dbc dbctx.Context, status types.JobStatus) ([]*types.Job, error) {
	return retryValue(dbc, func() ([]*types.Job, error) { return s.inner.FindAllByStatus(dbc, status) })
}

func (s *retryingJobStore) FindReadyToExecute(dbc dbctx.Context) ([]*types.Job, error) {
	return retryValue(dbc, func() ([]*types.Job, error) { return s.inner.FindReadyToExecute(dbc) })
}

func (s *retryingJobStore) FindByAssignedWorker(dbc dbctx.Context, workerID string) ([]*types.Job, error) {
	return retryValue(dbc, func() ([]*types.Job, error) { return s.inner.FindByAssignedWorker(dbc, workerID) })
}

func (s *retryingJobStore) Save(dbc dbctx.Context, job *types.Job) error {
	return retry(dbc, func() error { return s.inner.Save(dbc, job) })
}

func (s *retryingJobStore) Delete(dbc dbctx.Context, id uuid.UUID) error {
	return retry(dbc, func() error { return s.inner.Delete(dbc, id) })
}

type retryingDependencyStore struct{ inner DependencyStore }

func (s *retryingDependencyStore) FindByChild(dbc dbctx.Context, childID uuid.UUID) ([]*types.JobDependency, error) {
	return retryValue(dbc, func() ([]*types.JobDependency, error) { return s.inner.FindByChild(dbc, childID) })
}

func (s *retryingDependencyStore) FindByParent(dbc dbctx.Context, parentID uuid.UUID) ([]*types.JobDependency, error) {
	return retryValue(dbc, func() ([]*types.JobDependency, error) { return s.inner.FindByParent(dbc, parentID) })
}

func (s *retryingDependencyStore) FindAll(dbc dbctx.Context) ([]*types.JobDependency, error) {
	return retryValue(dbc, func() ([]*types.JobDependency, error) { return s.inner.FindAll(dbc) })
}

func (s *retryingDependencyStore) Save(dbc dbctx.Context, edge *types.JobDependency) error {
	return retry(dbc, func() error { return s.inner.Save(dbc, edge) })
}

func (s *retryingDependencyStore) Delete(dbc dbctx.Context, childID, parentID uuid.UUID) error {
	return retry(dbc, func() error { return s.inner.Delete(dbc, childID, parentID) })
}

func (s *retryingDependencyStore) CountUnsatisfied(dbc dbctx.Context, childID uuid.UUID) (int64, error) {
	return retryValue(dbc, func() (int64, error) { return s.inner.CountUnsatisfied(dbc, childID) })
}

type retryingWorkerStore struct{ inner WorkerStore }

func (s *retryingWorkerStore) Find(dbc dbctx.Context, id string) (*types.Worker, error) {
	return retryValue(dbc, func() (*types.Worker, error) { return s.inner.Find(dbc, id) })
}

func (s *retryingWorkerStore) FindAll(dbc dbctx.Context) ([]*types.Worker, error) {
	return retryValue(dbc, func() ([]*types.Worker, error) { return s.inner.FindAll(dbc) })
}

func (s *retryingWorkerStore) FindAllActive(dbc dbctx.Context) ([]*types.Worker, error) {
	return retryValue(dbc, func() ([]*types.Worker, error) { return s.inner.FindAllActive(dbc) })
}

func (s *retryingWorkerStore) FindByLastHeartbeatBefore(dbc dbctx.Context, cutoff time.Time) ([]*types.Worker, error) {
	return retryValue(dbc, func() ([]*types.Worker, error) { return s.inner.FindByLastHeartbeatBefore(dbc, cutoff) })
}

func (s *retryingWorkerStore) Save(dbc dbctx.Context, worker *types.Worker) error {
	return retry(dbc, func() error { return s.inner.Save(dbc, worker) })
}

func (s *retryingWorkerStore) Delete(dbc dbctx.Context, id string) error {
	return retry(dbc, func() error { return s.inner.Delete(dbc, id) })
}
