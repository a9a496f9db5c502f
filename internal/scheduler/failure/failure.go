package failure

import (
	"context"
	"time"

	"github.com/google/uuid"

	types "github.com/taskgrid/taskgrid-backend/internal/domain"
	"github.com/taskgrid/taskgrid-backend/internal/observability"
	"github.com/taskgrid/taskgrid-backend/internal/platform/dbctx"
	"github.com/taskgrid/taskgrid-backend/internal/platform/logger"
	"github.com/taskgrid/taskgrid-backend/internal/scheduler/graph"
	"github.com/taskgrid/taskgrid-backend/internal/scheduler/queue"
	"github.com/taskgrid/taskgrid-backend/internal/scheduler/registry"
	"github.com/taskgrid/taskgrid-backend/internal/scheduler/state"
	"github.com/taskgrid/taskgrid-backend/internal/services"
)

const (
	// How long a failed worker stays off the eligible set.
	failedWorkerBlacklistTTL = 5 * time.Minute

	ReasonWorkerFailed = "Worker failed"
	ReasonTimeout      = "Timeout"
	prerequisiteFailed = "Prerequisite failed"
)

// JobStore is the slice of the store contract the controller writes through.
type JobStore interface {
	Save(dbc dbctx.Context, job *types.Job) error
}

/*
Controller is the failure/retry state machine and the single place terminal
transitions happen. Worker death, timeouts and explicit reassignments funnel
into Reassign; every terminal outcome (including the cancellation cascade a
failed MUST_SUCCEED parent triggers) funnels into Complete.
*/
type Controller struct {
	log      *logger.Logger
	jobs     *state.JobIndex
	store    JobStore
	queue    *queue.Queue
	graph    *graph.Graph
	registry *registry.Registry
	notify   services.Notifier
	metrics  *observability.Metrics
	now      func() time.Time
}

func New(
	baseLog *logger.Logger,
	jobs *state.JobIndex,
	store JobStore,
	q *queue.Queue,
	g *graph.Graph,
	reg *registry.Registry,
	notify services.Notifier,
	metrics *observability.Metrics,
) *Controller {
	return &Controller{
		log:      baseLog.With("component", "FailureController"),
		jobs:     jobs,
		store:    store,
		queue:    q,
		graph:    g,
		registry: reg,
		notify:   notify,
		metrics:  metrics,
		now:      time.Now,
	}
}

// SetClock injects a clock for tests.
func (c *Controller) SetClock(now func() time.Time) { c.now = now }

/*
Reassign recovers a job from a failed worker: bump the retry count, and
either re-admit the job as PENDING (unassigned, re-enqueued) or, once
retries are exhausted, fail it terminally with the composed error so
dependents see the outcome.
*/
func (c *Controller) Reassign(ctx context.Context, jobID uuid.UUID, failedWorkerID string, reason string) {
	job, ok := c.jobs.Get(jobID)
	if !ok {
		return
	}
	if job.IsTerminal() && job.Status != types.JobFailed {
		return
	}

	now := c.now().UTC()
	c.unassignWorker(ctx, failedWorkerID, jobID)

	exhausted := false
	updated, err := c.jobs.Mutate(jobID, func(j *types.Job) error {
		j.RetryCount++
		if j.RetryCount > j.MaxRetries {
			exhausted = true
			return nil
		}
		j.Unassign(now)
		return nil
	})
	if err != nil {
		c.log.Warn("reassign mutate failed", "job_id", jobID.String(), "error", err)
		return
	}

	if exhausted {
		c.Complete(ctx, jobID, types.JobFailed, "Max retry attempts exceeded: "+reason, reason)
		return
	}

	c.graph.SetStatus(jobID, types.JobPending)
	c.persist(ctx, updated)
	if err := c.queue.Enqueue(queue.Item{ID: updated.ID, Priority: updated.Priority, SubmittedAt: updated.CreatedAt}); err != nil {
		c.log.Error("re-enqueue after failure rejected", "job_id", jobID.String(), "error", err)
	}
	c.metrics.RetriesTotal.Inc()
	if c.notify != nil {
		c.notify.JobStatusChanged(updated, reason, map[string]any{
			"retry_count":   updated.RetryCount,
			"failed_worker": failedWorkerID,
		})
	}
	c.log.Info("job re-admitted after failure",
		"job_id", jobID.String(),
		"retry_count", updated.RetryCount,
		"reason", reason,
	)
}

/*
OnWorkerFailed handles worker death: every job the index holds against the
worker is reassigned, and the worker is blacklisted so the next drain pass
does not immediately hand the jobs back.
*/
func (c *Controller) OnWorkerFailed(ctx context.Context, workerID string) {
	c.registry.Blacklist(ctx, workerID, failedWorkerBlacklistTTL)
	stranded := c.jobs.AssignedTo(workerID)
	if len(stranded) == 0 {
		return
	}
	c.log.Warn("recovering jobs from failed worker", "worker_id", workerID, "jobs", len(stranded))
	for _, job := range stranded {
		c.Reassign(ctx, job.ID, workerID, ReasonWorkerFailed)
	}
}

/*
Complete drives a job into a terminal state and propagates the outcome:
worker counters settle, the dependency graph releases newly-ready children
into the queue, and children permanently blocked by this outcome are
cancelled with "Prerequisite failed" - which cascades, since a cancelled
child is itself a terminal outcome for its own dependents.
*/
func (c *Controller) Complete(ctx context.Context, jobID uuid.UUID, outcome types.JobStatus, errMsg string, reason string) {
	prev, ok := c.jobs.Get(jobID)
	if !ok || prev.IsTerminal() {
		return
	}

	now := c.now().UTC()
	assignedWorker := ""
	if prev.AssignedWorkerID != nil {
		assignedWorker = *prev.AssignedWorkerID
	}

	updated, err := c.jobs.Mutate(jobID, func(j *types.Job) error {
		return j.Finish(outcome, errMsg, now)
	})
	if err != nil {
		c.log.Warn("terminal transition rejected", "job_id", jobID.String(), "outcome", string(outcome), "error", err)
		return
	}

	if assignedWorker != "" {
		c.settleWorker(ctx, assignedWorker, jobID, outcome == types.JobCompleted)
	}
	c.persist(ctx, updated)
	if outcome == types.JobFailed {
		c.metrics.TerminalFailures.Inc()
	}
	if outcome == types.JobCancelled {
		c.metrics.CancelledTotal.Inc()
	}
	if c.notify != nil {
		c.notify.JobStatusChanged(updated, reason, nil)
	}

	completion := c.graph.OnJobCompleted(jobID, outcome)
	for _, childID := range completion.Ready {
		c.releaseChild(ctx, childID)
	}
	for _, childID := range completion.Blocked {
		c.Complete(ctx, childID, types.JobCancelled, prerequisiteFailed, prerequisiteFailed)
	}
}

// ReleaseReady schedules and enqueues jobs the graph reported ready (used
// by the core when a MUST_START parent begins running).
func (c *Controller) ReleaseReady(ctx context.Context, ids []uuid.UUID) {
	for _, id := range ids {
		c.releaseChild(ctx, id)
	}
}

// releaseChild moves a now-ready child into the queue.
func (c *Controller) releaseChild(ctx context.Context, childID uuid.UUID) {
	now := c.now().UTC()
	child, err := c.jobs.Mutate(childID, func(j *types.Job) error {
		return j.MarkScheduled(now)
	})
	if err != nil {
		c.log.Warn("could not schedule released child", "job_id", childID.String(), "error", err)
		return
	}
	c.graph.SetStatus(childID, types.JobScheduled)
	c.persist(ctx, child)
	if err := c.queue.Enqueue(queue.Item{ID: child.ID, Priority: child.Priority, SubmittedAt: child.CreatedAt}); err != nil {
		c.log.Error("enqueue of released child rejected", "job_id", childID.String(), "error", err)
		return
	}
	if c.notify != nil {
		c.notify.JobStatusChanged(child, "dependencies satisfied", nil)
	}
}

func (c *Controller) unassignWorker(ctx context.Context, workerID string, jobID uuid.UUID) {
	if workerID == "" {
		return
	}
	err := c.registry.Mutate(ctx, workerID, func(w *types.Worker) error {
		w.RemoveAssignment(jobID.String(), c.now().UTC())
		return nil
	})
	if err != nil && err != registry.ErrWorkerUnknown {
		c.log.Warn("worker unassign failed", "worker_id", workerID, "job_id", jobID.String(), "error", err)
	}
}

func (c *Controller) settleWorker(ctx context.Context, workerID string, jobID uuid.UUID, success bool) {
	err := c.registry.Mutate(ctx, workerID, func(w *types.Worker) error {
		now := c.now().UTC()
		w.RemoveAssignment(jobID.String(), now)
		w.RecordOutcome(success, now)
		return nil
	})
	if err != nil && err != registry.ErrWorkerUnknown {
		c.log.Warn("worker settle failed", "worker_id", workerID, "job_id", jobID.String(), "error", err)
	}
}

func (c *Controller) persist(ctx context.Context, job *types.Job) {
	if c.store == nil || job == nil {
		return
	}
	if err := c.store.Save(dbctx.Context{Ctx: ctx}, job); err != nil {
		c.log.Warn("job persist failed", "job_id", job.ID.String(), "error", err)
	}
}
