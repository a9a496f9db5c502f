package balance

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	types "github.com/taskgrid/taskgrid-backend/internal/domain"
	"github.com/taskgrid/taskgrid-backend/internal/observability"
	"github.com/taskgrid/taskgrid-backend/internal/platform/dbctx"
	"github.com/taskgrid/taskgrid-backend/internal/platform/logger"
	"github.com/taskgrid/taskgrid-backend/internal/scheduler/assign"
	"github.com/taskgrid/taskgrid-backend/internal/scheduler/graph"
	"github.com/taskgrid/taskgrid-backend/internal/scheduler/queue"
	"github.com/taskgrid/taskgrid-backend/internal/scheduler/registry"
	"github.com/taskgrid/taskgrid-backend/internal/scheduler/state"
	"github.com/taskgrid/taskgrid-backend/internal/services"
)

const (
	DefaultDrainInterval      = 5 * time.Second
	DefaultRebalanceInterval  = 60 * time.Second
	DefaultImbalanceThreshold = 0.4
)

type Config struct {
	ImbalanceThreshold float64
}

func (c *Config) normalize() {
	if c.ImbalanceThreshold <= 0 {
		c.ImbalanceThreshold = DefaultImbalanceThreshold
	}
}

// JobStore is the slice of the store contract the balancer writes through.
type JobStore interface {
	Save(dbc dbctx.Context, job *types.Job) error
}

/*
Balancer owns the two periodic placement tasks. Drain empties the ready
queue through the AssignmentPolicy in band order; Rebalance levels load by
pulling not-yet-started jobs off overloaded workers and letting the next
drain pass re-place them. Neither ever touches a RUNNING job.
*/
type Balancer struct {
	log      *logger.Logger
	cfg      Config
	queue    *queue.Queue
	policy   *assign.Policy
	registry *registry.Registry
	jobs     *state.JobIndex
	graph    *graph.Graph
	store    JobStore
	channel  services.WorkerChannel
	notify   services.Notifier
	metrics  *observability.Metrics
	now      func() time.Time
}

func New(
	baseLog *logger.Logger,
	q *queue.Queue,
	policy *assign.Policy,
	reg *registry.Registry,
	jobs *state.JobIndex,
	g *graph.Graph,
	store JobStore,
	channel services.WorkerChannel,
	notify services.Notifier,
	metrics *observability.Metrics,
	cfg Config,
) *Balancer {
	cfg.normalize()
	return &Balancer{
		log:      baseLog.With("component", "LoadBalancer"),
		cfg:      cfg,
		queue:    q,
		policy:   policy,
		registry: reg,
		jobs:     jobs,
		graph:    g,
		store:    store,
		channel:  channel,
		notify:   notify,
		metrics:  metrics,
		now:      time.Now,
	}
}

// SetClock injects a clock for tests.
func (b *Balancer) SetClock(now func() time.Time) { b.now = now }

/*
Drain serves bands in order: HIGH to empty, then NORMAL, then LOW only when
some worker still has slack. Each band pass is bounded by the band's size at
entry, so a head item that gets NO_WORKER is re-queued at the tail without
wedging the pass. Updates the queue-depth gauges on the way out.
*/
func (b *Balancer) Drain(ctx context.Context) int {
	assigned := 0
	assigned += b.drainBand(ctx, queue.BandHigh)
	assigned += b.drainBand(ctx, queue.BandNormal)
	if b.anySlack() {
		assigned += b.drainBand(ctx, queue.BandLow)
	}

	for band, depth := range b.queue.Sizes() {
		b.metrics.QueueDepth.Set(float64(depth), band.String())
	}
	return assigned
}

func (b *Balancer) drainBand(ctx context.Context, band queue.Band) int {
	assigned := 0
	for i := b.queue.Size(band); i > 0; i-- {
		item, ok := b.queue.Pop(band)
		if !ok {
			break
		}
		job, ok := b.jobs.Get(item.ID)
		if !ok || job.IsTerminal() || job.AssignedWorkerID != nil {
			continue
		}

		worker, err := b.policy.Select(ctx, job, b.registry.Snapshot())
		if err != nil {
			// NO_WORKER is not an error; the job waits its next turn at the
			// tail of its band.
			b.metrics.AssignmentMisses.Inc()
			if qErr := b.queue.RequeueTail(item); qErr != nil {
				b.log.Error("requeue rejected", "job_id", item.ID.String(), "error", qErr)
			}
			continue
		}

		if b.assignTo(ctx, item, job.ID, worker.ID) {
			assigned++
		}
	}
	return assigned
}

// assignTo materializes one assignment: worker bookkeeping first, then the
// job record, then delivery. Any step failing unwinds the earlier ones and
// re-queues the item.
func (b *Balancer) assignTo(ctx context.Context, item queue.Item, jobID uuid.UUID, workerID string) bool {
	now := b.now().UTC()

	err := b.registry.Mutate(ctx, workerID, func(w *types.Worker) error {
		return w.AddAssignment(jobID.String(), now)
	})
	if err != nil {
		// Snapshot raced with another assignment; try again next pass.
		_ = b.queue.RequeueTail(item)
		return false
	}

	job, err := b.jobs.Mutate(jobID, func(j *types.Job) error {
		return j.Assign(workerID, now)
	})
	if err != nil {
		b.unwindWorker(ctx, workerID, jobID)
		b.log.Warn("job refused assignment", "job_id", jobID.String(), "worker_id", workerID, "error", err)
		return false
	}

	if err := b.channel.Deliver(ctx, workerID, job); err != nil {
		b.unwindWorker(ctx, workerID, jobID)
		if _, uErr := b.jobs.Mutate(jobID, func(j *types.Job) error {
			j.Unassign(now)
			return nil
		}); uErr != nil {
			b.log.Error("delivery unwind failed", "job_id", jobID.String(), "error", uErr)
		}
		b.log.Warn("delivery failed, job re-queued", "job_id", jobID.String(), "worker_id", workerID, "error", err)
		_ = b.queue.RequeueTail(item)
		return false
	}

	b.graph.SetStatus(jobID, types.JobScheduled)
	b.persist(ctx, job)
	b.metrics.AssignmentsTotal.Inc(string(b.policy.Strategy()))
	if b.notify != nil {
		b.notify.JobStatusChanged(job, "assigned", map[string]any{"worker_id": workerID})
	}
	return true
}

func (b *Balancer) unwindWorker(ctx context.Context, workerID string, jobID uuid.UUID) {
	_ = b.registry.Mutate(ctx, workerID, func(w *types.Worker) error {
		w.RemoveAssignment(jobID.String(), b.now().UTC())
		return nil
	})
}

func (b *Balancer) anySlack() bool {
	for _, w := range b.registry.Snapshot() {
		if w.Schedulable() && w.AvailableCapacity() > 0 {
			return true
		}
	}
	return false
}

/*
Rebalance levels load across active workers. When the spread between the
most and least loaded exceeds the imbalance threshold, assigned-but-not-
started jobs (still SCHEDULED on the overloaded worker) are unassigned and
re-enqueued until the simulated spread falls inside the threshold; the next
drain pass places them. RUNNING jobs are never moved.
*/
func (b *Balancer) Rebalance(ctx context.Context) int {
	started := b.now()
	defer func() {
		b.metrics.RebalanceLatency.Observe(b.now().Sub(started).Seconds())
	}()

	var over, under *types.Worker
	for _, w := range b.registry.Snapshot() {
		if !w.Schedulable() || w.MaxConcurrentJobs <= 0 {
			continue
		}
		if over == nil || w.LoadPercentage() > over.LoadPercentage() {
			over = w
		}
		if under == nil || w.LoadPercentage() < under.LoadPercentage() {
			under = w
		}
	}
	if over == nil || under == nil || over.ID == under.ID {
		b.metrics.RebalanceOutcome.Inc("balanced")
		return 0
	}
	if over.LoadPercentage()-under.LoadPercentage() <= b.cfg.ImbalanceThreshold {
		b.metrics.RebalanceOutcome.Inc("balanced")
		return 0
	}

	var movable []*types.Job
	for _, j := range b.jobs.AssignedTo(over.ID) {
		if j.Status == types.JobScheduled {
			movable = append(movable, j)
		}
	}
	if len(movable) == 0 {
		b.metrics.RebalanceOutcome.Inc("no_candidates")
		return 0
	}

	overCount, underCount := over.CurrentJobCount, under.CurrentJobCount
	moved := 0
	for _, j := range movable {
		spread := float64(overCount)/float64(over.MaxConcurrentJobs) - float64(underCount)/float64(under.MaxConcurrentJobs)
		if spread <= b.cfg.ImbalanceThreshold {
			break
		}
		if b.moveBack(ctx, j, over.ID) {
			moved++
			overCount--
			underCount++
		}
	}

	if moved > 0 {
		b.metrics.RebalancedTotal.Add(float64(moved))
		b.metrics.RebalanceOutcome.Inc("moved")
		b.log.Info("rebalanced jobs off overloaded worker",
			"from", over.ID, "toward", under.ID, "moved", moved)
	} else {
		b.metrics.RebalanceOutcome.Inc("no_candidates")
	}
	return moved
}

var errNotMovable = errors.New("job no longer movable")

func (b *Balancer) moveBack(ctx context.Context, j *types.Job, fromWorker string) bool {
	now := b.now().UTC()
	job, err := b.jobs.Mutate(j.ID, func(j *types.Job) error {
		if j.Status != types.JobScheduled {
			return errNotMovable
		}
		j.Unassign(now)
		return nil
	})
	if err != nil {
		return false
	}
	b.unwindWorker(ctx, fromWorker, j.ID)
	b.graph.SetStatus(j.ID, types.JobPending)
	b.persist(ctx, job)
	if err := b.queue.Enqueue(queue.Item{ID: job.ID, Priority: job.Priority, SubmittedAt: job.CreatedAt}); err != nil {
		b.log.Error("rebalance re-enqueue rejected", "job_id", job.ID.String(), "error", err)
	}
	if b.notify != nil {
		b.notify.JobStatusChanged(job, "rebalanced", map[string]any{"from_worker": fromWorker})
	}
	return true
}

func (b *Balancer) persist(ctx context.Context, job *types.Job) {
	if b.store == nil || job == nil {
		return
	}
	if err := b.store.Save(dbctx.Context{Ctx: ctx}, job); err != nil {
		b.log.Warn("job persist failed", "job_id", job.ID.String(), "error", err)
	}
}
