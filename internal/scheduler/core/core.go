package core

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	types "github.com/taskgrid/taskgrid-backend/internal/domain"
	"github.com/taskgrid/taskgrid-backend/internal/data/repos"
	"github.com/taskgrid/taskgrid-backend/internal/observability"
	"github.com/taskgrid/taskgrid-backend/internal/platform/cache"
	"github.com/taskgrid/taskgrid-backend/internal/platform/dbctx"
	"github.com/taskgrid/taskgrid-backend/internal/platform/logger"
	"github.com/taskgrid/taskgrid-backend/internal/scheduler/assign"
	"github.com/taskgrid/taskgrid-backend/internal/scheduler/balance"
	"github.com/taskgrid/taskgrid-backend/internal/scheduler/failure"
	"github.com/taskgrid/taskgrid-backend/internal/scheduler/graph"
	"github.com/taskgrid/taskgrid-backend/internal/scheduler/health"
	"github.com/taskgrid/taskgrid-backend/internal/scheduler/queue"
	"github.com/taskgrid/taskgrid-backend/internal/scheduler/registry"
	"github.com/taskgrid/taskgrid-backend/internal/scheduler/state"
	"github.com/taskgrid/taskgrid-backend/internal/services"
)

type Config struct {
	HeartbeatTimeout       time.Duration
	HealthCheckInterval    time.Duration
	CleanupInterval        time.Duration
	CleanupThreshold       time.Duration
	MaxConsecutiveFailures int

	MaxRegistrationAttempts int
	RegistrationCooldown    time.Duration
	MaxConcurrentJobsLimit  int

	QueueCapacities queue.Capacities
	Strategy        assign.Strategy

	DrainInterval      time.Duration
	RebalanceInterval  time.Duration
	ImbalanceThreshold float64

	GraphMaxDepth int

	// AutoConfirmStarts makes the local worker channel report starts
	// immediately after delivery; single-process mode only.
	AutoConfirmStarts bool
}

func (c *Config) normalize() {
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 2 * time.Minute
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 15 * time.Minute
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = balance.DefaultDrainInterval
	}
	if c.RebalanceInterval <= 0 {
		c.RebalanceInterval = balance.DefaultRebalanceInterval
	}
	if c.Strategy == "" {
		c.Strategy = assign.Intelligent
	}
}

/*
Engine is the SchedulerCore facade: it composes the graph, queue, registry,
policy, balancer, health monitor and failure controller, exposes the
submit/cancel/report/worker API as {ok, reason} handlers, and drives the
periodic task table. All collaborators are built here and passed explicitly;
the only shared infrastructure is the optional cache.
*/
type Engine struct {
	log     *logger.Logger
	cfg     Config
	stores  repos.Set
	jobs    *state.JobIndex
	graph   *graph.Graph
	queue   *queue.Queue
	reg     *registry.Registry
	policy  *assign.Policy
	bal     *balance.Balancer
	monitor *health.Monitor
	fails   *failure.Controller
	channel services.WorkerChannel
	notify  services.Notifier
	metrics *observability.Metrics
	tasks   *taskRunner
	now     func() time.Time

	mu              sync.Mutex
	cancelRequested map[uuid.UUID]bool
}

func New(
	baseLog *logger.Logger,
	stores repos.Set,
	cacheStore cache.Store,
	channel services.WorkerChannel,
	notify services.Notifier,
	metrics *observability.Metrics,
	cfg Config,
) *Engine {
	cfg.normalize()
	log := baseLog.With("component", "SchedulerCore")

	jobs := state.NewJobIndex()
	g := graph.New(baseLog, cfg.GraphMaxDepth)
	q := queue.New(baseLog, cfg.QueueCapacities)
	reg := registry.New(baseLog, stores.Workers, cacheStore, notify, registry.Config{
		MaxRegistrationAttempts: cfg.MaxRegistrationAttempts,
		RegistrationCooldown:    cfg.RegistrationCooldown,
		MaxConcurrentJobsLimit:  cfg.MaxConcurrentJobsLimit,
	})
	policy := assign.New(baseLog, cfg.Strategy, reg.Blacklisted)
	fails := failure.New(baseLog, jobs, stores.Jobs, q, g, reg, notify, metrics)
	bal := balance.New(baseLog, q, policy, reg, jobs, g, stores.Jobs, channel, notify, metrics, balance.Config{
		ImbalanceThreshold: cfg.ImbalanceThreshold,
	})
	monitor := health.New(baseLog, reg, jobs, fails, notify, metrics, health.Config{
		HeartbeatTimeout:       cfg.HeartbeatTimeout,
		MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
		CleanupThreshold:       cfg.CleanupThreshold,
	})

	e := &Engine{
		log:             log,
		cfg:             cfg,
		stores:          stores,
		jobs:            jobs,
		graph:           g,
		queue:           q,
		reg:             reg,
		policy:          policy,
		bal:             bal,
		monitor:         monitor,
		fails:           fails,
		channel:         channel,
		notify:          notify,
		metrics:         metrics,
		now:             time.Now,
		cancelRequested: map[uuid.UUID]bool{},
	}
	e.tasks = newTaskRunner(baseLog, e.taskTable())

	if cfg.AutoConfirmStarts {
		if local, isLocal := channel.(*services.LocalWorkerChannel); isLocal {
			local.OnDeliver = func(workerID string, job *types.Job) {
				_ = e.ReportJobStarted(context.Background(), job.ID, workerID)
			}
		}
	}
	return e
}

// SetClock injects a clock into the engine and its components, for tests.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
	e.reg.SetClock(now)
	e.fails.SetClock(now)
	e.bal.SetClock(now)
	e.monitor.SetClock(now)
}

// Collaborator accessors for the admin surface.
func (e *Engine) Registry() *registry.Registry { return e.reg }
func (e *Engine) Metrics() *observability.Metrics {
	return e.metrics
}

type DependencySpec struct {
	ParentID uuid.UUID
	Kind     types.DependencyKind
}

type SubmitJobInput struct {
	Name                 string
	Description          string
	JobType              string
	Params               datatypes.JSON
	Priority             int
	MaxRetries           *int
	Timeout              time.Duration
	Dependencies         []DependencySpec
	RequiredCapabilities string
	Tags                 []string
}

/*
SubmitJob persists the job PENDING, registers every declared edge through
the graph's validation, and enqueues the job immediately when it is already
ready. A rejected edge unwinds the whole submission.
*/
func (e *Engine) SubmitJob(ctx context.Context, in SubmitJobInput) (uuid.UUID, Result) {
	if in.Priority < types.PriorityMin || in.Priority > types.PriorityMax {
		e.metrics.SubmissionsTotal.Inc("rejected")
		return uuid.Nil, fail(ReasonInvalidPriority, "priority must be in [1,1000]")
	}
	for _, dep := range in.Dependencies {
		if !e.graph.Has(dep.ParentID) {
			e.metrics.SubmissionsTotal.Inc("rejected")
			return uuid.Nil, fail(ReasonUnknownDep, "unknown dependency "+dep.ParentID.String())
		}
	}

	now := e.now().UTC()
	maxRetries := types.DefaultMaxRetries
	if in.MaxRetries != nil && *in.MaxRetries >= 0 {
		maxRetries = *in.MaxRetries
	}
	depIDs := make([]string, 0, len(in.Dependencies))
	for _, dep := range in.Dependencies {
		depIDs = append(depIDs, dep.ParentID.String())
	}

	job := &types.Job{
		ID:                   uuid.New(),
		Name:                 strings.TrimSpace(in.Name),
		Description:          in.Description,
		JobType:              in.JobType,
		Params:               in.Params,
		Priority:             in.Priority,
		Status:               types.JobPending,
		MaxRetries:           maxRetries,
		Timeout:              in.Timeout,
		DependencyIDs:        depIDs,
		RequiredCapabilities: in.RequiredCapabilities,
		Tags:                 in.Tags,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	e.jobs.Put(job)
	e.graph.AddJob(job.ID, types.JobPending, job.Priority)

	var persisted []uuid.UUID
	for _, dep := range in.Dependencies {
		kind := dep.Kind
		if kind == "" {
			kind = types.MustComplete
		}
		err := e.graph.AddEdge(job.ID, dep.ParentID, kind)
		switch {
		case err == nil:
			e.persistEdge(ctx, job.ID, dep.ParentID, kind)
			persisted = append(persisted, dep.ParentID)
		case errors.Is(err, graph.ErrDuplicateEdge):
			// Idempotent; already recorded.
		default:
			e.jobs.Remove(job.ID)
			e.graph.RemoveJob(job.ID)
			for _, parentID := range persisted {
				_ = e.stores.Dependencies.Delete(dbctx.Context{Ctx: ctx}, job.ID, parentID)
			}
			e.metrics.SubmissionsTotal.Inc("rejected")
			var cyc *graph.CycleError
			if errors.As(err, &cyc) {
				return uuid.Nil, fail(ReasonWouldCycle, err.Error())
			}
			if errors.Is(err, graph.ErrSelfDependency) {
				return uuid.Nil, fail(ReasonSelfDependency, err.Error())
			}
			return uuid.Nil, fail(ReasonUnknownDep, err.Error())
		}
	}

	if err := e.stores.Jobs.Save(dbctx.Context{Ctx: ctx}, job); err != nil {
		e.jobs.Remove(job.ID)
		e.graph.RemoveJob(job.ID)
		e.metrics.SubmissionsTotal.Inc("rejected")
		return uuid.Nil, fail(ReasonStoreUnavailable, err.Error())
	}

	if e.notify != nil {
		e.notify.JobStatusChanged(job, "submitted", nil)
	}
	e.metrics.SubmissionsTotal.Inc("accepted")

	if readyNow(e.graph, job.ID) {
		if res := e.enqueueReady(ctx, job.ID); !res.OK {
			return job.ID, res
		}
	}
	return job.ID, ok()
}

func readyNow(g *graph.Graph, id uuid.UUID) bool {
	for _, ready := range g.JobsReady() {
		if ready == id {
			return true
		}
	}
	return false
}

func (e *Engine) enqueueReady(ctx context.Context, id uuid.UUID) Result {
	now := e.now().UTC()
	job, err := e.jobs.Mutate(id, func(j *types.Job) error {
		return j.MarkScheduled(now)
	})
	if err != nil {
		return fail(ReasonUnknownJob, err.Error())
	}
	e.graph.SetStatus(id, types.JobScheduled)
	_ = e.stores.Jobs.Save(dbctx.Context{Ctx: ctx}, job)
	if err := e.queue.Enqueue(queue.Item{ID: job.ID, Priority: job.Priority, SubmittedAt: job.CreatedAt}); err != nil {
		// Band at capacity: the job stays PENDING so a later admission (or a
		// restart recovery pass) can queue it again.
		reverted, revErr := e.jobs.Mutate(id, func(j *types.Job) error {
			j.Status = types.JobPending
			j.ScheduledAt = nil
			return nil
		})
		if revErr == nil {
			e.graph.SetStatus(id, types.JobPending)
			_ = e.stores.Jobs.Save(dbctx.Context{Ctx: ctx}, reverted)
		}
		return fail(ReasonQueueFull, err.Error())
	}
	return ok()
}

/*
CancelJob removes a waiting job outright, firing the CANCELLED outcome into
the graph (MUST_SUCCEED dependents fail, MUST_COMPLETE dependents proceed).
A job already handed to a worker gets a stop request instead and is
finalized when the worker confirms through ReportJobOutcome.
*/
func (e *Engine) CancelJob(ctx context.Context, id uuid.UUID) Result {
	job, found := e.jobs.Get(id)
	if !found {
		return fail(ReasonUnknownJob, "")
	}
	if job.IsTerminal() {
		return fail(ReasonAlreadyTerminal, string(job.Status))
	}

	if job.AssignedWorkerID != nil {
		workerID := *job.AssignedWorkerID
		e.mu.Lock()
		e.cancelRequested[id] = true
		e.mu.Unlock()
		if err := e.channel.RequestStop(ctx, workerID, id); err != nil {
			e.log.Warn("stop request failed", "job_id", id.String(), "worker_id", workerID, "error", err)
		}
		return ok()
	}

	e.queue.RemoveIf(func(it queue.Item) bool { return it.ID == id })
	e.fails.Complete(ctx, id, types.JobCancelled, "cancelled by request", "cancel")
	return ok()
}

// ReportJobStarted is the worker channel's start confirmation: the job goes
// RUNNING, and MUST_START dependents are released.
func (e *Engine) ReportJobStarted(ctx context.Context, id uuid.UUID, workerID string) Result {
	now := e.now().UTC()
	job, err := e.jobs.Mutate(id, func(j *types.Job) error {
		if j.AssignedWorkerID == nil || *j.AssignedWorkerID != workerID {
			return errors.New("job is not assigned to " + workerID)
		}
		return j.Start(now)
	})
	if err != nil {
		return fail(ReasonNotRunning, err.Error())
	}
	_ = e.stores.Jobs.Save(dbctx.Context{Ctx: ctx}, job)
	released := e.graph.OnJobStarted(id)
	e.fails.ReleaseReady(ctx, released)
	if e.notify != nil {
		e.notify.JobStatusChanged(job, "started", map[string]any{"worker_id": workerID})
	}
	return ok()
}

/*
ReportJobOutcome ingests a terminal report from the worker channel. The
FailureController drives the terminal transition and the dependency
release/cascade; a FAILED report from the worker goes through the retry
path instead of straight to terminal.
*/
func (e *Engine) ReportJobOutcome(ctx context.Context, id uuid.UUID, outcome types.JobStatus, errMsg string) Result {
	job, found := e.jobs.Get(id)
	if !found {
		return fail(ReasonUnknownJob, "")
	}
	if job.IsTerminal() {
		return fail(ReasonAlreadyTerminal, string(job.Status))
	}
	if job.Status != types.JobRunning && !(job.Status == types.JobScheduled && job.AssignedWorkerID != nil) {
		return fail(ReasonNotRunning, string(job.Status))
	}

	e.mu.Lock()
	wasCancelRequested := e.cancelRequested[id]
	delete(e.cancelRequested, id)
	e.mu.Unlock()

	switch outcome {
	case types.JobCompleted:
		e.fails.Complete(ctx, id, types.JobCompleted, "", "worker report")
	case types.JobCancelled:
		e.fails.Complete(ctx, id, types.JobCancelled, errMsg, "cancel confirmed")
	case types.JobFailed:
		if wasCancelRequested {
			e.fails.Complete(ctx, id, types.JobCancelled, "cancelled by request", "cancel confirmed")
			return ok()
		}
		workerID := ""
		if job.AssignedWorkerID != nil {
			workerID = *job.AssignedWorkerID
		}
		reason := errMsg
		if reason == "" {
			reason = "job failed"
		}
		e.fails.Reassign(ctx, id, workerID, reason)
	default:
		return fail(ReasonNotRunning, "outcome must be terminal")
	}
	return ok()
}

// RegisterWorker delegates to the registry and maps its errors onto reasons.
func (e *Engine) RegisterWorker(ctx context.Context, in registry.RegisterInput) (*types.Worker, Result) {
	w, err := e.reg.Register(ctx, in)
	if err != nil {
		var ve *registry.ValidationError
		switch {
		case errors.Is(err, registry.ErrRateLimited):
			return nil, fail(ReasonRateLimited, "")
		case errors.As(err, &ve):
			return nil, fail(ReasonValidationFailed, ve.Error())
		default:
			return nil, fail(ReasonStoreUnavailable, err.Error())
		}
	}
	return w, ok()
}

func (e *Engine) Heartbeat(ctx context.Context, workerID string, in registry.HeartbeatInput) Result {
	if err := e.reg.Heartbeat(ctx, workerID, in); err != nil {
		if errors.Is(err, registry.ErrWorkerUnknown) {
			return fail(ReasonWorkerUnknown, "")
		}
		return fail(ReasonStoreUnavailable, err.Error())
	}
	return ok()
}

func (e *Engine) DeregisterWorker(ctx context.Context, workerID string, force bool) Result {
	orphaned, err := e.reg.Deregister(ctx, workerID, force)
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrWorkerUnknown):
			return fail(ReasonWorkerUnknown, "")
		case errors.Is(err, registry.ErrHasActiveJobs):
			return fail(ReasonHasActiveJobs, "")
		default:
			return fail(ReasonStoreUnavailable, err.Error())
		}
	}
	for _, raw := range orphaned {
		if jobID, parseErr := uuid.Parse(raw); parseErr == nil {
			e.fails.Reassign(ctx, jobID, workerID, "Worker deregistered")
		}
	}
	return ok()
}

// GetJob returns a copy of the tracked job.
func (e *Engine) GetJob(id uuid.UUID) (*types.Job, bool) { return e.jobs.Get(id) }

// Stats is the admin surface snapshot.
type Stats struct {
	QueueDepths map[string]int             `json:"queue_depths"`
	Workers     map[types.WorkerStatus]int `json:"workers"`
	Jobs        map[types.JobStatus]int    `json:"jobs"`
	Strategy    assign.Strategy            `json:"strategy"`
}

func (e *Engine) Stats() Stats {
	s := Stats{
		QueueDepths: map[string]int{},
		Workers:     map[types.WorkerStatus]int{},
		Jobs:        map[types.JobStatus]int{},
		Strategy:    e.policy.Strategy(),
	}
	for band, n := range e.queue.Sizes() {
		s.QueueDepths[band.String()] = n
	}
	for _, w := range e.reg.Snapshot() {
		s.Workers[w.Status]++
	}
	for _, j := range e.jobs.All() {
		s.Jobs[j.Status]++
	}
	return s
}

// Workers exposes registry snapshots for the admin surface.
func (e *Engine) Workers() []*types.Worker { return e.reg.Snapshot() }

func (e *Engine) persistEdge(ctx context.Context, childID, parentID uuid.UUID, kind types.DependencyKind) {
	now := e.now().UTC()
	edge := &types.JobDependency{
		ID:        uuid.New(),
		ChildID:   childID,
		ParentID:  parentID,
		Kind:      kind,
		Priority:  5,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.stores.Dependencies.Save(dbctx.Context{Ctx: ctx}, edge); err != nil {
		e.log.Warn("edge persist failed", "child", childID.String(), "parent", parentID.String(), "error", err)
	}
}

/*
Recover rehydrates the in-memory engine from the stores: workers are
adopted, non-terminal jobs re-indexed into the graph, edges reinstated with
their satisfied flags, and ready jobs re-enqueued.
*/
func (e *Engine) Recover(ctx context.Context) error {
	dbc := dbctx.Context{Ctx: ctx}

	ws, err := e.stores.Workers.FindAll(dbc)
	if err != nil {
		return err
	}
	for _, w := range ws {
		e.reg.Adopt(w)
	}

	for _, status := range []types.JobStatus{types.JobPending, types.JobScheduled, types.JobRunning} {
		rows, err := e.stores.Jobs.FindAllByStatus(dbc, status)
		if err != nil {
			return err
		}
		for _, j := range rows {
			e.jobs.Put(j)
			e.graph.AddJob(j.ID, j.Status, j.Priority)
		}
	}
	// Terminal jobs join the graph (not the index) so rehydrated edges
	// against them pick up the right satisfied flags.
	for _, status := range []types.JobStatus{types.JobCompleted, types.JobFailed, types.JobCancelled} {
		rows, err := e.stores.Jobs.FindAllByStatus(dbc, status)
		if err != nil {
			return err
		}
		for _, j := range rows {
			e.graph.AddJob(j.ID, j.Status, j.Priority)
		}
	}

	edges, err := e.stores.Dependencies.FindAll(dbc)
	if err != nil {
		return err
	}
	for _, edge := range edges {
		if !e.graph.Has(edge.ChildID) || !e.graph.Has(edge.ParentID) {
			continue
		}
		if err := e.graph.AddEdge(edge.ChildID, edge.ParentID, edge.Kind); err != nil &&
			!errors.Is(err, graph.ErrDuplicateEdge) {
			e.log.Error("persisted edge rejected during recovery",
				"child", edge.ChildID.String(), "parent", edge.ParentID.String(), "error", err)
		}
	}

	requeued := 0
	for _, id := range e.graph.JobsReady() {
		if res := e.enqueueReady(ctx, id); res.OK {
			requeued++
		}
	}
	// Jobs that were SCHEDULED but unassigned at shutdown go straight back
	// into their band.
	for _, j := range e.jobs.ByStatus(types.JobScheduled) {
		if j.AssignedWorkerID != nil {
			continue
		}
		if err := e.queue.Enqueue(queue.Item{ID: j.ID, Priority: j.Priority, SubmittedAt: j.CreatedAt}); err == nil {
			requeued++
		}
	}
	e.log.Info("engine recovered from stores", "workers", len(ws), "requeued", requeued)
	return nil
}
