package core

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	types "github.com/taskgrid/taskgrid-backend/internal/domain"
	"github.com/taskgrid/taskgrid-backend/internal/data/repos"
	"github.com/taskgrid/taskgrid-backend/internal/data/repos/memory"
	"github.com/taskgrid/taskgrid-backend/internal/observability"
	"github.com/taskgrid/taskgrid-backend/internal/platform/cache"
	"github.com/taskgrid/taskgrid-backend/internal/platform/logger"
	"github.com/taskgrid/taskgrid-backend/internal/scheduler/registry"
	"github.com/taskgrid/taskgrid-backend/internal/services"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time          { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type harness struct {
	engine  *Engine
	channel *services.LocalWorkerChannel
	clock   *clock
}

func newHarness(t *testing.T, mutate func(cfg *Config)) *harness {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	stores := repos.Set{
		Jobs:         memory.NewJobStore(),
		Dependencies: memory.NewDependencyStore(),
		Workers:      memory.NewWorkerStore(),
	}
	channel := services.NewLocalWorkerChannel(log)
	cfg := Config{AutoConfirmStarts: true}
	if mutate != nil {
		mutate(&cfg)
	}
	engine := New(log, stores, cache.NewMemory(), channel, services.NewLogNotifier(log), observability.NewMetrics(), cfg)
	ck := &clock{t: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	engine.SetClock(ck.Now)
	return &harness{engine: engine, channel: channel, clock: ck}
}

func (h *harness) registerWorker(t *testing.T, id string, maxConcurrent int) {
	t.Helper()
	_, res := h.engine.RegisterWorker(context.Background(), registry.RegisterInput{
		ID:                id,
		Name:              "worker " + id,
		MaxConcurrentJobs: maxConcurrent,
		LoadFactor:        1.0,
	})
	if !res.OK {
		t.Fatalf("register %s: %+v", id, res)
	}
}

func (h *harness) submit(t *testing.T, name string, priority int, deps []DependencySpec, mutate func(*SubmitJobInput)) uuid.UUID {
	t.Helper()
	in := SubmitJobInput{Name: name, Priority: priority, Dependencies: deps}
	if mutate != nil {
		mutate(&in)
	}
	id, res := h.engine.SubmitJob(context.Background(), in)
	if !res.OK {
		t.Fatalf("submit %s: %+v", name, res)
	}
	return id
}

func (h *harness) status(t *testing.T, id uuid.UUID) types.JobStatus {
	t.Helper()
	j, ok := h.engine.GetJob(id)
	if !ok {
		t.Fatalf("job %s not tracked", id)
	}
	return j.Status
}

// S1: linear chain A <- B <- C on one single-slot worker runs in order.
func TestLinearDependencyChain(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	a := h.submit(t, "A", 100, nil, nil)
	b := h.submit(t, "B", 100, []DependencySpec{{ParentID: a}}, nil)
	c := h.submit(t, "C", 100, []DependencySpec{{ParentID: b}}, nil)
	h.registerWorker(t, "w1", 1)

	h.engine.RunDrainOnce(ctx)
	if got := h.status(t, a); got != types.JobRunning {
		t.Fatalf("A should run first, got %s", got)
	}
	if got := h.status(t, b); got == types.JobRunning {
		t.Fatalf("B ran before A completed")
	}

	if res := h.engine.ReportJobOutcome(ctx, a, types.JobCompleted, ""); !res.OK {
		t.Fatalf("complete A: %+v", res)
	}
	h.engine.RunDrainOnce(ctx)
	if got := h.status(t, b); got != types.JobRunning {
		t.Fatalf("B should run after A, got %s", got)
	}
	if got := h.status(t, c); got == types.JobRunning {
		t.Fatalf("C ran before B completed")
	}

	if res := h.engine.ReportJobOutcome(ctx, b, types.JobCompleted, ""); !res.OK {
		t.Fatalf("complete B: %+v", res)
	}
	h.engine.RunDrainOnce(ctx)
	if got := h.status(t, c); got != types.JobRunning {
		t.Fatalf("C should run last, got %s", got)
	}
	if res := h.engine.ReportJobOutcome(ctx, c, types.JobCompleted, ""); !res.OK {
		t.Fatalf("complete C: %+v", res)
	}
	for _, id := range []uuid.UUID{a, b, c} {
		if got := h.status(t, id); got != types.JobCompleted {
			t.Fatalf("expected COMPLETED, got %s", got)
		}
	}
}

func TestSubmitRejectsInvalidPriority(t *testing.T) {
	h := newHarness(t, nil)
	for _, p := range []int{0, -5, 1001} {
		_, res := h.engine.SubmitJob(context.Background(), SubmitJobInput{Name: "bad", Priority: p})
		if res.OK || res.Reason != ReasonInvalidPriority {
			t.Fatalf("priority %d: expected INVALID_PRIORITY, got %+v", p, res)
		}
	}
}

func TestSubmitRejectsUnknownDependency(t *testing.T) {
	h := newHarness(t, nil)
	_, res := h.engine.SubmitJob(context.Background(), SubmitJobInput{
		Name:         "orphan",
		Priority:     100,
		Dependencies: []DependencySpec{{ParentID: uuid.New()}},
	})
	if res.OK || res.Reason != ReasonUnknownDep {
		t.Fatalf("expected UNKNOWN_DEP, got %+v", res)
	}
}

// S3: a worker that stops heartbeating fails its health checks; its job is
// re-admitted with a bumped retry count and completes on a fresh worker.
func TestWorkerDeathAndRetry(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.HeartbeatTimeout = 5 * time.Minute
		cfg.MaxConsecutiveFailures = 1
	})
	ctx := context.Background()

	h.registerWorker(t, "w1", 1)
	two := 2
	j := h.submit(t, "J", 100, nil, func(in *SubmitJobInput) { in.MaxRetries = &two })

	h.engine.RunDrainOnce(ctx)
	if got := h.status(t, j); got != types.JobRunning {
		t.Fatalf("J should be running on w1, got %s", got)
	}

	// w1 goes silent past the heartbeat timeout.
	h.clock.Advance(7 * time.Minute)
	h.engine.RunHealthCheckOnce(ctx)

	w1, _ := h.engine.Registry().Get("w1")
	if w1.Status != types.WorkerError {
		t.Fatalf("w1 should be ERROR, got %s", w1.Status)
	}
	job, _ := h.engine.GetJob(j)
	if job.Status != types.JobPending || job.RetryCount != 1 {
		t.Fatalf("J should be re-admitted with retryCount=1, got %s retry=%d", job.Status, job.RetryCount)
	}

	h.registerWorker(t, "w2", 1)
	h.engine.RunDrainOnce(ctx)
	if got := h.status(t, j); got != types.JobRunning {
		t.Fatalf("J should run on w2, got %s", got)
	}
	if res := h.engine.ReportJobOutcome(ctx, j, types.JobCompleted, ""); !res.OK {
		t.Fatalf("complete J: %+v", res)
	}

	job, _ = h.engine.GetJob(j)
	if job.Status != types.JobCompleted || job.RetryCount != 1 {
		t.Fatalf("final: want COMPLETED retry=1, got %s retry=%d", job.Status, job.RetryCount)
	}
}

// S4: with the only worker busy, a later HIGH submission overtakes an
// earlier LOW one once capacity frees up.
func TestHighBandOvertakesLowOnFreedWorker(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.registerWorker(t, "w1", 1)
	filler := h.submit(t, "filler", 100, nil, nil)
	h.engine.RunDrainOnce(ctx)
	if got := h.status(t, filler); got != types.JobRunning {
		t.Fatalf("filler should occupy w1, got %s", got)
	}

	low := h.submit(t, "L", 50, nil, nil)
	high := h.submit(t, "H", 600, nil, nil)

	h.engine.RunDrainOnce(ctx)
	if got := h.status(t, high); got == types.JobRunning {
		t.Fatalf("H ran while worker was full")
	}

	if res := h.engine.ReportJobOutcome(ctx, filler, types.JobCompleted, ""); !res.OK {
		t.Fatalf("complete filler: %+v", res)
	}
	h.engine.RunDrainOnce(ctx)

	if got := h.status(t, high); got != types.JobRunning {
		t.Fatalf("H should run first after capacity freed, got %s", got)
	}
	if got := h.status(t, low); got == types.JobRunning {
		t.Fatalf("L must wait behind H")
	}
}

// S6: a MUST_SUCCEED child of a terminally failed parent is cancelled with
// the prerequisite reason, and that cancellation releases the child's own
// MUST_COMPLETE dependents.
func TestMustSucceedCascadeOnTerminalFailure(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.registerWorker(t, "w1", 1)
	zero := 0
	a := h.submit(t, "A", 100, nil, func(in *SubmitJobInput) { in.MaxRetries = &zero })
	b := h.submit(t, "B", 100, []DependencySpec{{ParentID: a, Kind: types.MustSucceed}}, nil)
	c := h.submit(t, "C", 100, []DependencySpec{{ParentID: b, Kind: types.MustComplete}}, nil)

	h.engine.RunDrainOnce(ctx)
	if res := h.engine.ReportJobOutcome(ctx, a, types.JobFailed, "boom"); !res.OK {
		t.Fatalf("fail A: %+v", res)
	}

	jobA, _ := h.engine.GetJob(a)
	if jobA.Status != types.JobFailed {
		t.Fatalf("A should be terminally FAILED, got %s", jobA.Status)
	}
	if jobA.Error == "" {
		t.Fatalf("A should carry the composed retry-exhausted error")
	}

	jobB, _ := h.engine.GetJob(b)
	if jobB.Status != types.JobCancelled || jobB.Error != "Prerequisite failed" {
		t.Fatalf("B: want CANCELLED/Prerequisite failed, got %s/%q", jobB.Status, jobB.Error)
	}

	// C sees B terminal through MUST_COMPLETE and proceeds.
	h.engine.RunDrainOnce(ctx)
	if got := h.status(t, c); got != types.JobRunning {
		t.Fatalf("C should proceed after B terminal, got %s", got)
	}
}

func TestCancelQueuedJob(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	a := h.submit(t, "A", 100, nil, nil)
	if res := h.engine.CancelJob(ctx, a); !res.OK {
		t.Fatalf("cancel: %+v", res)
	}
	if got := h.status(t, a); got != types.JobCancelled {
		t.Fatalf("expected CANCELLED, got %s", got)
	}
	if res := h.engine.CancelJob(ctx, a); res.OK || res.Reason != ReasonAlreadyTerminal {
		t.Fatalf("second cancel should report ALREADY_TERMINAL, got %+v", res)
	}
	if res := h.engine.CancelJob(ctx, uuid.New()); res.OK || res.Reason != ReasonUnknownJob {
		t.Fatalf("expected UNKNOWN_JOB, got %+v", res)
	}
}

func TestCancelRunningJobWaitsForWorkerConfirm(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.registerWorker(t, "w1", 1)
	a := h.submit(t, "A", 100, nil, nil)
	h.engine.RunDrainOnce(ctx)
	if got := h.status(t, a); got != types.JobRunning {
		t.Fatalf("A should be running, got %s", got)
	}

	if res := h.engine.CancelJob(ctx, a); !res.OK {
		t.Fatalf("cancel: %+v", res)
	}
	// Not terminal until the worker confirms.
	if got := h.status(t, a); got != types.JobRunning {
		t.Fatalf("A should stay RUNNING until confirm, got %s", got)
	}

	if res := h.engine.ReportJobOutcome(ctx, a, types.JobCancelled, "stopped"); !res.OK {
		t.Fatalf("confirm: %+v", res)
	}
	if got := h.status(t, a); got != types.JobCancelled {
		t.Fatalf("expected CANCELLED after confirm, got %s", got)
	}
}

// Capacity safety: a single-slot worker never holds two jobs.
func TestCapacityIsNeverExceeded(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.registerWorker(t, "w1", 1)
	for i := 0; i < 3; i++ {
		h.submit(t, "job", 100, nil, nil)
	}
	h.engine.RunDrainOnce(ctx)
	h.engine.RunDrainOnce(ctx)

	w, _ := h.engine.Registry().Get("w1")
	if w.CurrentJobCount != 1 {
		t.Fatalf("capacity exceeded: %d jobs on a 1-slot worker", w.CurrentJobCount)
	}
	if w.AvailableCapacity() != 0 {
		t.Fatalf("derived capacity wrong: %d", w.AvailableCapacity())
	}
}

func TestJobTimeoutEscalatesThroughRetry(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.registerWorker(t, "w1", 1)
	j := h.submit(t, "slow", 100, nil, func(in *SubmitJobInput) { in.Timeout = time.Minute })
	h.engine.RunDrainOnce(ctx)
	if got := h.status(t, j); got != types.JobRunning {
		t.Fatalf("job should be running, got %s", got)
	}

	h.clock.Advance(2 * time.Minute)
	h.engine.RunHealthCheckOnce(ctx)

	job, _ := h.engine.GetJob(j)
	if job.Status != types.JobPending || job.RetryCount != 1 {
		t.Fatalf("timeout should re-admit: got %s retry=%d", job.Status, job.RetryCount)
	}
}

func TestReportOutcomeValidation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if res := h.engine.ReportJobOutcome(ctx, uuid.New(), types.JobCompleted, ""); res.OK || res.Reason != ReasonUnknownJob {
		t.Fatalf("expected UNKNOWN_JOB, got %+v", res)
	}
	a := h.submit(t, "A", 100, nil, nil)
	if res := h.engine.ReportJobOutcome(ctx, a, types.JobCompleted, ""); res.OK || res.Reason != ReasonNotRunning {
		t.Fatalf("expected NOT_RUNNING for queued job, got %+v", res)
	}
}

func TestBoundedRetries(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.registerWorker(t, "w1", 1)
	one := 1
	j := h.submit(t, "flaky", 100, nil, func(in *SubmitJobInput) { in.MaxRetries = &one })

	// First run fails -> one retry allowed.
	h.engine.RunDrainOnce(ctx)
	if res := h.engine.ReportJobOutcome(ctx, j, types.JobFailed, "first"); !res.OK {
		t.Fatalf("first failure: %+v", res)
	}
	job, _ := h.engine.GetJob(j)
	if job.Status != types.JobPending || job.RetryCount != 1 {
		t.Fatalf("after first failure: got %s retry=%d", job.Status, job.RetryCount)
	}

	// Second run fails -> retries exhausted, terminal FAILED.
	h.engine.RunDrainOnce(ctx)
	if res := h.engine.ReportJobOutcome(ctx, j, types.JobFailed, "second"); !res.OK {
		t.Fatalf("second failure: %+v", res)
	}
	job, _ = h.engine.GetJob(j)
	if job.Status != types.JobFailed {
		t.Fatalf("expected terminal FAILED, got %s", job.Status)
	}
	if job.RetryCount != 2 {
		t.Fatalf("retry count should be 2, got %d", job.RetryCount)
	}
}

func TestQueueFullSurfacesOnSubmit(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.QueueCapacities.Normal = 1
	})
	h.submit(t, "first", 100, nil, nil)
	_, res := h.engine.SubmitJob(context.Background(), SubmitJobInput{Name: "second", Priority: 100})
	if res.OK || res.Reason != ReasonQueueFull {
		t.Fatalf("expected QUEUE_FULL, got %+v", res)
	}
}

func TestStatsSnapshot(t *testing.T) {
	h := newHarness(t, nil)
	h.registerWorker(t, "w1", 2)
	h.submit(t, "A", 600, nil, nil)

	s := h.engine.Stats()
	if s.Workers[types.WorkerActive] != 1 {
		t.Fatalf("expected one active worker, got %+v", s.Workers)
	}
	if s.QueueDepths["HIGH"] != 1 {
		t.Fatalf("expected one queued HIGH job, got %+v", s.QueueDepths)
	}
}
