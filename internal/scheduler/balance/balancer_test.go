package balance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	types "github.com/taskgrid/taskgrid-backend/internal/domain"
	"github.com/taskgrid/taskgrid-backend/internal/data/repos/memory"
	"github.com/taskgrid/taskgrid-backend/internal/observability"
	"github.com/taskgrid/taskgrid-backend/internal/platform/cache"
	"github.com/taskgrid/taskgrid-backend/internal/platform/logger"
	"github.com/taskgrid/taskgrid-backend/internal/scheduler/assign"
	"github.com/taskgrid/taskgrid-backend/internal/scheduler/graph"
	"github.com/taskgrid/taskgrid-backend/internal/scheduler/queue"
	"github.com/taskgrid/taskgrid-backend/internal/scheduler/registry"
	"github.com/taskgrid/taskgrid-backend/internal/scheduler/state"
)

type stubChannel struct {
	delivered []string // worker ids in delivery order
	failAll   bool
}

func (s *stubChannel) Deliver(_ context.Context, workerID string, _ *types.Job) error {
	if s.failAll {
		return errors.New("transport down")
	}
	s.delivered = append(s.delivered, workerID)
	return nil
}

func (s *stubChannel) RequestStop(context.Context, string, uuid.UUID) error { return nil }

type fixture struct {
	bal   *Balancer
	queue *queue.Queue
	jobs  *state.JobIndex
	graph *graph.Graph
	reg   *registry.Registry
	ch    *stubChannel
}

func newFixture(t *testing.T, strategy assign.Strategy) *fixture {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	q := queue.New(log, queue.DefaultCapacities())
	jobs := state.NewJobIndex()
	g := graph.New(log, 0)
	reg := registry.New(log, memory.NewWorkerStore(), cache.NewMemory(), nil, registry.Config{})
	policy := assign.New(log, strategy, reg.Blacklisted)
	ch := &stubChannel{}
	bal := New(log, q, policy, reg, jobs, g, memory.NewJobStore(), ch, nil, observability.NewMetrics(), Config{})
	return &fixture{bal: bal, queue: q, jobs: jobs, graph: g, reg: reg, ch: ch}
}

func (f *fixture) addWorker(t *testing.T, id string, maxConcurrent int) {
	t.Helper()
	_, err := f.reg.Register(context.Background(), registry.RegisterInput{
		ID:                id,
		Name:              id,
		MaxConcurrentJobs: maxConcurrent,
		LoadFactor:        1.0,
	})
	if err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
}

func (f *fixture) addJob(t *testing.T, priority int, submitted time.Time) uuid.UUID {
	t.Helper()
	j := &types.Job{
		ID:        uuid.New(),
		Name:      "j",
		Priority:  priority,
		Status:    types.JobScheduled,
		CreatedAt: submitted,
		UpdatedAt: submitted,
	}
	f.jobs.Put(j)
	f.graph.AddJob(j.ID, types.JobScheduled, priority)
	if err := f.queue.Enqueue(queue.Item{ID: j.ID, Priority: priority, SubmittedAt: submitted}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return j.ID
}

// Band ordering within one pass: no NORMAL job is assigned before an
// eligible HIGH job.
func TestDrainServesHighBeforeNormal(t *testing.T) {
	f := newFixture(t, assign.RoundRobin)
	f.addWorker(t, "w1", 1)
	base := time.Now()

	normal := f.addJob(t, 200, base)
	high := f.addJob(t, 700, base.Add(time.Second))

	if n := f.bal.Drain(context.Background()); n != 1 {
		t.Fatalf("expected exactly one assignment, got %d", n)
	}
	hj, _ := f.jobs.Get(high)
	if hj.AssignedWorkerID == nil {
		t.Fatalf("HIGH job should be assigned first")
	}
	nj, _ := f.jobs.Get(normal)
	if nj.AssignedWorkerID != nil {
		t.Fatalf("NORMAL job assigned while HIGH waited")
	}
}

// LOW only drains when some worker still has slack after NORMAL.
func TestDrainGatesLowBandOnSlack(t *testing.T) {
	f := newFixture(t, assign.RoundRobin)
	f.addWorker(t, "w1", 1)
	base := time.Now()

	normal := f.addJob(t, 200, base)
	low := f.addJob(t, 10, base)

	f.bal.Drain(context.Background())
	nj, _ := f.jobs.Get(normal)
	if nj.AssignedWorkerID == nil {
		t.Fatalf("NORMAL job should be assigned")
	}
	lj, _ := f.jobs.Get(low)
	if lj.AssignedWorkerID != nil {
		t.Fatalf("LOW job assigned with no slack left")
	}
	if f.queue.Size(queue.BandLow) != 1 {
		t.Fatalf("LOW job should still be queued")
	}

	// Add slack; the next pass serves LOW.
	f.addWorker(t, "w2", 2)
	f.bal.Drain(context.Background())
	lj, _ = f.jobs.Get(low)
	if lj.AssignedWorkerID == nil {
		t.Fatalf("LOW job should drain once slack exists")
	}
}

// An unassignable head re-queues at the tail and does not wedge the band.
func TestDrainRequeuesUnassignableHead(t *testing.T) {
	f := newFixture(t, assign.RoundRobin)
	f.addWorker(t, "w1", 1)
	base := time.Now()

	picky := f.addJob(t, 200, base)
	if _, err := f.jobs.Mutate(picky, func(j *types.Job) error {
		j.RequiredCapabilities = "quantum"
		return nil
	}); err != nil {
		t.Fatalf("mutate: %v", err)
	}
	plain := f.addJob(t, 200, base.Add(time.Second))

	f.bal.Drain(context.Background())
	pj, _ := f.jobs.Get(plain)
	if pj.AssignedWorkerID == nil {
		t.Fatalf("plain job behind the picky head should still be served")
	}
	if f.queue.Size(queue.BandNormal) != 1 {
		t.Fatalf("picky job should be back in its band")
	}
}

func TestDeliveryFailureUnwindsAssignment(t *testing.T) {
	f := newFixture(t, assign.RoundRobin)
	f.addWorker(t, "w1", 1)
	f.ch.failAll = true
	id := f.addJob(t, 200, time.Now())

	if n := f.bal.Drain(context.Background()); n != 0 {
		t.Fatalf("no assignment should survive delivery failure, got %d", n)
	}
	j, _ := f.jobs.Get(id)
	if j.AssignedWorkerID != nil || j.Status != types.JobPending {
		t.Fatalf("job should be unwound to PENDING, got %+v", j)
	}
	w, _ := f.reg.Get("w1")
	if w.CurrentJobCount != 0 {
		t.Fatalf("worker counters should be unwound, got %d", w.CurrentJobCount)
	}
	if f.queue.Size(queue.BandNormal) != 1 {
		t.Fatalf("job should be re-queued")
	}
}

// Rebalance moves assigned-but-unstarted jobs off the overloaded worker and
// never touches RUNNING ones.
func TestRebalanceMovesOnlyUnstartedJobs(t *testing.T) {
	f := newFixture(t, assign.RoundRobin)
	f.addWorker(t, "busy", 4)
	f.addWorker(t, "idle", 4)
	base := time.Now()

	// Load the busy worker directly: three SCHEDULED, one RUNNING.
	var scheduled []uuid.UUID
	for i := 0; i < 3; i++ {
		id := f.addJob(t, 200, base.Add(time.Duration(i)*time.Second))
		if _, err := f.jobs.Mutate(id, func(j *types.Job) error { return j.Assign("busy", base) }); err != nil {
			t.Fatalf("assign: %v", err)
		}
		scheduled = append(scheduled, id)
	}
	running := f.addJob(t, 200, base.Add(10*time.Second))
	if _, err := f.jobs.Mutate(running, func(j *types.Job) error {
		if err := j.Assign("busy", base); err != nil {
			return err
		}
		return j.Start(base)
	}); err != nil {
		t.Fatalf("start: %v", err)
	}
	// Drop the queued copies; these four live on the worker now.
	f.queue.RemoveIf(func(queue.Item) bool { return true })
	if err := f.reg.Mutate(context.Background(), "busy", func(w *types.Worker) error {
		for _, id := range scheduled {
			if err := w.AddAssignment(id.String(), base); err != nil {
				return err
			}
		}
		return w.AddAssignment(running.String(), base)
	}); err != nil {
		t.Fatalf("worker load: %v", err)
	}

	moved := f.bal.Rebalance(context.Background())
	if moved == 0 {
		t.Fatalf("imbalance of 1.0 should trigger movement")
	}

	rj, _ := f.jobs.Get(running)
	if rj.Status != types.JobRunning || rj.AssignedWorkerID == nil {
		t.Fatalf("RUNNING job must never be preempted")
	}
	pending := 0
	for _, id := range scheduled {
		j, _ := f.jobs.Get(id)
		if j.Status == types.JobPending && j.AssignedWorkerID == nil {
			pending++
		}
	}
	if pending != moved {
		t.Fatalf("expected %d jobs back to PENDING, got %d", moved, pending)
	}
	if f.queue.Size(queue.BandNormal) != moved {
		t.Fatalf("moved jobs should be re-queued, queue=%d moved=%d", f.queue.Size(queue.BandNormal), moved)
	}
}

func TestRebalanceNoopWhenBalanced(t *testing.T) {
	f := newFixture(t, assign.RoundRobin)
	f.addWorker(t, "a", 4)
	f.addWorker(t, "b", 4)
	if moved := f.bal.Rebalance(context.Background()); moved != 0 {
		t.Fatalf("balanced fleet should not move jobs, moved %d", moved)
	}
}
