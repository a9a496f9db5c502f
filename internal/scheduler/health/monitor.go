package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	types "github.com/taskgrid/taskgrid-backend/internal/domain"
	"github.com/taskgrid/taskgrid-backend/internal/observability"
	"github.com/taskgrid/taskgrid-backend/internal/platform/logger"
	"github.com/taskgrid/taskgrid-backend/internal/scheduler/failure"
	"github.com/taskgrid/taskgrid-backend/internal/scheduler/registry"
	"github.com/taskgrid/taskgrid-backend/internal/scheduler/state"
	"github.com/taskgrid/taskgrid-backend/internal/services"
)

type State string

const (
	Healthy   State = "HEALTHY"
	Unhealthy State = "UNHEALTHY"
	Recovered State = "RECOVERED"
	Failed    State = "FAILED"
)

const (
	DefaultHeartbeatTimeout       = 5 * time.Minute
	DefaultMaxConsecutiveFailures = 3
	DefaultCleanupThreshold       = 15 * time.Minute
)

type Config struct {
	HeartbeatTimeout       time.Duration
	MaxConsecutiveFailures int
	CleanupThreshold       time.Duration
}

func (c *Config) normalize() {
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if c.CleanupThreshold <= 0 {
		c.CleanupThreshold = DefaultCleanupThreshold
	}
}

// CheckResult is one worker's aggregate for one pass.
type CheckResult struct {
	WorkerID            string
	State               State
	Problems            []string
	ConsecutiveFailures int
}

/*
Monitor runs the periodic liveness pass: four sub-checks per worker
(heartbeat freshness, status consistency, capacity consistency, assignment
consistency against the job index), consecutive-failure tracking with
auto-recovery, escalation of per-job timeouts, and the slower cleanup sweep
that retires persistently failed workers.
*/
type Monitor struct {
	log      *logger.Logger
	cfg      Config
	registry *registry.Registry
	jobs     *state.JobIndex
	failures *failure.Controller
	notify   services.Notifier
	metrics  *observability.Metrics
	now      func() time.Time

	mu           sync.Mutex
	consecutive  map[string]int
	wasUnhealthy map[string]bool
	errorSince   map[string]time.Time
}

func New(
	baseLog *logger.Logger,
	reg *registry.Registry,
	jobs *state.JobIndex,
	failures *failure.Controller,
	notify services.Notifier,
	metrics *observability.Metrics,
	cfg Config,
) *Monitor {
	cfg.normalize()
	return &Monitor{
		log:          baseLog.With("component", "HealthMonitor"),
		cfg:          cfg,
		registry:     reg,
		jobs:         jobs,
		failures:     failures,
		notify:       notify,
		metrics:      metrics,
		now:          time.Now,
		consecutive:  map[string]int{},
		wasUnhealthy: map[string]bool{},
		errorSince:   map[string]time.Time{},
	}
}

// SetClock injects a clock for tests.
func (m *Monitor) SetClock(now func() time.Time) { m.now = now }

/*
CheckAll evaluates every in-service worker against the four sub-checks and
walks the aggregate state machine: UNHEALTHY accumulates, hitting the
consecutive-failure threshold flags FAILED (worker goes ERROR, its jobs go
back through the FailureController), and a clean pass after trouble reports
RECOVERED with the counter reset. It also escalates per-job timeouts.
*/
func (m *Monitor) CheckAll(ctx context.Context) []CheckResult {
	now := m.now().UTC()
	var results []CheckResult

	snapshot := m.registry.Snapshot()
	byStatus := map[types.WorkerStatus]int{}
	for _, w := range snapshot {
		byStatus[w.Status]++
	}
	for status, n := range byStatus {
		m.metrics.WorkersByStatus.Set(float64(n), string(status))
	}

	for _, w := range snapshot {
		if w.Status == types.WorkerInactive || w.Status == types.WorkerMaintenance {
			continue
		}
		problems := m.checkWorker(ctx, w, now)
		res, failedNow := m.aggregate(w, problems)
		if failedNow {
			m.failWorker(ctx, w.ID)
		}
		results = append(results, res)
	}

	m.escalateTimeouts(ctx, now)
	return results
}

func (m *Monitor) checkWorker(ctx context.Context, w *types.Worker, now time.Time) []string {
	var problems []string

	// 1. Heartbeat freshness.
	if w.LastHeartbeat == nil || now.Sub(*w.LastHeartbeat) > m.cfg.HeartbeatTimeout {
		problems = append(problems, "stale heartbeat")
	}

	// 2. Status consistency.
	switch {
	case w.Status == types.WorkerError:
		problems = append(problems, "status is ERROR")
	case w.Status == types.WorkerBusy && w.CurrentJobCount == 0:
		problems = append(problems, "BUSY with no jobs")
	case w.Status == types.WorkerActive && w.CurrentJobCount > w.MaxConcurrentJobs:
		problems = append(problems, "job count exceeds capacity")
	}

	// 3. Capacity consistency.
	if w.CurrentJobCount+w.ReservedCapacity > w.MaxConcurrentJobs {
		problems = append(problems, fmt.Sprintf("capacity overcommitted (%d+%d > %d)", w.CurrentJobCount, w.ReservedCapacity, w.MaxConcurrentJobs))
	}

	// 4. Assignment consistency: the worker's claimed set vs the index truth.
	truth := map[string]bool{}
	for _, j := range m.jobs.AssignedTo(w.ID) {
		if j.Status == types.JobScheduled || j.Status == types.JobRunning {
			truth[j.ID.String()] = true
		}
	}
	claimed := map[string]bool{}
	for _, id := range w.AssignedJobIDs {
		claimed[id] = true
	}
	if !sameSet(truth, claimed) {
		problems = append(problems, "assignment drift")
		m.repairAssignments(ctx, w.ID, truth)
	}

	return problems
}

// repairAssignments reconciles the worker's denormalized set and counters
// from the authoritative index.
func (m *Monitor) repairAssignments(ctx context.Context, workerID string, truth map[string]bool) {
	ids := make([]string, 0, len(truth))
	for id := range truth {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	err := m.registry.Mutate(ctx, workerID, func(w *types.Worker) error {
		w.AssignedJobIDs = ids
		w.CurrentJobCount = len(ids)
		if w.Status == types.WorkerBusy && w.CurrentJobCount < w.MaxConcurrentJobs {
			w.Status = types.WorkerActive
		}
		w.UpdatedAt = m.now().UTC()
		return nil
	})
	if err != nil {
		m.log.Error("assignment reconciliation failed", "worker_id", workerID, "error", err)
		return
	}
	m.log.Error("assignment drift repaired from index", "worker_id", workerID, "assignments", len(ids))
}

func (m *Monitor) aggregate(w *types.Worker, problems []string) (CheckResult, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	res := CheckResult{WorkerID: w.ID, Problems: problems}
	failedNow := false

	if len(problems) == 0 {
		if m.wasUnhealthy[w.ID] {
			res.State = Recovered
			m.wasUnhealthy[w.ID] = false
			m.log.Info("worker recovered", "worker_id", w.ID)
		} else {
			res.State = Healthy
		}
		m.consecutive[w.ID] = 0
	} else {
		m.consecutive[w.ID]++
		m.wasUnhealthy[w.ID] = true
		res.ConsecutiveFailures = m.consecutive[w.ID]
		if m.consecutive[w.ID] >= m.cfg.MaxConsecutiveFailures {
			res.State = Failed
			failedNow = true
			if _, tracked := m.errorSince[w.ID]; !tracked {
				m.errorSince[w.ID] = m.now().UTC()
			}
		} else {
			res.State = Unhealthy
			m.log.Warn("worker unhealthy", "worker_id", w.ID, "problems", problems, "consecutive", m.consecutive[w.ID])
		}
	}

	m.metrics.HealthTransitions.Inc(string(res.State))
	return res, failedNow
}

// failWorker flags the worker ERROR and hands its jobs to the
// FailureController. Runs outside the monitor's own section; the registry
// and controller take their own.
func (m *Monitor) failWorker(ctx context.Context, workerID string) {
	err := m.registry.Mutate(ctx, workerID, func(w *types.Worker) error {
		w.Status = types.WorkerError
		w.UpdatedAt = m.now().UTC()
		return nil
	})
	if err != nil {
		m.log.Error("could not flag failed worker", "worker_id", workerID, "error", err)
		return
	}
	if w, ok := m.registry.Get(workerID); ok && m.notify != nil {
		m.notify.WorkerStatusChanged(w, "health check failed", nil)
	}
	m.log.Error("worker failed health threshold", "worker_id", workerID)
	m.failures.OnWorkerFailed(ctx, workerID)
}

// escalateTimeouts walks RUNNING jobs and hands expired ones to the
// FailureController with reason "Timeout"; normal retry policy applies.
func (m *Monitor) escalateTimeouts(ctx context.Context, now time.Time) {
	for _, j := range m.jobs.ByStatus(types.JobRunning) {
		if !j.TimedOut(now) {
			continue
		}
		workerID := ""
		if j.AssignedWorkerID != nil {
			workerID = *j.AssignedWorkerID
		}
		m.log.Warn("job timeout escalated", "job_id", j.ID.String(), "worker_id", workerID)
		m.failures.Reassign(ctx, j.ID, workerID, failure.ReasonTimeout)
	}
}

/*
Cleanup retires workers that have sat in ERROR past the cleanup threshold:
any jobs still indexed against them are recovered, the worker drops to
INACTIVE, and its failure tracking resets so a later re-registration starts
clean.
*/
func (m *Monitor) Cleanup(ctx context.Context) int {
	now := m.now().UTC()
	cleaned := 0

	for _, w := range m.registry.Snapshot() {
		if w.Status != types.WorkerError {
			continue
		}
		m.mu.Lock()
		since, ok := m.errorSince[w.ID]
		m.mu.Unlock()
		if !ok {
			// ERROR arrived via a worker self-report rather than a FAILED
			// aggregate; age from the record's own timestamp.
			since = w.UpdatedAt
		}
		if now.Sub(since) < m.cfg.CleanupThreshold {
			continue
		}

		m.failures.OnWorkerFailed(ctx, w.ID)
		err := m.registry.Mutate(ctx, w.ID, func(w *types.Worker) error {
			w.Status = types.WorkerInactive
			w.AssignedJobIDs = nil
			w.CurrentJobCount = 0
			w.UpdatedAt = now
			return nil
		})
		if err != nil {
			m.log.Error("cleanup failed", "worker_id", w.ID, "error", err)
			continue
		}
		m.mu.Lock()
		delete(m.errorSince, w.ID)
		delete(m.consecutive, w.ID)
		delete(m.wasUnhealthy, w.ID)
		m.mu.Unlock()
		if updated, ok := m.registry.Get(w.ID); ok && m.notify != nil {
			m.notify.WorkerStatusChanged(updated, "cleaned up after persistent failure", nil)
		}
		m.log.Info("failed worker cleaned up", "worker_id", w.ID)
		cleaned++
	}
	return cleaned
}

func sameSet(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}
