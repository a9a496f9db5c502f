package core

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/taskgrid/taskgrid-backend/internal/platform/logger"
)

// PeriodicTask is one row of the engine's task table. Every task runs with a
// deadline equal to its period; an over-running task is abandoned via
// context cancellation and skipped (not stacked) until the next tick.
type PeriodicTask struct {
	Name   string
	Period time.Duration
	Run    func(ctx context.Context)
}

func (e *Engine) taskTable() []PeriodicTask {
	return []PeriodicTask{
		{Name: "drain", Period: e.cfg.DrainInterval, Run: func(ctx context.Context) { e.bal.Drain(ctx) }},
		{Name: "rebalance", Period: e.cfg.RebalanceInterval, Run: func(ctx context.Context) { e.bal.Rebalance(ctx) }},
		{Name: "health_check", Period: e.cfg.HealthCheckInterval, Run: func(ctx context.Context) { e.monitor.CheckAll(ctx) }},
		{Name: "cleanup", Period: e.cfg.CleanupInterval, Run: func(ctx context.Context) { e.monitor.Cleanup(ctx) }},
		{Name: "graph_invariants", Period: e.cfg.HealthCheckInterval, Run: func(ctx context.Context) { e.checkGraphInvariants() }},
	}
}

// checkGraphInvariants is the safety net behind insertion-time cycle
// prevention: a non-empty result means an invariant was violated somewhere.
func (e *Engine) checkGraphInvariants() {
	cycles := e.graph.DetectCycles()
	for _, c := range cycles {
		e.metrics.CyclesDetected.Inc()
		e.log.Error("dependency cycle detected by invariant check",
			"length", c.Length,
			"severity", string(c.Severity),
			"jobs", c.Jobs,
		)
	}
	for _, w := range e.graph.Validate() {
		e.log.Warn("graph structural warning", "kind", w.Kind, "job_id", w.JobID.String(), "detail", w.Detail, "depth", w.Depth)
	}
}

// Start launches the periodic tasks. Stop is idempotent.
func (e *Engine) Start() { e.tasks.Start() }
func (e *Engine) Stop()  { e.tasks.Stop() }

// RunDrainOnce / RunHealthCheckOnce are deterministic triggers for the admin
// surface and tests; the cron schedule uses the same functions.
func (e *Engine) RunDrainOnce(ctx context.Context) int     { return e.bal.Drain(ctx) }
func (e *Engine) RunRebalanceOnce(ctx context.Context) int { return e.bal.Rebalance(ctx) }
func (e *Engine) RunHealthCheckOnce(ctx context.Context)   { e.monitor.CheckAll(ctx) }
func (e *Engine) RunCleanupOnce(ctx context.Context) int   { return e.monitor.Cleanup(ctx) }

type taskRunner struct {
	log   *logger.Logger
	cron  *cron.Cron
	tasks []PeriodicTask
}

func newTaskRunner(baseLog *logger.Logger, tasks []PeriodicTask) *taskRunner {
	log := baseLog.With("component", "TaskRunner")
	cronLog := cron.PrintfLogger(printfAdapter{log: log})
	return &taskRunner{
		log: log,
		cron: cron.New(cron.WithChain(
			cron.SkipIfStillRunning(cronLog),
			cron.Recover(cronLog),
		)),
		tasks: tasks,
	}
}

func (r *taskRunner) Start() {
	for _, task := range r.tasks {
		t := task
		spec := fmt.Sprintf("@every %s", t.Period)
		_, err := r.cron.AddFunc(spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), t.Period)
			defer cancel()
			started := time.Now()
			t.Run(ctx)
			if elapsed := time.Since(started); elapsed > t.Period {
				r.log.Warn("periodic task overran its deadline", "task", t.Name, "elapsed", elapsed.String())
			}
		})
		if err != nil {
			r.log.Error("could not schedule task", "task", t.Name, "error", err)
			continue
		}
		r.log.Info("periodic task scheduled", "task", t.Name, "period", t.Period.String())
	}
	r.cron.Start()
}

func (r *taskRunner) Stop() {
	<-r.cron.Stop().Done()
}

type printfAdapter struct{ log *logger.Logger }

func (p printfAdapter) Printf(format string, args ...interface{}) {
	p.log.Debug(fmt.Sprintf(format, args...))
}
