package observability

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
)

// Metrics bundles the scheduler's instruments behind one Prometheus-text
// exposition endpoint.
type Metrics struct {
	QueueDepth        *GaugeVec
	WorkersByStatus   *GaugeVec
	AssignmentsTotal  *CounterVec
	AssignmentMisses  *Counter
	RebalancedTotal   *Counter
	RebalanceOutcome  *CounterVec
	RebalanceLatency  *MovingAverage
	RetriesTotal      *Counter
	TerminalFailures  *Counter
	HealthTransitions *CounterVec
	CyclesDetected    *Counter
	SubmissionsTotal  *CounterVec
	CancelledTotal    *Counter
}

func NewMetrics() *Metrics {
	return &Metrics{
		QueueDepth:        NewGaugeVec("scheduler_queue_depth", "Ready-queue depth per priority band", []string{"band"}),
		WorkersByStatus:   NewGaugeVec("scheduler_workers", "Workers per lifecycle status", []string{"status"}),
		AssignmentsTotal:  NewCounterVec("scheduler_assignments_total", "Successful job assignments per strategy", []string{"strategy"}),
		AssignmentMisses:  NewCounter("scheduler_assignment_misses_total", "Drain attempts that found no eligible worker for a job"),
		RebalancedTotal:   NewCounter("scheduler_rebalanced_jobs_total", "Jobs moved between workers by the rebalancer"),
		RebalanceOutcome:  NewCounterVec("scheduler_rebalance_outcome_total", "Rebalance pass outcomes", []string{"outcome"}),
		RebalanceLatency:  NewMovingAverage("scheduler_rebalance_latency_seconds", "Moving average of rebalance pass latency", 0.2),
		RetriesTotal:      NewCounter("scheduler_job_retries_total", "Jobs re-admitted after a failure"),
		TerminalFailures:  NewCounter("scheduler_job_terminal_failures_total", "Jobs that exhausted their retries"),
		HealthTransitions: NewCounterVec("scheduler_worker_health_total", "Health check aggregate results", []string{"state"}),
		CyclesDetected:    NewCounter("scheduler_dependency_cycles_total", "Cycles found by the periodic invariant check"),
		SubmissionsTotal:  NewCounterVec("scheduler_submissions_total", "Job submissions per outcome", []string{"outcome"}),
		CancelledTotal:    NewCounter("scheduler_jobs_cancelled_total", "Jobs cancelled"),
	}
}

func (m *Metrics) writers() []interface{ WritePrometheus(io.Writer) error } {
	return []interface{ WritePrometheus(io.Writer) error }{
		m.QueueDepth, m.WorkersByStatus, m.AssignmentsTotal, m.AssignmentMisses,
		m.RebalancedTotal, m.RebalanceOutcome, m.RebalanceLatency, m.RetriesTotal,
		m.TerminalFailures, m.HealthTransitions, m.CyclesDetected,
		m.SubmissionsTotal, m.CancelledTotal,
	}
}

// Handler serves the exposition text.
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		for _, wr := range m.writers() {
			_ = wr.WritePrometheus(w)
		}
	}
}

// ---- lightweight metric primitives (Prometheus exposition) ----

type Counter struct {
	name string
	help string
	mu   sync.RWMutex
	val  float64
}

func NewCounter(name, help string) *Counter { return &Counter{name: name, help: help} }

func (c *Counter) Inc() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.val++
	c.mu.Unlock()
}

func (c *Counter) Add(v float64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.val += v
	c.mu.Unlock()
}

func (c *Counter) Value() float64 {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.val
}

func (c *Counter) WritePrometheus(w io.Writer) error {
	if c == nil {
		return nil
	}
	if _, err := fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n", c.name, c.help, c.name); err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, err := fmt.Fprintf(w, "%s %f\n", c.name, c.val)
	return err
}

type CounterVec struct {
	name       string
	help       string
	labelNames []string
	mu         sync.RWMutex
	values     map[string]float64
}

func NewCounterVec(name, help string, labels []string) *CounterVec {
	return &CounterVec{name: name, help: help, labelNames: labels, values: map[string]float64{}}
}

func (c *CounterVec) Inc(values ...string) {
	if c == nil {
		return
	}
	lbl := labelString(c.labelNames, values)
	c.mu.Lock()
	c.values[lbl]++
	c.mu.Unlock()
}

func (c *CounterVec) Value(values ...string) float64 {
	if c == nil {
		return 0
	}
	lbl := labelString(c.labelNames, values)
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.values[lbl]
}

func (c *CounterVec) WritePrometheus(w io.Writer) error {
	if c == nil {
		return nil
	}
	if _, err := fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n", c.name, c.help, c.name); err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, k := range sortedKeys(c.values) {
		if _, err := fmt.Fprintf(w, "%s%s %f\n", c.name, k, c.values[k]); err != nil {
			return err
		}
	}
	return nil
}

type GaugeVec struct {
	name       string
	help       string
	labelNames []string
	mu         sync.RWMutex
	values     map[string]float64
}

func NewGaugeVec(name, help string, labels []string) *GaugeVec {
	return &GaugeVec{name: name, help: help, labelNames: labels, values: map[string]float64{}}
}

func (g *GaugeVec) Set(v float64, values ...string) {
	if g == nil {
		return
	}
	lbl := labelString(g.labelNames, values)
	g.mu.Lock()
	g.values[lbl] = v
	g.mu.Unlock()
}

func (g *GaugeVec) WritePrometheus(w io.Writer) error {
	if g == nil {
		return nil
	}
	if _, err := fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s gauge\n", g.name, g.help, g.name); err != nil {
		return err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, k := range sortedKeys(g.values) {
		if _, err := fmt.Fprintf(w, "%s%s %f\n", g.name, k, g.values[k]); err != nil {
			return err
		}
	}
	return nil
}

// MovingAverage is an exponentially weighted mean exposed as a gauge.
type MovingAverage struct {
	name  string
	help  string
	alpha float64
	mu    sync.RWMutex
	val   float64
	seen  bool
}

func NewMovingAverage(name, help string, alpha float64) *MovingAverage {
	return &MovingAverage{name: name, help: help, alpha: alpha}
}

func (a *MovingAverage) Observe(v float64) {
	if a == nil {
		return
	}
	a.mu.Lock()
	if !a.seen {
		a.val = v
		a.seen = true
	} else {
		a.val = a.alpha*v + (1-a.alpha)*a.val
	}
	a.mu.Unlock()
}

func (a *MovingAverage) Value() float64 {
	if a == nil {
		return 0
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.val
}

func (a *MovingAverage) WritePrometheus(w io.Writer) error {
	if a == nil {
		return nil
	}
	if _, err := fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s gauge\n", a.name, a.help, a.name); err != nil {
		return err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, err := fmt.Fprintf(w, "%s %f\n", a.name, a.val)
	return err
}

func labelString(names, values []string) string {
	if len(names) == 0 {
		return ""
	}
	parts := make([]string, 0, len(names))
	for i, n := range names {
		v := ""
		if i < len(values) {
			v = values[i]
		}
		parts = append(parts, fmt.Sprintf("%s=%q", n, v))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
