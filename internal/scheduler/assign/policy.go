package assign

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	types "github.com/taskgrid/taskgrid-backend/internal/domain"
	"github.com/taskgrid/taskgrid-backend/internal/platform/logger"
)

var ErrNoWorker = errors.New("NO_WORKER")

// Strategy is a tagged selection policy; strategies are pure functions over
// a worker snapshot, so swapping them is a config change, not a type tree.
type Strategy string

const (
	RoundRobin       Strategy = "round_robin"
	CapacityAware    Strategy = "capacity_aware"
	LeastLoaded      Strategy = "least_loaded"
	PerformanceBased Strategy = "performance_based"
	Intelligent      Strategy = "intelligent"
	PriorityBased    Strategy = "priority_based"
	Adaptive         Strategy = "adaptive"
)

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case RoundRobin:
		return RoundRobin, nil
	case CapacityAware:
		return CapacityAware, nil
	case LeastLoaded:
		return LeastLoaded, nil
	case PerformanceBased:
		return PerformanceBased, nil
	case Intelligent, "":
		return Intelligent, nil
	case PriorityBased:
		return PriorityBased, nil
	case Adaptive:
		return Adaptive, nil
	}
	return "", fmt.Errorf("unknown assignment strategy %q", s)
}

// Intelligent scoring weights; components are normalized to [0,1] before
// weighting.
const (
	weightCapacity   = 0.30
	weightSuccess    = 0.30
	weightIdleness   = 0.25
	weightExperience = 0.15

	experienceSaturation = 1000
	elevatedBonus        = 1.5

	// Adaptive thresholds on system-wide average load.
	adaptiveLowLoad  = 0.5
	adaptiveHighLoad = 0.8

	// PriorityBased floor: elevated jobs only go to reasonably sized workers.
	priorityBasedMinConcurrent = 5
)

/*
Policy selects a worker for a job under the configured strategy. The only
mutable state is the round-robin cursor; everything else is computed from
the snapshot passed in, so a Select never blocks on engine locks.
*/
type Policy struct {
	mu          sync.Mutex
	log         *logger.Logger
	strategy    Strategy
	cursor      uint64
	blacklisted func(ctx context.Context, workerID string) bool
}

func New(baseLog *logger.Logger, strategy Strategy, blacklisted func(ctx context.Context, workerID string) bool) *Policy {
	if strategy == "" {
		strategy = Intelligent
	}
	return &Policy{
		log:         baseLog.With("component", "AssignmentPolicy"),
		strategy:    strategy,
		blacklisted: blacklisted,
	}
}

func (p *Policy) Strategy() Strategy { return p.strategy }

/*
Eligible applies the filter predicate: schedulable status (ACTIVE or BUSY),
spare capacity, the worker's priority threshold, the blacklist cache flag,
and a substring capability match. Order within the result follows the
snapshot, which the registry keeps sorted by WorkerId for stable
tie-breaking.
*/
func (p *Policy) Eligible(ctx context.Context, job *types.Job, snapshot []*types.Worker) []*types.Worker {
	var out []*types.Worker
	for _, w := range snapshot {
		if !w.Schedulable() {
			continue
		}
		if w.AvailableCapacity() <= 0 {
			continue
		}
		if job.Priority < w.PriorityThreshold {
			continue
		}
		if !w.HasCapability(job.RequiredCapabilities) {
			continue
		}
		if p.blacklisted != nil && p.blacklisted(ctx, w.ID) {
			continue
		}
		out = append(out, w)
	}
	return out
}

// Select picks a worker for the job, or NO_WORKER when nothing passes the
// filter. NO_WORKER is not an error condition for the engine; the job is
// re-queued.
func (p *Policy) Select(ctx context.Context, job *types.Job, snapshot []*types.Worker) (*types.Worker, error) {
	eligible := p.Eligible(ctx, job, snapshot)
	if len(eligible) == 0 {
		return nil, ErrNoWorker
	}
	return p.pick(p.strategy, job, eligible, snapshot)
}

func (p *Policy) pick(strategy Strategy, job *types.Job, eligible, snapshot []*types.Worker) (*types.Worker, error) {
	switch strategy {
	case RoundRobin:
		return p.nextRoundRobin(eligible), nil
	case CapacityAware:
		return argmax(eligible, func(w *types.Worker) float64 { return float64(w.AvailableCapacity()) }), nil
	case LeastLoaded:
		return argmax(eligible, func(w *types.Worker) float64 { return -w.LoadPercentage() }), nil
	case PerformanceBased:
		return argmax(eligible, func(w *types.Worker) float64 { return w.SuccessRate() }), nil
	case Intelligent:
		return argmax(eligible, func(w *types.Worker) float64 { return intelligentScore(w, job) }), nil
	case PriorityBased:
		return p.pickPriorityBased(job, eligible)
	case Adaptive:
		return p.pick(adaptiveDelegate(snapshot), job, eligible, snapshot)
	}
	return nil, fmt.Errorf("unknown assignment strategy %q", strategy)
}

func (p *Policy) nextRoundRobin(eligible []*types.Worker) *types.Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	w := eligible[p.cursor%uint64(len(eligible))]
	p.cursor++
	return w
}

/*
pickPriorityBased restricts elevated jobs to workers with headroom
(maxConcurrent >= 5) and spare capacity, then round-robins among them.
Non-elevated jobs round-robin over the full eligible set.
*/
func (p *Policy) pickPriorityBased(job *types.Job, eligible []*types.Worker) (*types.Worker, error) {
	pool := eligible
	if job.Elevated() {
		pool = nil
		for _, w := range eligible {
			if w.MaxConcurrentJobs >= priorityBasedMinConcurrent && w.AvailableCapacity() > 0 {
				pool = append(pool, w)
			}
		}
		if len(pool) == 0 {
			return nil, ErrNoWorker
		}
	}
	return p.nextRoundRobin(pool), nil
}

/*
intelligentScore blends capacity headroom, track record, idleness and
experience, with a 1.5x bonus pulling elevated jobs toward the same best
worker ordering.

	score = (0.30*capacityRatio + 0.30*successRate + 0.25*(1-load) + 0.15*min(1, processed/1000)) * bonus
*/
func intelligentScore(w *types.Worker, job *types.Job) float64 {
	capacityRatio := 0.0
	if w.MaxConcurrentJobs > 0 {
		capacityRatio = float64(w.AvailableCapacity()) / float64(w.MaxConcurrentJobs)
	}
	experience := float64(w.TotalProcessed) / experienceSaturation
	if experience > 1 {
		experience = 1
	}
	score := weightCapacity*capacityRatio +
		weightSuccess*w.SuccessRate() +
		weightIdleness*(1-w.LoadPercentage()) +
		weightExperience*experience
	if job.Elevated() {
		score *= elevatedBonus
	}
	return score
}

// adaptiveDelegate maps system-wide average load to a concrete strategy:
// lightly loaded systems chase response time (PerformanceBased proxy),
// mid-range uses Intelligent, saturated systems level load.
func adaptiveDelegate(snapshot []*types.Worker) Strategy {
	var sum float64
	var n int
	for _, w := range snapshot {
		if !w.Schedulable() {
			continue
		}
		sum += w.LoadPercentage()
		n++
	}
	if n == 0 {
		return Intelligent
	}
	avg := sum / float64(n)
	switch {
	case avg < adaptiveLowLoad:
		return PerformanceBased
	case avg <= adaptiveHighLoad:
		return Intelligent
	default:
		return LeastLoaded
	}
}

// argmax scans in snapshot order; strict improvement keeps ties on the
// lowest WorkerId.
func argmax(eligible []*types.Worker, score func(*types.Worker) float64) *types.Worker {
	best := eligible[0]
	bestScore := score(best)
	for _, w := range eligible[1:] {
		if s := score(w); s > bestScore {
			best = w
			bestScore = s
		}
	}
	return best
}
