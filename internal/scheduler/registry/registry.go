package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	types "github.com/taskgrid/taskgrid-backend/internal/domain"
	"github.com/taskgrid/taskgrid-backend/internal/domain/workers"
	"github.com/taskgrid/taskgrid-backend/internal/platform/cache"
	"github.com/taskgrid/taskgrid-backend/internal/platform/dbctx"
	"github.com/taskgrid/taskgrid-backend/internal/platform/logger"
	"github.com/taskgrid/taskgrid-backend/internal/services"
)

var (
	ErrRateLimited   = errors.New("RATE_LIMITED")
	ErrWorkerUnknown = errors.New("WORKER_UNKNOWN")
	ErrHasActiveJobs = errors.New("HAS_ACTIVE_JOBS")
)

// ValidationError carries every failed field so callers see the full picture
// in one round trip.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "VALIDATION_FAILED: " + strings.Join(e.Problems, "; ")
}

const (
	DefaultMaxRegistrationAttempts = 3
	DefaultRegistrationCooldown    = 60 * time.Minute
	DefaultWorkerCacheTTL          = 600 * time.Second

	cacheKeyPrefix     = "worker:record:"
	blacklistKeyPrefix = "worker:blacklist:"
)

// WorkerStore is the slice of the store contract the registry needs.
type WorkerStore interface {
	Save(dbc dbctx.Context, worker *types.Worker) error
	Delete(dbc dbctx.Context, id string) error
}

type Config struct {
	MaxRegistrationAttempts int
	RegistrationCooldown    time.Duration
	WorkerCacheTTL          time.Duration
	MaxConcurrentJobsLimit  int
}

func (c *Config) normalize() {
	if c.MaxRegistrationAttempts <= 0 {
		c.MaxRegistrationAttempts = DefaultMaxRegistrationAttempts
	}
	if c.RegistrationCooldown <= 0 {
		c.RegistrationCooldown = DefaultRegistrationCooldown
	}
	if c.WorkerCacheTTL <= 0 {
		c.WorkerCacheTTL = DefaultWorkerCacheTTL
	}
	if c.MaxConcurrentJobsLimit <= 0 {
		c.MaxConcurrentJobsLimit = workers.MaxConcurrentLimit
	}
}

/*
Registry owns the worker set: registration with validation and a failed-
attempt rate limit, heartbeat ingestion, and deregistration. The in-memory
map is the live view; the WorkerStore persists, the cache holds a short-TTL
read copy plus blacklist flags. Mutations run under the registry's exclusive
section, which is the first lock in the engine's global order.
*/
type Registry struct {
	mu       sync.RWMutex
	log      *logger.Logger
	cfg      Config
	store    WorkerStore
	cache    cache.Store
	notify   services.Notifier
	now      func() time.Time
	workers  map[string]*types.Worker
	failures map[string][]time.Time // failed registration attempts per worker id
}

func New(baseLog *logger.Logger, store WorkerStore, cacheStore cache.Store, notify services.Notifier, cfg Config) *Registry {
	cfg.normalize()
	return &Registry{
		log:      baseLog.With("component", "WorkerRegistry"),
		cfg:      cfg,
		store:    store,
		cache:    cacheStore,
		notify:   notify,
		now:      time.Now,
		workers:  map[string]*types.Worker{},
		failures: map[string][]time.Time{},
	}
}

// SetClock injects a clock for tests.
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

type RegisterInput struct {
	ID                string
	Name              string
	Host              string
	Port              int
	MaxConcurrentJobs int
	LoadFactor        float64
	PriorityThreshold int
	Capabilities      string
	Tags              []string
	Version           string
}

func (r *Registry) validate(in RegisterInput) error {
	var problems []string
	if strings.TrimSpace(in.ID) == "" {
		problems = append(problems, "workerId must not be empty")
	}
	if strings.TrimSpace(in.Name) == "" {
		problems = append(problems, "name must not be empty")
	}
	if in.MaxConcurrentJobs < 1 || in.MaxConcurrentJobs > r.cfg.MaxConcurrentJobsLimit {
		problems = append(problems, fmt.Sprintf("maxConcurrentJobs must be in [1,%d]", r.cfg.MaxConcurrentJobsLimit))
	}
	if in.Port != 0 && (in.Port < 1 || in.Port > 65535) {
		problems = append(problems, "port must be in [1,65535]")
	}
	if in.LoadFactor != 0 && (in.LoadFactor < workers.LoadFactorMin || in.LoadFactor > workers.LoadFactorMax) {
		problems = append(problems, fmt.Sprintf("loadFactor must be in [%.1f,%.1f]", workers.LoadFactorMin, workers.LoadFactorMax))
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

/*
Register admits a worker. The rate limit counts failed attempts per worker
id: after maxRegistrationAttempts failures, every further attempt (valid or
not) is RATE_LIMITED until the cooldown has passed since the last counted
failure. A successful registration activates the worker, stamps the first
heartbeat and caches the record.
*/
func (r *Registry) Register(ctx context.Context, in RegisterInput) (*types.Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	id := strings.TrimSpace(in.ID)

	if r.rateLimitedLocked(id, now) {
		return nil, ErrRateLimited
	}

	if err := r.validate(in); err != nil {
		if id != "" {
			r.failures[id] = append(r.pruneFailuresLocked(id, now), now)
		}
		return nil, err
	}

	lf := in.LoadFactor
	if lf == 0 {
		lf = 1.0
	}

	w, existing := r.workers[id]
	if !existing {
		w = &types.Worker{ID: id, CreatedAt: now}
		r.workers[id] = w
	}
	w.Name = in.Name
	w.Host = in.Host
	w.Port = in.Port
	w.MaxConcurrentJobs = in.MaxConcurrentJobs
	w.LoadFactor = lf
	w.PriorityThreshold = in.PriorityThreshold
	w.Capabilities = in.Capabilities
	w.Tags = in.Tags
	w.Version = in.Version
	w.Status = types.WorkerActive
	w.Touch(now)

	delete(r.failures, id)

	if err := r.persistLocked(ctx, w); err != nil {
		return nil, err
	}
	r.cacheWorkerLocked(ctx, w)
	if r.notify != nil {
		r.notify.WorkerStatusChanged(w, "registered", nil)
	}
	r.log.Info("worker registered", "worker_id", id, "max_concurrent", w.MaxConcurrentJobs)
	out := *w
	return &out, nil
}

func (r *Registry) rateLimitedLocked(id string, now time.Time) bool {
	counted := r.failures[id]
	if n := len(counted); n >= r.cfg.MaxRegistrationAttempts && now.Before(counted[n-1].Add(r.cfg.RegistrationCooldown)) {
		return true
	}
	r.failures[id] = r.pruneFailuresLocked(id, now)
	return false
}

func (r *Registry) pruneFailuresLocked(id string, now time.Time) []time.Time {
	cutoff := now.Add(-r.cfg.RegistrationCooldown)
	var kept []time.Time
	for _, t := range r.failures[id] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

type HeartbeatInput struct {
	Status            *types.WorkerStatus
	CurrentJobCount   *int
	AvailableCapacity *int
	CPUUsage          *float64
	MemoryUsage       *float64
	ErrorCount        *int
	Message           string
}

/*
Heartbeat ingests a worker self-report: lastHeartbeat advances (never
regresses), supplied scalar fields overwrite last-writer-wins, the heartbeat
counter is monotone, and an INACTIVE worker comes back ACTIVE.
availableCapacity is derived; when only availableCapacity is supplied the
job count is back-computed from it.
*/
func (r *Registry) Heartbeat(ctx context.Context, id string, in HeartbeatInput) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return ErrWorkerUnknown
	}
	now := r.now().UTC()

	if in.Status != nil {
		w.Status = *in.Status
	}
	if in.CurrentJobCount != nil {
		w.CurrentJobCount = clampInt(*in.CurrentJobCount, 0, w.MaxConcurrentJobs)
	} else if in.AvailableCapacity != nil {
		inferred := w.MaxConcurrentJobs - *in.AvailableCapacity - w.ReservedCapacity
		w.CurrentJobCount = clampInt(inferred, 0, w.MaxConcurrentJobs)
	}
	if in.CPUUsage != nil {
		w.CPUUsage = *in.CPUUsage
	}
	if in.MemoryUsage != nil {
		w.MemoryUsage = *in.MemoryUsage
	}
	w.Touch(now)

	if err := r.persistLocked(ctx, w); err != nil {
		return err
	}
	r.cacheWorkerLocked(ctx, w)
	return nil
}

/*
Deregister removes a worker from service. Without force it refuses while the
worker still carries jobs (no state change). With force it strips the
assignment set and returns the orphaned job ids so the FailureController can
re-admit them. Either successful path ejects the cache entry and clears the
rate-limit tracking.
*/
func (r *Registry) Deregister(ctx context.Context, id string, force bool) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return nil, ErrWorkerUnknown
	}
	if !force && w.CurrentJobCount > 0 {
		return nil, ErrHasActiveJobs
	}

	now := r.now().UTC()
	orphaned := append([]string(nil), w.AssignedJobIDs...)
	w.AssignedJobIDs = nil
	w.CurrentJobCount = 0
	w.Status = types.WorkerInactive
	w.UpdatedAt = now

	if err := r.persistLocked(ctx, w); err != nil {
		return nil, err
	}
	if r.cache != nil {
		_ = r.cache.Evict(ctx, cacheKeyPrefix+id)
	}
	delete(r.failures, id)
	if r.notify != nil {
		r.notify.WorkerStatusChanged(w, "deregistered", map[string]any{"force": force})
	}
	r.log.Info("worker deregistered", "worker_id", id, "force", force, "orphaned_jobs", len(orphaned))
	return orphaned, nil
}

// Adopt loads a persisted worker record into the live set without the
// registration path. Used only for startup rehydration.
func (r *Registry) Adopt(w *types.Worker) {
	if w == nil || w.ID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *w
	r.workers[c.ID] = &c
}

// Get returns a copy; callers never see the live record.
func (r *Registry) Get(id string) (*types.Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	if !ok {
		return nil, false
	}
	out := *w
	return &out, true
}

// Snapshot returns copies of every worker, sorted by id. Policy scoring and
// health checks operate on this, never on live records.
func (r *Registry) Snapshot() []*types.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		c := *w
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

/*
Mutate applies fn to the live record under the registry lock and persists
the result. It is the single write path the engine uses for assignment
bookkeeping, keeping the worker single-writer.
*/
func (r *Registry) Mutate(ctx context.Context, id string, fn func(w *types.Worker) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return ErrWorkerUnknown
	}
	if err := fn(w); err != nil {
		return err
	}
	if err := r.persistLocked(ctx, w); err != nil {
		return err
	}
	r.cacheWorkerLocked(ctx, w)
	return nil
}

// Blacklist flags a worker in the cache so the assignment filter skips it
// for the TTL. Cache-only: losing the flag only costs an extra failed
// assignment attempt.
func (r *Registry) Blacklist(ctx context.Context, id string, ttl time.Duration) {
	if r.cache == nil {
		return
	}
	_ = r.cache.Put(ctx, blacklistKeyPrefix+id, "1", ttl)
}

func (r *Registry) Blacklisted(ctx context.Context, id string) bool {
	if r.cache == nil {
		return false
	}
	_, hit, err := r.cache.Get(ctx, blacklistKeyPrefix+id)
	return err == nil && hit
}

func (r *Registry) persistLocked(ctx context.Context, w *types.Worker) error {
	if r.store == nil {
		return nil
	}
	return r.store.Save(dbctx.Context{Ctx: ctx}, w)
}

func (r *Registry) cacheWorkerLocked(ctx context.Context, w *types.Worker) {
	if r.cache == nil {
		return
	}
	raw, err := json.Marshal(w)
	if err != nil {
		return
	}
	_ = r.cache.Put(ctx, cacheKeyPrefix+w.ID, string(raw), r.cfg.WorkerCacheTTL)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
