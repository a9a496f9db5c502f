package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	types "github.com/taskgrid/taskgrid-backend/internal/domain"
	"github.com/taskgrid/taskgrid-backend/internal/data/repos/memory"
	"github.com/taskgrid/taskgrid-backend/internal/platform/cache"
	"github.com/taskgrid/taskgrid-backend/internal/platform/logger"
)

func testRegistry(t *testing.T) (*Registry, *fakeClock) {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	r := New(log, memory.NewWorkerStore(), cache.NewMemoryAt(clock.Now), nil, Config{})
	r.SetClock(clock.Now)
	return r, clock
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func validInput(id string) RegisterInput {
	return RegisterInput{
		ID:                id,
		Name:              "worker " + id,
		Host:              "10.0.0.1",
		Port:              9090,
		MaxConcurrentJobs: 4,
		LoadFactor:        1.0,
		Capabilities:      "gpu,video",
	}
}

func TestRegisterActivatesAndStampsHeartbeat(t *testing.T) {
	r, clock := testRegistry(t)
	w, err := r.Register(context.Background(), validInput("w1"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if w.Status != types.WorkerActive {
		t.Fatalf("expected ACTIVE, got %s", w.Status)
	}
	if w.LastHeartbeat == nil || !w.LastHeartbeat.Equal(clock.Now()) {
		t.Fatalf("lastHeartbeat not stamped")
	}
}

func TestRegisterValidation(t *testing.T) {
	r, _ := testRegistry(t)
	cases := []RegisterInput{
		{ID: "", Name: "n", MaxConcurrentJobs: 4},
		{ID: "w", Name: "", MaxConcurrentJobs: 4},
		{ID: "w", Name: "n", MaxConcurrentJobs: 0},
		{ID: "w", Name: "n", MaxConcurrentJobs: 150},
		{ID: "w", Name: "n", MaxConcurrentJobs: 4, Port: 70000},
		{ID: "w", Name: "n", MaxConcurrentJobs: 4, LoadFactor: 5.0},
	}
	for i, in := range cases {
		_, err := r.Register(context.Background(), in)
		var ve *ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("case %d: expected validation failure, got %v", i, err)
		}
	}
}

func TestRegistrationRateLimit(t *testing.T) {
	r, clock := testRegistry(t)
	ctx := context.Background()
	bad := validInput("w")
	bad.MaxConcurrentJobs = 150

	for i := 0; i < 3; i++ {
		if _, err := r.Register(ctx, bad); err == nil {
			t.Fatalf("attempt %d should fail validation", i)
		}
		clock.Advance(time.Minute)
	}

	// Fourth attempt within the hour is rate limited even with valid input.
	if _, err := r.Register(ctx, validInput("w")); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected RATE_LIMITED, got %v", err)
	}

	// After the cooldown from the last failure, a valid retry succeeds.
	clock.Advance(61 * time.Minute)
	if _, err := r.Register(ctx, validInput("w")); err != nil {
		t.Fatalf("post-cooldown register: %v", err)
	}
}

func TestRateLimitIsPerWorkerID(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()
	bad := validInput("w")
	bad.MaxConcurrentJobs = 0
	for i := 0; i < 3; i++ {
		_, _ = r.Register(ctx, bad)
	}
	if _, err := r.Register(ctx, validInput("other")); err != nil {
		t.Fatalf("unrelated worker should register: %v", err)
	}
}

func TestHeartbeatUnknownWorker(t *testing.T) {
	r, _ := testRegistry(t)
	err := r.Heartbeat(context.Background(), "ghost", HeartbeatInput{})
	if !errors.Is(err, ErrWorkerUnknown) {
		t.Fatalf("expected WORKER_UNKNOWN, got %v", err)
	}
}

func TestHeartbeatMonotonicAndIdempotent(t *testing.T) {
	r, clock := testRegistry(t)
	ctx := context.Background()
	if _, err := r.Register(ctx, validInput("w1")); err != nil {
		t.Fatalf("register: %v", err)
	}

	clock.Advance(30 * time.Second)
	cpu := 0.5
	jc := 2
	in := HeartbeatInput{CurrentJobCount: &jc, CPUUsage: &cpu}
	if err := r.Heartbeat(ctx, "w1", in); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	w1, _ := r.Get("w1")

	// Replay the identical payload: scalar fields unchanged, counter monotone.
	if err := r.Heartbeat(ctx, "w1", in); err != nil {
		t.Fatalf("replay heartbeat: %v", err)
	}
	w2, _ := r.Get("w1")
	if w2.CurrentJobCount != w1.CurrentJobCount || w2.CPUUsage != w1.CPUUsage {
		t.Fatalf("replayed heartbeat changed scalar state")
	}
	if w2.HeartbeatCount != w1.HeartbeatCount+1 {
		t.Fatalf("heartbeat counter should be monotone")
	}
	if w2.LastHeartbeat.Before(*w1.LastHeartbeat) {
		t.Fatalf("lastHeartbeat regressed")
	}
}

func TestHeartbeatInfersJobCountFromCapacity(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()
	if _, err := r.Register(ctx, validInput("w1")); err != nil {
		t.Fatalf("register: %v", err)
	}
	avail := 1
	if err := r.Heartbeat(ctx, "w1", HeartbeatInput{AvailableCapacity: &avail}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	w, _ := r.Get("w1")
	if w.CurrentJobCount != 3 {
		t.Fatalf("expected inferred job count 3, got %d", w.CurrentJobCount)
	}
}

func TestHeartbeatReactivatesInactiveWorker(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()
	if _, err := r.Register(ctx, validInput("w1")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := r.Deregister(ctx, "w1", false); err != nil {
		t.Fatalf("deregister: %v", err)
	}
	if err := r.Heartbeat(ctx, "w1", HeartbeatInput{}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	w, _ := r.Get("w1")
	if w.Status != types.WorkerActive {
		t.Fatalf("expected reactivation, got %s", w.Status)
	}
}

func TestDeregisterWithActiveJobs(t *testing.T) {
	r, clock := testRegistry(t)
	ctx := context.Background()
	if _, err := r.Register(ctx, validInput("w1")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Mutate(ctx, "w1", func(w *types.Worker) error {
		return w.AddAssignment("job-1", clock.Now())
	}); err != nil {
		t.Fatalf("assign: %v", err)
	}

	if _, err := r.Deregister(ctx, "w1", false); !errors.Is(err, ErrHasActiveJobs) {
		t.Fatalf("expected HAS_ACTIVE_JOBS, got %v", err)
	}
	// No state change on refusal.
	w, _ := r.Get("w1")
	if w.CurrentJobCount != 1 || w.Status == types.WorkerInactive {
		t.Fatalf("refused deregister mutated worker: %+v", w)
	}

	orphaned, err := r.Deregister(ctx, "w1", true)
	if err != nil {
		t.Fatalf("forced deregister: %v", err)
	}
	if len(orphaned) != 1 || orphaned[0] != "job-1" {
		t.Fatalf("expected orphaned job-1, got %v", orphaned)
	}
	w, _ = r.Get("w1")
	if w.Status != types.WorkerInactive || w.CurrentJobCount != 0 {
		t.Fatalf("forced deregister left state: %+v", w)
	}
}

func TestBlacklistRoundTrip(t *testing.T) {
	r, clock := testRegistry(t)
	ctx := context.Background()
	r.Blacklist(ctx, "w1", time.Minute)
	if !r.Blacklisted(ctx, "w1") {
		t.Fatalf("expected blacklisted")
	}
	clock.Advance(2 * time.Minute)
	if r.Blacklisted(ctx, "w1") {
		t.Fatalf("blacklist flag should expire")
	}
}
