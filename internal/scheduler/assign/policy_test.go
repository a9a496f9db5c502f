package assign

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	types "github.com/taskgrid/taskgrid-backend/internal/domain"
	"github.com/taskgrid/taskgrid-backend/internal/platform/logger"
)

func testPolicy(t *testing.T, s Strategy, blacklisted func(ctx context.Context, id string) bool) *Policy {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return New(log, s, blacklisted)
}

func worker(id string, max, current int) *types.Worker {
	return &types.Worker{
		ID:                id,
		Name:              id,
		Status:            types.WorkerActive,
		MaxConcurrentJobs: max,
		CurrentJobCount:   current,
		LoadFactor:        1.0,
	}
}

func job(priority int) *types.Job {
	return &types.Job{ID: uuid.New(), Name: "j", Priority: priority, Status: types.JobPending}
}

func TestEligibilityFilter(t *testing.T) {
	p := testPolicy(t, Intelligent, func(_ context.Context, id string) bool { return id == "listed" })

	inactive := worker("inactive", 4, 0)
	inactive.Status = types.WorkerInactive
	full := worker("full", 2, 2)
	picky := worker("picky", 4, 0)
	picky.PriorityThreshold = 800
	listed := worker("listed", 4, 0)
	wrongCaps := worker("wrongcaps", 4, 0)
	wrongCaps.Capabilities = "cpu-only"
	good := worker("good", 4, 0)
	good.Capabilities = "gpu,ffmpeg"

	j := job(200)
	j.RequiredCapabilities = "gpu"

	snapshot := []*types.Worker{full, good, inactive, listed, picky, wrongCaps}
	eligible := p.Eligible(context.Background(), j, snapshot)
	if len(eligible) != 1 || eligible[0].ID != "good" {
		t.Fatalf("expected only 'good' eligible, got %v", names(eligible))
	}
}

func TestNoWorker(t *testing.T) {
	p := testPolicy(t, Intelligent, nil)
	_, err := p.Select(context.Background(), job(100), nil)
	if !errors.Is(err, ErrNoWorker) {
		t.Fatalf("expected NO_WORKER, got %v", err)
	}
}

func TestRoundRobinRotates(t *testing.T) {
	p := testPolicy(t, RoundRobin, nil)
	snapshot := []*types.Worker{worker("a", 4, 0), worker("b", 4, 0), worker("c", 4, 0)}
	var got []string
	for i := 0; i < 6; i++ {
		w, err := p.Select(context.Background(), job(100), snapshot)
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		got = append(got, w.ID)
	}
	want := []string{"a", "b", "c", "a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("rotation mismatch at %d: got %v", i, got)
		}
	}
}

func TestCapacityAware(t *testing.T) {
	p := testPolicy(t, CapacityAware, nil)
	snapshot := []*types.Worker{worker("a", 4, 3), worker("b", 8, 2), worker("c", 4, 0)}
	w, err := p.Select(context.Background(), job(100), snapshot)
	if err != nil || w.ID != "b" {
		t.Fatalf("expected b (capacity 6), got %v err=%v", w, err)
	}
}

func TestLeastLoaded(t *testing.T) {
	p := testPolicy(t, LeastLoaded, nil)
	snapshot := []*types.Worker{worker("a", 4, 3), worker("b", 8, 2), worker("c", 2, 1)}
	w, err := p.Select(context.Background(), job(100), snapshot)
	if err != nil || w.ID != "b" {
		t.Fatalf("expected b (load 0.25), got %v err=%v", w, err)
	}
}

func TestPerformanceBased(t *testing.T) {
	p := testPolicy(t, PerformanceBased, nil)
	a := worker("a", 4, 0)
	a.TotalProcessed, a.TotalSuccessful = 100, 60
	b := worker("b", 4, 0)
	b.TotalProcessed, b.TotalSuccessful = 100, 90
	w, err := p.Select(context.Background(), job(100), []*types.Worker{a, b})
	if err != nil || w.ID != "b" {
		t.Fatalf("expected b (90%%), got %v err=%v", w, err)
	}
}

func TestIntelligentPrefersIdleExperiencedWorker(t *testing.T) {
	p := testPolicy(t, Intelligent, nil)
	tired := worker("tired", 4, 3)
	tired.TotalProcessed, tired.TotalSuccessful = 2000, 2000
	fresh := worker("fresh", 4, 0)
	fresh.TotalProcessed, fresh.TotalSuccessful = 2000, 2000
	w, err := p.Select(context.Background(), job(100), []*types.Worker{fresh, tired})
	if err != nil || w.ID != "fresh" {
		t.Fatalf("expected fresh, got %v err=%v", w, err)
	}
}

func TestIntelligentTieBreaksOnWorkerID(t *testing.T) {
	p := testPolicy(t, Intelligent, nil)
	// Identical workers: the lower id wins.
	snapshot := []*types.Worker{worker("a", 4, 0), worker("b", 4, 0)}
	w, err := p.Select(context.Background(), job(100), snapshot)
	if err != nil || w.ID != "a" {
		t.Fatalf("expected a on tie, got %v err=%v", w, err)
	}
}

func TestPriorityBasedRestrictsElevatedJobs(t *testing.T) {
	p := testPolicy(t, PriorityBased, nil)
	small := worker("small", 2, 0)
	big := worker("zbig", 8, 0)
	snapshot := []*types.Worker{big, small}

	w, err := p.Select(context.Background(), job(600), snapshot)
	if err != nil || w.ID != "zbig" {
		t.Fatalf("elevated job should land on the big worker, got %v err=%v", w, err)
	}

	// Only small workers: elevated jobs get NO_WORKER.
	_, err = p.Select(context.Background(), job(600), []*types.Worker{small})
	if !errors.Is(err, ErrNoWorker) {
		t.Fatalf("expected NO_WORKER, got %v", err)
	}

	// Normal jobs are not restricted.
	if _, err := p.Select(context.Background(), job(100), []*types.Worker{small}); err != nil {
		t.Fatalf("normal job on small worker: %v", err)
	}
}

func TestAdaptiveDelegation(t *testing.T) {
	cases := []struct {
		name string
		load int // current jobs per 10-slot worker
		want Strategy
	}{
		{"light", 2, PerformanceBased},
		{"medium", 7, Intelligent},
		{"heavy", 9, LeastLoaded},
	}
	for _, c := range cases {
		snapshot := []*types.Worker{worker("a", 10, c.load), worker("b", 10, c.load)}
		if got := adaptiveDelegate(snapshot); got != c.want {
			t.Fatalf("%s: adaptive delegated to %s, want %s", c.name, got, c.want)
		}
	}
}

func names(ws []*types.Worker) []string {
	out := make([]string, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.ID)
	}
	return out
}
