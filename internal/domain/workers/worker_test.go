package workers

import (
	"testing"
	"time"
)

func activeWorker(maxConcurrent int) *Worker {
	return &Worker{
		ID:                "w1",
		Name:              "w1",
		Status:            WorkerActive,
		MaxConcurrentJobs: maxConcurrent,
		LoadFactor:        1.0,
	}
}

func TestDerivedFields(t *testing.T) {
	w := activeWorker(4)
	w.CurrentJobCount = 1
	w.ReservedCapacity = 1
	if got := w.AvailableCapacity(); got != 2 {
		t.Fatalf("available = %d, want 2", got)
	}
	w.CurrentJobCount = 5
	if got := w.AvailableCapacity(); got != 0 {
		t.Fatalf("available must clamp at 0, got %d", got)
	}
	if w.LoadPercentage() != 1.25 {
		t.Fatalf("load = %f", w.LoadPercentage())
	}
}

func TestSuccessRateDefaultsOptimistic(t *testing.T) {
	w := activeWorker(4)
	if w.SuccessRate() != 1.0 {
		t.Fatalf("fresh worker should score 1.0")
	}
	now := time.Now()
	w.RecordOutcome(true, now)
	w.RecordOutcome(false, now)
	if w.SuccessRate() != 0.5 {
		t.Fatalf("success rate = %f, want 0.5", w.SuccessRate())
	}
}

func TestAssignmentBookkeeping(t *testing.T) {
	now := time.Now()
	w := activeWorker(2)

	if err := w.AddAssignment("a", now); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := w.AddAssignment("a", now); err == nil {
		t.Fatalf("duplicate assignment must fail")
	}
	if err := w.AddAssignment("b", now); err != nil {
		t.Fatalf("second: %v", err)
	}
	if w.Status != WorkerBusy {
		t.Fatalf("saturated worker should flip BUSY, got %s", w.Status)
	}
	if err := w.AddAssignment("c", now); err == nil {
		t.Fatalf("over-capacity assignment must fail")
	}

	w.RemoveAssignment("a", now)
	if w.CurrentJobCount != 1 || w.Status != WorkerActive {
		t.Fatalf("removal should free a slot and reactivate, got %d/%s", w.CurrentJobCount, w.Status)
	}
	// Idempotent removal.
	w.RemoveAssignment("a", now)
	if w.CurrentJobCount != 1 {
		t.Fatalf("idempotent removal violated")
	}
}

func TestTouchIsMonotone(t *testing.T) {
	w := activeWorker(2)
	now := time.Now().UTC()
	w.Touch(now)
	w.Touch(now.Add(-time.Hour))
	if !w.LastHeartbeat.Equal(now) {
		t.Fatalf("lastHeartbeat must never regress")
	}
	if w.HeartbeatCount != 2 {
		t.Fatalf("heartbeat counter must be monotone")
	}
}

func TestCapabilityMatch(t *testing.T) {
	w := activeWorker(2)
	w.Capabilities = "GPU, ffmpeg, x264"
	if !w.HasCapability("ffmpeg") || !w.HasCapability("gpu") {
		t.Fatalf("substring match should be case-insensitive")
	}
	if w.HasCapability("quantum") {
		t.Fatalf("missing capability matched")
	}
	if !w.HasCapability("") {
		t.Fatalf("empty requirement always matches")
	}
}
