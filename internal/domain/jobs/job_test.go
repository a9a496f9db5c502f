package jobs

import (
	"testing"
	"time"
)

func pendingJob() *Job {
	return &Job{
		Name:       "job",
		Priority:   PriorityHigh,
		Status:     JobPending,
		MaxRetries: DefaultMaxRetries,
		CreatedAt:  time.Now().UTC(),
	}
}

func TestLifecycleTransitions(t *testing.T) {
	now := time.Now().UTC()
	j := pendingJob()

	if err := j.MarkScheduled(now); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := j.Assign("w1", now); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if j.Status != JobScheduled || j.AssignedWorkerID == nil {
		t.Fatalf("assigned job should stay SCHEDULED with a worker, got %s", j.Status)
	}
	if err := j.Start(now.Add(time.Second)); err != nil {
		t.Fatalf("start: %v", err)
	}
	if j.Status != JobRunning || j.StartedAt == nil {
		t.Fatalf("started job should be RUNNING with startedAt")
	}
	done := now.Add(time.Minute)
	if err := j.Finish(JobCompleted, "", done); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if j.CompletedAt == nil || !j.CompletedAt.Equal(done) {
		t.Fatalf("completedAt must be set at terminal transition")
	}
	if j.StartedAt != nil && j.CompletedAt.Before(*j.StartedAt) {
		t.Fatalf("startedAt <= completedAt violated")
	}
	if j.ActualDuration <= 0 {
		t.Fatalf("actual duration should be derived")
	}
}

func TestStartRequiresAssignment(t *testing.T) {
	j := pendingJob()
	_ = j.MarkScheduled(time.Now())
	if err := j.Start(time.Now()); err == nil {
		t.Fatalf("start without a worker must fail")
	}
}

func TestTerminalStatesAreAbsorbing(t *testing.T) {
	now := time.Now().UTC()
	j := pendingJob()
	if err := j.Finish(JobCancelled, "", now); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if err := j.Finish(JobCompleted, "", now); err == nil {
		t.Fatalf("terminal states must be absorbing")
	}
	if err := j.Assign("w1", now); err == nil {
		t.Fatalf("terminal job must not accept assignment")
	}
}

func TestFinishRejectsNonTerminalStatus(t *testing.T) {
	j := pendingJob()
	if err := j.Finish(JobRunning, "", time.Now()); err == nil {
		t.Fatalf("RUNNING is not a terminal status")
	}
}

func TestTimedOut(t *testing.T) {
	now := time.Now().UTC()
	j := pendingJob()
	_ = j.MarkScheduled(now)
	_ = j.Assign("w1", now)
	_ = j.Start(now)
	j.Timeout = time.Minute

	if j.TimedOut(now.Add(30 * time.Second)) {
		t.Fatalf("not yet expired")
	}
	if !j.TimedOut(now.Add(2 * time.Minute)) {
		t.Fatalf("should have expired")
	}
	j.Timeout = 0
	if j.TimedOut(now.Add(time.Hour)) {
		t.Fatalf("zero timeout never expires")
	}
}

func TestDependencySatisfaction(t *testing.T) {
	cases := []struct {
		kind    DependencyKind
		outcome JobStatus
		want    bool
	}{
		{MustComplete, JobCompleted, true},
		{MustComplete, JobFailed, true},
		{MustComplete, JobCancelled, true},
		{MustSucceed, JobCompleted, true},
		{MustSucceed, JobFailed, false},
		{MustSucceed, JobCancelled, false},
		{Conditional, JobCompleted, true},
		{Conditional, JobFailed, false}, // default policy blocks
	}
	for _, c := range cases {
		d := &JobDependency{Kind: c.kind, OnFailure: FailureBlock}
		if got := d.SatisfiedBy(c.outcome); got != c.want {
			t.Fatalf("%s/%s: got %v want %v", c.kind, c.outcome, got, c.want)
		}
	}

	soft := &JobDependency{Kind: Conditional, OnFailure: FailureProceed}
	if !soft.SatisfiedBy(JobFailed) {
		t.Fatalf("PROCEED policy should satisfy on failure")
	}
}
