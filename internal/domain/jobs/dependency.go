package jobs

import (
	"time"

	"github.com/google/uuid"
)

type DependencyKind string

const (
	// Parent must reach any terminal state.
	MustComplete DependencyKind = "MUST_COMPLETE"
	// Parent must have started (RUNNING or later).
	MustStart DependencyKind = "MUST_START"
	// Parent must end COMPLETED; failure/cancellation propagates.
	MustSucceed DependencyKind = "MUST_SUCCEED"
	// Failure policy decided per edge by OnFailure.
	Conditional DependencyKind = "CONDITIONAL"
)

// FailureAction is policy metadata carried on the edge. Only the CONDITIONAL
// kind's OnFailure value affects satisfaction; the FailureAction field is
// persisted but not read by the engine.
type FailureAction string

const (
	FailureBlock    FailureAction = "BLOCK"
	FailureProceed  FailureAction = "PROCEED"
	FailureWarn     FailureAction = "WARN"
	FailureRetry    FailureAction = "RETRY"
	FailureSkip     FailureAction = "SKIP"
	FailureEscalate FailureAction = "ESCALATE"
)

// JobDependency is a directed edge child -> parent: the child may not run
// until the parent has satisfied the edge's kind. The edge row is the
// authoritative dependency record.
type JobDependency struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	ChildID   uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex:idx_dependency_edge;index" json:"child_id"`
	ParentID  uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex:idx_dependency_edge;index" json:"parent_id"`
	Kind      DependencyKind `gorm:"column:kind;not null;default:MUST_COMPLETE" json:"kind"`
	Satisfied bool           `gorm:"column:satisfied;not null;default:false" json:"satisfied"`
	Priority  int            `gorm:"column:priority;not null;default:5" json:"priority"`
	Timeout   time.Duration  `gorm:"column:timeout" json:"timeout,omitempty"`

	OnFailure     FailureAction `gorm:"column:on_failure;default:BLOCK" json:"on_failure,omitempty"`
	FailureAction FailureAction `gorm:"column:failure_action" json:"failure_action,omitempty"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (JobDependency) TableName() string { return "job_dependency" }

/*
SatisfiedBy reports whether a parent outcome satisfies this edge.
MUST_START is handled separately at the parent's RUNNING transition; by the
time a terminal outcome arrives a started parent has trivially satisfied it.
CONDITIONAL follows the edge's OnFailure policy: PROCEED/WARN/SKIP treat any
terminal outcome as satisfying, everything else behaves like MUST_SUCCEED on
failure.
*/
func (d *JobDependency) SatisfiedBy(outcome JobStatus) bool {
	switch d.Kind {
	case MustComplete:
		return outcome == JobCompleted || outcome == JobFailed || outcome == JobCancelled
	case MustStart:
		return true
	case MustSucceed:
		return outcome == JobCompleted
	case Conditional:
		if outcome == JobCompleted {
			return true
		}
		switch d.OnFailure {
		case FailureProceed, FailureWarn, FailureSkip:
			return true
		}
		return false
	}
	return false
}

// Blocking reports whether a failed/cancelled parent permanently blocks the
// child through this edge (the child should be cancelled rather than starve).
func (d *JobDependency) Blocking(outcome JobStatus) bool {
	if outcome == JobCompleted {
		return false
	}
	return !d.SatisfiedBy(outcome) && d.Kind != MustComplete && d.Kind != MustStart
}
