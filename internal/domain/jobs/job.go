package jobs

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobScheduled JobStatus = "SCHEDULED"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
	JobCancelled JobStatus = "CANCELLED"
)

// Priority bands. Priorities are integers in [1,1000]; anything at or above
// PriorityElevated gets preferential treatment across the engine.
const (
	PriorityLow      = 1
	PriorityMedium   = 50
	PriorityHigh     = 100
	PriorityElevated = 500

	PriorityMin = 1
	PriorityMax = 1000

	DefaultMaxRetries = 3
)

type Job struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Name        string         `gorm:"column:name;not null" json:"name"`
	Description string         `gorm:"column:description" json:"description,omitempty"`
	JobType     string         `gorm:"column:job_type;index" json:"job_type,omitempty"`
	Params      datatypes.JSON `gorm:"column:params;type:jsonb" json:"params,omitempty"`
	Priority    int            `gorm:"column:priority;not null;default:50;index" json:"priority"`
	Status      JobStatus      `gorm:"column:status;not null;index" json:"status"`

	ScheduledAt *time.Time `gorm:"column:scheduled_at" json:"scheduled_at,omitempty"`
	StartedAt   *time.Time `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time `gorm:"column:completed_at" json:"completed_at,omitempty"`

	RetryCount int           `gorm:"column:retry_count;not null;default:0" json:"retry_count"`
	MaxRetries int           `gorm:"column:max_retries;not null;default:3" json:"max_retries"`
	Timeout    time.Duration `gorm:"column:timeout" json:"timeout,omitempty"`

	// Submission-time convenience projection of the authoritative edge rows.
	// Readiness is always decided from JobDependency records, never this list.
	DependencyIDs datatypes.JSONSlice[string] `gorm:"column:dependency_ids" json:"dependency_ids,omitempty"`

	AssignedWorkerID *string `gorm:"column:assigned_worker_id;index" json:"assigned_worker_id,omitempty"`

	EstimatedDuration time.Duration `gorm:"column:estimated_duration" json:"estimated_duration,omitempty"`
	ActualDuration    time.Duration `gorm:"column:actual_duration" json:"actual_duration,omitempty"`

	RequiredCapabilities string                      `gorm:"column:required_capabilities" json:"required_capabilities,omitempty"`
	Tags                 datatypes.JSONSlice[string] `gorm:"column:tags" json:"tags,omitempty"`
	Error                string                      `gorm:"column:error" json:"error,omitempty"`

	CreatedAt time.Time `gorm:"not null;index" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (Job) TableName() string { return "job" }

func (j *Job) IsTerminal() bool {
	switch j.Status {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

func (j *Job) Elevated() bool { return j.Priority >= PriorityElevated }

func (j *Job) CanRetry() bool { return j.RetryCount < j.MaxRetries }

/*
MarkScheduled transitions a PENDING job to SCHEDULED once its prerequisites
have cleared. Idempotent for jobs already SCHEDULED.
*/
func (j *Job) MarkScheduled(now time.Time) error {
	switch j.Status {
	case JobScheduled:
		return nil
	case JobPending:
		j.Status = JobScheduled
		j.ScheduledAt = &now
		j.UpdatedAt = now
		return nil
	default:
		return fmt.Errorf("job %s: cannot schedule from %s", j.ID, j.Status)
	}
}

/*
Assign binds the job to a worker while it awaits pickup. The job stays
SCHEDULED until the worker reports the start; the rebalancer may still move
it in that window.
*/
func (j *Job) Assign(workerID string, now time.Time) error {
	if j.IsTerminal() {
		return fmt.Errorf("job %s: cannot assign terminal job (%s)", j.ID, j.Status)
	}
	if j.Status == JobRunning {
		return fmt.Errorf("job %s: already running on %v", j.ID, j.AssignedWorkerID)
	}
	if j.AssignedWorkerID != nil {
		return fmt.Errorf("job %s: already assigned to %s", j.ID, *j.AssignedWorkerID)
	}
	j.AssignedWorkerID = &workerID
	j.Status = JobScheduled
	if j.ScheduledAt == nil {
		j.ScheduledAt = &now
	}
	j.UpdatedAt = now
	return nil
}

/*
Start confirms the worker picked the job up. A job is RUNNING only while it
carries a non-nil assigned worker, so the guard and the two writes live
together here.
*/
func (j *Job) Start(now time.Time) error {
	if j.AssignedWorkerID == nil || *j.AssignedWorkerID == "" {
		return fmt.Errorf("job %s: cannot start without an assigned worker", j.ID)
	}
	if j.Status != JobScheduled {
		return fmt.Errorf("job %s: cannot start from %s", j.ID, j.Status)
	}
	j.Status = JobRunning
	j.StartedAt = &now
	j.UpdatedAt = now
	return nil
}

/*
Unassign detaches the job from its worker without finishing it. Used by the
rebalancer (job not yet confirmed running by the worker) and by failure
recovery before re-admission.
*/
func (j *Job) Unassign(now time.Time) {
	j.AssignedWorkerID = nil
	j.StartedAt = nil
	j.Status = JobPending
	j.UpdatedAt = now
}

/*
Finish moves the job into a terminal state. completedAt is set exactly when a
terminal state is entered; actual duration is derived from startedAt.
*/
func (j *Job) Finish(status JobStatus, errMsg string, now time.Time) error {
	switch status {
	case JobCompleted, JobFailed, JobCancelled:
	default:
		return fmt.Errorf("job %s: %s is not a terminal status", j.ID, status)
	}
	if j.IsTerminal() {
		return fmt.Errorf("job %s: already terminal (%s)", j.ID, j.Status)
	}
	j.Status = status
	j.CompletedAt = &now
	j.Error = errMsg
	if j.StartedAt != nil && now.After(*j.StartedAt) {
		j.ActualDuration = now.Sub(*j.StartedAt)
	}
	j.AssignedWorkerID = nil
	j.UpdatedAt = now
	return nil
}

/*
ReadmitForRetry re-admits a FAILED job as PENDING after a bounded-retry
decision. The caller (FailureController) owns the retryCount bookkeeping; this
only performs the state reset and guards the invariant retryCount <= maxRetries.
*/
func (j *Job) ReadmitForRetry(now time.Time) error {
	if j.RetryCount > j.MaxRetries {
		return fmt.Errorf("job %s: retry count %d exceeds max %d", j.ID, j.RetryCount, j.MaxRetries)
	}
	j.Status = JobPending
	j.AssignedWorkerID = nil
	j.StartedAt = nil
	j.CompletedAt = nil
	j.Error = ""
	j.UpdatedAt = now
	return nil
}

// TimedOut reports whether a running job has exceeded its own timeout.
func (j *Job) TimedOut(now time.Time) bool {
	if j.Timeout <= 0 || j.StartedAt == nil || j.Status != JobRunning {
		return false
	}
	return now.Sub(*j.StartedAt) > j.Timeout
}
