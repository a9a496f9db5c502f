package domain

import (
	"github.com/taskgrid/taskgrid-backend/internal/domain/jobs"
	"github.com/taskgrid/taskgrid-backend/internal/domain/workers"
)

type Job = jobs.Job
type JobStatus = jobs.JobStatus
type JobDependency = jobs.JobDependency
type DependencyKind = jobs.DependencyKind
type FailureAction = jobs.FailureAction

type Worker = workers.Worker
type WorkerStatus = workers.WorkerStatus

const (
	JobPending   = jobs.JobPending
	JobScheduled = jobs.JobScheduled
	JobRunning   = jobs.JobRunning
	JobCompleted = jobs.JobCompleted
	JobFailed    = jobs.JobFailed
	JobCancelled = jobs.JobCancelled

	MustComplete = jobs.MustComplete
	MustStart    = jobs.MustStart
	MustSucceed  = jobs.MustSucceed
	Conditional  = jobs.Conditional

	WorkerInactive    = workers.WorkerInactive
	WorkerActive      = workers.WorkerActive
	WorkerBusy        = workers.WorkerBusy
	WorkerError       = workers.WorkerError
	WorkerMaintenance = workers.WorkerMaintenance

	PriorityLow      = jobs.PriorityLow
	PriorityMedium   = jobs.PriorityMedium
	PriorityHigh     = jobs.PriorityHigh
	PriorityElevated = jobs.PriorityElevated
	PriorityMin      = jobs.PriorityMin
	PriorityMax      = jobs.PriorityMax

	DefaultMaxRetries = jobs.DefaultMaxRetries
)
