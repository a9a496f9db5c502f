package workers

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
)

type WorkerStatus string

const (
	WorkerInactive    WorkerStatus = "INACTIVE"
	WorkerActive      WorkerStatus = "ACTIVE"
	WorkerBusy        WorkerStatus = "BUSY"
	WorkerError       WorkerStatus = "ERROR"
	WorkerMaintenance WorkerStatus = "MAINTENANCE"
)

const (
	MaxConcurrentLimit = 100
	LoadFactorMin      = 0.1
	LoadFactorMax      = 2.0
)

type Worker struct {
	ID     string       `gorm:"primaryKey" json:"id"`
	Name   string       `gorm:"column:name;not null" json:"name"`
	Host   string       `gorm:"column:host" json:"host,omitempty"`
	Port   int          `gorm:"column:port" json:"port,omitempty"`
	Status WorkerStatus `gorm:"column:status;not null;index" json:"status"`

	MaxConcurrentJobs int `gorm:"column:max_concurrent_jobs;not null;default:1" json:"max_concurrent_jobs"`
	CurrentJobCount   int `gorm:"column:current_job_count;not null;default:0" json:"current_job_count"`
	ReservedCapacity  int `gorm:"column:reserved_capacity;not null;default:0" json:"reserved_capacity"`

	Tags         datatypes.JSONSlice[string] `gorm:"column:tags" json:"tags,omitempty"`
	Capabilities string                      `gorm:"column:capabilities" json:"capabilities,omitempty"`
	Version      string                      `gorm:"column:version" json:"version,omitempty"`

	PriorityThreshold int     `gorm:"column:priority_threshold;not null;default:0" json:"priority_threshold"`
	LoadFactor        float64 `gorm:"column:load_factor;not null;default:1.0" json:"load_factor"`

	LastHeartbeat  *time.Time `gorm:"column:last_heartbeat;index" json:"last_heartbeat,omitempty"`
	HeartbeatCount int64      `gorm:"column:heartbeat_count;not null;default:0" json:"heartbeat_count"`
	CPUUsage       float64    `gorm:"column:cpu_usage" json:"cpu_usage,omitempty"`
	MemoryUsage    float64    `gorm:"column:memory_usage" json:"memory_usage,omitempty"`

	TotalProcessed  int64 `gorm:"column:total_processed;not null;default:0" json:"total_processed"`
	TotalSuccessful int64 `gorm:"column:total_successful;not null;default:0" json:"total_successful"`
	TotalFailed     int64 `gorm:"column:total_failed;not null;default:0" json:"total_failed"`

	// Denormalized view of the assignment index for persistence and the admin
	// surface. The SchedulerCore's index is authoritative; HealthMonitor
	// reconciles drift.
	AssignedJobIDs datatypes.JSONSlice[string] `gorm:"column:assigned_job_ids" json:"assigned_job_ids,omitempty"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (Worker) TableName() string { return "worker" }

// AvailableCapacity is derived on read, never stored authoritatively.
func (w *Worker) AvailableCapacity() int {
	c := w.MaxConcurrentJobs - w.CurrentJobCount - w.ReservedCapacity
	if c < 0 {
		return 0
	}
	return c
}

func (w *Worker) LoadPercentage() float64 {
	if w.MaxConcurrentJobs <= 0 {
		return 1.0
	}
	return float64(w.CurrentJobCount) / float64(w.MaxConcurrentJobs)
}

// SuccessRate defaults to 1.0 for a worker that has not processed anything
// yet, so fresh workers are not starved by performance-based policies.
func (w *Worker) SuccessRate() float64 {
	if w.TotalProcessed <= 0 {
		return 1.0
	}
	return float64(w.TotalSuccessful) / float64(w.TotalProcessed)
}

func (w *Worker) Schedulable() bool {
	return w.Status == WorkerActive || w.Status == WorkerBusy
}

// HasCapability does a substring match on the capabilities blob.
func (w *Worker) HasCapability(required string) bool {
	required = strings.TrimSpace(required)
	if required == "" {
		return true
	}
	return strings.Contains(strings.ToLower(w.Capabilities), strings.ToLower(required))
}

/*
AddAssignment records one more job on this worker, guarding the capacity
invariant 0 <= currentJobCount <= maxConcurrent. Status flips to BUSY when
the worker is saturated.
*/
func (w *Worker) AddAssignment(jobID string, now time.Time) error {
	if w.CurrentJobCount >= w.MaxConcurrentJobs {
		return fmt.Errorf("worker %s: at capacity (%d/%d)", w.ID, w.CurrentJobCount, w.MaxConcurrentJobs)
	}
	for _, id := range w.AssignedJobIDs {
		if id == jobID {
			return fmt.Errorf("worker %s: job %s already assigned", w.ID, jobID)
		}
	}
	w.AssignedJobIDs = append(w.AssignedJobIDs, jobID)
	w.CurrentJobCount++
	if w.CurrentJobCount >= w.MaxConcurrentJobs && w.Status == WorkerActive {
		w.Status = WorkerBusy
	}
	w.UpdatedAt = now
	return nil
}

// RemoveAssignment is idempotent; removing an absent job id is a no-op.
func (w *Worker) RemoveAssignment(jobID string, now time.Time) {
	kept := w.AssignedJobIDs[:0]
	found := false
	for _, id := range w.AssignedJobIDs {
		if id == jobID {
			found = true
			continue
		}
		kept = append(kept, id)
	}
	w.AssignedJobIDs = kept
	if found && w.CurrentJobCount > 0 {
		w.CurrentJobCount--
	}
	if w.Status == WorkerBusy && w.CurrentJobCount < w.MaxConcurrentJobs {
		w.Status = WorkerActive
	}
	w.UpdatedAt = now
}

// RecordOutcome bumps the cumulative counters; they are monotone.
func (w *Worker) RecordOutcome(success bool, now time.Time) {
	w.TotalProcessed++
	if success {
		w.TotalSuccessful++
	} else {
		w.TotalFailed++
	}
	w.UpdatedAt = now
}

/*
Touch ingests a heartbeat timestamp. lastHeartbeat is non-decreasing; a stale
or replayed heartbeat never moves it backwards.
*/
func (w *Worker) Touch(at time.Time) {
	if w.LastHeartbeat == nil || at.After(*w.LastHeartbeat) {
		t := at
		w.LastHeartbeat = &t
	}
	w.HeartbeatCount++
	if w.Status == WorkerInactive {
		w.Status = WorkerActive
	}
	w.UpdatedAt = at
}
