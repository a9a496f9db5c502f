package services

import (
	"time"

	types "github.com/taskgrid/taskgrid-backend/internal/domain"
	"github.com/taskgrid/taskgrid-backend/internal/platform/logger"
)

const (
	EventJobStatusChanged    = "jobStatusChanged"
	EventWorkerStatusChanged = "workerStatusChanged"
)

// Event is the structured observability record emitted whenever an entity's
// visible status changes (§ propagation policy: internal repair stays local,
// visible transitions are surfaced).
type Event struct {
	Type     string         `json:"type"`
	At       time.Time      `json:"at"`
	JobID    string         `json:"job_id,omitempty"`
	WorkerID string         `json:"worker_id,omitempty"`
	Status   string         `json:"status,omitempty"`
	Reason   string         `json:"reason,omitempty"`
	Detail   map[string]any `json:"detail,omitempty"`
}

// Notifier receives scheduler events. Implementations must be cheap and
// non-blocking; they are called inside engine paths.
type Notifier interface {
	JobStatusChanged(job *types.Job, reason string, detail map[string]any)
	WorkerStatusChanged(worker *types.Worker, reason string, detail map[string]any)
}

// LogNotifier is the default sink: structured log lines only.
type LogNotifier struct {
	log *logger.Logger
}

func NewLogNotifier(baseLog *logger.Logger) *LogNotifier {
	return &LogNotifier{log: baseLog.With("service", "SchedulerEvents")}
}

func (n *LogNotifier) JobStatusChanged(job *types.Job, reason string, detail map[string]any) {
	if n == nil || job == nil {
		return
	}
	n.log.Info(EventJobStatusChanged,
		"job_id", job.ID.String(),
		"status", string(job.Status),
		"reason", reason,
		"detail", detail,
	)
}

func (n *LogNotifier) WorkerStatusChanged(worker *types.Worker, reason string, detail map[string]any) {
	if n == nil || worker == nil {
		return
	}
	n.log.Info(EventWorkerStatusChanged,
		"worker_id", worker.ID,
		"status", string(worker.Status),
		"reason", reason,
		"detail", detail,
	)
}

// FanoutNotifier forwards each event to every sink.
type FanoutNotifier []Notifier

func (f FanoutNotifier) JobStatusChanged(job *types.Job, reason string, detail map[string]any) {
	for _, n := range f {
		if n != nil {
			n.JobStatusChanged(job, reason, detail)
		}
	}
}

func (f FanoutNotifier) WorkerStatusChanged(worker *types.Worker, reason string, detail map[string]any) {
	for _, n := range f {
		if n != nil {
			n.WorkerStatusChanged(worker, reason, detail)
		}
	}
}
