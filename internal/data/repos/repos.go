package repos

import (
	"gorm.io/gorm"

	"github.com/taskgrid/taskgrid-backend/internal/data/repos/jobs"
	"github.com/taskgrid/taskgrid-backend/internal/data/repos/workers"
	"github.com/taskgrid/taskgrid-backend/internal/platform/logger"
)

type JobStore = jobs.JobStore
type DependencyStore = jobs.DependencyStore
type WorkerStore = workers.WorkerStore

// Set bundles the three store contracts the engine consumes.
type Set struct {
	Jobs         JobStore
	Dependencies DependencyStore
	Workers      WorkerStore
}

func Wire(db *gorm.DB, baseLog *logger.Logger) Set {
	return Set{
		Jobs:         jobs.NewJobStore(db, baseLog),
		Dependencies: jobs.NewDependencyStore(db, baseLog),
		Workers:      workers.NewWorkerStore(db, baseLog),
	}
}
