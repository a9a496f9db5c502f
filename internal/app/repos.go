package app

import (
	"gorm.io/gorm"

	"github.com/taskgrid/taskgrid-backend/internal/data/repos"
	"github.com/taskgrid/taskgrid-backend/internal/data/repos/memory"
	"github.com/taskgrid/taskgrid-backend/internal/platform/logger"
)

// wireRepos builds the store set: gorm-backed with the transient retry
// policy when a database is configured, in-memory otherwise.
func wireRepos(db *gorm.DB, log *logger.Logger) repos.Set {
	if db == nil {
		log.Info("no database configured; using in-memory stores")
		return repos.Set{
			Jobs:         memory.NewJobStore(),
			Dependencies: memory.NewDependencyStore(),
			Workers:      memory.NewWorkerStore(),
		}
	}
	return repos.WithRetry(repos.Wire(db, log))
}
