package db

import (
	"gorm.io/gorm"

	types "github.com/taskgrid/taskgrid-backend/internal/domain"
)

// AutoMigrateAll keeps the three scheduler tables in sync with the entity
// structs: one row per job, one per dependency edge keyed (child, parent),
// one per worker with the denormalized assignment list.
func (s *PostgresService) AutoMigrateAll() error {
	return AutoMigrate(s.db)
}

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&types.Job{},
		&types.JobDependency{},
		&types.Worker{},
	)
}
