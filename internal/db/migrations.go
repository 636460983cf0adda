package db

import (
	"errors"

	"gorm.io/gorm"
)

// MigrateUp creates or updates tables and indexes from the models, then
// backfills derived columns left empty by older rows.
func MigrateUp(db *gorm.DB) error {
	if db == nil {
		return errors.New("db is required")
	}
	if err := db.AutoMigrate(&Task{}); err != nil {
		return err
	}
	for _, stmt := range []string{
		`CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks(created_at DESC);`,
		`UPDATE tasks SET session_name = 'task-' || task_id WHERE session_name = '';`,
	} {
		if err := db.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}
