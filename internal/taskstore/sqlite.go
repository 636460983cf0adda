package taskstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"taskman/internal/db"
	"taskman/internal/task"
)

// SQLiteStore keeps task records in the tasks table. Follow-ups are stored as
// a JSON array column; timestamps as unix nanoseconds, zero meaning unset.
type SQLiteStore struct {
	db *gorm.DB
}

func NewSQLiteStore(gdb *gorm.DB) (*SQLiteStore, error) {
	if gdb == nil {
		return nil, errors.New("db is required")
	}
	return &SQLiteStore{db: gdb}, nil
}

func (s *SQLiteStore) Save(t task.Task) error {
	row, err := toRow(t)
	if err != nil {
		return err
	}
	row.UpdatedAt = time.Now().UTC().UnixNano()
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "task_id"}},
		UpdateAll: true,
	}).Create(&row).Error
}

func (s *SQLiteStore) LoadAll(onSkip func(taskID string, err error)) ([]task.Task, error) {
	var rows []db.Task
	if err := s.db.Order("task_id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]task.Task, 0, len(rows))
	for _, row := range rows {
		t, err := fromRow(row)
		if err != nil {
			if onSkip != nil {
				onSkip(row.TaskID, err)
			}
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func toRow(t task.Task) (db.Task, error) {
	followups := t.Followups
	if followups == nil {
		followups = []task.Followup{}
	}
	b, err := json.Marshal(followups)
	if err != nil {
		return db.Task{}, fmt.Errorf("encode followups: %w", err)
	}
	row := db.Task{
		TaskID:                t.TaskID,
		SessionConversationID: t.SessionConversationID,
		SessionName:           t.SessionName,
		Prompt:                t.Prompt,
		Workdir:               t.Workdir,
		Status:                string(t.Status),
		ErrorMessage:          t.ErrorMessage,
		KillRequested:         t.KillRequested,
		ExitCode:              t.ExitCode,
		FollowupsJSON:         string(b),
		CreatedAt:             t.CreatedAt.UTC().UnixNano(),
	}
	if t.FinishedAt != nil {
		row.FinishedAt = t.FinishedAt.UTC().UnixNano()
	}
	return row, nil
}

func fromRow(row db.Task) (task.Task, error) {
	followups := []task.Followup{}
	if row.FollowupsJSON != "" {
		if err := json.Unmarshal([]byte(row.FollowupsJSON), &followups); err != nil {
			return task.Task{}, fmt.Errorf("decode followups: %w", err)
		}
	}
	t := task.Task{
		TaskID:                row.TaskID,
		SessionConversationID: row.SessionConversationID,
		SessionName:           row.SessionName,
		Prompt:                row.Prompt,
		Workdir:               row.Workdir,
		Status:                task.Status(row.Status),
		ErrorMessage:          row.ErrorMessage,
		KillRequested:         row.KillRequested,
		ExitCode:              row.ExitCode,
		Followups:             followups,
		CreatedAt:             time.Unix(0, row.CreatedAt).UTC(),
	}
	if row.FinishedAt > 0 {
		at := time.Unix(0, row.FinishedAt).UTC()
		t.FinishedAt = &at
	}
	return t, nil
}

var _ task.RecordStore = (*SQLiteStore)(nil)
