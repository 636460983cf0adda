package db

type Task struct {
	TaskID                string `gorm:"column:task_id;primaryKey"`
	SessionConversationID string `gorm:"column:session_conversation_id;not null;default:''"`
	SessionName           string `gorm:"column:session_name;not null;default:'';uniqueIndex"`
	Prompt                string `gorm:"column:prompt;not null;default:''"`
	Workdir               string `gorm:"column:workdir;not null;default:''"`
	Status                string `gorm:"column:status;not null;default:'running'"`
	ErrorMessage          string `gorm:"column:error_message;not null;default:''"`
	KillRequested         bool   `gorm:"column:kill_requested;not null;default:false"`
	ExitCode              *int   `gorm:"column:exit_code"`
	FollowupsJSON         string `gorm:"column:followups_json;not null;default:'[]'"`
	CreatedAt             int64  `gorm:"column:created_at;not null;default:0"`
	FinishedAt            int64  `gorm:"column:finished_at;not null;default:0"`
	UpdatedAt             int64  `gorm:"column:updated_at;not null;default:0"`
}

func (Task) TableName() string { return "tasks" }
