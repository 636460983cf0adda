package task

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

const taskIDTimeLayout = "20060102-150405"

// NewTaskID returns "<utc timestamp>-<8 random hex chars>". The prefix keeps
// ids roughly sortable; the suffix makes collisions astronomically unlikely.
func NewTaskID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return now.UTC().Format(taskIDTimeLayout) + "-" + suffix
}

func NewConversationID() string {
	return uuid.NewString()
}

// ValidTaskID rejects anything that could escape a records directory.
func ValidTaskID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}
