package task

import "errors"

var (
	ErrInvalidPrompt        = errors.New("prompt is required")
	ErrInvalidWorkdir       = errors.New("workdir must be an absolute path")
	ErrNotFound             = errors.New("task not found")
	ErrSessionEnded         = errors.New("session ended")
	ErrAlreadyFinished      = errors.New("task already finished")
	ErrDuplicateTask        = errors.New("task already registered")
	ErrSessionNameCollision = errors.New("session name already in use")
	ErrLaunchFailed         = errors.New("session launch failed")
)
