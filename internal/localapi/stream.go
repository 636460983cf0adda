package localapi

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/fsnotify/fsnotify"

	"taskman/internal/task"
)

type streamFrame struct {
	TaskID string      `json:"task_id"`
	Status task.Status `json:"status"`
	Output string      `json:"output"`
}

// handleTaskStream refreshes the task on every tick or output log write and
// pushes a frame whenever its status or recent output changes. The socket is
// closed after the frame that reports a terminal status.
func (s *Server) handleTaskStream(w http.ResponseWriter, r *http.Request, taskID string) {
	view, err := s.deps.Tasks.Get(r.Context(), taskID)
	if err != nil {
		s.respondTaskError(w, r, err)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "task_id", taskID, "err", err)
		return
	}
	defer conn.CloseNow()
	ctx := conn.CloseRead(r.Context())

	ticker := time.NewTicker(s.deps.StreamInterval)
	defer ticker.Stop()
	wake, stopWatch := s.watchOutput(taskID)
	defer stopWatch()
	var last *streamFrame
	for {
		frame := streamFrame{TaskID: view.TaskID, Status: view.Status, Output: view.RecentOutput}
		if last == nil || *last != frame {
			if err := writeFrame(ctx, conn, frame); err != nil {
				return
			}
			last = &frame
		}
		if view.Status.Terminal() {
			_ = conn.Close(websocket.StatusNormalClosure, "task "+string(view.Status))
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-wake:
		}
		view, err = s.deps.Tasks.Get(ctx, taskID)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.logger.Warn("stream refresh failed", "task_id", taskID, "err", err)
			}
			_ = conn.Close(websocket.StatusInternalError, "refresh failed")
			return
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, frame streamFrame) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(ctx, conn, frame)
}

// watchOutput signals on writes to the task's output log. Without a resolver
// or a working watcher the returned channel never fires and the stream falls
// back to ticks.
func (s *Server) watchOutput(taskID string) (<-chan struct{}, func()) {
	wake := make(chan struct{}, 1)
	if s.deps.OutputPath == nil {
		return wake, func() {}
	}
	path := s.deps.OutputPath(taskID)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Debug("output watcher unavailable", "task_id", taskID, "err", err)
		return wake, func() {}
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		s.logger.Debug("watch output dir failed", "task_id", taskID, "err", err)
		_ = watcher.Close()
		return wake, func() {}
	}
	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name != path || ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
					continue
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			case <-done:
				return
			}
		}
	}()
	return wake, func() {
		close(done)
		_ = watcher.Close()
	}
}
