package task

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"taskman/internal/tmux"
)

func TestCreateRejectsBadInput(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.manager.Create(context.Background(), "   ", ""); !errors.Is(err, ErrInvalidPrompt) {
		t.Fatalf("expected ErrInvalidPrompt, got %v", err)
	}
	if _, err := env.manager.Create(context.Background(), "hi", "relative/dir"); !errors.Is(err, ErrInvalidWorkdir) {
		t.Fatalf("expected ErrInvalidWorkdir, got %v", err)
	}
	if len(env.manager.List(context.Background())) != 0 {
		t.Fatal("rejected requests must not create tasks")
	}
}

func TestCreateLaunchesSession(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.manager.Create(context.Background(), "write a haiku", "/work/../work/repo")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if task.Status != StatusRunning {
		t.Fatalf("expected running, got %s", task.Status)
	}
	if task.Workdir != "/work/repo" {
		t.Fatalf("workdir not cleaned: %q", task.Workdir)
	}
	if task.SessionName != "task-"+task.TaskID {
		t.Fatalf("unexpected session name %q", task.SessionName)
	}
	if len(env.runtime.created) != 1 {
		t.Fatalf("expected one session, got %d", len(env.runtime.created))
	}
	opts := env.runtime.created[0]
	if opts.Name != task.SessionName || opts.Dir != "/work/repo" {
		t.Fatalf("unexpected session options: %+v", opts)
	}
	if !strings.Contains(opts.Command, task.SessionConversationID) {
		t.Fatalf("conversation id not passed to agent: %s", opts.Command)
	}
	if _, ok := env.store.get(task.TaskID); !ok {
		t.Fatal("task not persisted")
	}
}

func TestCreateUsesDefaultWorkdir(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.manager.Create(context.Background(), "hi", "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if task.Workdir != env.manager.defaultWorkdir {
		t.Fatalf("expected default workdir %q, got %q", env.manager.defaultWorkdir, task.Workdir)
	}
}

func TestCreateIssuesDistinctIdentities(t *testing.T) {
	env := newTestEnv(t)
	var wg sync.WaitGroup
	var mu sync.Mutex
	ids := map[string]bool{}
	sessions := map[string]bool{}
	conversations := map[string]bool{}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task, err := env.manager.Create(context.Background(), "same prompt", "/tmp")
			if err != nil {
				t.Errorf("Create failed: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			ids[task.TaskID] = true
			sessions[task.SessionName] = true
			conversations[task.SessionConversationID] = true
		}()
	}
	wg.Wait()
	if len(ids) != 10 || len(sessions) != 10 || len(conversations) != 10 {
		t.Fatalf("identities not distinct: ids=%d sessions=%d conversations=%d", len(ids), len(sessions), len(conversations))
	}
}

func TestListDuringLaunchWaitsForSession(t *testing.T) {
	env := newTestEnv(t)
	gate := make(chan struct{})
	spawning := make(chan struct{}, 1)
	env.runtime.spawnGate, env.runtime.spawning = gate, spawning

	type result struct {
		task Task
		err  error
	}
	created := make(chan result, 1)
	go func() {
		task, err := env.manager.Create(context.Background(), "hi", "/tmp")
		created <- result{task, err}
	}()
	<-spawning

	listed := make(chan []Task, 1)
	go func() { listed <- env.manager.List(context.Background()) }()
	select {
	case tasks := <-listed:
		t.Fatalf("List returned while the session was still starting: %+v", tasks)
	case <-time.After(30 * time.Millisecond):
	}
	close(gate)

	res := <-created
	if res.err != nil {
		t.Fatalf("Create failed: %v", res.err)
	}
	if res.task.Status != StatusRunning {
		t.Fatalf("Create returned %s: %s", res.task.Status, res.task.ErrorMessage)
	}
	tasks := <-listed
	if len(tasks) != 1 || tasks[0].Status != StatusRunning {
		t.Fatalf("List during launch saw %+v", tasks)
	}
	view, err := env.manager.Get(context.Background(), res.task.TaskID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if view.Status != StatusRunning {
		t.Fatalf("task became %s after launch: %s", view.Status, view.ErrorMessage)
	}
}

func TestImmediateExitCompletes(t *testing.T) {
	env := newTestEnv(t)
	env.runtime.onNewSession = func(opts tmux.SessionOptions) {
		writeExit(t, env.layout, strings.TrimPrefix(opts.Name, "task-"), "hello", 0)
		env.runtime.end(opts.Name)
	}
	task, err := env.manager.Create(context.Background(), "echo hello", "/tmp")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	view, err := env.manager.Get(context.Background(), task.TaskID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if view.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", view.Status, view.ErrorMessage)
	}
	if view.FinishedAt == nil || view.ExitCode == nil || *view.ExitCode != 0 {
		t.Fatalf("finish fields not set: %+v", view.Task)
	}
	if !strings.Contains(view.RecentOutput, "hello") {
		t.Fatalf("recent output missing agent text: %q", view.RecentOutput)
	}
}

func TestEndedWithoutMarkerIsError(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.manager.Create(context.Background(), "hi", "/tmp")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	env.runtime.end(task.SessionName)
	got, err := env.manager.Reconcile(task.TaskID)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if got.Status != StatusError || got.ErrorMessage != "session ended without completion marker" {
		t.Fatalf("unexpected reconcile result: %+v", got)
	}
	first := *got.FinishedAt

	again, err := env.manager.Reconcile(task.TaskID)
	if err != nil {
		t.Fatalf("second Reconcile failed: %v", err)
	}
	if !again.FinishedAt.Equal(first) {
		t.Fatal("finished_at changed on repeated reconcile")
	}
}

func TestNonZeroExitIsError(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.manager.Create(context.Background(), "hi", "/tmp")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	writeExit(t, env.layout, task.TaskID, "boom", 3)
	env.runtime.end(task.SessionName)
	got, err := env.manager.Reconcile(task.TaskID)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if got.Status != StatusError || got.ExitCode == nil || *got.ExitCode != 3 {
		t.Fatalf("unexpected result: %+v", got)
	}
	if !strings.Contains(got.ErrorMessage, "code 3") {
		t.Fatalf("unexpected error message %q", got.ErrorMessage)
	}
}

func TestProbeFailureLeavesTaskRunning(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.manager.Create(context.Background(), "hi", "/tmp")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	env.runtime.mu.Lock()
	env.runtime.probeErr = errors.New("tmux server crashed")
	env.runtime.mu.Unlock()
	if _, err := env.manager.Reconcile(task.TaskID); err == nil {
		t.Fatal("expected probe error")
	}
	got, _ := env.manager.registry.Get(task.TaskID)
	if got.Status != StatusRunning {
		t.Fatalf("status must not change on probe failure, got %s", got.Status)
	}
}

func TestSessionCollisionRecordsError(t *testing.T) {
	env := newTestEnv(t)
	env.runtime.squatted = true
	task, err := env.manager.Create(context.Background(), "hi", "/tmp")
	if err != nil {
		t.Fatalf("Create should report the failure on the task, got %v", err)
	}
	if task.Status != StatusError || !strings.Contains(task.ErrorMessage, "already in use") {
		t.Fatalf("unexpected task: %+v", task)
	}
	if len(env.runtime.created) != 0 {
		t.Fatal("foreign session must not be reused")
	}
}

func TestLaunchFailureRecordsError(t *testing.T) {
	env := newTestEnv(t)
	env.runtime.newErr = errors.New("no server")
	task, err := env.manager.Create(context.Background(), "hi", "/tmp")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if task.Status != StatusError || task.FinishedAt == nil {
		t.Fatalf("expected finished error task, got %+v", task)
	}
	stored, _ := env.store.get(task.TaskID)
	if stored.Status != StatusError {
		t.Fatalf("failure not persisted: %+v", stored)
	}
}

func TestFollowupReachesLiveSession(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.manager.Create(context.Background(), "hi", "/tmp")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	updated, sent, err := env.manager.SendFollowup(context.Background(), task.TaskID, "  now add tests  ")
	if err != nil {
		t.Fatalf("SendFollowup failed: %v", err)
	}
	if sent.Prompt != "now add tests" || sent.SentAt.IsZero() {
		t.Fatalf("unexpected followup: %+v", sent)
	}
	if len(updated.Followups) != 1 {
		t.Fatalf("expected 1 followup, got %d", len(updated.Followups))
	}
	if got := env.runtime.sentTo(task.SessionName); len(got) != 1 || got[0] != "now add tests" {
		t.Fatalf("unexpected keystrokes: %v", got)
	}
	if stored, _ := env.store.get(task.TaskID); len(stored.Followups) != 1 {
		t.Fatal("followup not persisted")
	}
}

func TestFollowupAfterEndFails(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.manager.Create(context.Background(), "hi", "/tmp")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	writeExit(t, env.layout, task.TaskID, "", 0)
	env.runtime.end(task.SessionName)

	updated, _, err := env.manager.SendFollowup(context.Background(), task.TaskID, "more")
	if !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("expected ErrSessionEnded, got %v", err)
	}
	if updated.Status != StatusCompleted {
		t.Fatalf("task should be reconciled to completed, got %s", updated.Status)
	}
	if len(updated.Followups) != 0 || len(env.runtime.sentTo(task.SessionName)) != 0 {
		t.Fatal("nothing may be sent or recorded after the session ended")
	}
}

func TestFollowupKeepsSurroundingWhitespace(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.manager.Create(context.Background(), "hi", "/tmp")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	const prompt = "  indented\n\tline  "
	_, sent, err := env.manager.SendFollowup(context.Background(), task.TaskID, prompt)
	if err != nil {
		t.Fatalf("SendFollowup failed: %v", err)
	}
	if sent.Prompt != prompt {
		t.Fatalf("recorded prompt = %q", sent.Prompt)
	}
	if got := env.runtime.sentTo(task.SessionName); len(got) != 1 || got[0] != prompt {
		t.Fatalf("injected %q, want %q", got, prompt)
	}
}

func TestFollowupRejectsEmptyPrompt(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.manager.Create(context.Background(), "hi", "/tmp")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, _, err := env.manager.SendFollowup(context.Background(), task.TaskID, "\n\t"); !errors.Is(err, ErrInvalidPrompt) {
		t.Fatalf("expected ErrInvalidPrompt, got %v", err)
	}
	if _, _, err := env.manager.SendFollowup(context.Background(), "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestKillTransitionsOnce(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.manager.Create(context.Background(), "hi", "/tmp")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	killed, err := env.manager.Kill(context.Background(), task.TaskID)
	if err != nil {
		t.Fatalf("Kill failed: %v", err)
	}
	if killed.Status != StatusKilled || killed.FinishedAt == nil || !killed.KillRequested {
		t.Fatalf("unexpected killed task: %+v", killed)
	}
	if alive, _ := env.runtime.HasSession(task.SessionName); alive {
		t.Fatal("session still alive after kill")
	}

	again, err := env.manager.Kill(context.Background(), task.TaskID)
	if err != nil {
		t.Fatalf("repeat Kill failed: %v", err)
	}
	if !again.FinishedAt.Equal(*killed.FinishedAt) {
		t.Fatal("repeat kill changed finished_at")
	}
	if _, _, err := env.manager.SendFollowup(context.Background(), task.TaskID, "x"); !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("followup after kill should fail, got %v", err)
	}
}

func TestKillFinishedTaskFails(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.manager.Create(context.Background(), "hi", "/tmp")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	writeExit(t, env.layout, task.TaskID, "", 0)
	env.runtime.end(task.SessionName)
	if _, err := env.manager.Reconcile(task.TaskID); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if _, err := env.manager.Kill(context.Background(), task.TaskID); !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("expected ErrSessionEnded, got %v", err)
	}
}

func TestKillAfterCleanExitKeepsCompleted(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.manager.Create(context.Background(), "hi", "/tmp")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	writeExit(t, env.layout, task.TaskID, "done", 0)
	env.runtime.end(task.SessionName)

	if _, err := env.manager.Kill(context.Background(), task.TaskID); !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("expected ErrSessionEnded, got %v", err)
	}
	got, err := env.manager.registry.Get(task.TaskID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusCompleted || got.KillRequested {
		t.Fatalf("expected completed without kill flag, got %s kill_requested=%v", got.Status, got.KillRequested)
	}
}

func TestKillFlagWinsOverLateReconcile(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.manager.Create(context.Background(), "hi", "/tmp")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	// Simulate a crash between persisting the kill request and finishing.
	if _, err := env.manager.registry.Update(task.TaskID, func(t *Task) (bool, error) {
		t.KillRequested = true
		return true, nil
	}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	env.runtime.end(task.SessionName)
	got, err := env.manager.Reconcile(task.TaskID)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if got.Status != StatusKilled {
		t.Fatalf("expected killed, got %s", got.Status)
	}
}

func TestListReconcilesRunningTasks(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	env := newTestEnv(t)
	env.manager.now = func() time.Time {
		now = now.Add(time.Second)
		return now
	}
	first, err := env.manager.Create(context.Background(), "one", "/tmp")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	second, err := env.manager.Create(context.Background(), "two", "/tmp")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	env.runtime.end(first.SessionName)

	all := env.manager.List(context.Background())
	if len(all) != 2 || all[0].TaskID != second.TaskID || all[1].TaskID != first.TaskID {
		t.Fatalf("unexpected order: %+v", all)
	}
	if all[1].Status != StatusError || all[0].Status != StatusRunning {
		t.Fatalf("unexpected statuses: %s %s", all[0].Status, all[1].Status)
	}
}

func TestReconcileAllSkipsLiveSessions(t *testing.T) {
	env := newTestEnv(t)
	live, err := env.manager.Create(context.Background(), "one", "/tmp")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	gone, err := env.manager.Create(context.Background(), "two", "/tmp")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	env.runtime.end(gone.SessionName)
	if n := env.manager.ReconcileAll(context.Background()); n != 1 {
		t.Fatalf("expected 1 transition, got %d", n)
	}
	got, _ := env.manager.registry.Get(live.TaskID)
	if got.Status != StatusRunning {
		t.Fatalf("live task changed: %s", got.Status)
	}
}

func TestRunScannerStopsOnCancel(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.manager.Create(context.Background(), "hi", "/tmp")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	env.runtime.end(task.SessionName)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.manager.RunScanner(ctx, 10*time.Millisecond) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, _ := env.manager.registry.Get(task.TaskID)
		if got.Status.Terminal() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("scanner did not reconcile the task")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RunScanner returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("scanner did not stop")
	}
}

func TestOutputPrefersLiveCapture(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.manager.Create(context.Background(), "hi", "/tmp")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	env.runtime.mu.Lock()
	env.runtime.captures[task.SessionName] = "a\nb\nc\n\n\n"
	env.runtime.mu.Unlock()
	out, err := env.manager.Output(context.Background(), task.TaskID, 2)
	if err != nil {
		t.Fatalf("Output failed: %v", err)
	}
	if out != "b\nc" {
		t.Fatalf("unexpected output %q", out)
	}
}
