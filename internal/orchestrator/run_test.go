package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/climpire/internal/delegate"
	"github.com/nextlevelbuilder/climpire/internal/store"
)

func plannedTask(t *testing.T, f *fixture, title, departmentID, projectPath string) *store.Task {
	t.Helper()
	task := &store.Task{
		Title:        title,
		Description:  title,
		DepartmentID: ptr(departmentID),
		Status:       store.TaskPlanned,
		ProjectPath:  projectPath,
	}
	if err := f.st.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func TestRunTaskValidation(t *testing.T) {
	f := newFixture(t)
	f.cli.hold = time.Minute
	ctx := context.Background()
	task := plannedTask(t, f, "Tune retry backoff", "dev", t.TempDir())

	if err := f.orc.RunTask(ctx, "no-such-task", "", ""); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing task: err = %v, want ErrNotFound", err)
	}
	if err := f.orc.RunTask(ctx, task.ID, "", ""); !errors.Is(err, ErrNoAgent) {
		t.Errorf("unassigned task: err = %v, want ErrNoAgent", err)
	}

	agents, err := f.st.ListAgentsByDepartment(ctx, "dev")
	if err != nil {
		t.Fatal(err)
	}
	var worker, busy, odd *store.Agent
	for i := range agents {
		if agents[i].Role == store.RoleTeamLeader {
			odd = &agents[i]
			continue
		}
		if worker == nil {
			worker = &agents[i]
		} else {
			busy = &agents[i]
		}
	}

	other := plannedTask(t, f, "Unrelated work", "dev", "")
	if err := f.st.SetAgentStatus(ctx, busy.ID, store.AgentWorking, &other.ID); err != nil {
		t.Fatal(err)
	}
	if err := f.orc.RunTask(ctx, task.ID, busy.ID, ""); !errors.Is(err, ErrAgentBusy) {
		t.Errorf("busy agent: err = %v, want ErrAgentBusy", err)
	}

	if err := f.st.UpdateAgent(ctx, odd.ID, map[string]any{"cli_provider": "cursor"}); err != nil {
		t.Fatal(err)
	}
	if err := f.orc.RunTask(ctx, task.ID, odd.ID, ""); !errors.Is(err, ErrUnsupportedProvider) {
		t.Errorf("unknown provider: err = %v, want ErrUnsupportedProvider", err)
	}

	if err := f.orc.RunTask(ctx, task.ID, worker.ID, ""); err != nil {
		t.Fatalf("valid run: %v", err)
	}
	running := waitTaskStatus(t, f, task.ID, store.TaskInProgress)
	if deref(running.AssignedAgentID) != worker.ID {
		t.Error("run did not record the assignee")
	}
	if err := f.orc.RunTask(ctx, task.ID, worker.ID, ""); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second run: err = %v, want ErrAlreadyRunning", err)
	}
}

func TestRunFailureReturnsTaskToInbox(t *testing.T) {
	f := newFixture(t)
	f.cli.exit = func(LaunchSpec) int { return 1 }
	ctx := context.Background()
	worker := f.member(t, "dev")
	task := plannedTask(t, f, "Migrate the audit log", "dev", t.TempDir())

	// A queued continuation, as the cross-department queue registers
	// one, must still advance after the failure.
	advanced := make(chan struct{})
	f.orc.mu.Lock()
	f.orc.crossNext[task.ID] = func() { close(advanced) }
	f.orc.mu.Unlock()

	if err := f.orc.RunTask(ctx, task.ID, worker.ID, ""); err != nil {
		t.Fatal(err)
	}

	failed := waitTaskStatus(t, f, task.ID, store.TaskInbox)
	if failed.CompletedAt != nil {
		t.Error("failed task carries completed_at")
	}

	waitSignal(t, advanced, "queue advance after failure")

	agent, err := f.st.GetAgent(ctx, worker.ID)
	if err != nil {
		t.Fatal(err)
	}
	if agent.Status != store.AgentIdle {
		t.Errorf("agent status = %s, want idle", agent.Status)
	}
	if agent.StatsTasksDone != 0 || agent.StatsXP != 0 {
		t.Errorf("failure bumped stats: done=%d xp=%d", agent.StatsTasksDone, agent.StatsXP)
	}

	waitFor(t, "failure report", func() bool {
		for _, m := range f.ceoMessages(t) {
			if m.MessageType == store.MsgReport && strings.Contains(m.Content, task.Title) {
				return true
			}
		}
		return false
	})

	lines := f.logLines(t, task.ID)
	if !hasLogLine(lines, "process closed with exit 1") {
		t.Error("task log missing the exit line")
	}
	if !hasLogLine(lines, "run failed, returned to inbox") {
		t.Error("task log missing the failure line")
	}
}

func TestStreamSubtasksRouteByDepartment(t *testing.T) {
	f := newFixture(t)
	f.cli.hold = time.Minute
	ctx := context.Background()
	worker := f.member(t, "dev")
	task := plannedTask(t, f, "Ship the billing page", "dev", t.TempDir())

	if err := f.orc.RunTask(ctx, task.ID, worker.ID, ""); err != nil {
		t.Fatal(err)
	}
	waitTaskStatus(t, f, task.ID, store.TaskInProgress)

	f.orc.streamSubtaskStart(task.ID, worker.ID, "tool-1", "Write the retry middleware", "")
	f.orc.streamSubtaskStart(task.ID, worker.ID, "tool-2", "Design the onboarding mockup", "hand off to the design team")
	f.orc.streamSubtaskStart(task.ID, worker.ID, "tool-3", "Add pagination to the ledger", "")

	local, err := f.st.GetSubtaskByToolUseID(ctx, task.ID, "tool-1")
	if err != nil {
		t.Fatal(err)
	}
	if local.Status != store.SubtaskInProgress {
		t.Errorf("local subtask = %s, want in_progress", local.Status)
	}
	if local.TargetDepartmentID != nil {
		t.Error("local subtask marked foreign")
	}

	// A replayed start marker for a recorded key must not add a row.
	f.orc.streamSubtaskStart(task.ID, worker.ID, "tool-1", "Replayed start marker", "")
	subs, err := f.st.ListSubtasks(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 3 {
		t.Errorf("after replayed marker: %d subtasks, want 3", len(subs))
	}

	foreign, err := f.st.GetSubtaskByToolUseID(ctx, task.ID, "tool-2")
	if err != nil {
		t.Fatal(err)
	}
	if foreign.Status != store.SubtaskBlocked {
		t.Errorf("foreign subtask = %s, want blocked", foreign.Status)
	}
	if deref(foreign.TargetDepartmentID) != "design" {
		t.Errorf("target department = %q, want design", deref(foreign.TargetDepartmentID))
	}
	if foreign.BlockedReason == "" {
		t.Error("foreign subtask has no blocked reason")
	}

	f.orc.streamSubtaskEnd(task.ID, "tool-1")
	f.orc.streamSubtaskEnd(task.ID, "tool-2")

	local, err = f.st.GetSubtaskByToolUseID(ctx, task.ID, "tool-1")
	if err != nil {
		t.Fatal(err)
	}
	if local.Status != store.SubtaskDone {
		t.Errorf("ended local subtask = %s, want done", local.Status)
	}
	foreign, err = f.st.GetSubtaskByToolUseID(ctx, task.ID, "tool-2")
	if err != nil {
		t.Fatal(err)
	}
	if foreign.Status != store.SubtaskBlocked {
		t.Error("stream end completed a foreign subtask")
	}

	// Codex collab items resolve through thread mappings instead of the
	// end marker.
	threaded, err := f.st.GetSubtaskByToolUseID(ctx, task.ID, "tool-3")
	if err != nil {
		t.Fatal(err)
	}
	f.orc.mapThreads(task.ID, "tool-3", []string{"th_01"})
	f.orc.endThread("th_01")
	threaded, err = f.st.GetSubtask(ctx, threaded.ID)
	if err != nil {
		t.Fatal(err)
	}
	if threaded.Status != store.SubtaskDone {
		t.Errorf("thread-closed subtask = %s, want done", threaded.Status)
	}
}

func TestDetectedProjectPathPersists(t *testing.T) {
	f := newFixture(t)
	f.cli.hold = time.Minute
	ctx := context.Background()
	worker := f.member(t, "dev")
	dir := t.TempDir()

	task := &store.Task{
		Title:        "Wire the export endpoint",
		Description:  "Work in " + dir + " and wire the export endpoint",
		DepartmentID: ptr("dev"),
		Status:       store.TaskPlanned,
	}
	if err := f.st.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	if got := delegate.DetectProjectPath(task.Description, nil); got != dir {
		t.Fatalf("detect = %q, want %q", got, dir)
	}

	if err := f.orc.RunTask(ctx, task.ID, worker.ID, ""); err != nil {
		t.Fatal(err)
	}
	running := waitTaskStatus(t, f, task.ID, store.TaskInProgress)
	if running.ProjectPath != dir {
		t.Errorf("project_path = %q, want %q", running.ProjectPath, dir)
	}
	specs := f.cli.specs()
	if len(specs) != 1 || specs[0].Dir != dir {
		t.Errorf("run dir = %q, want %q", specs[0].Dir, dir)
	}

	lines := f.logLines(t, task.ID)
	if !hasLogLine(lines, "not a git repository, running in place") {
		t.Error("task log missing the in-place note")
	}
}
