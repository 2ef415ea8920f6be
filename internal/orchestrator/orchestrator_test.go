package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/climpire/internal/bus"
	"github.com/nextlevelbuilder/climpire/internal/meeting"
	"github.com/nextlevelbuilder/climpire/internal/runner"
	"github.com/nextlevelbuilder/climpire/internal/store"
	"github.com/nextlevelbuilder/climpire/internal/store/sqlite"
	"github.com/nextlevelbuilder/climpire/internal/worktree"
)

// scriptedExec stands in for both runners. Launch returns a handle that
// exits with the scripted code after hold elapses, or with 137 when the
// orchestrator kills it first. RunOnce always fails so meeting turns
// and direct replies fall back to canned text.
type scriptedExec struct {
	mu       sync.Mutex
	launches []LaunchSpec
	procs    []*scriptedProc
	logsDir  string
	output   string
	hold     time.Duration
	exit     func(spec LaunchSpec) int
}

type scriptedProc struct {
	pid    int
	killed chan struct{}
	once   sync.Once
}

func (p *scriptedProc) PID() int { return p.pid }
func (p *scriptedProc) Kill()    { p.once.Do(func() { close(p.killed) }) }

func (s *scriptedExec) Launch(spec LaunchSpec) (Proc, error) {
	s.mu.Lock()
	proc := &scriptedProc{pid: 40000 + len(s.procs), killed: make(chan struct{})}
	s.launches = append(s.launches, spec)
	s.procs = append(s.procs, proc)
	hold, out := s.hold, s.output
	code := 0
	if s.exit != nil {
		code = s.exit(spec)
	}
	s.mu.Unlock()

	if out == "" {
		out = "patched the handler and reran the checks\n"
	}
	if s.logsDir != "" {
		_ = os.WriteFile(filepath.Join(s.logsDir, spec.TaskID+".log"), []byte(out), 0o644)
	}
	go func() {
		t := time.NewTimer(hold)
		defer t.Stop()
		select {
		case <-t.C:
			spec.OnExit(code)
		case <-proc.killed:
			spec.OnExit(137)
		}
	}()
	return proc, nil
}

func (s *scriptedExec) RunOnce(context.Context, runner.OneShotSpec) (string, error) {
	return "", errors.New("cli unavailable")
}

func (s *scriptedExec) specs() []LaunchSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]LaunchSpec(nil), s.launches...)
}

func (s *scriptedExec) proc(i int) *scriptedProc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[i]
}

// testPacing shrinks every orchestration delay so scenarios run in
// milliseconds. Periodic loops stay effectively off.
func testPacing() Pacing {
	ms := time.Millisecond
	return Pacing{
		ReplyMin: ms, ReplyMax: 2 * ms,
		AckMin: ms, AckMax: 2 * ms,
		AnnounceMin: ms, AnnounceMax: 2 * ms,
		MentionMin: ms, MentionMax: 2 * ms,
		CrossKickMin: ms, CrossKickMax: 2 * ms,
		DeliverMin: ms, DeliverMax: 2 * ms,
		ReviewStep:     3 * ms,
		RevisionFlip:   3 * ms,
		FailureAdvance: 3 * ms,
		ProgressEvery:  time.Hour,
		BreakEvery:     time.Hour,
		BreakFirst:     time.Hour,
	}
}

type fixture struct {
	st  *sqlite.Store
	bus *bus.Bus
	cli *scriptedExec
	orc *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "test.sqlite"), logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.SeedIfEmpty(context.Background()); err != nil {
		t.Fatalf("seed: %v", err)
	}

	b := bus.New()
	logs := t.TempDir()
	cli := &scriptedExec{logsDir: logs}
	eng := meeting.New(st, b, cli, logger, meeting.Options{
		MinTurnDelay: time.Millisecond,
		MaxTurnDelay: 2 * time.Millisecond,
	})
	orc := New(st, b, cli, eng, worktree.NewManager(logger), nil, logger, Options{
		LogsDir: logs,
		Pacing:  testPacing(),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		orc.Shutdown(ctx)
	})
	return &fixture{st: st, bus: b, cli: cli, orc: orc}
}

// sendCEO persists a CEO message and hands it to the orchestrator, the
// way the gateway does for POST /api/messages.
func (f *fixture) sendCEO(t *testing.T, receiverType, receiverID, content, msgType string) {
	t.Helper()
	msg := &store.Message{
		SenderType:   store.SenderCEO,
		SenderID:     "ceo",
		ReceiverType: receiverType,
		ReceiverID:   receiverID,
		Content:      content,
		MessageType:  msgType,
	}
	if err := f.st.CreateMessage(context.Background(), msg); err != nil {
		t.Fatalf("persist ceo message: %v", err)
	}
	f.orc.HandleInbound(context.Background(), msg)
}

func (f *fixture) leader(t *testing.T, departmentID string) *store.Agent {
	t.Helper()
	leader, err := f.st.GetTeamLeader(context.Background(), departmentID)
	if err != nil {
		t.Fatalf("team leader of %s: %v", departmentID, err)
	}
	return leader
}

func (f *fixture) member(t *testing.T, departmentID string) *store.Agent {
	t.Helper()
	agents, err := f.st.ListAgentsByDepartment(context.Background(), departmentID)
	if err != nil {
		t.Fatalf("agents of %s: %v", departmentID, err)
	}
	for i := range agents {
		if agents[i].Role != store.RoleTeamLeader {
			return &agents[i]
		}
	}
	t.Fatalf("no subordinate in %s", departmentID)
	return nil
}

func (f *fixture) ceoMessages(t *testing.T) []store.Message {
	t.Helper()
	msgs, err := f.st.ListMessages(context.Background(), store.MessageFilter{
		ReceiverType: store.ReceiverCEO,
		Limit:        200,
	})
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	return msgs
}

func (f *fixture) logLines(t *testing.T, taskID string) []string {
	t.Helper()
	logs, err := f.st.ListTaskLogs(context.Background(), taskID)
	if err != nil {
		t.Fatalf("task logs: %v", err)
	}
	out := make([]string, len(logs))
	for i, l := range logs {
		out[i] = l.Message
	}
	return out
}

func hasLogLine(lines []string, substr string) bool {
	for _, l := range lines {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}

// waitFor polls cond until it holds, failing after 15 seconds.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitSignal(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(15 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func waitTaskStatus(t *testing.T, f *fixture, taskID, status string) *store.Task {
	t.Helper()
	var task *store.Task
	waitFor(t, "task "+taskID+" to reach "+status, func() bool {
		cur, err := f.st.GetTask(context.Background(), taskID)
		if err != nil {
			return false
		}
		task = cur
		return cur.Status == status
	})
	return task
}

func TestDirectiveDelegationRunsToDone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	aria := f.leader(t, "dev")

	f.sendCEO(t, store.ReceiverAgent, aria.ID,
		"Fix the login timeout in the session refresh flow", store.MsgTaskAssign)

	var task *store.Task
	waitFor(t, "delegated task", func() bool {
		tasks, err := f.st.ListTasks(ctx, store.TaskFilter{})
		if err != nil || len(tasks) == 0 {
			return false
		}
		task = &tasks[0]
		return true
	})

	if !strings.HasPrefix(task.Description, "[CEO] ") {
		t.Errorf("description = %q, want [CEO] prefix", task.Description)
	}
	if task.Priority != 1 {
		t.Errorf("priority = %d, want 1", task.Priority)
	}
	if got := deref(task.DepartmentID); got != "dev" {
		t.Errorf("department = %q, want dev", got)
	}

	done := waitTaskStatus(t, f, task.ID, store.TaskDone)
	if done.CompletedAt == nil {
		t.Error("completed_at not set")
	}
	if done.StartedAt == nil {
		t.Error("started_at not set")
	}
	if done.Result == "" {
		t.Error("result not captured from the run log")
	}
	if done.AssignedAgentID == nil {
		t.Fatal("no assignee recorded")
	}
	if *done.AssignedAgentID == aria.ID {
		t.Error("leader self-assigned although subordinates were idle")
	}

	specs := f.cli.specs()
	if len(specs) != 1 {
		t.Fatalf("got %d launches, want 1", len(specs))
	}
	if specs[0].TaskID != task.ID {
		t.Errorf("launch task = %s, want %s", specs[0].TaskID, task.ID)
	}
	if !strings.Contains(specs[0].Prompt, task.Title) {
		t.Error("run prompt does not carry the task title")
	}

	assignee, err := f.st.GetAgent(ctx, *done.AssignedAgentID)
	if err != nil {
		t.Fatal(err)
	}
	if specs[0].Provider != deref(assignee.CliProvider) {
		t.Errorf("provider = %s, want the assignee's %s", specs[0].Provider, deref(assignee.CliProvider))
	}
	if assignee.Status != store.AgentIdle {
		t.Errorf("assignee status = %s, want idle", assignee.Status)
	}
	if assignee.CurrentTaskID != nil {
		t.Error("assignee still references the task")
	}
	if assignee.StatsTasksDone != 1 {
		t.Errorf("stats_tasks_done = %d, want 1", assignee.StatsTasksDone)
	}
	if assignee.StatsXP != 10 {
		t.Errorf("stats_xp = %d, want 10", assignee.StatsXP)
	}

	// Plan approval seeds the finalize and consolidate steps; a clean
	// run auto-completes both.
	subtasks, err := f.st.ListSubtasks(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(subtasks) != 2 {
		t.Fatalf("got %d subtasks, want 2", len(subtasks))
	}
	for _, s := range subtasks {
		if s.Status != store.SubtaskDone {
			t.Errorf("subtask %q = %s, want done", s.Title, s.Status)
		}
	}

	meetings, err := f.st.ListMeetings(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	types := map[string]bool{}
	for _, m := range meetings {
		if m.Status != store.MeetingCompleted {
			t.Errorf("meeting %s status = %s, want completed", m.MeetingType, m.Status)
		}
		types[m.MeetingType] = true
	}
	if !types[store.MeetingPlanned] || !types[store.MeetingReview] {
		t.Errorf("meeting types = %v, want planned and review", types)
	}

	waitFor(t, "leader reports", func() bool {
		reports := 0
		for _, m := range f.ceoMessages(t) {
			if m.MessageType == store.MsgReport {
				reports++
			}
		}
		return reports >= 2
	})

	lines := f.logLines(t, task.ID)
	for _, want := range []string{"directive handed to", "process closed with exit 0", "task completed"} {
		if !hasLogLine(lines, want) {
			t.Errorf("task log missing %q", want)
		}
	}
}

func TestDirectReplyFallsBackWhenCliFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	member := f.member(t, "qa")

	f.sendCEO(t, store.ReceiverAgent, member.ID, "How is the regression pass going?", store.MsgChat)

	var reply *store.Message
	waitFor(t, "direct reply", func() bool {
		for _, m := range f.ceoMessages(t) {
			if m.SenderID == member.ID && m.MessageType == store.MsgChat {
				reply = &m
				return true
			}
		}
		return false
	})
	if reply.Content != directFallback(meeting.LangEN) {
		t.Errorf("reply = %q, want the fallback line", reply.Content)
	}

	// Chat never spawns work, even for leaders.
	f.sendCEO(t, store.ReceiverAgent, f.leader(t, "qa").ID, "Thanks for the update!", store.MsgChat)
	time.Sleep(50 * time.Millisecond)
	tasks, err := f.st.ListTasks(ctx, store.TaskFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Errorf("got %d tasks from chat messages, want 0", len(tasks))
	}
}

func TestAnnouncementFansOutLeaderAcks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.sendCEO(t, store.ReceiverAll, "", "Great sprint everyone, demo on Friday.", store.MsgAnnouncement)

	waitFor(t, "leader acknowledgments", func() bool {
		acks := 0
		for _, m := range f.ceoMessages(t) {
			if m.MessageType == store.MsgChat {
				acks++
			}
		}
		return acks == 6
	})

	tasks, err := f.st.ListTasks(ctx, store.TaskFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Errorf("announcement without mentions spawned %d tasks", len(tasks))
	}
}

func TestAssignTaskMovesInboxToPlanned(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	member := f.member(t, "design")

	task := &store.Task{Title: "Refresh the empty states"}
	if err := f.st.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	assigned, err := f.orc.AssignTask(ctx, task.ID, member.ID)
	if err != nil {
		t.Fatal(err)
	}
	if assigned.Status != store.TaskPlanned {
		t.Errorf("status = %s, want planned", assigned.Status)
	}
	if deref(assigned.AssignedAgentID) != member.ID {
		t.Error("assignee not recorded")
	}
	if deref(assigned.DepartmentID) != deref(member.DepartmentID) {
		t.Errorf("department = %q, want %q", deref(assigned.DepartmentID), deref(member.DepartmentID))
	}

	msgs, err := f.st.ListMessages(ctx, store.MessageFilter{
		ReceiverType: store.ReceiverAgent,
		ReceiverID:   member.ID,
		Limit:        10,
	})
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, m := range msgs {
		if m.MessageType == store.MsgTaskAssign && m.SenderType == store.SenderCEO {
			found = true
		}
	}
	if !found {
		t.Error("task_assign message not posted to the assignee")
	}

	// Manual assignment never re-enters the delegation flow.
	time.Sleep(50 * time.Millisecond)
	tasks, err := f.st.ListTasks(ctx, store.TaskFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 {
		t.Errorf("got %d tasks, want the single assigned one", len(tasks))
	}
}
