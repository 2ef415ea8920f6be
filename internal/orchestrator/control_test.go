package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nextlevelbuilder/climpire/internal/store"
)

func TestStopCancelIgnoresLateExit(t *testing.T) {
	f := newFixture(t)
	f.cli.hold = time.Minute
	ctx := context.Background()
	worker := f.member(t, "dev")
	task := plannedTask(t, f, "Rework the import pipeline", "dev", t.TempDir())

	if err := f.orc.RunTask(ctx, task.ID, worker.ID, ""); err != nil {
		t.Fatal(err)
	}
	waitTaskStatus(t, f, task.ID, store.TaskInProgress)

	pid, err := f.orc.StopTask(ctx, task.ID, StopCancel)
	if err != nil {
		t.Fatal(err)
	}
	if pid <= 0 {
		t.Errorf("pid = %d, want the killed handle's pid", pid)
	}

	stopped, err := f.st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stopped.Status != store.TaskCancelled {
		t.Errorf("status = %s, want cancelled", stopped.Status)
	}
	agent, err := f.st.GetAgent(ctx, worker.ID)
	if err != nil {
		t.Fatal(err)
	}
	if agent.Status != store.AgentIdle || agent.CurrentTaskID != nil {
		t.Errorf("agent = %s/%v, want idle with no task", agent.Status, agent.CurrentTaskID)
	}

	// The kill makes the child exit; that close event must be benign.
	waitFor(t, "late exit to be ignored", func() bool {
		return hasLogLine(f.logLines(t, task.ID), "completion ignored")
	})
	cur, err := f.st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cur.Status != store.TaskCancelled {
		t.Errorf("late exit moved the task to %s", cur.Status)
	}
	if cur.Result != "" {
		t.Error("late exit wrote a result")
	}
	if agent, _ := f.st.GetAgent(ctx, worker.ID); agent.StatsTasksDone != 0 {
		t.Error("late exit bumped stats")
	}

	if _, err := f.orc.StopTask(ctx, task.ID, StopCancel); !errors.Is(err, ErrNotRunning) {
		t.Errorf("second stop: err = %v, want ErrNotRunning", err)
	}
}

func TestStopPauseThenResume(t *testing.T) {
	f := newFixture(t)
	f.cli.hold = time.Minute
	ctx := context.Background()
	worker := f.member(t, "qa")
	task := plannedTask(t, f, "Stabilize the flaky suite", "qa", t.TempDir())

	if _, err := f.orc.StopTask(ctx, task.ID, "abort"); !errors.Is(err, ErrBadStatus) {
		t.Errorf("bad mode: err = %v, want ErrBadStatus", err)
	}
	if _, err := f.orc.StopTask(ctx, task.ID, StopCancel); !errors.Is(err, ErrNotRunning) {
		t.Errorf("stop before run: err = %v, want ErrNotRunning", err)
	}
	if _, err := f.orc.ResumeTask(ctx, task.ID); !errors.Is(err, ErrBadStatus) {
		t.Errorf("resume from planned: err = %v, want ErrBadStatus", err)
	}

	if err := f.orc.RunTask(ctx, task.ID, worker.ID, ""); err != nil {
		t.Fatal(err)
	}
	waitTaskStatus(t, f, task.ID, store.TaskInProgress)

	if _, err := f.orc.StopTask(ctx, task.ID, StopPause); err != nil {
		t.Fatal(err)
	}
	paused, err := f.st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if paused.Status != store.TaskPending {
		t.Errorf("status = %s, want pending", paused.Status)
	}

	resumed, err := f.orc.ResumeTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if resumed.Status != store.TaskPlanned {
		t.Errorf("resumed status = %s, want planned for an assigned task", resumed.Status)
	}
	if deref(resumed.AssignedAgentID) != worker.ID {
		t.Error("resume dropped the assignee")
	}

	if _, err := f.orc.ResumeTask(ctx, task.ID); !errors.Is(err, ErrBadStatus) {
		t.Errorf("double resume: err = %v, want ErrBadStatus", err)
	}
}

func TestBreakRotationKeepsOnePerDepartment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Force an over-limit state: the whole dev team on break.
	agents, err := f.st.ListAgentsByDepartment(ctx, "dev")
	if err != nil {
		t.Fatal(err)
	}
	for _, a := range agents {
		if err := f.st.SetAgentStatus(ctx, a.ID, store.AgentBreak, nil); err != nil {
			t.Fatal(err)
		}
	}

	countBreaks := func(dept string) int {
		t.Helper()
		agents, err := f.st.ListAgentsByDepartment(ctx, dept)
		if err != nil {
			t.Fatal(err)
		}
		n := 0
		for _, a := range agents {
			if a.Status == store.AgentBreak {
				n++
			}
		}
		return n
	}

	f.orc.rotateBreaks(ctx)
	if n := countBreaks("dev"); n > 1 {
		t.Fatalf("dev has %d agents on break after rotation, want at most 1", n)
	}

	// The invariant holds across repeated coin-flip rotations.
	departments, err := f.st.ListDepartments(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 25; i++ {
		f.orc.rotateBreaks(ctx)
		for _, d := range departments {
			if n := countBreaks(d.ID); n > 1 {
				t.Fatalf("department %s has %d agents on break, want at most 1", d.ID, n)
			}
		}
	}
}

func TestShutdownCancelsRunningWork(t *testing.T) {
	f := newFixture(t)
	f.cli.hold = time.Minute
	ctx := context.Background()
	worker := f.member(t, "operations")
	task := plannedTask(t, f, "Rotate the alert credentials", "operations", t.TempDir())

	if err := f.orc.RunTask(ctx, task.ID, worker.ID, ""); err != nil {
		t.Fatal(err)
	}
	waitTaskStatus(t, f, task.ID, store.TaskInProgress)

	f.orc.Shutdown(ctx)

	proc := f.cli.proc(0)
	select {
	case <-proc.killed:
	default:
		t.Error("shutdown left the child running")
	}

	cancelled, err := f.st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cancelled.Status != store.TaskCancelled {
		t.Errorf("status = %s, want cancelled", cancelled.Status)
	}
	agent, err := f.st.GetAgent(ctx, worker.ID)
	if err != nil {
		t.Fatal(err)
	}
	if agent.Status != store.AgentIdle {
		t.Errorf("agent status = %s, want idle", agent.Status)
	}

	// The killed child's close event lands after shutdown and changes
	// nothing.
	time.Sleep(50 * time.Millisecond)
	cur, err := f.st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cur.Status != store.TaskCancelled {
		t.Errorf("post-shutdown close moved the task to %s", cur.Status)
	}
}
