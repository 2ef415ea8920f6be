package orchestrator

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/adhocore/gronx"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/climpire/internal/store"
	"github.com/nextlevelbuilder/climpire/internal/worktree"
)

// Stop modes.
const (
	StopPause  = "pause"
	StopCancel = "cancel"
)

const breakSchedule = "* * * * *"

// StopTask kills a running task's execution and rolls its state back.
// Returns the killed handle's pid.
func (o *Orchestrator) StopTask(ctx context.Context, taskID, mode string) (int, error) {
	var target, reason string
	switch mode {
	case StopPause:
		target, reason = store.TaskPending, "stop_paused"
	case StopCancel:
		target, reason = store.TaskCancelled, "stop_cancelled"
	default:
		return 0, fmt.Errorf("%w: mode %q", ErrBadStatus, mode)
	}

	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return 0, err
	}

	o.mu.Lock()
	proc := o.procs[taskID]
	delete(o.procs, taskID)
	if proc != nil {
		o.stopRequested[taskID] = true
	}
	if stop := o.progress[taskID]; stop != nil {
		stop()
		delete(o.progress, taskID)
	}
	info := o.worktrees[taskID]
	delete(o.worktrees, taskID)
	o.mu.Unlock()

	if proc == nil && task.Status != store.TaskInProgress {
		return 0, ErrNotRunning
	}

	pid := 0
	if proc != nil {
		pid = proc.PID()
		proc.Kill()
	}
	if info != nil {
		summary := o.trees.Rollback(info, reason)
		o.taskLog(ctx, taskID, "worktree", "rolled back ("+reason+"): "+summary)
	}

	if err := o.store.UpdateTask(ctx, taskID, map[string]any{"status": target}); err != nil {
		return pid, err
	}
	if task.AssignedAgentID != nil {
		if err := o.store.SetAgentStatus(ctx, *task.AssignedAgentID, store.AgentIdle, nil); err != nil {
			o.logger.Warn("agent release failed", "agent", *task.AssignedAgentID, "err", err)
		}
		o.broadcastAgent(ctx, *task.AssignedAgentID)
	}
	o.broadcastTask(ctx, taskID)
	o.taskLog(ctx, taskID, "stop", "stopped with mode "+mode)
	o.logger.Info("task stopped", "task", taskID, "mode", mode, "pid", pid)
	return pid, nil
}

// ResumeTask lifts a paused or cancelled task back onto the board.
func (o *Orchestrator) ResumeTask(ctx context.Context, taskID string) (*store.Task, error) {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != store.TaskPending && task.Status != store.TaskCancelled {
		return nil, fmt.Errorf("%w: resume from %s", ErrBadStatus, task.Status)
	}
	target := store.TaskInbox
	if task.AssignedAgentID != nil {
		target = store.TaskPlanned
	}
	if err := o.store.UpdateTask(ctx, taskID, map[string]any{"status": target}); err != nil {
		return nil, err
	}
	o.broadcastTask(ctx, taskID)
	o.taskLog(ctx, taskID, "resume", "resumed to "+target)
	return o.store.GetTask(ctx, taskID)
}

// ReleaseTask tears down everything a task holds before deletion: the
// running execution, timers, worktree, the agent, and the log file.
func (o *Orchestrator) ReleaseTask(ctx context.Context, taskID string) {
	o.mu.Lock()
	proc := o.procs[taskID]
	delete(o.procs, taskID)
	if proc != nil {
		o.stopRequested[taskID] = true
	}
	if stop := o.progress[taskID]; stop != nil {
		stop()
		delete(o.progress, taskID)
	}
	info := o.worktrees[taskID]
	delete(o.worktrees, taskID)
	delete(o.crossNext, taskID)
	delete(o.subtaskNext, taskID)
	delete(o.taskSubtask, taskID)
	o.mu.Unlock()

	if proc != nil {
		proc.Kill()
	}
	if info != nil {
		o.trees.Rollback(info, "task_deleted")
	}

	task, err := o.store.GetTask(ctx, taskID)
	if err == nil && task.AssignedAgentID != nil {
		if agent, err := o.store.GetAgent(ctx, *task.AssignedAgentID); err == nil && deref(agent.CurrentTaskID) == taskID {
			_ = o.store.SetAgentStatus(ctx, agent.ID, store.AgentIdle, nil)
			o.broadcastAgent(ctx, agent.ID)
		}
	}
	_ = os.Remove(o.logPath(taskID))
}

// WorktreeInfo exposes a task's live worktree, if any.
func (o *Orchestrator) WorktreeInfo(taskID string) *worktree.Info {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.worktrees[taskID]
}

// MergeTask merges a task's worktree branch into the base branch.
// Successful merges clean the worktree up; conflicts leave it in place.
func (o *Orchestrator) MergeTask(ctx context.Context, taskID string) (worktree.MergeResult, error) {
	if _, err := o.store.GetTask(ctx, taskID); err != nil {
		return worktree.MergeResult{}, err
	}
	info := o.WorktreeInfo(taskID)
	if info == nil {
		return worktree.MergeResult{}, ErrNoWorktree
	}
	res := o.trees.Merge(info)
	o.taskLog(ctx, taskID, "merge", res.Message)
	if res.Success {
		if err := o.trees.Cleanup(info); err != nil {
			o.logger.Warn("worktree cleanup failed", "task", taskID, "err", err)
		}
		o.mu.Lock()
		delete(o.worktrees, taskID)
		o.mu.Unlock()
	}
	return res, nil
}

// DiscardTask abandons a task's worktree changes.
func (o *Orchestrator) DiscardTask(ctx context.Context, taskID string) (string, error) {
	if _, err := o.store.GetTask(ctx, taskID); err != nil {
		return "", err
	}
	info := o.WorktreeInfo(taskID)
	if info == nil {
		return "", ErrNoWorktree
	}
	summary := o.trees.Rollback(info, "manual_discard")
	o.mu.Lock()
	delete(o.worktrees, taskID)
	o.mu.Unlock()
	o.taskLog(ctx, taskID, "worktree", "discarded: "+summary)
	return summary, nil
}

// TaskDiff returns the worktree diff patch and stat summary.
func (o *Orchestrator) TaskDiff(ctx context.Context, taskID string) (patch, stat string, err error) {
	if _, err := o.store.GetTask(ctx, taskID); err != nil {
		return "", "", err
	}
	info := o.WorktreeInfo(taskID)
	if info == nil {
		return "", "", ErrNoWorktree
	}
	patch, err = o.trees.DiffPatch(info)
	if err != nil {
		return "", "", err
	}
	return patch, o.trees.DiffSummary(info), nil
}

// Run drives the periodic background loops until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	first := time.NewTimer(o.pace.BreakFirst)
	defer first.Stop()
	tick := time.NewTicker(o.pace.BreakEvery)
	defer tick.Stop()
	gron := gronx.New()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.ctx.Done():
			return
		case <-first.C:
			o.rotateBreaks(ctx)
		case <-tick.C:
			if due, _ := gron.IsDue(breakSchedule, time.Now()); due {
				o.rotateBreaks(ctx)
			}
		}
	}
}

// rotateBreaks keeps at most one agent per department on break, with
// coin-flip transitions so the office looks alive. Agents summoned to a
// meeting are left alone.
func (o *Orchestrator) rotateBreaks(ctx context.Context) {
	departments, err := o.store.ListDepartments(ctx)
	if err != nil {
		return
	}
	for _, dept := range departments {
		agents, err := o.store.ListAgentsByDepartment(ctx, dept.ID)
		if err != nil {
			continue
		}
		var onBreak, idle []store.Agent
		for _, a := range agents {
			switch a.Status {
			case store.AgentBreak:
				onBreak = append(onBreak, a)
			case store.AgentIdle:
				if !o.meetings.InMeeting(a.ID) {
					idle = append(idle, a)
				}
			}
		}

		for _, extra := range onBreak[min(1, len(onBreak)):] {
			o.setBreakStatus(ctx, extra.ID, store.AgentIdle)
		}
		switch {
		case len(onBreak) >= 1:
			if rand.Float64() < 0.4 {
				o.setBreakStatus(ctx, onBreak[0].ID, store.AgentIdle)
			}
		case len(idle) > 0:
			if rand.Float64() < 0.5 {
				pick := idle[rand.Intn(len(idle))]
				o.setBreakStatus(ctx, pick.ID, store.AgentBreak)
			}
		}
	}
}

func (o *Orchestrator) setBreakStatus(ctx context.Context, agentID, status string) {
	if err := o.store.SetAgentStatus(ctx, agentID, status, nil); err != nil {
		return
	}
	o.broadcastAgent(ctx, agentID)
}

// Shutdown kills every execution, rolls back in-flight worktrees, and
// cancels still-running tasks. Background flows observe the cancelled
// context and stop on their next suspension point.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.cancel()

	o.mu.Lock()
	procs := make(map[string]Proc, len(o.procs))
	for id, p := range o.procs {
		procs[id] = p
		o.stopRequested[id] = true
	}
	o.procs = make(map[string]Proc)
	trees := make(map[string]*worktree.Info, len(o.worktrees))
	for id, info := range o.worktrees {
		trees[id] = info
	}
	o.worktrees = make(map[string]*worktree.Info)
	for id, stop := range o.progress {
		stop()
		delete(o.progress, id)
	}
	o.mu.Unlock()

	for id, p := range procs {
		o.logger.Info("killing run at shutdown", "task", id, "pid", p.PID())
		p.Kill()
	}

	g, gctx := errgroup.WithContext(ctx)
	for id, info := range trees {
		g.Go(func() error {
			summary := o.trees.Rollback(info, "server_shutdown")
			o.taskLog(gctx, id, "worktree", "rolled back (server_shutdown): "+summary)
			return nil
		})
	}
	_ = g.Wait()

	running, err := o.store.ListTasks(ctx, store.TaskFilter{Status: store.TaskInProgress})
	if err != nil {
		o.logger.Warn("shutdown task sweep failed", "err", err)
		return
	}
	for _, t := range running {
		if err := o.store.UpdateTask(ctx, t.ID, map[string]any{"status": store.TaskCancelled}); err != nil {
			o.logger.Warn("shutdown cancel failed", "task", t.ID, "err", err)
			continue
		}
		if t.AssignedAgentID != nil {
			_ = o.store.SetAgentStatus(ctx, *t.AssignedAgentID, store.AgentIdle, nil)
		}
	}
	o.logger.Info("orchestrator stopped", "killed", len(procs), "rolled_back", len(trees), "cancelled", len(running))
}
