package orchestrator

import (
	"context"
	"io"
	"os"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/climpire/internal/meeting"
	"github.com/nextlevelbuilder/climpire/internal/pretty"
	"github.com/nextlevelbuilder/climpire/internal/store"
)

const resultTailBytes = 2000

// completeRun is the single close handler for every task execution,
// CLI or HTTP. Late events for stopped or already-transitioned tasks
// are ignored here; this is the only place that decides success.
func (o *Orchestrator) completeRun(taskID string, exitCode int) {
	ctx := o.ctx

	o.mu.Lock()
	delete(o.procs, taskID)
	if stop := o.progress[taskID]; stop != nil {
		stop()
		delete(o.progress, taskID)
	}
	stopRequested := o.stopRequested[taskID]
	delete(o.stopRequested, taskID)
	span := o.spans[taskID]
	delete(o.spans, taskID)
	o.mu.Unlock()
	o.dropThreadsFor(ctx, taskID)
	if span != nil {
		span.SetAttributes(attribute.Int("exit_code", exitCode))
		span.End()
	}

	task, err := o.store.GetTask(ctx, taskID)
	if err != nil || stopRequested || task.Status != store.TaskInProgress {
		o.logger.Info("completion ignored", "task", taskID, "exit", exitCode)
		if err == nil {
			o.taskLog(ctx, taskID, "run", "completion ignored")
		}
		o.mu.Lock()
		delete(o.crossNext, taskID)
		delete(o.subtaskNext, taskID)
		delete(o.taskSubtask, taskID)
		o.mu.Unlock()
		return
	}

	result := tailFile(o.logPath(taskID), resultTailBytes)
	if err := o.store.UpdateTask(ctx, taskID, map[string]any{"result": result}); err != nil {
		o.logger.Warn("result write failed", "task", taskID, "err", err)
	}

	success := exitCode == 0
	o.taskLog(ctx, taskID, "run", "process closed with exit "+strconv.Itoa(exitCode))

	if success {
		o.autoCompleteLocalSubtasks(ctx, taskID)
	}

	if task.AssignedAgentID != nil {
		agentID := *task.AssignedAgentID
		if err := o.store.SetAgentStatus(ctx, agentID, store.AgentIdle, nil); err != nil {
			o.logger.Warn("agent release failed", "agent", agentID, "err", err)
		}
		if success {
			if err := o.store.AddAgentStats(ctx, agentID, 1, 10); err != nil {
				o.logger.Warn("agent stats update failed", "agent", agentID, "err", err)
			}
		}
		o.broadcastAgent(ctx, agentID)
	}

	// A delegated child resolves its originating subtask on close.
	o.mu.Lock()
	subID, delegated := o.taskSubtask[taskID]
	if delegated {
		delete(o.taskSubtask, taskID)
	}
	o.mu.Unlock()
	if delegated {
		o.markDelegatedSubtask(ctx, subID, success)
	}

	if !success {
		o.failRun(ctx, task)
		return
	}

	if err := o.store.UpdateTask(ctx, taskID, map[string]any{"status": store.TaskReview}); err != nil {
		o.logger.Warn("review transition failed", "task", taskID, "err", err)
		return
	}
	o.broadcastTask(ctx, taskID)
	o.taskLog(ctx, taskID, "review", "run succeeded, awaiting review")

	go o.delegateSubtasks(taskID)
	o.after(o.pace.ReviewStep, func() { o.postReviewReport(taskID) })
	o.after(2*o.pace.ReviewStep, func() { o.finishReview(taskID) })
}

// autoCompleteLocalSubtasks closes every subtask the run owned itself;
// foreign ones stay parked for delegation.
func (o *Orchestrator) autoCompleteLocalSubtasks(ctx context.Context, taskID string) {
	subtasks, err := o.store.ListSubtasks(ctx, taskID)
	if err != nil {
		return
	}
	for _, s := range subtasks {
		if s.TargetDepartmentID != nil || s.Status == store.SubtaskDone {
			continue
		}
		if err := o.store.UpdateSubtask(ctx, s.ID, map[string]any{"status": store.SubtaskDone}); err != nil {
			continue
		}
		o.broadcastSubtask(ctx, s.ID)
	}
}

// postReviewReport is the team leader's summary to the CEO: the pretty
// tail of the run log plus the worktree diff stat.
func (o *Orchestrator) postReviewReport(taskID string) {
	ctx := o.ctx
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil || task.Status != store.TaskReview {
		return
	}
	leader := o.teamLeaderFor(ctx, task)
	if leader == nil {
		return
	}
	lang := o.taskLanguage(ctx, task)

	tail := lastRunes(pretty.Render(tailFile(o.logPath(taskID), resultTailBytes)), 600)
	diffStat := ""
	o.mu.Lock()
	info := o.worktrees[taskID]
	o.mu.Unlock()
	if info != nil {
		diffStat = o.trees.DiffSummary(info)
	}
	o.postAgentMessage(ctx, leader.ID, store.ReceiverCEO, "", reviewReportLine(lang, task.Title, tail, diffStat), store.MsgReport, &taskID)
}

// finishReview starts the review-consensus meeting once every subtask
// is finished. Incomplete subtasks leave the task waiting in review
// with a posted notice.
func (o *Orchestrator) finishReview(taskID string) {
	ctx := o.ctx
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil || task.Status != store.TaskReview {
		return
	}

	subtasks, err := o.store.ListSubtasks(ctx, taskID)
	if err != nil {
		return
	}
	for _, s := range subtasks {
		if s.Status != store.SubtaskDone {
			lang := o.taskLanguage(ctx, task)
			if leader := o.teamLeaderFor(ctx, task); leader != nil {
				o.postAgentMessage(ctx, leader.ID, store.ReceiverCEO, "", reviewWaitLine(lang), store.MsgStatusUpdate, &taskID)
			}
			o.taskLog(ctx, taskID, "review", "waiting on subtask "+s.ID)
			return
		}
	}

	o.meetings.Start(ctx, meeting.Request{
		Task:        task,
		Type:        store.MeetingReview,
		ProjectPath: task.ProjectPath,
		OnApproved:  func() { o.concludeTask(taskID) },
		OnRevision:  func(round int) { o.toggleRework(taskID) },
	})
}

// toggleRework visibly represents requested rework: the task dips back
// to in_progress and returns to review shortly after.
func (o *Orchestrator) toggleRework(taskID string) {
	ctx := o.ctx
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil || task.Status != store.TaskReview {
		return
	}
	if err := o.store.UpdateTask(ctx, taskID, map[string]any{"status": store.TaskInProgress}); err != nil {
		return
	}
	o.broadcastTask(ctx, taskID)
	o.after(o.pace.RevisionFlip, func() {
		cur, err := o.store.GetTask(ctx, taskID)
		if err != nil || cur.Status != store.TaskInProgress {
			return
		}
		if err := o.store.UpdateTask(ctx, taskID, map[string]any{"status": store.TaskReview}); err != nil {
			return
		}
		o.broadcastTask(ctx, taskID)
	})
}

// concludeTask lands an approved task: merge the worktree when one
// exists, mark done, fire queued continuations, refresh usage.
func (o *Orchestrator) concludeTask(taskID string) {
	ctx := o.ctx
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return
	}
	lang := o.taskLanguage(ctx, task)

	o.mu.Lock()
	info := o.worktrees[taskID]
	o.mu.Unlock()
	if info != nil {
		_, span := o.tracer.Start(o.ctx, "task.merge", trace.WithAttributes(attribute.String("task.id", taskID)))
		res := o.trees.Merge(info)
		span.SetAttributes(attribute.Bool("merged", res.Success))
		span.End()

		if !res.Success && len(res.Conflicts) > 0 {
			o.taskLog(ctx, taskID, "merge", "conflicts: "+res.Message)
			if leader := o.teamLeaderFor(ctx, task); leader != nil {
				o.postAgentMessage(ctx, leader.ID, store.ReceiverCEO, "",
					conflictLine(lang, info.Branch, res.Conflicts), store.MsgReport, &taskID)
			}
			// Task stays in review; the worktree remains for manual merge.
			return
		}
		o.taskLog(ctx, taskID, "merge", res.Message)
		if err := o.trees.Cleanup(info); err != nil {
			o.logger.Warn("worktree cleanup failed", "task", taskID, "err", err)
		}
		o.mu.Lock()
		delete(o.worktrees, taskID)
		o.mu.Unlock()
	}

	if err := o.store.UpdateTask(ctx, taskID, map[string]any{
		"status":       store.TaskDone,
		"completed_at": time.Now().UTC(),
	}); err != nil {
		o.logger.Warn("done transition failed", "task", taskID, "err", err)
		return
	}
	o.broadcastTask(ctx, taskID)
	o.taskLog(ctx, taskID, "done", "task completed")
	if leader := o.teamLeaderFor(ctx, task); leader != nil {
		o.postAgentMessage(ctx, leader.ID, store.ReceiverCEO, "", doneLine(lang, task.Title), store.MsgReport, &taskID)
	}

	o.fireContinuations(taskID, 0)

	if o.usage != nil {
		go func() { _, _ = o.usage.RefreshAll(o.ctx) }()
	}
}

// failRun lands a failed run: back to inbox, worktree abandoned, leader
// failure report, queued continuations still fire so queues advance.
func (o *Orchestrator) failRun(ctx context.Context, task *store.Task) {
	taskID := task.ID
	lang := o.taskLanguage(ctx, task)

	if err := o.store.UpdateTask(ctx, taskID, map[string]any{"status": store.TaskInbox}); err != nil {
		o.logger.Warn("inbox transition failed", "task", taskID, "err", err)
	}
	o.broadcastTask(ctx, taskID)

	o.mu.Lock()
	info := o.worktrees[taskID]
	delete(o.worktrees, taskID)
	o.mu.Unlock()
	if info != nil {
		summary := o.trees.Rollback(info, "run_failed")
		o.taskLog(ctx, taskID, "worktree", "rolled back (run_failed): "+summary)
	}

	tail := lastRunes(pretty.Render(tailFile(o.logPath(taskID), resultTailBytes)), 300)
	if leader := o.teamLeaderFor(ctx, task); leader != nil {
		o.postAgentMessage(ctx, leader.ID, store.ReceiverCEO, "", failureLine(lang, task.Title, tail), store.MsgReport, &taskID)
	}
	o.taskLog(ctx, taskID, "run", "run failed, returned to inbox")

	o.fireContinuations(taskID, o.pace.FailureAdvance)
}

// fireContinuations pops and runs a task's queued cross-dept and
// subtask continuations. Removal from the map always precedes
// invocation so a re-entrant completion cannot double-fire.
func (o *Orchestrator) fireContinuations(taskID string, delay time.Duration) {
	o.mu.Lock()
	next := o.crossNext[taskID]
	delete(o.crossNext, taskID)
	snext := o.subtaskNext[taskID]
	delete(o.subtaskNext, taskID)
	o.mu.Unlock()
	if next == nil && snext == nil {
		return
	}
	run := func() {
		if next != nil {
			next()
		}
		if snext != nil {
			snext()
		}
	}
	if delay <= 0 {
		go run()
		return
	}
	o.after(delay, run)
}

// dropThreadsFor clears codex thread mappings owned by a closing task.
func (o *Orchestrator) dropThreadsFor(ctx context.Context, taskID string) {
	o.mu.Lock()
	var ids []string
	for tid := range o.threadSubtask {
		ids = append(ids, tid)
	}
	o.mu.Unlock()
	if len(ids) == 0 {
		return
	}
	for _, tid := range ids {
		o.mu.Lock()
		subID, ok := o.threadSubtask[tid]
		o.mu.Unlock()
		if !ok {
			continue
		}
		sub, err := o.store.GetSubtask(ctx, subID)
		if err != nil || sub.TaskID == taskID {
			o.mu.Lock()
			delete(o.threadSubtask, tid)
			o.mu.Unlock()
		}
	}
}

// tailFile returns the last n bytes of a file, or "" on any error.
func tailFile(path string, n int64) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return ""
	}
	if st.Size() > n {
		if _, err := f.Seek(-n, io.SeekEnd); err != nil {
			return ""
		}
	}
	b, err := io.ReadAll(f)
	if err != nil {
		return ""
	}
	return string(b)
}

