package orchestrator

import (
	"context"

	"github.com/nextlevelbuilder/climpire/internal/delegate"
	"github.com/nextlevelbuilder/climpire/internal/meeting"
	"github.com/nextlevelbuilder/climpire/internal/store"
	"github.com/nextlevelbuilder/climpire/pkg/protocol"
)

// runCrossQueue dispatches mentioned departments strictly one at a
// time: the next child task is created only after the previous one
// reaches a terminal state. onAllDone, when set, fires after the last
// element instead of a queue continuation.
func (o *Orchestrator) runCrossQueue(parent *store.Task, from *store.Agent, depts []string, directive string, onAllDone func()) {
	o.crossStep(parent, from, depts, directive, 0, onAllDone)
}

func (o *Orchestrator) crossStep(parent *store.Task, from *store.Agent, depts []string, directive string, i int, onAllDone func()) {
	if i >= len(depts) {
		if onAllDone != nil {
			onAllDone()
		}
		return
	}
	ctx := o.ctx
	next := func() { o.crossStep(parent, from, depts, directive, i+1, onAllDone) }

	deptID := depts[i]
	leader, err := o.store.GetTeamLeader(ctx, deptID)
	if err != nil {
		o.logger.Warn("cross queue skipped department without leader", "department", deptID)
		next()
		return
	}

	lang := o.language(ctx, directive)
	fromDeptName := deptID
	if fromDept, err := o.store.GetDepartment(ctx, deref(from.DepartmentID)); err == nil {
		fromDeptName = delegate.DeptDisplayName(fromDept, lang)
	}

	o.postAgentMessage(ctx, from.ID, store.ReceiverAgent, leader.ID,
		crossRequestLine(lang, fromDeptName, parent.Title), store.MsgChat, &parent.ID)
	o.broadcast(protocol.EventCrossDept, protocol.CrossDeptPayload{
		FromDepartmentID: deref(from.DepartmentID),
		ToDepartmentID:   deptID,
		TaskID:           parent.ID,
	})

	if !o.sleep(o.jitter(o.pace.DeliverMin, o.pace.DeliverMax)) {
		return
	}
	o.postAgentMessage(ctx, leader.ID, store.ReceiverAgent, from.ID, crossAckLine(lang), store.MsgChat, &parent.ID)

	assignee := o.pickAssignee(deptID, leader)
	child := &store.Task{
		Title:           "[Collaboration] " + parent.Title,
		Description:     "[Cross-dept from " + fromDeptName + "] " + directive,
		DepartmentID:    ptr(deptID),
		AssignedAgentID: &assignee.ID,
		Status:          store.TaskPlanned,
		Priority:        parent.Priority,
		ProjectPath:     parent.ProjectPath,
	}
	if err := o.store.CreateTask(ctx, child); err != nil {
		o.logger.Error("cross child create failed", "department", deptID, "err", err)
		next()
		return
	}
	o.taskLog(ctx, child.ID, "delegation", "cross-department work for task "+parent.ID)
	o.broadcast(protocol.EventTaskUpdate, child)

	o.mu.Lock()
	o.crossNext[child.ID] = next
	o.mu.Unlock()

	if err := o.startRun(ctx, child.ID, assignee.ID, ""); err != nil {
		o.mu.Lock()
		delete(o.crossNext, child.ID)
		o.mu.Unlock()
		o.taskLog(ctx, child.ID, "run", "RUN error: "+err.Error())
		o.after(o.pace.FailureAdvance, next)
	}
}

// pickAssignee returns the department's best available subordinate, or
// the leader when nobody else can take the work.
func (o *Orchestrator) pickAssignee(deptID string, leader *store.Agent) *store.Agent {
	agents, err := o.store.ListAgentsByDepartment(o.ctx, deptID)
	if err != nil {
		return leader
	}
	if pick := delegate.PickSubordinate(agents, leader.ID); pick != nil {
		return pick
	}
	return leader
}

// delegateSubtasks walks a finished task's foreign subtasks and
// dispatches each as a child task in its target department, strictly
// one at a time.
func (o *Orchestrator) delegateSubtasks(taskID string) {
	ctx := o.ctx
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return
	}
	subtasks, err := o.store.ListSubtasks(ctx, taskID)
	if err != nil {
		return
	}
	var queue []string
	for _, s := range subtasks {
		if s.TargetDepartmentID != nil && s.DelegatedTaskID == nil {
			queue = append(queue, s.ID)
		}
	}
	if len(queue) == 0 {
		return
	}
	o.subtaskStep(task, queue, 0)
}

func (o *Orchestrator) subtaskStep(parent *store.Task, queue []string, i int) {
	if i >= len(queue) {
		o.finishReview(parent.ID)
		return
	}
	ctx := o.ctx
	next := func() { o.subtaskStep(parent, queue, i+1) }

	sub, err := o.store.GetSubtask(ctx, queue[i])
	if err != nil || sub.TargetDepartmentID == nil || sub.DelegatedTaskID != nil {
		next()
		return
	}
	deptID := *sub.TargetDepartmentID
	leader, err := o.store.GetTeamLeader(ctx, deptID)
	if err != nil {
		o.logger.Warn("subtask delegation skipped department without leader", "department", deptID)
		next()
		return
	}

	lang := o.taskLanguage(ctx, parent)
	fromDeptName := deref(parent.DepartmentID)
	if dept, err := o.store.GetDepartment(ctx, fromDeptName); err == nil {
		fromDeptName = delegate.DeptDisplayName(dept, lang)
	}

	siblings, _ := o.store.ListSubtasks(ctx, parent.ID)
	assignee := o.pickAssignee(deptID, leader)
	child := &store.Task{
		Title:           "[Collaboration] " + sub.Title,
		Description:     buildDelegatedDescription(lang, fromDeptName, siblings, sub),
		DepartmentID:    ptr(deptID),
		AssignedAgentID: &assignee.ID,
		Status:          store.TaskPlanned,
		Priority:        parent.Priority,
		ProjectPath:     parent.ProjectPath,
	}
	if err := o.store.CreateTask(ctx, child); err != nil {
		o.logger.Error("subtask child create failed", "subtask", sub.ID, "err", err)
		next()
		return
	}
	o.taskLog(ctx, child.ID, "delegation", "delegated subtask "+sub.ID+" of task "+parent.ID)
	o.broadcast(protocol.EventTaskUpdate, child)
	o.broadcast(protocol.EventCrossDept, protocol.CrossDeptPayload{
		FromDepartmentID: deref(parent.DepartmentID),
		ToDepartmentID:   deptID,
		TaskID:           parent.ID,
	})

	if err := o.store.UpdateSubtask(ctx, sub.ID, map[string]any{
		"delegated_task_id": child.ID,
		"status":            store.SubtaskInProgress,
		"blocked_reason":    "",
	}); err != nil {
		o.logger.Warn("subtask link failed", "subtask", sub.ID, "err", err)
	}
	o.broadcastSubtask(ctx, sub.ID)

	o.mu.Lock()
	o.subtaskNext[child.ID] = next
	o.taskSubtask[child.ID] = sub.ID
	o.mu.Unlock()

	if !o.sleep(o.jitter(o.pace.DeliverMin, o.pace.DeliverMax)) {
		return
	}
	if err := o.startRun(ctx, child.ID, assignee.ID, ""); err != nil {
		o.mu.Lock()
		delete(o.subtaskNext, child.ID)
		delete(o.taskSubtask, child.ID)
		o.mu.Unlock()
		o.taskLog(ctx, child.ID, "run", "RUN error: "+err.Error())
		o.markDelegatedSubtask(ctx, sub.ID, false)
		o.after(o.pace.FailureAdvance, next)
	}
}

// markDelegatedSubtask flips a foreign subtask after its child task's
// run closed: done on success, blocked with a localized reason
// otherwise. When the last sibling lands and the parent sits in review,
// the review finalization is retried.
func (o *Orchestrator) markDelegatedSubtask(ctx context.Context, subtaskID string, success bool) {
	sub, err := o.store.GetSubtask(ctx, subtaskID)
	if err != nil {
		return
	}
	updates := map[string]any{"status": store.SubtaskDone}
	if !success {
		parent, perr := o.store.GetTask(ctx, sub.TaskID)
		lang := meeting.LangEN
		if perr == nil {
			lang = o.taskLanguage(ctx, parent)
		}
		deptName := deref(sub.TargetDepartmentID)
		if dept, derr := o.store.GetDepartment(ctx, deptName); derr == nil {
			deptName = delegate.DeptDisplayName(dept, lang)
		}
		updates["status"] = store.SubtaskBlocked
		updates["blocked_reason"] = delegate.BlockedFailureReason(lang, deptName)
	}
	if err := o.store.UpdateSubtask(ctx, subtaskID, updates); err != nil {
		o.logger.Warn("subtask flip failed", "subtask", subtaskID, "err", err)
		return
	}
	o.broadcastSubtask(ctx, subtaskID)

	if !success {
		return
	}
	parent, err := o.store.GetTask(ctx, sub.TaskID)
	if err != nil || parent.Status != store.TaskReview {
		return
	}
	siblings, err := o.store.ListSubtasks(ctx, parent.ID)
	if err != nil {
		return
	}
	for _, s := range siblings {
		if s.Status != store.SubtaskDone {
			return
		}
	}
	o.finishReview(parent.ID)
}
