package orchestrator

import (
	"context"

	"github.com/nextlevelbuilder/climpire/internal/delegate"
	"github.com/nextlevelbuilder/climpire/internal/meeting"
	"github.com/nextlevelbuilder/climpire/internal/store"
	"github.com/nextlevelbuilder/climpire/pkg/protocol"
)

const planningDept = "planning"

// runDelegation drives a team leader through directive intake:
// acknowledgment, task creation, department keyword scan, the planned
// approval meeting, then internal and cross-department dispatch.
func (o *Orchestrator) runDelegation(leader *store.Agent, directive string) {
	if !o.sleep(o.jitter(o.pace.AckMin, o.pace.AckMax)) {
		return
	}
	ctx := o.ctx
	lang := o.language(ctx, directive)
	title := firstLine(directive, 200)

	o.postAgentMessage(ctx, leader.ID, store.ReceiverCEO, "", ackLine(lang, title), store.MsgChat, nil)

	task := &store.Task{
		Title:        title,
		Description:  "[CEO] " + directive,
		DepartmentID: leader.DepartmentID,
		Status:       store.TaskPlanned,
		Priority:     1,
		ProjectPath:  delegate.DetectProjectPath(directive, o.roots),
	}
	if err := o.store.CreateTask(ctx, task); err != nil {
		o.logger.Error("delegation task create failed", "leader", leader.ID, "err", err)
		return
	}
	o.taskLog(ctx, task.ID, "delegation", "directive handed to "+leader.Name)
	o.broadcast(protocol.EventTaskUpdate, task)

	mentions := delegate.Exclude(delegate.DetectDepartments(directive), deref(leader.DepartmentID))
	isPlanning := deref(leader.DepartmentID) == planningDept

	switch {
	case isPlanning && len(mentions) > 0:
		// Planning runs the cross queue to completion before its own work.
		o.startPlannedMeeting(task, mentions, func() {
			o.runCrossQueue(task, leader, mentions, directive, func() {
				o.internalDelegation(task, leader)
			})
		})
	case len(mentions) > 0:
		// Other departments work in parallel with the cross queue.
		o.startPlannedMeeting(task, mentions, func() {
			o.internalDelegation(task, leader)
			o.after(o.jitter(o.pace.CrossKickMin, o.pace.CrossKickMax), func() {
				o.runCrossQueue(task, leader, mentions, directive, nil)
			})
		})
	default:
		o.startPlannedMeeting(task, nil, func() {
			o.internalDelegation(task, leader)
		})
	}
}

// startPlannedMeeting runs the approval meeting; the continuation fires
// once after the plan subtasks are seeded.
func (o *Orchestrator) startPlannedMeeting(task *store.Task, mentions []string, onApproved func()) {
	o.meetings.Start(o.ctx, meeting.Request{
		Task:        task,
		Type:        store.MeetingPlanned,
		ProjectPath: task.ProjectPath,
		OnApproved: func() {
			o.seedPlanSubtasks(task, mentions)
			onApproved()
		},
	})
}

// seedPlanSubtasks writes the approved plan's skeleton: finalize the
// plan, one deliverable per related department (parked blocked until
// the main run finishes), and a final consolidation step.
func (o *Orchestrator) seedPlanSubtasks(task *store.Task, mentions []string) {
	ctx := o.ctx
	lang := o.taskLanguage(ctx, task)

	owner := task.AssignedAgentID
	if owner == nil && task.DepartmentID != nil {
		if leader, err := o.store.GetTeamLeader(ctx, *task.DepartmentID); err == nil {
			owner = &leader.ID
		}
	}

	o.createSeedSubtask(ctx, &store.Subtask{
		TaskID:          task.ID,
		Title:           finalizePlanTitle(lang),
		Status:          store.SubtaskPending,
		AssignedAgentID: owner,
	})

	for _, deptID := range mentions {
		dept, err := o.store.GetDepartment(ctx, deptID)
		if err != nil {
			continue
		}
		deptName := delegate.DeptDisplayName(dept, lang)
		sub := &store.Subtask{
			TaskID:             task.ID,
			Title:              deliverableTitle(lang, deptName),
			Status:             store.SubtaskBlocked,
			BlockedReason:      delegate.BlockedReason(lang, deptName),
			TargetDepartmentID: ptr(deptID),
		}
		if leader, err := o.store.GetTeamLeader(ctx, deptID); err == nil {
			sub.AssignedAgentID = &leader.ID
		}
		o.createSeedSubtask(ctx, sub)
	}

	o.createSeedSubtask(ctx, &store.Subtask{
		TaskID:          task.ID,
		Title:           consolidateTitle(lang),
		Status:          store.SubtaskPending,
		AssignedAgentID: owner,
	})
}

func (o *Orchestrator) createSeedSubtask(ctx context.Context, sub *store.Subtask) {
	if err := o.store.CreateSubtask(ctx, sub); err != nil {
		o.logger.Warn("seed subtask failed", "task", sub.TaskID, "err", err)
		return
	}
	o.broadcast(protocol.EventSubtaskUpdate, sub)
}

// internalDelegation assigns the task inside the leader's own
// department and kicks off execution. With no available subordinate the
// leader self-assigns.
func (o *Orchestrator) internalDelegation(task *store.Task, leader *store.Agent) {
	ctx := o.ctx
	lang := o.taskLanguage(ctx, task)

	assignee := leader
	if deptID := deref(leader.DepartmentID); deptID != "" {
		agents, err := o.store.ListAgentsByDepartment(ctx, deptID)
		if err == nil {
			if pick := delegate.PickSubordinate(agents, leader.ID); pick != nil {
				assignee = pick
			}
		}
	}

	if err := o.store.UpdateTask(ctx, task.ID, map[string]any{"assigned_agent_id": assignee.ID}); err != nil {
		o.logger.Error("assign failed", "task", task.ID, "err", err)
		return
	}
	o.broadcastTask(ctx, task.ID)
	if assignee.ID != leader.ID {
		o.postAgentMessage(ctx, leader.ID, store.ReceiverAgent, assignee.ID,
			assignLine(lang, delegate.AgentDisplayName(assignee, lang), task.Title), store.MsgTaskAssign, &task.ID)
	}

	if !o.sleep(o.jitter(o.pace.AckMin, o.pace.AckMax)) {
		return
	}
	if assignee.ID != leader.ID {
		o.postAgentMessage(ctx, assignee.ID, store.ReceiverAgent, leader.ID, subAckLine(lang), store.MsgChat, &task.ID)
	}

	if err := o.startRun(ctx, task.ID, assignee.ID, ""); err != nil {
		o.taskLog(ctx, task.ID, "run", "RUN error: "+err.Error())
		o.logger.Error("delegated run failed to start", "task", task.ID, "err", err)
	}
}

// AssignTask is the manual kanban assignment: moves an inbox task to
// planned under the given agent and posts the task_assign message.
func (o *Orchestrator) AssignTask(ctx context.Context, taskID, agentID string) (*store.Task, error) {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	agent, err := o.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}

	updates := map[string]any{"assigned_agent_id": agent.ID}
	if agent.DepartmentID != nil {
		updates["department_id"] = *agent.DepartmentID
	}
	if task.Status == store.TaskInbox {
		updates["status"] = store.TaskPlanned
	}
	if err := o.store.UpdateTask(ctx, taskID, updates); err != nil {
		return nil, err
	}

	lang := o.taskLanguage(ctx, task)
	m := &store.Message{
		SenderType:   store.SenderCEO,
		SenderID:     "ceo",
		ReceiverType: store.ReceiverAgent,
		ReceiverID:   agent.ID,
		Content:      assignLine(lang, delegate.AgentDisplayName(agent, lang), task.Title),
		MessageType:  store.MsgTaskAssign,
		TaskID:       &task.ID,
	}
	if err := o.store.CreateMessage(ctx, m); err == nil {
		o.broadcast(protocol.EventNewMessage, m)
	}

	o.broadcastTask(ctx, taskID)
	return o.store.GetTask(ctx, taskID)
}
