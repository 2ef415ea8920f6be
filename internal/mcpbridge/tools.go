package mcpbridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/nextlevelbuilder/climpire/internal/bus"
	"github.com/nextlevelbuilder/climpire/internal/store"
	"github.com/nextlevelbuilder/climpire/pkg/protocol"
)

func (br *Bridge) register(s *server.MCPServer) {
	br.registerListTasks(s)
	br.registerGetTask(s)
	br.registerListSubtasks(s)
	br.registerCompleteSubtask(s)
	br.registerReportProgress(s)
}

func (br *Bridge) registerListTasks(s *server.MCPServer) {
	s.AddTool(
		mcp.NewTool("list_tasks",
			mcp.WithDescription("List tasks on the orchestration server, newest first. Filter by status or assigned agent to narrow the view."),
			mcp.WithString("status", mcp.Description("Task status filter: inbox, planned, in_progress, review, done, cancelled, pending")),
			mcp.WithString("agent_id", mcp.Description("Only tasks assigned to this agent id")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			status, _ := args["status"].(string)
			agentID, _ := args["agent_id"].(string)
			tasks, err := br.store.ListTasks(ctx, store.TaskFilter{Status: status, AgentID: agentID})
			if err != nil {
				return nil, err
			}
			br.logger.Debug("mcp list_tasks", "count", len(tasks))
			return jsonResult(tasks)
		},
	)
}

func (br *Bridge) registerGetTask(s *server.MCPServer) {
	s.AddTool(
		mcp.NewTool("get_task",
			mcp.WithDescription("Get one task with title, description, status, assignment, and project path."),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("Task id")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			taskID, err := requireString(req.GetArguments(), "task_id")
			if err != nil {
				return nil, err
			}
			task, err := br.store.GetTask(ctx, taskID)
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("task %s not found", taskID)
			}
			if err != nil {
				return nil, err
			}
			return jsonResult(task)
		},
	)
}

func (br *Bridge) registerListSubtasks(s *server.MCPServer) {
	s.AddTool(
		mcp.NewTool("list_subtasks",
			mcp.WithDescription("List the subtasks of a task in plan order. Subtasks with a target_department_id are handled by another department's delegated task."),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("Parent task id")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			taskID, err := requireString(req.GetArguments(), "task_id")
			if err != nil {
				return nil, err
			}
			subtasks, err := br.store.ListSubtasks(ctx, taskID)
			if err != nil {
				return nil, err
			}
			return jsonResult(subtasks)
		},
	)
}

func (br *Bridge) registerCompleteSubtask(s *server.MCPServer) {
	s.AddTool(
		mcp.NewTool("complete_subtask",
			mcp.WithDescription("Mark one of your subtasks done. Subtasks parked for another department cannot be completed here; their delegated task closes them."),
			mcp.WithString("subtask_id", mcp.Required(), mcp.Description("Subtask id")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			subtaskID, err := requireString(req.GetArguments(), "subtask_id")
			if err != nil {
				return nil, err
			}
			sub, err := br.store.GetSubtask(ctx, subtaskID)
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("subtask %s not found", subtaskID)
			}
			if err != nil {
				return nil, err
			}
			if sub.TargetDepartmentID != nil {
				return nil, fmt.Errorf("subtask %q belongs to another department and is closed by its delegated task", sub.Title)
			}
			if sub.Status == store.SubtaskDone {
				return mcp.NewToolResultText(fmt.Sprintf("subtask %q is already done", sub.Title)), nil
			}
			if err := br.store.UpdateSubtask(ctx, sub.ID, map[string]any{"status": store.SubtaskDone}); err != nil {
				return nil, err
			}
			br.broadcastSubtask(ctx, sub.ID)
			br.logger.Info("mcp subtask completed", "task", sub.TaskID, "subtask", sub.ID)
			return mcp.NewToolResultText(fmt.Sprintf("subtask %q marked done", sub.Title)), nil
		},
	)
}

func (br *Bridge) registerReportProgress(s *server.MCPServer) {
	s.AddTool(
		mcp.NewTool("report_progress",
			mcp.WithDescription("Leave a progress note in the task log. The note shows up in the dashboard terminal view, so keep it to one or two concrete sentences about what you just did."),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("Task id you are working on")),
			mcp.WithString("note", mcp.Required(), mcp.Description("What you finished and what you are doing next")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			taskID, err := requireString(args, "task_id")
			if err != nil {
				return nil, err
			}
			note, err := requireString(args, "note")
			if err != nil {
				return nil, err
			}
			task, err := br.store.GetTask(ctx, taskID)
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("task %s not found", taskID)
			}
			if err != nil {
				return nil, err
			}
			if err := br.store.AppendTaskLog(ctx, task.ID, "progress", note); err != nil {
				return nil, err
			}
			if br.bus != nil {
				br.bus.Broadcast(bus.Event{Type: protocol.EventCliOutput, Payload: protocol.CliOutputPayload{
					TaskID: task.ID,
					Stream: protocol.StreamStdout,
					Data:   note,
				}})
			}
			br.logger.Info("mcp progress reported", "task", task.ID)
			return mcp.NewToolResultText("progress recorded"), nil
		},
	)
}
