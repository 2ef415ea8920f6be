package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/climpire/internal/delegate"
	"github.com/nextlevelbuilder/climpire/internal/runner/parse"
	"github.com/nextlevelbuilder/climpire/internal/store"
	"github.com/nextlevelbuilder/climpire/pkg/protocol"
)

// RunTask validates and kicks off execution of a task. agentID may be
// empty when the task already has an assignee; projectPath overrides
// the stored path.
func (o *Orchestrator) RunTask(ctx context.Context, taskID, agentID, projectPath string) error {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	o.mu.Lock()
	_, running := o.procs[taskID]
	o.mu.Unlock()
	if running || task.Status == store.TaskInProgress {
		return ErrAlreadyRunning
	}

	if agentID == "" {
		agentID = deref(task.AssignedAgentID)
	}
	if agentID == "" {
		return ErrNoAgent
	}
	agent, err := o.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if agent.Status == store.AgentWorking {
		return ErrAgentBusy
	}
	provider, _, _ := o.agentProvider(agent)
	if !knownProvider(provider) {
		return fmt.Errorf("%w: %s", ErrUnsupportedProvider, provider)
	}

	return o.startRun(ctx, taskID, agentID, projectPath)
}

// startRun is the run loop: resolve the project path, carve a worktree,
// compose the prompt, flip task and agent state, arm the progress
// reporter, and launch the provider.
func (o *Orchestrator) startRun(ctx context.Context, taskID, agentID, overridePath string) error {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	agent, err := o.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	provider, model, effort := o.agentProvider(agent)
	if !knownProvider(provider) {
		return fmt.Errorf("%w: %s", ErrUnsupportedProvider, provider)
	}
	lang := o.taskLanguage(ctx, task)

	projectPath := overridePath
	if projectPath == "" {
		projectPath = task.ProjectPath
	}
	if projectPath == "" {
		projectPath = delegate.DetectProjectPath(task.Description, o.roots)
	}
	if projectPath == "" {
		projectPath = o.defaultDir()
	}
	if projectPath != task.ProjectPath {
		if err := o.store.UpdateTask(ctx, taskID, map[string]any{"project_path": projectPath}); err != nil {
			return err
		}
	}

	runDir := projectPath
	info, err := o.trees.Create(projectPath, taskID, agent.Name)
	switch {
	case err != nil:
		o.taskLog(ctx, taskID, "worktree", "worktree create failed: "+err.Error())
	case info != nil:
		runDir = info.Path
		o.taskLog(ctx, taskID, "worktree", fmt.Sprintf("created %s on branch %s", info.Path, info.Branch))
		o.mu.Lock()
		o.worktrees[taskID] = info
		o.mu.Unlock()
	default:
		o.taskLog(ctx, taskID, "worktree", "not a git repository, running in place")
	}

	prompt := o.buildRunPrompt(ctx, task, agent, provider, lang)

	now := time.Now().UTC()
	if err := o.store.UpdateTask(ctx, taskID, map[string]any{
		"status":            store.TaskInProgress,
		"started_at":        now,
		"assigned_agent_id": agentID,
	}); err != nil {
		return err
	}
	if err := o.store.SetAgentStatus(ctx, agentID, store.AgentWorking, &taskID); err != nil {
		o.logger.Warn("agent status flip failed", "agent", agentID, "err", err)
	}
	o.broadcastTask(ctx, taskID)
	o.broadcastAgent(ctx, agentID)
	o.postAgentMessage(ctx, agentID, store.ReceiverCEO, "", kickoffLine(lang, task.Title), store.MsgStatusUpdate, &taskID)
	o.taskLog(ctx, taskID, "run", fmt.Sprintf("started %s run in %s", provider, runDir))

	o.startProgressReporter(taskID)

	_, span := o.tracer.Start(o.ctx, "task.run", trace.WithAttributes(
		attribute.String("task.id", taskID),
		attribute.String("provider", provider),
	))
	o.mu.Lock()
	o.spans[taskID] = span
	o.mu.Unlock()

	parser := parse.ForProvider(provider, parse.Hooks{
		StartSubtask: func(key, title, description string) {
			o.streamSubtaskStart(taskID, agentID, key, title, description)
		},
		EndSubtask: func(key string) { o.streamSubtaskEnd(taskID, key) },
		MapThreads: func(key string, threadIDs []string) { o.mapThreads(taskID, key, threadIDs) },
		EndThread:  func(threadID string) { o.endThread(threadID) },
	})

	// OnExit waits for the handle registration below, so a fast-exiting
	// child cannot race the bookkeeping.
	registered := make(chan struct{})
	proc, err := o.launcher.Launch(LaunchSpec{
		TaskID:          taskID,
		Provider:        provider,
		Model:           model,
		ReasoningEffort: effort,
		Dir:             runDir,
		Prompt:          prompt,
		OnLine: func(stream, line string) {
			if stream == protocol.StreamStdout {
				parser.Feed(line)
			}
		},
		OnExit: func(exitCode int) {
			<-registered
			o.completeRun(taskID, exitCode)
		},
	})
	if err != nil {
		close(registered)
		o.taskLog(ctx, taskID, "run", "RUN error: "+err.Error())
		o.completeRun(taskID, 1)
		return nil
	}

	o.mu.Lock()
	o.procs[taskID] = proc
	o.mu.Unlock()
	close(registered)
	o.logger.Info("run started", "task", taskID, "agent", agent.Name, "provider", provider, "pid", proc.PID())
	return nil
}

// startProgressReporter posts a periodic still-working note from the
// team leader while the task stays in_progress.
func (o *Orchestrator) startProgressReporter(taskID string) {
	ctx, cancel := context.WithCancel(o.ctx)
	o.mu.Lock()
	if prev := o.progress[taskID]; prev != nil {
		prev()
	}
	o.progress[taskID] = cancel
	o.mu.Unlock()

	go func() {
		t := time.NewTicker(o.pace.ProgressEvery)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				o.postProgressReport(taskID)
			}
		}
	}()
}

func (o *Orchestrator) postProgressReport(taskID string) {
	ctx := o.ctx
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil || task.Status != store.TaskInProgress {
		return
	}
	lang := o.taskLanguage(ctx, task)
	agentName := "the team"
	if task.AssignedAgentID != nil {
		if agent, err := o.store.GetAgent(ctx, *task.AssignedAgentID); err == nil {
			agentName = delegate.AgentDisplayName(agent, lang)
		}
	}
	leader := o.teamLeaderFor(ctx, task)
	if leader == nil {
		return
	}
	o.postAgentMessage(ctx, leader.ID, store.ReceiverCEO, "", progressLine(lang, agentName, task.Title), store.MsgReport, &taskID)
	o.taskLog(ctx, taskID, "progress", "progress continues")
}

// streamSubtaskStart records a unit of work the provider stream opened.
// A start marker replayed with an already-recorded key is ignored; the
// first row wins. Titles naming another department's craft park the
// subtask blocked for later delegation.
func (o *Orchestrator) streamSubtaskStart(taskID, agentID, key, title, description string) {
	ctx := o.ctx
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return
	}
	if key != "" {
		if _, err := o.store.GetSubtaskByToolUseID(ctx, taskID, key); err == nil {
			return
		}
	}
	lang := o.taskLanguage(ctx, task)

	sub := &store.Subtask{
		TaskID:          taskID,
		Title:           firstLine(title, 200),
		Description:     description,
		Status:          store.SubtaskInProgress,
		AssignedAgentID: &agentID,
		CliToolUseID:    key,
	}

	foreign := delegate.Exclude(delegate.DetectDepartments(title+" "+description), deref(task.DepartmentID))
	if len(foreign) > 0 {
		deptID := foreign[0]
		deptName := deptID
		if dept, err := o.store.GetDepartment(ctx, deptID); err == nil {
			deptName = delegate.DeptDisplayName(dept, lang)
		}
		sub.Status = store.SubtaskBlocked
		sub.BlockedReason = delegate.BlockedReason(lang, deptName)
		sub.TargetDepartmentID = ptr(deptID)
	}

	if err := o.store.CreateSubtask(ctx, sub); err != nil {
		o.logger.Warn("stream subtask create failed", "task", taskID, "err", err)
		return
	}
	o.broadcast(protocol.EventSubtaskUpdate, sub)
}

func (o *Orchestrator) streamSubtaskEnd(taskID, key string) {
	ctx := o.ctx
	sub, err := o.store.GetSubtaskByToolUseID(ctx, taskID, key)
	if err != nil {
		return
	}
	if sub.Status == store.SubtaskDone || sub.TargetDepartmentID != nil {
		return
	}
	if err := o.store.UpdateSubtask(ctx, sub.ID, map[string]any{"status": store.SubtaskDone}); err != nil {
		return
	}
	o.broadcastSubtask(ctx, sub.ID)
}

// mapThreads links codex receiver threads to the subtask spawned for
// the originating collab item.
func (o *Orchestrator) mapThreads(taskID, key string, threadIDs []string) {
	sub, err := o.store.GetSubtaskByToolUseID(o.ctx, taskID, key)
	if err != nil {
		return
	}
	o.mu.Lock()
	for _, tid := range threadIDs {
		o.threadSubtask[tid] = sub.ID
	}
	o.mu.Unlock()
}

func (o *Orchestrator) endThread(threadID string) {
	o.mu.Lock()
	subID, ok := o.threadSubtask[threadID]
	delete(o.threadSubtask, threadID)
	o.mu.Unlock()
	if !ok {
		return
	}
	ctx := o.ctx
	sub, err := o.store.GetSubtask(ctx, subID)
	if err != nil || sub.Status == store.SubtaskDone {
		return
	}
	if err := o.store.UpdateSubtask(ctx, subID, map[string]any{"status": store.SubtaskDone}); err != nil {
		return
	}
	o.broadcastSubtask(ctx, subID)
}

func (o *Orchestrator) logPath(taskID string) string {
	return filepath.Join(o.logsDir, taskID+".log")
}
