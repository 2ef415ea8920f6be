// Package orchestrator owns the task lifecycle: directive intake,
// delegation, worktree-isolated execution, completion handling, and the
// continuation queues that keep cross-department work strictly
// sequential. All long-lived activity (child processes, HTTP streams,
// meeting rounds) runs concurrently and reports back through callbacks
// keyed by task id.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/climpire/internal/bus"
	"github.com/nextlevelbuilder/climpire/internal/meeting"
	"github.com/nextlevelbuilder/climpire/internal/store"
	"github.com/nextlevelbuilder/climpire/internal/usage"
	"github.com/nextlevelbuilder/climpire/internal/worktree"
	"github.com/nextlevelbuilder/climpire/pkg/protocol"
)

// Operation errors surfaced to the HTTP layer.
var (
	ErrAlreadyRunning      = errors.New("orchestrator: task already running")
	ErrAgentBusy           = errors.New("orchestrator: agent busy")
	ErrUnsupportedProvider = errors.New("orchestrator: unsupported provider")
	ErrNoAgent             = errors.New("orchestrator: no agent assigned")
	ErrNotRunning          = errors.New("orchestrator: task not running")
	ErrBadStatus           = errors.New("orchestrator: invalid status for operation")
	ErrNoWorktree          = errors.New("orchestrator: task has no worktree")
)

// Meetings is the slice of the meeting engine the orchestrator drives.
// Satisfied by *meeting.Engine.
type Meetings interface {
	Start(ctx context.Context, req meeting.Request)
	InMeeting(agentID string) bool
}

// UsageRefresher re-probes provider quota APIs after a task concludes.
// Satisfied by *usage.Service.
type UsageRefresher interface {
	RefreshAll(ctx context.Context) (map[string]usage.CachedSnapshot, error)
}

// Pacing holds every delay the orchestrator sleeps on. Zero values take
// the production defaults; tests shrink them to keep scenarios fast.
type Pacing struct {
	ReplyMin, ReplyMax       time.Duration // direct chat reply jitter
	AckMin, AckMax           time.Duration // leader/subordinate acknowledgment jitter
	AnnounceMin, AnnounceMax time.Duration // per-leader announcement ack stagger
	MentionMin, MentionMax   time.Duration // announcement mention delegation delay
	CrossKickMin, CrossKickMax time.Duration // cross queue start delay (non-planning path)
	DeliverMin, DeliverMax   time.Duration // cross-department delivery pause
	ReviewStep               time.Duration // review report and finalization gap
	RevisionFlip             time.Duration // review -> in_progress -> review toggle
	FailureAdvance           time.Duration // queue advance after a failed child
	ProgressEvery            time.Duration // periodic progress report interval
	BreakEvery               time.Duration // break rotation interval
	BreakFirst               time.Duration // first break rotation tick
}

func (p *Pacing) normalize() {
	def := func(d *time.Duration, v time.Duration) {
		if *d == 0 {
			*d = v
		}
	}
	def(&p.ReplyMin, time.Second)
	def(&p.ReplyMax, 3*time.Second)
	def(&p.AckMin, time.Second)
	def(&p.AckMax, 2*time.Second)
	def(&p.AnnounceMin, 1500*time.Millisecond)
	def(&p.AnnounceMax, 3*time.Second)
	def(&p.MentionMin, 5*time.Second)
	def(&p.MentionMax, 7*time.Second)
	def(&p.CrossKickMin, 3*time.Second)
	def(&p.CrossKickMax, 4*time.Second)
	def(&p.DeliverMin, 1500*time.Millisecond)
	def(&p.DeliverMax, 2500*time.Millisecond)
	def(&p.ReviewStep, 2500*time.Millisecond)
	def(&p.RevisionFlip, 2600*time.Millisecond)
	def(&p.FailureAdvance, 3*time.Second)
	def(&p.ProgressEvery, 300*time.Second)
	def(&p.BreakEvery, time.Minute)
	def(&p.BreakFirst, 5*time.Second)
}

// Options configures an Orchestrator.
type Options struct {
	LogsDir      string
	ProjectRoots []string
	ModelFor     meeting.ModelResolver
	Pacing       Pacing
}

// Orchestrator serializes every task state transition. Store rows are
// the durable state; the maps below are process-lifetime bookkeeping
// keyed by task id.
type Orchestrator struct {
	store    store.Store
	bus      bus.EventPublisher
	launcher Launcher
	meetings Meetings
	trees    *worktree.Manager
	usage    UsageRefresher
	logger   *slog.Logger
	tracer   trace.Tracer

	logsDir  string
	roots    []string
	modelFor meeting.ModelResolver
	pace     Pacing

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	procs         map[string]Proc               // task id -> running execution
	worktrees     map[string]*worktree.Info     // task id -> isolated worktree
	progress      map[string]context.CancelFunc // task id -> progress reporter stop
	stopRequested map[string]bool               // tasks whose next close event is benign
	crossNext     map[string]func()             // child task id -> next cross-dept step
	subtaskNext   map[string]func()             // child task id -> next subtask delegation
	taskSubtask   map[string]string             // delegated child task id -> subtask id
	threadSubtask map[string]string             // codex thread id -> subtask id
	spans         map[string]trace.Span         // task id -> open run span
}

// New wires an orchestrator. Pass a nil usage refresher to skip the
// post-completion quota probe.
func New(st store.Store, pub bus.EventPublisher, launch Launcher, meetings Meetings, trees *worktree.Manager, refresher UsageRefresher, logger *slog.Logger, opts Options) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	opts.Pacing.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:    st,
		bus:      pub,
		launcher: launch,
		meetings: meetings,
		trees:    trees,
		usage:    refresher,
		logger:   logger.With("component", "orchestrator"),
		tracer:   otel.Tracer("climpire/orchestrator"),

		logsDir:  opts.LogsDir,
		roots:    opts.ProjectRoots,
		modelFor: opts.ModelFor,
		pace:     opts.Pacing,

		ctx:    ctx,
		cancel: cancel,

		procs:         make(map[string]Proc),
		worktrees:     make(map[string]*worktree.Info),
		progress:      make(map[string]context.CancelFunc),
		stopRequested: make(map[string]bool),
		crossNext:     make(map[string]func()),
		subtaskNext:   make(map[string]func()),
		taskSubtask:   make(map[string]string),
		threadSubtask: make(map[string]string),
		spans:         make(map[string]trace.Span),
	}
}

// sleep pauses for d, returning false when the orchestrator shut down
// mid-wait. Every async flow checks the return before continuing.
func (o *Orchestrator) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-o.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// after runs fn in a fresh goroutine once d elapses, unless shut down.
func (o *Orchestrator) after(d time.Duration, fn func()) {
	go func() {
		if o.sleep(d) {
			fn()
		}
	}()
}

// jitter picks a uniform duration in [lo, hi].
func (o *Orchestrator) jitter(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int63n(int64(hi-lo)))
}

func (o *Orchestrator) broadcast(eventType string, payload any) {
	if o.bus != nil {
		o.bus.Broadcast(bus.Event{Type: eventType, Payload: payload})
	}
}

// broadcastTask loads and publishes the current task row.
func (o *Orchestrator) broadcastTask(ctx context.Context, taskID string) {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return
	}
	o.broadcast(protocol.EventTaskUpdate, task)
}

func (o *Orchestrator) broadcastAgent(ctx context.Context, agentID string) {
	agent, err := o.store.GetAgent(ctx, agentID)
	if err != nil {
		return
	}
	o.broadcast(protocol.EventAgentStatus, agent)
}

func (o *Orchestrator) broadcastSubtask(ctx context.Context, subtaskID string) {
	st, err := o.store.GetSubtask(ctx, subtaskID)
	if err != nil {
		return
	}
	o.broadcast(protocol.EventSubtaskUpdate, st)
}

// postAgentMessage persists and publishes one agent-originated message.
func (o *Orchestrator) postAgentMessage(ctx context.Context, senderID, receiverType, receiverID, content, msgType string, taskID *string) {
	m := &store.Message{
		SenderType:   store.SenderAgent,
		SenderID:     senderID,
		ReceiverType: receiverType,
		ReceiverID:   receiverID,
		Content:      content,
		MessageType:  msgType,
		TaskID:       taskID,
	}
	if err := o.store.CreateMessage(ctx, m); err != nil {
		o.logger.Warn("message write failed", "sender", senderID, "err", err)
		return
	}
	o.broadcast(protocol.EventNewMessage, m)
}

func (o *Orchestrator) taskLog(ctx context.Context, taskID, kind, message string) {
	if err := o.store.AppendTaskLog(ctx, taskID, kind, message); err != nil {
		o.logger.Warn("task log write failed", "task", taskID, "err", err)
	}
}

// language resolves the reply locale for free text, honoring the
// persisted language setting override.
func (o *Orchestrator) language(ctx context.Context, text string) string {
	setting, _ := o.store.GetSetting(ctx, "language")
	return meeting.ResolveLanguage(setting, text)
}

func (o *Orchestrator) taskLanguage(ctx context.Context, task *store.Task) string {
	return o.language(ctx, task.Title+" "+task.Description)
}

// agentProvider resolves the provider and model overrides for an agent.
// Agents without an explicit provider run on claude.
func (o *Orchestrator) agentProvider(a *store.Agent) (provider, model, effort string) {
	provider = deref(a.CliProvider)
	if provider == "" {
		provider = store.ProviderClaude
	}
	if o.modelFor != nil {
		model, effort = o.modelFor(provider)
	}
	return provider, model, effort
}

func knownProvider(p string) bool {
	switch p {
	case store.ProviderClaude, store.ProviderCodex, store.ProviderGemini,
		store.ProviderOpencode, store.ProviderCopilot, store.ProviderAntigravity:
		return true
	}
	return false
}

// teamLeaderFor returns the leader of a task's department, or nil.
func (o *Orchestrator) teamLeaderFor(ctx context.Context, task *store.Task) *store.Agent {
	if task.DepartmentID == nil {
		return nil
	}
	leader, err := o.store.GetTeamLeader(ctx, *task.DepartmentID)
	if err != nil {
		return nil
	}
	return leader
}

func (o *Orchestrator) defaultDir() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func ptr(s string) *string { return &s }
