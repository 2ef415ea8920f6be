// Package meeting runs the scripted leader meetings that gate a task's
// lifecycle: planned approval before kickoff and review consensus
// before done. Each round is a fixed walk (opening, feedback per
// leader, summary, approval per leader) where every turn is a one-shot
// CLI invocation sanitized down to a chat-sized line, with canned
// localized fallbacks so a round always terminates.
package meeting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/climpire/internal/bus"
	"github.com/nextlevelbuilder/climpire/internal/delegate"
	"github.com/nextlevelbuilder/climpire/internal/runner"
	"github.com/nextlevelbuilder/climpire/internal/store"
	"github.com/nextlevelbuilder/climpire/pkg/protocol"
)

const (
	// Leaders stay "in meeting" this long after being summoned; break
	// rotation must not pull them away mid-round.
	presenceFor = 90 * time.Second

	defaultMinTurnDelay = 420 * time.Millisecond
	defaultMaxTurnDelay = 1300 * time.Millisecond

	// Follow-up round scheduling after a revision_requested round.
	plannedFollowUpDelay = 2200 * time.Millisecond
	reviewReenterDelay   = 3 * time.Second

	facilitatorDept = "planning"
)

// Store is the slice of the persistence surface the engine needs.
type Store interface {
	store.DepartmentStore
	store.AgentStore
	store.SubtaskStore
	store.MessageStore
	store.TaskLogStore
	store.MeetingStore
	store.SettingsStore
}

// OneShot runs a bounded CLI invocation and returns captured stdout.
// Satisfied by *runner.Runner.
type OneShot interface {
	RunOnce(ctx context.Context, spec runner.OneShotSpec) (string, error)
}

// ModelResolver maps a provider to its configured model override; empty
// strings mean provider defaults.
type ModelResolver func(provider string) (model, reasoningEffort string)

// Options tunes pacing and model selection. Zero delays mean defaults.
type Options struct {
	MinTurnDelay time.Duration
	MaxTurnDelay time.Duration
	ModelFor     ModelResolver
}

// Request starts one meeting. OnApproved fires exactly once, after a
// round completes with no revision trigger. OnRevision fires at the end
// of every revision_requested round, before the follow-up round is
// scheduled.
type Request struct {
	Task        *store.Task
	Type        string // store.MeetingPlanned or store.MeetingReview
	ProjectPath string
	OnApproved  func()
	OnRevision  func(round int)
}

// Engine drives meetings. All rounds for one task+type run strictly
// sequentially; distinct meetings may overlap.
type Engine struct {
	store    Store
	bus      bus.EventPublisher
	cli      OneShot
	logger   *slog.Logger
	tracer   trace.Tracer
	minDelay time.Duration
	maxDelay time.Duration
	modelFor ModelResolver

	mu       sync.Mutex
	inFlight map[string]bool      // meeting key → a round is running
	rounds   map[string]int       // meeting key → last finished round
	presence map[string]time.Time // agent id → summoned until
}

func New(st Store, pub bus.EventPublisher, cli OneShot, logger *slog.Logger, opts Options) *Engine {
	e := &Engine{
		store:    st,
		bus:      pub,
		cli:      cli,
		logger:   logger,
		tracer:   otel.Tracer("climpire/meeting"),
		minDelay: opts.MinTurnDelay,
		maxDelay: opts.MaxTurnDelay,
		modelFor: opts.ModelFor,
		inFlight: make(map[string]bool),
		rounds:   make(map[string]int),
		presence: make(map[string]time.Time),
	}
	if e.minDelay <= 0 {
		e.minDelay = defaultMinTurnDelay
	}
	if e.maxDelay < e.minDelay {
		e.maxDelay = defaultMaxTurnDelay
	}
	if e.modelFor == nil {
		e.modelFor = func(string) (string, string) { return "", "" }
	}
	return e
}

func meetingKey(taskID, meetingType string) string {
	if meetingType == store.MeetingPlanned {
		return "planned:" + taskID
	}
	return taskID
}

// Start launches one meeting round in the background. A second Start
// for the same task+type while a round is running is a silent no-op.
func (e *Engine) Start(ctx context.Context, req Request) {
	if ctx.Err() != nil || req.Task == nil {
		return
	}
	key := meetingKey(req.Task.ID, req.Type)
	e.mu.Lock()
	if e.inFlight[key] {
		e.mu.Unlock()
		return
	}
	e.inFlight[key] = true
	e.mu.Unlock()

	go e.run(ctx, req, key)
}

// InMeeting reports whether the agent was summoned to a still-active
// meeting. Break rotation consults this.
func (e *Engine) InMeeting(agentID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.presence[agentID].After(time.Now())
}

func (e *Engine) run(ctx context.Context, req Request, key string) {
	defer func() {
		e.mu.Lock()
		delete(e.inFlight, key)
		e.mu.Unlock()
	}()

	task := req.Task
	lang := e.language(ctx, task)

	members, err := e.participants(ctx, task, lang)
	if err != nil {
		e.logger.Error("meeting participants unavailable", "task_id", task.ID, "error", err)
		return
	}
	if len(members) == 0 {
		e.logger.Info("no active leaders, meeting short-circuits to approval", "task_id", task.ID, "type", req.Type)
		e.logTask(ctx, task.ID, fmt.Sprintf("%s meeting skipped: no active team leaders", req.Type))
		if req.OnApproved != nil {
			req.OnApproved()
		}
		return
	}

	round := e.nextRound(ctx, task.ID, req.Type, key)
	minutes := &store.MeetingMinutes{
		ID:          uuid.NewString(),
		TaskID:      task.ID,
		MeetingType: req.Type,
		Round:       round,
		Title:       meetingTitle(req.Type, round, lang),
		Status:      store.MeetingInProgress,
		StartedAt:   time.Now().UTC(),
	}
	if err := e.store.CreateMeeting(ctx, minutes); err != nil {
		e.logger.Error("create meeting minutes", "task_id", task.ID, "error", err)
		return
	}
	_, span := e.tracer.Start(ctx, "meeting.round", trace.WithAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("meeting.type", req.Type),
		attribute.Int("meeting.round", round),
	))
	defer span.End()
	e.logTask(ctx, task.ID, fmt.Sprintf("%s meeting round %d started with %d leaders", req.Type, round, len(members)))

	e.summon(ctx, members, req)

	facilitator := members[0]
	script := plan{
		opening:   facilitator,
		feedback:  members[1:],
		summary:   facilitator,
		approvals: members,
	}

	st := roundState{req: req, minutes: minutes, round: round, lang: lang}
	ok := e.takeTurn(ctx, &st, script.opening, TurnOpening, "", false)
	for i := range script.feedback {
		if !ok {
			break
		}
		ok = e.takeTurn(ctx, &st, script.feedback[i], TurnFeedback, "", true)
	}
	if ok {
		ok = e.takeTurn(ctx, &st, script.summary, TurnSummary, "", false)
	}
	if ok {
		for i := range script.approvals {
			stance := StanceApprove
			if st.needsRevision {
				if script.approvals[i].agent.ID == st.reviseOwner {
					stance = StanceHold
				} else {
					stance = StanceConditional
				}
			}
			ok = e.takeTurn(ctx, &st, script.approvals[i], TurnApproval, stance, true)
			if !ok {
				break
			}
		}
	}

	e.mu.Lock()
	e.rounds[key] = round
	e.mu.Unlock()

	if !ok {
		span.SetAttributes(attribute.String("meeting.outcome", store.MeetingFailed))
		e.finish(minutes.ID, store.MeetingFailed)
		return
	}

	if st.needsRevision {
		span.SetAttributes(attribute.String("meeting.outcome", store.MeetingRevisionRequested))
		e.finish(minutes.ID, store.MeetingRevisionRequested)
		e.logTask(ctx, task.ID, fmt.Sprintf("%s meeting round %d requested revision", req.Type, round))
		if req.OnRevision != nil {
			req.OnRevision(round)
		}
		delay := reviewReenterDelay
		if req.Type == store.MeetingPlanned {
			delay = plannedFollowUpDelay
		}
		time.AfterFunc(delay, func() { e.Start(ctx, req) })
		return
	}

	span.SetAttributes(attribute.String("meeting.outcome", store.MeetingCompleted))
	e.finish(minutes.ID, store.MeetingCompleted)
	e.logTask(ctx, task.ID, fmt.Sprintf("%s meeting round %d completed with unanimous approval", req.Type, round))
	if req.OnApproved != nil {
		req.OnApproved()
	}
}

// plan is the scripted turn order of one round.
type plan struct {
	opening   member
	feedback  []member
	summary   member
	approvals []member
}

// member is a participating leader with denormalized labels.
type member struct {
	agent store.Agent
	name  string
	dept  string
	seat  int
}

// roundState accumulates across turns of one round.
type roundState struct {
	req           Request
	minutes       *store.MeetingMinutes
	round         int
	lang          string
	seq           int
	needsRevision bool
	reviseOwner   string
	transcript    []transcriptLine
}

// participants resolves the leader set: planning facilitates, joined by
// the leaders of every department related to the task. Fewer than two
// expands to all active leaders. The facilitator is always members[0].
func (e *Engine) participants(ctx context.Context, task *store.Task, lang string) ([]member, error) {
	related := e.relatedDepartments(ctx, task)

	var leaders []store.Agent
	seen := map[string]bool{}
	appendLeader := func(a *store.Agent) {
		if a == nil || a.Status == store.AgentOffline || seen[a.ID] {
			return
		}
		seen[a.ID] = true
		leaders = append(leaders, *a)
	}
	for _, dept := range related {
		l, err := e.store.GetTeamLeader(ctx, dept)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, err
		}
		appendLeader(l)
	}
	if len(leaders) < 2 {
		all, err := e.store.ListTeamLeaders(ctx)
		if err != nil {
			return nil, err
		}
		for i := range all {
			appendLeader(&all[i])
		}
	}
	if len(leaders) == 0 {
		return nil, nil
	}

	// Facilitator to the front. Planning's leader if present, else
	// whoever is first.
	for i := range leaders {
		if leaders[i].DepartmentID != nil && *leaders[i].DepartmentID == facilitatorDept {
			leaders[0], leaders[i] = leaders[i], leaders[0]
			break
		}
	}

	depts, err := e.store.ListDepartments(ctx)
	if err != nil {
		return nil, err
	}
	deptByID := make(map[string]*store.Department, len(depts))
	for i := range depts {
		deptByID[depts[i].ID] = &depts[i]
	}

	members := make([]member, 0, len(leaders))
	for i := range leaders {
		a := leaders[i]
		deptName := ""
		if a.DepartmentID != nil {
			if d, ok := deptByID[*a.DepartmentID]; ok {
				deptName = delegate.DeptDisplayName(d, lang)
			}
		}
		members = append(members, member{
			agent: a,
			name:  delegate.AgentDisplayName(&a, lang),
			dept:  deptName,
			seat:  i % 6,
		})
	}
	return members, nil
}

// relatedDepartments unions the task's own department, the target
// departments of its foreign subtasks, and keyword hits in the task
// text, preserving first-seen order.
func (e *Engine) relatedDepartments(ctx context.Context, task *store.Task) []string {
	var out []string
	seen := map[string]bool{}
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	if task.DepartmentID != nil {
		add(*task.DepartmentID)
	}
	if subs, err := e.store.ListSubtasks(ctx, task.ID); err == nil {
		for _, s := range subs {
			if s.TargetDepartmentID != nil {
				add(*s.TargetDepartmentID)
			}
		}
	}
	for _, d := range delegate.DetectDepartments(task.Title + " " + task.Description) {
		add(d)
	}
	return out
}

// summon broadcasts arrivals, pins presence for the round, and pulls
// summoned leaders off break.
func (e *Engine) summon(ctx context.Context, members []member, req Request) {
	until := time.Now().Add(presenceFor)
	e.mu.Lock()
	for _, m := range members {
		e.presence[m.agent.ID] = until
	}
	e.mu.Unlock()

	for _, m := range members {
		if m.agent.Status == store.AgentBreak {
			if err := e.store.SetAgentStatus(ctx, m.agent.ID, store.AgentIdle, nil); err != nil {
				e.logger.Warn("cancel break for summoned leader", "agent_id", m.agent.ID, "error", err)
			} else if a, err := e.store.GetAgent(ctx, m.agent.ID); err == nil {
				e.bus.Broadcast(bus.Event{Type: protocol.EventAgentStatus, Payload: a})
			}
		}
		e.bus.Broadcast(bus.Event{Type: protocol.EventCeoOfficeCall, Payload: protocol.OfficeCallPayload{
			FromAgentID: m.agent.ID,
			SeatIndex:   m.seat,
			Phase:       req.Type,
			TaskID:      req.Task.ID,
			Action:      protocol.OfficeCallArrive,
		}})
	}
}

// takeTurn produces one utterance: one-shot CLI, sanitize, canned
// fallback, then persist the entry, post the chat message, animate the
// bubble and pace the conversation. Returns false when ctx died and the
// round must abort.
func (e *Engine) takeTurn(ctx context.Context, st *roundState, m member, kind, stance string, scanRevision bool) bool {
	if ctx.Err() != nil {
		return false
	}
	content := e.turnReply(ctx, st, m, kind, stance)
	if scanRevision && revisionTrigger.MatchString(content) && !st.needsRevision {
		st.needsRevision = true
		st.reviseOwner = m.agent.ID
	}

	roleLabel := RoleLabel(m.agent.Role)
	st.seq++
	entry := &store.MeetingEntry{
		MeetingID:      st.minutes.ID,
		Seq:            st.seq,
		SpeakerAgentID: m.agent.ID,
		SpeakerName:    m.name,
		DepartmentName: m.dept,
		RoleLabel:      roleLabel,
		MessageType:    kind,
		Content:        content,
	}
	if err := e.store.AppendMeetingEntry(ctx, entry); err != nil {
		e.logger.Error("append meeting entry", "meeting_id", st.minutes.ID, "error", err)
	}

	msg := &store.Message{
		ID:           uuid.NewString(),
		SenderType:   store.SenderAgent,
		SenderID:     m.agent.ID,
		ReceiverType: store.ReceiverCEO,
		Content:      content,
		MessageType:  store.MsgChat,
		TaskID:       &st.req.Task.ID,
	}
	if err := e.store.CreateMessage(ctx, msg); err != nil {
		e.logger.Error("persist meeting message", "meeting_id", st.minutes.ID, "error", err)
	} else {
		e.bus.Broadcast(bus.Event{Type: protocol.EventNewMessage, Payload: msg})
	}
	e.bus.Broadcast(bus.Event{Type: protocol.EventCeoOfficeCall, Payload: protocol.OfficeCallPayload{
		FromAgentID: m.agent.ID,
		SeatIndex:   m.seat,
		Phase:       st.req.Type,
		TaskID:      st.req.Task.ID,
		Action:      protocol.OfficeCallSpeak,
		Line:        Preview(content),
	}})

	st.transcript = append(st.transcript, transcriptLine{
		speaker: m.name,
		dept:    m.dept,
		role:    roleLabel,
		content: content,
	})

	e.pause(ctx)
	return true
}

// turnReply obtains the speaker's line, falling back to the canned
// localized reply when the CLI is unavailable, errors out, or returns
// nothing usable.
func (e *Engine) turnReply(ctx context.Context, st *roundState, m member, kind, stance string) string {
	canned := CannedReply(kind, stance, st.lang)
	provider := ""
	if m.agent.CliProvider != nil {
		provider = *m.agent.CliProvider
	}
	if provider == "" || e.cli == nil {
		return canned
	}

	model, effort := e.modelFor(provider)
	prompt := buildPrompt(promptInput{
		meetingType:   st.req.Type,
		round:         st.round,
		task:          st.req.Task,
		speakerName:   m.name,
		deptID:        deref(m.agent.DepartmentID),
		deptName:      m.dept,
		roleLabel:     RoleLabel(m.agent.Role),
		lang:          st.lang,
		kind:          kind,
		stance:        stance,
		needsRevision: st.needsRevision,
		transcript:    st.transcript,
	})
	out, err := e.cli.RunOnce(ctx, runner.OneShotSpec{
		Provider:        provider,
		Model:           model,
		ReasoningEffort: effort,
		Dir:             st.req.ProjectPath,
		Prompt:          prompt,
		Timeout:         runner.MeetingTurnTimeout,
		Label:           "meeting",
	})
	if err != nil {
		e.logger.Debug("meeting turn falls back to canned reply",
			"agent", m.agent.Name, "kind", kind, "error", err)
		return canned
	}
	reply := Sanitize(out, MeetingLimit)
	if !Acceptable(reply, st.lang) {
		return canned
	}
	return reply
}

func (e *Engine) nextRound(ctx context.Context, taskID, meetingType, key string) int {
	e.mu.Lock()
	last, ok := e.rounds[key]
	e.mu.Unlock()
	if !ok {
		var err error
		last, err = e.store.LatestMeetingRound(ctx, taskID, meetingType)
		if err != nil {
			last = 0
		}
	}
	return last + 1
}

func (e *Engine) language(ctx context.Context, task *store.Task) string {
	setting, err := e.store.GetSetting(ctx, "language")
	if err != nil {
		setting = ""
	}
	return ResolveLanguage(setting, task.Title+" "+task.Description)
}

// finish records the terminal status. Uses a fresh context so a round
// aborted by shutdown still leaves consistent minutes.
func (e *Engine) finish(meetingID, status string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := e.store.UpdateMeeting(ctx, meetingID, map[string]any{
		"status":       status,
		"completed_at": time.Now().UTC(),
	})
	if err != nil {
		e.logger.Error("finish meeting", "meeting_id", meetingID, "status", status, "error", err)
	}
}

func (e *Engine) logTask(ctx context.Context, taskID, message string) {
	if err := e.store.AppendTaskLog(ctx, taskID, "meeting", message); err != nil {
		e.logger.Warn("append task log", "task_id", taskID, "error", err)
	}
}

// pause sleeps a pseudo-random interval between turns.
func (e *Engine) pause(ctx context.Context) {
	d := e.minDelay
	if e.maxDelay > e.minDelay {
		d += time.Duration(rand.Int63n(int64(e.maxDelay - e.minDelay)))
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
