package meeting

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/climpire/internal/bus"
	"github.com/nextlevelbuilder/climpire/internal/runner"
	"github.com/nextlevelbuilder/climpire/internal/store"
	"github.com/nextlevelbuilder/climpire/internal/store/sqlite"
	"github.com/nextlevelbuilder/climpire/pkg/protocol"
)

// scriptedCLI stands in for the runner: every turn gets whatever reply
// the script returns, and the prompts are captured for inspection.
type scriptedCLI struct {
	mu    sync.Mutex
	specs []runner.OneShotSpec
	reply func(spec runner.OneShotSpec) (string, error)
}

func (c *scriptedCLI) RunOnce(_ context.Context, spec runner.OneShotSpec) (string, error) {
	c.mu.Lock()
	c.specs = append(c.specs, spec)
	c.mu.Unlock()
	return c.reply(spec)
}

func (c *scriptedCLI) prompts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.specs))
	for i, s := range c.specs {
		out[i] = s.Prompt
	}
	return out
}

func newMeetingStore(t *testing.T) *sqlite.Store {
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
	return st
}

func newTestEngine(t *testing.T, st Store, pub bus.EventPublisher, cli OneShot) *Engine {
	t.Helper()
	if pub == nil {
		pub = bus.New()
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(st, pub, cli, logger, Options{
		MinTurnDelay: time.Millisecond,
		MaxTurnDelay: 2 * time.Millisecond,
	})
}

func devTask(t *testing.T, st *sqlite.Store, title string) *store.Task {
	t.Helper()
	dev := "dev"
	task := &store.Task{Title: title, DepartmentID: &dev}
	if err := st.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func waitSignal(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(15 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestMeetingUnanimousApproval(t *testing.T) {
	st := newMeetingStore(t)
	// CLI failure on every turn: the whole round runs on canned replies,
	// which never contain a revision trigger.
	cli := &scriptedCLI{reply: func(runner.OneShotSpec) (string, error) {
		return "", errors.New("cli unavailable")
	}}

	b := bus.New()
	var mu sync.Mutex
	var arrives, speaks int
	b.Subscribe("test", func(ev bus.Event) {
		if ev.Type != protocol.EventCeoOfficeCall {
			return
		}
		p, ok := ev.Payload.(protocol.OfficeCallPayload)
		if !ok {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		switch p.Action {
		case protocol.OfficeCallArrive:
			arrives++
		case protocol.OfficeCallSpeak:
			speaks++
		}
	})

	e := newTestEngine(t, st, b, cli)
	ctx := context.Background()
	task := devTask(t, st, "Ship the reporting API")

	approved := make(chan struct{})
	e.Start(ctx, Request{Task: task, Type: store.MeetingPlanned, OnApproved: func() { close(approved) }})
	waitSignal(t, approved, "approval")

	meetings, err := st.ListMeetings(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(meetings) != 1 {
		t.Fatalf("got %d meetings, want 1", len(meetings))
	}
	m := meetings[0]
	if m.Status != store.MeetingCompleted {
		t.Errorf("status = %s, want %s", m.Status, store.MeetingCompleted)
	}
	if m.Round != 1 {
		t.Errorf("round = %d, want 1", m.Round)
	}
	if m.CompletedAt == nil {
		t.Error("completed_at not set")
	}

	// A single related department expands to all six seeded leaders:
	// opening + 5 feedback + summary + 6 approvals.
	if len(m.Entries) != 13 {
		t.Fatalf("got %d entries, want 13", len(m.Entries))
	}
	if m.Entries[0].MessageType != TurnOpening {
		t.Errorf("first entry = %s, want %s", m.Entries[0].MessageType, TurnOpening)
	}
	if m.Entries[0].SpeakerName != "Noah" {
		t.Errorf("facilitator = %s, want the planning leader Noah", m.Entries[0].SpeakerName)
	}
	if last := m.Entries[len(m.Entries)-1]; last.MessageType != TurnApproval {
		t.Errorf("last entry = %s, want %s", last.MessageType, TurnApproval)
	}
	for _, entry := range m.Entries {
		if entry.Content == "" {
			t.Errorf("entry %d has empty content", entry.Seq)
		}
	}

	mu.Lock()
	if arrives != 6 {
		t.Errorf("arrive broadcasts = %d, want 6", arrives)
	}
	if speaks != 13 {
		t.Errorf("speak broadcasts = %d, want 13", speaks)
	}
	mu.Unlock()

	noah, err := st.GetTeamLeader(ctx, "planning")
	if err != nil {
		t.Fatal(err)
	}
	if !e.InMeeting(noah.ID) {
		t.Error("facilitator should still be marked in meeting")
	}
}

func TestMeetingRevisionThenApproval(t *testing.T) {
	st := newMeetingStore(t)
	task := devTask(t, st, "Harden the upload endpoint")

	trigger := &scriptedCLI{reply: func(runner.OneShotSpec) (string, error) {
		return "This needs revision before we proceed.", nil
	}}
	eA := newTestEngine(t, st, nil, trigger)
	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()

	revised := make(chan int, 1)
	eA.Start(ctxA, Request{
		Task:       task,
		Type:       store.MeetingReview,
		OnApproved: func() { t.Error("a revision round must not approve") },
		OnRevision: func(round int) { revised <- round },
	})
	select {
	case round := <-revised:
		if round != 1 {
			t.Errorf("revision round = %d, want 1", round)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("timed out waiting for revision")
	}
	cancelA() // drops the scheduled follow-up round

	ctx := context.Background()
	meetings, err := st.ListMeetings(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(meetings) != 1 {
		t.Fatalf("got %d meetings, want 1", len(meetings))
	}
	if meetings[0].Status != store.MeetingRevisionRequested {
		t.Errorf("status = %s, want %s", meetings[0].Status, store.MeetingRevisionRequested)
	}

	// Exactly one approval prompt carries the hold stance: the first
	// feedback speaker owns the revision.
	holds := 0
	for _, p := range trigger.prompts() {
		if strings.Contains(p, "Hold your approval") {
			holds++
		}
	}
	if holds != 1 {
		t.Errorf("hold-stance prompts = %d, want 1", holds)
	}

	// A clean follow-up continues the round numbering and completes.
	ok := &scriptedCLI{reply: func(runner.OneShotSpec) (string, error) {
		return "Looks solid now, let us proceed.", nil
	}}
	eB := newTestEngine(t, st, nil, ok)
	approved := make(chan struct{})
	eB.Start(ctx, Request{Task: task, Type: store.MeetingReview, OnApproved: func() { close(approved) }})
	waitSignal(t, approved, "second-round approval")

	meetings, err = st.ListMeetings(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(meetings) != 2 {
		t.Fatalf("got %d meetings, want 2", len(meetings))
	}
	var second *store.MeetingMinutes
	for i := range meetings {
		if meetings[i].Round == 2 {
			second = &meetings[i]
		}
	}
	if second == nil {
		t.Fatal("round 2 minutes missing")
	}
	if second.Status != store.MeetingCompleted {
		t.Errorf("round 2 status = %s, want %s", second.Status, store.MeetingCompleted)
	}
}

func TestMeetingStartWhileRunningIsNoOp(t *testing.T) {
	st := newMeetingStore(t)
	task := devTask(t, st, "Tune cache eviction")

	proceed := make(chan struct{})
	cli := &scriptedCLI{reply: func(runner.OneShotSpec) (string, error) {
		<-proceed
		return "", errors.New("cli unavailable")
	}}
	e := newTestEngine(t, st, nil, cli)
	ctx := context.Background()

	approved := make(chan struct{})
	req := Request{Task: task, Type: store.MeetingPlanned, OnApproved: func() { close(approved) }}
	e.Start(ctx, req)
	e.Start(ctx, req) // already in flight
	close(proceed)
	waitSignal(t, approved, "approval")

	meetings, err := st.ListMeetings(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(meetings) != 1 {
		t.Fatalf("got %d meetings, want exactly 1", len(meetings))
	}
}

func TestMeetingShortCircuitsWithoutLeaders(t *testing.T) {
	st := newMeetingStore(t)
	ctx := context.Background()

	leaders, err := st.ListTeamLeaders(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, l := range leaders {
		if err := st.SetAgentStatus(ctx, l.ID, store.AgentOffline, nil); err != nil {
			t.Fatal(err)
		}
	}

	task := devTask(t, st, "Quiet week cleanup")
	cli := &scriptedCLI{reply: func(runner.OneShotSpec) (string, error) {
		t.Error("no CLI turn expected without leaders")
		return "", nil
	}}
	e := newTestEngine(t, st, nil, cli)

	approved := make(chan struct{})
	e.Start(ctx, Request{Task: task, Type: store.MeetingPlanned, OnApproved: func() { close(approved) }})
	waitSignal(t, approved, "short-circuit approval")

	meetings, err := st.ListMeetings(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(meetings) != 0 {
		t.Errorf("got %d meetings, want none", len(meetings))
	}
}

func TestSummonCancelsBreak(t *testing.T) {
	st := newMeetingStore(t)
	ctx := context.Background()

	iris, err := st.GetTeamLeader(ctx, "qa")
	if err != nil {
		t.Fatal(err)
	}
	if err := st.SetAgentStatus(ctx, iris.ID, store.AgentBreak, nil); err != nil {
		t.Fatal(err)
	}

	// "Regression" routes to QA, so both the dev and qa leaders attend.
	task := devTask(t, st, "Regression sweep")
	cli := &scriptedCLI{reply: func(runner.OneShotSpec) (string, error) {
		return "", errors.New("cli unavailable")
	}}
	e := newTestEngine(t, st, nil, cli)

	approved := make(chan struct{})
	e.Start(ctx, Request{Task: task, Type: store.MeetingReview, OnApproved: func() { close(approved) }})
	waitSignal(t, approved, "approval")

	got, err := st.GetAgent(ctx, iris.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.AgentIdle {
		t.Errorf("summoned leader status = %s, want %s", got.Status, store.AgentIdle)
	}
	if !e.InMeeting(iris.ID) {
		t.Error("summoned leader should be marked in meeting")
	}
}
