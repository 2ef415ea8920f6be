package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/nextlevelbuilder/climpire/internal/bus"
	"github.com/nextlevelbuilder/climpire/internal/cliauth"
	"github.com/nextlevelbuilder/climpire/internal/config"
	"github.com/nextlevelbuilder/climpire/internal/meeting"
	"github.com/nextlevelbuilder/climpire/internal/oauth"
	"github.com/nextlevelbuilder/climpire/internal/orchestrator"
	"github.com/nextlevelbuilder/climpire/internal/runner"
	"github.com/nextlevelbuilder/climpire/internal/store"
	"github.com/nextlevelbuilder/climpire/internal/store/sqlite"
	"github.com/nextlevelbuilder/climpire/internal/usage"
	"github.com/nextlevelbuilder/climpire/internal/vault"
	"github.com/nextlevelbuilder/climpire/internal/worktree"
	"github.com/nextlevelbuilder/climpire/pkg/protocol"
)

// stubExec is the gateway-side stand-in for both runners: launches exit
// cleanly after hold, one-shots fail so replies use canned fallbacks.
type stubExec struct {
	mu       sync.Mutex
	launches []orchestrator.LaunchSpec
	procs    []*stubProc
	logsDir  string
	hold     time.Duration
	exit     int
}

type stubProc struct {
	pid    int
	killed chan struct{}
	once   sync.Once
}

func (p *stubProc) PID() int { return p.pid }
func (p *stubProc) Kill()    { p.once.Do(func() { close(p.killed) }) }

func (s *stubExec) Launch(spec orchestrator.LaunchSpec) (orchestrator.Proc, error) {
	s.mu.Lock()
	proc := &stubProc{pid: 50000 + len(s.procs), killed: make(chan struct{})}
	s.launches = append(s.launches, spec)
	s.procs = append(s.procs, proc)
	hold, code := s.hold, s.exit
	s.mu.Unlock()

	if s.logsDir != "" {
		_ = os.WriteFile(filepath.Join(s.logsDir, spec.TaskID+".log"),
			[]byte("shipped the requested change\n"), 0o644)
	}
	go func() {
		t := time.NewTimer(hold)
		defer t.Stop()
		select {
		case <-t.C:
			spec.OnExit(code)
		case <-proc.killed:
			spec.OnExit(137)
		}
	}()
	return proc, nil
}

func (s *stubExec) RunOnce(context.Context, runner.OneShotSpec) (string, error) {
	return "", errors.New("cli unavailable")
}

func (s *stubExec) launchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.launches)
}

type fixture struct {
	st  *sqlite.Store
	bus *bus.Bus
	cli *stubExec
	orc *orchestrator.Orchestrator
	srv *Server
	ts  *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	dbPath := filepath.Join(t.TempDir(), "test.sqlite")
	st, err := sqlite.Open(dbPath, logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.SeedIfEmpty(context.Background()); err != nil {
		t.Fatalf("seed: %v", err)
	}

	b := bus.New()
	logs := t.TempDir()
	cli := &stubExec{logsDir: logs}
	eng := meeting.New(st, b, cli, logger, meeting.Options{
		MinTurnDelay: time.Millisecond,
		MaxTurnDelay: 2 * time.Millisecond,
	})
	ms := time.Millisecond
	orc := orchestrator.New(st, b, cli, eng, worktree.NewManager(logger), nil, logger, orchestrator.Options{
		LogsDir: logs,
		Pacing: orchestrator.Pacing{
			ReplyMin: ms, ReplyMax: 2 * ms,
			AckMin: ms, AckMax: 2 * ms,
			AnnounceMin: ms, AnnounceMax: 2 * ms,
			MentionMin: ms, MentionMax: 2 * ms,
			CrossKickMin: ms, CrossKickMax: 2 * ms,
			DeliverMin: ms, DeliverMax: 2 * ms,
			ReviewStep:     3 * ms,
			RevisionFlip:   3 * ms,
			FailureAdvance: 3 * ms,
			ProgressEvery:  time.Hour,
			BreakEvery:     time.Hour,
			BreakFirst:     time.Hour,
		},
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		orc.Shutdown(ctx)
	})

	cfg := &config.Config{
		Host:             "127.0.0.1",
		Port:             0,
		DBPath:           dbPath,
		LogsDir:          logs,
		EncryptionSecret: "gateway-test-secret",
		OAuthBaseURL:     "http://127.0.0.1:0",
	}
	srv := New(cfg, Deps{
		Store:   st,
		Bus:     b,
		Orc:     orc,
		Usage:   usage.New(st, b, logger),
		CliAuth: cliauth.New(logger),
		OAuth:   oauth.New(st, vault.New(cfg.EncryptionSecret), cfg, logger),
		Version: "0.0.0-test",
		Logger:  logger,
	})

	ts := httptest.NewServer(srv.BuildMux())
	t.Cleanup(ts.Close)

	return &fixture{st: st, bus: b, cli: cli, orc: orc, srv: srv, ts: ts}
}

// request runs one JSON round-trip against the test server.
func (f *fixture) request(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	out := map[string]any{}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("decode %s %s response %q: %v", method, path, raw, err)
		}
	}
	return resp.StatusCode, out
}

func (f *fixture) get(t *testing.T, path string) (int, map[string]any) {
	return f.request(t, http.MethodGet, path, nil)
}

func (f *fixture) post(t *testing.T, path string, body any) (int, map[string]any) {
	return f.request(t, http.MethodPost, path, body)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHealthEndpoints(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/api/health", "/health", "/healthz"} {
		status, body := f.get(t, path)
		if status != http.StatusOK {
			t.Fatalf("%s: status = %d", path, status)
		}
		if body["ok"] != true {
			t.Errorf("%s: ok = %v", path, body["ok"])
		}
		if body["app"] != AppName {
			t.Errorf("%s: app = %v", path, body["app"])
		}
		if body["version"] != "0.0.0-test" {
			t.Errorf("%s: version = %v", path, body["version"])
		}
		if body["dbPath"] == "" || body["dbPath"] == nil {
			t.Errorf("%s: dbPath missing", path)
		}
	}
}

func TestDepartmentsCarryAgentCounts(t *testing.T) {
	f := newFixture(t)
	status, body := f.get(t, "/api/departments")
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	departments, ok := body["departments"].([]any)
	if !ok || len(departments) != 6 {
		t.Fatalf("departments = %v", body["departments"])
	}
	for _, d := range departments {
		dept := d.(map[string]any)
		if dept["agent_count"] != float64(3) {
			t.Errorf("department %v agent_count = %v", dept["id"], dept["agent_count"])
		}
	}
}

func TestWebSocketConnectedFrameAndFanout(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	readFrame := func() protocol.Frame {
		t.Helper()
		_, raw, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		var frame protocol.Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			t.Fatalf("decode frame %q: %v", raw, err)
		}
		return frame
	}

	frame := readFrame()
	if frame.Type != protocol.EventConnected {
		t.Fatalf("first frame type = %q, want connected", frame.Type)
	}
	payload := frame.Payload.(map[string]any)
	if payload["app"] != AppName || payload["version"] != "0.0.0-test" {
		t.Errorf("connected payload = %v", payload)
	}
	if frame.TS == 0 {
		t.Errorf("connected frame has no timestamp")
	}

	// A bus broadcast must reach the socket as a typed frame.
	f.bus.Broadcast(bus.Event{
		Type:    protocol.EventTaskUpdate,
		Payload: map[string]any{"id": "t-1", "status": store.TaskDone},
	})
	frame = readFrame()
	if frame.Type != protocol.EventTaskUpdate {
		t.Fatalf("second frame type = %q, want task_update", frame.Type)
	}
	update := frame.Payload.(map[string]any)
	if update["id"] != "t-1" || update["status"] != store.TaskDone {
		t.Errorf("task_update payload = %v", update)
	}
}

func TestAgentPatch(t *testing.T) {
	f := newFixture(t)

	status, body := f.get(t, "/api/agents")
	if status != http.StatusOK {
		t.Fatalf("list agents: status = %d", status)
	}
	agents := body["agents"].([]any)
	if len(agents) != 18 {
		t.Fatalf("agent count = %d, want 18", len(agents))
	}
	first := agents[0].(map[string]any)
	if first["department_name"] == nil || first["department_name"] == "" {
		t.Errorf("agents are not joined with departments: %v", first)
	}
	id := first["id"].(string)

	status, body = f.request(t, http.MethodPatch, "/api/agents/"+id, map[string]any{
		"personality": "methodical, dry humor",
		"status":      store.AgentBreak,
		"stats_xp":    9999, // not a patchable column
	})
	if status != http.StatusOK {
		t.Fatalf("patch agent: status = %d body = %v", status, body)
	}
	agent := body["agent"].(map[string]any)
	if agent["personality"] != "methodical, dry humor" {
		t.Errorf("personality = %v", agent["personality"])
	}
	if agent["status"] != store.AgentBreak {
		t.Errorf("status = %v", agent["status"])
	}
	if agent["stats_xp"] != float64(0) {
		t.Errorf("stats_xp changed through PATCH: %v", agent["stats_xp"])
	}

	status, _ = f.request(t, http.MethodPatch, "/api/agents/nope", map[string]any{"status": "idle"})
	if status != http.StatusNotFound {
		t.Errorf("unknown agent: status = %d, want 404", status)
	}

	status, body = f.request(t, http.MethodPatch, "/api/agents/"+id, map[string]any{"stats_xp": 1})
	if status != http.StatusBadRequest || body["error"] != "no_fields" {
		t.Errorf("no-field patch: status = %d body = %v", status, body)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	f := newFixture(t)

	status, body := f.request(t, http.MethodPut, "/api/settings", map[string]any{
		"language":    "ko",
		"max_workers": 4,
	})
	if status != http.StatusOK {
		t.Fatalf("put settings: status = %d body = %v", status, body)
	}

	status, body = f.get(t, "/api/settings")
	if status != http.StatusOK {
		t.Fatalf("get settings: status = %d", status)
	}
	settings := body["settings"].(map[string]any)
	if settings["language"] != "ko" {
		t.Errorf("language = %v", settings["language"])
	}
	// Non-string values are stored JSON-encoded.
	if settings["max_workers"] != "4" {
		t.Errorf("max_workers = %v", settings["max_workers"])
	}

	status, body = f.request(t, http.MethodPut, "/api/settings", map[string]any{})
	if status != http.StatusBadRequest || body["error"] != "no_settings" {
		t.Errorf("empty put: status = %d body = %v", status, body)
	}
}

func TestCliStatusReportsAllProviders(t *testing.T) {
	f := newFixture(t)
	status, body := f.get(t, "/api/cli-status?refresh=1")
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	for _, provider := range []string{"claude", "codex", "gemini", "opencode"} {
		entry, ok := body[provider].(map[string]any)
		if !ok {
			t.Fatalf("provider %s missing: %v", provider, body)
		}
		if _, ok := entry["installed"]; !ok {
			t.Errorf("provider %s has no installed flag", provider)
		}
		if _, ok := entry["authenticated"]; !ok {
			t.Errorf("provider %s has no authenticated flag", provider)
		}
	}
}

func TestCliUsageServesCache(t *testing.T) {
	f := newFixture(t)

	snap := `{"windows":[{"label":"5-hour","utilization":0.42}]}`
	if err := f.st.UpsertCliUsage(context.Background(), store.ProviderClaude, snap); err != nil {
		t.Fatalf("seed usage cache: %v", err)
	}

	status, body := f.get(t, "/api/cli-usage")
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	claude, ok := body["claude"].(map[string]any)
	if !ok {
		t.Fatalf("claude snapshot missing: %v", body)
	}
	windows := claude["windows"].([]any)
	if len(windows) != 1 {
		t.Fatalf("windows = %v", windows)
	}
	window := windows[0].(map[string]any)
	if window["label"] != "5-hour" || window["utilization"] != 0.42 {
		t.Errorf("window = %v", window)
	}
	if claude["refreshed_at"] == nil {
		t.Errorf("refreshed_at missing")
	}
}

func TestOAuthStatusAlwaysListsBothProviders(t *testing.T) {
	f := newFixture(t)
	status, body := f.get(t, "/api/oauth/status")
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	for _, provider := range []string{"copilot", "antigravity"} {
		entry, ok := body[provider].(map[string]any)
		if !ok {
			t.Fatalf("provider %s missing: %v", provider, body)
		}
		if entry["connected"] != false {
			t.Errorf("%s connected = %v, want false", provider, entry["connected"])
		}
	}
}
