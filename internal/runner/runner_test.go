package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/climpire/internal/bus"
	"github.com/nextlevelbuilder/climpire/pkg/protocol"
)

func TestBuildArgv(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		model    string
		effort   string
		want     []string
		wantErr  error
	}{
		{
			name:     "codex bare",
			provider: "codex",
			want:     []string{"codex", "--enable", "multi_agent", "--yolo", "exec", "--json"},
		},
		{
			name:     "codex with model and effort",
			provider: "codex",
			model:    "gpt-5-codex",
			effort:   "high",
			want: []string{"codex", "--enable", "multi_agent", "-m", "gpt-5-codex",
				"-c", `model_reasoning_effort="high"`, "--yolo", "exec", "--json"},
		},
		{
			name:     "claude bare",
			provider: "claude",
			want: []string{"claude", "--dangerously-skip-permissions", "--print", "--verbose",
				"--output-format=stream-json", "--include-partial-messages"},
		},
		{
			name:     "claude with model",
			provider: "claude",
			model:    "claude-sonnet-4-5",
			want: []string{"claude", "--dangerously-skip-permissions", "--print", "--verbose",
				"--output-format=stream-json", "--include-partial-messages", "--model", "claude-sonnet-4-5"},
		},
		{
			name:     "gemini with model",
			provider: "gemini",
			model:    "gemini-2.5-pro",
			want:     []string{"gemini", "-m", "gemini-2.5-pro", "--yolo", "--output-format=stream-json"},
		},
		{
			name:     "opencode",
			provider: "opencode",
			want:     []string{"opencode", "run", "--format", "json"},
		},
		{
			name:     "copilot is http-only",
			provider: "copilot",
			wantErr:  ErrUnsupportedProvider,
		},
		{
			name:     "antigravity is http-only",
			provider: "antigravity",
			wantErr:  ErrUnsupportedProvider,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BuildArgv(tt.provider, tt.model, tt.effort)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("argv = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestChildEnvStripsClaudeMarkers(t *testing.T) {
	t.Setenv("CLAUDECODE", "1")
	t.Setenv("CLAUDE_CODE", "1")
	t.Setenv("CLIMPIRE_TEST_KEEP", "yes")

	env := childEnv()
	for _, kv := range env {
		if strings.HasPrefix(kv, "CLAUDECODE=") || strings.HasPrefix(kv, "CLAUDE_CODE=") {
			t.Errorf("marker leaked into child env: %s", kv)
		}
	}
	found := false
	for _, kv := range env {
		if kv == "CLIMPIRE_TEST_KEEP=yes" {
			found = true
		}
	}
	if !found {
		t.Error("unrelated variable dropped from child env")
	}
}

// fakeCLI installs an executable shell script ahead of PATH so Start and
// RunOnce spawn it instead of the real provider binary.
func fakeCLI(t *testing.T, name, script string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake provider CLIs need sh")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
}

func newTestRunner(t *testing.T, publisher bus.EventPublisher) *Runner {
	t.Helper()
	r, err := New(t.TempDir(), publisher, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestStartMultiplexesOutput(t *testing.T) {
	fakeCLI(t, "claude", `cat >/dev/null
echo '{"type":"result","result":"hi"}'
echo 'warn line' >&2
exit 0`)

	b := bus.New()
	var mu sync.Mutex
	var busLines []protocol.CliOutputPayload
	b.Subscribe("test", func(ev bus.Event) {
		if ev.Type != protocol.EventCliOutput {
			return
		}
		mu.Lock()
		busLines = append(busLines, ev.Payload.(protocol.CliOutputPayload))
		mu.Unlock()
	})

	r := newTestRunner(t, b)

	var parsed []string
	exitCode := -99
	proc, err := r.Start(Spec{
		TaskID:   "task-1",
		Provider: "claude",
		Dir:      t.TempDir(),
		Prompt:   "do the thing",
		OnLine: func(stream, line string) {
			mu.Lock()
			parsed = append(parsed, stream+"|"+line)
			mu.Unlock()
		},
		OnExit: func(code int) {
			mu.Lock()
			exitCode = code
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if proc.PID() <= 0 {
		t.Errorf("pid = %d, want > 0", proc.PID())
	}

	select {
	case <-proc.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("child did not exit")
	}

	mu.Lock()
	defer mu.Unlock()
	if exitCode != 0 {
		t.Errorf("exit code = %d, want 0", exitCode)
	}
	joined := strings.Join(parsed, "\n")
	if !strings.Contains(joined, `stdout|{"type":"result","result":"hi"}`) {
		t.Errorf("stdout line not parsed: %v", parsed)
	}
	if !strings.Contains(joined, "stderr|warn line") {
		t.Errorf("stderr line not parsed: %v", parsed)
	}
	if len(busLines) != 2 {
		t.Errorf("got %d cli_output events, want 2", len(busLines))
	}

	data, err := os.ReadFile(proc.LogPath())
	if err != nil {
		t.Fatal(err)
	}
	log := string(data)
	if !strings.Contains(log, "=== run task-1 (claude)") {
		t.Errorf("log header missing:\n%s", log)
	}
	if !strings.Contains(log, "warn line") || !strings.Contains(log, `"result":"hi"`) {
		t.Errorf("log missing stream lines:\n%s", log)
	}
	if !strings.Contains(log, "=== exit 0") {
		t.Errorf("log missing exit trailer:\n%s", log)
	}
}

func TestStartReportsNonZeroExit(t *testing.T) {
	fakeCLI(t, "gemini", "cat >/dev/null\nexit 3")
	r := newTestRunner(t, nil)

	done := make(chan int, 1)
	_, err := r.Start(Spec{
		TaskID:   "task-2",
		Provider: "gemini",
		Dir:      t.TempDir(),
		Prompt:   "p",
		OnExit:   func(code int) { done <- code },
	})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case code := <-done:
		if code != 3 {
			t.Errorf("exit code = %d, want 3", code)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("OnExit never ran")
	}
}

func TestStartUnknownBinary(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix test")
	}
	t.Setenv("PATH", t.TempDir())
	r := newTestRunner(t, nil)
	if _, err := r.Start(Spec{TaskID: "t", Provider: "opencode", Dir: t.TempDir()}); err == nil {
		t.Fatal("expected spawn error for missing binary")
	}
}

func TestKillTerminatesTree(t *testing.T) {
	fakeCLI(t, "opencode", "cat >/dev/null\nsleep 30\n")
	r := newTestRunner(t, nil)

	done := make(chan int, 1)
	proc, err := r.Start(Spec{
		TaskID:   "task-3",
		Provider: "opencode",
		Dir:      t.TempDir(),
		Prompt:   "p",
		OnExit:   func(code int) { done <- code },
	})
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	proc.Kill()
	select {
	case code := <-done:
		if code != 1 {
			t.Errorf("signal kill exit code = %d, want 1", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("process survived Kill")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("kill took %s, want < 3s", elapsed)
	}
}

func TestRunOnceCapturesStdout(t *testing.T) {
	fakeCLI(t, "gemini", `read prompt
echo "reply to: $prompt"`)
	r := newTestRunner(t, nil)

	out, err := r.RunOnce(context.Background(), OneShotSpec{
		Provider: "gemini",
		Dir:      t.TempDir(),
		Prompt:   "hello\n",
		Timeout:  10 * time.Second,
	})
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !strings.Contains(out, "reply to: hello") {
		t.Errorf("output = %q", out)
	}
}

func TestRunOnceTimeoutKillsChild(t *testing.T) {
	fakeCLI(t, "opencode", "cat >/dev/null\nsleep 30\n")
	r := newTestRunner(t, nil)

	start := time.Now()
	_, err := r.RunOnce(context.Background(), OneShotSpec{
		Provider: "opencode",
		Dir:      t.TempDir(),
		Prompt:   "p",
		Timeout:  300 * time.Millisecond,
	})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("err = %v, want timeout", err)
	}
	if elapsed := time.Since(start); elapsed > 8*time.Second {
		t.Errorf("timeout escalation took %s", elapsed)
	}
}
