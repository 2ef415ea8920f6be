// Package runner spawns and supervises provider CLI child processes.
// Each child runs detached in its own process group, receives its prompt
// on stdin, and has stdout/stderr multiplexed to the per-task log file,
// the event bus and the caller's line hook.
package runner

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/climpire/internal/bus"
	"github.com/nextlevelbuilder/climpire/pkg/protocol"
)

const maxLineBytes = 1024 * 1024

type Runner struct {
	logsDir string
	bus     bus.EventPublisher
	logger  *slog.Logger
}

func New(logsDir string, publisher bus.EventPublisher, logger *slog.Logger) (*Runner, error) {
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return nil, fmt.Errorf("runner: create logs dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{logsDir: logsDir, bus: publisher, logger: logger.With("component", "runner")}, nil
}

// Spec describes one long-running task execution.
type Spec struct {
	TaskID          string
	Provider        string
	Model           string
	ReasoningEffort string
	Dir             string
	Prompt          string

	// OnLine receives every output line for stream parsing. stream is
	// protocol.StreamStdout or protocol.StreamStderr. Must not block.
	OnLine func(stream, line string)
	// OnExit runs once after the process closes and both streams drain.
	OnExit func(exitCode int)
}

// Proc is a supervised child process.
type Proc struct {
	pid      int
	provider string
	taskID   string
	logPath  string
	done     chan struct{}
}

func (p *Proc) PID() int         { return p.pid }
func (p *Proc) Provider() string { return p.provider }
func (p *Proc) LogPath() string  { return p.logPath }

// Done closes when the process has exited and OnExit has run.
func (p *Proc) Done() <-chan struct{} { return p.done }

// Kill terminates the whole process tree. POSIX: SIGTERM to the group
// and the pid, SIGKILL after 1.2 s if still alive. Windows: taskkill /T /F.
func (p *Proc) Kill() { killTree(p.pid) }

// Start launches the provider CLI for a task. The prompt goes to stdin,
// which is then closed.
func (r *Runner) Start(spec Spec) (*Proc, error) {
	argv, err := BuildArgv(spec.Provider, spec.Model, spec.ReasoningEffort)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = childEnv()
	setProcAttrs(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("runner: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("runner: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("runner: stderr pipe: %w", err)
	}

	logPath := filepath.Join(r.logsDir, spec.TaskID+".log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("runner: open task log: %w", err)
	}

	// Kept next to the log while the child runs, for inspection.
	promptPath := filepath.Join(r.logsDir, spec.TaskID+".prompt.txt")
	if err := os.WriteFile(promptPath, []byte(spec.Prompt), 0o644); err != nil {
		r.logger.Warn("prompt file write failed", "task", spec.TaskID, "error", err)
	}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("runner: spawn %s: %w", argv[0], err)
	}

	sink := &logSink{f: logFile}
	fmt.Fprintf(sink, "=== run %s (%s) at %s ===\n", spec.TaskID, spec.Provider, time.Now().Format(time.RFC3339))

	p := &Proc{
		pid:      cmd.Process.Pid,
		provider: spec.Provider,
		taskID:   spec.TaskID,
		logPath:  logPath,
		done:     make(chan struct{}),
	}
	r.logger.Info("child started", "task", spec.TaskID, "provider", spec.Provider, "pid", p.pid)

	go func() {
		io.WriteString(stdin, spec.Prompt)
		stdin.Close()
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go r.pump(&wg, spec, protocol.StreamStdout, stdout, sink)
	go r.pump(&wg, spec, protocol.StreamStderr, stderr, sink)

	go func() {
		wg.Wait()
		err := cmd.Wait()
		code := cmd.ProcessState.ExitCode()
		if code < 0 {
			// Killed by signal; treat like an errored run.
			code = 1
		}
		fmt.Fprintf(sink, "=== exit %d at %s ===\n", code, time.Now().Format(time.RFC3339))
		sink.Close()
		os.Remove(promptPath)
		r.logger.Info("child exited", "task", spec.TaskID, "pid", p.pid, "code", code, "error", err)
		if spec.OnExit != nil {
			spec.OnExit(code)
		}
		close(p.done)
	}()

	return p, nil
}

// pump forwards one output stream line by line to the log file, the bus
// and the parser hook.
func (r *Runner) pump(wg *sync.WaitGroup, spec Spec, stream string, src io.Reader, sink *logSink) {
	defer wg.Done()
	sc := bufio.NewScanner(src)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := sc.Text()
		fmt.Fprintln(sink, line)
		if r.bus != nil {
			r.bus.Broadcast(bus.Event{Type: protocol.EventCliOutput, Payload: protocol.CliOutputPayload{
				TaskID: spec.TaskID,
				Stream: stream,
				Data:   line,
			}})
		}
		if spec.OnLine != nil {
			spec.OnLine(stream, line)
		}
	}
	if err := sc.Err(); err != nil {
		r.logger.Warn("stream read error", "task", spec.TaskID, "stream", stream, "error", err)
	}
}

// logSink serializes writes from both stream pumps into one file.
type logSink struct {
	mu sync.Mutex
	f  *os.File
}

func (s *logSink) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return len(b), nil
	}
	return s.f.Write(b)
}

func (s *logSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f != nil {
		s.f.Close()
		s.f = nil
	}
}

// childEnv strips the markers the Claude CLI uses to detect a nested
// session.
func childEnv() []string {
	env := os.Environ()
	out := make([]string, 0, len(env))
	for _, kv := range env {
		if strings.HasPrefix(kv, "CLAUDECODE=") || strings.HasPrefix(kv, "CLAUDE_CODE=") {
			continue
		}
		out = append(out, kv)
	}
	return out
}
