// Package httpagent runs copilot and antigravity tasks as streaming
// HTTP calls. Streams present the same supervision surface as CLI
// children, with a synthetic negative pid, so the orchestrator tracks
// both kinds in one table.
package httpagent

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/climpire/internal/bus"
	"github.com/nextlevelbuilder/climpire/internal/store"
	"github.com/nextlevelbuilder/climpire/pkg/protocol"
)

// TokenSource yields decrypted OAuth tokens. GoogleToken refreshes a
// stale access token before returning it.
type TokenSource interface {
	GitHubToken(ctx context.Context) (string, error)
	GoogleToken(ctx context.Context) (string, error)
}

type Runner struct {
	logsDir string
	tokens  TokenSource
	bus     bus.EventPublisher
	logger  *slog.Logger
	client  *http.Client
	counter atomic.Int64

	copilotTokens copilotTokenCache

	// Endpoint roots, swappable in tests.
	githubAPIBase    string
	copilotBase      string
	googleTokenURL   string
	antigravityBases []string
}

func New(logsDir string, tokens TokenSource, publisher bus.EventPublisher, logger *slog.Logger) (*Runner, error) {
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return nil, fmt.Errorf("httpagent: create logs dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		logsDir:        logsDir,
		tokens:         tokens,
		bus:            publisher,
		logger:         logger.With("component", "httpagent"),
		client:         &http.Client{Timeout: 0},
		githubAPIBase:  "https://api.github.com",
		googleTokenURL: "https://oauth2.googleapis.com/token",
		antigravityBases: []string{
			"https://cloudcode-pa.googleapis.com",
			"https://daily-cloudcode-pa.googleapis.com",
			"https://autopush-cloudcode-pa.googleapis.com",
		},
	}, nil
}

// Spec mirrors the CLI runner spec for HTTP-backed providers.
type Spec struct {
	TaskID   string
	Provider string
	Model    string
	Prompt   string

	OnLine func(stream, line string)
	OnExit func(exitCode int)
}

// Stream is an in-flight HTTP agent run. PID is always negative.
type Stream struct {
	pid      int
	provider string
	logPath  string
	cancel   context.CancelFunc
	done     chan struct{}
}

func (s *Stream) PID() int         { return s.pid }
func (s *Stream) Provider() string { return s.provider }
func (s *Stream) LogPath() string  { return s.logPath }

// Done closes after the stream finishes and OnExit has run.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Kill aborts the underlying HTTP request.
func (s *Stream) Kill() { s.cancel() }

// Start launches the provider call in the background and returns the
// handle immediately, matching the child-runner contract.
func (r *Runner) Start(spec Spec) (*Stream, error) {
	var run func(ctx context.Context, spec Spec, emit func(string)) error
	switch spec.Provider {
	case store.ProviderCopilot:
		run = r.runCopilot
	case store.ProviderAntigravity:
		run = r.runAntigravity
	default:
		return nil, fmt.Errorf("httpagent: provider %q is not http-backed", spec.Provider)
	}

	logPath := filepath.Join(r.logsDir, spec.TaskID+".log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("httpagent: open task log: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Stream{
		pid:      int(-r.counter.Add(1)),
		provider: spec.Provider,
		logPath:  logPath,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	sink := &logSink{f: logFile}
	fmt.Fprintf(sink, "=== run %s (%s) at %s ===\n", spec.TaskID, spec.Provider, time.Now().Format(time.RFC3339))
	r.logger.Info("stream started", "task", spec.TaskID, "provider", spec.Provider, "pid", s.pid)

	emit := func(chunk string) {
		if chunk == "" {
			return
		}
		fmt.Fprint(sink, chunk)
		if r.bus != nil {
			r.bus.Broadcast(bus.Event{Type: protocol.EventCliOutput, Payload: protocol.CliOutputPayload{
				TaskID: spec.TaskID,
				Stream: protocol.StreamStdout,
				Data:   chunk,
			}})
		}
		if spec.OnLine != nil {
			spec.OnLine(protocol.StreamStdout, chunk)
		}
	}

	go func() {
		defer cancel()
		err := run(ctx, spec, emit)
		code := 0
		if err != nil {
			code = 1
			fmt.Fprintf(sink, "\n[error] %v\n", err)
			r.logger.Warn("stream failed", "task", spec.TaskID, "pid", s.pid, "error", err)
		}
		fmt.Fprintf(sink, "\n=== exit %d at %s ===\n", code, time.Now().Format(time.RFC3339))
		sink.Close()
		r.logger.Info("stream closed", "task", spec.TaskID, "pid", s.pid, "code", code)
		if spec.OnExit != nil {
			spec.OnExit(code)
		}
		close(s.done)
	}()

	return s, nil
}

// logSink serializes writes to the task log.
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
