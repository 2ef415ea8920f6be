package runner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/climpire/internal/bus"
	"github.com/nextlevelbuilder/climpire/pkg/protocol"
)

// Timeouts for the one-shot contract.
const (
	MeetingTurnTimeout = 35 * time.Second
	DirectReplyTimeout = 180 * time.Second
)

// OneShotSpec is a single bounded CLI invocation: meeting turns and
// direct chat replies.
type OneShotSpec struct {
	Provider        string
	Model           string
	ReasoningEffort string
	Dir             string
	Prompt          string
	Timeout         time.Duration // zero means MeetingTurnTimeout
	Label           string        // log file prefix, defaults to "oneshot"

	// StreamTaskID, when set, mirrors output to cli_output events.
	StreamTaskID string
}

// RunOnce runs the provider CLI to completion and returns captured
// stdout. A timeout escalates through the process-tree kill and returns
// an error; partial output is still returned.
func (r *Runner) RunOnce(ctx context.Context, spec OneShotSpec) (string, error) {
	argv, err := BuildArgv(spec.Provider, spec.Model, spec.ReasoningEffort)
	if err != nil {
		return "", err
	}
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = MeetingTurnTimeout
	}
	label := spec.Label
	if label == "" {
		label = "oneshot"
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = childEnv()
	setProcAttrs(cmd)
	cmd.Cancel = func() error {
		if cmd.Process != nil {
			killTree(cmd.Process.Pid)
		}
		return nil
	}
	cmd.WaitDelay = 3 * time.Second

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return "", fmt.Errorf("runner: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("runner: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("runner: stderr pipe: %w", err)
	}

	logPath := filepath.Join(r.logsDir, fmt.Sprintf("%s-%d.log", label, time.Now().UnixMilli()))
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", fmt.Errorf("runner: open run log: %w", err)
	}
	sink := &logSink{f: logFile}
	defer sink.Close()

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("runner: spawn %s: %w", argv[0], err)
	}
	go func() {
		io.WriteString(stdin, spec.Prompt)
		stdin.Close()
	}()

	var out strings.Builder
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sc := bufio.NewScanner(stdout)
		sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for sc.Scan() {
			line := sc.Text()
			out.WriteString(line)
			out.WriteByte('\n')
			fmt.Fprintln(sink, line)
			r.mirror(spec.StreamTaskID, protocol.StreamStdout, line)
		}
	}()
	go func() {
		defer wg.Done()
		sc := bufio.NewScanner(stderr)
		sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for sc.Scan() {
			line := sc.Text()
			fmt.Fprintln(sink, line)
			r.mirror(spec.StreamTaskID, protocol.StreamStderr, line)
		}
	}()

	wg.Wait()
	err = cmd.Wait()
	if ctx.Err() == context.DeadlineExceeded {
		return out.String(), fmt.Errorf("runner: %s timed out after %s", spec.Provider, timeout)
	}
	if err != nil {
		return out.String(), fmt.Errorf("runner: %s: %w", spec.Provider, err)
	}
	return out.String(), nil
}

func (r *Runner) mirror(taskID, stream, line string) {
	if taskID == "" || r.bus == nil {
		return
	}
	r.bus.Broadcast(bus.Event{Type: protocol.EventCliOutput, Payload: protocol.CliOutputPayload{
		TaskID: taskID,
		Stream: stream,
		Data:   line,
	}})
}
