package orchestrator

import (
	"context"

	"github.com/nextlevelbuilder/climpire/internal/httpagent"
	"github.com/nextlevelbuilder/climpire/internal/runner"
	"github.com/nextlevelbuilder/climpire/internal/store"
)

// Proc is one supervised execution handle: a CLI child process or an
// HTTP agent stream (negative pid).
type Proc interface {
	PID() int
	Kill()
}

// LaunchSpec describes one task execution, provider-agnostic.
type LaunchSpec struct {
	TaskID          string
	Provider        string
	Model           string
	ReasoningEffort string
	Dir             string
	Prompt          string

	OnLine func(stream, line string)
	OnExit func(exitCode int)
}

// Launcher starts task executions and bounded one-shot runs. It also
// satisfies meeting.OneShot, so one value serves both engines.
type Launcher interface {
	Launch(spec LaunchSpec) (Proc, error)
	RunOnce(ctx context.Context, spec runner.OneShotSpec) (string, error)
}

type launcher struct {
	cli  *runner.Runner
	http *httpagent.Runner
}

// NewLauncher dispatches copilot and antigravity to the HTTP agent
// runner and every other provider to the CLI child runner.
func NewLauncher(cli *runner.Runner, http *httpagent.Runner) Launcher {
	return &launcher{cli: cli, http: http}
}

func (l *launcher) Launch(spec LaunchSpec) (Proc, error) {
	switch spec.Provider {
	case store.ProviderCopilot, store.ProviderAntigravity:
		s, err := l.http.Start(httpagent.Spec{
			TaskID:   spec.TaskID,
			Provider: spec.Provider,
			Model:    spec.Model,
			Prompt:   spec.Prompt,
			OnLine:   spec.OnLine,
			OnExit:   spec.OnExit,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		p, err := l.cli.Start(runner.Spec{
			TaskID:          spec.TaskID,
			Provider:        spec.Provider,
			Model:           spec.Model,
			ReasoningEffort: spec.ReasoningEffort,
			Dir:             spec.Dir,
			Prompt:          spec.Prompt,
			OnLine:          spec.OnLine,
			OnExit:          spec.OnExit,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

func (l *launcher) RunOnce(ctx context.Context, spec runner.OneShotSpec) (string, error) {
	return l.cli.RunOnce(ctx, spec)
}
