package parse

import (
	"encoding/json"
	"regexp"
)

// plainParser scans free-form output for the JSON plan markers that
// providers without native subagents are prompted to print. Markers may
// split across lines, so matching runs over a bounded tail buffer.
type plainParser struct {
	hooks Hooks
	buf   []byte
}

// plainTailMax bounds the scan buffer so unbounded child output cannot
// grow server memory.
const plainTailMax = 2048

var (
	subtasksRe     = regexp.MustCompile(`\{"subtasks"\s*:\s*\[[^\]]*\]\}`)
	subtaskDoneRe  = regexp.MustCompile(`\{"subtask_done"\s*:\s*"((?:[^"\\]|\\.)*)"\}`)
	plainMarkersRe = regexp.MustCompile(`\{"subtasks"\s*:\s*\[[^\]]*\]\}|\{"subtask_done"\s*:\s*"(?:[^"\\]|\\.)*"\}`)
)

func newPlainParser(h Hooks) *plainParser {
	return &plainParser{hooks: h}
}

type plainPlan struct {
	Subtasks []struct {
		Title       string `json:"title"`
		Description string `json:"description"`
	} `json:"subtasks"`
}

type plainDone struct {
	SubtaskDone string `json:"subtask_done"`
}

func (p *plainParser) Feed(line string) {
	p.buf = append(p.buf, line...)
	p.buf = append(p.buf, '\n')
	for {
		loc := plainMarkersRe.FindIndex(p.buf)
		if loc == nil {
			break
		}
		match := p.buf[loc[0]:loc[1]]
		p.consume(match)
		p.buf = p.buf[loc[1]:]
	}
	if len(p.buf) > plainTailMax {
		p.buf = p.buf[len(p.buf)-plainTailMax:]
	}
}

func (p *plainParser) consume(match []byte) {
	if subtasksRe.Match(match) {
		var plan plainPlan
		if err := json.Unmarshal(match, &plan); err != nil {
			return
		}
		for _, st := range plan.Subtasks {
			if st.Title == "" {
				continue
			}
			// Plain streams carry no tool ids; the title doubles as the
			// completion key.
			p.hooks.startSubtask(st.Title, st.Title, st.Description)
		}
		return
	}
	if subtaskDoneRe.Match(match) {
		var done plainDone
		if err := json.Unmarshal(match, &done); err != nil {
			return
		}
		if done.SubtaskDone != "" {
			p.hooks.endSubtask(done.SubtaskDone)
		}
	}
}
