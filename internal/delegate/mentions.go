package delegate

import (
	"regexp"
	"strings"

	"github.com/nextlevelbuilder/climpire/internal/store"
)

var mentionRe = regexp.MustCompile(`@([\p{L}\p{N}_.-]+)`)

// Mentions returns the raw @tokens in text, deduplicated, in order.
func Mentions(text string) []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range mentionRe.FindAllStringSubmatch(text, -1) {
		tok := strings.TrimRight(m[1], ".-")
		if tok == "" || seen[strings.ToLower(tok)] {
			continue
		}
		seen[strings.ToLower(tok)] = true
		out = append(out, tok)
	}
	return out
}

// Mention is a resolved @token: either a department or an agent. Agent
// mentions still carry the department the work routes through.
type Mention struct {
	DepartmentID string
	AgentID      string
}

// ResolveMentions matches tokens against department ids/names and agent
// names, case-insensitively. Unknown tokens are dropped.
func ResolveMentions(tokens []string, departments []store.Department, agents []store.Agent) []Mention {
	var out []Mention
	seenDept := map[string]bool{}
	for _, tok := range tokens {
		lower := strings.ToLower(tok)
		matched := false
		for i := range departments {
			d := &departments[i]
			if strings.EqualFold(d.ID, tok) || strings.EqualFold(d.Name, tok) || d.NameKo == tok {
				if !seenDept[d.ID] {
					seenDept[d.ID] = true
					out = append(out, Mention{DepartmentID: d.ID})
				}
				matched = true
				break
			}
		}
		if matched {
			continue
		}
		for i := range agents {
			a := &agents[i]
			if strings.ToLower(a.Name) == lower || a.NameKo == tok {
				if a.DepartmentID != nil && !seenDept[*a.DepartmentID] {
					seenDept[*a.DepartmentID] = true
					out = append(out, Mention{DepartmentID: *a.DepartmentID, AgentID: a.ID})
				}
				break
			}
		}
	}
	return out
}
