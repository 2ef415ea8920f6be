package meeting

import (
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/nextlevelbuilder/climpire/internal/pretty"
)

// Reply length ceilings, in runes. Office bubbles truncate by display
// width instead so CJK text fits the fixed-width balloon.
const (
	DirectReplyLimit = 420
	MeetingLimit     = 360
	PreviewWidth     = 96
)

// narrationPrefixes mark sentences where the model talks about its own
// work instead of answering. Matched case-insensitively at sentence
// start.
var narrationPrefixes = []string{
	"i need to",
	"i'll ",
	"i will ",
	"let me ",
	"let's start by",
	"i'm going to",
	"i am going to",
	"first, i",
	"now i ",
	"okay, i",
	"looking at the",
	"analyzing the",
}

// Sanitize turns raw one-shot CLI output into a single chat-sized
// utterance: pretty-print, strip tool noise and narration, dedupe
// sentences, keep at most two, clip to limit runes. Empty output means
// nothing usable survived and the caller should fall back to a canned
// reply.
func Sanitize(raw string, limit int) string {
	text := pretty.Render(raw)

	var kept []string
	inFence := false
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}
		if trimmed == "" || isMarkerLine(trimmed) || strings.HasPrefix(trimmed, "$ ") {
			continue
		}
		kept = append(kept, trimmed)
	}

	joined := strings.Join(kept, " ")
	joined = strings.ReplaceAll(joined, "**", "")
	joined = strings.ReplaceAll(joined, "`", "")
	joined = strings.Join(strings.Fields(joined), " ")

	sentences := splitSentences(joined)
	seen := map[string]bool{}
	var out []string
	for _, s := range sentences {
		if isNarration(s) {
			continue
		}
		key := strings.ToLower(strings.Join(strings.Fields(s), " "))
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s)
		if len(out) == 2 {
			break
		}
	}

	result := strings.TrimSpace(strings.Join(out, " "))
	return truncateRunes(result, limit)
}

// Acceptable reports whether a sanitized reply can be posted as-is for
// the target locale. English prose longer than 20 runes is rejected for
// CJK locales; the engine substitutes a canned localized reply.
func Acceptable(reply, lang string) bool {
	if reply == "" {
		return false
	}
	if isNarration(reply) {
		return false
	}
	if lang == LangKO || lang == LangJA || lang == LangZH {
		if len([]rune(reply)) > 20 && !hasCJK(reply) {
			return false
		}
	}
	return true
}

// Preview clips a reply to the office-bubble width, display-width
// aware so double-width CJK runes count as two columns.
func Preview(s string) string {
	return runewidth.Truncate(s, PreviewWidth, "…")
}

// isMarkerLine matches the pretty-printer's bracketed meta and tool
// markers, e.g. [init], [tool: shell], [usage], [spawn_agent].
func isMarkerLine(s string) bool {
	if !strings.HasPrefix(s, "[") {
		return false
	}
	return strings.Contains(s, "]")
}

func isNarration(s string) bool {
	lower := strings.ToLower(strings.TrimSpace(s))
	for _, p := range narrationPrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

var sentenceEnders = map[rune]bool{
	'.': true, '!': true, '?': true,
	'。': true, '…': true,
}

// splitSentences cuts after terminal punctuation, keeping the
// delimiter with its sentence.
func splitSentences(s string) []string {
	var out []string
	var cur strings.Builder
	for _, r := range s {
		cur.WriteRune(r)
		if sentenceEnders[r] {
			if t := strings.TrimSpace(cur.String()); t != "" {
				out = append(out, t)
			}
			cur.Reset()
		}
	}
	if t := strings.TrimSpace(cur.String()); t != "" {
		out = append(out, t)
	}
	return out
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-1]) + "…"
}
