// Package delegate holds the routing primitives of the delegation
// engine: department keyword detection, mention scanning, subordinate
// selection and project path detection. The flows that use them live in
// the orchestrator.
package delegate

import (
	"fmt"
	"sort"
	"strings"

	"github.com/nextlevelbuilder/climpire/internal/store"
)

// deptKeywords maps department ids to the directive keywords that route
// work there. Korean terms carry most real directives; the English set
// is word-boundary matched to avoid substring hits.
var deptKeywords = map[string][]string{
	"planning": {
		"기획", "요구사항", "로드맵", "전략", "일정", "우선순위",
		"planning", "requirement", "requirements", "roadmap", "strategy",
	},
	"dev": {
		"개발", "코딩", "백엔드", "프론트엔드", "API", "서버", "코드", "버그", "테스트", "구현", "리팩토링",
		"develop", "development", "coding", "backend", "frontend", "api", "server", "bug", "implement",
	},
	"design": {
		"디자인", "UI", "UX", "목업", "시안", "프로토타입", "와이어프레임", "아이콘", "로고",
		"design", "mockup", "wireframe", "prototype", "figma",
	},
	"qa": {
		"QA", "테스트", "검증", "품질", "회귀", "재현",
		"qa", "testing", "verification", "quality", "regression",
	},
	"devsecops": {
		"보안", "취약점", "침투", "암호화", "파이프라인", "CI/CD",
		"security", "vulnerability", "pentest", "encryption", "pipeline",
	},
	"operations": {
		"운영", "모니터링", "인프라", "장애", "온콜", "알림",
		"operations", "monitoring", "infra", "incident", "oncall",
	},
}

// deptOrder breaks position ties deterministically, following the
// seeded workflow order.
var deptOrder = map[string]int{
	"planning": 1, "dev": 2, "design": 3, "qa": 4, "devsecops": 5, "operations": 6,
}

// DetectDepartments returns the department ids whose keywords appear in
// text, ordered by first occurrence. The cross-department queue
// processes mentions in exactly this order.
func DetectDepartments(text string) []string {
	lower := strings.ToLower(text)
	type hit struct {
		dept string
		pos  int
	}
	var hits []hit
	for dept, kws := range deptKeywords {
		best := -1
		for _, kw := range kws {
			pos := keywordIndex(lower, strings.ToLower(kw))
			if pos >= 0 && (best < 0 || pos < best) {
				best = pos
			}
		}
		if best >= 0 {
			hits = append(hits, hit{dept, best})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].pos != hits[j].pos {
			return hits[i].pos < hits[j].pos
		}
		return deptOrder[hits[i].dept] < deptOrder[hits[j].dept]
	})
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.dept
	}
	return out
}

// Exclude filters id out of depts, preserving order.
func Exclude(depts []string, id string) []string {
	out := depts[:0:0]
	for _, d := range depts {
		if d != id {
			out = append(out, d)
		}
	}
	return out
}

// keywordIndex finds kw in lower. ASCII keywords must sit on word
// boundaries so that "api" never matches inside "rapid"; CJK keywords
// match as plain substrings since Korean compounds agglutinate.
func keywordIndex(lower, kw string) int {
	if !isASCII(kw) {
		return strings.Index(lower, kw)
	}
	start := 0
	for {
		i := strings.Index(lower[start:], kw)
		if i < 0 {
			return -1
		}
		i += start
		if boundaryAt(lower, i) && boundaryAt(lower, i+len(kw)) {
			return i
		}
		start = i + 1
	}
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

// boundaryAt reports whether position i does not split an ASCII
// alphanumeric run.
func boundaryAt(s string, i int) bool {
	if i <= 0 || i >= len(s) {
		return true
	}
	prev, cur := s[i-1], s[i]
	alnum := func(b byte) bool {
		return b >= 'a' && b <= 'z' || b >= '0' && b <= '9'
	}
	return !(alnum(prev) && alnum(cur))
}

// DeptDisplayName picks the department name for a locale.
func DeptDisplayName(dept *store.Department, lang string) string {
	if lang == "ko" && dept.NameKo != "" {
		return dept.NameKo
	}
	return dept.Name
}

// AgentDisplayName picks the agent name for a locale.
func AgentDisplayName(a *store.Agent, lang string) string {
	if lang == "ko" && a.NameKo != "" {
		return a.NameKo
	}
	return a.Name
}

// BlockedReason is the localized note on a subtask parked for another
// department.
func BlockedReason(lang, deptName string) string {
	switch lang {
	case "ko":
		return fmt.Sprintf("%s 담당 업무입니다. 본 작업 완료 후 전달됩니다.", deptName)
	case "ja":
		return fmt.Sprintf("%sの担当です。本作業の完了後に引き継がれます。", deptName)
	case "zh":
		return fmt.Sprintf("由%s负责,主任务完成后移交。", deptName)
	default:
		return fmt.Sprintf("Waiting for handoff to %s.", deptName)
	}
}

// BlockedFailureReason is the localized note when a delegated child
// task exits non-zero.
func BlockedFailureReason(lang, deptName string) string {
	switch lang {
	case "ko":
		return fmt.Sprintf("%s 위임 작업이 실패했습니다. 확인이 필요합니다.", deptName)
	case "ja":
		return fmt.Sprintf("%sへの委任作業が失敗しました。確認が必要です。", deptName)
	case "zh":
		return fmt.Sprintf("%s的委派任务失败了,需要确认。", deptName)
	default:
		return fmt.Sprintf("Delegated work in %s failed and needs attention.", deptName)
	}
}
