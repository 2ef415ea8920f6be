package meeting

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/nextlevelbuilder/climpire/internal/store"
)

// revisionTrigger flags a reply as requesting rework. Kept as one union
// over every locale's tokens so a single scan covers mixed-language
// replies.
var revisionTrigger = regexp.MustCompile(`(?i)보완|수정|보류|리스크|추가.?필요|hold|revise|revision|required|pending|risk|block|保留|修正|补充|暂缓`)

// RoleLabel spells an agent role for prompts and meeting minutes.
func RoleLabel(role string) string {
	switch role {
	case store.RoleTeamLeader:
		return "Team Leader"
	case store.RoleSenior:
		return "Senior"
	case store.RoleJunior:
		return "Junior"
	case store.RoleIntern:
		return "Intern"
	default:
		return "Member"
	}
}

// roleConstraints keep each speaker inside their department's lane.
// Reused verbatim in the execution prompt via RoleConstraint.
var roleConstraints = map[string]string{
	"planning":   "You own scope, schedule and priorities. You do not design screens or write code.",
	"dev":        "You own implementation. You do not decide product scope on your own.",
	"design":     "You own UX and visual design. You do not write production code.",
	"qa":         "You own verification and quality. You may not write production code.",
	"devsecops":  "You own security and the delivery pipeline. You do not change product scope.",
	"operations": "You own running systems and monitoring. You do not rewrite application code.",
}

// RoleConstraint returns the domain boundary line for a department, or
// "" for departments without one.
func RoleConstraint(departmentID string) string {
	return roleConstraints[departmentID]
}

func meetingLabel(meetingType string) string {
	if meetingType == store.MeetingPlanned {
		return "Planned Approval Meeting"
	}
	return "Review Consensus Meeting"
}

func meetingTitle(meetingType string, round int, lang string) string {
	planned := meetingType == store.MeetingPlanned
	switch lang {
	case LangKO:
		if planned {
			return fmt.Sprintf("기획 승인 회의 (%d차)", round)
		}
		return fmt.Sprintf("리뷰 합의 회의 (%d차)", round)
	case LangJA:
		if planned {
			return fmt.Sprintf("計画承認会議(第%d回)", round)
		}
		return fmt.Sprintf("レビュー合意会議(第%d回)", round)
	case LangZH:
		if planned {
			return fmt.Sprintf("计划审批会议(第%d轮)", round)
		}
		return fmt.Sprintf("评审共识会议(第%d轮)", round)
	default:
		if planned {
			return fmt.Sprintf("Planned approval meeting (round %d)", round)
		}
		return fmt.Sprintf("Review consensus meeting (round %d)", round)
	}
}

func objective(kind string, needsRevision bool) string {
	switch kind {
	case TurnOpening:
		return "Open the meeting: summarize the task in your own words and ask the other leaders for their assessment."
	case TurnFeedback:
		return "Give your department's honest assessment. Raise concrete concerns only where you actually see them."
	case TurnSummary:
		if needsRevision {
			return "Summarize the requested revisions into one concrete rework plan."
		}
		return "Wrap up the discussion and ask every leader for final approval."
	case TurnApproval:
		return "State your final position on this task."
	}
	return ""
}

func stanceHint(stance string) string {
	switch stance {
	case StanceApprove:
		return "Approve now."
	case StanceHold:
		return "You raised the revision request. Hold your approval until the rework lands."
	case StanceConditional:
		return "Agree with conditional approval and name your condition."
	}
	return ""
}

// transcriptLine is one already-spoken turn, denormalized the same way
// meeting entries are.
type transcriptLine struct {
	speaker string
	dept    string
	role    string
	content string
}

type promptInput struct {
	meetingType   string
	round         int
	task          *store.Task
	speakerName   string
	deptID        string
	deptName      string
	roleLabel     string
	lang          string
	kind          string
	stance        string
	needsRevision bool
	transcript    []transcriptLine
}

// buildPrompt renders the per-turn meeting prompt: meeting label, task,
// round, speaker identity and constraint, locale and output rules, the
// turn objective with an optional stance hint, and the numbered
// transcript so far.
func buildPrompt(in promptInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]\n", meetingLabel(in.meetingType))
	fmt.Fprintf(&b, "Task: %s\n", in.task.Title)
	if in.task.Description != "" {
		fmt.Fprintf(&b, "Context: %s\n", in.task.Description)
	}
	fmt.Fprintf(&b, "Round: %d\n\n", in.round)

	fmt.Fprintf(&b, "You are %s, %s %s.\n", in.speakerName, in.deptName, in.roleLabel)
	if c := RoleConstraint(in.deptID); c != "" {
		b.WriteString(c)
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "Respond in %s.\n\n", languageName(in.lang))

	b.WriteString("Output rules: write exactly one natural chat message. No JSON, no markdown, no code. Keep it to 1-3 sentences and take an explicit, actionable stance.\n\n")

	fmt.Fprintf(&b, "Objective: %s\n", objective(in.kind, in.needsRevision))
	if hint := stanceHint(in.stance); hint != "" {
		fmt.Fprintf(&b, "Stance: %s\n", hint)
	}

	if len(in.transcript) > 0 {
		b.WriteString("\nConversation so far:\n")
		for i, l := range in.transcript {
			fmt.Fprintf(&b, "%d. %s (%s %s): %s\n", i+1, l.speaker, l.dept, l.role, l.content)
		}
	}
	return b.String()
}
