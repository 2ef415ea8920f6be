package orchestrator

import (
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/climpire/internal/store"
)

// Localized one-liners posted by agents during the delegation dance.
// Kept deliberately short; the UI renders them as chat bubbles.

func ackLine(lang, title string) string {
	switch lang {
	case "ko":
		return fmt.Sprintf("확인했습니다. \"%s\" 건은 팀에서 바로 진행하겠습니다.", title)
	case "ja":
		return fmt.Sprintf("承知しました。「%s」はチームですぐ進めます。", title)
	case "zh":
		return fmt.Sprintf("收到。「%s」我们团队马上处理。", title)
	default:
		return fmt.Sprintf("Understood. The team will get started on \"%s\" right away.", title)
	}
}

func assignLine(lang, assignee, title string) string {
	switch lang {
	case "ko":
		return fmt.Sprintf("%s님, \"%s\" 작업을 맡아주세요.", assignee, title)
	case "ja":
		return fmt.Sprintf("%sさん、「%s」をお願いします。", assignee, title)
	case "zh":
		return fmt.Sprintf("%s,请负责「%s」。", assignee, title)
	default:
		return fmt.Sprintf("%s, please take on \"%s\".", assignee, title)
	}
}

func subAckLine(lang string) string {
	switch lang {
	case "ko":
		return "네, 바로 시작하겠습니다."
	case "ja":
		return "はい、すぐに取りかかります。"
	case "zh":
		return "好的,马上开始。"
	default:
		return "On it, starting now."
	}
}

func directFallback(lang string) string {
	switch lang {
	case "ko":
		return "확인했습니다. 검토 후 말씀드리겠습니다."
	case "ja":
		return "確認しました。検討してご報告します。"
	case "zh":
		return "收到,我确认后回复您。"
	default:
		return "Noted. I'll look into it and get back to you."
	}
}

func announceAckLine(lang string) string {
	switch lang {
	case "ko":
		return "공지 확인했습니다. 팀에 공유하겠습니다."
	case "ja":
		return "お知らせを確認しました。チームに共有します。"
	case "zh":
		return "公告已收到,会同步给团队。"
	default:
		return "Announcement received. I'll share it with the team."
	}
}

func crossRequestLine(lang, fromDept, title string) string {
	switch lang {
	case "ko":
		return fmt.Sprintf("%s에서 협조 요청드립니다: \"%s\"", fromDept, title)
	case "ja":
		return fmt.Sprintf("%sから協力のお願いです:「%s」", fromDept, title)
	case "zh":
		return fmt.Sprintf("%s请求协作:「%s」", fromDept, title)
	default:
		return fmt.Sprintf("Cooperation request from %s: \"%s\"", fromDept, title)
	}
}

func crossAckLine(lang string) string {
	switch lang {
	case "ko":
		return "요청 확인했습니다. 저희 팀에서 처리하겠습니다."
	case "ja":
		return "依頼を確認しました。こちらのチームで対応します。"
	case "zh":
		return "请求已确认,我们团队来处理。"
	default:
		return "Request received. Our team will handle it."
	}
}

func kickoffLine(lang, title string) string {
	switch lang {
	case "ko":
		return fmt.Sprintf("\"%s\" 작업을 시작합니다.", title)
	case "ja":
		return fmt.Sprintf("「%s」の作業を開始します。", title)
	case "zh":
		return fmt.Sprintf("开始处理「%s」。", title)
	default:
		return fmt.Sprintf("Starting work on \"%s\".", title)
	}
}

func progressLine(lang, agentName, title string) string {
	switch lang {
	case "ko":
		return fmt.Sprintf("%s님이 \"%s\" 작업을 계속 진행 중입니다.", agentName, title)
	case "ja":
		return fmt.Sprintf("%sさんが「%s」を引き続き進めています。", agentName, title)
	case "zh":
		return fmt.Sprintf("%s仍在推进「%s」。", agentName, title)
	default:
		return fmt.Sprintf("%s is still making progress on \"%s\".", agentName, title)
	}
}

func reviewReportLine(lang, title, tail, diffStat string) string {
	var b strings.Builder
	switch lang {
	case "ko":
		fmt.Fprintf(&b, "\"%s\" 작업이 완료되어 검토 단계로 넘겼습니다.", title)
	case "ja":
		fmt.Fprintf(&b, "「%s」の作業が完了し、レビューに回しました。", title)
	case "zh":
		fmt.Fprintf(&b, "「%s」已完成,进入评审阶段。", title)
	default:
		fmt.Fprintf(&b, "Work on \"%s\" is complete and moved to review.", title)
	}
	if tail != "" {
		b.WriteString("\n\n")
		b.WriteString(tail)
	}
	if diffStat != "" {
		b.WriteString("\n\n")
		b.WriteString(diffStat)
	}
	return b.String()
}

func reviewWaitLine(lang string) string {
	switch lang {
	case "ko":
		return "위임된 하위 작업이 아직 진행 중이라 검토를 보류합니다."
	case "ja":
		return "委任したサブタスクが進行中のため、レビューを待機します。"
	case "zh":
		return "委派的子任务尚未完成,评审暂缓。"
	default:
		return "Delegated subtasks are still running; review is on hold."
	}
}

func doneLine(lang, title string) string {
	switch lang {
	case "ko":
		return fmt.Sprintf("\"%s\" 작업이 최종 완료되었습니다.", title)
	case "ja":
		return fmt.Sprintf("「%s」が最終完了しました。", title)
	case "zh":
		return fmt.Sprintf("「%s」已全部完成。", title)
	default:
		return fmt.Sprintf("\"%s\" is fully complete.", title)
	}
}

func conflictLine(lang, branch string, conflicts []string) string {
	files := strings.Join(conflicts, ", ")
	switch lang {
	case "ko":
		return fmt.Sprintf("%s 브랜치 병합 중 충돌이 발생했습니다. 수동 해결이 필요합니다: %s", branch, files)
	case "ja":
		return fmt.Sprintf("%sブランチのマージで競合が発生しました。手動での解決が必要です: %s", branch, files)
	case "zh":
		return fmt.Sprintf("合并%s分支时发生冲突,需要手动解决: %s", branch, files)
	default:
		return fmt.Sprintf("Merge of branch %s hit conflicts and needs manual resolution: %s", branch, files)
	}
}

func failureLine(lang, title, tail string) string {
	var b strings.Builder
	switch lang {
	case "ko":
		fmt.Fprintf(&b, "\"%s\" 작업이 실패했습니다. 인박스로 되돌렸습니다.", title)
	case "ja":
		fmt.Fprintf(&b, "「%s」の作業が失敗しました。インボックスに戻しました。", title)
	case "zh":
		fmt.Fprintf(&b, "「%s」执行失败,已退回收件箱。", title)
	default:
		fmt.Fprintf(&b, "Work on \"%s\" failed and was returned to the inbox.", title)
	}
	if tail != "" {
		b.WriteString("\n\n")
		b.WriteString(tail)
	}
	return b.String()
}

// Seeded subtask titles written on planned approval.

func finalizePlanTitle(lang string) string {
	switch lang {
	case "ko":
		return "세부 실행 계획 확정"
	case "ja":
		return "詳細実行計画の確定"
	case "zh":
		return "确定详细执行计划"
	default:
		return "Finalize detailed execution plan"
	}
}

func deliverableTitle(lang, deptName string) string {
	switch lang {
	case "ko":
		return fmt.Sprintf("%s 산출물 작성", deptName)
	case "ja":
		return fmt.Sprintf("%s成果物の作成", deptName)
	case "zh":
		return fmt.Sprintf("产出%s交付物", deptName)
	default:
		return fmt.Sprintf("Produce %s deliverable", deptName)
	}
}

func consolidateTitle(lang string) string {
	switch lang {
	case "ko":
		return "산출물 통합 및 마무리"
	case "ja":
		return "成果物の統合と仕上げ"
	case "zh":
		return "整合交付物并收尾"
	default:
		return "Consolidate deliverables"
	}
}

// statusIcon renders a subtask status for sibling enumerations in
// delegated prompts.
func statusIcon(status string) string {
	switch status {
	case store.SubtaskDone:
		return "✅"
	case store.SubtaskInProgress:
		return "🔄"
	case store.SubtaskBlocked:
		return "🚫"
	default:
		return "⏳"
	}
}
