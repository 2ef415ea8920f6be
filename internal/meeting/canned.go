package meeting

// Turn kinds, persisted as meeting entry message types.
const (
	TurnOpening  = "opening"
	TurnFeedback = "feedback"
	TurnSummary  = "summary"
	TurnApproval = "approval"
)

// Approval stances.
const (
	StanceApprove     = "approve"
	StanceHold        = "hold"
	StanceConditional = "conditional"
)

// cannedReplies substitute for unusable CLI output, keyed by locale and
// turn kind (approvals additionally by stance). The non-revision texts
// deliberately avoid every token of the revision trigger set.
var cannedReplies = map[string]map[string]string{
	LangEN: {
		TurnOpening:                 "Kickoff noted. Let's go over the plan and confirm the scope together.",
		TurnFeedback:                "Feedback acknowledged. This looks workable from my side.",
		TurnSummary:                 "I will consolidate the input and finalize the plan.",
		TurnApproval:                "I approve. Let's proceed now.",
		TurnApproval + "_" + StanceHold:        "I hold my approval until the revision lands.",
		TurnApproval + "_" + StanceConditional: "Agreed, on the condition that the requested revision is applied.",
	},
	LangKO: {
		TurnOpening:                 "킥오프 확인했습니다. 계획과 범위를 함께 검토하시죠.",
		TurnFeedback:                "피드백 확인했습니다. 제 쪽에서는 진행 가능해 보입니다.",
		TurnSummary:                 "의견을 취합해서 계획을 확정하겠습니다.",
		TurnApproval:                "승인합니다. 바로 진행하시죠.",
		TurnApproval + "_" + StanceHold:        "보완이 반영될 때까지 승인은 보류하겠습니다.",
		TurnApproval + "_" + StanceConditional: "조건부로 동의합니다. 보완 사항 반영 부탁드립니다.",
	},
	LangJA: {
		TurnOpening:                 "キックオフを確認しました。計画と範囲を一緒に確認しましょう。",
		TurnFeedback:                "フィードバックを確認しました。こちらとしては進められそうです。",
		TurnSummary:                 "意見をまとめて計画を確定します。",
		TurnApproval:                "承認します。進めましょう。",
		TurnApproval + "_" + StanceHold:        "修正が反映されるまで承認は保留します。",
		TurnApproval + "_" + StanceConditional: "条件付きで賛成します。修正をお願いします。",
	},
	LangZH: {
		TurnOpening:                 "已确认启动。我们一起审查计划和范围。",
		TurnFeedback:                "已确认反馈。我这边可以推进。",
		TurnSummary:                 "我会汇总意见并确定计划。",
		TurnApproval:                "我批准,现在推进吧。",
		TurnApproval + "_" + StanceHold:        "在补充完成之前,我先不批准。",
		TurnApproval + "_" + StanceConditional: "有条件同意,请落实修改。",
	},
}

// CannedReply returns the localized fallback line for a turn. Approval
// turns vary by stance; other kinds ignore it.
func CannedReply(kind, stance, lang string) string {
	table, ok := cannedReplies[lang]
	if !ok {
		table = cannedReplies[LangEN]
	}
	if kind == TurnApproval && stance != StanceApprove && stance != "" {
		if s, ok := table[TurnApproval+"_"+stance]; ok {
			return s
		}
	}
	if s, ok := table[kind]; ok {
		return s
	}
	return table[TurnFeedback]
}
