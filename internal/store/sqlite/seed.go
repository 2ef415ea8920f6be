package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/climpire/internal/store"
)

type seedDept struct {
	id, name, nameKo, icon, color string
	sort                          int
}

type seedAgent struct {
	dept, name, nameKo, role, provider, emoji, personality string
}

// Workflow order: Planning → Development → Design → QA → DevSecOps → Operations.
var seedDepartments = []seedDept{
	{"planning", "Planning", "기획팀", "📋", "#8b5cf6", 1},
	{"dev", "Development", "개발팀", "💻", "#3b82f6", 2},
	{"design", "Design", "디자인팀", "🎨", "#ec4899", 3},
	{"qa", "QA", "QA팀", "🧪", "#f59e0b", 4},
	{"devsecops", "DevSecOps", "보안팀", "🛡️", "#10b981", 5},
	{"operations", "Operations", "운영팀", "⚙️", "#64748b", 6},
}

var seedAgents = []seedAgent{
	{"planning", "Noah", "노아", store.RoleTeamLeader, store.ProviderClaude, "🧭", "structured, keeps everyone aligned"},
	{"planning", "Mina", "미나", store.RoleSenior, store.ProviderGemini, "📊", "data-first, asks sharp questions"},
	{"planning", "Theo", "테오", store.RoleJunior, store.ProviderOpencode, "📝", "eager note-taker"},

	{"dev", "Aria", "아리아", store.RoleTeamLeader, store.ProviderClaude, "🚀", "pragmatic, ships in small steps"},
	{"dev", "Kai", "카이", store.RoleSenior, store.ProviderCodex, "🔧", "deep diver, loves refactoring"},
	{"dev", "Juno", "주노", store.RoleJunior, store.ProviderGemini, "🌱", "curious, fast learner"},

	{"design", "Luna", "루나", store.RoleTeamLeader, store.ProviderClaude, "🌙", "minimalist with strong opinions"},
	{"design", "Sol", "솔", store.RoleSenior, store.ProviderGemini, "☀️", "detail obsessed"},
	{"design", "Remy", "레미", store.RoleJunior, store.ProviderOpencode, "🎨", "playful experimenter"},

	{"qa", "Iris", "아이리스", store.RoleTeamLeader, store.ProviderClaude, "🔍", "never trusts a green build"},
	{"qa", "Dana", "다나", store.RoleSenior, store.ProviderCodex, "🧪", "edge-case hunter"},
	{"qa", "Pip", "핍", store.RoleJunior, store.ProviderGemini, "🐛", "writes reproductions for fun"},

	{"devsecops", "Rex", "렉스", store.RoleTeamLeader, store.ProviderClaude, "🛡️", "assumes breach, verifies twice"},
	{"devsecops", "Vera", "베라", store.RoleSenior, store.ProviderCodex, "🔐", "automates everything"},
	{"devsecops", "Nico", "니코", store.RoleJunior, store.ProviderOpencode, "⚡", "pipeline tinkerer"},

	{"operations", "Sage", "세이지", store.RoleTeamLeader, store.ProviderClaude, "🌿", "calm under incident"},
	{"operations", "Omar", "오마르", store.RoleSenior, store.ProviderGemini, "📈", "watches the dashboards"},
	{"operations", "Lee", "리", store.RoleJunior, store.ProviderOpencode, "🧰", "runbook curator"},
}

// SeedIfEmpty inserts the six departments and the baseline agent roster on
// first boot. Existing rows short-circuit each half independently.
func (s *Store) SeedIfEmpty(ctx context.Context) error {
	now := fmtTime(time.Now())

	var deptCount int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM departments`).Scan(&deptCount); err != nil {
		return fmt.Errorf("sqlite: count departments: %w", err)
	}
	if deptCount == 0 {
		for _, d := range seedDepartments {
			if _, err := s.db.ExecContext(ctx,
				`INSERT INTO departments (id, name, name_ko, icon, color, sort_order) VALUES (?, ?, ?, ?, ?, ?)`,
				d.id, d.name, d.nameKo, d.icon, d.color, d.sort); err != nil {
				return fmt.Errorf("sqlite: seed department %s: %w", d.id, err)
			}
		}
		s.logger.Info("seeded departments", "count", len(seedDepartments))
	}

	var agentCount int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents`).Scan(&agentCount); err != nil {
		return fmt.Errorf("sqlite: count agents: %w", err)
	}
	if agentCount == 0 {
		for _, a := range seedAgents {
			if _, err := s.db.ExecContext(ctx,
				`INSERT INTO agents (id, name, name_ko, department_id, role, cli_provider,
				                     avatar_emoji, personality, status, created_at, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				uuid.NewString(), a.name, a.nameKo, a.dept, a.role, a.provider,
				a.emoji, a.personality, store.AgentIdle, now, now); err != nil {
				return fmt.Errorf("sqlite: seed agent %s: %w", a.name, err)
			}
		}
		s.logger.Info("seeded agents", "count", len(seedAgents))
	}
	return nil
}
