package delegate

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/nextlevelbuilder/climpire/internal/store"
)

func TestDetectDepartmentsOrderedByOccurrence(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "korean multi department directive",
			text: "디자인 시안과 QA 테스트 계획을 받아서 개발 배포 준비",
			want: []string{"design", "qa", "dev"},
		},
		{
			name: "single department",
			text: "백엔드 버그 수정해주세요",
			want: []string{"dev"},
		},
		{
			name: "english directive",
			text: "harden the security pipeline and add monitoring",
			want: []string{"devsecops", "operations"},
		},
		{
			name: "no keywords",
			text: "잘 부탁드립니다",
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DetectDepartments(tt.text)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("DetectDepartments(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestKeywordIndexWordBoundary(t *testing.T) {
	if got := DetectDepartments("rapid growth expected"); len(got) != 0 {
		t.Fatalf("got %v, api must not match inside rapid", got)
	}
	if got := DetectDepartments("expose the api for billing"); !reflect.DeepEqual(got, []string{"dev"}) {
		t.Fatalf("got %v, want [dev]", got)
	}
}

func TestExclude(t *testing.T) {
	got := Exclude([]string{"design", "dev", "qa"}, "dev")
	if !reflect.DeepEqual(got, []string{"design", "qa"}) {
		t.Fatalf("Exclude = %v", got)
	}
}

func TestMentions(t *testing.T) {
	toks := Mentions("@개발팀 두 분과 @Luna, 그리고 다시 @luna 부탁해요")
	if !reflect.DeepEqual(toks, []string{"개발팀", "Luna"}) {
		t.Fatalf("Mentions = %v", toks)
	}
}

func TestResolveMentions(t *testing.T) {
	departments := []store.Department{
		{ID: "dev", Name: "Development", NameKo: "개발팀"},
		{ID: "design", Name: "Design", NameKo: "디자인팀"},
	}
	design := "design"
	agents := []store.Agent{
		{ID: "a-luna", Name: "Luna", NameKo: "루나", DepartmentID: &design},
	}

	got := ResolveMentions([]string{"개발팀", "Luna", "nobody"}, departments, agents)
	want := []Mention{
		{DepartmentID: "dev"},
		{DepartmentID: "design", AgentID: "a-luna"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ResolveMentions = %+v, want %+v", got, want)
	}
}

func TestPickSubordinate(t *testing.T) {
	leader := store.Agent{ID: "lead", Role: store.RoleTeamLeader, Status: store.AgentIdle, Name: "Lead"}

	tests := []struct {
		name   string
		agents []store.Agent
		want   string // picked agent id, "" for nil
	}{
		{
			name: "idle beats break beats working",
			agents: []store.Agent{
				leader,
				{ID: "w", Role: store.RoleSenior, Status: store.AgentWorking, Name: "W"},
				{ID: "b", Role: store.RoleSenior, Status: store.AgentBreak, Name: "B"},
				{ID: "i", Role: store.RoleJunior, Status: store.AgentIdle, Name: "I"},
			},
			want: "i",
		},
		{
			name: "seniority breaks status ties",
			agents: []store.Agent{
				leader,
				{ID: "jr", Role: store.RoleJunior, Status: store.AgentIdle, Name: "Jr"},
				{ID: "sr", Role: store.RoleSenior, Status: store.AgentIdle, Name: "Sr"},
			},
			want: "sr",
		},
		{
			name: "offline and leaders excluded",
			agents: []store.Agent{
				leader,
				{ID: "off", Role: store.RoleSenior, Status: store.AgentOffline, Name: "Off"},
			},
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PickSubordinate(tt.agents, "lead")
			switch {
			case tt.want == "" && got != nil:
				t.Fatalf("picked %s, want nil", got.ID)
			case tt.want != "" && (got == nil || got.ID != tt.want):
				t.Fatalf("picked %v, want %s", got, tt.want)
			}
		})
	}
}

func TestDetectProjectPathAbsolute(t *testing.T) {
	dir := t.TempDir()
	got := DetectProjectPath("please fix the tests in "+dir+".", nil)
	if got != dir {
		t.Fatalf("DetectProjectPath = %q, want %q", got, dir)
	}
}

func TestDetectProjectPathByName(t *testing.T) {
	root := t.TempDir()
	proj := filepath.Join(root, "MyApp")
	if err := os.Mkdir(proj, 0o755); err != nil {
		t.Fatal(err)
	}

	got := DetectProjectPath("ship the new myapp login page", []string{root})
	if got != proj {
		t.Fatalf("DetectProjectPath = %q, want %q", got, proj)
	}
	if got := DetectProjectPath("nothing relevant here", []string{root}); got != "" {
		t.Fatalf("DetectProjectPath = %q, want empty", got)
	}
}
