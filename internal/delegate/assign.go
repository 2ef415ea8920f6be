package delegate

import (
	"sort"

	"github.com/nextlevelbuilder/climpire/internal/store"
)

var statusRank = map[string]int{
	store.AgentIdle:    0,
	store.AgentBreak:   1,
	store.AgentWorking: 2,
}

var roleRank = map[string]int{
	store.RoleSenior: 0,
	store.RoleJunior: 1,
	store.RoleIntern: 2,
}

// PickSubordinate chooses the best delegation target among a
// department's agents, excluding the leader: the most available first
// (idle over break over working), then the most senior. Offline agents
// and other team leaders never qualify. Returns nil when the leader
// must self-assign.
func PickSubordinate(agents []store.Agent, leaderID string) *store.Agent {
	var pool []store.Agent
	for _, a := range agents {
		if a.ID == leaderID || a.Role == store.RoleTeamLeader || a.Status == store.AgentOffline {
			continue
		}
		pool = append(pool, a)
	}
	if len(pool) == 0 {
		return nil
	}
	sort.SliceStable(pool, func(i, j int) bool {
		si, sj := rankOf(statusRank, pool[i].Status, 3), rankOf(statusRank, pool[j].Status, 3)
		if si != sj {
			return si < sj
		}
		ri, rj := rankOf(roleRank, pool[i].Role, 3), rankOf(roleRank, pool[j].Role, 3)
		if ri != rj {
			return ri < rj
		}
		return pool[i].Name < pool[j].Name
	})
	return &pool[0]
}

func rankOf(m map[string]int, key string, unknown int) int {
	if r, ok := m[key]; ok {
		return r
	}
	return unknown
}
