package workflow

import "github.com/pesio-ai/be-pm-approvals/internal/repository"

// BuildEscalationPath returns the fallback chain for a request: the
// requester's manager, then the department head when distinct, then every
// admin in directory order. Ids already present and the requester are
// skipped. The path is advisory; timed escalation is run by an external
// scheduler reading DueDate and EscalationPath.
func BuildEscalationPath(requester *repository.User, users []*repository.User) []string {
	path := make([]string, 0, 4)
	seen := make(map[string]struct{})
	add := func(id string) {
		if id == "" || (requester != nil && id == requester.ID) {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		path = append(path, id)
	}

	if requester != nil && requester.ManagerID != nil {
		add(*requester.ManagerID)
	}
	if h := departmentHead(requester, users); h != nil {
		add(h.ID)
	}
	for _, u := range users {
		if u.Role == repository.RoleAdmin && !u.Deactivated {
			add(u.ID)
		}
	}
	return path
}
