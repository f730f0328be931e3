package workflow

import "github.com/pesio-ai/be-pm-approvals/internal/repository"

// ResolveApprovers expands approver specs into concrete users. Results are
// concatenated in approver order, the requester is dropped, and duplicates are
// removed keeping the first occurrence; the order matters for sequential
// requests. When estimatedValue is known, users whose approval limit is
// below it are skipped.
//
// An empty result is returned as-is; the caller decides that a matched rule
// with nobody to approve is ErrNoApproversResolved.
func ResolveApprovers(
	specs []repository.ApproverSpec,
	requester *repository.User,
	users []*repository.User,
	estimatedValue *float64,
) []*repository.User {
	byID := make(map[string]*repository.User, len(users))
	for _, u := range users {
		byID[u.ID] = u
	}

	var candidates []*repository.User
	for _, spec := range specs {
		switch spec.Type {
		case repository.ApproverUser:
			if u, ok := byID[spec.Identifier]; ok && !u.Deactivated {
				candidates = append(candidates, u)
			}
		case repository.ApproverRole:
			for _, u := range users {
				if string(u.Role) == spec.Identifier && !u.Deactivated {
					candidates = append(candidates, u)
				}
			}
		case repository.ApproverManager:
			if m := managerOf(requester, byID); m != nil {
				candidates = append(candidates, m)
			}
		case repository.ApproverDepartmentHead:
			if h := departmentHead(requester, users); h != nil {
				candidates = append(candidates, h)
			}
		}
	}

	seen := make(map[string]struct{}, len(candidates))
	out := make([]*repository.User, 0, len(candidates))
	for _, u := range candidates {
		if requester != nil && u.ID == requester.ID {
			continue
		}
		if _, dup := seen[u.ID]; dup {
			continue
		}
		if !withinLimit(u, estimatedValue) {
			continue
		}
		seen[u.ID] = struct{}{}
		out = append(out, u)
	}
	return out
}

// UserIDs projects users onto their ids.
func UserIDs(users []*repository.User) []string {
	ids := make([]string, len(users))
	for i, u := range users {
		ids[i] = u.ID
	}
	return ids
}

func managerOf(requester *repository.User, byID map[string]*repository.User) *repository.User {
	if requester == nil || requester.ManagerID == nil {
		return nil
	}
	m, ok := byID[*requester.ManagerID]
	if !ok || m.Deactivated {
		return nil
	}
	return m
}

// departmentHead is the first active manager in the requester's department.
func departmentHead(requester *repository.User, users []*repository.User) *repository.User {
	dept := requester.DepartmentName()
	if dept == "" {
		return nil
	}
	for _, u := range users {
		if u.Role == repository.RoleManager && u.DepartmentName() == dept && !u.Deactivated {
			return u
		}
	}
	return nil
}

func withinLimit(u *repository.User, estimatedValue *float64) bool {
	if u.ApprovalLimit == nil || estimatedValue == nil {
		return true
	}
	return *u.ApprovalLimit >= *estimatedValue
}
