package repository

import "time"

// ── Directory ─────────────────────────────────────────────────────────────────

// Role is a user's organisational role.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleManager Role = "manager"
	RoleMember  Role = "member"
	RoleViewer  Role = "viewer"
)

// User is a directory record. The engine only reads users.
type User struct {
	ID            string   `json:"id" yaml:"id"`
	Email         string   `json:"email,omitempty" yaml:"email,omitempty"`
	Name          string   `json:"name,omitempty" yaml:"name,omitempty"`
	Role          Role     `json:"role" yaml:"role"`
	ManagerID     *string  `json:"managerId,omitempty" yaml:"manager_id,omitempty"`
	Department    *string  `json:"department,omitempty" yaml:"department,omitempty"`
	ApprovalLimit *float64 `json:"approvalLimit,omitempty" yaml:"approval_limit,omitempty"`
	Deactivated   bool     `json:"deactivated,omitempty" yaml:"deactivated,omitempty"`
}

// DepartmentName returns the department or "" when unset.
func (u *User) DepartmentName() string {
	if u == nil || u.Department == nil {
		return ""
	}
	return *u.Department
}

// ── Tasks ─────────────────────────────────────────────────────────────────────

// Priority of a task.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank orders priorities; unknown values rank 0.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityMedium:
		return 2
	case PriorityHigh:
		return 3
	case PriorityCritical:
		return 4
	}
	return 0
}

// TaskStatus is the board column a task sits in.
type TaskStatus string

const (
	TaskStatusTodo       TaskStatus = "todo"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusOnHold     TaskStatus = "on_hold"
	TaskStatusDone       TaskStatus = "done"
)

// Task is the snapshot the engine evaluates rules against. Only Approval,
// Status and StartDate are ever written back.
type Task struct {
	ID             string           `json:"id" yaml:"id"`
	Title          string           `json:"title,omitempty" yaml:"title,omitempty"`
	Priority       Priority         `json:"priority" yaml:"priority"`
	EstimatedValue *float64         `json:"estimatedValue,omitempty" yaml:"estimated_value,omitempty"`
	Tags           []string         `json:"tags" yaml:"tags,omitempty"`
	ProjectID      string           `json:"projectId" yaml:"project_id"`
	RequesterID    string           `json:"requesterId" yaml:"requester_id"`
	Status         TaskStatus       `json:"status,omitempty" yaml:"status,omitempty"`
	StartDate      *time.Time       `json:"startDate,omitempty" yaml:"-"`
	Approval       *ApprovalRequest `json:"approval,omitempty" yaml:"-"`
	UpdatedAt      time.Time        `json:"updatedAt,omitempty" yaml:"-"`
}

// TaskUpdate carries the partial fields of an updateTask call. Nil fields
// are left untouched.
type TaskUpdate struct {
	Approval  *ApprovalRequest
	Status    *TaskStatus
	StartDate *time.Time
}

// ── Rules ─────────────────────────────────────────────────────────────────────

// ApproverType is the kind of an approver spec.
type ApproverType string

const (
	ApproverUser           ApproverType = "user"
	ApproverRole           ApproverType = "role"
	ApproverManager        ApproverType = "manager"
	ApproverDepartmentHead ApproverType = "department_head"
)

// ApproverSpec describes who must approve, resolved to users at request time.
type ApproverSpec struct {
	Type       ApproverType `json:"type" yaml:"type"`
	Identifier string       `json:"identifier,omitempty" yaml:"identifier,omitempty"`
	Required   bool         `json:"required" yaml:"required"`
	Order      *int         `json:"order,omitempty" yaml:"order,omitempty"`
}

// Condition is a single field/operator/value predicate. Value is a string,
// number, or list depending on the operator.
type Condition struct {
	Field    string `json:"field" yaml:"field"`
	Operator string `json:"operator" yaml:"operator"`
	Value    any    `json:"value" yaml:"value"`
}

// ApprovalRule maps a condition to the approvers it requires.
type ApprovalRule struct {
	ID                  string         `json:"id" yaml:"id"`
	Condition           Condition      `json:"condition" yaml:"condition"`
	Approvers           []ApproverSpec `json:"approvers" yaml:"approvers"`
	EscalationTimeHours *int           `json:"escalationTimeHours,omitempty" yaml:"escalation_time_hours,omitempty"`
}

// ApprovalHierarchy is an ordered rule list; at most one is active.
type ApprovalHierarchy struct {
	ID          string         `json:"id" yaml:"id"`
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Rules       []ApprovalRule `json:"rules" yaml:"rules"`
	Active      bool           `json:"active" yaml:"active"`
	CreatedBy   string         `json:"createdBy,omitempty" yaml:"created_by,omitempty"`
	CreatedAt   time.Time      `json:"createdAt" yaml:"created_at,omitempty"`
}

// ── Requests ──────────────────────────────────────────────────────────────────

// ApprovalStatus of a request. Non-pending values are terminal.
type ApprovalStatus string

const (
	StatusPending  ApprovalStatus = "pending"
	StatusApproved ApprovalStatus = "approved"
	StatusRejected ApprovalStatus = "rejected"
)

// Terminal reports whether no further votes are accepted.
func (s ApprovalStatus) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// ApprovalType is the quorum discipline of a request.
type ApprovalType string

const (
	ApprovalParallel   ApprovalType = "parallel"
	ApprovalAnyOne     ApprovalType = "any_one"
	ApprovalSequential ApprovalType = "sequential"
)

// Decision is a single approver's verdict.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// Vote is one approver's recorded decision.
type Vote struct {
	VoterID   string    `json:"voterId"`
	Decision  Decision  `json:"decision"`
	Comment   string    `json:"comment,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Signature string    `json:"signature"`
}

// ApprovalRequest is the live or final sign-off state attached to a task.
type ApprovalRequest struct {
	ID                   string         `json:"id"`
	TaskID               string         `json:"taskId"`
	RuleID               string         `json:"ruleId,omitempty"`
	RequesterID          string         `json:"requesterId"`
	Approvers            []string       `json:"approvers"`
	Status               ApprovalStatus `json:"status"`
	Description          string         `json:"description,omitempty"`
	Votes                []Vote         `json:"votes"`
	CreatedAt            time.Time      `json:"createdAt"`
	DueDate              time.Time      `json:"dueDate"`
	ResolvedAt           *time.Time     `json:"resolvedAt,omitempty"`
	ApprovalType         ApprovalType   `json:"approvalType"`
	RequiredApprovals    int            `json:"requiredApprovals"`
	EscalationPath       []string       `json:"escalationPath"`
	EstimatedValue       *float64       `json:"estimatedValue,omitempty"`
	Priority             Priority       `json:"priority"`
	CurrentApproverIndex int            `json:"currentApproverIndex"`
}

// IsApprover reports whether userID is in the resolved approver set.
func (r *ApprovalRequest) IsApprover(userID string) bool {
	for _, id := range r.Approvers {
		if id == userID {
			return true
		}
	}
	return false
}

// VoteOf returns the vote cast by userID, if any.
func (r *ApprovalRequest) VoteOf(userID string) *Vote {
	for i := range r.Votes {
		if r.Votes[i].VoterID == userID {
			return &r.Votes[i]
		}
	}
	return nil
}

// AwaitsVoteFrom reports whether the request is live and userID is an
// approver who has not voted yet.
func (r *ApprovalRequest) AwaitsVoteFrom(userID string) bool {
	return r.Status == StatusPending && r.IsApprover(userID) && r.VoteOf(userID) == nil
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (r *ApprovalRequest) Clone() *ApprovalRequest {
	if r == nil {
		return nil
	}
	c := *r
	c.Approvers = append([]string(nil), r.Approvers...)
	c.Votes = append([]Vote(nil), r.Votes...)
	c.EscalationPath = append([]string(nil), r.EscalationPath...)
	if r.ResolvedAt != nil {
		t := *r.ResolvedAt
		c.ResolvedAt = &t
	}
	if r.EstimatedValue != nil {
		v := *r.EstimatedValue
		c.EstimatedValue = &v
	}
	return &c
}

// ── Audit ─────────────────────────────────────────────────────────────────────

// ApprovalAuditEntry is one immutable record in the audit log.
type ApprovalAuditEntry struct {
	ID           string                 `json:"id"`
	TaskID       string                 `json:"taskId"`
	RequestID    string                 `json:"requestId"`
	Action       string                 `json:"action"`
	PerformedBy  string                 `json:"performedBy"`
	PerformedAt  time.Time              `json:"performedAt"`
	StatusBefore *string                `json:"statusBefore,omitempty"`
	StatusAfter  *string                `json:"statusAfter,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// ── Notifications ─────────────────────────────────────────────────────────────

// NotificationKind names the event a notification reports.
type NotificationKind string

const (
	NotifyRequested NotificationKind = "requested"
	NotifyApproved  NotificationKind = "approved"
	NotifyRejected  NotificationKind = "rejected"
)

// Audit actions.
const (
	AuditActionRequested = "requested"
	AuditActionVoted     = "voted"
	AuditActionApproved  = "approved"
	AuditActionRejected  = "rejected"
)
