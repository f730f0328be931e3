package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pesio-ai/be-pm-approvals/internal/metrics"
	"github.com/pesio-ai/be-pm-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-pm-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-pm-approvals/internal/repository"
	"github.com/pesio-ai/be-pm-approvals/internal/workflow"
)

// TaskStore persists tasks and the approval request attached to them. Getters
// return nil, nil when the record does not exist.
type TaskStore interface {
	GetTask(ctx context.Context, id string) (*repository.Task, error)
	UpdateTask(ctx context.Context, id string, update repository.TaskUpdate) error
	GetTaskByApprovalID(ctx context.Context, requestID string) (*repository.Task, error)
	ListTasksWithPendingApproval(ctx context.Context) ([]*repository.Task, error)
}

// Directory is the read-only user directory. GetUser returns nil, nil for an
// unknown id.
type Directory interface {
	GetUsers(ctx context.Context) ([]*repository.User, error)
	GetUser(ctx context.Context, id string) (*repository.User, error)
}

// NotificationSink delivers approval events. Delivery is best effort.
type NotificationSink interface {
	Notify(ctx context.Context, requestID string, recipients []string, kind repository.NotificationKind) error
}

// AuditLog appends immutable audit entries and reads them back oldest first.
type AuditLog interface {
	Append(ctx context.Context, entry *repository.ApprovalAuditEntry) error
	GetByTaskID(ctx context.Context, taskID string) ([]*repository.ApprovalAuditEntry, error)
	GetByRequestID(ctx context.Context, requestID string) ([]*repository.ApprovalAuditEntry, error)
}

// HierarchyStore persists catalog changes made through the service.
type HierarchyStore interface {
	Create(ctx context.Context, h *repository.ApprovalHierarchy) error
	Activate(ctx context.Context, id string) error
}

// Deps wires the collaborators of ApprovalService. Tasks, Directory, Catalog
// and Machine are required; the rest are optional.
type Deps struct {
	Tasks       TaskStore
	Directory   Directory
	Catalog     *workflow.Catalog
	Machine     *workflow.Machine
	Notifier    NotificationSink
	Locker      Locker
	Audit       AuditLog
	Hierarchies HierarchyStore
	Metrics     *metrics.Metrics
	Log         *logger.Logger

	// DefaultEscalation is the due-date offset for rules without an
	// escalation time. Zero means 24 hours.
	DefaultEscalation time.Duration
	Now               func() time.Time
}

// CreateInput opens an approval request for a task.
type CreateInput struct {
	TaskID         string
	RequesterID    string
	Description    string
	EstimatedValue *float64
}

// SubmitInput records one approver's vote.
type SubmitInput struct {
	RequestID string
	VoterID   string
	Decision  repository.Decision
	Comment   string
}

// HierarchyInput creates an approval hierarchy. A nil Active means active.
type HierarchyInput struct {
	ID          string
	Name        string
	Description string
	Rules       []repository.ApprovalRule
	Active      *bool
	CreatedBy   string
}

// ApprovalService orchestrates the approval workflow: rule selection,
// approver resolution, vote recording and the task side effects of a
// terminal decision.
type ApprovalService struct {
	tasks       TaskStore
	directory   Directory
	catalog     *workflow.Catalog
	machine     *workflow.Machine
	notifier    NotificationSink
	locker      Locker
	audit       AuditLog
	hierarchies HierarchyStore
	metrics     *metrics.Metrics
	log         *logger.Logger
	tracer      trace.Tracer

	defaultEscalation time.Duration
	now               func() time.Time

	// background tracks notification and audit goroutines.
	background sync.WaitGroup
}

// NewApprovalService creates a new ApprovalService.
func NewApprovalService(deps Deps) *ApprovalService {
	s := &ApprovalService{
		tasks:             deps.Tasks,
		directory:         deps.Directory,
		catalog:           deps.Catalog,
		machine:           deps.Machine,
		notifier:          deps.Notifier,
		locker:            deps.Locker,
		audit:             deps.Audit,
		hierarchies:       deps.Hierarchies,
		metrics:           deps.Metrics,
		log:               deps.Log,
		tracer:            otel.Tracer("github.com/pesio-ai/be-pm-approvals/internal/service"),
		defaultEscalation: deps.DefaultEscalation,
		now:               deps.Now,
	}
	if s.locker == nil {
		s.locker = NewMemoryLocker()
	}
	if s.log == nil {
		s.log = logger.Nop()
	}
	if s.defaultEscalation <= 0 {
		s.defaultEscalation = 24 * time.Hour
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.machine == nil {
		s.machine = workflow.NewMachine(nil, false)
	}
	if s.catalog == nil {
		s.catalog = workflow.NewCatalog()
	}
	return s
}

// ── Request creation ──────────────────────────────────────────────────────────

// CreateApprovalRequest evaluates the active hierarchy against the task and,
// when a rule matches, attaches a new pending request to it and notifies the
// resolved approvers. It returns nil, nil when no rule matches: the task does
// not need approval.
func (s *ApprovalService) CreateApprovalRequest(ctx context.Context, in CreateInput) (*repository.ApprovalRequest, error) {
	ctx, span := s.tracer.Start(ctx, "ApprovalService.CreateApprovalRequest",
		trace.WithAttributes(attribute.String("task_id", in.TaskID), attribute.String("requester_id", in.RequesterID)))
	defer span.End()
	defer s.observe("create_approval_request", s.now())

	req, err := s.createLocked(ctx, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if req == nil {
		s.log.Debug().Str("task_id", in.TaskID).Msg("No approval rule matched; approval not required")
		return nil, nil
	}

	span.SetAttributes(attribute.String("request_id", req.ID), attribute.String("approval_type", string(req.ApprovalType)))
	s.metrics.RequestCreated(string(req.ApprovalType))
	s.log.Info().
		Str("task_id", req.TaskID).
		Str("request_id", req.ID).
		Str("rule_id", req.RuleID).
		Str("approval_type", string(req.ApprovalType)).
		Int("required_approvals", req.RequiredApprovals).
		Strs("approvers", req.Approvers).
		Msg("Approval request created")

	s.recordAudit(ctx, &repository.ApprovalAuditEntry{
		TaskID:      req.TaskID,
		RequestID:   req.ID,
		Action:      repository.AuditActionRequested,
		PerformedBy: req.RequesterID,
		StatusAfter: statusPtr(req.Status),
		Metadata: map[string]interface{}{
			"rule_id":       req.RuleID,
			"approval_type": string(req.ApprovalType),
			"approvers":     req.Approvers,
		},
	})
	s.notify(ctx, req.ID, s.initialRecipients(req), repository.NotifyRequested)

	return req.Clone(), nil
}

func (s *ApprovalService) createLocked(ctx context.Context, in CreateInput) (*repository.ApprovalRequest, error) {
	if in.TaskID == "" {
		return nil, errors.InvalidInput("task_id", "task id is required")
	}
	if in.RequesterID == "" {
		return nil, errors.InvalidInput("requester_id", "requester id is required")
	}

	unlock, err := s.locker.Lock(ctx, lockKey(in.TaskID))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to acquire task lock")
	}
	defer unlock()

	task, err := s.tasks.GetTask(ctx, in.TaskID)
	if err != nil {
		return nil, fmt.Errorf("failed to load task %s: %w", in.TaskID, err)
	}
	if task == nil {
		return nil, workflow.ErrTaskNotFound
	}
	if task.Approval != nil && !task.Approval.Status.Terminal() {
		return nil, workflow.ErrApprovalPending
	}

	requester, err := s.directory.GetUser(ctx, in.RequesterID)
	if err != nil {
		return nil, fmt.Errorf("failed to load requester %s: %w", in.RequesterID, err)
	}
	if requester == nil {
		return nil, workflow.ErrUserNotFound
	}

	value := in.EstimatedValue
	if value == nil {
		value = task.EstimatedValue
	}

	rule, ok := s.catalog.FindMatchingRule(workflow.Subject{Task: task, EstimatedValue: value, Requester: requester})
	if !ok {
		return nil, nil
	}

	users, err := s.directory.GetUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load directory: %w", err)
	}

	approvers := workflow.ResolveApprovers(rule.Approvers, requester, users, value)
	if len(approvers) == 0 {
		return nil, fmt.Errorf("rule %s: %w", rule.ID, workflow.ErrNoApproversResolved)
	}

	approvalType := workflow.DeriveApprovalType(rule)
	required := workflow.RequiredApprovals(rule)
	if required > len(approvers) {
		required = len(approvers)
	}

	escalation := s.defaultEscalation
	if rule.EscalationTimeHours != nil {
		escalation = time.Duration(*rule.EscalationTimeHours) * time.Hour
	}

	now := s.now()
	req := &repository.ApprovalRequest{
		ID:                uuid.NewString(),
		TaskID:            task.ID,
		RuleID:            rule.ID,
		RequesterID:       requester.ID,
		Approvers:         workflow.UserIDs(approvers),
		Status:            repository.StatusPending,
		Description:       in.Description,
		Votes:             []repository.Vote{},
		CreatedAt:         now,
		DueDate:           now.Add(escalation),
		ApprovalType:      approvalType,
		RequiredApprovals: required,
		EscalationPath:    workflow.BuildEscalationPath(requester, users),
		EstimatedValue:    value,
		Priority:          task.Priority,
	}

	if err := s.tasks.UpdateTask(ctx, task.ID, repository.TaskUpdate{Approval: req}); err != nil {
		return nil, fmt.Errorf("failed to attach approval to task %s: %w", task.ID, err)
	}
	return req, nil
}

// initialRecipients is every approver, or only the first one for a sequential
// request when turns are enforced.
func (s *ApprovalService) initialRecipients(req *repository.ApprovalRequest) []string {
	if s.machine.StrictSequence && req.ApprovalType == repository.ApprovalSequential {
		return req.Approvers[:1]
	}
	return req.Approvers
}

// ── Voting ────────────────────────────────────────────────────────────────────

// SubmitApproval records a vote and, when it resolves the request, flips the
// task status: approved starts the task, rejected puts it on hold. The
// requester is notified of either outcome.
func (s *ApprovalService) SubmitApproval(ctx context.Context, in SubmitInput) (*repository.ApprovalRequest, error) {
	ctx, span := s.tracer.Start(ctx, "ApprovalService.SubmitApproval",
		trace.WithAttributes(
			attribute.String("request_id", in.RequestID),
			attribute.String("voter_id", in.VoterID),
			attribute.String("decision", string(in.Decision)),
		))
	defer span.End()
	defer s.observe("submit_approval", s.now())

	req, before, err := s.voteLocked(ctx, in)
	if err != nil {
		s.metrics.Vote(decisionLabel(in.Decision), string(errors.CodeOf(err)))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.log.Warn().Err(err).
			Str("request_id", in.RequestID).
			Str("voter_id", in.VoterID).
			Msg("Vote refused")
		return nil, err
	}
	s.metrics.Vote(decisionLabel(in.Decision), "accepted")

	s.log.Info().
		Str("task_id", req.TaskID).
		Str("request_id", req.ID).
		Str("voter_id", in.VoterID).
		Str("decision", string(in.Decision)).
		Str("status", string(req.Status)).
		Msg("Vote recorded")

	s.recordAudit(ctx, &repository.ApprovalAuditEntry{
		TaskID:       req.TaskID,
		RequestID:    req.ID,
		Action:       repository.AuditActionVoted,
		PerformedBy:  in.VoterID,
		StatusBefore: statusPtr(before),
		StatusAfter:  statusPtr(req.Status),
		Metadata: map[string]interface{}{
			"decision": string(in.Decision),
			"comment":  in.Comment,
		},
	})

	switch req.Status {
	case repository.StatusApproved:
		s.metrics.Resolved(string(req.Status))
		s.log.Info().Str("task_id", req.TaskID).Str("request_id", req.ID).Msg("Task approved and started")
		s.recordAudit(ctx, &repository.ApprovalAuditEntry{
			TaskID: req.TaskID, RequestID: req.ID, Action: repository.AuditActionApproved,
			PerformedBy: in.VoterID, StatusBefore: statusPtr(before), StatusAfter: statusPtr(req.Status),
		})
		s.notify(ctx, req.ID, []string{req.RequesterID}, repository.NotifyApproved)
	case repository.StatusRejected:
		s.metrics.Resolved(string(req.Status))
		s.log.Info().Str("task_id", req.TaskID).Str("request_id", req.ID).Msg("Task rejected and put on hold")
		s.recordAudit(ctx, &repository.ApprovalAuditEntry{
			TaskID: req.TaskID, RequestID: req.ID, Action: repository.AuditActionRejected,
			PerformedBy: in.VoterID, StatusBefore: statusPtr(before), StatusAfter: statusPtr(req.Status),
		})
		s.notify(ctx, req.ID, []string{req.RequesterID}, repository.NotifyRejected)
	default:
		if s.machine.StrictSequence && req.ApprovalType == repository.ApprovalSequential &&
			req.CurrentApproverIndex < len(req.Approvers) {
			s.notify(ctx, req.ID, []string{req.Approvers[req.CurrentApproverIndex]}, repository.NotifyRequested)
		}
	}

	return req.Clone(), nil
}

func (s *ApprovalService) voteLocked(ctx context.Context, in SubmitInput) (*repository.ApprovalRequest, repository.ApprovalStatus, error) {
	if in.RequestID == "" {
		return nil, "", errors.InvalidInput("request_id", "request id is required")
	}

	owner, err := s.tasks.GetTaskByApprovalID(ctx, in.RequestID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to find approval request %s: %w", in.RequestID, err)
	}
	if owner == nil {
		return nil, "", workflow.ErrRequestNotFound
	}

	unlock, err := s.locker.Lock(ctx, lockKey(owner.ID))
	if err != nil {
		return nil, "", errors.Wrap(err, errors.ErrCodeInternal, "failed to acquire task lock")
	}
	defer unlock()

	// Re-read under the lock; a concurrent vote may have landed.
	task, err := s.tasks.GetTask(ctx, owner.ID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load task %s: %w", owner.ID, err)
	}
	if task == nil || task.Approval == nil || task.Approval.ID != in.RequestID {
		return nil, "", workflow.ErrRequestNotFound
	}

	req := task.Approval.Clone()
	before := req.Status
	if err := s.machine.SubmitVote(req, in.VoterID, in.Decision, in.Comment); err != nil {
		return nil, "", err
	}

	update := repository.TaskUpdate{Approval: req}
	switch req.Status {
	case repository.StatusApproved:
		status := repository.TaskStatusInProgress
		started := s.now()
		update.Status = &status
		update.StartDate = &started
	case repository.StatusRejected:
		status := repository.TaskStatusOnHold
		update.Status = &status
	}
	if err := s.tasks.UpdateTask(ctx, task.ID, update); err != nil {
		return nil, "", fmt.Errorf("failed to persist vote on task %s: %w", task.ID, err)
	}
	return req, before, nil
}

// ── Queries ───────────────────────────────────────────────────────────────────

// ListPendingFor returns every live request on which userID is an approver
// who has not voted yet.
func (s *ApprovalService) ListPendingFor(ctx context.Context, userID string) ([]*repository.ApprovalRequest, error) {
	ctx, span := s.tracer.Start(ctx, "ApprovalService.ListPendingFor", trace.WithAttributes(attribute.String("user_id", userID)))
	defer span.End()

	tasks, err := s.tasks.ListTasksWithPendingApproval(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list pending approvals: %w", err)
	}
	out := make([]*repository.ApprovalRequest, 0)
	for _, t := range tasks {
		if t.Approval != nil && t.Approval.AwaitsVoteFrom(userID) {
			out = append(out, t.Approval.Clone())
		}
	}
	return out, nil
}

// GetHistory returns the task's current or last request, or nil when the task
// never needed approval.
func (s *ApprovalService) GetHistory(ctx context.Context, taskID string) (*repository.ApprovalRequest, error) {
	ctx, span := s.tracer.Start(ctx, "ApprovalService.GetHistory", trace.WithAttributes(attribute.String("task_id", taskID)))
	defer span.End()

	task, err := s.tasks.GetTask(ctx, taskID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to load task %s: %w", taskID, err)
	}
	if task == nil {
		return nil, workflow.ErrTaskNotFound
	}
	return task.Approval.Clone(), nil
}

// VerifyVote checks the signature of a recorded vote.
func (s *ApprovalService) VerifyVote(req *repository.ApprovalRequest, vote repository.Vote) error {
	if s.machine.Signer == nil {
		return errors.New(errors.ErrCodeFailedPrecondition, "vote signing is not configured")
	}
	return s.machine.Signer.Verify(req.ID, vote)
}

// ── Hierarchies ───────────────────────────────────────────────────────────────

// Hierarchies lists the catalog.
func (s *ApprovalService) Hierarchies() []repository.ApprovalHierarchy {
	return s.catalog.Hierarchies()
}

// CreateHierarchy validates a hierarchy, persists it when a HierarchyStore is
// configured and only then registers it in the catalog. A failed write leaves
// the catalog untouched.
func (s *ApprovalService) CreateHierarchy(ctx context.Context, in HierarchyInput) (*repository.ApprovalHierarchy, error) {
	prepared, err := s.catalog.Prepare(repository.ApprovalHierarchy{
		ID:          in.ID,
		Name:        in.Name,
		Description: in.Description,
		Rules:       in.Rules,
		Active:      in.Active == nil || *in.Active,
		CreatedBy:   in.CreatedBy,
	})
	if err != nil {
		return nil, err
	}
	if s.hierarchies != nil {
		if err := s.hierarchies.Create(ctx, prepared); err != nil {
			return nil, fmt.Errorf("failed to persist hierarchy %s: %w", prepared.ID, err)
		}
	}
	created, err := s.catalog.Add(*prepared)
	if err != nil {
		return nil, err
	}
	s.log.Info().
		Str("hierarchy_id", created.ID).
		Str("name", created.Name).
		Bool("active", created.Active).
		Int("rules", len(created.Rules)).
		Msg("Approval hierarchy created")
	return created, nil
}

// ActivateHierarchy makes id the only active hierarchy. The store is updated
// before the catalog.
func (s *ApprovalService) ActivateHierarchy(ctx context.Context, id string) error {
	if !s.catalog.Contains(id) {
		return workflow.ErrHierarchyNotFound
	}
	if s.hierarchies != nil {
		if err := s.hierarchies.Activate(ctx, id); err != nil {
			return fmt.Errorf("failed to persist activation of %s: %w", id, err)
		}
	}
	if err := s.catalog.Activate(id); err != nil {
		return err
	}
	s.log.Info().Str("hierarchy_id", id).Msg("Approval hierarchy activated")
	return nil
}

// ── Audit ─────────────────────────────────────────────────────────────────────

// GetAuditTrail returns the audit entries of a task, oldest first.
func (s *ApprovalService) GetAuditTrail(ctx context.Context, taskID string) ([]*repository.ApprovalAuditEntry, error) {
	if taskID == "" {
		return nil, errors.InvalidInput("task_id", "task id is required")
	}
	if s.audit == nil {
		return []*repository.ApprovalAuditEntry{}, nil
	}
	entries, err := s.audit.GetByTaskID(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to read audit trail of task %s: %w", taskID, err)
	}
	return entries, nil
}

// GetRequestAuditTrail returns the audit entries of one approval request,
// oldest first.
func (s *ApprovalService) GetRequestAuditTrail(ctx context.Context, requestID string) ([]*repository.ApprovalAuditEntry, error) {
	if requestID == "" {
		return nil, errors.InvalidInput("request_id", "request id is required")
	}
	if s.audit == nil {
		return []*repository.ApprovalAuditEntry{}, nil
	}
	entries, err := s.audit.GetByRequestID(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to read audit trail of request %s: %w", requestID, err)
	}
	return entries, nil
}

// Close waits for in-flight notifications and audit writes.
func (s *ApprovalService) Close() {
	s.background.Wait()
}

// ── side effects ──────────────────────────────────────────────────────────────

// notify dispatches in the background; failures are logged and counted.
func (s *ApprovalService) notify(ctx context.Context, requestID string, recipients []string, kind repository.NotificationKind) {
	if s.notifier == nil || len(recipients) == 0 {
		return
	}
	recipients = append([]string(nil), recipients...)
	ctx = context.WithoutCancel(ctx)

	s.background.Add(1)
	go func() {
		defer s.background.Done()
		if err := s.notifier.Notify(ctx, requestID, recipients, kind); err != nil {
			s.metrics.NotifyFailed(string(kind))
			s.log.Warn().Err(err).
				Str("request_id", requestID).
				Str("kind", string(kind)).
				Msg("Failed to send approval notification")
		}
	}()
}

func (s *ApprovalService) recordAudit(ctx context.Context, entry *repository.ApprovalAuditEntry) {
	if s.audit == nil {
		return
	}
	if entry.PerformedAt.IsZero() {
		entry.PerformedAt = s.now()
	}
	ctx = context.WithoutCancel(ctx)

	s.background.Add(1)
	go func() {
		defer s.background.Done()
		if err := s.audit.Append(ctx, entry); err != nil {
			s.log.Warn().Err(err).
				Str("request_id", entry.RequestID).
				Str("action", entry.Action).
				Msg("Failed to write approval audit entry")
		}
	}()
}

func (s *ApprovalService) observe(operation string, start time.Time) {
	s.metrics.ObserveDuration(operation, s.now().Sub(start).Seconds())
}

// decisionLabel bounds the decision label to the known values.
func decisionLabel(d repository.Decision) string {
	switch d {
	case repository.DecisionApproved, repository.DecisionRejected:
		return string(d)
	}
	return "invalid"
}

func lockKey(taskID string) string {
	return "approvals:task:" + taskID
}

func statusPtr(s repository.ApprovalStatus) *string {
	v := string(s)
	return &v
}
