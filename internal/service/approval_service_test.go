package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-pm-approvals/internal/metrics"
	"github.com/pesio-ai/be-pm-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-pm-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-pm-approvals/internal/repository"
	"github.com/pesio-ai/be-pm-approvals/internal/workflow"
)

var testNow = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func strPtr(s string) *string { return &s }

func intPtr(v int) *int { return &v }

type sentNotification struct {
	RequestID  string
	Recipients []string
	Kind       repository.NotificationKind
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
	err  error
}

func (n *recordingNotifier) Notify(_ context.Context, requestID string, recipients []string, kind repository.NotificationKind) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotification{RequestID: requestID, Recipients: recipients, Kind: kind})
	return n.err
}

func (n *recordingNotifier) byKind(kind repository.NotificationKind) []sentNotification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []sentNotification
	for _, s := range n.sent {
		if s.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}

type recordingHierarchyStore struct {
	created   []string
	activated []string
	err       error
}

func (s *recordingHierarchyStore) Create(_ context.Context, h *repository.ApprovalHierarchy) error {
	if s.err != nil {
		return s.err
	}
	s.created = append(s.created, h.ID)
	return nil
}

func (s *recordingHierarchyStore) Activate(_ context.Context, id string) error {
	if s.err != nil {
		return s.err
	}
	s.activated = append(s.activated, id)
	return nil
}

func standardHierarchy() *repository.ApprovalHierarchy {
	return &repository.ApprovalHierarchy{
		ID:     "standard",
		Name:   "Standard",
		Active: true,
		Rules: []repository.ApprovalRule{
			{
				ID:        "critical",
				Condition: repository.Condition{Field: "priority", Operator: "equals", Value: "critical"},
				Approvers: []repository.ApproverSpec{
					{Type: repository.ApproverManager, Required: true, Order: intPtr(1)},
					{Type: repository.ApproverRole, Identifier: "admin", Required: true, Order: intPtr(2)},
				},
				EscalationTimeHours: intPtr(4),
			},
			{
				ID:        "high",
				Condition: repository.Condition{Field: "priority", Operator: "equals", Value: "high"},
				Approvers: []repository.ApproverSpec{{Type: repository.ApproverManager, Required: true}},
			},
			{
				ID:        "board",
				Condition: repository.Condition{Field: "taskType", Operator: "contains", Value: "board"},
				Approvers: []repository.ApproverSpec{
					{Type: repository.ApproverUser, Identifier: "U1", Required: true},
					{Type: repository.ApproverUser, Identifier: "U2", Required: true},
					{Type: repository.ApproverUser, Identifier: "U3", Required: true},
					{Type: repository.ApproverUser, Identifier: "U4", Required: true},
					{Type: repository.ApproverUser, Identifier: "U5", Required: true},
				},
			},
			{
				ID:        "ops",
				Condition: repository.Condition{Field: "taskType", Operator: "contains", Value: "ops"},
				Approvers: []repository.ApproverSpec{
					{Type: repository.ApproverManager, Required: true},
					{Type: repository.ApproverDepartmentHead, Required: true},
				},
			},
		},
	}
}

type fixture struct {
	svc      *ApprovalService
	tasks    *repository.MemoryTaskStore
	audit    *repository.MemoryAuditLog
	notifier *recordingNotifier
	store    *recordingHierarchyStore
	registry *prometheus.Registry
}

func newFixture(t *testing.T, catalog *workflow.Catalog, strict bool) *fixture {
	t.Helper()

	signer, err := workflow.NewHMACSigner([]byte("secret"), "be-pm-approvals")
	require.NoError(t, err)
	machine := workflow.NewMachine(signer, strict)
	machine.Now = func() time.Time { return testNow }

	users := []*repository.User{
		{ID: "R", Role: repository.RoleMember, ManagerID: strPtr("M"), Department: strPtr("Engineering")},
		{ID: "M", Role: repository.RoleManager, Department: strPtr("Engineering")},
		{ID: "A", Role: repository.RoleAdmin},
		{ID: "X", Role: repository.RoleMember},
	}
	for i := 1; i <= 5; i++ {
		users = append(users, &repository.User{ID: fmt.Sprintf("U%d", i), Role: repository.RoleMember})
	}

	f := &fixture{
		tasks: repository.NewMemoryTaskStore(
			&repository.Task{ID: "crit", Priority: repository.PriorityCritical, RequesterID: "R", Status: repository.TaskStatusTodo},
			&repository.Task{ID: "high", Priority: repository.PriorityHigh, RequesterID: "X", Status: repository.TaskStatusTodo},
			&repository.Task{ID: "low", Priority: repository.PriorityLow, RequesterID: "R", Status: repository.TaskStatusTodo},
			&repository.Task{ID: "board", Priority: repository.PriorityMedium, Tags: []string{"board"}, RequesterID: "R", Status: repository.TaskStatusTodo},
			&repository.Task{ID: "ops", Priority: repository.PriorityMedium, Tags: []string{"ops"}, RequesterID: "R", Status: repository.TaskStatusTodo},
		),
		audit:    repository.NewMemoryAuditLog(),
		notifier: &recordingNotifier{},
		store:    &recordingHierarchyStore{},
		registry: prometheus.NewRegistry(),
	}
	f.svc = NewApprovalService(Deps{
		Tasks:       f.tasks,
		Directory:   repository.NewMemoryDirectory(users...),
		Catalog:     catalog,
		Machine:     machine,
		Notifier:    f.notifier,
		Audit:       f.audit,
		Hierarchies: f.store,
		Metrics:     metrics.New(f.registry),
		Log:         logger.Nop(),
		Now:         func() time.Time { return testNow },
	})
	return f
}

func (f *fixture) vote(t *testing.T, requestID, voter string, decision repository.Decision) (*repository.ApprovalRequest, error) {
	t.Helper()
	return f.svc.SubmitApproval(context.Background(), SubmitInput{RequestID: requestID, VoterID: voter, Decision: decision})
}

func TestCreateApprovalRequest_CriticalSequential(t *testing.T) {
	f := newFixture(t, workflow.NewCatalog(standardHierarchy()), false)
	ctx := context.Background()

	req, err := f.svc.CreateApprovalRequest(ctx, CreateInput{TaskID: "crit", RequesterID: "R", Description: "ship it"})
	require.NoError(t, err)
	require.NotNil(t, req)

	assert.Equal(t, repository.ApprovalSequential, req.ApprovalType)
	assert.Equal(t, 2, req.RequiredApprovals)
	assert.Equal(t, []string{"M", "A"}, req.Approvers)
	assert.Equal(t, []string{"M", "A"}, req.EscalationPath)
	assert.Equal(t, "critical", req.RuleID)
	assert.Equal(t, repository.PriorityCritical, req.Priority)
	assert.Equal(t, testNow.Add(4*time.Hour), req.DueDate)
	assert.Equal(t, repository.StatusPending, req.Status)

	stored, err := f.svc.GetHistory(ctx, "crit")
	require.NoError(t, err)
	assert.Equal(t, req.ID, stored.ID)

	req, err = f.vote(t, req.ID, "M", repository.DecisionApproved)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusPending, req.Status)
	assert.Equal(t, 1, req.CurrentApproverIndex)

	req, err = f.vote(t, req.ID, "A", repository.DecisionApproved)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusApproved, req.Status)

	task, err := f.tasks.GetTask(ctx, "crit")
	require.NoError(t, err)
	assert.Equal(t, repository.TaskStatusInProgress, task.Status)
	require.NotNil(t, task.StartDate)
	assert.Equal(t, testNow, *task.StartDate)

	f.svc.Close()
	requested := f.notifier.byKind(repository.NotifyRequested)
	require.Len(t, requested, 1)
	assert.Equal(t, []string{"M", "A"}, requested[0].Recipients)
	approved := f.notifier.byKind(repository.NotifyApproved)
	require.Len(t, approved, 1)
	assert.Equal(t, []string{"R"}, approved[0].Recipients)

	trail, err := f.svc.GetRequestAuditTrail(ctx, req.ID)
	require.NoError(t, err)
	actions := map[string]int{}
	for _, e := range trail {
		actions[e.Action]++
	}
	assert.Equal(t, map[string]int{"requested": 1, "voted": 2, "approved": 1}, actions)
}

func TestSubmitApproval_Rejection(t *testing.T) {
	f := newFixture(t, workflow.NewCatalog(standardHierarchy()), false)
	ctx := context.Background()

	req, err := f.svc.CreateApprovalRequest(ctx, CreateInput{TaskID: "crit", RequesterID: "R"})
	require.NoError(t, err)

	req, err = f.vote(t, req.ID, "M", repository.DecisionRejected)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusRejected, req.Status)

	_, err = f.vote(t, req.ID, "A", repository.DecisionApproved)
	assert.ErrorIs(t, err, workflow.ErrRequestClosed)

	task, err := f.tasks.GetTask(ctx, "crit")
	require.NoError(t, err)
	assert.Equal(t, repository.TaskStatusOnHold, task.Status)
	assert.Len(t, task.Approval.Votes, 1)

	f.svc.Close()
	rejected := f.notifier.byKind(repository.NotifyRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, []string{"R"}, rejected[0].Recipients)
}

func TestCreateApprovalRequest_NoRule(t *testing.T) {
	ctx := context.Background()

	t.Run("no active hierarchy", func(t *testing.T) {
		h := standardHierarchy()
		h.Active = false
		f := newFixture(t, workflow.NewCatalog(h), false)
		for _, id := range []string{"crit", "high", "low", "board"} {
			req, err := f.svc.CreateApprovalRequest(ctx, CreateInput{TaskID: id, RequesterID: "R"})
			require.NoError(t, err)
			assert.Nil(t, req, id)
		}
	})
	t.Run("no matching rule", func(t *testing.T) {
		f := newFixture(t, workflow.NewCatalog(standardHierarchy()), false)
		req, err := f.svc.CreateApprovalRequest(ctx, CreateInput{TaskID: "low", RequesterID: "R"})
		require.NoError(t, err)
		assert.Nil(t, req)

		task, err := f.tasks.GetTask(ctx, "low")
		require.NoError(t, err)
		assert.Nil(t, task.Approval)
	})
}

func TestCreateApprovalRequest_Errors(t *testing.T) {
	f := newFixture(t, workflow.NewCatalog(standardHierarchy()), false)
	ctx := context.Background()

	_, err := f.svc.CreateApprovalRequest(ctx, CreateInput{TaskID: "ghost", RequesterID: "R"})
	assert.ErrorIs(t, err, workflow.ErrTaskNotFound)

	_, err = f.svc.CreateApprovalRequest(ctx, CreateInput{TaskID: "crit", RequesterID: "ghost"})
	assert.ErrorIs(t, err, workflow.ErrUserNotFound)

	// X has no manager and the high rule only asks for one
	_, err = f.svc.CreateApprovalRequest(ctx, CreateInput{TaskID: "high", RequesterID: "X"})
	assert.ErrorIs(t, err, workflow.ErrNoApproversResolved)

	_, err = f.svc.CreateApprovalRequest(ctx, CreateInput{TaskID: "", RequesterID: "R"})
	assert.Error(t, err)
}

func TestCreateApprovalRequest_OneLiveRequestPerTask(t *testing.T) {
	f := newFixture(t, workflow.NewCatalog(standardHierarchy()), false)
	ctx := context.Background()

	first, err := f.svc.CreateApprovalRequest(ctx, CreateInput{TaskID: "crit", RequesterID: "R"})
	require.NoError(t, err)

	_, err = f.svc.CreateApprovalRequest(ctx, CreateInput{TaskID: "crit", RequesterID: "R"})
	assert.ErrorIs(t, err, workflow.ErrApprovalPending)

	_, err = f.vote(t, first.ID, "M", repository.DecisionRejected)
	require.NoError(t, err)

	second, err := f.svc.CreateApprovalRequest(ctx, CreateInput{TaskID: "crit", RequesterID: "R"})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	_, err = f.vote(t, first.ID, "A", repository.DecisionApproved)
	assert.ErrorIs(t, err, workflow.ErrRequestNotFound)
}

func TestCreateApprovalRequest_ClampsRequiredApprovals(t *testing.T) {
	f := newFixture(t, workflow.NewCatalog(standardHierarchy()), false)

	// manager and department head both resolve to M
	req, err := f.svc.CreateApprovalRequest(context.Background(), CreateInput{TaskID: "ops", RequesterID: "R"})
	require.NoError(t, err)
	assert.Equal(t, repository.ApprovalParallel, req.ApprovalType)
	assert.Equal(t, []string{"M"}, req.Approvers)
	assert.Equal(t, 1, req.RequiredApprovals)

	req, err = f.vote(t, req.ID, "M", repository.DecisionApproved)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusApproved, req.Status)
}

func TestSubmitApproval_Errors(t *testing.T) {
	f := newFixture(t, workflow.NewCatalog(standardHierarchy()), false)
	ctx := context.Background()

	req, err := f.svc.CreateApprovalRequest(ctx, CreateInput{TaskID: "crit", RequesterID: "R"})
	require.NoError(t, err)

	_, err = f.vote(t, "ghost", "M", repository.DecisionApproved)
	assert.ErrorIs(t, err, workflow.ErrRequestNotFound)

	_, err = f.vote(t, req.ID, "R", repository.DecisionApproved)
	assert.ErrorIs(t, err, workflow.ErrNotAuthorized)

	_, err = f.vote(t, req.ID, "M", "maybe")
	assert.ErrorIs(t, err, workflow.ErrInvalidDecision)

	_, err = f.vote(t, req.ID, "M", repository.DecisionApproved)
	require.NoError(t, err)
	_, err = f.vote(t, req.ID, "M", repository.DecisionRejected)
	assert.ErrorIs(t, err, workflow.ErrAlreadyVoted)

	stored, err := f.svc.GetHistory(ctx, "crit")
	require.NoError(t, err)
	assert.Equal(t, repository.StatusPending, stored.Status)
	assert.Len(t, stored.Votes, 1)
}

func TestSubmitApproval_StrictSequence(t *testing.T) {
	f := newFixture(t, workflow.NewCatalog(standardHierarchy()), true)
	ctx := context.Background()

	req, err := f.svc.CreateApprovalRequest(ctx, CreateInput{TaskID: "crit", RequesterID: "R"})
	require.NoError(t, err)

	_, err = f.vote(t, req.ID, "A", repository.DecisionApproved)
	assert.ErrorIs(t, err, workflow.ErrOutOfTurn)

	_, err = f.vote(t, req.ID, "M", repository.DecisionApproved)
	require.NoError(t, err)

	f.svc.Close()
	requested := f.notifier.byKind(repository.NotifyRequested)
	require.Len(t, requested, 2)
	assert.ElementsMatch(t, [][]string{{"M"}, {"A"}}, [][]string{requested[0].Recipients, requested[1].Recipients})
}

func TestSubmitApproval_ConcurrentVotes(t *testing.T) {
	f := newFixture(t, workflow.NewCatalog(standardHierarchy()), false)
	ctx := context.Background()

	req, err := f.svc.CreateApprovalRequest(ctx, CreateInput{TaskID: "board", RequesterID: "R"})
	require.NoError(t, err)
	require.Equal(t, repository.ApprovalParallel, req.ApprovalType)
	require.Equal(t, 5, req.RequiredApprovals)

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for _, voter := range req.Approvers {
		wg.Add(1)
		go func(voter string) {
			defer wg.Done()
			_, err := f.vote(t, req.ID, voter, repository.DecisionApproved)
			errs <- err
		}(voter)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	stored, err := f.svc.GetHistory(ctx, "board")
	require.NoError(t, err)
	assert.Len(t, stored.Votes, 5)
	assert.Equal(t, repository.StatusApproved, stored.Status)
}

func TestSubmitApproval_NotificationFailureIsSwallowed(t *testing.T) {
	f := newFixture(t, workflow.NewCatalog(standardHierarchy()), false)
	f.notifier.err = fmt.Errorf("broker down")
	ctx := context.Background()

	req, err := f.svc.CreateApprovalRequest(ctx, CreateInput{TaskID: "crit", RequesterID: "R"})
	require.NoError(t, err)
	_, err = f.vote(t, req.ID, "M", repository.DecisionRejected)
	require.NoError(t, err)
	f.svc.Close()
}

func TestListPendingFor(t *testing.T) {
	f := newFixture(t, workflow.NewCatalog(standardHierarchy()), false)
	ctx := context.Background()

	req, err := f.svc.CreateApprovalRequest(ctx, CreateInput{TaskID: "crit", RequesterID: "R"})
	require.NoError(t, err)

	pending, err := f.svc.ListPendingFor(ctx, "M")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, req.ID, pending[0].ID)

	_, err = f.vote(t, req.ID, "M", repository.DecisionApproved)
	require.NoError(t, err)

	pending, err = f.svc.ListPendingFor(ctx, "M")
	require.NoError(t, err)
	assert.Empty(t, pending)

	pending, err = f.svc.ListPendingFor(ctx, "A")
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	pending, err = f.svc.ListPendingFor(ctx, "R")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestGetHistory(t *testing.T) {
	f := newFixture(t, workflow.NewCatalog(standardHierarchy()), false)
	ctx := context.Background()

	req, err := f.svc.GetHistory(ctx, "low")
	require.NoError(t, err)
	assert.Nil(t, req)

	_, err = f.svc.GetHistory(ctx, "ghost")
	assert.ErrorIs(t, err, workflow.ErrTaskNotFound)
}

func TestVerifyVote(t *testing.T) {
	f := newFixture(t, workflow.NewCatalog(standardHierarchy()), false)
	ctx := context.Background()

	req, err := f.svc.CreateApprovalRequest(ctx, CreateInput{TaskID: "crit", RequesterID: "R"})
	require.NoError(t, err)
	req, err = f.vote(t, req.ID, "M", repository.DecisionApproved)
	require.NoError(t, err)

	assert.NoError(t, f.svc.VerifyVote(req, req.Votes[0]))

	forged := req.Votes[0]
	forged.Decision = repository.DecisionRejected
	assert.Error(t, f.svc.VerifyVote(req, forged))
}

func TestHierarchyManagement(t *testing.T) {
	f := newFixture(t, workflow.NewCatalog(), false)
	ctx := context.Background()

	req, err := f.svc.CreateApprovalRequest(ctx, CreateInput{TaskID: "low", RequesterID: "R"})
	require.NoError(t, err)
	assert.Nil(t, req)

	inactive := false
	draft, err := f.svc.CreateHierarchy(ctx, HierarchyInput{
		Name:   "Draft",
		Active: &inactive,
		Rules: []repository.ApprovalRule{{
			Condition: repository.Condition{Field: "priority", Operator: "equals", Value: "low"},
			Approvers: []repository.ApproverSpec{{Type: repository.ApproverManager, Required: true}},
		}},
	})
	require.NoError(t, err)
	assert.False(t, draft.Active)
	assert.Nil(t, f.svc.catalog.Active())

	created, err := f.svc.CreateHierarchy(ctx, HierarchyInput{
		Name: "Low priority review",
		Rules: []repository.ApprovalRule{{
			Condition: repository.Condition{Field: "priority", Operator: "in", Value: []any{"low", "medium"}},
			Approvers: []repository.ApproverSpec{{Type: repository.ApproverRole, Identifier: "admin"}},
		}},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.True(t, created.Active, "hierarchies are active unless stated otherwise")
	assert.Equal(t, []string{draft.ID, created.ID}, f.store.created)
	assert.Equal(t, created.ID, f.svc.catalog.Active().ID)

	_, err = f.svc.CreateHierarchy(ctx, HierarchyInput{Name: "bad", Rules: []repository.ApprovalRule{{
		Condition: repository.Condition{Field: "color", Operator: "equals", Value: "red"},
		Approvers: []repository.ApproverSpec{{Type: repository.ApproverManager}},
	}}})
	assert.Error(t, err)

	_, err = f.svc.CreateHierarchy(ctx, HierarchyInput{ID: created.ID, Name: "dup", Rules: []repository.ApprovalRule{}})
	assert.Error(t, err)

	req, err = f.svc.CreateApprovalRequest(ctx, CreateInput{TaskID: "low", RequesterID: "R"})
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, repository.ApprovalAnyOne, req.ApprovalType)
	assert.Equal(t, []string{"A"}, req.Approvers)
	assert.Equal(t, testNow.Add(24*time.Hour), req.DueDate)

	require.NoError(t, f.svc.ActivateHierarchy(ctx, draft.ID))
	assert.Equal(t, []string{draft.ID}, f.store.activated)
	assert.Equal(t, draft.ID, f.svc.catalog.Active().ID)
	assert.ErrorIs(t, f.svc.ActivateHierarchy(ctx, "ghost"), workflow.ErrHierarchyNotFound)
	assert.Equal(t, []string{draft.ID}, f.store.activated)

	assert.Len(t, f.svc.Hierarchies(), 2)
}

func TestHierarchyManagement_StoreFailureKeepsCatalog(t *testing.T) {
	f := newFixture(t, workflow.NewCatalog(standardHierarchy()), false)
	ctx := context.Background()

	inactive := false
	standby, err := f.svc.CreateHierarchy(ctx, HierarchyInput{Name: "Standby", Active: &inactive, Rules: []repository.ApprovalRule{}})
	require.NoError(t, err)

	f.store.err = fmt.Errorf("db down")

	_, err = f.svc.CreateHierarchy(ctx, HierarchyInput{Name: "empty", Rules: []repository.ApprovalRule{}})
	require.Error(t, err)
	assert.Len(t, f.svc.Hierarchies(), 2)
	require.NotNil(t, f.svc.catalog.Active())
	assert.Equal(t, "standard", f.svc.catalog.Active().ID)

	err = f.svc.ActivateHierarchy(ctx, standby.ID)
	require.Error(t, err)
	assert.Equal(t, "standard", f.svc.catalog.Active().ID)

	req, err := f.svc.CreateApprovalRequest(ctx, CreateInput{TaskID: "crit", RequesterID: "R"})
	require.NoError(t, err)
	require.NotNil(t, req, "approval gating must survive a failed hierarchy write")
	assert.Equal(t, []string{"M", "A"}, req.Approvers)
}

func TestGetAuditTrail(t *testing.T) {
	f := newFixture(t, workflow.NewCatalog(standardHierarchy()), false)
	ctx := context.Background()

	req, err := f.svc.CreateApprovalRequest(ctx, CreateInput{TaskID: "crit", RequesterID: "R"})
	require.NoError(t, err)
	_, err = f.vote(t, req.ID, "M", repository.DecisionRejected)
	require.NoError(t, err)
	f.svc.Close()

	trail, err := f.svc.GetAuditTrail(ctx, "crit")
	require.NoError(t, err)
	require.Len(t, trail, 3)
	byAction := map[string]*repository.ApprovalAuditEntry{}
	for _, e := range trail {
		assert.Equal(t, req.ID, e.RequestID)
		byAction[e.Action] = e
	}
	require.Contains(t, byAction, repository.AuditActionRequested)
	assert.Equal(t, "R", byAction[repository.AuditActionRequested].PerformedBy)
	require.Contains(t, byAction, repository.AuditActionVoted)
	assert.Equal(t, "rejected", byAction[repository.AuditActionVoted].Metadata["decision"])
	require.Contains(t, byAction, repository.AuditActionRejected)
	require.NotNil(t, byAction[repository.AuditActionRejected].StatusAfter)
	assert.Equal(t, "rejected", *byAction[repository.AuditActionRejected].StatusAfter)

	trail, err = f.svc.GetAuditTrail(ctx, "low")
	require.NoError(t, err)
	assert.Empty(t, trail)

	_, err = f.svc.GetAuditTrail(ctx, "")
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))
	_, err = f.svc.GetRequestAuditTrail(ctx, "")
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))
}

func TestSubmitApproval_DecisionLabelIsBounded(t *testing.T) {
	f := newFixture(t, workflow.NewCatalog(standardHierarchy()), false)
	ctx := context.Background()

	req, err := f.svc.CreateApprovalRequest(ctx, CreateInput{TaskID: "crit", RequesterID: "R"})
	require.NoError(t, err)

	for _, d := range []repository.Decision{"maybe", "yes please", "APPROVED"} {
		_, err := f.vote(t, req.ID, "M", d)
		assert.ErrorIs(t, err, workflow.ErrInvalidDecision)
	}
	_, err = f.vote(t, req.ID, "M", repository.DecisionApproved)
	require.NoError(t, err)

	families, err := f.registry.Gather()
	require.NoError(t, err)
	decisions := map[string]float64{}
	for _, mf := range families {
		if mf.GetName() != "pm_approvals_votes_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "decision" {
					decisions[lp.GetValue()] += m.GetCounter().GetValue()
				}
			}
		}
	}
	assert.Equal(t, map[string]float64{"invalid": 3, "approved": 1}, decisions)
}

func TestMemoryLocker(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "k")
	require.NoError(t, err)

	ctxTimeout, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctxTimeout, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := l.Lock(ctx, "other")
	require.NoError(t, err)
	other()

	unlock()
	unlock()

	again, err := l.Lock(ctx, "k")
	require.NoError(t, err)
	again()

	l.mu.Lock()
	assert.Empty(t, l.locks)
	l.mu.Unlock()
}
