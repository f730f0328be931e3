package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-pm-approvals/internal/repository"
)

var fixedNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func newTestMachine(t *testing.T, strict bool) *Machine {
	t.Helper()
	signer, err := NewHMACSigner([]byte("test-secret"), "be-pm-approvals")
	require.NoError(t, err)
	m := NewMachine(signer, strict)
	m.Now = func() time.Time { return fixedNow }
	return m
}

func pendingRequest(approvalType repository.ApprovalType, required int, approvers ...string) *repository.ApprovalRequest {
	return &repository.ApprovalRequest{
		ID:                "req-1",
		TaskID:            "task-1",
		RequesterID:       "R",
		Approvers:         approvers,
		Status:            repository.StatusPending,
		ApprovalType:      approvalType,
		RequiredApprovals: required,
	}
}

func TestSubmitVote_Parallel(t *testing.T) {
	m := newTestMachine(t, false)
	req := pendingRequest(repository.ApprovalParallel, 3, "A", "B", "C")

	require.NoError(t, m.SubmitVote(req, "A", repository.DecisionApproved, ""))
	assert.Equal(t, repository.StatusPending, req.Status)
	require.NoError(t, m.SubmitVote(req, "B", repository.DecisionApproved, "fine"))
	assert.Equal(t, repository.StatusPending, req.Status)
	assert.Equal(t, 0, req.CurrentApproverIndex)

	require.NoError(t, m.SubmitVote(req, "C", repository.DecisionApproved, ""))
	assert.Equal(t, repository.StatusApproved, req.Status)
	require.NotNil(t, req.ResolvedAt)
	assert.Equal(t, fixedNow, *req.ResolvedAt)
	assert.Len(t, req.Votes, 3)
	assert.Equal(t, "fine", req.Votes[1].Comment)
}

func TestSubmitVote_AnyOne(t *testing.T) {
	m := newTestMachine(t, false)
	req := pendingRequest(repository.ApprovalAnyOne, 1, "A", "B")

	require.NoError(t, m.SubmitVote(req, "B", repository.DecisionApproved, ""))
	assert.Equal(t, repository.StatusApproved, req.Status)
}

func TestSubmitVote_RejectionIsFinal(t *testing.T) {
	for _, approvalType := range []repository.ApprovalType{repository.ApprovalParallel, repository.ApprovalAnyOne, repository.ApprovalSequential} {
		t.Run(string(approvalType), func(t *testing.T) {
			m := newTestMachine(t, false)
			req := pendingRequest(approvalType, 4, "A", "B", "C", "D")
			if approvalType == repository.ApprovalAnyOne {
				req.RequiredApprovals = 1
			}

			if approvalType != repository.ApprovalAnyOne {
				require.NoError(t, m.SubmitVote(req, "A", repository.DecisionApproved, ""))
				require.NoError(t, m.SubmitVote(req, "B", repository.DecisionApproved, ""))
			}
			require.NoError(t, m.SubmitVote(req, "C", repository.DecisionRejected, "no budget"))
			assert.Equal(t, repository.StatusRejected, req.Status)
			assert.NotNil(t, req.ResolvedAt)
		})
	}
}

func TestSubmitVote_Sequential(t *testing.T) {
	m := newTestMachine(t, false)
	req := pendingRequest(repository.ApprovalSequential, 2, "M", "A")

	require.NoError(t, m.SubmitVote(req, "M", repository.DecisionApproved, ""))
	assert.Equal(t, repository.StatusPending, req.Status)
	assert.Equal(t, 1, req.CurrentApproverIndex)

	require.NoError(t, m.SubmitVote(req, "A", repository.DecisionApproved, ""))
	assert.Equal(t, repository.StatusApproved, req.Status)
	assert.Equal(t, 1, req.CurrentApproverIndex)
}

func TestSubmitVote_SequentialOrdering(t *testing.T) {
	t.Run("lenient accepts out of turn", func(t *testing.T) {
		m := newTestMachine(t, false)
		req := pendingRequest(repository.ApprovalSequential, 2, "M", "A")
		require.NoError(t, m.SubmitVote(req, "A", repository.DecisionApproved, ""))
		assert.Equal(t, 1, req.CurrentApproverIndex)
	})
	t.Run("strict refuses out of turn", func(t *testing.T) {
		m := newTestMachine(t, true)
		req := pendingRequest(repository.ApprovalSequential, 2, "M", "A")
		assert.ErrorIs(t, m.SubmitVote(req, "A", repository.DecisionApproved, ""), ErrOutOfTurn)
		assert.Empty(t, req.Votes)

		require.NoError(t, m.SubmitVote(req, "M", repository.DecisionApproved, ""))
		require.NoError(t, m.SubmitVote(req, "A", repository.DecisionApproved, ""))
		assert.Equal(t, repository.StatusApproved, req.Status)
	})
	t.Run("strict ignores parallel", func(t *testing.T) {
		m := newTestMachine(t, true)
		req := pendingRequest(repository.ApprovalParallel, 2, "M", "A")
		assert.NoError(t, m.SubmitVote(req, "A", repository.DecisionApproved, ""))
	})
}

func TestSubmitVote_Guards(t *testing.T) {
	m := newTestMachine(t, false)

	t.Run("not an approver", func(t *testing.T) {
		req := pendingRequest(repository.ApprovalParallel, 1, "A")
		assert.ErrorIs(t, m.SubmitVote(req, "Z", repository.DecisionApproved, ""), ErrNotAuthorized)
		assert.Empty(t, req.Votes)
	})
	t.Run("second vote from same voter", func(t *testing.T) {
		req := pendingRequest(repository.ApprovalParallel, 2, "A", "B")
		require.NoError(t, m.SubmitVote(req, "A", repository.DecisionApproved, ""))
		before := req.Clone()

		assert.ErrorIs(t, m.SubmitVote(req, "A", repository.DecisionRejected, ""), ErrAlreadyVoted)
		assert.Equal(t, before, req)
	})
	t.Run("terminal replay", func(t *testing.T) {
		req := pendingRequest(repository.ApprovalAnyOne, 1, "A", "B")
		require.NoError(t, m.SubmitVote(req, "A", repository.DecisionApproved, ""))
		before := req.Clone()

		assert.ErrorIs(t, m.SubmitVote(req, "A", repository.DecisionApproved, ""), ErrRequestClosed)
		assert.ErrorIs(t, m.SubmitVote(req, "B", repository.DecisionRejected, ""), ErrRequestClosed)
		assert.Equal(t, before, req)
	})
	t.Run("invalid decision", func(t *testing.T) {
		req := pendingRequest(repository.ApprovalAnyOne, 1, "A")
		assert.ErrorIs(t, m.SubmitVote(req, "A", "maybe", ""), ErrInvalidDecision)
	})
}

func TestSubmitVote_ParallelQuorumBoundary(t *testing.T) {
	m := newTestMachine(t, false)
	for n := 1; n <= 5; n++ {
		approvers := []string{"u1", "u2", "u3", "u4", "u5"}
		req := pendingRequest(repository.ApprovalParallel, n, approvers...)
		for i, voter := range approvers {
			if req.Status.Terminal() {
				break
			}
			require.NoError(t, m.SubmitVote(req, voter, repository.DecisionApproved, ""))
			if i+1 < n {
				assert.Equal(t, repository.StatusPending, req.Status, "n=%d after %d votes", n, i+1)
			} else {
				assert.Equal(t, repository.StatusApproved, req.Status, "n=%d after %d votes", n, i+1)
			}
		}
		assert.Len(t, req.Votes, n)
	}
}

func TestSubmitVote_SignsVotes(t *testing.T) {
	m := newTestMachine(t, false)
	req := pendingRequest(repository.ApprovalAnyOne, 1, "A")
	require.NoError(t, m.SubmitVote(req, "A", repository.DecisionApproved, ""))

	vote := req.Votes[0]
	require.NotEmpty(t, vote.Signature)
	assert.NoError(t, m.Signer.Verify(req.ID, vote))
}

func TestDeriveApprovalType(t *testing.T) {
	tests := []struct {
		name         string
		specs        []repository.ApproverSpec
		expectedType repository.ApprovalType
		expectedN    int
	}{
		{
			name:         "ordered specs are sequential",
			specs:        []repository.ApproverSpec{{Type: repository.ApproverManager, Required: true, Order: intPtr(1)}, {Type: repository.ApproverRole, Identifier: "admin", Required: true, Order: intPtr(2)}},
			expectedType: repository.ApprovalSequential,
			expectedN:    2,
		},
		{
			name:         "all required is parallel",
			specs:        []repository.ApproverSpec{{Type: repository.ApproverManager, Required: true}, {Type: repository.ApproverDepartmentHead, Required: true}},
			expectedType: repository.ApprovalParallel,
			expectedN:    2,
		},
		{
			name:         "optional specs are any_one",
			specs:        []repository.ApproverSpec{{Type: repository.ApproverManager, Required: true}, {Type: repository.ApproverRole, Identifier: "admin"}},
			expectedType: repository.ApprovalAnyOne,
			expectedN:    1,
		},
		{
			name:         "no required specs floor at one",
			specs:        []repository.ApproverSpec{{Type: repository.ApproverRole, Identifier: "admin"}},
			expectedType: repository.ApprovalAnyOne,
			expectedN:    1,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rule := &repository.ApprovalRule{Approvers: tc.specs}
			assert.Equal(t, tc.expectedType, DeriveApprovalType(rule))
			assert.Equal(t, tc.expectedN, RequiredApprovals(rule))
		})
	}
}
