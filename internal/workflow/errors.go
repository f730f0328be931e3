package workflow

import "github.com/pesio-ai/be-pm-approvals/internal/platform/errors"

// Engine error taxonomy. All are recoverable by the caller; match with
// errors.Is.
var (
	ErrTaskNotFound        = errors.New(errors.ErrCodeNotFound, "task not found")
	ErrUserNotFound        = errors.New(errors.ErrCodeNotFound, "user not found")
	ErrRequestNotFound     = errors.New(errors.ErrCodeNotFound, "approval request not found")
	ErrHierarchyNotFound   = errors.New(errors.ErrCodeNotFound, "approval hierarchy not found")
	ErrNoApproversResolved = errors.New(errors.ErrCodeFailedPrecondition, "approval rule matched but no eligible approvers were resolved")
	ErrNotAuthorized       = errors.New(errors.ErrCodeForbidden, "user is not authorized to approve this request")
	ErrOutOfTurn           = errors.New(errors.ErrCodeForbidden, "user is not the current approver in the sequence")
	ErrAlreadyVoted        = errors.New(errors.ErrCodeConflict, "user has already voted on this request")
	ErrRequestClosed       = errors.New(errors.ErrCodeConflict, "approval request is no longer pending")
	ErrApprovalPending     = errors.New(errors.ErrCodeConflict, "task already has a pending approval request")
	ErrInvalidDecision     = errors.New(errors.ErrCodeInvalidInput, "decision must be approved or rejected")
)
