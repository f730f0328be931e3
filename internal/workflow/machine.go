package workflow

import (
	"time"

	"github.com/pesio-ai/be-pm-approvals/internal/repository"
)

// Machine applies votes to approval requests.
//
// With StrictSequence unset, any approver of a sequential request may vote
// at any time and CurrentApproverIndex only tracks progress. With it set,
// a sequential request only accepts a vote from Approvers[CurrentApproverIndex].
type Machine struct {
	Signer         Signer
	StrictSequence bool
	Now            func() time.Time
}

// NewMachine creates a machine signing votes with signer.
func NewMachine(signer Signer, strictSequence bool) *Machine {
	return &Machine{Signer: signer, StrictSequence: strictSequence, Now: time.Now}
}

// SubmitVote records voterID's decision on req and recomputes its status.
// The request is mutated in place and is left untouched when an error is
// returned.
func (m *Machine) SubmitVote(req *repository.ApprovalRequest, voterID string, decision repository.Decision, comment string) error {
	if decision != repository.DecisionApproved && decision != repository.DecisionRejected {
		return ErrInvalidDecision
	}
	if req.Status.Terminal() {
		return ErrRequestClosed
	}
	if !req.IsApprover(voterID) {
		return ErrNotAuthorized
	}
	if req.VoteOf(voterID) != nil {
		return ErrAlreadyVoted
	}
	if m.StrictSequence && req.ApprovalType == repository.ApprovalSequential {
		idx := req.CurrentApproverIndex
		if idx < len(req.Approvers) && req.Approvers[idx] != voterID {
			return ErrOutOfTurn
		}
	}

	now := m.now()
	vote := repository.Vote{
		VoterID:   voterID,
		Decision:  decision,
		Comment:   comment,
		Timestamp: now,
	}
	if m.Signer != nil {
		sig, err := m.Signer.Sign(req.ID, vote)
		if err != nil {
			return err
		}
		vote.Signature = sig
	}

	req.Votes = append(req.Votes, vote)
	req.Status = ComputeStatus(req)

	switch {
	case req.Status.Terminal():
		req.ResolvedAt = &now
	case req.ApprovalType == repository.ApprovalSequential:
		req.CurrentApproverIndex++
	}
	return nil
}

func (m *Machine) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// ComputeStatus aggregates the votes of req under its quorum discipline. Any
// rejection is final.
func ComputeStatus(req *repository.ApprovalRequest) repository.ApprovalStatus {
	approvals := 0
	for _, v := range req.Votes {
		if v.Decision == repository.DecisionRejected {
			return repository.StatusRejected
		}
		if v.Decision == repository.DecisionApproved {
			approvals++
		}
	}

	switch req.ApprovalType {
	case repository.ApprovalAnyOne:
		if approvals >= 1 {
			return repository.StatusApproved
		}
	case repository.ApprovalParallel, repository.ApprovalSequential:
		if approvals >= req.RequiredApprovals {
			return repository.StatusApproved
		}
	}
	return repository.StatusPending
}

// DeriveApprovalType picks the quorum discipline from a rule's approver
// specs: any explicit order makes it sequential, otherwise all-required is
// parallel and anything else is any_one.
func DeriveApprovalType(rule *repository.ApprovalRule) repository.ApprovalType {
	allRequired := true
	for _, spec := range rule.Approvers {
		if spec.Order != nil {
			return repository.ApprovalSequential
		}
		if !spec.Required {
			allRequired = false
		}
	}
	if allRequired {
		return repository.ApprovalParallel
	}
	return repository.ApprovalAnyOne
}

// RequiredApprovals counts required specs, with a floor of one.
func RequiredApprovals(rule *repository.ApprovalRule) int {
	n := 0
	for _, spec := range rule.Approvers {
		if spec.Required {
			n++
		}
	}
	if n < 1 {
		return 1
	}
	return n
}
