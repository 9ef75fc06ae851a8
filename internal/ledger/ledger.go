// Package ledger builds and queries the ordered approval steps of one request.
//
// Ledgers are small (one step per approver), so every query is a linear scan.
package ledger

import (
	"fmt"

	"github.com/msageha/signoff/internal/model"
)

// Build creates one pending step per approver, numbered from 0 in the given order.
func Build(approverIDs []string) []model.ApprovalStep {
	steps := make([]model.ApprovalStep, len(approverIDs))
	for i, id := range approverIDs {
		steps[i] = model.ApprovalStep{
			StepNumber: i,
			ApproverID: id,
			Status:     model.StepPending,
		}
	}
	return steps
}

// Validate checks that steps[i].StepNumber == i for every i, that each step has an
// approver, and that no approver holds two steps.
func Validate(steps []model.ApprovalStep) error {
	if len(steps) == 0 {
		return fmt.Errorf("ledger has no steps")
	}
	seen := make(map[string]int, len(steps))
	for i, s := range steps {
		if s.StepNumber != i {
			return fmt.Errorf("step at position %d has step_number %d (must be contiguous from 0)", i, s.StepNumber)
		}
		if s.ApproverID == "" {
			return fmt.Errorf("step %d has no approver", i)
		}
		if prev, dup := seen[s.ApproverID]; dup {
			return fmt.Errorf("approver %q holds steps %d and %d", s.ApproverID, prev, i)
		}
		seen[s.ApproverID] = i
		if !s.Status.IsValid() {
			return fmt.Errorf("step %d has unknown status %q", i, s.Status)
		}
		if model.IsStepDecided(s.Status) && s.DecidedAt == nil {
			return fmt.Errorf("step %d is %s without decided_at", i, s.Status)
		}
	}
	return nil
}

// StepFor returns the index of the step assigned to userID, or -1.
func StepFor(steps []model.ApprovalStep, userID string) int {
	for i := range steps {
		if steps[i].ApproverID == userID {
			return i
		}
	}
	return -1
}

// FirstPending returns the lowest step number still pending, or -1 when every step is decided.
func FirstPending(steps []model.ApprovalStep) int {
	for i := range steps {
		if steps[i].Status == model.StepPending {
			return steps[i].StepNumber
		}
	}
	return -1
}

func AllApproved(steps []model.ApprovalStep) bool {
	if len(steps) == 0 {
		return false
	}
	for i := range steps {
		if steps[i].Status != model.StepApproved {
			return false
		}
	}
	return true
}

// Counts tallies steps by status.
func Counts(steps []model.ApprovalStep) map[model.StepStatus]int {
	out := map[model.StepStatus]int{
		model.StepPending:  0,
		model.StepApproved: 0,
		model.StepRejected: 0,
	}
	for i := range steps {
		out[steps[i].Status]++
	}
	return out
}
