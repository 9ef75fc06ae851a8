// Package gate decides whether an actor may record a decision on a request right now,
// and which step that decision applies to.
//
// The decision is a pure function of the request's current state: no flags are
// stored alongside the ledger.
package gate

import (
	"errors"
	"fmt"

	"github.com/msageha/signoff/internal/ledger"
	"github.com/msageha/signoff/internal/model"
)

var (
	ErrNotPending  = errors.New("request is not pending")
	ErrNoStep      = errors.New("actor has no step on this request")
	ErrStepDecided = errors.New("actor's step is already decided")
	ErrNotYourTurn = errors.New("an earlier step is still pending")
	ErrUnknownFlow = errors.New("unknown workflow type")
)

// Denial explains why Check refused an actor.
type Denial struct {
	Reason     error
	RequestID  string
	UserID     string
	Status     model.RequestStatus
	StepNumber int // -1 when the actor has no step
	Current    int // current step index for sequential workflows
}

func (d *Denial) Error() string {
	switch d.Reason {
	case ErrNotPending:
		return fmt.Sprintf("request %s is %s", d.RequestID, d.Status)
	case ErrNoStep:
		return fmt.Sprintf("user %s is not an approver on request %s", d.UserID, d.RequestID)
	case ErrStepDecided:
		return fmt.Sprintf("user %s already decided step %d of request %s", d.UserID, d.StepNumber, d.RequestID)
	case ErrNotYourTurn:
		return fmt.Sprintf("step %d of request %s is not active (current step is %d)", d.StepNumber, d.RequestID, d.Current)
	default:
		return fmt.Sprintf("request %s: %v", d.RequestID, d.Reason)
	}
}

func (d *Denial) Unwrap() error { return d.Reason }

// Check returns the index of the step userID may decide, or a *Denial.
func Check(req *model.ApprovalRequest, userID string) (int, error) {
	deny := func(reason error, step int) (int, error) {
		return -1, &Denial{
			Reason:     reason,
			RequestID:  req.ID,
			UserID:     userID,
			Status:     req.Status,
			StepNumber: step,
			Current:    req.CurrentStepIndex,
		}
	}

	if req.Status != model.RequestPending {
		return deny(ErrNotPending, -1)
	}
	idx := ledger.StepFor(req.Steps, userID)
	if idx < 0 {
		return deny(ErrNoStep, -1)
	}
	step := req.Steps[idx]
	if step.Status != model.StepPending {
		return deny(ErrStepDecided, step.StepNumber)
	}

	switch req.WorkflowType {
	case model.WorkflowParallel:
		return idx, nil
	case model.WorkflowSequential:
		if step.StepNumber != req.CurrentStepIndex {
			return deny(ErrNotYourTurn, step.StepNumber)
		}
		return idx, nil
	default:
		return deny(ErrUnknownFlow, step.StepNumber)
	}
}

// CanAct returns the step userID may decide, or nil.
func CanAct(req *model.ApprovalRequest, userID string) *model.ApprovalStep {
	idx, err := Check(req, userID)
	if err != nil {
		return nil
	}
	return &req.Steps[idx]
}

// Actionable lists approvers who could act on req right now.
func Actionable(req *model.ApprovalRequest) []string {
	var out []string
	for i := range req.Steps {
		id := req.Steps[i].ApproverID
		if _, err := Check(req, id); err == nil {
			out = append(out, id)
		}
	}
	return out
}
