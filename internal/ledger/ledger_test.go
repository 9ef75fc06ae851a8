package ledger

import (
	"testing"
	"time"

	"github.com/msageha/signoff/internal/model"
)

func TestBuild_NumbersFromZero(t *testing.T) {
	steps := Build([]string{"alice", "bob", "carol"})
	if len(steps) != 3 {
		t.Fatalf("len(steps) = %d, want 3", len(steps))
	}
	for i, s := range steps {
		if s.StepNumber != i {
			t.Errorf("steps[%d].StepNumber = %d", i, s.StepNumber)
		}
		if s.Status != model.StepPending {
			t.Errorf("steps[%d].Status = %q, want pending", i, s.Status)
		}
		if s.DecidedAt != nil {
			t.Errorf("steps[%d].DecidedAt set on a fresh ledger", i)
		}
	}
	if steps[1].ApproverID != "bob" {
		t.Errorf("steps[1].ApproverID = %q, want bob", steps[1].ApproverID)
	}
	if err := Validate(steps); err != nil {
		t.Errorf("Validate(Build(...)) = %v", err)
	}
}

func TestValidate_Rejects(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name  string
		steps []model.ApprovalStep
	}{
		{"empty", nil},
		{"gap", []model.ApprovalStep{
			{StepNumber: 0, ApproverID: "a", Status: model.StepPending},
			{StepNumber: 2, ApproverID: "b", Status: model.StepPending},
		}},
		{"duplicate number", []model.ApprovalStep{
			{StepNumber: 0, ApproverID: "a", Status: model.StepPending},
			{StepNumber: 0, ApproverID: "b", Status: model.StepPending},
		}},
		{"duplicate approver", []model.ApprovalStep{
			{StepNumber: 0, ApproverID: "a", Status: model.StepPending},
			{StepNumber: 1, ApproverID: "a", Status: model.StepPending},
		}},
		{"missing approver", []model.ApprovalStep{
			{StepNumber: 0, ApproverID: "", Status: model.StepPending},
		}},
		{"unknown status", []model.ApprovalStep{
			{StepNumber: 0, ApproverID: "a", Status: "skipped"},
		}},
		{"decided without timestamp", []model.ApprovalStep{
			{StepNumber: 0, ApproverID: "a", Status: model.StepApproved},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := Validate(tt.steps); err == nil {
				t.Errorf("Validate accepted %s ledger", tt.name)
			}
		})
	}

	ok := []model.ApprovalStep{
		{StepNumber: 0, ApproverID: "a", Status: model.StepApproved, DecidedAt: &now},
		{StepNumber: 1, ApproverID: "b", Status: model.StepPending},
	}
	if err := Validate(ok); err != nil {
		t.Errorf("Validate rejected a well-formed ledger: %v", err)
	}
}

func TestQueries(t *testing.T) {
	now := time.Now()
	steps := Build([]string{"a", "b", "c"})

	if got := StepFor(steps, "c"); got != 2 {
		t.Errorf("StepFor(c) = %d, want 2", got)
	}
	if got := StepFor(steps, "zed"); got != -1 {
		t.Errorf("StepFor(zed) = %d, want -1", got)
	}
	if got := FirstPending(steps); got != 0 {
		t.Errorf("FirstPending = %d, want 0", got)
	}

	steps[0].Status = model.StepApproved
	steps[0].DecidedAt = &now
	if got := FirstPending(steps); got != 1 {
		t.Errorf("FirstPending after step 0 approved = %d, want 1", got)
	}
	if AllApproved(steps) {
		t.Error("AllApproved = true with pending steps")
	}

	steps[1].Status = model.StepApproved
	steps[2].Status = model.StepApproved
	if !AllApproved(steps) {
		t.Error("AllApproved = false with every step approved")
	}
	if got := FirstPending(steps); got != -1 {
		t.Errorf("FirstPending with no pending steps = %d, want -1", got)
	}

	steps[2].Status = model.StepRejected
	c := Counts(steps)
	if c[model.StepApproved] != 2 || c[model.StepRejected] != 1 || c[model.StepPending] != 0 {
		t.Errorf("Counts = %v", c)
	}
}

func TestAllApproved_EmptyLedger(t *testing.T) {
	if AllApproved(nil) {
		t.Error("AllApproved(nil) = true, want false")
	}
}
