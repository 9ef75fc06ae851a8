package model

import "testing"

func TestIsRequestTerminal(t *testing.T) {
	tests := []struct {
		status   RequestStatus
		terminal bool
	}{
		{RequestPending, false},
		{RequestApproved, true},
		{RequestRejected, true},
		{RequestCancelled, true},
		{RequestRevisionRequested, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := IsRequestTerminal(tt.status); got != tt.terminal {
				t.Errorf("IsRequestTerminal(%q) = %v, want %v", tt.status, got, tt.terminal)
			}
		})
	}
}

func TestValidateRequestTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    RequestStatus
		to      RequestStatus
		wantErr bool
	}{
		{"pending to approved", RequestPending, RequestApproved, false},
		{"pending to rejected", RequestPending, RequestRejected, false},
		{"pending to cancelled", RequestPending, RequestCancelled, false},
		{"pending to revision", RequestPending, RequestRevisionRequested, false},
		{"pending advance", RequestPending, RequestPending, false},
		{"approved to rejected", RequestApproved, RequestRejected, true},
		{"rejected to pending", RequestRejected, RequestPending, true},
		{"revision to pending", RequestRevisionRequested, RequestPending, true},
		{"cancelled to approved", RequestCancelled, RequestApproved, true},
		{"unknown from", RequestStatus("draft"), RequestApproved, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRequestTransition(tt.from, tt.to)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateRequestTransition(%q, %q) error = %v, wantErr %v", tt.from, tt.to, err, tt.wantErr)
			}
		})
	}
}

func TestValidateStepTransition(t *testing.T) {
	if err := ValidateStepTransition(StepPending, StepApproved); err != nil {
		t.Errorf("pending → approved: %v", err)
	}
	if err := ValidateStepTransition(StepPending, StepRejected); err != nil {
		t.Errorf("pending → rejected: %v", err)
	}
	if err := ValidateStepTransition(StepPending, StepPending); err == nil {
		t.Error("pending → pending should fail")
	}
	if err := ValidateStepTransition(StepApproved, StepRejected); err == nil {
		t.Error("approved → rejected should fail: decisions are final")
	}
	if err := ValidateStepTransition(StepRejected, StepApproved); err == nil {
		t.Error("rejected → approved should fail: decisions are final")
	}
}

func TestEnumValidity(t *testing.T) {
	if !WorkflowSequential.IsValid() || !WorkflowParallel.IsValid() {
		t.Error("known workflow types reported invalid")
	}
	if WorkflowType("round_robin").IsValid() {
		t.Error("unknown workflow type reported valid")
	}
	for _, rt := range []RequestType{RequestTypeDocument, RequestTypeDecision, RequestTypeBudget, RequestTypeOther} {
		if !rt.IsValid() {
			t.Errorf("request type %q reported invalid", rt)
		}
	}
	if RequestType("expense").IsValid() {
		t.Error("unknown request type reported valid")
	}
	if Priority("urgent").IsValid() {
		t.Error("unknown priority reported valid")
	}
}

func TestApprovalRequest_CloneIsDeep(t *testing.T) {
	budget := 1200.0
	orig := &ApprovalRequest{
		ID:     "apr_0000000001_deadbeef",
		Budget: &budget,
		Steps: []ApprovalStep{
			{StepNumber: 0, ApproverID: "u1", Status: StepPending},
		},
		Attachments: []Attachment{{Name: "a.pdf", StorageRef: "ref-1"}},
	}

	c := orig.Clone()
	c.Steps[0].Status = StepApproved
	c.Attachments[0].Name = "b.pdf"
	*c.Budget = 5

	if orig.Steps[0].Status != StepPending {
		t.Errorf("clone shares steps with original")
	}
	if orig.Attachments[0].Name != "a.pdf" {
		t.Errorf("clone shares attachments with original")
	}
	if *orig.Budget != 1200 {
		t.Errorf("clone shares budget with original")
	}
}
