package model

import "fmt"

type RequestStatus string

const (
	RequestPending           RequestStatus = "pending"
	RequestApproved          RequestStatus = "approved"
	RequestRejected          RequestStatus = "rejected"
	RequestCancelled         RequestStatus = "cancelled"
	RequestRevisionRequested RequestStatus = "revision_requested"
)

// AllRequestStatuses lists request statuses in display order.
var AllRequestStatuses = []RequestStatus{
	RequestPending,
	RequestApproved,
	RequestRejected,
	RequestRevisionRequested,
	RequestCancelled,
}

type StepStatus string

const (
	StepPending  StepStatus = "pending"
	StepApproved StepStatus = "approved"
	StepRejected StepStatus = "rejected"
)

type WorkflowType string

const (
	WorkflowSequential WorkflowType = "sequential"
	WorkflowParallel   WorkflowType = "parallel"
)

// RequestType is informational only; it never gates a transition.
type RequestType string

const (
	RequestTypeDocument RequestType = "document"
	RequestTypeDecision RequestType = "decision"
	RequestTypeBudget   RequestType = "budget"
	RequestTypeOther    RequestType = "other"
)

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

var validRequestStatuses = map[RequestStatus]bool{
	RequestPending:           true,
	RequestApproved:          true,
	RequestRejected:          true,
	RequestCancelled:         true,
	RequestRevisionRequested: true,
}

var validStepStatuses = map[StepStatus]bool{
	StepPending:  true,
	StepApproved: true,
	StepRejected: true,
}

var validWorkflowTypes = map[WorkflowType]bool{
	WorkflowSequential: true,
	WorkflowParallel:   true,
}

var validRequestTypes = map[RequestType]bool{
	RequestTypeDocument: true,
	RequestTypeDecision: true,
	RequestTypeBudget:   true,
	RequestTypeOther:    true,
}

var validPriorities = map[Priority]bool{
	PriorityLow:      true,
	PriorityMedium:   true,
	PriorityHigh:     true,
	PriorityCritical: true,
}

// revision_requested is terminal for the request instance; resubmission
// creates a new request.
var terminalRequestStatuses = map[RequestStatus]bool{
	RequestApproved:          true,
	RequestRejected:          true,
	RequestCancelled:         true,
	RequestRevisionRequested: true,
}

// Request transitions: pending → {approved, rejected, cancelled, revision_requested}.
// pending → pending is the sequential advance (current step pointer moves).
var validRequestTransitions = map[RequestStatus]map[RequestStatus]bool{
	RequestPending: {
		RequestPending:           true,
		RequestApproved:          true,
		RequestRejected:          true,
		RequestCancelled:         true,
		RequestRevisionRequested: true,
	},
}

// Step transitions: a decision is final.
var validStepTransitions = map[StepStatus]map[StepStatus]bool{
	StepPending: {
		StepApproved: true,
		StepRejected: true,
	},
}

func (s RequestStatus) IsValid() bool { return validRequestStatuses[s] }
func (s StepStatus) IsValid() bool    { return validStepStatuses[s] }
func (w WorkflowType) IsValid() bool  { return validWorkflowTypes[w] }
func (t RequestType) IsValid() bool   { return validRequestTypes[t] }
func (p Priority) IsValid() bool      { return validPriorities[p] }

func IsRequestTerminal(s RequestStatus) bool {
	return terminalRequestStatuses[s]
}

func IsStepDecided(s StepStatus) bool {
	return s != StepPending
}

func ValidateRequestTransition(from, to RequestStatus) error {
	if IsRequestTerminal(from) {
		return fmt.Errorf("cannot transition from terminal request status %q", from)
	}
	allowed, ok := validRequestTransitions[from]
	if !ok {
		return fmt.Errorf("unknown request status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid request transition: %q → %q", from, to)
	}
	return nil
}

func ValidateStepTransition(from, to StepStatus) error {
	if IsStepDecided(from) {
		return fmt.Errorf("step already decided: %q", from)
	}
	allowed, ok := validStepTransitions[from]
	if !ok {
		return fmt.Errorf("unknown step status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid step transition: %q → %q", from, to)
	}
	return nil
}
