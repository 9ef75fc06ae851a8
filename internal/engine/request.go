package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/msageha/signoff/internal/events"
	"github.com/msageha/signoff/internal/gate"
	"github.com/msageha/signoff/internal/identity"
	"github.com/msageha/signoff/internal/ledger"
	"github.com/msageha/signoff/internal/model"
	"github.com/msageha/signoff/internal/store"
)

type CreateInput struct {
	Title          string             `json:"title"`
	Description    string             `json:"description,omitempty"`
	Type           model.RequestType  `json:"type,omitempty"`
	WorkflowType   model.WorkflowType `json:"workflow_type"`
	RequesterID    string             `json:"requester_id"`
	ApproverIDs    []string           `json:"approver_ids"`
	Attachments    []model.Attachment `json:"attachments,omitempty"`
	ProjectID      string             `json:"project_id,omitempty"`
	TaskID         string             `json:"task_id,omitempty"`
	Priority       model.Priority     `json:"priority,omitempty"`
	Budget         *float64           `json:"budget,omitempty"`
	ResubmissionOf string             `json:"resubmission_of,omitempty"`
}

// CreateRequest validates in and stores a new pending request with one pending
// step per approver, in the given order.
func (e *Engine) CreateRequest(ctx context.Context, in CreateInput) (*model.ApprovalRequest, error) {
	const op = "create"
	now := e.timestamp()

	in.Title = strings.TrimSpace(in.Title)
	in.RequesterID = strings.TrimSpace(in.RequesterID)
	if in.Type == "" {
		in.Type = model.RequestTypeOther
	}

	var ve ValidationErrors
	if in.Title == "" {
		ve.Add("title", "is required")
	}
	if in.RequesterID == "" {
		ve.Add("requester_id", "is required")
	}
	if !in.Type.IsValid() {
		ve.Add("type", fmt.Sprintf("unknown request type %q", in.Type))
	}
	if !in.WorkflowType.IsValid() {
		ve.Add("workflow_type", fmt.Sprintf("must be %q or %q, got %q", model.WorkflowSequential, model.WorkflowParallel, in.WorkflowType))
	}
	if in.Priority != "" && !in.Priority.IsValid() {
		ve.Add("priority", fmt.Sprintf("unknown priority %q", in.Priority))
	}
	if in.Budget != nil && *in.Budget < 0 {
		ve.Add("budget", "must not be negative")
	}
	e.validateApprovers(ctx, in.RequesterID, in.ApproverIDs, &ve)
	e.validateAttachments("attachments", in.Attachments, &ve)
	if err := ve.asError(op); err != nil {
		return nil, err
	}

	if in.ResubmissionOf != "" {
		if err := e.checkResubmission(ctx, in.ResubmissionOf, in.RequesterID); err != nil {
			return nil, err
		}
	}

	id, err := model.NewID(model.KindRequest, e.timestamp())
	if err != nil {
		return nil, fmt.Errorf("create: %w", err)
	}

	approvers := make([]string, len(in.ApproverIDs))
	for i, a := range in.ApproverIDs {
		approvers[i] = strings.TrimSpace(a)
	}
	attachments := stampAttachments(in.Attachments, now)

	req := &model.ApprovalRequest{
		SchemaVersion:    model.SchemaVersion,
		FileType:         model.FileTypeRequest,
		ID:               id,
		Title:            in.Title,
		Description:      in.Description,
		Type:             in.Type,
		RequesterID:      in.RequesterID,
		WorkflowType:     in.WorkflowType,
		Status:           model.RequestPending,
		CurrentStepIndex: 0,
		Steps:            ledger.Build(approvers),
		Attachments:      attachments,
		ProjectID:        in.ProjectID,
		TaskID:           in.TaskID,
		Priority:         in.Priority,
		Budget:           in.Budget,
		ResubmissionOf:   in.ResubmissionOf,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := ledger.Validate(req.Steps); err != nil {
		return nil, newError(KindValidation, op, id, "%v", err)
	}

	if err := e.store.Create(ctx, req); err != nil {
		if errors.Is(err, store.ErrExists) {
			return nil, &Error{Kind: KindConflict, Op: op, RequestID: id, Msg: "request id collision; retry", Err: err}
		}
		return nil, err
	}

	e.logger.Info("request created", "op", op, "request_id", id, "actor", req.RequesterID,
		"workflow", req.WorkflowType, "steps", len(req.Steps), "status", req.Status)
	e.emit(events.Event{
		Type:       events.EventRequestCreated,
		Timestamp:  now,
		RequestID:  id,
		Actor:      req.RequesterID,
		Status:     string(req.Status),
		StepNumber: -1,
		Recipients: actionableApprovers(req),
	}, "", req.Status, "", req.Version)

	return req.Clone(), nil
}

func (e *Engine) validateApprovers(ctx context.Context, requesterID string, approverIDs []string, ve *ValidationErrors) {
	if len(approverIDs) == 0 {
		ve.Add("approver_ids", "at least one approver is required")
		return
	}
	if limit := e.limits.MaxApprovers; limit > 0 && len(approverIDs) > limit {
		ve.Add("approver_ids", fmt.Sprintf("at most %d approvers allowed, got %d", limit, len(approverIDs)))
	}
	seen := make(map[string]int, len(approverIDs))
	for i, raw := range approverIDs {
		field := fmt.Sprintf("approver_ids[%d]", i)
		id := strings.TrimSpace(raw)
		if id == "" {
			ve.Add(field, "must not be empty")
			continue
		}
		if prev, dup := seen[id]; dup {
			ve.Add(field, fmt.Sprintf("%q already holds step %d", id, prev))
			continue
		}
		seen[id] = i
		if id == requesterID && e.policy.ForbidSelfApproval {
			ve.Add(field, "requester cannot approve their own request")
		}
		if e.requireKnown {
			if _, err := e.identities.Resolve(ctx, id); errors.Is(err, identity.ErrUnknownUser) {
				ve.Add(field, fmt.Sprintf("unknown user %q", id))
			}
		}
	}
}

func (e *Engine) validateAttachments(field string, atts []model.Attachment, ve *ValidationErrors) {
	if limit := e.limits.MaxAttachments; limit > 0 && len(atts) > limit {
		ve.Add(field, fmt.Sprintf("at most %d attachments allowed, got %d", limit, len(atts)))
	}
	for i, a := range atts {
		if strings.TrimSpace(a.Name) == "" {
			ve.Add(fmt.Sprintf("%s[%d].name", field, i), "is required")
		}
		if strings.TrimSpace(a.StorageRef) == "" {
			ve.Add(fmt.Sprintf("%s[%d].storage_ref", field, i), "is required")
		}
	}
}

func stampAttachments(atts []model.Attachment, now time.Time) []model.Attachment {
	if len(atts) == 0 {
		return nil
	}
	out := make([]model.Attachment, len(atts))
	for i, a := range atts {
		if a.UploadedAt.IsZero() {
			a.UploadedAt = now
		}
		out[i] = a
	}
	return out
}

// checkResubmission requires prevID to be a revision_requested request owned by requesterID.
func (e *Engine) checkResubmission(ctx context.Context, prevID, requesterID string) error {
	const op = "create"
	prev, err := e.store.Get(ctx, prevID)
	if errors.Is(err, store.ErrNotFound) {
		return newError(KindValidation, op, "", "resubmission_of: request %s not found", prevID)
	}
	if err != nil {
		return err
	}
	if prev.RequesterID != requesterID {
		return newError(KindValidation, op, "", "resubmission_of: request %s belongs to another requester", prevID)
	}
	if prev.Status != model.RequestRevisionRequested {
		return newError(KindValidation, op, "", "resubmission_of: request %s is %s, not %s", prevID, prev.Status, model.RequestRevisionRequested)
	}
	return nil
}

// Approve records userID's approval. Sequential requests advance to the next
// step; the request becomes approved once every step is approved.
func (e *Engine) Approve(ctx context.Context, requestID, userID, comment string) (*model.ApprovalRequest, error) {
	const op = "approve"
	return e.mutate(ctx, op, requestID, userID, func(req *model.ApprovalRequest, now time.Time) (mutation, error) {
		idx, err := e.decide(op, req, userID, model.StepApproved, comment, now)
		if err != nil {
			return mutation{}, err
		}
		if ledger.AllApproved(req.Steps) {
			req.Status = model.RequestApproved
		} else if req.WorkflowType == model.WorkflowSequential {
			req.CurrentStepIndex = ledger.FirstPending(req.Steps)
		}
		return mutation{stepIdx: idx, comment: comment}, nil
	})
}

// Reject records userID's rejection. One rejection ends the request.
func (e *Engine) Reject(ctx context.Context, requestID, userID, comment string) (*model.ApprovalRequest, error) {
	const op = "reject"
	return e.mutate(ctx, op, requestID, userID, func(req *model.ApprovalRequest, now time.Time) (mutation, error) {
		idx, err := e.decide(op, req, userID, model.StepRejected, comment, now)
		if err != nil {
			return mutation{}, err
		}
		req.Status = model.RequestRejected
		return mutation{stepIdx: idx, comment: comment}, nil
	})
}

// RequestRevision sends the request back to its requester. Step statuses are
// left untouched and the comment is also appended to the thread.
func (e *Engine) RequestRevision(ctx context.Context, requestID, userID, comment string) (*model.ApprovalRequest, error) {
	const op = "request_revision"
	comment = strings.TrimSpace(comment)
	if comment == "" {
		return nil, e.refuse(op, requestID, userID, newError(KindValidation, op, requestID, "comment is required when requesting a revision"))
	}
	if err := e.checkCommentSize(op, requestID, comment); err != nil {
		return nil, e.refuse(op, requestID, userID, err)
	}

	req, err := e.mutate(ctx, op, requestID, userID, func(req *model.ApprovalRequest, _ time.Time) (mutation, error) {
		if _, err := e.authorize(op, req, userID); err != nil {
			return mutation{}, err
		}
		req.Status = model.RequestRevisionRequested
		return mutation{stepIdx: -1, comment: comment}, nil
	})
	if err != nil {
		return nil, err
	}

	if _, err := e.appendComment(ctx, requestID, userID, comment, nil); err != nil {
		e.logger.Error("revision note not added to thread", "request_id", requestID, "actor", userID, "error", err)
	}
	return req, nil
}

// Cancel withdraws a pending request. Only its requester may cancel.
func (e *Engine) Cancel(ctx context.Context, requestID, actorID string) (*model.ApprovalRequest, error) {
	const op = "cancel"
	return e.mutate(ctx, op, requestID, actorID, func(req *model.ApprovalRequest, _ time.Time) (mutation, error) {
		if req.RequesterID != actorID {
			return mutation{}, newError(KindPrecondition, op, req.ID, "only the requester can cancel request %s", req.ID)
		}
		if req.Status != model.RequestPending {
			return mutation{}, newError(KindPrecondition, op, req.ID, "request %s is %s; only pending requests can be cancelled", req.ID, req.Status)
		}
		req.Status = model.RequestCancelled
		return mutation{stepIdx: -1}, nil
	})
}

// authorize runs the decision gate and maps a denial to a precondition failure.
func (e *Engine) authorize(op string, req *model.ApprovalRequest, userID string) (int, error) {
	if strings.TrimSpace(userID) == "" {
		return -1, newError(KindValidation, op, req.ID, "actor is required")
	}
	idx, err := gate.Check(req, userID)
	if err != nil {
		return -1, &Error{Kind: KindPrecondition, Op: op, RequestID: req.ID, Msg: err.Error(), Err: err}
	}
	return idx, nil
}

// decide applies a step decision for userID and returns the step index.
func (e *Engine) decide(op string, req *model.ApprovalRequest, userID string, to model.StepStatus, comment string, now time.Time) (int, error) {
	if err := e.checkCommentSize(op, req.ID, comment); err != nil {
		return -1, err
	}
	idx, err := e.authorize(op, req, userID)
	if err != nil {
		return -1, err
	}
	step := &req.Steps[idx]
	if err := model.ValidateStepTransition(step.Status, to); err != nil {
		return -1, &Error{Kind: KindPrecondition, Op: op, RequestID: req.ID, Msg: err.Error(), Err: err}
	}
	step.Status = to
	decided := now
	step.DecidedAt = &decided
	if c := strings.TrimSpace(comment); c != "" {
		step.Comments = c
	}
	return idx, nil
}

func (e *Engine) checkCommentSize(op, requestID, comment string) error {
	if limit := e.limits.MaxCommentBytes; limit > 0 && len(comment) > limit {
		return newError(KindValidation, op, requestID, "comment exceeds %d bytes", limit)
	}
	return nil
}

func actionableApprovers(req *model.ApprovalRequest) []string {
	return gate.Actionable(req)
}
