package engine

import (
	"context"
	"errors"
	"time"

	"github.com/msageha/signoff/internal/events"
	"github.com/msageha/signoff/internal/gate"
	"github.com/msageha/signoff/internal/identity"
	"github.com/msageha/signoff/internal/model"
	"github.com/msageha/signoff/internal/store"
)

// AttachmentView is an attachment with its URL resolved at read time.
type AttachmentView struct {
	model.Attachment
	URL      string `json:"url,omitempty"`
	URLError string `json:"url_error,omitempty"`
}

type StepView struct {
	model.ApprovalStep
	Approver   identity.Identity `json:"approver"`
	Actionable bool              `json:"actionable"`
}

// RequestView is the read projection of one request.
type RequestView struct {
	Request     *model.ApprovalRequest `json:"request"`
	Requester   identity.Identity      `json:"requester"`
	Steps       []StepView             `json:"steps"`
	Attachments []AttachmentView       `json:"attachments,omitempty"`
	// Actionable lists approvers who may decide right now.
	Actionable []string `json:"actionable"`
}

type CommentView struct {
	model.Comment
	Author      identity.Identity `json:"author"`
	Attachments []AttachmentView  `json:"attachments,omitempty"`
}

func (e *Engine) GetRequest(ctx context.Context, requestID string) (*RequestView, error) {
	req, err := e.load(ctx, "get", requestID)
	if err != nil {
		return nil, err
	}

	actionable := gate.Actionable(req)
	can := make(map[string]bool, len(actionable))
	for _, id := range actionable {
		can[id] = true
	}

	v := &RequestView{
		Request:     req,
		Requester:   e.resolveIdentity(ctx, req.RequesterID),
		Steps:       make([]StepView, len(req.Steps)),
		Attachments: e.resolveAttachments(ctx, req.Attachments),
		Actionable:  actionable,
	}
	if v.Actionable == nil {
		v.Actionable = []string{}
	}
	for i, s := range req.Steps {
		v.Steps[i] = StepView{
			ApprovalStep: s,
			Approver:     e.resolveIdentity(ctx, s.ApproverID),
			Actionable:   can[s.ApproverID],
		}
	}
	return v, nil
}

// ListComments returns the thread oldest first. The request must exist.
func (e *Engine) ListComments(ctx context.Context, requestID string) ([]CommentView, error) {
	const op = "list_comments"
	if _, err := e.load(ctx, op, requestID); err != nil {
		return nil, err
	}
	comments, err := e.store.ListComments(ctx, requestID)
	if err != nil {
		return nil, e.storeError(op, requestID, err)
	}

	out := make([]CommentView, 0, len(comments))
	authors := make(map[string]identity.Identity)
	for _, c := range comments {
		author, ok := authors[c.AuthorID]
		if !ok {
			author = e.resolveIdentity(ctx, c.AuthorID)
			authors[c.AuthorID] = author
		}
		out = append(out, CommentView{
			Comment:     *c,
			Author:      author,
			Attachments: e.resolveAttachments(ctx, c.Attachments),
		})
	}
	return out, nil
}

// ListRequests returns requests matching f, newest first.
func (e *Engine) ListRequests(ctx context.Context, f store.Filter) ([]*model.ApprovalRequest, error) {
	if f.Status != "" && !f.Status.IsValid() {
		return nil, newError(KindValidation, "list", "", "unknown status %q", f.Status)
	}
	reqs, err := e.store.List(ctx, f)
	if err != nil {
		return nil, err
	}
	return reqs, nil
}

// ListPendingFor returns the requests userID can decide right now. A sequential
// approver whose turn has not come is not included.
func (e *Engine) ListPendingFor(ctx context.Context, userID string) ([]*model.ApprovalRequest, error) {
	if userID == "" {
		return nil, newError(KindValidation, "list_pending", "", "user id is required")
	}
	reqs, err := e.store.List(ctx, store.Filter{Status: model.RequestPending, ApproverID: userID})
	if err != nil {
		return nil, err
	}
	out := reqs[:0]
	for _, r := range reqs {
		if gate.CanAct(r, userID) != nil {
			out = append(out, r)
		}
	}
	return out, nil
}

// History returns the audit trail of a request in the order it was written.
func (e *Engine) History(ctx context.Context, requestID string) ([]events.AuditEntry, error) {
	if _, err := e.load(ctx, "history", requestID); err != nil {
		return nil, err
	}
	if e.audit == nil {
		return []events.AuditEntry{}, nil
	}
	entries, err := e.audit.History(requestID)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []events.AuditEntry{}
	}
	return entries, nil
}

func (e *Engine) resolveIdentity(ctx context.Context, userID string) identity.Identity {
	id, err := e.identities.Resolve(ctx, userID)
	if err != nil {
		if !errors.Is(err, identity.ErrUnknownUser) {
			e.logger.Warn("identity lookup failed", "user_id", userID, "error", err)
		}
		return identity.Identity{UserID: userID, DisplayName: userID}
	}
	return id
}

const attachmentResolveTimeout = 2 * time.Second

// resolveAttachments never fails the read; unresolved URLs carry URLError.
func (e *Engine) resolveAttachments(ctx context.Context, atts []model.Attachment) []AttachmentView {
	if len(atts) == 0 {
		return nil
	}
	out := make([]AttachmentView, len(atts))
	for i, a := range atts {
		out[i] = AttachmentView{Attachment: a}
		if e.attachments == nil {
			continue
		}
		rctx, cancel := context.WithTimeout(ctx, attachmentResolveTimeout)
		u, err := e.attachments.ResolveURL(rctx, a.StorageRef)
		cancel()
		if err != nil {
			out[i].URLError = err.Error()
			continue
		}
		out[i].URL = u
	}
	return out
}
