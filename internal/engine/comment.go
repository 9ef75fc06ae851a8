package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/msageha/signoff/internal/events"
	"github.com/msageha/signoff/internal/model"
)

// AddComment appends to a request's thread. It is allowed in every status and
// never touches the request document.
func (e *Engine) AddComment(ctx context.Context, requestID, authorID, content string, attachments []model.Attachment) (*model.Comment, error) {
	const op = "add_comment"
	authorID = strings.TrimSpace(authorID)
	content = strings.TrimSpace(content)

	var ve ValidationErrors
	if authorID == "" {
		ve.Add("author_id", "is required")
	}
	if content == "" && len(attachments) == 0 {
		ve.Add("content", "content or at least one attachment is required")
	}
	if limit := e.limits.MaxCommentBytes; limit > 0 && len(content) > limit {
		ve.Add("content", fmt.Sprintf("exceeds %d bytes", limit))
	}
	e.validateAttachments("attachments", attachments, &ve)
	if err := ve.asError(op); err != nil {
		return nil, err
	}

	if _, err := e.load(ctx, op, requestID); err != nil {
		return nil, err
	}
	return e.appendComment(ctx, requestID, authorID, content, attachments)
}

func (e *Engine) appendComment(ctx context.Context, requestID, authorID, content string, attachments []model.Attachment) (*model.Comment, error) {
	id, err := model.NewID(model.KindComment, e.timestamp())
	if err != nil {
		return nil, fmt.Errorf("add_comment: %w", err)
	}
	now := e.timestamp()
	c := &model.Comment{
		ID:          id,
		RequestID:   requestID,
		AuthorID:    authorID,
		Content:     content,
		Attachments: stampAttachments(attachments, now),
		CreatedAt:   now,
	}
	if err := e.store.AppendComment(ctx, c); err != nil {
		return nil, e.storeError("add_comment", requestID, err)
	}

	e.logger.Info("comment added", "op", "add_comment", "request_id", requestID, "actor", authorID, "comment_id", id)
	e.emit(events.Event{
		Type:       events.EventCommentAdded,
		Timestamp:  now,
		RequestID:  requestID,
		Actor:      authorID,
		StepNumber: -1,
		CommentID:  id,
		Recipients: e.participants(ctx, requestID, authorID),
	}, "", "", content, 0)
	return c, nil
}

// participants returns the requester and approvers of a request, minus exclude.
// A lookup failure yields no recipients; notification is best effort.
func (e *Engine) participants(ctx context.Context, requestID, exclude string) []string {
	req, err := e.store.Get(ctx, requestID)
	if err != nil {
		return nil
	}
	seen := map[string]bool{exclude: true}
	var out []string
	add := func(id string) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	add(req.RequesterID)
	for _, s := range req.Steps {
		add(s.ApproverID)
	}
	return out
}
