package daemon

import (
	"context"
	"strings"

	"github.com/msageha/signoff/internal/engine"
	"github.com/msageha/signoff/internal/model"
	"github.com/msageha/signoff/internal/store"
	"github.com/msageha/signoff/internal/uds"
)

// CreateParams is the payload of the "create" command.
type CreateParams = engine.CreateInput

// DecisionParams is shared by approve, reject and request_revision.
type DecisionParams struct {
	RequestID string `json:"request_id"`
	Actor     string `json:"actor"`
	Comment   string `json:"comment,omitempty"`
}

type CancelParams struct {
	RequestID string `json:"request_id"`
	Actor     string `json:"actor"`
}

type CommentParams struct {
	RequestID   string             `json:"request_id"`
	Actor       string             `json:"actor"`
	Content     string             `json:"content"`
	Attachments []model.Attachment `json:"attachments,omitempty"`
}

// RequestParams addresses one request for get, list_comments and history.
type RequestParams struct {
	RequestID string `json:"request_id"`
}

type ListParams struct {
	Status      string `json:"status,omitempty"`
	ProjectID   string `json:"project_id,omitempty"`
	RequesterID string `json:"requester_id,omitempty"`
	ApproverID  string `json:"approver_id,omitempty"`
}

type PendingParams struct {
	UserID string `json:"user_id"`
}

// PingResult reports daemon liveness and build info.
type PingResult struct {
	Status   string   `json:"status"`
	Version  string   `json:"version"`
	Store    string   `json:"store"`
	Commands []string `json:"commands,omitempty"`
}

type decisionFunc func(ctx context.Context, requestID, userID, comment string) (*model.ApprovalRequest, error)

func (d *Daemon) registerHandlers() {
	d.server.Handle("ping", uds.Bind(func(context.Context, struct{}) (any, error) {
		return PingResult{
			Status:   "ok",
			Version:  d.version,
			Store:    d.config.Store.Driver,
			Commands: d.server.Commands(),
		}, nil
	}))

	d.server.Handle("shutdown", uds.Bind(func(context.Context, struct{}) (any, error) {
		d.logger.Info("shutdown requested via UDS")
		go d.Shutdown()
		return map[string]string{"status": "shutdown_accepted"}, nil
	}))

	d.server.Handle("create", uds.Bind(func(ctx context.Context, p CreateParams) (any, error) {
		created, err := d.engine.CreateRequest(ctx, p)
		if err != nil {
			return nil, err
		}
		return created, nil
	}))

	decision := func(decide decisionFunc) uds.HandlerFunc {
		return uds.Bind(func(ctx context.Context, p DecisionParams) (any, error) {
			if err := requireField("request_id", p.RequestID); err != nil {
				return nil, err
			}
			updated, err := decide(ctx, p.RequestID, p.Actor, p.Comment)
			if err != nil {
				return nil, err
			}
			return updated, nil
		})
	}
	d.server.Handle("approve", decision(d.engine.Approve))
	d.server.Handle("reject", decision(d.engine.Reject))
	d.server.Handle("request_revision", decision(d.engine.RequestRevision))

	d.server.Handle("cancel", uds.Bind(func(ctx context.Context, p CancelParams) (any, error) {
		if err := requireField("request_id", p.RequestID); err != nil {
			return nil, err
		}
		updated, err := d.engine.Cancel(ctx, p.RequestID, p.Actor)
		if err != nil {
			return nil, err
		}
		return updated, nil
	}))

	d.server.Handle("add_comment", uds.Bind(func(ctx context.Context, p CommentParams) (any, error) {
		if err := requireField("request_id", p.RequestID); err != nil {
			return nil, err
		}
		c, err := d.engine.AddComment(ctx, p.RequestID, p.Actor, p.Content, p.Attachments)
		if err != nil {
			return nil, err
		}
		return c, nil
	}))

	d.server.Handle("get", uds.Bind(func(ctx context.Context, p RequestParams) (any, error) {
		if err := requireField("request_id", p.RequestID); err != nil {
			return nil, err
		}
		view, err := d.engine.GetRequest(ctx, p.RequestID)
		if err != nil {
			return nil, err
		}
		return view, nil
	}))

	d.server.Handle("list", uds.Bind(func(ctx context.Context, p ListParams) (any, error) {
		reqs, err := d.engine.ListRequests(ctx, store.Filter{
			Status:      model.RequestStatus(p.Status),
			ProjectID:   p.ProjectID,
			RequesterID: p.RequesterID,
			ApproverID:  p.ApproverID,
		})
		return nonNil(reqs), err
	}))

	d.server.Handle("list_pending", uds.Bind(func(ctx context.Context, p PendingParams) (any, error) {
		reqs, err := d.engine.ListPendingFor(ctx, p.UserID)
		return nonNil(reqs), err
	}))

	d.server.Handle("list_comments", uds.Bind(func(ctx context.Context, p RequestParams) (any, error) {
		if err := requireField("request_id", p.RequestID); err != nil {
			return nil, err
		}
		comments, err := d.engine.ListComments(ctx, p.RequestID)
		return nonNil(comments), err
	}))

	d.server.Handle("history", uds.Bind(func(ctx context.Context, p RequestParams) (any, error) {
		if err := requireField("request_id", p.RequestID); err != nil {
			return nil, err
		}
		entries, err := d.engine.History(ctx, p.RequestID)
		return nonNil(entries), err
	}))
}

func requireField(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return &uds.ErrorDetail{Code: uds.ErrCodeValidation, Message: name + " is required"}
	}
	return nil
}

// nonNil keeps empty listings encoded as [] rather than null.
func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
