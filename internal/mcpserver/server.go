// Package mcpserver exposes the approval operations as MCP tools over streamable HTTP.
package mcpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/msageha/signoff/internal/engine"
	"github.com/msageha/signoff/internal/model"
)

const (
	StatusOK          = "ok"
	StatusError       = "error"
	StatusRateLimited = "rate_limited"

	CodeRateLimited = "RATE_LIMITED"
)

// ToolResponse is the structured result of every tool.
type ToolResponse struct {
	Status    string `json:"status"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Data      any    `json:"data,omitempty"`
}

type AttachmentInput struct {
	Name        string `json:"name" jsonschema:"display name of the file"`
	StorageRef  string `json:"storage_ref" jsonschema:"opaque storage reference"`
	ContentType string `json:"content_type,omitempty" jsonschema:"MIME type"`
}

type CreateInput struct {
	Actor          string            `json:"actor" jsonschema:"user id of the requester"`
	Title          string            `json:"title" jsonschema:"short summary of what needs approval"`
	Description    string            `json:"description,omitempty"`
	Type           string            `json:"type,omitempty" jsonschema:"document, decision, budget or other"`
	WorkflowType   string            `json:"workflow_type" jsonschema:"sequential or parallel"`
	ApproverIDs    []string          `json:"approver_ids" jsonschema:"approver user ids in chain order"`
	Attachments    []AttachmentInput `json:"attachments,omitempty"`
	ProjectID      string            `json:"project_id,omitempty"`
	TaskID         string            `json:"task_id,omitempty"`
	Priority       string            `json:"priority,omitempty" jsonschema:"low, medium, high or critical"`
	Budget         *float64          `json:"budget,omitempty"`
	ResubmissionOf string            `json:"resubmission_of,omitempty" jsonschema:"id of a request that was sent back for revision"`
}

type DecisionInput struct {
	Actor     string `json:"actor" jsonschema:"user id of the approver"`
	RequestID string `json:"request_id"`
	Comment   string `json:"comment,omitempty"`
}

type CancelInput struct {
	Actor     string `json:"actor" jsonschema:"user id of the requester"`
	RequestID string `json:"request_id"`
}

type CommentInput struct {
	Actor       string            `json:"actor" jsonschema:"user id of the author"`
	RequestID   string            `json:"request_id"`
	Content     string            `json:"content"`
	Attachments []AttachmentInput `json:"attachments,omitempty"`
}

type GetInput struct {
	RequestID string `json:"request_id"`
	// WithComments includes the comment thread.
	WithComments bool `json:"with_comments,omitempty"`
}

type ListPendingInput struct {
	Actor string `json:"actor" jsonschema:"user id whose actionable requests are listed"`
}

type Options struct {
	Name          string
	Version       string
	RatePerMinute int
	Logger        *slog.Logger
}

// Server adapts engine operations to MCP tool handlers.
type Server struct {
	engine  *engine.Engine
	limiter *ActorLimiter
	logger  *slog.Logger
	name    string
	version string
}

func New(eng *engine.Engine, opts Options) *Server {
	s := &Server{
		engine:  eng,
		limiter: NewActorLimiter(opts.RatePerMinute),
		logger:  opts.Logger,
		name:    opts.Name,
		version: opts.Version,
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	if s.name == "" {
		s.name = "signoff"
	}
	return s
}

// MCP builds an MCP server with every approval tool registered.
func (s *Server) MCP() *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    s.name,
		Version: s.version,
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "approval_create",
		Title:       "Create approval request",
		Description: "Submit a new approval request with an ordered approver chain.",
	}, s.create)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "approval_approve",
		Title:       "Approve",
		Description: "Approve the actor's step on a pending request.",
	}, s.approve)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "approval_reject",
		Title:       "Reject",
		Description: "Reject a pending request. Rejection is final.",
	}, s.reject)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "approval_request_revision",
		Title:       "Request revision",
		Description: "Send a pending request back to the requester. A comment is required.",
	}, s.requestRevision)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "approval_cancel",
		Title:       "Cancel",
		Description: "Withdraw a pending request. Only the requester may cancel.",
	}, s.cancel)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "approval_comment",
		Title:       "Comment",
		Description: "Append a comment to a request's thread.",
	}, s.comment)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "approval_get",
		Title:       "Get approval request",
		Description: "Read one request with resolved identities and attachment links.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true, IdempotentHint: true},
	}, s.get)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "approval_list_pending",
		Title:       "List pending approvals",
		Description: "List the requests the actor can decide right now.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true, IdempotentHint: true},
	}, s.listPending)

	return server
}

// Handler returns the streamable HTTP handler serving MCP().
func (s *Server) Handler(stateless bool) http.Handler {
	server := s.MCP()
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return server
	}, &mcp.StreamableHTTPOptions{
		Stateless: stateless,
	})
}

func (s *Server) create(ctx context.Context, _ *mcp.CallToolRequest, in CreateInput) (*mcp.CallToolResult, ToolResponse, error) {
	if res, resp, limited := s.throttle("approval_create", in.Actor); limited {
		return res, resp, nil
	}
	req, err := s.engine.CreateRequest(ctx, engine.CreateInput{
		Title:          in.Title,
		Description:    in.Description,
		Type:           model.RequestType(in.Type),
		WorkflowType:   model.WorkflowType(in.WorkflowType),
		RequesterID:    in.Actor,
		ApproverIDs:    in.ApproverIDs,
		Attachments:    toAttachments(in.Attachments),
		ProjectID:      in.ProjectID,
		TaskID:         in.TaskID,
		Priority:       model.Priority(in.Priority),
		Budget:         in.Budget,
		ResubmissionOf: in.ResubmissionOf,
	})
	return s.respond("approval_create", in.Actor, "", req, err)
}

func (s *Server) approve(ctx context.Context, _ *mcp.CallToolRequest, in DecisionInput) (*mcp.CallToolResult, ToolResponse, error) {
	if res, resp, limited := s.throttle("approval_approve", in.Actor); limited {
		return res, resp, nil
	}
	req, err := s.engine.Approve(ctx, in.RequestID, in.Actor, in.Comment)
	return s.respond("approval_approve", in.Actor, in.RequestID, req, err)
}

func (s *Server) reject(ctx context.Context, _ *mcp.CallToolRequest, in DecisionInput) (*mcp.CallToolResult, ToolResponse, error) {
	if res, resp, limited := s.throttle("approval_reject", in.Actor); limited {
		return res, resp, nil
	}
	req, err := s.engine.Reject(ctx, in.RequestID, in.Actor, in.Comment)
	return s.respond("approval_reject", in.Actor, in.RequestID, req, err)
}

func (s *Server) requestRevision(ctx context.Context, _ *mcp.CallToolRequest, in DecisionInput) (*mcp.CallToolResult, ToolResponse, error) {
	if res, resp, limited := s.throttle("approval_request_revision", in.Actor); limited {
		return res, resp, nil
	}
	req, err := s.engine.RequestRevision(ctx, in.RequestID, in.Actor, in.Comment)
	return s.respond("approval_request_revision", in.Actor, in.RequestID, req, err)
}

func (s *Server) cancel(ctx context.Context, _ *mcp.CallToolRequest, in CancelInput) (*mcp.CallToolResult, ToolResponse, error) {
	if res, resp, limited := s.throttle("approval_cancel", in.Actor); limited {
		return res, resp, nil
	}
	req, err := s.engine.Cancel(ctx, in.RequestID, in.Actor)
	return s.respond("approval_cancel", in.Actor, in.RequestID, req, err)
}

func (s *Server) comment(ctx context.Context, _ *mcp.CallToolRequest, in CommentInput) (*mcp.CallToolResult, ToolResponse, error) {
	if res, resp, limited := s.throttle("approval_comment", in.Actor); limited {
		return res, resp, nil
	}
	c, err := s.engine.AddComment(ctx, in.RequestID, in.Actor, in.Content, toAttachments(in.Attachments))
	return s.respond("approval_comment", in.Actor, in.RequestID, c, err)
}

type getResult struct {
	*engine.RequestView
	Comments []engine.CommentView `json:"comments,omitempty"`
}

func (s *Server) get(ctx context.Context, _ *mcp.CallToolRequest, in GetInput) (*mcp.CallToolResult, ToolResponse, error) {
	view, err := s.engine.GetRequest(ctx, in.RequestID)
	if err != nil {
		return s.respond("approval_get", "", in.RequestID, nil, err)
	}
	out := getResult{RequestView: view}
	if in.WithComments {
		out.Comments, err = s.engine.ListComments(ctx, in.RequestID)
		if err != nil {
			return s.respond("approval_get", "", in.RequestID, nil, err)
		}
	}
	return s.respond("approval_get", "", in.RequestID, out, nil)
}

func (s *Server) listPending(ctx context.Context, _ *mcp.CallToolRequest, in ListPendingInput) (*mcp.CallToolResult, ToolResponse, error) {
	reqs, err := s.engine.ListPendingFor(ctx, in.Actor)
	if reqs == nil && err == nil {
		reqs = []*model.ApprovalRequest{}
	}
	return s.respond("approval_list_pending", in.Actor, "", reqs, err)
}

func (s *Server) throttle(tool, actor string) (*mcp.CallToolResult, ToolResponse, bool) {
	key := strings.TrimSpace(actor)
	if s.limiter.Allow(key) {
		return nil, ToolResponse{}, false
	}
	s.logger.Warn("tool rate limited", "tool", tool, "actor", key)
	return &mcp.CallToolResult{IsError: true}, ToolResponse{
		Status:  StatusRateLimited,
		Code:    CodeRateLimited,
		Message: "rate limit exceeded for actor " + key,
	}, true
}

func (s *Server) respond(tool, actor, requestID string, data any, err error) (*mcp.CallToolResult, ToolResponse, error) {
	if err != nil {
		code := "INTERNAL_ERROR"
		var ee *engine.Error
		if errors.As(err, &ee) {
			code = ee.ErrorCode()
			if ee.RequestID != "" {
				requestID = ee.RequestID
			}
		}
		s.logger.Info("tool call failed", "tool", tool, "actor", actor, "request_id", requestID, "code", code, "error", err)
		return &mcp.CallToolResult{IsError: true}, ToolResponse{
			Status:    StatusError,
			Code:      code,
			Message:   err.Error(),
			RequestID: requestID,
		}, nil
	}

	if req, ok := data.(*model.ApprovalRequest); ok && req != nil {
		requestID = req.ID
	}
	if c, ok := data.(*model.Comment); ok && c != nil {
		requestID = c.RequestID
	}
	s.logger.Info("tool call", "tool", tool, "actor", actor, "request_id", requestID)
	return nil, ToolResponse{
		Status:    StatusOK,
		RequestID: requestID,
		Data:      data,
	}, nil
}

func toAttachments(in []AttachmentInput) []model.Attachment {
	if len(in) == 0 {
		return nil
	}
	out := make([]model.Attachment, 0, len(in))
	for _, a := range in {
		out = append(out, model.Attachment{
			Name:        a.Name,
			StorageRef:  a.StorageRef,
			ContentType: a.ContentType,
		})
	}
	return out
}
