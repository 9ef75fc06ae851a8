// Package store defines persistence contracts for approval requests and comment threads.
//
// A request is one document embedding its step ledger. Comments live in a separate
// append-only collection keyed by request id.
package store

import (
	"context"
	"errors"

	"github.com/msageha/signoff/internal/model"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means the stored version differs from the caller's expected version.
	ErrConflict = errors.New("version conflict")
	ErrExists   = errors.New("already exists")
)

// Filter narrows List. Empty fields match everything.
type Filter struct {
	Status      model.RequestStatus
	ProjectID   string
	RequesterID string
	// ApproverID matches requests with a step assigned to this user.
	ApproverID string
}

func (f Filter) Match(r *model.ApprovalRequest) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.ProjectID != "" && r.ProjectID != f.ProjectID {
		return false
	}
	if f.RequesterID != "" && r.RequesterID != f.RequesterID {
		return false
	}
	if f.ApproverID != "" {
		found := false
		for i := range r.Steps {
			if r.Steps[i].ApproverID == f.ApproverID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

type RequestStore interface {
	// Create persists a new request. The request's Version is stored as given.
	Create(ctx context.Context, req *model.ApprovalRequest) error
	Get(ctx context.Context, id string) (*model.ApprovalRequest, error)
	// Update replaces the stored request iff its version equals expectedVersion.
	// req.Version must already carry the new version.
	Update(ctx context.Context, req *model.ApprovalRequest, expectedVersion int64) error
	// List returns matching requests, newest first.
	List(ctx context.Context, f Filter) ([]*model.ApprovalRequest, error)
}

type CommentStore interface {
	AppendComment(ctx context.Context, c *model.Comment) error
	// ListComments returns the thread for requestID ordered by creation time ascending.
	ListComments(ctx context.Context, requestID string) ([]*model.Comment, error)
}

// Store bundles both collections; every backend implements it.
type Store interface {
	RequestStore
	CommentStore
	Close() error
}
