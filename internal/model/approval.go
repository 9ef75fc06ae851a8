// Package model defines the approval workflow's persisted types, status enums and configuration.
package model

import "time"

const (
	SchemaVersion      = 1
	FileTypeRequest    = "approval_request"
	FileTypeCommentLog = "approval_comments"
)

type ApprovalRequest struct {
	SchemaVersion int    `yaml:"schema_version" json:"-"`
	FileType      string `yaml:"file_type" json:"-"`

	ID           string        `yaml:"id" json:"id"`
	Title        string        `yaml:"title" json:"title"`
	Description  string        `yaml:"description,omitempty" json:"description,omitempty"`
	Type         RequestType   `yaml:"type" json:"type"`
	RequesterID  string        `yaml:"requester_id" json:"requester_id"`
	WorkflowType WorkflowType  `yaml:"workflow_type" json:"workflow_type"`
	Status       RequestStatus `yaml:"status" json:"status"`
	// CurrentStepIndex is only meaningful for sequential workflows.
	CurrentStepIndex int            `yaml:"current_step_index" json:"current_step_index"`
	Steps            []ApprovalStep `yaml:"steps" json:"steps"`
	Attachments      []Attachment   `yaml:"attachments,omitempty" json:"attachments,omitempty"`

	ProjectID      string   `yaml:"project_id,omitempty" json:"project_id,omitempty"`
	TaskID         string   `yaml:"task_id,omitempty" json:"task_id,omitempty"`
	Priority       Priority `yaml:"priority,omitempty" json:"priority,omitempty"`
	Budget         *float64 `yaml:"budget,omitempty" json:"budget,omitempty"`
	ResubmissionOf string   `yaml:"resubmission_of,omitempty" json:"resubmission_of,omitempty"`

	// Version increments on every successful write; stores reject stale writes.
	Version   int64     `yaml:"version" json:"version"`
	CreatedAt time.Time `yaml:"created_at" json:"created_at"`
	UpdatedAt time.Time `yaml:"updated_at" json:"updated_at"`
}

type ApprovalStep struct {
	StepNumber int        `yaml:"step_number" json:"step_number"`
	ApproverID string     `yaml:"approver_id" json:"approver_id"`
	Status     StepStatus `yaml:"status" json:"status"`
	DecidedAt  *time.Time `yaml:"decided_at,omitempty" json:"decided_at,omitempty"`
	Comments   string     `yaml:"comments,omitempty" json:"comments,omitempty"`
}

// Attachment is an opaque storage reference captured at write time.
// URLs are resolved on read and never stored.
type Attachment struct {
	Name        string    `yaml:"name" json:"name"`
	StorageRef  string    `yaml:"storage_ref" json:"storage_ref"`
	ContentType string    `yaml:"content_type,omitempty" json:"content_type,omitempty"`
	UploadedAt  time.Time `yaml:"uploaded_at" json:"uploaded_at"`
}

type Comment struct {
	ID          string       `yaml:"id" json:"id"`
	RequestID   string       `yaml:"request_id" json:"request_id"`
	AuthorID    string       `yaml:"author_id" json:"author_id"`
	Content     string       `yaml:"content" json:"content"`
	Attachments []Attachment `yaml:"attachments,omitempty" json:"attachments,omitempty"`
	CreatedAt   time.Time    `yaml:"created_at" json:"created_at"`
}

// CommentLog is the on-disk append log for one request's thread.
type CommentLog struct {
	SchemaVersion int       `yaml:"schema_version"`
	FileType      string    `yaml:"file_type"`
	RequestID     string    `yaml:"request_id"`
	Comments      []Comment `yaml:"comments"`
}

// Clone returns a deep copy so callers can mutate without touching shared state.
func (r *ApprovalRequest) Clone() *ApprovalRequest {
	if r == nil {
		return nil
	}
	c := *r
	if r.Steps != nil {
		c.Steps = make([]ApprovalStep, len(r.Steps))
		for i, s := range r.Steps {
			if s.DecidedAt != nil {
				t := *s.DecidedAt
				s.DecidedAt = &t
			}
			c.Steps[i] = s
		}
	}
	if r.Attachments != nil {
		c.Attachments = append([]Attachment(nil), r.Attachments...)
	}
	if r.Budget != nil {
		b := *r.Budget
		c.Budget = &b
	}
	return &c
}

func (r *ApprovalRequest) IsTerminal() bool {
	return IsRequestTerminal(r.Status)
}
