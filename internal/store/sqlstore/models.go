package sqlstore

// requestRow stores one request; the step ledger and attachments are embedded
// as JSON so a request is still written in a single statement.
type requestRow struct {
	ID               string   `gorm:"column:id;type:text;primaryKey"`
	Title            string   `gorm:"column:title;type:text;not null"`
	Description      string   `gorm:"column:description;type:text"`
	Type             string   `gorm:"column:type;type:text;not null"`
	RequesterID      string   `gorm:"column:requester_id;type:text;not null;index:idx_requests_requester"`
	WorkflowType     string   `gorm:"column:workflow_type;type:text;not null"`
	Status           string   `gorm:"column:status;type:text;not null;index:idx_requests_status"`
	CurrentStepIndex int      `gorm:"column:current_step_index;not null"`
	StepsJSON        string   `gorm:"column:steps_json;type:text;not null"`
	AttachmentsJSON  string   `gorm:"column:attachments_json;type:text"`
	ProjectID        string   `gorm:"column:project_id;type:text;index:idx_requests_project"`
	TaskID           string   `gorm:"column:task_id;type:text"`
	Priority         string   `gorm:"column:priority;type:text"`
	Budget           *float64 `gorm:"column:budget"`
	ResubmissionOf   string   `gorm:"column:resubmission_of;type:text"`
	Version          int64    `gorm:"column:version;not null"`
	CreatedAt        int64    `gorm:"column:created_at;not null;index:idx_requests_created"`
	UpdatedAt        int64    `gorm:"column:updated_at;not null"`
}

func (requestRow) TableName() string { return "approval_requests" }

type commentRow struct {
	ID              string `gorm:"column:id;type:text;primaryKey"`
	RequestID       string `gorm:"column:request_id;type:text;not null;index:idx_comments_request_created,priority:1"`
	AuthorID        string `gorm:"column:author_id;type:text;not null"`
	Content         string `gorm:"column:content;type:text;not null"`
	AttachmentsJSON string `gorm:"column:attachments_json;type:text"`
	CreatedAt       int64  `gorm:"column:created_at;not null;index:idx_comments_request_created,priority:2"`
}

func (commentRow) TableName() string { return "approval_comments" }
