// Package sqlstore keeps requests and comment threads in SQLite through gorm.
//
// Updates are conditional on the stored version, so concurrent writers from
// several processes sharing one database still observe store.ErrConflict.
package sqlstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/msageha/signoff/internal/model"
	"github.com/msageha/signoff/internal/store"
)

type Config struct {
	DSN           string
	WAL           bool
	BusyTimeoutMs int
}

type Store struct {
	db *gorm.DB
}

var _ store.Store = (*Store)(nil)

func Open(ctx context.Context, cfg Config) (*Store, error) {
	dsn, err := resolveDSN(cfg.DSN)
	if err != nil {
		return nil, err
	}
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Discard})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dsn, err)
	}
	if err := applyPragmas(gdb, cfg); err != nil {
		return nil, err
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer; a single connection turns lock contention into queueing.
	sqlDB.SetMaxOpenConns(1)

	if err := gdb.WithContext(ctx).AutoMigrate(&requestRow{}, &commentRow{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: gdb}, nil
}

func resolveDSN(dsn string) (string, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return "", fmt.Errorf("missing sqlite dsn")
	}
	if dsn == ":memory:" || strings.HasPrefix(dsn, "file:") {
		return dsn, nil
	}
	if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
		return "", fmt.Errorf("create sqlite dir: %w", err)
	}
	return dsn, nil
}

func applyPragmas(gdb *gorm.DB, cfg Config) error {
	if cfg.WAL {
		if err := gdb.Exec("PRAGMA journal_mode=WAL;").Error; err != nil {
			return err
		}
	}
	if cfg.BusyTimeoutMs > 0 {
		if err := gdb.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", cfg.BusyTimeoutMs)).Error; err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Create(ctx context.Context, req *model.ApprovalRequest) error {
	row, err := toRow(req)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return fmt.Errorf("insert request %s: %w", req.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("request %s: %w", req.ID, store.ErrExists)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*model.ApprovalRequest, error) {
	var row requestRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("request %s: %w", id, store.ErrNotFound)
		}
		return nil, err
	}
	return fromRow(row)
}

func (s *Store) Update(ctx context.Context, req *model.ApprovalRequest, expectedVersion int64) error {
	row, err := toRow(req)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&requestRow{}).
		Where("id = ? AND version = ?", req.ID, expectedVersion).
		Updates(map[string]any{
			"status":             row.Status,
			"current_step_index": row.CurrentStepIndex,
			"steps_json":         row.StepsJSON,
			"attachments_json":   row.AttachmentsJSON,
			"version":            row.Version,
			"updated_at":         row.UpdatedAt,
		})
	if res.Error != nil {
		return fmt.Errorf("update request %s: %w", req.ID, res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&requestRow{}).Where("id = ?", req.ID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("request %s: %w", req.ID, store.ErrNotFound)
	}
	return fmt.Errorf("request %s expected version %d: %w", req.ID, expectedVersion, store.ErrConflict)
}

func (s *Store) List(ctx context.Context, f store.Filter) ([]*model.ApprovalRequest, error) {
	q := s.db.WithContext(ctx).Model(&requestRow{}).Order("created_at DESC").Order("id DESC")
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}
	if f.ProjectID != "" {
		q = q.Where("project_id = ?", f.ProjectID)
	}
	if f.RequesterID != "" {
		q = q.Where("requester_id = ?", f.RequesterID)
	}
	if f.ApproverID != "" {
		// narrows the scan; Match below makes the exact check on decoded steps
		q = q.Where("steps_json LIKE ?", "%"+f.ApproverID+"%")
	}

	var rows []requestRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*model.ApprovalRequest, 0, len(rows))
	for _, r := range rows {
		req, err := fromRow(r)
		if err != nil {
			return nil, err
		}
		if f.Match(req) {
			out = append(out, req)
		}
	}
	return out, nil
}

func (s *Store) AppendComment(ctx context.Context, c *model.Comment) error {
	atts, err := marshalAttachments(c.Attachments)
	if err != nil {
		return err
	}
	row := commentRow{
		ID:              c.ID,
		RequestID:       c.RequestID,
		AuthorID:        c.AuthorID,
		Content:         c.Content,
		AttachmentsJSON: atts,
		CreatedAt:       c.CreatedAt.UnixNano(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("insert comment %s: %w", c.ID, err)
	}
	return nil
}

func (s *Store) ListComments(ctx context.Context, requestID string) ([]*model.Comment, error) {
	var rows []commentRow
	err := s.db.WithContext(ctx).
		Where("request_id = ?", requestID).
		Order("created_at ASC").Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]*model.Comment, 0, len(rows))
	for _, r := range rows {
		atts, err := unmarshalAttachments(r.AttachmentsJSON)
		if err != nil {
			return nil, fmt.Errorf("comment %s: %w", r.ID, err)
		}
		out = append(out, &model.Comment{
			ID:          r.ID,
			RequestID:   r.RequestID,
			AuthorID:    r.AuthorID,
			Content:     r.Content,
			Attachments: atts,
			CreatedAt:   fromUnixNano(r.CreatedAt),
		})
	}
	return out, nil
}

func toRow(req *model.ApprovalRequest) (requestRow, error) {
	if req == nil || req.ID == "" {
		return requestRow{}, fmt.Errorf("invalid request id")
	}
	steps, err := json.Marshal(req.Steps)
	if err != nil {
		return requestRow{}, fmt.Errorf("encode steps: %w", err)
	}
	atts, err := marshalAttachments(req.Attachments)
	if err != nil {
		return requestRow{}, err
	}
	return requestRow{
		ID:               req.ID,
		Title:            req.Title,
		Description:      req.Description,
		Type:             string(req.Type),
		RequesterID:      req.RequesterID,
		WorkflowType:     string(req.WorkflowType),
		Status:           string(req.Status),
		CurrentStepIndex: req.CurrentStepIndex,
		StepsJSON:        string(steps),
		AttachmentsJSON:  atts,
		ProjectID:        req.ProjectID,
		TaskID:           req.TaskID,
		Priority:         string(req.Priority),
		Budget:           req.Budget,
		ResubmissionOf:   req.ResubmissionOf,
		Version:          req.Version,
		CreatedAt:        req.CreatedAt.UnixNano(),
		UpdatedAt:        req.UpdatedAt.UnixNano(),
	}, nil
}

func fromRow(r requestRow) (*model.ApprovalRequest, error) {
	var steps []model.ApprovalStep
	if err := json.Unmarshal([]byte(r.StepsJSON), &steps); err != nil {
		return nil, fmt.Errorf("request %s: decode steps: %w", r.ID, err)
	}
	atts, err := unmarshalAttachments(r.AttachmentsJSON)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", r.ID, err)
	}
	return &model.ApprovalRequest{
		SchemaVersion:    model.SchemaVersion,
		FileType:         model.FileTypeRequest,
		ID:               r.ID,
		Title:            r.Title,
		Description:      r.Description,
		Type:             model.RequestType(r.Type),
		RequesterID:      r.RequesterID,
		WorkflowType:     model.WorkflowType(r.WorkflowType),
		Status:           model.RequestStatus(r.Status),
		CurrentStepIndex: r.CurrentStepIndex,
		Steps:            steps,
		Attachments:      atts,
		ProjectID:        r.ProjectID,
		TaskID:           r.TaskID,
		Priority:         model.Priority(r.Priority),
		Budget:           r.Budget,
		ResubmissionOf:   r.ResubmissionOf,
		Version:          r.Version,
		CreatedAt:        fromUnixNano(r.CreatedAt),
		UpdatedAt:        fromUnixNano(r.UpdatedAt),
	}, nil
}

func marshalAttachments(atts []model.Attachment) (string, error) {
	if len(atts) == 0 {
		return "", nil
	}
	b, err := json.Marshal(atts)
	if err != nil {
		return "", fmt.Errorf("encode attachments: %w", err)
	}
	return string(b), nil
}

func unmarshalAttachments(s string) ([]model.Attachment, error) {
	if s == "" {
		return nil, nil
	}
	var atts []model.Attachment
	if err := json.Unmarshal([]byte(s), &atts); err != nil {
		return nil, fmt.Errorf("decode attachments: %w", err)
	}
	return atts, nil
}

func fromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
