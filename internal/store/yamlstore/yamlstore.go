// Package yamlstore keeps each approval request as one YAML document and each
// comment thread as one YAML append log, under a data directory.
//
//	<root>/requests/<request-id>.yaml
//	<root>/comments/<request-id>.yaml
//	<root>/quarantine/
//
// Writes within one process are serialized per document. Cross-process exclusion
// is the daemon's job (one daemon per data directory).
package yamlstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/signoff/internal/lock"
	"github.com/msageha/signoff/internal/model"
	"github.com/msageha/signoff/internal/store"
)

type Store struct {
	root   string
	locks  *lock.Keyed
	logger *slog.Logger
}

var _ store.Store = (*Store)(nil)

func New(root string, logger *slog.Logger) (*Store, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("missing yaml store root")
	}
	for _, dir := range []string{"requests", "comments"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0755); err != nil {
			return nil, fmt.Errorf("create %s dir: %w", dir, err)
		}
	}
	if logger == nil {
		logger = discardLogger()
	}
	return &Store{root: root, locks: lock.NewKeyed(), logger: logger}, nil
}

func (s *Store) Close() error { return nil }

func (s *Store) requestPath(id string) string {
	return filepath.Join(s.root, "requests", id+".yaml")
}

func (s *Store) commentPath(requestID string) string {
	return filepath.Join(s.root, "comments", requestID+".yaml")
}

func validID(id string) bool {
	return id != "" && !strings.ContainsAny(id, `/\`) && id != "." && id != ".."
}

func (s *Store) Create(ctx context.Context, req *model.ApprovalRequest) error {
	if req == nil || !validID(req.ID) {
		return fmt.Errorf("invalid request id")
	}
	release, err := s.locks.Acquire(ctx, "request:"+req.ID)
	if err != nil {
		return err
	}
	defer release()

	path := s.requestPath(req.ID)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("request %s: %w", req.ID, store.ErrExists)
	}
	return s.writeRequest(req)
}

func (s *Store) Get(ctx context.Context, id string) (*model.ApprovalRequest, error) {
	if !validID(id) {
		return nil, fmt.Errorf("request %q: %w", id, store.ErrNotFound)
	}
	return s.readRequest(ctx, s.requestPath(id), id)
}

func (s *Store) Update(ctx context.Context, req *model.ApprovalRequest, expectedVersion int64) error {
	if req == nil || !validID(req.ID) {
		return fmt.Errorf("invalid request id")
	}
	release, err := s.locks.Acquire(ctx, "request:"+req.ID)
	if err != nil {
		return err
	}
	defer release()

	current, err := s.readRequestLocked(s.requestPath(req.ID), req.ID)
	if err != nil {
		return err
	}
	if current.Version != expectedVersion {
		return fmt.Errorf("request %s at version %d, expected %d: %w",
			req.ID, current.Version, expectedVersion, store.ErrConflict)
	}
	return s.writeRequest(req)
}

func (s *Store) List(ctx context.Context, f store.Filter) ([]*model.ApprovalRequest, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "requests"))
	if err != nil {
		return nil, fmt.Errorf("read requests dir: %w", err)
	}
	var out []*model.ApprovalRequest
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".yaml") {
			continue
		}
		id := strings.TrimSuffix(name, ".yaml")
		req, err := s.readRequest(ctx, filepath.Join(s.root, "requests", name), id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			s.logger.Warn("skipping unreadable request", "request_id", id, "error", err)
			continue
		}
		if f.Match(req) {
			out = append(out, req)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) AppendComment(ctx context.Context, c *model.Comment) error {
	if c == nil || !validID(c.RequestID) {
		return fmt.Errorf("invalid comment request id")
	}
	release, err := s.locks.Acquire(ctx, "comments:"+c.RequestID)
	if err != nil {
		return err
	}
	defer release()

	path := s.commentPath(c.RequestID)
	log, err := s.readCommentLogLocked(path, c.RequestID)
	if err != nil {
		return err
	}
	log.Comments = append(log.Comments, *c)
	return writeDocument(path, log)
}

func (s *Store) ListComments(ctx context.Context, requestID string) ([]*model.Comment, error) {
	if !validID(requestID) {
		return nil, nil
	}
	log, err := s.readCommentLog(ctx, s.commentPath(requestID), requestID)
	if err != nil {
		return nil, err
	}
	out := make([]*model.Comment, 0, len(log.Comments))
	for i := range log.Comments {
		c := log.Comments[i]
		out = append(out, &c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) writeRequest(req *model.ApprovalRequest) error {
	doc := req.Clone()
	doc.SchemaVersion = model.SchemaVersion
	doc.FileType = model.FileTypeRequest
	return writeDocument(s.requestPath(req.ID), doc)
}

// readRequest is for callers that do not hold the request lock. A corrupt
// document is looked at again under the lock before it is recovered, so
// concurrent readers quarantine it at most once.
func (s *Store) readRequest(ctx context.Context, path, id string) (*model.ApprovalRequest, error) {
	req, err := decodeRequest(path)
	if !isCorrupt(err) {
		return req, requestReadError(id, err)
	}
	release, err := s.locks.Acquire(ctx, "request:"+id)
	if err != nil {
		return nil, err
	}
	defer release()
	return s.readRequestLocked(path, id)
}

func (s *Store) readRequestLocked(path, id string) (*model.ApprovalRequest, error) {
	req, err := decodeRequest(path)
	if !isCorrupt(err) {
		return req, requestReadError(id, err)
	}
	if rerr := s.recoverDocument(path, err); rerr != nil {
		return nil, rerr
	}
	return decodeRequest(path)
}

func requestReadError(id string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("request %s: %w", id, err)
	}
	return err
}

func decodeRequest(path string) (*model.ApprovalRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var req model.ApprovalRequest
	if err := yamlv3.Unmarshal(data, &req); err != nil {
		return nil, corrupt("parse %s: %w", filepath.Base(path), err)
	}
	if req.SchemaVersion != model.SchemaVersion {
		return nil, corrupt("unsupported schema_version %d in %s", req.SchemaVersion, filepath.Base(path))
	}
	if req.FileType != model.FileTypeRequest {
		return nil, corrupt("unexpected file_type %q in %s", req.FileType, filepath.Base(path))
	}
	return &req, nil
}

// readCommentLog is readRequest for comment threads.
func (s *Store) readCommentLog(ctx context.Context, path, requestID string) (*model.CommentLog, error) {
	log, err := decodeCommentLog(path, requestID)
	if !isCorrupt(err) {
		return log, err
	}
	release, err := s.locks.Acquire(ctx, "comments:"+requestID)
	if err != nil {
		return nil, err
	}
	defer release()
	return s.readCommentLogLocked(path, requestID)
}

func (s *Store) readCommentLogLocked(path, requestID string) (*model.CommentLog, error) {
	log, err := decodeCommentLog(path, requestID)
	if !isCorrupt(err) {
		return log, err
	}
	if rerr := s.recoverDocument(path, err); rerr != nil {
		return nil, rerr
	}
	return decodeCommentLog(path, requestID)
}

func decodeCommentLog(path, requestID string) (*model.CommentLog, error) {
	empty := &model.CommentLog{
		SchemaVersion: model.SchemaVersion,
		FileType:      model.FileTypeCommentLog,
		RequestID:     requestID,
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return empty, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var log model.CommentLog
	if err := yamlv3.Unmarshal(data, &log); err != nil {
		return nil, corrupt("parse %s: %w", filepath.Base(path), err)
	}
	if log.FileType != model.FileTypeCommentLog {
		return nil, corrupt("unexpected file_type %q in %s", log.FileType, filepath.Base(path))
	}
	return &log, nil
}
