package yamlstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/signoff/internal/model"
	"github.com/msageha/signoff/internal/store"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	return s
}

func sampleRequest(id string, createdAt time.Time) *model.ApprovalRequest {
	return &model.ApprovalRequest{
		ID:           id,
		Title:        "Vendor contract",
		Type:         model.RequestTypeDocument,
		RequesterID:  "owner",
		WorkflowType: model.WorkflowSequential,
		Status:       model.RequestPending,
		Steps: []model.ApprovalStep{
			{StepNumber: 0, ApproverID: "a", Status: model.StepPending},
			{StepNumber: 1, ApproverID: "b", Status: model.StepPending},
		},
		ProjectID: "proj-1",
		Version:   1,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func TestNew_RequiresRoot(t *testing.T) {
	_, err := New("  ", nil)
	assert.Error(t, err)
}

func TestCreateGet(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	req := sampleRequest("apr_1700000000_00000001", now)

	require.NoError(t, s.Create(ctx, req))
	assert.ErrorIs(t, s.Create(ctx, req), store.ErrExists)

	got, err := s.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, req.Title, got.Title)
	assert.Equal(t, req.Steps, got.Steps)
	assert.True(t, got.CreatedAt.Equal(now))
	assert.Equal(t, model.FileTypeRequest, got.FileType)

	_, err = s.Get(ctx, "apr_1700000000_ffffffff")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.Get(ctx, "../etc/passwd")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdate_VersionCheck(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	req := sampleRequest("apr_1700000000_00000002", time.Now().UTC())
	require.NoError(t, s.Create(ctx, req))

	next := req.Clone()
	next.Status = model.RequestCancelled
	next.Version = 2
	require.NoError(t, s.Update(ctx, next, 1))

	stale := req.Clone()
	stale.Status = model.RequestApproved
	stale.Version = 2
	err := s.Update(ctx, stale, 1)
	assert.ErrorIs(t, err, store.ErrConflict)

	got, err := s.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestCancelled, got.Status)
	assert.Equal(t, int64(2), got.Version)

	missing := sampleRequest("apr_1700000000_00000003", time.Now())
	assert.ErrorIs(t, s.Update(ctx, missing, 1), store.ErrNotFound)
}

func TestUpdate_ConcurrentWritersOneWins(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	req := sampleRequest("apr_1700000000_00000004", time.Now().UTC())
	require.NoError(t, s.Create(ctx, req))

	const writers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			next := req.Clone()
			next.Title = fmt.Sprintf("writer %d", n)
			next.Version = 2
			if err := s.Update(ctx, next, 1); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, store.ErrConflict)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestList_FilterAndOrder(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	older := sampleRequest("apr_1700000000_0000000a", base)
	newer := sampleRequest("apr_1700000000_0000000b", base.Add(time.Hour))
	newer.RequesterID = "other"
	newer.ProjectID = "proj-2"
	done := sampleRequest("apr_1700000000_0000000c", base.Add(2*time.Hour))
	done.Status = model.RequestApproved
	done.Steps[1].ApproverID = "z"
	for _, r := range []*model.ApprovalRequest{older, newer, done} {
		require.NoError(t, s.Create(ctx, r))
	}

	all, err := s.List(ctx, store.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, done.ID, all[0].ID)
	assert.Equal(t, older.ID, all[2].ID)

	pending, err := s.List(ctx, store.Filter{Status: model.RequestPending})
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	byProject, err := s.List(ctx, store.Filter{ProjectID: "proj-2"})
	require.NoError(t, err)
	require.Len(t, byProject, 1)
	assert.Equal(t, newer.ID, byProject[0].ID)

	byApprover, err := s.List(ctx, store.Filter{ApproverID: "b"})
	require.NoError(t, err)
	assert.Len(t, byApprover, 2)

	byRequester, err := s.List(ctx, store.Filter{RequesterID: "other"})
	require.NoError(t, err)
	assert.Len(t, byRequester, 1)
}

func TestComments_AppendAndList(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	const reqID = "apr_1700000000_0000000d"
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	empty, err := s.ListComments(ctx, reqID)
	require.NoError(t, err)
	assert.Empty(t, empty)

	// appended out of order on purpose; listing sorts by creation time
	for _, n := range []int{2, 0, 1} {
		require.NoError(t, s.AppendComment(ctx, &model.Comment{
			ID:        fmt.Sprintf("cmt_1700000000_0000000%d", n),
			RequestID: reqID,
			AuthorID:  "a",
			Content:   fmt.Sprintf("c%d", n),
			CreatedAt: base.Add(time.Duration(n) * time.Minute),
		}))
	}

	got, err := s.ListComments(ctx, reqID)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, c := range got {
		assert.Equal(t, fmt.Sprintf("c%d", i), c.Content)
	}
}

func TestComments_ConcurrentAppends(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	const reqID = "apr_1700000000_0000000e"

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			assert.NoError(t, s.AppendComment(ctx, &model.Comment{
				ID:        fmt.Sprintf("cmt_1700000000_%08x", n),
				RequestID: reqID,
				AuthorID:  fmt.Sprintf("user-%d", n),
				Content:   "hi",
				CreatedAt: time.Now().UTC(),
			}))
		}(i)
	}
	wg.Wait()

	got, err := s.ListComments(ctx, reqID)
	require.NoError(t, err)
	assert.Len(t, got, 20)
}

func TestCorruptDocument_RestoredFromBackup(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	req := sampleRequest("apr_1700000000_0000000f", time.Now().UTC())
	require.NoError(t, s.Create(ctx, req))

	next := req.Clone()
	next.Title = "second revision"
	next.Version = 2
	require.NoError(t, s.Update(ctx, next, 1))

	path := s.requestPath(req.ID)
	require.NoError(t, os.WriteFile(path, []byte("schema_version: [\n"), 0644))

	got, err := s.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, req.Title, got.Title, "backup holds the previous version")
	assert.Equal(t, int64(1), got.Version)

	quarantined, err := os.ReadDir(filepath.Join(s.root, "quarantine"))
	require.NoError(t, err)
	assert.Len(t, quarantined, 1)
}

func TestCorruptDocument_NoBackup(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	const id = "apr_1700000000_00000010"
	require.NoError(t, os.WriteFile(s.requestPath(id), []byte("file_type: nope\n"), 0644))

	_, err := s.Get(ctx, id)
	require.Error(t, err)
	assert.False(t, errors.Is(err, store.ErrNotFound))

	all, err := s.List(ctx, store.Filter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestReadError_NotQuarantined(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	const id = "apr_1700000000_00000011"
	// a directory where the document belongs reads as an I/O error, not corruption
	require.NoError(t, os.Mkdir(s.requestPath(id), 0755))

	_, err := s.Get(ctx, id)
	require.Error(t, err)
	assert.False(t, errors.Is(err, store.ErrNotFound))
	assert.False(t, isCorrupt(err))

	_, err = os.Stat(filepath.Join(s.root, "quarantine"))
	assert.True(t, errors.Is(err, os.ErrNotExist), "nothing is quarantined")
	info, err := os.Stat(s.requestPath(id))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestCorruptDocument_ConcurrentReadersRecoverOnce(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	req := sampleRequest("apr_1700000000_00000012", time.Now().UTC())
	require.NoError(t, s.Create(ctx, req))
	next := req.Clone()
	next.Title = "second revision"
	next.Version = 2
	require.NoError(t, s.Update(ctx, next, 1))
	require.NoError(t, os.WriteFile(s.requestPath(req.ID), []byte("schema_version: [\n"), 0644))

	const readers = 16
	var wg sync.WaitGroup
	titles := make([]string, readers)
	errs := make([]error, readers)
	for i := range readers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var got *model.ApprovalRequest
			if i%2 == 0 {
				got, errs[i] = s.Get(ctx, req.ID)
			} else {
				var all []*model.ApprovalRequest
				all, errs[i] = s.List(ctx, store.Filter{})
				if len(all) == 1 {
					got = all[0]
				}
			}
			if got != nil {
				titles[i] = got.Title
			}
		}()
	}
	wg.Wait()

	for i := range readers {
		require.NoError(t, errs[i])
		assert.Equal(t, req.Title, titles[i], "reader %d", i)
	}
	quarantined, err := os.ReadDir(filepath.Join(s.root, "quarantine"))
	require.NoError(t, err)
	assert.Len(t, quarantined, 1)
}

func TestCorruptCommentLog_RecoveredOnRead(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	const id = "apr_1700000000_00000013"
	first := &model.Comment{ID: "cmt_1700000000_00000001", RequestID: id, AuthorID: "a", Content: "first", CreatedAt: time.Now().UTC()}
	second := &model.Comment{ID: "cmt_1700000000_00000002", RequestID: id, AuthorID: "b", Content: "second", CreatedAt: time.Now().UTC()}
	require.NoError(t, s.AppendComment(ctx, first))
	require.NoError(t, s.AppendComment(ctx, second))
	require.NoError(t, os.WriteFile(s.commentPath(id), []byte("comments: {\n"), 0644))

	got, err := s.ListComments(ctx, id)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "first", got[0].Content)

	quarantined, err := os.ReadDir(filepath.Join(s.root, "quarantine"))
	require.NoError(t, err)
	assert.Len(t, quarantined, 1)
}

func TestWriteDocument_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.yaml")
	doc := map[string]any{"schema_version": 1, "file_type": "approval_request"}

	require.NoError(t, writeDocument(path, doc))
	require.NoError(t, writeDocument(path, doc))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"doc.yaml", "doc.yaml.bak"}, names)
}
