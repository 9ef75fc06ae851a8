package events

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultAuditMaxBytes = 100 * 1024 * 1024
	archiveDirName       = "archive"
	maxAuditLine         = 4 * 1024 * 1024
)

// AuditEntry is one line of the decision audit trail.
type AuditEntry struct {
	EventID    string    `json:"event_id"`
	Timestamp  time.Time `json:"timestamp"`
	EventType  string    `json:"event_type"`
	RequestID  string    `json:"request_id"`
	Actor      string    `json:"actor,omitempty"`
	StepNumber *int      `json:"step_number,omitempty"`
	FromStatus string    `json:"from_status,omitempty"`
	ToStatus   string    `json:"to_status,omitempty"`
	StepStatus string    `json:"step_status,omitempty"`
	Comment    string    `json:"comment,omitempty"`
	Version    int64     `json:"version,omitempty"`
	// PrevChecksum and Checksum chain the entries of one file.
	PrevChecksum string `json:"prev_checksum,omitempty"`
	Checksum     string `json:"checksum,omitempty"`
}

type AuditOptions struct {
	// MaxBytes rotates the file into archive/ before it would grow past this size.
	MaxBytes int64
	// Checksum links every entry to the previous one with a SHA-256 chain.
	Checksum bool
}

// AuditLog appends AuditEntry lines to a JSONL file. Lines are never rewritten.
type AuditLog struct {
	path string
	opts AuditOptions

	mu   sync.Mutex
	f    *os.File
	size int64
	last string // checksum of the newest line in f
}

// OpenAuditLog opens or creates the log at path. An existing checksum chain
// is resumed from its last line.
func OpenAuditLog(path string, opts AuditOptions) (*AuditLog, error) {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultAuditMaxBytes
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	l := &AuditLog{path: path, opts: opts}
	if err := l.open(); err != nil {
		return nil, err
	}
	err := scanAudit(path, func(e AuditEntry) bool {
		l.last = e.Checksum
		return true
	})
	if err != nil {
		_ = l.f.Close()
		return nil, err
	}
	return l, nil
}

func (l *AuditLog) open() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	l.f, l.size = f, info.Size()
	return nil
}

func (l *AuditLog) Path() string { return l.path }

// Append writes entry and syncs it to disk. EventID and Timestamp are filled
// when empty. A nil log discards the entry.
func (l *AuditLog) Append(entry AuditEntry) error {
	if l == nil {
		return nil
	}
	if entry.EventID == "" {
		entry.EventID = "evt_" + uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return fmt.Errorf("audit log %s is closed", l.path)
	}

	line, err := l.encode(&entry)
	if err != nil {
		return err
	}
	var rotateErr error
	if l.size > 0 && l.size+int64(len(line)) > l.opts.MaxBytes {
		if rotateErr = l.rotate(); rotateErr != nil {
			if l.f == nil {
				return rotateErr
			}
			// entry stays in the live file; rotation is retried on the next append
		} else if line, err = l.encode(&entry); err != nil {
			// the new file starts its own chain
			return err
		}
	}

	n, err := l.f.Write(line)
	l.size += int64(n)
	if err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("sync audit log: %w", err)
	}
	l.last = entry.Checksum
	if rotateErr != nil {
		return fmt.Errorf("entry kept in %s: %w", l.path, rotateErr)
	}
	return nil
}

// encode links entry to the chain when checksums are on and returns its line.
func (l *AuditLog) encode(entry *AuditEntry) ([]byte, error) {
	if l.opts.Checksum {
		entry.PrevChecksum = l.last
		entry.Checksum = ""
		entry.Checksum = entryChecksum(*entry)
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("encode audit entry: %w", err)
	}
	return append(data, '\n'), nil
}

// rotate moves the live file into the archive and opens a fresh one. When the
// move fails the live file is reopened, so l.f is nil only if that reopen fails.
func (l *AuditLog) rotate() error {
	dir := filepath.Join(filepath.Dir(l.path), archiveDirName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create audit archive: %w", err)
	}
	if err := l.f.Close(); err != nil {
		return fmt.Errorf("close audit log for rotation: %w", err)
	}
	l.f = nil
	ext := filepath.Ext(l.path)
	base := strings.TrimSuffix(filepath.Base(l.path), ext)
	stamp := time.Now().UTC().Format("20060102T150405.000000000Z")
	if err := os.Rename(l.path, filepath.Join(dir, base+"."+stamp+ext)); err != nil {
		return errors.Join(fmt.Errorf("archive audit log: %w", err), l.open())
	}
	l.last = ""
	return l.open()
}

// History returns requestID's entries from archived files and the live file,
// oldest first.
func (l *AuditLog) History(requestID string) ([]AuditEntry, error) {
	if l == nil {
		return nil, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	files, err := l.archives()
	if err != nil {
		return nil, err
	}
	files = append(files, l.path)

	var out []AuditEntry
	for _, path := range files {
		err := scanAudit(path, func(e AuditEntry) bool {
			if e.RequestID == requestID {
				out = append(out, e)
			}
			return true
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// archives lists rotated files of this log in rotation order.
func (l *AuditLog) archives() ([]string, error) {
	dir := filepath.Join(filepath.Dir(l.path), archiveDirName)
	ext := filepath.Ext(l.path)
	prefix := strings.TrimSuffix(filepath.Base(l.path), ext) + "."
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read audit archive: %w", err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), prefix) && strings.HasSuffix(e.Name(), ext) {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	slices.Sort(out)
	return out, nil
}

func (l *AuditLog) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	f := l.f
	l.f = nil
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// ChainReport summarizes a checksum walk over one audit file.
type ChainReport struct {
	Entries int
	Intact  int
	// FirstBreak is the 1-based line of the first entry that fails the chain, 0 when none does.
	FirstBreak int
}

// VerifyChain recomputes the checksum chain of the file at path. Entries
// written without a checksum count as intact.
func VerifyChain(path string) (ChainReport, error) {
	var r ChainReport
	prev := ""
	err := scanAudit(path, func(e AuditEntry) bool {
		r.Entries++
		ok := e.Checksum == "" || (e.PrevChecksum == prev && entryChecksum(e) == e.Checksum)
		if ok {
			r.Intact++
		} else if r.FirstBreak == 0 {
			r.FirstBreak = r.Entries
		}
		if e.Checksum != "" {
			prev = e.Checksum
		}
		return true
	})
	return r, err
}

func entryChecksum(e AuditEntry) string {
	e.Checksum = ""
	data, err := json.Marshal(e)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// scanAudit calls fn for each decodable line of path until fn returns false.
// A missing file has no entries; undecodable lines are skipped.
func scanAudit(path string, fn func(AuditEntry) bool) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()
	return scanEntries(f, fn)
}

func scanEntries(r io.Reader, fn func(AuditEntry) bool) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxAuditLine)
	for sc.Scan() {
		var e AuditEntry
		if json.Unmarshal(sc.Bytes(), &e) != nil {
			continue
		}
		if !fn(e) {
			break
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("scan audit log: %w", err)
	}
	return nil
}
