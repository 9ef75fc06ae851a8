package yamlstore

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	yamlv3 "gopkg.in/yaml.v3"
)

// corruptError marks a document that exists but does not decode into the
// type its path promises. Only these are quarantined; I/O failures are not.
type corruptError struct{ err error }

func (e *corruptError) Error() string { return e.err.Error() }
func (e *corruptError) Unwrap() error { return e.err }

func corrupt(format string, args ...any) error {
	return &corruptError{err: fmt.Errorf(format, args...)}
}

func isCorrupt(err error) bool {
	var ce *corruptError
	return errors.As(err, &ce)
}

// quarantine copies a corrupt document under <root>/quarantine so it is kept
// for inspection. The caller replaces or removes the original.
func (s *Store) quarantine(path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read corrupt document: %w", err)
	}
	dir := filepath.Join(s.root, "quarantine")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}
	name := fmt.Sprintf("%s.%s.corrupt", filepath.Base(path), time.Now().Format("20060102T150405.000000000"))
	dst := filepath.Join(dir, name)
	if err := os.WriteFile(dst, content, 0644); err != nil {
		return "", fmt.Errorf("copy to quarantine: %w", err)
	}
	return dst, nil
}

// restoreFromBackup swaps path.bak in for path if the backup decodes.
func restoreFromBackup(path string) error {
	content, err := os.ReadFile(path + ".bak")
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	var hdr documentHeader
	if err := yamlv3.Unmarshal(content, &hdr); err != nil {
		return fmt.Errorf("backup is also corrupt: %w", err)
	}
	if hdr.FileType == "" {
		return errors.New("backup has no document header")
	}
	if err := replaceFile(path, content); err != nil {
		return fmt.Errorf("restore from backup: %w", err)
	}
	return nil
}

// recoverDocument quarantines path and falls back to its backup. Without a
// usable backup the corrupt document is removed.
// It returns nil only when the backup was restored.
func (s *Store) recoverDocument(path string, cause error) error {
	dst, err := s.quarantine(path)
	if err != nil {
		return fmt.Errorf("quarantine %s: %w (decode error: %v)", path, err, cause)
	}
	s.logger.Warn("quarantined corrupt document", "path", path, "moved_to", dst, "error", cause)

	if err := restoreFromBackup(path); err != nil {
		s.logger.Error("backup restore failed", "path", path, "error", err)
		if rerr := os.Remove(path); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) {
			s.logger.Error("corrupt document not removed", "path", path, "error", rerr)
		}
		return fmt.Errorf("document %s is corrupt and has no usable backup: %w", filepath.Base(path), cause)
	}
	s.logger.Info("restored document from backup", "path", path)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
