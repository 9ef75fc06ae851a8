// Package identity resolves user ids to display identities and roles.
//
// The engine treats it as a read-only oracle: lookups never block or alter a
// decision, and a stale directory is acceptable.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

var ErrUnknownUser = errors.New("unknown user")

const FileTypeDirectory = "user_directory"

type Identity struct {
	UserID      string `yaml:"id" json:"user_id"`
	DisplayName string `yaml:"name" json:"display_name"`
	Email       string `yaml:"email,omitempty" json:"email,omitempty"`
	Role        string `yaml:"role,omitempty" json:"role,omitempty"`
}

type directoryFile struct {
	SchemaVersion int        `yaml:"schema_version"`
	FileType      string     `yaml:"file_type"`
	Users         []Identity `yaml:"users"`
}

// Directory is a YAML-backed user directory, safe for concurrent lookups.
type Directory struct {
	path   string
	logger *slog.Logger

	mu    sync.RWMutex
	users map[string]Identity
}

// LoadDirectory reads path once. Call Watch to keep it current.
func LoadDirectory(path string, logger *slog.Logger) (*Directory, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	d := &Directory{path: path, logger: logger}
	if err := d.Reload(); err != nil {
		return nil, err
	}
	return d, nil
}

// Reload re-reads the file. On failure the previous contents stay in effect.
func (d *Directory) Reload() error {
	data, err := os.ReadFile(d.path)
	if err != nil {
		return fmt.Errorf("read user directory: %w", err)
	}
	var f directoryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse user directory %s: %w", d.path, err)
	}
	if f.FileType != "" && f.FileType != FileTypeDirectory {
		return fmt.Errorf("user directory %s: file_type %q, want %q", d.path, f.FileType, FileTypeDirectory)
	}

	users := make(map[string]Identity, len(f.Users))
	for i, u := range f.Users {
		if u.UserID == "" {
			return fmt.Errorf("user directory %s: users[%d] has no id", d.path, i)
		}
		if _, dup := users[u.UserID]; dup {
			return fmt.Errorf("user directory %s: duplicate id %q", d.path, u.UserID)
		}
		if u.DisplayName == "" {
			u.DisplayName = u.UserID
		}
		users[u.UserID] = u
	}

	d.mu.Lock()
	d.users = users
	d.mu.Unlock()
	return nil
}

func (d *Directory) Resolve(_ context.Context, userID string) (Identity, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[userID]
	if !ok {
		return Identity{UserID: userID, DisplayName: userID}, fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}
	return u, nil
}

func (d *Directory) Known(userID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.users[userID]
	return ok
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.users)
}

// Watch reloads the directory whenever its file changes, until ctx is done.
// The parent directory is watched so editors that replace the file are seen.
func (d *Directory) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(d.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(d.path), err)
	}

	go func() {
		defer watcher.Close()
		target := filepath.Clean(d.path)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if err := d.Reload(); err != nil {
					d.logger.Warn("user directory reload failed", "path", d.path, "error", err)
					continue
				}
				d.logger.Info("user directory reloaded", "path", d.path, "users", d.Len())
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				d.logger.Error("fsnotify error", "error", err)
			}
		}
	}()
	return nil
}

// Static is an in-memory resolver, used when no directory file is configured
// and in tests.
type Static map[string]Identity

func (s Static) Resolve(_ context.Context, userID string) (Identity, error) {
	u, ok := s[userID]
	if !ok {
		return Identity{UserID: userID, DisplayName: userID}, fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}
	return u, nil
}

func (s Static) Known(userID string) bool {
	_, ok := s[userID]
	return ok
}
