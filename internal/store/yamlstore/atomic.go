package yamlstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"
)

// documentHeader is present at the top of every document this store writes.
type documentHeader struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`
}

// writeDocument replaces path with the YAML encoding of v. Readers see either
// the old or the new document, never a torn one. The replaced document stays
// available as path.bak for recovery.
func writeDocument(path string, v any) error {
	content, err := yamlv3.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	var hdr documentHeader
	if err := yamlv3.Unmarshal(content, &hdr); err != nil || hdr.FileType == "" {
		return fmt.Errorf("encode %s: document has no header", filepath.Base(path))
	}

	if err := keepBackup(path); err != nil {
		return err
	}
	return replaceFile(path, content)
}

// replaceFile stages content next to path and renames it into place.
func replaceFile(path string, content []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("stage %s: %w", filepath.Base(path), err)
	}
	staged := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(staged)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("stage %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("stage %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("stage %s: %w", filepath.Base(path), err)
	}

	if err := os.Rename(staged, path); err != nil {
		return fmt.Errorf("commit %s: %w", filepath.Base(path), err)
	}
	committed = true
	return syncDir(dir)
}

// keepBackup copies the current content of path to path.bak. The copy is a
// separate inode so in-place edits of path never reach the backup.
func keepBackup(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("backup %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path+".bak", data, 0644); err != nil {
		return fmt.Errorf("backup %s: %w", filepath.Base(path), err)
	}
	return nil
}

// syncDir flushes the rename to disk. Filesystems that refuse fsync on a
// directory are tolerated.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return nil
	}
	_ = d.Sync()
	return d.Close()
}
