package retention

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/veritydir/chainlog/internal/audit"
)

// Archiver copies an entry to cold storage. Archive must return only after
// the copy is durable; the engine purges an entry only once its archival
// has been confirmed.
type Archiver interface {
	Archive(ctx context.Context, e audit.Entry) error
}

// FileArchiver appends archived entries as JSON lines to one file per
// entity type under the archive directory.
type FileArchiver struct {
	dir string
}

// NewFileArchiver creates the archive directory if needed.
func NewFileArchiver(dir string) (*FileArchiver, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	return &FileArchiver{dir: dir}, nil
}

// Archive writes the entry as one JSON line and syncs the file before
// returning, so a confirmed archive survives a crash.
func (a *FileArchiver) Archive(ctx context.Context, e audit.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry %s: %w", e.ID, err)
	}

	path := filepath.Join(a.dir, e.EntityType+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return fmt.Errorf("open archive %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write archive %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync archive %s: %w", path, err)
	}
	return nil
}

// ReadArchived returns all archived entries for an entity type. Used by
// operators auditing what a sweep moved to cold storage.
func (a *FileArchiver) ReadArchived(entityType string) ([]audit.Entry, error) {
	path := filepath.Join(a.dir, entityType+".jsonl")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read archive %s: %w", path, err)
	}

	var out []audit.Entry
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var e audit.Entry
		if err := dec.Decode(&e); err != nil {
			return nil, fmt.Errorf("decode archive %s: %w", path, err)
		}
		out = append(out, e)
	}
	return out, nil
}
