package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// FileStore persists checkpoint envelopes under
// <root>/<session_id>/latest.checkpoint, writing atomically via a
// temp-file-then-rename so a crash mid-write never corrupts the latest
// readable checkpoint.
type FileStore struct {
	root string
}

// NewFileStore creates a checkpoint store rooted at dir (typically
// "<config_root>/checkpoints").
func NewFileStore(dir string) *FileStore {
	return &FileStore{root: dir}
}

func (s *FileStore) path(sessionID string) string {
	return filepath.Join(s.root, sessionID, "latest.checkpoint")
}

// Save atomically writes envelope as the session's latest checkpoint.
func (s *FileStore) Save(ctx context.Context, sessionID string, envelope Envelope) error {
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}
	payload, err := Serialize(envelope)
	if err != nil {
		return err
	}
	dir := filepath.Join(s.root, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	target := s.path(sessionID)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("replace checkpoint: %w", err)
	}
	return nil
}

// Load reads a session's latest checkpoint. A missing file is not an
// error: reads are best-effort and return (Envelope{}, false, nil).
func (s *FileStore) Load(ctx context.Context, sessionID string) (Envelope, bool, error) {
	payload, err := os.ReadFile(s.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return Envelope{}, false, nil
		}
		return Envelope{}, false, fmt.Errorf("read checkpoint: %w", err)
	}
	envelope, err := Deserialize(payload)
	if err != nil {
		return Envelope{}, false, err
	}
	return envelope, true, nil
}

// Info summarizes one stored session checkpoint.
type Info struct {
	SessionID string
	SavedAt   time.Time
	SizeBytes int64
}

// List returns a summary of every session with a stored checkpoint,
// newest first. Directories without a checkpoint file are skipped.
func (s *FileStore) List(ctx context.Context) ([]Info, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint root: %w", err)
	}
	var out []Info
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		stat, err := os.Stat(s.path(entry.Name()))
		if err != nil {
			continue
		}
		out = append(out, Info{
			SessionID: entry.Name(),
			SavedAt:   stat.ModTime(),
			SizeBytes: stat.Size(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SavedAt.After(out[j].SavedAt) })
	return out, nil
}
