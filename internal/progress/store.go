package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

const sessionFileExt = ".json"

// Store persists sessions. Save must replace the full session atomically.
type Store interface {
	Save(ctx context.Context, s *SessionProgress) error
	Delete(ctx context.Context, sessionID string) error
	LoadAll(ctx context.Context) ([]*SessionProgress, error)
}

// FileStore keeps one JSON file per session at {dir}/{session_id}.json.
type FileStore struct {
	dir     string
	workers int
	logger  *slog.Logger
}

// NewFileStore creates the directory if needed. workers bounds parallel
// file reads in LoadAll.
func NewFileStore(dir string, workers int, logger *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	if workers <= 0 {
		workers = 1
	}
	return &FileStore{dir: dir, workers: workers, logger: logger}, nil
}

// Dir returns the session directory.
func (f *FileStore) Dir() string { return f.dir }

func (f *FileStore) path(sessionID string) string {
	return filepath.Join(f.dir, sessionID+sessionFileExt)
}

// Save writes the session to a temp file and renames it over the previous
// version, so a crash never leaves a half-written session.
func (f *FileStore) Save(ctx context.Context, s *SessionProgress) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session %s: %w", s.SessionID, err)
	}

	tmp, err := os.CreateTemp(f.dir, s.SessionID+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write session %s: %w", s.SessionID, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync session %s: %w", s.SessionID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close session %s: %w", s.SessionID, err)
	}
	if err := os.Rename(tmpName, f.path(s.SessionID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace session %s: %w", s.SessionID, err)
	}
	return nil
}

// Delete removes a session file. A missing file is not an error.
func (f *FileStore) Delete(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(f.path(sessionID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete session %s: %w", sessionID, err)
	}
	return nil
}

// LoadAll reads every session file. Malformed files are logged and skipped;
// read failures abort the load.
func (f *FileStore) LoadAll(ctx context.Context) ([]*SessionProgress, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read session directory: %w", err)
	}

	var (
		mu       sync.Mutex
		sessions []*SessionProgress
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(f.workers)

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, sessionFileExt) {
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			path := filepath.Join(f.dir, name)
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", name, err)
			}
			var s SessionProgress
			if err := json.Unmarshal(data, &s); err != nil {
				f.logger.Warn("skipping malformed session file", "path", path, "error", err)
				return nil
			}
			if s.SessionID == "" {
				s.SessionID = strings.TrimSuffix(name, sessionFileExt)
			}
			mu.Lock()
			sessions = append(sessions, &s)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return sessions, nil
}
