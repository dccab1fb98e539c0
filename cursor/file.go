package cursor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/goccy/go-json"

	"github.com/eddielth/relay-sync/logger"
	"github.com/eddielth/relay-sync/model"
)

// FileStore keeps the cursor in a JSON file. Saves go through a temp file
// and a rename so a crash never leaves a half-written cursor.
type FileStore struct {
	path  string
	mutex sync.Mutex
}

// NewFileStore creates the parent directory of path if needed
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("cursor file path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create dir for %s failed: %w", path, err)
	}
	return &FileStore{path: path}, nil
}

// Load implements Store
func (s *FileStore) Load(ctx context.Context) (model.SyncCursor, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		c := Defaults()
		if err := s.write(c); err != nil {
			return model.SyncCursor{}, err
		}
		logger.Info("created sync cursor at %s", s.path)
		return c, nil
	}
	if err != nil {
		return model.SyncCursor{}, fmt.Errorf("read cursor %s failed: %w", s.path, err)
	}

	c := Defaults()
	if err := json.Unmarshal(data, &c); err != nil {
		return model.SyncCursor{}, fmt.Errorf("parse cursor %s failed: %w", s.path, err)
	}
	return c, nil
}

// Save implements Store
func (s *FileStore) Save(ctx context.Context, c model.SyncCursor) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.write(c)
}

func (s *FileStore) write(c model.SyncCursor) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize cursor failed: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp cursor failed: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp cursor failed: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp cursor failed: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp cursor failed: %w", err)
	}

	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace cursor %s failed: %w", s.path, err)
	}
	return nil
}

// Close implements Store
func (s *FileStore) Close() error {
	return nil
}
