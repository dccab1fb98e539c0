package storage

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/eddielth/relay-sync/logger"
	"github.com/eddielth/relay-sync/model"
)

// FileStorage appends history as JSON lines, one file per provider and day
type FileStorage struct {
	basePath string
}

// NewFileStorage creates the base directory if needed
func NewFileStorage(basePath string) (*FileStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("create dir %s failed: %w", basePath, err)
	}

	logger.Info("init file history storage: %s", basePath)
	return &FileStorage{
		basePath: basePath,
	}, nil
}

// StoreHistory appends the records in order
func (fs *FileStorage) StoreHistory(ctx context.Context, provider string, records []model.HistoryRecord) error {
	dir := filepath.Join(fs.basePath, provider)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create dir %s failed: %w", dir, err)
	}

	files := make(map[string]*bufio.Writer)
	handles := make(map[string]*os.File)
	defer func() {
		for _, f := range handles {
			f.Close()
		}
	}()

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return err
		}

		name := filepath.Join(dir, rec.Timestamp.UTC().Format("20060102")+".jsonl")
		w, ok := files[name]
		if !ok {
			f, err := os.OpenFile(name, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
			if err != nil {
				return fmt.Errorf("open file %s failed: %w", name, err)
			}
			handles[name] = f
			w = bufio.NewWriter(f)
			files[name] = w
		}

		line, err := json.Marshal(toRow(provider, rec))
		if err != nil {
			return fmt.Errorf("serialize record failed: %w", err)
		}
		w.Write(line)
		w.WriteByte('\n')
	}

	for name, w := range files {
		if err := w.Flush(); err != nil {
			return fmt.Errorf("write file %s failed: %w", name, err)
		}
	}

	logger.Debug("stored %d history records under %s", len(records), dir)
	return nil
}

// Close implements HistoryBackend
func (fs *FileStorage) Close() error {
	return nil
}
