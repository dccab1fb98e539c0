package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/eddielth/relay-sync/logger"
	"github.com/eddielth/relay-sync/model"
)

// HistoryBackend stores history batches for one historian destination
type HistoryBackend interface {
	// StoreHistory stores records that are already sorted by timestamp
	StoreHistory(ctx context.Context, provider string, records []model.HistoryRecord) error
	// Close releases the backend connection
	Close() error
}

// Manager routes history batches to named destinations
type Manager struct {
	backends map[string]HistoryBackend
	mutex    sync.RWMutex
}

// NewManager creates an empty manager
func NewManager() *Manager {
	return &Manager{
		backends: make(map[string]HistoryBackend),
	}
}

// AddBackend registers a backend under a destination name, replacing any
// previous backend with that name
func (m *Manager) AddBackend(name string, backend HistoryBackend) {
	m.mutex.Lock()
	old := m.backends[name]
	m.backends[name] = backend
	m.mutex.Unlock()

	if old != nil && old != backend {
		if err := old.Close(); err != nil {
			logger.Error("failed to close replaced history backend %s: %v", name, err)
		}
	}
}

// Destinations lists the registered destination names
func (m *Manager) Destinations() []string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	names := make([]string, 0, len(m.backends))
	for name := range m.backends {
		names = append(names, name)
	}
	return names
}

// StoreHistory hands a sorted batch to the destination's backend
func (m *Manager) StoreHistory(ctx context.Context, destination string, records []model.HistoryRecord) error {
	if len(records) == 0 {
		return nil
	}

	m.mutex.RLock()
	backend, ok := m.backends[destination]
	m.mutex.RUnlock()

	if !ok {
		return fmt.Errorf("unknown history destination %q", destination)
	}

	if err := backend.StoreHistory(ctx, destination, records); err != nil {
		return fmt.Errorf("store %d history records to %s: %w", len(records), destination, err)
	}

	logger.Debug("stored %d history records to %s", len(records), destination)
	return nil
}

// Close closes all backends
func (m *Manager) Close() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for name, backend := range m.backends {
		if err := backend.Close(); err != nil {
			logger.Error("failed to close history backend %s: %v", name, err)
		}
	}
	m.backends = make(map[string]HistoryBackend)
}

// row is the flattened form of a history record shared by all backends
type row struct {
	Provider      string      `json:"provider"`
	Path          string      `json:"path"`
	Timestamp     time.Time   `json:"timestamp"`
	DataType      string      `json:"data_type"`
	Value         interface{} `json:"value"`
	Quality       string      `json:"quality"`
	Interpolation string      `json:"interpolation"`
}

func toRow(provider string, rec model.HistoryRecord) row {
	return row{
		Provider:      provider,
		Path:          rec.Path,
		Timestamp:     rec.Timestamp.UTC(),
		DataType:      rec.Value.Type().String(),
		Value:         rec.Value.Interface(),
		Quality:       string(rec.Quality),
		Interpolation: string(rec.Interpolation),
	}
}
