package writer

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/eddielth/relay-sync/logger"
	"github.com/eddielth/relay-sync/model"
)

// Disabled is the window sentinel that turns buffering off
const Disabled time.Duration = -1

// MinWindow is the smallest window that enables buffering
const MinWindow = 100 * time.Millisecond

// Remote performs relay tag writes
type Remote interface {
	WriteTagValues(ctx context.Context, deviceName string, writes []model.TagWrite) (model.WriteResult, error)
}

// Confirmer receives the outcome of every write as a value update
type Confirmer interface {
	UpdateValue(path string, value model.Value, quality model.Quality, ts time.Time)
}

// Request is one sink-originated tag write
type Request struct {
	Device model.DeviceRef
	Tag    model.TagRef
	Path   string
	Value  model.Value
}

// Outcome classifies a completed write
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeError
	OutcomeCancelled
)

func (o Outcome) quality() model.Quality {
	switch o {
	case OutcomeOK:
		return model.QualityGood
	case OutcomeCancelled:
		return model.QualityCancelled
	default:
		return model.QualityError
	}
}

// Manager sends tag writes to the relay, either immediately or coalesced
// per device within a time window
type Manager struct {
	remote Remote
	sink   Confirmer
	clock  Clock

	mutex   sync.Mutex
	queue   writeQueue
	seq     uint64
	window  time.Duration
	running bool
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Manager
type Option func(*Manager)

// WithClock replaces the wall clock
func WithClock(c Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// NewManager creates a write manager with the given buffering window
func NewManager(remote Remote, sink Confirmer, window time.Duration, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		remote: remote,
		sink:   sink,
		clock:  realClock{},
		window: window,
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Buffered reports whether a window enables coalescing
func Buffered(window time.Duration) bool {
	return window != Disabled && window >= MinWindow
}

// SetWindow changes the window. A running worker picks it up on its next wait.
func (m *Manager) SetWindow(window time.Duration) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.window != window {
		logger.Info("write buffer window changed: %v -> %v", m.window, window)
	}
	m.window = window
}

// Window returns the current window
func (m *Manager) Window() time.Duration {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.window
}

// Pending returns the number of queued writes
func (m *Manager) Pending() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.queue.Len()
}

// Write accepts a write. The outcome is reported to the sink asynchronously.
func (m *Manager) Write(ctx context.Context, req Request) {
	m.mutex.Lock()
	if m.closed || ctx.Err() != nil {
		m.mutex.Unlock()
		m.confirm(req.Path, req.Value, OutcomeCancelled, context.Canceled)
		return
	}

	if !Buffered(m.window) {
		m.wg.Add(1)
		m.mutex.Unlock()
		go m.writeNow(ctx, req)
		return
	}

	m.seq++
	heap.Push(&m.queue, &pendingWrite{Request: req, created: m.clock.Now(), seq: m.seq})
	if !m.running {
		m.running = true
		m.wg.Add(1)
		go m.run()
	}
	m.mutex.Unlock()
}

// Close stops the worker, cancels in-flight writes and confirms queued
// writes as cancelled
func (m *Manager) Close() {
	m.mutex.Lock()
	if m.closed {
		m.mutex.Unlock()
		return
	}
	m.closed = true
	m.mutex.Unlock()

	m.cancel()
	m.wg.Wait()
}

func (m *Manager) writeNow(ctx context.Context, req Request) {
	defer m.wg.Done()

	wctx, cancel := context.WithCancel(m.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	outcome, err := m.send(wctx, req.Device, []model.TagWrite{{Name: req.Tag.Name, Value: req.Value}})
	m.confirm(req.Path, req.Value, outcome, err)
}

func (m *Manager) run() {
	defer m.wg.Done()

	for {
		m.mutex.Lock()
		window := m.window
		m.mutex.Unlock()

		select {
		case <-m.ctx.Done():
			m.cancelPending()
			return
		case <-m.clock.After(window):
		}

		if m.ctx.Err() != nil {
			m.cancelPending()
			return
		}

		m.mutex.Lock()
		batch := m.queue.drainAll()
		if len(batch) == 0 {
			m.running = false
			m.mutex.Unlock()
			return
		}
		m.mutex.Unlock()

		m.flush(batch)

		m.mutex.Lock()
		if m.queue.Len() == 0 {
			m.running = false
			m.mutex.Unlock()
			return
		}
		m.mutex.Unlock()
	}
}

func (m *Manager) cancelPending() {
	m.mutex.Lock()
	batch := m.queue.drainAll()
	m.running = false
	m.mutex.Unlock()

	for _, w := range batch {
		m.confirm(w.Path, w.Value, OutcomeCancelled, context.Canceled)
	}
	if len(batch) > 0 {
		logger.Info("cancelled %d buffered writes on shutdown", len(batch))
	}
}

// group coalesces a drained batch by device, then by path. The last value
// for a path wins.
func group(batch []*pendingWrite) []*deviceBatch {
	var order []*deviceBatch
	byDevice := make(map[int64]*deviceBatch)

	for _, w := range batch {
		db, ok := byDevice[w.Device.ID]
		if !ok {
			db = &deviceBatch{device: w.Device, writes: make(map[string]*pendingWrite)}
			byDevice[w.Device.ID] = db
			order = append(order, db)
		}
		if prev, dup := db.writes[w.Path]; dup {
			if prev.Value.Equal(w.Value) {
				logger.Debug("repeated write to %s coalesced", w.Path)
			} else {
				logger.Warn("write to %s coalesced: %s replaced by %s", w.Path, prev.Value, w.Value)
			}
		} else {
			db.paths = append(db.paths, w.Path)
		}
		db.writes[w.Path] = w
	}
	return order
}

func (m *Manager) flush(batch []*pendingWrite) {
	var wg sync.WaitGroup
	for _, db := range group(batch) {
		wg.Add(1)
		go func(db *deviceBatch) {
			defer wg.Done()

			writes := make([]model.TagWrite, 0, len(db.paths))
			for _, p := range db.paths {
				w := db.writes[p]
				writes = append(writes, model.TagWrite{Name: w.Tag.Name, Value: w.Value})
			}

			outcome, err := m.send(m.ctx, db.device, writes)
			for _, p := range db.paths {
				w := db.writes[p]
				m.confirm(p, w.Value, outcome, err)
			}
		}(db)
	}
	wg.Wait()
}

func (m *Manager) send(ctx context.Context, device model.DeviceRef, writes []model.TagWrite) (Outcome, error) {
	result, err := m.remote.WriteTagValues(ctx, device.Name, writes)
	switch {
	case err != nil && (errors.Is(err, context.Canceled) || ctx.Err() != nil):
		return OutcomeCancelled, err
	case err != nil:
		logger.Error("write of %d tags to device %s failed: %v", len(writes), device.Name, err)
		return OutcomeError, err
	case !result.Success:
		err = fmt.Errorf("relay rejected write to device %s: %s", device.Name, result.Message)
		logger.Error("%v", err)
		return OutcomeError, err
	}
	logger.Debug("wrote %d tags to device %s", len(writes), device.Name)
	return OutcomeOK, nil
}

func (m *Manager) confirm(path string, value model.Value, outcome Outcome, err error) {
	if outcome == OutcomeCancelled {
		logger.Debug("write to %s cancelled: %v", path, err)
	}
	m.sink.UpdateValue(path, value, outcome.quality(), m.clock.Now().UTC())
}
