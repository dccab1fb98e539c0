package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eddielth/relay-sync/cursor"
	"github.com/eddielth/relay-sync/logger"
	"github.com/eddielth/relay-sync/model"
)

// ErrSyncInProgress is returned when a sync of the same kind is already
// running. A tick that did no work is not counted.
var ErrSyncInProgress = errors.New("sync already in progress")

// State is the phase the orchestrator is in
type State int32

const (
	StateIdle State = iota
	StateHistorical
	StateLive
)

func (s State) String() string {
	switch s {
	case StateHistorical:
		return "historical"
	case StateLive:
		return "live"
	default:
		return "idle"
	}
}

// Orchestrator schedules historical and live synchronization ticks
type Orchestrator struct {
	api       API
	store     cursor.Store
	sink      Sink
	writes    Writer
	transform ValueTransformer
	now       func() time.Time

	settingsMutex sync.RWMutex
	settings      Settings

	// historyMutex is held for a whole historical run and by ForceResync
	historyMutex sync.Mutex
	liveMutex    sync.Mutex

	cursorMutex    sync.Mutex
	cursor         model.SyncCursor
	lastSync       time.Time
	lastDuration   time.Duration
	lastHistorical time.Time

	cacheMutex sync.Mutex
	lastSeen   map[int64]time.Time

	handlerMutex sync.Mutex
	registered   map[string]struct{}

	deviceErrors atomic.Int64
	state        atomic.Int32

	trigger     chan struct{}
	reconfigure chan struct{}

	runCtx context.Context
	cancel context.CancelFunc
	done   chan struct{}
	ticks  sync.WaitGroup
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithTransformer applies value scripts to live values
func WithTransformer(t ValueTransformer) Option {
	return func(o *Orchestrator) {
		o.transform = t
	}
}

// WithNow replaces the wall clock used for timestamps
func WithNow(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// New creates an orchestrator. Start must be called before the timer runs.
func New(api API, store cursor.Store, sink Sink, writes Writer, settings Settings, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		api:         api,
		store:       store,
		sink:        sink,
		writes:      writes,
		now:         time.Now,
		settings:    settings,
		cursor:      cursor.Defaults(),
		lastSeen:    make(map[int64]time.Time),
		registered:  make(map[string]struct{}),
		trigger:     make(chan struct{}, 1),
		reconfigure: make(chan struct{}, 1),
		runCtx:      context.Background(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Load reads the persisted cursor into memory
func (o *Orchestrator) Load(ctx context.Context) error {
	c, err := o.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load sync cursor: %w", err)
	}
	o.cursorMutex.Lock()
	o.cursor = c
	o.cursorMutex.Unlock()
	logger.Info("sync cursor loaded, last transaction id %d", c.LastTransactionID)
	return nil
}

// Start loads the cursor, registers controls and starts the timer loop
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.Load(ctx); err != nil {
		return err
	}
	if err := o.registerControls(); err != nil {
		return err
	}
	o.publishStatus()

	runCtx, cancel := context.WithCancel(ctx)
	o.runCtx = runCtx
	o.cancel = cancel
	o.done = make(chan struct{})
	go o.run(runCtx)
	return nil
}

// Stop stops the timer and waits for running ticks
func (o *Orchestrator) Stop() {
	if o.cancel == nil {
		return
	}
	o.cancel()
	<-o.done
	o.ticks.Wait()
	logger.Info("sync orchestrator stopped")
}

// State returns the current phase
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

func (o *Orchestrator) setState(s State) {
	o.state.Store(int32(s))
}

// Settings returns the current settings
func (o *Orchestrator) Settings() Settings {
	o.settingsMutex.RLock()
	defer o.settingsMutex.RUnlock()
	return o.settings
}

// ApplySettings replaces the settings. Intervals take effect immediately;
// force flags act when they change from false to true.
func (o *Orchestrator) ApplySettings(s Settings) {
	o.settingsMutex.Lock()
	prev := o.settings
	o.settings = s
	o.settingsMutex.Unlock()

	if prev.PollInterval != s.PollInterval || prev.LiveInterval != s.LiveInterval {
		select {
		case o.reconfigure <- struct{}{}:
		default:
		}
	}
	if s.ForceResync && !prev.ForceResync {
		if err := o.ForceResync(o.runCtx); err != nil {
			logger.Error("force resync failed: %v", err)
		}
	}
	if s.ForceSync && !prev.ForceSync {
		o.ForceSync()
	}
	logger.Info("sync settings applied: poll %v, live %v, history %t (%s)", s.PollInterval, s.LiveInterval, s.HistoryEnabled, s.HistoryProvider)
}

// ForceSync schedules one immediate full tick and forgets every device's
// last seen timestamp so all devices are refreshed
func (o *Orchestrator) ForceSync() {
	o.cacheMutex.Lock()
	o.lastSeen = make(map[int64]time.Time)
	o.cacheMutex.Unlock()

	select {
	case o.trigger <- struct{}{}:
		logger.Info("force sync scheduled")
	default:
	}
}

// ForceResync rewinds the cursor and clears the counters. It waits for a
// running historical sync and does not start a sync itself.
func (o *Orchestrator) ForceResync(ctx context.Context) error {
	o.historyMutex.Lock()
	defer o.historyMutex.Unlock()

	o.cursorMutex.Lock()
	o.cursor.Reset()
	c := o.cursor
	o.cursorMutex.Unlock()
	o.deviceErrors.Store(0)

	if err := o.store.Save(ctx, c); err != nil {
		return fmt.Errorf("failed to persist reset cursor: %w", err)
	}
	logger.Info("sync cursor reset")
	o.publishStatus()
	return nil
}

// Cursor returns a copy of the in-memory cursor
func (o *Orchestrator) Cursor() model.SyncCursor {
	o.cursorMutex.Lock()
	defer o.cursorMutex.Unlock()
	return o.cursor
}

// DeviceErrors returns the number of per-device failures in live syncs
func (o *Orchestrator) DeviceErrors() int64 {
	return o.deviceErrors.Load()
}

func (o *Orchestrator) run(ctx context.Context) {
	defer close(o.done)

	o.spawn(ctx, o.Tick)
	for {
		s := o.Settings()
		poll := time.NewTicker(s.PollInterval)
		var live *time.Ticker
		var liveC <-chan time.Time
		if s.LiveInterval > 0 {
			live = time.NewTicker(s.LiveInterval)
			liveC = live.C
		}

		restart := o.loop(ctx, poll.C, liveC)
		poll.Stop()
		if live != nil {
			live.Stop()
		}
		if !restart {
			return
		}
	}
}

func (o *Orchestrator) loop(ctx context.Context, pollC, liveC <-chan time.Time) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case <-pollC:
			o.spawn(ctx, o.Tick)
		case <-liveC:
			o.spawn(ctx, o.liveTick)
		case <-o.trigger:
			o.spawn(ctx, o.Tick)
		case <-o.reconfigure:
			return true
		}
	}
}

func (o *Orchestrator) spawn(ctx context.Context, fn func(context.Context) error) {
	o.ticks.Add(1)
	go func() {
		defer o.ticks.Done()
		fn(ctx)
	}()
}

// Tick runs one full tick: historical catch-up when enabled, then live
// values. A failure ends the tick early and counts once. A tick that finds
// its work already running returns ErrSyncInProgress and leaves the
// counters and status untouched.
func (o *Orchestrator) Tick(ctx context.Context) error {
	start := o.now()
	err := o.runTick(ctx)
	if errors.Is(err, ErrSyncInProgress) {
		logger.Debug("sync tick skipped: %v", err)
		return err
	}
	o.finishTick(start, err)
	return err
}

func (o *Orchestrator) runTick(ctx context.Context) error {
	historyRan := false
	if o.Settings().historyActive() {
		if err := o.SyncHistory(ctx); err != nil {
			return err
		}
		historyRan = true
	}
	err := o.SyncLatestValues(ctx)
	if historyRan && errors.Is(err, ErrSyncInProgress) {
		// history ran; live values are refreshed by the run holding the lock
		return nil
	}
	return err
}

func (o *Orchestrator) liveTick(ctx context.Context) error {
	if err := o.SyncLatestValues(ctx); err != nil {
		if errors.Is(err, ErrSyncInProgress) {
			return err
		}
		logger.Error("live sync failed: %v", err)
		return err
	}
	return nil
}

func (o *Orchestrator) finishTick(start time.Time, err error) {
	end := o.now()

	o.cursorMutex.Lock()
	if err != nil {
		o.cursor.FailureCount++
	} else {
		o.cursor.SuccessCount++
	}
	o.lastSync = end
	o.lastDuration = end.Sub(start)
	o.cursorMutex.Unlock()

	if err != nil {
		logger.Error("sync tick failed: %v", err)
	} else {
		logger.Debug("sync tick completed in %v", end.Sub(start))
	}
	o.publishStatus()
}
