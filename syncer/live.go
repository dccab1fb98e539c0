package syncer

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/eddielth/relay-sync/logger"
	"github.com/eddielth/relay-sync/model"
	"github.com/eddielth/relay-sync/tags"
	"github.com/eddielth/relay-sync/writer"
)

// SyncLatestValues refreshes every device whose reported change time is
// newer than the last one seen. Per-device failures are counted separately
// and never fail the call. Returns ErrSyncInProgress if a live run is
// already in progress.
func (o *Orchestrator) SyncLatestValues(ctx context.Context) error {
	if !o.liveMutex.TryLock() {
		logger.Debug("live sync already running, skipped")
		return ErrSyncInProgress
	}
	defer o.liveMutex.Unlock()

	o.setState(StateLive)
	defer o.setState(StateIdle)

	list, err := o.api.ListDevices(ctx)
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}

	var (
		mutex     sync.Mutex
		refreshed int
	)
	g := new(errgroup.Group)
	g.SetLimit(o.Settings().workers())

	for _, device := range list.Devices {
		if !o.dirty(device) {
			continue
		}
		g.Go(func() error {
			if err := o.refreshDevice(ctx, device); err != nil {
				o.deviceErrors.Add(1)
				logger.Warn("device %s (%d) sync failed: %v", device.Name, device.ID, err)
				return nil
			}
			o.markSeen(device)

			mutex.Lock()
			refreshed++
			mutex.Unlock()
			return nil
		})
	}
	g.Wait()

	if refreshed > 0 {
		logger.Debug("refreshed %d of %d devices", refreshed, len(list.Devices))
	}
	o.publishStatus()
	return ctx.Err()
}

func (o *Orchestrator) dirty(device model.Device) bool {
	o.cacheMutex.Lock()
	defer o.cacheMutex.Unlock()
	seen, ok := o.lastSeen[device.ID]
	return !ok || device.LastSync.After(seen)
}

func (o *Orchestrator) markSeen(device model.Device) {
	o.cacheMutex.Lock()
	o.lastSeen[device.ID] = device.LastSync
	o.cacheMutex.Unlock()

	o.cursorMutex.Lock()
	if device.LastSync.After(o.cursor.LastDeviceChange) {
		o.cursor.LastDeviceChange = device.LastSync
	}
	o.cursorMutex.Unlock()
}

func (o *Orchestrator) refreshDevice(ctx context.Context, device model.Device) error {
	detail, err := o.api.GetDevice(ctx, device.ID)
	if err != nil {
		return fmt.Errorf("get device: %w", err)
	}
	if detail.Name == "" {
		detail.Name = device.Name
	}

	updates, mapErr := tags.MapDeviceValues(detail)
	for _, u := range updates {
		value := u.Value
		if o.transform != nil {
			value, err = o.transform.TransformValue(u.Device.Name, u.Tag.Name, u.Value)
			if err != nil {
				logger.Warn("value script for %s failed: %v", u.Path, err)
				value = u.Value
			}
		}
		o.sink.UpdateValue(u.Path, value, u.Quality, u.Timestamp)
		o.ensureWriteHandler(u)
	}
	return mapErr
}

// ensureWriteHandler registers a write handler the first time a path is seen
func (o *Orchestrator) ensureWriteHandler(u model.TagUpdate) {
	o.handlerMutex.Lock()
	if _, ok := o.registered[u.Path]; ok {
		o.handlerMutex.Unlock()
		return
	}
	o.registered[u.Path] = struct{}{}
	o.handlerMutex.Unlock()

	device, tag, path := u.Device, u.Tag, u.Path
	err := o.sink.RegisterWriteHandler(path, func(ctx context.Context, raw interface{}) error {
		value, err := tags.MapValue(raw, tag.DataType)
		if err != nil {
			return fmt.Errorf("write to %s: %w", path, err)
		}
		o.writes.Write(ctx, writer.Request{Device: device, Tag: tag, Path: path, Value: value})
		return nil
	})
	if err != nil {
		o.handlerMutex.Lock()
		delete(o.registered, path)
		o.handlerMutex.Unlock()
		logger.Warn("failed to register write handler for %s: %v", path, err)
	}
}
