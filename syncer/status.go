package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/eddielth/relay-sync/logger"
	"github.com/eddielth/relay-sync/model"
	"github.com/eddielth/relay-sync/tags"
)

const (
	StatusPrefix  = "_Status/"
	ControlPrefix = "_Control/"
)

// status tag names
const (
	StatusLastSyncTime           = StatusPrefix + "LastSyncTime"
	StatusLastSyncDurationMs     = StatusPrefix + "LastSyncDurationMs"
	StatusLastHistoricalSyncTime = StatusPrefix + "LastHistoricalSyncTime"
	StatusLastTransactionID      = StatusPrefix + "LastTransactionId"
	StatusSuccessCount           = StatusPrefix + "SuccessCount"
	StatusFailureCount           = StatusPrefix + "FailureCount"
	StatusPointsProcessed        = StatusPrefix + "PointsProcessed"
	StatusDeviceErrorCount       = StatusPrefix + "DeviceErrorCount"

	ControlForceResync = ControlPrefix + "ForceResync"
	ControlForceSync   = ControlPrefix + "ForceSync"
)

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func (o *Orchestrator) publishStatus() {
	o.cursorMutex.Lock()
	c := o.cursor
	lastSync, lastDuration, lastHistorical := o.lastSync, o.lastDuration, o.lastHistorical
	o.cursorMutex.Unlock()

	now := o.now().UTC()
	good := model.QualityGood
	o.sink.UpdateValue(StatusLastSyncTime, model.StringValue(formatTime(lastSync)), good, now)
	o.sink.UpdateValue(StatusLastSyncDurationMs, model.IntValue(lastDuration.Milliseconds()), good, now)
	o.sink.UpdateValue(StatusLastHistoricalSyncTime, model.StringValue(formatTime(lastHistorical)), good, now)
	o.sink.UpdateValue(StatusLastTransactionID, model.IntValue(c.LastTransactionID), good, now)
	o.sink.UpdateValue(StatusSuccessCount, model.IntValue(c.SuccessCount), good, now)
	o.sink.UpdateValue(StatusFailureCount, model.IntValue(c.FailureCount), good, now)
	o.sink.UpdateValue(StatusPointsProcessed, model.IntValue(c.PointsProcessed), good, now)
	o.sink.UpdateValue(StatusDeviceErrorCount, model.IntValue(o.deviceErrors.Load()), good, now)
}

// registerControls exposes the force controls as writable tags. Writing a
// true value starts the control on its own goroutine, so the sink's
// message loop is not held while ForceResync waits for a historical run.
func (o *Orchestrator) registerControls() error {
	controls := map[string]func(ctx context.Context) error{
		ControlForceResync: o.ForceResync,
		ControlForceSync: func(context.Context) error {
			o.ForceSync()
			return nil
		},
	}

	for path, action := range controls {
		err := o.sink.RegisterWriteHandler(path, func(ctx context.Context, raw interface{}) error {
			v, err := tags.MapValue(raw, model.DataTypeBool)
			if err != nil {
				return fmt.Errorf("control %s: %w", path, err)
			}
			if on, _ := v.Bool(); !on {
				return nil
			}
			logger.Info("control %s triggered", path)
			o.ticks.Add(1)
			go func() {
				defer o.ticks.Done()
				if err := action(o.runCtx); err != nil {
					logger.Error("control %s failed: %v", path, err)
				}
			}()
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to register control %s: %w", path, err)
		}
	}
	return nil
}
