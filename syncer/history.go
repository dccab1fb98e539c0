package syncer

import (
	"context"
	"fmt"

	"github.com/eddielth/relay-sync/logger"
	"github.com/eddielth/relay-sync/tags"
)

// SyncHistory pages through the transactional log until the remote reports
// no more data. The cursor is persisted only when a page carries a new
// transaction id. Returns ErrSyncInProgress if a historical run is already
// in progress.
func (o *Orchestrator) SyncHistory(ctx context.Context) error {
	if !o.historyMutex.TryLock() {
		logger.Debug("historical sync already running, skipped")
		return ErrSyncInProgress
	}
	defer o.historyMutex.Unlock()

	o.setState(StateHistorical)
	defer o.setState(StateIdle)

	provider := o.Settings().HistoryProvider
	pages := 0
	for {
		c := o.Cursor()
		var lastID *int64
		if c.LastTransactionID != 0 {
			id := c.LastTransactionID
			lastID = &id
		}

		env, err := o.api.SyncTransactional(ctx, lastID)
		if err != nil {
			return fmt.Errorf("sync transactional after %d: %w", c.LastTransactionID, err)
		}
		pages++

		batch := tags.MapHistory(env.Devices)
		if batch.Skipped > 0 {
			logger.Warn("%d history points in transaction %d could not be mapped", batch.Skipped, env.TransactionID)
		}
		if batch.Duplicates > 0 {
			logger.Debug("%d duplicate history points in transaction %d", batch.Duplicates, env.TransactionID)
		}
		if len(batch.Records) > 0 {
			if err := o.sink.StoreHistory(ctx, provider, batch.Records); err != nil {
				return fmt.Errorf("store history of transaction %d: %w", env.TransactionID, err)
			}
		}

		o.cursorMutex.Lock()
		o.cursor.PointsProcessed += int64(len(batch.Records))
		if batch.MaxTimestamp.After(o.cursor.LastRemoteHistory) {
			o.cursor.LastRemoteHistory = batch.MaxTimestamp
		}
		changed := env.TransactionID != o.cursor.LastTransactionID
		if changed {
			if env.TransactionID < o.cursor.LastTransactionID {
				logger.Warn("transaction id went backwards: %d -> %d", o.cursor.LastTransactionID, env.TransactionID)
			}
			o.cursor.LastTransactionID = env.TransactionID
			o.cursor.LastLocalSync = o.now().UTC()
		}
		snapshot := o.cursor
		o.cursorMutex.Unlock()

		if changed {
			if err := o.store.Save(ctx, snapshot); err != nil {
				return fmt.Errorf("persist cursor at transaction %d: %w", env.TransactionID, err)
			}
		}

		if !env.MoreDataAvailable {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}

	o.cursorMutex.Lock()
	o.lastHistorical = o.now()
	o.cursorMutex.Unlock()
	logger.Info("historical sync finished after %d pages at transaction %d", pages, o.Cursor().LastTransactionID)
	return nil
}
