package cursor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/eddielth/relay-sync/logger"
	"github.com/eddielth/relay-sync/model"
	"github.com/eddielth/relay-sync/storage"
)

// SQLStore keeps the cursor as row id 1 of the sync_cursor table
type SQLStore struct {
	db     *sql.DB
	dbType storage.DatabaseType
}

// NewSQLStore connects and creates the cursor table
func NewSQLStore(dbType storage.DatabaseType, dsn string) (*SQLStore, error) {
	db, err := storage.Open(dbType, dsn)
	if err != nil {
		return nil, err
	}

	s := &SQLStore{db: db, dbType: dbType}
	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create cursor table: %w", err)
	}

	logger.Info("%s cursor store initialized", dbType)
	return s, nil
}

const createTableSQL = `
	CREATE TABLE IF NOT EXISTS sync_cursor (
		id INT PRIMARY KEY,
		last_transaction_id BIGINT NOT NULL,
		last_local_sync BIGINT NOT NULL,
		last_remote_history BIGINT NOT NULL,
		last_device_change BIGINT NOT NULL,
		success_count BIGINT NOT NULL,
		failure_count BIGINT NOT NULL,
		points_processed BIGINT NOT NULL
	)`

func upsertSQL(dbType storage.DatabaseType) string {
	if dbType == storage.PostgreSQL {
		return `
	INSERT INTO sync_cursor (id, last_transaction_id, last_local_sync, last_remote_history, last_device_change, success_count, failure_count, points_processed)
	VALUES (1, $1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (id) DO UPDATE SET
		last_transaction_id = EXCLUDED.last_transaction_id,
		last_local_sync = EXCLUDED.last_local_sync,
		last_remote_history = EXCLUDED.last_remote_history,
		last_device_change = EXCLUDED.last_device_change,
		success_count = EXCLUDED.success_count,
		failure_count = EXCLUDED.failure_count,
		points_processed = EXCLUDED.points_processed`
	}
	return `
	INSERT INTO sync_cursor (id, last_transaction_id, last_local_sync, last_remote_history, last_device_change, success_count, failure_count, points_processed)
	VALUES (1, ?, ?, ?, ?, ?, ?, ?)
	ON DUPLICATE KEY UPDATE
		last_transaction_id = VALUES(last_transaction_id),
		last_local_sync = VALUES(last_local_sync),
		last_remote_history = VALUES(last_remote_history),
		last_device_change = VALUES(last_device_change),
		success_count = VALUES(success_count),
		failure_count = VALUES(failure_count),
		points_processed = VALUES(points_processed)`
}

const selectSQL = `SELECT last_transaction_id, last_local_sync, last_remote_history, last_device_change, success_count, failure_count, points_processed FROM sync_cursor WHERE id = 1`

// Load implements Store
func (s *SQLStore) Load(ctx context.Context) (model.SyncCursor, error) {
	var c model.SyncCursor
	var localMs, historyMs, devMs int64
	err := s.db.QueryRowContext(ctx, selectSQL).Scan(
		&c.LastTransactionID, &localMs, &historyMs, &devMs,
		&c.SuccessCount, &c.FailureCount, &c.PointsProcessed,
	)
	if errors.Is(err, sql.ErrNoRows) {
		c = Defaults()
		if err := s.Save(ctx, c); err != nil {
			return model.SyncCursor{}, err
		}
		logger.Info("created sync cursor row")
		return c, nil
	}
	if err != nil {
		return model.SyncCursor{}, fmt.Errorf("failed to load cursor: %w", err)
	}

	c.LastLocalSync = time.UnixMilli(localMs).UTC()
	c.LastRemoteHistory = time.UnixMilli(historyMs).UTC()
	c.LastDeviceChange = time.UnixMilli(devMs).UTC()
	return c, nil
}

// Save implements Store
func (s *SQLStore) Save(ctx context.Context, c model.SyncCursor) error {
	_, err := s.db.ExecContext(ctx, upsertSQL(s.dbType),
		c.LastTransactionID,
		c.LastLocalSync.UnixMilli(),
		c.LastRemoteHistory.UnixMilli(),
		c.LastDeviceChange.UnixMilli(),
		c.SuccessCount,
		c.FailureCount,
		c.PointsProcessed,
	)
	if err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}

// Close implements Store
func (s *SQLStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
