package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"

	"github.com/eddielth/relay-sync/logger"
	"github.com/eddielth/relay-sync/model"
)

// MySQLStorage is a MySQL history backend
type MySQLStorage struct {
	db  *sql.DB
	dsn string
}

// NewMySQLStorage connects and creates the history table
func NewMySQLStorage(dsn string) (*MySQLStorage, error) {
	db, err := openMySQL(dsn)
	if err != nil {
		return nil, err
	}

	storage := &MySQLStorage{
		db:  db,
		dsn: dsn,
	}

	if err := storage.InitDatabase(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize MySQL database: %w", err)
	}

	logger.Info("MySQL history storage initialized")
	return storage, nil
}

func openMySQL(dsn string) (*sql.DB, error) {
	database, serverDSN, err := parseMySQLDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse MySQL DSN: %w", err)
	}

	serverDB, err := sql.Open("mysql", serverDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MySQL server: %w", err)
	}
	defer serverDB.Close()

	_, err = serverDB.Exec(fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s` CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci", database))
	if err != nil {
		return nil, fmt.Errorf("failed to create database: %w", err)
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MySQL database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("MySQL connection test failed: %w", err)
	}

	configurePool(db)
	return db, nil
}

// parseMySQLDSN splits user:pass@tcp(host)/db?params into the database name
// and a DSN without the database
func parseMySQLDSN(dsn string) (database string, serverDSN string, err error) {
	idx := strings.LastIndex(dsn, "/")
	if idx < 0 {
		return "", "", fmt.Errorf("invalid DSN, no database name")
	}

	dbParts := strings.SplitN(dsn[idx+1:], "?", 2)
	database = dbParts[0]
	if database == "" {
		return "", "", fmt.Errorf("invalid DSN, no database name")
	}

	serverDSN = dsn[:idx+1]
	if len(dbParts) > 1 {
		serverDSN += "?" + dbParts[1]
	}
	return database, serverDSN, nil
}

// InitDatabase creates the history table
func (ms *MySQLStorage) InitDatabase() error {
	historyTableSQL := `
	CREATE TABLE IF NOT EXISTS tag_history (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		provider VARCHAR(255) NOT NULL,
		path VARCHAR(512) NOT NULL,
		ts BIGINT NOT NULL,
		data_type VARCHAR(16) NOT NULL,
		value TEXT NOT NULL,
		quality VARCHAR(16) NOT NULL,
		interpolation VARCHAR(16) NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		INDEX idx_path_ts (path, ts),
		INDEX idx_provider (provider)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
	`

	if _, err := ms.db.Exec(historyTableSQL); err != nil {
		return fmt.Errorf("failed to create history table: %w", err)
	}
	return nil
}

// StoreHistory inserts the batch in one transaction
func (ms *MySQLStorage) StoreHistory(ctx context.Context, provider string, records []model.HistoryRecord) (err error) {
	tx, err := ms.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
			logger.Error("MySQL transaction rolled back: %v", err)
		}
	}()

	rows := make([]row, 0, len(records))
	for _, rec := range records {
		rows = append(rows, toRow(provider, rec))
	}

	for start := 0; start < len(rows); start += rowsPerInsert {
		end := min(start+rowsPerInsert, len(rows))
		chunk := rows[start:end]
		query := fmt.Sprintf("INSERT INTO tag_history (%s) VALUES %s", historyColumns, placeholders(len(chunk), 7, false))
		if _, err = tx.ExecContext(ctx, query, historyArgs(chunk)...); err != nil {
			return fmt.Errorf("failed to insert history: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Close closes the database connection
func (ms *MySQLStorage) Close() error {
	if ms.db != nil {
		if err := ms.db.Close(); err != nil {
			return fmt.Errorf("failed to close MySQL connection: %w", err)
		}
		logger.Info("MySQL connection closed")
	}
	return nil
}
