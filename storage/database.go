package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// DatabaseType
type DatabaseType string

const (
	// MySQL
	MySQL DatabaseType = "mysql"
	// PostgreSQL
	PostgreSQL DatabaseType = "postgresql"
)

// rowsPerInsert bounds the placeholders of one multi-row INSERT
const rowsPerInsert = 500

// DatabaseStorage is a history backend on a SQL database
type DatabaseStorage interface {
	HistoryBackend
	// InitDatabase creates the history table
	InitDatabase() error
}

// NewDatabaseStorage opens a history backend for the given database type
func NewDatabaseStorage(dbType string, dsn string) (DatabaseStorage, error) {
	switch DatabaseType(dbType) {
	case MySQL:
		return NewMySQLStorage(dsn)
	case PostgreSQL:
		return NewPostgreSQLStorage(dsn)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}
}

// Open connects to the database, creating it first if it does not exist.
// The cursor store shares this with the history backends.
func Open(dbType DatabaseType, dsn string) (*sql.DB, error) {
	switch dbType {
	case MySQL:
		return openMySQL(dsn)
	case PostgreSQL:
		return openPostgreSQL(dsn)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}
}

func configurePool(db *sql.DB) {
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Minute * 5)
}

// placeholders builds "(?, ?), (?, ?)" style groups; numbered groups use
// $1.. for PostgreSQL
func placeholders(rows, cols int, numbered bool) string {
	groups := make([]string, 0, rows)
	n := 1
	for r := 0; r < rows; r++ {
		ph := make([]string, cols)
		for c := 0; c < cols; c++ {
			if numbered {
				ph[c] = fmt.Sprintf("$%d", n)
			} else {
				ph[c] = "?"
			}
			n++
		}
		groups = append(groups, "("+strings.Join(ph, ", ")+")")
	}
	return strings.Join(groups, ", ")
}

// historyArgs flattens one chunk of rows in column order
func historyArgs(rows []row) []interface{} {
	args := make([]interface{}, 0, len(rows)*7)
	for _, r := range rows {
		args = append(args, r.Provider, r.Path, r.Timestamp.UnixMilli(), r.DataType, fmt.Sprintf("%v", r.Value), r.Quality, r.Interpolation)
	}
	return args
}

const historyColumns = "provider, path, ts, data_type, value, quality, interpolation"
