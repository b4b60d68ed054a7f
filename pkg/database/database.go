// Package database persists session histories in SQLite.
package database

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aeolun/canvashub/pkg/history"
	"github.com/aeolun/canvashub/pkg/protocol"
)

var (
	// ErrStoreClosed indicates the history store has been closed or terminated.
	ErrStoreClosed = errors.New("history store closed")
)

// DefaultFlushInterval is how long appended messages may sit in memory
// before they are written to disk
const DefaultFlushInterval = 200 * time.Millisecond

// DB wraps the SQLite database connection
type DB struct {
	conn          *sql.DB // Read connection pool
	writeConn     *sql.DB // Dedicated write connection (1 connection)
	flushInterval time.Duration
	logger        *log.Logger
}

// Options configures Open
type Options struct {
	FlushInterval time.Duration
	Logger        *log.Logger
}

var pragmas = []string{
	// WAL allows multiple readers and one writer at the same time
	"PRAGMA journal_mode = WAL",
	// Wait and retry instead of immediately failing with SQLITE_BUSY
	"PRAGMA busy_timeout = 5000",
	"PRAGMA foreign_keys = ON",
	"PRAGMA synchronous = NORMAL",
}

func configure(conn *sql.DB) error {
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			return fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	return nil
}

// Open opens the SQLite database at the given path and initializes the
// schema if needed
func Open(path string, opts Options) (*DB, error) {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)
	if err := configure(conn); err != nil {
		conn.Close()
		return nil, err
	}

	// Create dedicated write connection (single connection, no pooling)
	writeConn, err := sql.Open("sqlite", path)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}
	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	writeConn.SetConnMaxLifetime(0)
	if err := configure(writeConn); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, err
	}

	db := &DB{
		conn:          conn,
		writeConn:     writeConn,
		flushInterval: opts.FlushInterval,
		logger:        opts.Logger,
	}
	if err := db.initSchema(); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	db.writeConn.Close()
	return db.conn.Close()
}

// initSchema creates all tables and indexes if they don't exist
func (db *DB) initSchema() error {
	schema := `
-- One row per stored session; meta is the CBOR encoded history.Meta
CREATE TABLE IF NOT EXISTS CanvasSession (
	id TEXT PRIMARY KEY,
	alias TEXT,
	founder TEXT NOT NULL,
	started_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	meta BLOB NOT NULL
);

-- Serialized messages, header included
CREATE TABLE IF NOT EXISTS HistoryMessage (
	session_id TEXT NOT NULL,
	idx INTEGER NOT NULL,
	type INTEGER NOT NULL,
	context_id INTEGER NOT NULL,
	data BLOB NOT NULL,
	PRIMARY KEY (session_id, idx),
	FOREIGN KEY (session_id) REFERENCES CanvasSession(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_sessions_alias ON CanvasSession(alias) WHERE alias IS NOT NULL;
`
	_, err := db.writeConn.Exec(schema)
	return err
}

// Sessions returns the metadata of every stored session
func (db *DB) Sessions() ([]history.Meta, error) {
	rows, err := db.conn.Query(`SELECT id, meta FROM CanvasSession ORDER BY started_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var metas []history.Meta
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		var meta history.Meta
		if err := protocol.Unmarshal(blob, &meta); err != nil {
			db.logger.Printf("Database: skipping session %s with unreadable metadata: %v", id, err)
			continue
		}
		metas = append(metas, meta)
	}
	return metas, rows.Err()
}

func (db *DB) saveMeta(meta history.Meta) error {
	blob, err := protocol.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	var alias any
	if meta.Alias != "" {
		alias = meta.Alias
	}
	_, err = db.writeConn.Exec(`
		INSERT INTO CanvasSession (id, alias, founder, started_at, updated_at, meta)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET alias = excluded.alias, updated_at = excluded.updated_at, meta = excluded.meta`,
		meta.ID, alias, meta.Founder, meta.StartTime.UnixMilli(), time.Now().UnixMilli(), blob)
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", meta.ID, err)
	}
	return nil
}
