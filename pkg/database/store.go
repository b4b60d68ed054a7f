package database

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aeolun/canvashub/pkg/history"
	"github.com/aeolun/canvashub/pkg/protocol"
)

type pendingMessage struct {
	index int
	typ   protocol.MessageType
	ctx   uint8
	data  []byte
}

// HistoryStore is a history.Store backed by SQLite. Appends are
// buffered in memory and written in batches by a background loop;
// reads flush the buffer first so they always see every append.
type HistoryStore struct {
	db        *DB
	sessionID string

	mu      sync.Mutex
	pending []pendingMessage
	closed  bool

	shutdown chan struct{}
	wg       sync.WaitGroup
}

// HistoryStore returns the store of one session and starts its flush loop
func (db *DB) HistoryStore(sessionID string) *HistoryStore {
	s := &HistoryStore{
		db:        db,
		sessionID: sessionID,
		shutdown:  make(chan struct{}),
	}
	s.wg.Add(1)
	go s.flushLoop()
	return s
}

// flushLoop periodically writes buffered appends to SQLite
func (s *HistoryStore) flushLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.db.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.Flush(); err != nil {
				s.db.logger.Printf("Database: flush of session %s failed: %v", s.sessionID, err)
			}
		case <-s.shutdown:
			return
		}
	}
}

func (s *HistoryStore) Durable() bool { return true }

func (s *HistoryStore) Append(index int, msg protocol.Message) error {
	data, err := protocol.Serialize(msg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.pending = append(s.pending, pendingMessage{index: index, typ: msg.Type(), ctx: msg.ContextID(), data: data})
	return nil
}

// Flush writes buffered appends
func (s *HistoryStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *HistoryStore) flushLocked() error {
	if len(s.pending) == 0 {
		return nil
	}

	tx, err := s.db.writeConn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.insertBatch(tx, s.pending); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.pending = s.pending[:0]
	return nil
}

// insertBatch performs a batched multi-row INSERT OR REPLACE
func (s *HistoryStore) insertBatch(tx *sql.Tx, msgs []pendingMessage) error {
	const fieldsPerMessage = 5
	const batchSize = 500

	for i := 0; i < len(msgs); i += batchSize {
		batch := msgs[i:min(i+batchSize, len(msgs))]

		var query strings.Builder
		query.WriteString(`INSERT OR REPLACE INTO HistoryMessage (session_id, idx, type, context_id, data) VALUES `)
		args := make([]any, 0, len(batch)*fieldsPerMessage)
		for j, m := range batch {
			if j > 0 {
				query.WriteString(", ")
			}
			query.WriteString("(?, ?, ?, ?, ?)")
			args = append(args, s.sessionID, m.index, int(m.typ), int(m.ctx), m.data)
		}

		if _, err := tx.Exec(query.String(), args...); err != nil {
			return fmt.Errorf("failed to execute batch insert: %w", err)
		}
	}
	return nil
}

// Replace swaps the stored history for msgs in one transaction
func (s *HistoryStore) Replace(first int, msgs []protocol.Message) error {
	batch := make([]pendingMessage, len(msgs))
	for i, msg := range msgs {
		data, err := protocol.Serialize(msg)
		if err != nil {
			return err
		}
		batch[i] = pendingMessage{index: first + i, typ: msg.Type(), ctx: msg.ContextID(), data: data}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	tx, err := s.db.writeConn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM HistoryMessage WHERE session_id = ?`, s.sessionID); err != nil {
		return fmt.Errorf("failed to clear history: %w", err)
	}
	if err := s.insertBatch(tx, batch); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.pending = s.pending[:0]
	return nil
}

func (s *HistoryStore) Load(from, to int) ([]protocol.Message, error) {
	if err := s.Flush(); err != nil {
		return nil, err
	}

	rows, err := s.db.conn.Query(`SELECT idx, data FROM HistoryMessage WHERE session_id = ? AND idx BETWEEN ? AND ? ORDER BY idx`,
		s.sessionID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	msgs := make([]protocol.Message, 0, to-from+1)
	expect := from
	for rows.Next() {
		var idx int
		var data []byte
		if err := rows.Scan(&idx, &data); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if idx != expect {
			return nil, fmt.Errorf("history of session %s has a gap at %d", s.sessionID, expect)
		}
		msg, _, err := protocol.Deserialize(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode message %d: %w", idx, err)
		}
		msgs = append(msgs, msg)
		expect++
	}
	return msgs, rows.Err()
}

func (s *HistoryStore) Bounds() (first, last, size int, err error) {
	if err := s.Flush(); err != nil {
		return 0, -1, 0, err
	}

	var minIdx, maxIdx sql.NullInt64
	var total int64
	err = s.db.conn.QueryRow(`SELECT MIN(idx), MAX(idx), COALESCE(SUM(LENGTH(data)), 0) FROM HistoryMessage WHERE session_id = ?`,
		s.sessionID).Scan(&minIdx, &maxIdx, &total)
	if err != nil {
		return 0, -1, 0, fmt.Errorf("failed to read history bounds: %w", err)
	}
	if !minIdx.Valid {
		return 0, -1, 0, nil
	}
	return int(minIdx.Int64), int(maxIdx.Int64), int(total), nil
}

func (s *HistoryStore) SaveMeta(meta history.Meta) error {
	return s.db.saveMeta(meta)
}

// Terminate stops the flush loop and deletes the session and its history
func (s *HistoryStore) Terminate() error {
	s.stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = nil
	if _, err := s.db.writeConn.Exec(`DELETE FROM CanvasSession WHERE id = ?`, s.sessionID); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", s.sessionID, err)
	}
	return nil
}

// Close stops the flush loop and writes anything still buffered
func (s *HistoryStore) Close() error {
	s.stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *HistoryStore) stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.shutdown)
	s.wg.Wait()
}
