package outbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/agentworkforce/relaymsg/internal/clock"
)

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS conversations (
		id            TEXT PRIMARY KEY,
		name          TEXT NOT NULL UNIQUE,
		last_event_at INTEGER NOT NULL,
		preview       TEXT NOT NULL DEFAULT '',
		unread        INTEGER NOT NULL DEFAULT 0,
		created_at    INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS events (
		id              TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		created_at      INTEGER NOT NULL,
		sender          TEXT NOT NULL,
		body            TEXT NOT NULL,
		raw_payload     BLOB,
		self            INTEGER NOT NULL DEFAULT 0,
		delivered       INTEGER NOT NULL DEFAULT 0,
		delivered_at    INTEGER,
		retry_count     INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_events_drain
		ON events(delivered, retry_count, created_at);
	CREATE INDEX IF NOT EXISTS idx_events_conversation
		ON events(conversation_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_events_created
		ON events(created_at);
`

// SQLiteStoreOptions configures the default on-device store backend.
type SQLiteStoreOptions struct {
	// Path is the database file path. ":memory:" is allowed for
	// tests, with a pool size of 1.
	Path string

	// PoolSize defaults to 4. SQLite serializes writes regardless;
	// extra connections only help concurrent reads.
	PoolSize int

	Clock  clock.Clock
	Logger *slog.Logger
}

// SQLiteStore is the durable EventStore used on the device. Writes
// run in IMMEDIATE transactions; WAL mode keeps the ingestion path
// and the sync engine from blocking each other's reads.
type SQLiteStore struct {
	pool  *sqlitex.Pool
	clock clock.Clock
	log   *slog.Logger
}

func NewSQLiteStore(opts SQLiteStoreOptions) (*SQLiteStore, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	poolSize := opts.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}
	if path == ":memory:" {
		poolSize = 1
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareSQLiteConn,
	})
	if err != nil {
		return nil, storageErr("open "+path, err)
	}
	logger.Info("event store opened", "path", path, "pool_size", poolSize)
	return &SQLiteStore{pool: pool, clock: clk, log: logger}, nil
}

func prepareSQLiteConn(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return sqlitex.ExecuteScript(conn, sqliteSchema, nil)
}

func (s *SQLiteStore) Close() error {
	if err := s.pool.Close(); err != nil {
		return storageErr("close", err)
	}
	return nil
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, in AppendInput) (EventID, error) {
	name := strings.TrimSpace(in.ConversationName)
	if name == "" || strings.TrimSpace(in.Sender) == "" {
		return "", ErrInvalidInput
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return "", storageErr("append", err)
	}
	defer s.pool.Put(conn)

	endTx, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return "", storageErr("append: begin", err)
	}
	var txErr error
	defer endTx(&txErr)

	now := s.clock.Now().UTC()
	unreadDelta := 1
	if in.Self {
		unreadDelta = 0
	}

	var conversationID string
	txErr = sqlitex.Execute(conn,
		"SELECT id FROM conversations WHERE name = ?",
		&sqlitex.ExecOptions{
			Args: []any{name},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				conversationID = stmt.ColumnText(0)
				return nil
			},
		})
	if txErr != nil {
		return "", storageErr("append: lookup conversation", txErr)
	}

	if conversationID == "" {
		conversationID = uuid.NewString()
		txErr = sqlitex.Execute(conn,
			`INSERT INTO conversations (id, name, last_event_at, preview, unread, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{
				Args: []any{conversationID, name, now.UnixNano(), in.Body, unreadDelta, now.UnixNano()},
			})
	} else {
		txErr = sqlitex.Execute(conn,
			"UPDATE conversations SET last_event_at = ?, preview = ?, unread = unread + ? WHERE id = ?",
			&sqlitex.ExecOptions{
				Args: []any{now.UnixNano(), in.Body, unreadDelta, conversationID},
			})
	}
	if txErr != nil {
		return "", storageErr("append: upsert conversation", txErr)
	}

	eventID := uuid.NewString()
	var rawPayload any
	if len(in.RawPayload) > 0 {
		rawPayload = in.RawPayload
	}
	txErr = sqlitex.Execute(conn,
		`INSERT INTO events (id, conversation_id, created_at, sender, body, raw_payload, self, delivered, retry_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0)`,
		&sqlitex.ExecOptions{
			Args: []any{eventID, conversationID, now.UnixNano(), in.Sender, in.Body, rawPayload, boolInt(in.Self)},
		})
	if txErr != nil {
		return "", storageErr("append: insert event", txErr)
	}
	return EventID(eventID), nil
}

func (s *SQLiteStore) ListUndelivered(ctx context.Context, maxRetry, limit int) ([]Event, error) {
	if maxRetry <= 0 || limit <= 0 {
		return nil, ErrInvalidInput
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, storageErr("list undelivered", err)
	}
	defer s.pool.Put(conn)

	var events []Event
	err = sqlitex.Execute(conn,
		`SELECT id, conversation_id, created_at, sender, body, raw_payload, self, delivered, delivered_at, retry_count
		 FROM events
		 WHERE delivered = 0 AND retry_count < ?
		 ORDER BY created_at ASC
		 LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{maxRetry, limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				events = append(events, scanEvent(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, storageErr("list undelivered", err)
	}
	return events, nil
}

func (s *SQLiteStore) MarkDelivered(ctx context.Context, id EventID, at time.Time) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return storageErr("mark delivered", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"UPDATE events SET delivered = 1, delivered_at = ? WHERE id = ? AND delivered = 0",
		&sqlitex.ExecOptions{Args: []any{at.UTC().UnixNano(), string(id)}})
	if err != nil {
		return storageErr("mark delivered", err)
	}
	if conn.Changes() == 0 {
		return s.requireEvent(conn, id)
	}
	return nil
}

func (s *SQLiteStore) IncrementRetry(ctx context.Context, id EventID) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return storageErr("increment retry", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"UPDATE events SET retry_count = retry_count + 1 WHERE id = ? AND delivered = 0",
		&sqlitex.ExecOptions{Args: []any{string(id)}})
	if err != nil {
		return storageErr("increment retry", err)
	}
	if conn.Changes() == 0 {
		return s.requireEvent(conn, id)
	}
	return nil
}

// requireEvent distinguishes "row already in a terminal state" (nil)
// from "row does not exist" (ErrNotFound) after a zero-change update.
func (s *SQLiteStore) requireEvent(conn *sqlite.Conn, id EventID) error {
	found := false
	err := sqlitex.Execute(conn,
		"SELECT 1 FROM events WHERE id = ?",
		&sqlitex.ExecOptions{
			Args: []any{string(id)},
			ResultFunc: func(*sqlite.Stmt) error {
				found = true
				return nil
			},
		})
	if err != nil {
		return storageErr("lookup event", err)
	}
	if !found {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteDeliveredOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.deleteOlderThan(ctx, cutoff, true)
}

func (s *SQLiteStore) DeleteAnyOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.deleteOlderThan(ctx, cutoff, false)
}

func (s *SQLiteStore) deleteOlderThan(ctx context.Context, cutoff time.Time, deliveredOnly bool) (int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, storageErr("retention delete", err)
	}
	defer s.pool.Put(conn)

	endTx, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, storageErr("retention delete: begin", err)
	}
	var txErr error
	defer endTx(&txErr)

	query := "DELETE FROM events WHERE created_at < ?"
	if deliveredOnly {
		query += " AND delivered = 1"
	}
	txErr = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: []any{cutoff.UTC().UnixNano()},
	})
	if txErr != nil {
		return 0, storageErr("retention delete", txErr)
	}
	removed := int64(conn.Changes())

	// Conversations with no remaining events go with them.
	txErr = sqlitex.Execute(conn,
		`DELETE FROM conversations
		 WHERE NOT EXISTS (SELECT 1 FROM events WHERE events.conversation_id = conversations.id)`,
		nil)
	if txErr != nil {
		return 0, storageErr("retention delete: prune conversations", txErr)
	}
	return removed, nil
}

func (s *SQLiteStore) CountDelivered(ctx context.Context) (int64, error) {
	return s.countEvents(ctx, 1)
}

func (s *SQLiteStore) CountUndelivered(ctx context.Context) (int64, error) {
	return s.countEvents(ctx, 0)
}

func (s *SQLiteStore) countEvents(ctx context.Context, delivered int) (int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, storageErr("count events", err)
	}
	defer s.pool.Put(conn)

	var count int64
	err = sqlitex.Execute(conn,
		"SELECT COUNT(*) FROM events WHERE delivered = ?",
		&sqlitex.ExecOptions{
			Args: []any{delivered},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return 0, storageErr("count events", err)
	}
	return count, nil
}

func (s *SQLiteStore) Conversations(ctx context.Context) ([]Conversation, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, storageErr("list conversations", err)
	}
	defer s.pool.Put(conn)

	var conversations []Conversation
	err = sqlitex.Execute(conn,
		`SELECT id, name, last_event_at, preview, unread, created_at
		 FROM conversations ORDER BY last_event_at DESC`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				conversations = append(conversations, Conversation{
					ID:          ConversationID(stmt.ColumnText(0)),
					Name:        stmt.ColumnText(1),
					LastEventAt: time.Unix(0, stmt.ColumnInt64(2)).UTC(),
					Preview:     stmt.ColumnText(3),
					Unread:      stmt.ColumnInt(4),
					CreatedAt:   time.Unix(0, stmt.ColumnInt64(5)).UTC(),
				})
				return nil
			},
		})
	if err != nil {
		return nil, storageErr("list conversations", err)
	}
	return conversations, nil
}

func (s *SQLiteStore) ConversationName(ctx context.Context, id ConversationID) (string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return "", storageErr("conversation name", err)
	}
	defer s.pool.Put(conn)

	name := ""
	err = sqlitex.Execute(conn,
		"SELECT name FROM conversations WHERE id = ?",
		&sqlitex.ExecOptions{
			Args: []any{string(id)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				name = stmt.ColumnText(0)
				return nil
			},
		})
	if err != nil {
		return "", storageErr("conversation name", err)
	}
	if name == "" {
		return "", ErrNotFound
	}
	return name, nil
}

func (s *SQLiteStore) EventsByConversation(ctx context.Context, id ConversationID, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, storageErr("events by conversation", err)
	}
	defer s.pool.Put(conn)

	var events []Event
	err = sqlitex.Execute(conn,
		`SELECT id, conversation_id, created_at, sender, body, raw_payload, self, delivered, delivered_at, retry_count
		 FROM events
		 WHERE conversation_id = ?
		 ORDER BY created_at DESC
		 LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{string(id), limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				events = append(events, scanEvent(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, storageErr("events by conversation", err)
	}
	return events, nil
}

func (s *SQLiteStore) MarkConversationRead(ctx context.Context, id ConversationID) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return storageErr("mark read", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"UPDATE conversations SET unread = 0 WHERE id = ?",
		&sqlitex.ExecOptions{Args: []any{string(id)}})
	if err != nil {
		return storageErr("mark read", err)
	}
	if conn.Changes() == 0 {
		return ErrNotFound
	}
	return nil
}

// scanEvent reads one row from the canonical events column order:
// id, conversation_id, created_at, sender, body, raw_payload, self,
// delivered, delivered_at, retry_count.
func scanEvent(stmt *sqlite.Stmt) Event {
	event := Event{
		ID:             EventID(stmt.ColumnText(0)),
		ConversationID: ConversationID(stmt.ColumnText(1)),
		CreatedAt:      time.Unix(0, stmt.ColumnInt64(2)).UTC(),
		Sender:         stmt.ColumnText(3),
		Body:           stmt.ColumnText(4),
		Self:           stmt.ColumnInt(6) != 0,
		Delivered:      stmt.ColumnInt(7) != 0,
		RetryCount:     stmt.ColumnInt(9),
	}
	if !stmt.ColumnIsNull(5) {
		raw := make([]byte, stmt.ColumnLen(5))
		stmt.ColumnBytes(5, raw)
		event.RawPayload = raw
	}
	if !stmt.ColumnIsNull(8) {
		at := time.Unix(0, stmt.ColumnInt64(8)).UTC()
		event.DeliveredAt = &at
	}
	return event
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
