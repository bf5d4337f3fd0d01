package outbox

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/agentworkforce/relaymsg/internal/clock"
)

const (
	postgresConversationsTable = "relaymsg_conversations"
	postgresEventsTable        = "relaymsg_events"
	postgresOperationTimeout   = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore is an EventStore backed by Postgres. It exists for
// deployments where the agent runs next to shared infrastructure
// rather than on a constrained device; the SQLite backend is the
// default. Connections are opened lazily on first use.
type PostgresStore struct {
	dsn    string
	clock  clock.Clock
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string, clk clock.Clock) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &PostgresStore{dsn: dsn, clock: clk, openDB: sql.Open}, nil
}

func (s *PostgresStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		schema := `
			CREATE TABLE IF NOT EXISTS ` + postgresConversationsTable + ` (
				id            TEXT PRIMARY KEY,
				name          TEXT NOT NULL UNIQUE,
				last_event_at TIMESTAMPTZ NOT NULL,
				preview       TEXT NOT NULL DEFAULT '',
				unread        INTEGER NOT NULL DEFAULT 0,
				created_at    TIMESTAMPTZ NOT NULL
			);
			CREATE TABLE IF NOT EXISTS ` + postgresEventsTable + ` (
				id              TEXT PRIMARY KEY,
				conversation_id TEXT NOT NULL REFERENCES ` + postgresConversationsTable + `(id) ON DELETE CASCADE,
				created_at      TIMESTAMPTZ NOT NULL,
				sender          TEXT NOT NULL,
				body            TEXT NOT NULL,
				raw_payload     BYTEA,
				self            BOOLEAN NOT NULL DEFAULT FALSE,
				delivered       BOOLEAN NOT NULL DEFAULT FALSE,
				delivered_at    TIMESTAMPTZ,
				retry_count     INTEGER NOT NULL DEFAULT 0
			);
			CREATE INDEX IF NOT EXISTS relaymsg_events_drain_idx
				ON ` + postgresEventsTable + ` (delivered, retry_count, created_at);
			CREATE INDEX IF NOT EXISTS relaymsg_events_conversation_idx
				ON ` + postgresEventsTable + ` (conversation_id, created_at);
			CREATE INDEX IF NOT EXISTS relaymsg_events_created_idx
				ON ` + postgresEventsTable + ` (created_at);
		`
		if _, err := db.ExecContext(ctx, schema); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) AppendEvent(ctx context.Context, in AppendInput) (EventID, error) {
	name := strings.TrimSpace(in.ConversationName)
	if name == "" || strings.TrimSpace(in.Sender) == "" {
		return "", ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return "", storageErr("append", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", storageErr("append: begin", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	now := s.clock.Now().UTC()
	unreadDelta := 0
	if !in.Self {
		unreadDelta = 1
	}

	var conversationID string
	err = tx.QueryRowContext(ctx, `
		INSERT INTO `+postgresConversationsTable+` (id, name, last_event_at, preview, unread, created_at)
		VALUES ($1, $2, $3, $4, $5, $3)
		ON CONFLICT (name) DO UPDATE SET
			last_event_at = EXCLUDED.last_event_at,
			preview = EXCLUDED.preview,
			unread = `+postgresConversationsTable+`.unread + EXCLUDED.unread
		RETURNING id`,
		uuid.NewString(), name, now, in.Body, unreadDelta).Scan(&conversationID)
	if err != nil {
		return "", storageErr("append: upsert conversation", err)
	}

	eventID := uuid.NewString()
	var raw any
	if len(in.RawPayload) > 0 {
		raw = in.RawPayload
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO `+postgresEventsTable+` (id, conversation_id, created_at, sender, body, raw_payload, self)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		eventID, conversationID, now, in.Sender, in.Body, raw, in.Self)
	if err != nil {
		return "", storageErr("append: insert event", err)
	}
	if err := tx.Commit(); err != nil {
		return "", storageErr("append: commit", err)
	}
	committed = true
	return EventID(eventID), nil
}

func (s *PostgresStore) ListUndelivered(ctx context.Context, maxRetry, limit int) ([]Event, error) {
	if maxRetry <= 0 || limit <= 0 {
		return nil, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return nil, storageErr("list undelivered", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, created_at, sender, body, raw_payload, self, delivered, delivered_at, retry_count
		FROM `+postgresEventsTable+`
		WHERE delivered = FALSE AND retry_count < $1
		ORDER BY created_at ASC
		LIMIT $2`, maxRetry, limit)
	if err != nil {
		return nil, storageErr("list undelivered", err)
	}
	defer rows.Close()
	return scanPostgresEvents(rows)
}

func (s *PostgresStore) MarkDelivered(ctx context.Context, id EventID, at time.Time) error {
	if err := s.ensureReady(); err != nil {
		return storageErr("mark delivered", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE `+postgresEventsTable+`
		SET delivered = TRUE, delivered_at = $2
		WHERE id = $1 AND delivered = FALSE`, string(id), at.UTC())
	if err != nil {
		return storageErr("mark delivered", err)
	}
	return s.checkTouched(ctx, result, id, "mark delivered")
}

func (s *PostgresStore) IncrementRetry(ctx context.Context, id EventID) error {
	if err := s.ensureReady(); err != nil {
		return storageErr("increment retry", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE `+postgresEventsTable+`
		SET retry_count = retry_count + 1
		WHERE id = $1 AND delivered = FALSE`, string(id))
	if err != nil {
		return storageErr("increment retry", err)
	}
	return s.checkTouched(ctx, result, id, "increment retry")
}

func (s *PostgresStore) checkTouched(ctx context.Context, result sql.Result, id EventID, op string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return storageErr(op, err)
	}
	if affected > 0 {
		return nil
	}
	var exists bool
	err = s.db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM "+postgresEventsTable+" WHERE id = $1)", string(id)).Scan(&exists)
	if err != nil {
		return storageErr(op, err)
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteDeliveredOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.deleteOlderThan(ctx, cutoff, true)
}

func (s *PostgresStore) DeleteAnyOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.deleteOlderThan(ctx, cutoff, false)
}

func (s *PostgresStore) deleteOlderThan(ctx context.Context, cutoff time.Time, deliveredOnly bool) (int64, error) {
	if err := s.ensureReady(); err != nil {
		return 0, storageErr("retention delete", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storageErr("retention delete: begin", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	query := "DELETE FROM " + postgresEventsTable + " WHERE created_at < $1"
	if deliveredOnly {
		query += " AND delivered = TRUE"
	}
	result, err := tx.ExecContext(ctx, query, cutoff.UTC())
	if err != nil {
		return 0, storageErr("retention delete", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, storageErr("retention delete", err)
	}
	_, err = tx.ExecContext(ctx, `
		DELETE FROM `+postgresConversationsTable+` c
		WHERE NOT EXISTS (SELECT 1 FROM `+postgresEventsTable+` e WHERE e.conversation_id = c.id)`)
	if err != nil {
		return 0, storageErr("retention delete: prune conversations", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, storageErr("retention delete: commit", err)
	}
	committed = true
	return removed, nil
}

func (s *PostgresStore) CountDelivered(ctx context.Context) (int64, error) {
	return s.countEvents(ctx, true)
}

func (s *PostgresStore) CountUndelivered(ctx context.Context) (int64, error) {
	return s.countEvents(ctx, false)
}

func (s *PostgresStore) countEvents(ctx context.Context, delivered bool) (int64, error) {
	if err := s.ensureReady(); err != nil {
		return 0, storageErr("count events", err)
	}
	var count int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM "+postgresEventsTable+" WHERE delivered = $1", delivered).Scan(&count)
	if err != nil {
		return 0, storageErr("count events", err)
	}
	return count, nil
}

func (s *PostgresStore) Conversations(ctx context.Context) ([]Conversation, error) {
	if err := s.ensureReady(); err != nil {
		return nil, storageErr("list conversations", err)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, last_event_at, preview, unread, created_at
		FROM `+postgresConversationsTable+`
		ORDER BY last_event_at DESC`)
	if err != nil {
		return nil, storageErr("list conversations", err)
	}
	defer rows.Close()

	var conversations []Conversation
	for rows.Next() {
		var c Conversation
		var id string
		if err := rows.Scan(&id, &c.Name, &c.LastEventAt, &c.Preview, &c.Unread, &c.CreatedAt); err != nil {
			return nil, storageErr("list conversations", err)
		}
		c.ID = ConversationID(id)
		c.LastEventAt = c.LastEventAt.UTC()
		c.CreatedAt = c.CreatedAt.UTC()
		conversations = append(conversations, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list conversations", err)
	}
	return conversations, nil
}

func (s *PostgresStore) ConversationName(ctx context.Context, id ConversationID) (string, error) {
	if err := s.ensureReady(); err != nil {
		return "", storageErr("conversation name", err)
	}
	var name string
	err := s.db.QueryRowContext(ctx,
		"SELECT name FROM "+postgresConversationsTable+" WHERE id = $1", string(id)).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", storageErr("conversation name", err)
	}
	return name, nil
}

func (s *PostgresStore) EventsByConversation(ctx context.Context, id ConversationID, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	if err := s.ensureReady(); err != nil {
		return nil, storageErr("events by conversation", err)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, created_at, sender, body, raw_payload, self, delivered, delivered_at, retry_count
		FROM `+postgresEventsTable+`
		WHERE conversation_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, string(id), limit)
	if err != nil {
		return nil, storageErr("events by conversation", err)
	}
	defer rows.Close()
	return scanPostgresEvents(rows)
}

func (s *PostgresStore) MarkConversationRead(ctx context.Context, id ConversationID) error {
	if err := s.ensureReady(); err != nil {
		return storageErr("mark read", err)
	}
	result, err := s.db.ExecContext(ctx,
		"UPDATE "+postgresConversationsTable+" SET unread = 0 WHERE id = $1", string(id))
	if err != nil {
		return storageErr("mark read", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return storageErr("mark read", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func scanPostgresEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var e Event
		var id, conversationID string
		var deliveredAt sql.NullTime
		if err := rows.Scan(&id, &conversationID, &e.CreatedAt, &e.Sender, &e.Body,
			&e.RawPayload, &e.Self, &e.Delivered, &deliveredAt, &e.RetryCount); err != nil {
			return nil, storageErr("scan event", err)
		}
		e.ID = EventID(id)
		e.ConversationID = ConversationID(conversationID)
		e.CreatedAt = e.CreatedAt.UTC()
		if deliveredAt.Valid {
			at := deliveredAt.Time.UTC()
			e.DeliveredAt = &at
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("scan event", err)
	}
	return events, nil
}
