// Package postgres provides a PostgreSQL implementation of store.RecordStore
// and a LISTEN/NOTIFY based store.ChangeFeed.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/educpro/inbox/store"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// Compile-time check
var _ store.RecordStore = (*Store)(nil)

// Store implements store.RecordStore using PostgreSQL.
type Store struct {
	db        *sqlx.DB
	opts      *options
	connected int32
	logger    *slog.Logger
}

// New creates a new PostgreSQL store with the provided database connection.
// Call Connect() to initialize the schema and indexes.
func New(db *sqlx.DB, opts ...Option) *Store {
	o := newOptions(opts...)
	return &Store{
		db:     db,
		opts:   o,
		logger: o.logger,
	}
}

// NewFromDB creates a new PostgreSQL store from a standard sql.DB connection.
// This wraps the sql.DB with sqlx for enhanced functionality.
func NewFromDB(db *sql.DB, opts ...Option) *Store {
	return New(sqlx.NewDb(db, "postgres"), opts...)
}

// Connect initializes the schema, indexes and notify trigger.
func (s *Store) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return store.ErrAlreadyConnected
	}

	if s.db == nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("postgres: db is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("postgres ping: %w", err)
	}

	if err := s.ensureSchema(ctx); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("ensure schema: %w", err)
	}

	s.logger.Info("connected to PostgreSQL", "table", s.opts.table)
	return nil
}

// Close marks the store as disconnected.
// The caller is responsible for closing the database connection.
func (s *Store) Close(_ context.Context) error {
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

// ensureSchema creates the table, indexes and (optionally) the notify trigger.
func (s *Store) ensureSchema(ctx context.Context) error {
	t := s.opts.table

	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			sender_id VARCHAR(255) NOT NULL,
			recipient_id VARCHAR(255) NOT NULL,
			subject TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			is_read BOOLEAN NOT NULL DEFAULT FALSE,
			attachments TEXT[],
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`, t)
	if _, err := s.db.ExecContext(ctx, createTable); err != nil {
		return fmt.Errorf("create table: %w", err)
	}

	indexes := []string{
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_sender ON %s(sender_id, created_at DESC)`, t, t),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_recipient ON %s(recipient_id, created_at DESC)`, t, t),
	}
	for _, idx := range indexes {
		if _, err := s.db.ExecContext(ctx, idx); err != nil {
			s.logger.Warn("failed to create index", "error", err, "sql", idx)
		}
	}

	if !s.opts.notifyTrigger {
		return nil
	}
	for _, stmt := range notifyTriggerSQL(t) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("install notify trigger: %w", err)
		}
	}
	return nil
}

// notifyTriggerSQL returns the statements installing a row trigger that
// publishes each change as JSON on the table's NOTIFY channel.
func notifyTriggerSQL(table string) []string {
	fn := table + "_notify"
	return []string{
		fmt.Sprintf(`
		CREATE OR REPLACE FUNCTION %s() RETURNS trigger AS $$
		DECLARE
			rec RECORD;
		BEGIN
			IF TG_OP = 'DELETE' THEN
				rec := OLD;
			ELSE
				rec := NEW;
			END IF;
			PERFORM pg_notify('%s', json_build_object(
				'op', lower(TG_OP),
				'message_id', rec.id,
				'sender_id', rec.sender_id,
				'recipient_id', rec.recipient_id
			)::text);
			RETURN rec;
		END;
		$$ LANGUAGE plpgsql`, fn, channelName(table)),
		fmt.Sprintf(`DROP TRIGGER IF EXISTS %s ON %s`, fn, table),
		fmt.Sprintf(`CREATE TRIGGER %s AFTER INSERT OR UPDATE OR DELETE ON %s
			FOR EACH ROW EXECUTE FUNCTION %s()`, fn, table, fn),
	}
}

// checkConnected returns error if not connected.
func (s *Store) checkConnected() error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return store.ErrNotConnected
	}
	return nil
}

// row is the database representation of a message.
type row struct {
	ID          string         `db:"id"`
	SenderID    string         `db:"sender_id"`
	RecipientID string         `db:"recipient_id"`
	Subject     string         `db:"subject"`
	Content     string         `db:"content"`
	IsRead      bool           `db:"is_read"`
	Attachments pq.StringArray `db:"attachments"`
	CreatedAt   time.Time      `db:"created_at"`
}

func (r row) toMessage() store.Message {
	m := store.Message{
		ID:          r.ID,
		SenderID:    r.SenderID,
		RecipientID: r.RecipientID,
		Subject:     r.Subject,
		Content:     r.Content,
		IsRead:      r.IsRead,
		CreatedAt:   r.CreatedAt.UTC(),
	}
	if len(r.Attachments) > 0 {
		m.Attachments = []string(r.Attachments)
	}
	return m
}

const selectColumns = `id, sender_id, recipient_id, subject, content, is_read, attachments, created_at`

// Find returns every message involving participantID, newest first.
func (s *Store) Find(ctx context.Context, participantID string) ([]store.Message, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE sender_id = $1 OR recipient_id = $1
		ORDER BY created_at DESC, id DESC
	`, selectColumns, s.opts.table)

	var rows []row
	if err := s.db.SelectContext(ctx, &rows, query, participantID); err != nil {
		return nil, fmt.Errorf("find messages: %w", err)
	}

	out := make([]store.Message, len(rows))
	for i, r := range rows {
		out[i] = r.toMessage()
	}
	return out, nil
}

// Get returns a message involving participantID.
func (s *Store) Get(ctx context.Context, id, participantID string) (store.Message, error) {
	if err := s.checkConnected(); err != nil {
		return store.Message{}, err
	}
	if _, err := uuid.Parse(id); err != nil {
		return store.Message{}, store.ErrInvalidID
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE id = $1 AND (sender_id = $2 OR recipient_id = $2)
	`, selectColumns, s.opts.table)

	var r row
	if err := s.db.GetContext(ctx, &r, query, id, participantID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Message{}, store.ErrNotFound
		}
		return store.Message{}, fmt.Errorf("get message: %w", err)
	}
	return r.toMessage(), nil
}

// Insert creates a new unread message.
func (s *Store) Insert(ctx context.Context, msg store.Message) (store.Message, error) {
	if err := s.checkConnected(); err != nil {
		return store.Message{}, err
	}
	if err := msg.Validate(); err != nil {
		return store.Message{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	var attachments pq.StringArray
	if len(msg.Attachments) > 0 {
		attachments = pq.StringArray(msg.Attachments)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (sender_id, recipient_id, subject, content, is_read, attachments)
		VALUES ($1, $2, $3, $4, false, $5)
		RETURNING %s
	`, s.opts.table, selectColumns)

	var r row
	if err := s.db.GetContext(ctx, &r, query,
		msg.SenderID, msg.RecipientID, msg.Subject, msg.Content, attachments,
	); err != nil {
		return store.Message{}, fmt.Errorf("insert message: %w", err)
	}
	return r.toMessage(), nil
}

// MarkRead sets the read flag if recipientID is the recipient.
func (s *Store) MarkRead(ctx context.Context, id, recipientID string) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if _, err := uuid.Parse(id); err != nil {
		return store.ErrInvalidID
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`UPDATE %s SET is_read = true WHERE id = $1 AND recipient_id = $2`, s.opts.table)
	return s.execOne(ctx, "mark read", query, id, recipientID)
}

// Delete permanently removes a message involving participantID.
func (s *Store) Delete(ctx context.Context, id, participantID string) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if _, err := uuid.Parse(id); err != nil {
		return store.ErrInvalidID
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1 AND (sender_id = $2 OR recipient_id = $2)`, s.opts.table)
	return s.execOne(ctx, "delete message", query, id, participantID)
}

// execOne runs a statement expected to affect one row.
func (s *Store) execOne(ctx context.Context, op, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return store.ErrNotFound
	}
	return nil
}
