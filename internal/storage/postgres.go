package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore is the Store backed by PostgreSQL through lib/pq.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens the database, verifies the connection and creates
// the archive tables if they do not exist.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(16)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.InitSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// InitSchema creates the workspaces, channels and messages tables.
// Workspaces come first so the foreign keys resolve.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	slog.Info("Initializing archive schema...")

	statements := []string{
		`CREATE TABLE IF NOT EXISTS workspaces (
			workspace_id TEXT PRIMARY KEY,
			workspace_name TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS channels (
			channel_id TEXT PRIMARY KEY,
			channel_name TEXT NOT NULL,
			workspace_id TEXT NOT NULL REFERENCES workspaces(workspace_id),
			last_message_id TEXT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			channel_id TEXT NOT NULL REFERENCES channels(channel_id),
			message_id TEXT NOT NULL,
			author_id TEXT,
			content TEXT,
			attachments TEXT,
			created_at BIGINT,
			PRIMARY KEY (channel_id, message_id)
		);`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_messages_channel_created ON messages(channel_id, created_at);",
		"CREATE INDEX IF NOT EXISTS idx_channels_workspace ON channels(workspace_id);",
	}
	for _, indexSQL := range indexes {
		if _, err := s.db.ExecContext(ctx, indexSQL); err != nil {
			slog.Warn("Failed to create index", "error", err, "sql", indexSQL)
		}
	}

	slog.Info("Archive schema initialized successfully")
	return nil
}

func (s *PostgresStore) InsertWorkspace(ctx context.Context, ws Workspace) (inserted bool, err error) {
	defer func(start time.Time) { observe("insert_workspace", start, err) }(time.Now())

	if err := ws.Validate(); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO workspaces (workspace_id, workspace_name)
		VALUES ($1, $2)
		ON CONFLICT (workspace_id) DO NOTHING
	`, ws.ID, ws.Name)
	if err != nil {
		return false, fmt.Errorf("failed to insert workspace %s: %w", ws.ID, err)
	}
	return rowsInserted(res)
}

func (s *PostgresStore) InsertChannel(ctx context.Context, ch Channel) (inserted bool, err error) {
	defer func(start time.Time) { observe("insert_channel", start, err) }(time.Now())

	if err := ch.Validate(); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO channels (channel_id, channel_name, workspace_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (channel_id) DO NOTHING
	`, ch.ID, ch.Name, ch.WorkspaceID)
	if err != nil {
		return false, fmt.Errorf("failed to insert channel %s: %w", ch.ID, err)
	}
	return rowsInserted(res)
}

func (s *PostgresStore) InsertMessage(ctx context.Context, msg Message) (inserted bool, err error) {
	defer func(start time.Time) { observe("insert_message", start, err) }(time.Now())

	if err := msg.Validate(); err != nil {
		return false, err
	}
	attachments, err := encodeAttachments(msg.Attachments)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (message_id, channel_id, author_id, content, attachments, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (channel_id, message_id) DO NOTHING
	`, msg.ID, msg.ChannelID, msg.AuthorID, msg.Content, attachments, msg.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert message %s: %w", msg.ID, err)
	}
	return rowsInserted(res)
}

func (s *PostgresStore) GetWatermark(ctx context.Context, channelID string) (watermark string, found bool, err error) {
	defer func(start time.Time) { observe("get_watermark", start, err) }(time.Now())

	var lastMessageID sql.NullString
	err = s.db.QueryRowContext(ctx, `
		SELECT last_message_id FROM channels WHERE channel_id = $1
	`, channelID).Scan(&lastMessageID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read watermark for %s: %w", channelID, err)
	}
	if !lastMessageID.Valid || lastMessageID.String == "" {
		return "", false, nil
	}
	return lastMessageID.String, true, nil
}

func (s *PostgresStore) SetWatermark(ctx context.Context, channelID, messageID string) (advanced bool, err error) {
	defer func(start time.Time) { observe("set_watermark", start, err) }(time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin watermark transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var current sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT last_message_id FROM channels WHERE channel_id = $1 FOR UPDATE
	`, channelID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%w: %s", ErrUnknownChannel, channelID)
	}
	if err != nil {
		return false, fmt.Errorf("failed to lock watermark for %s: %w", channelID, err)
	}
	if !IsNewer(messageID, current.String) {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE channels SET last_message_id = $2 WHERE channel_id = $1
	`, channelID, messageID); err != nil {
		return false, fmt.Errorf("failed to update watermark for %s: %w", channelID, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit watermark for %s: %w", channelID, err)
	}
	return true, nil
}

// ListMessages returns the archived messages of a channel, oldest first.
func (s *PostgresStore) ListMessages(ctx context.Context, channelID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, channel_id, author_id, content, attachments, created_at
		FROM messages
		WHERE channel_id = $1
		ORDER BY created_at ASC, message_id ASC
	`, channelID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		var authorID, content, attachments sql.NullString
		var createdAt sql.NullInt64
		if err := rows.Scan(&msg.ID, &msg.ChannelID, &authorID, &content, &attachments, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.AuthorID = authorID.String
		msg.Content = content.String
		msg.CreatedAt = createdAt.Int64
		if msg.Attachments, err = decodeAttachments(attachments.String); err != nil {
			return nil, fmt.Errorf("message %s: %w", msg.ID, err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func rowsInserted(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}
