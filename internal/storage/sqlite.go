package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

type workspaceRow struct {
	WorkspaceID   string `gorm:"column:workspace_id;primaryKey"`
	WorkspaceName string `gorm:"column:workspace_name;not null"`
}

func (workspaceRow) TableName() string { return "workspaces" }

type channelRow struct {
	ChannelID     string  `gorm:"column:channel_id;primaryKey"`
	ChannelName   string  `gorm:"column:channel_name;not null"`
	WorkspaceID   string  `gorm:"column:workspace_id;not null"`
	LastMessageID *string `gorm:"column:last_message_id"`
}

func (channelRow) TableName() string { return "channels" }

type messageRow struct {
	ChannelID   string `gorm:"column:channel_id;primaryKey"`
	MessageID   string `gorm:"column:message_id;primaryKey"`
	AuthorID    string `gorm:"column:author_id"`
	Content     string `gorm:"column:content"`
	Attachments string `gorm:"column:attachments"`
	CreatedAt   int64  `gorm:"column:created_at;autoCreateTime:false"`
}

func (messageRow) TableName() string { return "messages" }

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS workspaces (
		workspace_id TEXT PRIMARY KEY,
		workspace_name TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS channels (
		channel_id TEXT PRIMARY KEY,
		channel_name TEXT NOT NULL,
		workspace_id TEXT NOT NULL REFERENCES workspaces(workspace_id),
		last_message_id TEXT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		channel_id TEXT NOT NULL REFERENCES channels(channel_id),
		message_id TEXT NOT NULL,
		author_id TEXT,
		content TEXT,
		attachments TEXT,
		created_at INTEGER,
		PRIMARY KEY (channel_id, message_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_channel_created ON messages(channel_id, created_at)`,
}

// SQLiteStore is the Store backed by a single SQLite file through gorm.
type SQLiteStore struct {
	db *gorm.DB
}

// OpenSQLite opens (or creates) the archive file with foreign keys enforced.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(sqliteDSN(path)), &gorm.Config{
		Logger: gormlogger.New(
			slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn),
			gormlogger.Config{
				SlowThreshold:             500 * time.Millisecond,
				LogLevel:                  gormlogger.Warn,
				IgnoreRecordNotFoundError: true,
			},
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	for _, stmt := range sqliteSchema {
		if err := db.Exec(stmt).Error; err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("failed to initialize sqlite schema: %w", err)
		}
	}

	slog.Info("SQLite archive initialized", "path", path)
	return &SQLiteStore{db: db}, nil
}

func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

func (s *SQLiteStore) InsertWorkspace(ctx context.Context, ws Workspace) (inserted bool, err error) {
	defer func(start time.Time) { observe("insert_workspace", start, err) }(time.Now())

	if err := ws.Validate(); err != nil {
		return false, err
	}
	row := workspaceRow{WorkspaceID: ws.ID, WorkspaceName: ws.Name}
	return s.insertIgnore(ctx, &row, "workspace", ws.ID)
}

func (s *SQLiteStore) InsertChannel(ctx context.Context, ch Channel) (inserted bool, err error) {
	defer func(start time.Time) { observe("insert_channel", start, err) }(time.Now())

	if err := ch.Validate(); err != nil {
		return false, err
	}
	row := channelRow{ChannelID: ch.ID, ChannelName: ch.Name, WorkspaceID: ch.WorkspaceID}
	return s.insertIgnore(ctx, &row, "channel", ch.ID)
}

func (s *SQLiteStore) InsertMessage(ctx context.Context, msg Message) (inserted bool, err error) {
	defer func(start time.Time) { observe("insert_message", start, err) }(time.Now())

	if err := msg.Validate(); err != nil {
		return false, err
	}
	attachments, err := encodeAttachments(msg.Attachments)
	if err != nil {
		return false, err
	}
	row := messageRow{
		MessageID:   msg.ID,
		ChannelID:   msg.ChannelID,
		AuthorID:    msg.AuthorID,
		Content:     msg.Content,
		Attachments: attachments,
		CreatedAt:   msg.CreatedAt,
	}
	return s.insertIgnore(ctx, &row, "message", msg.ID)
}

func (s *SQLiteStore) insertIgnore(ctx context.Context, row interface{}, kind, id string) (bool, error) {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(row)
	if res.Error != nil {
		return false, fmt.Errorf("failed to insert %s %s: %w", kind, id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *SQLiteStore) GetWatermark(ctx context.Context, channelID string) (watermark string, found bool, err error) {
	defer func(start time.Time) { observe("get_watermark", start, err) }(time.Now())

	var row channelRow
	err = s.db.WithContext(ctx).Select("last_message_id").Where("channel_id = ?", channelID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read watermark for %s: %w", channelID, err)
	}
	if row.LastMessageID == nil || *row.LastMessageID == "" {
		return "", false, nil
	}
	return *row.LastMessageID, true, nil
}

func (s *SQLiteStore) SetWatermark(ctx context.Context, channelID, messageID string) (advanced bool, err error) {
	defer func(start time.Time) { observe("set_watermark", start, err) }(time.Now())

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row channelRow
		err := tx.Select("last_message_id").Where("channel_id = ?", channelID).Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ErrUnknownChannel, channelID)
		}
		if err != nil {
			return fmt.Errorf("failed to read watermark for %s: %w", channelID, err)
		}

		current := ""
		if row.LastMessageID != nil {
			current = *row.LastMessageID
		}
		if !IsNewer(messageID, current) {
			return nil
		}

		if err := tx.Model(&channelRow{}).Where("channel_id = ?", channelID).Update("last_message_id", messageID).Error; err != nil {
			return fmt.Errorf("failed to update watermark for %s: %w", channelID, err)
		}
		advanced = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return advanced, nil
}

// ListMessages returns the archived messages of a channel, oldest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, channelID string) ([]Message, error) {
	var rows []messageRow
	if err := s.db.WithContext(ctx).Where("channel_id = ?", channelID).Order("created_at ASC, message_id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	messages := make([]Message, 0, len(rows))
	for _, row := range rows {
		attachments, err := decodeAttachments(row.Attachments)
		if err != nil {
			return nil, fmt.Errorf("message %s: %w", row.MessageID, err)
		}
		messages = append(messages, Message{
			ID:          row.MessageID,
			ChannelID:   row.ChannelID,
			AuthorID:    row.AuthorID,
			Content:     row.Content,
			Attachments: attachments,
			CreatedAt:   row.CreatedAt,
		})
	}
	return messages, nil
}

// CountRows returns the number of rows in the workspaces, channels and messages tables.
func (s *SQLiteStore) CountRows(ctx context.Context) (workspaces, channels, messages int64, err error) {
	db := s.db.WithContext(ctx)
	if err = db.Model(&workspaceRow{}).Count(&workspaces).Error; err != nil {
		return
	}
	if err = db.Model(&channelRow{}).Count(&channels).Error; err != nil {
		return
	}
	err = db.Model(&messageRow{}).Count(&messages).Error
	return
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
