package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidRow is returned when a row fails validation at the store boundary.
	ErrInvalidRow = errors.New("invalid row")

	// ErrUnknownChannel is returned when a watermark is set on a channel that was never stored.
	ErrUnknownChannel = errors.New("unknown channel")
)

// Attachment describes a file attached to an archived message.
type Attachment struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
	Size        int    `json:"size"`
}

// Message is one archived chat message. CreatedAt is in Unix milliseconds.
// ID is only unique within its channel: Slack channels can share a ts.
type Message struct {
	ID          string       `json:"id"`
	ChannelID   string       `json:"channel_id"`
	AuthorID    string       `json:"author_id"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments"`
	CreatedAt   int64        `json:"created_at"`
}

// Channel is a conversation stream owned by exactly one workspace.
type Channel struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	WorkspaceID string `json:"workspace_id"`
}

// Workspace is a Slack workspace or a Discord guild.
type Workspace struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (m Message) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return fmt.Errorf("%w: message id is empty", ErrInvalidRow)
	}
	if strings.TrimSpace(m.ChannelID) == "" {
		return fmt.Errorf("%w: message %s has no channel", ErrInvalidRow, m.ID)
	}
	return nil
}

func (c Channel) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("%w: channel id is empty", ErrInvalidRow)
	}
	if strings.TrimSpace(c.WorkspaceID) == "" {
		return fmt.Errorf("%w: channel %s has no workspace", ErrInvalidRow, c.ID)
	}
	return nil
}

func (w Workspace) Validate() error {
	if strings.TrimSpace(w.ID) == "" {
		return fmt.Errorf("%w: workspace id is empty", ErrInvalidRow)
	}
	return nil
}

// Store persists workspaces, channels and messages with insert-if-absent
// semantics, and holds the per-channel watermark.
type Store interface {
	// InsertWorkspace reports whether a new row was written.
	InsertWorkspace(ctx context.Context, ws Workspace) (bool, error)
	InsertChannel(ctx context.Context, ch Channel) (bool, error)
	InsertMessage(ctx context.Context, msg Message) (bool, error)

	// GetWatermark returns the newest archived message ID for the channel,
	// and false when the channel has never been synced.
	GetWatermark(ctx context.Context, channelID string) (string, bool, error)

	// SetWatermark moves the watermark forward. It reports false without
	// writing when the stored watermark is not older than messageID.
	SetWatermark(ctx context.Context, channelID, messageID string) (bool, error)

	Ping(ctx context.Context) error
	Close() error
}

func encodeAttachments(attachments []Attachment) (string, error) {
	if attachments == nil {
		attachments = []Attachment{}
	}
	raw, err := json.Marshal(attachments)
	if err != nil {
		return "", fmt.Errorf("failed to encode attachments: %w", err)
	}
	return string(raw), nil
}

func decodeAttachments(raw string) ([]Attachment, error) {
	if raw == "" {
		return []Attachment{}, nil
	}
	var attachments []Attachment
	if err := json.Unmarshal([]byte(raw), &attachments); err != nil {
		return nil, fmt.Errorf("failed to decode attachments: %w", err)
	}
	return attachments, nil
}
