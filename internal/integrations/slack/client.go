package slack

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"chatvault/internal/archive"
	"chatvault/internal/storage"

	"github.com/slack-go/slack"
)

const channelPageSize = 200

// Client adapts the Slack Web API to the sync engine.
type Client struct {
	api *slack.Client
}

func NewClient(botToken string, options ...slack.Option) *Client {
	return &Client{api: slack.New(botToken, options...)}
}

// API exposes the underlying Slack client.
func (c *Client) API() *slack.Client {
	return c.api
}

// Workspace resolves the team the bot token belongs to.
func (c *Client) Workspace(ctx context.Context, workspaceID string) (storage.Workspace, error) {
	team, err := c.api.GetTeamInfoContext(ctx)
	if err != nil {
		return storage.Workspace{}, fmt.Errorf("failed to get team info: %w", upstreamError(err))
	}
	if workspaceID != "" && team.ID != workspaceID {
		return storage.Workspace{}, fmt.Errorf("bot token belongs to team %s, not %s", team.ID, workspaceID)
	}
	return storage.Workspace{ID: team.ID, Name: team.Name}, nil
}

// ListChannels returns the public, unarchived channels the bot is a member of.
func (c *Client) ListChannels(ctx context.Context, workspaceID string) ([]storage.Channel, error) {
	var channels []storage.Channel
	cursor := ""
	for {
		page, next, err := c.api.GetConversationsContext(ctx, &slack.GetConversationsParameters{
			Cursor:          cursor,
			ExcludeArchived: true,
			Limit:           channelPageSize,
			Types:           []string{"public_channel"},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list conversations: %w", upstreamError(err))
		}
		for _, ch := range page {
			if !ch.IsMember || ch.IsArchived {
				continue
			}
			channels = append(channels, storage.Channel{ID: ch.ID, Name: ch.Name, WorkspaceID: workspaceID})
		}
		if next == "" {
			return channels, nil
		}
		cursor = next
	}
}

// HistoryPage reads up to limit messages of conversations.history. Slack's
// latest and oldest bounds are exclusive unless inclusive is set. Slack may
// return a short response with has_more set, so requests continue from the
// oldest ts seen until limit is reached or has_more is false.
func (c *Client) HistoryPage(ctx context.Context, channelID, before, after string, limit int) ([]storage.Message, error) {
	var messages []storage.Message
	latest := before
	for {
		resp, err := c.api.GetConversationHistoryContext(ctx, &slack.GetConversationHistoryParameters{
			ChannelID: channelID,
			Latest:    latest,
			Oldest:    after,
			Inclusive: false,
			Limit:     limit - len(messages),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to read history of %s: %w", channelID, upstreamError(err))
		}

		oldest := ""
		for _, msg := range resp.Messages {
			converted, err := convertMessage(channelID, msg)
			if err != nil {
				return nil, err
			}
			messages = append(messages, converted)
			if oldest == "" || storage.CompareIDs(converted.ID, oldest) < 0 {
				oldest = converted.ID
			}
		}

		if !resp.HasMore || len(messages) >= limit || oldest == "" || oldest == latest {
			return messages, nil
		}
		latest = oldest
	}
}

// Reply posts text to a channel as the bot.
func (c *Client) Reply(ctx context.Context, channelID, text string) error {
	_, _, err := c.api.PostMessageContext(ctx, channelID, slack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("failed to post message to %s: %w", channelID, err)
	}
	return nil
}

func convertMessage(channelID string, msg slack.Message) (storage.Message, error) {
	createdAt, err := parseSlackTimestamp(msg.Timestamp)
	if err != nil {
		return storage.Message{}, fmt.Errorf("message in %s: %w", channelID, err)
	}

	author := msg.User
	if author == "" {
		author = msg.BotID
	}

	var attachments []storage.Attachment
	for _, f := range msg.Files {
		attachments = append(attachments, storage.Attachment{
			ID:          f.ID,
			Filename:    f.Name,
			URL:         f.URLPrivate,
			ContentType: f.Mimetype,
			Size:        f.Size,
		})
	}

	return storage.Message{
		ID:          msg.Timestamp,
		ChannelID:   channelID,
		AuthorID:    author,
		Content:     msg.Text,
		Attachments: attachments,
		CreatedAt:   createdAt,
	}, nil
}

// parseSlackTimestamp converts a message ts ("1700000000.000100") to Unix
// milliseconds.
func parseSlackTimestamp(ts string) (int64, error) {
	secPart, fracPart, _ := strings.Cut(ts, ".")
	seconds, err := strconv.ParseInt(secPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid message timestamp %q: %w", ts, err)
	}

	millis := int64(0)
	if fracPart != "" {
		fracPart = (fracPart + "000")[:3]
		if millis, err = strconv.ParseInt(fracPart, 10, 64); err != nil {
			return 0, fmt.Errorf("invalid message timestamp %q: %w", ts, err)
		}
	}
	return seconds*1000 + millis, nil
}

func upstreamError(err error) error {
	var limited *slack.RateLimitedError
	if errors.As(err, &limited) {
		return &archive.RateLimitedError{RetryAfter: limited.RetryAfter, Err: err}
	}
	return err
}

// BotUserID returns the user ID of the bot token.
func (c *Client) BotUserID(ctx context.Context) (string, error) {
	auth, err := c.api.AuthTestContext(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to authenticate bot token: %w", err)
	}
	return auth.UserID, nil
}
