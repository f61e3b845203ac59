package discord

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chatvault/internal/archive"
	"chatvault/internal/storage"

	"github.com/bwmarrin/discordgo"
)

// Intents needed to see guilds and read command messages. MessageContent is
// privileged and has to be enabled for the application.
const Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages | discordgo.IntentMessageContent

// Client adapts a Discord bot session to the sync engine.
type Client struct {
	session *discordgo.Session
}

func NewClient(token string) (*Client, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	session.Identify.Intents = Intents
	// Rate limits surface as errors so the fetcher's backoff applies.
	session.ShouldRetryOnRateLimit = false
	return &Client{session: session}, nil
}

// Session exposes the underlying gateway session.
func (c *Client) Session() *discordgo.Session {
	return c.session
}

func (c *Client) Open() error {
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("failed to open discord gateway: %w", err)
	}
	return nil
}

func (c *Client) Close() error {
	return c.session.Close()
}

func (c *Client) Workspace(ctx context.Context, guildID string) (storage.Workspace, error) {
	guild, err := c.session.Guild(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return storage.Workspace{}, fmt.Errorf("failed to get guild %s: %w", guildID, upstreamError(err))
	}
	return storage.Workspace{ID: guild.ID, Name: guild.Name}, nil
}

// ListChannels returns the text and announcement channels of the guild.
func (c *Client) ListChannels(ctx context.Context, guildID string) ([]storage.Channel, error) {
	channels, err := c.session.GuildChannels(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to list channels of %s: %w", guildID, upstreamError(err))
	}
	return textChannels(guildID, channels), nil
}

// HistoryPage asks Discord for messages before the cursor only, since the
// API does not combine before and after; the lower bound is applied here.
func (c *Client) HistoryPage(ctx context.Context, channelID, before, after string, limit int) ([]storage.Message, error) {
	messages, err := c.session.ChannelMessages(channelID, limit, before, "", "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to read history of %s: %w", channelID, upstreamError(err))
	}
	return convertMessages(channelID, messages, after), nil
}

func (c *Client) Reply(ctx context.Context, channelID, text string) error {
	if _, err := c.session.ChannelMessageSend(channelID, text, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("failed to send message to %s: %w", channelID, err)
	}
	return nil
}

func textChannels(guildID string, channels []*discordgo.Channel) []storage.Channel {
	var result []storage.Channel
	for _, ch := range channels {
		if ch == nil {
			continue
		}
		if ch.Type != discordgo.ChannelTypeGuildText && ch.Type != discordgo.ChannelTypeGuildNews {
			continue
		}
		result = append(result, storage.Channel{ID: ch.ID, Name: ch.Name, WorkspaceID: guildID})
	}
	return result
}

func convertMessages(channelID string, messages []*discordgo.Message, after string) []storage.Message {
	result := make([]storage.Message, 0, len(messages))
	for _, msg := range messages {
		if msg == nil {
			continue
		}
		if after != "" && !storage.IsNewer(msg.ID, after) {
			continue
		}
		result = append(result, convertMessage(channelID, msg))
	}
	return result
}

func convertMessage(channelID string, msg *discordgo.Message) storage.Message {
	author := ""
	if msg.Author != nil {
		author = msg.Author.ID
	}

	var attachments []storage.Attachment
	for _, a := range msg.Attachments {
		if a == nil {
			continue
		}
		attachments = append(attachments, storage.Attachment{
			ID:          a.ID,
			Filename:    a.Filename,
			URL:         a.URL,
			ContentType: a.ContentType,
			Size:        a.Size,
		})
	}

	createdAt := msg.Timestamp
	if createdAt.IsZero() {
		createdAt = snowflakeTime(msg.ID)
	}

	return storage.Message{
		ID:          msg.ID,
		ChannelID:   channelID,
		AuthorID:    author,
		Content:     msg.Content,
		Attachments: attachments,
		CreatedAt:   createdAt.UnixMilli(),
	}
}

// snowflakeTime reads the creation time encoded in a Discord ID.
func snowflakeTime(id string) time.Time {
	t, err := discordgo.SnowflakeTimestamp(id)
	if err != nil {
		return time.Time{}
	}
	return t
}

func upstreamError(err error) error {
	var limited *discordgo.RateLimitError
	if errors.As(err, &limited) && limited.RateLimit != nil && limited.TooManyRequests != nil {
		return &archive.RateLimitedError{RetryAfter: limited.RetryAfter, Err: err}
	}
	return err
}
