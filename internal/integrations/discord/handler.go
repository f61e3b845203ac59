package discord

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"chatvault/internal/metrics"

	"github.com/bwmarrin/discordgo"
)

const MessageGuildOnly = "This command must be run in a guild."

// Submitter starts a sync run in the background.
type Submitter interface {
	Submit(workspaceID, replyChannelID string) bool
}

// Replier posts a plain text message to a channel.
type Replier interface {
	Reply(ctx context.Context, channelID, text string) error
}

// TriggerHandler turns backup commands posted in Discord into sync runs.
type TriggerHandler struct {
	trigger   string
	submitter Submitter
	replier   Replier
}

func NewTriggerHandler(trigger string, submitter Submitter, replier Replier) *TriggerHandler {
	return &TriggerHandler{
		trigger:   strings.TrimSpace(trigger),
		submitter: submitter,
		replier:   replier,
	}
}

// OnMessageCreate is registered with Session.AddHandler.
func (h *TriggerHandler) OnMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	selfID := ""
	if s != nil && s.State != nil && s.State.User != nil {
		selfID = s.State.User.ID
	}
	h.handleMessage(m.Message, selfID)
}

func (h *TriggerHandler) handleMessage(msg *discordgo.Message, selfID string) {
	if msg == nil || msg.Author == nil || msg.Author.Bot || msg.Author.ID == selfID {
		return
	}
	if h.trigger == "" || strings.TrimSpace(msg.Content) != h.trigger {
		return
	}

	logger := slog.Default().With("guild_id", msg.GuildID, "channel_id", msg.ChannelID, "user_id", msg.Author.ID)

	if msg.GuildID == "" {
		logger.Info("Backup command outside a guild")
		metrics.TriggersReceived.WithLabelValues("discord", "rejected").Inc()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := h.replier.Reply(ctx, msg.ChannelID, MessageGuildOnly); err != nil {
			logger.Error("Failed to reply to backup command", "error", err)
		}
		return
	}

	if !h.submitter.Submit(msg.GuildID, msg.ChannelID) {
		logger.Warn("Backup command rejected, runner is shutting down")
		metrics.TriggersReceived.WithLabelValues("discord", "rejected").Inc()
		return
	}
	logger.Info("Backup command received")
	metrics.TriggersReceived.WithLabelValues("discord", "accepted").Inc()
}
