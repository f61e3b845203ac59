package slack

import (
	"context"
	"strings"

	"chatvault/internal/logging"
	"chatvault/internal/metrics"

	"github.com/slack-go/slack/slackevents"
)

// Submitter starts a sync run in the background.
type Submitter interface {
	Submit(workspaceID, replyChannelID string) bool
}

// TriggerHandler turns backup commands posted in Slack into sync runs.
type TriggerHandler struct {
	trigger   string
	botUserID string
	submitter Submitter
}

func NewTriggerHandler(trigger, botUserID string, submitter Submitter) *TriggerHandler {
	return &TriggerHandler{
		trigger:   strings.TrimSpace(trigger),
		botUserID: botUserID,
		submitter: submitter,
	}
}

// HandleEvent reacts to callback events. It never blocks on the sync run.
func (h *TriggerHandler) HandleEvent(ctx context.Context, event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	msg, ok := event.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok || !h.isTrigger(msg) {
		return
	}

	logger := logging.LoggerFromContext(ctx).With("team_id", event.TeamID, "channel_id", msg.Channel, "user_id", msg.User)
	if !h.submitter.Submit(event.TeamID, msg.Channel) {
		logger.Warn("Backup command rejected, runner is shutting down")
		metrics.TriggersReceived.WithLabelValues("slack", "rejected").Inc()
		return
	}
	logger.Info("Backup command received")
	metrics.TriggersReceived.WithLabelValues("slack", "accepted").Inc()
}

func (h *TriggerHandler) isTrigger(msg *slackevents.MessageEvent) bool {
	// Edits, joins and other subtypes never carry a fresh command.
	if msg.SubType != "" || msg.BotID != "" {
		return false
	}
	if h.botUserID != "" && msg.User == h.botUserID {
		return false
	}
	return h.trigger != "" && strings.TrimSpace(msg.Text) == h.trigger
}
