package slack

import (
	"context"
	"log/slog"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

// SocketListener receives events over Socket Mode instead of a public
// request URL. The Slack client must carry an app-level token.
type SocketListener struct {
	socketMode *socketmode.Client
	triggers   *TriggerHandler
}

func NewSocketListener(api *slack.Client, triggers *TriggerHandler) *SocketListener {
	return &SocketListener{
		socketMode: socketmode.New(api),
		triggers:   triggers,
	}
}

// Run blocks until ctx is cancelled or the connection fails for good.
func (l *SocketListener) Run(ctx context.Context) error {
	go l.handleEvents(ctx)
	return l.socketMode.RunContext(ctx)
}

func (l *SocketListener) handleEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-l.socketMode.Events:
			if !ok {
				return
			}
			switch evt.Type {
			case socketmode.EventTypeConnecting:
				slog.Info("Connecting to Slack with Socket Mode")
			case socketmode.EventTypeConnected:
				slog.Info("Connected to Slack with Socket Mode")
			case socketmode.EventTypeConnectionError:
				slog.Warn("Socket Mode connection failed, retrying")
			case socketmode.EventTypeEventsAPI:
				event, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					slog.Debug("Ignored Socket Mode event", "type", evt.Type)
					continue
				}
				if evt.Request != nil {
					l.socketMode.Ack(*evt.Request)
				}
				l.triggers.HandleEvent(ctx, event)
			}
		}
	}
}
