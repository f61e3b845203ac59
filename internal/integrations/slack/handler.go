package slack

import (
	"encoding/json"
	"io"
	"net/http"

	"chatvault/internal/logging"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
)

const maxEventBodyBytes = 1 << 20

// EventsHandler serves the Events API request URL.
type EventsHandler struct {
	signingSecret string
	triggers      *TriggerHandler
}

func NewEventsHandler(signingSecret string, triggers *TriggerHandler) *EventsHandler {
	return &EventsHandler{signingSecret: signingSecret, triggers: triggers}
}

// ServeHTTP verifies the request signature, answers url_verification and
// acknowledges callback events before any sync work starts.
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := logging.LoggerFromContext(r.Context())

	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBodyBytes))
	if err != nil {
		logger.Error("Failed to read Slack event body", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	verifier, err := slack.NewSecretsVerifier(r.Header, h.signingSecret)
	if err != nil {
		logger.Warn("Rejected Slack event without valid signature headers", "error", err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if _, err := verifier.Write(body); err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if err := verifier.Ensure(); err != nil {
		logger.Warn("Rejected Slack event with bad signature", "error", err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	event, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		logger.Error("Failed to parse Slack event", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	switch event.Type {
	case slackevents.URLVerification:
		var challenge slackevents.ChallengeResponse
		if err := json.Unmarshal(body, &challenge); err != nil {
			http.Error(w, "Bad request", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(challenge.Challenge))
		return

	case slackevents.CallbackEvent:
		// Slack redelivers events it thinks timed out; the first delivery
		// was already acknowledged.
		if retry := r.Header.Get("X-Slack-Retry-Num"); retry != "" {
			logger.Debug("Ignoring Slack event redelivery", "retry_num", retry, "reason", r.Header.Get("X-Slack-Retry-Reason"))
			w.WriteHeader(http.StatusOK)
			return
		}
		h.triggers.HandleEvent(r.Context(), event)
	}

	w.WriteHeader(http.StatusOK)
}
