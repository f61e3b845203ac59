package archive

import (
	"sort"

	"chatvault/internal/storage"
)

// Fetched is an upstream message together with the channel and workspace
// it was read from.
type Fetched struct {
	Message   storage.Message
	Channel   storage.Channel
	Workspace storage.Workspace
}

// Batch is the normalized write set produced by Reconcile.
type Batch struct {
	Workspaces []storage.Workspace
	Channels   []storage.Channel
	// Messages are ordered oldest first.
	Messages []storage.Message
	// Newest holds the watermark candidate per channel ID.
	Newest map[string]storage.Message
}

func (b Batch) Empty() bool {
	return len(b.Messages) == 0 && len(b.Channels) == 0 && len(b.Workspaces) == 0
}

// Reconcile deduplicates fetched records into a write batch. Channels and
// workspaces are keyed by ID with the last seen name winning; messages are
// keyed by channel and ID and the first copy wins. It performs no I/O.
func Reconcile(records []Fetched) Batch {
	workspaces := make(map[string]storage.Workspace)
	channels := make(map[string]storage.Channel)
	messages := make(map[messageKey]storage.Message)
	newest := make(map[string]storage.Message)

	for _, rec := range records {
		msg := rec.Message
		if msg.ChannelID == "" {
			msg.ChannelID = rec.Channel.ID
		}
		ch := rec.Channel
		if ch.WorkspaceID == "" {
			ch.WorkspaceID = rec.Workspace.ID
		}

		if rec.Workspace.ID != "" {
			workspaces[rec.Workspace.ID] = rec.Workspace
		}
		if ch.ID != "" {
			channels[ch.ID] = ch
		}
		key := messageKey{channelID: msg.ChannelID, messageID: msg.ID}
		if _, seen := messages[key]; seen {
			continue
		}
		messages[key] = msg

		if current, ok := newest[msg.ChannelID]; !ok || newerThan(msg, current) {
			newest[msg.ChannelID] = msg
		}
	}

	batch := Batch{
		Workspaces: make([]storage.Workspace, 0, len(workspaces)),
		Channels:   make([]storage.Channel, 0, len(channels)),
		Messages:   make([]storage.Message, 0, len(messages)),
		Newest:     newest,
	}
	for _, ws := range workspaces {
		batch.Workspaces = append(batch.Workspaces, ws)
	}
	for _, ch := range channels {
		batch.Channels = append(batch.Channels, ch)
	}
	for _, msg := range messages {
		batch.Messages = append(batch.Messages, msg)
	}

	sort.Slice(batch.Workspaces, func(i, j int) bool { return batch.Workspaces[i].ID < batch.Workspaces[j].ID })
	sort.Slice(batch.Channels, func(i, j int) bool { return batch.Channels[i].ID < batch.Channels[j].ID })
	sort.Slice(batch.Messages, func(i, j int) bool {
		a, b := batch.Messages[i], batch.Messages[j]
		if a.CreatedAt == b.CreatedAt && a.ID == b.ID {
			return a.ChannelID < b.ChannelID
		}
		return newerThan(b, a)
	})

	return batch
}

type messageKey struct {
	channelID string
	messageID string
}

// newerThan orders by creation time, then by ID.
func newerThan(a, b storage.Message) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt > b.CreatedAt
	}
	return storage.CompareIDs(a.ID, b.ID) > 0
}
