package archive

import (
	"context"
	"fmt"

	"chatvault/internal/logging"
	"chatvault/internal/metrics"
	"chatvault/internal/storage"
)

// WriteResult counts the outcome of one Write.
type WriteResult struct {
	Inserted   int
	Duplicates int
	Failed     int
	Errors     []error
}

// Writer applies a Batch to the store and advances watermarks.
type Writer struct {
	store storage.Store
}

func NewWriter(store storage.Store) *Writer {
	return &Writer{store: store}
}

// Write inserts workspaces, then channels, then messages. Every row is
// independent: a failed row is logged and counted, and the rest continue.
// Rows that depend on a failed parent are counted as failed without being
// attempted. Cancellation of ctx does not interrupt a write in progress.
func (w *Writer) Write(ctx context.Context, batch Batch) WriteResult {
	ctx = context.WithoutCancel(ctx)
	logger := logging.LoggerFromContext(ctx)
	var result WriteResult

	failedWorkspaces := make(map[string]error)
	for _, ws := range batch.Workspaces {
		if _, err := w.store.InsertWorkspace(ctx, ws); err != nil {
			logger.Error("Failed to store workspace", "error", err, "workspace_id", ws.ID)
			failedWorkspaces[ws.ID] = err
			result.Errors = append(result.Errors, err)
		}
	}

	knownChannels := make(map[string]bool, len(batch.Channels))
	failedChannels := make(map[string]error)
	for _, ch := range batch.Channels {
		knownChannels[ch.ID] = true
		if err, failed := failedWorkspaces[ch.WorkspaceID]; failed {
			failedChannels[ch.ID] = fmt.Errorf("workspace %s not stored: %w", ch.WorkspaceID, err)
			continue
		}
		if _, err := w.store.InsertChannel(ctx, ch); err != nil {
			logger.Error("Failed to store channel", "error", err, "channel_id", ch.ID)
			failedChannels[ch.ID] = err
			result.Errors = append(result.Errors, err)
		}
	}

	for _, msg := range batch.Messages {
		if !knownChannels[msg.ChannelID] {
			err := fmt.Errorf("%w: message %s, channel %s", ErrOrphanMessage, msg.ID, msg.ChannelID)
			logger.Error("Refusing to store message", "error", err, "message_id", msg.ID)
			result.Failed++
			result.Errors = append(result.Errors, err)
			continue
		}
		// The parent failure is already in result.Errors.
		if err, failed := failedChannels[msg.ChannelID]; failed {
			logger.Debug("Skipping message of unstored channel", "message_id", msg.ID, "channel_id", msg.ChannelID, "cause", err)
			result.Failed++
			continue
		}

		inserted, err := w.store.InsertMessage(ctx, msg)
		if err != nil {
			logger.Error("Failed to store message", "error", err, "message_id", msg.ID, "channel_id", msg.ChannelID)
			result.Failed++
			result.Errors = append(result.Errors, err)
			continue
		}
		if inserted {
			result.Inserted++
		} else {
			result.Duplicates++
		}
	}

	metrics.MessagesArchived.Add(float64(result.Inserted))
	metrics.MessagesWriteFailed.Add(float64(result.Failed))
	return result
}

// AdvanceWatermarks moves each channel's watermark forward to its newest
// stored message. It returns the number of watermarks that moved and the
// errors keyed by channel ID.
func (w *Writer) AdvanceWatermarks(ctx context.Context, newest map[string]storage.Message) (int, map[string]error) {
	ctx = context.WithoutCancel(ctx)
	logger := logging.LoggerFromContext(ctx)
	advancedCount := 0
	errs := make(map[string]error)

	for channelID, msg := range newest {
		advanced, err := w.store.SetWatermark(ctx, channelID, msg.ID)
		switch {
		case err != nil:
			logger.Error("Failed to advance watermark", "error", err, "channel_id", channelID, "message_id", msg.ID)
			metrics.WatermarkAdvances.WithLabelValues("error").Inc()
			errs[channelID] = err
		case advanced:
			logger.Debug("Watermark advanced", "channel_id", channelID, "message_id", msg.ID)
			metrics.WatermarkAdvances.WithLabelValues("advanced").Inc()
			advancedCount++
		default:
			logger.Debug("Watermark already ahead, skipping", "channel_id", channelID, "message_id", msg.ID)
			metrics.WatermarkAdvances.WithLabelValues("skipped").Inc()
		}
	}

	return advancedCount, errs
}
