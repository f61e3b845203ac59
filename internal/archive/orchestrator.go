package archive

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"chatvault/internal/logging"
	"chatvault/internal/metrics"
	"chatvault/internal/storage"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultConcurrency  = 3
	DefaultInitialLimit = 1000
)

// Platform is the chat platform seen from the sync engine.
type Platform interface {
	HistorySource
	Workspace(ctx context.Context, workspaceID string) (storage.Workspace, error)
	// ListChannels returns the channels of the workspace the bot can read.
	ListChannels(ctx context.Context, workspaceID string) ([]storage.Channel, error)
}

// OrchestratorConfig tunes a sync run. Zero values pick the defaults.
type OrchestratorConfig struct {
	Concurrency int
	// InitialLimit bounds the first fetch of a channel without a watermark.
	// Negative means unbounded.
	InitialLimit int
	Fetcher      FetcherConfig
}

// Orchestrator runs one sync of a workspace: every readable channel goes
// through watermark read, fetch, reconcile, write and watermark advance.
type Orchestrator struct {
	platform     Platform
	store        storage.Store
	fetcher      *Fetcher
	writer       *Writer
	concurrency  int
	initialLimit int
}

func NewOrchestrator(platform Platform, store storage.Store, cfg OrchestratorConfig) *Orchestrator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	switch {
	case cfg.InitialLimit == 0:
		cfg.InitialLimit = DefaultInitialLimit
	case cfg.InitialLimit < 0:
		cfg.InitialLimit = Unbounded
	}
	return &Orchestrator{
		platform:     platform,
		store:        store,
		fetcher:      NewFetcher(platform, cfg.Fetcher),
		writer:       NewWriter(store),
		concurrency:  cfg.Concurrency,
		initialLimit: cfg.InitialLimit,
	}
}

// ChannelOutcome is the result of one channel pipeline.
type ChannelOutcome struct {
	Channel           storage.Channel
	Fetched           int
	Inserted          int
	Duplicates        int
	WatermarkAdvanced bool
	Err               *ChannelError
}

// Run syncs every channel of the workspace. Channel failures are isolated
// and reported; only a failure to resolve the workspace or enumerate its
// channels fails the run.
func (o *Orchestrator) Run(ctx context.Context, workspaceID string) (*Report, error) {
	start := time.Now()
	runID := uuid.New().String()
	logger := logging.RunLogger(ctx, runID, workspaceID)
	ctx = logging.ContextWithLogger(ctx, logger)

	metrics.SyncRunsInFlight.Inc()
	defer metrics.SyncRunsInFlight.Dec()

	ws, err := o.platform.Workspace(ctx, workspaceID)
	if err != nil {
		metrics.SyncRuns.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to resolve workspace %s: %w", workspaceID, err)
	}
	channels, err := o.platform.ListChannels(ctx, workspaceID)
	if err != nil {
		metrics.SyncRuns.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to list channels of %s: %w", workspaceID, err)
	}
	channels = uniqueChannels(channels)

	logger.Info("Starting sync run",
		"workspace_name", ws.Name,
		"channels", len(channels),
		"concurrency", o.concurrency)

	report := &Report{RunID: runID, Workspace: ws}
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(o.concurrency)

	for _, ch := range channels {
		if ch.WorkspaceID == "" {
			ch.WorkspaceID = ws.ID
		}
		g.Go(func() error {
			outcome := o.syncChannel(ctx, ws, ch)
			mu.Lock()
			report.add(outcome)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	report.Duration = time.Since(start)
	metrics.SyncRunDuration.Observe(report.Duration.Seconds())
	if report.Degraded() {
		metrics.SyncRuns.WithLabelValues("degraded").Inc()
	} else {
		metrics.SyncRuns.WithLabelValues("success").Inc()
	}

	logger.Info("Sync run complete",
		"archived", report.Archived,
		"duplicates", report.Duplicates,
		"watermarks_advanced", report.WatermarksAdvanced,
		"channels_scanned", report.ChannelsScanned,
		"channels_failed", len(report.Failures),
		"duration", report.Duration)

	return report, nil
}

func (o *Orchestrator) syncChannel(ctx context.Context, ws storage.Workspace, ch storage.Channel) ChannelOutcome {
	logger := logging.LoggerFromContext(ctx).With("channel_id", ch.ID, "channel_name", ch.Name)
	ctx = logging.ContextWithLogger(ctx, logger)
	outcome := ChannelOutcome{Channel: ch}

	fail := func(stage Stage, err error) ChannelOutcome {
		logger.Error("Channel sync failed", "stage", stage, "error", err,
			"inserted", outcome.Inserted)
		metrics.ChannelSyncs.WithLabelValues("error").Inc()
		outcome.Err = &ChannelError{ChannelID: ch.ID, ChannelName: ch.Name, Stage: stage, Err: err}
		return outcome
	}

	after, found, err := o.store.GetWatermark(ctx, ch.ID)
	if err != nil {
		return fail(StageWatermarkRead, err)
	}
	limit := Unbounded
	if !found {
		limit = o.initialLimit
	}

	result, fetchErr := o.fetcher.Fetch(ctx, ch.ID, after, limit)
	outcome.Fetched = len(result.Messages)

	records := make([]Fetched, 0, len(result.Messages))
	for _, msg := range result.Messages {
		msg.ChannelID = ch.ID
		records = append(records, Fetched{Message: msg, Channel: ch, Workspace: ws})
	}
	batch := Reconcile(records)

	written := o.writer.Write(ctx, batch)
	outcome.Inserted = written.Inserted
	outcome.Duplicates = written.Duplicates

	// Partial fetches and failed rows keep the old watermark so the next
	// run fetches the gap again.
	if fetchErr != nil {
		return fail(StageFetch, fetchErr)
	}
	if written.Failed > 0 {
		return fail(StageWrite, fmt.Errorf("%d of %d messages not stored: %w",
			written.Failed, len(batch.Messages), errors.Join(written.Errors...)))
	}

	_, errs := o.writer.AdvanceWatermarks(ctx, batch.Newest)
	if err := errs[ch.ID]; err != nil {
		return fail(StageWatermarkWrite, err)
	}
	if newest, ok := batch.Newest[ch.ID]; ok {
		outcome.WatermarkAdvanced = storage.IsNewer(newest.ID, after)
	}

	metrics.ChannelSyncs.WithLabelValues("success").Inc()
	logger.Info("Channel synced",
		"after", after,
		"pages", result.Pages,
		"fetched", outcome.Fetched,
		"dropped", result.Dropped,
		"inserted", outcome.Inserted,
		"duplicates", outcome.Duplicates)
	return outcome
}

// uniqueChannels keeps the first occurrence of each channel ID so no two
// pipelines of one run target the same channel.
func uniqueChannels(channels []storage.Channel) []storage.Channel {
	seen := make(map[string]bool, len(channels))
	unique := make([]storage.Channel, 0, len(channels))
	for _, ch := range channels {
		if ch.ID == "" || seen[ch.ID] {
			continue
		}
		seen[ch.ID] = true
		unique = append(unique, ch)
	}
	return unique
}
