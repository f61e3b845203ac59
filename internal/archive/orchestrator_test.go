package archive

import (
	"context"
	"errors"
	"testing"
	"time"

	"chatvault/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunArchivesOnlyNewMessages(t *testing.T) {
	store := newTestStore(t)
	platform := newFakePlatform("C1")
	platform.add("C1", 1, 10)
	o := NewOrchestrator(platform, store, OrchestratorConfig{})
	ctx := context.Background()

	report, err := o.Run(ctx, "W1")
	require.NoError(t, err)
	assert.Equal(t, 10, report.Archived)
	assert.Equal(t, 1, report.ChannelsScanned)
	assert.Equal(t, 1, report.WatermarksAdvanced)
	assert.Equal(t, "Backed up 10 more messages when scanning 1 channels.", report.Summary())
	assert.NotEmpty(t, report.RunID)

	report, err = o.Run(ctx, "W1")
	require.NoError(t, err)
	assert.Zero(t, report.Archived)
	assert.Zero(t, report.WatermarksAdvanced)
	assert.Equal(t, "No messages found in any channels.", report.Summary())

	calls := platform.callsFor("C1")
	assert.Equal(t, "10", calls[len(calls)-1].After)

	watermark, found, err := store.GetWatermark(ctx, "C1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "10", watermark)

	platform.add("C1", 11, 12)
	report, err = o.Run(ctx, "W1")
	require.NoError(t, err)
	assert.Equal(t, 2, report.Archived)

	messages, err := store.ListMessages(ctx, "C1")
	require.NoError(t, err)
	assert.Len(t, messages, 12)
}

func TestRunBoundsFirstFetchOfChannel(t *testing.T) {
	store := newTestStore(t)
	platform := newFakePlatform("C1")
	platform.add("C1", 1, 1500)
	o := NewOrchestrator(platform, store, OrchestratorConfig{})
	ctx := context.Background()

	report, err := o.Run(ctx, "W1")
	require.NoError(t, err)
	assert.Equal(t, DefaultInitialLimit, report.Archived)

	messages, err := store.ListMessages(ctx, "C1")
	require.NoError(t, err)
	require.Len(t, messages, DefaultInitialLimit)
	assert.Equal(t, "501", messages[0].ID)
	assert.Equal(t, "1500", messages[len(messages)-1].ID)

	watermark, _, err := store.GetWatermark(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, "1500", watermark)
}

func TestRunUnboundedFirstFetch(t *testing.T) {
	store := newTestStore(t)
	platform := newFakePlatform("C1")
	platform.add("C1", 1, 1500)
	o := NewOrchestrator(platform, store, OrchestratorConfig{InitialLimit: -1})

	report, err := o.Run(context.Background(), "W1")
	require.NoError(t, err)
	assert.Equal(t, 1500, report.Archived)
}

func TestRunIsolatesChannelFailures(t *testing.T) {
	store := newTestStore(t)
	platform := newFakePlatform("C1", "C2", "C3")
	platform.add("C1", 1, 5)
	platform.add("C2", 100, 349)
	platform.add("C3", 1000, 1006)
	platform.failPage["C2"] = 2
	o := NewOrchestrator(platform, store, OrchestratorConfig{})
	ctx := context.Background()

	report, err := o.Run(ctx, "W1")
	require.NoError(t, err)

	assert.Equal(t, 5+100+7, report.Archived)
	assert.Equal(t, 2, report.ChannelsScanned)
	assert.True(t, report.Degraded())
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "C2", report.Failures[0].ChannelID)
	assert.Equal(t, StageFetch, report.Failures[0].Stage)
	assert.ErrorIs(t, report.Failures[0], errUpstream)
	assert.Equal(t,
		"Backed up 112 more messages when scanning 2 channels. 1 channel(s) could not be backed up; see the server logs for details.",
		report.Summary())

	_, found, err := store.GetWatermark(ctx, "C2")
	require.NoError(t, err)
	assert.False(t, found, "partial fetch must not move the watermark")

	for _, ch := range []string{"C1", "C3"} {
		_, found, err := store.GetWatermark(ctx, ch)
		require.NoError(t, err)
		assert.True(t, found, "watermark of %s", ch)
	}

	delete(platform.failPage, "C2")
	report, err = o.Run(ctx, "W1")
	require.NoError(t, err)
	assert.Equal(t, 150, report.Archived)
	assert.Equal(t, 100, report.Duplicates)
	assert.False(t, report.Degraded())
}

func TestRunKeepsWatermarkWhenRowsFail(t *testing.T) {
	store := &failingStore{Store: newTestStore(t), failMessages: map[string]bool{"3": true}}
	platform := newFakePlatform("C1")
	platform.add("C1", 1, 5)
	o := NewOrchestrator(platform, store, OrchestratorConfig{})
	ctx := context.Background()

	report, err := o.Run(ctx, "W1")
	require.NoError(t, err)
	assert.Equal(t, 4, report.Archived)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, StageWrite, report.Failures[0].Stage)

	assert.Zero(t, report.WatermarksAdvanced)

	_, found, err := store.GetWatermark(ctx, "C1")
	require.NoError(t, err)
	assert.False(t, found)

	delete(store.failMessages, "3")
	report, err = o.Run(ctx, "W1")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Archived)
	assert.Equal(t, 4, report.Duplicates)
}

func TestRunReportsWatermarkWriteFailure(t *testing.T) {
	store := &failingStore{Store: newTestStore(t), failWatermark: true}
	platform := newFakePlatform("C1")
	platform.add("C1", 1, 3)

	report, err := NewOrchestrator(platform, store, OrchestratorConfig{}).Run(context.Background(), "W1")
	require.NoError(t, err)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, StageWatermarkWrite, report.Failures[0].Stage)
	assert.Equal(t, 3, report.Archived)
}

func TestRunFailsWhenChannelsCannotBeListed(t *testing.T) {
	platform := newFakePlatform("C1")
	platform.listErr = errors.New("missing scope")

	report, err := NewOrchestrator(platform, newTestStore(t), OrchestratorConfig{}).Run(context.Background(), "W1")
	require.Error(t, err)
	assert.Nil(t, report)
}

func TestRunFailsForUnknownWorkspace(t *testing.T) {
	platform := newFakePlatform("C1")

	_, err := NewOrchestrator(platform, newTestStore(t), OrchestratorConfig{}).Run(context.Background(), "W404")
	assert.Error(t, err)
}

func TestRunSyncsEachChannelOnce(t *testing.T) {
	store := newTestStore(t)
	platform := newFakePlatform("C1", "C1", "C2")
	platform.add("C1", 1, 3)
	platform.add("C2", 10, 11)

	report, err := NewOrchestrator(platform, store, OrchestratorConfig{}).Run(context.Background(), "W1")
	require.NoError(t, err)
	assert.Equal(t, 2, report.ChannelsScanned)
	assert.Equal(t, 5, report.Archived)
	assert.Len(t, platform.callsFor("C1"), 1)
}

func TestRunArchivesSameIDInEveryChannel(t *testing.T) {
	store := newTestStore(t)
	platform := newFakePlatform("C1", "C2")
	for _, ch := range platform.channels {
		platform.history[ch.ID] = []storage.Message{{
			ID:        "1700000000.000100",
			ChannelID: ch.ID,
			AuthorID:  "U1",
			Content:   "hello from " + ch.ID,
			CreatedAt: 1700000000000,
		}}
	}
	o := NewOrchestrator(platform, store, OrchestratorConfig{})
	ctx := context.Background()

	report, err := o.Run(ctx, "W1")
	require.NoError(t, err)
	assert.Equal(t, 2, report.Archived)
	assert.Zero(t, report.Duplicates)
	assert.Equal(t, "Backed up 2 more messages when scanning 2 channels.", report.Summary())
	assert.Equal(t, 2, report.WatermarksAdvanced)

	for _, ch := range platform.channels {
		messages, err := store.ListMessages(ctx, ch.ID)
		require.NoError(t, err)
		require.Len(t, messages, 1, ch.ID)
		assert.Equal(t, "hello from "+ch.ID, messages[0].Content)
	}

	report, err = o.Run(ctx, "W1")
	require.NoError(t, err)
	assert.Zero(t, report.Archived)
}

func TestRunBoundsConcurrency(t *testing.T) {
	store := newTestStore(t)
	platform := newFakePlatform("C1", "C2", "C3", "C4", "C5", "C6")
	platform.delay = 20 * time.Millisecond
	for _, ch := range platform.channels {
		platform.add(ch.ID, 1, 2)
	}

	report, err := NewOrchestrator(platform, store, OrchestratorConfig{Concurrency: 2}).Run(context.Background(), "W1")
	require.NoError(t, err)
	assert.Equal(t, 6, report.ChannelsScanned)
	assert.LessOrEqual(t, platform.maxInFlight, 2)
}

func TestRunEmptyWorkspace(t *testing.T) {
	report, err := NewOrchestrator(newFakePlatform(), newTestStore(t), OrchestratorConfig{}).Run(context.Background(), "W1")
	require.NoError(t, err)
	assert.Zero(t, report.ChannelsScanned)
	assert.Equal(t, "No messages found in any channels.", report.Summary())
}

func TestReportSummary(t *testing.T) {
	failure := &ChannelError{ChannelID: "C2", Stage: StageFetch, Err: errUpstream}

	tests := []struct {
		name   string
		report Report
		want   string
	}{
		{
			name:   "archived",
			report: Report{Archived: 42, ChannelsScanned: 3},
			want:   "Backed up 42 more messages when scanning 3 channels.",
		},
		{
			name:   "nothing new",
			report: Report{ChannelsScanned: 3},
			want:   "No messages found in any channels.",
		},
		{
			name:   "nothing new with failures",
			report: Report{ChannelsScanned: 2, Failures: []*ChannelError{failure}},
			want:   "No new messages were backed up. 1 channel(s) could not be backed up; see the server logs for details.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.report.Summary())
		})
	}
}

func TestUniqueChannels(t *testing.T) {
	channels := uniqueChannels([]storage.Channel{{ID: "C1", Name: "first"}, {ID: ""}, {ID: "C1", Name: "second"}, {ID: "C2"}})
	require.Len(t, channels, 2)
	assert.Equal(t, "first", channels[0].Name)
}
