package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"chatvault/internal/archive"
	"chatvault/internal/logging"
	"chatvault/internal/metrics"
)

const (
	MessageAlreadyRunning = "A backup is already running for this workspace."
	MessageRunFailed      = "Backup failed; see the server logs for details."

	replyTimeout = 10 * time.Second
)

// Syncer runs one sync of a workspace.
type Syncer interface {
	Run(ctx context.Context, workspaceID string) (*archive.Report, error)
}

// Replier posts a plain text message to a channel.
type Replier interface {
	Reply(ctx context.Context, channelID, text string) error
}

// Runner executes sync runs in the background, one at a time per workspace,
// and posts the outcome back to the channel that asked for it.
type Runner struct {
	syncer  Syncer
	replier Replier
	lock    RunLock
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

func NewRunner(syncer Syncer, replier Replier, lock RunLock, timeout time.Duration) *Runner {
	if lock == nil {
		lock = NewMemoryLock()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		syncer:  syncer,
		replier: replier,
		lock:    lock,
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Submit starts a sync of workspaceID and returns immediately. It returns
// false once the runner is stopped.
func (r *Runner) Submit(workspaceID, replyChannelID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return false
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(workspaceID, replyChannelID)
	}()
	return true
}

func (r *Runner) run(workspaceID, replyChannelID string) {
	ctx := r.ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	// The orchestrator adds workspace_id and run_id itself.
	ctx = logging.ContextWithLogger(ctx, slog.Default().With("reply_channel_id", replyChannelID))
	logger := logging.LoggerFromContext(ctx).With("workspace_id", workspaceID)

	release, ok, err := r.lock.Acquire(ctx, workspaceID)
	if err != nil {
		logger.Error("Failed to acquire sync lock", "error", err)
		metrics.SyncRuns.WithLabelValues("error").Inc()
		r.reply(ctx, replyChannelID, MessageRunFailed)
		return
	}
	if !ok {
		logger.Info("Sync already running, rejecting trigger")
		metrics.SyncRuns.WithLabelValues("rejected").Inc()
		r.reply(ctx, replyChannelID, MessageAlreadyRunning)
		return
	}
	report, err := r.syncer.Run(ctx, workspaceID)
	// Released before replying so a follow-up command is never refused.
	release()
	if err != nil {
		logger.Error("Sync run failed", "error", err)
		r.reply(ctx, replyChannelID, MessageRunFailed)
		return
	}
	for _, failure := range report.Failures {
		logger.Warn("Channel not backed up",
			"run_id", report.RunID,
			"channel_id", failure.ChannelID,
			"channel_name", failure.ChannelName,
			"stage", failure.Stage,
			"error", failure.Err)
	}
	r.reply(ctx, replyChannelID, report.Summary())
}

// reply still goes out when the run was cancelled or timed out.
func (r *Runner) reply(ctx context.Context, channelID, text string) {
	if channelID == "" {
		return
	}
	replyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), replyTimeout)
	defer cancel()
	if err := r.replier.Reply(replyCtx, channelID, text); err != nil {
		logging.LoggerFromContext(ctx).Error("Failed to post sync result", "error", err, "channel_id", channelID)
	}
}

// Stop rejects new runs and waits for in-flight ones. When ctx expires
// first, in-flight runs are cancelled and Stop waits for them to unwind.
func (r *Runner) Stop(ctx context.Context) {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Sync runner stopped")
	case <-ctx.Done():
		slog.Warn("Cancelling in-flight sync runs")
		r.cancel()
		<-done
	}
	r.cancel()
}
