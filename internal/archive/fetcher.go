package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chatvault/internal/logging"
	"chatvault/internal/metrics"
	"chatvault/internal/storage"

	"golang.org/x/time/rate"
)

const (
	// PageSize is the largest page the chat platforms serve for history.
	PageSize = 100

	// Unbounded disables the fetch limit.
	Unbounded = 0

	defaultMaxRetries = 3
)

// HistorySource serves one page of channel history, newest first, with
// both bounds exclusive. An empty bound is open.
type HistorySource interface {
	HistoryPage(ctx context.Context, channelID, before, after string, limit int) ([]storage.Message, error)
}

// FetcherConfig tunes the Fetcher. Zero values pick the defaults.
type FetcherConfig struct {
	PageSize   int
	MaxRetries int
	// Limiter is shared by every channel pipeline of the process.
	Limiter *rate.Limiter
}

// Fetcher walks a channel's history backwards from now towards a watermark.
type Fetcher struct {
	source     HistorySource
	pageSize   int
	maxRetries int
	limiter    *rate.Limiter
	sleep      func(ctx context.Context, d time.Duration) error
}

// FetchResult holds what one Fetch collected.
type FetchResult struct {
	Messages []storage.Message
	Pages    int
	// Dropped counts upstream records at or behind the watermark.
	Dropped int
}

func NewFetcher(source HistorySource, cfg FetcherConfig) *Fetcher {
	if cfg.PageSize <= 0 || cfg.PageSize > PageSize {
		cfg.PageSize = PageSize
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	return &Fetcher{
		source:     source,
		pageSize:   cfg.PageSize,
		maxRetries: cfg.MaxRetries,
		limiter:    cfg.Limiter,
		sleep:      sleepContext,
	}
}

// Fetch returns the messages of channelID strictly newer than after (all
// messages when after is empty), stopping at limit unless limit is
// Unbounded. On error the messages collected so far are returned with it.
func (f *Fetcher) Fetch(ctx context.Context, channelID, after string, limit int) (FetchResult, error) {
	logger := logging.LoggerFromContext(ctx)
	var result FetchResult
	before := ""

	for {
		if err := ctx.Err(); err != nil {
			return result.truncate(limit), err
		}

		page, err := f.fetchPage(ctx, channelID, before, after)
		if err != nil {
			return result.truncate(limit), fmt.Errorf("page %d: %w", result.Pages+1, err)
		}
		result.Pages++

		for _, msg := range page {
			if after != "" && !storage.IsNewer(msg.ID, after) {
				result.Dropped++
				continue
			}
			result.Messages = append(result.Messages, msg)
		}

		logger.Debug("Fetched history page",
			"page", result.Pages,
			"page_size", len(page),
			"collected", len(result.Messages))

		if len(page) < f.pageSize {
			break
		}
		if limit > Unbounded && len(result.Messages) >= limit {
			break
		}

		oldest := oldestID(page)
		if oldest == "" || oldest == before {
			logger.Warn("History cursor did not advance, stopping", "cursor", before)
			break
		}
		// Anything older than the watermark is already archived.
		if after != "" && !storage.IsNewer(oldest, after) {
			break
		}
		before = oldest
	}

	return result.truncate(limit), nil
}

func (f *Fetcher) fetchPage(ctx context.Context, channelID, before, after string) ([]storage.Message, error) {
	for attempt := 0; ; attempt++ {
		if f.limiter != nil {
			if err := f.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		start := time.Now()
		page, err := f.source.HistoryPage(ctx, channelID, before, after, f.pageSize)
		metrics.UpstreamPageDuration.Observe(time.Since(start).Seconds())

		var limited *RateLimitedError
		if errors.As(err, &limited) && attempt < f.maxRetries {
			metrics.UpstreamPageRequests.WithLabelValues("rate_limited").Inc()
			logging.LoggerFromContext(ctx).Warn("Upstream rate limited history request, backing off",
				"retry_after", limited.RetryAfter,
				"attempt", attempt+1)
			if err := f.sleep(ctx, limited.RetryAfter); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			metrics.UpstreamPageRequests.WithLabelValues("error").Inc()
			return nil, err
		}

		metrics.UpstreamPageRequests.WithLabelValues("success").Inc()
		return page, nil
	}
}

func (r FetchResult) truncate(limit int) FetchResult {
	if limit > Unbounded && len(r.Messages) > limit {
		r.Messages = r.Messages[:limit]
	}
	return r
}

// oldestID does not trust page order.
func oldestID(page []storage.Message) string {
	oldest := ""
	for _, msg := range page {
		if oldest == "" || storage.CompareIDs(msg.ID, oldest) < 0 {
			oldest = msg.ID
		}
	}
	return oldest
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
