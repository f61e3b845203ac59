package archive

import (
	"errors"
	"fmt"
	"time"
)

// ErrOrphanMessage is returned for a message whose channel is not part of
// the batch being written.
var ErrOrphanMessage = errors.New("message references a channel outside the batch")

// RateLimitedError is returned by platform adapters when the upstream asked
// the caller to back off.
type RateLimitedError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rate limited, retry after %s: %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

func (e *RateLimitedError) Unwrap() error {
	return e.Err
}

// Stage names the step of a channel pipeline that failed.
type Stage string

const (
	StageWatermarkRead  Stage = "watermark_read"
	StageFetch          Stage = "fetch"
	StageWrite          Stage = "write"
	StageWatermarkWrite Stage = "watermark_write"
)

// ChannelError records a failure isolated to one channel.
type ChannelError struct {
	ChannelID   string
	ChannelName string
	Stage       Stage
	Err         error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel %s: %s: %v", e.ChannelID, e.Stage, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}
