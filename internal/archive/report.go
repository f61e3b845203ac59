package archive

import (
	"fmt"
	"sort"
	"time"

	"chatvault/internal/storage"
)

// Report summarizes one sync run.
type Report struct {
	RunID     string
	Workspace storage.Workspace
	// ChannelsScanned counts channels whose pipeline completed.
	ChannelsScanned int
	// Archived counts newly stored messages, including those stored by
	// channels that later failed.
	Archived           int
	Duplicates         int
	WatermarksAdvanced int
	Failures           []*ChannelError
	Duration           time.Duration
}

func (r *Report) add(outcome ChannelOutcome) {
	r.Archived += outcome.Inserted
	r.Duplicates += outcome.Duplicates
	if outcome.WatermarkAdvanced {
		r.WatermarksAdvanced++
	}
	if outcome.Err != nil {
		r.Failures = append(r.Failures, outcome.Err)
		sort.Slice(r.Failures, func(i, j int) bool { return r.Failures[i].ChannelID < r.Failures[j].ChannelID })
		return
	}
	r.ChannelsScanned++
}

// Degraded reports whether at least one channel failed.
func (r *Report) Degraded() bool {
	return len(r.Failures) > 0
}

// Summary is the text posted back to the channel that triggered the run.
func (r *Report) Summary() string {
	failed := ""
	if n := len(r.Failures); n > 0 {
		failed = fmt.Sprintf(" %d channel(s) could not be backed up; see the server logs for details.", n)
	}

	switch {
	case r.Archived > 0:
		return fmt.Sprintf("Backed up %d more messages when scanning %d channels.", r.Archived, r.ChannelsScanned) + failed
	case failed == "":
		return "No messages found in any channels."
	default:
		return "No new messages were backed up." + failed
	}
}
