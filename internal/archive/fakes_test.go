package archive

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"chatvault/internal/storage"

	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream unavailable")

// fakeSource serves channel history from memory, newest first.
type fakeSource struct {
	mu       sync.Mutex
	history  map[string][]storage.Message
	calls    map[string][]pageCall
	failPage map[string]int // channel -> 1-based page that fails
	limited  map[string]int // channel -> number of rate limit replies left

	inFlight    int
	maxInFlight int
	delay       time.Duration
}

type pageCall struct {
	Before string
	After  string
	Limit  int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		history:  make(map[string][]storage.Message),
		calls:    make(map[string][]pageCall),
		failPage: make(map[string]int),
		limited:  make(map[string]int),
	}
}

// add appends messages with IDs from..to to the channel. CreatedAt follows
// the ID so ordering by time and by ID agree.
func (s *fakeSource) add(channelID string, from, to int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := from; i <= to; i++ {
		s.history[channelID] = append(s.history[channelID], storage.Message{
			ID:        strconv.Itoa(i),
			ChannelID: channelID,
			AuthorID:  "U1",
			Content:   fmt.Sprintf("message %d", i),
			CreatedAt: int64(i) * 1000,
		})
	}
}

func (s *fakeSource) HistoryPage(ctx context.Context, channelID, before, after string, limit int) ([]storage.Message, error) {
	s.mu.Lock()
	s.calls[channelID] = append(s.calls[channelID], pageCall{Before: before, After: after, Limit: limit})
	call := len(s.calls[channelID])
	s.inFlight++
	if s.inFlight > s.maxInFlight {
		s.maxInFlight = s.inFlight
	}
	delay := s.delay
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}()

	if delay > 0 {
		time.Sleep(delay)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.limited[channelID] > 0 {
		s.limited[channelID]--
		return nil, &RateLimitedError{RetryAfter: 2 * time.Second}
	}
	if page, ok := s.failPage[channelID]; ok && page == call {
		return nil, errUpstream
	}

	all := append([]storage.Message(nil), s.history[channelID]...)
	sort.Slice(all, func(i, j int) bool { return storage.CompareIDs(all[i].ID, all[j].ID) > 0 })

	var page []storage.Message
	for _, msg := range all {
		if before != "" && storage.CompareIDs(msg.ID, before) >= 0 {
			continue
		}
		if after != "" && storage.CompareIDs(msg.ID, after) <= 0 {
			continue
		}
		page = append(page, msg)
		if len(page) == limit {
			break
		}
	}
	return page, nil
}

func (s *fakeSource) callsFor(channelID string) []pageCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]pageCall(nil), s.calls[channelID]...)
}

// fakePlatform is a workspace with a fixed channel list on top of fakeSource.
type fakePlatform struct {
	*fakeSource
	workspace storage.Workspace
	channels  []storage.Channel
	listErr   error
}

func newFakePlatform(channelIDs ...string) *fakePlatform {
	p := &fakePlatform{
		fakeSource: newFakeSource(),
		workspace:  storage.Workspace{ID: "W1", Name: "Acme"},
	}
	for _, id := range channelIDs {
		p.channels = append(p.channels, storage.Channel{ID: id, Name: "channel-" + id, WorkspaceID: "W1"})
	}
	return p
}

func (p *fakePlatform) Workspace(ctx context.Context, workspaceID string) (storage.Workspace, error) {
	if workspaceID != p.workspace.ID {
		return storage.Workspace{}, fmt.Errorf("unknown workspace %s", workspaceID)
	}
	return p.workspace, nil
}

func (p *fakePlatform) ListChannels(ctx context.Context, workspaceID string) ([]storage.Channel, error) {
	if p.listErr != nil {
		return nil, p.listErr
	}
	return p.channels, nil
}

func newTestStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	store, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// failingStore wraps a Store and fails selected inserts.
type failingStore struct {
	storage.Store
	failWorkspaces map[string]bool
	failChannels   map[string]bool
	failMessages   map[string]bool
	failWatermark  bool
}

func (s *failingStore) InsertWorkspace(ctx context.Context, ws storage.Workspace) (bool, error) {
	if s.failWorkspaces[ws.ID] {
		return false, errors.New("workspace insert failed")
	}
	return s.Store.InsertWorkspace(ctx, ws)
}

func (s *failingStore) InsertChannel(ctx context.Context, ch storage.Channel) (bool, error) {
	if s.failChannels[ch.ID] {
		return false, errors.New("channel insert failed")
	}
	return s.Store.InsertChannel(ctx, ch)
}

func (s *failingStore) InsertMessage(ctx context.Context, msg storage.Message) (bool, error) {
	if s.failMessages[msg.ID] {
		return false, errors.New("message insert failed")
	}
	return s.Store.InsertMessage(ctx, msg)
}

func (s *failingStore) SetWatermark(ctx context.Context, channelID, messageID string) (bool, error) {
	if s.failWatermark {
		return false, errors.New("watermark write failed")
	}
	return s.Store.SetWatermark(ctx, channelID, messageID)
}

func messageIDs(messages []storage.Message) []string {
	ids := make([]string, len(messages))
	for i, msg := range messages {
		ids[i] = msg.ID
	}
	return ids
}
