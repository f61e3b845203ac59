package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"chatvault/internal/config"
	"chatvault/internal/middleware"
	"chatvault/internal/storage"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSigningSecret = "test-signing-secret"

// fakeSlackAPI serves the Web API methods the sync engine calls.
type fakeSlackAPI struct {
	mu       sync.Mutex
	messages []string
	posted   []string
}

func (f *fakeSlackAPI) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth.test", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok":true,"user_id":"UBOT","team_id":"T1"}`)
	})
	mux.HandleFunc("/team.info", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok":true,"team":{"id":"T1","name":"Acme"}}`)
	})
	mux.HandleFunc("/conversations.list", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok":true,"channels":[{"id":"C1","name":"general","is_member":true}],"response_metadata":{"next_cursor":""}}`)
	})
	mux.HandleFunc("/conversations.history", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		latest, oldest := r.FormValue("latest"), r.FormValue("oldest")
		limit, _ := strconv.Atoi(r.FormValue("limit"))

		f.mu.Lock()
		all := append([]string(nil), f.messages...)
		f.mu.Unlock()
		sort.Slice(all, func(i, j int) bool { return storage.CompareIDs(all[i], all[j]) > 0 })

		var page []string
		for _, ts := range all {
			if latest != "" && storage.CompareIDs(ts, latest) >= 0 {
				continue
			}
			if oldest != "" && storage.CompareIDs(ts, oldest) <= 0 {
				continue
			}
			page = append(page, fmt.Sprintf(`{"type":"message","user":"U1","text":"message %s","ts":"%s"}`, ts, ts))
			if len(page) == limit {
				break
			}
		}
		fmt.Fprintf(w, `{"ok":true,"has_more":false,"messages":[%s]}`, strings.Join(page, ","))
	})
	mux.HandleFunc("/chat.postMessage", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		f.mu.Lock()
		f.posted = append(f.posted, r.FormValue("text"))
		f.mu.Unlock()
		fmt.Fprint(w, `{"ok":true,"channel":"C1","ts":"1800000000.000000"}`)
	})
	return mux
}

func (f *fakeSlackAPI) replies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.posted...)
}

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		Platform:                  config.PlatformSlack,
		DatabaseURL:               filepath.Join(t.TempDir(), "chatvault.db"),
		SlackBotToken:             "xoxb-test",
		SlackSigningSecret:        testSigningSecret,
		BackupTrigger:             "!backup",
		SyncConcurrency:           2,
		InitialFetchLimit:         1000,
		UpstreamRequestsPerSecond: 1000,
		UpstreamBurst:             10,
		RunTimeout:                time.Minute,
	}
}

func signedTrigger(t *testing.T, text string) *http.Request {
	t.Helper()
	body := `{"token":"x","team_id":"T1","api_app_id":"A1","type":"event_callback","event_id":"Ev1","event_time":1700000000,` +
		`"event":{"type":"message","channel":"C1","user":"U1","text":"` + text + `","ts":"1700000000.000100","channel_type":"channel"}}`
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(testSigningSecret))
	mac.Write([]byte("v0:" + ts + ":" + body))

	req := httptest.NewRequest(http.MethodPost, "/slack/events", strings.NewReader(body))
	req.RemoteAddr = "192.0.2.10:4000"
	req.Header.Set("X-Slack-Request-Timestamp", ts)
	req.Header.Set("X-Slack-Signature", "v0="+hex.EncodeToString(mac.Sum(nil)))
	return req
}

func TestSlackBackupEndToEnd(t *testing.T) {
	api := &fakeSlackAPI{messages: []string{"1700000001.000100", "1700000002.000100", "1700000003.000100"}}
	server := httptest.NewServer(api.handler(t))
	defer server.Close()

	ctx := context.Background()
	app, err := newApp(ctx, testConfig(t), slack.OptionAPIURL(server.URL+"/"))
	require.NoError(t, err)
	require.NoError(t, app.Start(ctx))

	trigger := func() {
		rec := httptest.NewRecorder()
		app.Router.ServeHTTP(rec, signedTrigger(t, "!backup"))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	trigger()
	require.Eventually(t, func() bool { return len(api.replies()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "Backed up 3 more messages when scanning 1 channels.", api.replies()[0])

	trigger()
	require.Eventually(t, func() bool { return len(api.replies()) == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "No messages found in any channels.", api.replies()[1])

	api.mu.Lock()
	api.messages = append(api.messages, "1700000004.000100")
	api.mu.Unlock()

	trigger()
	require.Eventually(t, func() bool { return len(api.replies()) == 3 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "Backed up 1 more messages when scanning 1 channels.", api.replies()[2])

	watermark, found, err := app.Store.GetWatermark(ctx, "C1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "1700000004.000100", watermark)

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	app.Shutdown(shutdownCtx)
}

type pingStore struct {
	storage.Store
	err error
}

func (s pingStore) Ping(ctx context.Context) error {
	return s.err
}

func TestSystemRoutes(t *testing.T) {
	router := newRouter(pingStore{}, nil, middleware.NewIPRateLimiter(10, 10))

	testCases := []struct {
		path     string
		wantCode int
		wantBody string
	}{
		{"/health", http.StatusOK, "OK"},
		{"/ready", http.StatusOK, "Ready"},
		{"/metrics", http.StatusOK, "chatvault_"},
	}

	for _, tc := range testCases {
		t.Run(tc.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tc.path, nil))
			assert.Equal(t, tc.wantCode, rec.Code)
			assert.Contains(t, rec.Body.String(), tc.wantBody)
		})
	}
}

func TestReadyReportsStoreFailure(t *testing.T) {
	router := newRouter(pingStore{err: errors.New("database is locked")}, nil, middleware.NewIPRateLimiter(10, 10))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSlackEventsRouteOnlyWhenConfigured(t *testing.T) {
	router := newRouter(pingStore{}, nil, middleware.NewIPRateLimiter(10, 10))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/slack/events", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
