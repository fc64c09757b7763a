package server_test

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	offlinesync "github.com/always-cache/offline-sync"
	"github.com/always-cache/offline-sync/broadcast"
	"github.com/always-cache/offline-sync/policy"
	"github.com/always-cache/offline-sync/queue"
	"github.com/always-cache/offline-sync/server"
)

func newTestServer(t *testing.T, manifest ...string) (*httptest.Server, *broadcast.Hub) {
	t.Helper()
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/", "/app.js":
			w.Write([]byte("asset " + r.URL.Path))
		case "/api/trades/sync":
			w.WriteHeader(http.StatusCreated)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(origin.Close)
	originURL, err := url.Parse(origin.URL)
	require.NoError(t, err)

	if len(manifest) == 0 {
		manifest = []string{"/", "/app.js"}
	}
	logger := zerolog.Nop()
	hub := broadcast.NewHub(8, logger)
	worker := offlinesync.CreateWorker(offlinesync.Config{
		Version:        "test",
		OriginURL:      *originURL,
		Queue:          queue.New(queue.Config{Backend: queue.NewMemBackend(), Poster: hub, Logger: logger}),
		Classifier:     policy.Classifier{APIPathSegments: []string{"/api/"}},
		StaticManifest: manifest,
		Poster:         hub,
		Logger:         &logger,
	})
	t.Cleanup(func() { _ = worker.Close() })

	srv := httptest.NewServer(server.New(server.Config{
		Worker:    worker,
		Hub:       hub,
		Logger:    logger,
		Heartbeat: time.Hour,
	}))
	t.Cleanup(srv.Close)
	return srv, hub
}

func post(t *testing.T, srv *httptest.Server, path, body string) (*http.Response, string) {
	t.Helper()
	res, err := http.Post(srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, string(b)
}

func getPath(t *testing.T, srv *httptest.Server, path string) (*http.Response, string) {
	t.Helper()
	res, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, string(b)
}

func TestLifecycleAndIntercept(t *testing.T) {
	srv, _ := newTestServer(t)

	res, _ := getPath(t, srv, "/app.js")
	assert.Equal(t, "Offline-Sync; fwd=bypass", res.Header.Get("Cache-Status"))

	res, _ = post(t, srv, "/_worker/lifecycle/install", "")
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
	res, body := post(t, srv, "/_worker/lifecycle/activate", "")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.JSONEq(t, `{"deleted":[]}`, body)

	res, body = getPath(t, srv, "/app.js")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "asset /app.js", body)
	assert.Equal(t, "Offline-Sync; hit; detail=revalidate", res.Header.Get("Cache-Status"))
}

func TestInstallFailure(t *testing.T) {
	srv, _ := newTestServer(t, "/", "/missing.js")

	res, body := post(t, srv, "/_worker/lifecycle/install", "")
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	assert.Contains(t, body, "install failed")

	res, _ = post(t, srv, "/_worker/lifecycle/activate", "")
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
}

func TestMessages(t *testing.T) {
	srv, _ := newTestServer(t)

	res, body := post(t, srv, "/_worker/messages", `{"type":"GET_VERSION"}`)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.JSONEq(t, `{"version":"test","cacheName":"offline-sync-static-v1"}`, body)

	res, body = post(t, srv, "/_worker/messages", `{"type":"SAVE_OFFLINE_DATA","payload":{"qty":1}}`)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	var saved broadcast.OfflineDataSaved
	require.NoError(t, json.Unmarshal([]byte(body), &saved))
	assert.Equal(t, "trade", saved.Type)
	assert.NotZero(t, saved.ID)

	res, body = post(t, srv, "/_worker/sync/sync-trades", "")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.JSONEq(t, `{"synced":1,"total":1}`, body)

	res, body = post(t, srv, "/_worker/messages", `{"type":"SYNC_NOW"}`)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.JSONEq(t, `{"synced":0,"total":0}`, body)

	res, body = post(t, srv, "/_worker/messages", `{"type":"REBOOT"}`)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Contains(t, body, "unknown message type")

	res, _ = post(t, srv, "/_worker/messages", `not json`)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestPushAndClick(t *testing.T) {
	srv, _ := newTestServer(t)

	res, body := post(t, srv, "/_worker/push", "Your order was filled")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	var n offlinesync.Notification
	require.NoError(t, json.Unmarshal([]byte(body), &n))
	assert.Equal(t, "Your order was filled", n.Body)

	res, _ = post(t, srv, "/_worker/notifications/click", `{"action":"close"}`)
	assert.Equal(t, http.StatusNoContent, res.StatusCode)

	res, body = post(t, srv, "/_worker/notifications/click", `{"action":"open","data":{"url":"/orders"}}`)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, body, "/orders")
}

func TestUnknownRoutes(t *testing.T) {
	srv, _ := newTestServer(t)

	res, _ := getPath(t, srv, "/_worker/push")
	assert.Equal(t, http.StatusMethodNotAllowed, res.StatusCode)
	res, _ = post(t, srv, "/_worker/nope", "")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	// unknown tags are ignored
	res, _ = post(t, srv, "/_worker/periodic/weekly-report", "")
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
}

func TestEventStream(t *testing.T) {
	srv, hub := newTestServer(t)

	res, err := http.Get(srv.URL + "/_worker/events")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, "text/event-stream", res.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", res.Header.Get("Cache-Control"))
	assert.Empty(t, res.Header.Get("Connection"), "hop-by-hop headers are left to the server")
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	post(t, srv, "/_worker/messages", `{"type":"SAVE_OFFLINE_DATA","payload":{"qty":2}}`)

	lines := make(chan string, 64)
	go func() {
		scanner := bufio.NewScanner(res.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()
	var event, data string
	timeout := time.After(2 * time.Second)
	for data == "" {
		select {
		case line, ok := <-lines:
			require.True(t, ok, "stream closed")
			if v, found := strings.CutPrefix(line, "event: "); found {
				event = v
			}
			if v, found := strings.CutPrefix(line, "data: "); found {
				data = v
			}
		case <-timeout:
			t.Fatal("No event received")
		}
	}
	assert.Equal(t, broadcast.TypeOfflineDataSaved, event)
	var msg struct {
		Type string                     `json:"type"`
		Data broadcast.OfflineDataSaved `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(data), &msg))
	assert.Equal(t, broadcast.TypeOfflineDataSaved, msg.Type)
	assert.Equal(t, "trade", msg.Data.Type)
}
