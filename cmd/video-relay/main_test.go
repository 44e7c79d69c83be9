package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Sternrassler/video-relay/internal/testutil"
	"github.com/Sternrassler/video-relay/pkg/client"
	"github.com/Sternrassler/video-relay/pkg/config"
	"github.com/Sternrassler/video-relay/pkg/logging"
	"github.com/Sternrassler/video-relay/pkg/relay"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const collectionPath = "/users/owner-1/folders/folder-1/videos"

func testConfig(mock *testutil.MockUpstream) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Upstream.BaseURL = mock.URL()
	cfg.Upstream.AccessToken = "test-token"
	cfg.Upstream.UserID = "owner-1"
	cfg.Upstream.FolderID = "folder-1"
	return cfg
}

func newTestHandler(t *testing.T, cfg *config.Config, ping func(context.Context) error) http.Handler {
	t.Helper()
	c, err := client.New(relay.ClientConfig(cfg, nil))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return newServer(cfg, relay.New(cfg.Upstream, c), ping)
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()

	w := get(t, newTestHandler(t, testConfig(mock), nil), "/health")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/json")
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	_, err := time.Parse(time.RFC3339, body["timestamp"])
	assert.NoError(t, err)
	assert.Equal(t, 0, mock.GetRequestCount())
}

func TestReadyEndpoint(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	cfg := testConfig(mock)

	w := get(t, newTestHandler(t, cfg, func(context.Context) error { return nil }), "/ready")
	assert.Equal(t, http.StatusOK, w.Code)

	w = get(t, newTestHandler(t, cfg, func(context.Context) error { return errors.New("redis down") }), "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "redis down")
}

func TestCollectionItemsEndpoint(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetPages(collectionPath, [][]string{
		{`{"id":"a"}`, `{"id":"b"}`},
		{`{"id":"c"}`},
	})

	h := newTestHandler(t, testConfig(mock), nil)

	for _, target := range []string{"/collection-items", "/api/vimeo/folder-videos", "/collection-items?collectionId=folder-1"} {
		t.Run(target, func(t *testing.T) {
			mock.Reset()
			w := get(t, h, target)

			require.Equal(t, http.StatusOK, w.Code)
			assert.JSONEq(t, `[{"id":"a"},{"id":"b"},{"id":"c"}]`, w.Body.String())
			assert.Equal(t, 2, mock.GetRequestCount())
		})
	}
}

func TestCollectionItemsEndpoint_Errors(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(*config.Config)
		setup      func(*testutil.MockUpstream)
		wantStatus int
		wantCalls  int
	}{
		{
			name:       "missing configuration",
			mutate:     func(c *config.Config) { c.Upstream.AccessToken = "" },
			setup:      func(*testutil.MockUpstream) {},
			wantStatus: http.StatusInternalServerError,
			wantCalls:  0,
		},
		{
			name: "not found",
			setup: func(m *testutil.MockUpstream) {
				m.SetResponse(collectionPath, testutil.NewErrorResponse(http.StatusNotFound, "missing"))
			},
			wantStatus: http.StatusNotFound,
			wantCalls:  1,
		},
		{
			name: "forbidden",
			setup: func(m *testutil.MockUpstream) {
				m.SetResponse(collectionPath, testutil.NewErrorResponse(http.StatusForbidden, "denied"))
			},
			wantStatus: http.StatusForbidden,
			wantCalls:  1,
		},
		{
			name: "upstream failure",
			setup: func(m *testutil.MockUpstream) {
				m.SetResponse(collectionPath, testutil.NewErrorResponse(http.StatusBadGateway, "bad gateway"))
			},
			wantStatus: http.StatusInternalServerError,
			wantCalls:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockUpstream()
			defer mock.Close()
			tt.setup(mock)

			cfg := testConfig(mock)
			if tt.mutate != nil {
				tt.mutate(cfg)
			}

			w := get(t, newTestHandler(t, cfg, nil), "/collection-items")

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.NotEmpty(t, decodeError(t, w).Message)
			assert.Equal(t, tt.wantCalls, mock.GetRequestCount())
		})
	}
}

func TestItemEndpoint(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	body := `{"uri":"/videos/42","name":"Intro","user":{"name":"Owner"}}`
	mock.SetResponse("/videos/42", testutil.NewJSONResponse(body))

	h := newTestHandler(t, testConfig(mock), nil)

	for _, target := range []string{"/item/42", "/api/vimeo/video/42"} {
		w := get(t, h, target)
		require.Equal(t, http.StatusOK, w.Code, target)
		assert.JSONEq(t, body, w.Body.String())
	}
}

func TestItemEndpoint_NoHTMLEscaping(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	body := `{"uri":"/videos/7","name":"a <b> & c"}`
	mock.SetResponse("/videos/7", testutil.NewJSONResponse(body))

	h := newTestHandler(t, testConfig(mock), nil)

	w := get(t, h, "/item/7")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"a <b> & c"`)
	assert.NotContains(t, w.Body.String(), `\u003c`)
}

func TestWriteJSON_EncodeFailure(t *testing.T) {
	w := httptest.NewRecorder()
	writeJSON(w, http.StatusOK, map[string]any{"bad": make(chan int)})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
}

func TestItemEndpoint_Errors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		wantStatus int
		wantBody   bool
	}{
		{"forbidden", http.StatusForbidden, http.StatusForbidden, true},
		{"not found", http.StatusNotFound, http.StatusNotFound, false},
		{"unauthorized mirrored", http.StatusUnauthorized, http.StatusUnauthorized, true},
		{"server error mirrored", http.StatusServiceUnavailable, http.StatusServiceUnavailable, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockUpstream()
			defer mock.Close()
			mock.SetResponse("/videos/7", testutil.NewErrorResponse(tt.status, "upstream says no"))

			w := get(t, newTestHandler(t, testConfig(mock), nil), "/item/7")

			assert.Equal(t, tt.wantStatus, w.Code)
			resp := decodeError(t, w)
			assert.NotEmpty(t, resp.Message)
			if tt.wantBody {
				assert.Contains(t, resp.Error, "upstream says no")
			}
		})
	}
}

func TestItemEndpoint_ForbiddenMessage(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetResponse("/videos/7", testutil.NewErrorResponse(http.StatusForbidden, "denied"))

	w := get(t, newTestHandler(t, testConfig(mock), nil), "/item/7")

	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, decodeError(t, w).Message, "permission")
}

func TestItemEndpoint_EmptyID(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()

	w := get(t, newTestHandler(t, testConfig(mock), nil), "/item/")

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 0, mock.GetRequestCount())
}

func TestCORS(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()

	t.Run("wildcard", func(t *testing.T) {
		w := get(t, newTestHandler(t, testConfig(mock), nil), "/health")
		assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("allow list", func(t *testing.T) {
		cfg := testConfig(mock)
		cfg.Server.CORSOrigins = []string{"https://app.example.com"}
		h := newTestHandler(t, cfg, nil)

		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("Origin", "https://app.example.com")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))

		req = httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		w = httptest.NewRecorder()
		h.ServeHTTP(w, req)
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/collection-items", nil)
		req.Header.Set("Origin", "http://localhost:5173")
		req.Header.Set("Access-Control-Request-Method", "GET")
		w := httptest.NewRecorder()
		newTestHandler(t, testConfig(mock), nil).ServeHTTP(w, req)

		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "GET")
		assert.Equal(t, 0, mock.GetRequestCount())
	})
}

func TestMetricsEndpoint(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	h := newTestHandler(t, testConfig(mock), nil)

	get(t, h, "/health")
	w := get(t, h, "/metrics")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "relay_http_requests_total")
}

func TestServe_GracefulShutdown(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	h := newTestHandler(t, testConfig(mock), nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, ln, time.Second, h, zerolog.Nop()) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	require.NoError(t, err)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func writeConfigFile(t *testing.T, cfg *config.Config) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, cfg.Save(path))
	return path
}

func clearRelayEnv(t *testing.T) {
	for _, key := range []string{"VIMEO_ACCESS_TOKEN", "VIMEO_USER_ID", "VIMEO_FOLDER_ID", "VIMEO_API_BASE_URL", "REDIS_URL"} {
		t.Setenv(key, "")
	}
}

func TestItemsCommand(t *testing.T) {
	clearRelayEnv(t)
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetPages(collectionPath, [][]string{{`{"id":"a"}`}, {`{"id":"b"}`}})

	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs([]string{"items", "--config", writeConfigFile(t, testConfig(mock))})

	require.NoError(t, cmd.Execute())
	assert.JSONEq(t, `[{"id":"a"},{"id":"b"}]`, stdout.String())
}

func TestItemCommand(t *testing.T) {
	clearRelayEnv(t)
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetResponse("/videos/9", testutil.NewJSONResponse(`{"uri":"/videos/9"}`))

	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs([]string{"item", "9", "--config", writeConfigFile(t, testConfig(mock))})

	require.NoError(t, cmd.Execute())
	assert.JSONEq(t, `{"uri":"/videos/9"}`, stdout.String())
}

func TestItemCommand_UpstreamError(t *testing.T) {
	clearRelayEnv(t)
	mock := testutil.NewMockUpstream()
	defer mock.Close()

	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs([]string{"item", "missing", "--config", writeConfigFile(t, testConfig(mock))})

	err := cmd.Execute()
	assert.ErrorIs(t, err, client.ErrNotFound)
	assert.Empty(t, stdout.String())
}

func TestNewRedisClient(t *testing.T) {
	cfg := config.DefaultConfig()

	rdb, err := newRedisClient(cfg)
	require.NoError(t, err)
	assert.Nil(t, rdb)

	cfg.Redis.Addr = "redis://:secret@localhost:6380/2"
	rdb, err = newRedisClient(cfg)
	require.NoError(t, err)
	require.NotNil(t, rdb)
	defer rdb.Close()
	assert.Equal(t, "localhost:6380", rdb.Options().Addr)
	assert.Equal(t, 2, rdb.Options().DB)
}

func TestLoggingConfig(t *testing.T) {
	var out bytes.Buffer
	lc := loggingConfig(config.LoggingConfig{Level: "debug", Pretty: true}, &out)

	assert.Equal(t, logging.LevelDebug, lc.Level)
	assert.True(t, lc.Pretty)
	assert.Equal(t, "video-relay", lc.Service)
	assert.Same(t, &out, lc.Output)
}

func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.Disabled)
	os.Exit(m.Run())
}
