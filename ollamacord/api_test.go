package ollamacord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// apiTestClient sends requests to a bot's API engine, keeping cookies
// between requests. Session cookies are secure in development mode, so
// the server uses TLS.
type apiTestClient struct {
	t      testing.TB
	server *httptest.Server
	client *http.Client
}

func newAPITestClient(t testing.TB, bot *Ollamacord) *apiTestClient {
	t.Helper()
	server := httptest.NewTLSServer(bot.api.engine)
	t.Cleanup(server.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	client := server.Client()
	client.Jar = jar
	client.Timeout = 30 * time.Second
	return &apiTestClient{t: t, server: server, client: client}
}

func (c *apiTestClient) do(method string, path string, body any) (*http.Response, []byte) {
	c.t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(c.t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(
		context.Background(),
		method,
		c.server.URL+apiPrefix+path,
		reader,
	)
	require.NoError(c.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	return resp, data
}

func (c *apiTestClient) login(username string, password string) {
	c.t.Helper()
	resp, body := c.do(http.MethodPost, apiPathLogin, userLogin{Username: username, Password: password})
	require.Equal(c.t, http.StatusOK, resp.StatusCode, string(body))
}

func decodeJSON[T any](t testing.TB, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

// newLoggedInAPIClient returns a bot and an API client logged in as
// the admin
func newLoggedInAPIClient(t testing.TB, ollama *fakeOllama) (*Ollamacord, *apiTestClient) {
	t.Helper()
	bot, _ := newTestOllamacord(t, ollama)
	c := newAPITestClient(t, bot)
	c.login(bot.RuntimeConfig().AdminUsername, testAdminPassword(t))
	return bot, c
}

func TestAPI_Unauthorized(t *testing.T) {
	bot, _ := newTestOllamacord(t, nil)
	c := newAPITestClient(t, bot)

	for _, route := range []struct {
		method string
		path   string
	}{
		{http.MethodGet, apiPathStatus},
		{http.MethodPost, apiPathPause},
		{http.MethodPost, apiPathQuit},
		{http.MethodGet, apiPathConfig},
		{http.MethodPatch, apiPathConfig},
		{http.MethodGet, apiPathQueries},
		{http.MethodGet, "/queries/1"},
		{http.MethodGet, "/history/guild-1"},
		{http.MethodDelete, apiPathCache},
	} {
		resp, _ := c.do(route.method, route.path, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "%s %s", route.method, route.path)
	}
	assert.False(t, bot.paused.Load())
}

func TestAPI_Login(t *testing.T) {
	bot, _ := newTestOllamacord(t, nil)
	c := newAPITestClient(t, bot)
	username := bot.RuntimeConfig().AdminUsername

	resp, body := c.do(http.MethodPost, apiPathLogin, userLogin{Username: username, Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, string(body))

	// one attempt per second
	resp, _ = c.do(http.MethodPost, apiPathLogin, userLogin{Username: username, Password: "wrong"})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	time.Sleep(1100 * time.Millisecond)
	c.login(username, testAdminPassword(t))

	resp, body = c.do(http.MethodGet, apiPathStatus, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	status := decodeJSON[statusResponse](t, body)
	assert.Equal(t, DefaultOllamaChatModel, status.ChatModel)
	assert.Equal(t, Version, status.Version)
	assert.Equal(t, 1, status.RequestMetrics["GET "+apiPrefix+apiPathStatus])

	resp, _ = c.do(http.MethodPost, apiPathLogout, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = c.do(http.MethodGet, apiPathStatus, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAPI_Login_WrongUser(t *testing.T) {
	bot, _ := newTestOllamacord(t, nil)
	c := newAPITestClient(t, bot)
	resp, _ := c.do(
		http.MethodPost,
		apiPathLogin,
		userLogin{Username: "someone", Password: testAdminPassword(t)},
	)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAPI_Setup(t *testing.T) {
	bot, _ := newTestOllamacord(t, nil)
	ctx := context.Background()
	_, err := bot.writeDB.Updates(
		ctx,
		bot.runtimeConfig,
		map[string]any{
			columnRuntimeConfigAdminUsername: "",
			columnRuntimeConfigAdminPassword: "",
		},
	)
	require.NoError(t, err)
	bot.runtimeConfig.AdminUsername = ""
	bot.runtimeConfig.AdminPassword = ""
	c := newAPITestClient(t, bot)

	resp, body := c.do(http.MethodGet, apiPathSetup, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decodeJSON[setupResponse](t, body).Required)

	// no one can log in until credentials are set
	resp, _ = c.do(http.MethodGet, apiPathStatus, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = c.do(
		http.MethodPost,
		apiPathSetup,
		adminSetupPayload{Username: "admin", Password: "hunter2hunter2", ConfirmPassword: "different"},
	)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = c.do(
		http.MethodPost,
		apiPathSetup,
		adminSetupPayload{Username: "admin", Password: "short", ConfirmPassword: "short"},
	)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = c.do(
		http.MethodPost,
		apiPathSetup,
		adminSetupPayload{Username: "admin", Password: "hunter2hunter2", ConfirmPassword: "hunter2hunter2"},
	)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var saved RuntimeConfig
	require.NoError(t, bot.db.Last(&saved).Error)
	assert.Equal(t, "admin", saved.AdminUsername)
	valid, err := VerifyPassword(saved.AdminPassword, "hunter2hunter2")
	require.NoError(t, err)
	assert.True(t, valid)

	resp, body = c.do(http.MethodGet, apiPathSetup, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, decodeJSON[setupResponse](t, body).Required)

	// credentials can't be replaced
	resp, _ = c.do(
		http.MethodPost,
		apiPathSetup,
		adminSetupPayload{Username: "other", Password: "hunter3hunter3", ConfirmPassword: "hunter3hunter3"},
	)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	c.login("admin", "hunter2hunter2")
}

func TestAPI_HealthCheck(t *testing.T) {
	ollama := newFakeOllama(t, nil)
	bot, _ := newTestOllamacord(t, ollama)
	c := newAPITestClient(t, bot)

	resp, body := c.do(http.MethodGet, apiPathHealthCheck, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	health := decodeJSON[healthCheckResponse](t, body)
	assert.True(t, health.OllamaAvailable)
	assert.Equal(t, "0.3.6", health.OllamaVersion)
	assert.Equal(t, "disabled", health.Redis)
	assert.Empty(t, health.Error)

	ollama.server.Close()
	resp, body = c.do(http.MethodGet, apiPathHealthCheck, nil)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, string(body))
	health = decodeJSON[healthCheckResponse](t, body)
	assert.False(t, health.OllamaAvailable)
	assert.Contains(t, health.Error, "ollama")
}

func TestAPI_HealthCheck_Redis(t *testing.T) {
	ollama := newFakeOllama(t, nil)
	bot, _ := newTestOllamacord(t, ollama)
	cache, mr := newTestRedisCache(t)
	bot.config.Redis.Enabled = true
	bot.cache = cache
	c := newAPITestClient(t, bot)

	resp, body := c.do(http.MethodGet, apiPathHealthCheck, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, "ok", decodeJSON[healthCheckResponse](t, body).Redis)

	mr.Close()
	resp, body = c.do(http.MethodGet, apiPathHealthCheck, nil)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, string(body))
	health := decodeJSON[healthCheckResponse](t, body)
	assert.Equal(t, "unavailable", health.Redis)
	assert.True(t, health.OllamaAvailable)
}

func TestAPI_PauseResume(t *testing.T) {
	bot, c := newLoggedInAPIClient(t, nil)

	resp, _ := c.do(http.MethodPost, apiPathPause, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, bot.paused.Load())

	resp, _ = c.do(http.MethodPost, apiPathPause, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = c.do(http.MethodPost, apiPathResume, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, bot.paused.Load())

	resp, _ = c.do(http.MethodPost, apiPathResume, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAPI_Quit(t *testing.T) {
	bot, c := newLoggedInAPIClient(t, nil)

	resp, _ := c.do(http.MethodPost, apiPathQuit, nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	select {
	case <-bot.signalStop:
	default:
		t.Fatal("expected stop signal")
	}
}

func TestAPI_Config(t *testing.T) {
	bot, c := newLoggedInAPIClient(t, nil)

	resp, body := c.do(http.MethodGet, apiPathConfig, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotContains(t, string(body), bot.RuntimeConfig().AdminPassword)
	cfg := decodeJSON[RuntimeConfig](t, body)
	assert.Equal(t, DefaultCommandPrefix, cfg.CommandPrefix)

	resp, body = c.do(
		http.MethodPatch,
		apiPathConfig,
		map[string]any{
			"command_prefix":       "!ask",
			"max_query_length":     500,
			"stream_edit_interval": "2s",
			"user_query_limit":     5,
		},
	)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	cfg = decodeJSON[RuntimeConfig](t, body)
	assert.Equal(t, "!ask", cfg.CommandPrefix)
	assert.Equal(t, 500, cfg.MaxQueryLength)
	assert.Equal(t, 2*time.Second, cfg.StreamEditInterval.Duration)
	assert.Equal(t, 5, cfg.UserQueryLimit)
	assert.Equal(t, "!ask", bot.RuntimeConfig().CommandPrefix)

	invalid := []map[string]any{
		{"max_query_length": 0},
		{"max_query_length": 5000},
		{"command_prefix": ""},
		{"log_level": "TRACE"},
		{"user_query_limit": -1},
		{"stream_edit_interval": "100ms"},
		{"user_query_window": "30s"},
		{"ollama_max_requests_per_second": 0},
	}
	for _, update := range invalid {
		resp, body = c.do(http.MethodPatch, apiPathConfig, update)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "%v: %s", update, body)
	}
	assert.Equal(t, 500, bot.RuntimeConfig().MaxQueryLength)
}

func TestAPI_Queries(t *testing.T) {
	bot, c := newLoggedInAPIClient(t, nil)
	ctx := context.Background()

	states := []QueryState{QueryStateCompleted, QueryStateFailed, QueryStateCompleted}
	var ids []uint
	for i, state := range states {
		q := newQueueTestQuery(fmt.Sprintf("msg-%d", i), time.Now())
		q.State = state
		if i == 2 {
			q.UserID = "user-2"
		}
		_, err := bot.writeDB.Create(ctx, q)
		require.NoError(t, err)
		ids = append(ids, q.ID)
	}
	_, err := bot.writeDB.Create(
		ctx,
		&OllamaRequest{QueryID: &ids[0], Purpose: string(purposeAnswer), Model: DefaultOllamaChatModel},
	)
	require.NoError(t, err)

	resp, body := c.do(http.MethodGet, apiPathQueries, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	queries := decodeJSON[[]Query](t, body)
	require.Len(t, queries, 3)
	assert.Equal(t, ids[2], queries[0].ID)

	resp, body = c.do(http.MethodGet, apiPathQueries+"?order=asc&limit=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	queries = decodeJSON[[]Query](t, body)
	require.Len(t, queries, 1)
	assert.Equal(t, ids[0], queries[0].ID)

	resp, body = c.do(http.MethodGet, apiPathQueries+"?state=completed&user_id=user-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	queries = decodeJSON[[]Query](t, body)
	require.Len(t, queries, 1)
	assert.Equal(t, ids[0], queries[0].ID)

	resp, body = c.do(http.MethodGet, apiPathQueries+"?conversation_id=guild-9", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Empty(t, decodeJSON[[]Query](t, body))

	for _, params := range []string{"?limit=500", "?order=sideways", "?offset=-1"} {
		resp, _ = c.do(http.MethodGet, apiPathQueries+params, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, params)
	}

	resp, body = c.do(http.MethodGet, fmt.Sprintf("/queries/%d", ids[0]), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	detail := decodeJSON[queryDetail](t, body)
	assert.Equal(t, "msg-0", detail.Query.MessageID)
	require.Len(t, detail.OllamaRequests, 1)
	assert.Equal(t, string(purposeAnswer), detail.OllamaRequests[0].Purpose)

	resp, _ = c.do(http.MethodGet, "/queries/9999", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = c.do(http.MethodGet, "/queries/abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_History(t *testing.T) {
	bot, c := newLoggedInAPIClient(t, nil)
	ctx := context.Background()
	bot.memory.Add(ctx, "guild-1", roleUser, "hello", "alice")
	bot.memory.Add(ctx, "guild-1", roleBot, "hi", sourceBot)

	resp, body := c.do(http.MethodGet, "/history/guild-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	entries := decodeJSON[[]HistoryEntry](t, body)
	require.Len(t, entries, 2)
	assert.Equal(t, "hello", entries[0].Content)

	resp, body = c.do(http.MethodDelete, "/history/guild-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, int64(2), decodeJSON[deletedResponse](t, body).Deleted)

	resp, body = c.do(http.MethodGet, "/history/guild-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decodeJSON[[]HistoryEntry](t, body))
}

func TestAPI_ClearCache(t *testing.T) {
	bot, c := newLoggedInAPIClient(t, nil)

	resp, body := c.do(http.MethodDelete, apiPathCache, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Zero(t, decodeJSON[deletedResponse](t, body).Deleted)

	cache, _ := newTestRedisCache(t)
	bot.cache = cache
	ctx := context.Background()
	for _, url := range []string{"https://example.com/a", "https://example.com/b"} {
		require.NoError(t, cache.Set(ctx, url, ToolResult{Type: ToolResultContent}))
	}
	resp, body = c.do(http.MethodDelete, apiPathCache, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, int64(2), decodeJSON[deletedResponse](t, body).Deleted)
}

func TestSessionOptions(t *testing.T) {
	cfg := DefaultConfig().API
	opts := sessionOptions(cfg)
	assert.False(t, opts.Secure)
	assert.True(t, opts.HttpOnly)
	assert.Equal(t, http.SameSiteStrictMode, opts.SameSite)
	assert.Equal(t, int(cfg.SessionMaxAge.Seconds()), opts.MaxAge)

	cfg.Development = true
	opts = sessionOptions(cfg)
	assert.True(t, opts.Secure)
	assert.Equal(t, http.SameSiteNoneMode, opts.SameSite)
}

func TestRequestIDMiddleware(t *testing.T) {
	bot, _ := newTestOllamacord(t, nil)
	c := newAPITestClient(t, bot)
	first, _ := c.do(http.MethodGet, apiPathSetup, nil)
	second, _ := c.do(http.MethodGet, apiPathSetup, nil)
	assert.Len(t, first.Header.Get(xRequestIDHeader), 32)
	assert.NotEqual(t, first.Header.Get(xRequestIDHeader), second.Header.Get(xRequestIDHeader))
}
