// internal/api/handler_test.go
package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kova-sync/internal/config"
	"kova-sync/internal/discovery"
	apperrors "kova-sync/internal/errors"
	"kova-sync/internal/model"
	"kova-sync/internal/registry"
	"kova-sync/internal/store"
	"kova-sync/internal/syncer"
	"kova-sync/internal/webhook"
)

type stubFetcher struct {
	state func(owner, name string) (*model.RepoState, int, error)
}

func (s *stubFetcher) GetRepoState(_ context.Context, owner, name string) (*model.RepoState, int, error) {
	return s.state(owner, name)
}

func (s *stubFetcher) ListOwnerRepos(_ context.Context, _ string) ([]model.CandidateRepo, error) {
	return nil, nil
}

type stubAnalyzer struct{}

func (stubAnalyzer) Analyze(_ context.Context, _, _ string) (string, error) { return "", nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fixture struct {
	router   http.Handler
	registry *registry.Registry
	store    *store.Memory
}

func existingState(owner, name string) (*model.RepoState, int, error) {
	return &model.RepoState{Exists: true, FullName: owner + "/" + name, DefaultBranch: "main", Description: "upstream description"}, 1, nil
}

func newFixture(t *testing.T, cfg *config.Config, fetcher *stubFetcher) fixture {
	t.Helper()
	logger := testLogger()
	reg := registry.Load(filepath.Join(t.TempDir(), "repos.json"), logger)
	st := store.NewMemory()
	d := webhook.NewDispatcher(st, stubAnalyzer{}, logger, 1, 8)
	deps := Deps{
		Config:    cfg,
		Registry:  reg,
		Syncer:    syncer.NewSyncer(reg, fetcher, stubAnalyzer{}, st, logger, 1, time.Minute),
		Discovery: discovery.NewService(fetcher, logger),
		Store:     st,
		Receiver:  webhook.NewReceiver(cfg.WebhookSecret, st, d, logger),
		Fetcher:   fetcher,
		Logger:    logger,
	}
	return fixture{router: NewRouter(deps), registry: reg, store: st}
}

func configuredConfig() *config.Config {
	return &config.Config{GithubToken: "token", AnthropicAPIKey: "key", WebhookSecret: "s3cret"}
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestHealthCheck(t *testing.T) {
	f := newFixture(t, configuredConfig(), &stubFetcher{state: existingState})

	rr := doJSON(t, f.router, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Status   string `json:"status"`
		Features map[string]struct {
			Available bool   `json:"available"`
			Reason    string `json:"reason"`
		} `json:"features"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.Features["sync"].Available)
	assert.True(t, resp.Features["analysis"].Available)
	assert.True(t, resp.Features["webhooks"].Available)
	assert.NotEmpty(t, resp.Features["persistence"].Reason, "the in-memory mode must be reported")
}

func TestHealthCheck_DegradedFeatures(t *testing.T) {
	f := newFixture(t, &config.Config{}, &stubFetcher{state: existingState})

	rr := doJSON(t, f.router, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rr.Code, "a degraded service still reports healthy")

	var resp struct {
		Features map[string]struct {
			Available bool   `json:"available"`
			Reason    string `json:"reason"`
		} `json:"features"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	for _, feature := range []string{"sync", "analysis", "webhooks"} {
		assert.False(t, resp.Features[feature].Available, feature)
		assert.NotEmpty(t, resp.Features[feature].Reason, feature)
	}
}

func TestUnconfiguredTokenReturns503(t *testing.T) {
	f := newFixture(t, &config.Config{}, &stubFetcher{state: existingState})

	for _, tc := range []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/v1/status"},
		{http.MethodPost, "/v1/sync"},
		{http.MethodGet, "/v1/discover"},
	} {
		rr := doJSON(t, f.router, tc.method, tc.path, nil)
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code, tc.path)
	}
}

func TestPostAdd(t *testing.T) {
	f := newFixture(t, configuredConfig(), &stubFetcher{state: existingState})

	rr := doJSON(t, f.router, http.MethodPost, "/v1/add", map[string]string{"fullName": "acme/widget"})
	require.Equal(t, http.StatusCreated, rr.Code)

	var created model.RepositoryRecord
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
	assert.Equal(t, "acme/widget", created.FullName)
	assert.Equal(t, model.CategoryService, created.Type)
	assert.Equal(t, 3, created.SyncPriority)
	assert.True(t, created.Enabled)
	assert.Equal(t, "upstream description", created.Description, "metadata from the hosting API seeds the record")

	snap := f.registry.Snapshot()
	require.Len(t, snap.Repositories, 1)
}

func TestPostAdd_PlannedRepository(t *testing.T) {
	fetcher := &stubFetcher{state: func(owner, name string) (*model.RepoState, int, error) {
		return &model.RepoState{Exists: false}, 1, nil
	}}
	f := newFixture(t, configuredConfig(), fetcher)

	rr := doJSON(t, f.router, http.MethodPost, "/v1/add", map[string]string{"fullName": "acme/future"})
	require.Equal(t, http.StatusCreated, rr.Code)

	var created model.RepositoryRecord
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
	assert.Equal(t, "Planned repository", created.Description)
}

func TestPostAdd_Validation(t *testing.T) {
	f := newFixture(t, configuredConfig(), &stubFetcher{state: existingState})

	cases := []struct {
		name string
		body map[string]string
	}{
		{"missing owner", map[string]string{"fullName": "widget"}},
		{"empty name", map[string]string{"fullName": "acme/"}},
		{"too many segments", map[string]string{"fullName": "a/b/c"}},
		{"unknown type", map[string]string{"fullName": "acme/widget", "type": "spaceship"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := doJSON(t, f.router, http.MethodPost, "/v1/add", tc.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
		})
	}
}

func TestGetList(t *testing.T) {
	f := newFixture(t, configuredConfig(), &stubFetcher{state: existingState})
	_, err := f.registry.Upsert(model.RepositoryRecord{
		Name: "widget", FullName: "acme/widget", Type: model.CategoryService,
		Enabled: true, SyncPriority: 1, Features: []string{},
	})
	require.NoError(t, err)

	rr := doJSON(t, f.router, http.MethodGet, "/v1/list", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var set model.RepositorySet
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &set))
	require.Len(t, set.Repositories, 1)
	assert.Equal(t, "acme/widget", set.Repositories[0].FullName)
}

func TestPostReload(t *testing.T) {
	f := newFixture(t, configuredConfig(), &stubFetcher{state: existingState})
	_, err := f.registry.Upsert(model.RepositoryRecord{
		Name: "widget", FullName: "acme/widget", Type: model.CategoryService,
		Enabled: true, SyncPriority: 1, Features: []string{},
	})
	require.NoError(t, err)

	// Replace the registry file out of band; the endpoint must pick it up.
	require.NoError(t, os.WriteFile(f.registry.Path(), []byte(`{
		"owner": "acme",
		"repositories": [
			{"name": "widget", "full_name": "acme/widget", "type": "service", "enabled": true, "sync_priority": 1},
			{"name": "gadget", "full_name": "acme/gadget", "type": "core", "enabled": true, "sync_priority": 2}
		]
	}`), 0o644))

	rr := doJSON(t, f.router, http.MethodPost, "/v1/reload", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Status       string `json:"status"`
		Repositories int    `json:"repositories"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "reloaded", resp.Status)
	assert.Equal(t, 2, resp.Repositories)

	snap := f.registry.Snapshot()
	require.Len(t, snap.Repositories, 2)
	assert.Equal(t, "acme/gadget", snap.Repositories[1].FullName)
}

func TestPostSync_SingleRepo(t *testing.T) {
	f := newFixture(t, configuredConfig(), &stubFetcher{state: existingState})
	_, err := f.registry.Upsert(model.RepositoryRecord{
		Name: "widget", FullName: "acme/widget", Type: model.CategoryService,
		Enabled: true, SyncPriority: 1, Features: []string{},
	})
	require.NoError(t, err)

	rr := doJSON(t, f.router, http.MethodPost, "/v1/sync", map[string]any{"repo": "acme/widget"})
	require.Equal(t, http.StatusOK, rr.Code)

	var resp map[string]*model.SyncRun
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Contains(t, resp, "acme/widget")
	assert.Equal(t, model.SyncSuccess, resp["acme/widget"].Status)
}

func TestPostSync_ErrorMapping(t *testing.T) {
	f := newFixture(t, configuredConfig(), &stubFetcher{state: existingState})
	_, err := f.registry.Upsert(model.RepositoryRecord{
		Name: "off", FullName: "acme/off", Type: model.CategoryService,
		Enabled: false, SyncPriority: 1, Features: []string{},
	})
	require.NoError(t, err)

	rr := doJSON(t, f.router, http.MethodPost, "/v1/sync", map[string]any{"repo": "acme/ghost"})
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = doJSON(t, f.router, http.MethodPost, "/v1/sync", map[string]any{"repo": "acme/off"})
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestGetStatus_InlineErrors(t *testing.T) {
	fetcher := &stubFetcher{state: func(owner, name string) (*model.RepoState, int, error) {
		if name == "broken" {
			return nil, 5, &apperrors.APIError{Kind: apperrors.KindServer, Attempts: 5}
		}
		return existingState(owner, name)
	}}
	f := newFixture(t, configuredConfig(), fetcher)
	for _, fullName := range []string{"acme/widget", "acme/broken"} {
		_, err := f.registry.Upsert(model.RepositoryRecord{
			Name: filepath.Base(fullName), FullName: fullName, Type: model.CategoryService,
			Enabled: true, SyncPriority: 1, Features: []string{},
		})
		require.NoError(t, err)
	}

	rr := doJSON(t, f.router, http.MethodGet, "/v1/status", nil)
	require.Equal(t, http.StatusOK, rr.Code, "one repository's failure must not fail the report")

	var resp struct {
		TotalRepos int `json:"total_repos"`
		Repos      map[string]struct {
			Exists bool   `json:"exists"`
			Error  string `json:"error"`
		} `json:"repos"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.TotalRepos)
	assert.True(t, resp.Repos["acme/widget"].Exists)
	assert.Contains(t, resp.Repos["acme/broken"].Error, "server")
}

func TestGetRunsAndEvents_EmptyArrays(t *testing.T) {
	f := newFixture(t, configuredConfig(), &stubFetcher{state: existingState})

	for _, path := range []string{"/v1/runs", "/v1/events"} {
		rr := doJSON(t, f.router, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, rr.Code, path)
		assert.Equal(t, "[]\n", rr.Body.String(), path)
	}
}

func TestGetWebhookStatus(t *testing.T) {
	f := newFixture(t, &config.Config{WebhookSecret: "s3cret"}, &stubFetcher{state: existingState})

	rr := doJSON(t, f.router, http.MethodGet, "/v1/webhooks/status", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["webhook_secret_configured"])
	assert.Equal(t, false, resp["github_token_configured"])
	assert.Equal(t, "/webhooks/inbound", resp["endpoint"])
}

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func postWebhook(router http.Handler, body []byte, signature, event, delivery string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/inbound", bytes.NewReader(body))
	if signature != "" {
		req.Header.Set("X-Hub-Signature-256", signature)
	}
	if event != "" {
		req.Header.Set("X-GitHub-Event", event)
	}
	if delivery != "" {
		req.Header.Set("X-GitHub-Delivery", delivery)
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestReceiveWebhook(t *testing.T) {
	f := newFixture(t, configuredConfig(), &stubFetcher{state: existingState})
	body := []byte(`{"zen":"test"}`)

	t.Run("valid delivery accepted", func(t *testing.T) {
		rr := postWebhook(f.router, body, signBody("s3cret", body), "ping", "d-1")
		require.Equal(t, http.StatusAccepted, rr.Code)

		var resp map[string]string
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, "accepted", resp["status"])
		assert.Equal(t, "ping", resp["event"])
		assert.Equal(t, "d-1", resp["delivery_id"])
	})

	t.Run("duplicate delivery acknowledged", func(t *testing.T) {
		rr := postWebhook(f.router, body, signBody("s3cret", body), "ping", "d-1")
		require.Equal(t, http.StatusAccepted, rr.Code)

		var resp map[string]string
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, "ignored-duplicate", resp["status"])
	})

	t.Run("bad signature rejected", func(t *testing.T) {
		rr := postWebhook(f.router, body, signBody("wrong", body), "ping", "d-2")
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("missing signature rejected", func(t *testing.T) {
		rr := postWebhook(f.router, body, "", "ping", "d-3")
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})
}

func TestReceiveWebhook_NoSecretConfigured(t *testing.T) {
	f := newFixture(t, &config.Config{GithubToken: "token"}, &stubFetcher{state: existingState})
	body := []byte(`{"zen":"test"}`)

	rr := postWebhook(f.router, body, signBody("", body), "ping", "d-4")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	events, err := f.store.ListWebhookEvents(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}
