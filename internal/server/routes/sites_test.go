package routes

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeworker/edgeworker/internal/cache"
	"github.com/edgeworker/edgeworker/internal/config"
	"github.com/edgeworker/edgeworker/internal/server"
	"github.com/edgeworker/edgeworker/internal/site"
	"github.com/edgeworker/edgeworker/internal/worker"
)

const testAdminToken = "ops-token"

type fixture struct {
	app      *fiber.App
	registry *server.SiteRegistry
	manager  *site.Manager
	failing  *atomic.Bool
}

func newFixture(t *testing.T, start bool) *fixture {
	t.Helper()
	cfg := &config.Config{
		Global: config.GlobalConfig{ListenPort: 5000},
		Sites: []config.SiteConfig{{
			Name:     "silverados",
			Domain:   "silverados.local",
			Scheme:   "http",
			Upstream: "http://127.0.0.1:3000",
			Version:  "1",
			Precache: []string{"/"},
		}},
	}
	registry, err := server.NewSiteRegistry(cfg)
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	failing := &atomic.Bool{}
	network := worker.FetcherFunc(func(ctx context.Context, req *worker.Request) (*worker.Response, error) {
		if failing.Load() {
			return &worker.Response{Status: http.StatusServiceUnavailable}, nil
		}
		return &worker.Response{Status: http.StatusOK, Body: []byte("ok")}, nil
	})
	route := registry.Routes()[0]
	manager, err := site.NewManager(site.Options{Site: route.Config, Storage: cache.NewMemoryStore(), Network: network, Logger: logger})
	require.NoError(t, err)
	route.Manager = manager
	t.Cleanup(manager.Close)
	if start {
		require.NoError(t, manager.Start(context.Background()))
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		ListenPort: 5000,
		Proxy: server.ProxyHandlerFunc(func(c fiber.Ctx, _ *server.SiteRoute) error {
			return c.SendStatus(fiber.StatusTeapot)
		}),
		Diagnostics: func(app *fiber.App) {
			RegisterSiteRoutes(app, registry, logger, testAdminToken)
		},
	})
	require.NoError(t, err)
	return &fixture{app: app, registry: registry, manager: manager, failing: failing}
}

func (f *fixture) do(t *testing.T, method, target, body string) (int, map[string]interface{}) {
	t.Helper()
	return f.doAs(t, "Bearer "+testAdminToken, method, target, body)
}

func (f *fixture) doAs(t *testing.T, authorization, method, target, body string) (int, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, "http://admin.local"+target, strings.NewReader(body))
	req.Host = "admin.local"
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	resp, err := f.app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	decoded := map[string]interface{}{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &decoded), string(raw))
	}
	return resp.StatusCode, decoded
}

func TestListSites(t *testing.T) {
	f := newFixture(t, true)
	status, body := f.do(t, http.MethodGet, "/-/sites", "")
	require.Equal(t, http.StatusOK, status)

	sites, ok := body["sites"].([]interface{})
	require.True(t, ok)
	require.Len(t, sites, 1)
	entry := sites[0].(map[string]interface{})
	assert.Equal(t, "silverados", entry["name"])
	assert.Equal(t, "activated", entry["state"])
	assert.Equal(t, "1", entry["version"])
	assert.Equal(t, "silverados-static-v1", entry["static_partition"])
	assert.Equal(t, float64(5000), entry["port"])
}

func TestUpgradeEndpoint(t *testing.T) {
	f := newFixture(t, true)

	status, body := f.do(t, http.MethodPost, "/-/sites/silverados/upgrade", `{"version":"2"}`)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "2", body["version"])

	status, body = f.do(t, http.MethodPost, "/-/sites/silverados/upgrade", `{}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "version_required", body["error"])

	f.failing.Store(true)
	status, body = f.do(t, http.MethodPost, "/-/sites/silverados/upgrade", `{"version":"3"}`)
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, "install_failed", body["error"])
	assert.Equal(t, "2", f.manager.Controller().Version())

	status, body = f.do(t, http.MethodPost, "/-/sites/unknown/upgrade", `{"version":"3"}`)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "site_not_found", body["error"])
}

func TestSyncEndpoint(t *testing.T) {
	f := newFixture(t, true)
	status, body := f.do(t, http.MethodPost, "/-/sites/silverados/sync/background-sync", "")
	assert.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, "background-sync", body["tag"])
}

func TestEndpointsRequireStartedSite(t *testing.T) {
	f := newFixture(t, false)
	status, body := f.do(t, http.MethodPost, "/-/sites/silverados/push", `{"title":"x"}`)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "site_unavailable", body["error"])
}

func TestPushNotificationsAndClick(t *testing.T) {
	f := newFixture(t, true)

	status, body := f.do(t, http.MethodPost, "/-/sites/silverados/push", `{"title":"New dogs","body":"3 photos","url":"/media"}`)
	require.Equal(t, http.StatusCreated, status)
	id, _ := body["id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "New dogs", body["title"])

	status, body = f.do(t, http.MethodGet, "/-/sites/silverados/notifications", "")
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["notifications"], 1)

	status, body = f.do(t, http.MethodPost, "/-/sites/silverados/notifications/"+id+"/click", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "/media", body["url"])

	status, body = f.do(t, http.MethodPost, "/-/sites/silverados/notifications/"+id+"/click", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "notification_not_found", body["error"])
}

func TestPushRejectsInvalidPayload(t *testing.T) {
	f := newFixture(t, true)
	status, body := f.do(t, http.MethodPost, "/-/sites/silverados/push", `{broken`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_payload", body["error"])

	status, _ = f.do(t, http.MethodPost, "/-/sites/silverados/push", "")
	assert.Equal(t, http.StatusNoContent, status)
}

func TestMutatingEndpointsRequireAdminToken(t *testing.T) {
	f := newFixture(t, true)

	status, body := f.doAs(t, "", http.MethodPost, "/-/sites/silverados/upgrade", `{"version":"2"}`)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "unauthorized", body["error"])

	status, _ = f.doAs(t, "Bearer wrong", http.MethodPost, "/-/sites/silverados/push", `{"title":"x"}`)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = f.doAs(t, "Basic b3BzLXRva2Vu", http.MethodPost, "/-/sites/silverados/sync/background-sync", "")
	assert.Equal(t, http.StatusUnauthorized, status)

	assert.Equal(t, "1", f.manager.Controller().Version())
	assert.Empty(t, f.manager.Outbox().List())

	status, _ = f.doAs(t, "", http.MethodGet, "/-/sites/silverados", "")
	assert.Equal(t, http.StatusOK, status)
}

func TestMutatingEndpointsDisabledWithoutToken(t *testing.T) {
	f := newFixture(t, true)
	app, err := server.NewApp(server.AppOptions{
		Logger:     logrus.New(),
		Registry:   f.registry,
		ListenPort: 5000,
		Proxy: server.ProxyHandlerFunc(func(c fiber.Ctx, _ *server.SiteRoute) error {
			return c.SendStatus(fiber.StatusTeapot)
		}),
		Diagnostics: func(app *fiber.App) {
			RegisterSiteRoutes(app, f.registry, nil, "")
		},
	})
	require.NoError(t, err)
	f.app = app

	status, body := f.do(t, http.MethodPost, "/-/sites/silverados/upgrade", `{"version":"2"}`)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "admin_disabled", body["error"])
	assert.Equal(t, "1", f.manager.Controller().Version())
}
