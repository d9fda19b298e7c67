package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeworker/edgeworker/internal/cache"
	"github.com/edgeworker/edgeworker/internal/config"
	"github.com/edgeworker/edgeworker/internal/server"
	"github.com/edgeworker/edgeworker/internal/site"
)

type upstreamRecorder struct {
	mu      sync.Mutex
	hits    map[string]int
	headers map[string]http.Header
	feed    string
}

func (u *upstreamRecorder) count(path string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.hits[path]
}

func (u *upstreamRecorder) lastHeader(path string) http.Header {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.headers[path]
}

func (u *upstreamRecorder) setFeed(body string) {
	u.mu.Lock()
	u.feed = body
	u.mu.Unlock()
}

func (u *upstreamRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	u.mu.Lock()
	u.hits[r.URL.Path]++
	u.headers[r.URL.Path] = r.Header.Clone()
	feed := u.feed
	u.mu.Unlock()

	switch r.URL.Path {
	case "/":
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, "<html>silverados</html>")
	case "/logo.png":
		w.Header().Set("Content-Type", "image/png")
		_, _ = io.WriteString(w, "png-bytes")
	case "/api/feed":
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, feed)
	case "/api/items":
		body, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(body)
	case "/search":
		_, _ = io.WriteString(w, "q="+r.URL.Query().Get("q"))
	default:
		http.NotFound(w, r)
	}
}

type proxyFixture struct {
	app      *fiber.App
	upstream *httptest.Server
	recorder *upstreamRecorder
	manager  *site.Manager
}

func newProxyFixture(t *testing.T) *proxyFixture {
	t.Helper()
	recorder := &upstreamRecorder{hits: map[string]int{}, headers: map[string]http.Header{}, feed: `{"v":1}`}
	upstream := httptest.NewServer(recorder)
	t.Cleanup(upstream.Close)

	cfg := &config.Config{
		Global: config.GlobalConfig{ListenPort: 5000},
		Sites: []config.SiteConfig{{
			Name:     "silverados",
			Domain:   "silverados.local",
			Aliases:  []string{"www.silverados.local"},
			Scheme:   "http",
			Upstream: upstream.URL,
			Version:  "1",
			Precache: []string{"/", "/logo.png"},
		}},
	}
	registry, err := server.NewSiteRegistry(cfg)
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	client := server.NewUpstreamClient(cfg)

	route := registry.Routes()[0]
	manager, err := site.NewManager(site.Options{
		Site:    route.Config,
		Storage: cache.NewMemoryStore(),
		Network: NewNetwork(client, route),
		Logger:  logger,
	})
	require.NoError(t, err)
	route.Manager = manager
	t.Cleanup(manager.Close)
	require.NoError(t, manager.Start(context.Background()))

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      NewForwarder(NewHandler(client, logger), logger),
		ListenPort: 5000,
	})
	require.NoError(t, err)

	return &proxyFixture{app: app, upstream: upstream, recorder: recorder, manager: manager}
}

func (f *proxyFixture) do(t *testing.T, method, host, target string, header http.Header, body string) (*http.Response, string) {
	t.Helper()
	req := httptest.NewRequest(method, "http://"+host+target, strings.NewReader(body))
	req.Host = host
	for key, values := range header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	resp, err := f.app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(raw)
}

func navigateHeader() http.Header {
	return http.Header{"Sec-Fetch-Mode": {"navigate"}, "Sec-Fetch-Dest": {"document"}}
}

func TestHandlerServesPrecachedImageFromCache(t *testing.T) {
	f := newProxyFixture(t)

	resp, body := f.do(t, http.MethodGet, "silverados.local:5000", "/logo.png", http.Header{"Sec-Fetch-Dest": {"image"}}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "png-bytes", body)
	assert.Equal(t, "hit", resp.Header.Get("X-Edge-Cache"))
	assert.Equal(t, "cache-first", resp.Header.Get("X-Edge-Strategy"))
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	assert.Equal(t, 1, f.recorder.count("/logo.png"))
}

func TestHandlerNavigationIsNetworkFirst(t *testing.T) {
	f := newProxyFixture(t)

	resp, body := f.do(t, http.MethodGet, "silverados.local", "/", navigateHeader(), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "<html>silverados</html>", body)
	assert.Equal(t, "miss", resp.Header.Get("X-Edge-Cache"))
	assert.Equal(t, "network-first", resp.Header.Get("X-Edge-Strategy"))
	assert.Equal(t, 2, f.recorder.count("/"))

	forwarded := f.recorder.lastHeader("/")
	assert.Equal(t, "silverados.local", forwarded.Get("X-Forwarded-Host"))
	assert.Equal(t, "http", forwarded.Get("X-Forwarded-Proto"))
	assert.Equal(t, "5000", forwarded.Get("X-Forwarded-Port"))
	assert.NotEmpty(t, forwarded.Get("X-Forwarded-For"))
}

func TestHandlerServesAppShellOffline(t *testing.T) {
	f := newProxyFixture(t)
	f.upstream.Close()

	resp, body := f.do(t, http.MethodGet, "silverados.local", "/", navigateHeader(), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "<html>silverados</html>", body)
	assert.Equal(t, "hit", resp.Header.Get("X-Edge-Cache"))

	resp, body = f.do(t, http.MethodGet, "silverados.local", "/about", navigateHeader(), "")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, body, "upstream_failed")
}

func TestHandlerStaleWhileRevalidate(t *testing.T) {
	f := newProxyFixture(t)

	resp, body := f.do(t, http.MethodGet, "silverados.local", "/api/feed", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `{"v":1}`, body)
	assert.Equal(t, "miss", resp.Header.Get("X-Edge-Cache"))
	assert.Equal(t, "stale-while-revalidate", resp.Header.Get("X-Edge-Strategy"))

	f.recorder.setFeed(`{"v":2}`)
	resp, body = f.do(t, http.MethodGet, "silverados.local", "/api/feed", nil, "")
	assert.Equal(t, `{"v":1}`, body)
	assert.Equal(t, "hit", resp.Header.Get("X-Edge-Cache"))

	f.manager.Controller().Wait()
	_, body = f.do(t, http.MethodGet, "silverados.local", "/api/feed", nil, "")
	assert.Equal(t, `{"v":2}`, body)
	f.manager.Controller().Wait()
}

func TestHandlerBypassesAliasHost(t *testing.T) {
	f := newProxyFixture(t)

	resp, body := f.do(t, http.MethodGet, "www.silverados.local", "/logo.png", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "png-bytes", body)
	assert.Equal(t, "bypass", resp.Header.Get("X-Edge-Cache"))
	assert.Empty(t, resp.Header.Get("X-Edge-Strategy"))
	assert.Equal(t, 2, f.recorder.count("/logo.png"))
}

func TestHandlerPassesThroughNonGet(t *testing.T) {
	f := newProxyFixture(t)

	resp, body := f.do(t, http.MethodPost, "silverados.local", "/api/items", http.Header{"Content-Type": {"application/json"}}, `{"name":"rex"}`)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, `{"name":"rex"}`, body)
	assert.Equal(t, "bypass", resp.Header.Get("X-Edge-Cache"))
}

func TestHandlerKeepsQueryString(t *testing.T) {
	f := newProxyFixture(t)

	_, body := f.do(t, http.MethodGet, "silverados.local", "/search?q=dogs", nil, "")
	assert.Equal(t, "q=dogs", body)
}

func TestResolveUpstreamURL(t *testing.T) {
	base, _ := url.Parse("http://127.0.0.1:3000")
	requested, _ := url.Parse("https://silverados.local/media/../logo.png?size=2")

	got := resolveUpstreamURL(base, requested)
	assert.Equal(t, "http://127.0.0.1:3000/logo.png?size=2", got.String())
}

func TestNormalizeRequestPath(t *testing.T) {
	assert.Equal(t, "/", normalizeRequestPath(""))
	assert.Equal(t, "/media/", normalizeRequestPath("/media//"))
	assert.Equal(t, "/logo.png", normalizeRequestPath("a/../logo.png"))
}
