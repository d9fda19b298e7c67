package worker

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/edgeworker/edgeworker/internal/cache"
)

var errOffline = errors.New("network unreachable")

type fakeResource struct {
	status int
	body   string
}

// fakeNetwork 按路径返回预置内容，并记录每个路径的访问次数。
type fakeNetwork struct {
	mu        sync.Mutex
	resources map[string]fakeResource
	calls     map[string]int
	offline   bool
}

func newFakeNetwork(paths ...string) *fakeNetwork {
	n := &fakeNetwork{resources: map[string]fakeResource{}, calls: map[string]int{}}
	for _, p := range paths {
		n.resources[p] = fakeResource{status: http.StatusOK, body: "body of " + p}
	}
	return n
}

func (n *fakeNetwork) Fetch(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls[req.URL.Path]++
	if n.offline {
		return nil, errOffline
	}
	res, ok := n.resources[req.URL.Path]
	if !ok {
		return &Response{Status: http.StatusNotFound, Header: http.Header{}, Body: []byte("not found")}, nil
	}
	return &Response{
		Status: res.status,
		Header: http.Header{"Content-Type": {"text/plain"}},
		Body:   []byte(res.body),
	}, nil
}

func (n *fakeNetwork) set(path string, status int, body string) {
	n.mu.Lock()
	n.resources[path] = fakeResource{status: status, body: body}
	n.mu.Unlock()
}

func (n *fakeNetwork) setOffline(offline bool) {
	n.mu.Lock()
	n.offline = offline
	n.mu.Unlock()
}

func (n *fakeNetwork) callCount(path string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[path]
}

// faultyStorage 在指定分区上注入写入或删除失败。
type faultyStorage struct {
	cache.Storage
	failPutKey      string
	failDeleteNames map[string]bool
}

func (s *faultyStorage) Put(ctx context.Context, loc cache.Locator, resp *cache.StoredResponse) error {
	if s.failPutKey != "" && loc.Key == s.failPutKey {
		return errors.New("disk full")
	}
	return s.Storage.Put(ctx, loc, resp)
}

func (s *faultyStorage) Delete(ctx context.Context, partition string) (bool, error) {
	if s.failDeleteNames[partition] {
		return false, errors.New("permission denied")
	}
	return s.Storage.Delete(ctx, partition)
}

type recordingNotifier struct {
	mu     sync.Mutex
	shown  []Notification
	closed []string
	opened []string
}

func (r *recordingNotifier) ShowNotification(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shown = append(r.shown, n)
	return nil
}

func (r *recordingNotifier) CloseNotification(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, id)
	return nil
}

func (r *recordingNotifier) OpenWindow(_ context.Context, url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opened = append(r.opened, url)
	return nil
}

var testOrigin = &url.URL{Scheme: "https", Host: "silverados.local"}

var appShell = []string{
	"/",
	"/manifest.json",
	"/favicon.ico",
	"/logo.png",
	"/media/dogs-at-play.jpg",
	"/android-chrome-192x192.png",
	"/android-chrome-512x512.png",
	"/apple-touch-icon.png",
	"/favicon-16x16.png",
	"/favicon-32x32.png",
}

func newTestController(t *testing.T, storage cache.Storage, network Fetcher, version string, precache []string) *Controller {
	t.Helper()
	c, err := New(Options{
		App:      "silverados",
		Version:  version,
		Origin:   testOrigin,
		Precache: precache,
		Storage:  storage,
		Network:  network,
	})
	require.NoError(t, err)
	return c
}

// activeController 完成 install + activate，返回可直接拦截请求的 Controller。
func activeController(t *testing.T, storage cache.Storage, network Fetcher, precache []string) *Controller {
	t.Helper()
	c := newTestController(t, storage, network, "1", precache)
	require.NoError(t, c.Install(context.Background()))
	require.NoError(t, c.Activate(context.Background()))
	t.Cleanup(c.Wait)
	return c
}

func siteRequest(t *testing.T, method, path string, header http.Header) *Request {
	t.Helper()
	req, err := NewRequest(method, testOrigin.String()+path, header)
	require.NoError(t, err)
	return req
}

func navigate() http.Header {
	return http.Header{"Sec-Fetch-Mode": {"navigate"}, "Sec-Fetch-Dest": {"document"}}
}
