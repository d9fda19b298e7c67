package worker

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeworker/edgeworker/internal/cache"
)

// gatedNetwork 在 gate 路径上阻塞，直到 release 被关闭。
type gatedNetwork struct {
	gate    string
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedNetwork(gate string) *gatedNetwork {
	return &gatedNetwork{gate: gate, entered: make(chan struct{}, 16), release: make(chan struct{})}
}

func (n *gatedNetwork) Fetch(ctx context.Context, req *Request) (*Response, error) {
	if req.URL.Path == n.gate {
		n.entered <- struct{}{}
		<-n.release
	}
	return &Response{Status: http.StatusOK, Header: http.Header{}, Body: []byte(req.URL.Path)}, nil
}

func (n *gatedNetwork) open() {
	n.once.Do(func() { close(n.release) })
}

func (n *gatedNetwork) waitEntered(t *testing.T) {
	t.Helper()
	select {
	case <-n.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("fetch did not reach the network")
	}
}

func TestWaitCoversInflightFetch(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemoryStore()
	net := newGatedNetwork("/events")
	t.Cleanup(net.open)

	old := newTestController(t, store, net, "1", []string{"/"})
	require.NoError(t, old.Install(ctx))
	require.NoError(t, old.Activate(ctx))

	events := siteRequest(t, http.MethodGet, "/events", navigate())
	fetched := make(chan error, 1)
	go func() {
		_, _, err := old.Fetch(ctx, events)
		fetched <- err
	}()
	net.waitEntered(t)

	old.Retire()
	_, handled, err := old.Fetch(ctx, siteRequest(t, http.MethodGet, "/", navigate()))
	require.NoError(t, err)
	assert.False(t, handled)

	waited := make(chan struct{})
	go func() {
		old.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		t.Fatal("Wait returned while a fetch was still writing")
	case <-time.After(50 * time.Millisecond):
	}

	net.open()
	require.NoError(t, <-fetched)
	<-waited

	next := newTestController(t, store, net, "2", []string{"/"})
	require.NoError(t, next.Install(ctx))
	require.NoError(t, next.Activate(ctx))
	t.Cleanup(next.Wait)

	keys, err := store.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"silverados-static-v2"}, keys)
}

func TestInstallRejectsConcurrentInstall(t *testing.T) {
	ctx := context.Background()
	net := newGatedNetwork("/")
	t.Cleanup(net.open)
	c := newTestController(t, cache.NewMemoryStore(), net, "1", []string{"/"})

	first := make(chan error, 1)
	go func() { first <- c.Install(ctx) }()
	net.waitEntered(t)

	assert.ErrorIs(t, c.Install(ctx), ErrInvalidState)

	net.open()
	require.NoError(t, <-first)
	assert.Equal(t, StateInstalled, c.State())
	assert.ErrorIs(t, c.Install(ctx), ErrInvalidState)
}
