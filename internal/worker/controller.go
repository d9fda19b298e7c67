package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/edgeworker/edgeworker/internal/cache"
	"github.com/edgeworker/edgeworker/internal/logging"
)

const (
	defaultInstallConcurrency = 4
	defaultRevalidateTimeout  = 30 * time.Second
)

var (
	// ErrInstallFailed 表示预缓存阶段失败，该版本不会进入 Installed。
	ErrInstallFailed = errors.New("install failed")
	// ErrInvalidState 表示生命周期调用顺序不合法。
	ErrInvalidState = errors.New("invalid controller state")
)

// Options 描述构建 Controller 所需的依赖与参数。
type Options struct {
	// App 是缓存命名空间前缀，分区名形如 <App>-static-v<Version>。
	App     string
	Version string
	// Origin 是站点自身的 origin，只有同源请求会被拦截。
	Origin *url.URL
	// Precache 为 Install 阶段需要预取的路径列表（app shell）。
	Precache []string

	Storage cache.Storage
	Network Fetcher
	Logger  *logrus.Logger

	Notifier     Notifier
	WindowOpener WindowOpener
	// SyncHook 在收到 background-sync 标签时执行，为空时仅记录日志。
	SyncHook func(ctx context.Context) error

	NotificationIcon  string
	NotificationBadge string

	InstallConcurrency int
	RevalidateTimeout  time.Duration
	// MaxEntrySize 大于 0 时，超过该大小的响应照常返回但不写入缓存。
	MaxEntrySize int64
}

type strategyFunc func(ctx context.Context, req *Request, key string) (*Response, error)

// Controller 是单个站点版本的资源缓存控制器。
type Controller struct {
	app      string
	version  string
	origin   *url.URL
	precache []string

	storage cache.Storage
	network Fetcher
	logger  *logrus.Logger

	notifier     Notifier
	opener       WindowOpener
	syncHook     func(ctx context.Context) error
	notifyIcon   string
	notifyBadge  string
	installLimit int
	revalidateTO time.Duration
	maxEntrySize int64

	strategies map[Strategy]strategyFunc

	mu         sync.RWMutex
	state      State
	installing bool

	revalidations singleflight.Group
	// work 跟踪进行中的 Fetch 及其派生的后台再验证，只在 Activated 下于 mu 内 Add。
	work sync.WaitGroup
	stats         statsRecorder
	now           func() time.Time
}

// New 校验依赖并返回处于 Installing 阶段的 Controller。
func New(opts Options) (*Controller, error) {
	app := strings.TrimSpace(opts.App)
	if app == "" {
		return nil, errors.New("app name required")
	}
	version := strings.TrimSpace(opts.Version)
	if version == "" {
		return nil, errors.New("version required")
	}
	if opts.Origin == nil || opts.Origin.Host == "" {
		return nil, errors.New("origin required")
	}
	if opts.Storage == nil {
		return nil, errors.New("cache storage required")
	}
	if opts.Network == nil {
		return nil, errors.New("network fetcher required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	c := &Controller{
		app:          app,
		version:      version,
		origin:       &url.URL{Scheme: strings.ToLower(opts.Origin.Scheme), Host: strings.ToLower(opts.Origin.Host)},
		precache:     append([]string(nil), opts.Precache...),
		storage:      opts.Storage,
		network:      opts.Network,
		logger:       logger,
		notifier:     opts.Notifier,
		opener:       opts.WindowOpener,
		syncHook:     opts.SyncHook,
		notifyIcon:   opts.NotificationIcon,
		notifyBadge:  opts.NotificationBadge,
		installLimit: opts.InstallConcurrency,
		revalidateTO: opts.RevalidateTimeout,
		maxEntrySize: opts.MaxEntrySize,
		state:        StateInstalling,
		now:          time.Now,
	}
	if c.installLimit <= 0 {
		c.installLimit = defaultInstallConcurrency
	}
	if c.revalidateTO <= 0 {
		c.revalidateTO = defaultRevalidateTimeout
	}
	if c.notifyIcon == "" {
		c.notifyIcon = defaultNotificationIcon
	}
	if c.notifyBadge == "" {
		c.notifyBadge = defaultNotificationBadge
	}
	if c.notifier == nil {
		c.notifier = logNotifier{logger: logger}
	}
	if c.opener == nil {
		c.opener = logNotifier{logger: logger}
	}
	c.strategies = map[Strategy]strategyFunc{
		StrategyNetworkFirst:         c.networkFirst,
		StrategyCacheFirst:           c.cacheFirst,
		StrategyStaleWhileRevalidate: c.staleWhileRevalidate,
	}
	return c, nil
}

// App 返回缓存命名空间前缀。
func (c *Controller) App() string { return c.app }

// Version 返回当前版本号。
func (c *Controller) Version() string { return c.version }

// Origin 返回站点 origin 的副本。
func (c *Controller) Origin() *url.URL {
	u := *c.origin
	return &u
}

// StaticPartition 返回当前版本的静态分区名。
func (c *Controller) StaticPartition() string {
	return PartitionName(c.app, "static", c.version)
}

// DynamicPartition 返回当前版本的动态分区名。
func (c *Controller) DynamicPartition() string {
	return PartitionName(c.app, "dynamic", c.version)
}

// PartitionName 拼接 <app>-<kind>-v<version> 形式的分区名。
func PartitionName(app, kind, version string) string {
	return fmt.Sprintf("%s-%s-v%s", app, kind, version)
}

// State 返回当前生命周期阶段。
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Retire 将 Controller 标记为 Redundant，之后的 Fetch 都会被拒绝处理。
// 返回后不会再有新的 Fetch 被计入 Wait。
func (c *Controller) Retire() {
	c.setState(StateRedundant)
}

// Wait 阻塞直到进行中的 Fetch 与后台再验证全部结束，此后不再有缓存写入。
// 需在 Retire 之后调用。
func (c *Controller) Wait() {
	c.work.Wait()
}

// Stats 返回各策略的计数快照。
func (c *Controller) Stats() map[string]StrategyStats {
	return c.stats.snapshot()
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Controller) transition(from, to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != from {
		return fmt.Errorf("%w: expected %s, got %s", ErrInvalidState, from, c.state)
	}
	c.state = to
	return nil
}

func (c *Controller) fields(action string) logrus.Fields {
	fields := logging.ControllerFields(c.app, c.version)
	fields["action"] = action
	return fields
}

// Install 预取 Precache 中的全部资源并写入静态分区。任一资源获取失败
// （网络错误、非 2xx 或 206）都会使整次安装失败且不写入任何条目；写入阶段失败时
// 删除静态分区回滚。成功后进入 Installed，由宿主立即激活（skip waiting）。
func (c *Controller) Install(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateInstalling || c.installing {
		state, running := c.state, c.installing
		c.mu.Unlock()
		if running {
			return fmt.Errorf("%w: install already running", ErrInvalidState)
		}
		return fmt.Errorf("%w: expected %s, got %s", ErrInvalidState, StateInstalling, state)
	}
	c.installing = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.installing = false
		c.mu.Unlock()
	}()

	started := time.Now()
	requests, err := c.precacheRequests()
	if err != nil {
		c.setState(StateRedundant)
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	responses := make([]*Response, len(requests))
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(c.installLimit)
	for i, req := range requests {
		group.Go(func() error {
			resp, err := c.network.Fetch(gctx, req)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", req.URL.Path, err)
			}
			if !c.cacheable(req, resp) {
				return fmt.Errorf("fetch %s: unexpected status %d", req.URL.Path, resp.Status)
			}
			responses[i] = resp
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		c.setState(StateRedundant)
		c.logger.WithFields(c.fields("install")).WithError(err).Error("install_failed")
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	static, err := cache.OpenPartition(ctx, c.storage, c.StaticPartition())
	if err != nil {
		c.setState(StateRedundant)
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}
	for i, req := range requests {
		if err := static.Put(ctx, req.Key(), c.snapshot(responses[i])); err != nil {
			c.rollbackStatic(ctx)
			c.setState(StateRedundant)
			c.logger.WithFields(c.fields("install")).WithError(err).Error("install_failed")
			return fmt.Errorf("%w: store %s: %w", ErrInstallFailed, req.URL.Path, err)
		}
	}

	c.setState(StateInstalled)
	fields := c.fields("install")
	fields["partition"] = static.Name()
	fields["assets"] = len(requests)
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	c.logger.WithFields(fields).Info("install_complete")
	return nil
}

func (c *Controller) precacheRequests() ([]*Request, error) {
	seen := make(map[string]struct{}, len(c.precache))
	requests := make([]*Request, 0, len(c.precache))
	for _, raw := range c.precache {
		ref, err := url.Parse(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("precache %q: %w", raw, err)
		}
		target := c.origin.ResolveReference(ref)
		if !c.sameOrigin(target) {
			return nil, fmt.Errorf("precache %q: cross-origin asset", raw)
		}
		header := http.Header{}
		req := &Request{
			Method:      http.MethodGet,
			URL:         target,
			Header:      header,
			Destination: Classify(target.Path, header),
		}
		if _, dup := seen[req.Key()]; dup {
			continue
		}
		seen[req.Key()] = struct{}{}
		requests = append(requests, req)
	}
	return requests, nil
}

func (c *Controller) rollbackStatic(ctx context.Context) {
	if _, err := c.storage.Delete(context.WithoutCancel(ctx), c.StaticPartition()); err != nil {
		fields := c.fields("install_rollback")
		fields["partition"] = c.StaticPartition()
		c.logger.WithFields(fields).WithError(err).Warn("rollback_failed")
	}
}

// Activate 清理命名空间内不属于当前版本的分区，然后接管所有客户端。
// 单个分区删除失败只记录日志，不会阻塞激活。
func (c *Controller) Activate(ctx context.Context) error {
	if err := c.transition(StateInstalled, StateActivating); err != nil {
		return err
	}

	purged := 0
	names, err := c.storage.Keys(ctx)
	if err != nil {
		c.logger.WithFields(c.fields("activate")).WithError(err).Warn("partition_list_failed")
	}
	prefix := c.app + "-"
	static, dynamic := c.StaticPartition(), c.DynamicPartition()
	for _, name := range names {
		if !strings.HasPrefix(name, prefix) || name == static || name == dynamic {
			continue
		}
		fields := c.fields("purge")
		fields["partition"] = name
		if _, err := c.storage.Delete(ctx, name); err != nil {
			c.logger.WithFields(fields).WithError(err).Warn("purge_failed")
			continue
		}
		purged++
		c.logger.WithFields(fields).Info("partition_purged")
	}

	c.setState(StateActivated)
	fields := c.fields("activate")
	fields["purged"] = purged
	c.logger.WithFields(fields).Info("activate_complete")
	return nil
}

// Fetch 拦截一次请求。handled=false 表示 Controller 不介入（非 GET、跨域或
// 尚未激活），宿主应直接走网络；handled=true 时 resp/err 即为最终结果。
func (c *Controller) Fetch(ctx context.Context, req *Request) (*Response, bool, error) {
	if req == nil || req.URL == nil {
		return nil, false, nil
	}
	if !strings.EqualFold(req.Method, http.MethodGet) {
		return nil, false, nil
	}
	if !c.sameOrigin(req.URL) {
		return nil, false, nil
	}
	c.mu.RLock()
	if c.state != StateActivated {
		c.mu.RUnlock()
		return nil, false, nil
	}
	c.work.Add(1)
	c.mu.RUnlock()
	defer c.work.Done()

	strategy := StrategyFor(req.Destination)
	resp, err := c.strategies[strategy](ctx, req, req.Key())
	if resp != nil {
		resp.Strategy = strategy
	}
	c.stats.record(strategy, resp, err)
	return resp, true, err
}

func (c *Controller) sameOrigin(u *url.URL) bool {
	if u == nil {
		return false
	}
	return strings.EqualFold(u.Scheme, c.origin.Scheme) && strings.EqualFold(u.Host, c.origin.Host)
}

// match 按 static → dynamic 的固定顺序查找当前版本的分区。
func (c *Controller) match(ctx context.Context, key string) (*Response, error) {
	stored, partition, err := cache.MatchAny(ctx, c.storage, []string{c.StaticPartition(), c.DynamicPartition()}, key)
	if err != nil {
		return nil, err
	}
	return responseFromStored(stored, partition), nil
}

// lookup 与 match 相同，但把非 ErrNotFound 的读取错误记录后视为未命中。
func (c *Controller) lookup(ctx context.Context, req *Request, key string) *Response {
	resp, err := c.match(ctx, key)
	if err == nil {
		return resp
	}
	if !errors.Is(err, cache.ErrNotFound) {
		fields := c.fields("cache_match")
		fields["url"] = req.URL.String()
		c.logger.WithFields(fields).WithError(err).Warn("cache_match_failed")
	}
	return nil
}

// uncachedHeaders 属于单个访客，不随共享缓存重放给其他人。
var uncachedHeaders = []string{"Set-Cookie", "Set-Cookie2"}

// cacheable 判断响应能否写入缓存：只接受完整的 2xx 响应，
// 206 以及对 Range 请求的响应都只服务当前请求。
func (c *Controller) cacheable(req *Request, resp *Response) bool {
	if !resp.OK() || resp.Status == http.StatusPartialContent {
		return false
	}
	return req == nil || req.Header.Get("Range") == ""
}

func (c *Controller) snapshot(resp *Response) *cache.StoredResponse {
	header := resp.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	for _, name := range uncachedHeaders {
		header.Del(name)
	}
	return &cache.StoredResponse{
		Status:   resp.Status,
		Header:   header,
		Body:     bytes.Clone(resp.Body),
		StoredAt: c.now().UTC(),
	}
}

// store 写入响应副本。调用方可能已经离开，因此使用脱离取消的 context；
// 写入失败只记录日志。
func (c *Controller) store(ctx context.Context, partition, key string, resp *Response) {
	if c.maxEntrySize > 0 && int64(len(resp.Body)) > c.maxEntrySize {
		fields := c.fields("cache_put")
		fields["partition"] = partition
		fields["size"] = len(resp.Body)
		c.logger.WithFields(fields).Debug("cache_put_skipped_oversize")
		return
	}
	err := c.storage.Put(context.WithoutCancel(ctx), cache.Locator{Partition: partition, Key: key}, c.snapshot(resp))
	if err != nil {
		fields := c.fields("cache_put")
		fields["partition"] = partition
		c.logger.WithFields(fields).WithError(err).Warn("cache_put_failed")
	}
}

func (c *Controller) networkFirst(ctx context.Context, req *Request, key string) (*Response, error) {
	resp, err := c.network.Fetch(ctx, req)
	if err == nil {
		resp.Source = SourceNetwork
		if c.cacheable(req, resp) {
			c.store(ctx, c.DynamicPartition(), key, resp)
		}
		return resp, nil
	}

	if cached := c.lookup(ctx, req, key); cached != nil {
		fields := c.fields("network_first_fallback")
		fields["url"] = req.URL.String()
		fields["partition"] = cached.Partition
		c.logger.WithFields(fields).WithError(err).Info("served_from_cache")
		return cached, nil
	}
	return nil, fmt.Errorf("network-first %s: %w", req.URL.Path, err)
}

func (c *Controller) cacheFirst(ctx context.Context, req *Request, key string) (*Response, error) {
	if cached := c.lookup(ctx, req, key); cached != nil {
		return cached, nil
	}

	resp, err := c.network.Fetch(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("cache-first %s: %w", req.URL.Path, err)
	}
	resp.Source = SourceNetwork
	if c.cacheable(req, resp) {
		c.store(ctx, c.StaticPartition(), key, resp)
	}
	return resp, nil
}

func (c *Controller) staleWhileRevalidate(ctx context.Context, req *Request, key string) (*Response, error) {
	cached := c.lookup(ctx, req, key)
	if cached != nil {
		// 后台刷新，不阻塞缓存返回
		c.revalidate(context.WithoutCancel(ctx), req, key, true)
		return cached, nil
	}

	select {
	case result := <-c.revalidate(ctx, req, key, false):
		if result.err != nil {
			return nil, fmt.Errorf("stale-while-revalidate %s: %w", req.URL.Path, result.err)
		}
		return result.resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type revalidateResult struct {
	resp *Response
	err  error
}

// revalidate 在受 Wait 跟踪的 goroutine 中回源并把可缓存的结果写入动态分区。
// 只在 Fetch 内调用，此时 work 计数必然大于零。
// 同一 key 的并发回源通过 singleflight 合并。
func (c *Controller) revalidate(ctx context.Context, req *Request, key string, background bool) <-chan revalidateResult {
	out := make(chan revalidateResult, 1)
	// Range 请求的结果只属于该请求，不与完整请求合并
	flight := key
	if rng := req.Header.Get("Range"); rng != "" {
		flight = key + " range=" + rng
	}
	c.work.Add(1)
	go func() {
		defer c.work.Done()
		value, err, _ := c.revalidations.Do(flight, func() (interface{}, error) {
			fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.revalidateTO)
			defer cancel()
			resp, err := c.network.Fetch(fetchCtx, req)
			if err != nil {
				return nil, err
			}
			resp.Source = SourceNetwork
			if c.cacheable(req, resp) {
				c.store(fetchCtx, c.DynamicPartition(), key, resp)
			}
			return resp, nil
		})
		if err != nil {
			if background {
				fields := c.fields("revalidate")
				fields["url"] = req.URL.String()
				c.logger.WithFields(fields).WithError(err).Warn("revalidate_failed")
			}
			out <- revalidateResult{err: err}
			return
		}
		out <- revalidateResult{resp: value.(*Response).Clone()}
	}()
	return out
}
