// Package site 管理单个站点的 Controller 生命周期：启动时安装并激活配置中的
// 版本，运行期可以在不中断服务的情况下切换到新版本。
package site

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/edgeworker/edgeworker/internal/cache"
	"github.com/edgeworker/edgeworker/internal/config"
	"github.com/edgeworker/edgeworker/internal/logging"
	"github.com/edgeworker/edgeworker/internal/worker"
)

// ErrUpgradeInProgress 表示同一站点已有版本切换在进行。
var ErrUpgradeInProgress = errors.New("upgrade already in progress")

// Options 描述 Manager 的依赖。
type Options struct {
	Site    config.SiteConfig
	Storage cache.Storage
	Network worker.Fetcher
	Logger  *logrus.Logger

	InstallConcurrency int
	RevalidateTimeout  time.Duration
	MaxEntrySize       int64
	SyncHook           func(ctx context.Context) error
	OutboxSize         int
}

// Manager 持有站点当前生效的 Controller。
type Manager struct {
	opts   Options
	logger *logrus.Logger
	outbox *Outbox

	current   atomic.Pointer[worker.Controller]
	upgrading atomic.Bool
	mu        sync.Mutex
}

// NewManager 校验依赖，不会触发任何网络请求。
func NewManager(opts Options) (*Manager, error) {
	if strings.TrimSpace(opts.Site.Name) == "" {
		return nil, errors.New("site name required")
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
	return &Manager{
		opts:   opts,
		logger: logger,
		outbox: NewOutbox(opts.OutboxSize),
	}, nil
}

// Name 返回站点名。
func (m *Manager) Name() string { return m.opts.Site.Name }

// Config 返回站点配置副本。
func (m *Manager) Config() config.SiteConfig { return m.opts.Site }

// Outbox 返回站点的通知收件箱。
func (m *Manager) Outbox() *Outbox { return m.outbox }

// Controller 返回当前生效的 Controller，Start 成功前为 nil。
func (m *Manager) Controller() *worker.Controller {
	return m.current.Load()
}

// Start 安装并激活配置中声明的版本。
func (m *Manager) Start(ctx context.Context) error {
	return m.Upgrade(ctx, m.opts.Site.Version)
}

// Upgrade 安装 version 并在成功后接管流量。安装失败时旧版本继续服务；
// 安装成功后旧版本被标记为 Redundant，等待其后台再验证结束后才激活新版本，
// 这样激活阶段的清理不会被旧版本的迟到写入抵消。
func (m *Manager) Upgrade(ctx context.Context, version string) error {
	version = strings.TrimPrefix(strings.TrimSpace(version), "v")
	if version == "" {
		return errors.New("version required")
	}
	if !m.upgrading.CompareAndSwap(false, true) {
		return ErrUpgradeInProgress
	}
	defer m.upgrading.Store(false)

	m.mu.Lock()
	defer m.mu.Unlock()

	fields := logging.ControllerFields(m.opts.Site.Name, version)
	fields["action"] = "upgrade"

	// 同版本重装会与在线版本共用静态分区，失败回滚将删掉正在服务的缓存。
	if active := m.current.Load(); active != nil && active.Version() == version && active.State() == worker.StateActivated {
		m.logger.WithFields(fields).Info("upgrade_skipped")
		return nil
	}

	next, err := worker.New(worker.Options{
		App:                m.opts.Site.Name,
		Version:            version,
		Origin:             m.opts.Site.Origin(),
		Precache:           m.opts.Site.Precache,
		Storage:            m.opts.Storage,
		Network:            m.opts.Network,
		Logger:             m.logger,
		Notifier:           m.outbox,
		WindowOpener:       m.outbox,
		SyncHook:           m.opts.SyncHook,
		NotificationIcon:   m.opts.Site.NotificationIcon,
		NotificationBadge:  m.opts.Site.NotificationBadge,
		InstallConcurrency: m.opts.InstallConcurrency,
		RevalidateTimeout:  m.opts.RevalidateTimeout,
		MaxEntrySize:       m.opts.MaxEntrySize,
	})
	if err != nil {
		return err
	}
	if err := next.Install(ctx); err != nil {
		m.logger.WithFields(fields).WithError(err).Warn("upgrade_aborted")
		return err
	}

	previous := m.current.Load()
	if previous != nil {
		fields["previous_version"] = previous.Version()
		previous.Retire()
		previous.Wait()
	}
	if err := next.Activate(ctx); err != nil {
		return fmt.Errorf("activate %s: %w", version, err)
	}
	m.current.Store(next)
	m.logger.WithFields(fields).Info("upgrade_complete")
	return nil
}

// Close 让当前 Controller 退役并等待后台任务结束。
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current := m.current.Load(); current != nil {
		current.Retire()
		current.Wait()
	}
}

// Status 是站点状态快照，供诊断接口输出。
type Status struct {
	Name             string                          `json:"name"`
	Domain           string                          `json:"domain"`
	Aliases          []string                        `json:"aliases,omitempty"`
	Version          string                          `json:"version"`
	State            string                          `json:"state"`
	StaticPartition  string                          `json:"static_partition,omitempty"`
	DynamicPartition string                          `json:"dynamic_partition,omitempty"`
	Upgrading        bool                            `json:"upgrading"`
	Stats            map[string]worker.StrategyStats `json:"stats,omitempty"`
}

// Status 返回当前状态。
func (m *Manager) Status() Status {
	status := Status{
		Name:      m.opts.Site.Name,
		Domain:    m.opts.Site.Domain,
		Aliases:   append([]string(nil), m.opts.Site.Aliases...),
		State:     "pending",
		Upgrading: m.upgrading.Load(),
	}
	if current := m.current.Load(); current != nil {
		status.Version = current.Version()
		status.State = current.State().String()
		status.StaticPartition = current.StaticPartition()
		status.DynamicPartition = current.DynamicPartition()
		status.Stats = current.Stats()
	}
	return status
}
