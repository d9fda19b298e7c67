package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/edgeworker/edgeworker/internal/config"
	"github.com/edgeworker/edgeworker/internal/site"
)

// SiteRoute 将站点配置与派生属性（解析后的 Upstream/Proxy URL、对外 origin）
// 聚合在一起，供路由/代理层直接复用，避免重复解析配置。
type SiteRoute struct {
	// Config 是用户在 config.toml 中声明的站点字段副本。
	Config config.SiteConfig
	// ListenPort 记录当前监听端口，方便日志/转发头输出。
	ListenPort int
	// Origin 是站点主域名对应的 origin，只有经由主域名的请求才会被缓存。
	Origin *url.URL
	// UpstreamURL/ProxyURL 在构造 Registry 时提前解析完成。
	UpstreamURL *url.URL
	ProxyURL    *url.URL
	// Manager 持有站点当前版本的 Controller，由启动流程注入。
	Manager *site.Manager
}

// SiteRegistry 提供 Host/Host:port 到 SiteRoute 的查询能力，所有站点共享同一个监听端口。
type SiteRegistry struct {
	routes  map[string]*SiteRoute
	byName  map[string]*SiteRoute
	ordered []*SiteRoute
}

// NewSiteRegistry 根据配置构建 Host 映射，主域名与别名都会注册。
func NewSiteRegistry(cfg *config.Config) (*SiteRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	registry := &SiteRegistry{
		routes: make(map[string]*SiteRoute, len(cfg.Sites)),
		byName: make(map[string]*SiteRoute, len(cfg.Sites)),
	}

	for _, siteCfg := range cfg.Sites {
		route, err := buildSiteRoute(cfg, siteCfg)
		if err != nil {
			return nil, err
		}
		if _, exists := registry.byName[siteCfg.Name]; exists {
			return nil, fmt.Errorf("duplicate site name %s", siteCfg.Name)
		}

		hosts := append([]string{siteCfg.Domain}, siteCfg.Aliases...)
		for _, host := range hosts {
			normalizedHost := normalizeDomain(host)
			if normalizedHost == "" {
				return nil, fmt.Errorf("invalid domain for site %s", siteCfg.Name)
			}
			if _, exists := registry.routes[normalizedHost]; exists {
				return nil, fmt.Errorf("duplicate domain mapping detected for %s", normalizedHost)
			}
			registry.routes[normalizedHost] = route
		}

		registry.byName[siteCfg.Name] = route
		registry.ordered = append(registry.ordered, route)
	}

	return registry, nil
}

// Lookup 根据 Host 或 Host:port 查找 SiteRoute。
func (r *SiteRegistry) Lookup(host string) (*SiteRoute, bool) {
	if r == nil {
		return nil, false
	}

	normalizedHost, _ := NormalizeHost(host)
	if normalizedHost == "" {
		return nil, false
	}

	route, ok := r.routes[normalizedHost]
	return route, ok
}

// ByName 根据站点名查找 SiteRoute。
func (r *SiteRegistry) ByName(name string) (*SiteRoute, bool) {
	if r == nil {
		return nil, false
	}
	route, ok := r.byName[strings.TrimSpace(name)]
	return route, ok
}

// Routes 返回按配置顺序排列的路由指针，启动流程借此注入 Manager。
func (r *SiteRegistry) Routes() []*SiteRoute {
	if r == nil {
		return nil
	}
	return append([]*SiteRoute(nil), r.ordered...)
}

// List 返回当前注册的 SiteRoute 副本（按配置定义的顺序），用于诊断输出。
func (r *SiteRegistry) List() []SiteRoute {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}

	result := make([]SiteRoute, len(r.ordered))
	for i, route := range r.ordered {
		result[i] = *route
	}
	return result
}

func buildSiteRoute(cfg *config.Config, siteCfg config.SiteConfig) (*SiteRoute, error) {
	upstreamURL, err := url.Parse(siteCfg.Upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream for site %s: %w", siteCfg.Name, err)
	}

	var proxyURL *url.URL
	if siteCfg.Proxy != "" {
		proxyURL, err = url.Parse(siteCfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy for site %s: %w", siteCfg.Name, err)
		}
	}

	return &SiteRoute{
		Config:      siteCfg,
		ListenPort:  cfg.Global.ListenPort,
		Origin:      siteCfg.Origin(),
		UpstreamURL: upstreamURL,
		ProxyURL:    proxyURL,
	}, nil
}

func normalizeDomain(domain string) string {
	host, _ := NormalizeHost(domain)
	return host
}

// NormalizeHost 去掉端口与末尾的点并转为小写，返回主机名与端口（无端口时为 0）。
func NormalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
