package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/edgeworker/edgeworker/internal/server"
	"github.com/edgeworker/edgeworker/internal/worker"
)

// Network 把以站点 origin 表示的请求转发到站点上游，是 Controller 唯一的网络出口。
type Network struct {
	client *http.Client
	route  *server.SiteRoute
}

// NewNetwork 为 route 构建回源 Fetcher。route 配置了 Proxy 时自动走该代理。
func NewNetwork(client *http.Client, route *server.SiteRoute) *Network {
	return &Network{
		client: server.ClientForRoute(client, route),
		route:  route,
	}
}

// Fetch 实现 worker.Fetcher。
func (n *Network) Fetch(ctx context.Context, req *worker.Request) (*worker.Response, error) {
	return n.Forward(ctx, req, nil)
}

// Forward 携带请求体回源，用于 Controller 不处理的非 GET 请求。
// 网络层失败返回 error；任何 HTTP 状态码都作为正常响应返回。
func (n *Network) Forward(ctx context.Context, req *worker.Request, body []byte) (*worker.Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	upstream := resolveUpstreamURL(n.route.UpstreamURL, req.URL)
	upstreamReq, err := n.buildUpstreamRequest(ctx, upstream, req, body)
	if err != nil {
		return nil, err
	}

	resp, err := n.client.Do(upstreamReq)
	if err != nil {
		return nil, fmt.Errorf("upstream %s: %w", upstream.Redacted(), err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}
	header := http.Header{}
	server.CopyHeaders(header, resp.Header)
	header.Del("Content-Length")

	return &worker.Response{
		Status: resp.StatusCode,
		Header: header,
		Body:   payload,
		Source: worker.SourceNetwork,
	}, nil
}

func (n *Network) buildUpstreamRequest(ctx context.Context, upstream *url.URL, req *worker.Request, body []byte) (*http.Request, error) {
	var reader io.Reader = http.NoBody
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	upstreamReq, err := http.NewRequestWithContext(ctx, method, upstream.String(), reader)
	if err != nil {
		return nil, err
	}

	server.CopyHeaders(upstreamReq.Header, req.Header)
	// 交给 Transport 协商压缩并透明解压，缓存中只保存明文正文
	upstreamReq.Header.Del("Accept-Encoding")
	upstreamReq.Host = upstream.Host
	upstreamReq.Header.Set("Host", upstream.Host)
	upstreamReq.Header.Set("X-Forwarded-Host", req.URL.Host)
	upstreamReq.Header.Set("X-Forwarded-Proto", req.URL.Scheme)
	upstreamReq.Header.Set("X-Forwarded-Port", routePort(n.route))
	return upstreamReq, nil
}

// resolveUpstreamURL 保留请求的 path 与 query，替换 scheme/host 为上游地址。
func resolveUpstreamURL(base *url.URL, requested *url.URL) *url.URL {
	relative := &url.URL{
		Path:     normalizeRequestPath(requested.Path),
		RawQuery: requested.RawQuery,
	}
	return base.ResolveReference(relative)
}

// normalizeRequestPath 折叠 ./.. 与重复斜杠，保留末尾斜杠。
func normalizeRequestPath(raw string) string {
	if raw == "" {
		return "/"
	}
	clean := path.Clean("/" + raw)
	if strings.HasSuffix(raw, "/") && clean != "/" {
		clean += "/"
	}
	return clean
}

func routePort(route *server.SiteRoute) string {
	if route == nil || route.ListenPort <= 0 {
		return "0"
	}
	return fmt.Sprintf("%d", route.ListenPort)
}
