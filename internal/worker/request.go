package worker

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/edgeworker/edgeworker/internal/cache"
)

// Request 是被拦截的一次资源请求。
type Request struct {
	Method      string
	URL         *url.URL
	Header      http.Header
	Destination Destination
}

// NewRequest 解析 rawURL 并在边界处判定 Destination。
func NewRequest(method, rawURL string, header http.Header) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if header == nil {
		header = http.Header{}
	}
	return &Request{
		Method:      strings.ToUpper(method),
		URL:         u,
		Header:      header,
		Destination: Classify(u.Path, header),
	}, nil
}

// Key 返回请求在缓存中的标识（method + URL）。
func (r *Request) Key() string {
	return cache.RequestKey(r.Method, r.URL.String())
}

// Source 标识响应来自网络还是缓存。
type Source string

const (
	SourceNetwork Source = "network"
	SourceCache   Source = "cache"
)

// Response 是返回给调用方的响应。正文为完整字节切片，写缓存时总是复制，
// 因此调用方拿到的值与缓存中的快照互不影响。
type Response struct {
	Status    int
	Header    http.Header
	Body      []byte
	Source    Source
	Partition string
	Strategy  Strategy
}

// OK 对应 fetch Response.ok。
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status <= 299
}

// Clone 返回不共享 Header/Body 的副本。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	cloned := *r
	cloned.Header = r.Header.Clone()
	cloned.Body = bytes.Clone(r.Body)
	return &cloned
}

func responseFromStored(stored *cache.StoredResponse, partition string) *Response {
	return &Response{
		Status:    stored.Status,
		Header:    stored.Header,
		Body:      stored.Body,
		Source:    SourceCache,
		Partition: partition,
	}
}

// Fetcher 是 Controller 访问网络的唯一出口。返回 error 表示网络层失败
// （连接失败、超时等）；非 2xx 状态码属于正常响应。
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// FetcherFunc 让普通函数满足 Fetcher。
type FetcherFunc func(ctx context.Context, req *Request) (*Response, error)

// Fetch 实现 Fetcher。
func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}
