package cache

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

// Storage 管理全部命名分区，语义与浏览器 CacheStorage 对齐：
//
//	Open   → caches.open（不存在则创建）
//	Keys   → caches.keys
//	Delete → caches.delete
//
// 条目级读写通过 Locator 定位（分区名 + 请求标识）。
type Storage interface {
	// Open 确保分区存在，重复调用无副作用。
	Open(ctx context.Context, partition string) error

	// Keys 返回当前所有分区名，按字典序排列。
	Keys(ctx context.Context) ([]string, error)

	// Delete 删除整个分区及其条目，分区不存在时返回 false。
	Delete(ctx context.Context, partition string) (bool, error)

	// Get 返回缓存条目的独立副本，不存在时返回 ErrNotFound。
	Get(ctx context.Context, locator Locator) (*StoredResponse, error)

	// Put 写入条目，分区不存在时隐式创建；同 Locator 后写覆盖先写。
	Put(ctx context.Context, locator Locator, resp *StoredResponse) error

	// Entries 返回分区内所有请求标识，按字典序排列。
	Entries(ctx context.Context, partition string) ([]string, error)

	// Close 释放底层资源。
	Close() error
}

// Locator 唯一定位一个缓存条目。
type Locator struct {
	Partition string
	Key       string
}

// StoredResponse 是一次成功响应的快照。
type StoredResponse struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"-"`
	StoredAt time.Time   `json:"stored_at"`
}

// Clone 返回不与原对象共享 Header/Body 的副本。
func (r *StoredResponse) Clone() *StoredResponse {
	if r == nil {
		return nil
	}
	return &StoredResponse{
		Status:   r.Status,
		Header:   r.Header.Clone(),
		Body:     bytes.Clone(r.Body),
		StoredAt: r.StoredAt,
	}
}

// OK 对应 fetch Response.ok：状态码位于 2xx。
func (r *StoredResponse) OK() bool {
	return r != nil && r.Status >= 200 && r.Status <= 299
}

// Options 控制后端的通用行为。
type Options struct {
	// Compress 为 true 时正文以 zstd 压缩落盘。
	Compress bool
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrInvalidPartition 表示分区名不合法（为空、包含路径分隔符或以 . 开头）。
	ErrInvalidPartition = errors.New("invalid cache partition name")
	// ErrInvalidKey 表示请求标识为空。
	ErrInvalidKey = errors.New("invalid cache key")
)

// RequestKey 生成 method + URL 形式的请求标识。
func RequestKey(method, rawURL string) string {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	return method + " " + rawURL
}

func validatePartition(name string) error {
	if name == "" || strings.HasPrefix(name, ".") || strings.ContainsAny(name, `/\`) {
		return ErrInvalidPartition
	}
	return nil
}

func validateLocator(locator Locator) error {
	if err := validatePartition(locator.Partition); err != nil {
		return err
	}
	if locator.Key == "" {
		return ErrInvalidKey
	}
	return nil
}

func checkContext(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
