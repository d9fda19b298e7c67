package cache

import (
	"context"
	"errors"
	"fmt"
)

// Partition 是绑定到单个分区名的句柄，便于调用方不重复拼接 Locator。
type Partition struct {
	storage Storage
	name    string
}

// OpenPartition 打开（必要时创建）分区并返回句柄。
func OpenPartition(ctx context.Context, storage Storage, name string) (Partition, error) {
	if storage == nil {
		return Partition{}, errors.New("cache storage unavailable")
	}
	if err := storage.Open(ctx, name); err != nil {
		return Partition{}, fmt.Errorf("open partition %s: %w", name, err)
	}
	return Partition{storage: storage, name: name}, nil
}

// Name 返回分区名。
func (p Partition) Name() string {
	return p.name
}

// Match 查询分区中的条目。
func (p Partition) Match(ctx context.Context, key string) (*StoredResponse, error) {
	return p.storage.Get(ctx, Locator{Partition: p.name, Key: key})
}

// Put 写入条目，调用方持有的 resp 不会被后端引用。
func (p Partition) Put(ctx context.Context, key string, resp *StoredResponse) error {
	return p.storage.Put(ctx, Locator{Partition: p.name, Key: key}, resp)
}

// Keys 返回分区内的请求标识。
func (p Partition) Keys(ctx context.Context) ([]string, error) {
	return p.storage.Entries(ctx, p.name)
}

// MatchAny 按 partitions 给定的顺序查找 key，返回第一个命中及其分区名。
// 全部未命中时返回 ErrNotFound；单个分区的读取错误会立即返回。
func MatchAny(ctx context.Context, storage Storage, partitions []string, key string) (*StoredResponse, string, error) {
	for _, name := range partitions {
		resp, err := storage.Get(ctx, Locator{Partition: name, Key: key})
		switch {
		case err == nil:
			return resp, name, nil
		case errors.Is(err, ErrNotFound):
			continue
		default:
			return nil, "", fmt.Errorf("match %s: %w", name, err)
		}
	}
	return nil, "", ErrNotFound
}
