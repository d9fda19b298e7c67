package cache

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// NewMemoryStore 返回进程内缓存，适合测试或无需持久化的部署。
func NewMemoryStore() Storage {
	return &memoryStore{partitions: make(map[string]map[string]*StoredResponse)}
}

type memoryStore struct {
	mu         sync.RWMutex
	partitions map[string]map[string]*StoredResponse
}

func (s *memoryStore) Open(ctx context.Context, partition string) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	if err := validatePartition(partition); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.partitions[partition]; !ok {
		s.partitions[partition] = make(map[string]*StoredResponse)
	}
	return nil
}

func (s *memoryStore) Keys(ctx context.Context) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.partitions))
	for name := range s.partitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *memoryStore) Delete(ctx context.Context, partition string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	if err := validatePartition(partition); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.partitions[partition]; !ok {
		return false, nil
	}
	delete(s.partitions, partition)
	return true, nil
}

func (s *memoryStore) Get(ctx context.Context, locator Locator) (*StoredResponse, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	if err := validateLocator(locator); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.partitions[locator.Partition][locator.Key]
	if !ok {
		return nil, ErrNotFound
	}
	return entry.Clone(), nil
}

func (s *memoryStore) Put(ctx context.Context, locator Locator, resp *StoredResponse) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	if err := validateLocator(locator); err != nil {
		return err
	}
	if resp == nil {
		return errors.New("nil response")
	}
	stored := resp.Clone()
	if stored.StoredAt.IsZero() {
		stored.StoredAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, ok := s.partitions[locator.Partition]
	if !ok {
		entries = make(map[string]*StoredResponse)
		s.partitions[locator.Partition] = entries
	}
	entries[locator.Key] = stored
	return nil
}

func (s *memoryStore) Entries(ctx context.Context, partition string) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	if err := validatePartition(partition); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.partitions[partition]
	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *memoryStore) Close() error {
	return nil
}
