package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// NewStore 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。
// 磁盘布局：
//
//	<basePath>/<partition>/<sha256[:2]>/<sha256>    # 帧头(4 字节长度) + 元数据 JSON + 正文
func NewStore(basePath string, opts Options) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		compress: opts.Compress,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 避免同一 Locator 并发写入，同时复用 basePath。
type fileStore struct {
	basePath string
	compress bool

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// entryMeta 是每个条目文件的帧头。
type entryMeta struct {
	Key      string      `json:"key"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header,omitempty"`
	StoredAt time.Time   `json:"stored_at"`
	Encoding string      `json:"encoding,omitempty"`
}

func (s *fileStore) Open(ctx context.Context, partition string) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	dir, err := s.partitionPath(partition)
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0o755)
}

func (s *fileStore) Keys(ctx context.Context) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	items, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(items))
	for _, item := range items {
		if !item.IsDir() || validatePartition(item.Name()) != nil {
			continue
		}
		names = append(names, item.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileStore) Delete(ctx context.Context, partition string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	dir, err := s.partitionPath(partition)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, err
	}
	return true, nil
}

func (s *fileStore) Get(ctx context.Context, locator Locator) (*StoredResponse, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	filePath, err := s.entryPath(locator)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}

	raw, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	meta, payload, err := decodeFrame(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filePath, err)
	}
	if meta.Key != locator.Key {
		// sha256 冲突几乎不可能，按未命中处理
		return nil, ErrNotFound
	}
	body, err := decodeBody(payload, meta.Encoding)
	if err != nil {
		return nil, err
	}

	return &StoredResponse{
		Status:   meta.Status,
		Header:   meta.Header,
		Body:     body,
		StoredAt: meta.StoredAt,
	}, nil
}

func (s *fileStore) Put(ctx context.Context, locator Locator, resp *StoredResponse) error {
	if resp == nil {
		return errors.New("nil response")
	}
	unlock, err := s.lockEntry(locator)
	if err != nil {
		return err
	}
	defer unlock()

	filePath, err := s.entryPath(locator)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return err
	}

	payload, encoding, err := encodeBody(resp.Body, s.compress)
	if err != nil {
		return err
	}
	storedAt := resp.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	frame, err := encodeFrame(entryMeta{
		Key:      locator.Key,
		Status:   resp.Status,
		Header:   resp.Header,
		StoredAt: storedAt,
		Encoding: encoding,
	}, payload)
	if err != nil {
		return err
	}

	tempFile, err := os.CreateTemp(filepath.Dir(filePath), ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = copyWithContext(ctx, tempFile, bytes.NewReader(frame))
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func (s *fileStore) Entries(ctx context.Context, partition string) ([]string, error) {
	dir, err := s.partitionPath(partition)
	if err != nil {
		return nil, err
	}
	var keys []string
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) {
				return nil
			}
			return walkErr
		}
		if err := checkContext(ctx); err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		raw, err := os.ReadFile(p)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		meta, _, err := decodeFrame(raw)
		if err != nil {
			return fmt.Errorf("decode %s: %w", p, err)
		}
		keys = append(keys, meta.Key)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *fileStore) Close() error {
	return nil
}

func (s *fileStore) lockEntry(locator Locator) (func(), error) {
	if err := validateLocator(locator); err != nil {
		return nil, err
	}
	key := locatorKey(locator)
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}, nil
}

func (s *fileStore) partitionPath(partition string) (string, error) {
	if err := validatePartition(partition); err != nil {
		return "", err
	}
	dir := filepath.Join(s.basePath, partition)
	if filepath.Dir(dir) != s.basePath {
		return "", ErrInvalidPartition
	}
	return dir, nil
}

func (s *fileStore) entryPath(locator Locator) (string, error) {
	if err := validateLocator(locator); err != nil {
		return "", err
	}
	dir, err := s.partitionPath(locator.Partition)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(locator.Key))
	name := hex.EncodeToString(sum[:])
	return filepath.Join(dir, name[:2], name), nil
}

func encodeFrame(meta entryMeta, payload []byte) ([]byte, error) {
	head, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 4, 4+len(head)+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(head)))
	frame = append(frame, head...)
	frame = append(frame, payload...)
	return frame, nil
}

func decodeFrame(raw []byte) (entryMeta, []byte, error) {
	var meta entryMeta
	if len(raw) < 4 {
		return meta, nil, errors.New("truncated frame")
	}
	size := binary.BigEndian.Uint32(raw[:4])
	if uint64(size) > uint64(len(raw)-4) {
		return meta, nil, errors.New("truncated frame header")
	}
	if err := json.Unmarshal(raw[4:4+size], &meta); err != nil {
		return meta, nil, err
	}
	return meta, raw[4+size:], nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}

func locatorKey(locator Locator) string {
	return locator.Partition + "::" + locator.Key
}
