package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS partitions (
	name       TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS entries (
	partition  TEXT NOT NULL,
	key        TEXT NOT NULL,
	status     INTEGER NOT NULL,
	header     TEXT NOT NULL,
	body       BLOB,
	encoding   TEXT NOT NULL DEFAULT '',
	stored_at  INTEGER NOT NULL,
	PRIMARY KEY (partition, key)
);
`

// NewSQLiteStore 在 path 打开（必要时创建）SQLite 数据库并初始化表结构。
func NewSQLiteStore(path string, opts Options) (Storage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("storage path required")
	}

	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}
	dsn := "file:" + cleanPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// 单连接串行化写入，同 Locator 的并发 Put 自然按到达顺序生效。
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &sqliteStore{db: db, compress: opts.Compress}, nil
}

type sqliteStore struct {
	db       *sql.DB
	compress bool
}

func (s *sqliteStore) Open(ctx context.Context, partition string) error {
	if err := validatePartition(partition); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO partitions (name, created_at) VALUES (?, ?)`,
		partition, toMillis(time.Now()))
	return err
}

func (s *sqliteStore) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM partitions ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *sqliteStore) Delete(ctx context.Context, partition string) (bool, error) {
	if err := validatePartition(partition); err != nil {
		return false, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE partition = ?`, partition); err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM partitions WHERE name = ?`, partition)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *sqliteStore) Get(ctx context.Context, locator Locator) (*StoredResponse, error) {
	if err := validateLocator(locator); err != nil {
		return nil, err
	}
	var (
		status    int
		headerRaw string
		payload   []byte
		encoding  string
		storedAt  int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT status, header, body, encoding, stored_at FROM entries WHERE partition = ? AND key = ?`,
		locator.Partition, locator.Key,
	).Scan(&status, &headerRaw, &payload, &encoding, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if err := json.Unmarshal([]byte(headerRaw), &header); err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}
	body, err := decodeBody(payload, encoding)
	if err != nil {
		return nil, err
	}
	return &StoredResponse{
		Status:   status,
		Header:   header,
		Body:     body,
		StoredAt: fromMillis(storedAt),
	}, nil
}

func (s *sqliteStore) Put(ctx context.Context, locator Locator, resp *StoredResponse) error {
	if err := validateLocator(locator); err != nil {
		return err
	}
	if resp == nil {
		return errors.New("nil response")
	}
	header := resp.Header
	if header == nil {
		header = http.Header{}
	}
	headerRaw, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	payload, encoding, err := encodeBody(resp.Body, s.compress)
	if err != nil {
		return err
	}
	storedAt := resp.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO partitions (name, created_at) VALUES (?, ?)`,
		locator.Partition, toMillis(time.Now())); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO entries (partition, key, status, header, body, encoding, stored_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(partition, key) DO UPDATE SET
	status = excluded.status,
	header = excluded.header,
	body = excluded.body,
	encoding = excluded.encoding,
	stored_at = excluded.stored_at`,
		locator.Partition, locator.Key, resp.Status, string(headerRaw), payload, encoding, toMillis(storedAt)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) Entries(ctx context.Context, partition string) ([]string, error) {
	if err := validatePartition(partition); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM entries WHERE partition = ? ORDER BY key`, partition)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}
