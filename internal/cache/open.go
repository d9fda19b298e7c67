package cache

import (
	"fmt"
	"path/filepath"
	"strings"
)

// 支持的存储驱动。
const (
	DriverFS     = "fs"
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// sqliteFileName 是 sqlite 驱动在 StoragePath 下使用的数据库文件名。
const sqliteFileName = "edgeworker.db"

// Open 根据驱动名构建 Storage，driver 为空时使用文件系统。
func Open(driver, basePath string, opts Options) (Storage, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverFS:
		return NewStore(basePath, opts)
	case DriverSQLite:
		return NewSQLiteStore(filepath.Join(basePath, sqliteFileName), opts)
	case DriverMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", driver)
	}
}
