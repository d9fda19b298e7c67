package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述全局运行时行为，所有站点共享同一份参数。
type GlobalConfig struct {
	ListenPort         int      `mapstructure:"ListenPort"`
	LogLevel           string   `mapstructure:"LogLevel"`
	LogFilePath        string   `mapstructure:"LogFilePath"`
	LogMaxSize         int      `mapstructure:"LogMaxSize"`
	LogMaxBackups      int      `mapstructure:"LogMaxBackups"`
	LogCompress        bool     `mapstructure:"LogCompress"`
	StoragePath        string   `mapstructure:"StoragePath"`
	StorageDriver      string   `mapstructure:"StorageDriver"`
	StorageCompress    bool     `mapstructure:"StorageCompress"`
	MaxEntrySize       int64    `mapstructure:"MaxEntrySize"`
	UpstreamTimeout    Duration `mapstructure:"UpstreamTimeout"`
	RevalidateTimeout  Duration `mapstructure:"RevalidateTimeout"`
	InstallConcurrency int      `mapstructure:"InstallConcurrency"`
	// AdminToken 为空时 /-/sites 下的变更类接口全部拒绝。
	AdminToken         string   `mapstructure:"AdminToken"`
}

// SiteConfig 描述一个被缓存代理的静态站点。
type SiteConfig struct {
	// Name 同时作为缓存命名空间前缀，分区名形如 <Name>-static-v<Version>。
	Name     string   `mapstructure:"Name"`
	Domain   string   `mapstructure:"Domain"`
	Aliases  []string `mapstructure:"Aliases"`
	Scheme   string   `mapstructure:"Scheme"`
	Upstream string   `mapstructure:"Upstream"`
	Proxy    string   `mapstructure:"Proxy"`
	Version  string   `mapstructure:"Version"`
	Precache []string `mapstructure:"Precache"`

	NotificationIcon  string `mapstructure:"NotificationIcon"`
	NotificationBadge string `mapstructure:"NotificationBadge"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Sites  []SiteConfig `mapstructure:"Site"`
}

// Origin 返回站点对外的 origin（scheme://domain）。
func (s SiteConfig) Origin() *url.URL {
	scheme := s.Scheme
	if scheme == "" {
		scheme = "http"
	}
	return &url.URL{Scheme: scheme, Host: strings.ToLower(s.Domain)}
}

// SiteSummaries 返回所有站点的 name@version 摘要，供启动日志使用。
func SiteSummaries(sites []SiteConfig) []string {
	if len(sites) == 0 {
		return nil
	}
	result := make([]string, len(sites))
	for i, site := range sites {
		result[i] = fmt.Sprintf("%s@%s", site.Name, site.Version)
	}
	return result
}
