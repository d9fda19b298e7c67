package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var supportedStorageDrivers = map[string]struct{}{
	"fs":     {},
	"sqlite": {},
	"memory": {},
}

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if _, ok := supportedStorageDrivers[g.StorageDriver]; !ok {
		return newFieldError("Global.StorageDriver", "仅支持 fs|sqlite|memory")
	}
	if g.MaxEntrySize < 0 {
		return newFieldError("Global.MaxEntrySize", "不能为负数")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.RevalidateTimeout.DurationValue() <= 0 {
		return newFieldError("Global.RevalidateTimeout", "必须大于 0")
	}
	if g.InstallConcurrency <= 0 {
		return newFieldError("Global.InstallConcurrency", "必须大于 0")
	}

	if len(c.Sites) == 0 {
		return errors.New("至少需要配置一个 Site")
	}

	seenNames := map[string]struct{}{}
	seenHosts := map[string]string{}
	for i := range c.Sites {
		site := &c.Sites[i]
		if site.Name == "" {
			return newFieldError("Site[].Name", "不能为空")
		}
		if strings.ContainsAny(site.Name, `/\ `) || strings.HasPrefix(site.Name, ".") {
			return newFieldError(siteField(site.Name, "Name"), "不能包含路径分隔符、空格或以 . 开头")
		}
		if _, exists := seenNames[site.Name]; exists {
			return newFieldError(siteField(site.Name, "Name"), "重复")
		}
		seenNames[site.Name] = struct{}{}

		if err := validateDomain(site.Domain); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "Domain"), err)
		}
		hosts := append([]string{site.Domain}, site.Aliases...)
		for _, host := range hosts {
			if err := validateDomain(host); err != nil {
				return fmt.Errorf("%s: %w", siteField(site.Name, "Aliases"), err)
			}
			if owner, exists := seenHosts[host]; exists {
				return newFieldError(siteField(site.Name, "Domain"), fmt.Sprintf("%s 已被 %s 使用", host, owner))
			}
			seenHosts[host] = site.Name
		}

		if site.Scheme != "http" && site.Scheme != "https" {
			return newFieldError(siteField(site.Name, "Scheme"), "仅支持 http/https")
		}
		if site.Version == "" {
			return newFieldError(siteField(site.Name, "Version"), "不能为空")
		}
		if strings.ContainsAny(site.Version, `/\ `) {
			return newFieldError(siteField(site.Name, "Version"), "不能包含路径分隔符或空格")
		}

		if err := validateUpstream(site.Upstream); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "Upstream"), err)
		}
		if site.Proxy != "" {
			if err := validateUpstream(site.Proxy); err != nil {
				return fmt.Errorf("%s: %w", siteField(site.Name, "Proxy"), err)
			}
		}
		for _, asset := range site.Precache {
			if !strings.HasPrefix(asset, "/") {
				return newFieldError(siteField(site.Name, "Precache"), fmt.Sprintf("必须是站内绝对路径: %s", asset))
			}
		}
	}

	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}
