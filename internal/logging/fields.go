package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// ControllerFields 标识日志所属的缓存命名空间与版本。
func ControllerFields(app, version string) logrus.Fields {
	return logrus.Fields{
		"site":    app,
		"version": version,
	}
}

// RequestFields 提供站点/策略/命中状态字段，供代理请求日志复用。
func RequestFields(site, domain, version, destination, strategy, cacheState string) logrus.Fields {
	return logrus.Fields{
		"site":        site,
		"domain":      domain,
		"version":     version,
		"destination": destination,
		"strategy":    strategy,
		"cache":       cacheState,
	}
}
