package worker

// Strategy 表示一种缓存策略。
type Strategy uint8

const (
	StrategyStaleWhileRevalidate Strategy = iota
	StrategyNetworkFirst
	StrategyCacheFirst
)

func (s Strategy) String() string {
	switch s {
	case StrategyNetworkFirst:
		return "network-first"
	case StrategyCacheFirst:
		return "cache-first"
	default:
		return "stale-while-revalidate"
	}
}

// strategyTable 是 Destination → Strategy 的唯一映射来源。
var strategyTable = map[Destination]Strategy{
	DestinationDocument: StrategyNetworkFirst,
	DestinationImage:    StrategyCacheFirst,
	DestinationStyle:    StrategyCacheFirst,
	DestinationScript:   StrategyCacheFirst,
	DestinationFont:     StrategyCacheFirst,
}

// StrategyFor 返回 Destination 对应的策略，未列出的类型使用 stale-while-revalidate。
func StrategyFor(dest Destination) Strategy {
	if s, ok := strategyTable[dest]; ok {
		return s
	}
	return StrategyStaleWhileRevalidate
}

// Strategies 返回全部策略，顺序固定，供统计输出使用。
func Strategies() []Strategy {
	return []Strategy{StrategyNetworkFirst, StrategyCacheFirst, StrategyStaleWhileRevalidate}
}
