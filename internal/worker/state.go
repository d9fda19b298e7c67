package worker

// State 描述 Controller 的生命周期阶段。
type State uint8

const (
	StateInstalling State = iota
	StateInstalled
	StateActivating
	StateActivated
	// StateRedundant 表示安装失败或已被新版本取代。
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	default:
		return "redundant"
	}
}
