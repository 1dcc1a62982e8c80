package socket

// State 会话生命周期状态
// 只能单调前进：NEW -> CONNECTING -> CONNECTED -> DISCONNECTING -> DISCONNECTED
type State int32

const (
	StateNew State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateDisconnected
)

var stateNames = [...]string{"NEW", "CONNECTING", "CONNECTED", "DISCONNECTING", "DISCONNECTED"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// Alive 是否仍可投递数据包
func (s State) Alive() bool {
	return s < StateDisconnecting
}
