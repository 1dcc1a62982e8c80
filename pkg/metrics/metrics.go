package metrics

import "time"

// Metrics 监控接口
type Metrics interface {
	// 会话指标
	SessionOpened()
	SessionClosed()

	// 包指标，direction 为 in/out
	PacketProcessed(direction, packetType string)
	DispatchError(kind string)

	// 广播指标
	BroadcastSent(recipients int, latency time.Duration)
	PacketDropped()

	// 传输与管理器指标
	TransportError(transport string)
	OrphansSwept(n int)
}

// Noop 空实现（默认）
type Noop struct{}

func (Noop) SessionOpened()                   {}
func (Noop) SessionClosed()                   {}
func (Noop) PacketProcessed(string, string)   {}
func (Noop) DispatchError(string)             {}
func (Noop) BroadcastSent(int, time.Duration) {}
func (Noop) PacketDropped()                   {}
func (Noop) TransportError(string)            {}
func (Noop) OrphansSwept(int)                 {}
