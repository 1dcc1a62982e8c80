package packet

// Type 协议包类型，线上格式为单个数字 0-8
type Type int

const (
	TypeDisconnect Type = iota
	TypeConnect
	TypeHeartbeat
	TypeMessage
	TypeJSON
	TypeEvent
	TypeAck
	TypeError
	TypeNoop
)

var typeNames = [...]string{
	TypeDisconnect: "disconnect",
	TypeConnect:    "connect",
	TypeHeartbeat:  "heartbeat",
	TypeMessage:    "message",
	TypeJSON:       "json",
	TypeEvent:      "event",
	TypeAck:        "ack",
	TypeError:      "error",
	TypeNoop:       "noop",
}

func (t Type) String() string {
	if t < TypeDisconnect || t > TypeNoop {
		return "unknown"
	}
	return typeNames[t]
}

// Valid 是否为已知类型
func (t Type) Valid() bool {
	return t >= TypeDisconnect && t <= TypeNoop
}

// Reason error 包的原因码，零值表示未携带
// 线上值为 Reason-1
type Reason int

const (
	ReasonNone Reason = iota
	ReasonTransportNotSupported
	ReasonClientNotHandshaken
	ReasonUnauthorized
	ReasonInvalidPacket
	ReasonNoSuchNamespace
	// 线上为 5；1 保留给 client not handshaken，旧客户端据此重新握手
	ReasonNoSuchMethod
	ReasonMethodAccessDenied
	ReasonUnallowedEventName
)

var reasonNames = [...]string{
	ReasonNone:                  "",
	ReasonTransportNotSupported: "transport not supported",
	ReasonClientNotHandshaken:   "client not handshaken",
	ReasonUnauthorized:          "unauthorized",
	ReasonInvalidPacket:         "invalid packet",
	ReasonNoSuchNamespace:       "no such namespace",
	ReasonNoSuchMethod:          "no such method",
	ReasonMethodAccessDenied:    "method access denied",
	ReasonUnallowedEventName:    "unallowed event name",
}

func (r Reason) String() string {
	if r < ReasonNone || int(r) >= len(reasonNames) {
		return "unknown"
	}
	return reasonNames[r]
}

// Advice error 包的建议码，零值表示未携带
type Advice int

const (
	AdviceNone Advice = iota
	AdviceReconnect
)

func (a Advice) String() string {
	if a == AdviceReconnect {
		return "reconnect"
	}
	return ""
}

// Packet 一个协议包
//
// ID 为 0 表示没有消息 ID；AckData 对应 id 后的 '+'，表示由处理函数的返回值应答。
// Data 用于 message 包的负载与 connect 包的查询串，JSON 用于 json 包，
// Name/Args 用于 event 包，AckID/Args 用于 ack 包，Reason/Advice 用于 error 包。
type Packet struct {
	Type     Type
	ID       int
	AckData  bool
	Endpoint string
	Data     string
	JSON     any
	Name     string
	Args     []any
	AckID    int
	Reason   Reason
	Advice   Advice
}

func Heartbeat() *Packet { return &Packet{Type: TypeHeartbeat} }

func Noop() *Packet { return &Packet{Type: TypeNoop} }

func Connect(endpoint string) *Packet {
	return &Packet{Type: TypeConnect, Endpoint: endpoint}
}

func Disconnect(endpoint string) *Packet {
	return &Packet{Type: TypeDisconnect, Endpoint: endpoint}
}

func Message(endpoint, data string) *Packet {
	return &Packet{Type: TypeMessage, Endpoint: endpoint, Data: data}
}

func JSON(endpoint string, v any) *Packet {
	return &Packet{Type: TypeJSON, Endpoint: endpoint, JSON: v}
}

func Event(endpoint, name string, args ...any) *Packet {
	return &Packet{Type: TypeEvent, Endpoint: endpoint, Name: name, Args: args}
}

// Ack 构造应答包，ackID 为被应答包的消息 ID
func Ack(endpoint string, ackID int, args ...any) *Packet {
	return &Packet{Type: TypeAck, Endpoint: endpoint, AckID: ackID, Args: args}
}

func Error(endpoint string, reason Reason, advice Advice) *Packet {
	return &Packet{Type: TypeError, Endpoint: endpoint, Reason: reason, Advice: advice}
}

// CarriesData 是否为应用数据包（message/json/event）
func (p *Packet) CarriesData() bool {
	switch p.Type {
	case TypeMessage, TypeJSON, TypeEvent:
		return true
	}
	return false
}
