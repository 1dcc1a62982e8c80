package packet

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

type eventPayload struct {
	Name string `json:"name"`
	Args []any  `json:"args,omitempty"`
}

// Encode 将包编码为线上文本
// type ':' [id['+']] ':' [endpoint] [':' payload]
func Encode(p *Packet) (string, error) {
	if !p.Type.Valid() {
		return "", ErrUnknownPacketType.WithMessage(fmt.Sprintf("unknown packet type %d", p.Type))
	}

	var b strings.Builder
	b.WriteByte(byte('0' + p.Type))
	b.WriteByte(':')
	if p.ID > 0 {
		b.WriteString(strconv.Itoa(p.ID))
		if p.AckData {
			b.WriteByte('+')
		}
	}
	b.WriteByte(':')
	b.WriteString(p.Endpoint)

	payload, withPayload, err := encodePayload(p)
	if err != nil {
		return "", err
	}
	if withPayload {
		b.WriteByte(':')
		b.WriteString(payload)
	}
	return b.String(), nil
}

func encodePayload(p *Packet) (string, bool, error) {
	switch p.Type {
	case TypeConnect:
		return p.Data, p.Data != "", nil
	case TypeMessage:
		return p.Data, true, nil
	case TypeJSON:
		data, err := json.Marshal(p.JSON)
		if err != nil {
			return "", false, ErrInvalidPacket.WithError(err)
		}
		return string(data), true, nil
	case TypeEvent:
		data, err := json.Marshal(eventPayload{Name: p.Name, Args: p.Args})
		if err != nil {
			return "", false, ErrInvalidPacket.WithError(err)
		}
		return string(data), true, nil
	case TypeAck:
		if p.AckID <= 0 {
			return "", false, ErrInvalidPacket.WithMessage("ack packet without message id")
		}
		s := strconv.Itoa(p.AckID)
		if len(p.Args) > 0 {
			data, err := json.Marshal(p.Args)
			if err != nil {
				return "", false, ErrInvalidPacket.WithError(err)
			}
			s += "+" + string(data)
		}
		return s, true, nil
	case TypeError:
		var s string
		if p.Reason != ReasonNone {
			if p.Reason < ReasonNone || int(p.Reason) >= len(reasonNames) {
				return "", false, ErrInvalidPacket.WithMessage(fmt.Sprintf("unknown error reason %d", p.Reason))
			}
			s = strconv.Itoa(int(p.Reason) - 1)
		}
		if p.Advice != AdviceNone {
			if p.Advice != AdviceReconnect {
				return "", false, ErrInvalidPacket.WithMessage(fmt.Sprintf("unknown error advice %d", p.Advice))
			}
			s += "+" + strconv.Itoa(int(p.Advice)-1)
		}
		return s, true, nil
	}
	return "", false, nil
}

// Decode 解析一条线上文本，不修改输入
func Decode(raw string) (*Packet, error) {
	parts := strings.SplitN(raw, ":", 4)
	if len(parts) < 3 {
		return nil, ErrFraming.WithMessage(fmt.Sprintf("malformed packet %q", truncate(raw)))
	}
	if len(parts[0]) != 1 || parts[0][0] < '0' || parts[0][0] > '8' {
		return nil, ErrUnknownPacketType.WithMessage(fmt.Sprintf("unknown packet type %q", truncate(parts[0])))
	}

	p := &Packet{
		Type:     Type(parts[0][0] - '0'),
		Endpoint: parts[2],
	}

	id := parts[1]
	if strings.HasSuffix(id, "+") {
		p.AckData = true
		id = id[:len(id)-1]
	}
	if id != "" {
		n, err := strconv.Atoi(id)
		if err != nil || n <= 0 {
			return nil, ErrInvalidPacket.WithMessage(fmt.Sprintf("invalid message id %q", parts[1]))
		}
		p.ID = n
	}

	var data string
	if len(parts) == 4 {
		data = parts[3]
	}
	if err := decodePayload(p, data); err != nil {
		return nil, err
	}
	return p, nil
}

func decodePayload(p *Packet, data string) error {
	switch p.Type {
	case TypeConnect, TypeMessage:
		p.Data = data
	case TypeJSON:
		if data == "" {
			return nil
		}
		if err := json.Unmarshal([]byte(data), &p.JSON); err != nil {
			return ErrInvalidPacket.WithError(err)
		}
	case TypeEvent:
		var ev eventPayload
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return ErrInvalidPacket.WithError(err)
		}
		p.Name = ev.Name
		if len(ev.Args) > 0 {
			p.Args = ev.Args
		}
	case TypeAck:
		id, args, hasArgs := strings.Cut(data, "+")
		n, err := strconv.Atoi(id)
		if err != nil || n <= 0 {
			return ErrInvalidPacket.WithMessage(fmt.Sprintf("invalid ack id %q", truncate(id)))
		}
		p.AckID = n
		if hasArgs {
			var list []any
			if err := json.Unmarshal([]byte(args), &list); err != nil {
				return ErrInvalidPacket.WithError(err)
			}
			if len(list) > 0 {
				p.Args = list
			}
		}
	case TypeError:
		reason, advice, hasAdvice := strings.Cut(data, "+")
		if reason != "" {
			n, err := strconv.Atoi(reason)
			if err != nil || n < 0 || n+1 >= len(reasonNames) {
				return ErrInvalidPacket.WithMessage(fmt.Sprintf("invalid error reason %q", truncate(reason)))
			}
			p.Reason = Reason(n + 1)
		}
		if hasAdvice {
			if advice != "0" {
				return ErrInvalidPacket.WithMessage(fmt.Sprintf("invalid error advice %q", truncate(advice)))
			}
			p.Advice = AdviceReconnect
		}
	}
	return nil
}

func truncate(s string) string {
	if len(s) > 64 {
		return s[:64] + "..."
	}
	return s
}
