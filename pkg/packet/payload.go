package packet

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Sentinel 批量负载的帧分隔符
const Sentinel = '\ufffd'

// EncodePayload 将多帧合并为一个传输负载
// 单帧时原样返回，不加帧头；长度按字符数计
func EncodePayload(frames []string) string {
	switch len(frames) {
	case 0:
		return ""
	case 1:
		return frames[0]
	}
	var b strings.Builder
	for _, f := range frames {
		b.WriteRune(Sentinel)
		b.WriteString(strconv.Itoa(utf8.RuneCountInString(f)))
		b.WriteRune(Sentinel)
		b.WriteString(f)
	}
	return b.String()
}

// DecodePayload 拆分传输负载
// 声明长度越界或负载不是合法 UTF-8 时返回 ErrFraming，不做截断
func DecodePayload(payload string) ([]string, error) {
	if payload == "" {
		return nil, nil
	}
	r, _ := utf8.DecodeRuneInString(payload)
	if r != Sentinel {
		return []string{payload}, nil
	}

	// 非法字节转成 rune 时会变成 U+FFFD，与分隔符无法区分
	if !utf8.ValidString(payload) {
		return nil, ErrFraming.WithMessage("payload is not valid UTF-8")
	}
	runes := []rune(payload)
	var frames []string
	for i := 0; i < len(runes); {
		if runes[i] != Sentinel {
			return nil, ErrFraming.WithMessage(fmt.Sprintf("expected frame sentinel at offset %d", i))
		}
		j := i + 1
		for j < len(runes) && runes[j] != Sentinel {
			j++
		}
		if j >= len(runes) {
			return nil, ErrFraming.WithMessage("unterminated frame length")
		}
		n, err := strconv.Atoi(string(runes[i+1 : j]))
		if err != nil || n < 0 {
			return nil, ErrFraming.WithMessage(fmt.Sprintf("invalid frame length %q", truncate(string(runes[i+1:j]))))
		}
		start := j + 1
		end := start + n
		if end > len(runes) {
			return nil, ErrFraming.WithMessage(fmt.Sprintf("frame length %d overruns payload", n))
		}
		frames = append(frames, string(runes[start:end]))
		i = end
	}
	return frames, nil
}

// EncodeBatch 编码并合并多个包
func EncodeBatch(pkts []*Packet) (string, error) {
	frames := make([]string, 0, len(pkts))
	for _, p := range pkts {
		s, err := Encode(p)
		if err != nil {
			return "", err
		}
		frames = append(frames, s)
	}
	return EncodePayload(frames), nil
}

// DecodeBatch 拆分并解码负载中的全部包，任一帧失败即整体失败
func DecodeBatch(payload string) ([]*Packet, error) {
	frames, err := DecodePayload(payload)
	if err != nil {
		return nil, err
	}
	pkts := make([]*Packet, 0, len(frames))
	for _, f := range frames {
		p, err := Decode(f)
		if err != nil {
			return nil, err
		}
		pkts = append(pkts, p)
	}
	return pkts, nil
}
