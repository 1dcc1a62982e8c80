package packet

import (
	"encoding/base64"
	"fmt"
	"strings"
)

const attachmentPrefix = "b4"

// Deconstruct 抽取参数树中的二进制值
// 每个 []byte 被替换为 {"_placeholder":true,"num":N} 并按顺序追加到返回的缓冲区列表。
// 返回的是新树，入参不会被修改。
func Deconstruct(args []any) ([]any, [][]byte) {
	var buffers [][]byte
	out := make([]any, len(args))
	for i, v := range args {
		out[i] = deconstruct(v, &buffers)
	}
	return out, buffers
}

func deconstruct(v any, buffers *[][]byte) any {
	switch t := v.(type) {
	case []byte:
		ph := map[string]any{"_placeholder": true, "num": len(*buffers)}
		*buffers = append(*buffers, t)
		return ph
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deconstruct(e, buffers)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = deconstruct(e, buffers)
		}
		return out
	default:
		return v
	}
}

// Reconstruct 按占位符序号把缓冲区放回参数树，返回新树
func Reconstruct(args []any, buffers [][]byte) ([]any, error) {
	out := make([]any, len(args))
	for i, v := range args {
		r, err := reconstruct(v, buffers)
		if err != nil {
			return nil, err
		}
		out[i] = r
	}
	return out, nil
}

func reconstruct(v any, buffers [][]byte) (any, error) {
	switch t := v.(type) {
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			r, err := reconstruct(e, buffers)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case map[string]any:
		if num, ok := placeholderNum(t); ok {
			if num < 0 || num >= len(buffers) {
				return nil, ErrInvalidAttachment.WithMessage(fmt.Sprintf("placeholder %d out of range", num))
			}
			return buffers[num], nil
		}
		out := make(map[string]any, len(t))
		for k, e := range t {
			r, err := reconstruct(e, buffers)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

func placeholderNum(m map[string]any) (int, bool) {
	if flag, _ := m["_placeholder"].(bool); !flag {
		return 0, false
	}
	switch n := m["num"].(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	}
	return 0, false
}

// CountPlaceholders 统计参数树中的占位符数量
func CountPlaceholders(args []any) int {
	n := 0
	for _, v := range args {
		n += countPlaceholders(v)
	}
	return n
}

func countPlaceholders(v any) int {
	switch t := v.(type) {
	case []any:
		return CountPlaceholders(t)
	case map[string]any:
		if _, ok := placeholderNum(t); ok {
			return 1
		}
		n := 0
		for _, e := range t {
			n += countPlaceholders(e)
		}
		return n
	}
	return 0
}

// HasBinary 参数树中是否含有 []byte
func HasBinary(args []any) bool {
	for _, v := range args {
		if hasBinary(v) {
			return true
		}
	}
	return false
}

func hasBinary(v any) bool {
	switch t := v.(type) {
	case []byte:
		return true
	case []any:
		return HasBinary(t)
	case map[string]any:
		for _, e := range t {
			if hasBinary(e) {
				return true
			}
		}
	}
	return false
}

// EncodeAttachment 将附件编码为文本帧，协议包以数字开头，不会与之冲突
func EncodeAttachment(buf []byte) string {
	return attachmentPrefix + base64.StdEncoding.EncodeToString(buf)
}

func IsAttachment(frame string) bool {
	return strings.HasPrefix(frame, attachmentPrefix)
}

func DecodeAttachment(frame string) ([]byte, error) {
	if !IsAttachment(frame) {
		return nil, ErrInvalidAttachment.WithMessage("missing attachment prefix")
	}
	buf, err := base64.StdEncoding.DecodeString(frame[len(attachmentPrefix):])
	if err != nil {
		return nil, ErrInvalidAttachment.WithError(err)
	}
	return buf, nil
}
