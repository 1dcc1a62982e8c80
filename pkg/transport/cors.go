package transport

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// CORSConfig 跨域配置
type CORSConfig struct {
	// AllowOrigins 允许的源，支持 "https://*.example.com" 形式的通配
	// ["*"] 表示任意源，此时回显请求的 Origin
	AllowOrigins []string `mapstructure:"allow_origins" json:"allow_origins"`
	// AllowCredentials 是否允许携带 cookie
	AllowCredentials bool          `mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `mapstructure:"max_age" json:"max_age"`
}

// DefaultCORSConfig 允许任意源并携带凭证，与协议客户端的默认行为一致
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowCredentials: true,
		MaxAge:           time.Hour,
	}
}

const corsMethods = "POST, GET, OPTIONS"

type cors struct {
	allowAll    bool
	credentials bool
	maxAge      string
	exact       map[string]bool
	wildcards   []string
}

func newCORS(cfg CORSConfig) *cors {
	c := &cors{
		credentials: cfg.AllowCredentials,
		maxAge:      strconv.Itoa(int(cfg.MaxAge.Seconds())),
		exact:       make(map[string]bool),
	}
	for _, origin := range cfg.AllowOrigins {
		switch {
		case origin == "*":
			c.allowAll = true
		case strings.Contains(origin, "*"):
			c.wildcards = append(c.wildcards, origin)
		default:
			c.exact[origin] = true
		}
	}
	return c
}

// allowed 检查 origin 是否在白名单内
func (c *cors) allowed(origin string) bool {
	if c.allowAll || c.exact[origin] {
		return true
	}
	for _, pattern := range c.wildcards {
		if matchWildcard(origin, pattern) {
			return true
		}
	}
	return false
}

// apply 写入跨域响应头
// 没有 Origin 的请求使用 "*"；不在白名单内的源不写任何头，由浏览器拒绝
func (c *cors) apply(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	origin := r.Header.Get("Origin")
	switch {
	case origin == "":
		h.Set("Access-Control-Allow-Origin", "*")
	case c.allowed(origin):
		h.Set("Access-Control-Allow-Origin", origin)
		h.Add("Vary", "Origin")
		if c.credentials {
			h.Set("Access-Control-Allow-Credentials", "true")
		}
	default:
		return
	}
	h.Set("Access-Control-Allow-Methods", corsMethods)
	h.Set("Access-Control-Max-Age", c.maxAge)
	if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
		h.Set("Access-Control-Allow-Headers", reqHeaders)
	}
}

// checkOrigin websocket 升级时的源检查
func (c *cors) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || c.allowed(origin)
}

// matchWildcard 通配符匹配，中间部分不能为空
func matchWildcard(origin, pattern string) bool {
	parts := strings.SplitN(pattern, "*", 2)
	if len(parts) != 2 {
		return origin == pattern
	}
	prefix, suffix := parts[0], parts[1]
	if !strings.HasPrefix(origin, prefix) || !strings.HasSuffix(origin, suffix) {
		return false
	}
	return len(origin) > len(prefix)+len(suffix)
}
