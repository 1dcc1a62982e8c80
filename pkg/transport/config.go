package transport

import "time"

// Config 传输层配置
type Config struct {
	// PollingTimeout 长轮询 GET 等待下行数据的最长时间，超时返回 8::
	PollingTimeout time.Duration `mapstructure:"polling_timeout" json:"polling_timeout"`
	// WriteWait 单次 websocket 写超时
	WriteWait time.Duration `mapstructure:"write_wait" json:"write_wait"`
	// MaxMessageSize POST 请求体和 websocket 单帧的上限
	MaxMessageSize  int64 `mapstructure:"max_message_size" json:"max_message_size"`
	ReadBufferSize  int   `mapstructure:"read_buffer_size" json:"read_buffer_size"`
	WriteBufferSize int   `mapstructure:"write_buffer_size" json:"write_buffer_size"`

	CORS CORSConfig `mapstructure:"cors" json:"cors"`
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		PollingTimeout:  5 * time.Second,
		WriteWait:       10 * time.Second,
		MaxMessageSize:  1 << 20,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CORS:            DefaultCORSConfig(),
	}
}

func (c *Config) setDefaults() {
	d := DefaultConfig()
	if c.PollingTimeout <= 0 {
		c.PollingTimeout = d.PollingTimeout
	}
	if c.WriteWait <= 0 {
		c.WriteWait = d.WriteWait
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = d.ReadBufferSize
	}
	if c.WriteBufferSize <= 0 {
		c.WriteBufferSize = d.WriteBufferSize
	}
	if len(c.CORS.AllowOrigins) == 0 {
		c.CORS.AllowOrigins = d.CORS.AllowOrigins
	}
	if c.CORS.MaxAge <= 0 {
		c.CORS.MaxAge = d.CORS.MaxAge
	}
}
