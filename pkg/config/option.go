package config

// Option 配置选项函数
type Option func(*Config)

// WithConfigFile 指定配置文件完整路径，优先于 WithConfigName
func WithConfigFile(path string) Option {
	return func(c *Config) {
		c.configFile = path
	}
}

// WithConfigName 配置文件名（不含扩展名），配合 WithConfigPaths 搜索
func WithConfigName(name string) Option {
	return func(c *Config) {
		c.configName = name
	}
}

func WithConfigType(typ string) Option {
	return func(c *Config) {
		c.configType = typ
	}
}

func WithConfigPaths(paths ...string) Option {
	return func(c *Config) {
		c.configPaths = paths
	}
}

// WithAutoWatch Load 成功后自动监控配置文件
func WithAutoWatch(watch bool) Option {
	return func(c *Config) {
		c.autoWatch = watch
	}
}

// WithOnChange 配置文件变更且重新读取后回调
func WithOnChange(fn func()) Option {
	return func(c *Config) {
		c.onChange = fn
	}
}

// WithDefaults 默认值，键使用 "." 分隔层级
// 环境变量只会覆盖已知键，需要被环境变量覆盖的键应在此声明
func WithDefaults(defaults map[string]any) Option {
	return func(c *Config) {
		c.defaults = defaults
	}
}

// WithEnvPrefix 环境变量前缀，heartbeat_interval 对应 <PREFIX>_HEARTBEAT_INTERVAL
func WithEnvPrefix(prefix string) Option {
	return func(c *Config) {
		c.envPrefix = prefix
	}
}
