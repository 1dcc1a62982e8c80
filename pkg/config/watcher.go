package config

import "github.com/fsnotify/fsnotify"

// startWatch 调用方持有 mu
// viper 在回调前已重新读取文件
func (c *Config) startWatch() {
	c.watching = true
	if c.registered {
		return
	}
	c.registered = true
	c.viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		c.mu.RLock()
		watching := c.watching
		onChange := c.onChange
		c.mu.RUnlock()

		if watching && onChange != nil {
			onChange()
		}
	})
	c.viper.WatchConfig()
}

// StartWatch 开始监控配置文件
func (c *Config) StartWatch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startWatch()
}

// StopWatch 停止回调
// viper 没有关闭底层 watcher 的接口，停止后仅不再触发 onChange
func (c *Config) StopWatch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watching = false
}
