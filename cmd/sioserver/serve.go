package main

import (
	"context"
	"sync/atomic"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tokmz/sio"
	"github.com/tokmz/sio/pkg/logger"
	"github.com/tokmz/sio/pkg/namespace"
)

func serveCmd() *cobra.Command {
	var (
		addr        string
		driver      string
		watch       bool
		echo        bool
		withMetrics bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the realtime server",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			prefix, _ := cmd.Flags().GetString("env-prefix")

			var (
				cfg  *sio.Config
				stop = func() {}
				err  error
				// 回调在 watcher 协程中执行，logger 创建后才可用
				current atomic.Value
			)
			if watch && path != "" {
				// 文件变化时只热更新日志级别，其余配置需要重启
				cfg, stop, err = sio.WatchConfig(path, prefix, func(c *sio.Config) {
					if l, ok := current.Load().(logger.Logger); ok && c.Log != nil {
						l.SetLevel(c.Log.Level)
						l.Info("log level reloaded", zap.String("level", string(c.Log.Level)))
					}
				})
			} else {
				cfg, err = sio.LoadConfig(path, prefix)
			}
			if err != nil {
				return err
			}
			defer stop()

			if cmd.Flags().Changed("manager") {
				cfg.Manager.Driver = driver
			}
			if withMetrics {
				cfg.Metrics.Enabled = true
			}

			log, err := logger.New(cfg.Log)
			if err != nil {
				return err
			}
			current.Store(log)
			defer func() { _ = log.Sync() }()

			engine, err := sio.New(sio.WithConfig(cfg), sio.WithLogger(log))
			if err != nil {
				return err
			}
			if echo {
				if err := registerEcho(engine); err != nil {
					return err
				}
			}
			return engine.Run(addr)
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "", "listen address, overrides server.addr")
	cmd.Flags().StringVar(&driver, "manager", "local", "session manager driver (local|redis)")
	cmd.Flags().BoolVar(&watch, "watch", false, "reload the log level when the config file changes")
	cmd.Flags().BoolVar(&echo, "echo", false, "register the /echo demo namespace")
	cmd.Flags().BoolVar(&withMetrics, "metrics", false, "expose prometheus metrics")
	return cmd
}

// registerEcho 演示命名空间：回显消息与事件，按房间转发 say 事件
func registerEcho(e *sio.Engine) error {
	ns := e.Of("/echo")
	ns.OnMessage(func(c *namespace.Conn, data string) ([]any, error) {
		return []any{data}, c.Send(data)
	})
	if err := ns.On("echo", func(_ *namespace.Conn, args []any) ([]any, error) {
		return args, nil
	}); err != nil {
		return err
	}
	if err := ns.On("join", func(c *namespace.Conn, args []any) ([]any, error) {
		room, _ := firstString(args)
		if room == "" {
			return nil, nil
		}
		return []any{room}, c.Join(room)
	}); err != nil {
		return err
	}
	return ns.On("say", func(c *namespace.Conn, args []any) ([]any, error) {
		// 第一个参数为房间名，空串表示整个命名空间
		room, ok := firstString(args)
		if !ok {
			return nil, nil
		}
		var (
			n   int
			err error
		)
		if room == "" {
			n, err = c.BroadcastEventNotMe(context.WithoutCancel(c.Context()), "said", args[1:]...)
		} else {
			n, err = c.EmitToRoom(context.WithoutCancel(c.Context()), room, "said", args[1:]...)
		}
		return []any{n}, err
	})
}

func firstString(args []any) (string, bool) {
	if len(args) == 0 {
		return "", false
	}
	s, ok := args[0].(string)
	return s, ok
}
