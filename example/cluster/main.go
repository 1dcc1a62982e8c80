package main

import (
	"flag"

	"go.uber.org/zap"

	"github.com/tokmz/sio"
	"github.com/tokmz/sio/pkg/logger"
	"github.com/tokmz/sio/pkg/namespace"
)

// 多个进程共享同一个 redis，会话可以在任意进程上继续
//
//	go run ./example/cluster -c example/cluster/sio.yaml -a :8081
//	go run ./example/cluster -c example/cluster/sio.yaml -a :8082
func main() {
	path := flag.String("c", "sio.yaml", "config file")
	addr := flag.String("a", "", "listen address")
	flag.Parse()

	cfg, err := sio.LoadConfig(*path, sio.EnvPrefix)
	if err != nil {
		panic(err)
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		panic(err)
	}

	engine, err := sio.New(sio.WithConfig(cfg), sio.WithLogger(log))
	if err != nil {
		log.Fatal("create engine", zap.Error(err))
	}

	engine.Of("").OnMessage(func(c *namespace.Conn, data string) ([]any, error) {
		n, err := c.BroadcastEvent(c.Context(), "message", c.ID(), data)
		return []any{n}, err
	})

	if err := engine.Run(*addr); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}
