package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tokmz/sio"
	"github.com/tokmz/sio/pkg/logger"
	"github.com/tokmz/sio/pkg/namespace"
	"github.com/tokmz/sio/pkg/packet"
	"github.com/tokmz/sio/pkg/transport"
)

type joinRequest struct {
	Room string `json:"room"`
	Nick string `json:"nick"`
}

type joinResponse struct {
	Room    string `json:"room"`
	Members int    `json:"members"`
}

type sayRequest struct {
	Text string `json:"text"`
}

func main() {
	log, err := logger.New(&logger.Config{
		Level:   logger.DebugLevel,
		Format:  logger.ConsoleFormat,
		Console: true,
	})
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	engine, err := sio.New(
		sio.WithLogger(log),
		sio.WithHeartbeat(15*time.Second, 40*time.Second),
		sio.WithCORS(transport.CORSConfig{
			AllowOrigins:     []string{"http://localhost:3000"},
			AllowCredentials: true,
		}),
		sio.WithPrometheus("/metrics"),
	)
	if err != nil {
		panic(err)
	}

	engine.Events().Subscribe(sio.EventSessionDisconnected, func(e sio.Event) {
		log.Info("session gone", zap.String("sid", e.SID))
	})

	chat := engine.Of("/chat")
	chat.OnConnect(func(c *namespace.Conn, _ *packet.Packet) error {
		return c.Emit("welcome", c.ID())
	})

	_ = namespace.Handle(chat, "join", func(c *namespace.Conn, req *joinRequest) (*joinResponse, error) {
		// 昵称存进会话，跨命名空间可见
		if err := c.Socket().Session().Set(c.Context(), "nick", req.Nick); err != nil {
			return nil, err
		}
		if err := c.Join(req.Room); err != nil {
			return nil, err
		}
		n, err := c.EmitToRoom(context.WithoutCancel(c.Context()), req.Room, "joined", req.Nick)
		if err != nil {
			return nil, err
		}
		return &joinResponse{Room: req.Room, Members: n}, nil
	})

	_ = namespace.Handle0(chat, "say", func(c *namespace.Conn, req *sayRequest) error {
		var nick string
		_ = c.Socket().Session().Get(c.Context(), "nick", &nick)
		for _, room := range c.Rooms() {
			if _, err := c.EmitToRoom(context.WithoutCancel(c.Context()), room, "said", nick, req.Text); err != nil {
				return err
			}
		}
		return nil
	})

	if err := engine.Run(":8080"); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}
