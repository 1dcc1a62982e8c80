package sio

import (
	"fmt"
	"io"
	"runtime"
	"strings"

	"github.com/gin-gonic/gin"
)

// Version 版本号
const Version = "0.1.0"

const banner = `
 ___ (_) ___    sio 实时引擎
/ __|| |/ _ \   Socket.IO 0.9 协议（v1）服务端
\__ \| | (_) |  open: %s
|___/|_|\___/   version: %s
`

// printBanner 打印启动 banner 和协议路由
func (e *Engine) printBanner(out io.Writer, addr string) {
	var open string
	switch {
	case strings.HasPrefix(addr, ":"):
		open = "http://127.0.0.1" + addr
	case strings.Contains(addr, ":"):
		open = "http://" + addr
	default:
		open = "http://127.0.0.1:" + addr
	}

	fPrint(out, banner, open, Version)
	fPrint(out, "\n")

	prefix := "/" + e.config.Resource + "/" + ProtocolVersion
	rows := [][2]string{
		{"GET", prefix + "/"},
	}
	for _, name := range e.transports.Names() {
		rows = append(rows, [2]string{"*", prefix + "/" + name + "/:sid"})
	}
	if e.config.Metrics.Enabled {
		rows = append(rows, [2]string{"GET", e.config.Metrics.Path})
	}
	printRoutes(out, rows)
	fPrint(out, "\n")

	mode := gin.Mode()
	if mode == gin.DebugMode {
		fPrint(out, "[sio] Running in \"%s\" mode. Switch to \"release\" mode in production.\n", mode)
	} else {
		fPrint(out, "[sio] Running in \"%s\" mode.\n", mode)
	}
	fPrint(out, "[sio] Heartbeat: %s / timeout %s | Manager: %s\n",
		e.config.HeartbeatInterval, e.config.HeartbeatTimeout, e.managerDriver())
	fPrint(out, "[sio] Go version: %s | OS: %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	fPrint(out, "[sio] Listening on %s\n", addr)
}

// methodColor 根据 HTTP 方法返回 ANSI 颜色码
func methodColor(method string) string {
	switch method {
	case "GET":
		return "\033[34m"
	case "POST":
		return "\033[32m"
	case "*":
		return "\033[36m"
	default:
		return "\033[0m"
	}
}

const resetColor = "\033[0m"

// printRoutes 格式化打印路由表
func printRoutes(out io.Writer, rows [][2]string) {
	for _, r := range rows {
		fPrint(out, "[sio] %s %-4s %s %s\n", methodColor(r[0]), r[0], resetColor, r[1])
	}
}

// silenceGin 静默 Gin 的默认输出
func silenceGin() {
	gin.DefaultWriter = io.Discard
	gin.DefaultErrorWriter = io.Discard
}

// fPrint 打印到 writer，忽略错误（banner 输出场景）
func fPrint(out io.Writer, format string, a ...any) {
	_, _ = fmt.Fprintf(out, format, a...)
}
