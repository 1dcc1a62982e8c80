package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// 构建时通过 -ldflags 注入
var (
	commit = "none"
	date   = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "\033[31mError:\033[0m %s\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sioserver",
		Short: "Socket.IO (protocol v1) realtime server",
		Long: `sioserver serves the Socket.IO 0.9 wire protocol over websocket,
flashsocket, htmlfile, xhr-multipart, xhr-polling and jsonp-polling.

Sessions live in process memory by default, or in redis when several
processes share the same clients.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (yaml, json or toml)")
	rootCmd.PersistentFlags().String("env-prefix", "SIO", "environment variable prefix")

	rootCmd.AddCommand(
		serveCmd(),
		configCmd(),
		versionCmd(),
	)

	return rootCmd
}
