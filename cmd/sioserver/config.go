package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/tokmz/sio"
)

// loadConfig 读取 --config 与环境变量
func loadConfig(cmd *cobra.Command) (*sio.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	prefix, _ := cmd.Flags().GetString("env-prefix")
	return sio.LoadConfig(path, prefix)
}

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(cfg)
		},
	}
}
