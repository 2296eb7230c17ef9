// Package cli 命令行入口：服务启动、数据库迁移、互斥矩阵维护
package cli

import (
	"github.com/spf13/cobra"
)

// RootOptions 全局参数
type RootOptions struct {
	ConfigPath string
}

// NewRootCommand 创建根命令
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "dbm-flow",
		Short: "DBM Flow - database cluster ticket flow engine",
		Long:  "Ticket flow engine for database cluster operations: approval, resource apply, pipeline execution and delivery.",
	}
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (default $DBM_FLOW_CONFIG or config/config.yaml)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewMatrixCommand(opts))

	return cmd
}
