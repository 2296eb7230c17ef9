package cli

import (
	"github.com/fisker/dbm-flow/internal/app"
	"github.com/spf13/cobra"
)

// NewServeCommand 启动 HTTP 服务与后台组件
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "serve",
		Short:        "Start the API server, signal dispatcher and scheduler",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.Initialize(rootOpts.ConfigPath)
			if err != nil {
				return err
			}
			app.StartServer(a)
			return nil
		},
	}
}
