package cli

import (
	"fmt"
	"strings"

	"github.com/fisker/dbm-flow/internal/app"
	"github.com/fisker/dbm-flow/internal/flow/builders"
	"github.com/fisker/dbm-flow/internal/flow/exclusive"
	"github.com/fisker/dbm-flow/internal/flow/registry"
	"github.com/fisker/dbm-flow/pkg/config"
	"github.com/fisker/dbm-flow/pkg/distributed"
	pkgredis "github.com/fisker/dbm-flow/pkg/redis"
	"github.com/spf13/cobra"
)

// NewMatrixCommand 互斥矩阵维护
func NewMatrixCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "matrix",
		Short: "Inspect and publish the ticket exclusive matrix",
	}
	cmd.AddCommand(newMatrixCheckCommand())
	cmd.AddCommand(newMatrixPushCommand(rootOpts))
	return cmd
}

func newMatrixCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:          "check <matrix.yaml>",
		Short:        "Validate a matrix file against registered ticket types",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := checkMatrix(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d compatible pairs\n", m.Size())
			return nil
		},
	}
}

func newMatrixPushCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "push <matrix.yaml>",
		Short:        "Store a matrix in redis and reload it on all running instances",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := checkMatrix(args[0])
			if err != nil {
				return err
			}
			cfg, err := config.Load(app.ResolveConfigPath(rootOpts.ConfigPath))
			if err != nil {
				return err
			}
			if !cfg.Redis.Enabled {
				return fmt.Errorf("redis is disabled, edit %s and restart instead", cfg.Engine.ExclusiveMatrixFile)
			}
			client, err := pkgredis.NewClient(&cfg.Redis)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx := cmd.Context()
			if err := exclusive.PushMatrix(ctx, client, cfg.Engine.ExclusiveMatrixKey, m); err != nil {
				return err
			}
			sync := distributed.NewConfigSyncManager(client, app.ConfigSyncChannel)
			if err := exclusive.Broadcast(ctx, sync, cfg.Engine.ExclusiveMatrixKey, m); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pushed %d compatible pairs to %s\n", m.Size(), cfg.Engine.ExclusiveMatrixKey)
			return nil
		},
	}
}

// checkMatrix 解析矩阵文件，出现未注册的单据类型时报错
func checkMatrix(path string) (*exclusive.Matrix, error) {
	m, err := exclusive.LoadMatrixFile(path)
	if err != nil {
		return nil, err
	}
	reg := registry.New()
	builders.Register(reg, builders.Deps{})
	if unknown := m.UnknownTypes(reg.Types()); len(unknown) > 0 {
		return nil, fmt.Errorf("unknown ticket types in %s: %s", path, strings.Join(unknown, ", "))
	}
	return m, nil
}
