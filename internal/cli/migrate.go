package cli

import (
	"fmt"

	"github.com/fisker/dbm-flow/internal/app"
	"github.com/fisker/dbm-flow/pkg/config"
	"github.com/fisker/dbm-flow/pkg/database"
	"github.com/fisker/dbm-flow/pkg/logger"
	"github.com/spf13/cobra"
)

// NewMigrateCommand 建表并写入默认通知配置
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "migrate",
		Short:        "Create or upgrade database tables",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(app.ResolveConfigPath(rootOpts.ConfigPath))
			if err != nil {
				return err
			}
			if err := logger.Init(&cfg.Logging); err != nil {
				return err
			}
			defer logger.Sync()

			cfg.Database.SetDefaults()
			db, err := database.Open(&cfg.Database)
			if err != nil {
				return err
			}
			if sqlDB, err := db.DB(); err == nil {
				defer sqlDB.Close()
			}
			if err := database.AutoMigrateAll(db); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrated %d tables\n", len(database.Models()))
			return nil
		},
	}
}
