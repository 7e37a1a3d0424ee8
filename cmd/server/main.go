// Package main 是应用程序的入口点。
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"tgstate-go/internal/config"
	"tgstate-go/pkg/database"
	"tgstate-go/pkg/log"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		port       string
	)

	loadConfig := func() (config.Config, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return cfg, err
		}
		if port != "" {
			cfg.Server.Port = port
		}
		log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
		return cfg, nil
	}

	root := &cobra.Command{
		Use:           "tgstate",
		Short:         "分片上传文件服务",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			defer log.Sync()
			return run(cmd.Context(), cfg)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "./configs/config.yaml", "配置文件路径")
	root.Flags().StringVarP(&port, "port", "p", "", "监听端口，覆盖配置文件中的 server.port")

	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "执行数据库迁移后退出",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			defer log.Sync()

			db, err := database.OpenDB(cfg.Database)
			if err != nil {
				return err
			}
			defer database.Close(db)
			if err := database.Migrate(db); err != nil {
				return err
			}
			log.Info("数据库迁移完成")
			return nil
		},
	})
	return root
}
