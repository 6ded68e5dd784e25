// Package cmd はkanshiのコマンドラインを実装する
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"kanshi/internal/config"
	"kanshi/internal/logging"
)

// Version はビルド時に -ldflags で上書きする
var Version = "dev"

type rootOptions struct {
	ConfigPath string
	LogLevel   string
}

var (
	rootOpts = &rootOptions{}

	rootCmd = &cobra.Command{
		Use:           "kanshi",
		Short:         "複数カメラのフレーム取得サーバー",
		Long:          `kanshi はカメラごとに専用の制御ループでフレームを取得し、HTTP API、MJPEGストリーム、MQTTで配信します。`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

// Execute はルートコマンドを実行する
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&rootOpts.ConfigPath, "config", "c", os.Getenv("KANSHI_CONFIG"), "設定ファイルのパス (YAML)")
	flags.StringVar(&rootOpts.LogLevel, "log-level", "", "ログレベル (debug, info, warn, error)")

	rootCmd.RegisterFlagCompletionFunc("log-level", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"debug", "info", "warn", "error"}, cobra.ShellCompDirectiveNoFileComp
	})

	rootCmd.AddCommand(NewServeCommand())
	rootCmd.AddCommand(NewDevicesCommand())
	rootCmd.AddCommand(NewSnapshotCommand())
}

// loadConfig は設定を読み込み、フラグの値で上書きしてからロガーを作る
func loadConfig() (*config.Config, *logging.Logger, error) {
	cfg, err := config.Load(rootOpts.ConfigPath)
	if err != nil {
		return nil, nil, fmt.Errorf("設定の読み込みに失敗しました: %w", err)
	}
	if rootOpts.LogLevel != "" {
		cfg.Logging.Level = rootOpts.LogLevel
	}
	return cfg, logging.New(cfg.Logging, Version), nil
}
