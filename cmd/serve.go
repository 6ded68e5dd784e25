package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"kanshi/internal/camera"
	"kanshi/internal/config"
	"kanshi/internal/mqtt"
	"kanshi/internal/server"
)

type serveOptions struct {
	Host         string
	Port         int
	AutoDiscover bool
}

// NewServeCommand はserveコマンドを作成する
func NewServeCommand() *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "カメラの取得を開始してHTTPサーバーを起動する",
		Example: `  kanshi serve --config kanshi.yaml
  kanshi serve --port 9000 --auto-discover`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.Host, "host", "", "サーバーのホスト (デフォルト: 0.0.0.0)")
	flags.IntVarP(&opts.Port, "port", "p", 0, "サーバーのポート (デフォルト: 8080)")
	flags.BoolVar(&opts.AutoDiscover, "auto-discover", false, "V4L2デバイスを検出して追加する")

	return cmd
}

func runServe(cmd *cobra.Command, opts *serveOptions) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	// コマンドラインオプションで設定を上書き
	if opts.Host != "" {
		cfg.Server.Host = opts.Host
	}
	if opts.Port != 0 {
		cfg.Server.Port = opts.Port
	}
	if opts.AutoDiscover {
		cfg.Camera.AutoDiscover = true
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	configs, err := cameraConfigs(ctx, cfg, logger.Logger)
	if err != nil {
		return err
	}
	if len(configs) == 0 {
		logger.Warn("カメラが設定されていません")
	}

	devices, err := camera.NewDeviceSet(configs, camera.WithSetLogger(logger.Logger))
	if err != nil {
		return fmt.Errorf("カメラの初期化に失敗しました: %w", err)
	}
	defer func() {
		if err := devices.Close(); err != nil {
			logger.Error("カメラの停止に失敗しました", "error", err)
		}
		logger.Info("全カメラを停止しました")
	}()

	srv, err := server.New(cfg, devices, logger.Logger)
	if err != nil {
		return err
	}

	devices.StartAll(ctx)
	logger.Info("カメラを起動しました", "cameras", devices.Names())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// サーバーが止まったらブリッジも止める
		defer cancel()
		return srv.Start(gctx)
	})

	if cfg.MQTT.Enabled {
		client, err := mqtt.Connect(cfg.MQTT, logger.Logger)
		if err != nil {
			// MQTTがなくてもカメラとHTTPは動かす
			logger.Error("MQTTブローカーに接続できません", "error", err)
		} else {
			defer client.Close()
			bridge := mqtt.NewBridge(devices, client, cfg.MQTT.TopicPrefix, cfg.MQTT.Interval, logger.Logger)
			g.Go(func() error {
				return bridge.Run(gctx)
			})
		}
	}

	return g.Wait()
}

// cameraConfigs は設定ファイルのカメラと、有効なら自動検出したカメラを合わせる
// 設定ファイルに同じデバイスがあればそちらを優先する
func cameraConfigs(ctx context.Context, cfg *config.Config, logger *slog.Logger) (map[string]camera.Config, error) {
	configs, err := cfg.CameraConfigs(logger)
	if err != nil {
		return nil, err
	}
	if !cfg.Camera.AutoDiscover {
		return configs, nil
	}

	base, err := cfg.BaseCameraConfig(logger)
	if err != nil {
		return nil, err
	}
	discovered, err := camera.DiscoverConfigs(ctx, camera.NewLinuxDiscovery(), base)
	if err != nil {
		return nil, fmt.Errorf("カメラの検出に失敗しました: %w", err)
	}
	return mergeDiscovered(configs, discovered, logger), nil
}

func mergeDiscovered(configs, discovered map[string]camera.Config, logger *slog.Logger) map[string]camera.Config {
	used := make(map[string]bool, len(configs))
	for _, c := range configs {
		if src, err := camera.ParseSource(c.Source); err == nil {
			used[sourceKey(src)] = true
		}
	}

	for name, c := range discovered {
		src, err := camera.ParseSource(c.Source)
		if err != nil || used[sourceKey(src)] {
			continue
		}
		if _, exists := configs[name]; exists {
			continue
		}
		configs[name] = c
		logger.Info("カメラを検出しました", "camera", name, "source", c.Source)
	}
	return configs
}

// sourceKey は "0" と "/dev/video0" のような同じデバイスの記述子を同一視する
func sourceKey(src camera.Source) string {
	return string(src.Kind) + ":" + src.Target
}
