package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"kanshi/internal/camera"
)

type snapshotOptions struct {
	Output  string
	Timeout time.Duration
	Width   int
	Height  int
	Quality int
}

// NewSnapshotCommand はsnapshotコマンドを作成する
func NewSnapshotCommand() *cobra.Command {
	opts := &snapshotOptions{}

	cmd := &cobra.Command{
		Use:   "snapshot <source>",
		Short: "カメラから1枚だけ取得してJPEGで保存する",
		Example: `  kanshi snapshot 0 -o front.jpg
  kanshi snapshot rtsp://cam.local/stream --timeout 20s
  kanshi snapshot test:bars --width 320 --height 240`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, logger, err := loadConfig()
			if err != nil {
				return err
			}
			cfg := camera.Config{
				Source:  args[0],
				Width:   opts.Width,
				Height:  opts.Height,
				Encoder: camera.EncoderOptions{Enabled: true, Quality: opts.Quality},
				// 1枚取れれば十分なので、取得通知を使う
				EmitterEnabled: true,
				Logger:         logger.Logger,
			}
			data, err := takeSnapshot(cmd.Context(), cfg, opts.Timeout)
			if err != nil {
				return err
			}
			if err := os.WriteFile(opts.Output, data, 0o644); err != nil {
				return fmt.Errorf("ファイルの書き込みに失敗しました: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s に保存しました (%d bytes)\n", opts.Output, len(data))
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.Output, "output", "o", "snapshot.jpg", "出力ファイル")
	flags.DurationVar(&opts.Timeout, "timeout", 10*time.Second, "フレーム取得のタイムアウト")
	flags.IntVar(&opts.Width, "width", 0, "リサイズ後の幅")
	flags.IntVar(&opts.Height, "height", 0, "リサイズ後の高さ")
	flags.IntVarP(&opts.Quality, "quality", "q", camera.DefaultJPEGQuality, "JPEG品質 (1-100)")

	return cmd
}

// takeSnapshot はデバイスを起動し、最初のフレームのJPEGを返す
func takeSnapshot(ctx context.Context, cfg camera.Config, timeout time.Duration, opts ...camera.Option) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	d, err := camera.NewDevice("snapshot", cfg, opts...)
	if err != nil {
		return nil, err
	}

	ready := make(chan []byte, 1)
	d.On(camera.EventSampleReady, func(any) {
		select {
		case ready <- d.JPEG():
		default:
		}
	})

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	d.Start(ctx)
	defer d.Stop()

	select {
	case data := <-ready:
		if len(data) == 0 {
			return nil, errors.New("フレームのエンコードに失敗しました")
		}
		return data, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%s からフレームを取得できませんでした: %w", cfg.Source, ctx.Err())
	}
}
