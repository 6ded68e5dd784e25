package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"kanshi/internal/camera"
)

type devicesOptions struct {
	OutputFormat string
	Timeout      time.Duration
}

// NewDevicesCommand はdevicesコマンドを作成する
func NewDevicesCommand() *cobra.Command {
	opts := &devicesOptions{}

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "接続されているV4L2カメラを一覧表示する",
		Example: `  kanshi devices
  kanshi devices --output json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDevices(cmd.Context(), camera.NewLinuxDiscovery(), cmd.OutOrStdout(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.OutputFormat, "output", "o", "text", "出力形式 (json or text)")
	flags.DurationVar(&opts.Timeout, "timeout", 10*time.Second, "検出のタイムアウト")

	cmd.RegisterFlagCompletionFunc("output", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"json", "text"}, cobra.ShellCompDirectiveNoFileComp
	})

	return cmd
}

func runDevices(ctx context.Context, d camera.Discovery, w io.Writer, opts *devicesOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	devices, err := d.ScanDevices(ctx)
	if err != nil {
		return fmt.Errorf("デバイスの検出に失敗しました: %w", err)
	}

	infos := make([]*camera.DeviceInfo, 0, len(devices))
	for _, device := range devices {
		info, err := d.GetDeviceInfo(ctx, device)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s の情報を取得できません: %v\n", device, err)
			info = &camera.DeviceInfo{Device: device}
		}
		infos = append(infos, info)
	}

	switch opts.OutputFormat {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(infos)
	case "text":
		return printDevices(w, infos)
	default:
		return fmt.Errorf("不明な出力形式です: %s", opts.OutputFormat)
	}
}

func printDevices(w io.Writer, infos []*camera.DeviceInfo) error {
	if len(infos) == 0 {
		_, err := fmt.Fprintln(w, "カメラが見つかりません")
		return err
	}

	// 列幅を計算
	deviceWidth, nameWidth, driverWidth := len("DEVICE"), len("NAME"), len("DRIVER")
	for _, info := range infos {
		deviceWidth = max(deviceWidth, len(info.Device))
		nameWidth = max(nameWidth, len(info.Name))
		driverWidth = max(driverWidth, len(info.Driver))
	}
	deviceWidth += 2
	nameWidth += 2
	driverWidth += 2

	fmt.Fprintf(w, "%-*s %-*s %-*s %s\n",
		deviceWidth, "DEVICE",
		nameWidth, "NAME",
		driverWidth, "DRIVER",
		"FORMATS / MAX RESOLUTION")

	for _, info := range infos {
		if _, err := fmt.Fprintf(w, "%-*s %-*s %-*s %s %s\n",
			deviceWidth, info.Device,
			nameWidth, info.Name,
			driverWidth, info.Driver,
			strings.Join(info.Formats, ","), maxResolution(info.Resolutions)); err != nil {
			return err
		}
	}
	return nil
}

func maxResolution(resolutions []camera.Resolution) string {
	var best camera.Resolution
	for _, r := range resolutions {
		if r.Width*r.Height > best.Width*best.Height {
			best = r
		}
	}
	if best.Width == 0 {
		return "-"
	}
	return fmt.Sprintf("%dx%d", best.Width, best.Height)
}
