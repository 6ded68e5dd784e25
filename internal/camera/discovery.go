package camera

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Discovery はV4L2デバイスの検出機能を提供する
type Discovery interface {
	// ScanDevices は利用可能なカメラのデバイスパスを番号順に返す
	ScanDevices(ctx context.Context) ([]string, error)

	// IsDeviceAvailable は指定されたデバイスが開けるかチェックする
	IsDeviceAvailable(ctx context.Context, device string) bool

	// GetDeviceInfo はデバイスの詳細情報を取得する
	GetDeviceInfo(ctx context.Context, device string) (*DeviceInfo, error)
}

// DeviceInfo はカメラデバイスの詳細情報
type DeviceInfo struct {
	Device      string       `json:"device"`
	Name        string       `json:"name"`
	Driver      string       `json:"driver"`
	Resolutions []Resolution `json:"resolutions"`
	Formats     []string     `json:"formats"`
}

// Resolution は解像度
type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// commandRunner は外部コマンドを実行して標準出力を返す
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// LinuxDiscovery はv4l2-ctlを使って/dev/video*を検出する
type LinuxDiscovery struct {
	glob    string
	run     commandRunner
	timeout time.Duration
}

// NewLinuxDiscovery は新しいLinuxDiscoveryを作成する
func NewLinuxDiscovery() *LinuxDiscovery {
	return &LinuxDiscovery{
		glob:    "/dev/video*",
		run:     runCommand,
		timeout: 5 * time.Second,
	}
}

// ScanDevices はカラーフォーマットを持つデバイスだけを返す
// 同じカメラが複数のノードを持つ場合は最も小さい番号だけを残す
func (d *LinuxDiscovery) ScanDevices(ctx context.Context) ([]string, error) {
	matches, err := filepath.Glob(d.glob)
	if err != nil {
		return nil, fmt.Errorf("デバイスのスキャンに失敗: %w", err)
	}

	sort.Slice(matches, func(i, j int) bool {
		return extractDeviceNumber(matches[i]) < extractDeviceNumber(matches[j])
	})

	var devices []string
	seen := make(map[string]bool)
	for _, match := range matches {
		if err := ctx.Err(); err != nil {
			return devices, err
		}
		if !d.IsDeviceAvailable(ctx, match) {
			continue
		}

		formats, _ := d.listFormats(ctx, match)
		if !hasColorFormat(formats) {
			continue
		}

		// 同名のカメラは番号の小さいノードを優先
		if name := d.cardName(ctx, match); name != "" {
			if seen[name] {
				continue
			}
			seen[name] = true
		}
		devices = append(devices, match)
	}

	return devices, nil
}

// IsDeviceAvailable はデバイスファイルが存在して読み取れるかを返す
func (d *LinuxDiscovery) IsDeviceAvailable(_ context.Context, device string) bool {
	if !isV4L2Path(device) {
		return false
	}

	file, err := os.OpenFile(device, os.O_RDONLY, 0)
	if err != nil {
		return false
	}
	_ = file.Close()
	return true
}

// GetDeviceInfo はv4l2-ctlの出力からデバイス情報を組み立てる
func (d *LinuxDiscovery) GetDeviceInfo(ctx context.Context, device string) (*DeviceInfo, error) {
	if !d.IsDeviceAvailable(ctx, device) {
		return nil, fmt.Errorf("デバイスが利用できません: %s", device)
	}

	info := &DeviceInfo{Device: device, Driver: "unknown"}

	if out, err := d.command(ctx, "--device", device, "--info"); err == nil {
		fields := parseV4L2Info(out)
		info.Name = fields["Card type"]
		if driver := fields["Driver name"]; driver != "" {
			info.Driver = driver
		}
	}
	if info.Name == "" {
		info.Name = fmt.Sprintf("カメラ %d", extractDeviceNumber(device))
	}

	if out, err := d.listFormats(ctx, device); err == nil {
		info.Formats, info.Resolutions = parseFormats(out)
	}

	return info, nil
}

func (d *LinuxDiscovery) command(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return d.run(ctx, "v4l2-ctl", args...)
}

func (d *LinuxDiscovery) listFormats(ctx context.Context, device string) ([]byte, error) {
	return d.command(ctx, "--device", device, "--list-formats-ext")
}

func (d *LinuxDiscovery) cardName(ctx context.Context, device string) string {
	out, err := d.command(ctx, "--device", device, "--info")
	if err != nil {
		return ""
	}
	return parseV4L2Info(out)["Card type"]
}

var (
	devicePathRe = regexp.MustCompile(`(?:^|/)video(\d+)$`)
	formatRe     = regexp.MustCompile(`\[\d+\]: '(\w+)'`)
	sizeRe       = regexp.MustCompile(`Size: Discrete (\d+)x(\d+)`)
)

func isV4L2Path(device string) bool {
	return devicePathRe.MatchString(device)
}

// extractDeviceNumber は/dev/videoNのNを返す
func extractDeviceNumber(device string) int {
	m := devicePathRe.FindStringSubmatch(device)
	if len(m) < 2 {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}

// parseV4L2Info は "Key : Value" 形式の行を読み取る
func parseV4L2Info(out []byte) map[string]string {
	fields := make(map[string]string)
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if key != "" && value != "" {
			if _, exists := fields[key]; !exists {
				fields[key] = value
			}
		}
	}
	return fields
}

// parseFormats はlist-formats-extの出力からフォーマットと解像度を取り出す
func parseFormats(out []byte) ([]string, []Resolution) {
	var formats []string
	for _, m := range formatRe.FindAllSubmatch(out, -1) {
		formats = append(formats, string(m[1]))
	}

	seen := make(map[Resolution]bool)
	var resolutions []Resolution
	for _, m := range sizeRe.FindAllSubmatch(out, -1) {
		w, _ := strconv.Atoi(string(m[1]))
		h, _ := strconv.Atoi(string(m[2]))
		r := Resolution{Width: w, Height: h}
		if !seen[r] {
			seen[r] = true
			resolutions = append(resolutions, r)
		}
	}
	sort.Slice(resolutions, func(i, j int) bool {
		return resolutions[i].Width*resolutions[i].Height < resolutions[j].Width*resolutions[j].Height
	})
	return formats, resolutions
}

// hasColorFormat はグレースケール以外のフォーマットがあるかを返す
func hasColorFormat(out []byte) bool {
	formats, _ := parseFormats(out)
	for _, f := range formats {
		switch f {
		case "YUYV", "MJPG", "NV12", "RGB3", "BGR3", "H264":
			return true
		}
	}
	return false
}

// DiscoverConfigs は検出したデバイスごとにbaseをコピーした設定を返す
// 名前はデバイスノード名（video0など）
func DiscoverConfigs(ctx context.Context, d Discovery, base Config) (map[string]Config, error) {
	devices, err := d.ScanDevices(ctx)
	if err != nil {
		return nil, err
	}

	configs := make(map[string]Config, len(devices))
	for _, device := range devices {
		cfg := base
		cfg.Source = device
		configs[filepath.Base(device)] = cfg
	}
	return configs, nil
}

// StaticDiscovery は固定のデバイス一覧を返すDiscovery
// テストやハードウェアのない環境で使う
type StaticDiscovery struct {
	mu      sync.RWMutex
	devices []string
	infos   map[string]*DeviceInfo
}

// NewStaticDiscovery は新しいStaticDiscoveryを作成する
func NewStaticDiscovery(devices ...string) *StaticDiscovery {
	s := &StaticDiscovery{infos: make(map[string]*DeviceInfo)}
	for _, device := range devices {
		s.AddDevice(device)
	}
	return s
}

// ScanDevices は登録済みのデバイスを返す
func (s *StaticDiscovery) ScanDevices(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.devices...), nil
}

// IsDeviceAvailable は登録済みかを返す
func (s *StaticDiscovery) IsDeviceAvailable(_ context.Context, device string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.infos[device]
	return ok
}

// GetDeviceInfo はデバイス情報のコピーを返す
func (s *StaticDiscovery) GetDeviceInfo(_ context.Context, device string) (*DeviceInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, ok := s.infos[device]
	if !ok {
		return nil, fmt.Errorf("デバイスが見つかりません: %s", device)
	}
	result := *info
	return &result, nil
}

// AddDevice はデバイスを追加する
func (s *StaticDiscovery) AddDevice(device string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.infos[device]; ok {
		return
	}
	s.devices = append(s.devices, device)
	s.infos[device] = &DeviceInfo{
		Device:      device,
		Name:        fmt.Sprintf("テストカメラ %d", len(s.devices)),
		Driver:      "static",
		Resolutions: []Resolution{{Width: 640, Height: 480}, {Width: 1280, Height: 720}},
		Formats:     []string{"MJPG"},
	}
}

// RemoveDevice はデバイスを取り除く
func (s *StaticDiscovery) RemoveDevice(device string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, d := range s.devices {
		if d == device {
			s.devices = append(s.devices[:i], s.devices[i+1:]...)
			break
		}
	}
	delete(s.infos, device)
}
