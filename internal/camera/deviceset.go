package camera

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"kanshi/internal/event"
)

// DeviceSet は名前付きの複数のDeviceをまとめて操作する
//
// カメラの構成は構築時に決まり、以降は追加も削除もしない。
// 名前を指定する操作で存在しない名前を渡した場合は何もしない。
// 一覧を返す操作は名前の昇順で並べる。
type DeviceSet struct {
	devices map[string]*Device
	opener  Opener
	logger  *slog.Logger
}

// SetOption はDeviceSetの構築オプション
type SetOption func(*DeviceSet)

// WithSetOpener は全Deviceで使うOpenerを指定する
func WithSetOpener(opener Opener) SetOption {
	return func(s *DeviceSet) {
		s.opener = opener
	}
}

// WithSetLogger はConfig.Loggerが未指定のDeviceに使うロガーを指定する
func WithSetLogger(logger *slog.Logger) SetOption {
	return func(s *DeviceSet) {
		s.logger = logger
	}
}

// NewDeviceSet は名前ごとの設定からDeviceSetを作成する
// どれか1つでも設定が不正ならエラーを返す
func NewDeviceSet(configs map[string]Config, opts ...SetOption) (*DeviceSet, error) {
	s := &DeviceSet{
		devices: make(map[string]*Device, len(configs)),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.opener == nil {
		s.opener = DefaultOpener()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	for _, name := range sortedKeys(configs) {
		if err := s.add(name, configs[name]); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *DeviceSet) add(name string, cfg Config) error {
	if cfg.Logger == nil {
		cfg.Logger = s.logger
	}
	d, err := NewDevice(name, cfg, WithOpener(s.opener))
	if err != nil {
		return fmt.Errorf("カメラ %s の作成に失敗: %w", name, err)
	}
	s.devices[name] = d
	return nil
}

// Get は名前に対応するDeviceを返す
func (s *DeviceSet) Get(name string) (*Device, bool) {
	d, ok := s.devices[name]
	return d, ok
}

// Has は名前が登録されているかを返す
func (s *DeviceSet) Has(name string) bool {
	_, ok := s.Get(name)
	return ok
}

// Len は登録数を返す
func (s *DeviceSet) Len() int {
	return len(s.devices)
}

// Names は登録されている名前を昇順で返す
func (s *DeviceSet) Names() []string {
	return sortedKeys(s.devices)
}

// all は全てのDeviceを名前の昇順で返す
func (s *DeviceSet) all() []*Device {
	devices := make([]*Device, 0, len(s.devices))
	for _, name := range sortedKeys(s.devices) {
		devices = append(devices, s.devices[name])
	}
	return devices
}

// pick は指定された名前のDeviceを名前の昇順で返す。存在しない名前は無視する
func (s *DeviceSet) pick(names []string) []*Device {
	devices := make([]*Device, 0, len(names))
	for _, name := range dedupSorted(names) {
		if d, ok := s.devices[name]; ok {
			devices = append(devices, d)
		}
	}
	return devices
}

func apply(devices []*Device, fn func(*Device)) {
	for _, d := range devices {
		fn(d)
	}
}

// StartAll は全てのカメラを開始する
func (s *DeviceSet) StartAll(ctx context.Context) {
	apply(s.all(), func(d *Device) { d.Start(ctx) })
}

// StartOnly は指定したカメラを開始する
func (s *DeviceSet) StartOnly(ctx context.Context, names ...string) {
	apply(s.pick(names), func(d *Device) { d.Start(ctx) })
}

// StopAll は全てのカメラを並行して停止し、全て止まるまで待つ
func (s *DeviceSet) StopAll() {
	s.stop(s.all())
}

// StopOnly は指定したカメラを停止する
func (s *DeviceSet) StopOnly(names ...string) {
	s.stop(s.pick(names))
}

func (s *DeviceSet) stop(devices []*Device) {
	var g errgroup.Group
	for _, d := range devices {
		g.Go(func() error {
			d.Stop()
			return nil
		})
	}
	_ = g.Wait()
}

// PauseAll は全てのカメラを一時停止する
func (s *DeviceSet) PauseAll() {
	apply(s.all(), (*Device).Pause)
}

// PauseOnly は指定したカメラを一時停止する
func (s *DeviceSet) PauseOnly(names ...string) {
	apply(s.pick(names), (*Device).Pause)
}

// ResumeAll は全てのカメラを再開する
func (s *DeviceSet) ResumeAll() {
	apply(s.all(), (*Device).Resume)
}

// ResumeOnly は指定したカメラを再開する
func (s *DeviceSet) ResumeOnly(names ...string) {
	apply(s.pick(names), (*Device).Resume)
}

// SetFPSAll は全てのカメラの目標フレームレートを変更する
func (s *DeviceSet) SetFPSAll(fps float64) error {
	return s.setFPS(s.all(), fps)
}

// SetFPSOnly は指定したカメラの目標フレームレートを変更する
func (s *DeviceSet) SetFPSOnly(fps float64, names ...string) error {
	return s.setFPS(s.pick(names), fps)
}

func (s *DeviceSet) setFPS(devices []*Device, fps float64) error {
	if err := validateFPS(fps); err != nil {
		return err
	}
	apply(devices, func(d *Device) { _ = d.SetFPS(fps) })
	return nil
}

// ReadAll は全てのカメラからReadした結果を名前ごとに返す
// 読み出しは名前の昇順に逐次行うので、キューモードでは最大で台数分timeoutだけかかる
func (s *DeviceSet) ReadAll(timeout time.Duration) map[string]image.Image {
	devices := s.all()
	frames := make(map[string]image.Image, len(devices))
	for _, d := range devices {
		frames[d.Name()] = d.Read(timeout)
	}
	return frames
}

// ReadList は全てのカメラからReadした結果を名前の昇順で返す
func (s *DeviceSet) ReadList(timeout time.Duration) []image.Image {
	devices := s.all()
	frames := make([]image.Image, 0, len(devices))
	for _, d := range devices {
		frames = append(frames, d.Read(timeout))
	}
	return frames
}

// ReadOf は指定したカメラだけReadする
func (s *DeviceSet) ReadOf(timeout time.Duration, names ...string) map[string]image.Image {
	devices := s.pick(names)
	frames := make(map[string]image.Image, len(devices))
	for _, d := range devices {
		frames[d.Name()] = d.Read(timeout)
	}
	return frames
}

// Frames は全てのカメラの最新フレームを返す
func (s *DeviceSet) Frames() map[string]image.Image {
	return latest(s.all())
}

// FrameOf は指定したカメラの最新フレームを返す
func (s *DeviceSet) FrameOf(names ...string) map[string]image.Image {
	return latest(s.pick(names))
}

func latest(devices []*Device) map[string]image.Image {
	frames := make(map[string]image.Image, len(devices))
	for _, d := range devices {
		frames[d.Name()] = d.Frame()
	}
	return frames
}

// Frames64 は全てのカメラの最新フレームのbase64表現を返す
func (s *DeviceSet) Frames64() map[string]string {
	return latest64(s.all())
}

// Frame64Of は指定したカメラの最新フレームのbase64表現を返す
func (s *DeviceSet) Frame64Of(names ...string) map[string]string {
	return latest64(s.pick(names))
}

func latest64(devices []*Device) map[string]string {
	frames := make(map[string]string, len(devices))
	for _, d := range devices {
		frames[d.Name()] = d.Frame64()
	}
	return frames
}

// On は全てのカメラにイベントハンドラを登録し、名前ごとの登録IDを返す
func (s *DeviceSet) On(name string, handler event.Handler) map[string]string {
	devices := s.all()
	ids := make(map[string]string, len(devices))
	for _, d := range devices {
		ids[d.Name()] = d.On(name, handler)
	}
	return ids
}

// Off はOnで登録したハンドラを解除する
func (s *DeviceSet) Off(ids map[string]string) {
	for name, id := range ids {
		if d, ok := s.Get(name); ok {
			d.Off(id)
		}
	}
}

// Infos は全てのカメラの状態を名前の昇順で返す
func (s *DeviceSet) Infos() []Info {
	devices := s.all()
	infos := make([]Info, 0, len(devices))
	for _, d := range devices {
		infos = append(infos, d.Info())
	}
	return infos
}

// Close は全てのカメラを停止する
func (s *DeviceSet) Close() error {
	s.StopAll()
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func dedupSorted(names []string) []string {
	out := append([]string(nil), names...)
	sort.Strings(out)
	n := 0
	for i, name := range out {
		if i > 0 && name == out[n-1] {
			continue
		}
		out[n] = name
		n++
	}
	return out[:n]
}
