package camera

import (
	"context"
	"fmt"
	"image"
	"net/url"
	"strconv"
	"strings"
	"sync"
)

// Handle は1台の物理デバイスへの接続
// Deviceの制御ループだけが取得用ミューテックスの中から呼び出す
type Handle interface {
	// Read は1フレームを取得する。新しいフレームがまだなければErrNoFrameを返す
	// それ以外のエラーは切断として扱われる
	Read(ctx context.Context) (image.Image, error)

	// Close はデバイスを解放する
	Close() error
}

// Opener はデバイス記述子からHandleを開く関数
type Opener func(ctx context.Context, src Source) (Handle, error)

// SourceKind はデバイス記述子の種類
type SourceKind string

const (
	SourceKindV4L2 SourceKind = "v4l2" // USBカメラ（番号または/dev/videoN）
	SourceKindX11  SourceKind = "x11"  // X11画面キャプチャ
	SourceKindURL  SourceKind = "url"  // rtsp/http等のストリーム
	SourceKindFile SourceKind = "file" // 動画ファイル
	SourceKindTest SourceKind = "test" // 合成テストパターン
)

// Source は解析済みのデバイス記述子
type Source struct {
	Raw    string
	Kind   SourceKind
	Target string // デバイスパス、ディスプレイ、URL、パターン名など
}

// String は元の記述子を返す
func (s Source) String() string {
	return s.Raw
}

// ParseSource はデバイス記述子を解析する
//
//	"0"            -> v4l2 /dev/video0
//	"/dev/video2"  -> v4l2 /dev/video2
//	"x11::0.0"     -> x11 :0.0
//	"rtsp://..."   -> url
//	"test:bars"    -> test bars
//	その他         -> file
func ParseSource(raw string) (Source, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Source{}, fmt.Errorf("%w: デバイス記述子が空です", ErrInvalidConfig)
	}

	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 {
			return Source{}, fmt.Errorf("%w: 無効なデバイス番号: %d", ErrInvalidConfig, n)
		}
		return Source{Raw: raw, Kind: SourceKindV4L2, Target: fmt.Sprintf("/dev/video%d", n)}, nil
	}

	switch {
	case strings.HasPrefix(s, "/dev/video"):
		return Source{Raw: raw, Kind: SourceKindV4L2, Target: s}, nil
	case strings.HasPrefix(s, "x11:"):
		display := strings.TrimPrefix(s, "x11:")
		if display == "" {
			display = ":0.0"
		}
		return Source{Raw: raw, Kind: SourceKindX11, Target: display}, nil
	case strings.HasPrefix(s, "test:"):
		return Source{Raw: raw, Kind: SourceKindTest, Target: strings.TrimPrefix(s, "test:")}, nil
	}

	if u, err := url.Parse(s); err == nil && u.Scheme != "" && u.Host != "" {
		return Source{Raw: raw, Kind: SourceKindURL, Target: s}, nil
	}

	return Source{Raw: raw, Kind: SourceKindFile, Target: s}, nil
}

// SourceFactory は記述子の種類ごとにOpenerを選ぶ
type SourceFactory struct {
	mu      sync.RWMutex
	openers map[SourceKind]Opener
}

// NewSourceFactory は標準のOpenerを登録したファクトリーを作成する
func NewSourceFactory(discovery Discovery) *SourceFactory {
	f := &SourceFactory{openers: make(map[SourceKind]Opener)}

	ffmpeg := NewFFmpegOpener(discovery)
	f.Register(SourceKindV4L2, ffmpeg)
	f.Register(SourceKindX11, ffmpeg)
	f.Register(SourceKindURL, ffmpeg)
	f.Register(SourceKindFile, ffmpeg)
	f.Register(SourceKindTest, OpenPattern)

	return f
}

// Register は種類に対応するOpenerを登録する
func (f *SourceFactory) Register(kind SourceKind, opener Opener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openers[kind] = opener
}

// Open は記述子の種類に応じてHandleを開く
func (f *SourceFactory) Open(ctx context.Context, src Source) (Handle, error) {
	f.mu.RLock()
	opener, ok := f.openers[src.Kind]
	f.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("サポートされていないソースタイプ: %s", src.Kind)
	}
	return opener(ctx, src)
}

// SupportedKinds は登録済みの種類を返す
func (f *SourceFactory) SupportedKinds() []SourceKind {
	f.mu.RLock()
	defer f.mu.RUnlock()

	kinds := make([]SourceKind, 0, len(f.openers))
	for kind := range f.openers {
		kinds = append(kinds, kind)
	}
	return kinds
}

var (
	defaultFactoryOnce sync.Once
	defaultFactory     *SourceFactory
)

// DefaultOpener はLinux向けの標準ファクトリーを使うOpenerを返す
func DefaultOpener() Opener {
	defaultFactoryOnce.Do(func() {
		defaultFactory = NewSourceFactory(NewLinuxDiscovery())
	})
	return defaultFactory.Open
}
