package camera

import (
	"errors"
	"image"
	"image/color"
	"log/slog"
	"time"
)

// Status はカメラの動作状態を表す
type Status string

const (
	StatusStopped    Status = "stopped"    // 制御ループは停止中
	StatusConnecting Status = "connecting" // デバイスへの接続を試行中
	StatusRunning    Status = "running"    // フレームを取得中
	StatusPaused     Status = "paused"     // 一時停止中
)

// イベント名
const (
	EventSampleReady     = "sample-ready"     // ペイロード: FrameEvent
	EventSampleAvailable = "sample-available" // ペイロード: カメラ名(string)
)

// デフォルト値
const (
	DefaultReconnectDelay = 5 * time.Second
	DefaultIdleDelay      = 10 * time.Millisecond
	DefaultQueueSize      = 96
	DefaultJPEGQuality    = 80
	DefaultFallbackWidth  = 1280
	DefaultFallbackHeight = 720
	DefaultFallbackText   = "Device not available"
)

var (
	// ErrNoFrame はハンドルにまだ新しいフレームがないことを表す（切断ではない）
	ErrNoFrame = errors.New("フレームがまだありません")

	// ErrInvalidConfig はカメラ設定が不正であることを表す
	ErrInvalidConfig = errors.New("無効なカメラ設定")
)

// Transform はフレーム取得ごとに呼ばれるユーザー定義の変換処理
// エンジンの状態を変更してはいけない。エラーやpanicは元のフレームをそのまま通す
type Transform func(img image.Image, params map[string]any) (image.Image, error)

// FrameEvent はsample-readyイベントのペイロード
type FrameEvent struct {
	Name  string
	Frame image.Image
}

// FallbackOptions は未接続時に返す代替画像の設定
type FallbackOptions struct {
	Text      string     // 中央に表示する文字列
	FontScale float64    // 文字の拡大率
	Color     color.RGBA // 文字色
	Thickness int        // 線の太さ（ピクセル）
	Width     int        // 画像幅（0なら出力サイズかデフォルト）
	Height    int        // 画像高さ
}

// DefaultFallbackOptions はデフォルトの代替画像設定を返す
func DefaultFallbackOptions() FallbackOptions {
	return FallbackOptions{
		Text:      DefaultFallbackText,
		FontScale: 2,
		Color:     color.RGBA{R: 255, G: 255, B: 255, A: 255},
		Thickness: 1,
	}
}

// EncoderOptions は副次表現（JPEG/base64）の設定
type EncoderOptions struct {
	Enabled bool
	Quality int // 1-100
}

// Config は1台のカメラの構築設定
type Config struct {
	Source         string        // デバイス記述子（番号、パス、URL、x11:、test:）
	FPS            float64       // 目標フレームレート。0ならスロットリングなし
	ReconnectDelay time.Duration // 再接続までの待機時間
	Width          int           // リサイズ後の幅（0ならリサイズなし）
	Height         int           // リサイズ後の高さ
	FlipX          bool          // 左右反転
	FlipY          bool          // 上下反転

	QueueMode bool // trueならキューで受け渡す。構築後は変更できない
	QueueSize int  // キュー容量

	FallbackEnabled bool
	Fallback        FallbackOptions

	Transform       Transform
	TransformParams map[string]any

	Encoder        EncoderOptions
	EmitterEnabled bool

	Logger *slog.Logger
}

// Stats はカメラの実行時統計
type Stats struct {
	Frames            uint64    `json:"frames"`             // 取得したフレーム数
	Dropped           uint64    `json:"dropped"`            // キュー満杯で破棄したフレーム数
	Reconnects        uint64    `json:"reconnects"`         // 再接続の試行回数
	TransformFailures uint64    `json:"transform_failures"` // 変換処理の失敗回数
	LastFrame         time.Time `json:"last_frame"`         // 最後にフレームを取得した時刻
}
