package config

import (
	"errors"
	"fmt"
	"image/color"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"kanshi/internal/camera"
	"kanshi/internal/logging"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server  ServerConfig   `yaml:"server"`
	Logging logging.Config `yaml:"logging"`
	MQTT    MQTTConfig     `yaml:"mqtt"`
	Camera  CameraConfig   `yaml:"camera"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host"` // リッスンするホスト
	Port int    `yaml:"port"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // 読み込みタイムアウト
	WriteTimeout time.Duration `yaml:"write_timeout"` // 書き込みタイムアウト（0で無効）

	StreamFPS float64 `yaml:"stream_fps"` // MJPEGストリームの送信レート
}

// MQTTConfig はカメラ状態を配信するMQTTブローカーの設定
type MQTTConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Broker      string        `yaml:"broker"` // 例: tcp://localhost:1883
	ClientID    string        `yaml:"client_id"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	TopicPrefix string        `yaml:"topic_prefix"`
	QoS         byte          `yaml:"qos"`
	Interval    time.Duration `yaml:"interval"` // 状態の配信間隔
}

// CameraConfig はカメラ関連の設定
type CameraConfig struct {
	// trueなら起動時に/dev/video*を検出してdevicesに追加する
	AutoDiscover bool `yaml:"auto_discover"`

	// 各カメラで未指定の項目に使う値
	Defaults DeviceConfig `yaml:"defaults"`

	// カメラ名 -> 設定
	Devices map[string]DeviceConfig `yaml:"devices"`
}

// DeviceConfig は個別カメラの設定
// 真偽値は未指定とfalseを区別するためポインタにしている
type DeviceConfig struct {
	Source         string         `yaml:"source"` // 番号、/dev/videoN、URL、x11:、test:
	FPS            *float64       `yaml:"fps"` // 0なら待機間隔は既定値（スロットリングなし）
	ReconnectDelay time.Duration  `yaml:"reconnect_delay"`
	Width          int            `yaml:"width"`
	Height         int            `yaml:"height"`
	FlipX          *bool          `yaml:"flip_x"`
	FlipY          *bool          `yaml:"flip_y"`
	QueueMode      *bool          `yaml:"queue_mode"`
	QueueSize      int            `yaml:"queue_size"`
	Events         *bool          `yaml:"events"`
	Fallback       FallbackConfig `yaml:"fallback"`
	Encoder        EncoderConfig  `yaml:"encoder"`
}

// FallbackConfig は未接続時の代替画像の設定
type FallbackConfig struct {
	Enabled   *bool   `yaml:"enabled"`
	Text      string  `yaml:"text"`
	FontScale float64 `yaml:"font_scale"`
	Color     string  `yaml:"color"` // #RRGGBB
	Thickness int     `yaml:"thickness"`
	Width     int     `yaml:"width"`
	Height    int     `yaml:"height"`
}

// EncoderConfig はJPEGエンコードの設定
type EncoderConfig struct {
	Enabled *bool `yaml:"enabled"`
	Quality int   `yaml:"quality"`
}

// Load は設定を読み込む
// pathが空ならデフォルト値と環境変数だけを使う
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("設定ファイルの解析に失敗: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

// Default はデフォルト設定を返す
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 0, // ストリーミング用にタイムアウト無効化
			StreamFPS:    10,
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			ClientID:    "kanshi",
			TopicPrefix: "kanshi",
			QoS:         1,
			Interval:    10 * time.Second,
		},
		Camera: CameraConfig{
			Defaults: DeviceConfig{
				FPS:            floatPtr(15),
				ReconnectDelay: camera.DefaultReconnectDelay,
				Events:         boolPtr(true),
				Fallback: FallbackConfig{
					Enabled:   boolPtr(true),
					Text:      camera.DefaultFallbackText,
					FontScale: 2,
					Color:     "#FFFFFF",
					Thickness: 1,
				},
				Encoder: EncoderConfig{
					Enabled: boolPtr(true),
					Quality: camera.DefaultJPEGQuality,
				},
			},
			Devices: map[string]DeviceConfig{},
		},
	}
}

// applyEnvOverrides は環境変数で設定を上書きする
func applyEnvOverrides(cfg *Config) {
	cfg.Server.Host = getEnvOrDefault("SERVER_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvAsIntOrDefault("PORT", cfg.Server.Port)
	cfg.Logging.Level = getEnvOrDefault("LOG_LEVEL", cfg.Logging.Level)

	if v := os.Getenv("MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
		cfg.MQTT.Enabled = true
	}
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("無効なポート番号: %d", c.Server.Port))
	}
	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 {
		errs = append(errs, errors.New("タイムアウトに負の値は指定できません"))
	}
	if c.Server.StreamFPS <= 0 {
		errs = append(errs, fmt.Errorf("無効なストリームFPS: %v", c.Server.StreamFPS))
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("無効なログ形式: %s", c.Logging.Format))
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			errs = append(errs, errors.New("mqtt.brokerが指定されていません"))
		}
		if c.MQTT.QoS > 2 {
			errs = append(errs, fmt.Errorf("無効なQoS: %d", c.MQTT.QoS))
		}
		if c.MQTT.Interval <= 0 {
			errs = append(errs, fmt.Errorf("無効な配信間隔: %v", c.MQTT.Interval))
		}
	}

	for name, dev := range c.Camera.Devices {
		if strings.TrimSpace(name) == "" {
			errs = append(errs, errors.New("カメラ名が空です"))
			continue
		}
		if _, err := c.cameraConfig(dev, nil); err != nil {
			errs = append(errs, fmt.Errorf("カメラ %s: %w", name, err))
		}
	}

	return errors.Join(errs...)
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// CameraConfigs は各カメラの設定にデフォルト値を補ってcamera.Configに変換する
func (c *Config) CameraConfigs(logger *slog.Logger) (map[string]camera.Config, error) {
	configs := make(map[string]camera.Config, len(c.Camera.Devices))
	for name, dev := range c.Camera.Devices {
		cfg, err := c.cameraConfig(dev, logger)
		if err != nil {
			return nil, fmt.Errorf("カメラ %s: %w", name, err)
		}
		configs[name] = cfg
	}
	return configs, nil
}

// BaseCameraConfig は自動検出したカメラに使う設定を返す
func (c *Config) BaseCameraConfig(logger *slog.Logger) (camera.Config, error) {
	dev := c.Camera.Defaults
	if dev.Source == "" {
		dev.Source = "0"
	}
	return c.cameraConfig(dev, logger)
}

func (c *Config) cameraConfig(dev DeviceConfig, logger *slog.Logger) (camera.Config, error) {
	d := merge(dev, c.Camera.Defaults)

	if strings.TrimSpace(d.Source) == "" {
		return camera.Config{}, fmt.Errorf("%w: sourceが指定されていません", camera.ErrInvalidConfig)
	}
	if _, err := camera.ParseSource(d.Source); err != nil {
		return camera.Config{}, err
	}
	fps := floatValue(d.FPS)
	if fps < 0 {
		return camera.Config{}, fmt.Errorf("%w: 無効なFPS値: %v", camera.ErrInvalidConfig, fps)
	}

	textColor, err := parseHexColor(d.Fallback.Color)
	if err != nil {
		return camera.Config{}, err
	}

	queueMode := boolValue(d.QueueMode)
	queueSize := d.QueueSize
	if queueMode && queueSize == 0 {
		queueSize = camera.DefaultQueueSize
	}

	return camera.Config{
		Source:          d.Source,
		FPS:             fps,
		ReconnectDelay:  d.ReconnectDelay,
		Width:           d.Width,
		Height:          d.Height,
		FlipX:           boolValue(d.FlipX),
		FlipY:           boolValue(d.FlipY),
		QueueMode:       queueMode,
		QueueSize:       queueSize,
		FallbackEnabled: boolValue(d.Fallback.Enabled),
		Fallback: camera.FallbackOptions{
			Text:      d.Fallback.Text,
			FontScale: d.Fallback.FontScale,
			Color:     textColor,
			Thickness: d.Fallback.Thickness,
			Width:     d.Fallback.Width,
			Height:    d.Fallback.Height,
		},
		Encoder: camera.EncoderOptions{
			Enabled: boolValue(d.Encoder.Enabled),
			Quality: d.Encoder.Quality,
		},
		EmitterEnabled: boolValue(d.Events),
		Logger:         logger,
	}, nil
}

// merge はdevの未指定項目をdefaultsで埋める
func merge(dev, defaults DeviceConfig) DeviceConfig {
	out := dev
	if out.Source == "" {
		out.Source = defaults.Source
	}
	out.FPS = firstSet(out.FPS, defaults.FPS)
	if out.ReconnectDelay == 0 {
		out.ReconnectDelay = defaults.ReconnectDelay
	}
	if out.Width == 0 && out.Height == 0 {
		out.Width, out.Height = defaults.Width, defaults.Height
	}
	out.FlipX = firstSet(out.FlipX, defaults.FlipX)
	out.FlipY = firstSet(out.FlipY, defaults.FlipY)
	out.QueueMode = firstSet(out.QueueMode, defaults.QueueMode)
	if out.QueueSize == 0 {
		out.QueueSize = defaults.QueueSize
	}
	out.Events = firstSet(out.Events, defaults.Events)

	fb, dfb := &out.Fallback, defaults.Fallback
	fb.Enabled = firstSet(fb.Enabled, dfb.Enabled)
	if fb.Text == "" {
		fb.Text = dfb.Text
	}
	if fb.FontScale == 0 {
		fb.FontScale = dfb.FontScale
	}
	if fb.Color == "" {
		fb.Color = dfb.Color
	}
	if fb.Thickness == 0 {
		fb.Thickness = dfb.Thickness
	}
	if fb.Width == 0 && fb.Height == 0 {
		fb.Width, fb.Height = dfb.Width, dfb.Height
	}

	out.Encoder.Enabled = firstSet(out.Encoder.Enabled, defaults.Encoder.Enabled)
	if out.Encoder.Quality == 0 {
		out.Encoder.Quality = defaults.Encoder.Quality
	}
	return out
}

// parseHexColor は "#RRGGBB" を色に変換する。空なら白
func parseHexColor(s string) (color.RGBA, error) {
	if s == "" {
		return color.RGBA{R: 255, G: 255, B: 255, A: 255}, nil
	}
	hex := strings.TrimPrefix(s, "#")
	if len(hex) != 6 {
		return color.RGBA{}, fmt.Errorf("%w: 無効な色: %s", camera.ErrInvalidConfig, s)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("%w: 無効な色: %s", camera.ErrInvalidConfig, s)
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 255}, nil
}

func boolPtr(v bool) *bool {
	return &v
}

func boolValue(p *bool) bool {
	return p != nil && *p
}

func floatPtr(v float64) *float64 {
	return &v
}

func floatValue(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}

// firstSet はvが指定されていればv、なければfallbackを返す
func firstSet[T any](v, fallback *T) *T {
	if v != nil {
		return v
	}
	return fallback
}

// getEnvOrDefault は環境変数を取得し、設定されていない場合はデフォルト値を返す
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault は環境変数を整数として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
