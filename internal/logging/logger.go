// Package logging はlog/slogを使った構造化ログを提供する
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config はログ出力の設定
type Config struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
	Output string `yaml:"output"` // stdout, stderr
}

// Logger はslog.Loggerにkanshi固有のデフォルト属性を付けたもの
type Logger struct {
	*slog.Logger
}

// New は設定からLoggerを作成する
func New(cfg Config, version string) *Logger {
	return NewWithWriter(cfg, version, outputFor(cfg.Output))
}

// NewWithWriter は出力先を指定してLoggerを作成する
func NewWithWriter(cfg Config, version string, w io.Writer) *Logger {
	opts := &slog.HandlerOptions{
		Level: ParseLevel(cfg.Level),
	}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	handler = handler.WithAttrs([]slog.Attr{
		slog.String("service", "kanshi"),
		slog.String("version", version),
	})

	return &Logger{Logger: slog.New(handler)}
}

// With は属性を追加した子Loggerを返す
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Default は設定読み込み前に使うLoggerを返す
func Default() *Logger {
	return New(Config{Level: "info", Format: "text", Output: "stderr"}, "dev")
}

// ParseLevel は文字列のログレベルを変換する。不明な値はinfoになる
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func outputFor(name string) io.Writer {
	switch strings.ToLower(name) {
	case "stderr":
		return os.Stderr
	default:
		return os.Stdout
	}
}
