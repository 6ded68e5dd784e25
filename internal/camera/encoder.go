package camera

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	"sync"
)

// Encoder はフレームをJPEGにエンコードする
type Encoder struct {
	quality int
}

// NewEncoder は品質を指定してEncoderを作成する（1-100、0ならデフォルト）
func NewEncoder(quality int) (*Encoder, error) {
	if quality == 0 {
		quality = DefaultJPEGQuality
	}
	if quality < 1 || quality > 100 {
		return nil, fmt.Errorf("%w: 無効なJPEG品質: %d", ErrInvalidConfig, quality)
	}
	return &Encoder{quality: quality}, nil
}

// Encode はフレームをJPEGバイト列にする
func (e *Encoder) Encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: e.quality}); err != nil {
		return nil, fmt.Errorf("JPEGエンコードに失敗: %w", err)
	}
	return buf.Bytes(), nil
}

// sample は制御ループが公開する1フレーム分のデータ
// 公開後は変更されない（base64は初回要求時に一度だけ計算する）
type sample struct {
	seq   uint64
	image image.Image
	jpeg  []byte

	b64Once sync.Once
	b64     string
}

func (s *sample) base64() string {
	if s == nil || len(s.jpeg) == 0 {
		return ""
	}
	s.b64Once.Do(func() {
		s.b64 = base64.StdEncoding.EncodeToString(s.jpeg)
	})
	return s.b64
}
