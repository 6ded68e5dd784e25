package camera

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"strings"
	"sync"
)

const (
	patternWidth  = 640
	patternHeight = 480
)

var barColors = []color.RGBA{
	{R: 192, G: 192, B: 192, A: 255},
	{R: 192, G: 192, B: 0, A: 255},
	{R: 0, G: 192, B: 192, A: 255},
	{R: 0, G: 192, B: 0, A: 255},
	{R: 192, G: 0, B: 192, A: 255},
	{R: 192, G: 0, B: 0, A: 255},
	{R: 0, G: 0, B: 192, A: 255},
}

// patternHandle はハードウェアなしで動作確認するための合成ソース
// 毎フレーム、カラーバーの上を白い帯が移動する
type patternHandle struct {
	mu     sync.Mutex
	name   string
	width  int
	height int
	tick   int
	closed bool
}

// OpenPattern は "test:<name>[:<W>x<H>]" 形式のソースを開く
func OpenPattern(_ context.Context, src Source) (Handle, error) {
	name, size, _ := strings.Cut(src.Target, ":")
	if name == "" {
		name = "bars"
	}
	if name != "bars" && name != "gray" {
		return nil, fmt.Errorf("不明なテストパターン: %s", name)
	}

	w, h := patternWidth, patternHeight
	if size != "" {
		if _, err := fmt.Sscanf(size, "%dx%d", &w, &h); err != nil || w <= 0 || h <= 0 {
			return nil, fmt.Errorf("無効なテストパターンのサイズ: %s", size)
		}
	}

	return &patternHandle{name: name, width: w, height: h}, nil
}

// Read は次のパターン画像を生成する
func (p *patternHandle) Read(_ context.Context) (image.Image, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, fmt.Errorf("テストパターンは閉じられています")
	}

	img := image.NewRGBA(image.Rect(0, 0, p.width, p.height))
	barWidth := p.width/len(barColors) + 1
	band := p.tick % p.height

	for y := 0; y < p.height; y++ {
		for x := 0; x < p.width; x++ {
			var c color.RGBA
			switch {
			case y >= band && y < band+8:
				c = color.RGBA{R: 255, G: 255, B: 255, A: 255}
			case p.name == "gray":
				v := uint8(x * 255 / p.width)
				c = color.RGBA{R: v, G: v, B: v, A: 255}
			default:
				c = barColors[x/barWidth]
			}
			img.SetRGBA(x, y, c)
		}
	}

	p.tick += 4
	return img, nil
}

// Close はパターンを閉じる
func (p *patternHandle) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
