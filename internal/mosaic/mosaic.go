// Package mosaic は複数カメラの最新フレームを1枚の格子画像にまとめる
package mosaic

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"sort"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// ErrNoFrames は結合するフレームがないことを表す
var ErrNoFrames = errors.New("結合するフレームがありません")

// Composer はフレームを格子状に並べる
type Composer struct {
	width   int
	height  int
	quality int
	labels  bool
}

// Option はComposerの設定
type Option func(*Composer)

// WithLabels は各セルの左上にカメラ名を描く
func WithLabels() Option {
	return func(c *Composer) {
		c.labels = true
	}
}

// WithQuality はJPEG品質（1-100）を指定する
func WithQuality(quality int) Option {
	return func(c *Composer) {
		c.quality = quality
	}
}

// NewComposer は出力サイズを指定してComposerを作成する
func NewComposer(width, height int, opts ...Option) (*Composer, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("無効な出力サイズ: %dx%d", width, height)
	}
	c := &Composer{width: width, height: height, quality: 80}
	for _, opt := range opts {
		opt(c)
	}
	if c.quality < 1 || c.quality > 100 {
		return nil, fmt.Errorf("無効なJPEG品質: %d", c.quality)
	}
	return c, nil
}

// Layout は格子の行数・列数とセルの大きさ
type Layout struct {
	Cols       int
	Rows       int
	CellWidth  int
	CellHeight int
}

// Cell はn番目のセルの矩形を返す
func (l Layout) Cell(n int) image.Rectangle {
	x := (n % l.Cols) * l.CellWidth
	y := (n / l.Cols) * l.CellHeight
	return image.Rect(x, y, x+l.CellWidth, y+l.CellHeight)
}

// LayoutFor はフレーム数から格子を決める
func (c *Composer) LayoutFor(count int) Layout {
	var cols, rows int
	switch {
	case count <= 1:
		cols, rows = 1, 1
	case count == 2:
		cols, rows = 2, 1
	case count <= 4:
		cols, rows = 2, 2
	default:
		// 横を多めにする
		cols = int(float64(count)*0.6) + 1
		rows = (count + cols - 1) / cols
	}
	return Layout{
		Cols:       cols,
		Rows:       rows,
		CellWidth:  c.width / cols,
		CellHeight: c.height / rows,
	}
}

// Compose はフレームを名前順に並べた画像を返す
// nilのフレームは黒いセルのまま残し、位置は名前で固定する
func (c *Composer) Compose(frames map[string]image.Image) (*image.RGBA, error) {
	if len(frames) == 0 {
		return nil, ErrNoFrames
	}

	names := make([]string, 0, len(frames))
	for name := range frames {
		names = append(names, name)
	}
	sort.Strings(names)

	out := image.NewRGBA(image.Rect(0, 0, c.width, c.height))
	draw.Draw(out, out.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)

	layout := c.LayoutFor(len(names))
	drawn := 0
	for i, name := range names {
		cell := layout.Cell(i)
		if img := frames[name]; img != nil {
			xdraw.ApproxBiLinear.Scale(out, fit(img.Bounds(), cell), img, img.Bounds(), xdraw.Src, nil)
			drawn++
		}
		if c.labels {
			drawLabel(out, cell, name)
		}
	}

	if drawn == 0 {
		return nil, ErrNoFrames
	}
	return out, nil
}

// ComposeJPEG はComposeの結果をJPEGにエンコードする
func (c *Composer) ComposeJPEG(frames map[string]image.Image) ([]byte, error) {
	img, err := c.Compose(frames)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: c.quality}); err != nil {
		return nil, fmt.Errorf("JPEGエンコードに失敗: %w", err)
	}
	return buf.Bytes(), nil
}

// fit は縦横比を保ってcellの中央に収まる矩形を返す
func fit(src, cell image.Rectangle) image.Rectangle {
	sw, sh := src.Dx(), src.Dy()
	cw, ch := cell.Dx(), cell.Dy()
	if sw == 0 || sh == 0 || cw == 0 || ch == 0 {
		return image.Rectangle{}
	}

	w, h := cw, sh*cw/sw
	if h > ch {
		w, h = sw*ch/sh, ch
	}
	x := cell.Min.X + (cw-w)/2
	y := cell.Min.Y + (ch-h)/2
	return image.Rect(x, y, x+w, y+h)
}

func drawLabel(dst *image.RGBA, cell image.Rectangle, text string) {
	face := basicfont.Face7x13
	width := font.MeasureString(face, text).Ceil()
	height := face.Metrics().Height.Ceil()

	bg := image.Rect(cell.Min.X, cell.Min.Y, cell.Min.X+width+4, cell.Min.Y+height+4).Intersect(cell)
	draw.Draw(dst, bg, image.NewUniform(color.RGBA{A: 160}), image.Point{}, draw.Over)

	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(color.White),
		Face: face,
		Dot:  fixed.P(cell.Min.X+2, cell.Min.Y+2+face.Metrics().Ascent.Ceil()),
	}
	d.DrawString(text)
}
