package camera

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// validateFallback は代替画像の設定を検証する
func validateFallback(opts FallbackOptions) error {
	if opts.Width < 0 || opts.Height < 0 {
		return fmt.Errorf("%w: 代替画像のサイズが負です: %dx%d", ErrInvalidConfig, opts.Width, opts.Height)
	}
	if (opts.Width == 0) != (opts.Height == 0) {
		return fmt.Errorf("%w: 代替画像の幅と高さは両方指定してください: %dx%d", ErrInvalidConfig, opts.Width, opts.Height)
	}
	if opts.FontScale < 0 || math.IsNaN(opts.FontScale) {
		return fmt.Errorf("%w: 無効なフォント倍率: %v", ErrInvalidConfig, opts.FontScale)
	}
	if opts.Thickness < 0 {
		return fmt.Errorf("%w: 無効な線の太さ: %d", ErrInvalidConfig, opts.Thickness)
	}
	return nil
}

// renderFallback は黒い背景の中央に文字列を描いた画像を作る
func renderFallback(opts FallbackOptions) *image.RGBA {
	w, h := opts.Width, opts.Height
	if w == 0 || h == 0 {
		w, h = DefaultFallbackWidth, DefaultFallbackHeight
	}

	bg := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(bg, bg.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)

	if opts.Text == "" {
		return bg
	}

	scale := opts.FontScale
	if scale <= 0 {
		scale = 1
	}
	thickness := opts.Thickness
	if thickness < 1 {
		thickness = 1
	}

	text := renderText(opts.Text, opts.Color, thickness)

	tw := int(math.Round(float64(text.Bounds().Dx()) * scale))
	th := int(math.Round(float64(text.Bounds().Dy()) * scale))
	if tw < 1 || th < 1 {
		return bg
	}

	// 中央に配置（はみ出す分は切り取られる）
	origin := image.Pt((w-tw)/2, (h-th)/2)
	rect := image.Rectangle{Min: origin, Max: origin.Add(image.Pt(tw, th))}
	xdraw.NearestNeighbor.Scale(bg, rect, text, text.Bounds(), xdraw.Over, nil)

	return bg
}

// renderText はbasicfontで文字列を透明な画像に描く
// thicknessが2以上のときは少しずらして重ね描きする
func renderText(text string, c color.RGBA, thickness int) *image.RGBA {
	face := basicfont.Face7x13
	width := font.MeasureString(face, text).Ceil() + thickness
	height := face.Metrics().Height.Ceil() + thickness

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	ascent := face.Metrics().Ascent.Ceil()

	for dy := 0; dy < thickness; dy++ {
		for dx := 0; dx < thickness; dx++ {
			d := &font.Drawer{
				Dst:  img,
				Src:  image.NewUniform(c),
				Face: face,
				Dot:  fixed.P(dx, ascent+dy),
			}
			d.DrawString(text)
		}
	}
	return img
}
