package camera

import (
	"image"
	"image/draw"

	xdraw "golang.org/x/image/draw"
)

// preprocessor はリサイズと反転を行う
type preprocessor struct {
	width  int
	height int
	flipX  bool
	flipY  bool
}

func (p preprocessor) apply(img image.Image) image.Image {
	if p.width > 0 && p.height > 0 {
		img = resize(img, p.width, p.height)
	}
	if p.flipX || p.flipY {
		img = flip(img, p.flipX, p.flipY)
	}
	return img
}

// resize は画像を指定サイズに拡大縮小する
func resize(src image.Image, width, height int) image.Image {
	b := src.Bounds()
	if b.Dx() == width && b.Dy() == height {
		return src
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, xdraw.Src, nil)
	return dst
}

// flip は左右（horizontal）・上下（vertical）に反転した新しい画像を返す
func flip(src image.Image, horizontal, vertical bool) *image.RGBA {
	b := src.Bounds()
	rgba, ok := src.(*image.RGBA)
	if !ok {
		rgba = image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(rgba, rgba.Bounds(), src, b.Min, draw.Src)
	}

	w, h := rgba.Rect.Dx(), rgba.Rect.Dy()
	dst := image.NewRGBA(image.Rect(0, 0, w, h))

	for y := 0; y < h; y++ {
		sy := y
		if vertical {
			sy = h - 1 - y
		}
		srcRow := rgba.Pix[sy*rgba.Stride : sy*rgba.Stride+w*4]
		dstRow := dst.Pix[y*dst.Stride : y*dst.Stride+w*4]
		if !horizontal {
			copy(dstRow, srcRow)
			continue
		}
		for x := 0; x < w; x++ {
			copy(dstRow[x*4:x*4+4], srcRow[(w-1-x)*4:(w-1-x)*4+4])
		}
	}
	return dst
}
