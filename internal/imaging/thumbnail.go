// Package imaging renders observation thumbnails.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	DefaultWidth = 320
	jpegQuality  = 85
)

// Label formats the caption stamped on a thumbnail, e.g. "robin 87%".
func Label(species string, confidence *float64) string {
	if confidence == nil {
		return species
	}
	return fmt.Sprintf("%s %.0f%%", species, *confidence*100)
}

// Thumbnail decodes a JPEG, scales it down to at most maxWidth pixels wide
// keeping the aspect ratio, stamps label in the top-left corner and encodes
// the result as JPEG. Images narrower than maxWidth are not enlarged.
func Thumbnail(src []byte, maxWidth int, label string) ([]byte, error) {
	img, err := jpeg.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	if maxWidth <= 0 {
		maxWidth = DefaultWidth
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w > maxWidth {
		h = max(1, h*maxWidth/w)
		w = maxWidth
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)

	if label != "" {
		drawLabel(dst, 4, 4, label, color.RGBA{255, 255, 255, 255})
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

// drawLabel draws text over a translucent background box.
func drawLabel(img *image.RGBA, x, y int, label string, c color.RGBA) {
	bg := image.NewUniform(color.RGBA{0, 0, 0, 180})
	textWidth := font.MeasureString(basicfont.Face7x13, label).Ceil()
	box := image.Rect(x-2, y-2, x+textWidth+2, y+12).Intersect(img.Bounds())
	draw.Draw(img, box, bg, image.Point{}, draw.Over)

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y + 10)},
	}
	d.DrawString(label)
}
