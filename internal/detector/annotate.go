package detector

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"

	"detectsvc/internal/domain"
)

var palette = []color.NRGBA{
	{R: 255, G: 56, B: 56, A: 255},
	{R: 255, G: 157, B: 151, A: 255},
	{R: 255, G: 112, B: 31, A: 255},
	{R: 255, G: 178, B: 29, A: 255},
	{R: 72, G: 249, B: 10, A: 255},
	{R: 26, G: 147, B: 52, A: 255},
	{R: 0, G: 194, B: 255, A: 255},
	{R: 52, G: 69, B: 147, A: 255},
}

// Annotate draws a box outline for every detection on the image at src and
// writes the result to dst. The encoding follows dst's extension, JPEG when
// the extension is not an image format.
func Annotate(src, dst string, dets []domain.Detection) error {
	img, err := imaging.Open(src, imaging.AutoOrientation(true))
	if err != nil {
		return fmt.Errorf("open image: %w", err)
	}
	canvas := imaging.Clone(img)

	colors := map[string]color.NRGBA{}
	for _, d := range dets {
		c, ok := colors[d.Label]
		if !ok {
			c = palette[len(colors)%len(palette)]
			colors[d.Label] = c
		}
		drawBox(canvas, d.Box, c, strokeWidth(canvas.Bounds()))
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("ensure directory: %w", err)
	}
	err = imaging.Save(canvas, dst, imaging.JPEGQuality(90))
	if errors.Is(err, imaging.ErrUnsupportedFormat) {
		f, createErr := os.Create(dst)
		if createErr != nil {
			return fmt.Errorf("create output: %w", createErr)
		}
		if err := imaging.Encode(f, canvas, imaging.JPEG, imaging.JPEGQuality(90)); err != nil {
			_ = f.Close()
			return fmt.Errorf("encode output: %w", err)
		}
		return f.Close()
	}
	if err != nil {
		return fmt.Errorf("save output: %w", err)
	}
	return nil
}

func strokeWidth(b image.Rectangle) int {
	w := int(math.Round(float64(b.Dx()+b.Dy()) / 2 * 0.003))
	if w < 2 {
		return 2
	}
	return w
}

func drawBox(img *image.NRGBA, box domain.BBox, c color.NRGBA, stroke int) {
	b := img.Bounds()
	x1 := clamp(int(box[0]), b.Min.X, b.Max.X-1)
	y1 := clamp(int(box[1]), b.Min.Y, b.Max.Y-1)
	x2 := clamp(int(box[2]), b.Min.X, b.Max.X-1)
	y2 := clamp(int(box[3]), b.Min.Y, b.Max.Y-1)
	if x2 < x1 || y2 < y1 {
		return
	}
	for s := 0; s < stroke; s++ {
		for x := x1; x <= x2; x++ {
			setIn(img, x, y1+s, c)
			setIn(img, x, y2-s, c)
		}
		for y := y1; y <= y2; y++ {
			setIn(img, x1+s, y, c)
			setIn(img, x2-s, y, c)
		}
	}
}

func setIn(img *image.NRGBA, x, y int, c color.NRGBA) {
	if (image.Point{X: x, Y: y}).In(img.Bounds()) {
		img.SetNRGBA(x, y, c)
	}
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
