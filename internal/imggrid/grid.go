// Package imggrid tiles batches of CHW images into single grid images for
// qualitative monitoring.
package imggrid

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"

	"gorgonia.org/tensor"
)

// padding is the pixel border around and between tiles.
const padding = 2

// PadValue picks the grid background intensity that contrasts with the
// tiles: dark tiles get a white border, bright tiles a black one.
func PadValue(t *tensor.Dense) float64 {
	backing, ok := t.Data().([]float64)
	if !ok || len(backing) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range backing {
		sum += v
	}
	if sum/float64(len(backing)) > 0.5 {
		return 0
	}
	return 1
}

// Grid tiles a (N,C,H,W) batch into a single image with nrow tiles per row.
// C must be 1 (grayscale) or 3 (RGB); pixel values are clamped to [0,1].
func Grid(t *tensor.Dense, nrow int, pad float64) (image.Image, error) {
	shape := t.Shape()
	if len(shape) != 4 {
		return nil, fmt.Errorf("imggrid: batch must be (N,C,H,W), got shape %v", shape)
	}
	n, c, h, w := shape[0], shape[1], shape[2], shape[3]
	if n == 0 {
		return nil, fmt.Errorf("imggrid: empty batch")
	}
	if c != 1 && c != 3 {
		return nil, fmt.Errorf("imggrid: unsupported channel count %d", c)
	}
	if nrow <= 0 {
		return nil, fmt.Errorf("imggrid: nrow must be > 0 (got %d)", nrow)
	}
	backing, ok := t.Data().([]float64)
	if !ok {
		return nil, fmt.Errorf("imggrid: batch must have float64 backing, got %T", t.Data())
	}

	rows := (n + nrow - 1) / nrow
	width := nrow*(w+padding) + padding
	height := rows*(h+padding) + padding
	out := image.NewRGBA(image.Rect(0, 0, width, height))

	bg := toByte(pad)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			out.SetRGBA(x, y, color.RGBA{R: bg, G: bg, B: bg, A: 255})
		}
	}

	per := c * h * w
	for i := 0; i < n; i++ {
		tile := backing[i*per : (i+1)*per]
		ox := padding + (i%nrow)*(w+padding)
		oy := padding + (i/nrow)*(h+padding)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				var r, g, b uint8
				if c == 1 {
					v := toByte(tile[y*w+x])
					r, g, b = v, v, v
				} else {
					r = toByte(tile[y*w+x])
					g = toByte(tile[h*w+y*w+x])
					b = toByte(tile[2*h*w+y*w+x])
				}
				out.SetRGBA(ox+x, oy+y, color.RGBA{R: r, G: g, B: b, A: 255})
			}
		}
	}
	return out, nil
}

// Save tiles the batch and writes it as a PNG file, choosing a contrasting
// pad value automatically.
func Save(t *tensor.Dense, nrow int, path string) error {
	img, err := Grid(t, nrow, PadValue(t))
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("imggrid: create %s: %w", path, err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("imggrid: encode %s: %w", path, err)
	}
	return f.Close()
}

func toByte(v float64) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return uint8(v*255 + 0.5)
}
