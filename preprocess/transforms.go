package preprocess

import (
	"math"
	"math/rand"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// Contrast selects the contrast transform applied by the full preprocessing
// pipeline.
type Contrast int

const (
	// ContrastEqualize applies global histogram equalization. This is the
	// default: the preprocessed artifacts on disk were produced with it.
	ContrastEqualize Contrast = iota
	// ContrastNone leaves intensities untouched.
	ContrastNone
	// ContrastAdaptive applies tiled, clip-limited histogram equalization.
	ContrastAdaptive
	// ContrastRescale linearly stretches intensities to the full range.
	ContrastRescale
)

const histBins = 256

// SetContrast applies the selected contrast transform and returns a new
// image. The input is not modified.
func SetContrast(im *Image, c Contrast) (*Image, error) {
	buf := im.Float()
	switch c {
	case ContrastNone:
	case ContrastEqualize:
		buf = equalizeHist(buf)
	case ContrastAdaptive:
		buf = equalizeAdaptive(buf, im.Width, im.Height)
	case ContrastRescale:
		buf = rescaleIntensity(buf)
	default:
		return nil, errors.Errorf("unknown contrast transform %d", c)
	}
	return fromFloat(buf, im.Width, im.Height), nil
}

// equalizeHist maps intensities through their cumulative distribution so the
// output histogram is approximately flat.
func equalizeHist(buf []float64) []float64 {
	var hist [histBins]int
	for _, v := range buf {
		hist[bin(v)]++
	}
	var cdf [histBins]float64
	total := 0
	for i, c := range hist {
		total += c
		cdf[i] = float64(total)
	}
	n := float64(len(buf))
	out := make([]float64, len(buf))
	for i, v := range buf {
		out[i] = cdf[bin(v)] / n
	}
	return out
}

// equalizeAdaptive runs clip-limited equalization over an 8x8 tile grid,
// interpolating bilinearly between neighboring tile mappings to avoid tile
// boundary artifacts.
func equalizeAdaptive(buf []float64, width, height int) []float64 {
	const gridSize = 8
	const clipFactor = 4.0

	tilesX := min(gridSize, width)
	tilesY := min(gridSize, height)
	tileW := float64(width) / float64(tilesX)
	tileH := float64(height) / float64(tilesY)

	// Per-tile clipped CDF mappings.
	maps := make([][]float64, tilesX*tilesY)
	for ty := 0; ty < tilesY; ty++ {
		for tx := 0; tx < tilesX; tx++ {
			x0, x1 := int(float64(tx)*tileW), int(float64(tx+1)*tileW)
			y0, y1 := int(float64(ty)*tileH), int(float64(ty+1)*tileH)
			if tx == tilesX-1 {
				x1 = width
			}
			if ty == tilesY-1 {
				y1 = height
			}
			maps[ty*tilesX+tx] = clippedCDF(buf, width, x0, x1, y0, y1, clipFactor)
		}
	}

	out := make([]float64, len(buf))
	for y := 0; y < height; y++ {
		// Fractional tile coordinates relative to tile centers.
		fy := (float64(y)+0.5)/tileH - 0.5
		ty0 := int(math.Floor(fy))
		wy := fy - float64(ty0)
		ty1 := ty0 + 1
		ty0 = clampInt(ty0, 0, tilesY-1)
		ty1 = clampInt(ty1, 0, tilesY-1)
		for x := 0; x < width; x++ {
			fx := (float64(x)+0.5)/tileW - 0.5
			tx0 := int(math.Floor(fx))
			wx := fx - float64(tx0)
			tx1 := tx0 + 1
			tx0 = clampInt(tx0, 0, tilesX-1)
			tx1 = clampInt(tx1, 0, tilesX-1)

			b := bin(buf[y*width+x])
			top := (1-wx)*maps[ty0*tilesX+tx0][b] + wx*maps[ty0*tilesX+tx1][b]
			bot := (1-wx)*maps[ty1*tilesX+tx0][b] + wx*maps[ty1*tilesX+tx1][b]
			out[y*width+x] = (1-wy)*top + wy*bot
		}
	}
	return out
}

// clippedCDF builds the clip-limited equalization mapping for one tile.
func clippedCDF(buf []float64, width, x0, x1, y0, y1 int, clipFactor float64) []float64 {
	var hist [histBins]float64
	n := 0
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			hist[bin(buf[y*width+x])]++
			n++
		}
	}
	if n == 0 {
		return make([]float64, histBins)
	}
	// Clip the histogram and redistribute the excess uniformly.
	limit := math.Max(1, clipFactor*float64(n)/histBins)
	excess := 0.0
	for i := range hist {
		if hist[i] > limit {
			excess += hist[i] - limit
			hist[i] = limit
		}
	}
	for i := range hist {
		hist[i] += excess / histBins
	}
	cdf := make([]float64, histBins)
	run := 0.0
	for i := range hist {
		run += hist[i]
		cdf[i] = run / float64(n)
	}
	return cdf
}

// rescaleIntensity stretches intensities linearly so the minimum maps to 0
// and the maximum to 1. A constant image is returned unchanged.
func rescaleIntensity(buf []float64) []float64 {
	lo, hi := floats.Min(buf), floats.Max(buf)
	out := make([]float64, len(buf))
	if hi <= lo {
		copy(out, buf)
		return out
	}
	for i, v := range buf {
		out[i] = (v - lo) / (hi - lo)
	}
	return out
}

func bin(v float64) int {
	b := int(v * (histBins - 1))
	return clampInt(b, 0, histBins-1)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// PadSquare letterboxes the image onto a dim x dim black canvas, shrinking
// it by 4/5 steps first if it exceeds the canvas. With randomPad the image
// is placed at a random offset and flipped horizontally half the time,
// otherwise it is centered.
func PadSquare(im *Image, dim int, randomPad bool, rng *rand.Rand) *Image {
	for im.Width > dim || im.Height > dim {
		im = Resize(im, im.Width*4/5, im.Height*4/5)
	}

	randH, randV := 0.5, 0.5
	if randomPad {
		if rng.Float64() >= 0.5 {
			im = fromImage(imaging.FlipH(im.toGray()))
		}
		randH = rng.Float64()
		randV = rng.Float64()
	}
	left := int(math.Ceil(float64(dim-im.Width) * (1 - randH)))
	top := int(math.Ceil(float64(dim-im.Height) * (1 - randV)))

	out := &Image{Pix: make([]uint8, dim*dim), Width: dim, Height: dim}
	for y := 0; y < im.Height; y++ {
		copy(out.Pix[(top+y)*dim+left:(top+y)*dim+left+im.Width], im.Pix[y*im.Width:(y+1)*im.Width])
	}
	return out
}

// Autocrop removes edges whose intensity is at or below threshold, returning
// the bounding box of brighter pixels. A fully dark image crops to 1x1.
func Autocrop(im *Image, threshold uint8) *Image {
	minX, minY := im.Width, im.Height
	maxX, maxY := -1, -1
	for y := 0; y < im.Height; y++ {
		for x := 0; x < im.Width; x++ {
			if im.At(x, y) > threshold {
				if x < minX {
					minX = x
				}
				if x > maxX {
					maxX = x
				}
				if y < minY {
					minY = y
				}
				if y > maxY {
					maxY = y
				}
			}
		}
	}
	if maxX < 0 {
		return cropRegion(im, 0, 0, 1, 1)
	}
	return cropRegion(im, minX, minY, maxX+1, maxY+1)
}

// CropRect extracts a square region whose size and origin are fractions of
// the image dimensions. With randomCrop the fractions are drawn uniformly
// from the ranges used for crop augmentation, otherwise fixed parameters
// are used.
func CropRect(im *Image, randomCrop bool, rng *rand.Rand) *Image {
	par1, par2, par3 := 2.1, 4.0, 4.0
	if randomCrop {
		par1 = 1.5 + rng.Float64()*(2.8-1.5)
		par2 = 3 + rng.Float64()*(4.5-3)
		par3 = 3 + rng.Float64()*(4.5-3)
	}
	newDim := int(float64(im.Width) / par1)
	startCol := int(float64(im.Width) / par2)
	startRow := int(float64(im.Height) / par3)

	endCol := clampInt(startCol+newDim, 0, im.Width)
	endRow := clampInt(startRow+newDim, 0, im.Height)
	return cropRegion(im, startCol, startRow, endCol, endRow)
}

func cropRegion(im *Image, x0, y0, x1, y1 int) *Image {
	w, h := x1-x0, y1-y0
	out := &Image{Pix: make([]uint8, w*h), Width: w, Height: h}
	for y := 0; y < h; y++ {
		copy(out.Pix[y*w:(y+1)*w], im.Pix[(y0+y)*im.Width+x0:(y0+y)*im.Width+x1])
	}
	return out
}
