// Package preprocess turns raw ultrasound images into fixed-size 8-bit
// greyscale arrays ready for stacking into model inputs.
//
// Two entry points mirror the two preprocessing paths used by the rest of
// the pipeline:
//
//   - Processor.Process loads an image as greyscale and, only when it is not
//     already at the target resolution, falls through to the full pipeline.
//   - Processor.Preprocess always runs the full pipeline (resize + contrast)
//     and caches its result on disk next to the source images, so repeated
//     extractions over the same dataset are cheap.
package preprocess

import (
	"image"
	"image/color"
	"log"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// DefaultDim is the target square resolution of preprocessed images.
const DefaultDim = 256

// CacheDirName is the directory created beside the image folders to hold
// preprocessed copies.
const CacheDirName = "Preprocessed"

// Image is an 8-bit greyscale image stored row-major.
type Image struct {
	Pix    []uint8
	Width  int
	Height int
}

// At returns the pixel value at (x, y). No bounds checking.
func (im *Image) At(x, y int) uint8 { return im.Pix[y*im.Width+x] }

// Float converts the image to float64 values in [0, 1], row-major.
func (im *Image) Float() []float64 {
	out := make([]float64, len(im.Pix))
	for i, v := range im.Pix {
		out[i] = float64(v) / 255.0
	}
	return out
}

// fromFloat builds an Image from float64 values in [0, 1], clamping out of
// range values.
func fromFloat(buf []float64, width, height int) *Image {
	pix := make([]uint8, len(buf))
	for i, v := range buf {
		if v < 0 {
			v = 0
		} else if v > 1 {
			v = 1
		}
		pix[i] = uint8(v*255.0 + 0.5)
	}
	return &Image{Pix: pix, Width: width, Height: height}
}

// toGray converts to the stdlib image type for use with imaging transforms.
func (im *Image) toGray() *image.Gray {
	g := image.NewGray(image.Rect(0, 0, im.Width, im.Height))
	copy(g.Pix, im.Pix)
	return g
}

// fromImage converts any decoded image to 8-bit greyscale using the standard
// luma weights (same convention as PIL's "L" mode).
func fromImage(src image.Image) *Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	out := &Image{Pix: make([]uint8, w*h), Width: w, Height: h}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			g := color.GrayModel.Convert(src.At(b.Min.X+x, b.Min.Y+y)).(color.Gray)
			out.Pix[y*w+x] = g.Y
		}
	}
	return out
}

// LoadGreyscale decodes the image at path and converts it to 8-bit greyscale.
func LoadGreyscale(path string) (*Image, error) {
	src, err := imaging.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open image %q", path)
	}
	return fromImage(src), nil
}

// Resize scales the image to width x height using Lanczos resampling.
func Resize(im *Image, width, height int) *Image {
	resized := imaging.Resize(im.toGray(), width, height, imaging.Lanczos)
	return fromImage(resized)
}

// Processor preprocesses raw images into fixed-size greyscale arrays, with
// on-disk caching of the full pipeline's results.
type Processor struct {
	// TargetDim is the square output resolution. Zero means DefaultDim.
	TargetDim int

	// Contrast selects the contrast transform applied in the full
	// pipeline. The zero value is ContrastEqualize, matching the
	// histogram equalization the cached artifacts were produced with.
	Contrast Contrast

	// Cache stores preprocessed results. Nil means FileCache.
	Cache Cache
}

func (p *Processor) dim() int {
	if p.TargetDim <= 0 {
		return DefaultDim
	}
	return p.TargetDim
}

func (p *Processor) cache() Cache {
	if p.Cache == nil {
		return FileCache{}
	}
	return p.Cache
}

// Process loads the image at path as greyscale. Images already at the target
// resolution are returned as-is; anything else goes through the full
// preprocessing pipeline.
func (p *Processor) Process(path string) (*Image, error) {
	im, err := LoadGreyscale(path)
	if err != nil {
		return nil, err
	}
	if im.Width != p.dim() || im.Height != p.dim() {
		log.Printf("preprocess: %s is %dx%d, running full pipeline", path, im.Width, im.Height)
		return p.Preprocess(path)
	}
	return im, nil
}

// Preprocess runs the full pipeline on the image at path: greyscale, resize
// to the target resolution, contrast transform, and persist as a cached PNG
// beside the source. The cached file is reloaded for return-value
// consistency with later cache hits. Files whose name already marks them as
// preprocessed are loaded directly.
func (p *Processor) Preprocess(path string) (*Image, error) {
	if strings.Contains(filepath.Base(path), "preprocessed") {
		return LoadGreyscale(path)
	}
	return p.cache().GetOrCompute(p.CachePath(path), func() (*Image, error) {
		return p.compute(path)
	})
}

// CachePath returns the on-disk location of the preprocessed copy of path:
// <dir(dir(path))>/Preprocessed/<base up to first dot>-preprocessed.png.
func (p *Processor) CachePath(path string) string {
	base := filepath.Base(path)
	if i := strings.IndexByte(base, '.'); i >= 0 {
		base = base[:i]
	}
	parent := filepath.Dir(filepath.Dir(path))
	return filepath.Join(parent, CacheDirName, base+"-preprocessed.png")
}

func (p *Processor) compute(path string) (*Image, error) {
	im, err := LoadGreyscale(path)
	if err != nil {
		return nil, err
	}
	resized := Resize(im, p.dim(), p.dim())
	out, err := SetContrast(resized, p.Contrast)
	if err != nil {
		return nil, errors.Wrapf(err, "contrast transform failed for %q", path)
	}
	return out, nil
}
