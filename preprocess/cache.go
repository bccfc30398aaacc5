package preprocess

import (
	"image"
	"image/color"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// Cache stores preprocessed images keyed by their on-disk destination path.
// GetOrCompute returns the cached image when present, otherwise it runs
// compute, persists the result, and returns the persisted copy.
//
// The default FileCache uses the filesystem directly; alternative
// implementations are mostly useful in tests.
type Cache interface {
	GetOrCompute(path string, compute func() (*Image, error)) (*Image, error)
}

// FileCache is the default Cache: a preprocessed image is cached iff its
// file exists. Writes are idempotent, so two processes racing on the same
// path do redundant work but produce identical bytes.
type FileCache struct{}

// GetOrCompute implements Cache.
func (FileCache) GetOrCompute(path string, compute func() (*Image, error)) (*Image, error) {
	if _, err := os.Stat(path); err == nil {
		return LoadGreyscale(path)
	}
	im, err := compute()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create cache directory for %q", path)
	}
	if err := saveAsRGB(im, path); err != nil {
		return nil, err
	}
	// Reload the saved file so cache hits and misses return identical data.
	return LoadGreyscale(path)
}

// saveAsRGB writes the greyscale image as an RGB PNG, the format the cached
// artifacts have always been stored in.
func saveAsRGB(im *Image, path string) error {
	rgb := image.NewNRGBA(image.Rect(0, 0, im.Width, im.Height))
	for y := 0; y < im.Height; y++ {
		for x := 0; x < im.Width; x++ {
			v := im.At(x, y)
			rgb.SetNRGBA(x, y, color.NRGBA{R: v, G: v, B: v, A: 255})
		}
	}
	if err := imaging.Save(rgb, path); err != nil {
		return errors.Wrapf(err, "failed to save preprocessed image %q", path)
	}
	return nil
}
