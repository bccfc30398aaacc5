package preprocess

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

// writeGreyPNG writes a width x height greyscale PNG whose pixel values come
// from fill.
func writeGreyPNG(t *testing.T, path string, width, height int, fill func(x, y int) uint8) {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetGray(x, y, color.Gray{Y: fill(x, y)})
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create dir for %s: %v", path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create %s: %v", path, err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("failed to encode %s: %v", path, err)
	}
}

func gradient(x, y int) uint8 { return uint8((x + y) % 256) }

func TestProcess_TargetSizeLoadsDirectly(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "images", "a.png")
	writeGreyPNG(t, path, DefaultDim, DefaultDim, gradient)

	p := &Processor{}
	im, err := p.Process(path)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if im.Width != DefaultDim || im.Height != DefaultDim {
		t.Fatalf("unexpected size %dx%d", im.Width, im.Height)
	}
	if im.At(10, 20) != gradient(10, 20) {
		t.Fatalf("pixel (10,20) = %d, want %d", im.At(10, 20), gradient(10, 20))
	}
	// An already-processed image must not create a cache entry.
	if _, err := os.Stat(filepath.Join(tmp, CacheDirName)); !os.IsNotExist(err) {
		t.Fatalf("expected no %s directory, stat err=%v", CacheDirName, err)
	}
}

func TestProcess_OffSizeRunsFullPipeline(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "images", "b.png")
	writeGreyPNG(t, path, 64, 48, gradient)

	p := &Processor{}
	im, err := p.Process(path)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if im.Width != DefaultDim || im.Height != DefaultDim {
		t.Fatalf("expected %dx%d output, got %dx%d", DefaultDim, DefaultDim, im.Width, im.Height)
	}
	cachePath := filepath.Join(tmp, CacheDirName, "b-preprocessed.png")
	if _, err := os.Stat(cachePath); err != nil {
		t.Fatalf("expected cache file at %s: %v", cachePath, err)
	}
}

func TestPreprocess_CacheHitSkipsRecompute(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "images", "c.png")
	writeGreyPNG(t, path, 64, 64, func(x, y int) uint8 { return 30 })

	p := &Processor{}
	first, err := p.Preprocess(path)
	if err != nil {
		t.Fatalf("first Preprocess failed: %v", err)
	}
	cachePath := p.CachePath(path)
	firstBytes, err := os.ReadFile(cachePath)
	if err != nil {
		t.Fatalf("failed to read cache file: %v", err)
	}

	// Overwrite the source. A cache hit must ignore it.
	writeGreyPNG(t, path, 64, 64, func(x, y int) uint8 { return 200 })

	second, err := p.Preprocess(path)
	if err != nil {
		t.Fatalf("second Preprocess failed: %v", err)
	}
	secondBytes, err := os.ReadFile(cachePath)
	if err != nil {
		t.Fatalf("failed to re-read cache file: %v", err)
	}
	if !bytes.Equal(firstBytes, secondBytes) {
		t.Fatalf("cache file changed between runs: preprocessing is not idempotent")
	}
	if len(first.Pix) != len(second.Pix) {
		t.Fatalf("pixel count changed: %d vs %d", len(first.Pix), len(second.Pix))
	}
	for i := range first.Pix {
		if first.Pix[i] != second.Pix[i] {
			t.Fatalf("pixel %d changed between runs: %d vs %d", i, first.Pix[i], second.Pix[i])
		}
	}
}

func TestPreprocess_PreprocessedNameBypassesPipeline(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "images", "d-preprocessed.png")
	writeGreyPNG(t, path, 64, 64, gradient)

	p := &Processor{}
	im, err := p.Preprocess(path)
	if err != nil {
		t.Fatalf("Preprocess failed: %v", err)
	}
	// Loaded directly: no resize, no cache entry.
	if im.Width != 64 || im.Height != 64 {
		t.Fatalf("expected 64x64 passthrough, got %dx%d", im.Width, im.Height)
	}
	if _, err := os.Stat(filepath.Join(tmp, CacheDirName)); !os.IsNotExist(err) {
		t.Fatalf("expected no %s directory, stat err=%v", CacheDirName, err)
	}
}

func TestCachePath(t *testing.T) {
	p := &Processor{}
	got := p.CachePath(filepath.Join("data", "patient1", "scan.v2.png"))
	want := filepath.Join("data", CacheDirName, "scan-preprocessed.png")
	if got != want {
		t.Fatalf("CachePath = %q, want %q", got, want)
	}
}

// countingCache wraps FileCache to count compute invocations.
type countingCache struct {
	inner    FileCache
	computes int
}

func (c *countingCache) GetOrCompute(path string, compute func() (*Image, error)) (*Image, error) {
	return c.inner.GetOrCompute(path, func() (*Image, error) {
		c.computes++
		return compute()
	})
}

func TestFileCache_ComputesOnce(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "images", "e.png")
	writeGreyPNG(t, path, 64, 64, gradient)

	cache := &countingCache{}
	p := &Processor{Cache: cache}
	if _, err := p.Preprocess(path); err != nil {
		t.Fatalf("first Preprocess failed: %v", err)
	}
	if _, err := p.Preprocess(path); err != nil {
		t.Fatalf("second Preprocess failed: %v", err)
	}
	if cache.computes != 1 {
		t.Fatalf("expected exactly 1 compute, got %d", cache.computes)
	}
}

func TestLoadGreyscale_MissingFile(t *testing.T) {
	if _, err := LoadGreyscale(filepath.Join(t.TempDir(), "nope.png")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
