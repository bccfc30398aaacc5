package preprocess

import (
	"math/rand"
	"testing"
)

func greyImage(width, height int, fill func(x, y int) uint8) *Image {
	im := &Image{Pix: make([]uint8, width*height), Width: width, Height: height}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			im.Pix[y*width+x] = fill(x, y)
		}
	}
	return im
}

func TestSetContrast_None(t *testing.T) {
	im := greyImage(8, 8, gradient)
	out, err := SetContrast(im, ContrastNone)
	if err != nil {
		t.Fatalf("SetContrast failed: %v", err)
	}
	for i := range im.Pix {
		if out.Pix[i] != im.Pix[i] {
			t.Fatalf("pixel %d changed: %d vs %d", i, im.Pix[i], out.Pix[i])
		}
	}
}

func TestSetContrast_RescaleStretchesToFullRange(t *testing.T) {
	im := greyImage(4, 4, func(x, y int) uint8 { return uint8(50 + 10*(y*4+x)%100) })
	im.Pix[0] = 50
	im.Pix[15] = 100
	out, err := SetContrast(im, ContrastRescale)
	if err != nil {
		t.Fatalf("SetContrast failed: %v", err)
	}
	lo, hi := uint8(255), uint8(0)
	for _, v := range out.Pix {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if lo != 0 || hi != 255 {
		t.Fatalf("rescaled range [%d, %d], want [0, 255]", lo, hi)
	}
}

func TestSetContrast_RescaleConstantImageUnchanged(t *testing.T) {
	im := greyImage(4, 4, func(x, y int) uint8 { return 80 })
	out, err := SetContrast(im, ContrastRescale)
	if err != nil {
		t.Fatalf("SetContrast failed: %v", err)
	}
	for i, v := range out.Pix {
		if v != 80 {
			t.Fatalf("pixel %d = %d, want 80", i, v)
		}
	}
}

func TestSetContrast_EqualizePreservesOrdering(t *testing.T) {
	// Two-level image: the darker value must stay strictly darker.
	im := greyImage(4, 4, func(x, y int) uint8 {
		if x < 2 {
			return 40
		}
		return 180
	})
	out, err := SetContrast(im, ContrastEqualize)
	if err != nil {
		t.Fatalf("SetContrast failed: %v", err)
	}
	if out.At(0, 0) >= out.At(3, 0) {
		t.Fatalf("equalize broke ordering: dark=%d bright=%d", out.At(0, 0), out.At(3, 0))
	}
	// The brightest level maps to full intensity (CDF reaches 1).
	if out.At(3, 0) != 255 {
		t.Fatalf("brightest level = %d, want 255", out.At(3, 0))
	}
}

func TestSetContrast_AdaptiveOutputInRange(t *testing.T) {
	im := greyImage(64, 64, gradient)
	out, err := SetContrast(im, ContrastAdaptive)
	if err != nil {
		t.Fatalf("SetContrast failed: %v", err)
	}
	if out.Width != 64 || out.Height != 64 {
		t.Fatalf("adaptive changed dimensions to %dx%d", out.Width, out.Height)
	}
}

func TestSetContrast_UnknownTransform(t *testing.T) {
	im := greyImage(2, 2, func(x, y int) uint8 { return 0 })
	if _, err := SetContrast(im, Contrast(99)); err == nil {
		t.Fatalf("expected error for unknown transform")
	}
}

func TestPadSquare_CentersSmallImage(t *testing.T) {
	im := greyImage(100, 50, func(x, y int) uint8 { return 255 })
	out := PadSquare(im, 256, false, nil)
	if out.Width != 256 || out.Height != 256 {
		t.Fatalf("padded size %dx%d, want 256x256", out.Width, out.Height)
	}
	left, top := 78, 103 // ceil((256-100)/2), ceil((256-50)/2)
	if out.At(left, top) != 255 || out.At(left+99, top+49) != 255 {
		t.Fatalf("image content not at expected offset (%d, %d)", left, top)
	}
	if out.At(left-1, top) != 0 || out.At(left, top-1) != 0 {
		t.Fatalf("padding around content is not black")
	}
}

func TestPadSquare_ShrinksOversizedImage(t *testing.T) {
	im := greyImage(600, 400, func(x, y int) uint8 { return 128 })
	out := PadSquare(im, 256, false, nil)
	if out.Width != 256 || out.Height != 256 {
		t.Fatalf("padded size %dx%d, want 256x256", out.Width, out.Height)
	}
}

func TestPadSquare_RandomIsDeterministicForSeed(t *testing.T) {
	im := greyImage(30, 20, gradient)
	a := PadSquare(im, 64, true, rand.New(rand.NewSource(7)))
	b := PadSquare(im, 64, true, rand.New(rand.NewSource(7)))
	for i := range a.Pix {
		if a.Pix[i] != b.Pix[i] {
			t.Fatalf("same seed produced different padding at pixel %d", i)
		}
	}
}

func TestAutocrop_BoundingBox(t *testing.T) {
	im := greyImage(10, 10, func(x, y int) uint8 {
		if x >= 2 && x <= 4 && y >= 3 && y <= 5 {
			return 200
		}
		return 0
	})
	out := Autocrop(im, 0)
	if out.Width != 3 || out.Height != 3 {
		t.Fatalf("cropped to %dx%d, want 3x3", out.Width, out.Height)
	}
	for i, v := range out.Pix {
		if v != 200 {
			t.Fatalf("cropped pixel %d = %d, want 200", i, v)
		}
	}
}

func TestAutocrop_BlankImage(t *testing.T) {
	im := greyImage(10, 10, func(x, y int) uint8 { return 0 })
	out := Autocrop(im, 0)
	if out.Width != 1 || out.Height != 1 {
		t.Fatalf("blank image cropped to %dx%d, want 1x1", out.Width, out.Height)
	}
}

func TestCropRect_FixedParameters(t *testing.T) {
	im := greyImage(100, 100, gradient)
	out := CropRect(im, false, nil)
	// newDim = 100/2.1 = 47, origin = (100/4, 100/4) = (25, 25).
	if out.Width != 47 || out.Height != 47 {
		t.Fatalf("cropped to %dx%d, want 47x47", out.Width, out.Height)
	}
	if out.At(0, 0) != im.At(25, 25) {
		t.Fatalf("crop origin mismatch: got %d, want %d", out.At(0, 0), im.At(25, 25))
	}
}

func TestCropRect_RandomStaysInBounds(t *testing.T) {
	im := greyImage(64, 64, gradient)
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 20; i++ {
		out := CropRect(im, true, rng)
		if out.Width <= 0 || out.Height <= 0 || out.Width > 64 || out.Height > 64 {
			t.Fatalf("iteration %d: crop %dx%d out of bounds", i, out.Width, out.Height)
		}
	}
}
