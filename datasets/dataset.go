// Package datasets exposes the extracted dictionaries to a training loop:
// a per-item accessor yielding (feature bundle, label, key) triples with
// images converted to gomlx tensors, and a DataModule owning the
// load/extract/split lifecycle.
package datasets

import (
	"strings"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/renalml/kidneyprep/records"
)

// Example is one sample as handed to the model: the stacked dual-view image
// scaled to [0,1], the binary surgery label, and the Sample Key. AgeWks and
// SideL are only populated when the dataset was built with covariates; both
// are vectors of the sequence length.
type Example struct {
	// Img is float32 in [0,1], shaped [visits, 2, H, W] in sequence mode
	// and [2, H, W] otherwise.
	Img    *tensors.Tensor
	AgeWks *tensors.Tensor
	SideL  *tensors.Tensor
	Label  int
	Key    string
}

// Dataset is an index-based accessor over a fixed dictionary tuple. The
// underlying dictionaries are never mutated, so a Dataset is safe for
// concurrent readers.
type Dataset struct {
	dicts      *records.Dicts
	includeCov bool
}

// NewDataset wraps extracted dictionaries. With includeCov each example also
// carries the age vector and the Side_L indicator.
func NewDataset(d *records.Dicts, includeCov bool) *Dataset {
	return &Dataset{dicts: d, includeCov: includeCov}
}

// Len returns the number of samples.
func (ds *Dataset) Len() int { return ds.dicts.Len() }

// Keys returns the Sample Keys in dataset order.
func (ds *Dataset) Keys() []string { return ds.dicts.Keys }

// At returns the example at index i.
func (ds *Dataset) At(i int) (*Example, error) {
	if i < 0 || i >= ds.dicts.Len() {
		return nil, errors.Errorf("index %d out of range [0, %d)", i, ds.dicts.Len())
	}
	key := ds.dicts.Keys[i]

	img, err := stacksToTensor(ds.dicts.Images[key], ds.dicts.Seq)
	if err != nil {
		return nil, errors.Wrapf(err, "sample %q", key)
	}
	ex := &Example{Img: img, Label: ds.dicts.Labels[key], Key: key}

	if ds.includeCov {
		cov := ds.dicts.Covs[key]
		age := make([]float32, len(cov.AgeWks))
		for j, a := range cov.AgeWks {
			age[j] = float32(a)
		}
		side := make([]float32, len(age))
		if keySide(key) == "Left" {
			for j := range side {
				side[j] = 1
			}
		}
		ex.AgeWks = tensors.FromValue(age)
		ex.SideL = tensors.FromValue(side)
	}
	return ex, nil
}

// keySide extracts the side component of a Sample Key "{id}_{side}...".
func keySide(key string) string {
	parts := strings.Split(key, "_")
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

// stacksToTensor converts the visit stacks of one sample into a float32
// tensor scaled to [0,1] by dividing by 255.
func stacksToTensor(stacks []records.Stack, seq bool) (*tensors.Tensor, error) {
	if len(stacks) == 0 {
		return nil, errors.New("empty image entry")
	}
	first := stacks[0]
	for _, st := range stacks[1:] {
		if st.Views != first.Views || st.Height != first.Height || st.Width != first.Width {
			return nil, errors.Errorf("inconsistent stack shapes: %dx%dx%d vs %dx%dx%d",
				first.Views, first.Height, first.Width, st.Views, st.Height, st.Width)
		}
	}

	var t *tensors.Tensor
	if seq {
		t = tensors.FromShape(shapes.Make(dtypes.Float32, len(stacks), first.Views, first.Height, first.Width))
	} else {
		if len(stacks) != 1 {
			return nil, errors.Errorf("non-sequence sample with %d visits", len(stacks))
		}
		t = tensors.FromShape(shapes.Make(dtypes.Float32, first.Views, first.Height, first.Width))
	}
	tensors.MutableFlatData[float32](t, func(data []float32) {
		pos := 0
		for _, st := range stacks {
			for _, v := range st.Pix {
				data[pos] = float32(v) / 255.0
				pos++
			}
		}
	})
	return t, nil
}
