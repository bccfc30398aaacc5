// Package stats summarizes extracted dataset splits and renders simple
// distribution plots for eyeballing a prepared dataset.
package stats

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/renalml/kidneyprep/records"
)

// Summary describes one extracted split.
type Summary struct {
	NumExamples  int
	PropPositive float64
	MeanAgeWks   float64
	// VisitCounts maps visits-per-sample to the number of samples with
	// that many visits.
	VisitCounts map[int]int
}

// String renders the summary on one line.
func (s Summary) String() string {
	return fmt.Sprintf("n=%d positive=%.3f mean_age_wks=%.1f", s.NumExamples, s.PropPositive, s.MeanAgeWks)
}

// Summarize computes counts, the positive-label proportion and the mean age
// over all visits of a split.
func Summarize(d *records.Dicts) Summary {
	s := Summary{NumExamples: d.Len(), VisitCounts: make(map[int]int)}
	if d.Len() == 0 {
		return s
	}

	labels := make([]float64, 0, d.Len())
	var ages []float64
	for _, key := range d.Keys {
		labels = append(labels, float64(d.Labels[key]))
		ages = append(ages, d.Covs[key].AgeWks...)
		s.VisitCounts[len(d.Images[key])]++
	}
	s.PropPositive = stat.Mean(labels, nil)
	if len(ages) > 0 {
		s.MeanAgeWks = stat.Mean(ages, nil)
	}
	return s
}

// PlotAgeHistogram saves a histogram of age-at-visit (in weeks) across all
// visits of the split.
func PlotAgeHistogram(d *records.Dicts, path string) error {
	var ages plotter.Values
	for _, key := range d.Keys {
		for _, a := range d.Covs[key].AgeWks {
			ages = append(ages, a)
		}
	}
	if len(ages) == 0 {
		return errors.New("no ages to plot")
	}

	h, err := plotter.NewHist(ages, 16)
	if err != nil {
		return errors.Wrap(err, "failed to build age histogram")
	}
	p := plot.New()
	p.Title.Text = "Age at visit"
	p.X.Label.Text = "Age (in weeks)"
	p.Y.Label.Text = "Count"
	p.Add(h)
	return errors.Wrapf(p.Save(6*vg.Inch, 4*vg.Inch, path), "failed to save %q", path)
}

// PlotVisitCounts saves a bar chart of how many samples have each number of
// visits.
func PlotVisitCounts(d *records.Dicts, path string) error {
	counts := Summarize(d).VisitCounts
	if len(counts) == 0 {
		return errors.New("no samples to plot")
	}

	numVisits := make([]int, 0, len(counts))
	for n := range counts {
		numVisits = append(numVisits, n)
	}
	sort.Ints(numVisits)

	values := make(plotter.Values, len(numVisits))
	names := make([]string, len(numVisits))
	for i, n := range numVisits {
		values[i] = float64(counts[n])
		names[i] = fmt.Sprintf("%d", n)
	}

	bars, err := plotter.NewBarChart(values, vg.Points(20))
	if err != nil {
		return errors.Wrap(err, "failed to build visit-count chart")
	}
	p := plot.New()
	p.Title.Text = "Visits per sample"
	p.X.Label.Text = "Number of Visits"
	p.Y.Label.Text = "Count"
	p.Add(bars)
	p.NominalX(names...)
	return errors.Wrapf(p.Save(6*vg.Inch, 4*vg.Inch, path), "failed to save %q", path)
}
