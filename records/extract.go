package records

import (
	"fmt"
	"log"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"

	"github.com/renalml/kidneyprep/preprocess"
)

// Stack is the two preprocessed views of one visit, sagittal first, stored
// view-major.
type Stack struct {
	Pix    []uint8
	Views  int
	Height int
	Width  int
}

// StackViews combines the sagittal and transverse views of one visit.
func StackViews(sag, trv *preprocess.Image) (Stack, error) {
	if sag.Width != trv.Width || sag.Height != trv.Height {
		return Stack{}, errors.Errorf("view size mismatch: sag %dx%d vs trv %dx%d",
			sag.Width, sag.Height, trv.Width, trv.Height)
	}
	pix := make([]uint8, 0, len(sag.Pix)+len(trv.Pix))
	pix = append(pix, sag.Pix...)
	pix = append(pix, trv.Pix...)
	return Stack{Pix: pix, Views: 2, Height: sag.Height, Width: sag.Width}, nil
}

// Covariates holds one sample's covariate sequence, one element per retained
// visit. In non-sequence mode every slice has exactly one element.
type Covariates struct {
	Machines []string
	Sex      []int
	AgeWks   []float64

	// BLDate is used only to order train/validation splits and is
	// stripped before model consumption.
	BLDate string
}

// Dicts is the extractor output: image, label and covariate dictionaries
// plus the key list in insertion order. A Sample Key exists in all of them
// simultaneously or not at all. Built once; treat as frozen afterwards.
type Dicts struct {
	Images map[string][]Stack
	Labels map[string]int
	Covs   map[string]*Covariates
	Keys   []string
	Seq    bool
}

func newDicts(seq bool) *Dicts {
	return &Dicts{
		Images: make(map[string][]Stack),
		Labels: make(map[string]int),
		Covs:   make(map[string]*Covariates),
		Seq:    seq,
	}
}

// Len returns the number of samples.
func (d *Dicts) Len() int { return len(d.Keys) }

// LabelList returns labels in key-list order.
func (d *Dicts) LabelList() []int {
	out := make([]int, len(d.Keys))
	for i, key := range d.Keys {
		out[i] = d.Labels[key]
	}
	return out
}

// BaselineDates returns each key's baseline date where recorded.
func (d *Dicts) BaselineDates() map[string]string {
	dates := make(map[string]string, len(d.Keys))
	for _, key := range d.Keys {
		if cov := d.Covs[key]; cov != nil && cov.BLDate != "" {
			dates[key] = cov.BLDate
		}
	}
	return dates
}

// StripBaselineDates removes the ordering-only baseline date from every
// covariate entry.
func (d *Dicts) StripBaselineDates() {
	for _, cov := range d.Covs {
		cov.BLDate = ""
	}
}

// SubsetByIndices returns a new Dicts restricted to the given key-list
// indices, preserving their order. The underlying entries are shared, not
// copied; both Dicts must be treated as read-only.
func (d *Dicts) SubsetByIndices(indices []int) *Dicts {
	out := newDicts(d.Seq)
	for _, i := range indices {
		key := d.Keys[i]
		out.Keys = append(out.Keys, key)
		out.Images[key] = d.Images[key]
		out.Labels[key] = d.Labels[key]
		out.Covs[key] = d.Covs[key]
	}
	return out
}

func (d *Dicts) add(key string, st Stack, label int, machine string, sex int, age float64, blDate string) {
	if _, ok := d.Images[key]; !ok {
		d.Keys = append(d.Keys, key)
	}
	d.Images[key] = append(d.Images[key], st)
	d.Labels[key] = label
	cov := d.Covs[key]
	if cov == nil {
		cov = &Covariates{}
		d.Covs[key] = cov
	}
	cov.Machines = append(cov.Machines, machine)
	cov.Sex = append(cov.Sex, sex)
	cov.AgeWks = append(cov.AgeWks, age)
	if blDate != "" {
		cov.BLDate = blDate
	}
}

// verify checks the atomic-insertion invariant for a key that was just
// written. A failure here is an extractor bug, not a data-quality problem,
// and is propagated rather than skipped.
func (d *Dicts) verify(key string) error {
	if _, ok := d.Labels[key]; !ok {
		return errors.Errorf("extractor invariant violated: no label for key %q", key)
	}
	if len(d.Images[key]) == 0 {
		return errors.Errorf("extractor invariant violated: no image for key %q", key)
	}
	cov := d.Covs[key]
	if cov == nil || len(cov.Sex) == 0 || len(cov.AgeWks) == 0 {
		return errors.Errorf("extractor invariant violated: incomplete covariates for key %q", key)
	}
	return nil
}

// Options configures one extraction pass.
type Options struct {
	// DataDir is the root the record's relative image paths resolve
	// against.
	DataDir string

	// Seq aggregates all visits of a patient-side into one list-valued
	// sample keyed "{id}_{side}". Otherwise each visit is an independent
	// sample keyed "{id}_{side}_{visit}".
	Seq bool

	// LastVisitOnly keeps only the lexicographically-maximal visit
	// number per side.
	LastVisitOnly bool

	// SilentTrial selects the raw preprocessing path used for the silent
	// trial cohort instead of the cached special pipeline.
	SilentTrial bool

	// UpdateNum, when set, is appended to every Sample Key to
	// disambiguate transformed copies of the same record.
	UpdateNum *int

	// IncludeBaselineDate carries each patient's baseline date into the
	// covariates for ordered validation splitting.
	IncludeBaselineDate bool

	// Verbose renders a progress bar over patients.
	Verbose bool
}

// Extract walks the record patient by patient and builds the flat
// dictionaries. Data-quality problems (missing age, missing image path,
// label outside {0,1}, age outside [0, 520] weeks) skip the visit with a
// diagnostic; structural anomalies skip the whole patient; anything that
// breaks the atomic-insertion invariant is returned as an error.
func Extract(rec Record, proc *preprocess.Processor, opts Options) (*Dicts, error) {
	if proc == nil {
		proc = &preprocess.Processor{}
	}
	d := newDicts(opts.Seq)

	ids := rec.PatientIDs()
	var bar *progressbar.ProgressBar
	if opts.Verbose {
		bar = progressbar.NewOptions(len(ids),
			progressbar.OptionSetDescription("Extracting"),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("patients"),
			progressbar.OptionSetTheme(progressbar.ThemeUnicode),
		)
	}

	for _, id := range ids {
		if bar != nil {
			_ = bar.Add(1)
		}
		p := rec[id]
		if p.Invalid != "" {
			log.Printf("records: skipping patient %s: %s", id, p.Invalid)
			continue
		}
		if !p.HasSex {
			log.Printf("records: skipping patient %s: missing Sex", id)
			continue
		}
		if err := extractPatient(d, proc, opts, id, p); err != nil {
			return nil, err
		}
	}
	if bar != nil {
		_ = bar.Close()
	}
	return d, nil
}

func extractPatient(d *Dicts, proc *preprocess.Processor, opts Options, id string, p *Patient) error {
	for _, sideName := range sortedKeys(p.Sides) {
		side := p.Sides[sideName]
		if side.Surgery == nil || len(side.Visits) == 0 {
			continue
		}
		label := *side.Surgery

		visitNums := sortedKeys(side.Visits)
		if opts.LastVisitOnly {
			visitNums = visitNums[len(visitNums)-1:]
		}

		for _, num := range visitNums {
			v := side.Visits[num]
			if v.AgeWks == nil {
				log.Printf("records: %s %s visit %s: missing Age_wks, skipped", id, sideName, num)
				continue
			}
			if v.Sag == "" || v.Trv == "" {
				log.Printf("records: %s %s visit %s: missing image path, skipped", id, sideName, num)
				continue
			}
			if label != 0 && label != 1 {
				log.Printf("records: %s %s visit %s: invalid surgery value %d, skipped", id, sideName, num, label)
				continue
			}
			age := *v.AgeWks
			if age < 0 {
				log.Printf("records: %s %s visit %s: negative age value, skipped", id, sideName, num)
				continue
			}
			if age > maxAgeWeeks {
				log.Printf("records: %s %s visit %s: patient over the age of 10, skipped", id, sideName, num)
				continue
			}

			sag, trv, err := loadViews(proc, opts, v)
			if err != nil {
				return errors.Wrapf(err, "patient %s side %s visit %s", id, sideName, num)
			}
			stack, err := StackViews(sag, trv)
			if err != nil {
				return errors.Wrapf(err, "patient %s side %s visit %s", id, sideName, num)
			}

			blDate := ""
			if opts.IncludeBaselineDate {
				blDate = p.BLDate
			}
			key := sampleKey(id, sideName, num, opts)
			d.add(key, stack, label, v.USMachine, p.Sex, age, blDate)
			if err := d.verify(key); err != nil {
				return err
			}
		}
	}
	return nil
}

func loadViews(proc *preprocess.Processor, opts Options, v *Visit) (sag, trv *preprocess.Image, err error) {
	sagPath := filepath.Join(opts.DataDir, v.Sag)
	trvPath := filepath.Join(opts.DataDir, v.Trv)
	if opts.SilentTrial {
		if sag, err = proc.Process(sagPath); err != nil {
			return nil, nil, err
		}
		trv, err = proc.Process(trvPath)
		return sag, trv, err
	}
	if sag, err = proc.Preprocess(sagPath); err != nil {
		return nil, nil, err
	}
	trv, err = proc.Preprocess(trvPath)
	return sag, trv, err
}

func sampleKey(id, side, visitNum string, opts Options) string {
	key := id + "_" + side
	if !opts.Seq {
		key += "_" + visitNum
	}
	if opts.UpdateNum != nil {
		key += fmt.Sprintf("_%d", *opts.UpdateNum)
	}
	return key
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
