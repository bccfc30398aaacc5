package datasets

import (
	"github.com/pkg/errors"

	"github.com/renalml/kidneyprep/preprocess"
	"github.com/renalml/kidneyprep/records"
	"github.com/renalml/kidneyprep/splits"
)

// HeldoutSource names one external evaluation cohort loaded by
// SetupHeldout, each processed through the extractor with its own flags.
type HeldoutSource struct {
	Name       string
	JSONInfile string

	// SilentTrial selects the raw preprocessing path for this cohort.
	SilentTrial bool
}

// Config configures a DataModule. Zero values select the historical
// defaults (testProp 0.2, train fraction 0.8, 5 folds, seed 42).
type Config struct {
	// JSONInfile names the dataset JSON, resolved relative to DataDir.
	JSONInfile string
	// DataDir is the root for the JSON file and all image paths.
	DataDir string

	// TestProp is the patient fraction held out as the top-level test
	// set.
	TestProp float64
	// OrderedSplit orders the top-level train/test split by baseline
	// date instead of shuffling.
	OrderedSplit bool
	// TrainOnly skips the top-level test split entirely.
	TrainOnly bool

	// SingleVisit treats each visit as an independent sample instead of
	// aggregating a patient-side's visits into one sequence. The test
	// set then keeps only the last visit per side.
	SingleVisit bool
	// IncludeValidation carves a validation set out of the train set.
	IncludeValidation bool
	// CV computes NumFolds stratified cross-validation folds instead of
	// a single split.
	CV       bool
	NumFolds int
	// OrderedValidation orders the single train/validation split by
	// baseline date.
	OrderedValidation bool
	// TrainSplit is the train fraction of the single validation split.
	TrainSplit float64

	// IncludeCov attaches age and side covariates to every example.
	IncludeCov bool
	// Seed drives every stochastic split.
	Seed int64
	// Contrast selects the preprocessing contrast transform.
	Contrast preprocess.Contrast
	// Verbose renders extraction progress bars.
	Verbose bool

	// Heldout lists the external evaluation cohorts for SetupHeldout.
	Heldout []HeldoutSource
}

func (c Config) withDefaults() Config {
	if c.TestProp == 0 {
		c.TestProp = 0.2
	}
	if c.NumFolds == 0 {
		c.NumFolds = 5
	}
	if c.TrainSplit == 0 {
		c.TrainSplit = splits.DefaultTrainFraction
	}
	if c.Seed == 0 {
		c.Seed = splits.DefaultSeed
	}
	return c
}

// DataModule owns the dataset lifecycle: SetupFit builds the train/val/test
// dictionaries and the fold list exactly once; the fold selector then picks
// which precomputed indices the train/val accessors draw from without
// recomputation. SetupHeldout independently loads the external cohorts.
type DataModule struct {
	cfg  Config
	proc *preprocess.Processor

	fold    int
	folds   []splits.Fold
	train   *records.Dicts
	test    *records.Dicts
	heldout map[string]*records.Dicts
	ready   bool
}

// New creates an unconfigured DataModule; call SetupFit before using the
// accessors.
func New(cfg Config) *DataModule {
	cfg = cfg.withDefaults()
	return &DataModule{
		cfg:     cfg,
		proc:    &preprocess.Processor{Contrast: cfg.Contrast},
		heldout: make(map[string]*records.Dicts),
	}
}

// SetupFit loads the dataset, splits patients into train/test, extracts the
// train dictionaries, and precomputes the fold list. Idempotent in effect:
// calling it again rebuilds the same state for the same config.
func (m *DataModule) SetupFit() error {
	cfg := m.cfg
	trainRec, testRec, err := records.LoadDataset(cfg.JSONInfile, cfg.DataDir, cfg.TestProp, cfg.OrderedSplit, cfg.TrainOnly, cfg.Seed)
	if err != nil {
		return err
	}

	train, err := records.Extract(trainRec, m.proc, records.Options{
		DataDir:             cfg.DataDir,
		Seq:                 !cfg.SingleVisit,
		IncludeBaselineDate: cfg.OrderedValidation,
		Verbose:             cfg.Verbose,
	})
	if err != nil {
		return err
	}

	if cfg.IncludeValidation {
		labels := train.LabelList()
		if cfg.CV {
			m.folds, err = splits.CrossValidationFolds(labels, cfg.NumFolds, cfg.Seed)
		} else {
			m.folds, err = splits.TrainValSplit(train.Keys, labels, train.BaselineDates(), cfg.TrainSplit, cfg.OrderedValidation, cfg.Seed)
		}
		if err != nil {
			return err
		}
	} else {
		m.folds = splits.NoValidation(train.Len())
	}

	// The baseline date only serves to order the split above.
	train.StripBaselineDates()
	m.train = train

	if !cfg.TrainOnly {
		m.test, err = records.Extract(testRec, m.proc, records.Options{
			DataDir:       cfg.DataDir,
			Seq:           !cfg.SingleVisit,
			LastVisitOnly: cfg.SingleVisit,
			Verbose:       cfg.Verbose,
		})
		if err != nil {
			return err
		}
	}

	m.fold = 0
	m.ready = true
	return nil
}

// SetupHeldout loads every configured held-out cohort through the extractor
// with that cohort's flags. Independent of SetupFit.
func (m *DataModule) SetupHeldout() error {
	for _, src := range m.cfg.Heldout {
		rec, err := records.LoadTestDataset(src.JSONInfile, m.cfg.DataDir)
		if err != nil {
			return errors.Wrapf(err, "heldout source %q", src.Name)
		}
		d, err := records.Extract(rec, m.proc, records.Options{
			DataDir:     m.cfg.DataDir,
			SilentTrial: src.SilentTrial,
			Verbose:     m.cfg.Verbose,
		})
		if err != nil {
			return errors.Wrapf(err, "heldout source %q", src.Name)
		}
		m.heldout[src.Name] = d
	}
	return nil
}

// NumFolds returns the number of precomputed folds.
func (m *DataModule) NumFolds() int { return len(m.folds) }

// Fold returns the selected fold.
func (m *DataModule) Fold() int { return m.fold }

// SetFold selects which precomputed fold the train/val accessors draw from.
func (m *DataModule) SetFold(fold int) error {
	if !m.ready {
		return errNotReady
	}
	if fold < 0 || fold >= len(m.folds) {
		return errors.Errorf("fold %d out of range [0, %d)", fold, len(m.folds))
	}
	m.fold = fold
	return nil
}

// TrainDicts exposes the full extracted training dictionaries for
// inspection.
func (m *DataModule) TrainDicts() *records.Dicts { return m.train }

// TrainDataset returns the training accessor for the selected fold.
func (m *DataModule) TrainDataset() (*Dataset, error) {
	if !m.ready {
		return nil, errNotReady
	}
	sub := m.train.SubsetByIndices(m.folds[m.fold].Train)
	return NewDataset(sub, m.cfg.IncludeCov), nil
}

// ValDataset returns the validation accessor for the selected fold, or nil
// when the fold holds nothing out.
func (m *DataModule) ValDataset() (*Dataset, error) {
	if !m.ready {
		return nil, errNotReady
	}
	if len(m.folds[m.fold].Val) == 0 {
		return nil, nil
	}
	sub := m.train.SubsetByIndices(m.folds[m.fold].Val)
	return NewDataset(sub, m.cfg.IncludeCov), nil
}

// TestDataset returns the held-out test accessor built by SetupFit.
func (m *DataModule) TestDataset() (*Dataset, error) {
	if !m.ready {
		return nil, errNotReady
	}
	if m.test == nil {
		return nil, errors.New("no test set: data module was set up train-only")
	}
	return NewDataset(m.test, m.cfg.IncludeCov), nil
}

// HeldoutDataset returns the accessor for a cohort loaded by SetupHeldout.
func (m *DataModule) HeldoutDataset(name string) (*Dataset, error) {
	d, ok := m.heldout[name]
	if !ok {
		return nil, errors.Errorf("unknown heldout source %q (did SetupHeldout run?)", name)
	}
	return NewDataset(d, m.cfg.IncludeCov), nil
}

var errNotReady = errors.New("data module is not set up; call SetupFit first")
