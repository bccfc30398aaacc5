// Command prepare runs the offline dataset pipeline: load the patient
// record JSON, preprocess and extract image/label/covariate dictionaries,
// compute leakage-safe train/validation/test splits, and print (optionally
// plot) per-split summaries.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/renalml/kidneyprep/datasets"
	"github.com/renalml/kidneyprep/preprocess"
	"github.com/renalml/kidneyprep/splits"
	"github.com/renalml/kidneyprep/stats"
)

func main() {
	jsonInfile := flag.String("json", "", "dataset JSON file name, relative to -data-dir (required)")
	dataDir := flag.String("data-dir", ".", "root directory for the JSON file and the image paths it references")
	testProp := flag.Float64("test-prop", 0.2, "patient fraction held out as the test set")
	orderedSplit := flag.Bool("ordered-split", false, "order the train/test split by baseline date instead of shuffling")
	trainOnly := flag.Bool("train-only", false, "skip the test split entirely")
	singleVisit := flag.Bool("single-visit", false, "one sample per visit instead of per-kidney visit sequences")
	validation := flag.Bool("validation", true, "carve a validation set out of the train set")
	cv := flag.Bool("cv", false, "use stratified cross-validation instead of a single validation split")
	numFolds := flag.Int("num-folds", 5, "number of cross-validation folds")
	orderedValidation := flag.Bool("ordered-validation", false, "order the train/validation split by baseline date")
	trainSplit := flag.Float64("train-split", splits.DefaultTrainFraction, "train fraction of the single validation split")
	includeCov := flag.Bool("include-cov", false, "attach age and side covariates to every example")
	seed := flag.Int64("seed", splits.DefaultSeed, "seed for every stochastic split")
	contrastName := flag.String("contrast", "equalize", "contrast transform: equalize, none, adaptive or rescale")
	heldoutSpec := flag.String("heldout", "", "comma-separated held-out cohorts as name:file or name:file:silent")
	plotsDir := flag.String("plots", "", "if set, write age and visit-count plots to this directory")
	verbose := flag.Bool("verbose", false, "show extraction progress bars")
	flag.Parse()

	if *jsonInfile == "" {
		flag.Usage()
		os.Exit(2)
	}

	contrast, err := parseContrast(*contrastName)
	if err != nil {
		log.Fatalf("invalid -contrast: %v", err)
	}
	heldout, err := parseHeldout(*heldoutSpec)
	if err != nil {
		log.Fatalf("invalid -heldout: %v", err)
	}

	m := datasets.New(datasets.Config{
		JSONInfile:        *jsonInfile,
		DataDir:           *dataDir,
		TestProp:          *testProp,
		OrderedSplit:      *orderedSplit,
		TrainOnly:         *trainOnly,
		SingleVisit:       *singleVisit,
		IncludeValidation: *validation,
		CV:                *cv,
		NumFolds:          *numFolds,
		OrderedValidation: *orderedValidation,
		TrainSplit:        *trainSplit,
		IncludeCov:        *includeCov,
		Seed:              *seed,
		Contrast:          contrast,
		Verbose:           *verbose,
		Heldout:           heldout,
	})

	if err := m.SetupFit(); err != nil {
		log.Fatalf("setup failed: %v", err)
	}
	log.Printf("extracted %d training samples across %d fold(s)", m.TrainDicts().Len(), m.NumFolds())
	fmt.Printf("train (all folds): %s\n", stats.Summarize(m.TrainDicts()))

	for fold := 0; fold < m.NumFolds(); fold++ {
		if err := m.SetFold(fold); err != nil {
			log.Fatalf("fold %d: %v", fold, err)
		}
		train, err := m.TrainDataset()
		if err != nil {
			log.Fatalf("fold %d train: %v", fold, err)
		}
		fmt.Printf("fold %d train: %s\n", fold, summarize(train))
		val, err := m.ValDataset()
		if err != nil {
			log.Fatalf("fold %d val: %v", fold, err)
		}
		if val != nil {
			fmt.Printf("fold %d val:   %s\n", fold, summarize(val))
		}
	}
	if !*trainOnly {
		test, err := m.TestDataset()
		if err != nil {
			log.Fatalf("test: %v", err)
		}
		fmt.Printf("test:         %s\n", summarize(test))
	}

	if len(heldout) > 0 {
		if err := m.SetupHeldout(); err != nil {
			log.Fatalf("heldout setup failed: %v", err)
		}
		for _, src := range heldout {
			ds, err := m.HeldoutDataset(src.Name)
			if err != nil {
				log.Fatalf("heldout %s: %v", src.Name, err)
			}
			fmt.Printf("heldout %-8s %s\n", src.Name+":", summarize(ds))
		}
	}

	if *plotsDir != "" {
		if err := writePlots(m, *plotsDir); err != nil {
			log.Fatalf("plots failed: %v", err)
		}
		log.Printf("plots written to %s", *plotsDir)
	}
}

func summarize(ds *datasets.Dataset) string {
	n := ds.Len()
	pos := 0
	for i := 0; i < n; i++ {
		ex, err := ds.At(i)
		if err != nil {
			log.Fatalf("reading example %d: %v", i, err)
		}
		pos += ex.Label
	}
	prop := 0.0
	if n > 0 {
		prop = float64(pos) / float64(n)
	}
	return fmt.Sprintf("n=%d positive=%.3f", n, prop)
}

func writePlots(m *datasets.DataModule, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	d := m.TrainDicts()
	if err := stats.PlotAgeHistogram(d, filepath.Join(dir, "age_hist.png")); err != nil {
		return err
	}
	return stats.PlotVisitCounts(d, filepath.Join(dir, "visit_counts.png"))
}

func parseContrast(name string) (preprocess.Contrast, error) {
	switch name {
	case "equalize":
		return preprocess.ContrastEqualize, nil
	case "none":
		return preprocess.ContrastNone, nil
	case "adaptive":
		return preprocess.ContrastAdaptive, nil
	case "rescale":
		return preprocess.ContrastRescale, nil
	}
	return 0, fmt.Errorf("unknown contrast %q", name)
}

// parseHeldout parses "name:file[:silent]" entries separated by commas.
func parseHeldout(spec string) ([]datasets.HeldoutSource, error) {
	if spec == "" {
		return nil, nil
	}
	var out []datasets.HeldoutSource
	for _, entry := range strings.Split(spec, ",") {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("malformed heldout entry %q (want name:file or name:file:silent)", entry)
		}
		src := datasets.HeldoutSource{Name: parts[0], JSONInfile: parts[1]}
		if len(parts) == 3 {
			if parts[2] != "silent" {
				return nil, fmt.Errorf("unknown heldout option %q in %q", parts[2], entry)
			}
			src.SilentTrial = true
		}
		out = append(out, src)
	}
	return out, nil
}
