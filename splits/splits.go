// Package splits partitions patient-side keys (and, for the top-level
// train/test split, patient IDs) into disjoint train/validation/test sets.
//
// All randomness is seeded explicitly so that identical inputs, mode and
// seed always produce identical partitions.
package splits

import (
	"math"
	"math/rand"
	"sort"

	"github.com/pkg/errors"
)

// DefaultSeed is the seed historically used for every stochastic split.
const DefaultSeed = 42

// DefaultBaselineDate substitutes for patients without a recorded baseline
// date when ordering chronologically.
const DefaultBaselineDate = "2021-01-01"

// DefaultTrainFraction is the train share of a single train/validation split.
const DefaultTrainFraction = 0.8

// Fold is one train/validation assignment, as indices into the caller's key
// list.
type Fold struct {
	Train []int
	Val   []int
}

func newRand(seed int64) *rand.Rand { return rand.New(rand.NewSource(seed)) }

func shuffledInts(xs []int, seed int64) []int {
	out := append([]int(nil), xs...)
	newRand(seed).Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

func shuffledStrings(xs []string, seed int64) []string {
	out := append([]string(nil), xs...)
	newRand(seed).Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// TrainTestIDs partitions patient IDs into train and test sets. With ordered
// it sorts by baseline date (patient ID as tiebreak) and takes the tail
// testProp fraction as test; otherwise it shuffles with the seed and takes
// the test slice from the front.
//
// Both branches drop the single patient at the split boundary from both
// sets. This matches the partitions the existing trained artifacts were
// built with, so it is preserved as-is: 10 patients at testProp 0.2 yield
// 8 train and 1 test.
func TrainTestIDs(ids []string, dates map[string]string, testProp float64, ordered bool, seed int64) (train, test []string) {
	n := len(ids)
	testN := int(math.Round(float64(n) * testProp))

	if ordered {
		sorted := append([]string(nil), ids...)
		sort.SliceStable(sorted, func(i, j int) bool {
			di, dj := baselineDate(dates, sorted[i]), baselineDate(dates, sorted[j])
			if di != dj {
				return di < dj
			}
			return sorted[i] < sorted[j]
		})
		train = sorted[:n-testN]
		if n-testN+1 <= n {
			test = sorted[n-testN+1:]
		}
		return train, test
	}

	shuffled := shuffledStrings(ids, seed)
	test = shuffled[:testN]
	if testN+1 <= n {
		train = shuffled[testN+1:]
	}
	return train, test
}

// CrossValidationFolds produces numFolds stratified folds over the labels,
// shuffled with the seed. Every index appears in exactly one fold's Val set.
// It is an error for any label class to have fewer members than folds.
func CrossValidationFolds(labels []int, numFolds int, seed int64) ([]Fold, error) {
	if numFolds < 2 {
		return nil, errors.Errorf("cross validation requires at least 2 folds, got %d", numFolds)
	}
	groups := groupByLabel(labels)
	for _, label := range sortedLabels(groups) {
		if len(groups[label]) < numFolds {
			return nil, errors.Errorf("label %d has %d members, fewer than %d folds", label, len(groups[label]), numFolds)
		}
	}

	valSets := make([][]int, numFolds)
	for _, label := range sortedLabels(groups) {
		shuffled := shuffledInts(groups[label], seed)
		for i, idx := range shuffled {
			valSets[i%numFolds] = append(valSets[i%numFolds], idx)
		}
	}

	folds := make([]Fold, numFolds)
	for f := 0; f < numFolds; f++ {
		inVal := make(map[int]bool, len(valSets[f]))
		for _, idx := range valSets[f] {
			inVal[idx] = true
		}
		var train []int
		for i := range labels {
			if !inVal[i] {
				train = append(train, i)
			}
		}
		val := append([]int(nil), valSets[f]...)
		sort.Ints(val)
		folds[f] = Fold{Train: train, Val: val}
	}
	return folds, nil
}

// TrainValSplit produces a single train/validation fold over the keys.
//
// With ordered it sorts keys by baseline date, takes the first
// floor(split*n) as train and the remainder as validation, then shuffles
// each side independently with the seed: ordering determines membership
// only, not within-split order. Otherwise it performs a stratified shuffle
// split over the labels.
func TrainValSplit(keys []string, labels []int, dates map[string]string, split float64, ordered bool, seed int64) ([]Fold, error) {
	if len(keys) != len(labels) {
		return nil, errors.Errorf("got %d keys but %d labels", len(keys), len(labels))
	}
	if split <= 0 || split >= 1 {
		return nil, errors.Errorf("train fraction must be in (0, 1), got %v", split)
	}

	if ordered {
		order := make([]int, len(keys))
		for i := range order {
			order[i] = i
		}
		sort.SliceStable(order, func(a, b int) bool {
			di, dj := baselineDate(dates, keys[order[a]]), baselineDate(dates, keys[order[b]])
			if di != dj {
				return di < dj
			}
			return keys[order[a]] < keys[order[b]]
		})
		endIdx := int(math.Floor(float64(len(keys)) * split))
		inTrain := make(map[int]bool, endIdx)
		for _, idx := range order[:endIdx] {
			inTrain[idx] = true
		}
		var trainIdx, valIdx []int
		for i := range keys {
			if inTrain[i] {
				trainIdx = append(trainIdx, i)
			} else {
				valIdx = append(valIdx, i)
			}
		}
		return []Fold{{Train: shuffledInts(trainIdx, seed), Val: shuffledInts(valIdx, seed)}}, nil
	}

	groups := groupByLabel(labels)
	var trainIdx, valIdx []int
	for _, label := range sortedLabels(groups) {
		shuffled := shuffledInts(groups[label], seed)
		nTrain := int(math.Round(float64(len(shuffled)) * split))
		trainIdx = append(trainIdx, shuffled[:nTrain]...)
		valIdx = append(valIdx, shuffled[nTrain:]...)
	}
	return []Fold{{Train: shuffledInts(trainIdx, seed), Val: shuffledInts(valIdx, seed)}}, nil
}

// NoValidation is the degenerate fold list used when no validation split is
// requested: all indices train, nothing held out.
func NoValidation(n int) []Fold {
	train := make([]int, n)
	for i := range train {
		train[i] = i
	}
	return []Fold{{Train: train}}
}

func baselineDate(dates map[string]string, key string) string {
	if d, ok := dates[key]; ok && d != "" {
		return d
	}
	return DefaultBaselineDate
}

func groupByLabel(labels []int) map[int][]int {
	groups := make(map[int][]int)
	for i, label := range labels {
		groups[label] = append(groups[label], i)
	}
	return groups
}

func sortedLabels(groups map[int][]int) []int {
	out := make([]int, 0, len(groups))
	for label := range groups {
		out = append(out, label)
	}
	sort.Ints(out)
	return out
}
