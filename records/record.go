// Package records models the raw nested patient record and extracts it into
// flat, leakage-safe image/label/covariate dictionaries keyed by
// patient-side identity.
package records

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"

	"github.com/renalml/kidneyprep/splits"
)

// ReservedPatientID is a known corrupt record, always excluded regardless of
// mode.
const ReservedPatientID = "SU2bae8dc"

const (
	sexKey      = "Sex"
	blDateKey   = "BL_date"
	surgeryKey  = "surgery"
	sagKey      = "sag"
	trvKey      = "trv"
	ageKey      = "Age_wks"
	machineKey  = "US_machine"
	sexMale     = 1
	sexFemale   = 2
	maxAgeWeeks = 52 * 10
)

// Visit is one imaging session: a sagittal and a transverse image path plus
// the age-at-visit covariate and the machine used.
type Visit struct {
	Sag       string
	Trv       string
	AgeWks    *float64 // nil when missing or recorded as "NA"
	USMachine string
}

// Side holds one kidney's surgery label and its visits keyed by visit
// number.
type Side struct {
	Surgery *int // nil when the label could not be resolved
	Visits  map[string]*Visit
}

// Patient is one parsed patient entry. Structurally malformed entries carry
// a non-empty Invalid reason and are skipped whole at extraction time.
type Patient struct {
	Sex     int // normalized: 1 male, 2 female
	HasSex  bool
	BLDate  string // empty when absent
	Sides   map[string]*Side
	Invalid string
}

// Record is the raw dataset: patient ID to parsed patient entry. Built once
// at load time and never mutated afterwards.
type Record map[string]*Patient

// PatientIDs returns all patient IDs in sorted order.
func (r Record) PatientIDs() []string {
	ids := make([]string, 0, len(r))
	for id := range r {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// BaselineDates returns each patient's baseline date, substituting the
// default for patients without one.
func (r Record) BaselineDates() map[string]string {
	dates := make(map[string]string, len(r))
	for id, p := range r {
		if p.BLDate != "" {
			dates[id] = p.BLDate
		} else {
			dates[id] = splits.DefaultBaselineDate
		}
	}
	return dates
}

// Subset returns a new Record restricted to the given patient IDs.
func (r Record) Subset(ids []string) Record {
	out := make(Record, len(ids))
	for _, id := range ids {
		if p, ok := r[id]; ok {
			out[id] = p
		}
	}
	return out
}

// LoadDataset reads the dataset JSON and splits it into train and test
// records over patient IDs (see splits.TrainTestIDs). With trainOnly the
// whole record is returned as train and test is nil.
func LoadDataset(jsonInfile, dataDir string, testProp float64, ordered, trainOnly bool, seed int64) (train, test Record, err error) {
	rec, err := LoadTestDataset(jsonInfile, dataDir)
	if err != nil {
		return nil, nil, err
	}
	if trainOnly {
		return rec, nil, nil
	}
	trainIDs, testIDs := splits.TrainTestIDs(rec.PatientIDs(), rec.BaselineDates(), testProp, ordered, seed)
	return rec.Subset(trainIDs), rec.Subset(testIDs), nil
}

// LoadTestDataset reads a dataset JSON without splitting it.
func LoadTestDataset(jsonInfile, dataDir string) (Record, error) {
	path := filepath.Join(dataDir, jsonInfile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read dataset json %q", path)
	}
	rec, err := ParseRecord(data)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse dataset json %q", path)
	}
	return rec, nil
}

// ParseRecord decodes the raw dataset JSON. Unreadable top-level JSON is a
// fatal configuration error; per-patient structural problems only mark that
// patient invalid. The reserved corrupt patient is dropped here.
func ParseRecord(data []byte) (Record, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "malformed dataset json")
	}
	delete(raw, ReservedPatientID)

	rec := make(Record, len(raw))
	for id, msg := range raw {
		rec[id] = parsePatient(msg)
	}
	return rec, nil
}

func parsePatient(msg json.RawMessage) *Patient {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(msg, &fields); err != nil {
		return &Patient{Invalid: "patient entry is not an object"}
	}

	p := &Patient{Sides: make(map[string]*Side)}
	for name, raw := range fields {
		switch name {
		case sexKey:
			sex, ok := parseSex(raw)
			if !ok {
				return &Patient{Invalid: "unrecognized Sex value"}
			}
			p.Sex, p.HasSex = sex, true
		case blDateKey:
			if err := json.Unmarshal(raw, &p.BLDate); err != nil {
				return &Patient{Invalid: "BL_date is not a string"}
			}
		default:
			side, err := parseSide(raw)
			if err != nil {
				return &Patient{Invalid: fmt.Sprintf("side %q: %v", name, err)}
			}
			p.Sides[name] = side
		}
	}
	return p
}

// parseSex normalizes the sex field to {1, 2}: integers pass through, "M"
// maps to 1 and any other string to 2.
func parseSex(raw json.RawMessage) (int, bool) {
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "M" {
			return sexMale, true
		}
		return sexFemale, true
	}
	return 0, false
}

func parseSide(msg json.RawMessage) (*Side, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(msg, &fields); err != nil {
		return nil, errors.New("side value is not an object")
	}

	side := &Side{Visits: make(map[string]*Visit)}
	for name, raw := range fields {
		if name == surgeryKey {
			side.Surgery = parseSurgery(raw)
			continue
		}
		visit, err := parseVisit(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "visit %q", name)
		}
		side.Visits[name] = visit
	}
	return side, nil
}

// parseSurgery resolves the surgery label: a bare integer, or the first
// integer element of a list. Anything else leaves the label undefined.
func parseSurgery(raw json.RawMessage) *int {
	if n, ok := parseInt(raw); ok {
		return &n
	}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err == nil {
		for _, elem := range list {
			if n, ok := parseInt(elem); ok {
				return &n
			}
		}
	}
	return nil
}

func parseInt(raw json.RawMessage) (int, bool) {
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, false
	}
	n := int(f)
	if float64(n) != f {
		return 0, false
	}
	return n, true
}

func parseVisit(msg json.RawMessage) (*Visit, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(msg, &fields); err != nil {
		return nil, errors.New("visit value is not an object")
	}

	v := &Visit{}
	if raw, ok := fields[sagKey]; ok {
		if err := json.Unmarshal(raw, &v.Sag); err != nil {
			return nil, errors.New("sag path is not a string")
		}
	}
	if raw, ok := fields[trvKey]; ok {
		if err := json.Unmarshal(raw, &v.Trv); err != nil {
			return nil, errors.New("trv path is not a string")
		}
	}
	if raw, ok := fields[machineKey]; ok {
		// Free text in practice; non-string machine entries are kept blank.
		_ = json.Unmarshal(raw, &v.USMachine)
	}
	if raw, ok := fields[ageKey]; ok {
		var age float64
		if err := json.Unmarshal(raw, &age); err == nil {
			v.AgeWks = &age
		}
		// "NA", null and other non-numbers leave AgeWks nil; the
		// extractor skips those visits with a diagnostic.
	}
	return v, nil
}
