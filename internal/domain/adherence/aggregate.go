package adherence

import (
	"fmt"
	"sort"
)

// Result is the adherence of one patient.
type Result struct {
	PatientID        string             `json:"patient_id"`
	OverallAdherence float64            `json:"overall_adherence"`
	DrugAdherence    map[string]float64 `json:"drug_adherence,omitempty"`
	// CoveredDays and WindowDays are the cross-drug union counts behind
	// OverallAdherence.
	CoveredDays int `json:"covered_days"`
	WindowDays  int `json:"window_days"`
}

// Drugs returns the drug names of the result in sorted order.
func (r *Result) Drugs() []string {
	drugs := make([]string, 0, len(r.DrugAdherence))
	for d := range r.DrugAdherence {
		drugs = append(drugs, d)
	}
	sort.Strings(drugs)
	return drugs
}

// Aggregate combines per-drug calendars into a patient's adherence.
// Each drug keeps its own window; the overall ratio divides the union of
// covered days by the union of window days, so a day counts once however
// many drugs cover it.
func Aggregate(patientID string, calendars map[string]*CoverageCalendar) (*Result, error) {
	if len(calendars) == 0 {
		return nil, &InvariantError{PatientID: patientID, Err: ErrNoDrugs}
	}

	res := &Result{
		PatientID:     patientID,
		DrugAdherence: make(map[string]float64, len(calendars)),
	}

	window := make(map[Day]struct{})
	covered := make(map[Day]struct{})
	for drug, cal := range calendars {
		if cal == nil {
			return nil, &InvariantError{
				PatientID: patientID,
				Drug:      drug,
				Err:       fmt.Errorf("%w: no calendar", ErrEmptyDoseList),
			}
		}
		res.DrugAdherence[drug] = cal.Ratio()

		for day := cal.WindowStart; day <= cal.WindowEnd; day++ {
			window[day] = struct{}{}
		}
		for day := range cal.covered {
			covered[day] = struct{}{}
		}
	}

	res.CoveredDays = len(covered)
	res.WindowDays = len(window)
	res.OverallAdherence = float64(res.CoveredDays) / float64(res.WindowDays)
	return res, nil
}
