package adherence

import (
	"fmt"
	"sort"
)

// Interval is the span of days one fill covers after early-refill shifting.
type Interval struct {
	Start   Day
	End     Day
	Dose    DoseRecord
	Shifted bool
}

// Days returns the interval length (inclusive)
func (iv Interval) Days() int { return int(iv.End-iv.Start) + 1 }

// CoverageCalendar is the non-overlapping coverage of one drug for one
// patient over its observation window.
type CoverageCalendar struct {
	PatientID   string
	Drug        string
	WindowStart Day
	WindowEnd   Day
	Intervals   []Interval

	covered map[Day]struct{}
}

// BuildCoverage shifts early refills so supply never overlaps and returns the
// resulting calendar. Fills are ordered by fill date; fills on the same date
// keep ingestion order (DoseRecord.Seq), whatever the order of doses.
func BuildCoverage(doses []DoseRecord) (*CoverageCalendar, error) {
	if len(doses) == 0 {
		return nil, &InvariantError{Err: ErrEmptyDoseList}
	}

	patientID, drug := doses[0].PatientID, doses[0].DrugName
	for _, d := range doses {
		if d.PatientID != patientID || d.DrugName != drug {
			return nil, &InvariantError{PatientID: patientID, Drug: drug, Err: ErrMixedDoseList}
		}
		if d.DaysSupply < 1 {
			return nil, &InvariantError{
				PatientID: patientID,
				Drug:      drug,
				Err:       fmt.Errorf("%w: days supply %d on %s", ErrInvalidDose, d.DaysSupply, d.FillDate),
			}
		}
	}

	sorted := make([]DoseRecord, len(doses))
	copy(sorted, doses)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].FillDate != sorted[j].FillDate {
			return sorted[i].FillDate < sorted[j].FillDate
		}
		return sorted[i].Seq < sorted[j].Seq
	})

	cal := &CoverageCalendar{
		PatientID: patientID,
		Drug:      drug,
		Intervals: make([]Interval, 0, len(sorted)),
		covered:   make(map[Day]struct{}),
	}

	var priorEnd Day
	for i, d := range sorted {
		start := d.FillDate
		shifted := false
		if i > 0 && start <= priorEnd {
			start = priorEnd + 1
			shifted = true
		}
		end := start.AddDays(d.DaysSupply - 1)

		for day := start; day <= end; day++ {
			cal.covered[day] = struct{}{}
		}
		cal.Intervals = append(cal.Intervals, Interval{Start: start, End: end, Dose: d, Shifted: shifted})
		priorEnd = end

		if i == 0 || start < cal.WindowStart {
			cal.WindowStart = start
		}
		if i == 0 || end > cal.WindowEnd {
			cal.WindowEnd = end
		}
	}

	return cal, nil
}

// covers reports whether day is covered by supply.
func (c *CoverageCalendar) covers(day Day) bool {
	_, ok := c.covered[day]
	return ok
}

// CoveredDays counts covered days.
func (c *CoverageCalendar) CoveredDays() int { return len(c.covered) }

// WindowDays counts the days in [WindowStart, WindowEnd].
func (c *CoverageCalendar) WindowDays() int { return int(c.WindowEnd-c.WindowStart) + 1 }

// Ratio is the drug's proportion of days covered.
func (c *CoverageCalendar) Ratio() float64 {
	return float64(c.CoveredDays()) / float64(c.WindowDays())
}

// coveredDates returns the covered days in ascending order.
func (c *CoverageCalendar) coveredDates() []Day {
	out := make([]Day, 0, len(c.covered))
	for d := range c.covered {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
