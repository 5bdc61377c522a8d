package adherence

import (
	"errors"
	"math"
	"testing"
	"time"
)

var day1 = NewDay(2024, time.January, 1)

func fill(drug string, offset, supply, seq int) DoseRecord {
	return DoseRecord{
		PatientID:  "P1",
		DrugName:   drug,
		FillDate:   day1.AddDays(offset),
		DaysSupply: supply,
		Seq:        seq,
	}
}

func TestBuildCoverageSingleFill(t *testing.T) {
	cal, err := BuildCoverage([]DoseRecord{fill("lisinopril", 0, 30, 0)})
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	if cal.WindowStart != day1 || cal.WindowEnd != day1.AddDays(29) {
		t.Errorf("expected window [%s, %s], got [%s, %s]", day1, day1.AddDays(29), cal.WindowStart, cal.WindowEnd)
	}
	if cal.CoveredDays() != 30 {
		t.Errorf("expected 30 covered days, got %d", cal.CoveredDays())
	}
	if cal.Ratio() != 1.0 {
		t.Errorf("expected ratio 1.0, got %f", cal.Ratio())
	}
}

func TestBuildCoverageEarlyRefillShift(t *testing.T) {
	cal, err := BuildCoverage([]DoseRecord{
		fill("metformin", 0, 10, 0),
		fill("metformin", 4, 10, 1),
	})
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	second := cal.Intervals[1]
	if !second.Shifted {
		t.Error("expected second fill to be shifted")
	}
	if second.Start != day1.AddDays(10) || second.End != day1.AddDays(19) {
		t.Errorf("expected shifted interval [day11, day20], got [%s, %s]", second.Start, second.End)
	}
	if cal.WindowDays() != 20 || cal.CoveredDays() != 20 {
		t.Errorf("expected 20/20 days, got %d/%d", cal.CoveredDays(), cal.WindowDays())
	}
	if cal.Ratio() != 1.0 {
		t.Errorf("expected ratio 1.0, got %f", cal.Ratio())
	}
}

func TestBuildCoverageGap(t *testing.T) {
	cal, err := BuildCoverage([]DoseRecord{
		fill("atorvastatin", 0, 5, 0),
		fill("atorvastatin", 9, 5, 1),
	})
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	if cal.WindowDays() != 14 {
		t.Errorf("expected 14 window days, got %d", cal.WindowDays())
	}
	if cal.CoveredDays() != 10 {
		t.Errorf("expected 10 covered days, got %d", cal.CoveredDays())
	}
	if math.Abs(cal.Ratio()-10.0/14.0) > 1e-9 {
		t.Errorf("expected ratio ~0.714, got %f", cal.Ratio())
	}
	for offset := 5; offset <= 8; offset++ {
		if cal.covers(day1.AddDays(offset)) {
			t.Errorf("day %d should be uncovered", offset+1)
		}
	}
}

func TestBuildCoverageWellSpacedFillsAreNotShifted(t *testing.T) {
	doses := []DoseRecord{
		fill("amlodipine", 0, 30, 0),
		fill("amlodipine", 30, 30, 1),
		fill("amlodipine", 75, 30, 2),
	}
	cal, err := BuildCoverage(doses)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	for i, iv := range cal.Intervals {
		if iv.Shifted || iv.Start != doses[i].FillDate {
			t.Errorf("interval %d: expected start %s unshifted, got %s (shifted=%v)", i, doses[i].FillDate, iv.Start, iv.Shifted)
		}
		if iv.End != doses[i].nominalEnd() {
			t.Errorf("interval %d: expected end %s, got %s", i, doses[i].nominalEnd(), iv.End)
		}
	}
}

func TestBuildCoverageShiftStartsRightAfterPriorEnd(t *testing.T) {
	tests := []struct {
		name   string
		offset int
	}{
		{"same day as prior fill", 0},
		{"inside prior supply", 3},
		{"on prior end date", 9},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cal, err := BuildCoverage([]DoseRecord{
				fill("warfarin", 0, 10, 0),
				fill("warfarin", tt.offset, 7, 1),
			})
			if err != nil {
				t.Fatalf("build failed: %v", err)
			}
			prior, next := cal.Intervals[0], cal.Intervals[1]
			if next.Start != prior.End+1 {
				t.Errorf("expected start %s, got %s", prior.End+1, next.Start)
			}
			if cal.WindowDays() != cal.CoveredDays() {
				t.Errorf("expected contiguous coverage, got %d/%d", cal.CoveredDays(), cal.WindowDays())
			}
		})
	}
}

func TestBuildCoverageChainedShifts(t *testing.T) {
	// Three fills on consecutive days stack end to end.
	cal, err := BuildCoverage([]DoseRecord{
		fill("sertraline", 0, 30, 0),
		fill("sertraline", 1, 30, 1),
		fill("sertraline", 2, 30, 2),
	})
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if cal.WindowEnd != day1.AddDays(89) {
		t.Errorf("expected window end day90, got %s", cal.WindowEnd)
	}
	if cal.CoveredDays() != 90 {
		t.Errorf("expected 90 covered days, got %d", cal.CoveredDays())
	}
}

func TestBuildCoverageOrderIndependent(t *testing.T) {
	sorted := []DoseRecord{
		fill("losartan", 0, 10, 0),
		fill("losartan", 5, 10, 1),
		fill("losartan", 40, 10, 2),
	}
	shuffled := []DoseRecord{sorted[2], sorted[0], sorted[1]}

	a, err := BuildCoverage(sorted)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	b, err := BuildCoverage(shuffled)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	c, err := BuildCoverage(sorted)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	for _, other := range []*CoverageCalendar{b, c} {
		if a.WindowStart != other.WindowStart || a.WindowEnd != other.WindowEnd {
			t.Errorf("windows differ: [%s,%s] vs [%s,%s]", a.WindowStart, a.WindowEnd, other.WindowStart, other.WindowEnd)
		}
		ad, od := a.coveredDates(), other.coveredDates()
		if len(ad) != len(od) {
			t.Fatalf("covered sets differ in size: %d vs %d", len(ad), len(od))
		}
		for i := range ad {
			if ad[i] != od[i] {
				t.Errorf("covered day %d differs: %s vs %s", i, ad[i], od[i])
			}
		}
	}

	if sorted[0].Seq != 0 || shuffled[0].Seq != 2 {
		t.Error("input slices must not be reordered")
	}
}

func TestBuildCoverageTieBreakUsesIngestionOrder(t *testing.T) {
	// Two fills on the same day: the lower Seq is placed first and keeps its
	// fill date, the other is shifted behind it.
	first := fill("insulin", 0, 5, 7)
	second := fill("insulin", 0, 20, 8)

	for _, input := range [][]DoseRecord{{first, second}, {second, first}} {
		cal, err := BuildCoverage(input)
		if err != nil {
			t.Fatalf("build failed: %v", err)
		}
		if cal.Intervals[0].Dose.Seq != 7 {
			t.Errorf("expected seq 7 first, got %d", cal.Intervals[0].Dose.Seq)
		}
		if cal.Intervals[0].End != day1.AddDays(4) {
			t.Errorf("expected first interval to end on day5, got %s", cal.Intervals[0].End)
		}
		if cal.Intervals[1].Start != day1.AddDays(5) || cal.Intervals[1].End != day1.AddDays(24) {
			t.Errorf("expected second interval [day6, day25], got [%s, %s]", cal.Intervals[1].Start, cal.Intervals[1].End)
		}
	}
}

func TestBuildCoverageWindowMatchesDistinctDaysWhenContiguous(t *testing.T) {
	cal, err := BuildCoverage([]DoseRecord{
		fill("levothyroxine", 0, 10, 0),
		fill("levothyroxine", 10, 10, 1),
		fill("levothyroxine", 15, 10, 2),
	})
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	total := 0
	for _, iv := range cal.Intervals {
		total += iv.Days()
	}
	if total != cal.CoveredDays() {
		t.Errorf("intervals overlap: %d interval days vs %d distinct", total, cal.CoveredDays())
	}
	if cal.WindowDays() != cal.CoveredDays() {
		t.Errorf("expected window %d == distinct days %d", cal.WindowDays(), cal.CoveredDays())
	}
}

func TestBuildCoverageErrors(t *testing.T) {
	tests := []struct {
		name  string
		doses []DoseRecord
		want  error
	}{
		{"empty", nil, ErrEmptyDoseList},
		{"mixed drugs", []DoseRecord{fill("a", 0, 1, 0), fill("b", 1, 1, 1)}, ErrMixedDoseList},
		{"zero supply", []DoseRecord{fill("a", 0, 0, 0)}, ErrInvalidDose},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildCoverage(tt.doses)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if !IsInvariantViolation(err) {
				t.Errorf("expected invariant violation, got %T", err)
			}
		})
	}
}
