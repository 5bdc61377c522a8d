package adherence

import "fmt"

// MaxDaysSupply bounds a single fill's days of supply.
const MaxDaysSupply = 65535

// DoseRecord is one dispensing event.
type DoseRecord struct {
	PatientID  string
	DrugName   string
	FillDate   Day
	DaysSupply int
	// Seq is the record's position in ingestion order. It breaks ties
	// between fills on the same date.
	Seq int
}

// Validate checks the record invariants.
func (d DoseRecord) Validate() error {
	switch {
	case d.PatientID == "":
		return fmt.Errorf("%w: missing patient id", ErrInvalidDose)
	case d.DrugName == "":
		return fmt.Errorf("%w: missing drug name", ErrInvalidDose)
	case d.DaysSupply < 1:
		return fmt.Errorf("%w: days supply %d < 1", ErrInvalidDose, d.DaysSupply)
	case d.DaysSupply > MaxDaysSupply:
		return fmt.Errorf("%w: days supply %d > %d", ErrInvalidDose, d.DaysSupply, MaxDaysSupply)
	}
	return nil
}

// nominalEnd is the last covered day if the fill started on its fill date.
func (d DoseRecord) nominalEnd() Day {
	return d.FillDate.AddDays(d.DaysSupply - 1)
}
